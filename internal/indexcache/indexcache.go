// Package indexcache loads every index file in a repository into a single
// in-memory map from chunk ID to the bundle that holds it, grounded on
// this lineage's pattern of combining errgroup with a bounded worker count
// for parallel per-file work (internal/index/build.go in the teacher tree).
package indexcache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"rzbackup/internal/codec"
	"rzbackup/internal/format"
	"rzbackup/internal/logging"
	"rzbackup/internal/zbackup"
)

// Entry is what the master index remembers about a chunk: which bundle
// holds it and its uncompressed size.
type Entry struct {
	BundleID zbackup.BundleID
	Size     uint64
}

// Cache is the master index: chunk_id -> (bundle_id, size). Build it with
// New; it is empty until LoadOrReload has run.
type Cache struct {
	root   string
	key    *zbackup.EncryptionKey
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[zbackup.ChunkID]Entry
	loaded  bool
}

// New returns a Cache over the repository rooted at root, decrypting index
// files with key (nil for unencrypted repositories).
func New(logger *slog.Logger, root string, key *zbackup.EncryptionKey) *Cache {
	return &Cache{
		root:   root,
		key:    key,
		logger: logging.Default(logger).With("component", "indexcache"),
	}
}

// Loaded reports whether LoadOrReload has completed at least once.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Get returns the entry for chunkID, if any index file in the repository
// references it.
func (c *Cache) Get(chunkID zbackup.ChunkID) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[chunkID]
	return e, ok
}

// HasChunk reports whether chunkID is present in the loaded master index.
func (c *Cache) HasChunk(chunkID zbackup.ChunkID) bool {
	_, ok := c.Get(chunkID)
	return ok
}

// LoadOrReload scans bundles/ and index/, then loads every index file in
// parallel across up to ceil((NumCPU-1)*7/3)+1 workers, merging all
// (chunk_id, entry) pairs into a fresh master index. Later insertions
// overwrite earlier ones when more than one index references the same
// chunk ID; this reproduces the original system's documented last-writer-
// wins behavior rather than treating it as an error (SPEC_FULL.md §9).
//
// Per-index read errors are logged and counted, not fatal to the load.
func (c *Cache) LoadOrReload(ctx context.Context) error {
	bundleIDs, err := c.scanBundles()
	if err != nil {
		return err
	}

	indexIDs, err := c.scanIndexes()
	if err != nil {
		return err
	}

	workers := numIndexWorkers()
	c.logger.Info("loading indexes", "count", len(indexIDs), "workers", workers)

	type result struct {
		indexID zbackup.IndexID
		entries []indexPair
		err     error
	}

	jobs := make(chan zbackup.IndexID)
	results := make(chan result)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case id, ok := <-jobs:
					if !ok {
						return nil
					}
					entries, err := c.loadIndexFile(id, bundleIDs)
					select {
					case results <- result{indexID: id, entries: entries, err: err}:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
		})
	}

	go func() {
		defer close(jobs)
		for _, id := range indexIDs {
			select {
			case jobs <- id:
			case <-gctx.Done():
				return
			}
		}
	}()

	go func() {
		g.Wait()
		close(results)
	}()

	merged := make(map[zbackup.ChunkID]Entry, len(indexIDs)*1024)
	var numLoaded, numErrored int
	for res := range results {
		if res.err != nil {
			c.logger.Warn("error loading index", "index_id", res.indexID.Hex(), "error", res.err)
			numErrored++
			continue
		}
		for _, p := range res.entries {
			if prev, dup := merged[p.chunkID]; dup {
				if prev.BundleID != p.entry.BundleID {
					c.logger.Warn("duplicate chunk across indexes with a different bundle, keeping last writer",
						"chunk_id", p.chunkID.Hex(), "previous_bundle_id", prev.BundleID.Hex(), "bundle_id", p.entry.BundleID.Hex())
				} else {
					c.logger.Debug("duplicate chunk across indexes, keeping last writer", "chunk_id", p.chunkID.Hex())
				}
			}
			merged[p.chunkID] = p.entry
		}
		numLoaded++
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	c.logger.Info("loaded indexes", "loaded", numLoaded, "errors", numErrored, "chunks", len(merged))

	c.mu.Lock()
	c.entries = merged
	c.loaded = true
	c.mu.Unlock()

	return nil
}

func numIndexWorkers() int {
	n := runtime.NumCPU()
	if n <= 1 {
		return 1
	}
	return ((n-1)*7+2)/3 + 1
}

type indexPair struct {
	chunkID zbackup.ChunkID
	entry   Entry
}

func (c *Cache) loadIndexFile(indexID zbackup.IndexID, bundleIDs map[zbackup.BundleID]struct{}) ([]indexPair, error) {
	path := filepath.Join(c.root, "index", indexID.Hex())
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plain, err := codec.DecodeEnvelope(raw, c.key)
	if err != nil {
		return nil, err
	}

	r := bufio.NewReader(bytes.NewReader(plain))
	if _, err := format.ReadFileHeader(r); err != nil {
		return nil, err
	}

	var pairs []indexPair
	for {
		var header format.IndexBundleHeader
		if err := format.ReadMessage(r, &header); err != nil {
			return nil, err
		}
		if len(header.BundleID) == 0 {
			break
		}
		bundleID, err := zbackup.BundleIDFromBytes(header.BundleID)
		if err != nil {
			return nil, err
		}

		var info format.BundleInfo
		if err := format.ReadMessage(r, &info); err != nil {
			return nil, err
		}

		if _, ok := bundleIDs[bundleID]; !ok {
			continue
		}

		for _, rec := range info.ChunkRecords {
			chunkID, err := zbackup.ChunkIDFromBytes(rec.ID)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, indexPair{
				chunkID: chunkID,
				entry:   Entry{BundleID: bundleID, Size: rec.Size},
			})
		}
	}

	return pairs, nil
}

func (c *Cache) scanBundles() (map[zbackup.BundleID]struct{}, error) {
	bundleIDs := make(map[zbackup.BundleID]struct{})
	bundlesDir := filepath.Join(c.root, "bundles")

	for b := 0; b < 256; b++ {
		prefix := hex.EncodeToString([]byte{byte(b)})
		entries, err := os.ReadDir(filepath.Join(bundlesDir, prefix))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			id, err := zbackup.ParseBundleID(e.Name())
			if err != nil {
				c.logger.Warn("ignoring invalid bundle name", "name", e.Name())
				continue
			}
			bundleIDs[id] = struct{}{}
		}
	}

	c.logger.Info("scanned bundles", "count", len(bundleIDs))
	return bundleIDs, nil
}

func (c *Cache) scanIndexes() ([]zbackup.IndexID, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, "index"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []zbackup.IndexID
	for _, e := range entries {
		id, err := zbackup.ParseIndexID(e.Name())
		if err != nil {
			c.logger.Warn("ignoring invalid index name", "name", e.Name())
			continue
		}
		ids = append(ids, id)
	}

	c.logger.Info("scanned indexes", "count", len(ids))
	return ids, nil
}
