// Package scheduler implements the bundle loader described in
// SPEC_FULL.md §4.5: a bounded-concurrency dispatcher that turns chunk
// requests into bundle reads, coalesces duplicate waiters on an in-flight
// bundle, and queues overflow behind max_threads. GetChunkAsyncAsync
// realizes the "double-future" contract as a future.Outer wrapping a
// future.Inner.
package scheduler

import (
	"bufio"
	"bytes"
	"container/list"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"rzbackup/internal/codec"
	"rzbackup/internal/format"
	"rzbackup/internal/future"
	"rzbackup/internal/indexcache"
	"rzbackup/internal/logging"
	"rzbackup/internal/rzerr"
	"rzbackup/internal/storage"
	"rzbackup/internal/zbackup"
)

// waiter is one outstanding request for a chunk within a bundle that is
// either loading now or queued to load.
type waiter struct {
	resolve chan<- future.ChunkResult
}

// queuedBundle holds the per-chunk waiter lists for a bundle that has not
// started loading yet, plus the outer-future resolvers that need an inner
// future once the bundle's read actually starts.
type queuedBundle struct {
	waiters map[zbackup.ChunkID][]queuedWaiter
}

type queuedWaiter struct {
	resolveOuter chan<- future.Reservation
}

// Scheduler bounds concurrent bundle reads to maxThreads and serves chunk
// requests out of a storage.Manager, falling back to bundle reads for
// cache misses.
type Scheduler struct {
	root       string
	key        *zbackup.EncryptionKey
	logger     *slog.Logger
	maxThreads int

	index   *indexcache.Cache
	storage *storage.Manager

	mu                sync.Mutex
	bundlesLoading    map[zbackup.BundleID]map[zbackup.ChunkID][]waiter
	bundlesToLoad     map[zbackup.BundleID]*queuedBundle
	bundlesToLoadList *list.List // of zbackup.BundleID
}

// New builds a Scheduler. maxThreads <= 0 is treated as 1; the CLI's
// buildScheduler passes runtime.NumCPU() in place of a non-positive value.
func New(logger *slog.Logger, root string, key *zbackup.EncryptionKey, index *indexcache.Cache, store *storage.Manager, maxThreads int) *Scheduler {
	if maxThreads <= 0 {
		maxThreads = 1
	}
	return &Scheduler{
		root:              root,
		key:               key,
		logger:            logging.Default(logger).With("component", "scheduler"),
		maxThreads:        maxThreads,
		index:             index,
		storage:           store,
		bundlesLoading:    make(map[zbackup.BundleID]map[zbackup.ChunkID][]waiter),
		bundlesToLoad:     make(map[zbackup.BundleID]*queuedBundle),
		bundlesToLoadList: list.New(),
	}
}

// GetChunkAsyncAsync is the double-future entry point. The returned Outer
// resolves as soon as a loader slot is secured (or immediately on a cache
// hit); the Reservation it carries exposes an Inner that resolves once
// the chunk's bytes are actually available.
func (s *Scheduler) GetChunkAsyncAsync(id zbackup.ChunkID) future.Outer {
	if inner, ok := s.storage.Get(id); ok {
		return future.ReadyOuter(inner)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index.Get(id)
	if !ok {
		err := rzerr.NotFoundf("Missing chunk: %s", id.Hex())
		return future.ReadyOuter(future.NewInner(future.ChunkResult{Err: err}))
	}
	bundleID := entry.BundleID

	if waiters, loading := s.bundlesLoading[bundleID]; loading {
		inner, resolve := future.PendingInner()
		waiters[id] = append(waiters[id], waiter{resolve: resolve})
		return future.ReadyOuter(inner)
	}

	if len(s.bundlesLoading) < s.maxThreads {
		s.startBundleRead(bundleID)
		inner, resolve := future.PendingInner()
		s.bundlesLoading[bundleID][id] = append(s.bundlesLoading[bundleID][id], waiter{resolve: resolve})
		return future.ReadyOuter(inner)
	}

	qb, queued := s.bundlesToLoad[bundleID]
	if !queued {
		qb = &queuedBundle{waiters: make(map[zbackup.ChunkID][]queuedWaiter)}
		s.bundlesToLoad[bundleID] = qb
		s.bundlesToLoadList.PushBack(bundleID)
	}

	outer, resolveOuter := future.PendingOuter()
	qb.waiters[id] = append(qb.waiters[id], queuedWaiter{resolveOuter: resolveOuter})
	return outer
}

// JobStatus reports which bundles are currently loading and which are
// queued behind maxThreads, for the TCP front-end's status command.
type JobStatus struct {
	BundlesLoading []zbackup.BundleID
	BundlesToLoad  []zbackup.BundleID
}

// Status snapshots the scheduler's current load state.
func (s *Scheduler) Status() JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := JobStatus{
		BundlesLoading: make([]zbackup.BundleID, 0, len(s.bundlesLoading)),
		BundlesToLoad:  make([]zbackup.BundleID, 0, s.bundlesToLoadList.Len()),
	}
	for id := range s.bundlesLoading {
		status.BundlesLoading = append(status.BundlesLoading, id)
	}
	for e := s.bundlesToLoadList.Front(); e != nil; e = e.Next() {
		status.BundlesToLoad = append(status.BundlesToLoad, e.Value.(zbackup.BundleID))
	}
	return status
}

// startBundleRead must be called with s.mu held. It registers bundleID as
// loading and spawns the goroutine that reads, decrypts, and decompresses
// it end to end.
func (s *Scheduler) startBundleRead(bundleID zbackup.BundleID) {
	s.bundlesLoading[bundleID] = make(map[zbackup.ChunkID][]waiter)
	go s.runBundleRead(bundleID)
}

func (s *Scheduler) runBundleRead(bundleID zbackup.BundleID) {
	chunks, err := s.readBundle(bundleID)
	if err != nil {
		s.logger.Warn("error reading bundle", "bundle_id", bundleID.Hex(), "error", err)
	} else {
		for _, chunk := range chunks {
			if insertErr := s.storage.Insert(chunk); insertErr != nil {
				s.logger.Warn("error caching chunk", "chunk_id", chunk.ID.Hex(), "error", insertErr)
			}
		}
	}

	s.mu.Lock()
	waiters := s.bundlesLoading[bundleID]
	delete(s.bundlesLoading, bundleID)

	for chunkID, chunkWaiters := range waiters {
		result := future.ChunkResult{Err: err}
		if err == nil {
			chunk, found := chunks[chunkID]
			if !found {
				result = future.ChunkResult{Err: rzerr.CorruptBackupf("expected to find chunk %s in bundle %s", chunkID.Hex(), bundleID.Hex())}
			} else {
				result = future.ChunkResult{Chunk: chunk}
			}
		}
		for _, w := range chunkWaiters {
			w.resolve <- result
		}
	}

	s.startLoadingNextBundle()
	s.mu.Unlock()
}

// startLoadingNextBundle promotes the head of bundlesToLoadList, if any.
// Must be called with s.mu held.
func (s *Scheduler) startLoadingNextBundle() {
	front := s.bundlesToLoadList.Front()
	if front == nil {
		return
	}
	s.bundlesToLoadList.Remove(front)
	bundleID := front.Value.(zbackup.BundleID)

	qb := s.bundlesToLoad[bundleID]
	delete(s.bundlesToLoad, bundleID)

	s.startBundleRead(bundleID)
	loading := s.bundlesLoading[bundleID]

	for chunkID, queuedWaiters := range qb.waiters {
		for _, qw := range queuedWaiters {
			inner, resolve := future.PendingInner()
			loading[chunkID] = append(loading[chunkID], waiter{resolve: resolve})
			qw.resolveOuter <- future.NewReservation(inner)
		}
	}
}

// readBundle reads, decrypts, and decompresses a bundle file end to end,
// returning every chunk it contains keyed by chunk ID.
func (s *Scheduler) readBundle(bundleID zbackup.BundleID) (map[zbackup.ChunkID]*zbackup.Chunk, error) {
	path := s.bundlePath(bundleID)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.IoError, err, "read bundle %s", bundleID.Hex())
	}

	plain, err := codec.DecodeEnvelope(raw, s.key)
	if err != nil {
		return nil, err
	}

	r := bufio.NewReader(bytes.NewReader(plain))
	_, info, err := format.ReadBundlePrefix(r)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.CorruptFile, err, "read bundle prefix %s", bundleID.Hex())
	}

	payload, err := codec.DecodePayload(r)
	if err != nil {
		return nil, err
	}

	chunks := make(map[zbackup.ChunkID]*zbackup.Chunk, len(info.ChunkRecords))
	offset := 0
	for _, rec := range info.ChunkRecords {
		id, err := zbackup.ChunkIDFromBytes(rec.ID)
		if err != nil {
			return nil, rzerr.Wrap(rzerr.CorruptFile, err, "parse chunk id")
		}
		size := int(rec.Size)
		if offset+size > len(payload) {
			return nil, rzerr.CorruptFilef("bundle %s payload truncated", bundleID.Hex())
		}
		chunks[id] = zbackup.NewChunk(id, payload[offset:offset+size])
		offset += size
	}

	return chunks, nil
}

func (s *Scheduler) bundlePath(id zbackup.BundleID) string {
	hexID := id.Hex()
	return filepath.Join(s.root, "bundles", hexID[:2], hexID)
}
