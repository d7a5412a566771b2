// Package storage implements the three-tier chunk cache described in
// SPEC_FULL.md §4.4: a bounded LRU of decompressed chunks in memory (T1),
// a bounded LRU of compressed chunks in memory (T2), and a bounded LRU of
// compressed chunk files on a local scratch filesystem (T3). The
// compression used across T2/T3 is a cache-internal detail, independent
// of the on-disk LZMA bundle codec.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zstd"

	"rzbackup/internal/future"
	"rzbackup/internal/logging"
	"rzbackup/internal/zbackup"
)

// inflightGroup coalesces concurrent decompression requests for the same
// chunk ID into a single decode: a burst of waiters on a cold T2/T3 entry
// triggers one decompression instead of one per waiter.
type inflightGroup struct {
	mu    sync.Mutex
	calls map[zbackup.ChunkID]*inflightCall
}

type inflightCall struct {
	done chan struct{}
	err  error
}

// do runs fn if no call is in flight for id; otherwise it blocks until
// the in-flight call finishes and returns that call's error.
func (g *inflightGroup) do(id zbackup.ChunkID, fn func() error) error {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[zbackup.ChunkID]*inflightCall)
	}
	if c, ok := g.calls[id]; ok {
		g.mu.Unlock()
		<-c.done
		return c.err
	}

	c := &inflightCall{done: make(chan struct{})}
	g.calls[id] = c
	g.mu.Unlock()

	c.err = fn()
	close(c.done)

	g.mu.Lock()
	delete(g.calls, id)
	g.mu.Unlock()

	return c.err
}

// Manager is the three-tier chunk cache. It is safe for concurrent use by
// multiple bundle-loader goroutines.
type Manager struct {
	logger *slog.Logger

	t1 *lru.Cache // hex chunk id -> *zbackup.Chunk
	t2 *lru.Cache // hex chunk id -> []byte (zstd-compressed)
	t3 *lru.Cache // hex chunk id -> struct{} (presence; bytes live on disk)

	fsCachePath string
	fsMu        sync.Mutex // serializes T3 file writes against concurrent evictions

	inflight inflightGroup

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New builds a Manager with the given tier capacities and filesystem cache
// directory, creating the directory if it does not already exist.
func New(logger *slog.Logger, t1Size, t2Size, t3Size int, fsCachePath string) (*Manager, error) {
	logger = logging.Default(logger).With("component", "storage")

	if err := os.MkdirAll(fsCachePath, 0o755); err != nil {
		return nil, fmt.Errorf("create filesystem cache directory: %w", err)
	}

	m := &Manager{
		logger:      logger,
		fsCachePath: fsCachePath,
	}

	var err error
	m.t1, err = lru.New(t1Size)
	if err != nil {
		return nil, fmt.Errorf("create T1 cache: %w", err)
	}
	m.t2, err = lru.New(t2Size)
	if err != nil {
		return nil, fmt.Errorf("create T2 cache: %w", err)
	}
	m.t3, err = lru.NewWithEvict(t3Size, func(key, _ any) {
		hexID, _ := key.(string)
		m.fsMu.Lock()
		defer m.fsMu.Unlock()
		if err := os.Remove(m.filePath(hexID)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to evict filesystem cache entry", "chunk_id", hexID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create T3 cache: %w", err)
	}

	m.encoder, err = zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	m.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return m, nil
}

func (m *Manager) filePath(hexID string) string {
	return filepath.Join(m.fsCachePath, hexID)
}

// Get returns an Inner future for the chunk if it is present in any tier,
// or (nil, false) on a full miss. T2/T3 hits decompress (and, for T3,
// read the file) off the calling goroutine, promoting the result into the
// faster tiers above as they resolve.
func (m *Manager) Get(id zbackup.ChunkID) (future.Inner, bool) {
	hexID := id.Hex()

	if v, ok := m.t1.Get(hexID); ok {
		return future.NewInner(future.ChunkResult{Chunk: v.(*zbackup.Chunk)}), true
	}

	if compressed, ok := m.t2.Get(hexID); ok {
		return m.resolveFromCompressed(id, hexID, compressed.([]byte)), true
	}

	if m.t3.Contains(hexID) {
		return m.resolveFromFile(id, hexID), true
	}

	return nil, false
}

// resolveFromCompressed decompresses a T2 hit and promotes it into T1.
// Concurrent requests for the same chunk ID coalesce onto one
// decompression via inflight; every caller, winner or waiter, then reads
// the result back out of T1 so nobody but the actual runner needs to
// carry the decoded bytes across the coalescing boundary.
func (m *Manager) resolveFromCompressed(id zbackup.ChunkID, hexID string, compressed []byte) future.Inner {
	inner, resolve := future.PendingInner()
	go func() {
		err := m.inflight.do(id, func() error {
			data, err := m.decoder.DecodeAll(compressed, nil)
			if err != nil {
				return fmt.Errorf("decompress chunk %s: %w", hexID, err)
			}
			m.t1.Add(hexID, zbackup.NewChunk(id, data))
			return nil
		})
		resolve <- m.finishResolve(id, hexID, err)
	}()
	return inner
}

func (m *Manager) resolveFromFile(id zbackup.ChunkID, hexID string) future.Inner {
	inner, resolve := future.PendingInner()
	go func() {
		err := m.inflight.do(id, func() error {
			m.fsMu.Lock()
			compressed, err := os.ReadFile(m.filePath(hexID))
			m.fsMu.Unlock()
			if err != nil {
				return fmt.Errorf("read filesystem cache entry %s: %w", hexID, err)
			}
			data, err := m.decoder.DecodeAll(compressed, nil)
			if err != nil {
				return fmt.Errorf("decompress chunk %s: %w", hexID, err)
			}
			m.t2.Add(hexID, compressed)
			m.t1.Add(hexID, zbackup.NewChunk(id, data))
			return nil
		})
		resolve <- m.finishResolve(id, hexID, err)
	}()
	return inner
}

// finishResolve reads the coalesced decompression's outcome back out of
// T1, so every waiter on a shared inflight call sees the decoded chunk
// regardless of which one actually ran it.
func (m *Manager) finishResolve(_ zbackup.ChunkID, hexID string, err error) future.ChunkResult {
	if err != nil {
		return future.ChunkResult{Err: err}
	}
	v, ok := m.t1.Get(hexID)
	if !ok {
		return future.ChunkResult{Err: fmt.Errorf("chunk %s vanished from T1 after decompression", hexID)}
	}
	return future.ChunkResult{Chunk: v.(*zbackup.Chunk)}
}

// Insert installs a freshly read chunk into all three tiers: T1 holds it
// uncompressed, T2 and T3 hold the cache-internal compressed form.
// Evictions cascade downward only: evicting from T1 never evicts from T2,
// and evicting from T2 never evicts from T3.
func (m *Manager) Insert(chunk *zbackup.Chunk) error {
	hexID := chunk.ID.Hex()
	compressed := m.encoder.EncodeAll(chunk.Data, nil)

	m.fsMu.Lock()
	err := os.WriteFile(m.filePath(hexID), compressed, 0o644)
	m.fsMu.Unlock()
	if err != nil {
		return fmt.Errorf("write filesystem cache entry %s: %w", hexID, err)
	}

	m.t3.Add(hexID, struct{}{})
	m.t2.Add(hexID, compressed)
	m.t1.Add(hexID, chunk)

	return nil
}
