package scheduler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ulikunitz/xz"

	"rzbackup/internal/codec"
	"rzbackup/internal/format"
	"rzbackup/internal/indexcache"
	"rzbackup/internal/storage"
	"rzbackup/internal/zbackup"
)

func testChunkID(fill byte) zbackup.ChunkID {
	var id zbackup.ChunkID
	copy(id[:], bytes.Repeat([]byte{fill}, zbackup.IDSize))
	return id
}

func testBundleID(fill byte) zbackup.BundleID {
	var id zbackup.BundleID
	copy(id[:], bytes.Repeat([]byte{fill}, zbackup.IDSize))
	return id
}

// writeBundleFile writes a real bundle file (header, bundle header, bundle
// info, xz-compressed concatenated chunk payload) to the repository layout
// under root, plus an index file listing its chunks so the master index
// can resolve them, so the scheduler's readBundle can be exercised end to
// end without running the Go toolchain against a fixture generator.
func writeBundleFile(t *testing.T, root string, bundleID zbackup.BundleID, chunks map[zbackup.ChunkID][]byte) {
	t.Helper()

	var records []format.ChunkRecord
	var payload bytes.Buffer
	// Stable order matters: readBundle slices the decompressed payload by
	// walking ChunkRecords in the same order they were concatenated.
	order := make([]zbackup.ChunkID, 0, len(chunks))
	for id := range chunks {
		order = append(order, id)
	}
	for _, id := range order {
		data := chunks[id]
		records = append(records, format.ChunkRecord{ID: append([]byte(nil), id[:]...), Size: uint64(len(data))})
		payload.Write(data)
	}

	var buf bytes.Buffer
	if err := format.WriteBundlePrefix(&buf, format.IndexBundleHeader{BundleID: append([]byte(nil), bundleID[:]...)}, format.BundleInfo{ChunkRecords: records}); err != nil {
		t.Fatal(err)
	}

	xw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := xw.Write(payload.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}

	encoded, err := codec.EncodeEnvelope(buf.Bytes(), nil)
	if err != nil {
		t.Fatal(err)
	}

	hexID := bundleID.Hex()
	dir := filepath.Join(root, "bundles", hexID[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, hexID), encoded, 0o644); err != nil {
		t.Fatal(err)
	}

	var idxBuf bytes.Buffer
	if err := format.WriteFileHeader(&idxBuf); err != nil {
		t.Fatal(err)
	}
	for _, msg := range []any{format.IndexBundleHeader{BundleID: append([]byte(nil), bundleID[:]...)}, format.BundleInfo{ChunkRecords: records}, format.IndexBundleHeader{}} {
		if err := format.WriteMessage(&idxBuf, msg); err != nil {
			t.Fatal(err)
		}
	}
	encodedIdx, err := codec.EncodeEnvelope(idxBuf.Bytes(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "index"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "index", hexID), encodedIdx, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGetChunkAsyncAsyncReadsBundleOnMiss(t *testing.T) {
	root := t.TempDir()
	bundleID := testBundleID(0xAA)
	chunkA := testChunkID(0x01)
	chunkB := testChunkID(0x02)

	writeBundleFile(t, root, bundleID, map[zbackup.ChunkID][]byte{
		chunkA: []byte("hello"),
		chunkB: []byte("world"),
	})

	idx := indexcache.New(nil, root, nil)
	if err := idx.LoadOrReload(context.Background()); err != nil {
		t.Fatalf("LoadOrReload: %v", err)
	}

	store, err := storage.New(nil, 8, 8, 8, filepath.Join(root, "cache"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	s := New(nil, root, nil, idx, store, 2)

	outer := s.GetChunkAsyncAsync(chunkA)
	select {
	case reservation := <-outer:
		select {
		case res := <-reservation.Inner():
			if res.Err != nil {
				t.Fatalf("unexpected error: %v", res.Err)
			}
			if string(res.Chunk.Data) != "hello" {
				t.Errorf("got %q, want %q", res.Chunk.Data, "hello")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for inner future")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outer future")
	}
}

func TestGetChunkAsyncAsyncMissingChunkIsNotFound(t *testing.T) {
	root := t.TempDir()
	idx := indexcache.New(nil, root, nil)
	if err := idx.LoadOrReload(context.Background()); err != nil {
		t.Fatalf("LoadOrReload: %v", err)
	}
	store, err := storage.New(nil, 8, 8, 8, filepath.Join(root, "cache"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	s := New(nil, root, nil, idx, store, 2)

	outer := s.GetChunkAsyncAsync(testChunkID(0xFF))
	reservation := <-outer
	res := <-reservation.Inner()
	if res.Err == nil {
		t.Fatal("expected an error for a chunk absent from the master index")
	}
}

func TestGetChunkAsyncAsyncCoalescesWaitersOnSameBundle(t *testing.T) {
	root := t.TempDir()
	bundleID := testBundleID(0xBB)
	chunkA := testChunkID(0x10)
	chunkB := testChunkID(0x20)
	writeBundleFile(t, root, bundleID, map[zbackup.ChunkID][]byte{
		chunkA: []byte("chunk a bytes"),
		chunkB: []byte("chunk b bytes"),
	})

	idx := indexcache.New(nil, root, nil)
	if err := idx.LoadOrReload(context.Background()); err != nil {
		t.Fatalf("LoadOrReload: %v", err)
	}
	store, err := storage.New(nil, 8, 8, 8, filepath.Join(root, "cache"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	// maxThreads=1 forces both requests onto the same in-flight bundle read.
	s := New(nil, root, nil, idx, store, 1)

	outerA := s.GetChunkAsyncAsync(chunkA)
	outerB := s.GetChunkAsyncAsync(chunkB)

	resA := <-(<-outerA).Inner()
	resB := <-(<-outerB).Inner()

	if resA.Err != nil || string(resA.Chunk.Data) != "chunk a bytes" {
		t.Errorf("chunk a: %+v, err=%v", resA.Chunk, resA.Err)
	}
	if resB.Err != nil || string(resB.Chunk.Data) != "chunk b bytes" {
		t.Errorf("chunk b: %+v, err=%v", resB.Chunk, resB.Err)
	}
}
