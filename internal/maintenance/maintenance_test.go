package maintenance

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"

	"rzbackup/internal/codec"
	"rzbackup/internal/format"
	"rzbackup/internal/indexcache"
	"rzbackup/internal/repo"
	"rzbackup/internal/scheduler"
	"rzbackup/internal/storage"
	"rzbackup/internal/zbackup"
)

func newTestRepo(t *testing.T, dir string) *repo.Repository {
	t.Helper()
	var buf bytes.Buffer
	if err := format.WriteFileHeader(&buf); err != nil {
		t.Fatal(err)
	}
	if err := format.WriteMessage(&buf, format.StorageInfo{ChunkMaxSize: 65536, BundleMaxPayloadSize: 1 << 20, ChunkIDHash: "sha1"}); err != nil {
		t.Fatal(err)
	}
	encoded, err := codec.EncodeEnvelope(buf.Bytes(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "info"), encoded, 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := repo.Open(nil, dir, "", repo.DefaultConfig())
	if err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	return r
}

func testID(fill byte) [24]byte {
	var id [24]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

// writeTestBundle writes a bundle file containing chunks (in order) and
// returns its bundle ID.
func writeTestBundle(t *testing.T, r *repo.Repository, fill byte, chunks map[zbackup.ChunkID][]byte, order []zbackup.ChunkID) zbackup.BundleID {
	t.Helper()
	bundleID := zbackup.BundleID(testID(fill))

	var records []format.ChunkRecord
	var payload bytes.Buffer
	for _, id := range order {
		data := chunks[id]
		records = append(records, format.ChunkRecord{ID: append([]byte(nil), id[:]...), Size: uint64(len(data))})
		payload.Write(data)
	}

	var buf bytes.Buffer
	header := format.IndexBundleHeader{BundleID: append([]byte(nil), bundleID[:]...)}
	if err := format.WriteBundlePrefix(&buf, header, format.BundleInfo{ChunkRecords: records}); err != nil {
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

	encoded, err := codec.EncodeEnvelope(buf.Bytes(), r.Key())
	if err != nil {
		t.Fatal(err)
	}
	path := r.BundlePath(bundleID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		t.Fatal(err)
	}
	return bundleID
}

// writeTestIndex writes an index file listing the given bundle entries.
func writeTestIndex(t *testing.T, r *repo.Repository, indexIDFill byte, entries []indexBundleEntry) zbackup.IndexID {
	t.Helper()
	indexID := zbackup.IndexID(testID(indexIDFill))

	var buf bytes.Buffer
	if err := format.WriteFileHeader(&buf); err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if err := format.WriteMessage(&buf, e.Header); err != nil {
			t.Fatal(err)
		}
		if err := format.WriteMessage(&buf, e.Info); err != nil {
			t.Fatal(err)
		}
	}
	if err := format.WriteMessage(&buf, format.IndexBundleHeader{}); err != nil {
		t.Fatal(err)
	}

	encoded, err := codec.EncodeEnvelope(buf.Bytes(), r.Key())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(r.IndexDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(r.IndexPath(indexID), encoded, 0o644); err != nil {
		t.Fatal(err)
	}
	return indexID
}

func bundleEntry(bundleID zbackup.BundleID, chunkIDs ...zbackup.ChunkID) indexBundleEntry {
	var records []format.ChunkRecord
	for _, id := range chunkIDs {
		records = append(records, format.ChunkRecord{ID: append([]byte(nil), id[:]...), Size: 1})
	}
	return indexBundleEntry{
		Header: format.IndexBundleHeader{BundleID: append([]byte(nil), bundleID[:]...)},
		Info:   format.BundleInfo{ChunkRecords: records},
	}
}

// writeTestBackup writes a single-chunk, zero-iteration backup file
// referencing chunkID and returns its repository-relative name.
func writeTestBackup(t *testing.T, r *repo.Repository, name string, chunkID zbackup.ChunkID, chunkData []byte) string {
	t.Helper()
	var instrBuf bytes.Buffer
	if err := format.WriteMessage(&instrBuf, format.BackupInstruction{ChunkToEmit: chunkID[:]}); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(chunkData)

	var buf bytes.Buffer
	if err := format.WriteFileHeader(&buf); err != nil {
		t.Fatal(err)
	}
	if err := format.WriteMessage(&buf, format.BackupInfo{Iterations: 0, BackupData: instrBuf.Bytes(), SHA256: sum[:]}); err != nil {
		t.Fatal(err)
	}
	encoded, err := codec.EncodeEnvelope(buf.Bytes(), r.Key())
	if err != nil {
		t.Fatal(err)
	}

	path, err := r.BackupPath(name)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		t.Fatal(err)
	}
	return name
}

func newScheduler(t *testing.T, dir string, r *repo.Repository) (*indexcache.Cache, *scheduler.Scheduler) {
	t.Helper()
	idx := indexcache.New(nil, dir, r.Key())
	store, err := storage.New(nil, 8, 8, 8, filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	return idx, scheduler.New(nil, dir, r.Key(), idx, store, 2)
}

func TestBalanceIndexesMergesAndDeletesOriginals(t *testing.T) {
	dir := t.TempDir()
	r := newTestRepo(t, dir)

	for i := 0; i < 3; i++ {
		b1 := zbackup.BundleID(testID(byte(i*2 + 1)))
		b2 := zbackup.BundleID(testID(byte(i*2 + 2)))
		writeTestIndex(t, r, byte(0x50+i), []indexBundleEntry{
			bundleEntry(b1, zbackup.ChunkID(testID(byte(i*2+1)))),
			bundleEntry(b2, zbackup.ChunkID(testID(byte(i*2+2)))),
		})
	}

	report, err := BalanceIndexes(nil, r, 4)
	if err != nil {
		t.Fatalf("BalanceIndexes: %v", err)
	}
	if report.BundlesMoved != 6 {
		t.Errorf("BundlesMoved = %d, want 6", report.BundlesMoved)
	}
	if report.IndexesWritten != 2 {
		t.Errorf("IndexesWritten = %d, want 2", report.IndexesWritten)
	}

	remaining, err := scanIndexIDs(r.IndexDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 surviving index files, got %d", len(remaining))
	}

	var total int
	for _, id := range remaining {
		entries, err := readIndexEntries(r.Key(), r.IndexPath(id))
		if err != nil {
			t.Fatal(err)
		}
		total += len(entries)
	}
	if total != 6 {
		t.Errorf("total bundle entries across new indexes = %d, want 6", total)
	}
}

func TestRebuildIndexesIgnoresOldIndexesAndScansBundles(t *testing.T) {
	dir := t.TempDir()
	r := newTestRepo(t, dir)

	c1 := zbackup.ChunkID(testID(0x01))
	c2 := zbackup.ChunkID(testID(0x02))
	b1 := writeTestBundle(t, r, 0x11, map[zbackup.ChunkID][]byte{c1: []byte("aaa")}, []zbackup.ChunkID{c1})
	b2 := writeTestBundle(t, r, 0x12, map[zbackup.ChunkID][]byte{c2: []byte("bbb")}, []zbackup.ChunkID{c2})
	_ = b1
	_ = b2

	// a stale index that rebuild-indexes must ignore and then delete
	writeTestIndex(t, r, 0x99, []indexBundleEntry{bundleEntry(zbackup.BundleID(testID(0xEE)), zbackup.ChunkID(testID(0xEE)))})

	report, err := RebuildIndexes(nil, r, 4096)
	if err != nil {
		t.Fatalf("RebuildIndexes: %v", err)
	}
	if report.BundlesScanned != 2 {
		t.Errorf("BundlesScanned = %d, want 2", report.BundlesScanned)
	}
	if report.IndexesDiscarded != 1 {
		t.Errorf("IndexesDiscarded = %d, want 1", report.IndexesDiscarded)
	}
	if report.IndexesWritten != 1 {
		t.Errorf("IndexesWritten = %d, want 1", report.IndexesWritten)
	}

	remaining, err := scanIndexIDs(r.IndexDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected exactly 1 index file after rebuild, got %d", len(remaining))
	}
	entries, err := readIndexEntries(r.Key(), r.IndexPath(remaining[0]))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("rebuilt index has %d entries, want 2", len(entries))
	}
}

func TestGcIndexesDropsUnreferencedBundleEntries(t *testing.T) {
	dir := t.TempDir()
	r := newTestRepo(t, dir)

	live := zbackup.ChunkID(testID(0x01))
	dead := zbackup.ChunkID(testID(0x02))
	liveBundle := writeTestBundle(t, r, 0x21, map[zbackup.ChunkID][]byte{live: []byte("live-data")}, []zbackup.ChunkID{live})
	deadBundle := writeTestBundle(t, r, 0x22, map[zbackup.ChunkID][]byte{dead: []byte("dead-data")}, []zbackup.ChunkID{dead})

	writeTestIndex(t, r, 0x70, []indexBundleEntry{
		bundleEntry(liveBundle, live),
		bundleEntry(deadBundle, dead),
	})

	writeTestBackup(t, r, "/host/backup1", live, []byte("live-data"))

	idx, sched := newScheduler(t, dir, r)
	if err := idx.LoadOrReload(context.Background()); err != nil {
		t.Fatalf("LoadOrReload: %v", err)
	}

	report, err := GcIndexes(nil, r, sched)
	if err != nil {
		t.Fatalf("GcIndexes: %v", err)
	}
	if report.ChunksRemoved != 1 {
		t.Errorf("ChunksRemoved = %d, want 1", report.ChunksRemoved)
	}
	if report.IndexesDeleted != 1 {
		t.Errorf("IndexesDeleted = %d, want 1", report.IndexesDeleted)
	}
	if report.IndexesModified != 1 {
		t.Errorf("IndexesModified = %d, want 1", report.IndexesModified)
	}

	remaining, err := scanIndexIDs(r.IndexDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 surviving index, got %d", len(remaining))
	}
	entries, err := readIndexEntries(r.Key(), r.IndexPath(remaining[0]))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || len(entries[0].Info.ChunkRecords) != 1 {
		t.Fatalf("expected exactly the live bundle's single chunk record to survive, got %+v", entries)
	}
}

func TestGcBundlesClassifiesDeleteCompactKeep(t *testing.T) {
	dir := t.TempDir()
	r := newTestRepo(t, dir)

	keepChunk := zbackup.ChunkID(testID(0x01))
	orphanChunk := zbackup.ChunkID(testID(0x02))
	mixedKeepChunk := zbackup.ChunkID(testID(0x03))
	mixedOrphanChunk := zbackup.ChunkID(testID(0x04))

	keepBundle := writeTestBundle(t, r, 0x31, map[zbackup.ChunkID][]byte{keepChunk: []byte("k")}, []zbackup.ChunkID{keepChunk})
	deleteBundle := writeTestBundle(t, r, 0x32, map[zbackup.ChunkID][]byte{orphanChunk: []byte("o")}, []zbackup.ChunkID{orphanChunk})
	compactBundle := writeTestBundle(t, r, 0x33, map[zbackup.ChunkID][]byte{
		mixedKeepChunk:   []byte("mk"),
		mixedOrphanChunk: []byte("mo"),
	}, []zbackup.ChunkID{mixedKeepChunk, mixedOrphanChunk})

	writeTestIndex(t, r, 0x80, []indexBundleEntry{
		bundleEntry(keepBundle, keepChunk),
		bundleEntry(compactBundle, mixedKeepChunk),
	})

	report, err := GcBundles(nil, r)
	if err != nil {
		t.Fatalf("GcBundles: %v", err)
	}
	if report.BundlesDeleted != 1 {
		t.Errorf("BundlesDeleted = %d, want 1", report.BundlesDeleted)
	}
	if report.BundlesCompacted != 1 {
		t.Errorf("BundlesCompacted = %d, want 1", report.BundlesCompacted)
	}
	if report.ChunksReaped != 1 {
		t.Errorf("ChunksReaped = %d, want 1", report.ChunksReaped)
	}

	if _, err := os.Stat(r.BundlePath(deleteBundle)); !os.IsNotExist(err) {
		t.Error("expected delete-classified bundle to be removed")
	}
	if _, err := os.Stat(r.BundlePath(keepBundle)); err != nil {
		t.Error("expected keep-classified bundle to remain untouched")
	}

	_, info, err := readBundlePrefixAt(r.Key(), r.BundlePath(compactBundle))
	if err != nil {
		t.Fatalf("read compacted bundle: %v", err)
	}
	if len(info.ChunkRecords) != 1 {
		t.Fatalf("compacted bundle has %d chunk records, want 1", len(info.ChunkRecords))
	}
	gotID, err := zbackup.ChunkIDFromBytes(info.ChunkRecords[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != mixedKeepChunk {
		t.Errorf("compacted bundle kept wrong chunk: %s", gotID.Hex())
	}
}

// TestGcBundlesCompactReapsChunkAlreadyInKeepBundle exercises the
// preserved cross-bundle duplicate quirk described in SPEC_FULL.md §4.9:
// compactBundles seeds its dedup set from every chunk already seen in
// untouched keep bundles, so a chunk the index also attributes to a
// compact-candidate bundle is still reaped out of that bundle rather
// than kept a second time.
func TestGcBundlesCompactReapsChunkAlreadyInKeepBundle(t *testing.T) {
	dir := t.TempDir()
	r := newTestRepo(t, dir)

	sharedChunk := zbackup.ChunkID(testID(0x01))
	ownChunk := zbackup.ChunkID(testID(0x02))

	// keepBundle holds only sharedChunk, indexed to it and nothing else,
	// so it classifies keep and seeds otherChunksSeen with sharedChunk.
	keepBundle := writeTestBundle(t, r, 0x51, map[zbackup.ChunkID][]byte{sharedChunk: []byte("shared")}, []zbackup.ChunkID{sharedChunk})

	// compactBundle holds ownChunk (uniquely indexed to it) and a second
	// copy of sharedChunk; the index also attributes sharedChunk to
	// compactBundle (a genuine indexed duplicate), but because keepBundle
	// is processed first, sharedChunk is already "seen" by the time
	// compactBundle is classified, so compactBundle still needs reaping
	// and is classified compact rather than keep.
	compactBundle := writeTestBundle(t, r, 0x52, map[zbackup.ChunkID][]byte{
		ownChunk:    []byte("own"),
		sharedChunk: []byte("shared"),
	}, []zbackup.ChunkID{ownChunk, sharedChunk})

	writeTestIndex(t, r, 0x81, []indexBundleEntry{
		bundleEntry(keepBundle, sharedChunk),
		bundleEntry(compactBundle, ownChunk, sharedChunk),
	})

	report, err := GcBundles(nil, r)
	if err != nil {
		t.Fatalf("GcBundles: %v", err)
	}
	if report.BundlesCompacted != 1 {
		t.Errorf("BundlesCompacted = %d, want 1", report.BundlesCompacted)
	}
	if report.BundlesDeleted != 0 {
		t.Errorf("BundlesDeleted = %d, want 0", report.BundlesDeleted)
	}
	if report.ChunksReaped != 1 {
		t.Errorf("ChunksReaped = %d, want 1", report.ChunksReaped)
	}

	if _, err := os.Stat(r.BundlePath(keepBundle)); err != nil {
		t.Error("expected keep-classified bundle to remain untouched")
	}

	_, info, err := readBundlePrefixAt(r.Key(), r.BundlePath(compactBundle))
	if err != nil {
		t.Fatalf("read compacted bundle: %v", err)
	}
	if len(info.ChunkRecords) != 1 {
		t.Fatalf("compacted bundle has %d surviving chunk records, want 1 (ownChunk only, sharedChunk reaped as already seen in keepBundle)", len(info.ChunkRecords))
	}
	gotID, err := zbackup.ChunkIDFromBytes(info.ChunkRecords[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != ownChunk {
		t.Errorf("compacted bundle kept wrong chunk: %s, want ownChunk", gotID.Hex())
	}
}

func TestCheckBackupsMovesBrokenBackup(t *testing.T) {
	dir := t.TempDir()
	r := newTestRepo(t, dir)

	goodChunk := zbackup.ChunkID(testID(0x01))
	bundleID := writeTestBundle(t, r, 0x41, map[zbackup.ChunkID][]byte{goodChunk: []byte("good")}, []zbackup.ChunkID{goodChunk})
	writeTestIndex(t, r, 0x90, []indexBundleEntry{bundleEntry(bundleID, goodChunk)})

	writeTestBackup(t, r, "/host/good", goodChunk, []byte("good"))
	missingChunk := zbackup.ChunkID(testID(0xFF))
	writeTestBackup(t, r, "/host/broken", missingChunk, []byte("whatever"))

	idx, sched := newScheduler(t, dir, r)

	report, err := CheckBackups(nil, r, idx, sched, "", true)
	if err != nil {
		t.Fatalf("CheckBackups: %v", err)
	}
	if report.Checked != 2 {
		t.Errorf("Checked = %d, want 2", report.Checked)
	}
	if report.Broken != 1 {
		t.Errorf("Broken = %d, want 1", report.Broken)
	}
	if report.Moved != 1 {
		t.Errorf("Moved = %d, want 1", report.Moved)
	}

	goodPath, _ := r.BackupPath("/host/good")
	if _, err := os.Stat(goodPath); err != nil {
		t.Error("expected good backup to remain in place")
	}
	brokenPath, _ := r.BackupPath("/host/broken")
	if _, err := os.Stat(brokenPath); !os.IsNotExist(err) {
		t.Error("expected broken backup to be removed from its original path")
	}
	if _, err := os.Stat(r.BrokenBackupPath("host/broken")); err != nil {
		t.Errorf("expected broken backup to be moved to backups-broken/: %v", err)
	}
}
