package format

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

func TestFileHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFileHeader(&buf); err != nil {
		t.Fatalf("WriteFileHeader: %v", err)
	}
	h, err := ReadFileHeader(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFileHeader: %v", err)
	}
	if h.Version != CurrentVersion {
		t.Errorf("expected version %d, got %d", CurrentVersion, h.Version)
	}
}

func TestReadFileHeaderRejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, FileHeader{Version: 99}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if _, err := ReadFileHeader(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestMessageFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := StorageInfo{ChunkMaxSize: 65536, BundleMaxPayloadSize: 1 << 20, ChunkIDHash: "sha1"}
	if err := WriteMessage(&buf, want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	var got StorageInfo
	if err := ReadMessage(bufio.NewReader(&buf), &got); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got != want {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", got, want)
	}
}

func TestReadMessageCleanEOF(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	var h FileHeader
	if err := ReadMessage(r, &h); err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestReadMessagePartialRecordIsError(t *testing.T) {
	// A varint length claiming more bytes than are actually present.
	buf := []byte{10, 1, 2, 3}
	r := bufio.NewReader(bytes.NewReader(buf))
	var h FileHeader
	err := ReadMessage(r, &h)
	if err == nil || err == io.EOF {
		t.Fatalf("expected a truncation error, got %v", err)
	}
}

func TestSequenceOfRecordsTerminatedByEmptyBundleID(t *testing.T) {
	var buf bytes.Buffer
	entries := []struct {
		header IndexBundleHeader
		info   BundleInfo
	}{
		{IndexBundleHeader{BundleID: bytes.Repeat([]byte{1}, 24)}, BundleInfo{ChunkRecords: []ChunkRecord{{ID: bytes.Repeat([]byte{2}, 24), Size: 10}}}},
		{IndexBundleHeader{BundleID: bytes.Repeat([]byte{3}, 24)}, BundleInfo{ChunkRecords: []ChunkRecord{{ID: bytes.Repeat([]byte{4}, 24), Size: 20}}}},
	}
	for _, e := range entries {
		if err := WriteMessage(&buf, e.header); err != nil {
			t.Fatal(err)
		}
		if err := WriteMessage(&buf, e.info); err != nil {
			t.Fatal(err)
		}
	}
	if err := WriteMessage(&buf, IndexBundleHeader{}); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(&buf)
	var got []IndexBundleHeader
	for {
		var h IndexBundleHeader
		if err := ReadMessage(r, &h); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(h.BundleID) == 0 {
			break
		}
		got = append(got, h)
		var info BundleInfo
		if err := ReadMessage(r, &info); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries before terminator, got %d", len(got))
	}
}
