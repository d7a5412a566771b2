package atomicwriter

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateCommitRenamesIntoPlace(t *testing.T) {
	dir := t.TempDir()
	w, err := New(nil, dir, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	target := filepath.Join(dir, "index", "abc123")
	f, err := w.Create(target)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close temp file: %v", err)
	}

	if !w.Changes() {
		t.Fatal("expected Changes() to report pending work")
	}

	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read committed file: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("got %q, want %q", data, "payload")
	}
	if w.Changes() {
		t.Error("expected Changes() to be false after commit")
	}
}

func TestCommitDeletesRecordedPaths(t *testing.T) {
	dir := t.TempDir()
	victim := filepath.Join(dir, "victim")
	if err := os.WriteFile(victim, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := New(nil, dir, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	w.Delete(victim)
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := os.Stat(victim); !os.IsNotExist(err) {
		t.Errorf("expected victim to be deleted, stat err = %v", err)
	}
}

func TestCloseRollsBackStagedFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := New(nil, dir, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	target := filepath.Join(dir, "index", "never-committed")
	f, err := w.Create(target)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.Close()

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("target should not exist after rollback, stat err = %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "tmp"))
	if err == nil && len(entries) != 0 {
		t.Errorf("expected tmp dir to be empty after rollback, got %d entries", len(entries))
	}
}

func TestSecondWriterBlocksUntilFirstCloses(t *testing.T) {
	dir := t.TempDir()
	w1, err := New(nil, dir, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		w2, err := New(nil, dir, 0)
		if err != nil {
			t.Errorf("second New: %v", err)
			close(done)
			return
		}
		w2.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second writer acquired the lock while the first still holds it")
	case <-time.After(100 * time.Millisecond):
	}

	if err := w1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second writer never acquired the lock after the first closed")
	}
}
