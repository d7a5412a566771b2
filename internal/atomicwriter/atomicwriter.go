// Package atomicwriter implements the scoped maintenance-transaction
// resource described in SPEC_FULL.md §4.8: acquire the repository lock,
// stage new files under tmp/, and either commit everything in one pass or
// roll back on error, so a maintenance command never leaves partial
// output in the live directories.
package atomicwriter

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"rzbackup/internal/logging"
	"rzbackup/internal/rzerr"
)

type pendingFile struct {
	tempName string
	target   string
}

// Writer tracks the pending creations and deletions of one maintenance
// transaction. It is not safe to share across transactions; each
// maintenance command opens its own.
type Writer struct {
	logger   *slog.Logger
	lockFile *os.File
	tmpDir   string

	mu      sync.Mutex
	pending []pendingFile
	deletes []string
	closed  bool
}

// New opens or creates <repoPath>/lock, acquires an exclusive lock on it,
// and ensures <repoPath>/tmp exists. sleep <= 0 blocks indefinitely on the
// lock; sleep > 0 polls non-blocking and sleeps between attempts, so a
// caller can report progress while waiting.
func New(logger *slog.Logger, repoPath string, sleep time.Duration) (*Writer, error) {
	logger = logging.Default(logger).With("component", "atomicwriter")

	lockPath := filepath.Join(repoPath, "lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.LockError, err, "open lock file %s", lockPath)
	}

	if err := acquireLock(lockFile, sleep); err != nil {
		lockFile.Close()
		return nil, rzerr.Wrap(rzerr.LockError, err, "acquire repository lock %s", lockPath)
	}

	tmpDir := filepath.Join(repoPath, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		lockFile.Close()
		return nil, rzerr.Wrap(rzerr.IoError, err, "create tmp directory %s", tmpDir)
	}

	logger.Debug("acquired repository lock", "path", lockPath)

	return &Writer{logger: logger, lockFile: lockFile, tmpDir: tmpDir}, nil
}

// acquireLock takes both a whole-file flock(LOCK_EX) and a byte-range
// fcntl(F_SETLKW, F_WRLCK) lock over the entire file. Belt-and-suspenders:
// other tools built against this repository format may rely on either
// primitive, so both are required for cross-tooling compatibility.
func acquireLock(f *os.File, sleep time.Duration) error {
	fd := int(f.Fd())

	if sleep <= 0 {
		if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
			return fmt.Errorf("flock: %w", err)
		}
	} else {
		for {
			err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
			if err == nil {
				break
			}
			if !errors.Is(err, unix.EWOULDBLOCK) {
				return fmt.Errorf("flock: %w", err)
			}
			time.Sleep(sleep)
		}
	}

	lock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(unix.SEEK_SET),
		Start:  0,
		Len:    0,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lock); err != nil {
		return fmt.Errorf("fcntl: %w", err)
	}
	return nil
}

// Create stages a new file under tmp/ with a random 16-hex-character name
// that will be renamed to targetPath on Commit. The caller writes to and
// closes the returned file; Commit fsyncs it before renaming.
func (w *Writer) Create(targetPath string) (io.WriteCloser, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	name, err := randomName()
	if err != nil {
		return nil, rzerr.Wrap(rzerr.IoError, err, "generate temp file name")
	}
	tempPath := filepath.Join(w.tmpDir, name)
	f, err := os.Create(tempPath)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.IoError, err, "create temp file %s", tempPath)
	}
	w.pending = append(w.pending, pendingFile{tempName: name, target: targetPath})
	return f, nil
}

// Delete records path for deletion on the next Commit.
func (w *Writer) Delete(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deletes = append(w.deletes, path)
}

// Changes reports whether anything is staged.
func (w *Writer) Changes() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) > 0 || len(w.deletes) > 0
}

// Commit fsyncs every staged temp file, renames each into place (creating
// its target directory first, falling back to copy-then-delete across
// filesystems), unlinks every recorded delete target, and clears the
// pending lists.
func (w *Writer) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range w.pending {
		if err := syncFile(filepath.Join(w.tmpDir, p.tempName)); err != nil {
			return rzerr.Wrap(rzerr.IoError, err, "sync temp file %s", p.tempName)
		}
	}

	for _, p := range w.pending {
		tempPath := filepath.Join(w.tmpDir, p.tempName)
		if err := os.MkdirAll(filepath.Dir(p.target), 0o755); err != nil {
			return rzerr.Wrap(rzerr.IoError, err, "create target directory for %s", p.target)
		}
		if err := renameOrCopy(tempPath, p.target); err != nil {
			return rzerr.Wrap(rzerr.IoError, err, "commit %s to %s", p.tempName, p.target)
		}
	}
	w.pending = nil

	for _, path := range w.deletes {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return rzerr.Wrap(rzerr.IoError, err, "delete %s", path)
		}
	}
	w.deletes = nil

	return nil
}

// Close rolls back any still-staged temp files, removes tmp/ if it is now
// empty, and releases the repository lock. Safe to call after a
// successful Commit (it is then a no-op besides releasing the lock).
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	for _, p := range w.pending {
		if err := os.Remove(filepath.Join(w.tmpDir, p.tempName)); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("error removing staged temp file during rollback", "name", p.tempName, "error", err)
		}
	}
	w.pending = nil
	w.deletes = nil

	if err := os.Remove(w.tmpDir); err != nil && !os.IsNotExist(err) {
		w.logger.Debug("tmp directory not empty, leaving in place", "path", w.tmpDir)
	}

	return w.lockFile.Close()
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func renameOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !errors.Is(err, unix.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func randomName() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
