// Package maintenance implements the five offline repository commands
// described in SPEC_FULL.md §4.9: balance-indexes, rebuild-indexes,
// gc-indexes, gc-bundles, and check-backups. Each command that changes the
// repository opens its own atomicwriter.Writer before its first change, so
// the repository lock is held from then to the end of the command and a
// crash mid-run leaves the prior state intact; check-backups opens one only
// when moving broken backups.
package maintenance

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"

	"rzbackup/internal/atomicwriter"
	"rzbackup/internal/codec"
	"rzbackup/internal/format"
	"rzbackup/internal/logging"
	"rzbackup/internal/repo"
	"rzbackup/internal/rzerr"
	"rzbackup/internal/zbackup"
)

// indexBundleEntry is one bundle's worth of index content: the header
// naming its bundle ID and the BundleInfo listing its chunks. This is the
// unit balance-indexes and rebuild-indexes buffer and flush; despite the
// name it carries a whole bundle's chunk list, not a single chunk record.
type indexBundleEntry struct {
	Header format.IndexBundleHeader
	Info   format.BundleInfo
}

// readIndexEntries decodes and decrypts the index file at path, returning
// its bundle entries in stream order (not including the terminating
// zero-length header).
func readIndexEntries(key *zbackup.EncryptionKey, path string) ([]indexBundleEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.IoError, err, "read index file %s", path)
	}
	plain, err := codec.DecodeEnvelope(raw, key)
	if err != nil {
		return nil, err
	}

	r := bufio.NewReader(bytes.NewReader(plain))
	if _, err := format.ReadFileHeader(r); err != nil {
		return nil, rzerr.Wrap(rzerr.CorruptFile, err, "read index header %s", path)
	}

	var entries []indexBundleEntry
	for {
		var header format.IndexBundleHeader
		if err := format.ReadMessage(r, &header); err != nil {
			return nil, rzerr.Wrap(rzerr.CorruptFile, err, "read index bundle header %s", path)
		}
		if len(header.BundleID) == 0 {
			break
		}
		var info format.BundleInfo
		if err := format.ReadMessage(r, &info); err != nil {
			return nil, rzerr.Wrap(rzerr.CorruptFile, err, "read index bundle info %s", path)
		}
		entries = append(entries, indexBundleEntry{Header: header, Info: info})
	}
	return entries, nil
}

// writeIndexFile encodes entries as a new index file (file header, each
// entry, terminating zero-length header) and stages it under a random
// 24-byte hex name via w, encrypting with key if the repository is
// encrypted.
func writeIndexFile(w *atomicwriter.Writer, key *zbackup.EncryptionKey, indexDir string, entries []indexBundleEntry) error {
	var buf bytes.Buffer
	if err := format.WriteFileHeader(&buf); err != nil {
		return err
	}
	for _, e := range entries {
		if err := format.WriteMessage(&buf, e.Header); err != nil {
			return err
		}
		if err := format.WriteMessage(&buf, e.Info); err != nil {
			return err
		}
	}
	if err := format.WriteMessage(&buf, format.IndexBundleHeader{}); err != nil {
		return err
	}

	encoded, err := codec.EncodeEnvelope(buf.Bytes(), key)
	if err != nil {
		return err
	}

	name, err := randomIndexName()
	if err != nil {
		return err
	}

	f, err := w.Create(filepath.Join(indexDir, name))
	if err != nil {
		return err
	}
	if _, err := f.Write(encoded); err != nil {
		f.Close()
		return rzerr.Wrap(rzerr.IoError, err, "write index file %s", name)
	}
	return f.Close()
}

// randomIndexName returns a random 24-byte value hex-encoded, matching
// the on-disk index ID format.
func randomIndexName() (string, error) {
	buf := make([]byte, zbackup.IDSize)
	if _, err := rand.Read(buf); err != nil {
		return "", rzerr.Wrap(rzerr.IoError, err, "generate index name")
	}
	return hex.EncodeToString(buf), nil
}

// scanIndexIDs lists every index file currently in the repository.
func scanIndexIDs(indexDir string) ([]zbackup.IndexID, error) {
	entries, err := os.ReadDir(indexDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, rzerr.Wrap(rzerr.IoError, err, "read index directory")
	}
	var ids []zbackup.IndexID
	for _, e := range entries {
		id, err := zbackup.ParseIndexID(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// scanBundleIDs lists every bundle file in the repository's 256 hex-prefix
// subdirectories.
func scanBundleIDs(bundlesDir string) ([]zbackup.BundleID, error) {
	var ids []zbackup.BundleID
	for b := 0; b < 256; b++ {
		prefix := hex.EncodeToString([]byte{byte(b)})
		entries, err := os.ReadDir(filepath.Join(bundlesDir, prefix))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, rzerr.Wrap(rzerr.IoError, err, "read bundle directory %s", prefix)
		}
		for _, e := range entries {
			id, err := zbackup.ParseBundleID(e.Name())
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// backupFile is one on-disk backup with its repository-relative name
// (beginning with "/", suitable for repo.BackupPath) and its filesystem
// path.
type backupFile struct {
	RelName string
	Path    string
}

// scanBackupFiles walks backupsDir recursively, returning every regular
// file as a backupFile.
func scanBackupFiles(backupsDir string) ([]backupFile, error) {
	var out []backupFile
	err := filepath.WalkDir(backupsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == backupsDir {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(backupsDir, path)
		if err != nil {
			return err
		}
		out = append(out, backupFile{RelName: "/" + filepath.ToSlash(rel), Path: path})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, rzerr.Wrap(rzerr.IoError, err, "walk backups directory")
	}
	return out, nil
}

// matchesHashPrefix reports whether the lowercase hex SHA-1 of relName's
// bytes begins with prefix; an empty prefix always matches.
func matchesHashPrefix(relName, prefix string) bool {
	if prefix == "" {
		return true
	}
	sum := sha1.Sum([]byte(relName))
	digest := hex.EncodeToString(sum[:])
	return len(digest) >= len(prefix) && digest[:len(prefix)] == prefix
}

// readBundlePrefixAt opens path and reads only its header records,
// without decompressing the chunk payload, mirroring rebuild-indexes' and
// gc-bundles' "header only" scans.
func readBundlePrefixAt(key *zbackup.EncryptionKey, path string) (format.IndexBundleHeader, format.BundleInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return format.IndexBundleHeader{}, format.BundleInfo{}, rzerr.Wrap(rzerr.IoError, err, "read bundle %s", path)
	}
	plain, err := codec.DecodeEnvelope(raw, key)
	if err != nil {
		return format.IndexBundleHeader{}, format.BundleInfo{}, err
	}
	r := bufio.NewReader(bytes.NewReader(plain))
	header, info, err := format.ReadBundlePrefix(r)
	if err != nil {
		return format.IndexBundleHeader{}, format.BundleInfo{}, rzerr.Wrap(rzerr.CorruptFile, err, "read bundle prefix %s", path)
	}
	return header, info, nil
}

// defaultLogger narrows a possibly-nil logger the way every other package
// in this module does at its entry points.
func defaultLogger(logger *slog.Logger) *slog.Logger {
	return logging.Default(logger).With("component", "maintenance")
}

// openWriter is the common first step of every maintenance command: take
// the repository lock via an atomicwriter.Writer.
func openWriter(logger *slog.Logger, r *repo.Repository) (*atomicwriter.Writer, error) {
	return atomicwriter.New(logger, r.Path(), 0)
}
