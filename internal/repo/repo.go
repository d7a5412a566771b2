package repo

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"rzbackup/internal/codec"
	"rzbackup/internal/format"
	"rzbackup/internal/logging"
	"rzbackup/internal/rzerr"
	"rzbackup/internal/zbackup"
)

// Repository is an opened repository handle: its root path, parsed info
// record, and unwrapped encryption key (nil for unencrypted repositories).
// Opening does not load the index; callers use the indexcache package for
// that, passing this handle's Key and path helpers.
type Repository struct {
	path   string
	info   format.StorageInfo
	key    *zbackup.EncryptionKey
	logger *slog.Logger
	Config Config
}

// Open reads <root>/info, unwraps the encryption key if one is present,
// and returns a handle. See SPEC_FULL.md §4.2 for the exact error
// contract around the password file.
func Open(logger *slog.Logger, rootPath string, passwordFilePath string, cfg Config) (*Repository, error) {
	logger = logging.Default(logger).With("component", "repo")

	infoPath := filepath.Join(rootPath, "info")
	raw, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.IoError, err, "read info file")
	}

	plain, err := codec.DecodeEnvelope(raw, nil)
	if err != nil {
		return nil, err
	}

	r := bufio.NewReader(bytes.NewReader(plain))
	if _, err := format.ReadFileHeader(r); err != nil {
		return nil, rzerr.Wrap(rzerr.CorruptFile, err, "read info file header")
	}
	var info format.StorageInfo
	if err := format.ReadMessage(r, &info); err != nil {
		return nil, rzerr.Wrap(rzerr.CorruptFile, err, "read storage info")
	}

	key, err := resolveKey(info, passwordFilePath)
	if err != nil {
		return nil, err
	}

	logger.Info("opened repository", "path", rootPath, "encrypted", key != nil)

	return &Repository{
		path:   rootPath,
		info:   info,
		key:    key,
		logger: logger,
		Config: cfg,
	}, nil
}

func resolveKey(info format.StorageInfo, passwordFilePath string) (*zbackup.EncryptionKey, error) {
	if info.Encryption != nil && passwordFilePath == "" {
		return nil, rzerr.Configf("Required password file not provided")
	}
	if info.Encryption == nil && passwordFilePath != "" {
		return nil, rzerr.Configf("Unnecessary password file provided")
	}
	if info.Encryption == nil {
		return nil, nil
	}

	password, err := readPasswordFile(passwordFilePath)
	if err != nil {
		return nil, err
	}
	key, err := codec.UnwrapKey(info.Encryption, password)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func readPasswordFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.IoError, err, "read password file")
	}
	return []byte(strings.TrimRight(string(data), "\r\n")), nil
}

func (r *Repository) Path() string                    { return r.path }
func (r *Repository) Info() format.StorageInfo         { return r.info }
func (r *Repository) Key() *zbackup.EncryptionKey      { return r.key }
func (r *Repository) Logger() *slog.Logger             { return r.logger }
func (r *Repository) Encrypted() bool                  { return r.key != nil }

// IndexPath returns the on-disk path of an index file.
func (r *Repository) IndexPath(id zbackup.IndexID) string {
	return filepath.Join(r.path, "index", id.Hex())
}

// BundlePath returns the on-disk path of a bundle file, grouped by the
// first byte of its hex ID.
func (r *Repository) BundlePath(id zbackup.BundleID) string {
	hexID := id.Hex()
	return filepath.Join(r.path, "bundles", hexID[:2], hexID)
}

// BackupPath returns the on-disk path of a backup file given its
// repository-relative name (which must begin with "/").
func (r *Repository) BackupPath(name string) (string, error) {
	if !strings.HasPrefix(name, "/") {
		return "", rzerr.New(rzerr.ConfigError, fmt.Sprintf("bad backup name %q: must begin with /", name))
	}
	return filepath.Join(r.path, "backups", filepath.FromSlash(name[1:])), nil
}

// BrokenBackupPath mirrors BackupPath under backups-broken/, used by
// check-backups --move-broken.
func (r *Repository) BrokenBackupPath(relPath string) string {
	return filepath.Join(r.path, "backups-broken", relPath)
}

func (r *Repository) BundlesDir() string { return filepath.Join(r.path, "bundles") }
func (r *Repository) IndexDir() string   { return filepath.Join(r.path, "index") }
func (r *Repository) BackupsDir() string { return filepath.Join(r.path, "backups") }
func (r *Repository) LockPath() string   { return filepath.Join(r.path, "lock") }
func (r *Repository) TmpDir() string     { return filepath.Join(r.path, "tmp") }
