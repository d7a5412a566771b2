// Package repo implements the repository core: path layout, info-file
// parsing, encryption-key unwrapping, and ID-to-path conventions.
package repo

// Config carries the tunables named throughout SPEC_FULL.md §4, all with
// the defaults specified there. CLI flags populate this struct; no
// file-based configuration format is required by the core.
type Config struct {
	// MaxThreads bounds concurrent bundle reads in the scheduler (§4.5).
	// Zero means "use runtime.NumCPU()".
	MaxThreads int

	// Cache tier capacities (§4.4).
	MaxUncompressedMemoryCacheEntries   int
	MaxCompressedMemoryCacheEntries     int
	MaxCompressedFilesystemCacheEntries int
	FilesystemCachePath                 string
}

const (
	DefaultMaxUncompressedMemoryCacheEntries   = 2048
	DefaultMaxCompressedMemoryCacheEntries     = 16384
	DefaultMaxCompressedFilesystemCacheEntries = 131072
	DefaultFilesystemCachePath                 = "/tmp/rzbackup-cache"

	// DefaultBundlesPerIndexCLI is balance-indexes' default inside the
	// unified CLI.
	DefaultBundlesPerIndexCLI = 16384
	// DefaultBundlesPerIndexLegacy is what the original standalone
	// "convert" tool defaulted to; this port keeps the constant so a
	// caller who needs to reproduce that tool's exact behavior still can
	// (SPEC_FULL.md §9 Open Questions).
	DefaultBundlesPerIndexLegacy = 65536

	DefaultBundlesPerIndexRebuild = 4096
)

// DefaultConfig returns the defaults named in SPEC_FULL.md §4.4/§4.5.
// MaxThreads is left at 0 (meaning runtime.NumCPU()) since that default is
// host-dependent.
func DefaultConfig() Config {
	return Config{
		MaxUncompressedMemoryCacheEntries:   DefaultMaxUncompressedMemoryCacheEntries,
		MaxCompressedMemoryCacheEntries:     DefaultMaxCompressedMemoryCacheEntries,
		MaxCompressedFilesystemCacheEntries: DefaultMaxCompressedFilesystemCacheEntries,
		FilesystemCachePath:                 DefaultFilesystemCachePath,
	}
}
