// Package rzconfig is the single seam where repository-level runtime
// settings are assembled before a command runs. Today every value comes
// from CLI flags with the numeric defaults named in SPEC_FULL.md
// §4.4/§4.5. RegisterServeFlags seeds each flag's default from Default(),
// not from the Options value passed in, so whatever opts held before
// registration is replaced by Default()'s value unless the flag is set.
package rzconfig

import (
	"github.com/spf13/cobra"

	"rzbackup/internal/repo"
)

// Options holds the repository-level tunables exposed on the command
// line: the scheduler's concurrency bound, the three cache tier
// capacities, the filesystem cache tier's path, and the TCP front-end's
// listen address.
type Options struct {
	MaxThreads                          int
	MaxUncompressedMemoryCacheEntries   int
	MaxCompressedMemoryCacheEntries     int
	MaxCompressedFilesystemCacheEntries int
	FilesystemCachePath                 string
	Listen                              string
}

// Default returns Options populated with repo.DefaultConfig()'s values.
// Listen has no default; commands that need it must require the flag.
func Default() Options {
	cfg := repo.DefaultConfig()
	return Options{
		MaxThreads:                          cfg.MaxThreads,
		MaxUncompressedMemoryCacheEntries:   cfg.MaxUncompressedMemoryCacheEntries,
		MaxCompressedMemoryCacheEntries:     cfg.MaxCompressedMemoryCacheEntries,
		MaxCompressedFilesystemCacheEntries: cfg.MaxCompressedFilesystemCacheEntries,
		FilesystemCachePath:                 cfg.FilesystemCachePath,
	}
}

// RegisterServeFlags attaches serve's two optional tunables,
// --max-threads and --filesystem-cache-path, to cmd, writing into opts.
// Cache tier sizes beyond the filesystem path are not exposed on serve's
// command line; restore and the gc/balance commands run with Default()'s
// values unconditionally.
func RegisterServeFlags(cmd *cobra.Command, opts *Options) {
	def := Default()
	cmd.Flags().IntVar(&opts.MaxThreads, "max-threads", def.MaxThreads,
		"max concurrent bundle reads (0: use every CPU)")
	cmd.Flags().StringVar(&opts.FilesystemCachePath, "filesystem-cache-path", def.FilesystemCachePath,
		"path for the filesystem cache tier")
}

// RepoConfig projects Options onto repo.Config for repo.Open.
func (o Options) RepoConfig() repo.Config {
	return repo.Config{
		MaxThreads:                          o.MaxThreads,
		MaxUncompressedMemoryCacheEntries:   o.MaxUncompressedMemoryCacheEntries,
		MaxCompressedMemoryCacheEntries:     o.MaxCompressedMemoryCacheEntries,
		MaxCompressedFilesystemCacheEntries: o.MaxCompressedFilesystemCacheEntries,
		FilesystemCachePath:                 o.FilesystemCachePath,
	}
}
