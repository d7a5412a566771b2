// Package cli wires the rzbackup subcommands to the repository, scheduler,
// maintenance, restore, and TCP server packages using cobra.
package cli

import (
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"rzbackup/internal/indexcache"
	"rzbackup/internal/logging"
	"rzbackup/internal/repo"
	"rzbackup/internal/rzerr"
	"rzbackup/internal/scheduler"
	"rzbackup/internal/storage"
)

// baseLogger is built once in Execute's PersistentPreRunE, after flags are
// parsed, and handed to every command. It is never replaced by
// slog.SetDefault; every component that needs it receives it explicitly.
var baseLogger *slog.Logger

// Execute builds the root command and runs it against os.Args.
func Execute() error {
	root := &cobra.Command{
		Use:           "rzbackup",
		Short:         "Maintain and restore a content-addressed backup repository",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger(cmd)
		},
	}

	root.PersistentFlags().String("log-level", "info", "default log level: debug, info, warn, or error")
	root.PersistentFlags().StringArray("component-log-level", nil,
		"override one component's log level, as component=level (repeatable)")

	root.AddCommand(
		newBalanceIndexesCmd(),
		newRebuildIndexesCmd(),
		newGcIndexesCmd(),
		newGcBundlesCmd(),
		newCheckBackupsCmd(),
		newRestoreCmd(),
		newServeCmd(),
	)

	return root.Execute()
}

// initLogger builds baseLogger from cmd's --log-level and
// --component-log-level flags. It runs once per invocation, in
// PersistentPreRunE, after cobra has parsed flags but before the chosen
// subcommand's RunE.
func initLogger(cmd *cobra.Command) error {
	levelStr, _ := cmd.Flags().GetString("log-level")
	defaultLevel, err := parseLevel(levelStr)
	if err != nil {
		return rzerr.Configf("--log-level %q: %s", levelStr, err)
	}

	overrides, _ := cmd.Flags().GetStringArray("component-log-level")
	levels := make(map[string]slog.Level, len(overrides))
	for _, o := range overrides {
		component, levelStr, ok := strings.Cut(o, "=")
		if !ok || component == "" {
			return rzerr.Configf("--component-log-level %q: expected component=level", o)
		}
		level, err := parseLevel(levelStr)
		if err != nil {
			return rzerr.Configf("--component-log-level %q: %s", o, err)
		}
		levels[component] = level
	}

	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, defaultLevel, levels)
	baseLogger = slog.New(filterHandler)
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}

// addRepositoryFlags attaches the --repository and --password-file flags
// every command that opens a repository needs.
func addRepositoryFlags(cmd *cobra.Command) {
	cmd.Flags().String("repository", "", "path to the repository root (required)")
	cmd.Flags().String("password-file", "", "path to the password file, for encrypted repositories")
}

// openRepository opens the repository named by cmd's --repository and
// --password-file flags using cfg as given; callers pass
// rzconfig.Default().RepoConfig() or serve's flag-populated options.
func openRepository(cmd *cobra.Command, cfg repo.Config) (*repo.Repository, error) {
	path, _ := cmd.Flags().GetString("repository")
	if path == "" {
		return nil, rzerr.Configf("--repository is required")
	}
	passwordFile, _ := cmd.Flags().GetString("password-file")
	return repo.Open(baseLogger, path, passwordFile, cfg)
}

// buildScheduler assembles the index cache, storage manager, and
// scheduler a command needs to resolve chunks out of r. maxThreads <= 0
// defaults to runtime.NumCPU().
func buildScheduler(r *repo.Repository, maxThreads int) (*indexcache.Cache, *scheduler.Scheduler, error) {
	idx := indexcache.New(baseLogger, r.Path(), r.Key())

	store, err := storage.New(baseLogger,
		r.Config.MaxUncompressedMemoryCacheEntries,
		r.Config.MaxCompressedMemoryCacheEntries,
		r.Config.MaxCompressedFilesystemCacheEntries,
		r.Config.FilesystemCachePath,
	)
	if err != nil {
		return nil, nil, err
	}

	if maxThreads <= 0 {
		maxThreads = runtime.NumCPU()
	}
	sched := scheduler.New(baseLogger, r.Path(), r.Key(), idx, store, maxThreads)
	return idx, sched, nil
}
