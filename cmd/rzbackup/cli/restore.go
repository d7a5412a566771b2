package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"rzbackup/internal/restore"
	"rzbackup/internal/rzconfig"
	"rzbackup/internal/rzerr"
)

func newRestoreCmd() *cobra.Command {
	var backupName, output string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a backup to a file or, by default, stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if backupName == "" {
				return rzerr.Configf("--backup is required")
			}

			r, err := openRepository(cmd, rzconfig.Default().RepoConfig())
			if err != nil {
				return err
			}
			idx, sched, err := buildScheduler(r, 0)
			if err != nil {
				return err
			}
			if err := idx.LoadOrReload(cmd.Context()); err != nil {
				return err
			}

			sink := io.Writer(os.Stdout)
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return rzerr.Wrap(rzerr.IoError, err, "create output file %s", output)
				}
				defer f.Close()
				sink = f
			}

			return restore.Restore(baseLogger, r, idx, sched, backupName, sink, nil)
		},
	}
	addRepositoryFlags(cmd)
	cmd.Flags().StringVar(&backupName, "backup", "", "repository-relative backup name to restore, e.g. /host/etc (required)")
	cmd.Flags().StringVar(&output, "output", "", "output file path (default: stdout)")
	return cmd
}
