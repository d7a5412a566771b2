package cli

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"rzbackup/internal/rzconfig"
	"rzbackup/internal/rzerr"
	"rzbackup/internal/tcpserver"
)

func newServeCmd() *cobra.Command {
	opts := rzconfig.Default()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the line-protocol TCP front-end against a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Listen == "" {
				return rzerr.Configf("--listen is required")
			}

			r, err := openRepository(cmd, opts.RepoConfig())
			if err != nil {
				return err
			}
			idx, sched, err := buildScheduler(r, opts.MaxThreads)
			if err != nil {
				return err
			}
			if err := idx.LoadOrReload(cmd.Context()); err != nil {
				return err
			}

			srv := tcpserver.New(baseLogger, r, idx, sched)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return srv.ListenAndServe(ctx, opts.Listen)
		},
	}
	addRepositoryFlags(cmd)
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "address to listen on, e.g. 127.0.0.1:12345 (required)")
	rzconfig.RegisterServeFlags(cmd, &opts)
	return cmd
}
