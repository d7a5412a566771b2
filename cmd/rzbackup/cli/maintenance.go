package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rzbackup/internal/maintenance"
	"rzbackup/internal/repo"
	"rzbackup/internal/rzconfig"
)

func newBalanceIndexesCmd() *cobra.Command {
	bundlesPerIndex := repo.DefaultBundlesPerIndexCLI
	cmd := &cobra.Command{
		Use:   "balance-indexes",
		Short: "Merge small index files into evenly sized ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepository(cmd, rzconfig.Default().RepoConfig())
			if err != nil {
				return err
			}
			report, err := maintenance.BalanceIndexes(baseLogger, r, bundlesPerIndex)
			if err != nil {
				return err
			}
			fmt.Printf("read %d index files (%d bundle entries), wrote %d index files, moved %d bundle entries\n",
				report.IndexesRead, report.BundlesMoved, report.IndexesWritten, report.BundlesMoved)
			return nil
		},
	}
	addRepositoryFlags(cmd)
	cmd.Flags().IntVar(&bundlesPerIndex, "bundles-per-index", bundlesPerIndex, "bundle entries to accumulate per index file")
	return cmd
}

func newRebuildIndexesCmd() *cobra.Command {
	bundlesPerIndex := repo.DefaultBundlesPerIndexRebuild
	cmd := &cobra.Command{
		Use:   "rebuild-indexes",
		Short: "Discard every index file and rebuild from the bundles on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepository(cmd, rzconfig.Default().RepoConfig())
			if err != nil {
				return err
			}
			report, err := maintenance.RebuildIndexes(baseLogger, r, bundlesPerIndex)
			if err != nil {
				return err
			}
			fmt.Printf("scanned %d bundles, discarded %d old index files, wrote %d index files\n",
				report.BundlesScanned, report.IndexesDiscarded, report.IndexesWritten)
			return nil
		},
	}
	addRepositoryFlags(cmd)
	cmd.Flags().IntVar(&bundlesPerIndex, "bundles-per-index", bundlesPerIndex, "bundle entries to accumulate per index file")
	return cmd
}

func newGcIndexesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc-indexes",
		Short: "Drop index entries for chunks no backup references any more",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			report, err := maintenance.GcIndexes(baseLogger, r, sched)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d unreferenced chunks, deleted %d index files, rewrote %d index files\n",
				report.ChunksRemoved, report.IndexesDeleted, report.IndexesModified)
			return nil
		},
	}
	addRepositoryFlags(cmd)
	return cmd
}

func newGcBundlesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc-bundles",
		Short: "Delete, compact, or keep each bundle based on what the indexes still reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepository(cmd, rzconfig.Default().RepoConfig())
			if err != nil {
				return err
			}
			report, err := maintenance.GcBundles(baseLogger, r)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d bundles, compacted %d bundles, reaped %d chunks\n",
				report.BundlesDeleted, report.BundlesCompacted, report.ChunksReaped)
			return nil
		},
	}
	addRepositoryFlags(cmd)
	return cmd
}

func newCheckBackupsCmd() *cobra.Command {
	var moveBroken bool
	var hashPrefix string
	cmd := &cobra.Command{
		Use:   "check-backups",
		Short: "Verify every backup's chunks are still reachable, optionally moving broken ones aside",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			report, err := maintenance.CheckBackups(baseLogger, r, idx, sched, hashPrefix, moveBroken)
			if err != nil {
				return err
			}
			fmt.Printf("checked %d backups, %d broken, %d moved aside\n", report.Checked, report.Broken, report.Moved)
			return nil
		},
	}
	addRepositoryFlags(cmd)
	cmd.Flags().BoolVar(&moveBroken, "move-broken", false, "move broken backups aside instead of just reporting them")
	cmd.Flags().StringVar(&hashPrefix, "backup-name-hash-prefix", "", "only check backups whose path hash starts with this hex prefix")
	return cmd
}
