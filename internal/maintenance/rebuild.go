package maintenance

import (
	"log/slog"

	"rzbackup/internal/repo"
)

// RebuildReport summarizes a rebuild-indexes run.
type RebuildReport struct {
	BundlesScanned   int
	IndexesWritten   int
	IndexesDiscarded int
}

// RebuildIndexes ignores every existing index file, scans every bundle
// file's header for its chunk list, and writes fresh index files from
// scratch using the same buffered flush as BalanceIndexes. See
// SPEC_FULL.md §4.9.
func RebuildIndexes(logger *slog.Logger, r *repo.Repository, bundlesPerIndex int) (RebuildReport, error) {
	logger = defaultLogger(logger)
	var report RebuildReport

	w, err := openWriter(logger, r)
	if err != nil {
		return report, err
	}
	defer w.Close()

	oldIndexIDs, err := scanIndexIDs(r.IndexDir())
	if err != nil {
		return report, err
	}
	report.IndexesDiscarded = len(oldIndexIDs)

	bundleIDs, err := scanBundleIDs(r.BundlesDir())
	if err != nil {
		return report, err
	}

	var buf []indexBundleEntry
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := writeIndexFile(w, r.Key(), r.IndexDir(), buf); err != nil {
			return err
		}
		report.IndexesWritten++
		buf = nil
		return nil
	}

	for _, id := range bundleIDs {
		header, info, err := readBundlePrefixAt(r.Key(), r.BundlePath(id))
		if err != nil {
			logger.Warn("skipping unreadable bundle", "bundle_id", id.Hex(), "error", err)
			continue
		}
		buf = append(buf, indexBundleEntry{Header: header, Info: info})
		report.BundlesScanned++
		if len(buf) >= bundlesPerIndex {
			if err := flush(); err != nil {
				return report, err
			}
		}
	}
	if err := flush(); err != nil {
		return report, err
	}

	for _, id := range oldIndexIDs {
		w.Delete(r.IndexPath(id))
	}

	if err := w.Commit(); err != nil {
		return report, err
	}
	logger.Info("rebuilt indexes", "bundles", report.BundlesScanned, "written", report.IndexesWritten, "discarded", report.IndexesDiscarded)
	return report, nil
}
