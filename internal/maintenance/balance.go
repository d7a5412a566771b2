package maintenance

import (
	"log/slog"

	"rzbackup/internal/repo"
)

// BalanceReport summarizes a balance-indexes run.
type BalanceReport struct {
	IndexesRead    int
	BundlesMoved   int
	IndexesWritten int
}

// BalanceIndexes streams every existing index file's bundle entries into a
// buffer and flushes a new index file every time the buffer reaches
// bundlesPerIndex, then deletes all of the original index files. See
// SPEC_FULL.md §4.9.
func BalanceIndexes(logger *slog.Logger, r *repo.Repository, bundlesPerIndex int) (BalanceReport, error) {
	logger = defaultLogger(logger)
	var report BalanceReport

	w, err := openWriter(logger, r)
	if err != nil {
		return report, err
	}
	defer w.Close()

	indexIDs, err := scanIndexIDs(r.IndexDir())
	if err != nil {
		return report, err
	}
	report.IndexesRead = len(indexIDs)

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

	for _, id := range indexIDs {
		entries, err := readIndexEntries(r.Key(), r.IndexPath(id))
		if err != nil {
			return report, err
		}
		for _, e := range entries {
			buf = append(buf, e)
			report.BundlesMoved++
			if len(buf) >= bundlesPerIndex {
				if err := flush(); err != nil {
					return report, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return report, err
	}

	for _, id := range indexIDs {
		w.Delete(r.IndexPath(id))
	}

	if err := w.Commit(); err != nil {
		return report, err
	}
	logger.Info("balanced indexes", "read", report.IndexesRead, "written", report.IndexesWritten, "bundles", report.BundlesMoved)
	return report, nil
}
