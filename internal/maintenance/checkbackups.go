package maintenance

import (
	"context"
	"log/slog"
	"os"

	"rzbackup/internal/atomicwriter"
	"rzbackup/internal/indexcache"
	"rzbackup/internal/repo"
	"rzbackup/internal/restore"
	"rzbackup/internal/rzerr"
	"rzbackup/internal/zbackup"
)

// CheckBackupsReport summarizes a check-backups run.
type CheckBackupsReport struct {
	Checked int
	Broken  int
	Moved   int
}

// CheckBackups loads the master index, then for every backup whose
// relative-path hash matches hashPrefix (empty matches all), expands it
// through sched to find every referenced chunk. A backup is broken if
// expansion fails or any referenced chunk is absent from the master
// index. If moveBroken, broken backups are relocated under
// backups-broken/ preserving their relative path and deleted from their
// original location. See SPEC_FULL.md §4.9.
func CheckBackups(logger *slog.Logger, r *repo.Repository, idx *indexcache.Cache, sched restore.ChunkGetter, hashPrefix string, moveBroken bool) (CheckBackupsReport, error) {
	logger = defaultLogger(logger)
	var report CheckBackupsReport

	if !idx.Loaded() {
		if err := idx.LoadOrReload(context.Background()); err != nil {
			return report, err
		}
	}

	backups, err := scanBackupFiles(r.BackupsDir())
	if err != nil {
		return report, err
	}

	var w *atomicwriter.Writer
	if moveBroken {
		w, err = openWriter(logger, r)
		if err != nil {
			return report, err
		}
		defer w.Close()
	}

	for _, b := range backups {
		if !matchesHashPrefix(b.RelName, hashPrefix) {
			continue
		}
		report.Checked++

		if !backupIsBroken(r, idx, sched, b) {
			continue
		}
		report.Broken++
		logger.Warn("backup is broken", "name", b.RelName)

		if !moveBroken {
			continue
		}
		if err := stageBrokenBackup(w, r, b); err != nil {
			return report, err
		}
		report.Moved++
	}

	if moveBroken {
		if err := w.Commit(); err != nil {
			return report, err
		}
		logger.Info("checked backups", "checked", report.Checked, "broken", report.Broken, "moved", report.Moved)
	} else {
		logger.Info("checked backups", "checked", report.Checked, "broken", report.Broken)
	}
	return report, nil
}

// backupIsBroken expands b's instructions, including its recorded
// iterations, through sched and cross-checks every referenced chunk ID
// against idx. Expansion failure and a chunk absent from idx are two
// independently sufficient broken conditions.
func backupIsBroken(r *repo.Repository, idx *indexcache.Cache, sched restore.ChunkGetter, b backupFile) bool {
	info, err := restore.ReadBackupInfoAtPath(r.Key(), b.Path)
	if err != nil {
		return true
	}

	ids := make(map[zbackup.ChunkID]struct{})
	if err := collectBackupChunkIDs(sched, info, ids); err != nil {
		return true
	}

	for id := range ids {
		if !idx.HasChunk(id) {
			return true
		}
	}
	return false
}

// stageBrokenBackup copies a broken backup's bytes into a new file staged
// at its backups-broken/ path and records the original for deletion, so a
// single Commit both installs the copy and removes the source.
func stageBrokenBackup(w *atomicwriter.Writer, r *repo.Repository, b backupFile) error {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		return rzerr.Wrap(rzerr.IoError, err, "read broken backup %s", b.RelName)
	}
	f, err := w.Create(r.BrokenBackupPath(b.RelName[1:]))
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return rzerr.Wrap(rzerr.IoError, err, "stage broken backup %s", b.RelName)
	}
	if err := f.Close(); err != nil {
		return err
	}
	w.Delete(b.Path)
	return nil
}
