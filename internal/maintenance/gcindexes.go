package maintenance

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"

	"rzbackup/internal/format"
	"rzbackup/internal/repo"
	"rzbackup/internal/restore"
	"rzbackup/internal/rzerr"
	"rzbackup/internal/zbackup"
)

// GcIndexesReport summarizes a gc-indexes run.
type GcIndexesReport struct {
	ChunksRemoved   int
	IndexesModified int
	IndexesDeleted  int
}

// GcIndexes expands every backup file, including its recorded iterations,
// to find the full set of chunk IDs still referenced by some backup, then
// rewrites (or drops) every index file that references anything else. See
// SPEC_FULL.md §4.9.
func GcIndexes(logger *slog.Logger, r *repo.Repository, sched restore.ChunkGetter) (GcIndexesReport, error) {
	logger = defaultLogger(logger)
	var report GcIndexesReport

	reachable, err := collectAllReachableChunks(logger, r, sched)
	if err != nil {
		return report, err
	}
	logger.Info("collected reachable chunks", "count", len(reachable))

	w, err := openWriter(logger, r)
	if err != nil {
		return report, err
	}
	defer w.Close()

	indexIDs, err := scanIndexIDs(r.IndexDir())
	if err != nil {
		return report, err
	}

	for _, id := range indexIDs {
		path := r.IndexPath(id)
		entries, err := readIndexEntries(r.Key(), path)
		if err != nil {
			return report, err
		}

		filtered, removed, changed := filterReachableEntries(entries, reachable)
		if !changed {
			continue
		}

		report.ChunksRemoved += removed
		report.IndexesDeleted++
		w.Delete(path)

		if len(filtered) > 0 {
			if err := writeIndexFile(w, r.Key(), r.IndexDir(), filtered); err != nil {
				return report, err
			}
			report.IndexesModified++
		}
	}

	if err := w.Commit(); err != nil {
		return report, err
	}
	logger.Info("gc'd indexes", "removed", report.ChunksRemoved, "modified", report.IndexesModified, "deleted", report.IndexesDeleted)
	return report, nil
}

// filterReachableEntries drops chunk records absent from reachable,
// dropping an entry entirely once it has no surviving records. changed is
// false when every record in every entry was already reachable.
func filterReachableEntries(entries []indexBundleEntry, reachable map[zbackup.ChunkID]struct{}) (filtered []indexBundleEntry, removed int, changed bool) {
	for _, e := range entries {
		var keep []format.ChunkRecord
		for _, rec := range e.Info.ChunkRecords {
			id, err := zbackup.ChunkIDFromBytes(rec.ID)
			if err != nil {
				continue
			}
			if _, ok := reachable[id]; ok {
				keep = append(keep, rec)
			} else {
				removed++
			}
		}
		if len(keep) == len(e.Info.ChunkRecords) {
			filtered = append(filtered, e)
			continue
		}
		changed = true
		if len(keep) > 0 {
			filtered = append(filtered, indexBundleEntry{Header: e.Header, Info: format.BundleInfo{ChunkRecords: keep}})
		}
	}
	return filtered, removed, changed
}

// collectAllReachableChunks expands every backup file in the repository
// and unions the chunk IDs referenced at every iteration level.
func collectAllReachableChunks(logger *slog.Logger, r *repo.Repository, sched restore.ChunkGetter) (map[zbackup.ChunkID]struct{}, error) {
	backups, err := scanBackupFiles(r.BackupsDir())
	if err != nil {
		return nil, err
	}

	reachable := make(map[zbackup.ChunkID]struct{})
	for _, b := range backups {
		info, err := restore.ReadBackupInfoAtPath(r.Key(), b.Path)
		if err != nil {
			return nil, rzerr.Wrap(rzerr.CorruptBackup, err, "read backup %s", b.RelName)
		}
		if err := collectBackupChunkIDs(sched, info, reachable); err != nil {
			return nil, rzerr.Wrap(rzerr.CorruptBackup, err, "expand backup %s", b.RelName)
		}
	}
	return reachable, nil
}

// collectBackupChunkIDs walks a single backup's instruction stream through
// every recorded iteration, adding every chunk_to_emit ID encountered at
// each level into ids. Level 0 is scanned directly off BackupData; every
// later level requires actually expanding the previous one through sched,
// since its instruction stream only exists once the prior level's chunks
// have been fetched and concatenated.
func collectBackupChunkIDs(sched restore.ChunkGetter, info format.BackupInfo, ids map[zbackup.ChunkID]struct{}) error {
	current := info.BackupData
	if err := scanInstructionChunkIDs(current, ids); err != nil {
		return err
	}

	for i := uint32(0); i < info.Iterations; i++ {
		var expanded bytes.Buffer
		if err := restore.FollowInstructions(sched, bytes.NewReader(current), &expanded, nil, nil); err != nil {
			return err
		}
		current = expanded.Bytes()
		if err := scanInstructionChunkIDs(current, ids); err != nil {
			return err
		}
	}
	return nil
}

// scanInstructionChunkIDs decodes a raw BackupInstruction stream and adds
// every chunk_to_emit ID to ids, without fetching any chunk bytes.
func scanInstructionChunkIDs(data []byte, ids map[zbackup.ChunkID]struct{}) error {
	br := bufio.NewReader(bytes.NewReader(data))
	for {
		var instr format.BackupInstruction
		if err := format.ReadMessage(br, &instr); err != nil {
			if err == io.EOF {
				return nil
			}
			return rzerr.Wrap(rzerr.CorruptBackup, err, "read instruction")
		}
		if instr.ChunkToEmit == nil {
			continue
		}
		id, err := zbackup.ChunkIDFromBytes(instr.ChunkToEmit)
		if err != nil {
			return rzerr.Wrap(rzerr.CorruptBackup, err, "parse chunk id in instruction")
		}
		ids[id] = struct{}{}
	}
}
