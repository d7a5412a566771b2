// Package restore implements the instruction-stream pipeline described in
// SPEC_FULL.md §4.6: reading a backup file's BackupInfo record, expanding
// it through its recorded iteration count, and driving the resulting
// instruction stream into a sink while verifying the final SHA-256.
package restore

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"

	"rzbackup/internal/codec"
	"rzbackup/internal/format"
	"rzbackup/internal/future"
	"rzbackup/internal/indexcache"
	"rzbackup/internal/logging"
	"rzbackup/internal/repo"
	"rzbackup/internal/rzerr"
	"rzbackup/internal/zbackup"
)

// ChunkGetter is the subset of *scheduler.Scheduler the pipeline depends
// on, kept narrow so tests can drive it with a stub.
type ChunkGetter interface {
	GetChunkAsyncAsync(id zbackup.ChunkID) future.Outer
}

// Restore reads backupName out of r, expands it through its iteration
// count, and writes the fully reconstructed byte stream to sink. progress,
// if non-nil, is called after every instruction is emitted with a running
// count (callers use it to drive a status tick, e.g. every 128th call).
func Restore(logger *slog.Logger, r *repo.Repository, idx *indexcache.Cache, sched ChunkGetter, backupName string, sink io.Writer, progress func(uint64)) error {
	logger = logging.Default(logger).With("component", "restore")

	if !idx.Loaded() {
		if err := idx.LoadOrReload(context.Background()); err != nil {
			return err
		}
	}

	path, err := r.BackupPath(backupName)
	if err != nil {
		return err
	}

	info, err := ReadBackupInfoAtPath(r.Key(), path)
	if err != nil {
		return err
	}

	logger.Info("restoring backup", "name", backupName, "iterations", info.Iterations)

	current := info.BackupData
	for i := uint32(0); i < info.Iterations; i++ {
		var expanded bytes.Buffer
		if err := FollowInstructions(sched, bytes.NewReader(current), &expanded, nil, nil); err != nil {
			return err
		}
		current = expanded.Bytes()
	}

	digest := sha256.New()
	if err := FollowInstructions(sched, bytes.NewReader(current), sink, digest, progress); err != nil {
		return err
	}

	sum := digest.Sum(nil)
	if !bytes.Equal(sum, info.SHA256) {
		return rzerr.IntegrityErrorf("checksum mismatch restoring %s", backupName)
	}
	return nil
}

// ReadBackupInfoAtPath decrypts and decodes the backup file at path,
// shared by Restore and the maintenance commands that need a backup's
// BackupInfo record (iteration count, raw instruction stream, checksum)
// without driving a full restore.
func ReadBackupInfoAtPath(key *zbackup.EncryptionKey, path string) (format.BackupInfo, error) {
	var info format.BackupInfo

	raw, err := os.ReadFile(path)
	if err != nil {
		return info, rzerr.Wrap(rzerr.IoError, err, "read backup file %s", path)
	}

	plain, err := codec.DecodeEnvelope(raw, key)
	if err != nil {
		return info, err
	}

	br := bufio.NewReader(bytes.NewReader(plain))
	if _, err := format.ReadFileHeader(br); err != nil {
		return info, rzerr.Wrap(rzerr.CorruptFile, err, "read backup header %s", path)
	}
	if err := format.ReadMessage(br, &info); err != nil {
		return info, rzerr.Wrap(rzerr.CorruptFile, err, "read backup info %s", path)
	}
	return info, nil
}

// instructionJob is one decoded-and-dispatched BackupInstruction: an
// optional chunk fetch in flight plus the literal bytes, if any, that
// follow it at emit time.
type instructionJob struct {
	outer   future.Outer
	literal []byte
}

// FollowInstructions drives a length-delimited BackupInstruction stream
// read from r into w in strict order, writing every emitted byte to
// digest as well when digest is non-nil. It is a two-slot pipeline: while
// the current instruction's chunk is awaited, the next instruction is
// already decoded and its chunk fetch already dispatched, so the
// scheduler can be loading the next bundle while the current one is
// being written out.
func FollowInstructions(sched ChunkGetter, r io.Reader, w io.Writer, digest io.Writer, progress func(uint64)) error {
	br := bufio.NewReader(r)

	pending, err := decodeNext(br, sched)
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	var count uint64
	for pending != nil {
		current := pending

		next, err := decodeNext(br, sched)
		if err != nil && err != io.EOF {
			return err
		}
		pending = next

		if current.outer != nil {
			reservation := <-current.outer
			result := <-reservation.Inner()
			if result.Err != nil {
				return result.Err
			}
			if err := writeAll(w, digest, result.Chunk.Data); err != nil {
				return err
			}
		}
		if current.literal != nil {
			if err := writeAll(w, digest, current.literal); err != nil {
				return err
			}
		}

		count++
		if progress != nil {
			progress(count)
		}
	}

	return nil
}

func writeAll(w io.Writer, digest io.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return rzerr.Wrap(rzerr.IoError, err, "write restored bytes")
	}
	if digest != nil {
		if _, err := digest.Write(data); err != nil {
			return rzerr.Wrap(rzerr.IoError, err, "write digest bytes")
		}
	}
	return nil
}

// decodeNext reads one BackupInstruction and dispatches its chunk fetch
// (if any) without waiting for it to resolve. Returns (nil, io.EOF) at a
// clean stream boundary.
func decodeNext(r *bufio.Reader, sched ChunkGetter) (*instructionJob, error) {
	var instr format.BackupInstruction
	if err := format.ReadMessage(r, &instr); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, rzerr.Wrap(rzerr.CorruptBackup, err, "read instruction")
	}

	if instr.ChunkToEmit == nil && instr.BytesToEmit == nil {
		return nil, rzerr.CorruptBackupf("Instruction with neither chunk or bytes")
	}

	job := &instructionJob{literal: instr.BytesToEmit}
	if instr.ChunkToEmit != nil {
		id, err := zbackup.ChunkIDFromBytes(instr.ChunkToEmit)
		if err != nil {
			return nil, rzerr.Wrap(rzerr.CorruptBackup, err, "parse chunk id in instruction")
		}
		job.outer = sched.GetChunkAsyncAsync(id)
	}
	return job, nil
}
