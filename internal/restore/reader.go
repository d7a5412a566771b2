package restore

import (
	"bufio"
	"io"
)

// BufferSize is the chunk of decoded bytes Reader accumulates per
// underlying decode pass before returning to its caller.
const BufferSize = 65536

// Reader is a stateful, pull-based view over an instruction stream: unlike
// FollowInstructions, which drains every instruction into a sink in one
// call, Reader decodes instructions and fetches chunks lazily, only as
// far as the next Read call demands. This is the random-access entry
// point for callers that want an io.Reader over a restored backup (e.g.
// serving partial reads over the wire) rather than a full one-shot
// restore to a sink.
//
// Reader does not implement io.Seeker: rewinding means re-decoding the
// instruction stream from the start, which callers can do today by
// constructing a new Reader over a fresh copy of the same instruction
// bytes.
type Reader struct {
	sched ChunkGetter
	br    *bufio.Reader

	buf  []byte
	done bool
	err  error
}

// NewReader builds a Reader that decodes instructions from r, fetching
// referenced chunks through sched.
func NewReader(sched ChunkGetter, r io.Reader) *Reader {
	return &Reader{sched: sched, br: bufio.NewReader(r)}
}

// Read fills p with decoded instruction bytes, decoding and resolving as
// many further instructions as needed (up to BufferSize ahead) to satisfy
// the request. It returns io.EOF once the instruction stream is
// exhausted and every decoded byte has been returned.
func (cr *Reader) Read(p []byte) (int, error) {
	for len(cr.buf) == 0 {
		if cr.err != nil {
			return 0, cr.err
		}
		if cr.done {
			cr.err = io.EOF
			return 0, io.EOF
		}
		if err := cr.fill(); err != nil {
			cr.err = err
			if len(cr.buf) == 0 {
				return 0, err
			}
			break
		}
	}

	n := copy(p, cr.buf)
	cr.buf = cr.buf[n:]
	return n, nil
}

// fill decodes and resolves instructions until cr.buf holds at least
// BufferSize bytes or the stream ends, appending each instruction's
// chunk bytes (if any) and literal bytes (if any) in order.
func (cr *Reader) fill() error {
	for len(cr.buf) < BufferSize {
		job, err := decodeNext(cr.br, cr.sched)
		if err != nil {
			if err == io.EOF {
				cr.done = true
				return nil
			}
			return err
		}

		if job.outer != nil {
			reservation := <-job.outer
			result := <-reservation.Inner()
			if result.Err != nil {
				return result.Err
			}
			cr.buf = append(cr.buf, result.Chunk.Data...)
		}
		if job.literal != nil {
			cr.buf = append(cr.buf, job.literal...)
		}
	}
	return nil
}

var _ io.Reader = (*Reader)(nil)
