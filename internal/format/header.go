// Package format implements the length-delimited binary record framing
// used by every file kind in the repository (info, index, bundle, backup):
// a varint byte-length followed by that many bytes of a msgpack-encoded
// record. It also defines the record shapes themselves.
package format

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// CurrentVersion is the only FileHeader version this engine writes or
// accepts when rewriting a file (balance-indexes, rebuild-indexes,
// gc-indexes, gc-bundles all emit CurrentVersion records).
const CurrentVersion = 1

// FileHeader is the first record in every repository file.
type FileHeader struct {
	Version uint32 `msgpack:"version"`
}

// WriteMessage frames v as a varint length prefix followed by its
// msgpack encoding.
func WriteMessage(w io.Writer, v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return fmt.Errorf("write record length: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write record body: %w", err)
	}
	return nil
}

// ReadMessage reads one varint-framed, msgpack-encoded record from r into v.
// It returns io.EOF (unwrapped) only when the stream ends cleanly at a
// message boundary; any other truncation is reported as an error by the
// caller, which must translate it to rzerr.CorruptFile.
func ReadMessage(r *bufio.Reader, v any) error {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("read record length: %w", err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read record body: %w", err)
	}
	if err := msgpack.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// ReadFileHeader reads and validates the leading FileHeader of a stream.
func ReadFileHeader(r *bufio.Reader) (FileHeader, error) {
	var h FileHeader
	if err := ReadMessage(r, &h); err != nil {
		return h, err
	}
	if h.Version != CurrentVersion {
		return h, fmt.Errorf("unsupported file version %d", h.Version)
	}
	return h, nil
}

// WriteFileHeader writes the standard leading FileHeader.
func WriteFileHeader(w io.Writer) error {
	return WriteMessage(w, FileHeader{Version: CurrentVersion})
}
