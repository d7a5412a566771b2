package codec

import (
	"io"

	"github.com/ulikunitz/xz"

	"rzbackup/internal/rzerr"
)

// NewPayloadDecoder wraps r (the LZMA-compressed concatenation of a
// bundle's chunk bytes) in a pull-style streaming decoder. The rest of the
// engine depends only on the returned io.Reader, never on this binding
// (SPEC_FULL.md §9, "LZMA as a decoder trait").
//
// Truncated input and malformed streams both surface once the caller
// drives a Read past the point of failure; payloadReader.Read turns that
// into a CorruptFile error.
func NewPayloadDecoder(r io.Reader) (io.Reader, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.CorruptFile, err, "open compressed payload")
	}
	return &payloadReader{r: xr}, nil
}

// payloadReader adapts the decoder's own error vocabulary to this
// package's CorruptFile classification, keeping that translation in one
// place instead of scattering it through every bundle reader call site.
type payloadReader struct {
	r io.Reader
}

func (p *payloadReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if err != nil && err != io.EOF {
		return n, rzerr.Wrap(rzerr.CorruptFile, err, "decompress payload")
	}
	return n, err
}

// DecodePayload fully decompresses the remainder of r, the conventional
// shape for a bundle's chunk payload: read once the surrounding records
// are consumed, then sliced per chunk by the caller using the sizes
// recorded in the bundle's BundleInfo.
func DecodePayload(r io.Reader) ([]byte, error) {
	dr, err := NewPayloadDecoder(r)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(dr)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.CorruptFile, err, "decompress payload")
	}
	return data, nil
}
