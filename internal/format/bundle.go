package format

import (
	"bufio"
	"fmt"
	"io"
)

// ReadBundlePrefix reads a bundle file's leading records: the file header,
// the bundle header identifying this file's own bundle ID, and the
// BundleInfo listing its chunks in payload order. Whatever bytes follow in
// r are the bundle's LZMA-compressed chunk payload, handed to the caller
// for streaming decompression rather than buffered here.
func ReadBundlePrefix(r *bufio.Reader) (IndexBundleHeader, BundleInfo, error) {
	if _, err := ReadFileHeader(r); err != nil {
		return IndexBundleHeader{}, BundleInfo{}, fmt.Errorf("read bundle file header: %w", err)
	}
	var header IndexBundleHeader
	if err := ReadMessage(r, &header); err != nil {
		return IndexBundleHeader{}, BundleInfo{}, fmt.Errorf("read bundle header: %w", err)
	}
	var info BundleInfo
	if err := ReadMessage(r, &info); err != nil {
		return header, BundleInfo{}, fmt.Errorf("read bundle info: %w", err)
	}
	return header, info, nil
}

// WriteBundlePrefix writes a bundle file's leading records; the caller
// writes the LZMA-compressed payload immediately afterward.
func WriteBundlePrefix(w io.Writer, header IndexBundleHeader, info BundleInfo) error {
	if err := WriteFileHeader(w); err != nil {
		return err
	}
	if err := WriteMessage(w, header); err != nil {
		return fmt.Errorf("write bundle header: %w", err)
	}
	if err := WriteMessage(w, info); err != nil {
		return fmt.Errorf("write bundle info: %w", err)
	}
	return nil
}
