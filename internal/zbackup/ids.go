// Package zbackup defines the core identifiers and value types of the
// content-addressed, chunk-deduplicated backup repository: bundle, chunk,
// and index identifiers, and the shared chunk buffer type.
package zbackup

import (
	"encoding/hex"
	"fmt"
)

// IDSize is the length in bytes of every identifier in this system.
const IDSize = 24

// BundleID identifies a bundle file.
type BundleID [IDSize]byte

// ChunkID identifies a content-addressed chunk.
type ChunkID [IDSize]byte

// IndexID identifies an index file.
type IndexID [IDSize]byte

func (id BundleID) Hex() string { return hex.EncodeToString(id[:]) }
func (id ChunkID) Hex() string  { return hex.EncodeToString(id[:]) }
func (id IndexID) Hex() string  { return hex.EncodeToString(id[:]) }

func (id BundleID) String() string { return id.Hex() }
func (id ChunkID) String() string  { return id.Hex() }
func (id IndexID) String() string  { return id.Hex() }

// IsZero reports whether id is the all-zero value, used to recognize the
// empty bundle_id that terminates an index file.
func (id BundleID) IsZero() bool { return id == BundleID{} }

// ParseBundleID decodes a lowercase-hex filename into a BundleID.
func ParseBundleID(s string) (BundleID, error) {
	var id BundleID
	b, err := decodeID(s)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// ParseChunkID decodes a lowercase-hex filename into a ChunkID.
func ParseChunkID(s string) (ChunkID, error) {
	var id ChunkID
	b, err := decodeID(s)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// ParseIndexID decodes a lowercase-hex filename into an IndexID.
func ParseIndexID(s string) (IndexID, error) {
	var id IndexID
	b, err := decodeID(s)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

func decodeID(s string) ([]byte, error) {
	if len(s) != IDSize*2 {
		return nil, fmt.Errorf("invalid id length %d, want %d", len(s), IDSize*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return b, nil
}

// ChunkIDFromBytes copies raw chunk ID bytes (a chunk record's id or an
// instruction's chunk_to_emit field) into a ChunkID, rejecting any length
// other than IDSize.
func ChunkIDFromBytes(b []byte) (ChunkID, error) {
	var id ChunkID
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid chunk id length %d, want %d", len(b), IDSize)
	}
	copy(id[:], b)
	return id, nil
}

func BundleIDFromBytes(b []byte) (BundleID, error) {
	var id BundleID
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid bundle id length %d, want %d", len(b), IDSize)
	}
	copy(id[:], b)
	return id, nil
}
