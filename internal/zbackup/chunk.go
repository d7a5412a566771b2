package zbackup

// Chunk is a content-addressed, immutable byte buffer. Go's garbage
// collector gives shared-ownership semantics for free: handing a *Chunk to
// a cache tier, an in-flight instruction, or a waiter never copies the
// backing array.
type Chunk struct {
	ID   ChunkID
	Data []byte
}

func NewChunk(id ChunkID, data []byte) *Chunk {
	return &Chunk{ID: id, Data: data}
}

func (c *Chunk) Size() int { return len(c.Data) }

// IndexEntry is the master index's value type: the bundle a chunk lives in
// and its uncompressed size.
type IndexEntry struct {
	BundleID BundleID
	Size     uint64
}

// EncryptionKey is the 16-byte repository data-encryption key.
type EncryptionKey [16]byte
