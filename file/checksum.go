package file

import (
	"encoding/hex"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Checksum accumulates a BLAKE2b-256 digest of the bytes a transfer reads
// from or writes to disk, for the completion log line.
type Checksum struct {
	h hash.Hash
	n uint64
}

// NewChecksum returns an empty digest.
func NewChecksum() *Checksum {
	// New256 only fails for keys longer than 64 bytes.
	h, _ := blake2b.New256(nil)
	return &Checksum{h: h}
}

// Write adds p to the digest.
func (c *Checksum) Write(p []byte) (int, error) {
	c.n += uint64(len(p))
	return c.h.Write(p)
}

// Reader returns r with every byte read also added to the digest.
func (c *Checksum) Reader(r io.Reader) io.Reader {
	return io.TeeReader(r, c)
}

// Writer returns w with every byte written also added to the digest.
func (c *Checksum) Writer(w io.Writer) io.Writer {
	return io.MultiWriter(w, c)
}

// Size returns the number of bytes digested.
func (c *Checksum) Size() uint64 {
	return c.n
}

// Sum returns the hex digest.
func (c *Checksum) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}
