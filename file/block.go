package file

import (
	"errors"
	"io"
)

// BlockReader cuts a stream into DATA payloads of a fixed size. The first
// payload shorter than the block size, possibly empty, is the last one.
type BlockReader struct {
	r    io.Reader
	size int
	done bool
	sent uint64
}

// NewBlockReader reads blocks of blockSize bytes from r.
func NewBlockReader(r io.Reader, blockSize int) *BlockReader {
	return &BlockReader{r: r, size: blockSize}
}

// Next returns the next payload and whether it is the final one. After the
// final payload it returns io.EOF.
func (b *BlockReader) Next() ([]byte, bool, error) {
	if b.done {
		return nil, true, io.EOF
	}

	buf := make([]byte, b.size)
	n, err := io.ReadFull(b.r, buf)
	switch {
	case err == nil:
		b.sent += uint64(n)
		return buf, false, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		b.done = true
		b.sent += uint64(n)
		return buf[:n], true, nil
	default:
		return nil, false, err
	}
}

// Done reports whether the final payload has been returned.
func (b *BlockReader) Done() bool {
	return b.done
}

// Bytes returns the number of payload bytes returned so far.
func (b *BlockReader) Bytes() uint64 {
	return b.sent
}
