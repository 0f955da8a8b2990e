package file

import (
	"bufio"
	"io"
)

// netasciiReader encodes local text for the wire: LF becomes CR LF and a
// bare CR becomes CR NUL.
type netasciiReader struct {
	r          *bufio.Reader
	pending    byte
	hasPending bool
}

// NetASCIIReader wraps r with netascii encoding.
func NetASCIIReader(r io.Reader) io.Reader {
	return &netasciiReader{r: bufio.NewReader(r)}
}

func (n *netasciiReader) Read(p []byte) (int, error) {
	i := 0
	for i < len(p) {
		if n.hasPending {
			p[i] = n.pending
			n.hasPending = false
			i++
			continue
		}

		c, err := n.r.ReadByte()
		if err != nil {
			if i > 0 && err == io.EOF {
				return i, nil
			}
			return i, err
		}

		switch c {
		case '\n':
			p[i] = '\r'
			n.pending, n.hasPending = '\n', true
		case '\r':
			p[i] = '\r'
			n.pending, n.hasPending = 0, true
		default:
			p[i] = c
		}
		i++
	}
	return i, nil
}

// NetASCIIWriter decodes netascii from the wire: CR LF becomes LF and
// CR NUL becomes CR. A CR followed by anything else is kept as is. Flush
// must be called once the last block has been written.
type NetASCIIWriter struct {
	w   io.Writer
	cr  bool
	buf []byte
}

// NewNetASCIIWriter wraps w with netascii decoding.
func NewNetASCIIWriter(w io.Writer) *NetASCIIWriter {
	return &NetASCIIWriter{w: w}
}

func (n *NetASCIIWriter) Write(p []byte) (int, error) {
	out := n.buf[:0]
	for _, c := range p {
		if n.cr {
			n.cr = false
			switch c {
			case '\n':
				out = append(out, '\n')
				continue
			case 0:
				out = append(out, '\r')
				continue
			}
			out = append(out, '\r')
		}
		if c == '\r' {
			n.cr = true
			continue
		}
		out = append(out, c)
	}
	n.buf = out

	if len(out) > 0 {
		if _, err := n.w.Write(out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush writes a CR left over at the end of the stream.
func (n *NetASCIIWriter) Flush() error {
	if !n.cr {
		return nil
	}
	n.cr = false
	_, err := n.w.Write([]byte{'\r'})
	return err
}
