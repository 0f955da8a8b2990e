package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/limits"
)

// Conn is a TFTP endpoint over a net.PacketConn. A transfer session owns one
// Conn for its whole lifetime; the Conn itself is not safe for concurrent
// reads.
type Conn struct {
	conn      net.PacketConn
	buffer    []byte
	duplicate int

	interrupted atomic.Bool
}

// NewConn wraps an existing packet connection.
func NewConn(pc net.PacketConn) *Conn {
	return &Conn{
		conn:   pc,
		buffer: make([]byte, limits.MaxDatagramSize),
	}
}

// ListenUDP opens a UDP endpoint on addr. Use port 0 for an ephemeral
// transfer endpoint.
func ListenUDP(addr string) (*Conn, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(pc), nil
}

// SetDuplicates makes every Send transmit the packet n extra times.
func (c *Conn) SetDuplicates(n int) {
	if n < 0 {
		n = 0
	}
	c.duplicate = n
}

// Send serializes packet and writes it to addr.
func (c *Conn) Send(packet Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	for i := 0; i <= c.duplicate; i++ {
		if _, err := c.conn.WriteTo(data, addr); err != nil {
			return err
		}
	}
	return nil
}

// SendError writes an ERROR packet to addr, logging instead of returning
// failures since ERROR is always the last word of an exchange.
func (c *Conn) SendError(code ErrorCode, message string, addr net.Addr) {
	if err := c.Send(NewError(code, message), addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendError",
			"to":       addr.String(),
			"code":     uint16(code),
			"error":    err.Error(),
		}).Warn("Failed to send error packet")
	}
}

// Receive waits until deadline for one datagram. A datagram that fails to
// decode is returned as a nil packet with the sender address and an error
// wrapping ErrMalformedPacket or ErrUnsupportedMode, so the caller can decide
// whether the sender deserves an answer.
func (c *Conn) Receive(deadline time.Time) (Packet, net.Addr, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}
	if c.interrupted.Load() {
		return nil, nil, os.ErrDeadlineExceeded
	}

	n, addr, err := c.conn.ReadFrom(c.buffer)
	if err != nil {
		return nil, nil, err
	}

	packet, err := ParsePacket(c.buffer[:n])
	if err != nil {
		return nil, addr, err
	}
	return packet, addr, nil
}

// Interrupt wakes a blocked Receive and makes every later Receive return a
// timeout at once. It is safe to call from another goroutine.
func (c *Conn) Interrupt() {
	c.interrupted.Store(true)
	_ = c.conn.SetReadDeadline(time.Now())
}

// LocalAddr returns the local address of the endpoint.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close releases the endpoint.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// IsTimeout reports whether err is a receive deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// SameAddr reports whether a and b denote the same transport address.
func SameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	ua, okA := a.(*net.UDPAddr)
	ub, okB := b.(*net.UDPAddr)
	if okA && okB {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP) && ua.Zone == ub.Zone
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

// EphemeralAddr returns the listen address for a transfer endpoint on the
// given local IP. A nil or unspecified IP binds every interface.
func EphemeralAddr(ip net.IP) string {
	if ip == nil || ip.IsUnspecified() {
		return ":0"
	}
	return net.JoinHostPort(ip.String(), "0")
}

// String describes the endpoint for logs.
func (c *Conn) String() string {
	return fmt.Sprintf("udp endpoint %s", c.conn.LocalAddr())
}
