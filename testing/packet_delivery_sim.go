package testing

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/transport"
)

// DropFunc decides whether an outgoing packet is lost. attempt counts
// transmissions of the same opcode and block number, starting at 1.
type DropFunc func(packet transport.Packet, attempt int) bool

// DeliveryRecord represents one outgoing datagram for test verification.
type DeliveryRecord struct {
	Opcode    transport.Opcode
	Block     uint16
	To        string
	Size      int
	Attempt   int
	Dropped   bool
	Timestamp time.Time
}

type deliveryKey struct {
	op    transport.Opcode
	block uint16
}

// LossyConn wraps a net.PacketConn and drops outgoing datagrams chosen by a
// DropFunc. Reads pass straight through.
type LossyConn struct {
	net.PacketConn

	mu          sync.Mutex
	drop        DropFunc
	attempts    map[deliveryKey]int
	deliveryLog []DeliveryRecord
}

// NewLossyConn wraps pc. A nil drop delivers everything and only records.
func NewLossyConn(pc net.PacketConn, drop DropFunc) *LossyConn {
	logrus.WithFields(logrus.Fields{
		"function": "NewLossyConn",
		"local":    pc.LocalAddr().String(),
	}).Debug("Creating lossy packet connection for testing")

	return &LossyConn{
		PacketConn: pc,
		drop:       drop,
		attempts:   make(map[deliveryKey]int),
	}
}

// ListenLossy opens a loopback UDP socket wrapped in a LossyConn.
func ListenLossy(drop DropFunc) (*LossyConn, error) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return NewLossyConn(pc, drop), nil
}

// WriteTo records the datagram and either forwards or silently drops it.
func (c *LossyConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	record := DeliveryRecord{
		To:        addr.String(),
		Size:      len(b),
		Timestamp: time.Now(),
	}

	packet, err := transport.ParsePacket(b)
	if err == nil {
		record.Opcode = packet.Opcode()
		record.Block = blockOf(packet)
	}

	c.mu.Lock()
	key := deliveryKey{op: record.Opcode, block: record.Block}
	c.attempts[key]++
	record.Attempt = c.attempts[key]
	record.Dropped = packet != nil && c.drop != nil && c.drop(packet, record.Attempt)
	c.deliveryLog = append(c.deliveryLog, record)
	c.mu.Unlock()

	if record.Dropped {
		logrus.WithFields(logrus.Fields{
			"function": "LossyConn.WriteTo",
			"opcode":   record.Opcode.String(),
			"block":    record.Block,
			"attempt":  record.Attempt,
		}).Debug("Dropping simulated packet")
		return len(b), nil
	}
	return c.PacketConn.WriteTo(b, addr)
}

func blockOf(packet transport.Packet) uint16 {
	switch p := packet.(type) {
	case *transport.Data:
		return p.Block
	case *transport.Ack:
		return p.Block
	}
	return 0
}

// GetDeliveryLog returns a copy of every outgoing datagram recorded so far.
func (c *LossyConn) GetDeliveryLog() []DeliveryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := make([]DeliveryRecord, len(c.deliveryLog))
	copy(log, c.deliveryLog)
	return log
}

// Sent returns the recorded datagrams with the given opcode, dropped or not.
func (c *LossyConn) Sent(op transport.Opcode) []DeliveryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []DeliveryRecord
	for _, record := range c.deliveryLog {
		if record.Opcode == op {
			out = append(out, record)
		}
	}
	return out
}

// ClearDeliveryLog forgets recorded datagrams and attempt counts.
func (c *LossyConn) ClearDeliveryLog() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deliveryLog = nil
	c.attempts = make(map[deliveryKey]int)
}

// DropBlocksOnce loses the first transmission of the listed DATA blocks.
func DropBlocksOnce(blocks ...uint16) DropFunc {
	set := make(map[uint16]bool, len(blocks))
	for _, b := range blocks {
		set[b] = true
	}
	return func(packet transport.Packet, attempt int) bool {
		data, ok := packet.(*transport.Data)
		return ok && attempt == 1 && set[data.Block]
	}
}

// DropOpcode loses every packet with the given opcode.
func DropOpcode(op transport.Opcode) DropFunc {
	return func(packet transport.Packet, _ int) bool {
		return packet.Opcode() == op
	}
}
