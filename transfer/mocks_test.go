package transfer

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tftpd/options"
	simnet "github.com/opd-ai/tftpd/testing"
	"github.com/opd-ai/tftpd/transport"
)

// peer is a bare UDP socket standing in for the other side of a session.
type peer struct {
	t    *testing.T
	conn net.PacketConn
	buf  []byte
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return &peer{t: t, conn: pc, buf: make([]byte, 65536)}
}

func (p *peer) addr() net.Addr { return p.conn.LocalAddr() }

func (p *peer) send(packet transport.Packet, to net.Addr) {
	p.t.Helper()
	data, err := packet.Serialize()
	require.NoError(p.t, err)
	_, err = p.conn.WriteTo(data, to)
	require.NoError(p.t, err)
}

func (p *peer) recv() transport.Packet {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(testWait)))
	n, _, err := p.conn.ReadFrom(p.buf)
	require.NoError(p.t, err)
	packet, err := transport.ParsePacket(p.buf[:n])
	require.NoError(p.t, err)
	return packet
}

func (p *peer) recvData() *transport.Data {
	p.t.Helper()
	packet := p.recv()
	data, ok := packet.(*transport.Data)
	require.True(p.t, ok, "expected DATA, got %T", packet)
	return data
}

func (p *peer) recvAck() *transport.Ack {
	p.t.Helper()
	packet := p.recv()
	ack, ok := packet.(*transport.Ack)
	require.True(p.t, ok, "expected ACK, got %T", packet)
	return ack
}

func (p *peer) recvError() *transport.ErrorPacket {
	p.t.Helper()
	packet := p.recv()
	e, ok := packet.(*transport.ErrorPacket)
	require.True(p.t, ok, "expected ERROR, got %T", packet)
	return e
}

func (p *peer) expectNothing(d time.Duration) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(d)))
	_, _, err := p.conn.ReadFrom(p.buf)
	require.Error(p.t, err, "unexpected datagram")
	assert.True(p.t, transport.IsTimeout(err))
}

func newSessionConn(t *testing.T) (*transport.Conn, *simnet.LossyConn) {
	t.Helper()
	lossy, err := simnet.ListenLossy(nil)
	require.NoError(t, err)
	conn := transport.NewConn(lossy)
	t.Cleanup(func() { conn.Close() })
	return conn, lossy
}

type result struct {
	stats Stats
	err   error
}

func runAsync(ctx context.Context, s *Session) <-chan result {
	done := make(chan result, 1)
	go func() {
		stats, err := s.Run(ctx)
		done <- result{stats: stats, err: err}
	}()
	return done
}

func wait(t *testing.T, done <-chan result) result {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
		return result{}
	}
}

func opts(blksize, windowsize uint16, timeout time.Duration) options.TransferOptions {
	return options.TransferOptions{BlockSize: blksize, WindowSize: windowsize, Timeout: timeout}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

type fullWriter struct{}

func (fullWriter) Write([]byte) (int, error) { return 0, syscall.ENOSPC }

// mockTimeProvider is a clock that jumps by step on every reading, starting
// far in the past. Every deadline a session derives from it has already
// expired, so receive waits return at once and retransmission runs without
// wall-clock sleeps.
type mockTimeProvider struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{now: time.Unix(0, 0), step: time.Hour}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(m.step)
	return m.now
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}
