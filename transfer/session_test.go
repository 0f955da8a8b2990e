package transfer

import (
	"bytes"
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tftpd/limits"
	"github.com/opd-ai/tftpd/transport"
)

func TestSenderRetransmitsWholeWindow(t *testing.T) {
	conn, lossy := newSessionConn(t)
	client := newPeer(t)

	s := NewSender(conn, client.addr(), bytes.NewReader(payload(4096)), Params{
		Options:    opts(512, 4, testShortTimeout),
		RetryLimit: 2,
	})
	r := wait(t, runAsync(context.Background(), s))

	require.ErrorIs(t, r.err, ErrTimeout)
	assert.Equal(t, StateTimedOut, s.State())

	var blocks []uint16
	for _, record := range lossy.Sent(transport.OpcodeDATA) {
		blocks = append(blocks, record.Block)
	}
	assert.Equal(t, []uint16{1, 2, 3, 4, 1, 2, 3, 4, 1, 2, 3, 4}, blocks)
	assert.Equal(t, uint64(8), r.stats.Retransmits)
	assert.Empty(t, lossy.Sent(transport.OpcodeERROR), "timeout must be silent")
}

func TestRetransmissionWithMockClock(t *testing.T) {
	t.Run("sender resends the window until the retry limit", func(t *testing.T) {
		conn, lossy := newSessionConn(t)
		client := newPeer(t)
		clock := newMockTimeProvider()

		s := NewSender(conn, client.addr(), bytes.NewReader(payload(4096)), Params{
			Options:      opts(512, 4, limits.MaxTimeoutSeconds*time.Second),
			RetryLimit:   2,
			TimeProvider: clock,
		})
		r := wait(t, runAsync(context.Background(), s))

		require.ErrorIs(t, r.err, ErrTimeout)
		assert.Len(t, lossy.Sent(transport.OpcodeDATA), 12)
		assert.Equal(t, uint64(8), r.stats.Retransmits)
		assert.Greater(t, r.stats.Duration, time.Duration(0), "duration comes from the provider")
	})

	t.Run("receiver resends its last ACK until the retry limit", func(t *testing.T) {
		conn, lossy := newSessionConn(t)
		client := newPeer(t)

		s := NewReceiver(conn, client.addr(), &bytes.Buffer{}, Params{
			Options:      opts(512, 1, limits.MaxTimeoutSeconds*time.Second),
			Initial:      &transport.Ack{Block: 0},
			RetryLimit:   3,
			TimeProvider: newMockTimeProvider(),
		})
		r := wait(t, runAsync(context.Background(), s))

		require.ErrorIs(t, r.err, ErrTimeout)
		assert.Equal(t, StateTimedOut, s.State())
		assert.Len(t, lossy.Sent(transport.OpcodeACK), 4)
		assert.Equal(t, uint64(3), r.stats.Retransmits)
	})
}

func TestSenderFinalBlock(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		blocks []int
	}{
		{name: "exact multiple ends with empty block", size: 1024, blocks: []int{512, 512, 0}},
		{name: "short tail", size: 700, blocks: []int{512, 188}},
		{name: "empty file", size: 0, blocks: []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _ := newSessionConn(t)
			client := newPeer(t)
			content := payload(tt.size)

			s := NewSender(conn, client.addr(), bytes.NewReader(content), Params{
				Options:    opts(512, 1, testLongTimeout),
				RetryLimit: 3,
			})
			done := runAsync(context.Background(), s)

			var got []int
			received := []byte{}
			for {
				d := client.recvData()
				require.Equal(t, uint16(len(got)+1), d.Block)
				got = append(got, len(d.Payload))
				received = append(received, d.Payload...)
				client.send(&transport.Ack{Block: d.Block}, conn.LocalAddr())
				if len(d.Payload) < 512 {
					break
				}
			}

			r := wait(t, done)
			require.NoError(t, r.err)
			assert.Equal(t, tt.blocks, got)
			assert.Equal(t, content, received)
			assert.Equal(t, StateDone, s.State())
			assert.Equal(t, uint64(len(tt.blocks)), r.stats.Blocks)
			assert.Equal(t, uint64(tt.size), r.stats.Bytes)
		})
	}
}

func TestSenderOACKHandshake(t *testing.T) {
	conn, lossy := newSessionConn(t)
	client := newPeer(t)
	content := payload(2500)

	oack := &transport.OptionAck{Options: []transport.Option{
		{Name: "blksize", Value: "1024"},
		{Name: "windowsize", Value: "2"},
	}}
	s := NewSender(conn, client.addr(), bytes.NewReader(content), Params{
		Options:    opts(1024, 2, testShortTimeout),
		Initial:    oack,
		RetryLimit: 3,
	})
	done := runAsync(context.Background(), s)

	// The first OACK goes unanswered and must be retransmitted.
	first, ok := client.recv().(*transport.OptionAck)
	require.True(t, ok)
	assert.Equal(t, oack.Options, first.Options)
	_, ok = client.recv().(*transport.OptionAck)
	require.True(t, ok)
	assert.Equal(t, StateNegotiating, s.State())

	client.send(&transport.Ack{Block: 0}, conn.LocalAddr())
	d1 := client.recvData()
	d2 := client.recvData()
	assert.Equal(t, uint16(1), d1.Block)
	assert.Equal(t, uint16(2), d2.Block)
	assert.Len(t, d1.Payload, 1024)
	assert.Len(t, d2.Payload, 1024)

	client.send(&transport.Ack{Block: 2}, conn.LocalAddr())
	d3 := client.recvData()
	assert.Equal(t, uint16(3), d3.Block)
	assert.Len(t, d3.Payload, 452)
	client.send(&transport.Ack{Block: 3}, conn.LocalAddr())

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Len(t, lossy.Sent(transport.OpcodeOACK), 2)
	assert.Equal(t, uint64(2500), r.stats.Bytes)
}

func TestSenderPartialAck(t *testing.T) {
	conn, _ := newSessionConn(t)
	client := newPeer(t)

	s := NewSender(conn, client.addr(), bytes.NewReader(payload(8*6+3)), Params{
		Options:    opts(8, 4, testLongTimeout),
		RetryLimit: 3,
	})
	done := runAsync(context.Background(), s)

	for want := uint16(1); want <= 4; want++ {
		assert.Equal(t, want, client.recvData().Block)
	}

	// Blocks 3 and 4 were lost on the way; the window slides to 3 and is
	// refilled up to 6.
	client.send(&transport.Ack{Block: 2}, conn.LocalAddr())
	for want := uint16(3); want <= 6; want++ {
		assert.Equal(t, want, client.recvData().Block)
	}

	// A stale ACK neither moves the window nor triggers a resend.
	client.send(&transport.Ack{Block: 1}, conn.LocalAddr())
	client.expectNothing(50 * time.Millisecond)

	client.send(&transport.Ack{Block: 6}, conn.LocalAddr())
	last := client.recvData()
	assert.Equal(t, uint16(7), last.Block)
	assert.Len(t, last.Payload, 3)
	client.send(&transport.Ack{Block: 7}, conn.LocalAddr())

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, uint64(7), r.stats.Blocks)
	assert.Equal(t, uint64(51), r.stats.Bytes)
	assert.Equal(t, uint64(2), r.stats.Retransmits)
}

func TestSenderBlockNumberWraps(t *testing.T) {
	const (
		blksize    = 8
		windowsize = 16
		fullBlocks = 65540
	)
	conn, _ := newSessionConn(t)
	client := newPeer(t)

	s := NewSender(conn, client.addr(), bytes.NewReader(make([]byte, fullBlocks*blksize)), Params{
		Options:    opts(blksize, windowsize, testLongTimeout),
		RetryLimit: 3,
	})
	done := runAsync(context.Background(), s)

	expected := uint16(1)
	inWindow := 0
	total := 0
	for {
		d := client.recvData()
		require.Equal(t, expected, d.Block)
		expected++
		total++
		inWindow++
		final := len(d.Payload) < blksize
		if inWindow == windowsize || final {
			client.send(&transport.Ack{Block: d.Block}, conn.LocalAddr())
			inWindow = 0
		}
		if final {
			assert.Equal(t, uint16((fullBlocks+1)%65536), d.Block)
			break
		}
	}

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, fullBlocks+1, total)
	assert.Equal(t, uint64(fullBlocks*blksize), r.stats.Bytes)
}

func TestReceiverWindowed(t *testing.T) {
	conn, _ := newSessionConn(t)
	client := newPeer(t)
	var out bytes.Buffer

	s := NewReceiver(conn, client.addr(), &out, Params{
		Options:    opts(8, 2, testShortTimeout),
		Initial:    &transport.Ack{Block: 0},
		RetryLimit: 3,
	})
	done := runAsync(context.Background(), s)

	assert.Equal(t, uint16(0), client.recvAck().Block)

	content := payload(20)
	client.send(&transport.Data{Block: 1, Payload: content[0:8]}, conn.LocalAddr())
	client.send(&transport.Data{Block: 2, Payload: content[8:16]}, conn.LocalAddr())
	assert.Equal(t, uint16(2), client.recvAck().Block)

	client.send(&transport.Data{Block: 3, Payload: content[16:]}, conn.LocalAddr())
	assert.Equal(t, uint16(3), client.recvAck().Block)

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, content, out.Bytes())
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, uint64(3), r.stats.Blocks)
}

func TestReceiverGapAcksOnce(t *testing.T) {
	conn, lossy := newSessionConn(t)
	client := newPeer(t)
	var out bytes.Buffer

	s := NewReceiver(conn, client.addr(), &out, Params{
		Options:    opts(8, 4, testLongTimeout),
		Initial:    &transport.Ack{Block: 0},
		RetryLimit: 3,
	})
	done := runAsync(context.Background(), s)
	assert.Equal(t, uint16(0), client.recvAck().Block)

	content := payload(8*4 + 5)
	block := func(n uint16) *transport.Data {
		start := int(n-1) * 8
		end := min(start+8, len(content))
		return &transport.Data{Block: n, Payload: content[start:end]}
	}

	// Block 2 is lost: 3 triggers one ACK 1, 4 does not trigger another.
	client.send(block(1), conn.LocalAddr())
	client.send(block(3), conn.LocalAddr())
	client.send(block(4), conn.LocalAddr())
	assert.Equal(t, uint16(1), client.recvAck().Block)
	client.expectNothing(50 * time.Millisecond)

	for n := uint16(2); n <= 5; n++ {
		client.send(block(n), conn.LocalAddr())
	}
	assert.Equal(t, uint16(5), client.recvAck().Block)

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, content, out.Bytes())

	var acks []uint16
	for _, record := range lossy.Sent(transport.OpcodeACK) {
		acks = append(acks, record.Block)
	}
	assert.Equal(t, []uint16{0, 1, 5}, acks)
}

func TestReceiverDallyReacksFinalBlock(t *testing.T) {
	conn, _ := newSessionConn(t)
	client := newPeer(t)
	var out bytes.Buffer

	s := NewReceiver(conn, client.addr(), &out, Params{
		Options:    opts(512, 1, 300*time.Millisecond),
		Initial:    &transport.Ack{Block: 0},
		RetryLimit: 3,
	})
	done := runAsync(context.Background(), s)
	assert.Equal(t, uint16(0), client.recvAck().Block)

	final := &transport.Data{Block: 1, Payload: []byte("abc")}
	client.send(final, conn.LocalAddr())
	assert.Equal(t, uint16(1), client.recvAck().Block)
	assert.Equal(t, StateCompleting, s.State())

	client.send(final, conn.LocalAddr())
	assert.Equal(t, uint16(1), client.recvAck().Block)

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, "abc", out.String())
	assert.Equal(t, uint64(1), r.stats.Retransmits)
}

func TestReceiverFirstDataAndPeerOACK(t *testing.T) {
	t.Run("first block already received", func(t *testing.T) {
		conn, _ := newSessionConn(t)
		server := newPeer(t)
		var out bytes.Buffer

		s := NewReceiver(conn, server.addr(), &out, Params{
			Options:    opts(512, 1, testShortTimeout),
			First:      &transport.Data{Block: 1, Payload: []byte("hello")},
			RetryLimit: 3,
		})
		done := runAsync(context.Background(), s)

		assert.Equal(t, uint16(1), server.recvAck().Block)
		r := wait(t, done)
		require.NoError(t, r.err)
		assert.Equal(t, "hello", out.String())
	})

	t.Run("retransmitted OACK is re-acknowledged", func(t *testing.T) {
		conn, _ := newSessionConn(t)
		server := newPeer(t)
		var out bytes.Buffer

		s := NewReceiver(conn, server.addr(), &out, Params{
			Options:    opts(512, 1, testLongTimeout),
			Initial:    &transport.Ack{Block: 0},
			PeerOACK:   true,
			RetryLimit: 3,
		})
		done := runAsync(context.Background(), s)
		assert.Equal(t, uint16(0), server.recvAck().Block)

		server.send(&transport.OptionAck{Options: []transport.Option{{Name: "blksize", Value: "512"}}}, conn.LocalAddr())
		assert.Equal(t, uint16(0), server.recvAck().Block)

		server.send(&transport.Data{Block: 1, Payload: []byte("x")}, conn.LocalAddr())
		assert.Equal(t, uint16(1), server.recvAck().Block)
		require.NoError(t, wait(t, done).err)
	})
}

func TestUnknownTransferID(t *testing.T) {
	conn, _ := newSessionConn(t)
	client := newPeer(t)
	stranger := newPeer(t)
	content := payload(700)
	logger, hook := test.NewNullLogger()

	s := NewSender(conn, client.addr(), bytes.NewReader(content), Params{
		Options:    opts(512, 1, testLongTimeout),
		RetryLimit: 3,
		Logger:     logrus.NewEntry(logger),
	})
	done := runAsync(context.Background(), s)

	d1 := client.recvData()
	assert.Equal(t, uint16(1), d1.Block)

	stranger.send(&transport.Ack{Block: 1}, conn.LocalAddr())
	e := stranger.recvError()
	assert.Equal(t, transport.ErrCodeUnknownTransferID, e.Code)

	var rejected []*logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Data["error"] == ErrUnknownTransferID.Error() {
			rejected = append(rejected, entry)
		}
	}
	require.Len(t, rejected, 1)
	assert.Equal(t, stranger.addr().String(), rejected[0].Data["from"])

	// The stray ACK must not have advanced the legitimate session.
	client.expectNothing(50 * time.Millisecond)
	assert.Equal(t, StateTransferring, s.State())

	client.send(&transport.Ack{Block: 1}, conn.LocalAddr())
	d2 := client.recvData()
	assert.Equal(t, uint16(2), d2.Block)
	client.send(&transport.Ack{Block: 2}, conn.LocalAddr())

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, uint64(700), r.stats.Bytes)
}

func TestPeerErrorAborts(t *testing.T) {
	conn, lossy := newSessionConn(t)
	client := newPeer(t)

	s := NewSender(conn, client.addr(), bytes.NewReader(payload(2000)), Params{
		Options:    opts(512, 1, testLongTimeout),
		RetryLimit: 3,
	})
	done := runAsync(context.Background(), s)
	client.recvData()

	client.send(transport.NewError(transport.ErrCodeDiskFull, "no room"), conn.LocalAddr())
	r := wait(t, done)

	var peerErr *PeerError
	require.True(t, errors.As(r.err, &peerErr))
	assert.Equal(t, transport.ErrCodeDiskFull, peerErr.Code)
	assert.Equal(t, "no room", peerErr.Message)
	assert.Equal(t, StateAborted, s.State())
	assert.Empty(t, lossy.Sent(transport.OpcodeERROR), "peer errors are not answered")
}

func TestIllegalPacketsAbort(t *testing.T) {
	t.Run("request on transfer endpoint", func(t *testing.T) {
		conn, _ := newSessionConn(t)
		client := newPeer(t)

		s := NewSender(conn, client.addr(), bytes.NewReader(payload(2000)), Params{
			Options:    opts(512, 1, testLongTimeout),
			RetryLimit: 3,
		})
		done := runAsync(context.Background(), s)
		client.recvData()

		client.send(&transport.ReadRequest{Filename: "again", Mode: transport.ModeOctet}, conn.LocalAddr())
		assert.Equal(t, transport.ErrCodeIllegalOperation, client.recvError().Code)

		r := wait(t, done)
		assert.ErrorIs(t, r.err, ErrIllegalOperation)
		assert.Equal(t, StateAborted, s.State())
	})

	t.Run("malformed datagram", func(t *testing.T) {
		conn, _ := newSessionConn(t)
		client := newPeer(t)

		s := NewSender(conn, client.addr(), bytes.NewReader(payload(2000)), Params{
			Options:    opts(512, 1, testLongTimeout),
			RetryLimit: 3,
		})
		done := runAsync(context.Background(), s)
		client.recvData()

		_, err := client.conn.WriteTo([]byte{0x00, 0x09, 0x01}, conn.LocalAddr())
		require.NoError(t, err)
		assert.Equal(t, transport.ErrCodeIllegalOperation, client.recvError().Code)

		r := wait(t, done)
		assert.ErrorIs(t, r.err, transport.ErrMalformedPacket)
	})

	t.Run("oversized block", func(t *testing.T) {
		conn, _ := newSessionConn(t)
		client := newPeer(t)

		s := NewReceiver(conn, client.addr(), &bytes.Buffer{}, Params{
			Options:    opts(8, 1, testLongTimeout),
			Initial:    &transport.Ack{Block: 0},
			RetryLimit: 3,
		})
		done := runAsync(context.Background(), s)
		client.recvAck()

		client.send(&transport.Data{Block: 1, Payload: payload(9)}, conn.LocalAddr())
		assert.Equal(t, transport.ErrCodeIllegalOperation, client.recvError().Code)
		assert.ErrorIs(t, wait(t, done).err, ErrIllegalOperation)
	})
}

func TestStreamFailures(t *testing.T) {
	t.Run("read failure sends error 0", func(t *testing.T) {
		conn, _ := newSessionConn(t)
		client := newPeer(t)

		s := NewSender(conn, client.addr(), failingReader{}, Params{
			Options:    opts(512, 1, testLongTimeout),
			RetryLimit: 3,
		})
		done := runAsync(context.Background(), s)

		e := client.recvError()
		assert.Equal(t, transport.ErrCodeNotDefined, e.Code)
		assert.Contains(t, e.Message, "read failed")

		var streamErr *StreamError
		assert.True(t, errors.As(wait(t, done).err, &streamErr))
	})

	t.Run("full disk sends error 3", func(t *testing.T) {
		conn, _ := newSessionConn(t)
		client := newPeer(t)

		s := NewReceiver(conn, client.addr(), fullWriter{}, Params{
			Options:    opts(512, 1, testLongTimeout),
			Initial:    &transport.Ack{Block: 0},
			RetryLimit: 3,
		})
		done := runAsync(context.Background(), s)
		client.recvAck()

		client.send(&transport.Data{Block: 1, Payload: []byte("data")}, conn.LocalAddr())
		assert.Equal(t, transport.ErrCodeDiskFull, client.recvError().Code)
		assert.ErrorIs(t, wait(t, done).err, syscall.ENOSPC)
		assert.Equal(t, StateAborted, s.State())
	})
}

func TestShutdownSendsError(t *testing.T) {
	conn, _ := newSessionConn(t)
	client := newPeer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSender(conn, client.addr(), bytes.NewReader(payload(2000)), Params{
		Options:    opts(512, 1, 5*time.Second),
		RetryLimit: 3,
	})
	done := runAsync(ctx, s)
	client.recvData()

	cancel()
	e := client.recvError()
	assert.Equal(t, transport.ErrCodeNotDefined, e.Code)
	assert.Equal(t, "shutting down", e.Message)

	r := wait(t, done)
	assert.ErrorIs(t, r.err, ErrShutdown)
	assert.Equal(t, StateAborted, s.State())
}

func TestWindowWait(t *testing.T) {
	conn, _ := newSessionConn(t)
	client := newPeer(t)

	s := NewSender(conn, client.addr(), bytes.NewReader(payload(8*3)), Params{
		Options:    opts(8, 4, testLongTimeout),
		WindowWait: 30 * time.Millisecond,
		RetryLimit: 3,
	})
	start := time.Now()
	done := runAsync(context.Background(), s)

	for want := uint16(1); want <= 4; want++ {
		assert.Equal(t, want, client.recvData().Block)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	client.send(&transport.Ack{Block: 4}, conn.LocalAddr())
	require.NoError(t, wait(t, done).err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "negotiating", StateNegotiating.String())
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateAborted.Terminal())
	assert.False(t, StateCompleting.Terminal())
	assert.Equal(t, "receive", Receive.String())
}
