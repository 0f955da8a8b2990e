package testing

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tftpd/transport"
)

func newPeer(t *testing.T) net.PacketConn {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc
}

func send(t *testing.T, c *LossyConn, p transport.Packet, to net.Addr) {
	t.Helper()
	data, err := p.Serialize()
	require.NoError(t, err)
	n, err := c.WriteTo(data, to)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
}

func TestLossyConnDropsFirstAttempt(t *testing.T) {
	lossy, err := ListenLossy(DropBlocksOnce(2))
	require.NoError(t, err)
	defer lossy.Close()
	peer := newPeer(t)

	send(t, lossy, &transport.Data{Block: 1, Payload: []byte("a")}, peer.LocalAddr())
	send(t, lossy, &transport.Data{Block: 2, Payload: []byte("b")}, peer.LocalAddr())
	send(t, lossy, &transport.Data{Block: 2, Payload: []byte("b")}, peer.LocalAddr())

	var got []uint16
	buf := make([]byte, 64)
	for i := 0; i < 2; i++ {
		require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := peer.ReadFrom(buf)
		require.NoError(t, err)
		p, err := transport.ParsePacket(buf[:n])
		require.NoError(t, err)
		got = append(got, p.(*transport.Data).Block)
	}
	assert.Equal(t, []uint16{1, 2}, got)

	records := lossy.Sent(transport.OpcodeDATA)
	require.Len(t, records, 3)
	assert.False(t, records[0].Dropped)
	assert.True(t, records[1].Dropped)
	assert.Equal(t, 1, records[1].Attempt)
	assert.False(t, records[2].Dropped)
	assert.Equal(t, 2, records[2].Attempt)
}

func TestLossyConnDropOpcode(t *testing.T) {
	lossy, err := ListenLossy(DropOpcode(transport.OpcodeACK))
	require.NoError(t, err)
	defer lossy.Close()
	peer := newPeer(t)

	send(t, lossy, &transport.Ack{Block: 7}, peer.LocalAddr())

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = peer.ReadFrom(make([]byte, 16))
	assert.Error(t, err)

	log := lossy.GetDeliveryLog()
	require.Len(t, log, 1)
	assert.Equal(t, transport.OpcodeACK, log[0].Opcode)
	assert.Equal(t, uint16(7), log[0].Block)
	assert.True(t, log[0].Dropped)

	lossy.ClearDeliveryLog()
	assert.Empty(t, lossy.GetDeliveryLog())
}

func TestLossyConnRecordsWithoutDropFunc(t *testing.T) {
	lossy, err := ListenLossy(nil)
	require.NoError(t, err)
	defer lossy.Close()
	peer := newPeer(t)

	send(t, lossy, transport.NewError(transport.ErrCodeFileNotFound, ""), peer.LocalAddr())

	log := lossy.GetDeliveryLog()
	require.Len(t, log, 1)
	assert.Equal(t, transport.OpcodeERROR, log[0].Opcode)
	assert.False(t, log[0].Dropped)
	assert.Equal(t, peer.LocalAddr().String(), log[0].To)
}
