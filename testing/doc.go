// Package testing provides packet-loss simulation for exercising TFTP
// retransmission paths over real loopback sockets.
//
// # Overview
//
// LossyConn wraps a net.PacketConn. Every outgoing datagram is decoded,
// recorded in a delivery log and then either forwarded or dropped according
// to a DropFunc. Reads are untouched, so a session built on a LossyConn
// behaves exactly like one built on a plain socket except for the losses
// the test injects.
//
// # Usage
//
//	lossy, err := testing.ListenLossy(testing.DropBlocksOnce(2))
//	conn := transport.NewConn(lossy)
//	// ... run a transfer over conn ...
//	for _, record := range lossy.Sent(transport.OpcodeDATA) {
//	    fmt.Println(record.Block, record.Attempt, record.Dropped)
//	}
//
// DropBlocksOnce loses the first transmission of selected DATA blocks;
// DropOpcode loses every packet of one opcode, which is how tests model a
// peer that never answers.
package testing
