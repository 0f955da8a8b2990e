// Package transport provides the TFTP wire format and the UDP endpoints a
// daemon or client uses to exchange it.
//
// # Packets
//
// Packet is a closed set of six concrete types, one per RFC 1350/2347
// opcode:
//
//	*ReadRequest   RRQ   filename, mode, options
//	*WriteRequest  WRQ   filename, mode, options
//	*Data          DATA  block, payload
//	*Ack           ACK   block
//	*ErrorPacket   ERROR code, message
//	*OptionAck     OACK  options
//
// Callers dispatch with a type switch:
//
//	switch p := pkt.(type) {
//	case *transport.Ack:
//	    // p.Block
//	case *transport.ErrorPacket:
//	    // p.Code, p.Message
//	}
//
// ParsePacket and Serialize are exact inverses for every packet that can be
// represented on the wire. Options keep their order and spelling; option
// names are matched case-insensitively by the options package, not here.
//
// # Endpoints
//
// Listener is the well-known request endpoint. Bound to the IPv4 wildcard it
// uses IP_PKTINFO (golang.org/x/net/ipv4) to learn which local address each
// request was sent to, so that the transfer endpoint can be bound to the
// same address.
//
// Conn is a transfer endpoint. Receive blocks until a datagram arrives or the
// supplied deadline passes; IsTimeout distinguishes the two. Retransmission
// timing is therefore a receive-with-deadline, never a poll loop.
//
//	conn, err := transport.ListenUDP(transport.EphemeralAddr(req.LocalIP))
//	pkt, from, err := conn.Receive(time.Now().Add(timeout))
//	if transport.IsTimeout(err) {
//	    // retransmit
//	}
//
// # Error Codes
//
// ErrorCode values 0 through 8 follow RFC 1350 and RFC 2347. ErrorCode.String
// returns the RFC text, which NewError uses when no message is supplied.
package transport
