// Package transfer implements the TFTP transfer session: the state machine
// that moves one file across a dedicated endpoint with windowed
// transmission, retransmission and timeout handling.
//
// A session is built for one direction. A sender cuts a stream into DATA
// blocks and slides a window of up to windowsize blocks over it; a receiver
// accepts blocks strictly in order, writes each one to its stream before
// acknowledging it, and acknowledges once per window or on the final block.
// The first block shorter than blksize, including an empty one, ends the
// transfer.
//
//	conn, _ := transport.ListenUDP(":0")
//	s := transfer.NewSender(conn, clientAddr, f, transfer.Params{
//	    Options:    negotiated,
//	    Initial:    &transport.OptionAck{Options: oack},
//	    RetryLimit: 6,
//	})
//	stats, err := s.Run(ctx)
//
// States move Negotiating, Transferring, Completing, Done; TimedOut and
// Aborted are terminal failures. A timeout never produces an ERROR packet.
// Local failures send exactly one ERROR: 4 for malformed or unexpected
// packets, 3 when the disk is full, 0 otherwise. Packets from any address
// other than the peer are answered with ERROR 5 and leave the session
// untouched. Cancelling the context aborts the session with ERROR 0
// "shutting down".
//
// Servers and clients share this engine; a client handles the request
// exchange itself and hands the learned peer address, plus any DATA already
// received, to the session.
package transfer
