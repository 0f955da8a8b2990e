// Package server implements the TFTP session manager: the well-known
// listening endpoint, request admission, and the registry of running
// transfer sessions.
//
//	cfg := config.Default()
//	cfg.Root = "/srv/tftp"
//	srv, err := server.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Serve(ctx)
//
// Only RRQ and WRQ are accepted on the listening endpoint. Everything else,
// including undecodable datagrams and unsupported modes, is answered with
// ERROR 4 and dropped. An admitted request gets a fresh endpoint on the
// local address the client contacted, so the well-known port stays free and
// every transfer is identified by its own pair of transfer IDs.
//
// Admission checks, in order: a live session from the same address (the
// request is a retransmission and is dropped), the session cap (ERROR 3),
// read-only mode for writes (ERROR 2), file access (ERROR 1, 2 or 6),
// option negotiation (ERROR 8) and, for uploads announcing tsize, free
// space on the receiving volume (ERROR 3).
//
// Sessions remove themselves from the registry when they finish. Closing
// the server, or cancelling the context passed to Serve, aborts every
// session with ERROR 0 "shutting down" and waits for them.
package server
