// Package options negotiates the TFTP option extensions: blksize (RFC 2348),
// timeout and tsize (RFC 2349), and windowsize (RFC 7440).
//
// The server side calls Negotiate with the options of an RRQ or WRQ and its
// own caps. Every accepted value is min(requested, cap); blksize below 8, a
// zero timeout or windowsize, and non-numeric values fail with
// ErrNegotiationFailed, which the daemon answers with ERROR code 8. tsize is
// replaced by the real file size on reads and passed through on writes.
//
// Options the client did not ask for are never echoed. If it asked for no
// recognized option at all, Result.Negotiated is false and no OACK must be
// sent: the transfer starts straight away with RFC 1350 defaults.
//
// The client side builds its request with TransferOptions.Request and
// checks the server reply with Apply.
package options
