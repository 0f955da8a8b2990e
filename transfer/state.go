package transfer

import (
	"errors"
	"fmt"

	"github.com/opd-ai/tftpd/transport"
)

// State represents the current phase of a transfer session.
type State int32

const (
	// StateNegotiating covers the OACK or first-packet exchange.
	StateNegotiating State = iota
	// StateTransferring indicates blocks are moving.
	StateTransferring
	// StateCompleting indicates the final block was acknowledged.
	StateCompleting
	// StateDone indicates the transfer finished successfully.
	StateDone
	// StateTimedOut indicates the retry limit was exceeded.
	StateTimedOut
	// StateAborted indicates a fatal error ended the transfer.
	StateAborted
)

// String returns a lower-case name for logs.
func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateTransferring:
		return "transferring"
	case StateCompleting:
		return "completing"
	case StateDone:
		return "done"
	case StateTimedOut:
		return "timed_out"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateTimedOut || s == StateAborted
}

var (
	// ErrTimeout indicates the peer stayed silent past the retry limit.
	ErrTimeout = errors.New("transfer timed out")

	// ErrUnknownTransferID indicates a packet from an address other than
	// the session peer.
	ErrUnknownTransferID = errors.New("unknown transfer ID")

	// ErrIllegalOperation indicates a packet the session cannot accept in
	// its current state.
	ErrIllegalOperation = errors.New("illegal TFTP operation")

	// ErrShutdown indicates the session was cancelled by its owner.
	ErrShutdown = errors.New("shutting down")

	// errDeadline is the internal signal for an expired window timer.
	errDeadline = errors.New("receive deadline expired")
)

// PeerError is an ERROR packet received from the peer.
type PeerError struct {
	Code    transport.ErrorCode
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error %d (%s): %s", uint16(e.Code), e.Code, e.Message)
}

// StreamError is a failure reading or writing the local file.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return "file stream: " + e.Err.Error()
}

func (e *StreamError) Unwrap() error {
	return e.Err
}
