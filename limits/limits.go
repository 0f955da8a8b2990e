// Package limits provides centralized numeric bounds for the TFTP protocol.
package limits

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MinBlockSize is the RFC 2348 floor for the blksize option.
	MinBlockSize = 8

	// MaxBlockSize is the RFC 2348 ceiling for the blksize option. It keeps a
	// DATA datagram within the largest IPv4 UDP payload.
	MaxBlockSize = 65464

	// DefaultBlockSize is the RFC 1350 block size used when blksize is not negotiated.
	DefaultBlockSize = 512

	// MinTimeoutSeconds is the RFC 2349 floor for the timeout option.
	MinTimeoutSeconds = 1

	// MaxTimeoutSeconds is the RFC 2349 ceiling for the timeout option.
	MaxTimeoutSeconds = 255

	// DefaultTimeout is the retransmission interval used when timeout is not negotiated.
	DefaultTimeout = 5 * time.Second

	// MinWindowSize is the RFC 7440 floor for the windowsize option.
	MinWindowSize = 1

	// MaxWindowSize is the RFC 7440 ceiling for the windowsize option.
	MaxWindowSize = 65535

	// DefaultWindowSize is the lock-step window of RFC 1350.
	DefaultWindowSize = 1

	// DefaultRetryLimit is the number of retransmissions attempted before a
	// transfer is declared timed out.
	DefaultRetryLimit = 6

	// DataHeaderSize is the opcode plus block number prefix of a DATA packet.
	DataHeaderSize = 4

	// MaxDatagramSize is the receive buffer size for any TFTP endpoint.
	MaxDatagramSize = 65536
)

// ErrOutOfRange indicates a numeric value outside its protocol interval.
var ErrOutOfRange = errors.New("value out of range")

// ValidateBlockSize checks v against [MinBlockSize, MaxBlockSize].
func ValidateBlockSize(v uint64) error {
	if v < MinBlockSize || v > MaxBlockSize {
		return fmt.Errorf("%w: blksize %d not in [%d, %d]", ErrOutOfRange, v, MinBlockSize, MaxBlockSize)
	}
	return nil
}

// ValidateTimeoutSeconds checks v against [MinTimeoutSeconds, MaxTimeoutSeconds].
func ValidateTimeoutSeconds(v uint64) error {
	if v < MinTimeoutSeconds || v > MaxTimeoutSeconds {
		return fmt.Errorf("%w: timeout %d not in [%d, %d]", ErrOutOfRange, v, MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	return nil
}

// ValidateWindowSize checks v against [MinWindowSize, MaxWindowSize].
func ValidateWindowSize(v uint64) error {
	if v < MinWindowSize || v > MaxWindowSize {
		return fmt.Errorf("%w: windowsize %d not in [%d, %d]", ErrOutOfRange, v, MinWindowSize, MaxWindowSize)
	}
	return nil
}

// ClampBlockSize bounds a configured block size cap into the protocol range.
// Zero selects MaxBlockSize.
func ClampBlockSize(v int) uint16 {
	switch {
	case v <= 0 || v > MaxBlockSize:
		return MaxBlockSize
	case v < MinBlockSize:
		return MinBlockSize
	}
	return uint16(v)
}

// ClampWindowSize bounds a configured window size cap into the protocol range.
// Zero selects MaxWindowSize.
func ClampWindowSize(v int) uint16 {
	if v <= 0 || v > MaxWindowSize {
		return MaxWindowSize
	}
	return uint16(v)
}

// ClampTimeoutSeconds bounds a configured timeout cap into the protocol range.
// Zero selects MaxTimeoutSeconds.
func ClampTimeoutSeconds(v int) uint8 {
	switch {
	case v <= 0 || v > MaxTimeoutSeconds:
		return MaxTimeoutSeconds
	case v < MinTimeoutSeconds:
		return MinTimeoutSeconds
	}
	return uint8(v)
}
