// Package limits provides centralized numeric bounds for the TFTP protocol and
// its option extensions. Every component that parses, negotiates, or sizes a
// buffer checks against these values so that the range rules of RFC 1350,
// RFC 2348, RFC 2349 and RFC 7440 are enforced in exactly one place.
//
// # Bounds
//
//   - Block size (RFC 2348): 8 to 65464 octets, default 512.
//   - Timeout (RFC 2349): 1 to 255 seconds.
//   - Window size (RFC 7440): 1 to 65535 blocks, default 1.
//   - MaxDatagramSize: the largest UDP payload any endpoint will read.
//
// # Validation Functions
//
// Each validation function reports ErrOutOfRange wrapped with the offending
// value and the allowed interval:
//
//	if err := limits.ValidateBlockSize(v); err != nil {
//	    // errors.Is(err, limits.ErrOutOfRange)
//	}
//
// Clamp helpers bound a server-side cap into the protocol range before it is
// used for negotiation.
package limits
