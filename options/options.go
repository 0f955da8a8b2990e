package options

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/limits"
	"github.com/opd-ai/tftpd/transport"
)

// Recognized option names, in canonical spelling.
const (
	BlockSize    = "blksize"
	Timeout      = "timeout"
	TransferSize = "tsize"
	WindowSize   = "windowsize"
)

// ErrNegotiationFailed indicates a requested option value the server cannot
// honour. It maps to ERROR code 8.
var ErrNegotiationFailed = errors.New("option negotiation failed")

// RequestKind tells the negotiator which direction the transfer runs.
type RequestKind uint8

const (
	// Read is an RRQ: the server sends the file.
	Read RequestKind = iota
	// Write is a WRQ: the server receives the file.
	Write
)

// String returns "read" or "write".
func (k RequestKind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

// TransferOptions is the option set a transfer runs with.
type TransferOptions struct {
	BlockSize       uint16
	Timeout         time.Duration
	WindowSize      uint16
	TransferSize    uint64
	HasTransferSize bool
}

// Defaults returns the RFC 1350 option set with the given timeout.
func Defaults(timeout time.Duration) TransferOptions {
	if timeout <= 0 {
		timeout = limits.DefaultTimeout
	}
	return TransferOptions{
		BlockSize:  limits.DefaultBlockSize,
		Timeout:    timeout,
		WindowSize: limits.DefaultWindowSize,
	}
}

// Caps are the server-declared ceilings for negotiated values.
type Caps struct {
	MaxBlockSize   uint16
	MaxWindowSize  uint16
	MaxTimeout     uint8
	DefaultTimeout time.Duration
}

// Request describes the transfer being negotiated.
type Request struct {
	Kind RequestKind
	// FileSize is the size of the file served by a read request.
	FileSize int64
}

// Result is the outcome of a successful negotiation.
type Result struct {
	Options TransferOptions
	// OACK holds the accepted options in request order. It is empty when
	// Negotiated is false.
	OACK []transport.Option
	// Negotiated is false when the client asked for no recognized option;
	// the transfer then starts without an OACK.
	Negotiated bool
}

// Negotiate reconciles the options of a request with the server caps.
func Negotiate(requested []transport.Option, caps Caps, req Request) (*Result, error) {
	res := &Result{Options: Defaults(caps.DefaultTimeout)}
	seen := make(map[string]bool, len(requested))

	for _, opt := range requested {
		name := strings.ToLower(opt.Name)
		switch name {
		case BlockSize, Timeout, TransferSize, WindowSize:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Negotiate",
				"option":   opt.Name,
				"value":    opt.Value,
			}).Debug("Ignoring unknown option")
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		value, err := parseValue(name, opt.Value)
		if err != nil {
			return nil, err
		}

		accepted, err := accept(name, value, caps, req, &res.Options)
		if err != nil {
			return nil, err
		}
		res.OACK = append(res.OACK, transport.Option{Name: name, Value: strconv.FormatUint(accepted, 10)})
	}

	res.Negotiated = len(res.OACK) > 0

	logrus.WithFields(logrus.Fields{
		"function":   "Negotiate",
		"kind":       req.Kind.String(),
		"negotiated": res.Negotiated,
		"blksize":    res.Options.BlockSize,
		"windowsize": res.Options.WindowSize,
		"timeout":    res.Options.Timeout,
	}).Debug("Options negotiated")

	return res, nil
}

func parseValue(name, raw string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s value %q is not a number", ErrNegotiationFailed, name, raw)
	}
	return v, nil
}

// accept applies the policy for one option and records it in opts. It
// returns the value to echo in the OACK.
func accept(name string, v uint64, caps Caps, req Request, opts *TransferOptions) (uint64, error) {
	switch name {
	case BlockSize:
		if v < limits.MinBlockSize {
			return 0, fmt.Errorf("%w: %v", ErrNegotiationFailed, limits.ValidateBlockSize(v))
		}
		v = min(v, uint64(limits.ClampBlockSize(int(caps.MaxBlockSize))))
		opts.BlockSize = uint16(v)
	case Timeout:
		if v < limits.MinTimeoutSeconds {
			return 0, fmt.Errorf("%w: %v", ErrNegotiationFailed, limits.ValidateTimeoutSeconds(v))
		}
		v = min(v, uint64(limits.ClampTimeoutSeconds(int(caps.MaxTimeout))))
		opts.Timeout = time.Duration(v) * time.Second
	case WindowSize:
		if v < limits.MinWindowSize {
			return 0, fmt.Errorf("%w: %v", ErrNegotiationFailed, limits.ValidateWindowSize(v))
		}
		v = min(v, uint64(limits.ClampWindowSize(int(caps.MaxWindowSize))))
		opts.WindowSize = uint16(v)
	case TransferSize:
		if req.Kind == Read {
			if req.FileSize < 0 {
				return 0, fmt.Errorf("%w: file size unknown", ErrNegotiationFailed)
			}
			v = uint64(req.FileSize)
		}
		opts.TransferSize = v
		opts.HasTransferSize = true
	}
	return v, nil
}

// Apply updates opts from an OACK received by a client. Values the client
// did not ask for, or that exceed what it asked for, fail the negotiation.
func Apply(opts *TransferOptions, requested, oack []transport.Option) error {
	asked := make(map[string]uint64, len(requested))
	for _, opt := range requested {
		if v, err := strconv.ParseUint(opt.Value, 10, 64); err == nil {
			asked[strings.ToLower(opt.Name)] = v
		}
	}

	for _, opt := range oack {
		name := strings.ToLower(opt.Name)
		want, ok := asked[name]
		if !ok {
			return fmt.Errorf("%w: server acknowledged unrequested option %q", ErrNegotiationFailed, opt.Name)
		}
		v, err := parseValue(name, opt.Value)
		if err != nil {
			return err
		}

		switch name {
		case BlockSize:
			if err := limits.ValidateBlockSize(v); err != nil || v > want {
				return fmt.Errorf("%w: blksize %d", ErrNegotiationFailed, v)
			}
			opts.BlockSize = uint16(v)
		case Timeout:
			if err := limits.ValidateTimeoutSeconds(v); err != nil || v > want {
				return fmt.Errorf("%w: timeout %d", ErrNegotiationFailed, v)
			}
			opts.Timeout = time.Duration(v) * time.Second
		case WindowSize:
			if err := limits.ValidateWindowSize(v); err != nil || v > want {
				return fmt.Errorf("%w: windowsize %d", ErrNegotiationFailed, v)
			}
			opts.WindowSize = uint16(v)
		case TransferSize:
			opts.TransferSize = v
			opts.HasTransferSize = true
		}
	}
	return nil
}

// Request builds the option list a client sends with an RRQ or WRQ.
// Options equal to their RFC default are left out.
func (o TransferOptions) Request() []transport.Option {
	var out []transport.Option
	if o.BlockSize != 0 && o.BlockSize != limits.DefaultBlockSize {
		out = append(out, transport.Option{Name: BlockSize, Value: strconv.FormatUint(uint64(o.BlockSize), 10)})
	}
	if o.WindowSize > limits.DefaultWindowSize {
		out = append(out, transport.Option{Name: WindowSize, Value: strconv.FormatUint(uint64(o.WindowSize), 10)})
	}
	if secs := uint64(o.Timeout / time.Second); secs >= limits.MinTimeoutSeconds && o.Timeout%time.Second == 0 {
		out = append(out, transport.Option{Name: Timeout, Value: strconv.FormatUint(min(secs, limits.MaxTimeoutSeconds), 10)})
	}
	if o.HasTransferSize {
		out = append(out, transport.Option{Name: TransferSize, Value: strconv.FormatUint(o.TransferSize, 10)})
	}
	return out
}
