// Package transport implements the TFTP wire format and the UDP endpoints
// that carry it.
//
// Example:
//
//	pkt, err := transport.ParsePacket(buf[:n])
//	if err != nil {
//	    // errors.Is(err, transport.ErrMalformedPacket)
//	}
//
//	data, err := (&transport.Ack{Block: 1}).Serialize()
package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/tftpd/limits"
)

// Opcode identifies the type of a TFTP packet.
type Opcode uint16

const (
	OpcodeRRQ Opcode = iota + 1
	OpcodeWRQ
	OpcodeDATA
	OpcodeACK
	OpcodeERROR
	OpcodeOACK
)

// String returns the RFC mnemonic of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpcodeRRQ:
		return "RRQ"
	case OpcodeWRQ:
		return "WRQ"
	case OpcodeDATA:
		return "DATA"
	case OpcodeACK:
		return "ACK"
	case OpcodeERROR:
		return "ERROR"
	case OpcodeOACK:
		return "OACK"
	}
	return fmt.Sprintf("Opcode(%d)", uint16(o))
}

// ErrorCode is the code carried by an ERROR packet.
type ErrorCode uint16

const (
	ErrCodeNotDefined ErrorCode = iota
	ErrCodeFileNotFound
	ErrCodeAccessViolation
	ErrCodeDiskFull
	ErrCodeIllegalOperation
	ErrCodeUnknownTransferID
	ErrCodeFileExists
	ErrCodeNoSuchUser
	ErrCodeOptionNegotiation
)

var errorCodeText = map[ErrorCode]string{
	ErrCodeNotDefined:        "Not defined",
	ErrCodeFileNotFound:      "File not found",
	ErrCodeAccessViolation:   "Access violation",
	ErrCodeDiskFull:          "Disk full or allocation exceeded",
	ErrCodeIllegalOperation:  "Illegal TFTP operation",
	ErrCodeUnknownTransferID: "Unknown transfer ID",
	ErrCodeFileExists:        "File already exists",
	ErrCodeNoSuchUser:        "No such user",
	ErrCodeOptionNegotiation: "Option negotiation failed",
}

// String returns the RFC description of the code.
func (c ErrorCode) String() string {
	if s, ok := errorCodeText[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", uint16(c))
}

// Transfer modes accepted in requests.
const (
	ModeNetASCII = "netascii"
	ModeOctet    = "octet"
)

var (
	// ErrMalformedPacket indicates a datagram that does not decode as TFTP, or
	// a packet value that cannot be encoded.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrUnsupportedMode indicates a request mode other than netascii or octet.
	ErrUnsupportedMode = errors.New("unsupported transfer mode")
)

// Packet is one of *ReadRequest, *WriteRequest, *Data, *Ack, *ErrorPacket or
// *OptionAck. The set is closed: callers switch over the concrete types.
type Packet interface {
	Opcode() Opcode
	Serialize() ([]byte, error)
	packet()
}

// Option is one name/value pair of a request or an OACK.
type Option struct {
	Name  string
	Value string
}

// ReadRequest is an RRQ packet.
type ReadRequest struct {
	Filename string
	Mode     string
	Options  []Option
}

// WriteRequest is a WRQ packet.
type WriteRequest struct {
	Filename string
	Mode     string
	Options  []Option
}

// Data is a DATA packet.
type Data struct {
	Block   uint16
	Payload []byte
}

// Ack is an ACK packet.
type Ack struct {
	Block uint16
}

// ErrorPacket is an ERROR packet.
type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

// OptionAck is an OACK packet.
type OptionAck struct {
	Options []Option
}

func (*ReadRequest) packet()  {}
func (*WriteRequest) packet() {}
func (*Data) packet()         {}
func (*Ack) packet()          {}
func (*ErrorPacket) packet()  {}
func (*OptionAck) packet()    {}

// Opcode implements Packet.
func (*ReadRequest) Opcode() Opcode { return OpcodeRRQ }

// Opcode implements Packet.
func (*WriteRequest) Opcode() Opcode { return OpcodeWRQ }

// Opcode implements Packet.
func (*Data) Opcode() Opcode { return OpcodeDATA }

// Opcode implements Packet.
func (*Ack) Opcode() Opcode { return OpcodeACK }

// Opcode implements Packet.
func (*ErrorPacket) Opcode() Opcode { return OpcodeERROR }

// Opcode implements Packet.
func (*OptionAck) Opcode() Opcode { return OpcodeOACK }

// NewError builds an ERROR packet. An empty message is replaced by the RFC
// text of the code.
func NewError(code ErrorCode, message string) *ErrorPacket {
	if message == "" {
		message = code.String()
	}
	return &ErrorPacket{Code: code, Message: message}
}

// Error lets an ERROR packet travel as a Go error.
func (e *ErrorPacket) Error() string {
	return fmt.Sprintf("tftp error %d (%s): %s", uint16(e.Code), e.Code, e.Message)
}

// Serialize implements Packet.
func (r *ReadRequest) Serialize() ([]byte, error) {
	return serializeRequest(OpcodeRRQ, r.Filename, r.Mode, r.Options)
}

// Serialize implements Packet.
func (w *WriteRequest) Serialize() ([]byte, error) {
	return serializeRequest(OpcodeWRQ, w.Filename, w.Mode, w.Options)
}

// Serialize implements Packet.
func (d *Data) Serialize() ([]byte, error) {
	if len(d.Payload) > limits.MaxBlockSize {
		return nil, fmt.Errorf("%w: DATA payload of %d bytes", ErrMalformedPacket, len(d.Payload))
	}
	// Format: [opcode (2 bytes)][block (2 bytes)][payload]
	buf := make([]byte, limits.DataHeaderSize+len(d.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpcodeDATA))
	binary.BigEndian.PutUint16(buf[2:4], d.Block)
	copy(buf[4:], d.Payload)
	return buf, nil
}

// Serialize implements Packet.
func (a *Ack) Serialize() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpcodeACK))
	binary.BigEndian.PutUint16(buf[2:4], a.Block)
	return buf, nil
}

// Serialize implements Packet.
func (e *ErrorPacket) Serialize() ([]byte, error) {
	if err := checkString("error message", e.Message, true); err != nil {
		return nil, err
	}
	// Format: [opcode (2 bytes)][code (2 bytes)][message][0]
	buf := make([]byte, 4, 5+len(e.Message))
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpcodeERROR))
	binary.BigEndian.PutUint16(buf[2:4], uint16(e.Code))
	buf = append(buf, e.Message...)
	return append(buf, 0), nil
}

// Serialize implements Packet.
func (o *OptionAck) Serialize() ([]byte, error) {
	buf := binary.BigEndian.AppendUint16(nil, uint16(OpcodeOACK))
	return appendOptions(buf, o.Options)
}

func serializeRequest(op Opcode, filename, mode string, options []Option) ([]byte, error) {
	if err := checkString("filename", filename, false); err != nil {
		return nil, err
	}
	if err := checkString("mode", mode, false); err != nil {
		return nil, err
	}
	// Format: [opcode (2 bytes)][filename][0][mode][0]([name][0][value][0])*
	buf := make([]byte, 2, 4+len(filename)+len(mode)+16*len(options))
	binary.BigEndian.PutUint16(buf[0:2], uint16(op))
	buf = append(buf, filename...)
	buf = append(buf, 0)
	buf = append(buf, mode...)
	buf = append(buf, 0)
	return appendOptions(buf, options)
}

func appendOptions(buf []byte, options []Option) ([]byte, error) {
	for _, opt := range options {
		if err := checkString("option name", opt.Name, false); err != nil {
			return nil, err
		}
		if err := checkString("option value", opt.Value, true); err != nil {
			return nil, err
		}
		buf = append(buf, opt.Name...)
		buf = append(buf, 0)
		buf = append(buf, opt.Value...)
		buf = append(buf, 0)
	}
	return buf, nil
}

// checkString rejects strings that cannot survive NUL-terminated encoding.
func checkString(field, s string, allowEmpty bool) error {
	if !allowEmpty && s == "" {
		return fmt.Errorf("%w: empty %s", ErrMalformedPacket, field)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: %s contains NUL", ErrMalformedPacket, field)
	}
	return nil
}

// ParsePacket decodes a datagram into one of the Packet types.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d byte datagram", ErrMalformedPacket, len(data))
	}

	op := Opcode(binary.BigEndian.Uint16(data[0:2]))
	body := data[2:]

	switch op {
	case OpcodeRRQ:
		filename, mode, options, err := parseRequest(body)
		if err != nil {
			return nil, err
		}
		return &ReadRequest{Filename: filename, Mode: mode, Options: options}, nil
	case OpcodeWRQ:
		filename, mode, options, err := parseRequest(body)
		if err != nil {
			return nil, err
		}
		return &WriteRequest{Filename: filename, Mode: mode, Options: options}, nil
	case OpcodeDATA:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: DATA without block number", ErrMalformedPacket)
		}
		payload := make([]byte, len(body)-2)
		copy(payload, body[2:])
		return &Data{Block: binary.BigEndian.Uint16(body[0:2]), Payload: payload}, nil
	case OpcodeACK:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: ACK without block number", ErrMalformedPacket)
		}
		return &Ack{Block: binary.BigEndian.Uint16(body[0:2])}, nil
	case OpcodeERROR:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: ERROR without code", ErrMalformedPacket)
		}
		msg, _, err := readString(body[2:], "error message")
		if err != nil {
			return nil, err
		}
		return &ErrorPacket{Code: ErrorCode(binary.BigEndian.Uint16(body[0:2])), Message: msg}, nil
	case OpcodeOACK:
		options, err := parseOptions(body)
		if err != nil {
			return nil, err
		}
		return &OptionAck{Options: options}, nil
	}

	return nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformedPacket, uint16(op))
}

func parseRequest(body []byte) (string, string, []Option, error) {
	filename, rest, err := readString(body, "filename")
	if err != nil {
		return "", "", nil, err
	}
	if filename == "" {
		return "", "", nil, fmt.Errorf("%w: empty filename", ErrMalformedPacket)
	}
	mode, rest, err := readString(rest, "mode")
	if err != nil {
		return "", "", nil, err
	}
	if !ValidMode(mode) {
		return "", "", nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
	options, err := parseOptions(rest)
	if err != nil {
		return "", "", nil, err
	}
	return filename, mode, options, nil
}

func parseOptions(body []byte) ([]Option, error) {
	var options []Option
	for len(body) > 0 {
		name, rest, err := readString(body, "option name")
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, fmt.Errorf("%w: empty option name", ErrMalformedPacket)
		}
		value, rest, err := readString(rest, "option value")
		if err != nil {
			return nil, err
		}
		options = append(options, Option{Name: name, Value: value})
		body = rest
	}
	return options, nil
}

// readString splits a NUL-terminated string off the front of b.
func readString(b []byte, field string) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, fmt.Errorf("%w: unterminated %s", ErrMalformedPacket, field)
	}
	return string(b[:i]), b[i+1:], nil
}

// ValidMode reports whether mode names a supported transfer mode,
// ignoring case.
func ValidMode(mode string) bool {
	return strings.EqualFold(mode, ModeOctet) || strings.EqualFold(mode, ModeNetASCII)
}

// IsNetASCII reports whether mode selects netascii translation.
func IsNetASCII(mode string) bool {
	return strings.EqualFold(mode, ModeNetASCII)
}
