package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/file"
	"github.com/opd-ai/tftpd/limits"
	"github.com/opd-ai/tftpd/options"
	"github.com/opd-ai/tftpd/transport"
)

// Direction tells which way the blocks flow from the session's point of view.
type Direction uint8

const (
	// Send reads the local stream and emits DATA.
	Send Direction = iota
	// Receive accepts DATA and writes the local stream.
	Receive
)

// String returns "send" or "receive".
func (d Direction) String() string {
	if d == Receive {
		return "receive"
	}
	return "send"
}

// TimeProvider abstracts the clock a session derives its timers and
// statistics from.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Params configures a session.
type Params struct {
	Options options.TransferOptions

	// Initial is sent before the first block exchange and retransmitted
	// until the peer answers: an OACK, or ACK 0 for an unnegotiated write.
	Initial transport.Packet

	// First is a DATA packet already received by the caller, processed
	// before anything is read from the endpoint.
	First *transport.Data

	// PeerOACK tolerates retransmitted OACKs from the peer until the first
	// block has been exchanged. Clients set it.
	PeerOACK bool

	RetryLimit int
	WindowWait time.Duration
	Logger     *logrus.Entry

	// TimeProvider defaults to DefaultTimeProvider.
	TimeProvider TimeProvider
}

// Stats summarizes a finished session.
type Stats struct {
	Blocks      uint64
	Bytes       uint64
	Retransmits uint64
	Duration    time.Duration
}

// Session drives one transfer over a dedicated endpoint. It owns the
// endpoint for its lifetime but does not close it.
type Session struct {
	conn      *transport.Conn
	remote    net.Addr
	direction Direction
	reader    io.Reader
	writer    io.Writer
	params    Params
	log       *logrus.Entry

	state   atomic.Int32
	retries int
	stats   Stats
}

// NewSender creates a session that sends r to remote.
func NewSender(conn *transport.Conn, remote net.Addr, r io.Reader, p Params) *Session {
	s := newSession(conn, remote, Send, p)
	s.reader = r
	return s
}

// NewReceiver creates a session that writes what remote sends into w.
func NewReceiver(conn *transport.Conn, remote net.Addr, w io.Writer, p Params) *Session {
	s := newSession(conn, remote, Receive, p)
	s.writer = w
	return s
}

func newSession(conn *transport.Conn, remote net.Addr, dir Direction, p Params) *Session {
	if p.Options.BlockSize == 0 {
		p.Options.BlockSize = limits.DefaultBlockSize
	}
	if p.Options.WindowSize == 0 {
		p.Options.WindowSize = limits.DefaultWindowSize
	}
	if p.Options.Timeout <= 0 {
		p.Options.Timeout = limits.DefaultTimeout
	}
	if p.RetryLimit < 0 {
		p.RetryLimit = 0
	}
	if p.TimeProvider == nil {
		p.TimeProvider = DefaultTimeProvider{}
	}
	if p.Logger == nil {
		p.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Session{
		conn:      conn,
		remote:    remote,
		direction: dir,
		params:    p,
		log: p.Logger.WithFields(logrus.Fields{
			"remote":    remote.String(),
			"direction": dir.String(),
		}),
	}
}

// State returns the current state. Safe for concurrent use.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.WithFields(logrus.Fields{
			"function": "setState",
			"from":     old.String(),
			"to":       st.String(),
		}).Debug("Session state changed")
	}
}

// Run drives the session until it completes, times out or aborts. On a
// local failure it sends one ERROR to the peer before returning. Cancelling
// ctx aborts the session with ERROR 0 "shutting down".
func (s *Session) Run(ctx context.Context) (Stats, error) {
	start := s.params.TimeProvider.Now()

	stop := context.AfterFunc(ctx, s.conn.Interrupt)
	defer stop()

	s.log.WithFields(logrus.Fields{
		"function":   "Run",
		"blksize":    s.params.Options.BlockSize,
		"windowsize": s.params.Options.WindowSize,
		"timeout":    s.params.Options.Timeout,
	}).Debug("Transfer session started")

	var err error
	if s.direction == Send {
		err = s.runSend(ctx)
	} else {
		err = s.runReceive(ctx)
	}

	s.stats.Duration = s.params.TimeProvider.Since(start)
	s.finish(err)
	return s.stats, err
}

// finish records the terminal state and sends the closing ERROR if one is
// owed to the peer.
func (s *Session) finish(err error) {
	fields := logrus.Fields{
		"function":    "finish",
		"bytes":       s.stats.Bytes,
		"blocks":      s.stats.Blocks,
		"retransmits": s.stats.Retransmits,
		"duration":    s.stats.Duration,
	}

	var peerErr *PeerError
	switch {
	case err == nil:
		s.setState(StateDone)
		s.log.WithFields(fields).Debug("Transfer session done")
		return
	case errors.Is(err, ErrTimeout):
		s.setState(StateTimedOut)
		s.log.WithFields(fields).Warn("Transfer timed out")
		return
	case errors.As(err, &peerErr):
		s.setState(StateAborted)
		fields["error"] = err.Error()
		s.log.WithFields(fields).Warn("Transfer aborted by peer")
		return
	}

	s.setState(StateAborted)
	code, message := errorPacketFor(err)
	s.conn.SendError(code, message, s.remote)

	fields["error"] = err.Error()
	fields["code"] = uint16(code)
	s.log.WithFields(fields).Warn("Transfer aborted")
}

// errorPacketFor chooses the ERROR sent for a local failure.
func errorPacketFor(err error) (transport.ErrorCode, string) {
	switch {
	case errors.Is(err, ErrShutdown):
		return transport.ErrCodeNotDefined, ErrShutdown.Error()
	case errors.Is(err, transport.ErrMalformedPacket),
		errors.Is(err, transport.ErrUnsupportedMode),
		errors.Is(err, ErrIllegalOperation):
		return transport.ErrCodeIllegalOperation, ""
	case errors.Is(err, options.ErrNegotiationFailed):
		return transport.ErrCodeOptionNegotiation, ""
	case file.IsDiskFull(err):
		return transport.ErrCodeDiskFull, ""
	}
	return transport.ErrCodeNotDefined, err.Error()
}

// await returns the next packet from the peer. Packets from any other
// address are answered with ERROR 5 and skipped.
func (s *Session) await(ctx context.Context, deadline time.Time) (transport.Packet, error) {
	for {
		if ctx.Err() != nil {
			return nil, ErrShutdown
		}

		packet, addr, err := s.conn.Receive(deadline)
		if err != nil && addr == nil {
			if transport.IsTimeout(err) {
				if ctx.Err() != nil {
					return nil, ErrShutdown
				}
				if s.params.TimeProvider.Now().Before(deadline) {
					continue
				}
				return nil, errDeadline
			}
			return nil, err
		}

		if !transport.SameAddr(addr, s.remote) {
			s.rejectStranger(addr)
			continue
		}
		if err != nil {
			return nil, err
		}
		return packet, nil
	}
}

func (s *Session) rejectStranger(addr net.Addr) {
	s.log.WithFields(logrus.Fields{
		"function": "rejectStranger",
		"from":     addr.String(),
		"error":    ErrUnknownTransferID.Error(),
	}).Warn("Packet from unknown transfer ID")
	s.conn.SendError(transport.ErrCodeUnknownTransferID, "", addr)
}

// retry counts one expired timer and fails once the limit is exceeded.
func (s *Session) retry() error {
	s.retries++
	if s.retries > s.params.RetryLimit {
		return fmt.Errorf("%w after %d retries", ErrTimeout, s.params.RetryLimit)
	}
	s.log.WithFields(logrus.Fields{
		"function": "retry",
		"retry":    s.retries,
		"limit":    s.params.RetryLimit,
	}).Debug("Timer expired, retransmitting")
	return nil
}

func (s *Session) send(packet transport.Packet) error {
	return s.conn.Send(packet, s.remote)
}

func (s *Session) deadline() time.Time {
	return s.params.TimeProvider.Now().Add(s.params.Options.Timeout)
}

// unexpected classifies a packet the current state cannot use.
func unexpected(packet transport.Packet) error {
	if e, ok := packet.(*transport.ErrorPacket); ok {
		return &PeerError{Code: e.Code, Message: e.Message}
	}
	return fmt.Errorf("%w: unexpected %s", ErrIllegalOperation, packet.Opcode())
}
