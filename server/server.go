package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/config"
	"github.com/opd-ai/tftpd/file"
	"github.com/opd-ai/tftpd/options"
	"github.com/opd-ai/tftpd/transfer"
	"github.com/opd-ai/tftpd/transport"
)

var (
	// ErrBind indicates the well-known endpoint could not be bound.
	ErrBind = errors.New("cannot bind listening endpoint")

	// ErrResourceExhausted indicates the session cap was reached. Clients
	// see it as ERROR 3.
	ErrResourceExhausted = errors.New("too many concurrent transfers")
)

// Server accepts requests on the well-known endpoint and runs one transfer
// session per admitted request.
type Server struct {
	cfg      *config.Config
	listener *transport.Listener
	guard    *file.Guard
	caps     options.Caps

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*activeSession
	wg       sync.WaitGroup
	nextID   atomic.Uint64
	once     sync.Once
}

// activeSession is one registry entry.
type activeSession struct {
	id       uint64
	remote   net.Addr
	filename string
	kind     options.RequestKind
	session  *transfer.Session
}

// New validates cfg, builds the file guard and binds the listener. A bind
// failure wraps ErrBind.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	guard, err := file.NewGuard(file.GuardConfig{
		SendDir:    cfg.SendDir,
		ReceiveDir: cfg.ReceiveDir,
		ReadOnly:   cfg.ReadOnly,
		Overwrite:  cfg.Overwrite,
	})
	if err != nil {
		return nil, err
	}

	listener, err := transport.Listen(cfg.ListenAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBind, cfg.ListenAddr(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		listener: listener,
		guard:    guard,
		caps: options.Caps{
			MaxBlockSize:   uint16(cfg.MaxBlockSize),
			MaxWindowSize:  uint16(cfg.MaxWindowSize),
			MaxTimeout:     uint8(cfg.MaxTimeout),
			DefaultTimeout: cfg.DefaultTimeout,
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*activeSession),
	}

	logrus.WithFields(logrus.Fields{
		"function":       "New",
		"address":        listener.Addr().String(),
		"max_blksize":    cfg.MaxBlockSize,
		"max_windowsize": cfg.MaxWindowSize,
		"max_sessions":   cfg.MaxSessions,
		"read_only":      cfg.ReadOnly,
	}).Info("TFTP server created")

	return s, nil
}

// Addr returns the bound well-known address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ActiveSessions returns the number of registered sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SessionInfo describes a registered session.
type SessionInfo struct {
	ID     uint64
	Remote string
	File   string
	Kind   string
	State  string
}

// Sessions returns a snapshot of the registry.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionInfo, 0, len(s.sessions))
	for _, entry := range s.sessions {
		out = append(out, SessionInfo{
			ID:     entry.id,
			Remote: entry.remote.String(),
			File:   entry.filename,
			Kind:   entry.kind.String(),
			State:  entry.session.State().String(),
		})
	}
	return out
}

// Serve accepts requests until ctx is cancelled or Close is called, then
// waits for every session to finish.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.shutdown)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"address":  s.listener.Addr().String(),
	}).Info("Serving requests")

	for {
		req, err := s.listener.Accept()
		if err != nil {
			if req != nil {
				s.rejectUndecodable(req, err)
				continue
			}
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				logrus.WithFields(logrus.Fields{
					"function": "Serve",
				}).Info("Server stopped")
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Warn("Receive on listener failed")
			continue
		}

		s.admit(req)
	}
}

// Close stops accepting requests, aborts every session with ERROR 0
// "shutting down" and waits for them.
func (s *Server) Close() error {
	s.shutdown()
	s.wg.Wait()
	return nil
}

func (s *Server) shutdown() {
	s.once.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "shutdown",
			"sessions": s.ActiveSessions(),
		}).Info("Shutting down server")
		// Cancelling under mu orders shutdown against admit's registration,
		// so every session either sees the cancellation or is counted
		// before Close waits.
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
		_ = s.listener.Close()
	})
}

func (s *Server) rejectUndecodable(req *transport.Request, err error) {
	message := ""
	if errors.Is(err, transport.ErrUnsupportedMode) {
		message = "unsupported mode"
	}
	logrus.WithFields(logrus.Fields{
		"function": "rejectUndecodable",
		"from":     req.Source.String(),
		"error":    err.Error(),
	}).Debug("Rejecting undecodable request")
	s.listener.SendError(transport.ErrCodeIllegalOperation, message, req.Source)
}

// admit validates a request and, when it is acceptable, starts its session.
// It runs on the accept loop only, so the registry check and insert cannot
// interleave with another admission.
func (s *Server) admit(req *transport.Request) {
	var (
		kind      options.RequestKind
		filename  string
		mode      string
		requested []transport.Option
	)
	switch p := req.Packet.(type) {
	case *transport.ReadRequest:
		kind, filename, mode, requested = options.Read, p.Filename, p.Mode, p.Options
	case *transport.WriteRequest:
		kind, filename, mode, requested = options.Write, p.Filename, p.Mode, p.Options
	default:
		logrus.WithFields(logrus.Fields{
			"function": "admit",
			"from":     req.Source.String(),
			"opcode":   req.Packet.Opcode().String(),
		}).Debug("Non-request packet on listening endpoint")
		s.listener.SendError(transport.ErrCodeIllegalOperation, "", req.Source)
		return
	}

	fields := logrus.Fields{
		"function": "admit",
		"from":     req.Source.String(),
		"kind":     kind.String(),
		"file":     filename,
		"mode":     mode,
	}
	key := req.Source.String()

	s.mu.Lock()
	_, live := s.sessions[key]
	count := len(s.sessions)
	s.mu.Unlock()

	if live {
		logrus.WithFields(fields).Debug("Dropping retransmitted request")
		return
	}
	if s.cfg.MaxSessions > 0 && count >= s.cfg.MaxSessions {
		s.refuse(req, fields, transport.ErrCodeDiskFull, ErrResourceExhausted)
		return
	}
	if kind == options.Write && s.guard.ReadOnly() {
		logrus.WithFields(fields).Info("Write request refused on read-only server")
		s.listener.SendError(transport.ErrCodeAccessViolation, "", req.Source)
		return
	}

	var (
		f        *os.File
		path     string
		fileSize int64 = -1
		err      error
	)
	if kind == options.Read {
		f, fileSize, err = s.guard.OpenRead(filename)
		if err != nil {
			s.refuse(req, fields, file.ErrorCodeFor(err), err)
			return
		}
	}

	res, err := options.Negotiate(requested, s.caps, options.Request{Kind: kind, FileSize: fileSize})
	if err != nil {
		closeFile(f)
		s.refuse(req, fields, transport.ErrCodeOptionNegotiation, err)
		return
	}

	if kind == options.Write {
		if res.Options.HasTransferSize {
			if err := file.CheckSpace(s.guard.ReceiveRoot(), res.Options.TransferSize); err != nil {
				s.refuse(req, fields, transport.ErrCodeDiskFull, err)
				return
			}
		}
		f, path, err = s.guard.OpenWrite(filename)
		if err != nil {
			s.refuse(req, fields, file.ErrorCodeFor(err), err)
			return
		}
	}

	conn, err := transport.ListenUDP(transport.EphemeralAddr(req.LocalIP))
	if err != nil {
		closeFile(f)
		if path != "" {
			_ = os.Remove(path)
		}
		s.refuse(req, fields, transport.ErrCodeNotDefined, err)
		return
	}
	conn.SetDuplicates(s.cfg.DuplicatePackets)

	entry := &activeSession{
		id:       s.nextID.Add(1),
		remote:   req.Source,
		filename: filename,
		kind:     kind,
	}
	log := logrus.WithFields(logrus.Fields{
		"session": entry.id,
		"file":    filename,
		"mode":    strings.ToLower(mode),
	})

	params := transfer.Params{
		Options:    res.Options,
		RetryLimit: s.cfg.RetryLimit,
		WindowWait: s.cfg.WindowWait,
		Logger:     log,
	}
	switch {
	case res.Negotiated:
		params.Initial = &transport.OptionAck{Options: res.OACK}
	case kind == options.Write:
		params.Initial = &transport.Ack{Block: 0}
	}

	checksum := file.NewChecksum()
	var netascii *file.NetASCIIWriter
	if kind == options.Read {
		var r io.Reader = checksum.Reader(f)
		if transport.IsNetASCII(mode) {
			r = file.NetASCIIReader(r)
		}
		entry.session = transfer.NewSender(conn, req.Source, r, params)
	} else {
		w := checksum.Writer(f)
		if transport.IsNetASCII(mode) {
			netascii = file.NewNetASCIIWriter(w)
			w = netascii
		}
		entry.session = transfer.NewReceiver(conn, req.Source, w, params)
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		closeFile(f)
		if path != "" {
			_ = os.Remove(path)
		}
		logrus.WithFields(fields).Debug("Server shutting down, request dropped")
		return
	}
	s.sessions[key] = entry
	s.wg.Add(1)
	s.mu.Unlock()

	fields["session"] = entry.id
	fields["endpoint"] = conn.LocalAddr().String()
	fields["negotiated"] = res.Negotiated
	logrus.WithFields(fields).Info("Transfer admitted")

	go s.run(key, entry, conn, f, path, netascii, checksum, res.Options, log)
}

// refuse answers a request that will not get a session.
func (s *Server) refuse(req *transport.Request, fields logrus.Fields, code transport.ErrorCode, err error) {
	fields["code"] = uint16(code)
	fields["error"] = err.Error()
	logrus.WithFields(fields).Info("Request refused")

	message := ""
	if code == transport.ErrCodeNotDefined {
		message = err.Error()
	}
	s.listener.SendError(code, message, req.Source)
}

// run drives one session and reclaims its resources.
func (s *Server) run(key string, entry *activeSession, conn *transport.Conn, f *os.File, path string,
	netascii *file.NetASCIIWriter, checksum *file.Checksum, opts options.TransferOptions, log *logrus.Entry,
) {
	defer s.wg.Done()
	defer s.remove(key, entry)
	defer conn.Close()

	stats, err := entry.session.Run(s.ctx)

	if netascii != nil && err == nil {
		if ferr := netascii.Flush(); ferr != nil {
			err = ferr
		}
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}

	fields := logrus.Fields{
		"function":    "run",
		"state":       entry.session.State().String(),
		"bytes":       stats.Bytes,
		"blocks":      stats.Blocks,
		"retransmits": stats.Retransmits,
		"duration":    stats.Duration.String(),
		"blake2b":     checksum.Sum(),
	}

	if err != nil {
		fields["error"] = err.Error()
		if entry.kind == options.Write && s.cfg.CleanOnError {
			if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				log.WithFields(logrus.Fields{
					"function": "run",
					"path":     path,
					"error":    rerr.Error(),
				}).Error("Failed to remove partial upload")
			} else {
				fields["removed"] = path
			}
		}
		log.WithFields(fields).Warn("Transfer failed")
		return
	}

	if entry.kind == options.Write && opts.HasTransferSize && opts.TransferSize != stats.Bytes {
		log.WithFields(logrus.Fields{
			"function":  "run",
			"announced": opts.TransferSize,
			"received":  stats.Bytes,
		}).Warn("Upload size differs from announced tsize")
	}
	log.WithFields(fields).Info("Transfer complete")
}

func (s *Server) remove(key string, entry *activeSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[key] == entry {
		delete(s.sessions, key)
	}
}

func closeFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
