package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/file"
	"github.com/opd-ai/tftpd/limits"
	"github.com/opd-ai/tftpd/options"
	"github.com/opd-ai/tftpd/transfer"
	"github.com/opd-ai/tftpd/transport"
)

// Config configures a Client.
type Config struct {
	// Server is the host:port of the well-known endpoint.
	Server string
	// BlockSize and WindowSize are requested from the server when they
	// differ from the RFC 1350 defaults.
	BlockSize  uint16
	WindowSize uint16
	// Timeout is the local retransmission interval. Whole seconds are also
	// requested as the timeout option.
	Timeout    time.Duration
	RetryLimit int
	// Mode is "octet" or "netascii".
	Mode string
	// TransferSize asks the server for the file size on downloads and
	// announces it on uploads.
	TransferSize bool
}

// Client transfers files with one server.
type Client struct {
	cfg    Config
	server *net.UDPAddr
}

// New validates cfg and resolves the server address.
func New(cfg Config) (*Client, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = limits.DefaultBlockSize
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = limits.DefaultWindowSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = limits.DefaultTimeout
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.Mode == "" {
		cfg.Mode = transport.ModeOctet
	}
	if !transport.ValidMode(cfg.Mode) {
		return nil, fmt.Errorf("%w: %q", transport.ErrUnsupportedMode, cfg.Mode)
	}
	if err := limits.ValidateBlockSize(uint64(cfg.BlockSize)); err != nil {
		return nil, err
	}

	server, err := net.ResolveUDPAddr("udp", cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("resolve server: %w", err)
	}
	return &Client{cfg: cfg, server: server}, nil
}

func (c *Client) options() options.TransferOptions {
	return options.TransferOptions{
		BlockSize:       c.cfg.BlockSize,
		WindowSize:      c.cfg.WindowSize,
		Timeout:         c.cfg.Timeout,
		HasTransferSize: c.cfg.TransferSize,
	}
}

// Get downloads remote into w.
func (c *Client) Get(ctx context.Context, remote string, w io.Writer) (transfer.Stats, error) {
	conn, err := transport.ListenUDP(":0")
	if err != nil {
		return transfer.Stats{}, err
	}
	defer conn.Close()

	opts := c.options()
	requested := opts.Request()
	req := &transport.ReadRequest{Filename: remote, Mode: c.cfg.Mode, Options: requested}

	log := logrus.WithFields(logrus.Fields{
		"server": c.server.String(),
		"file":   remote,
		"mode":   c.cfg.Mode,
	})
	log.WithFields(logrus.Fields{
		"function": "Get",
		"options":  len(requested),
	}).Debug("Sending read request")

	reply, peer, err := c.request(ctx, conn, req)
	if err != nil {
		return transfer.Stats{}, err
	}

	params := transfer.Params{
		RetryLimit: c.cfg.RetryLimit,
		PeerOACK:   true,
		Logger:     log,
	}
	switch p := reply.(type) {
	case *transport.OptionAck:
		opts = options.Defaults(c.cfg.Timeout)
		if err := options.Apply(&opts, requested, p.Options); err != nil {
			conn.SendError(transport.ErrCodeOptionNegotiation, "", peer)
			return transfer.Stats{}, err
		}
		params.Initial = &transport.Ack{Block: 0}
	case *transport.Data:
		if p.Block != 1 {
			return transfer.Stats{}, c.unexpected(conn, reply, peer)
		}
		opts = options.Defaults(c.cfg.Timeout)
		params.First = p
	default:
		return transfer.Stats{}, c.unexpected(conn, reply, peer)
	}
	params.Options = opts

	if opts.HasTransferSize {
		log.WithFields(logrus.Fields{
			"function": "Get",
			"tsize":    opts.TransferSize,
		}).Debug("Server announced transfer size")
	}

	var netascii *file.NetASCIIWriter
	if transport.IsNetASCII(c.cfg.Mode) {
		netascii = file.NewNetASCIIWriter(w)
		w = netascii
	}

	stats, err := transfer.NewReceiver(conn, peer, w, params).Run(ctx)
	if err != nil {
		return stats, err
	}
	if netascii != nil {
		if err := netascii.Flush(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Put uploads r as remote. size is announced through tsize when the
// client is configured to do so and size is not negative.
func (c *Client) Put(ctx context.Context, remote string, r io.Reader, size int64) (transfer.Stats, error) {
	conn, err := transport.ListenUDP(":0")
	if err != nil {
		return transfer.Stats{}, err
	}
	defer conn.Close()

	opts := c.options()
	if opts.HasTransferSize && size >= 0 {
		opts.TransferSize = uint64(size)
	} else {
		opts.HasTransferSize = false
	}
	requested := opts.Request()
	req := &transport.WriteRequest{Filename: remote, Mode: c.cfg.Mode, Options: requested}

	log := logrus.WithFields(logrus.Fields{
		"server": c.server.String(),
		"file":   remote,
		"mode":   c.cfg.Mode,
	})
	log.WithFields(logrus.Fields{
		"function": "Put",
		"options":  len(requested),
	}).Debug("Sending write request")

	reply, peer, err := c.request(ctx, conn, req)
	if err != nil {
		return transfer.Stats{}, err
	}

	switch p := reply.(type) {
	case *transport.OptionAck:
		negotiated := options.Defaults(c.cfg.Timeout)
		if err := options.Apply(&negotiated, requested, p.Options); err != nil {
			conn.SendError(transport.ErrCodeOptionNegotiation, "", peer)
			return transfer.Stats{}, err
		}
		opts = negotiated
	case *transport.Ack:
		if p.Block != 0 {
			return transfer.Stats{}, c.unexpected(conn, reply, peer)
		}
		opts = options.Defaults(c.cfg.Timeout)
	default:
		return transfer.Stats{}, c.unexpected(conn, reply, peer)
	}

	if transport.IsNetASCII(c.cfg.Mode) {
		r = file.NetASCIIReader(r)
	}

	return transfer.NewSender(conn, peer, r, transfer.Params{
		Options:    opts,
		RetryLimit: c.cfg.RetryLimit,
		PeerOACK:   true,
		Logger:     log,
	}).Run(ctx)
}

// request sends req to the well-known endpoint until a reply arrives from
// the server host, and returns it with the server's transfer address.
func (c *Client) request(ctx context.Context, conn *transport.Conn, req transport.Packet) (transport.Packet, net.Addr, error) {
	stop := context.AfterFunc(ctx, conn.Interrupt)
	defer stop()

	retries := 0
	for {
		if err := conn.Send(req, c.server); err != nil {
			return nil, nil, err
		}
		deadline := time.Now().Add(c.cfg.Timeout)

		for {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			packet, from, err := conn.Receive(deadline)
			if err != nil && from == nil {
				if !transport.IsTimeout(err) {
					return nil, nil, err
				}
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				break
			}
			udp, ok := from.(*net.UDPAddr)
			if !ok || !udp.IP.Equal(c.server.IP) && !c.server.IP.IsUnspecified() {
				logrus.WithFields(logrus.Fields{
					"function": "request",
					"from":     from.String(),
				}).Debug("Ignoring reply from unexpected host")
				continue
			}
			if err != nil {
				conn.SendError(transport.ErrCodeIllegalOperation, "", from)
				return nil, nil, err
			}
			if e, ok := packet.(*transport.ErrorPacket); ok {
				return nil, nil, &transfer.PeerError{Code: e.Code, Message: e.Message}
			}
			return packet, from, nil
		}

		retries++
		if retries > c.cfg.RetryLimit {
			return nil, nil, fmt.Errorf("%w: no reply from %s", transfer.ErrTimeout, c.server)
		}
		logrus.WithFields(logrus.Fields{
			"function": "request",
			"retry":    retries,
		}).Debug("No reply, resending request")
	}
}

func (c *Client) unexpected(conn *transport.Conn, packet transport.Packet, from net.Addr) error {
	conn.SendError(transport.ErrCodeIllegalOperation, "", from)
	return fmt.Errorf("%w: unexpected %s", transfer.ErrIllegalOperation, packet.Opcode())
}

// IsPeerError reports whether err carries an ERROR packet from the server
// and returns it.
func IsPeerError(err error) (*transfer.PeerError, bool) {
	var peerErr *transfer.PeerError
	if errors.As(err, &peerErr) {
		return peerErr, true
	}
	return nil, false
}
