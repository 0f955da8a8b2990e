package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/file"
	"github.com/opd-ai/tftpd/transport"
)

// outbound is one DATA block waiting for acknowledgment.
type outbound struct {
	data *transport.Data
	sent bool
}

func (s *Session) runSend(ctx context.Context) error {
	s.setState(StateNegotiating)
	if s.params.Initial != nil {
		if err := s.awaitAckZero(ctx); err != nil {
			return err
		}
	}
	s.setState(StateTransferring)

	blockSize := int(s.params.Options.BlockSize)
	windowSize := int(s.params.Options.WindowSize)
	reader := file.NewBlockReader(s.reader, blockSize)

	var window []*outbound
	next := uint16(1)
	progressed := false

	fill := func() error {
		for len(window) < windowSize && !reader.Done() {
			payload, _, err := reader.Next()
			if err != nil {
				return &StreamError{Err: err}
			}
			window = append(window, &outbound{data: &transport.Data{Block: next, Payload: payload}})
			next++
		}
		return nil
	}

	if err := fill(); err != nil {
		return err
	}
	if err := s.sendWindow(ctx, window); err != nil {
		return err
	}
	deadline := s.deadline()

	for {
		packet, err := s.await(ctx, deadline)
		if errors.Is(err, errDeadline) {
			if err := s.retry(); err != nil {
				return err
			}
			if err := s.sendWindow(ctx, window); err != nil {
				return err
			}
			deadline = s.deadline()
			continue
		}
		if err != nil {
			return err
		}

		switch p := packet.(type) {
		case *transport.Ack:
			// Block numbers wrap, so the distance from the window base is
			// taken modulo 65536.
			acked := int(p.Block-window[0].data.Block) + 1
			if acked < 1 || acked > len(window) {
				s.log.WithFields(logrus.Fields{
					"function": "runSend",
					"ack":      p.Block,
					"base":     window[0].data.Block,
				}).Debug("Ignoring stale or out-of-window ACK")
				continue
			}

			for _, ob := range window[:acked] {
				s.stats.Blocks++
				s.stats.Bytes += uint64(len(ob.data.Payload))
			}
			window = window[acked:]
			s.retries = 0
			progressed = true

			if len(window) == 0 && reader.Done() {
				s.setState(StateCompleting)
				return nil
			}
			if err := fill(); err != nil {
				return err
			}
			if err := s.sendWindow(ctx, window); err != nil {
				return err
			}
			deadline = s.deadline()

		case *transport.OptionAck:
			if s.params.PeerOACK && !progressed {
				continue
			}
			return unexpected(packet)

		default:
			return unexpected(packet)
		}
	}
}

// awaitAckZero sends the initial packet and waits for ACK 0.
func (s *Session) awaitAckZero(ctx context.Context) error {
	if err := s.send(s.params.Initial); err != nil {
		return err
	}
	deadline := s.deadline()

	for {
		packet, err := s.await(ctx, deadline)
		if errors.Is(err, errDeadline) {
			if err := s.retry(); err != nil {
				return err
			}
			s.stats.Retransmits++
			if err := s.send(s.params.Initial); err != nil {
				return err
			}
			deadline = s.deadline()
			continue
		}
		if err != nil {
			return err
		}

		ack, ok := packet.(*transport.Ack)
		if !ok {
			return unexpected(packet)
		}
		if ack.Block == 0 {
			s.retries = 0
			return nil
		}
		s.log.WithFields(logrus.Fields{
			"function": "awaitAckZero",
			"ack":      ack.Block,
		}).Debug("Ignoring ACK before handshake completed")
	}
}

// sendWindow transmits every block of the window, pausing WindowWait
// between consecutive packets.
func (s *Session) sendWindow(ctx context.Context, window []*outbound) error {
	for i, ob := range window {
		if i > 0 && s.params.WindowWait > 0 {
			t := time.NewTimer(s.params.WindowWait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ErrShutdown
			case <-t.C:
			}
		}
		if ob.sent {
			s.stats.Retransmits++
		}
		if err := s.send(ob.data); err != nil {
			return err
		}
		ob.sent = true
	}
	return nil
}
