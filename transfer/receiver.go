package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/transport"
)

func (s *Session) runReceive(ctx context.Context) error {
	s.setState(StateNegotiating)

	blockSize := int(s.params.Options.BlockSize)
	windowSize := int(s.params.Options.WindowSize)

	expected := uint16(1)
	sinceAck := 0
	gapAcked := false
	var lastSent transport.Packet

	if s.params.Initial != nil {
		lastSent = s.params.Initial
		if err := s.send(lastSent); err != nil {
			return err
		}
	}
	pending := s.params.First
	deadline := s.deadline()

	for {
		var packet transport.Packet
		if pending != nil {
			packet, pending = pending, nil
		} else {
			var err error
			packet, err = s.await(ctx, deadline)
			if errors.Is(err, errDeadline) {
				if err := s.retry(); err != nil {
					return err
				}
				if s.stats.Blocks > 0 {
					lastSent = &transport.Ack{Block: expected - 1}
					sinceAck = 0
				}
				if lastSent != nil {
					s.stats.Retransmits++
					if err := s.send(lastSent); err != nil {
						return err
					}
				}
				deadline = s.deadline()
				continue
			}
			if err != nil {
				return err
			}
		}

		switch p := packet.(type) {
		case *transport.Data:
			if len(p.Payload) > blockSize {
				return fmt.Errorf("%w: block %d carries %d bytes, blksize is %d",
					ErrIllegalOperation, p.Block, len(p.Payload), blockSize)
			}

			if p.Block != expected {
				// A gap or a duplicate: re-acknowledge the highest
				// contiguous block once so the sender can resume from it.
				if !gapAcked {
					ack := &transport.Ack{Block: expected - 1}
					if s.stats.Blocks == 0 && s.params.Initial != nil {
						lastSent = s.params.Initial
					} else {
						lastSent = ack
					}
					s.log.WithFields(logrus.Fields{
						"function": "runReceive",
						"block":    p.Block,
						"expected": expected,
					}).Debug("Out-of-order DATA, re-acknowledging")
					s.stats.Retransmits++
					if err := s.send(lastSent); err != nil {
						return err
					}
					sinceAck = 0
					gapAcked = true
				}
				continue
			}

			if _, err := s.writer.Write(p.Payload); err != nil {
				return &StreamError{Err: err}
			}
			s.setState(StateTransferring)
			s.stats.Blocks++
			s.stats.Bytes += uint64(len(p.Payload))
			expected++
			sinceAck++
			gapAcked = false
			s.retries = 0

			last := len(p.Payload) < blockSize
			if last {
				s.setState(StateCompleting)
			}
			if last || sinceAck >= windowSize {
				lastSent = &transport.Ack{Block: p.Block}
				if err := s.send(lastSent); err != nil {
					return err
				}
				sinceAck = 0
			}
			deadline = s.deadline()

			if last {
				s.dally(ctx, p.Block, lastSent)
				return nil
			}

		case *transport.OptionAck:
			if s.params.PeerOACK && s.stats.Blocks == 0 {
				if lastSent != nil {
					if err := s.send(lastSent); err != nil {
						return err
					}
				}
				continue
			}
			return unexpected(packet)

		default:
			return unexpected(packet)
		}
	}
}

// dally stays on the endpoint for one timeout after the final ACK so a
// retransmitted final DATA, sent because that ACK was lost, is answered.
func (s *Session) dally(ctx context.Context, final uint16, ack transport.Packet) {
	deadline := s.deadline()
	for {
		packet, err := s.await(ctx, deadline)
		if err != nil {
			return
		}
		if d, ok := packet.(*transport.Data); ok && d.Block == final {
			s.stats.Retransmits++
			if err := s.send(ack); err != nil {
				return
			}
		}
	}
}
