package socket

import (
	"net/netip"

	"github.com/pkg/errors"

	"vtcp/pkg/ipstack"
	"vtcp/pkg/segment"
)

// Connect performs the active open towards dst:port. It fails with an error
// wrapping ErrInvalidState unless the socket is CLOSED and unused, and with
// ErrTimeout when no SYN-ACK arrives within the retry budget; the socket then
// stays CLOSED.
func (s *Socket) Connect(dst netip.Addr, port uint16) error {
	if s.state != Closed || s.released {
		return errors.Wrapf(ErrInvalidState, "connect in state %s", s.state)
	}
	if _, ok := ipstack.Suffix(dst); !ok || port == 0 {
		return errors.Wrapf(ipstack.ErrInvalidAddress, "connect to %s:%d", dst, port)
	}

	s.setPeer(dst, port)
	s.localSeq = s.isn()
	log := s.log.With("remote", netip.AddrPortFrom(dst, port).String())

	// Our SYN may have been retransmitted, so the SYN-ACK acknowledges
	// either the SYN itself or nothing yet.
	synAck := func(seg *segment.Segment) bool {
		return seg.Flags.Is(segment.SYN|segment.ACK, segment.FIN) &&
			seg.Ack.InRange(s.localSeq, s.localSeq.Add(2))
	}

	for attempt := 1; attempt <= s.policy.Attempts; attempt++ {
		if err := s.send(segment.SYN, s.localSeq, 0, nil); err != nil {
			s.forgetPeer()
			return errors.Wrap(err, "send SYN")
		}
		ok, err := s.await(s.policy.Timeout, synAck, false)
		if err != nil {
			s.forgetPeer()
			return errors.Wrap(err, "connect")
		}
		if !ok {
			log.Debug("retransmitting SYN", "attempt", attempt, "seq", s.localSeq)
			continue
		}

		s.localSeq.UpdateForward(1)
		s.remoteSeq = s.in.Seq.Add(1)
		s.oldRemoteSeq = s.remoteSeq
		// The final ACK is not retried: a peer that misses it repeats its
		// SYN-ACK and gets acknowledged again.
		if err := s.sendAck(); err != nil {
			s.forgetPeer()
			return errors.Wrap(err, "send ACK")
		}
		s.setState(Established)
		log.Debug("connected", "seq", s.localSeq, "ack", s.remoteSeq)
		return nil
	}

	log.Warn("connect gave up", "attempts", s.policy.Attempts)
	s.forgetPeer()
	return errors.Wrapf(ErrTimeout, "connect to %s:%d", dst, port)
}
