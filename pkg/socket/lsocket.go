package socket

import (
	"net/netip"

	"github.com/pkg/errors"

	"vtcp/pkg/segment"
)

// Accept waits for a peer to open a connection to the local port and
// completes the handshake. It blocks until a SYN arrives. When the final ACK
// is never seen, the policy's HandshakeRecovery decides between listening
// again and returning ErrTimeout. Accept panics unless the socket is CLOSED
// and unused.
func (s *Socket) Accept() error {
	mustState(s.state == Closed && !s.released, "accept", s.state)

	for {
		done, err := s.acceptOnce()
		if err != nil || done {
			return err
		}
		s.forgetPeer()
		if s.policy.Handshake == GiveUp {
			return errors.Wrap(ErrTimeout, "accept")
		}
		s.log.Debug("handshake incomplete, listening again")
	}
}

func (s *Socket) acceptOnce() (bool, error) {
	syn := func(seg *segment.Segment) bool {
		return seg.Flags.Is(segment.SYN, segment.ACK|segment.FIN)
	}
	if _, err := s.await(0, syn, false); err != nil {
		return false, errors.Wrap(err, "accept")
	}

	s.setPeer(s.pkt.Source, s.in.FromPort)
	s.remoteSeq = s.in.Seq.Add(1)
	s.oldRemoteSeq = s.remoteSeq
	s.localSeq = s.isn()
	log := s.log.With("remote", netip.AddrPortFrom(s.remoteAddr, s.remotePort).String())
	log.Debug("received SYN", "seq", s.in.Seq)

	// A data segment acknowledging our SYN also completes the handshake; it
	// is retransmitted by the peer once we are established.
	ack := func(seg *segment.Segment) bool {
		return seg.Flags.Is(segment.ACK, segment.SYN|segment.FIN) && seg.Ack == s.localSeq.Add(1)
	}

	for attempt := 1; attempt <= s.policy.Attempts; attempt++ {
		if err := s.send(segment.SYN|segment.ACK, s.localSeq, s.remoteSeq, nil); err != nil {
			return false, errors.Wrap(err, "send SYN-ACK")
		}
		ok, err := s.await(s.policy.Timeout, ack, false)
		if err != nil {
			return false, errors.Wrap(err, "accept")
		}
		if ok {
			s.localSeq.UpdateForward(1)
			s.remoteEstablished = true
			s.setState(Established)
			log.Debug("accepted", "seq", s.localSeq, "ack", s.remoteSeq)
			return true, nil
		}
		log.Debug("retransmitting SYN-ACK", "attempt", attempt, "seq", s.localSeq)
	}

	log.Warn("handshake not completed", "attempts", s.policy.Attempts, "recovery", s.policy.Handshake)
	return false, nil
}
