package socket

import (
	"io"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"vtcp/pkg/segment"
)

// Write sends b to the peer in segments of at most segment.MaxDataLength
// bytes, each retransmitted until acknowledged. It returns the number of
// bytes the peer acknowledged; when the retry budget runs out the count is
// short and the error wraps ErrTimeout. Write panics with a nil buffer or
// unless the socket is ESTABLISHED or WRITE_ONLY.
func (s *Socket) Write(b []byte) (int, error) {
	mustBuffer(b, "write")
	mustState(s.state.Writable(), "write", s.state)

	sent := 0
	for sent < len(b) {
		end := sent + segment.MaxDataLength
		if end > len(b) {
			end = len(b)
		}
		n, err := s.writeChunk(b[sent:end])
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// writeChunk sends one segment worth of data, resending what the peer has
// not acknowledged yet. Progress resets the attempt counter.
func (s *Socket) writeChunk(chunk []byte) (int, error) {
	acked := 0
	for attempt := 1; attempt <= s.policy.Attempts; attempt++ {
		rest := chunk[acked:]
		if err := s.send(segment.ACK, s.localSeq, s.remoteSeq, rest); err != nil {
			return acked, errors.Wrap(err, "write")
		}

		// One extra is tolerated for an ACK that also covers a delayed
		// SYN-ACK.
		first, last := s.localSeq.Add(1), s.localSeq.Add(seqnum.Size(len(rest))+1)
		ok, err := s.await(s.policy.Timeout, func(seg *segment.Segment) bool {
			return seg.Flags.Is(segment.ACK, segment.SYN|segment.FIN) && seg.Ack.InRange(first, last.Add(1))
		}, false)
		if err != nil {
			return acked, errors.Wrap(err, "write")
		}
		if !ok {
			s.log.Debug("retransmitting data", "attempt", attempt, "seq", s.localSeq, "len", len(rest))
			continue
		}

		n := int(s.localSeq.Size(s.in.Ack))
		if n > len(rest) {
			n = len(rest)
		}
		s.localSeq.UpdateForward(seqnum.Size(n))
		acked += n
		if acked == len(chunk) {
			return acked, nil
		}
		attempt = 0
	}

	s.log.Warn("write gave up", "attempts", s.policy.Attempts, "seq", s.localSeq, "remote", s.remoteAddr)
	return acked, errors.Wrap(ErrTimeout, "write")
}

// Read fills b with data from the peer. It returns early once the peer has
// closed, with io.EOF if nothing was read. After the retry budget passes
// without a new segment the count so far is returned with an error wrapping
// ErrTimeout. Read panics with a nil buffer or on a socket that never
// connected.
func (s *Socket) Read(b []byte) (int, error) {
	mustBuffer(b, "read")
	if !s.state.Readable() {
		if s.state == WriteOnly || s.released {
			return 0, io.EOF
		}
		mustState(false, "read", s.state)
	}

	n, misses := 0, 0
	for n < len(b) && s.state.Readable() {
		ok, err := s.await(s.policy.Timeout, s.isData, true)
		if err != nil {
			return n, errors.Wrap(err, "read")
		}
		if !ok {
			if !s.state.Readable() {
				break
			}
			if misses++; misses >= s.policy.Attempts {
				s.log.Warn("read gave up", "attempts", misses, "read", n, "ack", s.remoteSeq)
				return n, errors.Wrap(ErrTimeout, "read")
			}
			continue
		}
		misses = 0
		c, err := s.consume(b[n:])
		n += c
		if err != nil {
			return n, errors.Wrap(err, "read")
		}
	}
	if n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// isData accepts a data segment that is either next in line or a
// retransmission of the last one accepted.
func (s *Socket) isData(seg *segment.Segment) bool {
	return len(seg.Data) > 0 &&
		seg.Flags&(segment.SYN|segment.FIN) == 0 &&
		(seg.Seq == s.remoteSeq || seg.Seq == s.oldRemoteSeq)
}

// consume copies the unseen part of s.in into b and acknowledges exactly the
// bytes taken.
func (s *Socket) consume(b []byte) (int, error) {
	seg := &s.in
	overlap := int(seg.Seq.Size(s.remoteSeq))
	if overlap >= len(seg.Data) {
		s.log.Debug("duplicate segment", "seq", seg.Seq, "ack", s.remoteSeq)
		return 0, s.sendAck()
	}
	c := copy(b, seg.Data[overlap:])
	s.oldRemoteSeq = seg.Seq
	s.remoteSeq.UpdateForward(seqnum.Size(c))
	return c, s.sendAck()
}

// Close sends our FIN. From ESTABLISHED the socket becomes READ_ONLY and may
// keep reading; from WRITE_ONLY it becomes CLOSED. From READ_ONLY Close waits
// up to one retry budget for the peer's FIN and then closes regardless. On a
// CLOSED socket Close returns ErrNotOpen. An unacknowledged FIN still closes
// the local side, with an error wrapping ErrTimeout.
func (s *Socket) Close() error {
	switch s.state {
	case Closed:
		return ErrNotOpen
	case ReadOnly:
		return s.awaitPeerClose()
	}

	fin := s.localSeq.Add(1)
	finAck := func(seg *segment.Segment) bool {
		return seg.Flags.Is(segment.ACK, segment.SYN|segment.FIN) && seg.Ack == fin
	}
	acked := false
	for attempt := 1; attempt <= s.policy.Attempts && !acked; attempt++ {
		if err := s.send(segment.FIN, s.localSeq, s.remoteSeq, nil); err != nil {
			return errors.Wrap(err, "send FIN")
		}
		ok, err := s.await(s.policy.Timeout, finAck, false)
		if err != nil {
			return errors.Wrap(err, "close")
		}
		if !ok {
			s.log.Debug("retransmitting FIN", "attempt", attempt, "seq", s.localSeq)
		}
		acked = ok
	}

	s.localSeq = fin
	s.setState(s.state.afterLocalClose())
	if !acked {
		s.log.Warn("FIN not acknowledged", "attempts", s.policy.Attempts, "state", s.state)
		return errors.Wrap(ErrTimeout, "close")
	}
	return nil
}

func (s *Socket) awaitPeerClose() error {
	never := func(*segment.Segment) bool { return false }
	if _, err := s.await(s.policy.Budget(), never, true); err != nil {
		return errors.Wrap(err, "close")
	}
	if s.state == Closed {
		return nil
	}
	s.log.Warn("peer never closed, closing anyway", "remote", s.remoteAddr)
	s.setState(Closed)
	return errors.Wrap(ErrTimeout, "close")
}
