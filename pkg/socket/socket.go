// Package socket implements one end of a stop-and-wait TCP connection over an
// unreliable virtual IP layer.
package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"

	"vtcp/pkg/ipstack"
	"vtcp/pkg/segment"
)

// Config holds what a Socket borrows from the stack that created it.
type Config struct {
	IP        ipstack.IP
	LocalPort uint16
	Policy    RetryPolicy
	// ISN returns the initial sequence number of a new connection.
	ISN func() seqnum.Value
	// Release is called once with the local port when the socket reaches
	// its final CLOSED state.
	Release func(port uint16)
	Log     *slog.Logger
}

// Socket is one end of a connection. A Socket must be driven by a single
// goroutine; distinct sockets may run concurrently. State, RemoteAddr,
// RemotePort and String may be called from any goroutine.
type Socket struct {
	ip      ipstack.IP
	policy  RetryPolicy
	isn     func() seqnum.Value
	release func(port uint16)
	log     *slog.Logger

	localAddr netip.Addr
	localPort uint16

	// mu lets other goroutines read the state and peer while the socket is
	// busy. Only the goroutine driving the socket writes them.
	mu         sync.Mutex
	state      State
	remoteAddr netip.Addr
	remotePort uint16

	// localSeq is the next byte we send, remoteSeq the next byte we expect.
	localSeq  seqnum.Value
	remoteSeq seqnum.Value
	// oldRemoteSeq is the sequence number of the last segment accepted from
	// the peer, so its retransmissions can still be recognised.
	oldRemoteSeq seqnum.Value
	// remoteEstablished is set once the peer has sent anything after the
	// handshake; until then a repeated SYN-ACK means our ACK was lost.
	remoteEstablished bool
	released          bool

	packetID uint16
	sendBuf  []byte
	out      ipstack.Packet
	pkt      ipstack.Packet
	in       segment.Segment
}

func New(cfg Config) *Socket {
	if cfg.ISN == nil {
		cfg.ISN = func() seqnum.Value { return 0 }
	}
	if cfg.Release == nil {
		cfg.Release = func(uint16) {}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &Socket{
		ip:        cfg.IP,
		policy:    cfg.Policy.withDefaults(),
		isn:       cfg.ISN,
		release:   cfg.Release,
		localAddr: cfg.IP.LocalAddress(),
		localPort: cfg.LocalPort,
		sendBuf:   make([]byte, segment.MaxLength),
		pkt:       ipstack.Packet{Data: make([]byte, ipstack.MaxPacketSize)},
		in:        segment.Segment{Data: make([]byte, 0, segment.MaxDataLength)},
	}
	s.log = cfg.Log.With("local_port", cfg.LocalPort)
	return s
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) RemoteAddr() netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr
}

func (s *Socket) RemotePort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotePort
}

func (s *Socket) LocalAddr() netip.Addr { return s.localAddr }
func (s *Socket) LocalPort() uint16     { return s.localPort }

// LocalSeq and RemoteSeq belong to the goroutine driving the socket.
func (s *Socket) LocalSeq() seqnum.Value  { return s.localSeq }
func (s *Socket) RemoteSeq() seqnum.Value { return s.remoteSeq }
func (s *Socket) Policy() RetryPolicy     { return s.policy }

func (s *Socket) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	remote := "-"
	if s.remoteAddr.IsValid() {
		remote = netip.AddrPortFrom(s.remoteAddr, s.remotePort).String()
	}
	return fmt.Sprintf("%s:%d -> %s %s", s.localAddr, s.localPort, remote, s.state)
}

// setState moves to next. Reaching CLOSED from any other state gives the port
// back and makes the socket inert.
func (s *Socket) setState(next State) {
	if next == s.state {
		return
	}
	s.log.Debug("state transition", "from", s.state, "to", next, "remote", s.remoteAddr)
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	if next == Closed {
		s.finish()
	}
}

// finish releases the port the first time it is called.
func (s *Socket) finish() {
	if s.released {
		return
	}
	s.released = true
	s.forgetPeer()
	s.release(s.localPort)
}

// Abort drops the socket without telling the peer: it enters CLOSED and gives
// its port back, whether or not it ever connected. Aborting a socket that
// already finished does nothing.
func (s *Socket) Abort() {
	if s.released {
		return
	}
	s.log.Debug("aborting socket", "state", s.state, "remote", s.remoteAddr)
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	s.finish()
}

func (s *Socket) setPeer(addr netip.Addr, port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteAddr = addr
	s.remotePort = port
}

func (s *Socket) forgetPeer() {
	s.setPeer(netip.Addr{}, 0)
	s.remoteEstablished = false
}

// send transmits one segment to the peer. PSH is set on every segment.
func (s *Socket) send(flags segment.Flags, seq, ack seqnum.Value, data []byte) error {
	seg := segment.Segment{
		FromPort: s.localPort,
		ToPort:   s.remotePort,
		Seq:      seq,
		Ack:      ack,
		Flags:    flags | segment.PSH,
		Window:   segment.WindowSize,
		Data:     data,
	}
	n, err := segment.Encode(s.sendBuf, &seg)
	if err != nil {
		return err
	}
	seg.Checksum = segment.Seal(s.localAddr, s.remoteAddr, s.sendBuf[:n])

	s.packetID++
	s.out = ipstack.Packet{
		Source:      s.localAddr,
		Destination: s.remoteAddr,
		Protocol:    segment.Protocol,
		ID:          s.packetID,
		Data:        s.sendBuf,
		Length:      n,
	}
	if _, err := s.ip.Send(&s.out); err != nil {
		return err
	}
	s.log.Debug("sent segment", "remote", s.remoteAddr, "seg", &seg)
	return nil
}

func (s *Socket) sendAck() error {
	return s.send(segment.ACK, s.localSeq, s.remoteSeq, nil)
}

// receive blocks until a segment for this socket arrives in s.in or ctx is
// done. Foreign, corrupt and misaddressed packets are dropped.
func (s *Socket) receive(ctx context.Context) error {
	for {
		if err := s.ip.Receive(ctx, &s.pkt); err != nil {
			return err
		}
		if s.pkt.Protocol != segment.Protocol {
			s.log.Debug("dropping packet of other protocol", "protocol", s.pkt.Protocol)
			continue
		}
		b := s.pkt.Data[:s.pkt.Length]
		if !segment.Valid(s.pkt.Source, s.localAddr, b) {
			s.log.Debug("dropping corrupt segment", "from", s.pkt.Source, "len", len(b))
			continue
		}
		if err := segment.Decode(b, len(b), &s.in); err != nil {
			s.log.Debug("dropping undecodable segment", "err", err)
			continue
		}
		if s.in.ToPort != s.localPort {
			s.log.Debug("dropping segment for other port", "port", s.in.ToPort)
			continue
		}
		if s.remoteAddr.IsValid() && s.pkt.Source != s.remoteAddr {
			s.log.Debug("dropping segment from other host", "from", s.pkt.Source)
			continue
		}
		if s.remotePort != 0 && s.in.FromPort != s.remotePort {
			s.log.Debug("dropping segment from other port", "from_port", s.in.FromPort)
			continue
		}
		return nil
	}
}

// await waits up to timeout for a segment accepted by match, leaving it in
// s.in. Control segments that race with the wait are answered on the way.
// With stopOnPeerClose the wait also ends once the peer's FIN was handled.
// A zero timeout waits forever. It reports false when nothing matched.
func (s *Socket) await(timeout time.Duration, match func(*segment.Segment) bool, stopOnPeerClose bool) (bool, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		if err := s.receive(ctx); err != nil {
			if ipstack.IsTimeout(err) {
				return false, nil
			}
			return false, err
		}
		if s.state != Closed && s.in.Flags&segment.SYN == 0 {
			s.remoteEstablished = true
		}
		if match(&s.in) {
			return true, nil
		}
		if s.state == Closed {
			continue
		}
		peerClosed, err := s.unsolicited(&s.in)
		if err != nil {
			return false, err
		}
		if peerClosed && stopOnPeerClose {
			return false, nil
		}
	}
}

// unsolicited answers a delayed SYN-ACK or a FIN that arrived while waiting
// for something else. It reports whether the peer has just closed.
func (s *Socket) unsolicited(seg *segment.Segment) (bool, error) {
	switch {
	case seg.Flags.Is(segment.SYN|segment.ACK, segment.FIN):
		if seg.Ack == s.localSeq && !s.remoteEstablished {
			s.log.Debug("peer repeated SYN-ACK, acknowledging again", "seq", seg.Seq, "ack", seg.Ack)
			return false, s.sendAck()
		}

	case seg.Flags.Is(segment.FIN, segment.SYN|segment.ACK):
		if s.state.peerOpen() && (seg.Seq == s.remoteSeq || seg.Seq == s.oldRemoteSeq) {
			if seg.Seq == s.remoteSeq {
				s.oldRemoteSeq = s.remoteSeq
				s.remoteSeq.UpdateForward(1)
			}
			if err := s.send(segment.ACK, s.localSeq, seg.Seq.Add(1), nil); err != nil {
				return false, err
			}
			s.log.Debug("peer closed", "seq", seg.Seq, "remote", s.remoteAddr)
			s.setState(s.state.afterPeerClose())
			return true, nil
		}
		if !s.state.peerOpen() && seg.Seq == s.oldRemoteSeq {
			s.log.Debug("peer repeated FIN, acknowledging again", "seq", seg.Seq)
			return false, s.send(segment.ACK, s.localSeq, seg.Seq.Add(1), nil)
		}
	}
	return false, nil
}
