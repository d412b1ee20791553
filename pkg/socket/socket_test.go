package socket

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"vtcp/pkg/ipstack"
	"vtcp/pkg/segment"
)

const (
	clientSuffix = 1
	serverSuffix = 10
	serverPort   = 4444
	clientPort   = 1024
)

func testPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 10, Timeout: 30 * time.Millisecond}
}

// releases records the ports given back by sockets.
type releases struct {
	mu    sync.Mutex
	ports []uint16
}

func (r *releases) record(p uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports = append(r.ports, p)
}

func (r *releases) count(p uint16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.ports {
		if q == p {
			n++
		}
	}
	return n
}

func bind(t *testing.T, b ipstack.Binder, suffix int) ipstack.IP {
	t.Helper()
	ip, err := b.Bind(suffix)
	if err != nil {
		t.Fatalf("bind %d: %v", suffix, err)
	}
	t.Cleanup(func() { ip.Close() })
	return ip
}

func newSocket(ip ipstack.IP, port uint16, policy RetryPolicy, isn seqnum.Value, rel *releases) *Socket {
	return New(Config{
		IP:        ip,
		LocalPort: port,
		Policy:    policy,
		ISN:       func() seqnum.Value { return isn },
		Release:   rel.record,
	})
}

type pair struct {
	client, server *Socket
	rel            *releases
}

func newPair(t *testing.T, b ipstack.Binder, policy RetryPolicy) *pair {
	t.Helper()
	rel := &releases{}
	return &pair{
		client: newSocket(bind(t, b, clientSuffix), clientPort, policy, 1000, rel),
		server: newSocket(bind(t, b, serverSuffix), serverPort, policy, 5000, rel),
		rel:    rel,
	}
}

// connect runs Accept and Connect concurrently and fails the test unless
// both succeed.
func (p *pair) connect(t *testing.T) {
	t.Helper()
	accepted := make(chan error, 1)
	go func() { accepted <- p.server.Accept() }()

	if err := p.client.Connect(p.server.LocalAddr(), serverPort); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case err := <-accepted:
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not return")
	}
}

func mustPanic(t *testing.T, want error, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		err, ok := r.(error)
		if !ok {
			t.Fatalf("expected panic with %v, got %v", want, r)
		}
		if errors.Cause(err) != want {
			t.Fatalf("expected panic with %v, got %v", want, err)
		}
	}()
	f()
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// readAll reads until the peer closes.
func readAll(s *Socket, bufSize int) ([]byte, error) {
	var out []byte
	buf := make([]byte, bufSize)
	for {
		n, err := s.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

func TestHandshakeSymmetry(t *testing.T) {
	p := newPair(t, ipstack.NewNetwork(), testPolicy())
	p.connect(t)

	c, s := p.client, p.server
	if c.State() != Established || s.State() != Established {
		t.Fatalf("states after handshake: client %s, server %s", c.State(), s.State())
	}
	if c.RemoteSeq() != s.LocalSeq() || s.RemoteSeq() != c.LocalSeq() {
		t.Errorf("sequence numbers differ: client %d/%d server %d/%d",
			c.LocalSeq(), c.RemoteSeq(), s.LocalSeq(), s.RemoteSeq())
	}
	if c.LocalSeq() != 1001 || s.LocalSeq() != 5001 {
		t.Errorf("SYN must consume one sequence number: client %d server %d", c.LocalSeq(), s.LocalSeq())
	}
	if c.RemoteAddr() != s.LocalAddr() || c.RemotePort() != s.LocalPort() {
		t.Errorf("client peer %s:%d, server is %s:%d", c.RemoteAddr(), c.RemotePort(), s.LocalAddr(), s.LocalPort())
	}
	if s.RemoteAddr() != c.LocalAddr() || s.RemotePort() != c.LocalPort() {
		t.Errorf("server peer %s:%d, client is %s:%d", s.RemoteAddr(), s.RemotePort(), c.LocalAddr(), c.LocalPort())
	}
}

func TestConnectWithoutPeerTimesOut(t *testing.T) {
	rel := &releases{}
	policy := RetryPolicy{Attempts: 3, Timeout: 10 * time.Millisecond}
	c := newSocket(bind(t, ipstack.NewNetwork(), clientSuffix), clientPort, policy, 1, rel)

	dst, _ := ipstack.Addr(77)
	start := time.Now()
	err := c.Connect(dst, serverPort)
	if errors.Cause(err) != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("gave up after %v, before the retry budget", elapsed)
	}
	if c.State() != Closed || c.RemoteAddr().IsValid() || c.RemotePort() != 0 {
		t.Errorf("failed connect left %s", c)
	}
	if rel.count(clientPort) != 0 {
		t.Error("failed connect must not release the port")
	}
}

func TestConnectRequiresClosed(t *testing.T) {
	p := newPair(t, ipstack.NewNetwork(), testPolicy())
	p.connect(t)

	err := p.client.Connect(p.server.LocalAddr(), serverPort)
	if errors.Cause(err) != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if p.client.State() != Established {
		t.Errorf("state changed to %s", p.client.State())
	}
}

func TestPreconditions(t *testing.T) {
	rel := &releases{}
	s := newSocket(bind(t, ipstack.NewNetwork(), clientSuffix), clientPort, testPolicy(), 1, rel)

	mustPanic(t, ErrInvalidState, func() { s.Read(make([]byte, 1)) })
	mustPanic(t, ErrInvalidState, func() { s.Write([]byte("x")) })
	mustPanic(t, ErrNilBuffer, func() { s.Read(nil) })
	mustPanic(t, ErrNilBuffer, func() { s.Write(nil) })
	if err := s.Close(); err != ErrNotOpen {
		t.Errorf("close of unused socket: %v", err)
	}
}

func TestDataIntegrity(t *testing.T) {
	sizes := []int{0, 1, segment.MaxDataLength - 1, segment.MaxDataLength, segment.MaxDataLength + 1,
		3 * segment.MaxDataLength, 10*segment.MaxDataLength + 17}
	bufs := []int{7, segment.MaxDataLength, 4 * segment.MaxDataLength}

	for _, size := range sizes {
		for _, bufSize := range bufs {
			t.Run(fmt.Sprintf("payload=%d/buf=%d", size, bufSize), func(t *testing.T) {
				p := newPair(t, ipstack.NewNetwork(), testPolicy())
				p.connect(t)
				want := payload(size)

				written := make(chan error, 1)
				go func() {
					n, err := p.client.Write(want)
					if err == nil && n != size {
						err = fmt.Errorf("wrote %d of %d bytes", n, size)
					}
					if err == nil {
						err = p.client.Close()
					}
					written <- err
				}()

				got, err := readAll(p.server, bufSize)
				if err != nil {
					t.Fatalf("read: %v", err)
				}
				if err := <-written; err != nil {
					t.Fatalf("write: %v", err)
				}
				if !bytes.Equal(got, want) {
					t.Fatalf("received %d bytes differing from the %d sent", len(got), len(want))
				}

				finished := make(chan error, 1)
				go func() { finished <- p.client.Close() }()
				if err := p.server.Close(); err != nil {
					t.Fatalf("server close: %v", err)
				}
				if err := <-finished; err != nil {
					t.Fatalf("client close: %v", err)
				}
				if p.client.State() != Closed || p.server.State() != Closed {
					t.Fatalf("final states: client %s, server %s", p.client.State(), p.server.State())
				}
			})
		}
	}
}

func TestHalfClose(t *testing.T) {
	p := newPair(t, ipstack.NewNetwork(), testPolicy())
	p.connect(t)
	late := []byte("data after your FIN")

	serverDone := make(chan error, 1)
	go func() {
		n, err := p.server.Read(make([]byte, 16))
		if n != 0 || err != io.EOF {
			serverDone <- fmt.Errorf("read after peer FIN: %d, %v", n, err)
			return
		}
		if p.server.State() != WriteOnly {
			serverDone <- fmt.Errorf("server state %s after peer FIN", p.server.State())
			return
		}
		if _, err := p.server.Write(late); err != nil {
			serverDone <- err
			return
		}
		serverDone <- p.server.Close()
	}()

	if err := p.client.Close(); err != nil {
		t.Fatalf("client close: %v", err)
	}
	if p.client.State() != ReadOnly {
		t.Fatalf("client state %s after close", p.client.State())
	}
	buf := make([]byte, 64)
	n, err := p.client.Read(buf)
	if err != nil {
		t.Fatalf("read in READ_ONLY: %v", err)
	}
	if !bytes.Equal(buf[:n], late) {
		t.Fatalf("read %q, want %q", buf[:n], late)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server: %v", err)
	}

	if p.client.State() != Closed || p.server.State() != Closed {
		t.Fatalf("final states: client %s, server %s", p.client.State(), p.server.State())
	}
	if err := p.client.Close(); err != ErrNotOpen {
		t.Errorf("second close: %v", err)
	}
	if n, err := p.client.Read(buf); n != 0 || err != io.EOF {
		t.Errorf("read after final close: %d, %v", n, err)
	}
	if p.rel.count(clientPort) != 1 || p.rel.count(serverPort) != 1 {
		t.Errorf("ports released %v, want each once", p.rel.ports)
	}
}

// The reader takes only part of a segment and closes; the writer learns
// about the FIN while waiting for the rest to be acknowledged.
func TestPartialAckThenPeerClose(t *testing.T) {
	policy := RetryPolicy{Attempts: 4, Timeout: 20 * time.Millisecond}
	p := newPair(t, ipstack.NewNetwork(), policy)
	p.connect(t)
	msg := []byte("Are you going to be late again?")

	readerDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 10)
		n, err := p.server.Read(buf)
		if err != nil || n != 10 || !bytes.Equal(buf, msg[:10]) {
			readerDone <- fmt.Errorf("read %d %q: %v", n, buf[:n], err)
			return
		}
		readerDone <- p.server.Close()
	}()

	n, err := p.client.Write(msg)
	if errors.Cause(err) != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if n != 10 {
		t.Fatalf("write reported %d bytes, peer acknowledged 10", n)
	}
	if err := <-readerDone; err != nil {
		t.Fatalf("reader: %v", err)
	}
	if p.client.State() != WriteOnly || p.server.State() != ReadOnly {
		t.Fatalf("states: client %s, server %s", p.client.State(), p.server.State())
	}
	if want := seqnum.Value(1001 + 10); p.client.LocalSeq() != want {
		t.Errorf("client sequence %d, want %d", p.client.LocalSeq(), want)
	}
}

func TestReadGivesUpWithPartialCount(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, Timeout: 15 * time.Millisecond}
	p := newPair(t, ipstack.NewNetwork(), policy)
	p.connect(t)

	go p.client.Write([]byte("abc"))

	n, err := p.server.Read(make([]byte, 10))
	if errors.Cause(err) != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if n != 3 {
		t.Fatalf("read %d bytes, want 3", n)
	}
}

func TestAcceptGiveUp(t *testing.T) {
	policy := RetryPolicy{Attempts: 2, Timeout: 10 * time.Millisecond, Handshake: GiveUp}
	network := ipstack.NewNetwork()
	rel := &releases{}
	server := newSocket(bind(t, network, serverSuffix), serverPort, policy, 5000, rel)
	peer := newRawPeer(t, bind(t, network, clientSuffix), clientPort, server.LocalAddr(), serverPort)

	done := make(chan error, 1)
	go func() { done <- server.Accept() }()
	peer.send(t, segment.SYN, 77, 0, nil)

	select {
	case err := <-done:
		if errors.Cause(err) != ErrTimeout {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not give up")
	}
	if server.State() != Closed || server.RemoteAddr().IsValid() {
		t.Errorf("server left in %s", server)
	}
}

func TestAcceptRestartsAfterIncompleteHandshake(t *testing.T) {
	policy := RetryPolicy{Attempts: 2, Timeout: 10 * time.Millisecond}
	network := ipstack.NewNetwork()
	rel := &releases{}
	server := newSocket(bind(t, network, serverSuffix), serverPort, policy, 5000, rel)
	peer := newRawPeer(t, bind(t, network, clientSuffix), clientPort, server.LocalAddr(), serverPort)

	done := make(chan error, 1)
	go func() { done <- server.Accept() }()

	// A half-open attempt that never sends the final ACK.
	peer.send(t, segment.SYN, 77, 0, nil)
	for i := 0; i < policy.Attempts; i++ {
		if seg := peer.recv(t); !seg.Flags.Is(segment.SYN|segment.ACK, 0) {
			t.Fatalf("expected SYN-ACK, got %s", seg)
		}
	}

	// Accept must be listening again and complete a proper handshake.
	time.Sleep(10 * policy.Timeout)
	peer.send(t, segment.SYN, 500, 0, nil)
	synAck := peer.recv(t)
	if synAck.Ack != 501 {
		t.Fatalf("SYN-ACK acknowledges %d, want 501", synAck.Ack)
	}
	peer.send(t, segment.ACK, 501, synAck.Seq.Add(1), nil)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not return")
	}
	if server.State() != Established || server.RemoteSeq() != 501 {
		t.Errorf("server %s remote seq %d", server.State(), server.RemoteSeq())
	}
}

// The server repeats its SYN-ACK because our ACK was lost; the client must
// acknowledge it again while it is busy writing.
func TestDelayedSynAckIsAcknowledged(t *testing.T) {
	network := ipstack.NewNetwork()
	rel := &releases{}
	// Long enough that no retransmission interleaves with the script.
	policy := RetryPolicy{Attempts: 3, Timeout: 250 * time.Millisecond}
	client := newSocket(bind(t, network, clientSuffix), clientPort, policy, 1000, rel)
	serverAddr, _ := ipstack.Addr(serverSuffix)
	peer := newRawPeer(t, bind(t, network, serverSuffix), serverPort, client.LocalAddr(), clientPort)

	connected := make(chan error, 1)
	go func() { connected <- client.Connect(serverAddr, serverPort) }()

	syn := peer.recv(t)
	if !syn.Flags.Is(segment.SYN, segment.ACK|segment.FIN) || syn.Seq != 1000 {
		t.Fatalf("expected SYN seq 1000, got %s", syn)
	}
	peer.send(t, segment.SYN|segment.ACK, 7000, 1001, nil)
	if ack := peer.recv(t); !ack.Flags.Is(segment.ACK, segment.SYN) || ack.Ack != 7001 {
		t.Fatalf("expected ACK 7001, got %s", ack)
	}
	if err := <-connected; err != nil {
		t.Fatalf("connect: %v", err)
	}

	written := make(chan error, 1)
	go func() {
		_, err := client.Write([]byte("hi"))
		written <- err
	}()

	data := peer.recv(t)
	if string(data.Data) != "hi" || data.Seq != 1001 {
		t.Fatalf("expected data at 1001, got %s", data)
	}
	peer.send(t, segment.SYN|segment.ACK, 7000, 1001, nil)
	reAck := peer.recv(t)
	if len(reAck.Data) != 0 || reAck.Ack != 7001 || reAck.Seq != 1001 {
		t.Fatalf("expected a bare ACK 7001, got %s", reAck)
	}
	peer.send(t, segment.ACK, 7001, 1003, nil)

	if err := <-written; err != nil {
		t.Fatalf("write: %v", err)
	}
	if client.LocalSeq() != 1003 {
		t.Errorf("client sequence %d, want 1003", client.LocalSeq())
	}
}

func TestDuplicateFinIsAcknowledgedAgain(t *testing.T) {
	network := ipstack.NewNetwork()
	rel := &releases{}
	policy := RetryPolicy{Attempts: 3, Timeout: 250 * time.Millisecond}
	client := newSocket(bind(t, network, clientSuffix), clientPort, policy, 1000, rel)
	serverAddr, _ := ipstack.Addr(serverSuffix)
	peer := newRawPeer(t, bind(t, network, serverSuffix), serverPort, client.LocalAddr(), clientPort)

	connected := make(chan error, 1)
	go func() { connected <- client.Connect(serverAddr, serverPort) }()
	peer.recv(t)
	peer.send(t, segment.SYN|segment.ACK, 7000, 1001, nil)
	peer.recv(t)
	if err := <-connected; err != nil {
		t.Fatalf("connect: %v", err)
	}

	read := make(chan error, 1)
	go func() {
		_, err := client.Read(make([]byte, 4))
		read <- err
	}()
	peer.send(t, segment.FIN, 7001, 1001, nil)
	if ack := peer.recv(t); ack.Ack != 7002 {
		t.Fatalf("expected ACK 7002, got %s", ack)
	}
	if err := <-read; err != io.EOF {
		t.Fatalf("read after FIN: %v", err)
	}

	// The ACK got lost; the repeated FIN arrives while we close.
	closed := make(chan error, 1)
	go func() { closed <- client.Close() }()
	if fin := peer.recv(t); !fin.Flags.Is(segment.FIN, segment.ACK) || fin.Seq != 1001 {
		t.Fatalf("expected our FIN, got %s", fin)
	}
	peer.send(t, segment.FIN, 7001, 1001, nil)
	if ack := peer.recv(t); ack.Ack != 7002 || !ack.Flags.Is(segment.ACK, segment.FIN) {
		t.Fatalf("expected ACK 7002 for the repeated FIN, got %s", ack)
	}
	peer.send(t, segment.ACK, 7002, 1002, nil)
	if err := <-closed; err != nil {
		t.Fatalf("close: %v", err)
	}
	if client.State() != Closed || rel.count(clientPort) != 1 {
		t.Fatalf("client %s, releases %v", client.State(), rel.ports)
	}
}

func TestCorruptSegmentsAreIgnored(t *testing.T) {
	network := ipstack.NewNetwork()
	rel := &releases{}
	server := newSocket(bind(t, network, serverSuffix), serverPort, testPolicy(), 5000, rel)
	peer := newRawPeer(t, bind(t, network, clientSuffix), clientPort, server.LocalAddr(), serverPort)

	done := make(chan error, 1)
	go func() { done <- server.Accept() }()

	peer.corrupt = true
	peer.send(t, segment.SYN, 77, 0, nil)
	peer.corrupt = false
	peer.sendProtocol(t, 17, segment.SYN, 78, 0)
	peer.send(t, segment.SYN, 500, 0, nil)

	synAck := peer.recv(t)
	if synAck.Ack != 501 {
		t.Fatalf("server answered the wrong SYN: %s", synAck)
	}
	peer.send(t, segment.ACK, 501, synAck.Seq.Add(1), nil)
	if err := <-done; err != nil {
		t.Fatalf("accept: %v", err)
	}
}

// rawPeer speaks the wire format directly for scripting exchanges.
type rawPeer struct {
	ip         ipstack.IP
	port       uint16
	remote     netip.Addr
	remotePort uint16
	corrupt    bool
	buf        []byte
	pkt        ipstack.Packet
}

func newRawPeer(t *testing.T, ip ipstack.IP, port uint16, remote netip.Addr, remotePort uint16) *rawPeer {
	t.Helper()
	return &rawPeer{
		ip:         ip,
		port:       port,
		remote:     remote,
		remotePort: remotePort,
		buf:        make([]byte, segment.MaxLength),
		pkt:        ipstack.Packet{Data: make([]byte, ipstack.MaxPacketSize)},
	}
}

func (r *rawPeer) send(t *testing.T, flags segment.Flags, seq, ack seqnum.Value, data []byte) {
	t.Helper()
	r.sendProtocol(t, segment.Protocol, flags, seq, ack, data...)
}

func (r *rawPeer) sendProtocol(t *testing.T, proto uint8, flags segment.Flags, seq, ack seqnum.Value, data ...byte) {
	t.Helper()
	seg := segment.Segment{
		FromPort: r.port,
		ToPort:   r.remotePort,
		Seq:      seq,
		Ack:      ack,
		Flags:    flags | segment.PSH,
		Window:   segment.WindowSize,
		Data:     data,
	}
	n, err := segment.Encode(r.buf, &seg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	segment.Seal(r.ip.LocalAddress(), r.remote, r.buf[:n])
	if r.corrupt {
		r.buf[5] ^= 0xff
	}
	p := ipstack.Packet{
		Source:      r.ip.LocalAddress(),
		Destination: r.remote,
		Protocol:    proto,
		Data:        r.buf,
		Length:      n,
	}
	if _, err := r.ip.Send(&p); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (r *rawPeer) recv(t *testing.T) *segment.Segment {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.ip.Receive(ctx, &r.pkt); err != nil {
		t.Fatalf("receive: %v", err)
	}
	b := r.pkt.Data[:r.pkt.Length]
	if !segment.Valid(r.pkt.Source, r.ip.LocalAddress(), b) {
		t.Fatalf("socket sent a segment with a bad checksum")
	}
	var seg segment.Segment
	if err := segment.Decode(b, len(b), &seg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &seg
}

func TestSequenceWraparound(t *testing.T) {
	const clientISN, serverISN = 0xffffff00, 0xfffffff0
	b := ipstack.NewNetwork()
	rel := &releases{}
	p := &pair{
		client: newSocket(bind(t, b, clientSuffix), clientPort, testPolicy(), clientISN, rel),
		server: newSocket(bind(t, b, serverSuffix), serverPort, testPolicy(), serverISN, rel),
		rel:    rel,
	}
	p.connect(t)
	c, s := p.client, p.server
	if c.RemoteSeq() != s.LocalSeq() || s.RemoteSeq() != c.LocalSeq() {
		t.Fatalf("handshake: client %d/%d server %d/%d", c.LocalSeq(), c.RemoteSeq(), s.LocalSeq(), s.RemoteSeq())
	}

	up, down := payload(600), payload(300)
	type result struct {
		got []byte
		err error
	}
	serverDone := make(chan result, 1)
	go func() {
		got, err := readAll(s, 7)
		if err == nil {
			_, err = s.Write(down)
		}
		if err == nil {
			err = s.Close()
		}
		serverDone <- result{got, err}
	}()

	if n, err := c.Write(up); err != nil || n != len(up) {
		t.Fatalf("write across the wrap: %d, %v", n, err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("client close: %v", err)
	}
	got, err := readAll(c, 13)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	r := <-serverDone
	if r.err != nil {
		t.Fatalf("server: %v", r.err)
	}
	if !bytes.Equal(r.got, up) {
		t.Fatalf("server received %d bytes that differ from the %d sent", len(r.got), len(up))
	}
	if !bytes.Equal(got, down) {
		t.Fatalf("client received %d bytes that differ from the %d sent", len(got), len(down))
	}

	// SYN, data and FIN each consume sequence space.
	wantClient := seqnum.Value(clientISN).Add(seqnum.Size(1 + len(up) + 1))
	wantServer := seqnum.Value(serverISN).Add(seqnum.Size(1 + len(down) + 1))
	if c.LocalSeq() != wantClient || s.LocalSeq() != wantServer {
		t.Errorf("final sequence numbers: client %d want %d, server %d want %d",
			c.LocalSeq(), wantClient, s.LocalSeq(), wantServer)
	}
	if uint32(c.LocalSeq()) >= clientISN || uint32(s.LocalSeq()) >= serverISN {
		t.Errorf("sequence numbers did not wrap: client %d server %d", c.LocalSeq(), s.LocalSeq())
	}
	if c.RemoteSeq() != s.LocalSeq() || s.RemoteSeq() != c.LocalSeq() {
		t.Errorf("after the wrap: client %d/%d server %d/%d", c.LocalSeq(), c.RemoteSeq(), s.LocalSeq(), s.RemoteSeq())
	}
	if c.State() != Closed || s.State() != Closed {
		t.Errorf("final states: client %s, server %s", c.State(), s.State())
	}
}

func TestAbort(t *testing.T) {
	t.Run("unused", func(t *testing.T) {
		rel := &releases{}
		s := newSocket(bind(t, ipstack.NewNetwork(), clientSuffix), clientPort, testPolicy(), 1, rel)
		s.Abort()
		s.Abort()
		if s.State() != Closed || rel.count(clientPort) != 1 {
			t.Fatalf("after abort: %s, port released %d times", s, rel.count(clientPort))
		}
		dst, _ := ipstack.Addr(serverSuffix)
		if err := s.Connect(dst, serverPort); errors.Cause(err) != ErrInvalidState {
			t.Fatalf("connect after abort: %v", err)
		}
	})

	t.Run("established", func(t *testing.T) {
		p := newPair(t, ipstack.NewNetwork(), testPolicy())
		p.connect(t)
		p.client.Abort()
		if p.client.State() != Closed || p.client.RemoteAddr().IsValid() || p.client.RemotePort() != 0 {
			t.Fatalf("after abort: %s", p.client)
		}
		if p.rel.count(clientPort) != 1 {
			t.Fatalf("port released %d times", p.rel.count(clientPort))
		}
		if err := p.client.Close(); err != ErrNotOpen {
			t.Fatalf("close after abort: %v", err)
		}
	})
}

func TestStateReadableWhileBusy(t *testing.T) {
	p := newPair(t, ipstack.NewNetwork(), testPolicy())

	stop := make(chan struct{})
	polled := make(chan State, 1)
	go func() {
		var last State
		for {
			select {
			case <-stop:
				polled <- last
				return
			default:
			}
			last = p.server.State()
			p.server.RemoteAddr()
			p.server.RemotePort()
			_ = p.server.String()
		}
	}()

	p.connect(t)
	close(stop)
	if st := <-polled; st != Established && st != Closed {
		t.Fatalf("observed state %s", st)
	}
}
