package ipstack

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

// DefaultBasePort is added to the address suffix to pick a host's UDP port.
const DefaultBasePort = 20000

// UDPLink carries virtual IP packets as UDP datagrams between processes on
// one machine. Host 192.168.0.x listens on BasePort+x. When Relay is set all
// traffic goes through it, otherwise packets go straight to the peer port.
type UDPLink struct {
	Host      string
	BasePort  int
	Relay     *net.UDPAddr
	QueueSize int
	Log       *slog.Logger
}

func (l *UDPLink) host() string {
	if l.Host == "" {
		return "127.0.0.1"
	}
	return l.Host
}

func (l *UDPLink) basePort() int {
	if l.BasePort == 0 {
		return DefaultBasePort
	}
	return l.BasePort
}

func (l *UDPLink) logger() *slog.Logger {
	if l.Log == nil {
		return slog.Default()
	}
	return l.Log
}

func (l *UDPLink) udpAddr(suffix int) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", net.JoinHostPort(l.host(), strconv.Itoa(l.basePort()+suffix)))
}

func (l *UDPLink) Bind(suffix int) (IP, error) {
	addr, err := Addr(suffix)
	if err != nil {
		return nil, err
	}
	local, err := l.udpAddr(suffix)
	if err != nil {
		return nil, errors.Wrap(err, "resolve udp address")
	}
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		if isAddrInUse(err) {
			return nil, errors.Wrapf(ErrAddressInUse, "%s on %s", addr, local)
		}
		return nil, errors.Wrapf(err, "listen on %s", local)
	}

	e := &udpEndpoint{
		link: l,
		addr: addr,
		conn: conn,
		q:    NewQueue(l.QueueSize),
		log:  l.logger().With("addr", addr.String(), "udp", local.String()),
	}
	e.wg.Add(1)
	go e.readLoop()
	return e, nil
}

type udpEndpoint struct {
	link *UDPLink
	addr netip.Addr
	conn *net.UDPConn
	q    *Queue
	log  *slog.Logger
	wg   sync.WaitGroup
}

func (e *udpEndpoint) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, frameHeaderSize+MaxPacketSize)
	var p Packet
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if !e.q.Closed() {
				e.log.Error("read from udp failed", "err", err)
			}
			e.q.Close()
			return
		}
		if err := unmarshalFrame(buf[:n], &p); err != nil {
			e.log.Debug("dropping malformed frame", "from", from, "err", err)
			continue
		}
		if p.Destination != e.addr {
			e.log.Debug("dropping frame for other host", "dst", p.Destination)
			continue
		}
		if !e.q.Push(&p) {
			e.log.Debug("receive queue full, dropping packet", "len", p.Length)
		}
	}
}

func (e *udpEndpoint) Send(p *Packet) (int, error) {
	if e.q.Closed() {
		return 0, ErrClosed
	}
	b, err := marshalFrame(p)
	if err != nil {
		return 0, err
	}

	to := e.link.Relay
	if to == nil {
		suffix, ok := Suffix(p.Destination)
		if !ok {
			return 0, errors.Wrapf(ErrInvalidAddress, "%s", p.Destination)
		}
		if to, err = e.link.udpAddr(suffix); err != nil {
			return 0, errors.Wrap(err, "resolve udp address")
		}
	}
	if _, err := e.conn.WriteToUDP(b, to); err != nil {
		// Datagram delivery is best effort; the transport retransmits.
		e.log.Debug("write to udp failed", "to", to, "err", err)
	}
	return p.Length, nil
}

func (e *udpEndpoint) Receive(ctx context.Context, p *Packet) error {
	return e.q.Pop(ctx, p)
}

func (e *udpEndpoint) LocalAddress() netip.Addr {
	return e.addr
}

func (e *udpEndpoint) Close() error {
	e.q.Close()
	err := e.conn.Close()
	e.wg.Wait()
	return errors.Wrap(err, "close udp link")
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
