package ipstack

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

// Network is an in-memory virtual IP network. Every bound host owns a
// receive ring; packets to unbound addresses vanish.
type Network struct {
	mu        sync.RWMutex
	hosts     map[netip.Addr]*Host
	queueSize int
	log       *slog.Logger
}

type NetworkOption func(*Network)

// WithQueueSize sets the receive ring capacity of every host in bytes.
func WithQueueSize(size int) NetworkOption {
	return func(n *Network) { n.queueSize = size }
}

func WithNetworkLogger(log *slog.Logger) NetworkOption {
	return func(n *Network) { n.log = log }
}

func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{
		hosts:     make(map[netip.Addr]*Host),
		queueSize: DefaultQueueSize,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Bind attaches a host with address 192.168.0.<suffix>.
func (n *Network) Bind(suffix int) (IP, error) {
	addr, err := Addr(suffix)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.hosts[addr]; ok {
		return nil, errors.Wrapf(ErrAddressInUse, "%s", addr)
	}
	h := &Host{net: n, addr: addr, q: NewQueue(n.queueSize)}
	n.hosts[addr] = h
	return h, nil
}

func (n *Network) deliver(p *Packet) {
	n.mu.RLock()
	h, ok := n.hosts[p.Destination]
	n.mu.RUnlock()
	if !ok {
		n.log.Debug("no host for destination, dropping packet", "dst", p.Destination)
		return
	}
	if !h.q.Push(p) {
		n.log.Debug("receive queue full, dropping packet", "dst", p.Destination, "len", p.Length)
	}
}

func (n *Network) unbind(h *Host) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hosts[h.addr] == h {
		delete(n.hosts, h.addr)
	}
}

// Host is an endpoint of a Network.
type Host struct {
	net  *Network
	addr netip.Addr
	q    *Queue
}

func (h *Host) Send(p *Packet) (int, error) {
	if err := checkPacket(p); err != nil {
		return 0, err
	}
	if h.q.Closed() {
		return 0, ErrClosed
	}
	h.net.deliver(p)
	return p.Length, nil
}

func (h *Host) Receive(ctx context.Context, p *Packet) error {
	return h.q.Pop(ctx, p)
}

func (h *Host) LocalAddress() netip.Addr {
	return h.addr
}

// Dropped returns the number of packets discarded because the receive ring
// was full.
func (h *Host) Dropped() int {
	return h.q.Dropped()
}

func (h *Host) Close() error {
	h.net.unbind(h)
	h.q.Close()
	return nil
}
