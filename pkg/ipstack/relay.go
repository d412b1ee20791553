package ipstack

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Neighbor is a virtual host the relay has heard from.
type Neighbor struct {
	DestAddr netip.Addr
	UDPAddr  *net.UDPAddr
}

// Relay forwards frames between UDP links, learning where each virtual
// address lives from the frames it sends. Faults are applied on forwarding.
type Relay struct {
	conn  *net.UDPConn
	chaos *chaos
	log   *slog.Logger

	mu        sync.Mutex
	neighbors map[netip.Addr]*net.UDPAddr
	forwarded int
}

func NewRelay(listen string, f Faults, log *slog.Logger) (*Relay, error) {
	if log == nil {
		log = slog.Default()
	}
	addr, err := net.ResolveUDPAddr("udp4", listen)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", listen)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", listen)
	}
	return &Relay{
		conn:      conn,
		chaos:     newChaos(f),
		log:       log.With("relay", conn.LocalAddr().String()),
		neighbors: make(map[netip.Addr]*net.UDPAddr),
	}, nil
}

func (r *Relay) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Serve forwards frames until ctx is done or the relay is closed.
func (r *Relay) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, frameHeaderSize+MaxPacketSize)
	var p Packet
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "relay read")
		}
		if err := unmarshalFrame(buf[:n], &p); err != nil {
			r.log.Debug("dropping malformed frame", "from", from, "err", err)
			continue
		}
		r.learn(p.Source, from)
		r.forward(&p)
	}
}

func (r *Relay) learn(src netip.Addr, from *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.neighbors[src]; ok && cur.String() == from.String() {
		return
	}
	r.neighbors[src] = from
	r.log.Info("learned neighbor", "addr", src, "udp", from)
}

func (r *Relay) forward(p *Packet) {
	r.mu.Lock()
	to, ok := r.neighbors[p.Destination]
	r.mu.Unlock()
	if !ok {
		r.log.Debug("no route, dropping packet", "dst", p.Destination)
		return
	}

	out, copies := r.chaos.perturb(p)
	if copies == 0 {
		return
	}
	b, err := marshalFrame(out)
	if err != nil {
		r.log.Debug("cannot forward packet", "err", err)
		return
	}
	for i := 0; i < copies; i++ {
		if _, err := r.conn.WriteToUDP(b, to); err != nil {
			r.log.Debug("forward failed", "to", to, "err", err)
			return
		}
	}
	r.mu.Lock()
	r.forwarded++
	r.mu.Unlock()
}

// Neighbors lists known hosts ordered by address.
func (r *Relay) Neighbors() []Neighbor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Neighbor, 0, len(r.neighbors))
	for a, u := range r.neighbors {
		out = append(out, Neighbor{DestAddr: a, UDPAddr: u})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestAddr.Less(out[j].DestAddr) })
	return out
}

func (r *Relay) Forwarded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forwarded
}

func (r *Relay) Close() error {
	return r.conn.Close()
}
