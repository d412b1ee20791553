package tcpstack

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"vtcp/pkg/ipstack"
	"vtcp/pkg/segment"
)

// demux reads every packet of the host and queues it for the socket bound to
// its destination port, so sockets of one host never steal each other's
// segments.
type demux struct {
	ip  ipstack.IP
	log *slog.Logger

	mu     sync.Mutex
	queues map[uint16]*ipstack.Queue
	closed bool
	wg     sync.WaitGroup
}

func newDemux(ip ipstack.IP, log *slog.Logger) *demux {
	d := &demux{
		ip:     ip,
		log:    log,
		queues: make(map[uint16]*ipstack.Queue),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *demux) run() {
	defer d.wg.Done()
	defer d.closeAll()

	p := ipstack.Packet{Data: make([]byte, ipstack.MaxPacketSize)}
	for {
		if err := d.ip.Receive(context.Background(), &p); err != nil {
			if errors.Cause(err) == ipstack.ErrClosed {
				return
			}
			d.log.Warn("host receive failed", "err", err)
			continue
		}
		if p.Protocol != segment.Protocol || p.Length < segment.HeaderLength {
			d.log.Debug("dropping non-segment packet", "protocol", p.Protocol, "len", p.Length)
			continue
		}
		port := header.TCP(p.Data[:p.Length]).DestinationPort()

		d.mu.Lock()
		q := d.queues[port]
		d.mu.Unlock()
		if q == nil {
			d.log.Debug("no socket on port, dropping segment", "port", port, "from", p.Source)
			continue
		}
		if !q.Push(&p) {
			d.log.Debug("socket queue full, dropping segment", "port", port)
		}
	}
}

func (d *demux) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for _, q := range d.queues {
		q.Close()
	}
}

// open returns the endpoint a socket on port sends and receives through.
func (d *demux) open(port uint16) *portEndpoint {
	q := ipstack.NewQueue(ipstack.DefaultQueueSize)
	d.mu.Lock()
	if d.closed {
		q.Close()
	} else {
		d.queues[port] = q
	}
	d.mu.Unlock()
	return &portEndpoint{d: d, port: port, q: q}
}

// drop stops queueing for port unless it was already handed to another q.
func (d *demux) drop(port uint16, q *ipstack.Queue) {
	d.mu.Lock()
	if d.queues[port] == q {
		delete(d.queues, port)
	}
	d.mu.Unlock()
	q.Close()
}

// wait blocks until the reader has stopped, which happens once the host's
// endpoint is closed.
func (d *demux) wait() {
	d.wg.Wait()
}

// portEndpoint is the IP endpoint seen by one socket: it sends through the
// host and receives only segments addressed to its port.
type portEndpoint struct {
	d    *demux
	port uint16
	q    *ipstack.Queue
}

func (e *portEndpoint) Send(p *ipstack.Packet) (int, error) {
	return e.d.ip.Send(p)
}

func (e *portEndpoint) Receive(ctx context.Context, p *ipstack.Packet) error {
	return e.q.Pop(ctx, p)
}

func (e *portEndpoint) LocalAddress() netip.Addr {
	return e.d.ip.LocalAddress()
}

func (e *portEndpoint) Close() error {
	e.d.drop(e.port, e.q)
	return nil
}
