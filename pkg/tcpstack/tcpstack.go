// Package tcpstack binds a virtual IP address and hands out sockets on it.
package tcpstack

import (
	"log/slog"
	"math/rand"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"vtcp/pkg/ipstack"
	"vtcp/pkg/socket"
)

// FixedISN is the initial sequence number used in compatibility mode.
const FixedISN seqnum.Value = 20051498

var (
	ErrInvalidPort = errors.New("invalid port")
	ErrPortInUse   = errors.New("port already in use")
	ErrNoFreePort  = errors.New("no free port")
)

// TCP is the transport stack of one virtual host.
type TCP struct {
	ip     ipstack.IP
	demux  *demux
	ports  portSet
	isn    func() seqnum.Value
	policy socket.RetryPolicy
	log    *slog.Logger

	mu           sync.Mutex
	sockets      map[int]*socket.Socket
	nextSocketID int
}

type Option func(*TCP)

func WithRetryPolicy(p socket.RetryPolicy) Option {
	return func(t *TCP) { t.policy = p }
}

// WithFixedISN makes every connection start at isn, for reproducible runs.
func WithFixedISN(isn seqnum.Value) Option {
	return func(t *TCP) { t.isn = func() seqnum.Value { return isn } }
}

func WithLogger(log *slog.Logger) Option {
	return func(t *TCP) { t.log = log }
}

// New binds 192.168.0.<suffix> through b. A bind failure is returned as is;
// no stack exists afterwards.
func New(b ipstack.Binder, suffix int, opts ...Option) (*TCP, error) {
	ip, err := b.Bind(suffix)
	if err != nil {
		return nil, errors.Wrapf(err, "bind virtual host %d", suffix)
	}

	t := &TCP{
		ip:           ip,
		policy:       socket.DefaultRetryPolicy(),
		log:          slog.Default(),
		sockets:      make(map[int]*socket.Socket),
		nextSocketID: 1,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.isn == nil {
		t.isn = randomISN()
	}
	t.log = t.log.With("addr", ip.LocalAddress().String())
	t.demux = newDemux(ip, t.log)
	return t, nil
}

func randomISN() func() seqnum.Value {
	var mu sync.Mutex
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func() seqnum.Value {
		mu.Lock()
		defer mu.Unlock()
		return seqnum.Value(rnd.Uint32())
	}
}

func (t *TCP) LocalAddress() netip.Addr {
	return t.ip.LocalAddress()
}

// Socket returns a client socket on the next free ephemeral port.
func (t *TCP) Socket() (*socket.Socket, error) {
	port, err := t.ports.allocate()
	if err != nil {
		return nil, err
	}
	return t.newSocket(port), nil
}

// ServerSocket returns a socket bound to port, which must be free.
func (t *TCP) ServerSocket(port int) (*socket.Socket, error) {
	if port <= 0 || port > maxPort {
		return nil, errors.Wrapf(ErrInvalidPort, "port %d", port)
	}
	if err := t.ports.reserve(uint16(port)); err != nil {
		return nil, err
	}
	return t.newSocket(uint16(port)), nil
}

func (t *TCP) newSocket(port uint16) *socket.Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSocketID
	t.nextSocketID++

	ep := t.demux.open(port)
	s := socket.New(socket.Config{
		IP:        ep,
		LocalPort: port,
		Policy:    t.policy,
		ISN:       t.isn,
		Release: func(p uint16) {
			ep.Close()
			t.release(id, p)
		},
		Log: t.log.With("sid", id),
	})
	t.sockets[id] = s
	t.log.Debug("created socket", "sid", id, "port", port)
	return s
}

func (t *TCP) release(id int, port uint16) {
	t.ports.free(port)
	t.mu.Lock()
	delete(t.sockets, id)
	t.mu.Unlock()
	t.log.Debug("released port", "sid", id, "port", port)
}

// PortInUse reports whether a live socket holds port.
func (t *TCP) PortInUse(port uint16) bool {
	return t.ports.inUse(port)
}

// Entry is a row of the socket table.
type Entry struct {
	ID     int
	Socket *socket.Socket
}

// Sockets lists the sockets that have not reached their final state.
func (t *TCP) Sockets() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.sockets))
	for id, s := range t.sockets {
		out = append(out, Entry{ID: id, Socket: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ID returns the socket table id of s.
func (t *TCP) ID(s *socket.Socket) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, live := range t.sockets {
		if live == s {
			return id, true
		}
	}
	return 0, false
}

// Lookup returns the live socket with the given id.
func (t *TCP) Lookup(id int) (*socket.Socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sockets[id]
	return s, ok
}

// Close releases the IP endpoint. Blocked socket calls return with
// ipstack.ErrClosed.
func (t *TCP) Close() error {
	err := t.ip.Close()
	t.demux.wait()
	return err
}
