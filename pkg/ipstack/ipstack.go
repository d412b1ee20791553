package ipstack

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
)

const (
	// MaxPacketSize bounds the payload of a single packet.
	MaxPacketSize = 8192

	// DefaultQueueSize is the receive ring capacity of an endpoint in bytes.
	DefaultQueueSize = 64 * 1024
)

var (
	ErrClosed         = errors.New("ip endpoint closed")
	ErrInvalidAddress = errors.New("invalid virtual address")
	ErrAddressInUse   = errors.New("virtual address already bound")
	ErrPacketTooLarge = errors.New("packet too large")
)

// Packet is a datagram exchanged over the virtual IP layer. Only the first
// Length bytes of Data are meaningful; receive calls reuse Data.
type Packet struct {
	Source      netip.Addr
	Destination netip.Addr
	Protocol    uint8
	ID          uint16
	Data        []byte
	Length      int
}

// IP is an unreliable datagram endpoint bound to one virtual address.
// Packets may be lost, corrupted, duplicated or reordered.
type IP interface {
	// Send transmits p and returns the number of payload bytes handed off.
	Send(p *Packet) (int, error)
	// Receive blocks until a packet arrives or ctx is done. An expired
	// context is reported as a timeout.
	Receive(ctx context.Context, p *Packet) error
	LocalAddress() netip.Addr
	Close() error
}

// Binder hands out IP endpoints for virtual address suffixes.
type Binder interface {
	Bind(suffix int) (IP, error)
}

// Addr returns the virtual address 192.168.0.<suffix>.
func Addr(suffix int) (netip.Addr, error) {
	if suffix < 1 || suffix > 254 {
		return netip.Addr{}, errors.Wrapf(ErrInvalidAddress, "suffix %d", suffix)
	}
	return netip.AddrFrom4([4]byte{192, 168, 0, byte(suffix)}), nil
}

// Suffix returns the last octet of a virtual address.
func Suffix(a netip.Addr) (int, bool) {
	if !a.Is4() {
		return 0, false
	}
	b := a.As4()
	if b[0] != 192 || b[1] != 168 || b[2] != 0 || b[3] == 0 || b[3] == 255 {
		return 0, false
	}
	return int(b[3]), true
}

// IsTimeout reports whether err came from an expired receive wait.
func IsTimeout(err error) bool {
	cause := errors.Cause(err)
	return cause == context.DeadlineExceeded || cause == context.Canceled
}
