package tcpstack

import (
	"sync"

	"github.com/pkg/errors"
)

const (
	// FirstEphemeralPort is the lowest port Socket hands out; lower ports
	// are well-known and only bound on request.
	FirstEphemeralPort = 1024
	maxPort            = 1<<16 - 1
)

// portSet is a bitmap of bound ports.
type portSet struct {
	mu   sync.Mutex
	bits [(maxPort + 1) / 64]uint64
	next uint16
}

func (p *portSet) used(port uint16) bool {
	return p.bits[port/64]&(1<<(port%64)) != 0
}

func (p *portSet) set(port uint16)   { p.bits[port/64] |= 1 << (port % 64) }
func (p *portSet) clear(port uint16) { p.bits[port/64] &^= 1 << (port % 64) }

// reserve binds port if it is free.
func (p *portSet) reserve(port uint16) error {
	if port == 0 {
		return errors.Wrap(ErrInvalidPort, "port 0")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used(port) {
		return errors.Wrapf(ErrPortInUse, "port %d", port)
	}
	p.set(port)
	return nil
}

// allocate binds the next free ephemeral port, scanning round robin so a
// port just released is not handed out again right away.
func (p *portSet) allocate() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	const span = maxPort - FirstEphemeralPort + 1
	if p.next < FirstEphemeralPort {
		p.next = FirstEphemeralPort
	}
	for i := 0; i < span; i++ {
		port := p.next
		if p.next == maxPort {
			p.next = FirstEphemeralPort
		} else {
			p.next++
		}
		if !p.used(port) {
			p.set(port)
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}

func (p *portSet) free(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clear(port)
}

func (p *portSet) inUse(port uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used(port)
}
