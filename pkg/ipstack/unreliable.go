package ipstack

import (
	"math/rand"
	"sync"
	"time"
)

// Faults are independent per-packet probabilities of misbehaviour.
type Faults struct {
	Loss        float64
	Corruption  float64
	Duplication float64
}

func (f Faults) none() bool {
	return f.Loss <= 0 && f.Corruption <= 0 && f.Duplication <= 0
}

// Wrap returns a Binder whose endpoints misbehave according to f.
func (f Faults) Wrap(b Binder) Binder {
	return faultyBinder{b: b, faults: f}
}

type faultyBinder struct {
	b      Binder
	faults Faults
}

func (fb faultyBinder) Bind(suffix int) (IP, error) {
	ip, err := fb.b.Bind(suffix)
	if err != nil {
		return nil, err
	}
	return NewUnreliable(ip, fb.faults), nil
}

// chaos draws fault decisions from a private random source.
type chaos struct {
	faults Faults
	mu     sync.Mutex
	rnd    *rand.Rand
}

func newChaos(f Faults) *chaos {
	return &chaos{faults: f, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// perturb decides the fate of p. It returns the packet to transmit (p itself
// or a corrupted copy) and how many times to transmit it.
func (c *chaos) perturb(p *Packet) (*Packet, int) {
	if c.faults.none() {
		return p, 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rnd.Float64() < c.faults.Loss {
		return p, 0
	}
	out := p
	if c.rnd.Float64() < c.faults.Corruption {
		// The caller may reuse p, so corrupt a copy.
		cp := *p
		cp.Data = make([]byte, len(p.Data))
		c.rnd.Read(cp.Data)
		out = &cp
	}
	if c.rnd.Float64() < c.faults.Duplication {
		return out, 2
	}
	return out, 1
}

// Unreliable wraps an IP endpoint and loses, corrupts or duplicates the
// packets it sends.
type Unreliable struct {
	IP
	chaos *chaos
}

func NewUnreliable(ip IP, f Faults) *Unreliable {
	return &Unreliable{IP: ip, chaos: newChaos(f)}
}

func (u *Unreliable) Send(p *Packet) (int, error) {
	out, copies := u.chaos.perturb(p)
	for i := 0; i < copies; i++ {
		if _, err := u.IP.Send(out); err != nil {
			return 0, err
		}
	}
	// A lost packet still looks sent to the caller.
	return p.Length, nil
}
