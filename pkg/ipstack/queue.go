package ipstack

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
)

// Queue is the receive side of an endpoint: a bounded ring of packet frames.
// A packet that does not fit is dropped, like a NIC overrun.
type Queue struct {
	mu      sync.Mutex
	ring    *ringbuffer.RingBuffer
	dropped int

	ready     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueue returns an open queue holding up to size bytes of frames.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ring:   ringbuffer.New(size),
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Push copies p into the ring. It reports false when the packet was dropped.
func (q *Queue) Push(p *Packet) bool {
	if checkPacket(p) != nil {
		return false
	}
	var hdr [frameHeaderSize]byte
	putFrameHeader(hdr[:], p)

	q.mu.Lock()
	if q.Closed() || q.ring.Free() < frameHeaderSize+p.Length {
		q.dropped++
		q.mu.Unlock()
		return false
	}
	q.ring.Write(hdr[:])
	if p.Length > 0 {
		q.ring.Write(p.Data[:p.Length])
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until a frame is available, the queue is closed or ctx is done.
func (q *Queue) Pop(ctx context.Context, p *Packet) error {
	for {
		if q.Closed() {
			return ErrClosed
		}

		q.mu.Lock()
		if !q.ring.IsEmpty() {
			err := q.readFrame(p)
			q.mu.Unlock()
			return err
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.closed:
			return ErrClosed
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "receive")
		}
	}
}

// readFrame must be called with q.mu held and a complete frame in the ring.
func (q *Queue) readFrame(p *Packet) error {
	var hdr [frameHeaderSize]byte
	if n, err := q.ring.Read(hdr[:]); err != nil || n != frameHeaderSize {
		q.ring.Reset()
		return errors.Errorf("receive ring corrupted: read %d header bytes: %v", n, err)
	}
	n, err := parseFrameHeader(hdr[:], p)
	if err != nil {
		q.ring.Reset()
		return err
	}
	p.Data = payloadBuffer(p.Data, n)
	if n > 0 {
		if m, err := q.ring.Read(p.Data[:n]); err != nil || m != n {
			q.ring.Reset()
			return errors.Errorf("receive ring corrupted: read %d of %d payload bytes: %v", m, n, err)
		}
	}
	p.Length = n
	return nil
}

func (q *Queue) Closed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// Dropped counts packets refused because the ring was full or closed.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
