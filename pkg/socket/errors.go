package socket

import "github.com/pkg/errors"

// Network failures are returned to the caller.
var (
	// ErrTimeout means the retry budget ran out before the peer answered.
	ErrTimeout = errors.New("connection timed out")
	// ErrNotOpen is returned by Close on a socket that is already closed.
	ErrNotOpen = errors.New("socket not open")
)

// Precondition violations are programming errors; the socket panics with an
// error wrapping one of these.
var (
	ErrInvalidState = errors.New("invalid socket state")
	ErrNilBuffer    = errors.New("nil buffer")
)

func mustState(ok bool, op string, s State) {
	if !ok {
		panic(errors.Wrapf(ErrInvalidState, "%s in state %s", op, s))
	}
}

func mustBuffer(b []byte, op string) {
	if b == nil {
		panic(errors.Wrap(ErrNilBuffer, op))
	}
}
