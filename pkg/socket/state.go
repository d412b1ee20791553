package socket

import "fmt"

// State is the connection state of a Socket.
type State int

const (
	// Closed is both the initial and the final state.
	Closed State = iota
	Established
	// ReadOnly means the local side sent its FIN and may still read.
	ReadOnly
	// WriteOnly means the peer sent its FIN and the local side may still write.
	WriteOnly
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Established:
		return "ESTABLISHED"
	case ReadOnly:
		return "READ_ONLY"
	case WriteOnly:
		return "WRITE_ONLY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Readable reports whether Read may be called in s.
func (s State) Readable() bool {
	return s == Established || s == ReadOnly
}

// Writable reports whether Write may be called in s.
func (s State) Writable() bool {
	return s == Established || s == WriteOnly
}

// peerOpen reports whether the peer has not sent its FIN yet.
func (s State) peerOpen() bool {
	return s == Established || s == ReadOnly
}

// afterLocalClose is the state reached once our FIN went out.
func (s State) afterLocalClose() State {
	switch s {
	case Established:
		return ReadOnly
	case WriteOnly:
		return Closed
	default:
		return s
	}
}

// afterPeerClose is the state reached once the peer's FIN was acknowledged.
func (s State) afterPeerClose() State {
	switch s {
	case Established:
		return WriteOnly
	case ReadOnly:
		return Closed
	default:
		return s
	}
}
