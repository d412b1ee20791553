package socket

import "time"

// HandshakeRecovery selects what Accept does when the final ACK of a
// handshake never arrives.
type HandshakeRecovery int

const (
	// RestartListen forgets the half-open peer and waits for a new SYN, so
	// Accept only returns once a handshake completes.
	RestartListen HandshakeRecovery = iota
	// GiveUp makes Accept return ErrTimeout.
	GiveUp
)

func (h HandshakeRecovery) String() string {
	if h == GiveUp {
		return "give-up"
	}
	return "restart-listen"
}

const (
	DefaultAttempts = 10
	DefaultTimeout  = time.Second
)

// RetryPolicy bounds every retransmission loop of a socket: each segment is
// sent at most Attempts times, waiting Timeout for an answer each time.
type RetryPolicy struct {
	Attempts  int
	Timeout   time.Duration
	Handshake HandshakeRecovery
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  DefaultAttempts,
		Timeout:   DefaultTimeout,
		Handshake: RestartListen,
	}
}

// Budget is the longest a single retransmission loop may block.
func (p RetryPolicy) Budget() time.Duration {
	return time.Duration(p.Attempts) * p.Timeout
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}
