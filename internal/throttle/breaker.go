package throttle

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
)

// breaker is a two-state circuit breaker. After failureThreshold
// consecutive failures it opens; once recoveryTimeout has elapsed it
// admits a single probe, and a success closes it again.
type breaker struct {
	mu sync.Mutex

	state            breakerState
	failures         int
	failureThreshold int
	recoveryTimeout  time.Duration
	openedAt         time.Time
	now              func() time.Time
}

func newBreaker(failureThreshold int, recoveryTimeout time.Duration, now func() time.Time) *breaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &breaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              now,
	}
}

// allow reports whether a call may proceed. When the circuit is open
// and the recovery timeout has elapsed, a probe is allowed through;
// the circuit stays open until that probe reports success.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerClosed {
		return true
	}
	return b.now().Sub(b.openedAt) >= b.recoveryTimeout
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// open reports whether the circuit is currently open, ignoring the
// recovery probe window.
func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen
}
