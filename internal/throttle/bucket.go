// Package throttle bounds outbound provider traffic. Each provider
// gets a dual token bucket (requests and tokens per minute) plus a
// circuit breaker; tools get rate pacers that enforce minimum spacing
// between invocations.
package throttle

import (
	"sync"
	"time"
)

// bucket tracks two coupled budgets refilled continuously: one request
// budget and one token budget. A 429 penalty can drive the request
// budget negative so all callers back off together.
type bucket struct {
	mu sync.Mutex

	rpmTokens float64
	tpmTokens float64

	rpmBurst    float64
	rpmFillRate float64 // tokens per second
	tpmFillRate float64 // tokens per second

	lastRefill time.Time
	now        func() time.Time
}

func newBucket(rpm, tpm int, now func() time.Time) *bucket {
	if now == nil {
		now = time.Now
	}
	return &bucket{
		rpmTokens:   float64(rpm),
		tpmTokens:   float64(tpm),
		rpmBurst:    float64(rpm),
		rpmFillRate: float64(rpm) / 60.0,
		tpmFillRate: float64(tpm) / 60.0,
		lastRefill:  now(),
		now:         now,
	}
}

func (b *bucket) refillLocked() {
	t := b.now()
	elapsed := t.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = t
	b.rpmTokens += elapsed * b.rpmFillRate
	if b.rpmTokens > b.rpmBurst {
		b.rpmTokens = b.rpmBurst
	}
	b.tpmTokens += elapsed * b.tpmFillRate
	burstTPM := b.tpmFillRate * 60
	if b.tpmTokens > burstTPM {
		b.tpmTokens = burstTPM
	}
}

// acquire debits one request and estimatedTokens when both budgets
// allow it, returning zero. Otherwise it returns how long the caller
// must wait for the larger deficit to refill, never less than 100ms.
func (b *bucket) acquire(estimatedTokens int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()

	need := float64(estimatedTokens)
	if b.rpmTokens >= 1 && b.tpmTokens >= need {
		b.rpmTokens--
		b.tpmTokens -= need
		return 0
	}

	waitRPM := 0.0
	if b.rpmTokens < 1 {
		waitRPM = (1 - b.rpmTokens) / b.rpmFillRate
	}
	waitTPM := 0.0
	if b.tpmTokens < need {
		waitTPM = (need - b.tpmTokens) / b.tpmFillRate
	}
	wait := waitRPM
	if waitTPM > wait {
		wait = waitTPM
	}
	if wait < 0.1 {
		wait = 0.1
	}
	return time.Duration(wait * float64(time.Second))
}

// penalize empties the request budget below zero so that refilling
// back to one request takes at least the given duration. Used when the
// provider answers 429 with a Retry-After.
func (b *bucket) penalize(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.rpmTokens = -(d.Seconds() * b.rpmFillRate)
}
