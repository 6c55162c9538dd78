package throttle

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// ProviderLimits configures one provider's budgets and breaker.
type ProviderLimits struct {
	RPM              int
	TPM              int
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Throttler coordinates all outbound calls to rate-limited providers.
// One instance per process; callers WaitForSlot before a request and
// report the outcome afterwards.
type Throttler struct {
	mu        sync.Mutex
	providers map[string]*providerState

	// maxSleep caps any single wait so a drained bucket cannot park a
	// caller indefinitely.
	maxSleep time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type providerState struct {
	bucket  *bucket
	breaker *breaker
	// seq makes jitter deterministic per wait without sharing RNG state.
	seq uint64
}

// ErrCircuitOpen is returned when the provider's breaker rejects the
// call outright.
var ErrCircuitOpen = fmt.Errorf("provider circuit open")

func New(maxSleep time.Duration) *Throttler {
	if maxSleep <= 0 {
		maxSleep = 30 * time.Second
	}
	return &Throttler{
		providers: map[string]*providerState{},
		maxSleep:  maxSleep,
		now:       time.Now,
		sleep:     sleepWithContext,
	}
}

// Configure registers or replaces a provider's limits.
func (t *Throttler) Configure(provider string, lim ProviderLimits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providers[provider] = &providerState{
		bucket:  newBucket(lim.RPM, lim.TPM, t.now),
		breaker: newBreaker(lim.FailureThreshold, lim.RecoveryTimeout, t.now),
	}
}

func (t *Throttler) state(provider string) (*providerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.providers[provider]
	return st, ok
}

// WaitForSlot blocks until the provider has budget for one request of
// the estimated token size, or fails with ErrCircuitOpen or the
// context error. Unknown providers pass through unthrottled.
func (t *Throttler) WaitForSlot(ctx context.Context, provider string, estimatedTokens int) error {
	st, ok := t.state(provider)
	if !ok {
		return nil
	}
	if !st.breaker.allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, provider)
	}
	for {
		wait := st.bucket.acquire(estimatedTokens)
		if wait == 0 {
			return nil
		}
		wait += t.jitter(provider, st)
		if wait > t.maxSleep {
			wait = t.maxSleep
		}
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// jitter returns a deterministic value in [0, 500ms) derived from the
// provider name and a per-provider sequence number.
func (t *Throttler) jitter(provider string, st *providerState) time.Duration {
	t.mu.Lock()
	st.seq++
	seq := st.seq
	t.mu.Unlock()
	seed := fmt.Sprintf("%s:%d", provider, seq)
	return time.Duration(jitterUnit(seed) * float64(500*time.Millisecond))
}

// ReportSuccess closes the provider's breaker.
func (t *Throttler) ReportSuccess(provider string) {
	if st, ok := t.state(provider); ok {
		st.breaker.recordSuccess()
	}
}

// ReportFailure counts one failure towards opening the breaker.
func (t *Throttler) ReportFailure(provider string) {
	if st, ok := t.state(provider); ok {
		st.breaker.recordFailure()
	}
}

// Report429 reacts to a provider rate-limit response: the request
// bucket is drained so refilling takes at least retryAfter, and the
// failure counts towards the breaker.
func (t *Throttler) Report429(provider string, retryAfter time.Duration) {
	st, ok := t.state(provider)
	if !ok {
		return
	}
	if retryAfter > 0 {
		st.bucket.penalize(retryAfter)
	}
	st.breaker.recordFailure()
}

// CircuitOpen reports the breaker state for diagnostics.
func (t *Throttler) CircuitOpen(provider string) bool {
	st, ok := t.state(provider)
	if !ok {
		return false
	}
	return st.breaker.open()
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
