package throttle

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBucketAcquireDebitsBothBudgets(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newBucket(30, 6000, clock.now)

	if wait := b.acquire(100); wait != 0 {
		t.Fatalf("first acquire: got wait %v want 0", wait)
	}
	if b.rpmTokens != 29 {
		t.Fatalf("rpm tokens: got %v want 29", b.rpmTokens)
	}
	if b.tpmTokens != 5900 {
		t.Fatalf("tpm tokens: got %v want 5900", b.tpmTokens)
	}
}

func TestBucketDeficitWait(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newBucket(60, 6000, clock.now)

	// Drain the request budget entirely.
	for i := 0; i < 60; i++ {
		if wait := b.acquire(1); wait != 0 {
			t.Fatalf("acquire %d: got wait %v want 0", i, wait)
		}
	}
	wait := b.acquire(1)
	if wait <= 0 {
		t.Fatalf("drained acquire: got wait %v want > 0", wait)
	}
	// 60 rpm refills one request per second.
	if wait < 900*time.Millisecond || wait > 1100*time.Millisecond {
		t.Fatalf("drained acquire: got wait %v want ~1s", wait)
	}
}

func TestBucketMinimumWait(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newBucket(6000, 600000, clock.now)
	for b.acquire(1) == 0 {
	}
	// High fill rates still wait at least 100ms.
	if wait := b.acquire(1); wait < 100*time.Millisecond {
		t.Fatalf("minimum wait: got %v want >= 100ms", wait)
	}
}

func TestBucketRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newBucket(60, 6000, clock.now)
	for i := 0; i < 60; i++ {
		b.acquire(1)
	}
	clock.advance(2 * time.Second)
	if wait := b.acquire(1); wait != 0 {
		t.Fatalf("post-refill acquire: got wait %v want 0", wait)
	}
}

func TestPenalizeDrivesBucketNegative(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newBucket(60, 6000, clock.now)
	b.penalize(10 * time.Second)
	if b.rpmTokens >= 0 {
		t.Fatalf("penalize: rpm tokens %v want negative", b.rpmTokens)
	}
	wait := b.acquire(1)
	// Refilling from -10s of tokens back to 1 takes at least 10s.
	if wait < 10*time.Second {
		t.Fatalf("penalized acquire: got wait %v want >= 10s", wait)
	}
}

func TestBreakerOpensAndProbes(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	br := newBreaker(3, 30*time.Second, clock.now)

	for i := 0; i < 3; i++ {
		if !br.allow() {
			t.Fatalf("closed breaker refused call %d", i)
		}
		br.recordFailure()
	}
	if !br.open() {
		t.Fatalf("breaker did not open after threshold failures")
	}
	if br.allow() {
		t.Fatalf("open breaker allowed a call before recovery")
	}
	clock.advance(30 * time.Second)
	if !br.allow() {
		t.Fatalf("open breaker refused the recovery probe")
	}
	// Still open until the probe succeeds.
	if !br.open() {
		t.Fatalf("breaker closed without a recorded success")
	}
	br.recordSuccess()
	if br.open() {
		t.Fatalf("breaker still open after success")
	}
}

func TestWaitForSlotCircuitOpen(t *testing.T) {
	th := New(30 * time.Second)
	th.Configure("groq", ProviderLimits{RPM: 30, TPM: 6000, FailureThreshold: 2, RecoveryTimeout: time.Hour})
	th.ReportFailure("groq")
	th.ReportFailure("groq")

	err := th.WaitForSlot(context.Background(), "groq", 100)
	if err == nil {
		t.Fatalf("expected circuit-open error")
	}
	if !th.CircuitOpen("groq") {
		t.Fatalf("CircuitOpen: got false want true")
	}
}

func TestWaitForSlotSleepsOnDeficit(t *testing.T) {
	th := New(30 * time.Second)
	th.Configure("groq", ProviderLimits{RPM: 1, TPM: 100})

	var slept []time.Duration
	th.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		// Simulate refill by swapping in a fresh bucket.
		st, _ := th.state("groq")
		st.bucket = newBucket(1, 100, time.Now)
		return nil
	}
	if err := th.WaitForSlot(context.Background(), "groq", 10); err != nil {
		t.Fatalf("first WaitForSlot: %v", err)
	}
	if err := th.WaitForSlot(context.Background(), "groq", 50); err != nil {
		t.Fatalf("second WaitForSlot: %v", err)
	}
	if len(slept) == 0 {
		t.Fatalf("expected at least one sleep on token deficit")
	}
	for _, d := range slept {
		if d > 30*time.Second {
			t.Fatalf("sleep %v exceeds cap", d)
		}
	}
}

func TestWaitForSlotUnknownProviderPassesThrough(t *testing.T) {
	th := New(time.Second)
	if err := th.WaitForSlot(context.Background(), "nobody", 1); err != nil {
		t.Fatalf("unknown provider: %v", err)
	}
}

func TestReport429Penalizes(t *testing.T) {
	th := New(30 * time.Second)
	th.Configure("groq", ProviderLimits{RPM: 60, TPM: 6000})
	th.Report429("groq", 5*time.Second)
	st, _ := th.state("groq")
	if st.bucket.rpmTokens >= 0 {
		t.Fatalf("429 did not drain the bucket: %v", st.bucket.rpmTokens)
	}
}

func TestPacerEnforcesSpacing(t *testing.T) {
	p := NewPacer()
	p.SetMinInterval("weather_fetcher", 50*time.Millisecond)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(ctx, "weather_fetcher"); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("pacer spacing: 3 calls in %v, want >= ~100ms", elapsed)
	}
	// Unpaced tools never block.
	if err := p.Wait(ctx, "echo"); err != nil {
		t.Fatalf("unpaced Wait: %v", err)
	}
}

func TestJitterUnitRange(t *testing.T) {
	for _, seed := range []string{"", "a", "groq:1", "groq:2"} {
		u := jitterUnit(seed)
		if u < 0 || u > 1 {
			t.Fatalf("jitterUnit(%q) = %v out of [0,1]", seed, u)
		}
	}
	if jitterUnit("groq:1") != jitterUnit("groq:1") {
		t.Fatalf("jitterUnit not deterministic")
	}
}
