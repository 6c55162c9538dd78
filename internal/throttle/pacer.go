package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces minimum spacing between invocations of individual
// tools, independent of the provider buckets. Each tool gets a
// one-slot limiter at its configured rate.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// DefaultToolRates is the per-tool invocation rate in calls per
// second used when the descriptor does not override it.
var DefaultToolRates = map[string]float64{
	"llm_caller":      1.0,
	"google_search":   0.5,
	"news_fetcher":    0.5,
	"weather_fetcher": 0.2,
}

func NewPacer() *Pacer {
	return &Pacer{limiters: map[string]*rate.Limiter{}}
}

// SetRate installs a limiter for the tool at callsPerSec. Rates at or
// below zero remove pacing for the tool.
func (p *Pacer) SetRate(tool string, callsPerSec float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if callsPerSec <= 0 {
		delete(p.limiters, tool)
		return
	}
	p.limiters[tool] = rate.NewLimiter(rate.Limit(callsPerSec), 1)
}

// SetMinInterval is SetRate expressed as a spacing.
func (p *Pacer) SetMinInterval(tool string, interval time.Duration) {
	if interval <= 0 {
		p.SetRate(tool, 0)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiters[tool] = rate.NewLimiter(rate.Every(interval), 1)
}

// Wait blocks until the tool may be invoked again. Tools without a
// limiter pass through.
func (p *Pacer) Wait(ctx context.Context, tool string) error {
	p.mu.Lock()
	lim, ok := p.limiters[tool]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return lim.Wait(ctx)
}
