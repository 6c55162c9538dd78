// Package llm provides the reasoning-model client. A ProviderAdapter
// performs one completion; the Client layers throttling, global call
// spacing, model fallback, and retry on top.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/smithrun/smith/internal/throttle"
)

// FallbackModels is the model chain tried in order when the requested
// model is unavailable.
var FallbackModels = []string{
	"llama-3.3-70b-versatile",
	"llama3-70b-8192",
	"mixtral-8x7b-32768",
	"llama3-8b-8192",
}

// minCallInterval spaces all reasoning calls in the process so parent
// and sub-agent runs share one budget.
const minCallInterval = 3 * time.Second

// Request is one completion request.
type Request struct {
	Model       string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Response is the adapter's completion result.
type Response struct {
	Text  string
	Model string
}

// ProviderAdapter performs a single completion against one provider.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// RateLimitError signals a provider 429. RetryAfter may be zero when
// the provider did not say.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("rate limited: %v", e.Err) }
func (e *RateLimitError) Unwrap() error { return e.Err }

// ModelNotFoundError signals that the requested model does not exist
// on the provider; the client advances down the fallback chain.
type ModelNotFoundError struct {
	Model string
	Err   error
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %s unavailable: %v", e.Model, e.Err)
}
func (e *ModelNotFoundError) Unwrap() error { return e.Err }

// Client wraps an adapter with throttling and retry. One instance per
// process.
type Client struct {
	adapter      ProviderAdapter
	throttler    *throttle.Throttler
	defaultModel string

	maxRetries int
	baseDelay  time.Duration

	// spacer enforces the process-wide minimum interval between calls.
	spacer *rate.Limiter
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client over the adapter. throttler may be nil in
// tests; defaultModel falls back to the head of the model chain.
func NewClient(adapter ProviderAdapter, throttler *throttle.Throttler, defaultModel string) *Client {
	if strings.TrimSpace(defaultModel) == "" {
		defaultModel = FallbackModels[0]
	}
	return &Client{
		adapter:      adapter,
		throttler:    throttler,
		defaultModel: defaultModel,
		maxRetries:   3,
		baseDelay:    2 * time.Second,
		spacer:       rate.NewLimiter(rate.Every(minCallInterval), 1),
		sleep:        sleepWithContext,
	}
}

// DefaultModel returns the configured primary model.
func (c *Client) DefaultModel() string { return c.defaultModel }

// Generate runs one completion with fallback and retry. A model of ""
// or "default" uses the configured primary model.
func (c *Client) Generate(ctx context.Context, prompt, model string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}
	current := model
	if current == "" || current == "default" {
		current = c.defaultModel
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.spacer.Wait(ctx); err != nil {
			return "", err
		}
		if c.throttler != nil {
			if err := c.throttler.WaitForSlot(ctx, c.adapter.Name(), EstimateTokens(prompt)); err != nil {
				return "", err
			}
		}

		resp, err := c.adapter.Complete(ctx, Request{
			Model:       current,
			Prompt:      prompt,
			Temperature: 0.7,
			MaxTokens:   8192,
		})
		if err == nil {
			if c.throttler != nil {
				c.throttler.ReportSuccess(c.adapter.Name())
			}
			text := strings.TrimSpace(resp.Text)
			if text == "" {
				return "", fmt.Errorf("empty completion from %s", current)
			}
			return text, nil
		}
		lastErr = err

		var rle *RateLimitError
		if errors.As(err, &rle) {
			if c.throttler != nil {
				c.throttler.Report429(c.adapter.Name(), rle.RetryAfter)
			}
			if attempt == c.maxRetries {
				break
			}
			if serr := c.sleep(ctx, c.backoffDelay(attempt)); serr != nil {
				return "", serr
			}
			continue
		}

		var mnf *ModelNotFoundError
		if errors.As(err, &mnf) {
			if next, ok := nextFallback(current); ok {
				current = next
				continue
			}
		}

		if c.throttler != nil {
			c.throttler.ReportFailure(c.adapter.Name())
		}
		if attempt == c.maxRetries || ctx.Err() != nil {
			break
		}
		if serr := c.sleep(ctx, c.backoffDelay(attempt)); serr != nil {
			return "", serr
		}
	}
	return "", fmt.Errorf("llm call failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	return c.baseDelay * (1 << attempt)
}

func nextFallback(current string) (string, bool) {
	for i, m := range FallbackModels {
		if m == current && i+1 < len(FallbackModels) {
			return FallbackModels[i+1], true
		}
	}
	return "", false
}

// EstimateTokens is the cheap heuristic used for throttler debits:
// roughly one token per four characters, with a floor for framing
// overhead.
func EstimateTokens(prompt string) int {
	n := len(prompt) / 4
	if n < 100 {
		n = 100
	}
	return n
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
