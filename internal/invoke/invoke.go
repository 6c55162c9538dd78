// Package invoke runs a single tool call under a wall-clock bound and
// normalizes whatever comes back into a status envelope. The engine
// never sees raw handler values, panics, or Go errors.
package invoke

import (
	"context"
	"fmt"
	"time"

	"github.com/smithrun/smith/internal/registry"
)

// Options bound one invocation.
type Options struct {
	Timeout time.Duration
	// Retries is how many additional attempts follow a non-success
	// envelope.
	Retries int
	// RetryPause separates attempts. Defaults to one second.
	RetryPause time.Duration
}

// Result is the normalized outcome of an invocation.
type Result struct {
	Envelope map[string]any
	Attempts int
	Duration time.Duration
}

// Status reads the envelope status.
func (r Result) Status() string {
	s, _ := r.Envelope["status"].(string)
	return s
}

// Run executes tool.function(args) with timeout and retry. The
// handler runs on its own goroutine; when the deadline passes the
// attempt is abandoned and a late completion has no observable effect.
func Run(ctx context.Context, tool registry.Tool, function string, args map[string]any, opts Options) Result {
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	if opts.RetryPause <= 0 {
		opts.RetryPause = time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	start := time.Now()
	var envelope map[string]any
	attempts := 0
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		attempts++
		envelope = runOnce(ctx, tool, function, args, opts.Timeout)
		if envelope["status"] == "success" {
			break
		}
		if attempt == opts.Retries {
			break
		}
		if err := sleepWithContext(ctx, opts.RetryPause); err != nil {
			break
		}
	}
	return Result{Envelope: envelope, Attempts: attempts, Duration: time.Since(start)}
}

func runOnce(ctx context.Context, tool registry.Tool, function string, args map[string]any, timeout time.Duration) map[string]any {
	type outcome struct {
		value any
		err   error
	}
	// Buffered so an abandoned handler can still send and exit.
	done := make(chan outcome, 1)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panic: %v", r)}
			}
		}()
		v, err := tool.Handler(callCtx, function, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return errorEnvelope(fmt.Sprintf("canceled: %v", ctx.Err()))
		}
		return errorEnvelope(fmt.Sprintf("Execution timed out (%s)", timeout))
	case out := <-done:
		if out.err != nil {
			return errorEnvelope(out.err.Error())
		}
		return Normalize(out.value)
	}
}

// Normalize wraps a raw handler return in the status envelope. Maps
// that already carry a status pass through verbatim; any other value
// becomes a success result.
func Normalize(v any) map[string]any {
	switch x := v.(type) {
	case map[string]any:
		if _, ok := x["status"]; ok {
			return x
		}
		return map[string]any{"status": "success", "result": x}
	default:
		return map[string]any{"status": "success", "result": v}
	}
}

func errorEnvelope(msg string) map[string]any {
	return map[string]any{"status": "error", "error": msg}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
