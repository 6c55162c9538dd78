package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smithrun/smith/internal/engine"
)

// WebApprover satisfies engine.ApprovalDecider by parking dangerous
// tool calls until an HTTP client answers them. The scheduler blocks
// in Decide until a decision is posted via Answer or the timeout
// expires; a timeout denies.
//
// Multiple approvals can be pending concurrently when parallel plans
// each hit a dangerous tool at the same time.
type WebApprover struct {
	mu       sync.Mutex
	pending  map[string]*pendingApproval // keyed by approval ID
	timeout  time.Duration
	aidSeq   uint64
	cancelCh chan struct{}
}

type pendingApproval struct {
	ID       string
	Request  engine.ApprovalRequest
	AskedAt  time.Time
	answerCh chan bool
}

// NewWebApprover creates a WebApprover with the given timeout. If
// timeout <= 0, defaults to 10 minutes.
func NewWebApprover(timeout time.Duration) *WebApprover {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &WebApprover{
		timeout:  timeout,
		cancelCh: make(chan struct{}),
		pending:  make(map[string]*pendingApproval),
	}
}

// Decide blocks until a decision is posted, the timeout passes, or the
// run is canceled. Timeouts and cancellations deny.
func (wa *WebApprover) Decide(ctx context.Context, req engine.ApprovalRequest) (bool, error) {
	wa.mu.Lock()
	wa.aidSeq++
	aid := fmt.Sprintf("a-%d", wa.aidSeq)
	ch := make(chan bool, 1)
	wa.pending[aid] = &pendingApproval{
		ID:       aid,
		Request:  req,
		AskedAt:  time.Now().UTC(),
		answerCh: ch,
	}
	wa.mu.Unlock()

	defer func() {
		wa.mu.Lock()
		delete(wa.pending, aid)
		wa.mu.Unlock()
	}()

	timer := time.NewTimer(wa.timeout)
	defer timer.Stop()

	select {
	case granted := <-ch:
		return granted, nil
	case <-timer.C:
		return false, fmt.Errorf("approval for tool '%s' timed out", req.Tool)
	case <-wa.cancelCh:
		return false, fmt.Errorf("run canceled while awaiting approval")
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Pending returns all approvals currently awaiting a decision.
func (wa *WebApprover) Pending() []PendingApproval {
	wa.mu.Lock()
	defer wa.mu.Unlock()
	out := make([]PendingApproval, 0, len(wa.pending))
	for _, pa := range wa.pending {
		out = append(out, PendingApproval{
			ApprovalID: pa.ID,
			StepID:     pa.Request.StepID,
			Tool:       pa.Request.Tool,
			Function:   pa.Request.Function,
			Inputs:     pa.Request.Inputs,
			AskedAt:    pa.AskedAt,
		})
	}
	return out
}

// Cancel unblocks all in-flight Decide calls, denying them. Safe to
// call multiple times.
func (wa *WebApprover) Cancel() {
	wa.mu.Lock()
	defer wa.mu.Unlock()
	select {
	case <-wa.cancelCh:
		// already closed
	default:
		close(wa.cancelCh)
	}
}

// Answer delivers a decision to a pending approval by ID. Returns
// false if aid does not match any pending approval or is already
// answered.
func (wa *WebApprover) Answer(aid string, approve bool) bool {
	wa.mu.Lock()
	defer wa.mu.Unlock()
	pa, ok := wa.pending[aid]
	if !ok {
		return false
	}
	select {
	case pa.answerCh <- approve:
		delete(wa.pending, aid) // prevent duplicate answers
		return true
	default:
		return false // already answered
	}
}
