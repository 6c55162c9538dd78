package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smithrun/smith/internal/engine"
)

// RunState tracks a single running or completed agent run.
type RunState struct {
	RunID       string
	Broadcaster *Broadcaster
	Approver    *WebApprover
	Cancel      context.CancelCauseFunc
	StartedAt   time.Time

	mu     sync.Mutex
	result *engine.RunResult
	err    error
	done   bool
}

// SetResult records the terminal outcome of the run.
func (rs *RunState) SetResult(res *engine.RunResult, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.result = res
	rs.err = err
	rs.done = true
}

// Status returns the current run status for the HTTP API.
func (rs *RunState) Status() RunStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	status := RunStatus{
		RunID: rs.RunID,
		State: "running",
	}
	if rs.done {
		if rs.err != nil {
			status.State = "failed"
			status.FailureReason = rs.err.Error()
		} else if rs.result != nil {
			status.State = "completed"
			status.Answer = rs.result.Answer
			q := rs.result.Quality
			status.Quality = &q
		}
	}

	if rs.Broadcaster != nil {
		history := rs.Broadcaster.History()
		if len(history) > 0 {
			last := history[len(history)-1]
			status.LastEvent = last.Type
			t := last.Time
			status.LastEventAt = &t
		}
	}
	return status
}

// RunRegistry tracks all runs managed by this server instance.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*RunState
}

// NewRunRegistry creates a new empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*RunState)}
}

// Register adds a run to the registry. Returns error if the ID already
// exists.
func (r *RunRegistry) Register(runID string, rs *RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[runID]; exists {
		return fmt.Errorf("run %s already exists", runID)
	}
	r.runs[runID] = rs
	return nil
}

// Get returns a run by ID, or nil and false if not found.
func (r *RunRegistry) Get(runID string) (*RunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.runs[runID]
	return rs, ok
}

// List returns all run IDs.
func (r *RunRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll cancels all running runs with the given reason.
func (r *RunRegistry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rs := range r.runs {
		if rs.Cancel != nil {
			rs.Cancel(fmt.Errorf("%s", reason))
		}
		if rs.Approver != nil {
			rs.Approver.Cancel()
		}
	}
}
