// Package engine executes validated plans: parallel DAG scheduling,
// approval gating, authority validation, event emission, and final
// synthesis.
package engine

import (
	"time"
)

// Event types emitted during a run. The stream is ordered and ends
// with exactly one final_answer or error event.
const (
	EventStatus           = "status"
	EventPlanCreated      = "plan_created"
	EventStepStart        = "step_start"
	EventDebugArgs        = "debug_args"
	EventApprovalRequired = "approval_required"
	EventStepComplete     = "step_complete"
	EventFinalAnswer      = "final_answer"
	EventError            = "error"
	EventWarning          = "warning"
)

// Event is one entry in a run's event stream. Payload keys vary by
// type; RunID is always set.
type Event struct {
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EventSink receives events in emission order. Implementations must
// not block for long; the scheduler emits inline.
type EventSink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// MultiSink fans out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// CollectorSink retains every event, for tests and the CLI transcript.
type CollectorSink struct {
	Events []Event
}

func (c *CollectorSink) Emit(ev Event) { c.Events = append(c.Events, ev) }

// nopSink drops everything.
type nopSink struct{}

func (nopSink) Emit(Event) {}
