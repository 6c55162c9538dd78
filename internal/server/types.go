package server

import (
	"time"

	"github.com/smithrun/smith/internal/trace"
)

// SubmitRunRequest is the POST /runs request body.
type SubmitRunRequest struct {
	// Request is the natural-language task to plan and execute.
	Request string `json:"request"`

	// RunID is optional. If empty, a ULID is generated.
	RunID string `json:"run_id,omitempty"`
}

// RunStatus is returned by GET /runs/{id}.
type RunStatus struct {
	RunID         string               `json:"run_id"`
	State         string               `json:"state"`
	LastEvent     string               `json:"last_event,omitempty"`
	LastEventAt   *time.Time           `json:"last_event_at,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	Answer        string               `json:"answer,omitempty"`
	Quality       *trace.QualityReport `json:"quality,omitempty"`
}

// PendingApproval is returned by GET /runs/{id}/approvals.
type PendingApproval struct {
	ApprovalID string         `json:"approval_id"`
	StepID     string         `json:"step_id"`
	Tool       string         `json:"tool"`
	Function   string         `json:"function"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	AskedAt    time.Time      `json:"asked_at"`
}

// ApprovalAnswerRequest is the POST /runs/{id}/approvals/{aid}/answer
// body.
type ApprovalAnswerRequest struct {
	Approve bool `json:"approve"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
