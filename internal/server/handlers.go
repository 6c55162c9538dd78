package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/smithrun/smith/internal/engine"
)

// validRunID matches ULIDs, UUIDs, and other safe identifiers.
// Only alphanumeric, dashes, and underscores are allowed.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   len(s.runs.List()),
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": s.runner.Registry.Descriptors(),
	})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if strings.TrimSpace(req.Request) == "" {
		writeError(w, http.StatusBadRequest, "request is required")
		return
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = engine.NewRunID()
	}
	if !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	// Create run components.
	broadcaster := NewBroadcaster()
	approver := NewWebApprover(s.config.ApprovalTimeout)
	ctx, cancel := context.WithCancelCause(s.baseCtx)

	rs := &RunState{
		RunID:       runID,
		Broadcaster: broadcaster,
		Approver:    approver,
		Cancel:      cancel,
		StartedAt:   time.Now().UTC(),
	}

	if err := s.runs.Register(runID, rs); err != nil {
		cancel(nil)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	// Launch the run in a background goroutine with a per-run engine:
	// same shared parts, per-run sink and approval decider.
	go func() {
		defer broadcaster.Close()

		opts := s.runner.Options
		opts.Sink = broadcaster
		opts.Approval.Decider = approver.Decide
		eng := engine.New(s.runner.Registry, s.runner.Planner, s.runner.Generator, s.runner.Pacer, opts)

		res, err := eng.RunWithID(ctx, runID, req.Request)
		rs.SetResult(res, err)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"run_id": runID,
		"status": "accepted",
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	rs, ok := s.runs.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}

	writeJSON(w, http.StatusOK, rs.Status())
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	rs, ok := s.runs.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}

	WriteSSE(w, r, rs.Broadcaster)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	rs, ok := s.runs.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}

	rs.Cancel(fmt.Errorf("canceled via HTTP API"))
	rs.Approver.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleGetApprovals(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	rs, ok := s.runs.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}

	writeJSON(w, http.StatusOK, rs.Approver.Pending())
}

func (s *Server) handleAnswerApproval(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	aid := r.PathValue("aid")
	if runID == "" || aid == "" {
		writeError(w, http.StatusBadRequest, "run_id and approval_id are required")
		return
	}

	rs, ok := s.runs.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}

	var req ApprovalAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	if !rs.Approver.Answer(aid, req.Approve) {
		writeError(w, http.StatusNotFound, "approval not found or already answered")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
