package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/smithrun/smith/internal/authority"
	"github.com/smithrun/smith/internal/invoke"
	"github.com/smithrun/smith/internal/planner"
	"github.com/smithrun/smith/internal/registry"
	"github.com/smithrun/smith/internal/resolve"
	"github.com/smithrun/smith/internal/throttle"
	"github.com/smithrun/smith/internal/trace"
)

// Generator produces completions for final synthesis. Satisfied by
// *llm.Client.
type Generator interface {
	Generate(ctx context.Context, prompt, model string) (string, error)
}

// Options tune one engine instance.
type Options struct {
	MaxWorkers      int
	DefaultTimeout  time.Duration
	DefaultRetries  int
	TraceLimitChars int
	DebugMode       bool
	SynthesisModel  string
	Approval        ApprovalPolicy
	Sink            EventSink
}

func (o *Options) applyDefaults() {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 4
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 45 * time.Second
	}
	if o.DefaultRetries < 0 {
		o.DefaultRetries = 0
	}
	if o.TraceLimitChars <= 0 {
		o.TraceLimitChars = 50_000
	}
	if o.Sink == nil {
		o.Sink = nopSink{}
	}
}

// Engine runs plans. One instance serves many runs; per-run state
// lives on the stack of Run.
type Engine struct {
	reg   *registry.Registry
	plnr  *planner.Planner
	gen   Generator
	pacer *throttle.Pacer
	opts  Options
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	RunID   string
	Answer  string
	Trace   []trace.Entry
	Quality trace.QualityReport
}

func New(reg *registry.Registry, plnr *planner.Planner, gen Generator, pacer *throttle.Pacer, opts Options) *Engine {
	opts.applyDefaults()
	if pacer == nil {
		pacer = throttle.NewPacer()
	}
	return &Engine{reg: reg, plnr: plnr, gen: gen, pacer: pacer, opts: opts}
}

// NewRunID returns a fresh ULID run identifier.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}

func (e *Engine) emit(runID, typ string, payload map[string]any) {
	e.opts.Sink.Emit(Event{Type: typ, RunID: runID, Time: time.Now(), Payload: payload})
}

// Run plans and executes a user request end to end. The event stream
// ends with final_answer on success or error on a fatal failure; the
// returned error mirrors the error event.
func (e *Engine) Run(ctx context.Context, userRequest string) (*RunResult, error) {
	return e.RunWithID(ctx, NewRunID(), userRequest)
}

// RunWithID is Run with a caller-assigned run id, for servers that
// hand out the id before the run starts.
func (e *Engine) RunWithID(ctx context.Context, runID, userRequest string) (*RunResult, error) {
	e.emit(runID, EventStatus, map[string]any{"message": "Planning..."})

	e.plnr.SetWarningHandler(func(msg string) {
		e.emit(runID, EventWarning, map[string]any{"message": msg})
	})
	plan, err := e.plnr.PlanTask(ctx, userRequest)
	if err != nil {
		e.emit(runID, EventError, map[string]any{"message": err.Error()})
		return nil, err
	}
	e.emit(runID, EventPlanCreated, map[string]any{"plan": plan})

	entries, err := e.ExecutePlan(ctx, runID, plan)
	if err != nil {
		e.emit(runID, EventError, map[string]any{"message": err.Error()})
		return nil, err
	}

	e.emit(runID, EventStatus, map[string]any{"message": "Drafting final answer..."})
	answer, err := e.synthesize(ctx, userRequest, runID, entries)
	if err != nil {
		msg := fmt.Sprintf("finalization failed: %v", err)
		e.emit(runID, EventError, map[string]any{"message": msg})
		return nil, fmt.Errorf("%s", msg)
	}

	quality := trace.GradeExecution(entries)
	e.emit(runID, EventFinalAnswer, map[string]any{
		"answer":  answer,
		"quality": quality,
	})
	return &RunResult{RunID: runID, Answer: answer, Trace: entries, Quality: quality}, nil
}

// workerResult crosses from a worker goroutine back to the scheduler.
// Workers compute and report; all shared state stays with the
// scheduler.
type workerResult struct {
	idx      int
	envelope map[string]any
	started  time.Time
	ended    time.Time
	duration time.Duration
	attempts int
}

// ExecutePlan runs the plan DAG and returns the completed trace. Only
// the calling goroutine touches trace, completed, and submitted.
func (e *Engine) ExecutePlan(ctx context.Context, runID string, plan *planner.Plan) ([]trace.Entry, error) {
	nodes := plan.Nodes
	n := len(nodes)
	idToIdx := make(map[int]int, n)
	for i, node := range nodes {
		idToIdx[node.ID] = i
	}

	// Normalize dependencies to indices, dropping references that
	// would deadlock the DAG.
	deps := make([][]int, n)
	for i, node := range nodes {
		for _, depID := range node.DependsOn {
			j, ok := idToIdx[depID]
			if !ok || j >= i {
				e.emit(runID, EventWarning, map[string]any{
					"message": fmt.Sprintf("step %d depends on invalid id %d, dependency dropped", node.ID, depID),
				})
				continue
			}
			deps[i] = append(deps[i], j)
		}
	}

	entries := make([]*trace.Entry, n)
	completed := make(map[int]bool, n)
	submitted := make(map[int]bool, n)
	pendingArgs := make(map[int]map[string]any, n)
	inFlight := 0
	results := make(chan workerResult, n)

	finish := func(idx int, entry *trace.Entry) {
		entries[idx] = entry
		completed[idx] = true
		submitted[idx] = true
		e.emit(runID, EventStepComplete, stepCompletePayload(runID, entry))
	}

	for len(completed) < n {
		// Submit every ready node up to the worker bound.
		for idx := 0; idx < n; idx++ {
			if submitted[idx] {
				continue
			}
			ready := true
			upstreamFailed := false
			for _, d := range deps[idx] {
				if !completed[d] {
					ready = false
					break
				}
				if entries[d] != nil && entries[d].Status != trace.StatusSuccess {
					upstreamFailed = true
				}
			}
			if !ready {
				continue
			}
			node := nodes[idx]

			if upstreamFailed {
				now := time.Now()
				finish(idx, &trace.Entry{
					StepIndex: idx,
					Tool:      node.Tool,
					Function:  node.Function,
					Status:    trace.StatusSkipped,
					DependsOn: node.DependsOn,
					StartedAt: now,
					EndedAt:   now,
					Error:     "Upstream dependency failed",
				})
				continue
			}

			tool, ok := e.reg.Lookup(node.Tool)
			if !ok {
				now := time.Now()
				finish(idx, &trace.Entry{
					StepIndex: idx,
					Tool:      node.Tool,
					Function:  node.Function,
					Status:    trace.StatusError,
					DependsOn: node.DependsOn,
					StartedAt: now,
					EndedAt:   now,
					Error:     fmt.Sprintf("tool '%s' missing from registry", node.Tool),
				})
				continue
			}

			if inFlight >= e.opts.MaxWorkers {
				break
			}

			stepID := fmt.Sprintf("%s-step-%d", runID, idx)

			if tool.Descriptor.Dangerous {
				if e.opts.Approval.Require && !e.opts.Approval.autoApproved(node.Tool, node.Function) {
					e.emit(runID, EventApprovalRequired, map[string]any{
						"tool":     node.Tool,
						"function": node.Function,
						"step_id":  stepID,
						"message":  fmt.Sprintf("Security: Tool '%s' requires approval.", node.Tool),
					})
				}
				granted, err := e.opts.Approval.decide(ctx, ApprovalRequest{
					RunID:    runID,
					StepID:   stepID,
					Tool:     node.Tool,
					Function: node.Function,
					Inputs:   node.Inputs,
				})
				if err != nil {
					return collectEntries(entries), fmt.Errorf("approval for step %d: %w", idx, err)
				}
				if !granted {
					return collectEntries(entries), fmt.Errorf("approval denied for tool '%s' at step %d", node.Tool, idx)
				}
			}

			e.emit(runID, EventStepStart, map[string]any{
				"tool":       node.Tool,
				"function":   node.Function,
				"thought":    node.Thought,
				"step_index": idx,
				"step_id":    stepID,
				"message":    fmt.Sprintf("Step %d: %s", idx+1, node.Tool),
			})

			// Placeholders resolve here, on the scheduler goroutine,
			// where the trace is consistent.
			args := e.resolveArgs(node, entries, idToIdx)

			if e.opts.DebugMode {
				e.emit(runID, EventDebugArgs, map[string]any{"args": args, "step_id": stepID})
			}

			if risk := authority.CheckFabricationRisk(toolMeta(tool.Descriptor), args); risk.High {
				e.emit(runID, EventWarning, map[string]any{
					"message": fmt.Sprintf("fabrication risk at step %d: %s", idx, strings.Join(risk.Reasons, "; ")),
				})
			}

			submitted[idx] = true
			pendingArgs[idx] = args
			inFlight++
			go e.runNode(ctx, tool, node, idx, args, results)
		}

		if len(completed) == n {
			break
		}
		if inFlight == 0 {
			return collectEntries(entries), fmt.Errorf("Deadlock: Remaining nodes have unmet dependencies but no tasks running.")
		}

		select {
		case <-ctx.Done():
			return collectEntries(entries), ctx.Err()
		case res := <-results:
			inFlight--
			e.harvest(runID, nodes[res.idx], pendingArgs[res.idx], res, entries, completed)
		}
	}

	return collectEntries(entries), nil
}

// runNode executes one node on a worker goroutine. It paces the tool,
// invokes it, and reports back; it never touches scheduler state.
func (e *Engine) runNode(ctx context.Context, tool registry.Tool, node planner.Node, idx int, args map[string]any, results chan<- workerResult) {
	if err := e.pacer.Wait(ctx, node.Tool); err != nil {
		now := time.Now()
		results <- workerResult{
			idx:      idx,
			envelope: map[string]any{"status": "error", "error": err.Error()},
			started:  now,
			ended:    now,
		}
		return
	}
	timeout := e.opts.DefaultTimeout
	if node.Timeout > 0 {
		timeout = time.Duration(node.Timeout) * time.Second
	}
	retries := node.Retry
	if retries < 0 {
		retries = e.opts.DefaultRetries
	}
	started := time.Now()
	res := invoke.Run(ctx, tool, node.Function, args, invoke.Options{
		Timeout: timeout,
		Retries: retries,
	})
	results <- workerResult{
		idx:      idx,
		envelope: res.Envelope,
		started:  started,
		ended:    time.Now(),
		duration: res.Duration,
		attempts: res.Attempts,
	}
}

// harvest records a finished worker's result: authority validation,
// trace entry, step_complete event.
func (e *Engine) harvest(runID string, node planner.Node, args map[string]any, res workerResult, entries []*trace.Entry, completed map[int]bool) {
	tool, _ := e.reg.Lookup(node.Tool)
	validation := authority.Validate(toolMeta(tool.Descriptor), args, res.envelope)

	status := trace.StatusError
	var errMsg string
	var result map[string]any
	if s, _ := res.envelope["status"].(string); s == "success" {
		status = trace.StatusSuccess
		result = res.envelope
	} else {
		errMsg, _ = res.envelope["error"].(string)
		result = res.envelope
	}

	entry := &trace.Entry{
		StepIndex:    res.idx,
		Tool:         node.Tool,
		Function:     node.Function,
		Status:       status,
		DependsOn:    node.DependsOn,
		StartedAt:    res.started,
		EndedAt:      res.ended,
		Duration:     res.duration,
		Input:        args,
		Result:       result,
		Error:        errMsg,
		Quality:      validation.Quality,
		Violations:   validation.Violations,
		ResultDigest: trace.Digest(result),
		Meta:         map[string]any{"attempts": res.attempts},
	}
	for _, v := range validation.Violations {
		e.emit(runID, EventWarning, map[string]any{"message": "authority violation: " + v})
	}
	entries[res.idx] = entry
	completed[res.idx] = true
	e.emit(runID, EventStepComplete, stepCompletePayload(runID, entry))
}

// resolveArgs substitutes step placeholders into reasoning prompts.
// Other tools receive their inputs untouched.
func (e *Engine) resolveArgs(node planner.Node, entries []*trace.Entry, idToIdx map[int]int) map[string]any {
	args := make(map[string]any, len(node.Inputs))
	for k, v := range node.Inputs {
		args[k] = v
	}
	if node.Tool != "llm_caller" {
		return args
	}
	prompt, ok := args["prompt"].(string)
	if !ok {
		return args
	}
	args["prompt"] = resolve.Prompt(prompt, func(id int) (any, bool) {
		idx, ok := idToIdx[id]
		if !ok || idx < 0 || idx >= len(entries) || entries[idx] == nil {
			return nil, false
		}
		return entries[idx].Result, true
	})
	return args
}

func (e *Engine) synthesize(ctx context.Context, userRequest, runID string, entries []trace.Entry) (string, error) {
	ctxStr := trace.Compact(entries, e.opts.TraceLimitChars)
	prompt := fmt.Sprintf(
		"User Request: %s\n\n"+
			"Execution Trace (machine readable JSON):\n%s\n\n"+
			"INSTRUCTIONS:\n"+
			"1. Answer ONLY using information present in the trace.\n"+
			"2. If something is missing or a tool failed, say that explicitly.\n"+
			"3. Do not invent URLs, numbers, or tools that are not present.\n",
		userRequest, ctxStr)
	return e.gen.Generate(ctx, prompt, e.opts.SynthesisModel)
}

func stepCompletePayload(runID string, entry *trace.Entry) map[string]any {
	// Event consumers see a binary status; skipped nodes surface as
	// errors with the cascade message in the error field. The trace
	// keeps the three-way status.
	status := entry.Status
	if status != trace.StatusSuccess {
		status = trace.StatusError
	}
	return map[string]any{
		"step_index": entry.StepIndex,
		"step_id":    fmt.Sprintf("%s-step-%d", runID, entry.StepIndex),
		"tool":       entry.Tool,
		"function":   entry.Function,
		"status":     status,
		"payload":    entry.Result,
		"duration":   entry.Duration.Seconds(),
		"quality":    entry.Quality,
		"violations": entry.Violations,
		"digest":     entry.ResultDigest,
		"error":      entry.Error,
	}
}

func collectEntries(entries []*trace.Entry) []trace.Entry {
	out := make([]trace.Entry, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out
}

func toolMeta(d registry.Descriptor) authority.ToolMeta {
	return authority.ToolMeta{
		Name:              d.Name,
		Domain:            d.Domain,
		ProhibitedOutputs: d.ProhibitedOutputs,
	}
}
