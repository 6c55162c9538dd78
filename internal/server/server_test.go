package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smithrun/smith/internal/engine"
	"github.com/smithrun/smith/internal/planner"
	"github.com/smithrun/smith/internal/registry"
	"github.com/smithrun/smith/internal/throttle"
)

func TestBroadcasterReplayAndLive(t *testing.T) {
	b := NewBroadcaster()
	b.Emit(engine.Event{Type: "status", RunID: "r1"})
	b.Emit(engine.Event{Type: "step_start", RunID: "r1"})

	events, _, unsub := b.Subscribe(0)
	defer unsub()

	if sev := <-events; sev.Event.Type != "status" || sev.Seq != 1 {
		t.Fatalf("replay[0]: %s seq %d", sev.Event.Type, sev.Seq)
	}
	if sev := <-events; sev.Event.Type != "step_start" || sev.Seq != 2 {
		t.Fatalf("replay[1]: %s seq %d", sev.Event.Type, sev.Seq)
	}

	b.Emit(engine.Event{Type: "final_answer", RunID: "r1"})
	if sev := <-events; sev.Event.Type != "final_answer" || sev.Seq != 3 {
		t.Fatalf("live: %s seq %d", sev.Event.Type, sev.Seq)
	}
}

func TestBroadcasterResumeAfterSeq(t *testing.T) {
	b := NewBroadcaster()
	for _, typ := range []string{"status", "plan_created", "step_start"} {
		b.Emit(engine.Event{Type: typ, RunID: "r1"})
	}

	events, _, unsub := b.Subscribe(2)
	defer unsub()

	if sev := <-events; sev.Event.Type != "step_start" || sev.Seq != 3 {
		t.Fatalf("resume: %s seq %d, want step_start seq 3", sev.Event.Type, sev.Seq)
	}
	select {
	case sev := <-events:
		t.Fatalf("unexpected replay past resume point: %+v", sev)
	default:
	}

	// Out-of-range resume points replay from the start.
	all, _, unsubAll := b.Subscribe(99)
	defer unsubAll()
	if sev := <-all; sev.Seq != 1 {
		t.Fatalf("out-of-range resume: seq %d want 1", sev.Seq)
	}
}

func TestBroadcasterDropsSlowClient(t *testing.T) {
	b := NewBroadcaster()
	events, doneCh, unsub := b.Subscribe(0)
	defer unsub()

	// Fill the client buffer without draining. History was empty at
	// subscribe time, so capacity is 256.
	for i := 0; i < 300; i++ {
		b.Emit(engine.Event{Type: "status"})
	}

	drained := 0
	for range events {
		drained++
	}
	if drained > 256 {
		t.Fatalf("drained %d events from a dropped client", drained)
	}
	// The done channel stays open: the broadcaster itself is alive.
	select {
	case <-doneCh:
		t.Fatalf("done channel closed on slow-client drop")
	default:
	}
}

func TestBroadcasterCloseSignalsDone(t *testing.T) {
	b := NewBroadcaster()
	events, doneCh, unsub := b.Subscribe(0)
	defer unsub()

	b.Close()
	if _, ok := <-events; ok {
		t.Fatalf("events channel still open after Close")
	}
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatalf("done channel not closed")
	}

	// Late subscribers get history then an immediately closed channel.
	late, _, _ := b.Subscribe(0)
	if _, ok := <-late; ok {
		t.Fatalf("late subscriber channel open")
	}
}

func TestWebApproverAnswer(t *testing.T) {
	wa := NewWebApprover(time.Minute)

	type result struct {
		granted bool
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		granted, err := wa.Decide(context.Background(), engine.ApprovalRequest{Tool: "shell"})
		resCh <- result{granted, err}
	}()

	var pending []PendingApproval
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending = wa.Pending()
		if len(pending) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(pending) != 1 || pending[0].Tool != "shell" {
		t.Fatalf("pending: %v", pending)
	}

	if !wa.Answer(pending[0].ApprovalID, true) {
		t.Fatalf("Answer returned false")
	}
	res := <-resCh
	if res.err != nil || !res.granted {
		t.Fatalf("Decide: granted=%v err=%v", res.granted, res.err)
	}

	// Duplicate answers are rejected.
	if wa.Answer(pending[0].ApprovalID, true) {
		t.Fatalf("duplicate answer accepted")
	}
}

func TestWebApproverTimeoutDenies(t *testing.T) {
	wa := NewWebApprover(20 * time.Millisecond)
	granted, err := wa.Decide(context.Background(), engine.ApprovalRequest{Tool: "shell"})
	if granted || err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Decide: granted=%v err=%v", granted, err)
	}
}

func TestWebApproverCancelDenies(t *testing.T) {
	wa := NewWebApprover(time.Minute)
	go func() {
		time.Sleep(10 * time.Millisecond)
		wa.Cancel()
	}()
	granted, err := wa.Decide(context.Background(), engine.ApprovalRequest{Tool: "shell"})
	if granted || err == nil {
		t.Fatalf("Decide: granted=%v err=%v", granted, err)
	}
	wa.Cancel() // idempotent
}

type scriptedGen struct {
	mu      sync.Mutex
	outputs []string
	calls   int
}

func (g *scriptedGen) Generate(ctx context.Context, prompt, model string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.calls
	g.calls++
	if idx >= len(g.outputs) {
		idx = len(g.outputs) - 1
	}
	return g.outputs[idx], nil
}

func testRunner(t *testing.T, gen engine.Generator, requireApproval bool) Runner {
	t.Helper()
	reg := registry.New()
	err := reg.Register(registry.Tool{
		Descriptor: registry.Descriptor{
			Name:   "echo",
			Domain: "system",
			Functions: []registry.FunctionSpec{{
				Name: "run_echo",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"message": map[string]any{"type": "string"}},
					"required":   []any{"message"},
				},
			}},
		},
		Handler: func(ctx context.Context, function string, args map[string]any) (any, error) {
			return map[string]any{"status": "success", "message": args["message"]}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	err = reg.Register(registry.Tool{
		Descriptor: registry.Descriptor{
			Name:      "shell",
			Domain:    "system",
			Dangerous: true,
			Functions: []registry.FunctionSpec{{
				Name: "exec",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"cmd": map[string]any{"type": "string"}},
					"required":   []any{"cmd"},
				},
			}},
		},
		Handler: func(ctx context.Context, function string, args map[string]any) (any, error) {
			return map[string]any{"status": "success", "out": "ran"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return Runner{
		Registry:  reg,
		Planner:   planner.New(gen, reg, "m"),
		Generator: gen,
		Pacer:     throttle.NewPacer(),
		Options: engine.Options{
			MaxWorkers: 2,
			Approval:   engine.ApprovalPolicy{Require: requireApproval},
		},
	}
}

func echoPlan(message string) string {
	return fmt.Sprintf(`{"status":"success","nodes":[
	  {"id":0,"thought":"echo","tool":"echo","function":"run_echo",
	   "inputs":{"message":%q},"depends_on":[],"retry":0,"on_fail":"continue","timeout":10}
	],"final_output_node":0}`, message)
}

func waitForState(t *testing.T, ts *httptest.Server, runID, want string) RunStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var status RunStatus
	for time.Now().Before(deadline) {
		resp, err := ts.Client().Get(ts.URL + "/runs/" + runID)
		if err != nil {
			t.Fatalf("GET run: %v", err)
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		resp.Body.Close()
		if status.State == want {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s (last: %+v)", runID, want, status)
	return status
}

func TestSubmitRunAndStatus(t *testing.T) {
	gen := &scriptedGen{outputs: []string{echoPlan("hello"), "the echo returned hello"}}
	srv := New(Config{Addr: ":0"}, testRunner(t, gen, false))
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/runs", "application/json",
		strings.NewReader(`{"request":"say hello","run_id":"run-test-1"}`))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var accepted map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted["run_id"] != "run-test-1" {
		t.Fatalf("run_id: %q", accepted["run_id"])
	}

	status := waitForState(t, ts, "run-test-1", "completed")
	if status.Answer != "the echo returned hello" {
		t.Fatalf("answer: %q", status.Answer)
	}
	if status.Quality == nil || status.Quality.Grade == "" {
		t.Fatalf("quality missing: %+v", status.Quality)
	}

	// Duplicate run id conflicts.
	resp2, err := ts.Client().Post(ts.URL+"/runs", "application/json",
		strings.NewReader(`{"request":"again","run_id":"run-test-1"}`))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate run id status: %d", resp2.StatusCode)
	}
}

func TestRunEventsSSE(t *testing.T) {
	gen := &scriptedGen{outputs: []string{echoPlan("sse"), "done"}}
	srv := New(Config{Addr: ":0"}, testRunner(t, gen, false))
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/runs", "application/json",
		strings.NewReader(`{"request":"stream me","run_id":"run-sse"}`))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	resp.Body.Close()

	stream, err := ts.Client().Get(ts.URL + "/runs/run-sse/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	var eventTypes []string
	var ids []string
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
		if strings.HasPrefix(line, "event: ") {
			eventTypes = append(eventTypes, strings.TrimPrefix(line, "event: "))
		}
		if line == "event: done" {
			break
		}
	}
	if len(eventTypes) == 0 || eventTypes[len(eventTypes)-1] != "done" {
		t.Fatalf("event types: %v", eventTypes)
	}
	sawFinal := false
	for _, et := range eventTypes {
		if et == "final_answer" {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Fatalf("no final_answer in stream: %v", eventTypes)
	}
	if len(ids) == 0 || ids[0] != "1" {
		t.Fatalf("sequence ids: %v", ids)
	}

	// Reconnecting with Last-Event-ID resumes after the given frame.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/runs/run-sse/events", nil)
	req.Header.Set("Last-Event-ID", ids[0])
	resumed, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET events resume: %v", err)
	}
	defer resumed.Body.Close()
	scanner = bufio.NewScanner(resumed.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			if got := strings.TrimPrefix(line, "id: "); got != "2" {
				t.Fatalf("resumed stream starts at id %s, want 2", got)
			}
			return
		}
	}
	t.Fatalf("resumed stream carried no events")
}

func TestApprovalOverHTTP(t *testing.T) {
	planJSON := `{"status":"success","nodes":[
	  {"id":0,"thought":"run it","tool":"shell","function":"exec",
	   "inputs":{"cmd":"ls"},"depends_on":[],"retry":0,"on_fail":"continue","timeout":10}
	],"final_output_node":0}`
	gen := &scriptedGen{outputs: []string{planJSON, "command ran"}}
	srv := New(Config{Addr: ":0"}, testRunner(t, gen, true))
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/runs", "application/json",
		strings.NewReader(`{"request":"list files","run_id":"run-appr"}`))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	resp.Body.Close()

	// Poll until the dangerous step parks an approval.
	var pending []PendingApproval
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := ts.Client().Get(ts.URL + "/runs/run-appr/approvals")
		if err != nil {
			t.Fatalf("GET approvals: %v", err)
		}
		if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
			t.Fatalf("decode approvals: %v", err)
		}
		resp.Body.Close()
		if len(pending) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending) != 1 || pending[0].Tool != "shell" {
		t.Fatalf("pending approvals: %v", pending)
	}

	answer, err := ts.Client().Post(
		ts.URL+"/runs/run-appr/approvals/"+pending[0].ApprovalID+"/answer",
		"application/json", strings.NewReader(`{"approve":true}`))
	if err != nil {
		t.Fatalf("POST answer: %v", err)
	}
	answer.Body.Close()
	if answer.StatusCode != http.StatusOK {
		t.Fatalf("answer status: %d", answer.StatusCode)
	}

	status := waitForState(t, ts, "run-appr", "completed")
	if status.Answer != "command ran" {
		t.Fatalf("answer: %q", status.Answer)
	}
}

func TestCSRFBlocksCrossOrigin(t *testing.T) {
	gen := &scriptedGen{outputs: []string{"unused"}}
	srv := New(Config{Addr: ":0"}, testRunner(t, gen, false))
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/runs", strings.NewReader(`{"request":"x"}`))
	req.Header.Set("Origin", "https://evil.example")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestListTools(t *testing.T) {
	gen := &scriptedGen{outputs: []string{"unused"}}
	srv := New(Config{Addr: ":0"}, testRunner(t, gen, false))
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/tools")
	if err != nil {
		t.Fatalf("GET /tools: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Tools []registry.Descriptor `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tools) != 2 {
		t.Fatalf("tools: %v", body.Tools)
	}
}
