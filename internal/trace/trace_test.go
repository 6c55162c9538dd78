package trace

import (
	"strings"
	"testing"
	"time"
)

func TestCompactIncludesStepFields(t *testing.T) {
	entries := []Entry{{
		StepIndex: 1,
		Tool:      "weather_fetcher",
		Function:  "get_forecast",
		Status:    StatusSuccess,
		Duration:  1500 * time.Millisecond,
		Input:     map[string]any{"city": "Oslo"},
		Result:    map[string]any{"status": "success", "result": map[string]any{"temperature": 21.5}},
	}}
	s := Compact(entries, 0)
	for _, want := range []string{`"step_index": 1`, `"weather_fetcher"`, `"get_forecast"`, `"1.50s"`, `"Oslo"`} {
		if !strings.Contains(s, want) {
			t.Fatalf("Compact missing %q in:\n%s", want, s)
		}
	}
}

func TestCompactTruncates(t *testing.T) {
	entries := []Entry{{
		StepIndex: 1,
		Tool:      "llm_caller",
		Function:  "generate",
		Status:    StatusSuccess,
		Result:    map[string]any{"response": strings.Repeat("x", 10_000)},
	}}
	s := Compact(entries, 500)
	if !strings.HasSuffix(s, "...[TRUNCATED]") {
		t.Fatalf("truncated trace missing marker, tail: %q", s[len(s)-30:])
	}
	if len(s) != 500+len("...[TRUNCATED]") {
		t.Fatalf("truncated length: got %d", len(s))
	}
}

func TestDigestStable(t *testing.T) {
	a := Digest(map[string]any{"temperature": 21.5})
	b := Digest(map[string]any{"temperature": 21.5})
	if a != b {
		t.Fatalf("digest not stable: %s vs %s", a, b)
	}
	if a == Digest(map[string]any{"temperature": 22.0}) {
		t.Fatalf("distinct payloads share a digest")
	}
	if len(a) != 64 {
		t.Fatalf("digest length: got %d want 64 hex chars", len(a))
	}
}

func TestGradeExecution(t *testing.T) {
	cases := []struct {
		name    string
		entries []Entry
		grade   string
		score   int
	}{
		{
			"clean run",
			[]Entry{{Status: StatusSuccess}, {Status: StatusSuccess}},
			GradeExcellent, 100,
		},
		{
			"one degraded step",
			[]Entry{{Status: StatusSuccess, Quality: "degraded", Violations: []string{"fabricated numeric data"}}},
			GradeGood, 75,
		},
		{
			"violations never grade excellent",
			[]Entry{{Status: StatusSuccess, Violations: []string{"x"}}},
			GradeGood, 85,
		},
		{
			"errors stack",
			[]Entry{{Status: StatusError}, {Status: StatusError}, {Status: StatusSuccess}},
			GradeDegraded, 60,
		},
		{
			"poor run",
			[]Entry{
				{Status: StatusError},
				{Status: StatusError},
				{Status: StatusError, Quality: "degraded", Violations: []string{"a", "b"}},
			},
			GradePoor, 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep := GradeExecution(tc.entries)
			if rep.Grade != tc.grade {
				t.Fatalf("grade: got %q want %q (report %+v)", rep.Grade, tc.grade, rep)
			}
			if rep.Score != tc.score {
				t.Fatalf("score: got %d want %d", rep.Score, tc.score)
			}
		})
	}
}
