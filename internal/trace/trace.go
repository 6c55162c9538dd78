// Package trace records per-step execution outcomes and grades the
// run. Entries are written only by the scheduler; a compact view is
// serialized for final synthesis.
package trace

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Step status values recorded in the trace.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Entry is the full record of one executed (or skipped) plan node.
type Entry struct {
	StepIndex int            `json:"step_index"`
	Tool      string         `json:"tool"`
	Function  string         `json:"function"`
	Status    string         `json:"status"`
	DependsOn []int          `json:"depends_on,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Duration  time.Duration  `json:"-"`
	Input     map[string]any `json:"input,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	// Meta carries execution detail outside the tool contract, such as
	// the attempt count.
	Meta map[string]any `json:"meta,omitempty"`
	// Quality and Violations come from authority validation of
	// reasoning steps.
	Quality    string   `json:"quality,omitempty"`
	Violations []string `json:"violations,omitempty"`
	// ResultDigest is a blake3 hash of the serialized result, stable
	// across event sinks for deduplication.
	ResultDigest string `json:"result_digest,omitempty"`
}

// Digest computes the blake3 content hash of a result payload.
func Digest(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprint(v))
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// compactEntry is the synthesis-facing projection of an Entry.
type compactEntry struct {
	StepIndex int            `json:"step_index"`
	Tool      string         `json:"tool"`
	Function  string         `json:"function"`
	Status    string         `json:"status"`
	Duration  string         `json:"duration"`
	Input     map[string]any `json:"input,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Compact serializes entries for the synthesis prompt, truncating the
// result to limitChars with an explicit marker so the model knows data
// was cut rather than absent.
func Compact(entries []Entry, limitChars int) string {
	out := make([]compactEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, compactEntry{
			StepIndex: e.StepIndex,
			Tool:      e.Tool,
			Function:  e.Function,
			Status:    e.Status,
			Duration:  fmt.Sprintf("%.2fs", e.Duration.Seconds()),
			Input:     e.Input,
			Result:    e.Result,
			Error:     e.Error,
		})
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		b = []byte(fmt.Sprint(out))
	}
	s := string(b)
	if limitChars > 0 && len(s) > limitChars {
		s = s[:limitChars] + "...[TRUNCATED]"
	}
	return s
}

// Grade levels for a whole run.
const (
	GradeExcellent = "excellent"
	GradeGood      = "good"
	GradeDegraded  = "degraded"
	GradePoor      = "poor"
)

// QualityReport summarizes run quality from the trace.
type QualityReport struct {
	Grade      string   `json:"grade"`
	Score      int      `json:"score"`
	Violations []string `json:"violations,omitempty"`
	Errors     int      `json:"errors"`
	Degraded   int      `json:"degraded"`
}

// GradeExecution scores the run out of 100. Each authority violation
// costs 15, each degraded step 10, each errored step 20. Excellent
// additionally requires a violation-free run.
func GradeExecution(entries []Entry) QualityReport {
	score := 100
	var violations []string
	errors := 0
	degraded := 0
	for _, e := range entries {
		if len(e.Violations) > 0 {
			violations = append(violations, e.Violations...)
			score -= 15 * len(e.Violations)
		}
		if e.Quality == "degraded" {
			degraded++
			score -= 10
		}
		if e.Status == StatusError {
			errors++
			score -= 20
		}
	}
	if score < 0 {
		score = 0
	}
	grade := GradePoor
	switch {
	case score >= 90 && len(violations) == 0:
		grade = GradeExcellent
	case score >= 75:
		grade = GradeGood
	case score >= 50:
		grade = GradeDegraded
	}
	return QualityReport{
		Grade:      grade,
		Score:      score,
		Violations: violations,
		Errors:     errors,
		Degraded:   degraded,
	}
}
