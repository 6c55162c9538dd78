// Package authority enforces tool domain boundaries on recorded
// outputs. A reasoning tool must not present numbers, facts, or
// real-time data as if it had observed them; such text can only come
// from data-domain tools. Violations degrade the recorded quality of a
// step but never fail it.
package authority

import (
	"fmt"
	"regexp"
)

// Domain classifications used by tool descriptors.
const (
	DomainData        = "data"
	DomainReasoning   = "reasoning"
	DomainComputation = "computation"
	DomainSystem      = "system"
)

// Prohibited output classes a descriptor may declare.
const (
	ProhibitNumericData   = "numeric_data"
	ProhibitFactualClaims = "factual_claims"
	ProhibitRealTimeData  = "real_time_data"
)

// Quality levels assigned to a validated step.
const (
	QualityCorrect  = "correct"
	QualityDegraded = "degraded"
	QualityViolated = "violated"
	QualityFailed   = "failed"
)

var numericClaimPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$[\d,]+\.?\d*`),
	regexp.MustCompile(`\d+\.?\d*%`),
	regexp.MustCompile(`(?i)(?:increased|decreased|rose|fell|dropped).*?\d+`),
	regexp.MustCompile(`(?i)\d+\s*(?:points|basis points|percent)`),
	regexp.MustCompile(`(?i)(?:price|value|cost).*?\d+`),
}

var factualAssertionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:currently|now|today|as of)`),
	regexp.MustCompile(`(?i)(?:is|are|has|have)\s+(?:the|a|an)\s+(?:price|value|rate)`),
	regexp.MustCompile(`(?i)according to`),
}

var timeReferencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)as of.*?(?:202\d|today|now)`),
	regexp.MustCompile(`(?i)current.*?(?:price|temperature|weather|stock)`),
	regexp.MustCompile(`(?i)(?:latest|recent).*?(?:data|news|report)`),
}

// synthesisRE marks prompts that reference earlier steps. Restating
// numbers that came from data tools is synthesis, not fabrication.
var synthesisRE = regexp.MustCompile(`(?i)step\s+\d+|from\s+step|based\s+on`)

// ToolMeta is the slice of a descriptor the validator needs.
type ToolMeta struct {
	Name              string
	Domain            string
	ProhibitedOutputs []string
}

// Result reports validation of one step's output.
type Result struct {
	Valid      bool
	Quality    string
	Violations []string
}

// Validate checks a step's output envelope against the tool's
// prohibited-output declarations. Non-success envelopes skip
// validation entirely and grade as failed.
func Validate(meta ToolMeta, inputs map[string]any, outputs map[string]any) Result {
	if status, _ := outputs["status"].(string); status != "success" {
		return Result{Valid: true, Quality: QualityFailed}
	}
	if meta.Domain != DomainReasoning {
		return Result{Valid: true, Quality: QualityCorrect}
	}

	text := responseText(outputs)
	prohibited := map[string]bool{}
	for _, p := range meta.ProhibitedOutputs {
		prohibited[p] = true
	}

	var violations []string
	if prohibited[ProhibitNumericData] && containsNumericClaims(text) {
		violations = append(violations, fmt.Sprintf("reasoning tool fabricated numeric data: %s", meta.Name))
	}
	if prohibited[ProhibitFactualClaims] && containsFactualAssertions(text, inputs) {
		violations = append(violations, fmt.Sprintf("reasoning tool made factual claims without data source: %s", meta.Name))
	}
	if prohibited[ProhibitRealTimeData] && containsTimeReferences(text) {
		violations = append(violations, fmt.Sprintf("reasoning tool referenced real-time data: %s", meta.Name))
	}

	quality := QualityCorrect
	switch {
	case len(violations) > 1:
		quality = QualityViolated
	case len(violations) == 1:
		quality = QualityDegraded
	}
	return Result{Valid: len(violations) == 0, Quality: quality, Violations: violations}
}

// FabricationRisk inspects a reasoning prompt before execution and
// flags requests that would force the model to invent data.
type FabricationRisk struct {
	High    bool
	Reasons []string
}

var realTimeAskRE = regexp.MustCompile(`(?i)(?:what is|get|find).*?(?:price|stock|weather)`)
var computeAskRE = regexp.MustCompile(`(?i)calculate|compute|trend`)
var stepRefRE = regexp.MustCompile(`(?i)step\s+\d+|from\s+step`)

// CheckFabricationRisk applies only to reasoning tools; everything
// else reports no risk.
func CheckFabricationRisk(meta ToolMeta, inputs map[string]any) FabricationRisk {
	if meta.Domain != DomainReasoning {
		return FabricationRisk{}
	}
	prompt, _ := inputs["prompt"].(string)

	var reasons []string
	if realTimeAskRE.MatchString(prompt) {
		reasons = append(reasons, "reasoning model asked for real-time data")
	}
	if computeAskRE.MatchString(prompt) && !stepRefRE.MatchString(prompt) {
		reasons = append(reasons, "reasoning model asked to compute without data")
	}
	return FabricationRisk{High: len(reasons) > 0, Reasons: reasons}
}

func containsNumericClaims(text string) bool {
	return matchAny(numericClaimPatterns, text)
}

func containsFactualAssertions(text string, inputs map[string]any) bool {
	if prompt, _ := inputs["prompt"].(string); synthesisRE.MatchString(prompt) {
		return false
	}
	return matchAny(factualAssertionPatterns, text)
}

func containsTimeReferences(text string) bool {
	return matchAny(timeReferencePatterns, text)
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func responseText(outputs map[string]any) string {
	if s, ok := outputs["response"].(string); ok {
		return s
	}
	if v, ok := outputs["response"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
