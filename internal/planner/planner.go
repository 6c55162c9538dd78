package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/smithrun/smith/internal/registry"
)

const maxPlannerAttempts = 3

// Generator is the reasoning-model dependency: one prompt in, raw text
// out. Satisfied by *llm.Client.
type Generator interface {
	Generate(ctx context.Context, prompt, model string) (string, error)
}

// Planner turns user requests into validated plans.
type Planner struct {
	gen   Generator
	reg   *registry.Registry
	model string
	// onWarning receives soft findings as they are discovered; nil
	// means drop them.
	onWarning func(msg string)
}

func New(gen Generator, reg *registry.Registry, model string) *Planner {
	return &Planner{gen: gen, reg: reg, model: model}
}

// SetWarningHandler installs the sink for soft plan findings.
func (p *Planner) SetWarningHandler(fn func(msg string)) { p.onWarning = fn }

func (p *Planner) warn(format string, args ...any) {
	if p.onWarning != nil {
		p.onWarning(fmt.Sprintf(format, args...))
	}
}

// PlanTask runs the full compile loop: prompt, clean, parse (with one
// syntax-repair pass per attempt), validate, and on failure re-prompt
// with the previous output and error embedded. Up to three attempts.
func (p *Planner) PlanTask(ctx context.Context, userRequest string) (*Plan, error) {
	if strings.TrimSpace(userRequest) == "" {
		return nil, fmt.Errorf("empty request")
	}
	registryStr := registryJSON(p.reg.Descriptors())

	lastRaw := ""
	lastError := "unknown error"

	for attempt := 0; attempt < maxPlannerAttempts; attempt++ {
		var prompt string
		if attempt == 0 {
			prompt = buildPlanningPrompt(userRequest, registryStr)
		} else {
			prompt = buildRepairPrompt(userRequest, registryStr, lastRaw, lastError)
		}

		rawText, err := p.gen.Generate(ctx, prompt, p.model)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastError = err.Error()
			continue
		}
		lastRaw = rawText
		cleaned := cleanJSONOutput(rawText)

		raw, parseErr := parseRawPlan(cleaned)
		if parseErr != nil {
			p.warn("plan JSON parse error on attempt %d: %v, invoking syntax fixer", attempt+1, parseErr)
			fixed, fixErr := p.gen.Generate(ctx, buildSyntaxRepairPrompt(cleaned, parseErr.Error()), p.model)
			if fixErr != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				lastError = fmt.Sprintf("syntax fix LLM failed: %v", fixErr)
				continue
			}
			fixedClean := cleanJSONOutput(fixed)
			lastRaw = fixedClean
			raw, parseErr = parseRawPlan(fixedClean)
			if parseErr != nil {
				lastError = fmt.Sprintf("JSON parse error after syntax fix: %v", parseErr)
				continue
			}
		}

		// The model may declare defeat; that is a terminal answer, not
		// a malformed plan.
		if raw.Status == "error" {
			return nil, &PlanError{Reason: firstNonEmpty(raw.Error, "planner declared failure"), Raw: lastRaw}
		}

		plan, err := validatePlan(raw, p.reg)
		if err != nil {
			lastError = err.Error()
			continue
		}

		violations, warnings := validateConstraints(plan)
		if len(violations) > 0 {
			lastError = strings.Join(violations, "; ")
			continue
		}
		for _, w := range warnings {
			p.warn("plan warning: %s", w)
			plan.Warnings = append(plan.Warnings, w)
		}
		for _, gap := range detectCapabilityGaps(plan, p.reg, userRequest) {
			p.warn("capability gap: %s", gap)
			plan.Warnings = append(plan.Warnings, "capability gap: "+gap)
		}
		return plan, nil
	}

	return nil, &PlanError{Reason: lastError, Raw: lastRaw}
}
