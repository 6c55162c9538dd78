package engine

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// ApprovalRequest describes the dangerous call awaiting a decision.
type ApprovalRequest struct {
	RunID    string
	StepID   string
	Tool     string
	Function string
	Inputs   map[string]any
}

// ApprovalDecider answers an approval request. Returning false denies
// the call; denial is fatal to the run.
type ApprovalDecider func(ctx context.Context, req ApprovalRequest) (bool, error)

// ApprovalPolicy gates dangerous tools. AutoApprove patterns are
// doublestar globs matched against "tool:function"; a match grants the
// call without consulting the decider.
type ApprovalPolicy struct {
	Require     bool
	AutoApprove []string
	Decider     ApprovalDecider
}

// autoApproved reports whether the call matches an auto-grant pattern.
func (p ApprovalPolicy) autoApproved(tool, function string) bool {
	key := tool + ":" + function
	for _, pattern := range p.AutoApprove {
		ok, err := doublestar.Match(pattern, key)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// decide resolves one dangerous call. With no decider configured the
// call is denied: an unattended run must not silently execute
// dangerous tools.
func (p ApprovalPolicy) decide(ctx context.Context, req ApprovalRequest) (bool, error) {
	if !p.Require {
		return true, nil
	}
	if p.autoApproved(req.Tool, req.Function) {
		return true, nil
	}
	if p.Decider == nil {
		return false, fmt.Errorf("tool '%s' requires approval but no decider is configured", req.Tool)
	}
	return p.Decider(ctx, req)
}
