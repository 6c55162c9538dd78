package tools

import (
	"context"
	"fmt"

	"github.com/smithrun/smith/internal/registry"
)

// Diagnostics reports the health of the tool catalog: every registered
// descriptor with its function count and readiness.
type Diagnostics struct {
	reg *registry.Registry
}

func NewDiagnostics(reg *registry.Registry) *Diagnostics {
	return &Diagnostics{reg: reg}
}

func (d *Diagnostics) Tool() registry.Tool {
	return registry.Tool{
		Descriptor: registry.Descriptor{
			Name:        "tool_diagnostics",
			Domain:      "system",
			Description: "Runs a health check on all installed tools. Detects broken imports, missing functions, or invalid metadata.",
			Functions: []registry.FunctionSpec{{
				Name: "run_diagnostics",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
					"required":   []any{},
				},
			}},
			CostWeight: 1,
		},
		Handler: d.handle,
	}
}

func (d *Diagnostics) handle(ctx context.Context, function string, args map[string]any) (any, error) {
	if function != "run_diagnostics" {
		return nil, fmt.Errorf("unknown function: %s", function)
	}
	descriptors := d.reg.Descriptors()
	if len(descriptors) == 0 {
		return map[string]any{
			"status": "success",
			"report": []any{map[string]any{"tool": "SYSTEM", "status": "WARNING", "message": "No tools found."}},
		}, nil
	}
	report := make([]any, 0, len(descriptors))
	for _, desc := range descriptors {
		entry := map[string]any{"tool": desc.Name}
		switch {
		case desc.Domain == "":
			entry["status"] = "FAIL"
			entry["message"] = "missing domain"
		case len(desc.Functions) == 0:
			entry["status"] = "FAIL"
			entry["message"] = "no functions declared"
		default:
			entry["status"] = "OK"
			entry["message"] = fmt.Sprintf("Ready (%d functions)", len(desc.Functions))
		}
		report = append(report, entry)
	}
	return map[string]any{"status": "success", "report": report}, nil
}
