package tools

import (
	"context"
	"fmt"

	"github.com/smithrun/smith/internal/registry"
)

// Echo reflects its input back. Useful for plan smoke tests and as a
// no-network stand-in while wiring new deployments.
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Tool() registry.Tool {
	return registry.Tool{
		Descriptor: registry.Descriptor{
			Name:        "echo",
			Domain:      "system",
			Description: "Return the provided message unchanged.",
			Functions: []registry.FunctionSpec{{
				Name: "run_echo",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"message": map[string]any{"type": "string"},
					},
					"required": []any{"message"},
				},
			}},
			CostWeight: 1,
		},
		Handler: e.handle,
	}
}

func (e *Echo) handle(ctx context.Context, function string, args map[string]any) (any, error) {
	if function != "run_echo" {
		return nil, fmt.Errorf("unknown function: %s", function)
	}
	message, _ := args["message"].(string)
	return map[string]any{"status": "success", "message": message}, nil
}
