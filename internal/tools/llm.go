package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/smithrun/smith/internal/registry"
)

// Generator produces completions. Satisfied by *llm.Client.
type Generator interface {
	Generate(ctx context.Context, prompt, model string) (string, error)
}

// LLMCaller is the reasoning tool. All retry, pacing, and fallback
// policy lives in the client; the tool only shapes the envelope.
type LLMCaller struct {
	gen Generator
}

func NewLLMCaller(gen Generator) *LLMCaller {
	return &LLMCaller{gen: gen}
}

func (l *LLMCaller) Tool() registry.Tool {
	return registry.Tool{
		Descriptor: registry.Descriptor{
			Name:              "llm_caller",
			Domain:            "reasoning",
			Description:       "Access a Large Language Model (Llama 3.3 70B via Groq) to summarize text, answer questions, or write code.",
			ProhibitedOutputs: []string{"numeric_data", "factual_claims", "real_time_data"},
			Functions: []registry.FunctionSpec{{
				Name: "run_llm_tool",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"prompt": map[string]any{
							"type":        "string",
							"description": "The full text prompt for the model.",
						},
						"model": map[string]any{
							"type":        "string",
							"description": "Model name, or 'default' for the configured primary.",
						},
					},
					"required": []any{"prompt"},
				},
			}},
			CostWeight:     5,
			MinIntervalSec: 1,
		},
		Handler: l.handle,
	}
}

func (l *LLMCaller) handle(ctx context.Context, function string, args map[string]any) (any, error) {
	if function != "run_llm_tool" {
		return nil, fmt.Errorf("unknown function: %s", function)
	}
	prompt, _ := args["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	model, _ := args["model"].(string)

	text, err := l.gen.Generate(ctx, prompt, model)
	if err != nil {
		return map[string]any{"status": "error", "error": err.Error()}, nil
	}
	return map[string]any{"status": "success", "response": text}, nil
}
