package tools

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/smithrun/smith/internal/registry"
)

// Numeric performs deterministic calculations so reasoning steps never
// have to invent arithmetic.
type Numeric struct{}

func NewNumeric() *Numeric { return &Numeric{} }

func (n *Numeric) Tool() registry.Tool {
	return registry.Tool{
		Descriptor: registry.Descriptor{
			Name:        "numeric_computer",
			Domain:      "computation",
			Description: "Perform deterministic calculations: trends, percent changes, statistics. Use this instead of asking LLM to compute numbers.",
			Functions: []registry.FunctionSpec{{
				Name: "run_numeric_tool",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"operation": map[string]any{
							"type":        "string",
							"enum":        []any{"trend", "percent_change", "statistics"},
							"description": "Type of calculation",
						},
						"values": map[string]any{
							"description": "List of numeric values for trend or statistics",
						},
						"old_value": map[string]any{
							"description": "Old value for percent_change",
						},
						"new_value": map[string]any{
							"description": "New value for percent_change",
						},
						"window": map[string]any{
							"type":        "integer",
							"description": "Window size for moving average (optional)",
						},
					},
					"required": []any{"operation"},
				},
			}},
			CostWeight: 2,
		},
		Handler: n.handle,
	}
}

func (n *Numeric) handle(ctx context.Context, function string, args map[string]any) (any, error) {
	if function != "run_numeric_tool" {
		return nil, fmt.Errorf("unknown function: %s", function)
	}
	operation, _ := args["operation"].(string)
	switch operation {
	case "trend":
		values := toFloatList(args["values"])
		if len(values) == 0 {
			return map[string]any{"status": "error", "error": "values required for trend calculation (must be numeric)"}, nil
		}
		window := 0
		if w, ok := toFloat(args["window"]); ok {
			window = int(w)
		}
		return calculateTrend(values, window), nil
	case "percent_change":
		oldVal, okOld := toFloat(args["old_value"])
		newVal, okNew := toFloat(args["new_value"])
		if !okOld || !okNew {
			return map[string]any{"status": "error", "error": "old_value and new_value required (must be numeric)"}, nil
		}
		return calculatePercentChange(oldVal, newVal), nil
	case "statistics":
		values := toFloatList(args["values"])
		if len(values) == 0 {
			return map[string]any{"status": "error", "error": "values required for statistics (must be numeric)"}, nil
		}
		return calculateStatistics(values), nil
	default:
		return map[string]any{"status": "error", "error": fmt.Sprintf("Unknown operation: %s", operation)}, nil
	}
}

func calculateTrend(prices []float64, window int) map[string]any {
	if len(prices) < 2 {
		return map[string]any{"status": "error", "error": "Need at least 2 data points"}
	}
	n := len(prices)
	xMean := float64(n-1) / 2
	yMean := mean(prices)

	var numerator, denominator float64
	for i, y := range prices {
		x := float64(i)
		numerator += (x - xMean) * (y - yMean)
		denominator += (x - xMean) * (x - xMean)
	}
	slope := 0.0
	if denominator != 0 {
		slope = numerator / denominator
	}

	percentChange := 0.0
	if prices[0] != 0 {
		percentChange = (prices[n-1] - prices[0]) / prices[0] * 100
	}

	direction := "flat"
	switch {
	case slope > 0.01:
		direction = "upward"
	case slope < -0.01:
		direction = "downward"
	}

	result := map[string]any{
		"status":         "success",
		"direction":      direction,
		"slope":          round4(slope),
		"percent_change": round2(percentChange),
		"start_value":    round2(prices[0]),
		"end_value":      round2(prices[n-1]),
		"data_points":    n,
	}
	if window > 0 && window <= n {
		avgs := make([]float64, 0, n-window+1)
		for i := 0; i+window <= n; i++ {
			avgs = append(avgs, round2(mean(prices[i:i+window])))
		}
		result["moving_average"] = avgs
	}
	return result
}

func calculatePercentChange(oldValue, newValue float64) map[string]any {
	if oldValue == 0 {
		return map[string]any{"status": "error", "error": "Cannot calculate percent change from zero"}
	}
	return map[string]any{
		"status":          "success",
		"percent_change":  round2((newValue - oldValue) / oldValue * 100),
		"absolute_change": round2(newValue - oldValue),
		"old_value":       oldValue,
		"new_value":       newValue,
	}
}

func calculateStatistics(values []float64) map[string]any {
	minV, maxV := values[0], values[0]
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	stdev := 0.0
	if len(values) > 1 {
		m := mean(values)
		var ss float64
		for _, v := range values {
			ss += (v - m) * (v - m)
		}
		stdev = math.Sqrt(ss / float64(len(values)-1))
	}
	return map[string]any{
		"status": "success",
		"count":  len(values),
		"mean":   round2(mean(values)),
		"median": round2(median(values)),
		"min":    round2(minV),
		"max":    round2(maxV),
		"range":  round2(maxV - minV),
		"stdev":  round2(stdev),
	}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// toFloat extracts a single number from scalars, numeric strings, and
// the result shapes upstream data tools produce.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(x, "%g", &f); err == nil {
			return f, true
		}
		return 0, false
	case map[string]any:
		for _, key := range []string{"price", "value", "close"} {
			if inner, ok := x[key]; ok {
				return toFloat(inner)
			}
		}
		if hist, ok := x["history"].([]any); ok && len(hist) > 0 {
			return toFloat(hist[0])
		}
		return 0, false
	default:
		return 0, false
	}
}

// toFloatList coerces scalars, lists, and data-tool result objects
// into a flat list of floats, skipping entries it cannot read.
func toFloatList(v any) []float64 {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]float64, 0, len(x))
		for _, item := range x {
			if f, ok := toFloat(item); ok {
				out = append(out, f)
			}
		}
		return out
	case []float64:
		return x
	case map[string]any:
		if hist, ok := x["history"].([]any); ok {
			return toFloatList(hist)
		}
		if f, ok := toFloat(x); ok {
			return []float64{f}
		}
		return nil
	default:
		if f, ok := toFloat(v); ok {
			return []float64{f}
		}
		return nil
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
