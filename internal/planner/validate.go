package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smithrun/smith/internal/registry"
	"github.com/smithrun/smith/internal/resolve"
)

// cleanJSONOutput strips markdown fences and isolates the first `{`
// through the last `}` so stray prose around the object is discarded.
func cleanJSONOutput(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		if len(lines) >= 3 {
			text = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}
	first := strings.Index(text, "{")
	if first == -1 {
		return text
	}
	last := strings.LastIndex(text, "}")
	if last == -1 {
		return text[first:]
	}
	return text[first : last+1]
}

func parseRawPlan(cleaned string) (*rawPlan, error) {
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	var raw rawPlan
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

// validatePlan converts the untrusted raw plan into a Plan, failing
// with the first structural error found. Error text names the node so
// the repair prompt can point the model at it.
func validatePlan(raw *rawPlan, reg *registry.Registry) (*Plan, error) {
	if len(raw.Nodes) == 0 {
		return nil, fmt.Errorf("missing or empty 'nodes' list")
	}

	idSet := map[int]bool{}
	nodes := make([]Node, 0, len(raw.Nodes))
	for _, rn := range raw.Nodes {
		nid, ok := intFromNumber(rn.ID)
		if !ok {
			return nil, fmt.Errorf("every node.id must be an integer")
		}
		if idSet[nid] {
			return nil, fmt.Errorf("duplicate node id %d", nid)
		}
		idSet[nid] = true

		if strings.TrimSpace(rn.Tool) == "" || strings.TrimSpace(rn.Function) == "" {
			return nil, fmt.Errorf("node %d: missing 'tool' or 'function'", nid)
		}
		tool, ok := reg.Lookup(rn.Tool)
		if !ok {
			return nil, fmt.Errorf("node %d: tool '%s' not in registry", nid, rn.Tool)
		}
		if _, ok := reg.Function(rn.Tool, rn.Function); !ok {
			return nil, fmt.Errorf("node %d: invalid function '%s' for tool '%s' (expected one of %s)",
				nid, rn.Function, rn.Tool, functionNames(tool.Descriptor))
		}

		inputs := rn.Inputs
		if inputs == nil {
			inputs = map[string]any{}
		}
		inputs = normalizeNumbers(inputs)
		if err := validateNodeInputs(reg, rn.Tool, rn.Function, inputs, nid); err != nil {
			return nil, err
		}

		var deps []int
		for _, d := range rn.DependsOn {
			di, ok := anyToInt(d)
			if !ok {
				return nil, fmt.Errorf("node %d: depends_on contains non-int id %v", nid, d)
			}
			if di >= nid {
				return nil, fmt.Errorf("node %d: depends_on id %d must be < %d to avoid cycles", nid, di, nid)
			}
			deps = append(deps, di)
		}

		// An omitted retry defers to the engine's configured default.
		retry := -1
		if rn.Retry != nil {
			r, ok := intFromNumber(rn.Retry)
			if !ok || r < 0 {
				return nil, fmt.Errorf("node %d: 'retry' must be a non-negative integer", nid)
			}
			retry = r
		}
		if rn.OnFail != OnFailHalt && rn.OnFail != OnFailContinue {
			return nil, fmt.Errorf("node %d: 'on_fail' must be 'halt' or 'continue'", nid)
		}
		timeout, ok := intFromNumber(rn.Timeout)
		if !ok || timeout <= 0 {
			return nil, fmt.Errorf("node %d: 'timeout' must be a positive integer", nid)
		}

		nodes = append(nodes, Node{
			ID:        nid,
			Thought:   rn.Thought,
			Tool:      rn.Tool,
			Function:  rn.Function,
			Inputs:    inputs,
			DependsOn: deps,
			Retry:     retry,
			OnFail:    rn.OnFail,
			Timeout:   timeout,
		})
	}

	// Dependencies must name existing nodes; the < check above only
	// rules out forward references.
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if !idSet[dep] {
				return nil, fmt.Errorf("node %d: depends_on references unknown id %d", n.ID, dep)
			}
		}
	}

	fon, ok := intFromNumber(raw.FinalOutputNode)
	if !ok || !idSet[fon] {
		return nil, fmt.Errorf("invalid or missing 'final_output_node' id")
	}

	return &Plan{Status: "success", Nodes: nodes, FinalOutputNode: fon}, nil
}

// validateNodeInputs enforces key subset and required presence always,
// and the full parameter schema when the inputs carry no step
// placeholders (placeholder strings resolve to their real types only
// at run time).
func validateNodeInputs(reg *registry.Registry, tool, function string, inputs map[string]any, nid int) error {
	if err := reg.ValidateInputKeys(tool, function, inputs); err != nil {
		return fmt.Errorf("node %d: %v", nid, err)
	}
	if hasPlaceholders(inputs) {
		return nil
	}
	if err := reg.ValidateInputs(tool, function, inputs); err != nil {
		return fmt.Errorf("node %d: %v", nid, err)
	}
	return nil
}

func hasPlaceholders(inputs map[string]any) bool {
	for _, v := range inputs {
		if s, ok := v.(string); ok && resolve.HasReferences(s) {
			return true
		}
	}
	return false
}

// validateConstraints applies the reasoning-usage limits: more than
// three llm_caller nodes rejects the plan outright; heavy or
// data-retrieving reasoning use yields warnings.
func validateConstraints(p *Plan) (violations, warnings []string) {
	llmCalls := 0
	for _, n := range p.Nodes {
		if n.Tool == "llm_caller" {
			llmCalls++
		}
	}
	if llmCalls > 3 {
		violations = append(violations, fmt.Sprintf("excessive LLM usage: %d calls (limit: 3)", llmCalls))
	}
	if llmCalls > 2 {
		warnings = append(warnings, fmt.Sprintf("high LLM usage: %d calls, consider using computation tools", llmCalls))
	}
	if len(p.Nodes) == 1 && llmCalls == 1 {
		thought := strings.ToLower(p.Nodes[0].Thought)
		for _, kw := range []string{"price", "weather", "stock", "current", "fetch", "get data"} {
			if strings.Contains(thought, kw) {
				warnings = append(warnings, "single LLM step for data retrieval, consider using data tools")
				break
			}
		}
	}
	return violations, warnings
}

// impossibleCapabilities maps request keywords to capabilities no
// registered tool provides.
var impossibleCapabilities = map[string]string{
	"image":    "image processing",
	"database": "database access",
	"email":    "email sending",
	"file":     "file system access",
	"video":    "video processing",
}

// detectCapabilityGaps flags plans that lean on the reasoning model
// for work it cannot do, and requests that need missing tool classes.
func detectCapabilityGaps(p *Plan, reg *registry.Registry, userRequest string) []string {
	var gaps []string

	haveComputation := false
	for _, d := range reg.Descriptors() {
		if d.Domain == "computation" {
			haveComputation = true
			break
		}
	}
	for _, n := range p.Nodes {
		if n.Tool != "llm_caller" {
			continue
		}
		text := strings.ToLower(n.Thought)
		if prompt, ok := n.Inputs["prompt"].(string); ok {
			text += " " + strings.ToLower(prompt)
		}
		if !haveComputation {
			for _, kw := range []string{"calculate", "compute", "trend", "percentage", "statistics"} {
				if strings.Contains(text, kw) {
					gaps = append(gaps, "numeric computation requested but no computation tool available")
					break
				}
			}
		}
	}

	req := strings.ToLower(userRequest)
	for keyword, capability := range impossibleCapabilities {
		if !strings.Contains(req, keyword) {
			continue
		}
		covered := false
		for _, d := range reg.Descriptors() {
			if strings.Contains(strings.ToLower(d.Name), keyword) {
				covered = true
				break
			}
		}
		if !covered {
			gaps = append(gaps, fmt.Sprintf("no tool available for %s", capability))
		}
	}
	return gaps
}

func functionNames(d registry.Descriptor) string {
	names := make([]string, 0, len(d.Functions))
	for _, fn := range d.Functions {
		names = append(names, "'"+fn.Name+"'")
	}
	return strings.Join(names, ", ")
}

func anyToInt(v any) (int, bool) {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	case int:
		return x, true
	default:
		return 0, false
	}
}

// normalizeNumbers rewrites json.Number values (from UseNumber
// decoding) into plain float64/int so downstream consumers see
// ordinary JSON types.
func normalizeNumbers(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = normalizeNumberValue(val)
	}
	return out
}

func normalizeNumberValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		return normalizeNumbers(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeNumberValue(e)
		}
		return out
	default:
		return v
	}
}
