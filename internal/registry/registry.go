// Package registry holds the tool catalog: descriptors with parameter
// schemas, prohibited-output classes, and the executable handler for
// each tool. Descriptors may come from built-in registrations or from
// a JSON registry document.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler executes one function of a tool. The returned value is
// normalized by the invoker; errors become error envelopes.
type Handler func(ctx context.Context, function string, args map[string]any) (any, error)

// FunctionSpec describes one callable function of a tool. Parameters
// is a JSON Schema object ({"type":"object","properties":...,
// "required":[...]}).
type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`

	schema *jsonschema.Schema
}

// Descriptor is the planner-visible contract of a tool.
type Descriptor struct {
	Name              string         `json:"name"`
	Domain            string         `json:"domain"`
	Description       string         `json:"description,omitempty"`
	Functions         []FunctionSpec `json:"functions"`
	ProhibitedOutputs []string       `json:"prohibited_outputs,omitempty"`
	CostWeight        float64        `json:"cost_weight,omitempty"`
	Dangerous         bool           `json:"dangerous,omitempty"`
	// MinIntervalSec is the minimum spacing between invocations of
	// this tool, enforced by the engine pacer. Zero means unpaced.
	MinIntervalSec float64 `json:"min_interval_seconds,omitempty"`
}

// Tool pairs a descriptor with its handler.
type Tool struct {
	Descriptor Descriptor
	Handler    Handler
}

// Registry is the process-wide tool catalog. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func New() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds or replaces a tool. Parameter schemas are compiled
// once at registration so lookups never pay compilation cost.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Descriptor.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s missing handler", name)
	}
	if len(t.Descriptor.Functions) == 0 {
		return fmt.Errorf("tool %s declares no functions", name)
	}
	for i := range t.Descriptor.Functions {
		fn := &t.Descriptor.Functions[i]
		if strings.TrimSpace(fn.Name) == "" {
			return fmt.Errorf("tool %s: function %d has no name", name, i)
		}
		s, err := compileSchema(fn.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s function %s schema: %w", name, fn.Name, err)
		}
		fn.schema = s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
	return nil
}

// Lookup returns the tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Function returns the named function spec of a tool.
func (r *Registry) Function(tool, function string) (FunctionSpec, bool) {
	t, ok := r.Lookup(tool)
	if !ok {
		return FunctionSpec{}, false
	}
	for _, fn := range t.Descriptor.Functions {
		if fn.Name == function {
			return fn, true
		}
	}
	return FunctionSpec{}, false
}

// Descriptors returns all descriptors sorted by tool name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateInputKeys checks that args use only declared parameter names
// and that every required parameter is present. Value types are not
// checked; inputs may hold step placeholders resolved at run time.
func (r *Registry) ValidateInputKeys(tool, function string, args map[string]any) error {
	fn, ok := r.Function(tool, function)
	if !ok {
		return fmt.Errorf("unknown function %s.%s", tool, function)
	}
	props := properties(fn.Parameters)
	for k := range args {
		if _, ok := props[k]; !ok {
			return fmt.Errorf("%s.%s: unknown input %q", tool, function, k)
		}
	}
	for _, req := range required(fn.Parameters) {
		if _, ok := args[req]; !ok {
			return fmt.Errorf("%s.%s: missing required input %q", tool, function, req)
		}
	}
	return nil
}

// ValidateInputs checks keys and then the full compiled parameter
// schema, so type mismatches fail too.
func (r *Registry) ValidateInputs(tool, function string, args map[string]any) error {
	if err := r.ValidateInputKeys(tool, function, args); err != nil {
		return err
	}
	fn, _ := r.Function(tool, function)
	if args == nil {
		args = map[string]any{}
	}
	if fn.schema != nil {
		if err := fn.schema.Validate(toJSONValue(args)); err != nil {
			return fmt.Errorf("%s.%s: %v", tool, function, err)
		}
	}
	return nil
}

// registryFile is the on-disk registry document shape: a top-level
// "tools" array of descriptors.
type registryFile struct {
	Tools []Descriptor `json:"tools"`
}

// LoadFile merges descriptors from a registry JSON document over the
// current catalog. File descriptors without a registered handler are
// rejected: a descriptor with nothing to run is a configuration error.
func (r *Registry) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc registryFile
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("registry %s: %w", path, err)
	}
	for _, d := range doc.Tools {
		existing, ok := r.Lookup(d.Name)
		if !ok {
			return fmt.Errorf("registry %s: tool %q has no registered handler", path, d.Name)
		}
		if err := r.Register(Tool{Descriptor: d, Handler: existing.Handler}); err != nil {
			return err
		}
	}
	return nil
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func properties(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	if p, ok := params["properties"].(map[string]any); ok {
		return p
	}
	return map[string]any{}
}

func required(params map[string]any) []string {
	if params == nil {
		return nil
	}
	switch req := params["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// toJSONValue round-trips through encoding/json so the schema
// validator sees the types it expects (float64 numbers, no custom
// structs).
func toJSONValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
