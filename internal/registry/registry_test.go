package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func echoTool() Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:   "echo",
			Domain: "diagnostics",
			Functions: []FunctionSpec{{
				Name: "say",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text":   map[string]any{"type": "string"},
						"repeat": map[string]any{"type": "integer"},
					},
					"required": []any{"text"},
				},
			}},
		},
		Handler: func(ctx context.Context, function string, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.Lookup("echo"); !ok {
		t.Fatalf("Lookup(echo): not found")
	}
	if _, ok := r.Function("echo", "say"); !ok {
		t.Fatalf("Function(echo, say): not found")
	}
	if _, ok := r.Function("echo", "shout"); ok {
		t.Fatalf("Function(echo, shout): unexpectedly found")
	}
}

func TestRegisterRejectsHandlerless(t *testing.T) {
	r := New()
	tool := echoTool()
	tool.Handler = nil
	if err := r.Register(tool); err == nil {
		t.Fatalf("expected error for missing handler")
	}
}

func TestValidateInputs(t *testing.T) {
	r := New()
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cases := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"ok", map[string]any{"text": "hi"}, ""},
		{"ok with optional", map[string]any{"text": "hi", "repeat": 2}, ""},
		{"unknown key", map[string]any{"text": "hi", "volume": 11}, "unknown input"},
		{"missing required", map[string]any{"repeat": 2}, "missing required input"},
		{"wrong type", map[string]any{"text": 42}, "say"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.ValidateInputs("echo", "say", tc.args)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateInputs: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("ValidateInputs: got %v want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestDescriptorsSorted(t *testing.T) {
	r := New()
	a := echoTool()
	a.Descriptor.Name = "zeta"
	b := echoTool()
	b.Descriptor.Name = "alpha"
	for _, tool := range []Tool{a, b} {
		if err := r.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	ds := r.Descriptors()
	if len(ds) != 2 || ds[0].Name != "alpha" || ds[1].Name != "zeta" {
		t.Fatalf("Descriptors order: got %v", ds)
	}
}

func TestLoadFileMergesOverBuiltins(t *testing.T) {
	r := New()
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	doc := `{"tools":[{"name":"echo","domain":"diagnostics","dangerous":true,
		"functions":[{"name":"say","parameters":{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}}]}]}`
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	tool, _ := r.Lookup("echo")
	if !tool.Descriptor.Dangerous {
		t.Fatalf("file descriptor did not override dangerous flag")
	}
	if tool.Handler == nil {
		t.Fatalf("merge lost the registered handler")
	}
}

func TestLoadFileRejectsUnknownTool(t *testing.T) {
	r := New()
	doc := `{"tools":[{"name":"ghost","domain":"x","functions":[{"name":"f"}]}]}`
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	if err := r.LoadFile(path); err == nil {
		t.Fatalf("expected error for descriptor without handler")
	}
}
