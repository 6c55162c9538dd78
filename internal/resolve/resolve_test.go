package resolve

import (
	"testing"
)

func lookupFrom(results map[int]any) StepLookup {
	return func(id int) (any, bool) {
		v, ok := results[id]
		return v, ok
	}
}

func TestPromptScalarSubstitution(t *testing.T) {
	lookup := lookupFrom(map[int]any{
		1: map[string]any{"status": "success", "result": map[string]any{"temperature": 21.5, "city": "Oslo"}},
	})

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Temp is {{STEPS.1.temperature}} C", "Temp is 21.5 C"},
		{"case insensitive", "City: {{steps.1.city}}", "City: Oslo"},
		{"whitespace", "Temp {{ STEPS.1.temperature }} now", "Temp 21.5 now"},
		{"missing path", "x={{STEPS.1.humidity}}.", "x=."},
		{"unknown step", "x={{STEPS.9.temperature}}.", "x=."},
		{"no placeholders", "just text", "just text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Prompt(tc.in, lookup); got != tc.want {
				t.Fatalf("Prompt(%q): got %q want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestPromptUnwrapsOneContainerLayer(t *testing.T) {
	// Small envelope maps unwrap; the payload keys resolve directly.
	lookup := lookupFrom(map[int]any{
		2: map[string]any{"status": "success", "results": []any{
			map[string]any{"title": "first"},
			map[string]any{"title": "second"},
		}},
	})
	got := Prompt("Top hit: {{STEPS.2.0.title}}", lookup)
	if got != "Top hit: first" {
		t.Fatalf("got %q", got)
	}
}

func TestPromptDoesNotUnwrapLargeMaps(t *testing.T) {
	// Five keys: the map is treated as the payload even though it has
	// a result key.
	lookup := lookupFrom(map[int]any{
		1: map[string]any{"a": 1.0, "b": 2.0, "c": 3.0, "d": 4.0, "result": "inner"},
	})
	if got := Prompt("{{STEPS.1.result}}", lookup); got != "inner" {
		t.Fatalf("got %q want inner", got)
	}
	if got := Prompt("{{STEPS.1.a}}", lookup); got != "1" {
		t.Fatalf("got %q want 1", got)
	}
}

func TestPromptBracketIndices(t *testing.T) {
	lookup := lookupFrom(map[int]any{
		3: map[string]any{"result": map[string]any{"items": []any{"zero", "one", "two"}}},
	})
	if got := Prompt("{{STEPS.3.items[1]}}", lookup); got != "one" {
		t.Fatalf("bracket index: got %q want one", got)
	}
	if got := Prompt("{{STEPS.3.items[9]}}", lookup); got != "" {
		t.Fatalf("out-of-range index: got %q want empty", got)
	}
}

func TestPromptRendersCompoundValuesAsJSON(t *testing.T) {
	lookup := lookupFrom(map[int]any{
		1: map[string]any{"result": map[string]any{"pair": map[string]any{"x": 1.0}}},
	})
	if got := Prompt("{{STEPS.1.pair}}", lookup); got != `{"x":1}` {
		t.Fatalf("map render: got %q", got)
	}
}

func TestReferences(t *testing.T) {
	text := "{{STEPS.2.a}} then {{STEPS.5.b}} and {{steps.2.c}}"
	got := References(text)
	want := []int{2, 5}
	if len(got) != len(want) {
		t.Fatalf("References: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("References[%d]: got %d want %d", i, got[i], want[i])
		}
	}
	if !HasReferences(text) {
		t.Fatalf("HasReferences: got false")
	}
	if HasReferences("nothing here") {
		t.Fatalf("HasReferences(plain): got true")
	}
}
