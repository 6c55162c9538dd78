// Package resolve substitutes step references in reasoning prompts.
// A reference like {{STEPS.3.result.temperature}} is replaced with the
// value found at that path in step 3's recorded result.
package resolve

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// placeholderRE matches {{ STEPS.<id>.<path> }} case-insensitively,
// tolerating whitespace inside the braces.
var placeholderRE = regexp.MustCompile(`(?i)\{\{\s*STEPS\.(\d+)\.([^}]+?)\s*\}\}`)

// bracketRE rewrites [n] index syntax into a dot segment so both
// spellings walk the same way.
var bracketRE = regexp.MustCompile(`\[(\d+)\]`)

// StepLookup returns the recorded result for a plan node id. The
// second return is false when the step has not completed or does not
// exist.
type StepLookup func(id int) (any, bool)

// Prompt replaces every step reference in text using lookup. A
// reference that cannot be resolved renders as the empty string.
func Prompt(text string, lookup StepLookup) string {
	return placeholderRE.ReplaceAllStringFunc(text, func(m string) string {
		sub := placeholderRE.FindStringSubmatch(m)
		if sub == nil {
			return ""
		}
		id, err := strconv.Atoi(sub[1])
		if err != nil {
			return ""
		}
		result, ok := lookup(id)
		if !ok {
			return ""
		}
		v := deepGet(unwrapContainer(result), sub[2])
		return render(v)
	})
}

// HasReferences reports whether text contains any step reference.
func HasReferences(text string) bool {
	return placeholderRE.MatchString(text)
}

// References returns the distinct step ids referenced by text, in
// first-appearance order.
func References(text string) []int {
	seen := map[int]bool{}
	var out []int
	for _, m := range placeholderRE.FindAllStringSubmatch(text, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// unwrapContainer peels one envelope layer when the result is a small
// map whose payload sits under "result" or "results". Larger maps are
// assumed to be the payload itself.
func unwrapContainer(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) > 4 {
		return v
	}
	if inner, ok := m["result"]; ok {
		return inner
	}
	if inner, ok := m["results"]; ok {
		return inner
	}
	return v
}

func deepGet(v any, path string) any {
	path = bracketRE.ReplaceAllString(path, ".$1")
	cur := v
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			cur = node[idx]
		default:
			return nil
		}
	}
	return cur
}

func render(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}
