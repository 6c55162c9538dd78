// Package planner compiles a user request into a validated execution
// plan. A reasoning model emits the plan JSON; the package cleans,
// parses, repairs, and validates it before the engine ever sees it.
package planner

import (
	"encoding/json"
	"fmt"
)

// Failure routing values a node may declare. Node failure never halts
// the run; dependents cascade as skipped either way. The field is kept
// so plans remain explicit about intent.
const (
	OnFailHalt     = "halt"
	OnFailContinue = "continue"
)

// Node is one tool execution in the plan DAG.
type Node struct {
	ID        int            `json:"id"`
	Thought   string         `json:"thought,omitempty"`
	Tool      string         `json:"tool"`
	Function  string         `json:"function"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	DependsOn []int          `json:"depends_on,omitempty"`
	// Retry is -1 when the plan leaves it unset; the engine then
	// substitutes its configured default.
	Retry  int    `json:"retry"`
	OnFail string `json:"on_fail"`
	// Timeout is in whole seconds.
	Timeout int `json:"timeout"`
}

// Plan is the validated execution graph.
type Plan struct {
	Status          string `json:"status"`
	Nodes           []Node `json:"nodes"`
	FinalOutputNode int    `json:"final_output_node"`
	// Warnings carry soft constraint findings (high reasoning usage,
	// fabrication risk) surfaced as events, never rejections.
	Warnings []string `json:"-"`
}

// NodeByID returns the node with the given id.
func (p *Plan) NodeByID(id int) (Node, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// rawPlan mirrors the untrusted JSON the model produces. Fields stay
// loose (any) so validation can report precise errors instead of
// opaque unmarshalling failures.
type rawPlan struct {
	Status          string         `json:"status"`
	Error           string         `json:"error"`
	Nodes           []rawNode      `json:"nodes"`
	FinalOutputNode *json.Number   `json:"final_output_node"`
	Extra           map[string]any `json:"-"`
}

type rawNode struct {
	ID        *json.Number   `json:"id"`
	Thought   string         `json:"thought"`
	Tool      string         `json:"tool"`
	Function  string         `json:"function"`
	Inputs    map[string]any `json:"inputs"`
	DependsOn []any          `json:"depends_on"`
	Retry     *json.Number   `json:"retry"`
	OnFail    string         `json:"on_fail"`
	Timeout   *json.Number   `json:"timeout"`
}

func intFromNumber(n *json.Number) (int, bool) {
	if n == nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return int(v), true
}

// PlanError is a terminal planning failure: either the model declared
// a capability gap or every attempt produced an invalid plan.
type PlanError struct {
	Reason string
	Raw    string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("unable to build valid plan with given tools: %s", e.Reason)
}
