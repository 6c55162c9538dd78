package planner

import (
	"encoding/json"
	"strings"

	"github.com/smithrun/smith/internal/registry"
)

const plannerSystemPrompt = `
You are a COMPILER that transforms a user request into a JSON execution graph.
You do NOT write text. You do NOT answer the request. You ONLY produce the JSON graph.

==================== CRITICAL: NO HALLUCINATIONS ====================
You must ONLY use tools listed in the TOOL REGISTRY below.
If a tool is not listed, it DOES NOT EXIST. Do not invent tools.
Do not invent parameters. Use EXACT parameter names.

If you cannot solve the request with available tools, return:
{ "status": "error", "error": "Missing capability: <describe what's missing>" }

==================== GRAPH RULES ====================
Each node in "nodes" represents ONE tool execution.
{
  "id": <int, MUST START AT 0 AND INCREMENT BY 1>,
  "thought": "<string, reasoning>",
  "tool": "<string, MUST MATCH REGISTRY EXACTLY>",
  "function": "<string, MUST MATCH REGISTRY EXACTLY>",
  "inputs": { <key>: <value> },
  "depends_on": [ <int_ids_of_previous_steps> ],
  "retry": 2,
  "on_fail": "halt",
  "timeout": 45
}

==================== MULTI-TOOL RULES ====================
1. IDS MUST be 0-based indices (0, 1, 2...).
2. Identify dependencies explicitly. If Step 1 needs Step 0's output, Step 1 MUST have "depends_on": [0].
3. Use "llm_caller" SPARINGLY for logical processing, summarization, or decision making.
4. The FINAL node must be the one producing the user's answer (usually an llm_caller node).

==================== COST CONSTRAINTS ====================
MINIMIZE PLAN SIZE. Each tool has a cost weight listed in the registry.
The scale: data tools cost 1, computation tools cost 2, reasoning
(llm_caller) costs 5.
CONSTRAINT: Use the minimum number of tools required.
PENALTY: Plans with more than 3 llm_caller nodes will be rejected.

==================== TOOL DOMAIN AWARENESS ====================
NEVER ask llm_caller to produce:
  - Real-time facts (current weather, stock prices): use data tools
  - Factual claims without sources: use data tools
  - Numeric computation: use computation tools

==================== TOOL INPUTS ====================
To reference a previous step's output inside an llm_caller prompt, use
{{STEPS.<id>.<path>}} placeholders. Prefer implicit context passing via
"depends_on" everywhere else.

==================== OUTPUT FORMAT ====================
{
  "status": "success",
  "nodes": [ ... ],
  "final_output_node": <int_id>
}

TOOL REGISTRY:
{{TOOL_REGISTRY}}

USER REQUEST:
{{USER_REQUEST}}
`

const repairPromptTemplate = `
PLANNER ERROR: YOUR PREVIOUS PLAN WAS INVALID.

You violated the strict tool registry or syntax rules.
You must regenerate the plan correcting the specific error below.

ERROR:
{{ERROR_MSG}}

INVALID PLAN:
{{LAST_OUTPUT}}

TOOL REGISTRY (ONLY USE THESE):
{{TOOL_REGISTRY}}

USER REQUEST:
{{USER_REQUEST}}

Return ONLY the corrected JSON. No apologies.
`

const syntaxRepairPrompt = `
You are a strict JSON syntax fixer.

You will be given text that is INTENDED to be a single JSON object describing a
plan, but it contains syntax errors.

YOUR JOB:
- Fix ONLY the JSON SYNTAX.
- Do NOT change content more than necessary.
- Return ONLY a single valid JSON object.

<<<BROKEN_JSON_START>>>
{{BROKEN_JSON}}
<<<BROKEN_JSON_END>>>

JSON parser error:
"{{PARSE_ERROR}}"

Return corrected JSON:
`

// registryView is the planner-facing slice of a descriptor: enough to
// pick tools and fill inputs, nothing more.
type registryView struct {
	Name        string         `json:"name"`
	Domain      string         `json:"domain"`
	Description string         `json:"description,omitempty"`
	Function    string         `json:"function"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	CostWeight  float64        `json:"cost_weight,omitempty"`
}

func registryJSON(descriptors []registry.Descriptor) string {
	var views []registryView
	for _, d := range descriptors {
		for _, fn := range d.Functions {
			views = append(views, registryView{
				Name:        d.Name,
				Domain:      d.Domain,
				Description: firstNonEmpty(fn.Description, d.Description),
				Function:    fn.Name,
				Parameters:  fn.Parameters,
				CostWeight:  d.CostWeight,
			})
		}
	}
	b, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(b)
}

func buildPlanningPrompt(userRequest, registryStr string) string {
	p := strings.ReplaceAll(plannerSystemPrompt, "{{TOOL_REGISTRY}}", registryStr)
	return strings.ReplaceAll(p, "{{USER_REQUEST}}", userRequest)
}

func buildRepairPrompt(userRequest, registryStr, lastOutput, errMsg string) string {
	p := strings.ReplaceAll(repairPromptTemplate, "{{TOOL_REGISTRY}}", registryStr)
	p = strings.ReplaceAll(p, "{{LAST_OUTPUT}}", lastOutput)
	p = strings.ReplaceAll(p, "{{ERROR_MSG}}", errMsg)
	return strings.ReplaceAll(p, "{{USER_REQUEST}}", userRequest)
}

func buildSyntaxRepairPrompt(brokenJSON, parseError string) string {
	p := strings.ReplaceAll(syntaxRepairPrompt, "{{BROKEN_JSON}}", brokenJSON)
	return strings.ReplaceAll(p, "{{PARSE_ERROR}}", parseError)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
