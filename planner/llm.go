// Package planner implements the Planner Agent of spec.md §4.4: a
// stateful controller that drives a constellation through CREATE and
// EDIT turns against an external LLM port, applying every turn's tool
// calls atomically through the editor.
//
// It is grounded on the teacher's core.AIClient port
// (core/interfaces.go: "GenerateResponse(ctx, prompt, options) (*AIResponse,
// error)"), generalized from a single free-text completion call into a
// structured turn contract, and on orchestration's LLMDebugStore /
// LLMInteraction (orchestration/llm_debug_store.go) for recording every
// prompt/response pair for later inspection.
package planner

import "context"

// LLMOptions configures one LLM call, mirroring the teacher's
// core.AIOptions field-for-field.
type LLMOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse is the raw result of one LLM call, mirroring the
// teacher's core.AIResponse plus token accounting split out for the
// debug store.
type LLMResponse struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// LLMClient is the planner's port to an external LLM, grounded on the
// teacher's core.AIClient interface.
type LLMClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *LLMOptions) (*LLMResponse, error)
}

// ToolCallArgs is the planner's structured-output shape for a single
// tool call (spec.md §6 "tool_calls: [{tool, args}]"). args is decoded
// later against the specific tool's argument struct.
type ToolCallArgs struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// Status is the planner's per-turn status decision (spec.md §6).
type Status string

const (
	StatusContinue Status = "CONTINUE"
	StatusFinish   Status = "FINISH"
	StatusFail     Status = "FAIL"
)

// TurnOutput is the parsed structured response an LLM call must
// produce (spec.md §6): "{thought, response, status, tool_calls}".
// Parse errors, or a status outside {CONTINUE,FINISH,FAIL}, count as a
// planner failure for the turn.
type TurnOutput struct {
	Thought   string         `json:"thought"`
	Response  string         `json:"response"`
	Status    Status         `json:"status"`
	ToolCalls []ToolCallArgs `json:"tool_calls"`
}
