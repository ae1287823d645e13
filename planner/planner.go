package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/novaforge/constellation/core"
	"github.com/novaforge/constellation/device"
	"github.com/novaforge/constellation/editor"
)

// State is the planner's FSM state (spec.md §4.4).
type State string

const (
	StateInit        State = "INIT"
	StateCreate      State = "CREATE"
	StateExecuteWait State = "EXECUTE-WAIT"
	StateEdit        State = "EDIT"
	StateFinish      State = "FINISH"
	StateFail        State = "FAIL"
)

// Config bounds a round's interaction with the planner (spec.md §4.4
// "Safety guards" / §4.6 "Budget").
type Config struct {
	Model                string
	Temperature          float32
	MaxTokens            int
	SystemPrompt         string
	MaxTurnsPerRound     int
	MaxToolCallsPerRound int
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Model:                "default",
		Temperature:          0.2,
		MaxTokens:            4096,
		MaxTurnsPerRound:     20,
		MaxToolCallsPerRound: 200,
	}
}

// Editor is the narrow surface Planner needs from an editor.Editor.
type Editor interface {
	ApplyTurn(calls []editor.ToolCall) (editor.Snapshot, error)
	Snapshot() editor.Snapshot
}

// Planner drives one constellation's CREATE/EDIT lifecycle against an
// LLMClient, applying every turn atomically through Editor (spec.md
// §4.4).
type Planner struct {
	llm    LLMClient
	editor Editor
	cfg    Config
	debug  DebugStore
	logger core.Logger

	state         State
	turnsUsed     int
	toolCallsUsed int
	lastError     string
}

// New creates a Planner over editor, issuing calls through llm.
func New(llm LLMClient, ed Editor, cfg Config) *Planner {
	return &Planner{
		llm:    llm,
		editor: ed,
		cfg:    cfg,
		debug:  NoOpDebugStore{},
		logger: core.NoOpLogger{},
		state:  StateInit,
	}
}

// SetDebugStore injects a DebugStore; nil resets to NoOpDebugStore.
func (p *Planner) SetDebugStore(store DebugStore) {
	if store == nil {
		store = NoOpDebugStore{}
	}
	p.debug = store
}

// SetLogger injects a structured logger.
func (p *Planner) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("constellation/planner")
	}
	p.logger = logger
}

// State returns the planner's current FSM state.
func (p *Planner) State() State { return p.state }

// RegistrySnapshot is the device-availability view passed to the
// planner's CREATE-mode prompt (spec.md §4.4 "the device registry
// snapshot").
type RegistrySnapshot struct {
	Devices []DeviceSnapshot `json:"devices"`
}

// DeviceSnapshot is one device's planner-visible fields.
type DeviceSnapshot struct {
	DeviceID     string   `json:"device_id"`
	OS           string   `json:"os"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
}

// SnapshotRegistry renders registry into the JSON view the planner's
// prompt is built from.
func SnapshotRegistry(registry *device.Registry) RegistrySnapshot {
	devs := registry.List()
	out := make([]DeviceSnapshot, 0, len(devs))
	for _, d := range devs {
		out = append(out, DeviceSnapshot{
			DeviceID:     d.DeviceID,
			OS:           d.OS,
			Capabilities: d.Capabilities,
			Status:       string(d.Status),
		})
	}
	return RegistrySnapshot{Devices: out}
}

// Create runs the planner's CREATE mode (spec.md §4.4 "Create mode"):
// one LLM turn producing a single build_constellation call. On
// success the planner transitions to EXECUTE-WAIT.
func (p *Planner) Create(ctx context.Context, roundID, request string, registry RegistrySnapshot) error {
	p.state = StateCreate

	prompt := buildCreatePrompt(request, registry)
	turn, err := p.callLLM(ctx, roundID, "create", prompt)
	if err != nil {
		p.fail(err.Error())
		return err
	}

	if len(turn.ToolCalls) != 1 || turn.ToolCalls[0].Tool != editor.ToolBuildConstellation {
		err := fmt.Errorf("create mode requires exactly one build_constellation call, got %d calls", len(turn.ToolCalls))
		p.fail(err.Error())
		return err
	}

	call, err := decodeToolCall(turn.ToolCalls[0])
	if err != nil {
		p.fail(err.Error())
		return err
	}
	if _, err := p.editor.ApplyTurn([]editor.ToolCall{call}); err != nil {
		p.lastError = err.Error()
		p.fail(err.Error())
		return err
	}

	p.state = StateExecuteWait
	return nil
}

// Edit runs one planner EDIT-mode turn (spec.md §4.4 "Edit mode"):
// zero or more mutation calls followed by a CONTINUE/FINISH/FAIL
// decision, applied atomically. It returns the decided Status and, on
// CONTINUE, itself transitions the planner back to EXECUTE-WAIT.
func (p *Planner) Edit(ctx context.Context, roundID string, snapshot editor.Snapshot) (Status, error) {
	if p.turnsUsed >= p.cfg.MaxTurnsPerRound {
		err := core.NewError("edit", "budget_exhausted", roundID, core.ErrBudgetExhausted)
		p.fail(err.Error())
		return StatusFail, err
	}
	p.state = StateEdit
	p.turnsUsed++

	prompt := buildEditPrompt(snapshot, p.lastError)
	p.lastError = ""

	turn, err := p.callLLM(ctx, roundID, "edit", prompt)
	if err != nil {
		p.fail(err.Error())
		return StatusFail, err
	}

	if p.toolCallsUsed+len(turn.ToolCalls) > p.cfg.MaxToolCallsPerRound {
		err := core.NewError("edit", "budget_exhausted", roundID, core.ErrBudgetExhausted)
		p.fail(err.Error())
		return StatusFail, err
	}

	calls := make([]editor.ToolCall, 0, len(turn.ToolCalls))
	for _, raw := range turn.ToolCalls {
		call, err := decodeToolCall(raw)
		if err != nil {
			p.fail(err.Error())
			return StatusFail, err
		}
		calls = append(calls, call)
	}

	if len(calls) > 0 {
		if _, err := p.editor.ApplyTurn(calls); err != nil {
			p.lastError = err.Error()
			p.state = StateExecuteWait
			return StatusContinue, nil
		}
		p.toolCallsUsed += len(calls)
	}

	switch turn.Status {
	case StatusFinish:
		p.state = StateFinish
		return StatusFinish, nil
	case StatusFail:
		p.fail(turn.Response)
		return StatusFail, nil
	case StatusContinue:
		p.state = StateExecuteWait
		return StatusContinue, nil
	default:
		err := fmt.Errorf("planner returned unrecognized status %q", turn.Status)
		p.fail(err.Error())
		return StatusFail, err
	}
}

func (p *Planner) fail(reason string) {
	p.state = StateFail
	p.lastError = reason
}

// LastError returns the rejection feedback from the most recent
// rejected tool call, surfaced into the next prompt (spec.md §4.4
// "Turn contract").
func (p *Planner) LastError() string { return p.lastError }

func (p *Planner) callLLM(ctx context.Context, roundID, mode, prompt string) (TurnOutput, error) {
	start := time.Now()
	opts := &LLMOptions{
		Model:        p.cfg.Model,
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
		SystemPrompt: p.cfg.SystemPrompt,
	}

	resp, err := p.llm.GenerateResponse(ctx, prompt, opts)
	interaction := Interaction{
		Mode:         mode,
		Timestamp:    start,
		DurationMs:   time.Since(start).Milliseconds(),
		Prompt:       prompt,
		SystemPrompt: p.cfg.SystemPrompt,
	}
	if err != nil {
		interaction.Success = false
		interaction.Error = err.Error()
		_ = p.debug.RecordInteraction(ctx, roundID, interaction)
		return TurnOutput{}, err
	}

	interaction.Model = resp.Model
	interaction.Response = resp.Content
	interaction.PromptTokens = resp.PromptTokens
	interaction.TotalTokens = resp.TotalTokens

	turn, perr := parseTurn(resp.Content)
	if perr != nil {
		interaction.Success = false
		interaction.Error = perr.Error()
		_ = p.debug.RecordInteraction(ctx, roundID, interaction)
		return TurnOutput{}, core.NewError("planner", "planner_parse_error", roundID, core.ErrPlannerParse)
	}

	interaction.Success = true
	_ = p.debug.RecordInteraction(ctx, roundID, interaction)
	return turn, nil
}

// parseTurn decodes an LLM response body as the structured turn output
// spec.md §6 requires. A malformed body or an out-of-range status
// counts as a planner parse failure.
func parseTurn(content string) (TurnOutput, error) {
	var turn TurnOutput
	if err := json.Unmarshal([]byte(content), &turn); err != nil {
		return TurnOutput{}, err
	}
	switch turn.Status {
	case StatusContinue, StatusFinish, StatusFail:
	default:
		return TurnOutput{}, fmt.Errorf("status %q not in {CONTINUE,FINISH,FAIL}", turn.Status)
	}
	return turn, nil
}

func encodeTurn(turn TurnOutput) string {
	data, _ := json.Marshal(turn)
	return string(data)
}

// decodeToolCall converts the LLM's generic {tool, args} shape into
// the editor's typed ToolCall. Unknown tool names or malformed args
// are reported to the caller as the same planner_parse_error the rest
// of turn decoding uses, rather than a separate error kind, since both
// represent the LLM producing output the editor cannot act on.
func decodeToolCall(raw ToolCallArgs) (editor.ToolCall, error) {
	remarshal := func(out interface{}) error {
		data, err := json.Marshal(raw.Args)
		if err == nil {
			err = json.Unmarshal(data, out)
		}
		if err != nil {
			return core.NewError("decode_tool_call", "planner_parse_error", raw.Tool, fmt.Errorf("%w: %v", core.ErrPlannerParse, err))
		}
		return nil
	}

	switch raw.Tool {
	case editor.ToolAddTask:
		var args editor.AddTaskArgs
		if err := remarshal(&args); err != nil {
			return editor.ToolCall{}, err
		}
		return editor.ToolCall{Tool: editor.ToolAddTask, AddTask: &args}, nil
	case editor.ToolRemoveTask:
		var args editor.RemoveTaskArgs
		if err := remarshal(&args); err != nil {
			return editor.ToolCall{}, err
		}
		return editor.ToolCall{Tool: editor.ToolRemoveTask, RemoveTask: &args}, nil
	case editor.ToolUpdateTask:
		var args editor.UpdateTaskArgs
		if err := remarshal(&args); err != nil {
			return editor.ToolCall{}, err
		}
		return editor.ToolCall{Tool: editor.ToolUpdateTask, UpdateTask: &args}, nil
	case editor.ToolAddDependency:
		var args editor.AddDependencyArgs
		if err := remarshal(&args); err != nil {
			return editor.ToolCall{}, err
		}
		return editor.ToolCall{Tool: editor.ToolAddDependency, AddDependency: &args}, nil
	case editor.ToolRemoveDependency:
		var args editor.RemoveDependencyArgs
		if err := remarshal(&args); err != nil {
			return editor.ToolCall{}, err
		}
		return editor.ToolCall{Tool: editor.ToolRemoveDependency, RemoveDependency: &args}, nil
	case editor.ToolUpdateDependency:
		var args editor.UpdateDependencyArgs
		if err := remarshal(&args); err != nil {
			return editor.ToolCall{}, err
		}
		return editor.ToolCall{Tool: editor.ToolUpdateDependency, UpdateDependency: &args}, nil
	case editor.ToolBuildConstellation:
		var args editor.BuildConstellationArgs
		if err := remarshal(&args); err != nil {
			return editor.ToolCall{}, err
		}
		return editor.ToolCall{Tool: editor.ToolBuildConstellation, BuildConstellation: &args}, nil
	default:
		return editor.ToolCall{}, core.NewError("decode_tool_call", "planner_parse_error", raw.Tool, fmt.Errorf("%w: unknown tool %q", core.ErrPlannerParse, raw.Tool))
	}
}

func buildCreatePrompt(request string, registry RegistrySnapshot) string {
	regJSON, _ := json.Marshal(registry)
	return fmt.Sprintf(
		"MODE: CREATE\nUSER REQUEST:\n%s\n\nDEVICE REGISTRY:\n%s\n\n"+
			"Respond with one build_constellation tool call assigning every task a target_device_id from the registry.",
		request, string(regJSON))
}

func buildEditPrompt(snapshot editor.Snapshot, priorError string) string {
	snapJSON, _ := json.Marshal(snapshot)
	prompt := fmt.Sprintf("MODE: EDIT\nCONSTELLATION SNAPSHOT:\n%s\n", string(snapJSON))
	if priorError != "" {
		prompt += fmt.Sprintf("\nPRIOR TURN ERROR:\n%s\n", priorError)
	}
	return prompt
}
