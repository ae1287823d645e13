package planner

import (
	"context"
	"testing"
	"time"

	"github.com/novaforge/constellation/constellation"
	"github.com/novaforge/constellation/device"
	"github.com/novaforge/constellation/editor"
	"github.com/novaforge/constellation/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEditor(t *testing.T, deviceIDs ...string) (*editor.Editor, *constellation.Graph) {
	t.Helper()
	known := map[string]bool{}
	for _, id := range deviceIDs {
		known[id] = true
	}
	g := constellation.New("c1", "test")
	g.SetDeviceValidator(func(id string) bool { return known[id] })
	bus := eventbus.New(16)
	return editor.New(g, bus), g
}

func newTestRegistry(t *testing.T, deviceID string) RegistrySnapshot {
	t.Helper()
	registry := device.NewRegistry(time.Minute, nil)
	_, err := registry.Register(deviceID, "linux", []string{"camera"}, nil)
	require.NoError(t, err)
	return SnapshotRegistry(registry)
}

func TestCreateAppliesSingleBuildConstellationCall(t *testing.T) {
	ed, g := newTestEditor(t, "dev-1")
	llm := NewScriptedLLM(TurnOutput{
		Thought:  "build it",
		Response: "creating constellation",
		Status:   StatusContinue,
		ToolCalls: []ToolCallArgs{{
			Tool: editor.ToolBuildConstellation,
			Args: map[string]interface{}{
				"Config": map[string]interface{}{
					"Tasks": []map[string]interface{}{
						{"TaskID": "t1", "Name": "t1", "TargetDeviceID": "dev-1"},
					},
				},
				"Clear": true,
			},
		}},
	})

	p := New(llm, ed, DefaultConfig())
	err := p.Create(context.Background(), "r1", "do something", newTestRegistry(t, "dev-1"))
	require.NoError(t, err)
	assert.Equal(t, StateExecuteWait, p.State())
	assert.NotNil(t, g.GetTask("t1"))
}

func TestCreateRejectsMultipleToolCalls(t *testing.T) {
	ed, _ := newTestEditor(t, "dev-1")
	llm := NewScriptedLLM(TurnOutput{
		Status: StatusContinue,
		ToolCalls: []ToolCallArgs{
			{Tool: editor.ToolBuildConstellation, Args: map[string]interface{}{"Config": map[string]interface{}{}}},
			{Tool: editor.ToolBuildConstellation, Args: map[string]interface{}{"Config": map[string]interface{}{}}},
		},
	})

	p := New(llm, ed, DefaultConfig())
	err := p.Create(context.Background(), "r1", "do something", newTestRegistry(t, "dev-1"))
	require.Error(t, err)
	assert.Equal(t, StateFail, p.State())
}

func TestEditAppliesMutationsAndContinues(t *testing.T) {
	ed, g := newTestEditor(t, "dev-1")
	_, err := ed.ApplyTurn([]editor.ToolCall{
		{Tool: editor.ToolAddTask, AddTask: &editor.AddTaskArgs{ID: "t1", Name: "t1", TargetDeviceID: "dev-1"}},
	})
	require.NoError(t, err)

	llm := NewScriptedLLM(TurnOutput{
		Status: StatusContinue,
		ToolCalls: []ToolCallArgs{{
			Tool: editor.ToolAddTask,
			Args: map[string]interface{}{"ID": "t2", "Name": "t2", "TargetDeviceID": "dev-1"},
		}},
	})

	p := New(llm, ed, DefaultConfig())
	status, err := p.Edit(context.Background(), "r1", ed.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, status)
	assert.NotNil(t, g.GetTask("t2"))
}

func TestEditFeedsRejectionBackAsLastError(t *testing.T) {
	ed, _ := newTestEditor(t, "dev-1")
	_, err := ed.ApplyTurn([]editor.ToolCall{
		{Tool: editor.ToolAddTask, AddTask: &editor.AddTaskArgs{ID: "t1", Name: "t1", TargetDeviceID: "dev-1"}},
	})
	require.NoError(t, err)

	llm := NewScriptedLLM(TurnOutput{
		Status: StatusContinue,
		ToolCalls: []ToolCallArgs{{
			Tool: editor.ToolAddTask,
			Args: map[string]interface{}{"ID": "t1", "Name": "dup", "TargetDeviceID": "dev-1"}, // duplicate id
		}},
	})

	p := New(llm, ed, DefaultConfig())
	status, err := p.Edit(context.Background(), "r1", ed.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, status)
	assert.NotEmpty(t, p.LastError())
	assert.Equal(t, StateExecuteWait, p.State())
}

func TestEditTransitionsToFinish(t *testing.T) {
	ed, _ := newTestEditor(t, "dev-1")
	llm := NewScriptedLLM(TurnOutput{Status: StatusFinish, Response: "done"})

	p := New(llm, ed, DefaultConfig())
	status, err := p.Edit(context.Background(), "r1", ed.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, StatusFinish, status)
	assert.Equal(t, StateFinish, p.State())
}

func TestEditTransitionsToFailOnUnparseableResponse(t *testing.T) {
	ed, _ := newTestEditor(t, "dev-1")
	llm := &ScriptedLLM{Func: func(ctx context.Context, prompt string, opts *LLMOptions) (*LLMResponse, error) {
		return &LLMResponse{Content: "not json"}, nil
	}}

	p := New(llm, ed, DefaultConfig())
	status, err := p.Edit(context.Background(), "r1", ed.Snapshot())
	require.Error(t, err)
	assert.Equal(t, StatusFail, status)
	assert.Equal(t, StateFail, p.State())
}

func TestEditEnforcesTurnBudget(t *testing.T) {
	ed, _ := newTestEditor(t, "dev-1")
	cfg := DefaultConfig()
	cfg.MaxTurnsPerRound = 1
	llm := NewScriptedLLM(
		TurnOutput{Status: StatusContinue},
		TurnOutput{Status: StatusContinue},
	)

	p := New(llm, ed, cfg)
	_, err := p.Edit(context.Background(), "r1", ed.Snapshot())
	require.NoError(t, err)

	status, err := p.Edit(context.Background(), "r1", ed.Snapshot())
	require.Error(t, err)
	assert.Equal(t, StatusFail, status)
	assert.Equal(t, StateFail, p.State())
}

func TestDebugStoreRecordsEveryInteraction(t *testing.T) {
	ed, _ := newTestEditor(t, "dev-1")
	llm := NewScriptedLLM(TurnOutput{Status: StatusFinish})
	store := NewInMemoryDebugStore()

	p := New(llm, ed, DefaultConfig())
	p.SetDebugStore(store)
	_, err := p.Edit(context.Background(), "r1", ed.Snapshot())
	require.NoError(t, err)

	interactions, err := store.ListInteractions(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.True(t, interactions[0].Success)
	assert.Equal(t, "edit", interactions[0].Mode)
}
