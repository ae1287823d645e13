package editor

import (
	"testing"

	"github.com/novaforge/constellation/constellation"
	"github.com/novaforge/constellation/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEditor(t *testing.T, deviceIDs ...string) (*Editor, *constellation.Graph) {
	t.Helper()
	known := map[string]bool{}
	for _, id := range deviceIDs {
		known[id] = true
	}
	g := constellation.New("c1", "test")
	g.SetDeviceValidator(func(id string) bool { return known[id] })
	bus := eventbus.New(16)
	return New(g, bus), g
}

func TestApplyTurnAppliesCallsInOrder(t *testing.T) {
	e, _ := newTestEditor(t, "dev-1")

	calls := []ToolCall{
		{Tool: ToolAddTask, AddTask: &AddTaskArgs{ID: "t1", Name: "t1", TargetDeviceID: "dev-1"}},
		{Tool: ToolAddTask, AddTask: &AddTaskArgs{ID: "t2", Name: "t2", TargetDeviceID: "dev-1"}},
		{Tool: ToolAddDependency, AddDependency: &AddDependencyArgs{DependencyID: "d1", From: "t1", To: "t2"}},
	}

	snap, err := e.ApplyTurn(calls)
	require.NoError(t, err)
	assert.Len(t, snap.Tasks, 2)
	assert.Len(t, snap.Dependencies, 1)
	assert.False(t, snap.Dependencies[0].Satisfied)
}

func TestApplyTurnRollsBackOnRejectedCall(t *testing.T) {
	e, g := newTestEditor(t, "dev-1")

	_, err := e.ApplyTurn([]ToolCall{
		{Tool: ToolAddTask, AddTask: &AddTaskArgs{ID: "t1", Name: "t1", TargetDeviceID: "dev-1"}},
	})
	require.NoError(t, err)
	before := g.GetStatistics()

	_, err = e.ApplyTurn([]ToolCall{
		{Tool: ToolAddTask, AddTask: &AddTaskArgs{ID: "t2", Name: "t2", TargetDeviceID: "dev-1"}},
		{Tool: ToolAddTask, AddTask: &AddTaskArgs{ID: "t1", Name: "dup", TargetDeviceID: "dev-1"}}, // duplicate id
	})
	require.Error(t, err)

	after := g.GetStatistics()
	assert.Equal(t, before, after)
	assert.Nil(t, g.GetTask("t2"))
}

func TestApplyTurnRejectsMutationOfRunningTask(t *testing.T) {
	e, g := newTestEditor(t, "dev-1")
	_, err := e.ApplyTurn([]ToolCall{
		{Tool: ToolAddTask, AddTask: &AddTaskArgs{ID: "t1", Name: "t1", TargetDeviceID: "dev-1"}},
	})
	require.NoError(t, err)
	require.NoError(t, g.MarkRunning("t1", "dev-1"))

	name := "new name"
	_, err = e.ApplyTurn([]ToolCall{
		{Tool: ToolUpdateTask, UpdateTask: &UpdateTaskArgs{ID: "t1", Patch: constellation.TaskPatch{Name: &name}}},
	})
	assert.Error(t, err)
}

func TestApplyTurnRejectsUnknownDevice(t *testing.T) {
	e, _ := newTestEditor(t, "dev-1")
	_, err := e.ApplyTurn([]ToolCall{
		{Tool: ToolAddTask, AddTask: &AddTaskArgs{ID: "t1", Name: "t1", TargetDeviceID: "dev-unknown"}},
	})
	assert.Error(t, err)
}

func TestBuildConstellationToolReplacesGraph(t *testing.T) {
	e, g := newTestEditor(t, "dev-1")
	_, err := e.ApplyTurn([]ToolCall{
		{Tool: ToolBuildConstellation, BuildConstellation: &BuildConstellationArgs{
			Config: constellation.BuildConfig{
				Tasks: []constellation.TaskStarSpec{
					{TaskID: "t1", Name: "t1", TargetDeviceID: "dev-1"},
				},
			},
			Clear: true,
		}},
	})
	require.NoError(t, err)
	assert.NotNil(t, g.GetTask("t1"))
}

func TestSnapshotReflectsDependencySatisfaction(t *testing.T) {
	e, g := newTestEditor(t, "dev-1")
	_, err := e.ApplyTurn([]ToolCall{
		{Tool: ToolAddTask, AddTask: &AddTaskArgs{ID: "t1", Name: "t1", TargetDeviceID: "dev-1"}},
		{Tool: ToolAddTask, AddTask: &AddTaskArgs{ID: "t2", Name: "t2", TargetDeviceID: "dev-1"}},
		{Tool: ToolAddDependency, AddDependency: &AddDependencyArgs{DependencyID: "d1", From: "t1", To: "t2"}},
	})
	require.NoError(t, err)

	require.NoError(t, g.MarkRunning("t1", "dev-1"))
	require.NoError(t, g.MarkTerminal("t1", constellation.StatusCompleted, "ok", ""))

	snap := e.Snapshot()
	require.Len(t, snap.Dependencies, 1)
	assert.True(t, snap.Dependencies[0].Satisfied)
}
