package constellation

import (
	"errors"
	"testing"

	"github.com/novaforge/constellation/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGraph() *Graph {
	return New("const-1", "test")
}

func addSimpleTask(t *testing.T, g *Graph, id string) *TaskStar {
	t.Helper()
	task, err := g.AddTask(TaskStarSpec{TaskID: id, Name: id})
	require.NoError(t, err)
	return task
}

func TestAddTaskRejectsDuplicate(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")

	_, err := g.AddTask(TaskStarSpec{TaskID: "t1"})
	assert.ErrorIs(t, err, core.ErrDuplicateID)
}

func TestAddTaskRejectsUnknownDevice(t *testing.T) {
	g := newTestGraph()
	g.SetDeviceValidator(func(id string) bool { return id == "known" })

	_, err := g.AddTask(TaskStarSpec{TaskID: "t1", TargetDeviceID: "unknown"})
	assert.ErrorIs(t, err, core.ErrUnknownDevice)

	_, err = g.AddTask(TaskStarSpec{TaskID: "t2", TargetDeviceID: "known"})
	assert.NoError(t, err)
}

func TestAddDependencyRejectsSelfLoop(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")

	_, err := g.AddDependency("d1", "t1", "t1", DependencyUnconditional, "")
	assert.ErrorIs(t, err, core.ErrSelfLoop)
}

func TestAddDependencyRejectsCycleAndLeavesStateUntouched(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")
	addSimpleTask(t, g, "t2")
	addSimpleTask(t, g, "t3")

	_, err := g.AddDependency("d1", "t1", "t2", DependencyUnconditional, "")
	require.NoError(t, err)
	_, err = g.AddDependency("d2", "t2", "t3", DependencyUnconditional, "")
	require.NoError(t, err)

	before := g.GetStatistics()

	_, err = g.AddDependency("d3", "t3", "t1", DependencyUnconditional, "")
	assert.ErrorIs(t, err, core.ErrCycle)

	after := g.GetStatistics()
	assert.Equal(t, before, after)
	assert.Nil(t, g.GetDependency("d3"))
}

func TestAddDependencyRejectsDuplicateEdge(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")
	addSimpleTask(t, g, "t2")

	_, err := g.AddDependency("d1", "t1", "t2", DependencyUnconditional, "")
	require.NoError(t, err)

	_, err = g.AddDependency("d2", "t1", "t2", DependencyUnconditional, "")
	assert.ErrorIs(t, err, core.ErrDuplicateID)
}

func TestUpdateTaskRejectsEmptyPatch(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")

	_, err := g.UpdateTask("t1", TaskPatch{})
	assert.ErrorIs(t, err, core.ErrEmptyPatch)
}

func TestUpdateTaskRejectsRunningTaskMutation(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")
	require.NoError(t, g.MarkRunning("t1", "dev-1"))

	newName := "renamed"
	_, err := g.UpdateTask("t1", TaskPatch{Name: &newName})
	assert.ErrorIs(t, err, core.ErrNotModifiable)
}

func TestUpdateTaskAllowsRetryTransitionFromFailed(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")
	require.NoError(t, g.MarkRunning("t1", "dev-1"))
	require.NoError(t, g.MarkTerminal("t1", StatusFailed, "", "boom"))

	pending := StatusPending
	updated, err := g.UpdateTask("t1", TaskPatch{Status: &pending})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, updated.Status)
}

func TestRemoveTaskAllowsTerminalButRejectsRunning(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")
	addSimpleTask(t, g, "t2")
	require.NoError(t, g.MarkRunning("t1", "dev-1"))

	err := g.RemoveTask("t1")
	assert.ErrorIs(t, err, core.ErrTaskRunning)

	require.NoError(t, g.MarkTerminal("t1", StatusFailed, "", "boom"))
	assert.NoError(t, g.RemoveTask("t1"))
	assert.Nil(t, g.GetTask("t1"))

	assert.NoError(t, g.RemoveTask("t2"))
}

func TestRemoveTaskCascadesDependencies(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")
	addSimpleTask(t, g, "t2")
	_, err := g.AddDependency("d1", "t1", "t2", DependencyUnconditional, "")
	require.NoError(t, err)

	require.NoError(t, g.RemoveTask("t1"))
	assert.Nil(t, g.GetDependency("d1"))
	assert.Empty(t, g.Dependencies())
}

func TestReadyTasksOrderingTieBreak(t *testing.T) {
	g := newTestGraph()
	_, err := g.AddTask(TaskStarSpec{TaskID: "z", Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = g.AddTask(TaskStarSpec{TaskID: "a", Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = g.AddTask(TaskStarSpec{TaskID: "urgent", Priority: PriorityHigh})
	require.NoError(t, err)

	// Equal priority is broken by creation time before task_id, so "z"
	// (created first) precedes "a".
	ready := g.ReadyTasks()
	require.Len(t, ready, 3)
	assert.Equal(t, "urgent", ready[0].TaskID)
	assert.Equal(t, "z", ready[1].TaskID)
	assert.Equal(t, "a", ready[2].TaskID)
}

func TestReadyTasksRespectDependencySatisfaction(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")
	addSimpleTask(t, g, "t2")
	_, err := g.AddDependency("d1", "t1", "t2", DependencyUnconditional, "")
	require.NoError(t, err)

	ready := g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "t1", ready[0].TaskID)

	require.NoError(t, g.MarkRunning("t1", "dev-1"))
	require.NoError(t, g.MarkTerminal("t1", StatusCompleted, "ok", ""))

	ready = g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "t2", ready[0].TaskID)
}

func TestCompletionOnlySatisfiedByAnyTerminalState(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")
	addSimpleTask(t, g, "t2")
	_, err := g.AddDependency("d1", "t1", "t2", DependencyCompletionOnly, "")
	require.NoError(t, err)

	require.NoError(t, g.MarkRunning("t1", "dev-1"))
	require.NoError(t, g.MarkTerminal("t1", StatusFailed, "", "boom"))

	ready := g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "t2", ready[0].TaskID)
}

func TestSuccessOnlyBehavesLikeUnconditional(t *testing.T) {
	unconditional := Satisfied(DependencyUnconditional, StatusFailed)
	successOnly := Satisfied(DependencySuccessOnly, StatusFailed)
	assert.Equal(t, unconditional, successOnly)

	unconditional = Satisfied(DependencyUnconditional, StatusCompleted)
	successOnly = Satisfied(DependencySuccessOnly, StatusCompleted)
	assert.Equal(t, unconditional, successOnly)
}

func TestBuildFromConfigAtomicRollback(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")
	before := g.GetStatistics()

	cfg := BuildConfig{
		Tasks: []TaskStarSpec{
			{TaskID: "t2"},
			{TaskID: "t2"}, // duplicate within the same batch
		},
	}
	err := g.BuildFromConfig(cfg, false)
	require.Error(t, err)

	var cerr *core.ConstellationError
	require.True(t, errors.As(err, &cerr))

	after := g.GetStatistics()
	assert.Equal(t, before, after)
	assert.Nil(t, g.GetTask("t2"))
}

func TestBuildFromConfigClearReplacesGraph(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "old")

	cfg := BuildConfig{
		Tasks: []TaskStarSpec{
			{TaskID: "n1"},
			{TaskID: "n2"},
		},
		Dependencies: []ConfigDependency{
			{DependencyID: "d1", FromTaskID: "n1", ToTaskID: "n2", DependencyType: DependencyUnconditional},
		},
	}
	require.NoError(t, g.BuildFromConfig(cfg, true))

	assert.Nil(t, g.GetTask("old"))
	assert.NotNil(t, g.GetTask("n1"))
	assert.NotNil(t, g.GetTask("n2"))
	assert.Len(t, g.Dependencies(), 1)
}

func TestBuildFromConfigRejectsCycleAndRollsBack(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "t1")
	before := g.GetStatistics()

	cfg := BuildConfig{
		Tasks: []TaskStarSpec{{TaskID: "a"}, {TaskID: "b"}},
		Dependencies: []ConfigDependency{
			{DependencyID: "d1", FromTaskID: "a", ToTaskID: "b", DependencyType: DependencyUnconditional},
			{DependencyID: "d2", FromTaskID: "b", ToTaskID: "a", DependencyType: DependencyUnconditional},
		},
	}
	err := g.BuildFromConfig(cfg, false)
	assert.Error(t, err)

	after := g.GetStatistics()
	assert.Equal(t, before, after)
}

func TestLongestPathAndParallelismRatio(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "a")
	addSimpleTask(t, g, "b")
	addSimpleTask(t, g, "c")
	addSimpleTask(t, g, "d")

	_, err := g.AddDependency("d1", "a", "b", DependencyUnconditional, "")
	require.NoError(t, err)
	_, err = g.AddDependency("d2", "b", "c", DependencyUnconditional, "")
	require.NoError(t, err)

	assert.Equal(t, 3, g.LongestPath())
	assert.Equal(t, []string{"a", "b", "c"}, g.CriticalPath())
	assert.InDelta(t, 4.0/3.0, g.ParallelismRatio(), 0.001)
}

func TestExecutableTasksRequiresDevice(t *testing.T) {
	g := newTestGraph()
	_, err := g.AddTask(TaskStarSpec{TaskID: "t1"})
	require.NoError(t, err)
	_, err = g.AddTask(TaskStarSpec{TaskID: "t2", TargetDeviceID: "dev-1"})
	require.NoError(t, err)

	executable := g.ExecutableTasks()
	require.Len(t, executable, 1)
	assert.Equal(t, "t2", executable[0].TaskID)
}

func TestValidateDetectsCycleIntroducedOutOfBand(t *testing.T) {
	g := newTestGraph()
	addSimpleTask(t, g, "a")
	addSimpleTask(t, g, "b")
	_, err := g.AddDependency("d1", "a", "b", DependencyUnconditional, "")
	require.NoError(t, err)

	assert.NoError(t, g.Validate())

	// Insert b -> a directly, bypassing AddDependency's cycle check.
	g.edges["d2"] = &TaskStarLine{DependencyID: "d2", FromTaskID: "b", ToTaskID: "a", DependencyType: DependencyUnconditional}
	g.children["b"]["d2"] = true
	g.parents["a"]["d2"] = true

	assert.ErrorIs(t, g.Validate(), core.ErrCycle)
}
