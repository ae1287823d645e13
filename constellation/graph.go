package constellation

import (
	"sort"
	"sync"

	"github.com/novaforge/constellation/core"
)

// State is the TaskConstellation's own lifecycle state (spec.md §3).
type State string

const (
	StateCreated   State = "CREATED"
	StateExecuting State = "EXECUTING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// DeviceValidator is consulted by AddTask/UpdateTask when a
// target_device_id is set, so the graph can reject assignment to a
// device the registry doesn't know about without importing the device
// package (spec.md §4.1 "non-existent target_device_id").
type DeviceValidator func(deviceID string) bool

// Graph is the in-memory TaskConstellation: a DAG of TaskStars and
// TaskStarLines with safe, idempotent mutation primitives and derived
// queries (spec.md §4.1). It is grounded on the teacher's
// orchestration.WorkflowDAG — same dependents-index/cycle-by-DFS
// technique — generalized to typed tasks/edges, device validation and
// atomic batch rebuilds.
type Graph struct {
	mu sync.RWMutex

	constellationID string
	name            string
	metadata        map[string]string
	state           State
	createdAt       float64

	tasks    map[string]*TaskStar
	edges    map[string]*TaskStarLine
	children map[string]map[string]bool // taskID -> set of dependency_ids whose FromTaskID == taskID
	parents  map[string]map[string]bool // taskID -> set of dependency_ids whose ToTaskID == taskID

	topoCache []string
	topoDirty bool

	deviceValidator DeviceValidator
	logger          core.Logger
}

// New creates an empty TaskConstellation.
func New(constellationID, name string) *Graph {
	return &Graph{
		constellationID: constellationID,
		name:            name,
		metadata:        map[string]string{},
		state:           StateCreated,
		createdAt:       core.NowSeconds(),
		tasks:           map[string]*TaskStar{},
		edges:           map[string]*TaskStarLine{},
		children:        map[string]map[string]bool{},
		parents:         map[string]map[string]bool{},
		topoDirty:       true,
		logger:          core.NoOpLogger{},
	}
}

// SetDeviceValidator wires an optional device-existence check into
// AddTask/UpdateTask.
func (g *Graph) SetDeviceValidator(v DeviceValidator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deviceValidator = v
}

// SetLogger injects a structured logger.
func (g *Graph) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("constellation/model")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logger = logger
}

// ID returns the constellation_id.
func (g *Graph) ID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.constellationID
}

// Name returns the constellation's display name.
func (g *Graph) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.name
}

// CreatedAt returns the constellation's creation timestamp (seconds
// since epoch).
func (g *Graph) CreatedAt() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.createdAt
}

// State returns the constellation's current lifecycle state.
func (g *Graph) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// SetState transitions the constellation's lifecycle state. It does
// not validate the transition graph; callers (the orchestrator) decide
// when CREATED -> EXECUTING -> {COMPLETED,FAILED,CANCELLED} happens.
func (g *Graph) SetState(s State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
}

// Metadata returns a copy of the constellation's free-form metadata.
func (g *Graph) Metadata() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.metadata))
	for k, v := range g.metadata {
		out[k] = v
	}
	return out
}

// SetMetadata replaces a single metadata key.
func (g *Graph) SetMetadata(key, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metadata[key] = value
}

// ---------------------------------------------------------------------
// Task mutation primitives
// ---------------------------------------------------------------------

// AddTask implements the add_task editor tool (spec.md §4.1/§4.7).
func (g *Graph) AddTask(spec TaskStarSpec) (*TaskStar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if spec.TaskID == "" {
		return nil, core.NewError("add_task", "missing_id", "", core.ErrUnknownTask)
	}
	if _, exists := g.tasks[spec.TaskID]; exists {
		return nil, core.NewError("add_task", "duplicate", spec.TaskID, core.ErrDuplicateID)
	}
	if spec.TargetDeviceID != "" && g.deviceValidator != nil && !g.deviceValidator(spec.TargetDeviceID) {
		return nil, core.NewError("add_task", "unknown_device", spec.TargetDeviceID, core.ErrUnknownDevice)
	}

	priority := spec.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	now := nowSeconds()
	task := &TaskStar{
		TaskID:         spec.TaskID,
		Name:           spec.Name,
		Description:    spec.Description,
		Tips:           append([]string(nil), spec.Tips...),
		TargetDeviceID: spec.TargetDeviceID,
		Status:         StatusPending,
		Priority:       priority,
		MaxRetries:     spec.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	g.tasks[task.TaskID] = task
	g.children[task.TaskID] = map[string]bool{}
	g.parents[task.TaskID] = map[string]bool{}
	g.topoDirty = true

	g.logger.Debug("task added", map[string]interface{}{"task_id": task.TaskID})
	return task.Clone(), nil
}

// RemoveTask implements the remove_task editor tool. It is rejected
// while the task is RUNNING (I6); terminal tasks may be removed so the
// planner can repair a failed branch of the graph (spec.md §8 S5).
func (g *Graph) RemoveTask(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return core.NewError("remove_task", "unknown_task", taskID, core.ErrUnknownTask)
	}
	if task.Status == StatusRunning {
		return core.NewError("remove_task", "not_modifiable", taskID, core.ErrTaskRunning)
	}

	for depID := range g.parents[taskID] {
		edge := g.edges[depID]
		delete(g.children[edge.FromTaskID], depID)
		delete(g.edges, depID)
	}
	for depID := range g.children[taskID] {
		edge := g.edges[depID]
		delete(g.parents[edge.ToTaskID], depID)
		delete(g.edges, depID)
	}

	delete(g.tasks, taskID)
	delete(g.children, taskID)
	delete(g.parents, taskID)
	g.topoDirty = true

	g.logger.Debug("task removed", map[string]interface{}{"task_id": taskID})
	return nil
}

// UpdateTask implements the update_task editor tool: a partial update
// rejected on an empty patch (§8 property 7) or on a task that is
// RUNNING/COMPLETED/FAILED (I6) — CANCELLED/SKIPPED tasks remain
// modifiable so the planner can repurpose them.
func (g *Graph) UpdateTask(taskID string, patch TaskPatch) (*TaskStar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, core.NewError("update_task", "unknown_task", taskID, core.ErrUnknownTask)
	}
	if patch.IsEmpty() {
		return nil, core.NewError("update_task", "empty_patch", taskID, core.ErrEmptyPatch)
	}
	if task.Status == StatusRunning || task.Status == StatusCompleted || task.Status == StatusFailed {
		// The only patch accepted here is the retry transition back to
		// PENDING; anything else is rejected with core.ErrNotModifiable.
		if patch.Status == nil || !isRetryTransition(task.Status, *patch.Status) {
			return nil, core.NewError("update_task", "not_modifiable", taskID, core.ErrNotModifiable)
		}
	}

	if patch.TargetDeviceID != nil && *patch.TargetDeviceID != "" && g.deviceValidator != nil && !g.deviceValidator(*patch.TargetDeviceID) {
		return nil, core.NewError("update_task", "unknown_device", *patch.TargetDeviceID, core.ErrUnknownDevice)
	}

	if patch.Name != nil {
		task.Name = *patch.Name
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.TipsSet {
		task.Tips = append([]string(nil), patch.Tips...)
	}
	if patch.TargetDeviceID != nil {
		task.TargetDeviceID = *patch.TargetDeviceID
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.Result != nil {
		task.Result = *patch.Result
	}
	if patch.Error != nil {
		task.Error = *patch.Error
	}
	if patch.MaxRetries != nil {
		task.MaxRetries = *patch.MaxRetries
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	task.UpdatedAt = nowSeconds()

	return task.Clone(), nil
}

// isRetryTransition allows a RUNNING/FAILED task to move back to
// PENDING (retry) even though it would otherwise be non-modifiable.
func isRetryTransition(from, to Status) bool {
	return (from == StatusRunning || from == StatusFailed) && to == StatusPending
}

// ---------------------------------------------------------------------
// Dependency mutation primitives
// ---------------------------------------------------------------------

// AddDependency implements the add_dependency editor tool, rejecting
// self-loops, duplicates and cycle-forming edges (spec.md §4.1, I1).
func (g *Graph) AddDependency(depID, from, to string, depType DependencyType, desc string) (*TaskStarLine, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.edges[depID]; exists {
		return nil, core.NewError("add_dependency", "duplicate", depID, core.ErrDuplicateID)
	}
	if from == to {
		return nil, core.NewError("add_dependency", "self_loop", depID, core.ErrSelfLoop)
	}
	if _, exists := g.tasks[from]; !exists {
		return nil, core.NewError("add_dependency", "unknown_task", from, core.ErrUnknownTask)
	}
	if _, exists := g.tasks[to]; !exists {
		return nil, core.NewError("add_dependency", "unknown_task", to, core.ErrUnknownTask)
	}
	for existingID := range g.children[from] {
		if g.edges[existingID].ToTaskID == to {
			return nil, core.NewError("add_dependency", "duplicate", depID, core.ErrDuplicateID)
		}
	}
	if depType == "" {
		depType = DependencyUnconditional
	}

	// Reject if the source task has already progressed too far to have
	// a new outbound edge's satisfaction be meaningful (I6).
	if sourceTask := g.tasks[from]; sourceTask.Status == StatusRunning || sourceTask.Status == StatusCompleted || sourceTask.Status == StatusFailed {
		return nil, core.NewError("add_dependency", "not_modifiable", from, core.ErrNotModifiable)
	}

	// Cycle check: DFS reachability from the proposed `to` looking for `from`.
	if g.reaches(to, from) {
		return nil, core.NewError("add_dependency", "cycle", depID, core.ErrCycle)
	}

	edge := &TaskStarLine{
		DependencyID:         depID,
		FromTaskID:           from,
		ToTaskID:             to,
		DependencyType:       depType,
		ConditionDescription: desc,
	}
	g.edges[depID] = edge
	g.children[from][depID] = true
	g.parents[to][depID] = true
	g.topoDirty = true

	return edge.Clone(), nil
}

// reaches reports whether start can reach target by following forward
// (children) edges — O(V+E) DFS, matching the teacher's cycle check.
func (g *Graph) reaches(start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		n := len(stack) - 1
		current := stack[n]
		stack = stack[:n]
		if visited[current] {
			continue
		}
		visited[current] = true
		if current == target {
			return true
		}
		for depID := range g.children[current] {
			stack = append(stack, g.edges[depID].ToTaskID)
		}
	}
	return false
}

// RemoveDependency implements the remove_dependency editor tool.
func (g *Graph) RemoveDependency(depID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	edge, exists := g.edges[depID]
	if !exists {
		return core.NewError("remove_dependency", "unknown_dependency", depID, core.ErrUnknownEdge)
	}
	delete(g.children[edge.FromTaskID], depID)
	delete(g.parents[edge.ToTaskID], depID)
	delete(g.edges, depID)
	g.topoDirty = true
	return nil
}

// UpdateDependency implements the update_dependency editor tool: the
// only mutable field is the condition description.
func (g *Graph) UpdateDependency(depID, desc string) (*TaskStarLine, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	edge, exists := g.edges[depID]
	if !exists {
		return nil, core.NewError("update_dependency", "unknown_dependency", depID, core.ErrUnknownEdge)
	}
	edge.ConditionDescription = desc
	return edge.Clone(), nil
}

// ---------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------

// GetTask returns a copy of a task, or nil if it doesn't exist.
func (g *Graph) GetTask(taskID string) *TaskStar {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if t, ok := g.tasks[taskID]; ok {
		return t.Clone()
	}
	return nil
}

// GetDependency returns a copy of an edge, or nil if it doesn't exist.
func (g *Graph) GetDependency(depID string) *TaskStarLine {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if e, ok := g.edges[depID]; ok {
		return e.Clone()
	}
	return nil
}

// Tasks returns a copy of every task, unordered.
func (g *Graph) Tasks() []*TaskStar {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*TaskStar, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Dependencies returns a copy of every edge, unordered.
func (g *Graph) Dependencies() []*TaskStarLine {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*TaskStarLine, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e.Clone())
	}
	return out
}

// ParentTasks returns a copy of every task that has a dependency edge
// into taskID, used by the orchestrator to propagate parent results
// into a task's dispatch context (spec.md §4.2 data propagation).
func (g *Graph) ParentTasks(taskID string) []*TaskStar {
	g.mu.RLock()
	defer g.mu.RUnlock()

	parents := g.parents[taskID]
	out := make([]*TaskStar, 0, len(parents))
	for depID := range parents {
		edge, ok := g.edges[depID]
		if !ok {
			continue
		}
		if t, ok := g.tasks[edge.FromTaskID]; ok {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// edgeSatisfied reports whether edge e is satisfied given the current
// status of its source task. Callers must hold at least an RLock.
func (g *Graph) edgeSatisfied(e *TaskStarLine) bool {
	source, ok := g.tasks[e.FromTaskID]
	if !ok {
		return false
	}
	return Satisfied(e.DependencyType, source.Status)
}

// dependenciesSatisfied reports whether every inbound edge of taskID is
// satisfied. Callers must hold at least an RLock.
func (g *Graph) dependenciesSatisfied(taskID string) bool {
	for depID := range g.parents[taskID] {
		if !g.edgeSatisfied(g.edges[depID]) {
			return false
		}
	}
	return true
}

// ReadyTasks returns PENDING tasks whose inbound edges are all
// satisfied, ordered by (priority asc, creation_time asc, task_id lex)
// per spec.md §4.1 "Ordering and tie-breaks".
func (g *Graph) ReadyTasks() []*TaskStar {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*TaskStar
	for id, t := range g.tasks {
		if t.Status == StatusPending && g.dependenciesSatisfied(id) {
			ready = append(ready, t.Clone())
		}
	}
	sortByReadyOrder(ready)
	return ready
}

// ExecutableTasks returns tasks that are ready, have an assigned
// device, and are not currently running (spec.md §4.1).
func (g *Graph) ExecutableTasks() []*TaskStar {
	ready := g.ReadyTasks()
	out := ready[:0:0]
	for _, t := range ready {
		if t.TargetDeviceID != "" {
			out = append(out, t)
		}
	}
	return out
}

func sortByReadyOrder(tasks []*TaskStar) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.TaskID < b.TaskID
	})
}

// MarkRunning transitions a task to RUNNING (I2: at most once per
// incarnation). The task must still be PENDING or READY under the
// graph's write lock; any other status is rejected with
// core.ErrNotModifiable.
func (g *Graph) MarkRunning(taskID, deviceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.tasks[taskID]
	if !ok {
		return core.NewError("mark_running", "unknown_task", taskID, core.ErrUnknownTask)
	}
	if task.Status != StatusPending && task.Status != StatusReady {
		return core.NewError("mark_running", "not_modifiable", taskID, core.ErrNotModifiable)
	}
	task.Status = StatusRunning
	task.TargetDeviceID = deviceID
	task.StartedAt = nowSeconds()
	task.UpdatedAt = task.StartedAt
	return nil
}

// MarkTerminal transitions a task to a terminal state with a result or
// error. It does not touch retry_count; re-enqueueing a task for retry
// goes through Requeue, which increments it.
func (g *Graph) MarkTerminal(taskID string, status Status, result, errMsg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.tasks[taskID]
	if !ok {
		return core.NewError("mark_terminal", "unknown_task", taskID, core.ErrUnknownTask)
	}
	task.Status = status
	task.Result = result
	task.Error = errMsg
	task.EndedAt = nowSeconds()
	task.UpdatedAt = task.EndedAt
	return nil
}

// Requeue moves a task back to PENDING and increments retry_count,
// implementing the "retries create a logically new incarnation" clause
// of I2.
func (g *Graph) Requeue(taskID string) (*TaskStar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.tasks[taskID]
	if !ok {
		return nil, core.NewError("requeue", "unknown_task", taskID, core.ErrUnknownTask)
	}
	task.Status = StatusPending
	task.RetryCount++
	task.Result = ""
	task.Error = ""
	task.UpdatedAt = nowSeconds()
	return task.Clone(), nil
}

// Validate checks acyclicity and edge referential integrity (I1, I5).
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for depID, e := range g.edges {
		if _, ok := g.tasks[e.FromTaskID]; !ok {
			return core.NewError("validate", "unknown_task", e.FromTaskID, core.ErrUnknownTask)
		}
		if _, ok := g.tasks[e.ToTaskID]; !ok {
			return core.NewError("validate", "unknown_task", e.ToTaskID, core.ErrUnknownTask)
		}
		_ = depID
	}

	visited := map[string]int{} // 0 unvisited, 1 in-progress, 2 done
	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = 1
		for depID := range g.children[id] {
			next := g.edges[depID].ToTaskID
			switch visited[next] {
			case 1:
				return true // cycle
			case 0:
				if visit(next) {
					return true
				}
			}
		}
		visited[id] = 2
		return false
	}
	for id := range g.tasks {
		if visited[id] == 0 {
			if visit(id) {
				return core.NewError("validate", "cycle", id, core.ErrCycle)
			}
		}
	}
	return nil
}

// GraphSnapshot is an opaque deep copy of every task and dependency,
// used by the editor to roll an atomically-applied multi-call turn
// back to its exact pre-turn state on rejection (spec.md §4.4 "Turn
// contract": "No partial application across a rejected edit
// sequence"). Unlike BuildConfig, it preserves runtime fields (status,
// result, retry_count, timestamps) verbatim rather than resetting them
// to a fresh spec.
type GraphSnapshot struct {
	tasks    map[string]*TaskStar
	edges    map[string]*TaskStarLine
	children map[string]map[string]bool
	parents  map[string]map[string]bool
}

// Export captures a deep copy of the graph's current task/edge state.
func (g *Graph) Export() GraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := GraphSnapshot{
		tasks:    make(map[string]*TaskStar, len(g.tasks)),
		edges:    make(map[string]*TaskStarLine, len(g.edges)),
		children: make(map[string]map[string]bool, len(g.children)),
		parents:  make(map[string]map[string]bool, len(g.parents)),
	}
	for id, t := range g.tasks {
		snap.tasks[id] = t.Clone()
	}
	for id, e := range g.edges {
		snap.edges[id] = e.Clone()
	}
	for id, set := range g.children {
		clone := make(map[string]bool, len(set))
		for k := range set {
			clone[k] = true
		}
		snap.children[id] = clone
	}
	for id, set := range g.parents {
		clone := make(map[string]bool, len(set))
		for k := range set {
			clone[k] = true
		}
		snap.parents[id] = clone
	}
	return snap
}

// Restore replaces the graph's task/edge state with snap.
func (g *Graph) Restore(snap GraphSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = snap.tasks
	g.edges = snap.edges
	g.children = snap.children
	g.parents = snap.parents
	g.topoDirty = true
}
