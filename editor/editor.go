// Package editor implements the tagged-variant tool surface of spec.md
// §4.7: the sole path by which a planner mutates a constellation.
// Every tool call returns either the full constellation snapshot or a
// typed, rejected error — never a partial mutation. It is grounded on
// the teacher's orchestration editor-adjacent pattern of validating,
// then applying, then re-serializing state for the next LLM turn (see
// orchestration.AIOrchestrator's tool-call validation in
// validatePlanAgainstAllowedAgents), generalized from "validate an LLM
// plan once" to "apply one tool call at a time with full rollback".
package editor

import (
	"github.com/novaforge/constellation/constellation"
	"github.com/novaforge/constellation/core"
	"github.com/novaforge/constellation/eventbus"
)

// EventPublisher is the narrow surface the editor needs from an
// eventbus.Bus.
type EventPublisher interface {
	Publish(eventType, objectID string, payload map[string]interface{}) eventbus.Event
}

// Editor wraps a constellation.Graph as the sole mutation surface
// exposed to the planner.
type Editor struct {
	graph *constellation.Graph
	bus   EventPublisher
}

// New creates an Editor over graph, publishing lifecycle events on bus.
func New(graph *constellation.Graph, bus EventPublisher) *Editor {
	return &Editor{graph: graph, bus: bus}
}

// ToolCall is one planner-issued mutation (spec.md §4.7), tagged by
// Tool and carrying the typed arguments for that tool; exactly one of
// the embedded argument structs is populated.
type ToolCall struct {
	Tool               string
	AddTask            *AddTaskArgs
	RemoveTask         *RemoveTaskArgs
	UpdateTask         *UpdateTaskArgs
	AddDependency      *AddDependencyArgs
	RemoveDependency   *RemoveDependencyArgs
	UpdateDependency   *UpdateDependencyArgs
	BuildConstellation *BuildConstellationArgs
}

// Tool name constants, matching spec.md §4.7's table exactly.
const (
	ToolAddTask            = "add_task"
	ToolRemoveTask         = "remove_task"
	ToolUpdateTask         = "update_task"
	ToolAddDependency      = "add_dependency"
	ToolRemoveDependency   = "remove_dependency"
	ToolUpdateDependency   = "update_dependency"
	ToolBuildConstellation = "build_constellation"
)

type AddTaskArgs struct {
	ID             string
	Name           string
	Description    string
	Tips           []string
	TargetDeviceID string
	Priority       constellation.Priority
	MaxRetries     int
}

type RemoveTaskArgs struct {
	ID string
}

type UpdateTaskArgs struct {
	ID    string
	Patch constellation.TaskPatch
}

type AddDependencyArgs struct {
	DependencyID         string
	From                 string
	To                   string
	DependencyType       constellation.DependencyType
	ConditionDescription string
}

type RemoveDependencyArgs struct {
	DependencyID string
}

type UpdateDependencyArgs struct {
	DependencyID         string
	ConditionDescription string
}

type BuildConstellationArgs struct {
	Config constellation.BuildConfig
	Clear  bool
}

// pendingEvent is a per-call event an apply* helper wants published,
// held back by ApplyTurn until the whole turn commits so a rolled-back
// turn never leaks an event for a mutation that didn't survive it.
type pendingEvent struct {
	eventType string
	objectID  string
	payload   map[string]interface{}
}

// ApplyTurn applies every call in calls, in order, under one atomic
// turn (spec.md §4.4 "Turn contract"): if any call is rejected, the
// turn aborts and the constellation is rolled back to its pre-turn
// state, with the rejecting error returned for planner feedback and no
// events published for any call in the turn. On full success it
// publishes every call's event, in order, followed by
// constellation.edited, and returns the post-turn snapshot.
func (e *Editor) ApplyTurn(calls []ToolCall) (Snapshot, error) {
	before := e.graph.Export()

	events := make([]pendingEvent, 0, len(calls))
	for _, call := range calls {
		ev, err := e.apply(call)
		if err != nil {
			e.graph.Restore(before)
			return Snapshot{}, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}

	for _, ev := range events {
		e.bus.Publish(ev.eventType, ev.objectID, ev.payload)
	}
	snap := e.Snapshot()
	e.bus.Publish(eventbus.EventConstellationEdited, e.graph.ID(), map[string]interface{}{"tool_calls": len(calls)})
	return snap, nil
}

// apply dispatches a single tool call. Each branch returns the typed
// rejection error a failed constellation.Graph call already produces
// (spec.md §7 "invariant_violation"/"unknown_entity") and, on success,
// the event (if any) ApplyTurn should publish once the turn commits.
func (e *Editor) apply(call ToolCall) (*pendingEvent, error) {
	switch call.Tool {
	case ToolAddTask:
		return e.addTask(call.AddTask)
	case ToolRemoveTask:
		return nil, e.removeTask(call.RemoveTask)
	case ToolUpdateTask:
		return nil, e.updateTask(call.UpdateTask)
	case ToolAddDependency:
		return e.addDependency(call.AddDependency)
	case ToolRemoveDependency:
		return nil, e.removeDependency(call.RemoveDependency)
	case ToolUpdateDependency:
		return nil, e.updateDependency(call.UpdateDependency)
	case ToolBuildConstellation:
		return e.buildConstellation(call.BuildConstellation)
	default:
		return nil, core.NewError("apply", "unknown_tool", call.Tool, core.ErrInvalidConfiguration)
	}
}

func (e *Editor) addTask(args *AddTaskArgs) (*pendingEvent, error) {
	if args == nil {
		return nil, core.NewError(ToolAddTask, "missing_args", "", core.ErrInvalidConfiguration)
	}
	_, err := e.graph.AddTask(constellation.TaskStarSpec{
		TaskID:         args.ID,
		Name:           args.Name,
		Description:    args.Description,
		Tips:           args.Tips,
		TargetDeviceID: args.TargetDeviceID,
		Priority:       args.Priority,
		MaxRetries:     args.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	return &pendingEvent{eventbus.EventTaskCreated, args.ID, map[string]interface{}{"name": args.Name}}, nil
}

func (e *Editor) removeTask(args *RemoveTaskArgs) error {
	if args == nil {
		return core.NewError(ToolRemoveTask, "missing_args", "", core.ErrInvalidConfiguration)
	}
	return e.graph.RemoveTask(args.ID)
}

func (e *Editor) updateTask(args *UpdateTaskArgs) error {
	if args == nil {
		return core.NewError(ToolUpdateTask, "missing_args", "", core.ErrInvalidConfiguration)
	}
	_, err := e.graph.UpdateTask(args.ID, args.Patch)
	return err
}

func (e *Editor) addDependency(args *AddDependencyArgs) (*pendingEvent, error) {
	if args == nil {
		return nil, core.NewError(ToolAddDependency, "missing_args", "", core.ErrInvalidConfiguration)
	}
	depType := args.DependencyType
	if depType == "" {
		depType = constellation.DependencyUnconditional
	}
	_, err := e.graph.AddDependency(args.DependencyID, args.From, args.To, depType, args.ConditionDescription)
	if err != nil {
		return nil, err
	}
	return &pendingEvent{eventbus.EventDependencyAdded, args.DependencyID, map[string]interface{}{"from": args.From, "to": args.To}}, nil
}

func (e *Editor) removeDependency(args *RemoveDependencyArgs) error {
	if args == nil {
		return core.NewError(ToolRemoveDependency, "missing_args", "", core.ErrInvalidConfiguration)
	}
	return e.graph.RemoveDependency(args.DependencyID)
}

func (e *Editor) updateDependency(args *UpdateDependencyArgs) error {
	if args == nil {
		return core.NewError(ToolUpdateDependency, "missing_args", "", core.ErrInvalidConfiguration)
	}
	_, err := e.graph.UpdateDependency(args.DependencyID, args.ConditionDescription)
	return err
}

func (e *Editor) buildConstellation(args *BuildConstellationArgs) (*pendingEvent, error) {
	if args == nil {
		return nil, core.NewError(ToolBuildConstellation, "missing_args", "", core.ErrInvalidConfiguration)
	}
	if err := e.graph.BuildFromConfig(args.Config, args.Clear); err != nil {
		return nil, err
	}
	return &pendingEvent{eventbus.EventConstellationCreated, e.graph.ID(), map[string]interface{}{
		"task_count": len(args.Config.Tasks),
	}}, nil
}

