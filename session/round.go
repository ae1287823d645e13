// Package session implements the top-level lifecycle of spec.md §4.6:
// a Session holding the device registry, event bus, and round history;
// a Round that drives one user request from planner CREATE through
// repeated orchestrator-quiescence/planner-EDIT cycles to a terminal
// result. It is grounded on the teacher's orchestration.AIOrchestrator
// top-level request loop (ProcessRequest: plan, execute, synthesize,
// record), generalized from a one-shot plan-execute-done sequence into
// the spec's repeating create/execute/edit cycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/novaforge/constellation/constellation"
	"github.com/novaforge/constellation/core"
	"github.com/novaforge/constellation/device"
	"github.com/novaforge/constellation/editor"
	"github.com/novaforge/constellation/eventbus"
	"github.com/novaforge/constellation/orchestrator"
	"github.com/novaforge/constellation/planner"
	"github.com/novaforge/constellation/resilience"
)

// RoundStatus is a round's terminal outcome.
type RoundStatus string

const (
	RoundCompleted       RoundStatus = "COMPLETED"
	RoundFailed          RoundStatus = "FAILED"
	RoundCancelled       RoundStatus = "CANCELLED"
	RoundBudgetExhausted RoundStatus = "BUDGET_EXHAUSTED"
)

// RoundConfig tunes one round's budgets and the planner/orchestrator it
// drives (spec.md §4.6 "Budget").
type RoundConfig struct {
	WallClock       time.Duration
	DispatchTimeout time.Duration
	Retry           *resilience.RetryConfig
	Planner         planner.Config
}

// DefaultRoundConfig returns conservative defaults.
func DefaultRoundConfig() RoundConfig {
	return RoundConfig{
		WallClock:       10 * time.Minute,
		DispatchTimeout: 60 * time.Second,
		Retry:           resilience.DefaultRetryConfig(),
		Planner:         planner.DefaultConfig(),
	}
}

// TaskTiming is one task's start/end/duration, in seconds since epoch,
// for the persisted summary's metrics.task_timings (spec.md §6).
type TaskTiming struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

// ResultPair is one entry of the persisted summary's final_results
// (spec.md §6): the originating request text and the resulting
// output, one per user-visible completed task.
type ResultPair struct {
	Request string `json:"request"`
	Result  string `json:"result"`
}

// RoundResult is everything a Round produces, consumed both by the
// caller and by the session's persisted-artifact writer.
type RoundResult struct {
	RoundID      string
	Request      string
	Status       RoundStatus
	Error        string
	StartedAt    float64
	EndedAt      float64
	PlannerTurns int
	Stats        constellation.Statistics
	Snapshot     editor.Snapshot
	TaskTimings  map[string]TaskTiming
	FinalResults []ResultPair
}

// ExecutionTime is EndedAt - StartedAt in seconds.
func (r *RoundResult) ExecutionTime() float64 { return r.EndedAt - r.StartedAt }

// Round drives a single user request (spec.md §4.6 "Round loop").
type Round struct {
	id        string
	sessionID string
	request   string

	registry  *device.Registry
	transport device.Transport
	bus       *eventbus.Bus

	graph   *constellation.Graph
	editor  *editor.Editor
	planner *planner.Planner
	orch    *orchestrator.Orchestrator

	cfg    RoundConfig
	logger core.Logger
}

func newRound(sessionID, request string, registry *device.Registry, transport device.Transport, bus *eventbus.Bus, llm planner.LLMClient, cfg RoundConfig) *Round {
	roundID := core.NewID("round")

	graph := constellation.New(core.NewID("constellation"), request)
	graph.SetDeviceValidator(registry.Exists)

	ed := editor.New(graph, bus)
	p := planner.New(llm, ed, cfg.Planner)

	orchCfg := orchestrator.Config{
		SessionID:       sessionID,
		DispatchTimeout: cfg.DispatchTimeout,
		Retry:           cfg.Retry,
	}
	orch := orchestrator.New(graph, registry, transport, bus, orchCfg)

	return &Round{
		id:        roundID,
		sessionID: sessionID,
		request:   request,
		registry:  registry,
		transport: transport,
		bus:       bus,
		graph:     graph,
		editor:    ed,
		planner:   p,
		orch:      orch,
		cfg:       cfg,
		logger:    core.NoOpLogger{},
	}
}

// SetLogger injects a structured logger into the round and the
// components it owns.
func (r *Round) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("constellation/session")
	}
	r.logger = logger
	r.graph.SetLogger(logger)
	r.orch.SetLogger(logger)
	r.planner.SetLogger(logger)
}

// SetTelemetry injects a telemetry provider into the round's
// orchestrator, the only component that instruments spans.
func (r *Round) SetTelemetry(t core.Telemetry) {
	r.orch.SetTelemetry(t)
}

// Run executes the round loop of spec.md §4.6:
//  1. notify round.started
//  2. planner CREATE -> constellation
//  3. repeatedly run the orchestrator to its next quiescent point, then
//     invoke planner EDIT with the resulting snapshot, applying its
//     turn atomically, until the planner returns FINISH/FAIL or the
//     round's wall-clock budget is exhausted
//  4. collect statistics, notify round.ended
func (r *Round) Run(ctx context.Context) *RoundResult {
	started := core.NowSeconds()
	r.bus.Publish(eventbus.EventRoundStarted, r.id, map[string]interface{}{
		"session_id": r.sessionID, "request": r.request,
	})

	roundCtx, cancel := context.WithTimeout(ctx, r.cfg.WallClock)
	defer cancel()

	registrySnapshot := planner.SnapshotRegistry(r.registry)
	if err := r.planner.Create(roundCtx, r.id, r.request, registrySnapshot); err != nil {
		return r.finish(started, classifyPlannerFailure(roundCtx, err), err.Error())
	}

	for {
		if err := r.orch.Run(roundCtx); err != nil {
			return r.finish(started, classifyPlannerFailure(roundCtx, err), err.Error())
		}
		if r.graph.State() == constellation.StateCancelled {
			return r.finish(started, RoundCancelled, "")
		}

		status, err := r.planner.Edit(roundCtx, r.id, r.editor.Snapshot())
		if err != nil {
			return r.finish(started, classifyPlannerFailure(roundCtx, err), err.Error())
		}

		switch status {
		case planner.StatusFinish:
			return r.finish(started, RoundCompleted, "")
		case planner.StatusFail:
			return r.finish(started, RoundFailed, r.planner.LastError())
		case planner.StatusContinue:
			continue
		default:
			return r.finish(started, RoundFailed, fmt.Sprintf("unrecognized planner status %q", status))
		}
	}
}

// classifyPlannerFailure distinguishes a budget exhaustion (the
// round's wall clock firing, or the planner's own turn/tool-call
// budget) from every other planner/orchestrator error, which is
// reported FAILED (spec.md §4.6 "Budget").
func classifyPlannerFailure(roundCtx context.Context, err error) RoundStatus {
	if errors.Is(roundCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return RoundBudgetExhausted
	}
	if errors.Is(err, core.ErrBudgetExhausted) {
		return RoundBudgetExhausted
	}
	return RoundFailed
}

func (r *Round) finish(started float64, status RoundStatus, errMsg string) *RoundResult {
	ended := core.NowSeconds()
	stats := r.graph.GetStatistics()
	snapshot := r.editor.Snapshot()

	timings := map[string]TaskTiming{}
	var finalResults []ResultPair
	for _, t := range r.graph.Tasks() {
		if t.StartedAt > 0 {
			timings[t.TaskID] = TaskTiming{Start: t.StartedAt, End: t.EndedAt, Duration: t.EndedAt - t.StartedAt}
		}
		if t.Status == constellation.StatusCompleted {
			finalResults = append(finalResults, ResultPair{Request: t.Description, Result: t.Result})
		}
	}

	r.bus.Publish(eventbus.EventRoundEnded, r.id, map[string]interface{}{
		"session_id": r.sessionID, "status": string(status), "error": errMsg,
	})

	switch status {
	case RoundCompleted:
		r.bus.Publish(eventbus.EventConstellationCompleted, r.graph.ID(), nil)
	case RoundFailed, RoundBudgetExhausted:
		r.bus.Publish(eventbus.EventConstellationFailed, r.graph.ID(), map[string]interface{}{"error": errMsg})
	case RoundCancelled:
		r.bus.Publish(eventbus.EventConstellationCancelled, r.graph.ID(), nil)
	}

	return &RoundResult{
		RoundID:      r.id,
		Request:      r.request,
		Status:       status,
		Error:        errMsg,
		StartedAt:    started,
		EndedAt:      ended,
		Stats:        stats,
		Snapshot:     snapshot,
		TaskTimings:  timings,
		FinalResults: finalResults,
	}
}

// Cancel stops the round's orchestrator in flight, cooperatively
// aborting every RUNNING task.
func (r *Round) Cancel() {
	r.orch.Cancel()
}

// Graph exposes the round's constellation, primarily for tests and
// diagnostics.
func (r *Round) Graph() *constellation.Graph { return r.graph }
