// Package orchestrator implements the scheduling loop of spec.md §4.2:
// one coordinator goroutine that recomputes the ready set on wakeup and
// launches one executor goroutine per dispatched task, each of which
// sends a task_request frame and awaits the matching task_reply once;
// a transport failure requeues the task to PENDING with retry_count
// incremented and a backoff delay before its next RUNNING incarnation,
// rather than retrying in place within the same executor call. It is
// grounded on the
// teacher's orchestration.WorkflowExecutor.BatchCall (indexed
// goroutine-per-call fan-out over a buffered result channel, with
// panic recovery converting a crashed call into a failed result)
// generalized from a one-shot parallel batch into a long-running,
// event-driven scheduling loop.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/novaforge/constellation/constellation"
	"github.com/novaforge/constellation/core"
	"github.com/novaforge/constellation/device"
	"github.com/novaforge/constellation/eventbus"
	"github.com/novaforge/constellation/resilience"
)

// EventPublisher is the narrow surface the orchestrator needs from an
// eventbus.Bus, so this package never imports eventbus's Bus type
// directly.
type EventPublisher interface {
	Publish(eventType, objectID string, payload map[string]interface{}) eventbus.Event
}

// Config tunes one Orchestrator run.
type Config struct {
	SessionID       string
	DispatchTimeout time.Duration // time to await a task_reply before FAILED(timeout)
	Retry           *resilience.RetryConfig
}

// DefaultConfig returns sane defaults grounded on
// resilience.DefaultRetryConfig.
func DefaultConfig(sessionID string) Config {
	return Config{
		SessionID:       sessionID,
		DispatchTimeout: 60 * time.Second,
		Retry:           resilience.DefaultRetryConfig(),
	}
}

// Orchestrator drives one constellation.Graph to a terminal state
// (spec.md §4.2).
type Orchestrator struct {
	graph     *constellation.Graph
	registry  *device.Registry
	transport device.Transport
	bus       EventPublisher
	cfg       Config
	logger    core.Logger
	telemetry core.Telemetry

	replies *replyRouter

	wakeup chan struct{}

	mu             sync.Mutex
	inFlight       map[string]context.CancelFunc         // task_id -> cancel of its executor
	breakers       map[string]*resilience.CircuitBreaker // device_id -> breaker
	retryNotBefore map[string]time.Time                  // task_id -> earliest time it may be redispatched

	wg sync.WaitGroup
}

// New builds an Orchestrator for graph, dispatching through registry
// and transport and publishing lifecycle events on bus.
func New(graph *constellation.Graph, registry *device.Registry, transport device.Transport, bus EventPublisher, cfg Config) *Orchestrator {
	return &Orchestrator{
		graph:          graph,
		registry:       registry,
		transport:      transport,
		bus:            bus,
		cfg:            cfg,
		logger:         core.NoOpLogger{},
		telemetry:      core.NoOpTelemetry{},
		replies:        newReplyRouter(),
		wakeup:         make(chan struct{}, 1),
		inFlight:       map[string]context.CancelFunc{},
		breakers:       map[string]*resilience.CircuitBreaker{},
		retryNotBefore: map[string]time.Time{},
	}
}

// SetLogger injects a structured logger.
func (o *Orchestrator) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("constellation/orchestrator")
	}
	o.logger = logger
}

// SetTelemetry injects a telemetry provider.
func (o *Orchestrator) SetTelemetry(t core.Telemetry) {
	if t == nil {
		t = core.NoOpTelemetry{}
	}
	o.telemetry = t
}

// Wake schedules an immediate recomputation of the ready set. Safe to
// call from any goroutine; coalesces concurrent wakeups (spec.md §4.2
// "the loop blocks on an internal wakeup signal").
func (o *Orchestrator) Wake() {
	select {
	case o.wakeup <- struct{}{}:
	default:
	}
}

// Run drives the scheduling loop until the constellation reaches a
// terminal state or ctx is cancelled. It returns nil once the
// constellation is COMPLETED, FAILED, or CANCELLED.
func (o *Orchestrator) Run(ctx context.Context) error {
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go o.pumpFrames(pumpCtx)

	o.Wake()
	for {
		select {
		case <-ctx.Done():
			o.Cancel()
			o.wg.Wait()
			return ctx.Err()
		case <-o.wakeup:
			o.cycle(ctx)
			if done, _ := o.checkTermination(); done {
				o.wg.Wait()
				return nil
			}
		}
	}
}

// cycle recomputes the ready set and attempts to dispatch every
// executable task (spec.md §4.2 steps a-c).
func (o *Orchestrator) cycle(ctx context.Context) {
	for _, t := range o.graph.ExecutableTasks() {
		t := t
		if o.inBackoff(t.TaskID) {
			continue
		}
		if !o.assign(t) {
			continue
		}
		o.launchExecutor(ctx, t)
	}
}

// inBackoff reports whether t is a requeued task still serving out its
// retry backoff delay, clearing the entry once it has elapsed.
func (o *Orchestrator) inBackoff(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	notBefore, ok := o.retryNotBefore[taskID]
	if !ok {
		return false
	}
	if time.Now().Before(notBefore) {
		return true
	}
	delete(o.retryNotBefore, taskID)
	return false
}

// assign performs the atomic device-claim + task-claim described in
// spec.md §4.2 step b. constellation.Graph.MarkRunning only succeeds
// if the task is still PENDING under the graph's own write lock, which
// together with Registry.TryAssign's IDLE check prevents double
// dispatch of the same task after a concurrent planner edit (spec.md
// §4.2 "Concurrency guarantees").
func (o *Orchestrator) assign(t *constellation.TaskStar) bool {
	if t.TargetDeviceID == "" {
		return false
	}
	if !o.registry.TryAssign(t.TargetDeviceID, t.TaskID) {
		o.bus.Publish(eventbus.EventTaskReady, t.TaskID, map[string]interface{}{
			"reason": "device_unavailable", "device_id": t.TargetDeviceID,
		})
		return false
	}
	if err := o.graph.MarkRunning(t.TaskID, t.TargetDeviceID); err != nil {
		o.registry.Release(t.TargetDeviceID)
		return false
	}
	o.bus.Publish(eventbus.EventTaskAssigned, t.TaskID, map[string]interface{}{"device_id": t.TargetDeviceID})
	return true
}

// launchExecutor spawns the asynchronous activity of spec.md §4.2
// "Executor contract" for task t.
func (o *Orchestrator) launchExecutor(parent context.Context, t *constellation.TaskStar) {
	execCtx, cancel := context.WithCancel(parent)

	o.mu.Lock()
	o.inFlight[t.TaskID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.inFlight, t.TaskID)
			o.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("executor panic", map[string]interface{}{
					"task_id": t.TaskID, "panic": fmt.Sprint(r), "stack": string(debug.Stack()),
				})
				o.finishFailed(t.TaskID, t.TargetDeviceID, "internal_error: "+fmt.Sprint(r))
			}
		}()
		o.execute(execCtx, t)
	}()
}

// execute implements the executor contract's body: dispatch, await
// reply once, record the outcome. A transport failure here is handed
// to handleDispatchFailure, which owns requeue/retry/backoff.
func (o *Orchestrator) execute(ctx context.Context, t *constellation.TaskStar) {
	ctx, span := o.telemetry.StartSpan(ctx, "orchestrator.execute_task")
	defer span.End()
	span.SetAttribute("task_id", t.TaskID)
	span.SetAttribute("device_id", t.TargetDeviceID)

	o.bus.Publish(eventbus.EventTaskStarted, t.TaskID, map[string]interface{}{"device_id": t.TargetDeviceID})

	frame := device.NewFrame(device.FrameTaskRequest)
	frame.SessionID = o.cfg.SessionID
	frame.TaskID = t.TaskID
	frame.Description = t.Description
	frame.Tips = t.Tips
	frame.Context = o.parentContext(t.TaskID)

	cb := o.circuitBreakerFor(t.TargetDeviceID)

	var reply device.Frame
	var gotReply bool
	var terminalErr error

	// A single dispatch attempt per RUNNING incarnation: the circuit
	// breaker still gates it, but retrying on transport failure is the
	// requeue loop's job (handleDispatchFailure), not this call's, so
	// every transport failure produces a visible PENDING->READY->RUNNING
	// re-incarnation instead of being absorbed silently in place.
	attemptErr := resilience.Attempt(cb, func() error {
		waitCh := o.replies.await(t.TaskID)
		defer o.replies.cancel(t.TaskID)

		if err := o.registry.Dispatch(ctx, t.TargetDeviceID, frame); err != nil {
			span.RecordError(err)
			return err
		}

		select {
		case reply = <-waitCh:
			gotReply = true
			return nil
		case <-ctx.Done():
			return core.NewError("execute_task", "cancelled", t.TaskID, core.ErrCancelled)
		case <-time.After(o.cfg.DispatchTimeout):
			terminalErr = core.NewError("execute_task", "timeout", t.TaskID, core.ErrTimeout)
			return nil // not retryable: handled below as a hard timeout
		}
	})

	switch {
	case terminalErr != nil:
		o.registry.MarkFailed(t.TargetDeviceID)
		o.finishFailed(t.TaskID, t.TargetDeviceID, "timeout")
	case attemptErr != nil:
		o.handleDispatchFailure(t, attemptErr)
	case gotReply:
		o.handleReply(t, reply)
	default:
		o.finishFailed(t.TaskID, t.TargetDeviceID, "malformed_reply")
	}

	o.Wake()
}

// handleDispatchFailure implements the retry policy of spec.md §4.2:
// transport failures are requeued to PENDING with retry_count
// incremented, and held back from redispatch for a backoff delay; once
// max_retries is exhausted the task is FAILED non-retryably.
func (o *Orchestrator) handleDispatchFailure(t *constellation.TaskStar, err error) {
	o.registry.Release(t.TargetDeviceID)
	if task, reqErr := o.graph.Requeue(t.TaskID); reqErr == nil {
		if task.RetryCount <= task.MaxRetries {
			delay := resilience.BackoffDelay(o.cfg.Retry, task.RetryCount)
			o.scheduleRetry(t.TaskID, delay)
			o.bus.Publish(eventbus.EventTaskRetried, t.TaskID, map[string]interface{}{
				"error": err.Error(), "retry_count": task.RetryCount, "backoff": delay.String(),
			})
			return
		}
	}
	o.finishFailed(t.TaskID, t.TargetDeviceID, err.Error())
}

// scheduleRetry holds taskID back from redispatch until delay elapses,
// then wakes the loop so cycle() reconsiders it.
func (o *Orchestrator) scheduleRetry(taskID string, delay time.Duration) {
	o.mu.Lock()
	o.retryNotBefore[taskID] = time.Now().Add(delay)
	o.mu.Unlock()
	time.AfterFunc(delay, o.Wake)
}

// handleReply applies a task_reply frame's outcome to the graph
// (spec.md §4.3 "Task reply frame"). Content-level failures are
// terminal, never retried (spec.md §4.2 "Content-level failures
// reported by the device... are not retried automatically").
func (o *Orchestrator) handleReply(t *constellation.TaskStar, reply device.Frame) {
	o.registry.Release(t.TargetDeviceID)

	switch reply.Status {
	case "COMPLETED":
		o.graph.MarkTerminal(t.TaskID, constellation.StatusCompleted, reply.Result, "")
		o.bus.Publish(eventbus.EventTaskCompleted, t.TaskID, map[string]interface{}{"result": reply.Result})
	case "FAILED":
		o.graph.MarkTerminal(t.TaskID, constellation.StatusFailed, "", reply.Error)
		o.bus.Publish(eventbus.EventTaskFailed, t.TaskID, map[string]interface{}{"error": reply.Error})
	default:
		o.finishFailed(t.TaskID, t.TargetDeviceID, "malformed_reply")
	}
}

func (o *Orchestrator) finishFailed(taskID, deviceID, errMsg string) {
	o.registry.Release(deviceID)
	o.graph.MarkTerminal(taskID, constellation.StatusFailed, "", errMsg)
	o.bus.Publish(eventbus.EventTaskFailed, taskID, map[string]interface{}{"error": errMsg})
}

// parentContext serializes the results of taskID's completed parents
// for dispatch (spec.md §4.2 data propagation, §4.3 task dispatch
// frame "context" field).
func (o *Orchestrator) parentContext(taskID string) map[string]interface{} {
	parents := o.graph.ParentTasks(taskID)
	if len(parents) == 0 {
		return nil
	}
	ctx := make(map[string]interface{}, len(parents))
	for _, p := range parents {
		ctx[p.TaskID] = map[string]interface{}{
			"status": string(p.Status),
			"result": p.Result,
		}
	}
	return ctx
}

func (o *Orchestrator) circuitBreakerFor(deviceID string) *resilience.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	cb, ok := o.breakers[deviceID]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("device:" + deviceID))
		o.breakers[deviceID] = cb
	}
	return cb
}

// checkTermination implements spec.md §4.2 "Termination": no task
// RUNNING and none READY. Any FAILED task leaves the constellation
// FAILED; otherwise COMPLETED.
func (o *Orchestrator) checkTermination() (done bool, state constellation.State) {
	if len(o.graph.ReadyTasks()) > 0 {
		return false, ""
	}
	stats := o.graph.GetStatistics()
	if stats.StatusCounts[constellation.StatusRunning] > 0 {
		return false, ""
	}
	if o.graph.State() == constellation.StateCancelled {
		return true, constellation.StateCancelled
	}
	if stats.StatusCounts[constellation.StatusFailed] > 0 {
		o.graph.SetState(constellation.StateFailed)
		return true, constellation.StateFailed
	}
	o.graph.SetState(constellation.StateCompleted)
	return true, constellation.StateCompleted
}

// Cancel implements spec.md §4.2 "Cancellation": marks the
// constellation CANCELLED, cancels every in-flight executor, and
// attempts a best-effort task_abort to each busy device.
func (o *Orchestrator) Cancel() {
	o.graph.SetState(constellation.StateCancelled)

	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.inFlight))
	for _, c := range o.inFlight {
		cancels = append(cancels, c)
	}
	o.mu.Unlock()

	for _, t := range o.graph.Tasks() {
		if t.Status == constellation.StatusRunning && t.TargetDeviceID != "" {
			abortCtx, cancelAbort := context.WithTimeout(context.Background(), 2*time.Second)
			_ = o.registry.Dispatch(abortCtx, t.TargetDeviceID, device.Frame{Type: device.FrameTaskAbort, TaskID: t.TaskID})
			cancelAbort()
		}
	}
	for _, c := range cancels {
		c()
	}
}

// pumpFrames demultiplexes the transport's inbound frame stream into
// the registry (register/heartbeat) and the reply router (task_reply),
// ignoring frame types it doesn't own (spec.md §4.4 "unknown frame
// types are ignored").
func (o *Orchestrator) pumpFrames(ctx context.Context) {
	frames := o.transport.Frames()
	if frames == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			switch f.Type {
			case device.FrameTaskReply:
				o.replies.route(f)
				o.Wake()
			case device.FrameHeartbeat:
				o.registry.Heartbeat(f.DeviceID)
			case device.FrameRegister:
				if _, err := o.registry.Register(f.DeviceID, f.OS, f.Capabilities, f.Metadata); err == nil {
					o.Wake()
				}
			}
		}
	}
}
