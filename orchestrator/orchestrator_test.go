package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/novaforge/constellation/constellation"
	"github.com/novaforge/constellation/core"
	"github.com/novaforge/constellation/device"
	"github.com/novaforge/constellation/eventbus"
	"github.com/stretchr/testify/require"
)

// scriptedTransport is a fake device.Transport driven by a per-test
// onSend hook, following the teacher's indexed-goroutine BatchCall
// pattern of synthesizing a result asynchronously on a buffered
// channel rather than a real socket.
type scriptedTransport struct {
	frames   chan device.Frame
	onSend   func(f device.Frame) *device.Frame
	attempts int
	failN    int // fail the first failN task_request sends with a transport error
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{frames: make(chan device.Frame, 16)}
}

func (s *scriptedTransport) Send(ctx context.Context, deviceID string, frame device.Frame) error {
	if frame.Type == device.FrameTaskRequest {
		s.attempts++
		if s.attempts <= s.failN {
			return core.NewError("send", "transport", deviceID, core.ErrTransport)
		}
	}
	if s.onSend != nil {
		if reply := s.onSend(frame); reply != nil {
			go func() { s.frames <- *reply }()
		}
	}
	return nil
}

func (s *scriptedTransport) Frames() <-chan device.Frame { return s.frames }
func (s *scriptedTransport) Close() error                { return nil }

func newSingleTaskGraph(t *testing.T, deviceID string, maxRetries int) *constellation.Graph {
	t.Helper()
	g := constellation.New("c1", "test")
	g.SetDeviceValidator(func(id string) bool { return id == deviceID })
	_, err := g.AddTask(constellation.TaskStarSpec{TaskID: "t1", Name: "t1", TargetDeviceID: deviceID, MaxRetries: maxRetries})
	require.NoError(t, err)
	return g
}

func TestOrchestratorCompletesSingleTask(t *testing.T) {
	transport := newScriptedTransport()
	transport.onSend = func(f device.Frame) *device.Frame {
		if f.Type != device.FrameTaskRequest {
			return nil
		}
		return &device.Frame{Type: device.FrameTaskReply, TaskID: f.TaskID, Status: "COMPLETED", Result: "ok"}
	}

	registry := device.NewRegistry(time.Minute, transport)
	_, err := registry.Register("dev-1", "linux", nil, nil)
	require.NoError(t, err)

	bus := eventbus.New(16)
	graph := newSingleTaskGraph(t, "dev-1", 1)

	orch := New(graph, registry, transport, bus, DefaultConfig("s1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, orch.Run(ctx))

	task := graph.GetTask("t1")
	require.Equal(t, constellation.StatusCompleted, task.Status)
	require.Equal(t, "ok", task.Result)
	require.Equal(t, constellation.StateCompleted, graph.State())
}

func TestOrchestratorRetriesTransportFailureThenSucceeds(t *testing.T) {
	transport := newScriptedTransport()
	transport.failN = 1
	transport.onSend = func(f device.Frame) *device.Frame {
		if f.Type != device.FrameTaskRequest {
			return nil
		}
		return &device.Frame{Type: device.FrameTaskReply, TaskID: f.TaskID, Status: "COMPLETED", Result: "ok"}
	}

	registry := device.NewRegistry(time.Minute, transport)
	_, err := registry.Register("dev-1", "linux", nil, nil)
	require.NoError(t, err)

	bus := eventbus.New(16)
	graph := newSingleTaskGraph(t, "dev-1", 1)

	cfg := DefaultConfig("s1")
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond
	orch := New(graph, registry, transport, bus, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, orch.Run(ctx))

	task := graph.GetTask("t1")
	require.Equal(t, constellation.StatusCompleted, task.Status)
	require.Equal(t, 1, task.RetryCount)
}

func TestOrchestratorDoesNotRetryContentLevelFailure(t *testing.T) {
	transport := newScriptedTransport()
	transport.onSend = func(f device.Frame) *device.Frame {
		if f.Type != device.FrameTaskRequest {
			return nil
		}
		return &device.Frame{Type: device.FrameTaskReply, TaskID: f.TaskID, Status: "FAILED", Error: "bad input"}
	}

	registry := device.NewRegistry(time.Minute, transport)
	_, err := registry.Register("dev-1", "linux", nil, nil)
	require.NoError(t, err)

	bus := eventbus.New(16)
	graph := newSingleTaskGraph(t, "dev-1", 3)

	orch := New(graph, registry, transport, bus, DefaultConfig("s1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, orch.Run(ctx))

	task := graph.GetTask("t1")
	require.Equal(t, constellation.StatusFailed, task.Status)
	require.Equal(t, "bad input", task.Error)
	require.Equal(t, 0, task.RetryCount)
	require.Equal(t, constellation.StateFailed, graph.State())
}

func TestOrchestratorPropagatesParentResultAsContext(t *testing.T) {
	transport := newScriptedTransport()
	var sawContext map[string]interface{}
	transport.onSend = func(f device.Frame) *device.Frame {
		if f.Type != device.FrameTaskRequest {
			return nil
		}
		if f.TaskID == "child" {
			sawContext = f.Context
		}
		return &device.Frame{Type: device.FrameTaskReply, TaskID: f.TaskID, Status: "COMPLETED", Result: "ok-" + f.TaskID}
	}

	registry := device.NewRegistry(time.Minute, transport)
	_, err := registry.Register("dev-1", "linux", nil, nil)
	require.NoError(t, err)

	bus := eventbus.New(16)
	graph := constellation.New("c1", "test")
	graph.SetDeviceValidator(func(id string) bool { return id == "dev-1" })
	_, err = graph.AddTask(constellation.TaskStarSpec{TaskID: "parent", Name: "parent", TargetDeviceID: "dev-1"})
	require.NoError(t, err)
	_, err = graph.AddTask(constellation.TaskStarSpec{TaskID: "child", Name: "child", TargetDeviceID: "dev-1"})
	require.NoError(t, err)
	_, err = graph.AddDependency("d1", "parent", "child", constellation.DependencyUnconditional, "")
	require.NoError(t, err)

	orch := New(graph, registry, transport, bus, DefaultConfig("s1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, orch.Run(ctx))

	require.NotNil(t, sawContext)
	parentCtx, ok := sawContext["parent"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "ok-parent", parentCtx["result"])
}

func TestOrchestratorCancelMarksConstellationCancelled(t *testing.T) {
	transport := newScriptedTransport()
	registry := device.NewRegistry(time.Minute, transport)
	_, err := registry.Register("dev-1", "linux", nil, nil)
	require.NoError(t, err)

	bus := eventbus.New(16)
	graph := newSingleTaskGraph(t, "dev-1", 1)

	orch := New(graph, registry, transport, bus, DefaultConfig("s1"))
	orch.Cancel()

	require.Equal(t, constellation.StateCancelled, graph.State())
}
