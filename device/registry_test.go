package device

import (
	"context"
	"testing"
	"time"

	"github.com/novaforge/constellation/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	sent chan Frame
	fail bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan Frame, 16)}
}

func (f *fakeTransport) Send(ctx context.Context, deviceID string, frame Frame) error {
	if f.fail {
		return core.NewError("send", "transport", deviceID, core.ErrTransport)
	}
	f.sent <- frame
	return nil
}
func (f *fakeTransport) Frames() <-chan Frame { return nil }
func (f *fakeTransport) Close() error         { return nil }

func TestRegisterAndHeartbeat(t *testing.T) {
	r := NewRegistry(time.Second, newFakeTransport())

	dev, err := r.Register("dev-1", "linux", []string{"camera"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, dev.Status)
	assert.True(t, r.Exists("dev-1"))
	assert.True(t, r.IsIdle("dev-1"))
	assert.True(t, r.HasCapability("dev-1", "camera"))
	assert.False(t, r.HasCapability("dev-1", "gps"))

	require.NoError(t, r.Heartbeat("dev-1"))
	assert.Error(t, r.Heartbeat("unknown"))
}

func TestHeartbeatExpiryDisconnects(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, newFakeTransport())
	_, err := r.Register("dev-1", "linux", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.MonitorHeartbeats(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return !r.IsIdle("dev-1")
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestDispatchRejectsUnavailableDevice(t *testing.T) {
	transport := newFakeTransport()
	r := NewRegistry(time.Second, transport)

	err := r.Dispatch(context.Background(), "missing", Frame{Type: FrameTaskRequest})
	assert.ErrorIs(t, err, core.ErrDeviceUnavailable)

	_, err = r.Register("dev-1", "linux", []string{"camera"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Dispatch(context.Background(), "dev-1", Frame{Type: FrameTaskRequest, TaskID: "t1"}))

	select {
	case frame := <-transport.sent:
		assert.Equal(t, "t1", frame.TaskID)
	default:
		t.Fatal("expected frame to be sent")
	}
}

func TestListOrderedByDeviceID(t *testing.T) {
	r := NewRegistry(time.Second, newFakeTransport())
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Register(id, "linux", nil, nil)
		require.NoError(t, err)
	}

	devices := r.List()
	require.Len(t, devices, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{devices[0].DeviceID, devices[1].DeviceID, devices[2].DeviceID})
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	r := NewRegistry(time.Second, newFakeTransport())
	_, err := r.Register("", "linux", nil, nil)
	assert.Error(t, err)
}
