package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/novaforge/constellation/core"
)

// Transport is the wire-level duplex channel a Registry uses to talk
// to a connected device. Implementations (e.g. the websocket
// transport) own the physical connection; Registry owns liveness and
// capability bookkeeping.
type Transport interface {
	// Send delivers a frame to deviceID. Returns core.ErrDeviceUnavailable
	// if the device isn't currently connected.
	Send(ctx context.Context, deviceID string, frame Frame) error
	// Frames returns the channel a caller should range over to receive
	// frames from any connected device.
	Frames() <-chan Frame
	// Close shuts the transport down, closing every connection.
	Close() error
}

// EventSink receives registry lifecycle notifications
// (device.registered/device.disconnected/device.status_changed) so
// the eventbus package can turn them into the mandatory event taxonomy
// without the registry importing eventbus.
type EventSink interface {
	Publish(eventType string, payload map[string]interface{})
}

type noOpSink struct{}

func (noOpSink) Publish(string, map[string]interface{}) {}

// Registry tracks registered devices, their capabilities, and
// heartbeat-based liveness, grounded on the teacher's
// pkg/discovery.Registry (same register/heartbeat/expire shape)
// generalized from service discovery to device sessions.
//
// A single mutex guards every device record, which trivially satisfies
// spec.md §4.2's "per-device mutex taken in a fixed order (device_id
// ascending)" requirement — all devices are always touched under one
// lock acquired in no particular per-call order, so no two device
// transactions can interleave regardless of ordering.
type Registry struct {
	mu             sync.Mutex
	devices        map[string]*Device
	heartbeatGrace time.Duration
	transport      Transport
	sink           EventSink
	logger         core.Logger
}

// NewRegistry creates an empty device registry.
func NewRegistry(heartbeatGrace time.Duration, transport Transport) *Registry {
	return &Registry{
		devices:        map[string]*Device{},
		heartbeatGrace: heartbeatGrace,
		transport:      transport,
		sink:           noOpSink{},
		logger:         core.NoOpLogger{},
	}
}

// SetEventSink wires the registry's lifecycle notifications to an
// eventbus publisher.
func (r *Registry) SetEventSink(sink EventSink) {
	if sink == nil {
		sink = noOpSink{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// SetLogger injects a structured logger.
func (r *Registry) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("constellation/registry")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register implements the register/register_ack handshake (spec.md
// §4.3): the device record is stored directly with status IDLE; no
// intermediate CONNECTED status is recorded. A device reconnecting with a previously-seen device_id
// replaces its prior session rather than being rejected.
func (r *Registry) Register(deviceID, os string, capabilities []string, metadata map[string]string) (*Device, error) {
	if deviceID == "" {
		return nil, core.NewError("register", "missing_id", "", core.ErrUnknownDevice)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := core.NowSeconds()
	dev := &Device{
		DeviceID:      deviceID,
		OS:            os,
		Capabilities:  append([]string(nil), capabilities...),
		Metadata:      metadata,
		Status:        StatusIdle,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if dev.Metadata == nil {
		dev.Metadata = map[string]string{}
	}
	r.devices[deviceID] = dev

	r.logger.Info("device registered", map[string]interface{}{"device_id": deviceID, "capabilities": capabilities})
	r.sink.Publish("device.registered", map[string]interface{}{"device_id": deviceID, "capabilities": capabilities})

	return dev.Clone(), nil
}

// Heartbeat records liveness for deviceID, reviving it to IDLE if it
// had lapsed into DISCONNECTED without ever being reassigned.
func (r *Registry) Heartbeat(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return core.NewError("heartbeat", "unknown_device", deviceID, core.ErrUnknownDevice)
	}
	dev.LastHeartbeat = core.NowSeconds()
	if dev.Status == StatusDisconnected {
		dev.Status = StatusIdle
		r.sink.Publish("device.status_changed", map[string]interface{}{"device_id": deviceID, "status": string(StatusIdle)})
	}
	return nil
}

// Disconnect marks a device DISCONNECTED; the transport calls it when
// the device's underlying connection drops (heartbeat lapses are
// handled separately by MonitorHeartbeats). Any task that was RUNNING on the device is the orchestrator's
// concern, not the registry's — Disconnect only updates device state.
func (r *Registry) Disconnect(deviceID string) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if ok {
		dev.Status = StatusDisconnected
		dev.CurrentTaskID = ""
	}
	r.mu.Unlock()

	if ok {
		r.logger.Warn("device disconnected", map[string]interface{}{"device_id": deviceID})
		r.sink.Publish("device.disconnected", map[string]interface{}{"device_id": deviceID})
	}
}

// MarkFailed transitions a device to FAILED, e.g. after a dispatch
// times out awaiting a reply (spec.md §4.3 "Timeout awaiting reply").
func (r *Registry) MarkFailed(deviceID string) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if ok {
		dev.Status = StatusFailed
		dev.CurrentTaskID = ""
	}
	r.mu.Unlock()

	if ok {
		r.sink.Publish("device.status_changed", map[string]interface{}{"device_id": deviceID, "status": string(StatusFailed)})
	}
}

// Get returns a copy of a device record, or nil if unknown.
func (r *Registry) Get(deviceID string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev, ok := r.devices[deviceID]; ok {
		return dev.Clone()
	}
	return nil
}

// Exists reports whether deviceID is known to the registry, used as
// the constellation.DeviceValidator.
func (r *Registry) Exists(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[deviceID]
	return ok
}

// IsIdle reports whether deviceID is registered and currently IDLE.
func (r *Registry) IsIdle(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[deviceID]
	return ok && dev.Status == StatusIdle
}

// HasCapability reports whether deviceID advertises capability.
func (r *Registry) HasCapability(deviceID, capability string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	return dev.HasCapability(capability)
}

// List returns a copy of every device, ordered by device_id ascending
// — the fixed lock-acquisition order spec.md §4.2 names for
// "Concurrency guarantees".
func (r *Registry) List() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// TryAssign implements I3 (device exclusivity): it atomically checks
// that deviceID is IDLE and, if so, transitions it to BUSY with
// current_task_id = taskID. It returns false without any state change
// if the device is unknown or not IDLE, in which case the caller (the
// orchestrator) leaves the task PENDING (spec.md §4.3 "Capability
// matching").
func (r *Registry) TryAssign(deviceID, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok || dev.Status != StatusIdle {
		return false
	}
	dev.Status = StatusBusy
	dev.CurrentTaskID = taskID
	return true
}

// Release frees deviceID back to IDLE once its current task reaches a
// terminal state, clearing current_task_id.
func (r *Registry) Release(deviceID string) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if ok && dev.Status == StatusBusy {
		dev.Status = StatusIdle
		dev.CurrentTaskID = ""
	}
	r.mu.Unlock()
}

// Dispatch sends a task_request frame to deviceID. The device must
// already be BUSY with this exact task (assigned via TryAssign) —
// Dispatch only moves the frame, it does not itself gate on IDLE,
// since by the time it's called the orchestrator has already claimed
// the device.
func (r *Registry) Dispatch(ctx context.Context, deviceID string, frame Frame) error {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	r.mu.Unlock()
	if !ok || (dev.Status != StatusBusy && dev.Status != StatusIdle) {
		return core.NewError("dispatch", "device_unavailable", deviceID, core.ErrDeviceUnavailable)
	}
	return r.transport.Send(ctx, deviceID, frame)
}

// MonitorHeartbeats runs until ctx is cancelled, scanning every
// checkInterval for devices whose last heartbeat has exceeded the
// grace period and disconnecting them.
func (r *Registry) MonitorHeartbeats(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.expireStaleDevices()
		}
	}
}

func (r *Registry) expireStaleDevices() {
	now := core.NowSeconds()

	r.mu.Lock()
	var expired []string
	for id, dev := range r.devices {
		if dev.Status != StatusDisconnected && dev.Status != StatusFailed &&
			now-dev.LastHeartbeat > r.heartbeatGrace.Seconds() {
			dev.Status = StatusDisconnected
			dev.CurrentTaskID = ""
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		r.logger.Warn("device heartbeat grace exceeded", map[string]interface{}{"device_id": id})
		r.sink.Publish("device.disconnected", map[string]interface{}{"device_id": id, "reason": "heartbeat_timeout"})
	}
}
