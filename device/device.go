// Package device implements the device registry and wire transport of
// spec.md §4.3/§4.4: device registration, heartbeat liveness tracking,
// capability-based dispatch validation, and the frame types exchanged
// with agents over a persistent bidirectional channel.
package device

import "github.com/novaforge/constellation/core"

// Status is a Device's lifecycle state (spec.md §3 "Device").
type Status string

const (
	StatusIdle        Status = "IDLE"
	StatusBusy        Status = "BUSY"
	StatusConnecting  Status = "CONNECTING"
	StatusConnected   Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusFailed      Status = "FAILED"
	StatusOffline     Status = "OFFLINE"
	StatusUnknown     Status = "UNKNOWN"
)

// Device is one registered agent/device (spec.md §3 "Device").
type Device struct {
	DeviceID           string
	OS                 string
	Capabilities       []string
	Metadata           map[string]string
	Status             Status
	CurrentTaskID      string
	RegisteredAt       float64
	LastHeartbeat      float64
	ConnectionAttempts int
	MaxRetries         int
}

// Clone returns a copy of the device record.
func (d *Device) Clone() *Device {
	clone := *d
	clone.Capabilities = append([]string(nil), d.Capabilities...)
	clone.Metadata = make(map[string]string, len(d.Metadata))
	for k, v := range d.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}

// HasCapability reports whether the device advertises capability.
func (d *Device) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// FrameType enumerates the wire frame vocabulary exchanged between the
// orchestrator and a device over Transport (spec.md §4.4).
type FrameType string

const (
	FrameRegister     FrameType = "register"
	FrameRegisterAck  FrameType = "register_ack"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameTaskRequest  FrameType = "task_request"
	FrameTaskReply    FrameType = "task_reply"
	FrameTaskAbort    FrameType = "task_abort"
	FrameEvent        FrameType = "event"
)

// Frame is the envelope for every message on the wire. Unknown Type
// values are ignored by readers for forward compatibility (spec.md
// §4.4 "unknown frame types are ignored, not rejected"). Fields unused
// by a given Type are left zero; the struct is a union over
// register/heartbeat/task_request/task_reply/task_abort/event (spec.md
// §4.3 task dispatch/reply frame tables).
type Frame struct {
	Type FrameType `json:"type"`

	DeviceID string `json:"device_id,omitempty"`
	OS       string `json:"os,omitempty"` // register only

	SessionID       string `json:"session_id,omitempty"`
	ConstellationID string `json:"constellation_id,omitempty"`
	TaskID          string `json:"task_id,omitempty"`

	Description string                 `json:"description,omitempty"`
	Tips        []string               `json:"tips,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`

	Status        string                 `json:"status,omitempty"` // task_reply: COMPLETED or FAILED
	Result        string                 `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Duration      float64                `json:"duration,omitempty"`
	DeviceMetrics map[string]interface{} `json:"device_metrics,omitempty"`

	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    float64           `json:"timestamp,omitempty"`
}

// NewFrame stamps a frame with the current time.
func NewFrame(t FrameType) Frame {
	return Frame{Type: t, Timestamp: core.NowSeconds()}
}
