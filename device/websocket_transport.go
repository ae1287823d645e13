package device

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/novaforge/constellation/core"
)

// WebSocketTransport is the persistent bidirectional channel of
// spec.md §4.3/§4.4, adopted from the teacher's
// ui/transports/websocket.WebSocketTransport and generalized from
// single-client chat fan-out to many named device connections
// multiplexed through one inbound Frame channel.
type WebSocketTransport struct {
	upgrader websocket.Upgrader

	connsMu sync.RWMutex
	conns   map[string]*wsConn

	maxFrameBytes int
	frames        chan Frame
	registry      *Registry
	logger        core.Logger
}

type wsConn struct {
	deviceID string
	conn     *websocket.Conn
	send     chan Frame
	closeOnce sync.Once
}

// NewWebSocketTransport creates a transport ready to accept device
// connections through its HTTP handler. maxFrameBytes bounds message
// size; frames exceeding it are rejected with frame_too_large
// (spec.md §4.4).
func NewWebSocketTransport(maxFrameBytes int) *WebSocketTransport {
	return &WebSocketTransport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:         map[string]*wsConn{},
		maxFrameBytes: maxFrameBytes,
		frames:        make(chan Frame, 256),
		logger:        core.NoOpLogger{},
	}
}

// AttachRegistry lets the transport notify the registry directly when
// a connection drops, without the registry importing this package.
func (t *WebSocketTransport) AttachRegistry(r *Registry) {
	t.registry = r
}

// SetLogger injects a structured logger.
func (t *WebSocketTransport) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("constellation/transport")
	}
	t.logger = logger
}

// Frames implements Transport.
func (t *WebSocketTransport) Frames() <-chan Frame {
	return t.frames
}

// Send implements Transport.
func (t *WebSocketTransport) Send(ctx context.Context, deviceID string, frame Frame) error {
	t.connsMu.RLock()
	c, ok := t.conns[deviceID]
	t.connsMu.RUnlock()
	if !ok {
		return core.NewError("send", "device_unavailable", deviceID, core.ErrDeviceUnavailable)
	}

	select {
	case c.send <- frame:
		return nil
	case <-ctx.Done():
		return core.NewError("send", "timeout", deviceID, core.ErrTimeout)
	case <-time.After(5 * time.Second):
		return core.NewError("send", "timeout", deviceID, core.ErrTransport)
	}
}

// Close implements Transport, closing every connection.
func (t *WebSocketTransport) Close() error {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	for id, c := range t.conns {
		c.close()
		delete(t.conns, id)
	}
	return nil
}

// Handler upgrades an incoming HTTP request to a WebSocket connection.
// The device's first frame must be a "register" frame carrying its
// device_id; frames sent before registration are discarded.
func (t *WebSocketTransport) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "websocket upgrade failed: "+err.Error(), http.StatusBadRequest)
			return
		}
		conn.SetReadLimit(int64(t.maxFrameBytes))

		c := &wsConn{conn: conn, send: make(chan Frame, 64)}
		go t.writePump(c)
		t.readPump(c)
	})
}

func (t *WebSocketTransport) writePump(c *wsConn) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *WebSocketTransport) readPump(c *wsConn) {
	defer t.disconnect(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) > t.maxFrameBytes {
			c.send <- Frame{Type: FrameEvent, Error: "frame_too_large"}
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue // malformed frames are dropped, not fatal
		}

		if frame.Type == FrameRegister && c.deviceID == "" {
			c.deviceID = frame.DeviceID
			t.connsMu.Lock()
			t.conns[c.deviceID] = c
			t.connsMu.Unlock()
		}
		if c.deviceID == "" {
			continue // unregistered connection, ignore until register arrives
		}
		frame.DeviceID = c.deviceID

		select {
		case t.frames <- frame:
		default:
			t.logger.Warn("frame channel full, dropping frame", map[string]interface{}{"device_id": c.deviceID, "type": frame.Type})
		}
	}
}

func (t *WebSocketTransport) disconnect(c *wsConn) {
	c.close()
	if c.deviceID == "" {
		return
	}
	t.connsMu.Lock()
	delete(t.conns, c.deviceID)
	t.connsMu.Unlock()

	if t.registry != nil {
		t.registry.Disconnect(c.deviceID)
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.send) })
}
