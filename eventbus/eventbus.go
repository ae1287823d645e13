// Package eventbus implements the publish/subscribe backbone of
// spec.md §4.5: per-subscriber bounded queues, monotonic sequence
// numbers, per-object ordering, and the mandatory event taxonomy. It
// follows the teacher's general concurrency idiom (mutex-guarded maps
// of channels, bounded buffers, no lock held across a send) seen
// across orchestration.AIOrchestrator and resilience's primitives,
// generalized into a dedicated pub/sub type the teacher itself never
// had a standalone package for.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/novaforge/constellation/core"
)

// Event taxonomy (spec.md §4.5). Each constant is the event_type field
// of an Event.
const (
	EventConstellationCreated   = "constellation.created"
	EventConstellationEdited    = "constellation.edited"
	EventConstellationCompleted = "constellation.completed"
	EventConstellationFailed    = "constellation.failed"
	EventConstellationCancelled = "constellation.cancelled"

	EventTaskCreated   = "task.created"
	EventTaskReady     = "task.ready"
	EventTaskAssigned  = "task.assigned"
	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskCancelled = "task.cancelled"
	EventTaskRetried   = "task.retried"

	EventDependencyAdded     = "dependency.added"
	EventDependencyRemoved   = "dependency.removed"
	EventDependencyUpdated   = "dependency.updated"
	EventDependencySatisfied = "dependency.satisfied"

	EventDeviceRegistered    = "device.registered"
	EventDeviceDisconnected  = "device.disconnected"
	EventDeviceStatusChanged = "device.status_changed"

	// Planner thought/tool-call visibility (spec.md §4.5).
	EventAgentResponse = "agent.response"
	EventAgentAction   = "agent.action"

	EventSessionStarted = "session.started"
	EventRoundStarted   = "round.started"
	EventRoundEnded     = "round.ended"
	EventSessionEnded   = "session.ended"

	// EventSubscriberOverflow is self-published when a subscriber's
	// queue is full and an event had to be dropped for it (spec.md
	// §4.5 "subscriber_overflow").
	EventSubscriberOverflow = "subscriber_overflow"
)

// Event is one message on the bus.
type Event struct {
	Sequence  uint64
	Type      string
	ObjectID  string // task_id/device_id/dependency_id this event orders against, if any
	Timestamp float64
	Payload   map[string]interface{}
}

// subscriber is one bounded delivery queue.
type subscriber struct {
	id    string
	queue chan Event
}

// Bus is the publish/subscribe backbone. Delivery to each subscriber
// preserves the order events were published in for a given ObjectID;
// across different ObjectIDs no ordering is promised.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	queueSize   int
	sequence    uint64
	logger      core.Logger
}

// New creates a Bus whose subscriber queues each hold queueSize events
// before a publish to that subscriber is dropped.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subscribers: map[string]*subscriber{},
		queueSize:   queueSize,
		logger:      core.NoOpLogger{},
	}
}

// SetLogger injects a structured logger.
func (b *Bus) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("constellation/eventbus")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// Subscribe registers a new bounded queue under id, replacing any
// previous subscription with the same id. The returned channel is
// closed by Unsubscribe.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old.queue)
	}
	sub := &subscriber{id: id, queue: make(chan Event, b.queueSize)}
	b.subscribers[id] = sub
	return sub.queue
}

// Unsubscribe removes and closes id's queue.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.queue)
		delete(b.subscribers, id)
	}
}

// Publish emits an event of eventType concerning objectID (may be
// empty for bus-wide events like round.started) to every subscriber.
// A full subscriber queue drops the event for that subscriber and
// self-publishes subscriber_overflow rather than blocking the
// publisher (spec.md §4.5).
func (b *Bus) Publish(eventType, objectID string, payload map[string]interface{}) Event {
	seq := atomic.AddUint64(&b.sequence, 1)
	event := Event{
		Sequence:  seq,
		Type:      eventType,
		ObjectID:  objectID,
		Timestamp: core.NowSeconds(),
		Payload:   payload,
	}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var overflowed []string
	for _, sub := range subs {
		select {
		case sub.queue <- event:
		default:
			overflowed = append(overflowed, sub.id)
		}
	}

	for _, id := range overflowed {
		b.logger.Warn("subscriber queue full, dropping event", map[string]interface{}{"subscriber": id, "event_type": eventType})
		// A self-event about a drop is allowed to drop itself rather
		// than recurse; best-effort only.
		seq2 := atomic.AddUint64(&b.sequence, 1)
		overflowEvent := Event{
			Sequence:  seq2,
			Type:      EventSubscriberOverflow,
			Timestamp: core.NowSeconds(),
			Payload:   map[string]interface{}{"subscriber": id, "dropped_event_type": eventType},
		}
		b.mu.Lock()
		sub, ok := b.subscribers[id]
		b.mu.Unlock()
		if ok {
			select {
			case sub.queue <- overflowEvent:
			default:
			}
		}
	}

	return event
}

// Publisher adapts Bus to the narrow interface device.EventSink and
// planner/session code expect.
type Publisher struct {
	bus *Bus
}

// NewPublisher wraps bus for callers that only need to publish.
func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

// Publish implements device.EventSink.
func (p *Publisher) Publish(eventType string, payload map[string]interface{}) {
	objectID, _ := payload["device_id"].(string)
	p.bus.Publish(eventType, objectID, payload)
}
