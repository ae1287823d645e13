package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := New(4)
	ch := bus.Subscribe("sub-1")

	bus.Publish(EventTaskReady, "t1", map[string]interface{}{"task_id": "t1"})

	select {
	case ev := <-ch:
		assert.Equal(t, EventTaskReady, ev.Type)
		assert.Equal(t, "t1", ev.ObjectID)
		assert.EqualValues(t, 1, ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
}

func TestPublishOrdersSequenceNumbers(t *testing.T) {
	bus := New(8)
	ch := bus.Subscribe("sub-1")

	bus.Publish(EventTaskReady, "t1", nil)
	bus.Publish(EventTaskStarted, "t1", nil)
	bus.Publish(EventTaskCompleted, "t1", nil)

	var seqs []uint64
	for i := 0; i < 3; i++ {
		ev := <-ch
		seqs = append(seqs, ev.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestOverflowingSubscriberGetsOverflowEvent(t *testing.T) {
	bus := New(1)
	ch := bus.Subscribe("sub-1")

	bus.Publish(EventTaskReady, "t1", nil)
	bus.Publish(EventTaskStarted, "t1", nil) // queue full, dropped + overflow published

	first := <-ch
	assert.Equal(t, EventTaskReady, first.Type)

	select {
	case ev := <-ch:
		assert.Equal(t, EventSubscriberOverflow, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a subscriber_overflow event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(4)
	ch := bus.Subscribe("sub-1")
	bus.Unsubscribe("sub-1")

	_, ok := <-ch
	assert.False(t, ok)
}

func TestPublisherAdaptsToEventSink(t *testing.T) {
	bus := New(4)
	ch := bus.Subscribe("sub-1")
	pub := NewPublisher(bus)

	pub.Publish(EventDeviceRegistered, map[string]interface{}{"device_id": "dev-1"})

	require.NotNil(t, ch)
	ev := <-ch
	assert.Equal(t, EventDeviceRegistered, ev.Type)
	assert.Equal(t, "dev-1", ev.ObjectID)
}
