package orchestrator

import (
	"sync"

	"github.com/novaforge/constellation/device"
)

// replyRouter correlates inbound task_reply frames to the executor
// goroutine awaiting them, keyed by task_id (spec.md §4.3 "Correlation
// identifiers").
type replyRouter struct {
	mu      sync.Mutex
	waiters map[string]chan device.Frame
}

func newReplyRouter() *replyRouter {
	return &replyRouter{waiters: map[string]chan device.Frame{}}
}

// await registers interest in taskID's reply and returns the channel
// it will arrive on. The caller must call cancel(taskID) once done,
// whether or not a reply arrived.
func (r *replyRouter) await(taskID string) <-chan device.Frame {
	ch := make(chan device.Frame, 1)
	r.mu.Lock()
	r.waiters[taskID] = ch
	r.mu.Unlock()
	return ch
}

// cancel removes a pending wait, e.g. after a dispatch error or a
// timeout, so a late reply doesn't leak the channel.
func (r *replyRouter) cancel(taskID string) {
	r.mu.Lock()
	delete(r.waiters, taskID)
	r.mu.Unlock()
}

// route delivers f to the waiter for f.TaskID, if any is registered.
func (r *replyRouter) route(f device.Frame) {
	r.mu.Lock()
	ch, ok := r.waiters[f.TaskID]
	if ok {
		delete(r.waiters, f.TaskID)
	}
	r.mu.Unlock()

	if ok {
		select {
		case ch <- f:
		default:
		}
	}
}
