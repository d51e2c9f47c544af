package nitra

import (
	"sync"
	"sync/atomic"
	"time"
)

// Task is the orchestrator's bookkeeping wrapper around a Channel.
// Grounded on original_source/include/Orchestrator.h's nested Task class.
type Task struct {
	channel *Channel

	mu sync.Mutex // serialises Advance and event handling for this channel

	lastActiveMu sync.Mutex
	lastActive   time.Time

	inProcess atomic.Bool
}

func newTask(ch *Channel) *Task {
	t := &Task{channel: ch}
	t.touchLastActive()
	return t
}

func (t *Task) touchLastActive() {
	t.lastActiveMu.Lock()
	t.lastActive = time.Now()
	t.lastActiveMu.Unlock()
}

func (t *Task) lastActiveAt() time.Time {
	t.lastActiveMu.Lock()
	defer t.lastActiveMu.Unlock()
	return t.lastActive
}

// reachedInactivityTimeout reports whether this task has been waiting on
// the client (WaitReadable/WaitWritable) for at least timeout without
// activity.
func (t *Task) reachedInactivityTimeout(now time.Time, timeout time.Duration) bool {
	if !t.channel.IsWaitingForClient() {
		return false
	}
	return now.Sub(t.lastActiveAt()) >= timeout
}

// isReady implements the orchestrator's readiness predicate (spec section
// 4.F): not currently being worked on, and either it has timed out waiting
// or its channel itself says it's ready.
func (t *Task) isReady(now time.Time, inactivityTimeout time.Duration) bool {
	if t.inProcess.Load() {
		return false
	}
	if t.reachedInactivityTimeout(now, inactivityTimeout) {
		return true
	}
	return t.channel.IsReady(now)
}
