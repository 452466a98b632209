package dispatcher

import (
	"sync/atomic"
	"time"
)

// TaskID identifies a scheduled task for Cancel.
type TaskID uint64

// Callback is run by the dispatcher worker. Returning reschedule=true
// asks the dispatcher to run the task again; nextDelay, if positive,
// overrides the task's original delay for that one reschedule (the
// flusher uses this to snooze for a computed interval instead of a
// fixed one). Returning reschedule=false retires the task.
type Callback func() (reschedule bool, nextDelay time.Duration)

type task struct {
	id          TaskID
	description string
	priority    Priority
	cookie      interface{}
	cb          Callback
	delay       time.Duration
	isDaemon    bool
	readyTime   time.Time
	seq         uint64
	cancelled   int32 // atomic
	index       int   // heap.Interface bookkeeping
}

func (t *task) isCancelled() bool {
	return atomic.LoadInt32(&t.cancelled) == 1
}

func (t *task) cancel() {
	atomic.StoreInt32(&t.cancelled, 1)
}
