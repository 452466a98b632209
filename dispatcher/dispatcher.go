// Package dispatcher implements the priority-driven task scheduler
// described in spec.md §4.1: a thread-safe min-heap keyed by
// (priority, ready_time, seq), drained by a single worker goroutine.
//
// Two logical dispatchers are expected to exist side by side (an I/O
// dispatcher and a non-I/O dispatcher) so blocking I/O tasks cannot
// starve in-memory housekeeping; this package makes no such
// distinction itself; callers instantiate two Dispatchers.
package dispatcher

import (
	"container/heap"
	"sync"
	"time"

	"github.com/skipor/epcore/log"
)

// Dispatcher runs scheduled Callbacks in priority order on a single
// worker goroutine.
type Dispatcher struct {
	log log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   taskHeap
	byID    map[TaskID]*task
	nextID  TaskID
	nextSeq uint64

	running  bool
	draining bool
	done     chan struct{}
}

// New creates a Dispatcher. It does not start the worker; call Start.
func New(l log.Logger) *Dispatcher {
	d := &Dispatcher{
		log:  l,
		byID: make(map[TaskID]*task),
		done: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Schedule enqueues a task. priority is an integer where lower is
// more urgent. delay is the duration from now the task becomes
// eligible to run, and, if the callback asks to be rescheduled, the
// duration added to the new ready time as well. isDaemon tasks may be
// dropped by Stop without running; non-daemon tasks are always run to
// completion before Stop returns.
func (d *Dispatcher) Schedule(description string, cb Callback, cookie interface{}, priority Priority, delay time.Duration, isDaemon bool) TaskID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.nextSeq++
	t := &task{
		id:          d.nextID,
		description: description,
		priority:    priority,
		cookie:      cookie,
		cb:          cb,
		delay:       delay,
		isDaemon:    isDaemon,
		readyTime:   now().Add(delay),
		seq:         d.nextSeq,
	}
	heap.Push(&d.tasks, t)
	d.byID[t.id] = t
	d.cond.Broadcast()
	return t.id
}

// Cancel marks a task as cancelled; it will be skipped when its turn
// comes instead of running. Cancelling an already-run or unknown task
// id is a no-op.
func (d *Dispatcher) Cancel(id TaskID) {
	d.mu.Lock()
	t, ok := d.byID[id]
	d.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	go d.run()
}

// Stop requests shutdown. Non-daemon tasks already scheduled run to
// completion; daemon tasks are dropped. Returns once the worker has
// exited.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.draining = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		t, ok := d.next()
		if !ok {
			return
		}
		d.exec(t)
	}
}

// next blocks until a task is ready to run, Stop was called and no
// non-daemon work remains, or the next task is found and popped.
func (d *Dispatcher) next() (*task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if d.tasks.Len() == 0 {
			if d.draining {
				return nil, false
			}
			d.cond.Wait()
			continue
		}

		top := d.tasks[0]
		if d.draining && top.isDaemon {
			heap.Pop(&d.tasks)
			delete(d.byID, top.id)
			continue
		}

		wait := top.readyTime.Sub(now())
		if wait > 0 {
			d.waitTimeout(wait)
			continue
		}

		heap.Pop(&d.tasks)
		delete(d.byID, top.id)
		return top, true
	}
}

// waitTimeout waits on the condvar for at most timeout, re-checking
// the heap afterwards. Must be called with d.mu held; releases it
// while waiting, per sync.Cond contract.
func (d *Dispatcher) waitTimeout(timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	d.cond.Wait()
	timer.Stop()
}

func (d *Dispatcher) exec(t *task) {
	if t.isCancelled() {
		return
	}

	reschedule, nextDelay := d.runCallback(t)
	if !reschedule {
		return
	}
	if nextDelay <= 0 {
		nextDelay = t.delay
	}

	d.mu.Lock()
	d.nextSeq++
	t.readyTime = now().Add(nextDelay)
	t.seq = d.nextSeq
	heap.Push(&d.tasks, t)
	d.byID[t.id] = t
	d.mu.Unlock()
}

// runCallback executes the callback, converting a panic into a logged
// failure so the worker keeps running (spec.md §4.1 failure semantics).
func (d *Dispatcher) runCallback(t *task) (reschedule bool, nextDelay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("dispatcher: task %q (priority %v) panicked: %v", t.description, t.priority, r)
			reschedule = false
		}
	}()
	return t.cb()
}

func now() time.Time { return time.Now() }
