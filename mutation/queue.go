// Package mutation implements the towrite/writing mutation queues of
// spec.md §4.5: a producer FIFO (towrite) that the flusher drains
// into a working queue (writing) once per activation.
//
// The FIFO is an intrusive doubly linked list in the same fake-head/
// fake-tail idiom as hashtable's residency list (itself adapted from
// Skipor-memcached/cache/queue.go), rather than container/list, to
// stay in one idiom for intrusive queues across the module.
package mutation

import (
	"sync"

	"github.com/skipor/epcore/hashtable"
)

// Op is the kind of mutation a QueuedItem describes.
type Op int

const (
	OpSet Op = iota
	OpDel
	OpFlush // reset the entire backend store
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpDel:
		return "del"
	case OpFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// QueuedItem is a compact description of a pending mutation to
// persist (GLOSSARY).
type QueuedItem struct {
	VBucketID hashtable.VBNo
	Key       string
	Op        Op
	Queued    int64 // unix seconds this item was enqueued

	prev, next *QueuedItem
}

// Queue is a thread-safe FIFO of QueuedItems.
type Queue struct {
	mu       sync.Mutex
	fakeHead *QueuedItem
	fakeTail *QueuedItem
	size     int
}

func NewQueue() *Queue {
	q := &Queue{
		fakeHead: &QueuedItem{},
		fakeTail: &QueuedItem{},
	}
	q.fakeHead.next = q.fakeTail
	q.fakeTail.prev = q.fakeHead
	return q
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// PushBack enqueues item at the back (the normal producer path).
func (q *Queue) PushBack(item *QueuedItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.linkBefore(item, q.fakeTail)
	q.size++
}

// PushFront re-queues item at the front, used by the flusher (§4.5) to
// retry rejected items ahead of newer ones.
func (q *Queue) PushFront(item *QueuedItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.linkBefore(item, q.fakeHead.next)
	q.size++
}

// PopFront removes and returns the oldest item, or (nil, false) if
// empty.
func (q *Queue) PopFront() (*QueuedItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil, false
	}
	item := q.fakeHead.next
	q.unlink(item)
	q.size--
	return item, true
}

// DrainInto moves every item from q onto the back of dst, preserving
// order and leaving q empty. Used by beginFlush to move towrite into
// writing (§4.5 step 2): writing may already hold leftover items from
// a batch a prior activation could not finish, so this appends rather
// than replaces.
func (q *Queue) DrainInto(dst *Queue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return
	}
	dst.mu.Lock()
	defer dst.mu.Unlock()

	first, last := q.fakeHead.next, q.fakeTail.prev
	// detach [first, last] from q
	q.fakeHead.next = q.fakeTail
	q.fakeTail.prev = q.fakeHead

	// splice before dst's fakeTail
	dstLast := dst.fakeTail.prev
	dstLast.next = first
	first.prev = dstLast
	last.next = dst.fakeTail
	dst.fakeTail.prev = last

	dst.size += q.size
	q.size = 0
}

func (q *Queue) linkBefore(item, before *QueuedItem) {
	prev := before.prev
	prev.next = item
	item.prev = prev
	item.next = before
	before.prev = item
}

func (q *Queue) unlink(item *QueuedItem) {
	item.prev.next = item.next
	item.next.prev = item.prev
	item.prev = nil
	item.next = nil
}
