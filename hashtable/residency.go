package hashtable

import "sync"

// residencyList is an approximate global insertion-order list of
// resident StoredValues, walked by the item pager (§4.7) to find
// eviction candidates without scanning every bucket. Guarded by its
// own mutex, distinct from bucket locks, since the pager crosses
// bucket boundaries.
//
// Adapted from Skipor-memcached/cache/queue.go's fake-head/fake-tail
// intrusive doubly linked list idiom, trimmed down to a plain FIFO:
// the item pager needs only "resident, clean, unlocked" candidates in
// roughly touch order, not the HOT/WARM/COLD slab tiering the
// teacher's queue/lru pair implemented.
type residencyList struct {
	mu       sync.Mutex
	fakeHead *StoredValue
	fakeTail *StoredValue
}

func newResidencyList() *residencyList {
	l := &residencyList{
		fakeHead: &StoredValue{},
		fakeTail: &StoredValue{},
	}
	l.fakeHead.resNext = l.fakeTail
	l.fakeTail.resPrev = l.fakeHead
	return l
}

// pushBack adds sv as the most-recently-touched resident entry.
func (l *residencyList) pushBack(sv *StoredValue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sv.inResidencyList {
		l.unlink(sv)
	}
	tail := l.fakeTail
	prev := tail.resPrev
	prev.resNext = sv
	sv.resPrev = prev
	sv.resNext = tail
	tail.resPrev = sv
	sv.inResidencyList = true
}

// remove detaches sv if present; no-op otherwise.
func (l *residencyList) remove(sv *StoredValue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sv.inResidencyList {
		l.unlink(sv)
	}
}

func (l *residencyList) unlink(sv *StoredValue) {
	sv.resPrev.resNext = sv.resNext
	sv.resNext.resPrev = sv.resPrev
	sv.resPrev = nil
	sv.resNext = nil
	sv.inResidencyList = false
}

// walk calls visit(sv) for every resident entry from the least
// recently touched to the most, stopping early if visit returns
// false.
func (l *residencyList) walk(visit func(*StoredValue) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for n := l.fakeHead.resNext; n != l.fakeTail; n = n.resNext {
		if !visit(n) {
			return
		}
	}
}
