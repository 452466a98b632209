// Package hashtable implements the sharded hash table of spec.md
// §4.2: a fixed number of buckets, each covered by one of a smaller
// number of mutexes, holding every StoredValue in the store.
//
// Every method that mutates or inspects a StoredValue takes the
// bucket index the caller already locked via Lock — the table itself
// never acquires a bucket lock, mirroring the "operations take a
// bucket index computed externally" contract in spec.md §4.2.
package hashtable

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/skipor/epcore/stats"
	"github.com/skipor/epcore/status"
	"github.com/skipor/epcore/valuepool"
)

// perRecordOverhead approximates the bookkeeping cost of a
// StoredValue beyond its value bytes, for memory-ceiling accounting.
const perRecordOverhead = 64

type compKey struct {
	vb  VBNo
	key string
}

// Table is the sharded hash table. Safe for concurrent use as long as
// callers respect the bucket-lock discipline documented on each
// method.
type Table struct {
	clock func() int64
	stats *stats.Stats

	buckets []map[compKey]*StoredValue
	locks   []sync.Mutex

	maxSize     int64
	currentSize int64 // atomic

	residency *residencyList
}

// Option configures New.
type Option func(*Table)

func WithStats(st *stats.Stats) Option {
	return func(t *Table) { t.stats = st }
}

// New creates a Table with bucketCount buckets covered by lockCount
// mutexes (lockCount must divide evenly into bucketCount's indexing
// scheme; bucketNum % lockCount picks the lock). maxSize is the
// global memory ceiling in bytes (§4.2 "Memory policy"); 0 means
// unbounded. clock supplies unix-second timestamps so tests can inject
// a virtual clock (DESIGN NOTES, "Global current_time").
func New(bucketCount, lockCount int, maxSize int64, clock func() int64, opts ...Option) *Table {
	if bucketCount <= 0 {
		bucketCount = 1 << 13
	}
	if lockCount <= 0 || lockCount > bucketCount {
		lockCount = bucketCount
	}
	t := &Table{
		clock:     clock,
		buckets:   make([]map[compKey]*StoredValue, bucketCount),
		locks:     make([]sync.Mutex, lockCount),
		maxSize:   maxSize,
		residency: newResidencyList(),
	}
	for i := range t.buckets {
		t.buckets[i] = make(map[compKey]*StoredValue)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) BucketCount() int { return len(t.buckets) }

// Bucket computes the bucket index for (vb, key).
func (t *Table) Bucket(vb VBNo, key string) int {
	h := fnv.New64a()
	h.Write([]byte{byte(vb >> 8), byte(vb)})
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(len(t.buckets)))
}

// Lock returns the mutex covering bucketNum. Callers lock it before
// calling any other Table method with that bucketNum.
func (t *Table) Lock(bucketNum int) *sync.Mutex {
	return &t.locks[bucketNum%len(t.locks)]
}

func (t *Table) CurrentSize() int64 { return atomic.LoadInt64(&t.currentSize) }

// UnlockedFind looks up (vb, key) in bucketNum. wantDeleted controls
// whether a soft-deleted record is returned or treated as absent.
func (t *Table) UnlockedFind(vb VBNo, key string, bucketNum int, wantDeleted bool) (*StoredValue, bool) {
	sv, ok := t.buckets[bucketNum][compKey{vb, key}]
	if !ok {
		return nil, false
	}
	if sv.deleted && !wantDeleted {
		return nil, false
	}
	return sv, true
}

func sizeOf(item Item) int64 {
	size := int64(len(item.Key)) + perRecordOverhead
	if item.Value != nil {
		size += int64(item.Value.Size())
	}
	return size
}

// wouldExceedCeiling reports whether adding addedSize bytes would
// exceed the configured max_size, unless force bypasses it (replica
// traffic, per §4.2 "NOMEM").
func (t *Table) wouldExceedCeiling(addedSize int64, force bool) bool {
	if force || t.maxSize <= 0 {
		return false
	}
	return atomic.LoadInt64(&t.currentSize)+addedSize > t.maxSize
}

// Set implements §4.2 set: update an existing record or create one.
// force bypasses the memory ceiling (used for replica traffic per
// vbucket admission rules, §4.3).
func (t *Table) Set(item Item, force bool) (status.Set, *StoredValue) {
	k := compKey{item.VBucketID, item.Key}
	bucketNum := bucketNumFor(t, k)
	now := t.clock()

	sv, found := t.buckets[bucketNum][k]
	tombstone := found && sv.deleted // soft-deleted records are invisible to plain set

	if !found || tombstone {
		if item.Cas != 0 {
			return status.SetNotFound, nil
		}
		addedSize := sizeOf(item)
		if tombstone {
			addedSize -= t.storedSize(sv)
		}
		if t.wouldExceedCeiling(addedSize, force) {
			return status.SetNoMem, nil
		}
		if tombstone {
			t.adjustSize(-t.storedSize(sv))
			t.residency.remove(sv)
			if sv.value != nil {
				sv.value.Recycle()
			}
		}
		sv = &StoredValue{
			key:       item.Key,
			vbucketID: item.VBucketID,
			rowID:     -1,
		}
		t.buckets[bucketNum][k] = sv
		t.apply(sv, item, now)
		t.adjustSize(t.storedSize(sv))
		t.markDirty(sv, now)
		return status.SetWasClean, sv
	}

	if sv.IsLocked(now) {
		return status.SetIsLocked, nil
	}
	if item.Cas != 0 && item.Cas != sv.cas {
		return status.SetInvalidCas, nil
	}
	oldSize := t.storedSize(sv)
	newSize := sizeOf(item)
	if t.wouldExceedCeiling(newSize-oldSize, force) {
		return status.SetNoMem, nil
	}

	wasDirty := sv.dirty
	t.adjustSize(-oldSize)
	t.apply(sv, item, now)
	t.adjustSize(t.storedSize(sv))
	if wasDirty {
		return status.SetWasDirty, sv
	}
	t.markDirty(sv, now)
	return status.SetWasClean, sv
}

// Add implements §4.2 add.
func (t *Table) Add(item Item, isDirty, retainValue bool) (status.Add, *StoredValue) {
	k := compKey{item.VBucketID, item.Key}
	bucketNum := bucketNumFor(t, k)
	now := t.clock()

	sv, found := t.buckets[bucketNum][k]
	if found && !sv.deleted {
		return status.AddExists, nil
	}

	addedSize := sizeOf(item)
	if !retainValue {
		addedSize = int64(len(item.Key)) + perRecordOverhead
	}

	undel := found && sv.deleted
	if !undel {
		if t.wouldExceedCeiling(addedSize, false) {
			return status.AddNoMem, nil
		}
		sv = &StoredValue{
			key:       item.Key,
			vbucketID: item.VBucketID,
			rowID:     -1,
		}
		t.buckets[bucketNum][k] = sv
	} else {
		oldSize := t.storedSize(sv)
		if t.wouldExceedCeiling(addedSize-oldSize, false) {
			return status.AddNoMem, nil
		}
		t.adjustSize(-oldSize)
		sv.deleted = false
	}

	t.applyValue(sv, item, now, retainValue)
	t.adjustSize(t.storedSize(sv))
	if isDirty {
		t.markDirty(sv, now)
	}
	if undel {
		return status.AddUndel, sv
	}
	return status.AddSuccess, sv
}

// UnlockedSoftDelete implements §4.2 unlocked_softDelete.
func (t *Table) UnlockedSoftDelete(vb VBNo, key string, bucketNum int) (status.Delete, *StoredValue) {
	sv, ok := t.UnlockedFind(vb, key, bucketNum, false)
	if !ok {
		return status.DeleteNotFound, nil
	}
	now := t.clock()
	sv.deleted = true
	t.residency.remove(sv)
	if sv.dirty {
		return status.DeleteWasDirty, sv
	}
	t.markDirty(sv, now)
	return status.DeleteWasClean, sv
}

// UnlockedDel implements §4.2 unlocked_del: physical removal, only
// valid once a record is both deleted and clean.
func (t *Table) UnlockedDel(vb VBNo, key string, bucketNum int) bool {
	k := compKey{vb, key}
	sv, ok := t.buckets[bucketNum][k]
	if !ok {
		return false
	}
	if !sv.deleted || sv.dirty {
		return false
	}
	delete(t.buckets[bucketNum], k)
	t.residency.remove(sv)
	t.adjustSize(-t.storedSize(sv))
	return true
}

// EjectValue drops sv's resident value bytes, retaining the key and
// rowid (GLOSSARY "Ejection"). Caller must hold sv's bucket lock and
// have confirmed sv is resident, clean, and unlocked.
func (t *Table) EjectValue(sv *StoredValue) {
	if sv.value == nil {
		return
	}
	t.adjustSize(-int64(sv.value.Size()))
	sv.value.Recycle()
	sv.value = nil
	t.residency.remove(sv)
	if t.stats != nil {
		t.stats.NumValueEjects.Inc(1)
		t.stats.NumNonResident.Inc(1)
	}
}

// InstallFetchedValue installs a value loaded from the backend for a
// record that is still non-resident (§4.4 step 3). Caller must hold
// sv's bucket lock.
func (t *Table) InstallFetchedValue(sv *StoredValue, v *valuepool.Value) {
	if sv.value != nil {
		v.Recycle()
		return
	}
	sv.value = v
	t.adjustSize(int64(v.Size()))
	t.residency.pushBack(sv)
	if t.stats != nil {
		t.stats.NumNonResident.Dec(1)
	}
}

// WalkResident visits resident StoredValues in approximate touch
// order, used by the item pager (§4.7). visit returns false to stop
// early. WalkResident does not itself take bucket locks; callers must
// lock each StoredValue's bucket before acting on it.
func (t *Table) WalkResident(visit func(*StoredValue) bool) {
	t.residency.walk(visit)
}

func bucketNumFor(t *Table, k compKey) int {
	return t.Bucket(k.vb, k.key)
}

func (t *Table) apply(sv *StoredValue, item Item, now int64) {
	t.applyValue(sv, item, now, true)
}

func (t *Table) applyValue(sv *StoredValue, item Item, now int64, retainValue bool) {
	sv.flags = item.Flags
	sv.expiry = item.Expiry
	sv.cas = item.Cas
	// rowID/pendingID are left untouched here: a StoredValue keeps its
	// persisted rowid across updates (only the persistence callback
	// changes it, per ep.cc's rowid = v ? v->getId() : -1); it is only
	// -1 at construction, set explicitly by the Set/Add callers that
	// allocate a brand-new StoredValue.
	if sv.value != nil {
		sv.value.Recycle()
		sv.value = nil
		t.residency.remove(sv)
	}
	if retainValue && item.Value != nil {
		sv.value = item.Value
		t.residency.pushBack(sv)
	} else if item.Value != nil {
		item.Value.Recycle()
	}
	_ = now
}

func (t *Table) markDirty(sv *StoredValue, now int64) {
	sv.MarkDirty(now)
}

func (t *Table) storedSize(sv *StoredValue) int64 {
	size := int64(len(sv.key)) + perRecordOverhead
	if sv.value != nil {
		size += int64(sv.value.Size())
	}
	return size
}

func (t *Table) adjustSize(delta int64) {
	newSize := atomic.AddInt64(&t.currentSize, delta)
	if t.stats != nil {
		t.stats.CurrentSize.Update(newSize)
	}
}
