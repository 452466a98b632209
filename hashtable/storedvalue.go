package hashtable

import (
	"github.com/skipor/epcore/valuepool"
)

// VBNo is a vbucket id. Grounded on the same 16-bit vbucket-id
// vocabulary used package-wide.
type VBNo uint16

// Item is what a caller hands to Table.Set/Add: everything needed to
// either install a new StoredValue or mutate an existing one.
type Item struct {
	Key       string
	VBucketID VBNo
	Value     *valuepool.Value
	Flags     uint32
	Expiry    int64 // unix seconds, 0 = never
	Cas       uint64
}

// StoredValue is the in-memory record for a single key (GLOSSARY).
// Exactly one exists per live (vbucket, key) pair; it may be
// value-resident or value-absent (non-resident).
type StoredValue struct {
	key       string
	vbucketID VBNo

	value *valuepool.Value // nil when non-resident
	flags uint32
	expiry int64
	cas    uint64

	rowID   int64 // -1 == not yet assigned by the backend
	dirty   bool
	deleted bool

	pendingID   bool // a persistence callback will assign rowID soon
	lockedUntil int64

	dirtied int64 // unix seconds this record last became dirty

	// residency list bookkeeping; guarded by Table.residency.mu, not
	// the bucket lock.
	resPrev, resNext *StoredValue
	inResidencyList  bool
}

func (sv *StoredValue) Key() string       { return sv.key }
func (sv *StoredValue) VBucketID() VBNo    { return sv.vbucketID }
func (sv *StoredValue) Flags() uint32     { return sv.flags }
func (sv *StoredValue) Expiry() int64     { return sv.expiry }
func (sv *StoredValue) Cas() uint64       { return sv.cas }
func (sv *StoredValue) RowID() int64      { return sv.rowID }
func (sv *StoredValue) Dirty() bool       { return sv.dirty }
func (sv *StoredValue) Deleted() bool     { return sv.deleted }
func (sv *StoredValue) PendingID() bool   { return sv.pendingID }
func (sv *StoredValue) Dirtied() int64    { return sv.dirtied }
func (sv *StoredValue) IsLocked(now int64) bool {
	return sv.lockedUntil > now
}

// Resident reports whether the value bytes are currently in memory.
func (sv *StoredValue) Resident() bool { return sv.value != nil }

// Value returns the resident value, or nil if non-resident. The
// caller must hold the owning bucket lock.
func (sv *StoredValue) Value() *valuepool.Value { return sv.value }

// IsExpired reports whether expiry is set and in the past.
func (sv *StoredValue) IsExpired(now int64) bool {
	return sv.expiry != 0 && sv.expiry <= now
}

func (sv *StoredValue) setValue(v *valuepool.Value) {
	sv.value = v
}

// MarkClean marks the record as matching the persisted state. Called
// by the flusher once a mutation has been durably applied.
func (sv *StoredValue) MarkClean() {
	sv.dirty = false
}

// MarkDirty marks the record as differing from the persisted state,
// recording dirtied as the timestamp it happened.
func (sv *StoredValue) MarkDirty(now int64) {
	sv.dirty = true
	sv.dirtied = now
}

// SetPendingID flags that a persistence callback will assign rowID
// soon (GLOSSARY "Pending-id").
func (sv *StoredValue) SetPendingID() {
	sv.pendingID = true
}

// SetRowID assigns the backend rowid and clears pending-id.
func (sv *StoredValue) SetRowID(id int64) {
	sv.setRowID(id)
}

// Lock marks the record locked until unixSeconds.
func (sv *StoredValue) Lock(untilUnixSeconds int64) {
	sv.lockedUntil = untilUnixSeconds
}

// setRowID clears pending-id along with assigning a rowid, since a
// resolved rowid (whatever its value) means no callback is still
// outstanding for this record.
func (sv *StoredValue) setRowID(id int64) {
	sv.rowID = id
	sv.pendingID = false
}
