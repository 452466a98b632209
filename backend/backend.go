// Package backend declares the persistent-store facade of spec.md
// §6.1: the narrow interface the flusher and background fetch path
// use to talk to durable storage, independent of what that storage
// actually is.
package backend

import (
	"github.com/skipor/epcore/hashtable"
	"github.com/skipor/epcore/status"
)

// Item is a fully materialized record to persist.
type Item struct {
	VBucketID hashtable.VBNo
	Key       string
	Value     []byte
	Flags     uint32
	Expiry    int64
	Cas       uint64
	RowID     int64 // -1 if not yet assigned
}

// GetValue is what backend.Get hands to its callback (§6.1).
type GetValue struct {
	Item   *Item
	Status status.BackendGet
	RowID  int64
}

// SetCallback receives (rows_affected, new_rowid) per §4.5
// "Persistence callback".
type SetCallback func(rowsAffected int, newRowID int64)

// DelCallback receives rows_deleted ∈ {-1, 0, 1}.
type DelCallback func(rowsDeleted int)

type GetCallback func(GetValue)

// LoadCallback is invoked once per record during Dump (warmup).
// Returning false stops the walk early.
type LoadCallback func(Item) bool

// Backend is the persistent-store interface (§6.1). It must be safe
// to call from the I/O dispatcher thread and from client threads (the
// synchronous Get path used by completeBGFetch, §4.4).
type Backend interface {
	Begin() error
	// Commit attempts to commit the open transaction, returning false
	// on failure. The flusher retries on false with a one-second sleep
	// (§4.5); it never abandons a transaction.
	Commit() bool

	Set(item Item, cb SetCallback)
	Del(vb hashtable.VBNo, key string, rowID int64, cb DelCallback)
	Get(vb hashtable.VBNo, key string, rowID int64, cb GetCallback)

	DelVBucket(vb hashtable.VBNo) bool
	SetVBState(vb hashtable.VBNo, state string) bool

	Reset()
	Dump(cb LoadCallback) error

	Close() error
}
