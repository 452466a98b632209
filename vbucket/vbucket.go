// Package vbucket implements the vbucket state machine and map of
// spec.md §4.3: the partition-level admission rules, cookie parking,
// and the vbucket registry client operations consult before touching
// the hash table.
package vbucket

import (
	"sync"

	"github.com/skipor/epcore/hashtable"
)

// VBNo is a vbucket id. Grounded on the 16-bit vbucket-id vocabulary
// of other_examples/couchbase-sync_gateway__vbucket.go (`VBNo uint16`).
type VBNo = hashtable.VBNo

// State is one of the four vbucket lifecycle states (§4.3).
type State int

const (
	Active State = iota
	Replica
	Pending
	Dead
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Replica:
		return "replica"
	case Pending:
		return "pending"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Cookie is an opaque per-request handle a caller parks on a pending
// vbucket and expects to be notified on exactly once.
type Cookie interface{}

// VBucket is a single partition: a state plus the set of cookies
// parked on it while it was pending. The hash table itself is shared
// across vbuckets (hashtable.Table); VBucket only tracks state and
// bookkeeping, consulted by EP store operations before they touch
// hashtable.Table.
type VBucket struct {
	mu sync.Mutex

	id    VBNo
	state State

	pending      map[Cookie]struct{}
	deletingFlag bool
	refs         int32
}

func New(id VBNo, initial State) *VBucket {
	return &VBucket{
		id:      id,
		state:   initial,
		pending: make(map[Cookie]struct{}),
	}
}

func (v *VBucket) ID() VBNo { return v.id }

func (v *VBucket) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// DeletionInProgress reports whether a vbucket-deletion task currently
// owns this vbucket (§4.6): while set, the flusher must not persist
// any set for it.
func (v *VBucket) DeletionInProgress() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deletingFlag
}

func (v *VBucket) setDeletionInProgress(b bool) {
	v.mu.Lock()
	v.deletingFlag = b
	v.mu.Unlock()
}

// SetState transitions the vbucket and returns cookies to notify
// (non-empty only when leaving Pending) per §4.3: "On entering active
// from pending, all parked client cookies are signalled". Caller
// drains the returned cookies through the non-I/O dispatcher; SetState
// itself never touches a dispatcher.
func (v *VBucket) SetState(s State) (drained []Cookie) {
	v.mu.Lock()
	defer v.mu.Unlock()
	leavingPending := v.state == Pending && s != Pending
	v.state = s
	if leavingPending && len(v.pending) > 0 {
		drained = make([]Cookie, 0, len(v.pending))
		for c := range v.pending {
			drained = append(drained, c)
		}
		v.pending = make(map[Cookie]struct{})
	}
	return drained
}

// ParkResult tells the caller what to do with a cookie it tried to
// park on a pending vbucket.
type ParkResult int

const (
	Parked        ParkResult = iota // newly parked; caller returns EWOULDBLOCK
	AlreadyParked                   // found already parked; caller returns EWOULDBLOCK without re-parking
)

// Park adds cookie to the pending set exactly once (§4.3 "Parking").
func (v *VBucket) Park(cookie Cookie) ParkResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.pending[cookie]; ok {
		return AlreadyParked
	}
	v.pending[cookie] = struct{}{}
	return Parked
}

// Op is a client operation kind, used to evaluate the admission table
// in §4.3.
type Op int

const (
	OpGet Op = iota
	OpSet
	OpAdd
	OpDel
)

// Admission is the result of checking an Op against vbucket state.
type Admission int

const (
	AdmitOK Admission = iota
	AdmitForceOnly          // set only, replica state: requires force=true
	AdmitPark               // pending: park cookie, caller returns EWouldBlock
	AdmitReject              // replica (non-set ops): reject outright
	AdmitRejectNotMyVBucket // dead: NOT_MY_VBUCKET specifically
)

// Admit evaluates the admission table for op against the current
// state. Caller is responsible for parking/draining cookies and
// translating the result into an engine status code.
func (v *VBucket) Admit(op Op) Admission {
	v.mu.Lock()
	s := v.state
	v.mu.Unlock()

	switch s {
	case Active:
		return AdmitOK
	case Replica:
		if op == OpSet {
			return AdmitForceOnly
		}
		return AdmitReject
	case Pending:
		return AdmitPark
	case Dead:
		return AdmitRejectNotMyVBucket
	default:
		return AdmitReject
	}
}
