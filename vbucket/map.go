package vbucket

import "sync"

// Map is the vbucket registry (§4.3, §4.6). Its mutex guards only the
// id-to-vbucket table and is held only inside Map's own methods; it
// does not serialize a state change against a deletion. Callers
// (bgfetch, flusher) call Get while holding a bucket lock.
type Map struct {
	mu sync.Mutex

	max   VBNo
	table map[VBNo]*VBucket
}

func NewMap(maxVBuckets VBNo) *Map {
	return &Map{
		max:   maxVBuckets,
		table: make(map[VBNo]*VBucket),
	}
}

// Valid reports whether id is within the configured vbucket range.
// §8 boundary behavior: max_vbuckets=1 rejects all other ids.
func (m *Map) Valid(id VBNo) bool {
	return id < m.max
}

// Get returns the vbucket for id, or nil if it has never been
// created (distinct from Dead: a never-created id and a deleted one
// both surface NOT_MY_VBUCKET to clients, but only a created-then-
// transitioned-to-dead vbucket has deletion machinery to run).
func (m *Map) Get(id VBNo) *VBucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table[id]
}

// GetOrCreate returns the existing vbucket for id, creating it in
// initial state if absent.
func (m *Map) GetOrCreate(id VBNo, initial State) *VBucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	vb, ok := m.table[id]
	if !ok {
		vb = New(id, initial)
		m.table[id] = vb
	}
	return vb
}

// BeginDeletion marks id deletion-in-progress (§4.6): new client
// operations against it still resolve through Get/Valid as usual, but
// Admit continues to report whatever state the vbucket was in (it is
// the caller's job to check DeletionInProgress and refuse admission
// while it is set) and the flusher consults DeletionInProgress to
// avoid persisting stale writes for a vbucket about to be erased from
// the backend (§4.6 "the flusher must not persist any set for it").
// The entry is only actually removed from the map once CompleteDeletion
// runs, so the in-flight deletion task and the flusher keep seeing the
// same *VBucket (DESIGN NOTES "shared ownership of vbuckets") instead
// of racing a map.Get that would otherwise return nil the instant
// deletion starts.
func (m *Map) BeginDeletion(id VBNo) *VBucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	vb, ok := m.table[id]
	if !ok {
		return nil
	}
	vb.setDeletionInProgress(true)
	return vb
}

// CompleteDeletion clears the deletion-in-progress bit and removes id
// from the map once backend.DelVBucket has succeeded (§4.6).
func (m *Map) CompleteDeletion(vb *VBucket) {
	vb.setDeletionInProgress(false)
	m.mu.Lock()
	if existing, ok := m.table[vb.id]; ok && existing == vb {
		delete(m.table, vb.id)
	}
	m.mu.Unlock()
}

// All returns every currently registered vbucket, for the expiry pager
// walk (§4.7).
func (m *Map) All() []*VBucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*VBucket, 0, len(m.table))
	for _, vb := range m.table {
		out = append(out, vb)
	}
	return out
}
