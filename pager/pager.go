// Package pager implements the eviction and housekeeping tasks of
// spec.md §4.7: the item pager (value ejection under memory pressure),
// the expiry pager (reclaiming expired records), and the checkpoint
// remover. All three are periodic dispatcher tasks scheduled on the
// non-I/O dispatcher (§5 "Non-I/O dispatcher thread ... runs ...
// pager scans").
//
// Grounded structurally on Skipor-memcached/cache/lru.go's
// active/inactive-list walk for "pick eviction candidates in touch
// order, stop once a watermark is satisfied" — the teacher tiers into
// HOT/WARM/COLD LRU lists, which this module's single resident list
// does not need; only the stop-at-watermark walk survives.
package pager

import (
	"time"

	"github.com/skipor/epcore/hashtable"
	"github.com/skipor/epcore/log"
	"github.com/skipor/epcore/mutation"
	"github.com/skipor/epcore/stats"
	"github.com/skipor/epcore/status"
	"github.com/skipor/epcore/vbucket"
)

// Config bundles the §6.2 options the pagers consult.
type Config struct {
	MemHighWat      int64 // start paging above this many bytes
	MemLowWat       int64 // stop paging once below this many bytes
	ActiveVBPercent int   // pager_active_vb_pcnt: 0-100
	Interval        time.Duration
}

// ItemPager ejects resident, clean, unlocked values, preferring active
// vbuckets up to Config.ActiveVBPercent of the work before touching
// replica vbuckets, until the table falls below MemLowWat.
type ItemPager struct {
	log   log.Logger
	table *hashtable.Table
	vbmap *vbucket.Map
	st    *stats.Stats
	clock func() int64
	cfg   Config
}

func NewItemPager(l log.Logger, table *hashtable.Table, vbmap *vbucket.Map, st *stats.Stats, clock func() int64, cfg Config) *ItemPager {
	return &ItemPager{log: l, table: table, vbmap: vbmap, st: st, clock: clock, cfg: cfg}
}

// Activate is the dispatcher callback: a no-op below MemHighWat,
// otherwise walks the resident list ejecting eligible values until
// MemLowWat is reached (§4.7).
func (p *ItemPager) Activate() (reschedule bool, nextDelay time.Duration) {
	if p.table.CurrentSize() < p.cfg.MemHighWat {
		return true, p.cfg.Interval
	}

	activeBudget := p.cfg.ActiveVBPercent
	if activeBudget <= 0 {
		activeBudget = 40
	}

	p.pageVBuckets(vbucket.Active, activeBudget)
	if p.table.CurrentSize() >= p.cfg.MemLowWat {
		p.pageVBuckets(vbucket.Replica, 100)
	}
	return true, p.cfg.Interval
}

// pageVBuckets ejects eligible resident values belonging to vbuckets
// in the given state, stopping once MemLowWat is satisfied or
// percentOfWork of the resident list has been considered for this
// state (a coarse stand-in for pager_active_vb_pcnt's real accounting,
// since spec.md leaves the precise formula unspecified — see
// SPEC_FULL.md Open Questions).
func (p *ItemPager) pageVBuckets(want vbucket.State, percentOfWork int) {
	seen := 0
	budget := percentOfWork
	var candidates []*hashtable.StoredValue
	p.table.WalkResident(func(sv *hashtable.StoredValue) bool {
		if p.table.CurrentSize() < p.cfg.MemLowWat {
			return false
		}
		seen++
		if seen > budget && budget < 100 {
			return false
		}
		vb := p.vbmap.Get(sv.VBucketID())
		if vb == nil || vb.State() != want {
			return true
		}
		if sv.Dirty() || sv.IsLocked(p.clock()) {
			return true
		}
		candidates = append(candidates, sv)
		return true
	})
	for _, sv := range candidates {
		bucketNum := p.table.Bucket(sv.VBucketID(), sv.Key())
		lock := p.table.Lock(bucketNum)
		lock.Lock()
		if cur, ok := p.table.UnlockedFind(sv.VBucketID(), sv.Key(), bucketNum, false); ok && cur == sv &&
			p.table.CurrentSize() >= p.cfg.MemLowWat && !sv.Dirty() && !sv.IsLocked(p.clock()) {
			p.table.EjectValue(sv)
		}
		lock.Unlock()
	}
}

// ExpiryPager reclaims expired records: soft-deletes them in the hash
// table and queues a delete so the flusher erases them from the backend
// too.
type ExpiryPager struct {
	log     log.Logger
	table   *hashtable.Table
	vbmap   *vbucket.Map
	towrite *mutation.Queue
	clock   func() int64
	cfg     Config
}

func NewExpiryPager(l log.Logger, table *hashtable.Table, vbmap *vbucket.Map, towrite *mutation.Queue, clock func() int64, cfg Config) *ExpiryPager {
	return &ExpiryPager{log: l, table: table, vbmap: vbmap, towrite: towrite, clock: clock, cfg: cfg}
}

// Activate walks every vbucket's resident list, soft-deleting expired
// records and queueing the deletion for the flusher to persist.
func (p *ExpiryPager) Activate() (reschedule bool, nextDelay time.Duration) {
	now := p.clock()
	for _, vb := range p.vbmap.All() {
		p.expireVBucket(vb, now)
	}
	return true, p.cfg.Interval
}

func (p *ExpiryPager) expireVBucket(vb *vbucket.VBucket, now int64) {
	var expired []string
	p.table.WalkResident(func(sv *hashtable.StoredValue) bool {
		if sv.VBucketID() == vb.ID() && sv.IsExpired(now) && !sv.Dirty() && !sv.IsLocked(now) {
			expired = append(expired, sv.Key())
		}
		return true
	})
	for _, key := range expired {
		bucketNum := p.table.Bucket(vb.ID(), key)
		lock := p.table.Lock(bucketNum)
		lock.Lock()
		st, _ := p.table.UnlockedSoftDelete(vb.ID(), key, bucketNum)
		lock.Unlock()
		if st == status.DeleteNotFound { // raced with a concurrent delete
			continue
		}
		p.towrite.PushBack(&mutation.QueuedItem{VBucketID: vb.ID(), Key: key, Op: mutation.OpDel, Queued: now})
	}
}

// CheckpointRemover is a periodic task trimming any per-vbucket
// checkpoint bookkeeping the backend keeps beyond what open cursors
// still need. spec.md describes it contract-only (§4.7 heading note
// "contract only"): this module's backend facade has no checkpoint
// cursor concept of its own (bbolt has no open-cursor notion across
// transactions), so CheckpointRemover is a deliberate no-op task kept
// only so the dispatcher wiring in epstore matches spec.md's task
// list one-for-one; it still counts towards %4.1's "no starvation of
// non-I/O pager scans" invariant by existing as a normal low-priority
// reschedule loop.
type CheckpointRemover struct {
	log log.Logger
	cfg Config
}

func NewCheckpointRemover(l log.Logger, cfg Config) *CheckpointRemover {
	return &CheckpointRemover{log: l, cfg: cfg}
}

func (c *CheckpointRemover) Activate() (reschedule bool, nextDelay time.Duration) {
	return true, c.cfg.Interval
}
