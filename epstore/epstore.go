// Package epstore implements the EP store (spec.md §4.4, §6.3): the
// top-level façade binding the vbucket map, hash table, mutation
// queues, flusher, background fetcher, and two dispatchers into the
// client-facing get/set/add/del surface, plus vbucket state changes
// and deletion.
//
// Grounded on Skipor-memcached's root `cache.go` for "one struct holds
// every subsystem and exposes the client operations", generalized from
// its single `sync.RWMutex` cache to the sharded, vbucket-partitioned,
// dispatcher-driven design spec.md calls for.
package epstore

import (
	"time"

	"github.com/skipor/epcore/backend"
	"github.com/skipor/epcore/bgfetch"
	"github.com/skipor/epcore/bgqueue"
	"github.com/skipor/epcore/dispatcher"
	"github.com/skipor/epcore/flusher"
	"github.com/skipor/epcore/hashtable"
	"github.com/skipor/epcore/log"
	"github.com/skipor/epcore/mutation"
	"github.com/skipor/epcore/pager"
	"github.com/skipor/epcore/stats"
	"github.com/skipor/epcore/status"
	"github.com/skipor/epcore/valuepool"
	"github.com/skipor/epcore/vbucket"
)

// Config bundles the subset of §6.2 options the EP store itself reads
// (vbucket count, hash-table shape, BG fetch delay); the flusher and
// pagers hold the rest of their own Config structs.
type Config struct {
	MaxVBuckets  hashtable.VBNo
	HTSize       int
	HTLocks      int
	MaxSize      int64
	BGFetchDelay time.Duration
}

// PagerConfig bundles the three periodic pager tasks' own Config
// structs (§4.7): they run at different intervals (pager_interval vs
// exp_pager_stime vs chk_remover_stime, §6.2) so each gets its own.
type PagerConfig struct {
	Item       pager.Config
	Expiry     pager.Config
	Checkpoint pager.Config
}

// Store is the EP store façade (§4.4).
type Store struct {
	log   log.Logger
	cfg   Config
	clock func() int64

	vbmap *vbucket.Map
	table *hashtable.Table
	pool  *valuepool.ValuePool
	st    *stats.Stats
	be    backend.Backend

	fl          *flusher.Flusher
	fetcher     *bgfetch.Fetcher
	vkeyFetcher *bgfetch.VKeyStatFetcher
	bgFQ        *bgqueue.Counter
	pagerCfg    PagerConfig

	itemPager  *pager.ItemPager
	expPager   *pager.ExpiryPager
	chkRemover *pager.CheckpointRemover

	ioDisp    *dispatcher.Dispatcher
	nonIODisp *dispatcher.Dispatcher

	bgNotify func(cookie vbucket.Cookie, st status.BackendGet)
}

// OnBGFetch registers the hook NotifyBGFetch calls once a background
// fetch completes (§4.4 step 4, "notify the client cookie with the
// load status"). Callers that never park a cookie (Warmup-driven
// fetches, tests) may leave this unset.
func (s *Store) OnBGFetch(notify func(cookie vbucket.Cookie, st status.BackendGet)) {
	s.bgNotify = notify
}

// New wires every subsystem together but does not start the
// dispatchers; call Start.
func New(l log.Logger, cfg Config, be backend.Backend, clock func() int64, flusherCfg flusher.Config, pagerCfg PagerConfig) *Store {
	st := stats.New()
	pool := valuepool.NewPool()
	table := hashtable.New(cfg.HTSize, cfg.HTLocks, cfg.MaxSize, clock, hashtable.WithStats(st))
	vbmap := vbucket.NewMap(cfg.MaxVBuckets)
	bgFQ := &bgqueue.Counter{}

	fl := flusher.New(l, table, vbmap, be, st, clock, flusherCfg, bgFQ)

	s := &Store{
		log:        l,
		cfg:        cfg,
		clock:      clock,
		vbmap:      vbmap,
		table:      table,
		pool:       pool,
		st:         st,
		be:         be,
		fl:         fl,
		bgFQ:       bgFQ,
		pagerCfg:   pagerCfg,
		itemPager:  pager.NewItemPager(l, table, vbmap, st, clock, pagerCfg.Item),
		expPager:   pager.NewExpiryPager(l, table, vbmap, fl.Towrite(), clock, pagerCfg.Expiry),
		chkRemover: pager.NewCheckpointRemover(l, pagerCfg.Checkpoint),
		ioDisp:     dispatcher.New(l),
		nonIODisp:  dispatcher.New(l),
	}
	s.fetcher = bgfetch.New(l, table, vbmap, be, st, pool, bgFQ, s)
	s.vkeyFetcher = bgfetch.NewVKeyStatFetcher(l, be, st, bgFQ)
	return s
}

// Start launches both dispatchers and schedules the flusher as a
// recurring I/O-dispatcher task (§5 "I/O dispatcher thread ... runs
// flusher, BG fetches, vbucket persistence, and vbucket deletion"),
// plus the three pagers as recurring non-I/O-dispatcher tasks (§4.1
// priority 7, §4.7, §2 "Pagers & periodic tasks ... all scheduled
// through the dispatcher").
func (s *Store) Start() {
	s.ioDisp.Start()
	s.nonIODisp.Start()
	s.ioDisp.Schedule("flusher", s.fl.Activate, nil, dispatcher.PriorityFlusher, 0, false)
	s.nonIODisp.Schedule("item-pager", s.itemPager.Activate, nil, dispatcher.PriorityPager, 0, true)
	s.nonIODisp.Schedule("expiry-pager", s.expPager.Activate, nil, dispatcher.PriorityPager, 0, true)
	s.nonIODisp.Schedule("checkpoint-remover", s.chkRemover.Activate, nil, dispatcher.PriorityPager, 0, true)
}

// Stop requests the flusher drain and stops both dispatchers. Non-
// daemon tasks (vbucket deletions, in-flight BG fetches) are allowed
// to finish first.
func (s *Store) Stop() {
	s.fl.Stop()
	s.ioDisp.Stop()
	s.nonIODisp.Stop()
}

func (s *Store) Stats() *stats.Stats     { return s.st }
func (s *Store) Table() *hashtable.Table { return s.table }
func (s *Store) VBuckets() *vbucket.Map  { return s.vbmap }

// admit resolves a vbucket by id and checks it against op (§4.3). force
// only matters for AdmitForceOnly (a set against a replica vbucket);
// every other op ignores it. admit returns ok=false with the status
// the caller should return to the client immediately (including
// EWouldBlock after parking cookie on a pending vbucket).
func (s *Store) admit(vb hashtable.VBNo, op vbucket.Op, cookie vbucket.Cookie, force bool) (*vbucket.VBucket, status.EngineStatus, bool) {
	if !s.vbmap.Valid(vb) {
		s.st.NumNotMyVBucket.Inc(1)
		return nil, status.NotMyVBucket, false
	}
	v := s.vbmap.Get(vb)
	if v == nil {
		s.st.NumNotMyVBucket.Inc(1)
		return nil, status.NotMyVBucket, false
	}

	switch v.Admit(op) {
	case vbucket.AdmitOK:
		return v, status.Success, true
	case vbucket.AdmitForceOnly:
		if !force {
			return nil, status.NotMyVBucket, false
		}
		return v, status.Success, true
	case vbucket.AdmitPark:
		v.Park(cookie)
		return nil, status.EWouldBlock, false
	case vbucket.AdmitRejectNotMyVBucket:
		s.st.NumNotMyVBucket.Inc(1)
		return nil, status.NotMyVBucket, false
	default: // AdmitReject
		return nil, status.NotStored, false
	}
}

// Get implements the client get path (§2 "Data flow", §4.4).
func (s *Store) Get(vb hashtable.VBNo, key string, cookie vbucket.Cookie) (*hashtable.Item, status.EngineStatus) {
	_, st, ok := s.admit(vb, vbucket.OpGet, cookie, false)
	if !ok {
		return nil, st
	}

	bucketNum := s.table.Bucket(vb, key)
	lock := s.table.Lock(bucketNum)
	lock.Lock()
	sv, found := s.table.UnlockedFind(vb, key, bucketNum, false)
	if !found {
		lock.Unlock()
		return nil, status.KeyEnoent
	}
	if sv.Resident() {
		item := &hashtable.Item{
			Key:       sv.Key(),
			VBucketID: sv.VBucketID(),
			Value:     sv.Value(),
			Flags:     sv.Flags(),
			Expiry:    sv.Expiry(),
			Cas:       sv.Cas(),
		}
		lock.Unlock()
		return item, status.Success
	}

	rowID := sv.RowID()
	lock.Unlock()

	s.scheduleBGFetch(vb, key, rowID, cookie)
	return nil, status.EWouldBlock
}

func (s *Store) scheduleBGFetch(vb hashtable.VBNo, key string, rowID int64, cookie vbucket.Cookie) {
	req := bgfetch.Request{VBucketID: vb, Key: key, RowID: rowID, Cookie: cookie, Init: time.Now()}
	task := s.fetcher.Schedule(req)
	s.ioDisp.Schedule("bgfetch:"+key, task, cookie, dispatcher.PriorityBGFetcher, s.cfg.BGFetchDelay, false)
}

// VKeyStat runs a single-key verification read against the backend,
// bypassing the resident hash table entirely (a "vkey" stats probe,
// §4.1 priority 3). result is invoked on the I/O dispatcher once the
// backend replies; it never parks or wakes a client cookie.
func (s *Store) VKeyStat(vb hashtable.VBNo, key string, rowID int64, result func(backend.GetValue)) {
	req := bgfetch.VKeyStatRequest{VBucketID: vb, Key: key, RowID: rowID, Callback: result}
	task := s.vkeyFetcher.Schedule(req)
	s.ioDisp.Schedule("vkeystat:"+key, task, nil, dispatcher.PriorityVKeyStatBGFetcher, 0, false)
}

// Set implements the client set path.
func (s *Store) Set(vb hashtable.VBNo, key string, value []byte, flags uint32, expiry int64, cas uint64, force bool) status.EngineStatus {
	_, st, ok := s.admit(vb, vbucket.OpSet, nil, force)
	if !ok {
		return st
	}

	bucketNum := s.table.Bucket(vb, key)
	lock := s.table.Lock(bucketNum)
	lock.Lock()
	setStatus, _ := s.table.Set(hashtable.Item{
		Key: key, VBucketID: vb, Value: s.pool.WrapBytes(value), Flags: flags, Expiry: expiry, Cas: cas,
	}, force)
	lock.Unlock()

	switch setStatus {
	case status.SetWasClean:
		s.enqueue(vb, key, mutation.OpSet)
		return status.Success
	case status.SetWasDirty:
		return status.Success
	case status.SetNoMem:
		return status.ENoMem
	case status.SetIsLocked:
		return status.KeyEexists
	case status.SetInvalidCas, status.SetNotFound:
		return status.KeyEnoent
	default:
		return status.NotStored
	}
}

// Add implements the client add path.
func (s *Store) Add(vb hashtable.VBNo, key string, value []byte, flags uint32, expiry int64) status.EngineStatus {
	_, st, ok := s.admit(vb, vbucket.OpAdd, nil, false)
	if !ok {
		return st
	}

	bucketNum := s.table.Bucket(vb, key)
	lock := s.table.Lock(bucketNum)
	lock.Lock()
	addStatus, _ := s.table.Add(hashtable.Item{
		Key: key, VBucketID: vb, Value: s.pool.WrapBytes(value), Flags: flags, Expiry: expiry,
	}, true, true)
	lock.Unlock()

	switch addStatus {
	case status.AddSuccess, status.AddUndel:
		s.enqueue(vb, key, mutation.OpSet)
		return status.Success
	case status.AddExists:
		return status.KeyEexists
	default:
		return status.ENoMem
	}
}

// Del implements the client delete path.
func (s *Store) Del(vb hashtable.VBNo, key string) status.EngineStatus {
	_, st, ok := s.admit(vb, vbucket.OpDel, nil, false)
	if !ok {
		return st
	}

	bucketNum := s.table.Bucket(vb, key)
	lock := s.table.Lock(bucketNum)
	lock.Lock()
	delStatus, _ := s.table.UnlockedSoftDelete(vb, key, bucketNum)
	lock.Unlock()

	switch delStatus {
	case status.DeleteNotFound:
		return status.KeyEnoent
	default:
		s.enqueue(vb, key, mutation.OpDel)
		return status.Success
	}
}

func (s *Store) enqueue(vb hashtable.VBNo, key string, op mutation.Op) {
	s.fl.Towrite().PushBack(&mutation.QueuedItem{VBucketID: vb, Key: key, Op: op, Queued: s.clock()})
	s.st.TotalEnqueued.Inc(1)
}

// SetVBState sets a vbucket's state and, on leaving pending, notifies
// parked cookies through the non-I/O dispatcher (§4.3, §5).
func (s *Store) SetVBState(vb hashtable.VBNo, newState vbucket.State, notify func(vbucket.Cookie)) {
	v := s.vbmap.GetOrCreate(vb, newState)
	drained := v.SetState(newState)
	s.ioDisp.Schedule("persist-vbstate", func() (bool, time.Duration) {
		s.be.SetVBState(vb, stateName(newState))
		return false, 0
	}, nil, dispatcher.PriorityVBucketPersist, 0, false)

	if notify == nil || len(drained) == 0 {
		return
	}
	for _, c := range drained {
		cookie := c
		s.nonIODisp.Schedule("notify-cookie", func() (bool, time.Duration) {
			notify(cookie)
			return false, 0
		}, cookie, dispatcher.PriorityNotifyVBStateChange, 0, false)
	}
}

func stateName(s vbucket.State) string {
	return s.String()
}

// DeleteVBucket implements §4.6: mark deletion-in-progress and retry
// backend.DelVBucket every 10 seconds until it succeeds; the vbucket is
// removed from the map only once that call has succeeded.
func (s *Store) DeleteVBucket(vb hashtable.VBNo) {
	owned := s.vbmap.BeginDeletion(vb)
	if owned == nil {
		return
	}
	var attempt func() (bool, time.Duration)
	attempt = func() (bool, time.Duration) {
		if !s.be.DelVBucket(vb) {
			return true, 10 * time.Second
		}
		s.vbmap.CompleteDeletion(owned)
		s.st.VBucketsDeleted.Inc(1)
		return false, 0
	}
	s.ioDisp.Schedule("delete-vbucket", attempt, nil, dispatcher.PriorityVBucketDeletion, 0, false)
}

// NotifyBGFetch implements bgfetch.Notifier (§4.4 step 4): deliver the
// backend load status to the parked client cookie through the non-I/O
// dispatcher (§5 "non-I/O dispatcher ... cookie notification").
func (s *Store) NotifyBGFetch(cookie vbucket.Cookie, vb hashtable.VBNo, key string, bst status.BackendGet) {
	_ = vb
	_ = key
	if cookie == nil || s.bgNotify == nil {
		return
	}
	s.nonIODisp.Schedule("notify-bgfetch", func() (bool, time.Duration) {
		s.bgNotify(cookie, bst)
		return false, 0
	}, cookie, dispatcher.PriorityNotifyVBStateChange, 0, false)
}

// Warmup replays every persisted record into the hash table (§4.4
// GLOSSARY "Warmup"), applying the one-shot emergency-purge-on-NOMEM
// rule from §7 ("a second NOMEM becomes a logged warning and the item
// is dropped").
func (s *Store) Warmup() error {
	purged := false
	return s.be.Dump(func(item backend.Item) bool {
		bucketNum := s.table.Bucket(item.VBucketID, item.Key)
		lock := s.table.Lock(bucketNum)
		lock.Lock()
		htItem := hashtable.Item{
			Key: item.Key, VBucketID: item.VBucketID, Flags: item.Flags,
			Expiry: item.Expiry, Cas: item.Cas,
		}
		if item.Value != nil {
			htItem.Value = s.pool.WrapBytes(item.Value)
		}
		addStatus, sv := s.table.Add(htItem, false, true)
		if addStatus == status.AddSuccess {
			sv.SetRowID(item.RowID)
			lock.Unlock()
			s.st.WarmedUp.Inc(1)
			return true
		}
		lock.Unlock()

		if addStatus == status.AddExists {
			s.st.WarmDups.Inc(1)
			return true
		}

		// AddNoMem: one-shot emergency purge and retry, then drop on a
		// second NOMEM.
		if !purged {
			purged = true
			s.pager().Activate()
			lock.Lock()
			addStatus, sv = s.table.Add(htItem, false, true)
			if addStatus == status.AddSuccess {
				sv.SetRowID(item.RowID)
			}
			lock.Unlock()
			if addStatus == status.AddSuccess {
				s.st.WarmedUp.Inc(1)
				return true
			}
		}
		s.log.Warnf("epstore: warmup dropped %v/%q after emergency purge (OOM)", item.VBucketID, item.Key)
		s.st.WarmOOM.Inc(1)
		return true
	})
}

func (s *Store) pager() *pager.ItemPager {
	return pager.NewItemPager(s.log, s.table, s.vbmap, s.st, s.clock, pager.Config{
		MemHighWat: 0, MemLowWat: s.cfg.MaxSize / 2, ActiveVBPercent: 100, Interval: time.Second,
	})
}
