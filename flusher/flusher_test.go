package flusher_test

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/skipor/epcore/backend/boltstore"
	"github.com/skipor/epcore/bgqueue"
	"github.com/skipor/epcore/flusher"
	"github.com/skipor/epcore/hashtable"
	"github.com/skipor/epcore/log"
	"github.com/skipor/epcore/mutation"
	"github.com/skipor/epcore/stats"
	"github.com/skipor/epcore/valuepool"
	"github.com/skipor/epcore/vbucket"
)

func newVirtualClock(start int64) (clock func() int64, set func(int64)) {
	var now int64 = start
	return func() int64 { return atomic.LoadInt64(&now) },
		func(v int64) { atomic.StoreInt64(&now, v) }
}

func newTestStore() (*boltstore.Store, func()) {
	dir, err := os.MkdirTemp("", "epcore_flusher_test")
	Expect(err).To(BeNil())
	path := filepath.Join(dir, "store.db")
	s, err := boltstore.Open(path, log.NewLogger(log.FatalLevel+1, io.Discard))
	Expect(err).To(BeNil())
	return s, func() { s.Close(); os.RemoveAll(dir) }
}

var _ = Describe("Flusher", func() {
	var (
		clock      func() int64
		table      *hashtable.Table
		vbmap      *vbucket.Map
		st         *stats.Stats
		bgFQ       *bgqueue.Counter
		be         *boltstore.Store
		cleanup    func()
		fl         *flusher.Flusher
		pool       *valuepool.ValuePool
		testLogger = log.NewLogger(log.FatalLevel+1, io.Discard)
	)

	BeforeEach(func() {
		clock, _ = newVirtualClock(1000)
		st = stats.New()
		table = hashtable.New(16, 4, 0, clock, hashtable.WithStats(st))
		vbmap = vbucket.NewMap(8)
		bgFQ = &bgqueue.Counter{}
		be, cleanup = newTestStore()
		pool = valuepool.NewPool()

		cfg := flusher.DefaultConfig()
		cfg.FlushSleep = time.Millisecond
		cfg.CommitRetry = time.Millisecond
		fl = flusher.New(testLogger, table, vbmap, be, st, clock, cfg, bgFQ)
	})

	AfterEach(func() {
		cleanup()
	})

	It("persists a queued set and assigns a rowid (S6 happy path)", func() {
		vbmap.GetOrCreate(0, vbucket.Active)
		bucketNum := table.Bucket(0, "k1")
		lock := table.Lock(bucketNum)
		lock.Lock()
		_, sv := table.Set(hashtable.Item{Key: "k1", VBucketID: 0, Value: pool.WrapBytes([]byte("v1"))}, false)
		lock.Unlock()
		Expect(sv).NotTo(BeNil())

		fl.Towrite().PushBack(&mutation.QueuedItem{VBucketID: 0, Key: "k1", Op: mutation.OpSet, Queued: clock()})

		reschedule, _ := fl.Activate()
		Expect(reschedule).To(BeTrue())

		Eventually(func() int64 {
			lock.Lock()
			defer lock.Unlock()
			sv, _ := table.UnlockedFind(0, "k1", bucketNum, true)
			return sv.RowID()
		}, time.Second).Should(BeNumerically(">", 0))
	})

	It("retries the whole batch on commit failure without losing items (S6)", func() {
		be.FailNextCommits(1)
		vbmap.GetOrCreate(0, vbucket.Active)

		const n = 10
		for i := 0; i < n; i++ {
			key := string(rune('a' + i))
			bucketNum := table.Bucket(0, key)
			lock := table.Lock(bucketNum)
			lock.Lock()
			table.Set(hashtable.Item{Key: key, VBucketID: 0, Value: pool.WrapBytes([]byte("v"))}, false)
			lock.Unlock()
			fl.Towrite().PushBack(&mutation.QueuedItem{VBucketID: 0, Key: key, Op: mutation.OpSet, Queued: clock()})
		}

		// flushSome retries the commit in-place (§4.5: never abandon a
		// batch), so one activation both sees the failure and, once the
		// injected failure is exhausted, the eventual success.
		fl.Activate()
		Expect(st.CommitFailed.Count()).To(Equal(int64(1)))
		Expect(st.FlusherCommits.Count()).To(Equal(int64(1)))
		for i := 0; i < n; i++ {
			key := string(rune('a' + i))
			bucketNum := table.Bucket(0, key)
			lock := table.Lock(bucketNum)
			lock.Lock()
			sv, ok := table.UnlockedFind(0, key, bucketNum, true)
			lock.Unlock()
			Expect(ok).To(BeTrue())
			Expect(sv.RowID()).To(BeNumerically(">", 0))
		}
	})

	It("does not persist writes for a vbucket mid-deletion (S5)", func() {
		vb := vbmap.GetOrCreate(1, vbucket.Active)
		bucketNum := table.Bucket(1, "k")
		lock := table.Lock(bucketNum)
		lock.Lock()
		table.Set(hashtable.Item{Key: "k", VBucketID: 1, Value: pool.WrapBytes([]byte("v"))}, false)
		lock.Unlock()
		fl.Towrite().PushBack(&mutation.QueuedItem{VBucketID: 1, Key: "k", Op: mutation.OpSet, Queued: clock()})

		vbmap.BeginDeletion(1)
		_ = vb

		fl.Activate()

		lock.Lock()
		sv, ok := table.UnlockedFind(1, "k", bucketNum, true)
		lock.Unlock()
		Expect(ok).To(BeTrue())
		Expect(sv.RowID()).To(Equal(int64(-1)))
	})

	It("honors pause: stops starting new batches until resumed", func() {
		fl.Pause()
		reschedule, delay := fl.Activate()
		Expect(reschedule).To(BeTrue())
		Expect(fl.State()).To(Equal(flusher.Paused))
		Expect(delay).To(BeNumerically(">", 0))

		fl.Resume()
		fl.Activate()
		Expect(fl.State()).To(Equal(flusher.Running))
	})

	It("transitions to Stopped once drained after Stop", func() {
		fl.Stop()
		reschedule, _ := fl.Activate()
		Expect(reschedule).To(BeFalse())
		Expect(fl.State()).To(Equal(flusher.Stopped))
	})
})
