package epstore_test

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/skipor/epcore/backend"
	"github.com/skipor/epcore/backend/boltstore"
	"github.com/skipor/epcore/epstore"
	"github.com/skipor/epcore/flusher"
	"github.com/skipor/epcore/log"
	"github.com/skipor/epcore/pager"
	"github.com/skipor/epcore/status"
	"github.com/skipor/epcore/vbucket"
)

func newVirtualClock(start int64) func() int64 {
	var now int64 = start
	return func() int64 { return atomic.LoadInt64(&now) }
}

func newTestStore() (*boltstore.Store, func()) {
	dir, err := os.MkdirTemp("", "epcore_epstore_test")
	Expect(err).To(BeNil())
	path := filepath.Join(dir, "store.db")
	s, err := boltstore.Open(path, log.NewLogger(log.FatalLevel+1, io.Discard))
	Expect(err).To(BeNil())
	return s, func() { s.Close(); os.RemoveAll(dir) }
}

var _ = Describe("Store", func() {
	var (
		clock   func() int64
		be      *boltstore.Store
		cleanup func()
		store   *epstore.Store
	)

	BeforeEach(func() {
		clock = newVirtualClock(1000)
		be, cleanup = newTestStore()

		cfg := epstore.Config{MaxVBuckets: 8, HTSize: 64, HTLocks: 8, MaxSize: 0}
		fcfg := flusher.DefaultConfig()
		fcfg.FlushSleep = time.Millisecond
		fcfg.CommitRetry = time.Millisecond
		pcfg := epstore.PagerConfig{
			Item:       pager.Config{MemHighWat: 1 << 30, MemLowWat: 1 << 30, ActiveVBPercent: 100, Interval: time.Hour},
			Expiry:     pager.Config{Interval: time.Hour},
			Checkpoint: pager.Config{Interval: time.Hour},
		}
		store = epstore.New(log.NewLogger(log.FatalLevel+1, io.Discard), cfg, be, clock, fcfg, pcfg)
		store.VBuckets().GetOrCreate(0, vbucket.Active)
		store.Start()
	})

	AfterEach(func() {
		store.Stop()
		cleanup()
	})

	It("rejects a get against an unknown vbucket with NOT_MY_VBUCKET", func() {
		_, st := store.Get(99, "k", nil)
		Expect(st).To(Equal(status.NotMyVBucket))
	})

	It("round-trips a set then get without touching the backend (S3, resident path)", func() {
		st := store.Set(0, "k1", []byte("v1"), 0, 0, 0, false)
		Expect(st).To(Equal(status.Success))

		item, st := store.Get(0, "k1", nil)
		Expect(st).To(Equal(status.Success))
		Expect(item).NotTo(BeNil())

		var buf [2]byte
		r := item.Value.NewReader()
		defer r.Close()
		n, _ := r.Read(buf[:])
		Expect(n).To(Equal(2))
		Expect(string(buf[:])).To(Equal("v1"))
	})

	It("returns KEY_EEXISTS on add of an existing key", func() {
		Expect(store.Add(0, "k2", []byte("v"), 0, 0)).To(Equal(status.Success))
		Expect(store.Add(0, "k2", []byte("v"), 0, 0)).To(Equal(status.KeyEexists))
	})

	It("returns KEY_ENOENT deleting a key that was never set", func() {
		Expect(store.Del(0, "missing")).To(Equal(status.KeyEnoent))
	})

	It("rejects an unforced set against a replica vbucket (§4.3 admission table)", func() {
		store.VBuckets().GetOrCreate(1, vbucket.Replica)
		st := store.Set(1, "k", []byte("v"), 0, 0, 0, false)
		Expect(st).To(Equal(status.NotMyVBucket))
	})

	It("admits a forced set against a replica vbucket", func() {
		store.VBuckets().GetOrCreate(2, vbucket.Replica)
		st := store.Set(2, "k", []byte("v"), 0, 0, 0, true)
		Expect(st).To(Equal(status.Success))
	})

	It("parks a get against a pending vbucket and returns EWOULDBLOCK (S4)", func() {
		store.VBuckets().GetOrCreate(3, vbucket.Pending)
		cookie := &struct{}{}
		_, st := store.Get(3, "k", cookie)
		Expect(st).To(Equal(status.EWouldBlock))
	})

	It("drains parked cookies through the non-I/O dispatcher once a pending vbucket goes active (S4)", func() {
		store.VBuckets().GetOrCreate(4, vbucket.Pending)
		cookie := &struct{}{}
		_, st := store.Get(4, "k", cookie)
		Expect(st).To(Equal(status.EWouldBlock))

		notified := make(chan interface{}, 1)
		store.SetVBState(4, vbucket.Active, func(c vbucket.Cookie) {
			notified <- c
		})

		Eventually(notified, time.Second).Should(Receive(Equal(cookie)))
	})

	It("runs the vbucket deletion task end to end (§4.6)", func() {
		// Enqueue and drain the set before deletion starts, so the
		// backend genuinely holds "k3" to demonstrate DelVBucket erases
		// it and the vbucket is retired from the map afterwards.
		Expect(store.Set(0, "k3", []byte("v"), 0, 0, 0, false)).To(Equal(status.Success))

		Eventually(func() status.BackendGet {
			var gv backend.GetValue
			be.Get(0, "k3", -1, func(v backend.GetValue) { gv = v })
			return gv.Status
		}, time.Second).Should(Equal(status.BackendSuccess))

		store.DeleteVBucket(0)

		Eventually(func() status.BackendGet {
			var gv backend.GetValue
			be.Get(0, "k3", -1, func(v backend.GetValue) { gv = v })
			return gv.Status
		}, time.Second).Should(Equal(status.BackendKeyEnoent))

		Expect(store.VBuckets().Get(0)).To(BeNil())
		Expect(store.Stats().VBucketsDeleted.Count()).To(Equal(int64(1)))
	})

	It("wakes a parked cookie once a background fetch completes (S3, non-resident path)", func() {
		Expect(store.Set(0, "k4", []byte("1"), 0, 0, 0, false)).To(Equal(status.Success))

		bucketNum := store.Table().Bucket(0, "k4")
		lock := store.Table().Lock(bucketNum)
		lock.Lock()
		sv, ok := store.Table().UnlockedFind(0, "k4", bucketNum, false)
		Expect(ok).To(BeTrue())

		// Wait for the flusher to assign a rowid, then evict the value so
		// the next get takes the background-fetch path.
		lock.Unlock()
		Eventually(func() int64 { lock.Lock(); defer lock.Unlock(); return sv.RowID() }, time.Second).Should(BeNumerically(">", 0))
		lock.Lock()
		store.Table().EjectValue(sv)
		lock.Unlock()

		notified := make(chan status.BackendGet, 1)
		store.OnBGFetch(func(cookie vbucket.Cookie, st status.BackendGet) {
			notified <- st
		})

		cookie := &struct{}{}
		_, st := store.Get(0, "k4", cookie)
		Expect(st).To(Equal(status.EWouldBlock))

		Eventually(notified, time.Second).Should(Receive(Equal(status.BackendSuccess)))

		item, st := store.Get(0, "k4", nil)
		Expect(st).To(Equal(status.Success))
		var buf [1]byte
		r := item.Value.NewReader()
		defer r.Close()
		r.Read(buf[:])
		Expect(string(buf[:])).To(Equal("1"))
	})

	It("answers a vkey stat probe without touching the resident table (§4.1 priority 3)", func() {
		Expect(store.Set(0, "k5", []byte("v"), 0, 0, 0, false)).To(Equal(status.Success))

		bucketNum := store.Table().Bucket(0, "k5")
		lock := store.Table().Lock(bucketNum)
		lock.Lock()
		sv, ok := store.Table().UnlockedFind(0, "k5", bucketNum, false)
		Expect(ok).To(BeTrue())
		lock.Unlock()

		Eventually(func() int64 { lock.Lock(); defer lock.Unlock(); return sv.RowID() }, time.Second).Should(BeNumerically(">", 0))

		lock.Lock()
		rowID := sv.RowID()
		lock.Unlock()

		result := make(chan backend.GetValue, 1)
		store.VKeyStat(0, "k5", rowID, func(gv backend.GetValue) { result <- gv })

		var gv backend.GetValue
		Eventually(result, time.Second).Should(Receive(&gv))
		Expect(gv.Status).To(Equal(status.BackendSuccess))

		lock.Lock()
		defer lock.Unlock()
		Expect(sv.Resident()).To(BeTrue()) // vkey probe never ejects/touches residency
	})
})
