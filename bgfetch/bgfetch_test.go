package bgfetch_test

import (
	"io"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stretchr/testify/mock"

	"github.com/skipor/epcore/backend"
	"github.com/skipor/epcore/backend/boltstore"
	backendmocks "github.com/skipor/epcore/backend/mocks"
	"github.com/skipor/epcore/bgfetch"
	"github.com/skipor/epcore/bgqueue"
	"github.com/skipor/epcore/hashtable"
	"github.com/skipor/epcore/log"
	"github.com/skipor/epcore/stats"
	"github.com/skipor/epcore/status"
	"github.com/skipor/epcore/valuepool"
	"github.com/skipor/epcore/vbucket"
)

type notification struct {
	cookie vbucket.Cookie
	vb     hashtable.VBNo
	key    string
	status status.BackendGet
}

type recordingNotifier struct {
	ch chan notification
}

func (n *recordingNotifier) NotifyBGFetch(cookie vbucket.Cookie, vb hashtable.VBNo, key string, st status.BackendGet) {
	n.ch <- notification{cookie: cookie, vb: vb, key: key, status: st}
}

var _ = Describe("Fetcher", func() {
	var (
		clock    func() int64
		table    *hashtable.Table
		vbmap    *vbucket.Map
		st       *stats.Stats
		bgFQ     *bgqueue.Counter
		be       *boltstore.Store
		pool     *valuepool.ValuePool
		dir      string
		notifier *recordingNotifier
		fetcher  *bgfetch.Fetcher
		testLg   = log.NewLogger(log.FatalLevel+1, io.Discard)
	)

	BeforeEach(func() {
		clock = func() int64 { return 1000 }
		st = stats.New()
		table = hashtable.New(16, 4, 0, clock, hashtable.WithStats(st))
		vbmap = vbucket.NewMap(8)
		bgFQ = &bgqueue.Counter{}
		pool = valuepool.NewPool()

		var err error
		dir, err = os.MkdirTemp("", "epcore_bgfetch_test")
		Expect(err).To(BeNil())
		be, err = boltstore.Open(filepath.Join(dir, "store.db"), testLg)
		Expect(err).To(BeNil())

		notifier = &recordingNotifier{ch: make(chan notification, 1)}
		fetcher = bgfetch.New(testLg, table, vbmap, be, st, pool, bgFQ, notifier)
	})

	AfterEach(func() {
		be.Close()
		os.RemoveAll(dir)
	})

	It("installs a fetched value into a still-non-resident active record", func() {
		vbmap.GetOrCreate(0, vbucket.Active)

		Expect(be.Begin()).To(BeNil())
		var rowID int64
		be.Set(backend.Item{VBucketID: 0, Key: "k", Value: []byte("payload"), RowID: -1}, func(rows int, id int64) { rowID = id })
		Expect(be.Commit()).To(BeTrue())

		bucketNum := table.Bucket(0, "k")
		lock := table.Lock(bucketNum)
		lock.Lock()
		_, sv := table.Set(hashtable.Item{Key: "k", VBucketID: 0, Value: pool.WrapBytes([]byte("x"))}, false)
		table.EjectValue(sv)
		sv.SetRowID(rowID)
		lock.Unlock()
		Expect(sv.Resident()).To(BeFalse())

		task := fetcher.Schedule(bgfetch.Request{VBucketID: 0, Key: "k", RowID: rowID, Cookie: "cookie-1"})
		Expect(bgFQ.Load()).To(Equal(int64(1)))

		reschedule, _ := task()
		Expect(reschedule).To(BeFalse())
		Expect(bgFQ.Load()).To(Equal(int64(0)))

		lock.Lock()
		sv2, ok := table.UnlockedFind(0, "k", bucketNum, false)
		lock.Unlock()
		Expect(ok).To(BeTrue())
		Expect(sv2.Resident()).To(BeTrue())

		var got notification
		Eventually(notifier.ch).Should(Receive(&got))
		Expect(got.status).To(Equal(status.BackendSuccess))
		Expect(got.cookie).To(Equal(vbucket.Cookie("cookie-1")))
	})

	It("discards the fetched value when the vbucket is no longer active", func() {
		vbmap.GetOrCreate(1, vbucket.Active)

		Expect(be.Begin()).To(BeNil())
		var rowID int64
		be.Set(backend.Item{VBucketID: 1, Key: "k", Value: []byte("payload"), RowID: -1}, func(rows int, id int64) { rowID = id })
		Expect(be.Commit()).To(BeTrue())

		bucketNum := table.Bucket(1, "k")
		lock := table.Lock(bucketNum)
		lock.Lock()
		_, sv := table.Set(hashtable.Item{Key: "k", VBucketID: 1, Value: pool.WrapBytes([]byte("x"))}, false)
		table.EjectValue(sv)
		sv.SetRowID(rowID)
		lock.Unlock()

		vbmap.GetOrCreate(1, vbucket.Active).SetState(vbucket.Dead)

		task := fetcher.Schedule(bgfetch.Request{VBucketID: 1, Key: "k", RowID: rowID, Cookie: "cookie-2"})
		task()

		lock.Lock()
		sv2, _ := table.UnlockedFind(1, "k", bucketNum, false)
		lock.Unlock()
		Expect(sv2.Resident()).To(BeFalse())
	})

	It("notifies a backend I/O failure without installing anything (mocked backend)", func() {
		mockBe := &backendmocks.Backend{}
		mockBe.On("Get", hashtable.VBNo(2), "k", int64(42), mock.Anything).
			Return(backend.GetValue{Status: status.BackendTmpFail})

		mockFetcher := bgfetch.New(testLg, table, vbmap, mockBe, st, pool, bgFQ, notifier)
		vbmap.GetOrCreate(2, vbucket.Active)

		task := mockFetcher.Schedule(bgfetch.Request{VBucketID: 2, Key: "k", RowID: 42, Cookie: "cookie-3"})
		task()

		var got notification
		Eventually(notifier.ch).Should(Receive(&got))
		Expect(got.status).To(Equal(status.BackendTmpFail))
		mockBe.AssertExpectations(GinkgoT())
	})
})
