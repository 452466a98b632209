package hashtable_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/skipor/epcore/hashtable"
	"github.com/skipor/epcore/status"
	"github.com/skipor/epcore/valuepool"
)

func fixedClock(t int64) func() int64 {
	return func() int64 { return t }
}

func valueOf(s string) *valuepool.Value {
	p := valuepool.NewPool()
	v, err := p.ReadValue(bytes.NewReader([]byte(s)), len(s))
	Expect(err).To(BeNil())
	return v
}

var _ = Describe("Table", func() {
	var table *hashtable.Table

	BeforeEach(func() {
		table = hashtable.New(16, 4, 0, fixedClock(100))
	})

	lockAndFind := func(vb hashtable.VBNo, key string) (*hashtable.StoredValue, bool) {
		b := table.Bucket(vb, key)
		table.Lock(b).Lock()
		defer table.Lock(b).Unlock()
		return table.UnlockedFind(vb, key, b, false)
	}

	It("WAS_CLEAN on first set, then WAS_DIRTY on a redundant set", func() {
		item := hashtable.Item{Key: "x", VBucketID: 0, Value: valueOf("1")}
		b := table.Bucket(item.VBucketID, item.Key)
		table.Lock(b).Lock()
		st, sv := table.Set(item, false)
		table.Lock(b).Unlock()
		Expect(st).To(Equal(status.SetWasClean))
		Expect(sv.Dirty()).To(BeTrue())

		item2 := hashtable.Item{Key: "x", VBucketID: 0, Value: valueOf("2")}
		table.Lock(b).Lock()
		st2, _ := table.Set(item2, false)
		table.Lock(b).Unlock()
		Expect(st2).To(Equal(status.SetWasDirty))
	})

	It("finds a set value (S1 invariant 1)", func() {
		item := hashtable.Item{Key: "x", VBucketID: 0, Value: valueOf("1")}
		b := table.Bucket(item.VBucketID, item.Key)
		table.Lock(b).Lock()
		table.Set(item, false)
		table.Lock(b).Unlock()

		sv, ok := lockAndFind(0, "x")
		Expect(ok).To(BeTrue())
		Expect(sv.Resident()).To(BeTrue())
	})

	It("returns NOMEM when the memory ceiling would be exceeded", func() {
		small := hashtable.New(16, 4, 8, fixedClock(100))
		item := hashtable.Item{Key: "x", VBucketID: 0, Value: valueOf("this value is definitely too large")}
		b := small.Bucket(item.VBucketID, item.Key)
		small.Lock(b).Lock()
		st, _ := small.Set(item, false)
		small.Lock(b).Unlock()
		Expect(st).To(Equal(status.SetNoMem))
	})

	It("bypasses the ceiling when force is set", func() {
		small := hashtable.New(16, 4, 8, fixedClock(100))
		item := hashtable.Item{Key: "x", VBucketID: 0, Value: valueOf("this value is definitely too large")}
		b := small.Bucket(item.VBucketID, item.Key)
		small.Lock(b).Lock()
		st, _ := small.Set(item, true)
		small.Lock(b).Unlock()
		Expect(st).To(Equal(status.SetWasClean))
	})

	Describe("Add", func() {
		It("ADD_SUCCESS then ADD_EXISTS", func() {
			item := hashtable.Item{Key: "y", VBucketID: 0, Value: valueOf("v")}
			b := table.Bucket(item.VBucketID, item.Key)
			table.Lock(b).Lock()
			st1, _ := table.Add(item, true, true)
			table.Lock(b).Unlock()
			Expect(st1).To(Equal(status.AddSuccess))

			table.Lock(b).Lock()
			st2, _ := table.Add(item, true, true)
			table.Lock(b).Unlock()
			Expect(st2).To(Equal(status.AddExists))
		})

		It("ADD_UNDEL reuses a soft-deleted record", func() {
			item := hashtable.Item{Key: "z", VBucketID: 0, Value: valueOf("v")}
			b := table.Bucket(item.VBucketID, item.Key)
			table.Lock(b).Lock()
			table.Add(item, true, true)
			table.UnlockedSoftDelete(item.VBucketID, item.Key, b)
			table.Lock(b).Unlock()

			table.Lock(b).Lock()
			st, sv := table.Add(item, true, true)
			table.Lock(b).Unlock()
			Expect(st).To(Equal(status.AddUndel))
			Expect(sv.Deleted()).To(BeFalse())
		})
	})

	Describe("soft delete and physical delete (invariant 6)", func() {
		It("only permits unlocked_del once the record is deleted and clean", func() {
			item := hashtable.Item{Key: "k", VBucketID: 0, Value: valueOf("v")}
			b := table.Bucket(item.VBucketID, item.Key)
			table.Lock(b).Lock()
			table.Set(item, false)
			dst, _ := table.UnlockedSoftDelete(item.VBucketID, item.Key, b)
			Expect(dst).To(Equal(status.DeleteWasDirty))
			ok := table.UnlockedDel(item.VBucketID, item.Key, b)
			table.Lock(b).Unlock()
			Expect(ok).To(BeFalse(), "still dirty, must not physically remove")
		})

		It("removes a deleted, clean record exactly once", func() {
			item := hashtable.Item{Key: "k2", VBucketID: 0, Value: valueOf("v")}
			b := table.Bucket(item.VBucketID, item.Key)
			table.Lock(b).Lock()
			table.Set(item, false)
			table.Lock(b).Unlock()

			table.Lock(b).Lock()
			table.UnlockedSoftDelete(item.VBucketID, item.Key, b)
			// simulate flush having cleared dirty
			foundSv, _ := table.UnlockedFind(item.VBucketID, item.Key, b, true)
			foundSv.MarkClean()
			first := table.UnlockedDel(item.VBucketID, item.Key, b)
			second := table.UnlockedDel(item.VBucketID, item.Key, b)
			table.Lock(b).Unlock()

			Expect(first).To(BeTrue())
			Expect(second).To(BeFalse())
		})
	})
})
