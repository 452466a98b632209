package vbucket_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/skipor/epcore/vbucket"
)

var _ = Describe("VBucket", func() {
	It("parks a cookie exactly once (S4)", func() {
		vb := vbucket.New(5, vbucket.Pending)
		Expect(vb.Admit(vbucket.OpGet)).To(Equal(vbucket.AdmitPark))

		Expect(vb.Park("C")).To(Equal(vbucket.Parked))
		Expect(vb.Park("C")).To(Equal(vbucket.AlreadyParked))

		drained := vb.SetState(vbucket.Active)
		Expect(drained).To(ConsistOf(vbucket.Cookie("C")))
	})

	It("does not drain cookies when staying pending", func() {
		vb := vbucket.New(1, vbucket.Pending)
		vb.Park("C")
		drained := vb.SetState(vbucket.Pending)
		Expect(drained).To(BeEmpty())
	})

	It("rejects replica sets without force (admission table)", func() {
		vb := vbucket.New(2, vbucket.Replica)
		Expect(vb.Admit(vbucket.OpSet)).To(Equal(vbucket.AdmitForceOnly))
		Expect(vb.Admit(vbucket.OpGet)).To(Equal(vbucket.AdmitReject))
	})

	It("rejects everything as NOT_MY_VBUCKET when dead", func() {
		vb := vbucket.New(3, vbucket.Dead)
		Expect(vb.Admit(vbucket.OpSet)).To(Equal(vbucket.AdmitRejectNotMyVBucket))
	})
})

var _ = Describe("Map", func() {
	It("rejects all but vbucket 0 when max_vbuckets=1 (boundary behavior)", func() {
		m := vbucket.NewMap(1)
		Expect(m.Valid(0)).To(BeTrue())
		Expect(m.Valid(1)).To(BeFalse())
	})

	It("keeps the vbucket reachable while deletion is in progress, then removes it (§4.6)", func() {
		m := vbucket.NewMap(16)
		m.GetOrCreate(7, vbucket.Active)
		vb := m.BeginDeletion(7)
		Expect(vb).NotTo(BeNil())
		Expect(vb.DeletionInProgress()).To(BeTrue())
		// Still reachable: the flusher consults Get+DeletionInProgress to
		// suppress writes for a vbucket mid-deletion (S5).
		Expect(m.Get(7)).To(BeIdenticalTo(vb))

		m.CompleteDeletion(vb)
		Expect(vb.DeletionInProgress()).To(BeFalse())
		Expect(m.Get(7)).To(BeNil())
	})
})
