package valuepool_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/skipor/epcore/testutil"
	"github.com/skipor/epcore/valuepool"
)

var _ = Describe("ValuePool", func() {
	Describe("NewPoolSizes", func() {
		It("uses defaults when nil", func() {
			p := valuepool.NewPoolSizes(nil)
			Expect(p.MinChunkSize()).To(Equal(valuepool.DefaultChunkSizes[0]))
			Expect(p.MaxChunkSize()).To(Equal(valuepool.DefaultChunkSizes[len(valuepool.DefaultChunkSizes)-1]))
		})

		It("panics on unsorted sizes", func() {
			Expect(func() {
				valuepool.NewPoolSizes([]int{1 << 10, 1 << 8})
			}).To(Panic())
		})

		It("panics on non-positive size", func() {
			Expect(func() {
				valuepool.NewPoolSizes([]int{0})
			}).To(Panic())
		})
	})

	Describe("ReadValue and WriteTo round trip", func() {
		It("returns exactly the bytes written", func() {
			p := valuepool.NewPool()
			src := make([]byte, 3*p.MaxChunkSize()+17)
			_, err := testutil.FastRand.Read(src)
			Expect(err).To(BeNil())

			v, err := p.ReadValue(bytes.NewReader(src), len(src))
			Expect(err).To(BeNil())

			var buf bytes.Buffer
			_, err = v.WriteTo(&buf)
			Expect(err).To(BeNil())
			testutil.ExpectBytesEqual(buf.Bytes(), src)
			v.Recycle()
		})
	})

	Describe("reference counting", func() {
		It("recycles only after every reader closes", func() {
			p := valuepool.NewPool()
			v, err := p.ReadValue(bytes.NewReader([]byte("hello")), 5)
			Expect(err).To(BeNil())

			r1 := v.NewReader()
			r2 := v.NewReader()
			v.Recycle()

			Expect(func() { v.NewReader() }).To(Panic())

			Expect(r1.Close()).To(BeNil())
			Expect(r2.Close()).To(BeNil())
		})

		It("panics on double Recycle", func() {
			p := valuepool.NewPool()
			v, _ := p.ReadValue(bytes.NewReader([]byte("x")), 1)
			v.Recycle()
			Expect(func() { v.Recycle() }).To(Panic())
		})
	})
})
