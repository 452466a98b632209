package valuepool

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Value is a byte payload that may have multiple concurrent readers.
// It is returned to its pool once Recycle has been called and every
// outstanding ValueReader has been closed.
type Value struct {
	pool          *ValuePool
	recycleCalled int32 // atomic
	references    int32 // atomic
	chunks        [][]byte
	size          int
}

func newValue(p *ValuePool, chunks [][]byte) *Value {
	var size int
	for _, c := range chunks {
		size += len(c)
	}
	return &Value{
		pool:       p,
		references: 1,
		chunks:     chunks,
		size:       size,
	}
}

func (v *Value) Size() int { return v.size }

func (v *Value) NewReader() *ValueReader {
	if atomic.LoadInt32(&v.recycleCalled) == 1 {
		panic("valuepool: read access after Recycle")
	}
	atomic.AddInt32(&v.references, 1)
	return &ValueReader{value: v}
}

// Recycle marks the Value as no longer owned by the hash table. Its
// chunks return to the pool once the last reader closes.
func (v *Value) Recycle() {
	if !atomic.CompareAndSwapInt32(&v.recycleCalled, 0, 1) {
		panic("valuepool: second Recycle call")
	}
	v.decReference()
}

func (v *Value) WriteTo(w io.Writer) (nn int64, err error) {
	r := v.NewReader()
	nn, err = r.WriteTo(w)
	r.Close()
	return
}

func (v *Value) decReference() {
	left := atomic.AddInt32(&v.references, -1)
	if left == 0 {
		if atomic.LoadInt32(&v.recycleCalled) != 1 {
			panic("valuepool: no readers left but Recycle not called")
		}
		v.pool.recycleValue(v)
		v.pool = nil
		v.chunks = nil
	}
}

func (v *Value) isRecycled() bool {
	return v.pool == nil
}

func (v *Value) GoString() string {
	return fmt.Sprintf("{recycleCalled:%v, refs:%v, size:%v}",
		v.recycleCalled == 1, v.references, v.size)
}
