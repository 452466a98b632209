// Package valuepool provides recyclable, chunked, reference-counted
// byte storage for StoredValue payloads. Reusing chunks instead of
// letting every item value fall out of a fresh allocation keeps GC
// pressure bounded when the hash table holds millions of small items.
//
// Adapted from Skipor-memcached/recycle: same multi-chunk-size
// sync.Pool ladder and reference-counted recycle mechanics, renamed
// to the hashtable's vocabulary (Value instead of protocol-agnostic
// Data) since this module has no wire protocol of its own.
package valuepool

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"
)

const minDefChunkSize = 1 << 7
const maxDefChunkSize = 1 << 20

var DefaultChunkSizes = func() (sz []int) {
	for chSz := minDefChunkSize; chSz <= maxDefChunkSize; chSz *= 2 {
		sz = append(sz, chSz)
	}
	return
}()

// ValuePool hands out chunks for item values and recycles them once
// every ValueReader derived from a Value has been closed.
type ValuePool struct {
	leakCallback LeakCallback
	chunkSizes   []int
	chunkPools   []sync.Pool
}

func NewPool() *ValuePool {
	return NewPoolSizes(DefaultChunkSizes)
}

// NewPoolSizes creates a pool producing chunks of the given sizes.
// chunkSizes must be sorted ascending with no duplicates.
func NewPoolSizes(chunkSizes []int) *ValuePool {
	if chunkSizes == nil {
		chunkSizes = DefaultChunkSizes[:]
	}
	for i := 0; i < len(chunkSizes); i++ {
		size := chunkSizes[i]
		if size <= 0 {
			panic("non positive size")
		}
		if i != 0 && chunkSizes[i-1] >= size {
			panic("sizes unsorted or have duplicates")
		}
	}
	chunkPools := make([]sync.Pool, len(chunkSizes))
	for i := range chunkSizes {
		size := chunkSizes[i]
		chunkPools[i].New = func() interface{} {
			return make([]byte, size)
		}
	}
	return &ValuePool{
		chunkSizes: chunkSizes,
		chunkPools: chunkPools,
	}
}

// ReadValue reads exactly size bytes from r into pooled chunks.
func (p *ValuePool) ReadValue(r io.Reader, size int) (*Value, error) {
	chunksNum := 1
	if size > 0 {
		chunksNum = (size + p.MaxChunkSize() - 1) / p.MaxChunkSize()
	}
	chunks := make([][]byte, chunksNum)
	remaining := size
	for i := 0; i < chunksNum; i++ {
		chunks[i] = p.chunk(remaining)
		n, err := io.ReadFull(r, chunks[i])
		if err != nil {
			return nil, err
		}
		remaining -= n
	}

	v := newValue(p, chunks)
	if p.leakCallback != nil {
		runtime.SetFinalizer(v, checkLeakFinalizer(p.leakCallback))
	}
	return v, nil
}

// WrapBytes wraps an already in-memory slice as a single-chunk Value
// without touching the pool's sync.Pool ladder. Used when a backend
// load hands back bytes it already owns.
func (p *ValuePool) WrapBytes(b []byte) *Value {
	v := newValue(p, [][]byte{b})
	if p.leakCallback != nil {
		runtime.SetFinalizer(v, checkLeakFinalizer(p.leakCallback))
	}
	return v
}

type LeakCallback func(*Value)

// SetLeakCallback sets a callback invoked before GC of a Value that
// was never Recycle()d. Test/debug purpose only.
func (p *ValuePool) SetLeakCallback(cb LeakCallback) {
	p.leakCallback = cb
}

func NotifyOnLeak(leak chan<- *Value) LeakCallback {
	return func(v *Value) {
		select {
		case leak <- v:
		case <-time.After(5 * time.Second):
			panic("nobody is listening for leak notification")
		}
	}
}

var PanicOnLeak LeakCallback = func(v *Value) {
	panic(fmt.Sprintf("valuepool.Value leaked: %#v.", v))
}
var WarnOnLeak LeakCallback = func(v *Value) {
	println("WARN: valuepool.Value leaked.")
}

func (p *ValuePool) recycleValue(v *Value) {
	for _, ch := range v.chunks {
		p.recycleChunk(ch)
	}
}

// chunk returns a chunk sized exactly size, or p.MaxChunkSize() for
// larger remaining amounts.
func (p *ValuePool) chunk(size int) []byte {
	if p.isGCChunkSize(size) {
		// GC handles tiny, one-off allocations better than pooling would.
		return make([]byte, size)
	}
	var i int
	for i = range p.chunkSizes {
		if size <= p.chunkSizes[i] {
			return p.chunkPools[i].Get().([]byte)[0:size]
		}
	}
	return p.chunkPools[i].Get().([]byte)
}

func (p *ValuePool) recycleChunk(chunk []byte) {
	size := cap(chunk)
	if p.isGCChunkSize(size) {
		return
	}
	for i := range p.chunkSizes {
		if size == p.chunkSizes[i] {
			p.chunkPools[i].Put(chunk[:size])
			return
		}
	}
	// Chunk came from WrapBytes or a resize; nothing to return to the pool.
}

func (p *ValuePool) MinChunkSize() int {
	return p.chunkSizes[0]
}

func (p *ValuePool) MaxChunkSize() int {
	return p.chunkSizes[len(p.chunkSizes)-1]
}

func (p *ValuePool) isGCChunkSize(size int) bool {
	return size <= p.MinChunkSize()/2
}

func checkLeakFinalizer(cb LeakCallback) func(*Value) {
	return func(v *Value) {
		if !v.isRecycled() {
			cb(v)
		}
	}
}
