// Package mocks holds a testify/mock stand-in for backend.Backend,
// for test scenarios a real backend makes awkward to produce (a
// specific BackendGet status, a Get that never completes). Grounded
// on Skipor-memcached/recycle/internal_test.go's use of a hand-rolled
// mocks.Reader alongside testify/mock.
package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/skipor/epcore/backend"
	"github.com/skipor/epcore/hashtable"
)

// Backend is a mock.Mock-backed backend.Backend. Callers that don't
// need Set/Del/Commit callback behaviour can leave those unset; the
// zero mock.Mock panics loudly on an unexpected call, which is the
// point.
type Backend struct {
	mock.Mock
}

var _ backend.Backend = (*Backend)(nil)

func (m *Backend) Begin() error {
	args := m.Called()
	return args.Error(0)
}

func (m *Backend) Commit() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *Backend) Set(item backend.Item, cb backend.SetCallback) {
	m.Called(item, cb)
}

func (m *Backend) Del(vb hashtable.VBNo, key string, rowID int64, cb backend.DelCallback) {
	m.Called(vb, key, rowID, cb)
}

func (m *Backend) Get(vb hashtable.VBNo, key string, rowID int64, cb backend.GetCallback) {
	args := m.Called(vb, key, rowID, cb)
	if gv, ok := args.Get(0).(backend.GetValue); ok {
		cb(gv)
	}
}

func (m *Backend) DelVBucket(vb hashtable.VBNo) bool {
	args := m.Called(vb)
	return args.Bool(0)
}

func (m *Backend) SetVBState(vb hashtable.VBNo, state string) bool {
	args := m.Called(vb, state)
	return args.Bool(0)
}

func (m *Backend) Reset() {
	m.Called()
}

func (m *Backend) Dump(cb backend.LoadCallback) error {
	args := m.Called(cb)
	return args.Error(0)
}

func (m *Backend) Close() error {
	args := m.Called()
	return args.Error(0)
}
