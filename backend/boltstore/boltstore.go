// Package boltstore is the reference backend.Backend implementation
// (§6.1) on top of go.etcd.io/bbolt: one data bucket and one state
// bucket per vbucket id, plus a small metadata bucket for the rowid
// sequence.
//
// Grounded on Skipor-memcached's aof package for "buffer writes, apply
// and retry atomically at commit" in spirit, and on
// fingon-go-tfhfs/storage/bolt/bolt.go for the bbolt access pattern
// (one bucket per logical namespace, Update/View closures).
package boltstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/facebookgo/stackerr"
	"go.etcd.io/bbolt"

	"github.com/skipor/epcore/backend"
	"github.com/skipor/epcore/hashtable"
	"github.com/skipor/epcore/log"
	"github.com/skipor/epcore/status"
)

var (
	metaBucket    = []byte("meta")
	stateKeyInBkt = []byte("state")
	seqKey        = []byte("rowid_seq")
)

func vbBucketName(vb hashtable.VBNo) []byte {
	return []byte(fmt.Sprintf("vb-%05d", vb))
}

func vbStateBucketName(vb hashtable.VBNo) []byte {
	return []byte(fmt.Sprintf("vbstate-%05d", vb))
}

type pendingSet struct {
	item backend.Item
	cb   backend.SetCallback
}

type pendingDel struct {
	vb    hashtable.VBNo
	key   string
	rowID int64
	cb    backend.DelCallback
}

// Store is the bbolt-backed reference Backend. Writes issued between
// Begin and Commit are buffered in memory and applied in one bbolt
// update when Commit is called; on failure the buffer is left intact
// so the caller's retry-with-sleep loop (§4.5) replays the same
// writes rather than losing them.
type Store struct {
	log log.Logger
	db  *bbolt.DB

	mu   sync.Mutex
	sets []pendingSet
	dels []pendingDel

	failNextCommits int
}

var _ backend.Backend = (*Store)(nil)

func Open(path string, l log.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, stackerr.Wrap(err)
	}
	return &Store{log: l, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// FailNextCommits injects n consecutive Commit failures before real
// commits resume. Test-only (§8 S6 "commit retry").
func (s *Store) FailNextCommits(n int) {
	s.mu.Lock()
	s.failNextCommits = n
	s.mu.Unlock()
}

func (s *Store) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = nil
	s.dels = nil
	return nil
}

func (s *Store) Set(item backend.Item, cb backend.SetCallback) {
	s.mu.Lock()
	s.sets = append(s.sets, pendingSet{item: item, cb: cb})
	s.mu.Unlock()
}

func (s *Store) Del(vb hashtable.VBNo, key string, rowID int64, cb backend.DelCallback) {
	s.mu.Lock()
	s.dels = append(s.dels, pendingDel{vb: vb, key: key, rowID: rowID, cb: cb})
	s.mu.Unlock()
}

// Commit applies every buffered Set/Del in one bbolt transaction and
// fires their callbacks with the outcome. On injected or real
// failure, the buffer is left untouched for a subsequent retry.
func (s *Store) Commit() bool {
	s.mu.Lock()
	if s.failNextCommits > 0 {
		s.failNextCommits--
		s.mu.Unlock()
		return false
	}
	sets := s.sets
	dels := s.dels
	s.mu.Unlock()

	type setOutcome struct {
		cb      backend.SetCallback
		rows    int
		rowID   int64
	}
	type delOutcome struct {
		cb   backend.DelCallback
		rows int
	}
	var setOutcomes []setOutcome
	var delOutcomes []delOutcome

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, ps := range sets {
			bkt, err := tx.CreateBucketIfNotExists(vbBucketName(ps.item.VBucketID))
			if err != nil {
				return err
			}
			rowID := ps.item.RowID
			if rowID <= 0 {
				seq, err := nextRowID(tx)
				if err != nil {
					return err
				}
				rowID = seq
			}
			rec := toRecord(ps.item)
			rec.RowID = rowID
			encoded, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			if err := bkt.Put([]byte(ps.item.Key), encoded); err != nil {
				return err
			}
			newRowID := int64(0)
			if ps.item.RowID <= 0 {
				newRowID = rowID
			}
			setOutcomes = append(setOutcomes, setOutcome{cb: ps.cb, rows: 1, rowID: newRowID})
		}
		for _, pd := range dels {
			bkt := tx.Bucket(vbBucketName(pd.vb))
			rows := 0
			if bkt != nil && bkt.Get([]byte(pd.key)) != nil {
				if err := bkt.Delete([]byte(pd.key)); err != nil {
					return err
				}
				rows = 1
			}
			delOutcomes = append(delOutcomes, delOutcome{cb: pd.cb, rows: rows})
		}
		return nil
	})
	if err != nil {
		if s.log != nil {
			s.log.Errorf("boltstore: commit failed: %v", err)
		}
		return false
	}

	s.mu.Lock()
	s.sets = nil
	s.dels = nil
	s.mu.Unlock()

	for _, o := range setOutcomes {
		if o.cb != nil {
			o.cb(o.rows, o.rowID)
		}
	}
	for _, o := range delOutcomes {
		if o.cb != nil {
			o.cb(o.rows)
		}
	}
	return true
}

func nextRowID(tx *bbolt.Tx) (int64, error) {
	bkt := tx.Bucket(metaBucket)
	seq, err := bkt.NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}

// Get is the synchronous lookup path (§6.1), safe to call from client
// threads as well as the I/O dispatcher (used by completeBGFetch,
// §4.4).
func (s *Store) Get(vb hashtable.VBNo, key string, rowID int64, cb backend.GetCallback) {
	var gv backend.GetValue
	err := s.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(vbBucketName(vb))
		if bkt == nil {
			gv.Status = status.BackendKeyEnoent
			return nil
		}
		raw := bkt.Get([]byte(key))
		if raw == nil {
			gv.Status = status.BackendKeyEnoent
			return nil
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		gv.Item = &backend.Item{
			VBucketID: vb,
			Key:       key,
			Value:     rec.Value,
			Flags:     rec.Flags,
			Expiry:    rec.Expiry,
			Cas:       rec.Cas,
			RowID:     rec.RowID,
		}
		gv.RowID = rec.RowID
		gv.Status = status.BackendSuccess
		return nil
	})
	if err != nil {
		gv.Status = status.BackendTmpFail
	}
	cb(gv)
}

// DelVBucket drops an entire vbucket's data (§4.6). Direct and
// synchronous; not part of the flusher's buffered-write batch.
func (s *Store) DelVBucket(vb hashtable.VBNo) bool {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(vbBucketName(vb)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		if err := tx.DeleteBucket(vbStateBucketName(vb)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
	if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		if s.log != nil {
			s.log.Errorf("boltstore: delVBucket(%d) failed: %v", vb, err)
		}
		return false
	}
	return true
}

func (s *Store) SetVBState(vb hashtable.VBNo, stateName string) bool {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(vbStateBucketName(vb))
		if err != nil {
			return err
		}
		return bkt.Put(stateKeyInBkt, []byte(stateName))
	})
	return err == nil
}

// Reset drops every vbucket bucket (§4.5 flushOne "flush" op).
func (s *Store) Reset() {
	var names [][]byte
	s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if string(name) != string(metaBucket) {
				names = append(names, append([]byte(nil), name...))
			}
			return nil
		})
	})
	s.db.Update(func(tx *bbolt.Tx) error {
		for _, n := range names {
			if err := tx.DeleteBucket(n); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
		}
		return nil
	})
}

// Dump replays every persisted record into cb for warmup (§4.4
// GLOSSARY "Warmup").
func (s *Store) Dump(cb backend.LoadCallback) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, bkt *bbolt.Bucket) error {
			vb, ok := parseVBBucketName(name)
			if !ok {
				return nil
			}
			return bkt.ForEach(func(k, v []byte) error {
				rec, err := decodeRecord(v)
				if err != nil {
					return err
				}
				item := backend.Item{
					VBucketID: vb,
					Key:       string(k),
					Value:     rec.Value,
					Flags:     rec.Flags,
					Expiry:    rec.Expiry,
					Cas:       rec.Cas,
					RowID:     rec.RowID,
				}
				if !cb(item) {
					return errStopDump
				}
				return nil
			})
		})
	})
	if errors.Is(err, errStopDump) {
		return nil
	}
	if err != nil {
		return stackerr.Wrap(err)
	}
	return nil
}

var errStopDump = errors.New("boltstore: dump stopped by callback")

func parseVBBucketName(name []byte) (hashtable.VBNo, bool) {
	var vb int
	n, err := fmt.Sscanf(string(name), "vb-%05d", &vb)
	if err != nil || n != 1 {
		return 0, false
	}
	return hashtable.VBNo(vb), true
}
