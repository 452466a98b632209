package boltstore

import (
	"github.com/ugorji/go/codec"

	"github.com/skipor/epcore/backend"
)

// record is the on-disk encoding of a backend.Item, minus the key and
// vbucket id (those are implied by the bbolt bucket/key it is stored
// under).
type record struct {
	Value  []byte
	Flags  uint32
	Expiry int64
	Cas    uint64
	RowID  int64
}

var mh codec.MsgpackHandle

func encodeRecord(r record) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &mh)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeRecord(b []byte) (record, error) {
	var r record
	dec := codec.NewDecoderBytes(b, &mh)
	if err := dec.Decode(&r); err != nil {
		return record{}, err
	}
	return r, nil
}

func toRecord(item backend.Item) record {
	return record{
		Value:  item.Value,
		Flags:  item.Flags,
		Expiry: item.Expiry,
		Cas:    item.Cas,
		RowID:  item.RowID,
	}
}
