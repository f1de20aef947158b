package entity

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	snapshotEnc cbor.EncMode
	snapshotDec cbor.DecMode
)

func init() {
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano

	var err error
	snapshotEnc, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("entity: cbor enc mode: %v", err))
	}

	snapshotDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSignedOrFail,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("entity: cbor dec mode: %v", err))
	}
}

// EncodeSnapshot serializes e into its persisted snapshot form.
func EncodeSnapshot(e Entity) ([]byte, error) {
	data, err := snapshotEnc.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", e.Key(), err)
	}
	return data, nil
}

// DecodeSnapshot restores an entity written by EncodeSnapshot.
// Integers decode as int64, floats as float64 and nested objects as
// map[string]any.
func DecodeSnapshot(data []byte) (Entity, error) {
	var e Entity
	if err := snapshotDec.Unmarshal(data, &e); err != nil {
		return Entity{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return e, nil
}

// Snapshot returns an independent copy of e together with its encoded form.
// The copy is the decoded bytes, so a fresh snapshot and one restored from
// disk carry identical value types.
func Snapshot(e Entity) (Entity, []byte, error) {
	data, err := EncodeSnapshot(e)
	if err != nil {
		return Entity{}, nil, err
	}
	copied, err := DecodeSnapshot(data)
	if err != nil {
		return Entity{}, nil, err
	}
	return copied, data, nil
}
