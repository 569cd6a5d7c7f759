package memstore

import (
	"fmt"
	"time"
)

// timeIndex indexes a time.Time field for ordered (range) lookups in
// go-memdb, which ships indexers for strings/ints/UUIDs but not time.Time.
// It encodes to a fixed-width UTC RFC3339 layout with nine fractional
// digits so lexicographic byte comparison matches chronological order.
type timeIndex struct {
	Field string
}

func (idx *timeIndex) FromObject(raw interface{}) (bool, []byte, error) {
	t, err := idx.extract(raw)
	if err != nil {
		return false, nil, err
	}
	return true, encodeTime(t), nil
}

func (idx *timeIndex) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("memstore: timeIndex requires a single time.Time arg")
	}
	t, ok := args[0].(time.Time)
	if !ok {
		return nil, fmt.Errorf("memstore: timeIndex arg must be time.Time, got %T", args[0])
	}
	return encodeTime(t), nil
}

func (idx *timeIndex) extract(raw interface{}) (time.Time, error) {
	rec, ok := raw.(*record)
	if !ok {
		return time.Time{}, fmt.Errorf("memstore: timeIndex expects *record, got %T", raw)
	}
	return rec.UpdatedAt, nil
}

func encodeTime(t time.Time) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
}
