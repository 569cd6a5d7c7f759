package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/synctable/go-table-sync/pkg/locks"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/value"
)

// Queue is the durable, ordered log of pending local mutations. A Queue
// is process-private to one engine instance: it owns the
// "__operations" system table in the backing LocalStore and maintains an
// in-memory sequence counter and pending count that are never re-derived
// from storage except at Load.
type Queue struct {
	db    store.LocalStore
	mutex *locks.NamedMutexRegistry

	counter      int64 // atomic
	pendingCount int64 // atomic
}

// New builds a Queue over db. Call Load once after DefineTable has
// registered systemTableName and the store has been Initialize'd.
func New(db store.LocalStore, mutex *locks.NamedMutexRegistry) *Queue {
	return &Queue{db: db, mutex: mutex}
}

// SystemTableName is exported so a Sync Context can register it with the
// Local Store during setup.
const SystemTableName = systemTableName

// Load scans the operation table, setting counter to the maximum
// persisted sequence and pendingCount to the row count. This is the
// only time counter is read from storage.
func (q *Queue) Load(ctx context.Context) error {
	rows, err := q.db.QueryRows(ctx, store.Query{Table: systemTableName, IncludeDeleted: true})
	if err != nil {
		return syncerr.LocalStoreFailure(err, "queue: loading operations")
	}
	var maxSeq int64
	for _, row := range rows {
		op, err := fromRecord(row)
		if err != nil {
			return syncerr.LocalStoreFailure(err, "queue: decoding persisted operation")
		}
		if op.Sequence > maxSeq {
			maxSeq = op.Sequence
		}
	}
	atomic.StoreInt64(&q.counter, maxSeq)
	atomic.StoreInt64(&q.pendingCount, int64(len(rows)))
	return nil
}

// PendingCount returns the number of persisted rows, tracked via CAS
// updates rather than re-counted on every call.
func (q *Queue) PendingCount() int64 { return atomic.LoadInt64(&q.pendingCount) }

// Enqueue assigns the next sequence number and persists op. Callers
// must already hold the per-(table,item) lock, which makes the
// sequence-then-persist pair atomic against collapses on the same item.
func (q *Queue) Enqueue(ctx context.Context, op *Operation) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	op.Sequence = atomic.AddInt64(&q.counter, 1)
	if op.Version == 0 {
		op.Version = 1
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if err := q.db.Upsert(ctx, systemTableName, []value.Item{toRecord(op)}, false); err != nil {
		return syncerr.LocalStoreFailure(err, "queue: enqueueing operation %s", op.ID)
	}
	atomic.AddInt64(&q.pendingCount, 1)
	return nil
}

// Peek returns the earliest pending operation with Sequence > afterSequence
// matching tableKind and, if tableFilter is non-empty, whose TableName is
// in tableFilter.
func (q *Queue) Peek(ctx context.Context, afterSequence int64, tableKind TableKind, tableFilter []string) (*Operation, bool, error) {
	rows, err := q.db.QueryRows(ctx, store.Query{
		Table:          systemTableName,
		IncludeDeleted: true,
		OrderBy:        []store.OrderClause{{Property: "sequence", Direction: store.Ascending}},
	})
	if err != nil {
		return nil, false, syncerr.LocalStoreFailure(err, "queue: peeking")
	}
	filterSet := toSet(tableFilter)
	for _, row := range rows {
		op, err := fromRecord(row)
		if err != nil {
			return nil, false, syncerr.LocalStoreFailure(err, "queue: decoding operation")
		}
		if op.Sequence <= afterSequence {
			continue
		}
		if op.TableKind != tableKind {
			continue
		}
		if filterSet != nil {
			if _, ok := filterSet[op.TableName]; !ok {
				continue
			}
		}
		return op, true, nil
	}
	return nil, false, nil
}

func toSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// GetByItem returns the non-cancelled operation queued against
// (tableName, itemID), if any -- used to detect collapsing candidates.
func (q *Queue) GetByItem(ctx context.Context, tableName, itemID string) (*Operation, bool, error) {
	rows, err := q.db.QueryRows(ctx, store.Query{
		Table:          systemTableName,
		IncludeDeleted: true,
		Filters: []store.Filter{
			{Property: "tableName", Op: store.OpEqual, Value: stringValue(tableName)},
			{Property: "itemId", Op: store.OpEqual, Value: stringValue(itemID)},
		},
	})
	if err != nil {
		return nil, false, syncerr.LocalStoreFailure(err, "queue: looking up operation for %s/%s", tableName, itemID)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	op, err := fromRecord(rows[0])
	if err != nil {
		return nil, false, syncerr.LocalStoreFailure(err, "queue: decoding operation")
	}
	return op, true, nil
}

// GetByID returns the operation with the given id, if any.
func (q *Queue) GetByID(ctx context.Context, opID string) (*Operation, bool, error) {
	row, ok, err := q.db.Lookup(ctx, systemTableName, opID)
	if err != nil {
		return nil, false, syncerr.LocalStoreFailure(err, "queue: looking up operation %s", opID)
	}
	if !ok {
		return nil, false, nil
	}
	op, err := fromRecord(row)
	if err != nil {
		return nil, false, syncerr.LocalStoreFailure(err, "queue: decoding operation %s", opID)
	}
	return op, true, nil
}

// CountPending counts persisted rows for tableName (used by Purge's
// pending-operations gate, not the hot path -- the O(1) PendingCount
// above covers the common case of "any pending at all").
func (q *Queue) CountPending(ctx context.Context, tableName string) (int, error) {
	rows, err := q.db.QueryRows(ctx, store.Query{
		Table:          systemTableName,
		IncludeDeleted: true,
		Filters:        []store.Filter{{Property: "tableName", Op: store.OpEqual, Value: stringValue(tableName)}},
	})
	if err != nil {
		return 0, syncerr.LocalStoreFailure(err, "queue: counting pending for %s", tableName)
	}
	return len(rows), nil
}

// Update persists op's current state unconditionally (no CAS). Used for
// straightforward state transitions (e.g. Pending -> Attempted) where the
// caller already holds the per-item lock.
func (q *Queue) Update(ctx context.Context, op *Operation) error {
	if err := q.db.Upsert(ctx, systemTableName, []value.Item{toRecord(op)}, false); err != nil {
		return syncerr.LocalStoreFailure(err, "queue: updating operation %s", op.ID)
	}
	return nil
}

// UpdateItem performs an optimistic update: it bumps Version, resets
// State to Pending, and rewrites Item (only persisted for Delete), but
// only if the operation currently on disk still has expectedVersion.
// Returns false if the CAS lost the race.
func (q *Queue) UpdateItem(ctx context.Context, opID string, expectedVersion int64, item value.Item) (bool, error) {
	current, ok, err := q.GetByID(ctx, opID)
	if err != nil {
		return false, err
	}
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	current.Version++
	current.State = Pending
	current.Item = item
	if err := q.Update(ctx, current); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteOp performs a CAS delete: removes opID only if its persisted
// Version still matches expectedVersion, decrementing pendingCount on
// success.
func (q *Queue) DeleteOp(ctx context.Context, opID string, expectedVersion int64) (bool, error) {
	current, ok, err := q.GetByID(ctx, opID)
	if err != nil {
		return false, err
	}
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	if _, err := q.db.Delete(ctx, systemTableName, []string{opID}, nil); err != nil {
		return false, syncerr.LocalStoreFailure(err, "queue: deleting operation %s", opID)
	}
	atomic.AddInt64(&q.pendingCount, -1)
	return true, nil
}

// DeleteUnconditional removes opID regardless of version, used by purge
// and by collapse rules that cancel an operation outright.
func (q *Queue) DeleteUnconditional(ctx context.Context, opID string) error {
	n, err := q.db.Delete(ctx, systemTableName, []string{opID}, nil)
	if err != nil {
		return syncerr.LocalStoreFailure(err, "queue: deleting operation %s", opID)
	}
	if n > 0 {
		atomic.AddInt64(&q.pendingCount, -1)
	}
	return nil
}

// LockTable acquires the named per-table lock (acquired before
// the writer-lock in the item -> table -> writer-lock order).
func (q *Queue) LockTable(ctx context.Context, tableName string) (func(), error) {
	unlock, err := q.mutex.Lock(ctx, locks.TableKey(tableName))
	if err != nil {
		return nil, fmt.Errorf("queue: locking table %q: %w", tableName, err)
	}
	return unlock, nil
}

// LockItem acquires the named per-item lock.
func (q *Queue) LockItem(ctx context.Context, tableName, itemID string) (func(), error) {
	unlock, err := q.mutex.Lock(ctx, locks.ItemKey(tableName, itemID))
	if err != nil {
		return nil, fmt.Errorf("queue: locking item %q/%q: %w", tableName, itemID, err)
	}
	return unlock, nil
}

func stringValue(s string) value.Value { return value.String(s) }
