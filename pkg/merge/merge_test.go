package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/synctable/go-table-sync/pkg/locks"
	"github.com/synctable/go-table-sync/pkg/memstore"
	"github.com/synctable/go-table-sync/pkg/queue"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/value"
)

// Base {x:1, y:"a"}, local {x:1, y:"b"}, remote {x:2, y:"a"}. Each
// property only needs to have changed on at least one side (and local
// must still disagree with remote) to land in the conflict set -- "x"
// only changed remotely, "y" only changed locally, and both are
// conflicts.
func TestBuildConflictFlagsEitherSideChanged(t *testing.T) {
	base := value.Item{"id": value.String("a"), "x": value.Integer(1), "y": value.String("a")}
	local := value.Item{"id": value.String("a"), "x": value.Integer(1), "y": value.String("b")}
	remote := value.Item{"id": value.String("a"), "x": value.Integer(2), "y": value.String("a")}

	opErr := &syncerr.OperationError{PreviousItem: base, Result: remote}
	c, err := BuildConflict(opErr, local, nil)
	require.NoError(t, err)

	require.Len(t, c.Properties, 2)
	names := map[string]bool{}
	for _, p := range c.Properties {
		names[p.Property] = true
	}
	require.True(t, names["x"])
	require.True(t, names["y"])
}

// A property both sides touched is surfaced; a property
// neither side touched merges cleanly without asking anyone.
func TestBuildConflictOnlyFlagsTouchedProperties(t *testing.T) {
	base := value.Item{"id": value.String("a"), "price": value.Integer(10), "name": value.String("widget")}
	local := value.Item{"id": value.String("a"), "price": value.Integer(12), "name": value.String("widget")}
	remote := value.Item{"id": value.String("a"), "price": value.Integer(15), "name": value.String("widget")}

	opErr := &syncerr.OperationError{PreviousItem: base, Result: remote}
	c, err := BuildConflict(opErr, local, nil)
	require.NoError(t, err)

	require.Len(t, c.Properties, 1)
	require.Equal(t, "price", c.Properties[0].Property)
}

func TestBuildConflictConvergedValuesAreNotConflicts(t *testing.T) {
	base := value.Item{"price": value.Integer(10)}
	local := value.Item{"price": value.Integer(20)}
	remote := value.Item{"price": value.Integer(20)}

	opErr := &syncerr.OperationError{PreviousItem: base, Result: remote}
	c, err := BuildConflict(opErr, local, nil)
	require.NoError(t, err)
	require.Empty(t, c.Properties)
}

func TestTakeRemoteThenMergeAndUpdateRequiresAllHandled(t *testing.T) {
	base := value.Item{"id": value.String("a"), "price": value.Integer(10)}
	local := value.Item{"id": value.String("a"), "price": value.Integer(12)}
	remote := value.Item{"id": value.String("a"), "price": value.Integer(15)}
	opErr := &syncerr.OperationError{OperationID: "op-1", PreviousItem: base, Result: remote}

	c, err := BuildConflict(opErr, local, nil)
	require.NoError(t, err)
	require.Len(t, c.Properties, 1)

	_, _, err = c.MergeAndUpdate(context.Background(), nil, nil, "widgets")
	require.Error(t, err, "unresolved conflicts must block merge")

	require.NoError(t, c.TakeRemote("price"))
	require.False(t, c.HasConflicts())

	// second resolve attempt is rejected
	err = c.TakeLocal("price")
	require.Error(t, err)
	var syncErr *syncerr.Error
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, syncerr.KindAlreadyHandled, syncErr.Kind)
}

func TestMergeAndUpdatePersistsAndRequeues(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	require.NoError(t, ms.DefineTable(ctx, "widgets", nil))
	require.NoError(t, ms.DefineTable(ctx, queue.SystemTableName, nil))
	require.NoError(t, ms.Initialize(ctx))
	q := queue.New(ms, locks.NewNamedMutexRegistry())
	require.NoError(t, q.Load(ctx))

	failedOp := &queue.Operation{Kind: queue.Update, TableName: "widgets", ItemID: "a", State: queue.Failed}
	require.NoError(t, q.Enqueue(ctx, failedOp))

	base := value.Item{"id": value.String("a"), "price": value.Integer(10), "tag": value.String("x")}
	local := value.Item{"id": value.String("a"), "price": value.Integer(12), "tag": value.String("x")}
	remote := value.Item{"id": value.String("a"), "price": value.Integer(15), "tag": value.String("y")}
	opErr := &syncerr.OperationError{OperationID: failedOp.ID, OperationVersion: failedOp.Version, PreviousItem: base, Result: remote}

	c, err := BuildConflict(opErr, local, nil)
	require.NoError(t, err)
	require.Len(t, c.Properties, 2, "price changed on both sides, tag changed remotely only -- both are conflicts")
	require.NoError(t, c.TakeLocal("price"))
	require.NoError(t, c.TakeRemote("tag"))

	merged, _, err := c.MergeAndUpdate(ctx, ms, q, "widgets")
	require.NoError(t, err)
	require.EqualValues(t, 12, mustInt(merged["price"]))
	require.Equal(t, "y", mustStr(merged["tag"]), "tag resolved to remote's value")

	row, ok, err := ms.Lookup(ctx, "widgets", "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 12, mustInt(row["price"]))

	requeued, found, err := q.GetByID(ctx, failedOp.ID)
	require.NoError(t, err)
	require.True(t, found, "the failed operation itself is resubmitted, never a second row")
	require.Equal(t, queue.Pending, requeued.State)
	require.EqualValues(t, failedOp.Version+1, requeued.Version)
	require.EqualValues(t, 1, q.PendingCount())
}

func TestMergeAndUpdateRejectsStaleResolution(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	require.NoError(t, ms.DefineTable(ctx, "widgets", nil))
	require.NoError(t, ms.DefineTable(ctx, queue.SystemTableName, nil))
	require.NoError(t, ms.Initialize(ctx))
	q := queue.New(ms, locks.NewNamedMutexRegistry())
	require.NoError(t, q.Load(ctx))

	op := &queue.Operation{Kind: queue.Update, TableName: "widgets", ItemID: "a", State: queue.Failed}
	require.NoError(t, q.Enqueue(ctx, op))

	opErr := &syncerr.OperationError{
		OperationID: op.ID, OperationVersion: op.Version,
		PreviousItem: value.Item{"id": value.String("a"), "price": value.Integer(10)},
		Result:       value.Item{"id": value.String("a"), "price": value.Integer(15)},
	}
	c, err := BuildConflict(opErr, value.Item{"id": value.String("a"), "price": value.Integer(12)}, nil)
	require.NoError(t, err)
	require.NoError(t, c.TakeRemote("price"))

	// the operation moves on before the resolution lands
	ok, err := q.UpdateItem(ctx, op.ID, op.Version, value.Item{"id": value.String("a")})
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = c.MergeAndUpdate(ctx, ms, q, "widgets")
	require.Error(t, err)
	var syncErr *syncerr.Error
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, syncerr.KindInconsistentState, syncErr.Kind)
}

func TestUpdateOperationUpsertsLocallyForNonDelete(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	require.NoError(t, ms.DefineTable(ctx, "widgets", nil))
	require.NoError(t, ms.DefineTable(ctx, queue.SystemTableName, nil))
	require.NoError(t, ms.Initialize(ctx))
	reg := locks.NewNamedMutexRegistry()
	q := queue.New(ms, reg)
	require.NoError(t, q.Load(ctx))

	op := &queue.Operation{Kind: queue.Update, TableName: "widgets", ItemID: "a"}
	require.NoError(t, q.Enqueue(ctx, op))

	r := &OperationResolution{Queue: q, Locks: reg, DB: ms}
	newItem := value.Item{"id": value.String("a"), "price": value.Integer(99)}
	ok, err := r.UpdateOperation(ctx, op.ID, op.Version, newItem)
	require.NoError(t, err)
	require.True(t, ok)

	row, found, err := ms.Lookup(ctx, "widgets", "a")
	require.NoError(t, err)
	require.True(t, found, "update_operation must upsert the item locally for non-Delete kinds")
	require.EqualValues(t, 99, mustInt(row["price"]))
}

func TestUpdateOperationDoesNotUpsertForDelete(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	require.NoError(t, ms.DefineTable(ctx, "widgets", nil))
	require.NoError(t, ms.DefineTable(ctx, queue.SystemTableName, nil))
	require.NoError(t, ms.Initialize(ctx))
	reg := locks.NewNamedMutexRegistry()
	q := queue.New(ms, reg)
	require.NoError(t, q.Load(ctx))

	op := &queue.Operation{Kind: queue.Delete, TableName: "widgets", ItemID: "a", Item: value.Item{"id": value.String("a")}}
	require.NoError(t, q.Enqueue(ctx, op))

	r := &OperationResolution{Queue: q, Locks: reg, DB: ms}
	ok, err := r.UpdateOperation(ctx, op.ID, op.Version, value.Item{"id": value.String("a")})
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := ms.Lookup(ctx, "widgets", "a")
	require.NoError(t, err)
	require.False(t, found, "a delete's item is replayed on push, never upserted locally by update_operation")
}

func mustInt(v value.Value) int64 {
	n, _ := v.AsInteger()
	return n
}

func mustStr(v value.Value) string {
	s, _ := v.AsString()
	return s
}
