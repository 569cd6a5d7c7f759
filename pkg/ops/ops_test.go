package ops

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

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	ms := memstore.New()
	require.NoError(t, ms.DefineTable(context.Background(), queue.SystemTableName, nil))
	require.NoError(t, ms.Initialize(context.Background()))
	q := queue.New(ms, locks.NewNamedMutexRegistry())
	require.NoError(t, q.Load(context.Background()))
	return q
}

// An insert followed by an update to the same not-yet-pushed item
// collapses into a single insert carrying the merged item.
func TestCollapseInsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	insert := &queue.Operation{Kind: queue.Insert, TableName: "widgets", ItemID: "a"}
	require.NoError(t, q.Enqueue(ctx, insert))

	action, err := Collapse(insert, queue.Update)
	require.NoError(t, err)
	require.Equal(t, ActionMerge, action)

	result, err := Apply(ctx, q, insert, action, &queue.Operation{Kind: queue.Update, TableName: "widgets", ItemID: "a"}, nil)
	require.NoError(t, err)
	require.Equal(t, queue.Insert, result.Kind, "collapsed op still carries the original Insert kind")
	require.EqualValues(t, 2, result.Version, "version bumps on merge")
	require.EqualValues(t, 1, q.PendingCount(), "still exactly one queued operation")
}

// An insert followed by a delete to the same not-yet-pushed item
// annihilates both -- nothing is ever sent to the remote.
func TestCollapseInsertThenDelete(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	insert := &queue.Operation{Kind: queue.Insert, TableName: "widgets", ItemID: "a"}
	require.NoError(t, q.Enqueue(ctx, insert))

	action, err := Collapse(insert, queue.Delete)
	require.NoError(t, err)
	require.Equal(t, ActionCancel, action)

	result, err := Apply(ctx, q, insert, action, nil, nil)
	require.NoError(t, err)
	require.Nil(t, result)
	require.EqualValues(t, 0, q.PendingCount())
}

// A delete arriving while an insert for the same item is still
// in-flight (Attempted, outcome unknown) is rejected rather than silently
// collapsed, since the queue cannot yet know what the remote will do with
// the insert it already sent.
func TestCollapseDeleteAfterAttemptedInsertRejected(t *testing.T) {
	insert := &queue.Operation{Kind: queue.Insert, TableName: "widgets", ItemID: "a", State: queue.Attempted}

	action, err := Collapse(insert, queue.Delete)
	require.Error(t, err)
	require.Equal(t, ActionCancel, action)
}

// A failed insert (e.g. a duplicate-id response) may have created the
// row remotely; a delete cannot annihilate it the way a Pending insert's
// delete can.
func TestCollapseDeleteAfterFailedInsertRejected(t *testing.T) {
	insert := &queue.Operation{Kind: queue.Insert, TableName: "widgets", ItemID: "a", State: queue.Failed}

	action, err := Collapse(insert, queue.Delete)
	require.Error(t, err)
	require.Equal(t, ActionCancel, action)
	var syncErr *syncerr.Error
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, syncerr.KindInconsistentState, syncErr.Kind)
}

func TestCollapseNoExistingOperationEnqueues(t *testing.T) {
	action, err := Collapse(nil, queue.Insert)
	require.NoError(t, err)
	require.Equal(t, ActionEnqueue, action)
}

func TestCollapseDeleteThenDeleteIsNoop(t *testing.T) {
	del := &queue.Operation{Kind: queue.Delete, TableName: "widgets", ItemID: "a"}
	action, err := Collapse(del, queue.Delete)
	require.NoError(t, err)
	require.Equal(t, ActionNoop, action)
}

func TestInsertStrategyRejectsExistingRow(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	require.NoError(t, ms.DefineTable(ctx, "widgets", nil))
	require.NoError(t, ms.Initialize(ctx))
	require.NoError(t, ms.Upsert(ctx, "widgets", []value.Item{{"id": value.String("a")}}, false))

	strat := ForKind(queue.Insert)
	err := strat.ExecuteLocal(ctx, ms, &queue.Operation{TableName: "widgets", ItemID: "a", Item: value.Item{"id": value.String("a")}})
	require.Error(t, err)
}

func TestDeleteStrategyWritesBackFalse(t *testing.T) {
	require.False(t, ForKind(queue.Delete).WritesResultBack())
	require.True(t, ForKind(queue.Delete).SerializeItemToQueue())
	require.True(t, ForKind(queue.Insert).WritesResultBack())
	require.False(t, ForKind(queue.Update).SerializeItemToQueue())
}

// A Delete op whose carried item lacks a string id is malformed queue
// state; ExecuteRemote must reject it rather than panic on a failed
// type assertion.
func TestDeleteStrategyRejectsMissingID(t *testing.T) {
	ctx := context.Background()
	strat := ForKind(queue.Delete)
	_, err := strat.ExecuteRemote(ctx, nil, &queue.Operation{TableName: "widgets", ItemID: "a"}, value.Item{})
	require.Error(t, err)
}
