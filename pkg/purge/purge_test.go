package purge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/synctable/go-table-sync/pkg/locks"
	"github.com/synctable/go-table-sync/pkg/memstore"
	"github.com/synctable/go-table-sync/pkg/queue"
	"github.com/synctable/go-table-sync/pkg/settings"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/value"
)

func newTestEngine(t *testing.T) (*Engine, *queue.Queue, store.LocalStore) {
	t.Helper()
	ctx := context.Background()
	ms := memstore.New()
	require.NoError(t, ms.DefineTable(ctx, queue.SystemTableName, nil))
	require.NoError(t, ms.DefineTable(ctx, settings.SystemTableName, nil))
	require.NoError(t, ms.DefineTable(ctx, "widgets", nil))
	require.NoError(t, ms.Initialize(ctx))

	q := queue.New(ms, locks.NewNamedMutexRegistry())
	require.NoError(t, q.Load(ctx))

	e := &Engine{DB: ms, Queue: q, Settings: settings.New(ms)}
	return e, q, ms
}

func TestPurgeRejectsPendingWithoutForce(t *testing.T) {
	ctx := context.Background()
	e, q, _ := newTestEngine(t)
	require.NoError(t, q.Enqueue(ctx, &queue.Operation{Kind: queue.Insert, TableName: "widgets", ItemID: "a"}))

	_, err := e.Run(ctx, Request{TableName: "widgets"})
	require.Error(t, err)
}

func TestPurgeForceDiscardsPendingAndRows(t *testing.T) {
	ctx := context.Background()
	e, q, db := newTestEngine(t)
	require.NoError(t, db.Upsert(ctx, "widgets", []value.Item{{"id": value.String("a")}}, false))
	require.NoError(t, q.Enqueue(ctx, &queue.Operation{Kind: queue.Insert, TableName: "widgets", ItemID: "a"}))

	result, err := e.Run(ctx, Request{TableName: "widgets", Force: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.OperationsDeleted)
	require.Equal(t, 1, result.RecordsDeleted)
	require.EqualValues(t, 0, q.PendingCount())

	_, ok, err := db.Lookup(ctx, "widgets", "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPurgeForceWithFilterStillRejected(t *testing.T) {
	ctx := context.Background()
	e, q, _ := newTestEngine(t)
	require.NoError(t, q.Enqueue(ctx, &queue.Operation{Kind: queue.Insert, TableName: "widgets", ItemID: "a"}))

	_, err := e.Run(ctx, Request{
		TableName: "widgets",
		Force:     true,
		Query:     store.Query{Filters: []store.Filter{{Property: "name", Op: store.OpEqual, Value: value.String("x")}}},
	})
	require.Error(t, err, "a filtered purge cannot guarantee it only removes conflict-free rows")
}

func TestPurgeNoPendingSucceedsWithoutForce(t *testing.T) {
	ctx := context.Background()
	e, _, db := newTestEngine(t)
	require.NoError(t, db.Upsert(ctx, "widgets", []value.Item{{"id": value.String("a")}}, false))

	result, err := e.Run(ctx, Request{TableName: "widgets"})
	require.NoError(t, err)
	require.Equal(t, 1, result.RecordsDeleted)
}

func TestPurgeResetsDeltaToken(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.Settings.SetDeltaToken(ctx, "widgets", "q1", "2024-01-01T00:00:00Z"))

	_, err := e.Run(ctx, Request{TableName: "widgets", QueryID: "q1"})
	require.NoError(t, err)

	_, ok, err := e.Settings.DeltaToken(ctx, "widgets", "q1")
	require.NoError(t, err)
	require.False(t, ok, "the token row is removed, not blanked, so the next incremental pull starts clean")
}
