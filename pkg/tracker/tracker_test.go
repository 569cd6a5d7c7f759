package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/synctable/go-table-sync/pkg/memstore"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/value"
)

func newTestStore(t *testing.T) store.LocalStore {
	t.Helper()
	ctx := context.Background()
	ms := memstore.New()
	require.NoError(t, ms.DefineTable(ctx, "widgets", nil))
	require.NoError(t, ms.DefineTable(ctx, "__operations", nil))
	require.NoError(t, ms.Initialize(ctx))
	return ms
}

func TestWrapClassifiesInsertVsUpdate(t *testing.T) {
	ctx := context.Background()
	var got []Change
	tr := New(Options{
		NotifyServerPullOperations: true,
		DetectRecordChanges:        true,
		DetectInsertsAndUpdates:    true,
	}, func(c Change) { got = append(got, c) })
	db := tr.Wrap(newTestStore(t), store.SourceServerPull)

	require.NoError(t, db.Upsert(ctx, "widgets", []value.Item{{"id": value.String("a")}}, false))
	require.NoError(t, db.Upsert(ctx, "widgets", []value.Item{{"id": value.String("a"), "n": value.Integer(1)}}, false))

	require.Len(t, got, 2)
	require.Equal(t, ChangeInsert, got[0].Kind)
	require.Equal(t, ChangeUpdate, got[1].Kind)
	require.Equal(t, store.SourceServerPull, got[0].Source)
}

func TestWrapSuppressesUnchangedVersionFromServer(t *testing.T) {
	ctx := context.Background()
	var got []Change
	tr := New(Options{
		NotifyServerPullOperations: true,
		DetectRecordChanges:        true,
	}, func(c Change) { got = append(got, c) })
	db := tr.Wrap(newTestStore(t), store.SourceServerPull)

	row := value.Item{"id": value.String("a"), "version": value.String("v1")}
	require.NoError(t, db.Upsert(ctx, "widgets", []value.Item{row}, false))
	require.Len(t, got, 1)

	// same version echoed back: no real change, no notification
	require.NoError(t, db.Upsert(ctx, "widgets", []value.Item{row.Clone()}, false))
	require.Len(t, got, 1)

	bumped := value.Item{"id": value.String("a"), "version": value.String("v2")}
	require.NoError(t, db.Upsert(ctx, "widgets", []value.Item{bumped}, false))
	require.Len(t, got, 2)
}

func TestWrapNeverSuppressesLocalWrites(t *testing.T) {
	ctx := context.Background()
	var got []Change
	tr := New(Options{
		NotifyLocalOperations: true,
		DetectRecordChanges:   true,
	}, func(c Change) { got = append(got, c) })
	db := tr.Wrap(newTestStore(t), store.SourceLocal)

	row := value.Item{"id": value.String("a"), "version": value.String("v1")}
	require.NoError(t, db.Upsert(ctx, "widgets", []value.Item{row}, false))
	require.NoError(t, db.Upsert(ctx, "widgets", []value.Item{row.Clone()}, false))
	require.Len(t, got, 2, "a local edit is a change even when the version token is untouched")
}

func TestWrapSkipsSystemTables(t *testing.T) {
	ctx := context.Background()
	var got []Change
	tr := New(Options{
		NotifyServerPushOperations: true,
		DetectRecordChanges:        true,
	}, func(c Change) { got = append(got, c) })
	db := tr.Wrap(newTestStore(t), store.SourceServerPush)

	require.NoError(t, db.Upsert(ctx, "__operations", []value.Item{{"id": value.String("op-1")}}, false))
	require.Empty(t, got)
}

func TestSourceFlagGatesPerRecordEvents(t *testing.T) {
	ctx := context.Background()
	var got []Change
	tr := New(Options{
		NotifyServerPullOperations: true,
		DetectRecordChanges:        true,
	}, func(c Change) { got = append(got, c) })

	pushDB := tr.Wrap(newTestStore(t), store.SourceServerPush)
	require.NoError(t, pushDB.Upsert(ctx, "widgets", []value.Item{{"id": value.String("a")}}, false))
	require.Empty(t, got, "push changes are filtered out when only the pull flag is set")
}

func TestBatchSummaryAggregatesByKind(t *testing.T) {
	ctx := context.Background()
	var summaries []BatchSummary
	tr := New(Options{
		NotifyServerPullBatch:   true,
		DetectInsertsAndUpdates: true,
	}, nil)
	tr.SetBatchHandler(func(s BatchSummary) { summaries = append(summaries, s) })
	db := tr.Wrap(newTestStore(t), store.SourceServerPull)

	batchID := tr.BeginBatch(store.SourceServerPull)
	require.NoError(t, db.Upsert(ctx, "widgets", []value.Item{{"id": value.String("a")}}, false))
	require.NoError(t, db.Upsert(ctx, "widgets", []value.Item{{"id": value.String("a"), "n": value.Integer(1)}}, false))
	require.NoError(t, db.Upsert(ctx, "widgets", []value.Item{{"id": value.String("b")}}, false))
	_, err := db.Delete(ctx, "widgets", []string{"b"}, nil)
	require.NoError(t, err)
	tr.EndBatch(store.SourceServerPull)

	require.Len(t, summaries, 1)
	require.Equal(t, batchID, summaries[0].BatchID)
	require.Equal(t, 2, summaries[0].Inserts)
	require.Equal(t, 1, summaries[0].Updates)
	require.Equal(t, 1, summaries[0].Deletes)
}

func TestEmptyBatchEmitsNothing(t *testing.T) {
	var summaries []BatchSummary
	tr := New(Options{NotifyServerPushBatch: true}, nil)
	tr.SetBatchHandler(func(s BatchSummary) { summaries = append(summaries, s) })

	tr.BeginBatch(store.SourceServerPush)
	tr.EndBatch(store.SourceServerPush)
	require.Empty(t, summaries)
}

func TestDeleteByQueryReportsEachRow(t *testing.T) {
	ctx := context.Background()
	var got []Change
	tr := New(Options{
		NotifyLocalOperations: true,
		DetectRecordChanges:   true,
	}, func(c Change) { got = append(got, c) })
	raw := newTestStore(t)
	db := tr.Wrap(raw, store.SourceLocalPurge)

	require.NoError(t, raw.Upsert(ctx, "widgets", []value.Item{
		{"id": value.String("a")},
		{"id": value.String("b")},
	}, false))

	q := store.Query{Table: "widgets", IncludeDeleted: true}
	n, err := db.Delete(ctx, "widgets", nil, &q)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, got, 2)
	for _, c := range got {
		require.Equal(t, ChangeDelete, c.Kind)
		require.Equal(t, store.SourceLocalPurge, c.Source)
	}
}
