package pull

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/synctable/go-table-sync/pkg/locks"
	"github.com/synctable/go-table-sync/pkg/memstore"
	"github.com/synctable/go-table-sync/pkg/push"
	"github.com/synctable/go-table-sync/pkg/queue"
	"github.com/synctable/go-table-sync/pkg/remote"
	"github.com/synctable/go-table-sync/pkg/settings"
	"github.com/synctable/go-table-sync/pkg/value"
)

type fakeTable struct {
	pages      [][]value.Item
	calls      int
	lastFilter string
	nextLink   string // link advertised between pages; defaults to a bare token
}

func (f *fakeTable) Read(ctx context.Context, q remote.Query) (remote.ReadResponse, error) {
	f.lastFilter = q.Filter
	if f.calls >= len(f.pages) {
		return remote.ReadResponse{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	resp := remote.ReadResponse{Values: page}
	if f.calls < len(f.pages) {
		resp.NextLink = f.nextLink
		if resp.NextLink == "" {
			resp.NextLink = "page-token"
		}
	}
	return resp, nil
}
func (f *fakeTable) Insert(ctx context.Context, item value.Item) (value.Item, error) { return item, nil }
func (f *fakeTable) Update(ctx context.Context, item value.Item, ifMatch string) (value.Item, error) {
	return item, nil
}
func (f *fakeTable) Delete(ctx context.Context, id string, ifMatch string) error { return nil }
func (f *fakeTable) Lookup(ctx context.Context, id string) (value.Item, error)   { return nil, nil }

type fakeFactory struct{ table *fakeTable }

func (f *fakeFactory) Table(name string) (remote.Table, error) { return f.table, nil }

func newTestEngine(t *testing.T, table *fakeTable) (*Engine, *queue.Queue) {
	t.Helper()
	ctx := context.Background()
	ms := memstore.New()
	require.NoError(t, ms.DefineTable(ctx, queue.SystemTableName, nil))
	require.NoError(t, ms.DefineTable(ctx, settings.SystemTableName, nil))
	require.NoError(t, ms.DefineTable(ctx, "widgets", nil))
	require.NoError(t, ms.Initialize(ctx))

	reg := locks.NewNamedMutexRegistry()
	q := queue.New(ms, reg)
	require.NoError(t, q.Load(ctx))

	factory := &fakeFactory{table: table}
	pushEngine := &push.Engine{DB: ms, Queue: q, Remotes: factory, Locks: reg}
	e := &Engine{
		DB:       ms,
		Queue:    q,
		Settings: settings.New(ms),
		Remotes:  factory,
		Push:     pushEngine,
	}
	return e, q
}

func TestPullCursorMergesAllPages(t *testing.T) {
	ctx := context.Background()
	table := &fakeTable{pages: [][]value.Item{
		{{"id": value.String("a")}, {"id": value.String("b")}},
		{{"id": value.String("c")}},
	}}
	e, _ := newTestEngine(t, table)

	result, err := e.Run(ctx, Query{TableName: "widgets", PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 3, result.Upserted)

	row, ok, err := e.DB.Lookup(ctx, "widgets", "c")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, row)
}

func TestPullIncrementalPersistsMaxUpdatedAtAsDeltaToken(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	table := &fakeTable{pages: [][]value.Item{
		{{"id": value.String("a"), "updatedAt": value.Timestamp(t1)}},
		{{"id": value.String("b"), "updatedAt": value.Timestamp(t2)}},
	}}
	e, _ := newTestEngine(t, table)

	result, err := e.Run(ctx, Query{TableName: "widgets", QueryID: "all", Incremental: true})
	require.NoError(t, err)
	require.Equal(t, 2, result.Upserted)

	token, ok, err := e.Settings.DeltaToken(ctx, "widgets", "all")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, t2.Format(deltaTimeFormat), token, "delta token is max(updatedAt) seen, not the opaque page link")
}

func TestPullIncrementalResumesFromStoredDeltaToken(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	table := &fakeTable{pages: [][]value.Item{
		{{"id": value.String("a"), "updatedAt": value.Timestamp(t1)}},
	}}
	e, _ := newTestEngine(t, table)
	require.NoError(t, e.Settings.SetDeltaToken(ctx, "widgets", "all", t1.Format(deltaTimeFormat)))

	_, err := e.Run(ctx, Query{TableName: "widgets", QueryID: "all", Incremental: true})
	require.NoError(t, err)
	require.Equal(t, "updatedAt ge "+t1.Format(deltaTimeFormat), table.lastFilter)
}

func TestNextLinkWhitelist(t *testing.T) {
	require.True(t, nextLinkAllowed("https://x/items?page=2", 0))
	require.True(t, nextLinkAllowed("https://x/items?$top=5", OptTop))
	require.False(t, nextLinkAllowed("https://x/items?$top=5", 0))
	require.False(t, nextLinkAllowed("https://x/items?$orderby=updatedAt", OptTop))
}

func TestPullIncrementalFallsBackToDeltaPagingOnDisallowedLink(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	table := &fakeTable{
		nextLink: "https://x/widgets?$top=2",
		pages: [][]value.Item{
			{{"id": value.String("a"), "updatedAt": value.Timestamp(t1)}},
			{{"id": value.String("b"), "updatedAt": value.Timestamp(t2)}},
		},
	}
	e, _ := newTestEngine(t, table)

	result, err := e.Run(ctx, Query{TableName: "widgets", QueryID: "all", Incremental: true})
	require.NoError(t, err)
	require.Equal(t, 2, result.Upserted)
	require.Equal(t, "updatedAt ge "+t2.Format(deltaTimeFormat), table.lastFilter,
		"the disallowed link is ignored; paging resumes off the delta watermark")
}

func TestPullSkipsRowsWithPendingLocalOp(t *testing.T) {
	ctx := context.Background()
	table := &fakeTable{pages: [][]value.Item{
		{{"id": value.String("a")}},
	}}
	e, q := newTestEngine(t, table)

	require.NoError(t, q.Enqueue(ctx, &queue.Operation{Kind: queue.Update, TableName: "widgets", ItemID: "a"}))

	result, err := e.Run(ctx, Query{TableName: "widgets"})
	require.NoError(t, err)
	require.Equal(t, 1, result.Skipped)
	require.Equal(t, 0, result.Upserted)
}

func TestPullDirtyTablePushesFirst(t *testing.T) {
	ctx := context.Background()
	table := &fakeTable{pages: [][]value.Item{{}}}
	e, q := newTestEngine(t, table)

	require.NoError(t, e.DB.Upsert(ctx, "widgets", []value.Item{{"id": value.String("a")}}, false))
	require.NoError(t, q.Enqueue(ctx, &queue.Operation{Kind: queue.Insert, TableName: "widgets", ItemID: "a"}))

	_, err := e.Run(ctx, Query{TableName: "widgets"})
	require.NoError(t, err)
	require.EqualValues(t, 0, q.PendingCount(), "pending insert should have been pushed before the pull ran")
}
