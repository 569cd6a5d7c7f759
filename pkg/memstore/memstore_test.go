package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/value"
)

func newInitialized(t *testing.T, table string) *Store {
	t.Helper()
	s := New()
	require.NoError(t, s.DefineTable(context.Background(), table, nil))
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestUpsertLookupRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newInitialized(t, "widgets")

	it := value.Item{"id": value.String("a"), "name": value.String("gadget")}
	require.NoError(t, s.Upsert(ctx, "widgets", []value.Item{it}, false))

	got, ok, err := s.Lookup(ctx, "widgets", "a")
	require.NoError(t, err)
	require.True(t, ok)
	name, _ := got["name"].AsString()
	require.Equal(t, "gadget", name)
}

func TestQueryOrderByUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s := newInitialized(t, "widgets")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		it := value.Item{
			"id":        value.String(id),
			"updatedAt": value.Timestamp(base.Add(time.Duration(i) * time.Hour)),
		}
		require.NoError(t, s.Upsert(ctx, "widgets", []value.Item{it}, false))
	}

	rows, err := s.QueryRows(ctx, store.Query{
		Table:   "widgets",
		OrderBy: []store.OrderClause{{Property: "updatedAt", Direction: store.Ascending}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	first, _ := rows[0].ID()
	require.Equal(t, "c", first)
}

func TestDeleteByQuery(t *testing.T) {
	ctx := context.Background()
	s := newInitialized(t, "widgets")
	require.NoError(t, s.Upsert(ctx, "widgets", []value.Item{
		{"id": value.String("a"), "kind": value.String("x")},
		{"id": value.String("b"), "kind": value.String("y")},
	}, false))

	n, err := s.Delete(ctx, "widgets", nil, &store.Query{
		Table:   "widgets",
		Filters: []store.Filter{{Property: "kind", Op: store.OpEqual, Value: value.String("x")}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok, err := s.Lookup(ctx, "widgets", "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSoftDeletedExcludedUnlessRequested(t *testing.T) {
	ctx := context.Background()
	s := newInitialized(t, "widgets")
	require.NoError(t, s.Upsert(ctx, "widgets", []value.Item{
		{"id": value.String("a"), "deleted": value.Bool(true)},
	}, false))

	rows, err := s.QueryRows(ctx, store.Query{Table: "widgets"})
	require.NoError(t, err)
	require.Len(t, rows, 0)

	rows, err = s.QueryRows(ctx, store.Query{Table: "widgets", IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
