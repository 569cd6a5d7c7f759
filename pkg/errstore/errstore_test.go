package errstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/synctable/go-table-sync/pkg/memstore"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/value"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	ms := memstore.New()
	require.NoError(t, ms.DefineTable(ctx, SystemTableName, nil))
	require.NoError(t, ms.Initialize(ctx))
	return New(ms)
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	opErr := &syncerr.OperationError{
		OperationID:      "op-1",
		OperationVersion: 3,
		Kind:             "Update",
		HTTPStatus:       412,
		TableName:        "widgets",
		Item:             value.Item{"id": value.String("a"), "price": value.Integer(12)},
		PreviousItem:     value.Item{"id": value.String("a"), "price": value.Integer(10)},
		RawResult:        `{"id":"a","price":15}`,
		Result:           value.Item{"id": value.String("a"), "price": value.Integer(15)},
	}
	require.NoError(t, s.Put(ctx, opErr))

	got, ok, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Update", got.Kind)
	require.Equal(t, 412, got.HTTPStatus)
	require.EqualValues(t, 3, got.OperationVersion)
	require.Equal(t, "widgets", got.TableName)
	require.NotNil(t, got.PreviousItem, "the merge base must survive the round trip")
}

func TestGetMissingReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutReplacesPriorRowForSameOperation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, &syncerr.OperationError{OperationID: "op-1", TableName: "widgets", HTTPStatus: 412}))
	require.NoError(t, s.Put(ctx, &syncerr.OperationError{OperationID: "op-1", TableName: "widgets", HTTPStatus: 409}))

	got, ok, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 409, got.HTTPStatus)

	rows, err := s.ListTable(ctx, "widgets")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestDeleteRemovesRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, &syncerr.OperationError{OperationID: "op-1", TableName: "widgets"}))
	require.NoError(t, s.Delete(ctx, "op-1"))

	_, ok, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	require.False(t, ok)

	// deleting again is a no-op, not an error
	require.NoError(t, s.Delete(ctx, "op-1"))
}

func TestListTableFiltersByTable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, &syncerr.OperationError{OperationID: "op-1", TableName: "widgets"}))
	require.NoError(t, s.Put(ctx, &syncerr.OperationError{OperationID: "op-2", TableName: "gadgets"}))

	rows, err := s.ListTable(ctx, "widgets")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "op-1", rows[0].OperationID)
}
