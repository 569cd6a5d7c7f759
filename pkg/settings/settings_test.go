package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/synctable/go-table-sync/pkg/memstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	ms := memstore.New()
	require.NoError(t, ms.DefineTable(ctx, SystemTableName, nil))
	require.NoError(t, ms.Initialize(ctx))
	return New(ms)
}

func TestDeltaTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.DeltaToken(ctx, "widgets", "all")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetDeltaToken(ctx, "widgets", "all", "token-1"))
	token, ok, err := s.DeltaToken(ctx, "widgets", "all")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "token-1", token)

	require.NoError(t, s.SetDeltaToken(ctx, "widgets", "all", "token-2"))
	token, ok, err = s.DeltaToken(ctx, "widgets", "all")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "token-2", token)
}

func TestSystemPropertiesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	flags, err := s.SystemProperties(ctx, "widgets")
	require.NoError(t, err)
	require.Zero(t, flags)

	require.NoError(t, s.SetSystemProperties(ctx, "widgets", SupportsDeleted|SupportsVersion))
	flags, err = s.SystemProperties(ctx, "widgets")
	require.NoError(t, err)
	require.Equal(t, SupportsDeleted|SupportsVersion, flags)
}

func TestDeltaTokenScopedPerQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SetDeltaToken(ctx, "widgets", "query-a", "a-token"))
	require.NoError(t, s.SetDeltaToken(ctx, "widgets", "query-b", "b-token"))

	a, _, err := s.DeltaToken(ctx, "widgets", "query-a")
	require.NoError(t, err)
	require.Equal(t, "a-token", a)

	b, _, err := s.DeltaToken(ctx, "widgets", "query-b")
	require.NoError(t, err)
	require.Equal(t, "b-token", b)
}
