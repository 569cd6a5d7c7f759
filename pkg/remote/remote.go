// Package remote defines the contract for the remote table backend
// It is consumed, not implemented, by
// the core engine -- the HTTP transport, authentication, and OData-like
// query language are all external collaborators whose contracts are
// captured here. See pkg/remotehttp for a reference client.
package remote

import (
	"context"
	"errors"

	"github.com/synctable/go-table-sync/pkg/value"
)

// ErrAbortPush is returned by a Table implementation (or anything wrapped
// around one) to stop the entire push batch deliberately, not because of
// a failure -- the push engine classifies it as an operation-requested
// abort rather than recording an error row.
var ErrAbortPush = errors.New("remote: push aborted by operation")

// Query is the OData-like read request sent to Table.Read.
type Query struct {
	TableName           string
	Filter               string // raw OData $filter, already validated upstream
	OrderBy              []string
	Skip                 int
	Top                  int
	IncludeTotalCount    bool
	IncludeDeleted       bool
	RawParams            map[string]string
	NextLink             string // when following a server-provided next page
}

// ReadResponse is the result of Table.Read.
type ReadResponse struct {
	Values     []value.Item
	TotalCount *int
	NextLink   string
}

// HTTPError carries the status code and raw body of a failed remote
// call so the push engine can classify it.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return "remote: http status " + itoa(e.StatusCode)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// NetworkError marks a failure as a transport-level problem, distinct
// from an HTTPError which means the server was reached and responded.
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string { return "remote: network error: " + e.Cause.Error() }
func (e *NetworkError) Unwrap() error  { return e.Cause }

// AuthenticationError marks a failure as an auth problem.
// Authentication itself happens elsewhere; the engine only needs to
// recognize this shape of failure when the remote returns it.
type AuthenticationError struct {
	Cause error
}

func (e *AuthenticationError) Error() string { return "remote: authentication error: " + e.Cause.Error() }
func (e *AuthenticationError) Unwrap() error  { return e.Cause }

// Table is the remote table backend contract. Version is an
// opaque server concurrency token (mapped from an HTTP ETag); ifMatch is
// that same token supplied back for optimistic concurrency.
type Table interface {
	Read(ctx context.Context, q Query) (ReadResponse, error)
	Insert(ctx context.Context, item value.Item) (value.Item, error)
	Update(ctx context.Context, item value.Item, ifMatch string) (value.Item, error)
	Delete(ctx context.Context, id string, ifMatch string) error
	Lookup(ctx context.Context, id string) (value.Item, error)
}

// TableFactory resolves a Table implementation by name, the way a sync
// context looks up which remote table backs a given local table.
type TableFactory interface {
	Table(tableName string) (Table, error)
}
