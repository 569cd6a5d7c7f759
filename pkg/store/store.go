// Package store defines the Local Store contract: the relational
// embedded store with query support that the sync engine uses but does
// not implement. See pkg/memstore
// for a reference implementation built on hashicorp/go-memdb.
package store

import (
	"context"

	"github.com/synctable/go-table-sync/pkg/value"
)

// Source tags every store mutation for change-tracking routing.
type Source int

const (
	SourceLocal Source = iota
	SourceLocalPurge
	SourceLocalConflictResolution
	SourceServerPull
	SourceServerPush
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "Local"
	case SourceLocalPurge:
		return "LocalPurge"
	case SourceLocalConflictResolution:
		return "LocalConflictResolution"
	case SourceServerPull:
		return "ServerPull"
	case SourceServerPush:
		return "ServerPush"
	default:
		return "Unknown"
	}
}

// Filter is a single predicate in a Query, e.g. `updatedAt >= X`. Filters
// are structured values, built by the engine (queue, error-row and purge
// lookups) or passed in with an application's Query to Read or Purge; no
// OData filter string is parsed here -- that parsing lives outside this
// module's scope.
type Filter struct {
	Property string
	Op       FilterOp
	Value    value.Value
}

type FilterOp int

const (
	OpEqual FilterOp = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterOrEqual
	OpLessThan
	OpLessOrEqual
)

// OrderDirection is the sort direction for a Query OrderBy clause.
type OrderDirection int

const (
	Ascending OrderDirection = iota
	Descending
)

type OrderClause struct {
	Property  string
	Direction OrderDirection
}

// Query describes a structured query against a single table. It is the
// engine-internal analogue of the OData-like query language mentioned in
// which lives outside this module: Query is already parsed and
// validated by the time pkg/pull or pkg/ops builds one.
type Query struct {
	Table           string
	Filters         []Filter
	OrderBy         []OrderClause
	Skip            int
	Top             int
	IncludeDeleted  bool
	IncludeTotal    bool
	Projection      []string
}

// ReadResult is the result of a Query read.
type ReadResult struct {
	Values     []value.Item
	TotalCount *int
}

// LocalStore is the contract the engine relies on for all local
// persistence: table definition, upsert/lookup/delete, and querying.
// Implementations must be safe for concurrent use; the engine layers its
// own reader/writer discipline (pkg/locks) on top but does not serialize
// calls into the store beyond that.
type LocalStore interface {
	// DefineTable registers name with a JSON-ish schema descriptor.
	// schema is implementation-defined (e.g. column DDL); the engine
	// only requires idempotent re-definition to be rejected or ignored
	// consistently.
	DefineTable(ctx context.Context, name string, schema interface{}) error

	// Initialize finishes store setup (e.g. opening files, running
	// migrations) after all tables have been defined.
	Initialize(ctx context.Context) error

	// Upsert inserts or replaces items in table. If ignoreMissingColumns
	// is false, an item with a column not in the table's definition is
	// rejected.
	Upsert(ctx context.Context, table string, items []value.Item, ignoreMissingColumns bool) error

	// Delete removes rows from table, either by explicit ids or by a
	// Query (mutually exclusive: pass ids and a nil query, or a query
	// and nil ids).
	Delete(ctx context.Context, table string, ids []string, query *Query) (int, error)

	// Lookup fetches a single row by id. ok is false if absent.
	Lookup(ctx context.Context, table, id string) (item value.Item, ok bool, err error)

	// Read executes q against its table and returns matching rows.
	Read(ctx context.Context, q Query) (ReadResult, error)

	// QueryRows executes q and returns just the rows, with no
	// total-count bookkeeping -- used internally by the operation queue,
	// the error store, purge and the change tracker.
	QueryRows(ctx context.Context, q Query) ([]value.Item, error)
}
