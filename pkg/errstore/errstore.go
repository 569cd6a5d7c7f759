// Package errstore persists the "__errors" system table: one
// row per failed push operation, surviving process restarts so an
// application can resume conflict resolution after a crash the same way
// it resumes the operation queue itself.
package errstore

import (
	"context"

	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/value"
)

// SystemTableName is the system table error rows live in.
const SystemTableName = "__errors"

// Store is the errors table, keyed by operation id (one error row per
// operation, matching the queue's one-pending-op-per-item invariant: a
// failed op either has exactly one error row or none).
type Store struct {
	db store.LocalStore
}

func New(db store.LocalStore) *Store {
	return &Store{db: db}
}

// Put persists opErr, replacing any prior row for the same operation id.
func (s *Store) Put(ctx context.Context, opErr *syncerr.OperationError) error {
	if err := s.db.Upsert(ctx, SystemTableName, []value.Item{toRecord(opErr)}, false); err != nil {
		return syncerr.LocalStoreFailure(err, "errstore: recording error for operation %s", opErr.OperationID)
	}
	return nil
}

// Get returns the error row for operationID, if any.
func (s *Store) Get(ctx context.Context, operationID string) (*syncerr.OperationError, bool, error) {
	row, ok, err := s.db.Lookup(ctx, SystemTableName, operationID)
	if err != nil {
		return nil, false, syncerr.LocalStoreFailure(err, "errstore: looking up error for operation %s", operationID)
	}
	if !ok {
		return nil, false, nil
	}
	return fromRecord(row), true, nil
}

// Delete removes the error row for operationID, if any: an error row
// dies when the user handler acknowledges it or when a superseding
// operation update makes it moot.
func (s *Store) Delete(ctx context.Context, operationID string) error {
	if _, err := s.db.Delete(ctx, SystemTableName, []string{operationID}, nil); err != nil {
		return syncerr.LocalStoreFailure(err, "errstore: deleting error for operation %s", operationID)
	}
	return nil
}

// ListTable returns every error row for tableName, used by Purge to
// clean up error rows alongside the pending operations they belong to.
func (s *Store) ListTable(ctx context.Context, tableName string) ([]*syncerr.OperationError, error) {
	rows, err := s.db.QueryRows(ctx, store.Query{
		Table:          SystemTableName,
		IncludeDeleted: true,
		Filters:        []store.Filter{{Property: "tableName", Op: store.OpEqual, Value: value.String(tableName)}},
	})
	if err != nil {
		return nil, syncerr.LocalStoreFailure(err, "errstore: listing errors for %s", tableName)
	}
	out := make([]*syncerr.OperationError, len(rows))
	for i, row := range rows {
		out[i] = fromRecord(row)
	}
	return out, nil
}

func toRecord(e *syncerr.OperationError) value.Item {
	row := value.Item{
		"id":               value.String(e.OperationID),
		"version":          value.Integer(e.OperationVersion),
		"operationKind":    value.String(e.Kind),
		"operationVersion": value.Integer(e.OperationVersion),
		"tableName":        value.String(e.TableName),
		"tableKind":        value.Integer(0),
		"httpStatus":       value.Integer(int64(e.HTTPStatus)),
		"rawResult":        value.String(e.RawResult),
	}
	if e.Item != nil {
		row["item"] = value.Object(e.Item)
	}
	if e.PreviousItem != nil {
		row["previousItem"] = value.Object(e.PreviousItem)
	}
	if e.Result != nil {
		row["result"] = value.Object(e.Result)
	}
	return row
}

func fromRecord(row value.Item) *syncerr.OperationError {
	e := &syncerr.OperationError{
		OperationID: mustString(row, "id"),
		Kind:        mustString(row, "operationKind"),
		TableName:   mustString(row, "tableName"),
		RawResult:   mustString(row, "rawResult"),
	}
	if n, ok := row["operationVersion"].AsInteger(); ok {
		e.OperationVersion = n
	}
	if n, ok := row["httpStatus"].AsInteger(); ok {
		e.HTTPStatus = int(n)
	}
	if v, ok := row["item"]; ok {
		if obj, ok := v.AsObject(); ok {
			e.Item = obj
		}
	}
	if v, ok := row["previousItem"]; ok {
		if obj, ok := v.AsObject(); ok {
			e.PreviousItem = obj
		}
	}
	if v, ok := row["result"]; ok {
		if obj, ok := v.AsObject(); ok {
			e.Result = obj
		}
	}
	return e
}

func mustString(row value.Item, key string) string {
	s, _ := row[key].AsString()
	return s
}
