// Package purge implements the purge action: a bulk local
// wipe of a table (or a filtered slice of it) that also reconciles the
// Operation Queue and the error rows attached to it, since a purge that
// left dangling pending operations or error rows for rows that no longer
// exist would corrupt both invariants the queue depends on.
package purge

import (
	"context"

	"github.com/synctable/go-table-sync/pkg/queue"
	"github.com/synctable/go-table-sync/pkg/settings"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/value"
)

// ErrorStore is the narrow slice of errstore.Store that Purge needs.
type ErrorStore interface {
	Delete(ctx context.Context, operationID string) error
}

// Request describes one purge call.
type Request struct {
	TableName string
	QueryID   string // scopes which delta token to reset; empty resets none
	Query     store.Query
	Force     bool
}

// Result summarizes what Run removed.
type Result struct {
	OperationsDeleted int
	RecordsDeleted    int
}

// Engine is the Purge action.
type Engine struct {
	DB       store.LocalStore
	Queue    *queue.Queue
	Settings *settings.Store
	Errors   ErrorStore
}

func hasFilter(q store.Query) bool {
	return len(q.Filters) > 0 || len(q.Projection) > 0
}

// Run executes req. If the table has pending operations and either
// Force is false or the query carries a filter, Run fails with an
// InconsistentState error that reports the pending count; the taxonomy
// has no separate pending-operations kind -- a filtered purge cannot guarantee every row it
// removes is free of in-flight local state, so it refuses rather than
// silently losing an edit.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	if req.TableName == "" {
		return Result{}, syncerr.InvalidInput("purge: table name is required")
	}

	pending, err := e.Queue.CountPending(ctx, req.TableName)
	if err != nil {
		return Result{}, err
	}
	if pending > 0 && (!req.Force || hasFilter(req.Query)) {
		return Result{}, syncerr.InconsistentState("purge: table %q has %d pending operation(s); pass force on an unfiltered purge to discard them", req.TableName, pending)
	}

	var result Result
	if pending > 0 {
		rows, err := e.DB.QueryRows(ctx, store.Query{Table: queue.SystemTableName, IncludeDeleted: true,
			Filters: []store.Filter{{Property: "tableName", Op: store.OpEqual, Value: value.String(req.TableName)}}})
		if err != nil {
			return result, syncerr.LocalStoreFailure(err, "purge: listing pending operations for %s", req.TableName)
		}
		for _, row := range rows {
			id, _ := row["id"].AsString()
			if e.Errors != nil {
				if err := e.Errors.Delete(ctx, id); err != nil {
					return result, err
				}
			}
			if err := e.Queue.DeleteUnconditional(ctx, id); err != nil {
				return result, err
			}
			result.OperationsDeleted++
		}
	}

	q := req.Query
	q.Table = req.TableName
	q.IncludeDeleted = true
	n, err := e.DB.Delete(ctx, req.TableName, nil, &q)
	if err != nil {
		return result, syncerr.LocalStoreFailure(err, "purge: deleting rows in %s", req.TableName)
	}
	result.RecordsDeleted = n

	if req.QueryID != "" {
		if err := e.Settings.ClearDeltaToken(ctx, req.TableName, req.QueryID); err != nil {
			return result, err
		}
	}
	return result, nil
}
