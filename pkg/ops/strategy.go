// Package ops implements the Insert/Update/Delete table-operation
// variants: their local/remote execution strategies and the
// collapse rules applied when a new operation is enqueued against an
// item that already has one pending.
package ops

import (
	"context"

	"github.com/synctable/go-table-sync/pkg/queue"
	"github.com/synctable/go-table-sync/pkg/remote"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/value"
)

// Strategy is the shared behavior every operation kind implements,
// keeping polymorphism over operation kinds in one place rather than a
// type switch sprinkled across every caller.
type Strategy interface {
	ExecuteLocal(ctx context.Context, db store.LocalStore, op *queue.Operation) error
	ExecuteRemote(ctx context.Context, table remote.Table, op *queue.Operation, item value.Item) (value.Item, error)
	// WritesResultBack reports whether a successful remote call's
	// response item should be upserted into the local store.
	WritesResultBack() bool
	// SerializeItemToQueue reports whether the operation's item must be
	// persisted inline in the queue row (true only for Delete, so the
	// item survives after its local row is removed).
	SerializeItemToQueue() bool
}

// ForKind returns the Strategy for k.
func ForKind(k queue.Kind) Strategy {
	switch k {
	case queue.Insert:
		return insertStrategy{}
	case queue.Update:
		return updateStrategy{}
	case queue.Delete:
		return deleteStrategy{}
	default:
		return insertStrategy{}
	}
}

type insertStrategy struct{}

func (insertStrategy) ExecuteLocal(ctx context.Context, db store.LocalStore, op *queue.Operation) error {
	_, exists, err := db.Lookup(ctx, op.TableName, op.ItemID)
	if err != nil {
		return syncerr.LocalStoreFailure(err, "insert: looking up %s/%s", op.TableName, op.ItemID)
	}
	if exists {
		return syncerr.InconsistentState("insert: id %q already present in table %q", op.ItemID, op.TableName)
	}
	return db.Upsert(ctx, op.TableName, []value.Item{op.Item}, false)
}

func (insertStrategy) ExecuteRemote(ctx context.Context, table remote.Table, _ *queue.Operation, item value.Item) (value.Item, error) {
	return table.Insert(ctx, value.StripSystemFields(item))
}

func (insertStrategy) WritesResultBack() bool     { return true }
func (insertStrategy) SerializeItemToQueue() bool { return false }

type updateStrategy struct{}

func (updateStrategy) ExecuteLocal(ctx context.Context, db store.LocalStore, op *queue.Operation) error {
	// version is preserved: callers populate op.Item including the
	// locally-known version before calling ExecuteLocal.
	return db.Upsert(ctx, op.TableName, []value.Item{op.Item}, false)
}

func (updateStrategy) ExecuteRemote(ctx context.Context, table remote.Table, _ *queue.Operation, item value.Item) (value.Item, error) {
	ifMatch, _ := item[value.SystemVersion].AsString()
	return table.Update(ctx, value.StripSystemFields(item), ifMatch)
}

func (updateStrategy) WritesResultBack() bool     { return true }
func (updateStrategy) SerializeItemToQueue() bool { return false }

type deleteStrategy struct{}

func (deleteStrategy) ExecuteLocal(ctx context.Context, db store.LocalStore, op *queue.Operation) error {
	_, err := db.Delete(ctx, op.TableName, []string{op.ItemID}, nil)
	if err != nil {
		return syncerr.LocalStoreFailure(err, "delete: removing %s/%s", op.TableName, op.ItemID)
	}
	return nil
}

func (deleteStrategy) ExecuteRemote(ctx context.Context, table remote.Table, _ *queue.Operation, item value.Item) (value.Item, error) {
	id, ok := item.ID()
	if !ok {
		return nil, syncerr.InconsistentState("delete: item carried by the queue has no string id")
	}
	ifMatch, _ := item[value.SystemVersion].AsString()
	err := table.Delete(ctx, id, ifMatch)
	if err != nil {
		if httpErr, ok := err.(*remote.HTTPError); ok && httpErr.StatusCode == 404 {
			// the row is already gone remotely; that is what a delete wanted
			return nil, nil
		}
		return nil, err
	}
	return nil, nil
}

func (deleteStrategy) WritesResultBack() bool     { return false }
func (deleteStrategy) SerializeItemToQueue() bool { return true }
