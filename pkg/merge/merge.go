// Package merge implements the conflict/merge engine: given
// a failed push, it builds the set of PropertyConflicts between the base
// item (what was sent), the local item (what's in the store now), and the
// remote item (what the server's error response carried back), then
// offers resolution primitives an application uses to resolve each
// conflict and, ultimately, the operation as a whole.
package merge

import (
	"context"
	"encoding/json"

	"dario.cat/mergo"
	jsonpatch "gopkg.in/evanphx/json-patch.v4"

	"github.com/synctable/go-table-sync/pkg/locks"
	"github.com/synctable/go-table-sync/pkg/queue"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/value"
)

// PropertyConflict is one disputed property between base, local, and
// remote item state.
type PropertyConflict struct {
	Property string
	Base     value.Value
	Local    value.Value
	Remote   value.Value
	handled  bool
}

// Conflict is the conflict set for one failed operation.
type Conflict struct {
	Operation *syncerr.OperationError
	Base      value.Item
	Local     value.Item
	Remote    value.Item
	Properties []*PropertyConflict
	comparer  value.Comparer
}

// BuildConflict constructs the conflict set for opErr, comparing every
// property present in any of base/local/remote with comparer (the
// comparer is captured here, per call, rather than read from a
// package-level mutable default -- see value.ComparerRegistry for the
// per-table/property override path). A disputed property whose value is
// an object or array on any side fails with UnsupportedConflictValue:
// the resolution primitives only operate on scalars.
func BuildConflict(opErr *syncerr.OperationError, local value.Item, comparer value.Comparer) (*Conflict, error) {
	if comparer == nil {
		comparer = value.DefaultComparer
	}
	base := opErr.PreviousItem
	remote := opErr.Result

	c := &Conflict{Operation: opErr, Base: base, Local: local, Remote: remote, comparer: comparer}

	names := map[string]struct{}{}
	for k := range base {
		names[k] = struct{}{}
	}
	for k := range local {
		names[k] = struct{}{}
	}
	for k := range remote {
		names[k] = struct{}{}
	}

	for name := range names {
		if value.IsSystemProperty(name) {
			continue
		}
		bv := base[name]
		lv := local[name]
		rv := remote[name]

		localChanged := !comparer(bv, lv)
		remoteChanged := !comparer(bv, rv)
		if !localChanged && !remoteChanged {
			// Neither side touched this property; nothing to reconcile.
			continue
		}
		if comparer(lv, rv) {
			// Both sides converged on the same new value.
			continue
		}
		if !bv.IsPrimitive() || !lv.IsPrimitive() || !rv.IsPrimitive() {
			return nil, syncerr.UnsupportedConflictValue(name)
		}
		c.Properties = append(c.Properties, &PropertyConflict{Property: name, Base: bv, Local: lv, Remote: rv})
	}
	return c, nil
}

// HasConflicts reports whether any property is still in dispute.
func (c *Conflict) HasConflicts() bool {
	for _, p := range c.Properties {
		if !p.handled {
			return true
		}
	}
	return false
}

// localOverlay returns only the properties whose final value (after any
// conflict resolution) differs from base -- i.e. the properties where
// local's side of history should win over whatever the remote currently
// has, rather than every property local happens to carry. A property the
// remote changed but local never touched must fall through to the
// remote's value, not local's stale copy of it.
func (c *Conflict) localOverlay() value.Item {
	overlay := value.Item{}
	for name, lv := range c.Local {
		if value.IsSystemProperty(name) {
			continue
		}
		if !c.comparer(c.Base[name], lv) {
			overlay[name] = lv
		}
	}
	return overlay
}

func (c *Conflict) find(property string) (*PropertyConflict, error) {
	for _, p := range c.Properties {
		if p.Property == property {
			if p.handled {
				return nil, syncerr.AlreadyHandled(property)
			}
			return p, nil
		}
	}
	return nil, syncerr.InvalidInput("merge: %q is not a disputed property", property)
}

// TakeRemote resolves property in favor of the remote's value.
func (c *Conflict) TakeRemote(property string) error {
	p, err := c.find(property)
	if err != nil {
		return err
	}
	c.Local[property] = p.Remote
	p.handled = true
	return nil
}

// TakeLocal resolves property in favor of the local value (it will be
// resent to the remote on the next push).
func (c *Conflict) TakeLocal(property string) error {
	p, err := c.find(property)
	if err != nil {
		return err
	}
	p.handled = true
	return nil
}

// UpdateValue resolves property to an application-supplied value that is
// neither the local nor the remote one.
func (c *Conflict) UpdateValue(property string, v value.Value) error {
	if !v.IsPrimitive() {
		return syncerr.UnsupportedConflictValue(property)
	}
	p, err := c.find(property)
	if err != nil {
		return err
	}
	c.Local[property] = v
	p.handled = true
	return nil
}

// MergeAndUpdate requires every conflict to be handled, then overlays the
// resolved local item onto the remote's view of the row with mergo --
// giving properties the remote changed (and that were never in conflict)
// priority over stale base values -- and re-submits the merged item as the
// failed operation's new payload: a CAS update against the queued row
// that bumps its version and resets it to Pending, so the next push
// retries the same operation rather than a duplicate one.
//
// The overlay is computed twice: once via mergo.Merge for the common
// case of disjoint, scalar-valued maps, and the result is additionally
// run through a JSON merge patch diff (evanphx/json-patch) purely to
// produce a human-readable patch document for audit logging -- the merged
// item mergo produced is what is actually persisted and requeued.
func (c *Conflict) MergeAndUpdate(ctx context.Context, db store.LocalStore, q *queue.Queue, table string) (value.Item, []byte, error) {
	if c.HasConflicts() {
		return nil, nil, syncerr.InvalidInput("merge: %d propert(ies) still unresolved", len(unhandled(c.Properties)))
	}

	merged := c.Remote.Clone()
	overlay := itemToInterface(c.localOverlay())
	base := itemToInterface(merged)
	if err := mergo.Merge(&base, overlay, mergo.WithOverride); err != nil {
		return nil, nil, syncerr.InconsistentState("merge: overlaying local onto remote: %v", err)
	}
	merged = value.FromInterface(base)

	patch, patchErr := diffPatch(c.Remote, merged)
	if patchErr != nil {
		patch = nil // patch is advisory only; never fail the merge over it
	}

	if err := db.Upsert(ctx, table, []value.Item{merged}, false); err != nil {
		return nil, nil, syncerr.LocalStoreFailure(err, "merge: writing merged item")
	}

	ok, err := q.UpdateItem(ctx, c.Operation.OperationID, c.Operation.OperationVersion, merged)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, syncerr.InconsistentState(
			"merge: operation %s changed since this conflict was built; rebuild it from the current error row",
			c.Operation.OperationID)
	}
	return merged, patch, nil
}

func diffPatch(before, after value.Item) ([]byte, error) {
	a, err := json.Marshal(itemToInterface(before))
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(itemToInterface(after))
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(a, b)
}

// itemToInterface unwraps it into a plain map, reusing Value.Interface's
// recursive unwrapping by round-tripping through an Object Value.
func itemToInterface(it value.Item) map[string]interface{} {
	return value.Object(it).Interface().(map[string]interface{})
}

func unhandled(ps []*PropertyConflict) []*PropertyConflict {
	var out []*PropertyConflict
	for _, p := range ps {
		if !p.handled {
			out = append(out, p)
		}
	}
	return out
}

// OperationResolution is the set of operation-level resolutions an
// application can apply once it has decided it does not want (or need)
// to reconcile properties individually.
type OperationResolution struct {
	Queue *queue.Queue
	Locks *locks.NamedMutexRegistry
	DB    store.LocalStore
}

// CancelAndDiscard drops the failed operation and the local item change
// it represented, reverting the local row to the remote's last-known
// state.
func (r *OperationResolution) CancelAndDiscard(ctx context.Context, tableName, itemID, opID string, remoteItem value.Item) error {
	unlockItem, err := r.Locks.Lock(ctx, locks.ItemKey(tableName, itemID))
	if err != nil {
		return err
	}
	defer unlockItem()
	unlockTable, err := r.Locks.Lock(ctx, locks.TableKey(tableName))
	if err != nil {
		return err
	}
	defer unlockTable()

	if err := r.Queue.DeleteUnconditional(ctx, opID); err != nil {
		return err
	}
	if remoteItem == nil {
		_, err := r.DB.Delete(ctx, tableName, []string{itemID}, nil)
		return err
	}
	return r.DB.Upsert(ctx, tableName, []value.Item{remoteItem}, false)
}

// CancelAndUpdate drops the failed operation but keeps item as the local
// row's new state without resending it (the application has decided the
// remote's copy should simply absorb this locally, e.g. after a manual
// out-of-band fix).
func (r *OperationResolution) CancelAndUpdate(ctx context.Context, tableName, itemID, opID string, item value.Item) error {
	unlockItem, err := r.Locks.Lock(ctx, locks.ItemKey(tableName, itemID))
	if err != nil {
		return err
	}
	defer unlockItem()
	unlockTable, err := r.Locks.Lock(ctx, locks.TableKey(tableName))
	if err != nil {
		return err
	}
	defer unlockTable()

	if err := r.Queue.DeleteUnconditional(ctx, opID); err != nil {
		return err
	}
	return r.DB.Upsert(ctx, tableName, []value.Item{item}, false)
}

// UpdateOperation rewrites the failed operation's item and resets it to
// Pending so the next push attempts it again. For non-Delete kinds it
// also upserts item into the local store -- otherwise the local row
// would keep whatever state it had before this resolution, diverging
// from the payload that's about to be resent.
func (r *OperationResolution) UpdateOperation(ctx context.Context, opID string, expectedVersion int64, item value.Item) (bool, error) {
	op, found, err := r.Queue.GetByID(ctx, opID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	ok, err := r.Queue.UpdateItem(ctx, opID, expectedVersion, item)
	if err != nil || !ok {
		return ok, err
	}

	if op.Kind != queue.Delete {
		if err := r.DB.Upsert(ctx, op.TableName, []value.Item{item}, false); err != nil {
			return true, syncerr.LocalStoreFailure(err, "merge: upserting %s/%s after update_operation", op.TableName, op.ItemID)
		}
	}
	return true, nil
}
