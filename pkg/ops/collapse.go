package ops

import (
	"context"

	"github.com/synctable/go-table-sync/pkg/queue"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/value"
)

// CollapseAction names what Collapse decided to do with a newly-requested
// operation against an item that already has one queued.
type CollapseAction int

const (
	// ActionEnqueue means no prior operation existed; queue the new one as-is.
	ActionEnqueue CollapseAction = iota
	// ActionMerge means the existing operation's kind is preserved but
	// it now carries the new item: its version is bumped and its state
	// reset to Pending. Used for Insert+Update and Update+Update, where
	// the existing kind is what the remote must still see.
	ActionMerge
	// ActionReplace means rewrite the existing operation in place (same
	// queue row, same sequence) with the new kind, carrying newItem
	// inline. Update+Delete replaces the existing row rather than doing
	// a separate delete-and-enqueue, so the single-row-per-item
	// invariant never has a window where two rows exist for one id.
	ActionReplace
	// ActionCancel means discard the existing operation entirely and do
	// not enqueue anything new -- the two operations annihilate.
	ActionCancel
	// ActionNoop means the existing operation already captures the new
	// request's effect; leave it untouched.
	ActionNoop
)

// Collapse decides how a new local operation against (existing.TableName,
// existing.ItemID) combines with an already-queued operation, per the
// collapse-rule matrix. existing is nil when no operation is currently
// queued for the item. newKind is the kind of the new request; Collapse
// never sees the item payload, which Apply carries.
//
// Rules:
//   - insert, then update before push: collapsed into a single insert
//     carrying the merged item -- the remote never needs to see two calls
//     for an item it has never heard of.
//   - insert, then delete before push: both vanish. The item was never
//     sent, so there is nothing for the remote to undo. This only holds
//     while the insert is still Pending: once it has touched the
//     network (Attempted, or Failed after e.g. a duplicate-id response),
//     the remote may already have the row, so the delete is rejected
//     instead of silently annihilated.
//   - update, then update: collapsed into one update carrying the latest
//     item.
//   - update, then delete: collapsed into delete; the update's changes
//     are moot once the row is gone.
//   - delete, then delete: a no-op; the row is already queued for removal.
//   - delete, then insert or update: rejected. A pending delete means the
//     local row is gone; reintroducing it without going through a fresh
//     insert flow would leave the queue describing two contradictory
//     futures for the same id.
//   - existing operation already Attempted (in flight to the remote) and
//     a new kind arrives that isn't the exact same kind: rejected,
//     because the in-flight call's outcome is not yet known and blindly
//     rewriting the queued row could lose track of what the remote is
//     about to acknowledge.
func Collapse(existing *queue.Operation, newKind queue.Kind) (CollapseAction, error) {
	if existing == nil {
		return ActionEnqueue, nil
	}

	if existing.State == queue.Attempted && newKind != existing.Kind {
		return ActionCancel, syncerr.InconsistentState(
			"item %s/%s has an in-flight %s operation; cannot queue %s while its outcome is unknown",
			existing.TableName, existing.ItemID, existing.Kind, newKind)
	}

	switch existing.Kind {
	case queue.Insert:
		switch newKind {
		case queue.Insert:
			return ActionCancel, syncerr.InconsistentState(
				"item %s/%s already has a pending insert", existing.TableName, existing.ItemID)
		case queue.Update:
			return ActionMerge, nil
		case queue.Delete:
			if existing.State != queue.Pending {
				return ActionCancel, syncerr.InconsistentState(
					"item %s/%s has a %s insert that already reached the network; cannot delete until its outcome is resolved",
					existing.TableName, existing.ItemID, existing.State)
			}
			return ActionCancel, nil
		}
	case queue.Update:
		switch newKind {
		case queue.Insert:
			return ActionCancel, syncerr.InconsistentState(
				"item %s/%s already has a pending update; cannot insert", existing.TableName, existing.ItemID)
		case queue.Update:
			return ActionMerge, nil
		case queue.Delete:
			return ActionReplace, nil
		}
	case queue.Delete:
		switch newKind {
		case queue.Delete:
			return ActionNoop, nil
		default:
			return ActionCancel, syncerr.InconsistentState(
				"item %s/%s already has a pending delete; cannot %s", existing.TableName, existing.ItemID, newKind)
		}
	}
	return ActionCancel, syncerr.InconsistentState("unrecognized operation kind combination")
}

// Apply executes the outcome of Collapse against q, returning the
// Operation now representing the item (nil if the net effect is that no
// operation remains queued).
func Apply(ctx context.Context, q *queue.Queue, existing *queue.Operation, action CollapseAction, newOp *queue.Operation, newItem value.Item) (*queue.Operation, error) {
	switch action {
	case ActionEnqueue:
		if err := q.Enqueue(ctx, newOp); err != nil {
			return nil, err
		}
		return newOp, nil

	case ActionMerge:
		existing.Version++
		existing.State = queue.Pending
		if existing.Kind == queue.Delete {
			existing.Item = newItem
		}
		if err := q.Update(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil

	case ActionReplace:
		existing.Kind = newOp.Kind
		existing.Version++
		existing.State = queue.Pending
		if newOp.Kind == queue.Delete {
			existing.Item = newItem
		}
		if err := q.Update(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil

	case ActionNoop:
		return existing, nil

	case ActionCancel:
		if existing != nil {
			if err := q.DeleteUnconditional(ctx, existing.ID); err != nil {
				return nil, err
			}
		}
		return nil, nil

	default:
		return nil, syncerr.InconsistentState("unknown collapse action")
	}
}
