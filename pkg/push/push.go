// Package push implements the push engine: it walks the
// Operation Queue in sequence order, sends each pending operation to its
// remote table, and classifies whatever comes back.
package push

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/synctable/go-table-sync/pkg/locks"
	"github.com/synctable/go-table-sync/pkg/ops"
	"github.com/synctable/go-table-sync/pkg/queue"
	"github.com/synctable/go-table-sync/pkg/remote"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/value"
)

// Result summarizes one Run call.
type Result struct {
	Pushed int
	Errors []*syncerr.OperationError
	Abort  *syncerr.Error // non-nil if the batch stopped early
}

// ErrorStore persists the error row recorded on a per-operation
// failure, and removes rows the application acknowledged from its
// push-complete callback. Optional: a nil ErrorStore means errors are
// reported only in-memory via Result.Errors for the current call, not
// persisted to the "__errors" system table.
type ErrorStore interface {
	Put(ctx context.Context, opErr *syncerr.OperationError) error
	Delete(ctx context.Context, operationID string) error
}

// Engine is the Push Engine.
type Engine struct {
	// DB is the Local Store handle push writes server results back
	// through; a Sync Context hands in a change-tracking decorator here
	// (pkg/tracker) so write-backs are reported as ServerPush changes.
	DB      store.LocalStore
	Queue   *queue.Queue
	Remotes remote.TableFactory
	Locks   *locks.NamedMutexRegistry
	Errors  ErrorStore

	// OnComplete is called once per Run, after the walk finishes or the
	// batch aborts, with the batch's result. The callback may call
	// MarkHandled on individual errors; the engine deletes the
	// acknowledged error rows and drops them from Result.Errors, so only
	// genuinely unhandled errors surface to the caller.
	OnComplete func(*Result)

	// NewBackOff builds the retry policy for a single operation's remote
	// call; defaults to an exponential back-off with a 30s ceiling.
	NewBackOff func() backoff.BackOff
}

func (e *Engine) backOff() backoff.BackOff {
	if e.NewBackOff != nil {
		return e.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// Run pushes every pending Table-kind operation whose table is in tables
// (all tables if tables is empty), in queue order, holding the per-item
// lock across each remote call on purpose: a concurrent local mutation
// to the same item waits for the push to resolve rather than racing it.
func (e *Engine) Run(ctx context.Context, tables []string) (Result, error) {
	var result Result
	var afterSeq int64

	for {
		if err := ctx.Err(); err != nil {
			result.Abort = syncerr.PushAborted(syncerr.AbortToken, err)
			break
		}
		op, ok, err := e.Queue.Peek(ctx, afterSeq, queue.TableKindTable, tables)
		if err != nil {
			return result, err
		}
		if !ok {
			break
		}
		afterSeq = op.Sequence

		unlockItem, err := e.Locks.Lock(ctx, locks.ItemKey(op.TableName, op.ItemID))
		if err != nil {
			return result, err
		}
		opErr, abort, runErr := e.runOne(ctx, op)
		unlockItem()
		if runErr != nil {
			return result, runErr
		}
		if opErr != nil {
			result.Errors = append(result.Errors, opErr)
		} else if abort == nil {
			result.Pushed++
		}
		if abort != nil {
			result.Abort = abort
			break
		}
	}

	if err := e.complete(ctx, &result); err != nil {
		return result, err
	}
	return result, nil
}

// complete runs the push-complete callback, deletes the error rows the
// callback acknowledged, and keeps only unhandled errors in result.
func (e *Engine) complete(ctx context.Context, result *Result) error {
	if e.OnComplete != nil {
		e.OnComplete(result)
	}
	unhandled := result.Errors[:0]
	for _, opErr := range result.Errors {
		if !opErr.Handled() {
			unhandled = append(unhandled, opErr)
			continue
		}
		if e.Errors != nil {
			if err := e.Errors.Delete(ctx, opErr.OperationID); err != nil {
				return err
			}
		}
	}
	result.Errors = unhandled
	return nil
}

// runOne sends a single operation to its remote table, retrying
// transient failures with backOff, and classifies the outcome. A non-nil
// opErr means the operation failed in a way attributable to that single
// row (conflict, validation, not-found) and push should continue with the
// next one. A non-nil abort means the whole batch must stop.
func (e *Engine) runOne(ctx context.Context, op *queue.Operation) (opErr *syncerr.OperationError, abort *syncerr.Error, err error) {
	op.State = queue.Attempted
	if err := e.Queue.Update(ctx, op); err != nil {
		return nil, nil, err
	}

	table, tableErr := e.Remotes.Table(op.TableName)
	if tableErr != nil {
		return e.abort(ctx, op, syncerr.AbortOperation, tableErr)
	}

	item, found, lookupErr := e.itemFor(ctx, op)
	if lookupErr != nil {
		return nil, nil, lookupErr
	}
	if !found {
		// The local row vanished between enqueue and push. Record a
		// missing-item error with an {id} stub and move on.
		return e.missingItemError(ctx, op)
	}

	strat := ops.ForKind(op.Kind)

	var result value.Item
	callErr := backoff.Retry(func() error {
		var err error
		result, err = strat.ExecuteRemote(ctx, table, op, item)
		return classifyRetry(err)
	}, backoff.WithContext(e.backOff(), ctx))

	if callErr == nil {
		if strat.WritesResultBack() && result != nil {
			merged := mergeResponse(item, result)
			if err := e.DB.Upsert(ctx, op.TableName, []value.Item{merged}, false); err != nil {
				return nil, nil, err
			}
		}
		if _, err := e.Queue.DeleteOp(ctx, op.ID, op.Version); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}

	return e.classifyFailure(ctx, op, item, callErr)
}

func (e *Engine) itemFor(ctx context.Context, op *queue.Operation) (value.Item, bool, error) {
	if op.Kind == queue.Delete {
		return op.Item, op.Item != nil, nil
	}
	item, ok, err := e.DB.Lookup(ctx, op.TableName, op.ItemID)
	if err != nil {
		return nil, false, syncerr.LocalStoreFailure(err, "push: looking up %s/%s", op.TableName, op.ItemID)
	}
	return item, ok, nil
}

func (e *Engine) missingItemError(ctx context.Context, op *queue.Operation) (*syncerr.OperationError, *syncerr.Error, error) {
	opErr := &syncerr.OperationError{
		OperationID:      op.ID,
		OperationVersion: op.Version,
		Kind:             op.Kind.String(),
		TableName:        op.TableName,
		Item:             value.Item{"id": value.String(op.ItemID)},
		PreviousItem:     op.PreviousItem,
	}
	op.State = queue.Failed
	if err := e.Queue.Update(ctx, op); err != nil {
		return nil, nil, err
	}
	if e.Errors != nil {
		if err := e.Errors.Put(ctx, opErr); err != nil {
			return nil, nil, err
		}
	}
	return opErr, nil, nil
}

// classifyRetry decides whether backoff.Retry should try again. Network
// errors are transient; everything else (HTTP responses, auth) is
// terminal for this attempt and handled by classifyFailure afterward.
func classifyRetry(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*remote.NetworkError); ok {
		return err // retryable
	}
	return backoff.Permanent(err)
}

func (e *Engine) classifyFailure(ctx context.Context, op *queue.Operation, item value.Item, callErr error) (*syncerr.OperationError, *syncerr.Error, error) {
	if perm, ok := callErr.(*backoff.PermanentError); ok {
		callErr = perm.Err
	}

	switch cause := callErr.(type) {
	case *remote.NetworkError:
		return e.abort(ctx, op, syncerr.AbortNetwork, cause)
	case *remote.AuthenticationError:
		return e.abort(ctx, op, syncerr.AbortAuth, cause)
	case *remote.HTTPError:
		return e.recordOperationError(ctx, op, item, cause)
	}
	if errors.Is(callErr, remote.ErrAbortPush) {
		return e.abort(ctx, op, syncerr.AbortOperation, callErr)
	}
	if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
		return e.abort(ctx, op, syncerr.AbortToken, callErr)
	}
	return e.abort(ctx, op, syncerr.AbortInternal, callErr)
}

// abort rolls the in-flight operation back to Pending (an aborted batch
// never consumed it) and stops the batch with reason.
func (e *Engine) abort(ctx context.Context, op *queue.Operation, reason syncerr.AbortReason, cause error) (*syncerr.OperationError, *syncerr.Error, error) {
	op.State = queue.Pending
	if err := e.Queue.Update(ctx, op); err != nil {
		return nil, nil, err
	}
	return nil, syncerr.PushAborted(reason, cause), nil
}

func (e *Engine) recordOperationError(ctx context.Context, op *queue.Operation, item value.Item, httpErr *remote.HTTPError) (*syncerr.OperationError, *syncerr.Error, error) {
	raw, _ := syncerr.ParseRawResult(httpErr.Body)

	opErr := &syncerr.OperationError{
		OperationID:      op.ID,
		OperationVersion: op.Version,
		Kind:             op.Kind.String(),
		HTTPStatus:       httpErr.StatusCode,
		TableName:        op.TableName,
		Item:             item,
		PreviousItem:     op.PreviousItem,
		RawResult:        httpErr.Body,
		Result:           raw,
	}

	op.State = queue.Failed
	if err := e.Queue.Update(ctx, op); err != nil {
		return nil, nil, err
	}
	if e.Errors != nil {
		if err := e.Errors.Put(ctx, opErr); err != nil {
			return nil, nil, err
		}
	}
	return opErr, nil, nil
}

// mergeResponse overlays the remote's response fields on top of the item
// sent, preserving local-only system fields the response doesn't carry
// (the remote never echoes back "deleted", for instance).
func mergeResponse(sent, response value.Item) value.Item {
	out := sent.Clone()
	for k, v := range response {
		out[k] = v
	}
	return out
}
