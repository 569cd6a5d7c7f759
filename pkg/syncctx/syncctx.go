// Package syncctx implements the sync context: the single
// owner of the Operation Queue, Sync Settings, and Local Store handle
// that every application-facing operation (insert/update/delete/lookup/
// read/push/pull/purge/conflict-resolution) goes through. It wires the
// leaf packages (queue, ops, push, pull, purge, merge, tracker, locks)
// into one cohesive, process-private engine instance.
package syncctx

import (
	"context"

	"github.com/blang/semver/v4"
	"github.com/cenkalti/backoff/v4"

	"github.com/synctable/go-table-sync/pkg/errstore"
	"github.com/synctable/go-table-sync/pkg/locks"
	"github.com/synctable/go-table-sync/pkg/merge"
	"github.com/synctable/go-table-sync/pkg/ops"
	"github.com/synctable/go-table-sync/pkg/pull"
	"github.com/synctable/go-table-sync/pkg/purge"
	"github.com/synctable/go-table-sync/pkg/push"
	"github.com/synctable/go-table-sync/pkg/queue"
	"github.com/synctable/go-table-sync/pkg/remote"
	"github.com/synctable/go-table-sync/pkg/schema"
	"github.com/synctable/go-table-sync/pkg/settings"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/tracker"
	"github.com/synctable/go-table-sync/pkg/value"
)

// EngineVersion is this module's own protocol version, checked against
// a remote's advertised minimum at Initialize.
const EngineVersion = "1.0.0"

// VersionedFactory is an optional capability a remote.TableFactory can
// implement to refuse engines below its required protocol version.
type VersionedFactory interface {
	MinEngineVersion() string
}

// Options configures a new Context.
type Options struct {
	Store   store.LocalStore
	Remotes remote.TableFactory
	Tables  []*schema.TableDefinition

	Tracking tracker.Options
	OnChange tracker.Handler
	OnBatch  tracker.BatchHandler

	Comparers *value.ComparerRegistry

	// OnPushComplete is invoked once per push batch with its result; the
	// callback may MarkHandled individual errors to acknowledge them
	// before the push call settles.
	OnPushComplete func(*push.Result)

	// NewBackOff overrides the push engine's per-operation retry policy.
	NewBackOff func() backoff.BackOff
}

// Context is the Sync Context: the exclusive owner of the Operation
// Queue, Sync Settings, and Local Store handle.
// Concurrent engine instances over the same store are not supported
// by this engine.
type Context struct {
	db        store.LocalStore
	remotes   remote.TableFactory
	registry  *schema.Registry
	validator *schema.Validator
	comparers *value.ComparerRegistry

	queue    *queue.Queue
	settings *settings.Store
	errors   *errstore.Store

	mutexes    *locks.NamedMutexRegistry
	rw         *locks.RWLock
	serializer *locks.ActionSerializer

	pushEngine  *push.Engine
	pullEngine  *pull.Engine
	purgeEngine *purge.Engine
	resolver    *merge.OperationResolution
	tracker     *tracker.Tracker

	// localDB and resolveDB are c.db wrapped in change-tracking
	// decorators tagged SourceLocal / SourceLocalConflictResolution
	// (plain c.db when tracking is off).
	localDB   store.LocalStore
	resolveDB store.LocalStore
}

// New builds a Context over opts. Call Initialize before using it.
func New(opts Options) (*Context, error) {
	if opts.Store == nil {
		return nil, syncerr.InvalidInput("syncctx: Store is required")
	}
	if opts.Remotes == nil {
		return nil, syncerr.InvalidInput("syncctx: Remotes is required")
	}

	registry := schema.NewRegistry()
	for _, def := range opts.Tables {
		if err := registry.Define(def); err != nil {
			return nil, err
		}
	}

	c := &Context{
		db:         opts.Store,
		remotes:    opts.Remotes,
		registry:   registry,
		validator:  schema.NewValidator(registry),
		comparers:  opts.Comparers,
		mutexes:    locks.NewNamedMutexRegistry(),
		rw:         &locks.RWLock{},
		serializer: locks.NewActionSerializer(),
	}
	c.queue = queue.New(c.db, c.mutexes)
	c.settings = settings.New(c.db)
	c.errors = errstore.New(c.db)

	pushDB, pullDB, purgeDB := c.db, c.db, c.db
	c.localDB, c.resolveDB = c.db, c.db
	if opts.OnChange != nil || opts.OnBatch != nil {
		c.tracker = tracker.New(opts.Tracking, opts.OnChange)
		c.tracker.SetBatchHandler(opts.OnBatch)
		pushDB = c.tracker.Wrap(c.db, store.SourceServerPush)
		pullDB = c.tracker.Wrap(c.db, store.SourceServerPull)
		purgeDB = c.tracker.Wrap(c.db, store.SourceLocalPurge)
		c.localDB = c.tracker.Wrap(c.db, store.SourceLocal)
		c.resolveDB = c.tracker.Wrap(c.db, store.SourceLocalConflictResolution)
	}

	c.pushEngine = &push.Engine{
		DB: pushDB, Queue: c.queue, Remotes: c.remotes, Locks: c.mutexes,
		Errors: c.errors, OnComplete: opts.OnPushComplete, NewBackOff: opts.NewBackOff,
	}
	c.pullEngine = &pull.Engine{
		DB: pullDB, Queue: c.queue, Settings: c.settings, Remotes: c.remotes,
		Push: c.pushEngine, TableNames: registry.Names,
	}
	c.purgeEngine = &purge.Engine{DB: purgeDB, Queue: c.queue, Settings: c.settings, Errors: c.errors}
	c.resolver = &merge.OperationResolution{Queue: c.queue, Locks: c.mutexes, DB: c.resolveDB}
	return c, nil
}

// Initialize defines every table (including the three system tables) in
// the Local Store, checks the remote's advertised minimum protocol
// version, initializes the store, and loads the Operation Queue.
func (c *Context) Initialize(ctx context.Context) error {
	if vf, ok := c.remotes.(VersionedFactory); ok {
		if err := checkProtocolVersion(vf.MinEngineVersion()); err != nil {
			return err
		}
	}

	if err := c.db.DefineTable(ctx, queue.SystemTableName, nil); err != nil {
		return syncerr.LocalStoreFailure(err, "syncctx: defining %s", queue.SystemTableName)
	}
	if err := c.db.DefineTable(ctx, errstore.SystemTableName, nil); err != nil {
		return syncerr.LocalStoreFailure(err, "syncctx: defining %s", errstore.SystemTableName)
	}
	if err := c.db.DefineTable(ctx, settings.SystemTableName, nil); err != nil {
		return syncerr.LocalStoreFailure(err, "syncctx: defining %s", settings.SystemTableName)
	}
	for _, name := range c.registry.Names() {
		if err := c.db.DefineTable(ctx, name, nil); err != nil {
			return syncerr.LocalStoreFailure(err, "syncctx: defining table %q", name)
		}
	}

	if err := c.db.Initialize(ctx); err != nil {
		return syncerr.LocalStoreFailure(err, "syncctx: initializing local store")
	}
	if err := c.queue.Load(ctx); err != nil {
		return err
	}
	return nil
}

func checkProtocolVersion(minRequired string) error {
	if minRequired == "" {
		return nil
	}
	required, err := semver.Parse(minRequired)
	if err != nil {
		return syncerr.InvalidInput("syncctx: remote advertised an unparseable minimum engine version %q: %v", minRequired, err)
	}
	current, err := semver.Parse(EngineVersion)
	if err != nil {
		return syncerr.InconsistentState("syncctx: engine version %q is unparseable: %v", EngineVersion, err)
	}
	if current.LT(required) {
		return syncerr.InconsistentState("syncctx: engine version %s is older than the remote's required minimum %s", EngineVersion, minRequired)
	}
	return nil
}

func (c *Context) comparerFor(tableName string) value.Comparer {
	return c.comparers.Resolve(tableName, "")
}

// ---- mutation API ----

// Insert enqueues a local insert of item into tableName, applying the
// collapse rules against any operation already pending for
// item's id.
func (c *Context) Insert(ctx context.Context, tableName string, item value.Item) error {
	return c.mutate(ctx, tableName, item, queue.Insert)
}

// Update enqueues a local update of item into tableName.
func (c *Context) Update(ctx context.Context, tableName string, item value.Item) error {
	return c.mutate(ctx, tableName, item, queue.Update)
}

// Delete enqueues a local delete of itemID in tableName.
func (c *Context) Delete(ctx context.Context, tableName, itemID string) error {
	return c.mutate(ctx, tableName, value.Item{"id": value.String(itemID)}, queue.Delete)
}

func (c *Context) mutate(ctx context.Context, tableName string, item value.Item, kind queue.Kind) error {
	id, ok := item.ID()
	if !ok {
		return syncerr.InvalidInput("syncctx: item requires an id")
	}
	if err := c.validator.Validate(tableName, item); err != nil {
		return syncerr.InvalidInput("%v", err)
	}

	unlockItem, err := c.mutexes.Lock(ctx, locks.ItemKey(tableName, id))
	if err != nil {
		return err
	}
	defer unlockItem()
	unlockTable, err := c.mutexes.Lock(ctx, locks.TableKey(tableName))
	if err != nil {
		return err
	}
	defer unlockTable()
	unlockWriter, err := c.rw.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlockWriter()

	existing, found, err := c.queue.GetByItem(ctx, tableName, id)
	if err != nil {
		return err
	}
	if !found {
		existing = nil
	}

	action, collapseErr := ops.Collapse(existing, kind)
	if collapseErr != nil {
		return collapseErr
	}

	var previousItem value.Item
	if kind != queue.Delete {
		if current, ok, err := c.db.Lookup(ctx, tableName, id); err != nil {
			return syncerr.LocalStoreFailure(err, "syncctx: reading current state of %s/%s", tableName, id)
		} else if ok {
			previousItem = current.Clone()
		}
	} else if current, ok, err := c.db.Lookup(ctx, tableName, id); err == nil && ok {
		item = current.Clone()
	}

	newOp := &queue.Operation{Kind: kind, TableName: tableName, ItemID: id, PreviousItem: previousItem}
	if kind == queue.Delete {
		newOp.Item = item
	}

	if _, err := ops.Apply(ctx, c.queue, existing, action, newOp, item); err != nil {
		return err
	}
	if c.errors != nil && existing != nil {
		_ = c.errors.Delete(ctx, existing.ID)
	}

	strat := ops.ForKind(kind)
	localOp := &queue.Operation{TableName: tableName, ItemID: id, Item: item}
	return strat.ExecuteLocal(ctx, c.localDB, localOp)
}

// Lookup reads a single row by id.
func (c *Context) Lookup(ctx context.Context, tableName, id string) (value.Item, bool, error) {
	unlock, err := c.rw.RLock(ctx)
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	item, ok, err := c.db.Lookup(ctx, tableName, id)
	if err != nil {
		return nil, false, syncerr.LocalStoreFailure(err, "syncctx: looking up %s/%s", tableName, id)
	}
	return item, ok, nil
}

// Read executes q against the Local Store.
func (c *Context) Read(ctx context.Context, q store.Query) (store.ReadResult, error) {
	unlock, err := c.rw.RLock(ctx)
	if err != nil {
		return store.ReadResult{}, err
	}
	defer unlock()
	result, err := c.db.Read(ctx, q)
	if err != nil {
		return store.ReadResult{}, syncerr.LocalStoreFailure(err, "syncctx: reading %q", q.Table)
	}
	return result, nil
}

// ---- actions (Push/Pull/Purge never interleave) ----

// Push drains the Operation Queue for tables (all tables if empty),
// returning the batch's PushAborted error when it aborted, or a
// PushFailed error when per-operation errors went unhandled.
func (c *Context) Push(ctx context.Context, tables []string) (push.Result, error) {
	var result push.Result
	err := c.serializer.Run(ctx, func(ctx context.Context) error {
		if c.tracker != nil {
			c.tracker.BeginBatch(store.SourceServerPush)
			defer c.tracker.EndBatch(store.SourceServerPush)
		}
		var runErr error
		result, runErr = c.pushEngine.Run(ctx, tables)
		return runErr
	})
	if err != nil {
		return result, err
	}
	if result.Abort != nil {
		return result, result.Abort
	}
	if len(result.Errors) > 0 {
		return result, syncerr.PushFailed(result.Errors)
	}
	return result, nil
}

// Pull runs one pull.Query through the Action Runner.
func (c *Context) Pull(ctx context.Context, q pull.Query) (pull.Result, error) {
	var result pull.Result
	err := c.serializer.Run(ctx, func(ctx context.Context) error {
		if c.tracker != nil {
			// a dirty pull may run a push first, so both batch scopes
			// are open for the duration of the action
			c.tracker.BeginBatch(store.SourceServerPull)
			defer c.tracker.EndBatch(store.SourceServerPull)
			c.tracker.BeginBatch(store.SourceServerPush)
			defer c.tracker.EndBatch(store.SourceServerPush)
		}
		var runErr error
		result, runErr = c.pullEngine.Run(ctx, q)
		return runErr
	})
	return result, err
}

// Purge runs one purge.Request through the Action Runner.
func (c *Context) Purge(ctx context.Context, req purge.Request) (purge.Result, error) {
	var result purge.Result
	err := c.serializer.Run(ctx, func(ctx context.Context) error {
		if c.tracker != nil {
			c.tracker.BeginBatch(store.SourceLocalPurge)
			defer c.tracker.EndBatch(store.SourceLocalPurge)
		}
		var runErr error
		result, runErr = c.purgeEngine.Run(ctx, req)
		return runErr
	})
	return result, err
}

// ---- conflict resolution ----

// Conflict loads the error row for operationID and builds its
// three-way conflict set against the item's current local state.
func (c *Context) Conflict(ctx context.Context, operationID string) (*merge.Conflict, error) {
	opErr, ok, err := c.errors.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, syncerr.InvalidInput("syncctx: no error recorded for operation %s", operationID)
	}
	local, ok, err := c.db.Lookup(ctx, opErr.TableName, mustID(opErr))
	if err != nil {
		return nil, syncerr.LocalStoreFailure(err, "syncctx: reading local state for conflict on operation %s", operationID)
	}
	if !ok {
		local = value.Item{}
	}
	return merge.BuildConflict(opErr, local, c.comparerFor(opErr.TableName))
}

func mustID(opErr *syncerr.OperationError) string {
	if opErr.Item != nil {
		if id, ok := opErr.Item.ID(); ok {
			return id
		}
	}
	if opErr.PreviousItem != nil {
		if id, ok := opErr.PreviousItem.ID(); ok {
			return id
		}
	}
	return ""
}

// MergeAndUpdate resolves a Conflict previously built by Conflict,
// serializing with the item, table, and writer locks,
// and deletes the resolved error row on success.
func (c *Context) MergeAndUpdate(ctx context.Context, tableName, itemID string, conflict *merge.Conflict) (value.Item, error) {
	unlockItem, err := c.mutexes.Lock(ctx, locks.ItemKey(tableName, itemID))
	if err != nil {
		return nil, err
	}
	defer unlockItem()
	unlockTable, err := c.mutexes.Lock(ctx, locks.TableKey(tableName))
	if err != nil {
		return nil, err
	}
	defer unlockTable()
	unlockWriter, err := c.rw.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlockWriter()

	merged, _, err := conflict.MergeAndUpdate(ctx, c.resolveDB, c.queue, tableName)
	if err != nil {
		return nil, err
	}
	if err := c.errors.Delete(ctx, conflict.Operation.OperationID); err != nil {
		return nil, err
	}
	return merged, nil
}

// CancelAndDiscard deletes the failed operation and reverts the local
// row to remoteItem (or removes it entirely if remoteItem is nil).
func (c *Context) CancelAndDiscard(ctx context.Context, opErr *syncerr.OperationError, remoteItem value.Item) error {
	id := mustID(opErr)
	if err := c.resolver.CancelAndDiscard(ctx, opErr.TableName, id, opErr.OperationID, remoteItem); err != nil {
		return err
	}
	return c.errors.Delete(ctx, opErr.OperationID)
}

// CancelAndUpdate deletes the failed operation and keeps item as the
// local row's state without resending it.
func (c *Context) CancelAndUpdate(ctx context.Context, opErr *syncerr.OperationError, item value.Item) error {
	id := mustID(opErr)
	if err := c.resolver.CancelAndUpdate(ctx, opErr.TableName, id, opErr.OperationID, item); err != nil {
		return err
	}
	return c.errors.Delete(ctx, opErr.OperationID)
}

// UpdateOperation rewrites the failed operation's payload and clears its
// error row so the next push retries it.
func (c *Context) UpdateOperation(ctx context.Context, opErr *syncerr.OperationError, item value.Item) error {
	ok, err := c.resolver.UpdateOperation(ctx, opErr.OperationID, opErr.OperationVersion, item)
	if err != nil {
		return err
	}
	if !ok {
		return syncerr.InconsistentState("syncctx: operation %s was modified concurrently", opErr.OperationID)
	}
	return c.errors.Delete(ctx, opErr.OperationID)
}
