// Package tracker implements the change tracker: a thin
// decorator over the Local Store that, for non-system tables, emits
// per-record events tagged with the mutation's source and batch, plus a
// per-batch aggregate of counts by change kind when the batch scope
// closes.
package tracker

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/value"
)

// ChangeKind classifies one observed record mutation. Upsert is the
// unclassified write reported when DetectInsertsAndUpdates is off and the
// tracker has not read the prior row to tell an insert from an update.
type ChangeKind int

const (
	ChangeUpsert ChangeKind = iota
	ChangeInsert
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "Insert"
	case ChangeUpdate:
		return "Update"
	case ChangeDelete:
		return "Delete"
	default:
		return "Upsert"
	}
}

// Change is one observed record mutation.
type Change struct {
	TableName string
	ItemID    string
	Item      value.Item // nil for deletes
	Kind      ChangeKind
	Source    store.Source
	BatchID   string // empty outside a push/pull batch scope
}

// Handler is called for every per-record change that passes the
// tracker's filters.
type Handler func(Change)

// BatchSummary aggregates one closed batch scope's counts by change kind.
type BatchSummary struct {
	BatchID string
	Source  store.Source
	Inserts int
	Updates int
	Upserts int
	Deletes int
}

// BatchHandler is called when a batch scope closes, if the matching
// Notify*Batch flag is set.
type BatchHandler func(BatchSummary)

// Options selects which events reach
// the handlers.
type Options struct {
	NotifyLocalOperations                   bool
	NotifyLocalConflictResolutionOperations bool
	NotifyServerPullOperations              bool
	NotifyServerPushOperations              bool
	NotifyServerPullBatch                   bool
	NotifyServerPushBatch                   bool

	// DetectInsertsAndUpdates makes the tracker read existing ids before
	// an upsert so each row can be classified Insert vs Update instead of
	// the generic Upsert.
	DetectInsertsAndUpdates bool
	// DetectRecordChanges enables per-record notifications at all; with
	// it off, only batch summaries (if their flags are set) are emitted.
	DetectRecordChanges bool

	// Tables restricts tracking to a set of table names; empty means all
	// non-system tables.
	Tables []string
}

// Tracker owns the filter/batch state; store decorators built with Wrap
// report through it. A Tracker is scoped to one engine instance; batch
// scopes within it are scoped to a single push/pull/purge/resolution
// invocation.
type Tracker struct {
	opts         Options
	handler      Handler
	batchHandler BatchHandler
	tableFilter  map[string]struct{}

	mu      sync.Mutex
	batches map[store.Source]*BatchSummary
}

// New builds a Tracker that calls handler for every change Options lets
// through. handler may be nil when only batch summaries are wanted.
func New(opts Options, handler Handler) *Tracker {
	t := &Tracker{opts: opts, handler: handler, batches: map[store.Source]*BatchSummary{}}
	if len(opts.Tables) > 0 {
		t.tableFilter = make(map[string]struct{}, len(opts.Tables))
		for _, name := range opts.Tables {
			t.tableFilter[name] = struct{}{}
		}
	}
	return t
}

// SetBatchHandler registers the callback invoked on EndBatch.
func (t *Tracker) SetBatchHandler(h BatchHandler) { t.batchHandler = h }

// BeginBatch opens a batch scope for source, returning its id. At most
// one scope per source is active at a time; the action serializer already
// guarantees push/pull/purge never interleave.
func (t *Tracker) BeginBatch(source store.Source) string {
	id := uuid.New().String()
	t.mu.Lock()
	t.batches[source] = &BatchSummary{BatchID: id, Source: source}
	t.mu.Unlock()
	return id
}

// EndBatch closes the batch scope for source, emitting its aggregate
// counts when the matching Notify*Batch flag is set.
func (t *Tracker) EndBatch(source store.Source) {
	t.mu.Lock()
	summary := t.batches[source]
	delete(t.batches, source)
	t.mu.Unlock()
	if summary == nil || t.batchHandler == nil {
		return
	}
	if summary.Inserts == 0 && summary.Updates == 0 && summary.Upserts == 0 && summary.Deletes == 0 {
		return
	}
	switch source {
	case store.SourceServerPull:
		if !t.opts.NotifyServerPullBatch {
			return
		}
	case store.SourceServerPush:
		if !t.opts.NotifyServerPushBatch {
			return
		}
	default:
		return
	}
	t.batchHandler(*summary)
}

func (t *Tracker) tracked(tableName string) bool {
	if strings.HasPrefix(tableName, "__") {
		return false
	}
	if t.tableFilter != nil {
		if _, ok := t.tableFilter[tableName]; !ok {
			return false
		}
	}
	return true
}

func (t *Tracker) recordFlag(source store.Source) bool {
	switch source {
	case store.SourceLocal, store.SourceLocalPurge:
		return t.opts.NotifyLocalOperations
	case store.SourceLocalConflictResolution:
		return t.opts.NotifyLocalConflictResolutionOperations
	case store.SourceServerPull:
		return t.opts.NotifyServerPullOperations
	case store.SourceServerPush:
		return t.opts.NotifyServerPushOperations
	default:
		return false
	}
}

// report counts c into the active batch for its source and, when
// per-record notifications are enabled for that source, hands it to the
// handler.
func (t *Tracker) report(c Change) {
	t.mu.Lock()
	if summary := t.batches[c.Source]; summary != nil {
		c.BatchID = summary.BatchID
		switch c.Kind {
		case ChangeInsert:
			summary.Inserts++
		case ChangeUpdate:
			summary.Updates++
		case ChangeDelete:
			summary.Deletes++
		default:
			summary.Upserts++
		}
	}
	t.mu.Unlock()

	if t.handler == nil || !t.opts.DetectRecordChanges || !t.recordFlag(c.Source) {
		return
	}
	t.handler(c)
}

// Wrap returns a store.LocalStore decorator that reports every mutation
// of a tracked table through t, tagged with source.
func (t *Tracker) Wrap(db store.LocalStore, source store.Source) store.LocalStore {
	return &trackedStore{db: db, tracker: t, source: source}
}

type trackedStore struct {
	db      store.LocalStore
	tracker *Tracker
	source  store.Source
}

func (s *trackedStore) DefineTable(ctx context.Context, name string, schema interface{}) error {
	return s.db.DefineTable(ctx, name, schema)
}

func (s *trackedStore) Initialize(ctx context.Context) error { return s.db.Initialize(ctx) }

func (s *trackedStore) Lookup(ctx context.Context, table, id string) (value.Item, bool, error) {
	return s.db.Lookup(ctx, table, id)
}

func (s *trackedStore) Read(ctx context.Context, q store.Query) (store.ReadResult, error) {
	return s.db.Read(ctx, q)
}

func (s *trackedStore) QueryRows(ctx context.Context, q store.Query) ([]value.Item, error) {
	return s.db.QueryRows(ctx, q)
}

// Upsert classifies and reports each written row. With
// DetectInsertsAndUpdates set it reads existing ids first; for every
// source other than SourceLocal it also suppresses rows whose incoming
// version matches the stored one, since those carry no real change.
func (s *trackedStore) Upsert(ctx context.Context, table string, items []value.Item, ignoreMissingColumns bool) error {
	if !s.tracker.tracked(table) {
		return s.db.Upsert(ctx, table, items, ignoreMissingColumns)
	}

	changes := make([]Change, 0, len(items))
	for _, item := range items {
		id, _ := item.ID()
		kind := ChangeUpsert
		suppress := false
		if s.tracker.opts.DetectInsertsAndUpdates || s.source != store.SourceLocal {
			existing, found, err := s.db.Lookup(ctx, table, id)
			if err != nil {
				return err
			}
			if s.tracker.opts.DetectInsertsAndUpdates {
				if found {
					kind = ChangeUpdate
				} else {
					kind = ChangeInsert
				}
			}
			if found && s.source != store.SourceLocal {
				suppress = sameVersion(existing, item)
			}
		}
		if !suppress {
			changes = append(changes, Change{TableName: table, ItemID: id, Item: item, Kind: kind, Source: s.source})
		}
	}

	if err := s.db.Upsert(ctx, table, items, ignoreMissingColumns); err != nil {
		return err
	}
	for _, c := range changes {
		s.tracker.report(c)
	}
	return nil
}

// Delete reports one Delete change per removed row. A query-shaped
// delete resolves the affected ids up front, since the store's return
// value only carries a count.
func (s *trackedStore) Delete(ctx context.Context, table string, ids []string, query *store.Query) (int, error) {
	if !s.tracker.tracked(table) {
		return s.db.Delete(ctx, table, ids, query)
	}

	affected := ids
	if affected == nil && query != nil {
		rows, err := s.db.QueryRows(ctx, *query)
		if err != nil {
			return 0, err
		}
		for _, row := range rows {
			if id, ok := row.ID(); ok {
				affected = append(affected, id)
			}
		}
	}

	n, err := s.db.Delete(ctx, table, ids, query)
	if err != nil {
		return n, err
	}
	for _, id := range affected {
		s.tracker.report(Change{TableName: table, ItemID: id, Kind: ChangeDelete, Source: s.source})
	}
	return n, nil
}

// sameVersion reports whether existing and incoming carry an equal,
// present version token.
func sameVersion(existing, incoming value.Item) bool {
	ev, okE := existing[value.SystemVersion]
	iv, okI := incoming[value.SystemVersion]
	if !okE || !okI {
		return false
	}
	return value.DefaultComparer(ev, iv)
}
