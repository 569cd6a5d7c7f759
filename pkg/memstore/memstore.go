// Package memstore is a reference LocalStore implementation (pkg/store)
// backed by hashicorp/go-memdb: one memdb table per sync-engine table,
// each holding dynamic value.Item records indexed by id and by
// updatedAt for cursor-driven pull scans.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/value"
)

// record is the concrete struct stored in each memdb table; Item carries
// the dynamic payload, the remaining fields exist purely to back indexes.
type record struct {
	ID        string
	Item      value.Item
	UpdatedAt time.Time
	Deleted   bool
}

// Store is a go-memdb backed LocalStore.
type Store struct {
	mu       sync.Mutex
	schemas  map[string]*memdb.TableSchema
	db       *memdb.MemDB
	defined  map[string]struct{}
}

var _ store.LocalStore = (*Store)(nil)

// New returns an unintialized Store; call DefineTable for every table,
// then Initialize.
func New() *Store {
	return &Store{
		schemas: map[string]*memdb.TableSchema{},
		defined: map[string]struct{}{},
	}
}

func tableSchema(name string) *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: name,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			"updated_at": {
				Name:    "updated_at",
				Unique:  false,
				Indexer: &timeIndex{Field: "UpdatedAt"},
			},
		},
	}
}

// DefineTable registers name; schema is accepted for interface
// compatibility but unused -- memstore records are schema-free at the
// storage layer (validation against a schema.TableDefinition happens one
// layer up, in pkg/schema.Validator).
func (s *Store) DefineTable(_ context.Context, name string, _ interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return fmt.Errorf("memstore: cannot define table %q after Initialize", name)
	}
	if _, exists := s.defined[name]; exists {
		return fmt.Errorf("memstore: table %q already defined", name)
	}
	s.defined[name] = struct{}{}
	s.schemas[name] = tableSchema(name)
	return nil
}

// Initialize builds the underlying memdb.MemDB from all defined tables.
func (s *Store) Initialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := memdb.NewMemDB(&memdb.DBSchema{Tables: s.schemas})
	if err != nil {
		return fmt.Errorf("memstore: initializing memdb: %w", err)
	}
	s.db = db
	return nil
}

func (s *Store) txn(write bool) (*memdb.Txn, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("memstore: not initialized")
	}
	return db.Txn(write), nil
}

func (s *Store) Upsert(_ context.Context, table string, items []value.Item, ignoreMissingColumns bool) error {
	_ = ignoreMissingColumns
	txn, err := s.txn(true)
	if err != nil {
		return err
	}
	defer txn.Abort()
	for _, it := range items {
		id, ok := it.ID()
		if !ok {
			return fmt.Errorf("memstore: item missing required %q field", "id")
		}
		if err := txn.Insert(table, &record{
			ID:        id,
			Item:      it.Clone(),
			UpdatedAt: it.UpdatedAt(),
			Deleted:   it.Deleted(),
		}); err != nil {
			return fmt.Errorf("memstore: upserting into %q: %w", table, err)
		}
	}
	txn.Commit()
	return nil
}

func (s *Store) Delete(_ context.Context, table string, ids []string, q *store.Query) (int, error) {
	txn, err := s.txn(true)
	if err != nil {
		return 0, err
	}
	defer txn.Abort()

	count := 0
	if q == nil {
		for _, id := range ids {
			n, err := txn.DeleteAll(table, "id", id)
			if err != nil {
				return 0, fmt.Errorf("memstore: deleting %q from %q: %w", id, table, err)
			}
			count += n
		}
		txn.Commit()
		return count, nil
	}

	rows, err := queryTxn(txn, table, *q)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		id, _ := r.ID()
		if _, err := txn.DeleteAll(table, "id", id); err != nil {
			return 0, fmt.Errorf("memstore: deleting %q from %q: %w", id, table, err)
		}
		count++
	}
	txn.Commit()
	return count, nil
}

func (s *Store) Lookup(_ context.Context, table, id string) (value.Item, bool, error) {
	txn, err := s.txn(false)
	if err != nil {
		return nil, false, err
	}
	defer txn.Abort()
	raw, err := txn.First(table, "id", id)
	if err != nil {
		return nil, false, fmt.Errorf("memstore: looking up %q in %q: %w", id, table, err)
	}
	if raw == nil {
		return nil, false, nil
	}
	return raw.(*record).Item.Clone(), true, nil
}

func (s *Store) Read(_ context.Context, q store.Query) (store.ReadResult, error) {
	txn, err := s.txn(false)
	if err != nil {
		return store.ReadResult{}, err
	}
	defer txn.Abort()
	items, err := queryTxn(txn, q.Table, q)
	if err != nil {
		return store.ReadResult{}, err
	}
	result := store.ReadResult{Values: items}
	if q.IncludeTotal {
		n := len(items)
		result.TotalCount = &n
	}
	return result, nil
}

func (s *Store) QueryRows(_ context.Context, q store.Query) ([]value.Item, error) {
	txn, err := s.txn(false)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()
	return queryTxn(txn, q.Table, q)
}

// queryTxn performs a full-table scan filtered and ordered in Go. A
// production local store would push Query down into indexed lookups;
// this reference implementation favors being an obviously-correct oracle
// for tests over query-plan sophistication.
func queryTxn(txn *memdb.Txn, table string, q store.Query) ([]value.Item, error) {
	it, err := txn.Get(table, "id")
	if err != nil {
		return nil, fmt.Errorf("memstore: scanning %q: %w", table, err)
	}
	var out []value.Item
	for raw := it.Next(); raw != nil; raw = it.Next() {
		r := raw.(*record)
		if r.Deleted && !q.IncludeDeleted {
			continue
		}
		if !matches(r.Item, q.Filters) {
			continue
		}
		out = append(out, r.Item.Clone())
	}

	sortItems(out, q.OrderBy)

	if q.Skip > 0 {
		if q.Skip >= len(out) {
			out = nil
		} else {
			out = out[q.Skip:]
		}
	}
	if q.Top > 0 && q.Top < len(out) {
		out = out[:q.Top]
	}
	return out, nil
}

func matches(it value.Item, filters []store.Filter) bool {
	for _, f := range filters {
		v, ok := it[f.Property]
		if !ok {
			return false
		}
		if !evalFilter(v, f) {
			return false
		}
	}
	return true
}

func evalFilter(v value.Value, f store.Filter) bool {
	switch f.Op {
	case store.OpEqual:
		return value.DefaultComparer(v, f.Value)
	case store.OpNotEqual:
		return !value.DefaultComparer(v, f.Value)
	case store.OpGreaterThan, store.OpGreaterOrEqual, store.OpLessThan, store.OpLessOrEqual:
		return compareOrdered(v, f.Value, f.Op)
	default:
		return false
	}
}

func compareOrdered(a, b value.Value, op store.FilterOp) bool {
	at, aok := a.AsTimestamp()
	bt, bok := b.AsTimestamp()
	if aok && bok {
		switch op {
		case store.OpGreaterThan:
			return at.After(bt)
		case store.OpGreaterOrEqual:
			return !at.Before(bt)
		case store.OpLessThan:
			return at.Before(bt)
		case store.OpLessOrEqual:
			return !at.After(bt)
		}
	}
	af, aok := a.AsFloat()
	bf, bok := b.AsFloat()
	if !aok {
		ai, ok := a.AsInteger()
		af, aok = float64(ai), ok
	}
	if !bok {
		bi, ok := b.AsInteger()
		bf, bok = float64(bi), ok
	}
	if aok && bok {
		switch op {
		case store.OpGreaterThan:
			return af > bf
		case store.OpGreaterOrEqual:
			return af >= bf
		case store.OpLessThan:
			return af < bf
		case store.OpLessOrEqual:
			return af <= bf
		}
	}
	return false
}

func sortItems(items []value.Item, orderBy []store.OrderClause) {
	if len(orderBy) == 0 {
		return
	}
	less := func(i, j int) bool {
		for _, ord := range orderBy {
			vi := items[i][ord.Property]
			vj := items[j][ord.Property]
			cmp := compareValues(vi, vj)
			if cmp == 0 {
				continue
			}
			if ord.Direction == store.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	}
	insertionSort(items, less)
}

func compareValues(a, b value.Value) int {
	if at, ok := a.AsTimestamp(); ok {
		if bt, ok := b.AsTimestamp(); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	if as, ok := a.AsString(); ok {
		if bs, ok := b.AsString(); ok {
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			default:
				return 0
			}
		}
	}
	if af, aok := numeric(a); aok {
		if bf, bok := numeric(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return 0
}

func numeric(v value.Value) (float64, bool) {
	if f, ok := v.AsFloat(); ok {
		return f, true
	}
	if i, ok := v.AsInteger(); ok {
		return float64(i), true
	}
	return 0, false
}

// insertionSort avoids pulling in sort.Slice's reflection for the tiny
// batch sizes pull pages operate on, and keeps the comparator stable.
func insertionSort(items []value.Item, less func(i, j int) bool) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
