// Package schema defines table definitions: the column-to-type mapping
// and system-property support that the engine freezes when a table is
// registered, and validates each local insert, update or delete against.
// Rows written by pull or push are not validated.
package schema

import (
	"fmt"
	"sync"

	"github.com/ettle/strcase"
)

// StorageType is the physical representation the local store uses for a
// column, independent of its declared logical type.
type StorageType int

const (
	StorageText StorageType = iota
	StorageInteger
	StorageReal
	StorageBool
	StorageTimestamp
	StorageBlob
	StorageJSON
)

// DeclaredType is the logical type an application declares for a column.
type DeclaredType int

const (
	TypeString DeclaredType = iota
	TypeInteger
	TypeFloat
	TypeBoolean
	TypeDate
	TypeBlob
	TypeObject
	TypeArray
)

// ColumnDef is one entry of a TableDefinition.
type ColumnDef struct {
	Declared DeclaredType
	Storage  StorageType
}

// SystemProperty is a bit in the per-table system-property support mask.
type SystemProperty uint8

const (
	SystemPropVersion SystemProperty = 1 << iota
	SystemPropCreatedAt
	SystemPropUpdatedAt
	SystemPropDeleted
)

func (m SystemProperty) Has(p SystemProperty) bool { return m&p != 0 }

// TableDefinition is a frozen mapping from column name to ColumnDef plus
// the bitset of system properties the table supports. Definitions are
// built with NewTableDefinition before the engine's initialize() call and
// are immutable afterward (Freeze prevents further mutation).
type TableDefinition struct {
	Name      string
	Columns   map[string]ColumnDef
	SysProps  SystemProperty
	frozen    bool
	mu        sync.Mutex
}

// NewTableDefinition creates an empty, unfrozen definition for name.
// The name is canonicalized to snake_case with strcase, the same
// normalization a YAML-authored table name goes through in LoadYAML,
// so programmatic and file-declared definitions agree on identity.
func NewTableDefinition(name string) *TableDefinition {
	return &TableDefinition{
		Name:    strcase.ToSnake(name),
		Columns: map[string]ColumnDef{},
	}
}

// Column declares a column. It panics if called after Freeze.
func (d *TableDefinition) Column(name string, declared DeclaredType, storage StorageType) *TableDefinition {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		panic(fmt.Sprintf("schema: table %q is frozen, cannot add column %q", d.Name, name))
	}
	d.Columns[strcase.ToSnake(name)] = ColumnDef{Declared: declared, Storage: storage}
	return d
}

// SupportsSystemProperty declares that the table accepts a given system
// property (e.g. some backends don't track per-row version tokens).
func (d *TableDefinition) SupportsSystemProperty(p SystemProperty) *TableDefinition {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		panic(fmt.Sprintf("schema: table %q is frozen", d.Name))
	}
	d.SysProps |= p
	return d
}

// Freeze marks the definition immutable. Idempotent.
func (d *TableDefinition) Freeze() *TableDefinition {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frozen = true
	return d
}

func (d *TableDefinition) Frozen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frozen
}

// Registry holds the set of table definitions known to a sync context,
// keyed by table name. Define freezes each definition it registers and
// rejects a second definition of an already registered name.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*TableDefinition
}

func NewRegistry() *Registry {
	return &Registry{tables: map[string]*TableDefinition{}}
}

// Define registers def, freezing it as a side effect. Returns an error if
// a definition for the same name already exists.
func (r *Registry) Define(def *TableDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tables[def.Name]; exists {
		return fmt.Errorf("schema: table %q already defined", def.Name)
	}
	def.Freeze()
	if r.tables == nil {
		r.tables = map[string]*TableDefinition{}
	}
	r.tables[def.Name] = def
	return nil
}

// Get returns the definition for name, if any.
func (r *Registry) Get(name string) (*TableDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tables[strcase.ToSnake(name)]
	return d, ok
}

// Names returns all defined table names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tables))
	for n := range r.tables {
		out = append(out, n)
	}
	return out
}
