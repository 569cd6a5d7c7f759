package value

import "github.com/google/go-cmp/cmp"

// Comparer decides whether two property values are equal. The merge
// engine keys comparers by (tableName, propertyName); the zero value of
// any table falls back to DefaultComparer.
type Comparer func(a, b Value) bool

// DefaultComparer reports structural equality between two values using
// their unwrapped Go representation.
func DefaultComparer(a, b Value) bool {
	return cmp.Equal(a.Interface(), b.Interface())
}

// ComparerRegistry holds per-(table,property) comparer overrides. The
// zero value is ready to use and always resolves to DefaultComparer.
//
// Each PropertyConflict captures the comparer that was active for its
// table at construction time rather than consulting a mutable global at
// compare time -- see DESIGN.md "Open Question Decisions" for why.
type ComparerRegistry struct {
	byTable map[string]map[string]Comparer
}

// Set installs a comparer for tableName.propertyName. An empty
// propertyName installs a table-wide default.
func (r *ComparerRegistry) Set(tableName, propertyName string, c Comparer) {
	if r.byTable == nil {
		r.byTable = map[string]map[string]Comparer{}
	}
	props, ok := r.byTable[tableName]
	if !ok {
		props = map[string]Comparer{}
		r.byTable[tableName] = props
	}
	props[propertyName] = c
}

// Resolve returns the comparer for tableName.propertyName, falling back
// to a table-wide override, then DefaultComparer.
func (r *ComparerRegistry) Resolve(tableName, propertyName string) Comparer {
	if r == nil || r.byTable == nil {
		return DefaultComparer
	}
	props, ok := r.byTable[tableName]
	if !ok {
		return DefaultComparer
	}
	if c, ok := props[propertyName]; ok {
		return c
	}
	if c, ok := props[""]; ok {
		return c
	}
	return DefaultComparer
}
