// Package value defines the dynamic, tagged-value representation that
// records flow through the sync engine as. Applications never hand the
// engine concrete Go structs: every record is a key-value Item built out
// of a small closed set of primitive kinds plus Object/Array containers.
package value

import "time"

// Kind tags the dynamic type carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInteger
	KindFloat
	KindString
	KindTimestamp
	KindBlob
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindBlob:
		return "blob"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Value is a single dynamically-typed property value. Exactly one of the
// typed fields is meaningful, selected by Kind; the zero Value is Null.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	t     time.Time
	blob  []byte
	obj   Item
	array []Value
}

func Null() Value                 { return Value{kind: KindNull} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Integer(i int64) Value       { return Value{kind: KindInteger, i: i} }
func Float(f float64) Value       { return Value{kind: KindFloat, f: f} }
func String(s string) Value       { return Value{kind: KindString, s: s} }
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, t: t.UTC()} }
func Blob(b []byte) Value         { return Value{kind: KindBlob, blob: append([]byte(nil), b...)} }
func Object(o Item) Value         { return Value{kind: KindObject, obj: o} }
func Array(a []Value) Value       { return Value{kind: KindArray, array: append([]Value(nil), a...)} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsPrimitive reports whether v is one of the seven scalar kinds the
// conflict engine is allowed to operate on (Object and Array are not).
func (v Value) IsPrimitive() bool {
	switch v.kind {
	case KindNull, KindBool, KindInteger, KindFloat, KindString, KindTimestamp, KindBlob:
		return true
	default:
		return false
	}
}

func (v Value) AsBool() (bool, bool)             { return v.b, v.kind == KindBool }
func (v Value) AsInteger() (int64, bool)          { return v.i, v.kind == KindInteger }
func (v Value) AsFloat() (float64, bool)          { return v.f, v.kind == KindFloat }
func (v Value) AsString() (string, bool)          { return v.s, v.kind == KindString }
func (v Value) AsTimestamp() (time.Time, bool)    { return v.t, v.kind == KindTimestamp }
func (v Value) AsBlob() ([]byte, bool)            { return v.blob, v.kind == KindBlob }
func (v Value) AsObject() (Item, bool)            { return v.obj, v.kind == KindObject }
func (v Value) AsArray() ([]Value, bool)          { return v.array, v.kind == KindArray }

// Interface unwraps v into a plain Go value, suitable for handing to
// encoding/json, gjson, or mergo -- the boundary adapters that need a
// generic any rather than the tagged representation.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInteger:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindTimestamp:
		return v.t
	case KindBlob:
		return v.blob
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, p := range v.obj {
			out[k] = p.Interface()
		}
		return out
	case KindArray:
		out := make([]interface{}, len(v.array))
		for i, e := range v.array {
			out[i] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// Item is a key-value record. The "id" key is required by convention but
// not enforced by this package; callers validate that against a
// TableDefinition (see pkg/schema).
type Item map[string]Value

// Clone returns a deep copy of it.
func (it Item) Clone() Item {
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v.clone()
	}
	return out
}

func (v Value) clone() Value {
	switch v.kind {
	case KindObject:
		return Object(v.obj.Clone())
	case KindArray:
		cp := make([]Value, len(v.array))
		for i, e := range v.array {
			cp[i] = e.clone()
		}
		return Array(cp)
	default:
		return v
	}
}

// ID returns the item's "id" property as a string, if present.
func (it Item) ID() (string, bool) {
	v, ok := it["id"]
	if !ok {
		return "", false
	}
	return v.AsString()
}

// Reserved system property names.
const (
	SystemVersion   = "version"
	SystemCreatedAt = "createdAt"
	SystemUpdatedAt = "updatedAt"
	SystemDeleted   = "deleted"
)

// IsSystemProperty reports whether name is one of the reserved fields
// that table operations strip before sending an item over the wire.
func IsSystemProperty(name string) bool {
	switch name {
	case "id", SystemVersion, SystemCreatedAt, SystemUpdatedAt, SystemDeleted:
		return true
	default:
		return false
	}
}

// StripSystemFields returns a copy of it with every reserved field except
// "id" removed, as executeRemote does before sending an item to the
// remote table (the version travels separately as an If-Match header).
func StripSystemFields(it Item) Item {
	out := make(Item, len(it))
	for k, v := range it {
		if k != "id" && IsSystemProperty(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Deleted reports the item's soft-delete flag.
func (it Item) Deleted() bool {
	v, ok := it[SystemDeleted]
	if !ok {
		return false
	}
	b, _ := v.AsBool()
	return b
}

// UpdatedAt returns the item's updatedAt timestamp, zero if absent.
func (it Item) UpdatedAt() time.Time {
	v, ok := it[SystemUpdatedAt]
	if !ok {
		return time.Time{}
	}
	t, _ := v.AsTimestamp()
	return t
}

// FromInterface builds an Item out of a plain map[string]interface{}, the
// shape produced by encoding/json.Unmarshal. Nested maps/slices recurse.
func FromInterface(m map[string]interface{}) Item {
	out := make(Item, len(m))
	for k, v := range m {
		out[k] = valueFromInterface(v)
	}
	return out
}

func valueFromInterface(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Integer(int64(t))
	case int64:
		return Integer(t)
	case float64:
		return Float(t)
	case string:
		return String(t)
	case time.Time:
		return Timestamp(t)
	case []byte:
		return Blob(t)
	case map[string]interface{}:
		return Object(FromInterface(t))
	case []interface{}:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = valueFromInterface(e)
		}
		return Array(arr)
	default:
		return String(toString(t))
	}
}

func toString(v interface{}) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}
