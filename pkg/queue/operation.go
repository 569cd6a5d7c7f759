// Package queue implements the durable, ordered log of pending local
// mutations, backed by a system table
// ("__operations") in the local store.
package queue

import (
	"time"

	"github.com/synctable/go-table-sync/pkg/value"
)

// Kind is the operation kind: Insert, Update, or Delete.
type Kind int

const (
	Insert Kind = iota
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "Insert"
	case Update:
		return "Update"
	case Delete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// TableKind is reserved for future table categories; only Table exists
// today.
type TableKind int

const TableKindTable TableKind = 0

// State is a pending operation's lifecycle state.
type State int

const (
	Pending State = iota
	Attempted
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Attempted:
		return "Attempted"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Operation is a pending local mutation awaiting remote acknowledgement.
type Operation struct {
	ID        string
	Kind      Kind
	TableName string
	TableKind TableKind
	ItemID    string
	// Item is inlined only for Delete operations, so the item survives
	// after its local row is removed and can be replayed on push.
	Item value.Item
	// PreviousItem snapshots the local row's state at the moment this
	// operation began (before the local mutation it represents was
	// applied). It is the three-way merge base a failed push's
	// OperationError carries forward; a
	// collapse that merges a new request into an existing operation
	// keeps the existing PreviousItem rather than overwriting it, since
	// the base is always the oldest local state in the chain.
	PreviousItem value.Item
	Sequence  int64
	Version   int64
	State     State
	CreatedAt time.Time
}

const systemTableName = "__operations"

// toRecord serializes op into the value.Item row shape stored in the
// "__operations" system table.
func toRecord(op *Operation) value.Item {
	row := value.Item{
		"id":        value.String(op.ID),
		"kind":      value.String(op.Kind.String()),
		"state":     value.String(op.State.String()),
		"tableName": value.String(op.TableName),
		"tableKind": value.Integer(int64(op.TableKind)),
		"itemId":    value.String(op.ItemID),
		"createdAt": value.Timestamp(op.CreatedAt),
		"sequence":  value.Integer(op.Sequence),
		"version":   value.Integer(op.Version),
	}
	if op.Kind == Delete && op.Item != nil {
		row["item"] = value.Object(op.Item)
	}
	if op.PreviousItem != nil {
		row["previousItem"] = value.Object(op.PreviousItem)
	}
	return row
}

func fromRecord(row value.Item) (*Operation, error) {
	op := &Operation{}
	if s, ok := row["id"].AsString(); ok {
		op.ID = s
	}
	op.Kind = parseKind(mustString(row, "kind"))
	op.State = parseState(mustString(row, "state"))
	op.TableName = mustString(row, "tableName")
	if n, ok := row["tableKind"].AsInteger(); ok {
		op.TableKind = TableKind(n)
	}
	op.ItemID = mustString(row, "itemId")
	op.CreatedAt, _ = row["createdAt"].AsTimestamp()
	if n, ok := row["sequence"].AsInteger(); ok {
		op.Sequence = n
	}
	if n, ok := row["version"].AsInteger(); ok {
		op.Version = n
	}
	if itemVal, ok := row["item"]; ok {
		if obj, ok := itemVal.AsObject(); ok {
			op.Item = obj
		}
	}
	if prevVal, ok := row["previousItem"]; ok {
		if obj, ok := prevVal.AsObject(); ok {
			op.PreviousItem = obj
		}
	}
	return op, nil
}

func mustString(row value.Item, key string) string {
	s, _ := row[key].AsString()
	return s
}

func parseKind(s string) Kind {
	switch s {
	case "Insert":
		return Insert
	case "Update":
		return Update
	case "Delete":
		return Delete
	default:
		return Insert
	}
}

func parseState(s string) State {
	switch s {
	case "Pending":
		return Pending
	case "Attempted":
		return Attempted
	case "Failed":
		return Failed
	default:
		return Pending
	}
}
