package syncerr

import (
	"github.com/acarl005/stripansi"
	"github.com/synctable/go-table-sync/pkg/value"
	"github.com/tidwall/gjson"
)

// OperationError is the record created for a failed push. PreviousItem
// is the merge base consumed by the conflict engine.
type OperationError struct {
	OperationID      string
	OperationVersion int64
	Kind             string // Insert | Update | Delete
	HTTPStatus       int
	TableName        string
	Item             value.Item
	PreviousItem     value.Item
	RawResult        string
	Result           value.Item

	handled bool
}

// MarkHandled acknowledges the error from inside a push-complete callback:
// the engine deletes the acknowledged error row and leaves it out of the
// unhandled set the push call fails with.
func (e *OperationError) MarkHandled() { e.handled = true }

// Handled reports whether MarkHandled has been called.
func (e *OperationError) Handled() bool { return e.handled }

// SubKind classifies an OperationError's HTTP status into the
// RemoteSubKind taxonomy: 412 triggers the conflict flow, 409
// marks an insert duplicate, 404 is benign on delete, anything else is
// Other.
func (e *OperationError) SubKind() RemoteSubKind {
	switch e.HTTPStatus {
	case 412:
		return RemotePreconditionFailed
	case 409:
		return RemoteConflict
	case 404:
		return RemoteNotFound
	default:
		return RemoteOther
	}
}

// ParseRawResult sanitizes a raw server error body (stripping any
// terminal color escapes some backends echo back verbatim, the way a
// CLI diagnostic might leak into a JSON error payload) and walks it
// into a best-effort Item with gjson, without demanding a schema for
// every backend's error shape.
func ParseRawResult(raw string) (value.Item, string) {
	clean := stripansi.Strip(raw)
	if !gjson.Valid(clean) {
		return nil, clean
	}
	parsed := gjson.Parse(clean)
	if !parsed.IsObject() {
		return nil, clean
	}
	out := value.Item{}
	parsed.ForEach(func(key, val gjson.Result) bool {
		out[key.String()] = gjsonToValue(val)
		return true
	})
	return out, clean
}

func gjsonToValue(r gjson.Result) value.Value {
	switch r.Type {
	case gjson.Null:
		return value.Null()
	case gjson.False:
		return value.Bool(false)
	case gjson.True:
		return value.Bool(true)
	case gjson.Number:
		return value.Float(r.Float())
	case gjson.String:
		return value.String(r.String())
	case gjson.JSON:
		if r.IsArray() {
			var arr []value.Value
			r.ForEach(func(_, v gjson.Result) bool {
				arr = append(arr, gjsonToValue(v))
				return true
			})
			return value.Array(arr)
		}
		obj := value.Item{}
		r.ForEach(func(k, v gjson.Result) bool {
			obj[k.String()] = gjsonToValue(v)
			return true
		})
		return value.Object(obj)
	default:
		return value.String(r.String())
	}
}
