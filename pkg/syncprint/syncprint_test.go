package syncprint

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synctable/go-table-sync/pkg/merge"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/tracker"
	"github.com/synctable/go-table-sync/pkg/value"
)

func TestPrinterDisableOutput(t *testing.T) {
	p := &Printer{DisableOutput: true}
	// Must not panic and must not write anywhere observable; there is no
	// stdout capture here, this just exercises the disabled path.
	p.Pushing(nil)
	p.Pushed(3)
	p.Pulling("notes", "")
	p.Pulled("notes", 2, 1)
	p.Purged("notes", 1, 1)
	p.Conflict("notes", "a")
}

func TestPrinterError(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{Stderr: &buf}
	p.Error(errors.New("boom"))
	require.NotEmpty(t, buf.String())
}

func TestChangeHandlerRoutesBySource(t *testing.T) {
	p := &Printer{DisableOutput: true}
	handler := p.ChangeHandler()
	handler(tracker.Change{TableName: "notes", Item: value.Item{"id": value.String("a")}, Source: store.SourceServerPush})
}

func TestConflictDiff(t *testing.T) {
	opErr := &syncerr.OperationError{
		PreviousItem: value.Item{"x": value.Integer(1), "y": value.String("a")},
		Result:       value.Item{"x": value.Integer(2), "y": value.String("a")},
	}
	local := value.Item{"x": value.Integer(1), "y": value.String("b")}
	conflict, err := merge.BuildConflict(opErr, local, value.DefaultComparer)
	require.NoError(t, err)

	diff := ConflictDiff(conflict)
	require.Contains(t, diff, "x: 1")
	require.Contains(t, diff, "x: 2")
}
