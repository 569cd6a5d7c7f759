// Package syncprint provides colorized console progress output for the
// sync engine: a package-level mutex serializing writes, a
// DisableOutput switch, and colored Println helpers built on
// github.com/fatih/color, injectable into the engines.
package syncprint

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"

	"github.com/synctable/go-table-sync/pkg/merge"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/tracker"
)

var (
	mu sync.Mutex

	createPrintln = color.New(color.FgGreen).PrintlnFunc()
	deletePrintln = color.New(color.FgRed).PrintlnFunc()
	updatePrintln = color.New(color.FgYellow).PrintlnFunc()
	conflictPrintln = color.New(color.FgMagenta).PrintlnFunc()
	errorFprintln   = color.New(color.FgRed).FprintlnFunc()
)

// Printer is a stateful colorized console reporter. The zero Printer
// writes to os.Stdout (errors to os.Stderr); DisableOutput silences it
// without the caller having to thread a conditional through every call
// site.
type Printer struct {
	DisableOutput bool
	Stderr        io.Writer
}

func (p *Printer) stderr() io.Writer {
	if p.Stderr != nil {
		return p.Stderr
	}
	return os.Stderr
}

func (p *Printer) printlnColored(fn func(...interface{}), a ...interface{}) {
	if p.DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(a...)
}

// Pushing reports the start of a push batch against tables (all tables
// when empty).
func (p *Printer) Pushing(tables []string) {
	if len(tables) == 0 {
		p.printlnColored(updatePrintln, "pushing all tables")
		return
	}
	p.printlnColored(updatePrintln, fmt.Sprintf("pushing %v", tables))
}

// Pushed reports a successful push batch.
func (p *Printer) Pushed(count int) {
	p.printlnColored(createPrintln, fmt.Sprintf("pushed %d operation(s)", count))
}

// Pulling reports the start of a pull against table.
func (p *Printer) Pulling(table, queryID string) {
	if queryID == "" {
		p.printlnColored(updatePrintln, fmt.Sprintf("pulling %s", table))
		return
	}
	p.printlnColored(updatePrintln, fmt.Sprintf("pulling %s (query %s)", table, queryID))
}

// Pulled reports a completed pull.
func (p *Printer) Pulled(table string, upserted, deleted int) {
	p.printlnColored(createPrintln, fmt.Sprintf("pulled %s: %d upserted, %d deleted", table, upserted, deleted))
}

// Purged reports a completed purge.
func (p *Printer) Purged(table string, operations, records int) {
	p.printlnColored(deletePrintln, fmt.Sprintf("purged %s: %d operation(s), %d record(s)", table, operations, records))
}

// Conflict reports that an operation failed with a conflict the
// application needs to resolve.
func (p *Printer) Conflict(tableName, itemID string) {
	p.printlnColored(conflictPrintln, fmt.Sprintf("conflict on %s/%s", tableName, itemID))
}

// Error reports an unhandled error to stderr, bypassing DisableOutput --
// errors are never silent the way progress chatter can be.
func (p *Printer) Error(err error) {
	mu.Lock()
	defer mu.Unlock()
	errorFprintln(p.stderr(), err)
}

// ChangeHandler adapts Printer into a tracker.Handler, so every change
// the change tracker reports also prints a colored line --
// wiring this as the engine's tracker.Handler gives an application
// console visibility into server-origin writes for free.
func (p *Printer) ChangeHandler() tracker.Handler {
	return func(c tracker.Change) {
		id := c.ItemID
		switch c.Source {
		case store.SourceServerPush:
			p.printlnColored(createPrintln, fmt.Sprintf("%s/%s pushed", c.TableName, id))
		case store.SourceServerPull:
			p.printlnColored(updatePrintln, fmt.Sprintf("%s/%s pulled", c.TableName, id))
		case store.SourceLocalConflictResolution:
			p.printlnColored(conflictPrintln, fmt.Sprintf("%s/%s resolved", c.TableName, id))
		case store.SourceLocalPurge:
			p.printlnColored(deletePrintln, fmt.Sprintf("%s/%s purged", c.TableName, id))
		default:
			p.printlnColored(updatePrintln, fmt.Sprintf("%s/%s changed", c.TableName, id))
		}
	}
}

// ConflictDiff renders a unified diff of a merge.Conflict's whole base,
// local and remote items (base -> local, then base -> remote), for
// verbose/CLI consumers that
// want a wire-diff instead of walking PropertyConflict structs.
func ConflictDiff(c *merge.Conflict) string {
	return unifiedDiff(formatItem(c.Base), formatItem(c.Local), formatItem(c.Remote))
}
