// Package pull implements the pull engine: it fetches
// remote rows page by page and merges them into the Local Store. For
// incremental queries (Query.Incremental) it tracks a delta token per
// (table, query id); non-incremental queries page with skip/top and keep
// no cursor between calls.
package pull

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/synctable/go-table-sync/pkg/push"
	"github.com/synctable/go-table-sync/pkg/queue"
	"github.com/synctable/go-table-sync/pkg/remote"
	"github.com/synctable/go-table-sync/pkg/settings"
	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/value"
	"golang.org/x/sync/errgroup"
)

// SupportedOption is a bitset declaring which OData-like query shapes
// the remote table for this pull actually supports.
type SupportedOption uint8

const (
	OptOrderBy SupportedOption = 1 << iota
	OptSkip
	OptTop
)

// Query describes one pull request.
// QueryID scopes the stored delta token / cursor so an application can
// run multiple independent incremental queries against the same table
// (e.g. "my items" vs "shared items").
type Query struct {
	TableName   string
	QueryID     string
	Filter      string
	OrderBy     []string
	Skip        int
	Top         int
	Projection  []string // rejected outright; kept only so validate() can report it
	RawParams   map[string]string
	Incremental bool
	PageSize    int

	// SupportedOptions declares what the remote actually supports;
	// requesting an option outside this set is a validation error.
	SupportedOptions SupportedOption

	// RelatedTables scopes the dirty-table gate beyond TableName itself.
	// nil means "all known tables are related" (the conservative
	// default); a non-nil empty slice means "no table besides TableName
	// is related".
	RelatedTables *[]string
}

const reservedIncludeDeletedParam = "__includeDeleted"

// validate enforces the query rejection rules before any network
// call is made.
func (q Query) validate() error {
	if len(q.Projection) > 0 {
		return syncerr.InvalidInput("pull: %s does not support column projections/selections", q.TableName)
	}
	if q.Incremental {
		if len(q.OrderBy) > 0 || q.Top > 0 || q.Skip > 0 {
			return syncerr.InvalidInput("pull: incremental query for %s cannot set orderby/top/skip", q.TableName)
		}
	}
	if len(q.OrderBy) > 0 && q.SupportedOptions&OptOrderBy == 0 {
		return syncerr.InvalidInput("pull: %s does not support orderby", q.TableName)
	}
	if q.Skip > 0 && q.SupportedOptions&OptSkip == 0 {
		return syncerr.InvalidInput("pull: %s does not support skip", q.TableName)
	}
	if q.Top > 0 && q.SupportedOptions&OptTop == 0 {
		return syncerr.InvalidInput("pull: %s does not support top", q.TableName)
	}
	if _, ok := q.RawParams[reservedIncludeDeletedParam]; ok {
		return syncerr.InvalidInput("pull: %q is a reserved parameter name", reservedIncludeDeletedParam)
	}
	return nil
}

// relatedTables resolves the table set the dirty-table gate checks,
// always including TableName itself.
func (q Query) relatedTables(allTables func() []string) []string {
	if q.RelatedTables == nil {
		if allTables != nil {
			return allTables()
		}
		return []string{q.TableName}
	}
	related := append([]string{q.TableName}, (*q.RelatedTables)...)
	return related
}

// Result summarizes one Run call.
type Result struct {
	Upserted int
	Deleted  int
	Skipped  int // rows skipped because a local op is already pending for that id
}

// Engine is the Pull Engine.
type Engine struct {
	// DB is the Local Store handle pulled rows are merged through; a
	// Sync Context hands in a change-tracking decorator here
	// (pkg/tracker) so merges are reported as ServerPull changes.
	DB       store.LocalStore
	Queue    *queue.Queue
	Settings *settings.Store
	Remotes  remote.TableFactory
	Push     *push.Engine

	// TableNames lists every table the sync context knows about, used to
	// resolve Query.RelatedTables == nil ("all tables are related").
	// Optional: when nil, an unset RelatedTables degrades to just
	// TableName itself.
	TableNames func() []string
}

// Run executes q. If the target table or any related table has pending
// local operations, the pull defers itself: it pushes those tables first
// and resumes only once the push settles (the dirty-table gate),
// running the push concurrently with no other preparation via errgroup so
// a future multi-table pull can fan this out without restructuring the
// call. If the push aborts, the pull is not retried and propagates the
// same abort.
func (e *Engine) Run(ctx context.Context, q Query) (Result, error) {
	if q.TableName == "" {
		return Result{}, syncerr.InvalidInput("pull: table name is required")
	}
	if q.Incremental && q.QueryID == "" {
		return Result{}, syncerr.InvalidInput("pull: incremental queries require a query id to scope the delta token")
	}
	if err := q.validate(); err != nil {
		return Result{}, err
	}

	related := q.relatedTables(e.TableNames)
	dirty, err := e.anyPending(ctx, related)
	if err != nil {
		return Result{}, err
	}
	if dirty {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			pushed, err := e.Push.Run(gctx, related)
			if err != nil {
				return err
			}
			if pushed.Abort != nil {
				// an aborted push aborts the pull the same way; the pull
				// is not retried
				return pushed.Abort
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return Result{}, fmt.Errorf("pull: pushing dirty table(s) before pull of %q: %w", q.TableName, err)
		}
	}

	if q.Incremental {
		return e.runIncremental(ctx, q)
	}
	return e.runCursor(ctx, q)
}

func (e *Engine) anyPending(ctx context.Context, tables []string) (bool, error) {
	for _, t := range tables {
		n, err := e.Queue.CountPending(ctx, t)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// deltaTimeFormat is the wire/storage encoding for a delta token: UTC,
// nanosecond precision. RFC3339Nano drops trailing fractional zeros, so
// tokens are not byte-comparable; they are parsed back into time.Time
// before any comparison.
const deltaTimeFormat = time.RFC3339Nano

// runIncremental loads the existing delta token, issues the query with
// updatedAt >= delta and a stable updatedAt-asc/id-asc order, and after
// each batch persists delta = max(updatedAt) observed -- never the
// opaque server NextLink, which only drives paging within this one run.
func (e *Engine) runIncremental(ctx context.Context, q Query) (Result, error) {
	table, err := e.Remotes.Table(q.TableName)
	if err != nil {
		return Result{}, err
	}

	tokenStr, hasToken, err := e.Settings.DeltaToken(ctx, q.TableName, q.QueryID)
	if err != nil {
		return Result{}, err
	}
	if tokenStr == "" {
		hasToken = false
	}
	var delta time.Time
	if hasToken {
		delta, err = time.Parse(deltaTimeFormat, tokenStr)
		if err != nil {
			return Result{}, syncerr.InconsistentState("pull: stored delta token for %s/%s is unparseable: %v", q.TableName, q.QueryID, err)
		}
	}
	maxSeen := delta

	var result Result
	nextLink := ""
	for {
		var resp remote.ReadResponse
		if nextLink != "" {
			resp, err = table.Read(ctx, remote.Query{NextLink: nextLink})
		} else {
			resp, err = table.Read(ctx, remote.Query{
				TableName:         q.TableName,
				Filter:            incrementalFilter(q.Filter, delta, hasToken),
				OrderBy:           []string{"updatedAt", "id"},
				Top:               q.PageSize,
				IncludeDeleted:    true,
				IncludeTotalCount: false,
				RawParams:         q.RawParams,
			})
		}
		if err != nil {
			return result, classifyPullErr(err)
		}

		if err := e.mergePage(ctx, q.TableName, resp.Values, &result); err != nil {
			return result, err
		}
		for _, item := range resp.Values {
			if t := item.UpdatedAt(); t.After(maxSeen) {
				maxSeen = t
			}
		}
		if !maxSeen.IsZero() {
			if err := e.Settings.SetDeltaToken(ctx, q.TableName, q.QueryID, maxSeen.UTC().Format(deltaTimeFormat)); err != nil {
				return result, err
			}
		}

		if len(resp.Values) == 0 {
			break
		}
		if resp.NextLink != "" && nextLinkAllowed(resp.NextLink, q.SupportedOptions) {
			nextLink = resp.NextLink
			continue
		}
		// No usable next link: fall back to delta-cursor paging off the
		// high watermark just persisted. A page that moved the watermark
		// nowhere means the result set is exhausted.
		nextLink = ""
		if !maxSeen.After(delta) {
			break
		}
		delta = maxSeen
		hasToken = true
	}
	return result, nil
}

// nextLinkAllowed reports whether a server-provided next-page link only
// uses query options the remote declared support for; a link outside
// the whitelist is ignored in favor of cursor-driven paging.
func nextLinkAllowed(link string, opts SupportedOption) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	params := u.Query()
	if _, ok := params["$orderby"]; ok && opts&OptOrderBy == 0 {
		return false
	}
	if _, ok := params["$skip"]; ok && opts&OptSkip == 0 {
		return false
	}
	if _, ok := params["$top"]; ok && opts&OptTop == 0 {
		return false
	}
	return true
}

// incrementalFilter combines the caller's filter with the updatedAt >=
// delta clause the engine adds itself; the validate() rejection of
// orderby/top/skip on incremental queries applies to user input only --
// this is the engine's own wire filter, not subject to that rule.
func incrementalFilter(userFilter string, delta time.Time, hasToken bool) string {
	if !hasToken {
		return userFilter
	}
	clause := fmt.Sprintf("updatedAt ge %s", delta.UTC().Format(deltaTimeFormat))
	if userFilter == "" {
		return clause
	}
	return fmt.Sprintf("(%s) and (%s)", userFilter, clause)
}

// runCursor pages through the table with plain skip/top, never
// persisting any cursor across calls -- a non-incremental pull re-scans
// from the top of the result set every time.
func (e *Engine) runCursor(ctx context.Context, q Query) (Result, error) {
	table, err := e.Remotes.Table(q.TableName)
	if err != nil {
		return Result{}, err
	}

	var result Result
	skip := 0
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	for {
		resp, err := table.Read(ctx, remote.Query{
			TableName:         q.TableName,
			Filter:            q.Filter,
			OrderBy:           q.OrderBy,
			Skip:              skip,
			Top:               pageSize,
			IncludeDeleted:    true,
			IncludeTotalCount: false,
			RawParams:         q.RawParams,
		})
		if err != nil {
			return result, classifyPullErr(err)
		}
		if err := e.mergePage(ctx, q.TableName, resp.Values, &result); err != nil {
			return result, err
		}
		if len(resp.Values) < pageSize {
			break
		}
		skip += len(resp.Values)
	}
	return result, nil
}

// mergePage upserts (or deletes, for soft-deleted rows) each fetched item
// into the Local Store, skipping any id that already has a pending local
// operation -- a remote echo of data the push engine hasn't reconciled yet
// must not clobber an in-flight local change.
func (e *Engine) mergePage(ctx context.Context, tableName string, items []value.Item, result *Result) error {
	for _, item := range items {
		id, ok := item.ID()
		if !ok {
			continue
		}
		if op, found, err := e.Queue.GetByItem(ctx, tableName, id); err != nil {
			return err
		} else if found && op != nil {
			result.Skipped++
			continue
		}

		if item.Deleted() {
			if _, err := e.DB.Delete(ctx, tableName, []string{id}, nil); err != nil {
				return syncerr.LocalStoreFailure(err, "pull: deleting %s/%s", tableName, id)
			}
			result.Deleted++
		} else {
			if err := e.DB.Upsert(ctx, tableName, []value.Item{item}, false); err != nil {
				return syncerr.LocalStoreFailure(err, "pull: upserting %s/%s", tableName, id)
			}
			result.Upserted++
		}
	}
	return nil
}

func classifyPullErr(err error) error {
	switch cause := err.(type) {
	case *remote.NetworkError:
		return syncerr.PushAborted(syncerr.AbortNetwork, cause)
	case *remote.AuthenticationError:
		return syncerr.PushAborted(syncerr.AbortAuth, cause)
	case *remote.HTTPError:
		return syncerr.RemoteFailure(syncerr.RemoteOther, cause.StatusCode, "pull: remote returned %d", cause.StatusCode)
	default:
		return err
	}
}
