package syncprint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/synctable/go-table-sync/pkg/value"
)

// formatItem renders it as sorted "key: value" lines, a stable textual
// form diffable line-by-line.
func formatItem(it value.Item) string {
	if it == nil {
		return ""
	}
	names := make([]string, 0, len(it))
	for k := range it {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %v\n", name, it[name].Interface())
	}
	return b.String()
}

// unifiedDiff renders base -> local and base -> remote as one combined
// three-way unified diff, base as the "from" side of both hunks.
func unifiedDiff(base, local, remote string) string {
	localEdits := myers.ComputeEdits(span.URIFromPath("base"), base, local)
	remoteEdits := myers.ComputeEdits(span.URIFromPath("base"), base, remote)

	localDiff := fmt.Sprint(gotextdiff.ToUnified("base", "local", base, localEdits))
	remoteDiff := fmt.Sprint(gotextdiff.ToUnified("base", "remote", base, remoteEdits))

	var b strings.Builder
	b.WriteString(localDiff)
	b.WriteString(remoteDiff)
	return b.String()
}
