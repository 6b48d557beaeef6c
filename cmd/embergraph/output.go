package main

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/orneryd/embergraph/pkg/cache"
	"github.com/orneryd/embergraph/pkg/cypher"
	"github.com/orneryd/embergraph/pkg/graph"
	"github.com/orneryd/embergraph/pkg/index"
	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

var (
	okColor   = color.New(color.FgGreen)
	errColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
	headColor = color.New(color.FgCyan, color.Bold)
)

func printOK(w io.Writer, format string, args ...any) {
	okColor.Fprintf(w, "✓ "+format+"\n", args...)
}

func printError(w io.Writer, err error) {
	errColor.Fprintf(w, "✗ %v\n", err)
}

// renderTable writes headers and rows as an aligned text table.
func renderTable(w io.Writer, headers []string, rows [][]string) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(headers)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

// writeResult prints a query result. Plans from EXPLAIN and PROFILE are
// printed as-is, followed by PROFILE's rows.
func writeResult(w io.Writer, res *cypher.Result) error {
	if _, ok := res.Metadata["planType"]; ok {
		if len(res.Rows) > 0 {
			fmt.Fprint(w, res.Rows[0][0])
		}
		if inner, ok := res.Metadata["result"].(*cypher.Result); ok {
			return writeResult(w, inner)
		}
		return nil
	}

	rows := make([][]string, len(res.Rows))
	for i, row := range res.Rows {
		rows[i] = make([]string, len(row))
		for j, cell := range row {
			rows[i][j] = formatCell(cell)
		}
	}
	if err := renderTable(w, res.Columns, rows); err != nil {
		return err
	}
	noun := "rows"
	if len(rows) == 1 {
		noun = "row"
	}
	dimColor.Fprintf(w, "%d %s\n", len(rows), noun)
	return nil
}

// jsonResult is the JSON shape of a query result.
type jsonResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func writeJSON(w io.Writer, res *cypher.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if plan, ok := res.Metadata["plan"]; ok {
		return enc.Encode(plan)
	}
	return enc.Encode(jsonResult{Columns: res.Columns, Rows: res.Rows})
}

// formatCell renders one result cell: nodes as (id:Label {props}), text
// unquoted, every other value in its literal form.
func formatCell(cell any) string {
	switch c := cell.(type) {
	case *storage.Node:
		return formatNode(c)
	case value.Value:
		if s, ok := c.AsText(); ok {
			return s
		}
		if c.IsNull() {
			return "null"
		}
		return c.String()
	case nil:
		return "null"
	default:
		return fmt.Sprint(c)
	}
}

func formatNode(n *storage.Node) string {
	var sb strings.Builder
	sb.WriteString("(")
	sb.WriteString(n.ID.String())
	for _, l := range n.Labels {
		sb.WriteString(":")
		sb.WriteString(l)
	}
	if keys := n.Properties.Keys(); len(keys) > 0 {
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s: %s", k, n.Properties.Get(k))
		}
		sb.WriteString("}")
	}
	sb.WriteString(")")
	return sb.String()
}

func writeStats(w io.Writer, id string, stats graph.Stats) error {
	headColor.Fprintf(w, "Store %s\n", id)
	fmt.Fprintf(w, "  Nodes:          %d\n", stats.Nodes)
	fmt.Fprintf(w, "  Relationships:  %d\n", stats.Relationships)
	fmt.Fprintf(w, "  Active tx:      %d\n", stats.ActiveTx)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	fmt.Fprintf(w, "  Heap in use:    %s\n", humanize.IBytes(mem.HeapInuse))

	pairs := make([]string, len(stats.Indexes))
	for i, p := range stats.Indexes {
		pairs[i] = p.String()
	}
	fmt.Fprintf(w, "  Indexes:        %s\n", strings.Join(pairs, ", "))
	if len(stats.Constraints) > 0 {
		cs := make([]string, len(stats.Constraints))
		for i, c := range stats.Constraints {
			cs[i] = c.String()
		}
		fmt.Fprintf(w, "  Constraints:    %s\n", strings.Join(cs, ", "))
	}
	fmt.Fprintln(w)
	return writeCacheStats(w, stats.Caches)
}

func writeCacheStats(w io.Writer, tiers []cache.Stats) error {
	rows := make([][]string, len(tiers))
	for i, s := range tiers {
		rows[i] = []string{
			s.Tier,
			fmt.Sprint(s.Size),
			fmt.Sprint(s.Capacity),
			fmt.Sprint(s.Hits),
			fmt.Sprint(s.Misses),
			fmt.Sprintf("%.1f%%", s.HitRate),
		}
	}
	return renderTable(w, []string{"Cache", "Size", "Capacity", "Hits", "Misses", "Hit rate"}, rows)
}

func writeIndexStats(w io.Writer, stats []index.Stats) error {
	rows := make([][]string, len(stats))
	for i, s := range stats {
		rows[i] = []string{s.Pair.String(), fmt.Sprint(s.Entries), fmt.Sprint(s.DistinctValues)}
	}
	return renderTable(w, []string{"Index", "Entries", "Distinct values"}, rows)
}
