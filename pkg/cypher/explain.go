package cypher

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionMode represents how a query should be executed.
//
// EXPLAIN shows the plan without executing the query. PROFILE executes the
// query and shows the plan with per-operator row counts, source hits and
// timings.
type ExecutionMode string

const (
	ModeNormal  ExecutionMode = "normal"
	ModeExplain ExecutionMode = "EXPLAIN"
	ModeProfile ExecutionMode = "PROFILE"
)

// PlanOperator represents a single operator in the execution plan.
type PlanOperator struct {
	// Operator type (e.g., "NodeByLabelScan", "Filter", "Expand")
	OperatorType string `json:"operatorType"`

	// Human-readable description
	Description string `json:"description"`

	// Variables bound once this operator has run
	Identifiers []string `json:"identifiers,omitempty"`

	// Child operators (execution flows bottom-up)
	Children []*PlanOperator `json:"children,omitempty"`

	// Actual statistics (only for PROFILE)
	ActualRows int64         `json:"rows,omitempty"`
	DBHits     int64         `json:"dbHits,omitempty"`
	Time       time.Duration `json:"time,omitempty"`
}

// ExecutionPlan represents the complete query execution plan.
type ExecutionPlan struct {
	// Root operator of the plan
	Root *PlanOperator `json:"root"`

	// Query being explained/profiled, normalized
	Query       string `json:"query"`
	Fingerprint string `json:"fingerprint"`

	// Execution mode (EXPLAIN or PROFILE)
	Mode ExecutionMode `json:"mode"`

	// Total statistics (only for PROFILE)
	TotalDBHits int64         `json:"totalDbHits,omitempty"`
	TotalTime   time.Duration `json:"totalTime,omitempty"`
	TotalRows   int64         `json:"totalRows,omitempty"`
}

// parseExecutionMode extracts an EXPLAIN or PROFILE prefix from a query.
func parseExecutionMode(query string) (ExecutionMode, string) {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < 8 {
		return ModeNormal, trimmed
	}
	word, rest := strings.ToUpper(trimmed[:7]), trimmed[7:]
	if rest[0] != ' ' && rest[0] != '\t' && rest[0] != '\n' && rest[0] != '\r' {
		return ModeNormal, trimmed
	}
	switch word {
	case "EXPLAIN":
		return ModeExplain, strings.TrimSpace(rest)
	case "PROFILE":
		return ModeProfile, strings.TrimSpace(rest)
	}
	return ModeNormal, trimmed
}

// opStats is what PROFILE records per pipeline operator.
type opStats struct {
	rows int64
	hits int64
	time time.Duration
}

// explain builds the operator tree of p. stats, when given, holds one
// entry per pipeline operator followed by one for projection.
func (p *Plan) explain(mode ExecutionMode, stats []opStats) *ExecutionPlan {
	var child *PlanOperator
	for i, op := range p.Operators {
		node := &PlanOperator{
			OperatorType: op.Name(),
			Description:  p.describe(op),
			Identifiers:  p.identifiers[i],
		}
		if child != nil {
			node.Children = []*PlanOperator{child}
		}
		if i < len(stats) {
			node.ActualRows, node.DBHits, node.Time = stats[i].rows, stats[i].hits, stats[i].time
		}
		child = node
	}

	if p.aggregate {
		var keys, aggs []string
		for _, pr := range p.items {
			if pr.item.Kind == ItemAggregate {
				aggs = append(aggs, pr.item.Name())
			} else {
				keys = append(keys, pr.item.Name())
			}
		}
		desc := strings.Join(aggs, ", ")
		if len(keys) > 0 {
			desc = "group by " + strings.Join(keys, ", ") + ": " + desc
		}
		child = &PlanOperator{
			OperatorType: "EagerAggregation",
			Description:  desc,
			Identifiers:  p.Columns,
			Children:     []*PlanOperator{child},
		}
	}

	root := &PlanOperator{
		OperatorType: "ProduceResults",
		Description:  strings.Join(p.Columns, ", "),
		Identifiers:  p.Columns,
		Children:     []*PlanOperator{child},
	}
	if n := len(p.Operators); n < len(stats) {
		root.ActualRows, root.DBHits, root.Time = stats[n].rows, stats[n].hits, stats[n].time
	}

	plan := &ExecutionPlan{
		Root:        root,
		Query:       p.Text,
		Fingerprint: p.Fingerprint,
		Mode:        mode,
	}
	for _, s := range stats {
		plan.TotalDBHits += s.hits
		plan.TotalTime += s.time
	}
	if len(stats) > 0 {
		plan.TotalRows = stats[len(stats)-1].rows
	}
	return plan
}

// planToResult converts an execution plan to a Result.
func planToResult(plan *ExecutionPlan) *Result {
	return &Result{
		Columns: []string{"Plan"},
		Rows:    [][]any{{formatPlan(plan)}},
		Metadata: map[string]any{
			"plan":     plan,
			"planType": string(plan.Mode),
		},
	}
}

// formatPlan formats the execution plan as a string (tree visualization).
func formatPlan(plan *ExecutionPlan) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "+-%s-+\n", strings.Repeat("-", 60))
	fmt.Fprintf(&sb, "| %-60s |\n", fmt.Sprintf("%s %s", plan.Mode, "Query Plan"))
	fmt.Fprintf(&sb, "+-%s-+\n", strings.Repeat("-", 60))

	if plan.Mode == ModeProfile {
		fmt.Fprintf(&sb, "| Total Time: %-47s |\n", plan.TotalTime.String())
		fmt.Fprintf(&sb, "| Total Rows: %-47d |\n", plan.TotalRows)
		fmt.Fprintf(&sb, "| Total DB Hits: %-44d |\n", plan.TotalDBHits)
		fmt.Fprintf(&sb, "+-%s-+\n", strings.Repeat("-", 60))
	}

	formatOperator(&sb, plan.Root, 0, plan.Mode == ModeProfile)

	fmt.Fprintf(&sb, "+-%s-+\n", strings.Repeat("-", 60))

	return sb.String()
}

// formatOperator formats a single operator in the plan tree.
func formatOperator(sb *strings.Builder, op *PlanOperator, depth int, showStats bool) {
	if op == nil {
		return
	}

	indent := strings.Repeat("  ", depth)
	prefix := "+-"
	if depth > 0 {
		prefix = "|" + indent + "+-"
	}

	line := fmt.Sprintf("%s %s", prefix, op.OperatorType)
	if op.Description != "" && op.Description != op.OperatorType {
		line += fmt.Sprintf(" (%s)", truncate(op.Description, 40))
	}
	fmt.Fprintf(sb, "| %-60s |\n", truncate(line, 60))

	if showStats {
		statsLine := fmt.Sprintf("%s|   Rows: %d, Hits: %d, Time: %s",
			indent, op.ActualRows, op.DBHits, op.Time)
		fmt.Fprintf(sb, "| %-60s |\n", truncate(statsLine, 60))
	} else if len(op.Identifiers) > 0 {
		idLine := fmt.Sprintf("%s|   Identifiers: %s", indent, strings.Join(op.Identifiers, ", "))
		fmt.Fprintf(sb, "| %-60s |\n", truncate(idLine, 60))
	}

	for _, child := range op.Children {
		formatOperator(sb, child, depth+1, showStats)
	}
}

// truncate truncates a string to maxLen characters.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
