package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Querier is satisfied by *sqlx.DB, *sqlx.Tx and *sqlx.Conn.
type Querier interface {
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Report is the result of comparing a live database with the logical schema.
type Report struct {
	Dialect        string              `json:"dialect"`
	Empty          bool                `json:"empty"`
	MissingTables  []string            `json:"missing_tables,omitempty"`
	ExtraTables    []string            `json:"extra_tables,omitempty"`
	MissingColumns map[string][]string `json:"missing_columns,omitempty"`
	ExtraColumns   map[string][]string `json:"extra_columns,omitempty"`
}

// OK reports whether the live schema contains everything expected. Extra
// tables and columns are tolerated.
func (r Report) OK() bool {
	return !r.Empty && len(r.MissingTables) == 0 && len(r.MissingColumns) == 0
}

// Summary renders the report in one line per finding.
func (r Report) Summary() string {
	if r.Empty {
		return "database has no tables"
	}
	if r.OK() && len(r.ExtraTables) == 0 && len(r.ExtraColumns) == 0 {
		return "schema matches"
	}
	var lines []string
	for _, t := range r.MissingTables {
		lines = append(lines, "missing table "+t)
	}
	for _, t := range sortedKeys(r.MissingColumns) {
		lines = append(lines, fmt.Sprintf("table %s is missing columns %s", t, strings.Join(r.MissingColumns[t], ", ")))
	}
	for _, t := range r.ExtraTables {
		lines = append(lines, "unexpected table "+t)
	}
	for _, t := range sortedKeys(r.ExtraColumns) {
		lines = append(lines, fmt.Sprintf("table %s has unexpected columns %s", t, strings.Join(r.ExtraColumns[t], ", ")))
	}
	return strings.Join(lines, "\n")
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate compares the tables visible through q with want.
func Validate(ctx context.Context, q Querier, d Dialect, want []Table) (Report, error) {
	report := Report{Dialect: d.Name()}

	var live []string
	if err := q.SelectContext(ctx, &live, d.ListTables()); err != nil {
		return report, fmt.Errorf("listing tables: %w", err)
	}
	if len(live) == 0 {
		report.Empty = true
		return report, nil
	}

	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[strings.ToLower(name)] = true
	}
	wantSet := make(map[string]bool, len(want))

	for _, t := range want {
		wantSet[t.Name] = true
		if !liveSet[t.Name] {
			report.MissingTables = append(report.MissingTables, t.Name)
			continue
		}
		var cols []string
		if err := q.SelectContext(ctx, &cols, d.ListColumns(), t.Name); err != nil {
			return report, fmt.Errorf("listing columns of %s: %w", t.Name, err)
		}
		colSet := make(map[string]bool, len(cols))
		for _, c := range cols {
			colSet[strings.ToLower(c)] = true
		}
		for _, c := range t.Columns {
			if !colSet[c.Name] {
				if report.MissingColumns == nil {
					report.MissingColumns = map[string][]string{}
				}
				report.MissingColumns[t.Name] = append(report.MissingColumns[t.Name], c.Name)
			}
			delete(colSet, c.Name)
		}
		for c := range colSet {
			if report.ExtraColumns == nil {
				report.ExtraColumns = map[string][]string{}
			}
			report.ExtraColumns[t.Name] = append(report.ExtraColumns[t.Name], c)
		}
		if extra := report.ExtraColumns[t.Name]; len(extra) > 1 {
			sort.Strings(extra)
		}
	}
	for _, name := range live {
		if !wantSet[strings.ToLower(name)] {
			report.ExtraTables = append(report.ExtraTables, name)
		}
	}
	return report, nil
}
