// Package flatten turns nested records into a purely tabular form.
//
// Flattening is a fixed-point iteration over the tagged cell values:
// every pass first explodes sequence-valued columns into extra rows and,
// once no sequence is left, expands mapping-valued columns into prefixed
// columns. The loop ends on the first pass that finds nothing to expand.
package flatten

import (
	"fmt"
	"strconv"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

// ValueColumn holds records that are not mappings.
const ValueColumn = "value"

// Engine flattens tables of nested values.
type Engine struct {
	// Separator joins a parent column name and a nested key.
	Separator string

	// MaxPasses bounds the number of expanding passes. Records decoded from
	// a finite document always converge; hitting the bound means the input
	// nests deeper than the configuration allows.
	MaxPasses int
}

// Stats describes the work done by one Flatten call.
type Stats struct {
	Passes     int `json:"passes"`
	Explosions int `json:"explosions"`
	Expansions int `json:"expansions"`
	Rows       int `json:"rows"`
	Columns    int `json:"columns"`
}

// New creates an engine. Zero values fall back to "_" and 64 passes.
func New(cfg domain.FlattenConfig) *Engine {
	e := &Engine{Separator: cfg.Separator, MaxPasses: cfg.MaxPasses}
	if e.Separator == "" {
		e.Separator = "_"
	}
	if e.MaxPasses <= 0 {
		e.MaxPasses = 64
	}
	return e
}

// FromRecords builds the initial table: one row per record, one column per
// top-level key in first-seen order. Rows get synthetic ids r0, r1, ...
func FromRecords(records []domain.Value) *domain.Table {
	t := &domain.Table{Rows: make([]domain.Row, 0, len(records))}
	seen := make(map[string]bool)

	addColumn := func(name string) {
		if !seen[name] {
			seen[name] = true
			t.Columns = append(t.Columns, name)
		}
	}

	for i, rec := range records {
		row := domain.Row{ID: "r" + strconv.Itoa(i), Cells: make(map[string]domain.Value)}
		if rec.Kind() == domain.KindMapping {
			for _, f := range rec.Fields() {
				addColumn(f.Key)
				row.Cells[f.Key] = f.Value
			}
		} else {
			addColumn(ValueColumn)
			row.Cells[ValueColumn] = rec
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// Flatten normalizes t until no cell holds a sequence or a mapping.
// The input table is not modified.
func (e *Engine) Flatten(t *domain.Table) (*domain.Table, Stats, error) {
	var stats Stats

	cur, err := withRowIDs(t)
	if err != nil {
		return nil, stats, err
	}

	for pass := 0; ; pass++ {
		seqCols := columnsOfKind(cur, domain.KindSequence)
		var mapCols []string
		if len(seqCols) == 0 {
			mapCols = columnsOfKind(cur, domain.KindMapping)
		}

		if len(seqCols) == 0 && len(mapCols) == 0 {
			stats.Passes = pass
			break
		}
		if pass >= e.MaxPasses {
			return nil, stats, fmt.Errorf("%w: still nested after %d passes", domain.ErrNonConvergence, e.MaxPasses)
		}

		// Explosion runs to completion before any mapping is expanded.
		if len(seqCols) > 0 {
			for _, col := range seqCols {
				cur, err = explode(cur, col)
				if err != nil {
					return nil, stats, err
				}
				stats.Explosions++
			}
			continue
		}

		for _, col := range mapCols {
			cur, err = expand(cur, col, e.Separator)
			if err != nil {
				return nil, stats, err
			}
			stats.Expansions++
		}
	}

	stats.Rows = len(cur.Rows)
	stats.Columns = len(cur.Columns)
	return cur, stats, nil
}

// withRowIDs copies t, assigning ids to rows that lack one and rejecting duplicates.
func withRowIDs(t *domain.Table) (*domain.Table, error) {
	out := &domain.Table{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([]domain.Row, len(t.Rows)),
	}
	seen := make(map[string]bool, len(t.Rows))
	for i, r := range t.Rows {
		if r.ID == "" {
			r.ID = "r" + strconv.Itoa(i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate row id %q", domain.ErrData, r.ID)
		}
		seen[r.ID] = true
		out.Rows[i] = r
	}
	return out, nil
}

// columnsOfKind returns, in column order, the columns holding at least one
// value of kind.
func columnsOfKind(t *domain.Table, kind domain.Kind) []string {
	var cols []string
	for _, c := range t.Columns {
		for _, r := range t.Rows {
			if r.Get(c).Kind() == kind {
				cols = append(cols, c)
				break
			}
		}
	}
	return cols
}

// explode replicates each row once per element of its sequence in col.
// Rows holding anything else pass through untouched; an empty sequence
// leaves a single row with a null cell. A generated id that matches an
// existing row id is a data error, since later joins are keyed by id.
func explode(t *domain.Table, col string) (*domain.Table, error) {
	out := &domain.Table{Columns: t.Columns, Rows: make([]domain.Row, 0, len(t.Rows))}
	seen := make(map[string]bool, len(t.Rows))
	add := func(r domain.Row) error {
		if seen[r.ID] {
			return fmt.Errorf("%w: exploding %s produced duplicate row id %q", domain.ErrData, col, r.ID)
		}
		seen[r.ID] = true
		out.Rows = append(out.Rows, r)
		return nil
	}

	for _, r := range t.Rows {
		v := r.Get(col)
		if v.Kind() != domain.KindSequence {
			if err := add(r); err != nil {
				return nil, err
			}
			continue
		}

		items := v.Items()
		if len(items) == 0 {
			nr := r.Clone()
			nr.Cells[col] = domain.Null()
			if err := add(nr); err != nil {
				return nil, err
			}
			continue
		}

		for i, item := range items {
			nr := r.Clone()
			nr.ID = r.ID + "." + strconv.Itoa(i)
			nr.Cells[col] = item
			if err := add(nr); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// expand moves the keys of mapping values in col one level up into
// columns named col+sep+key, joined back onto the rows by row id.
func expand(t *domain.Table, col, sep string) (*domain.Table, error) {
	existing := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		existing[c] = true
	}

	var newCols []string
	added := make(map[string]bool)
	expanded := make(map[string]map[string]domain.Value)
	keepOriginal := false

	for _, r := range t.Rows {
		v := r.Get(col)
		switch v.Kind() {
		case domain.KindMapping:
			cells := make(map[string]domain.Value, len(v.Fields()))
			for _, f := range v.Fields() {
				name := col + sep + f.Key
				if !added[name] {
					if existing[name] {
						return nil, fmt.Errorf("%w: expanding %q produces existing column %q", domain.ErrColumnCollision, col, name)
					}
					added[name] = true
					newCols = append(newCols, name)
				}
				cells[name] = f.Value
			}
			expanded[r.ID] = cells
		case domain.KindNull:
		default:
			keepOriginal = true
		}
	}

	out := &domain.Table{Rows: make([]domain.Row, 0, len(t.Rows))}
	for _, c := range t.Columns {
		if c != col || keepOriginal {
			out.Columns = append(out.Columns, c)
		}
	}
	out.Columns = append(out.Columns, newCols...)

	for _, r := range t.Rows {
		nr := r.Clone()
		if nr.Get(col).Kind() == domain.KindMapping || !keepOriginal {
			delete(nr.Cells, col)
		}
		for name, v := range expanded[r.ID] {
			nr.Cells[name] = v
		}
		out.Rows = append(out.Rows, nr)
	}
	return out, nil
}
