// Package schema translates flattened source columns into the canonical
// churn vocabulary and coerces money and target columns.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

// Mapper renames and coerces a flat table into the canonical table.
// It is the only place where vocabulary translation happens.
type Mapper struct {
	rename        map[string]string
	moneyColumns  []string
	targetColumn  string
	positiveLabel string
	negativeLabel string
}

// New validates cfg and creates a Mapper. The rename map must be injective.
func New(cfg domain.SchemaConfig) (*Mapper, error) {
	m := &Mapper{
		rename:        make(map[string]string, len(cfg.Rename)),
		moneyColumns:  append([]string(nil), cfg.MoneyColumns...),
		targetColumn:  cfg.TargetColumn,
		positiveLabel: cfg.PositiveLabel,
		negativeLabel: cfg.NegativeLabel,
	}
	if m.targetColumn == "" {
		m.targetColumn = domain.ColChurn
	}
	if m.positiveLabel == "" {
		m.positiveLabel = "Yes"
	}
	if m.negativeLabel == "" {
		m.negativeLabel = "No"
	}
	if m.positiveLabel == m.negativeLabel {
		return nil, fmt.Errorf("%w: positive and negative labels are both %q", domain.ErrConfig, m.positiveLabel)
	}

	// Sorted so the reported conflict is deterministic.
	sources := make([]string, 0, len(cfg.Rename))
	for src := range cfg.Rename {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	targets := make(map[string]string, len(cfg.Rename))
	for _, src := range sources {
		dst := cfg.Rename[src]
		if dst == "" {
			return nil, fmt.Errorf("%w: empty rename target for %q", domain.ErrConfig, src)
		}
		if prev, ok := targets[dst]; ok {
			return nil, fmt.Errorf("%w: rename is not injective, %q and %q both map to %q", domain.ErrConfig, prev, src, dst)
		}
		targets[dst] = src
		m.rename[src] = dst
	}
	return m, nil
}

// Default creates a Mapper for the TelecomX export.
func Default() *Mapper {
	m, err := New(domain.DefaultConfig().Schema)
	if err != nil {
		panic(err)
	}
	return m
}

// Map returns the canonical table. Source columns missing from flat are
// ignored, unknown columns pass through, and the input is not modified.
// Mapping an already canonical table is a no-op.
func (m *Mapper) Map(flat *domain.Table) (*domain.Table, error) {
	out := &domain.Table{
		Columns: make([]string, 0, len(flat.Columns)),
		Rows:    make([]domain.Row, len(flat.Rows)),
	}

	present := make(map[string]bool, len(flat.Columns))
	for _, c := range flat.Columns {
		present[c] = true
	}

	names := make(map[string]string, len(flat.Columns))
	seen := make(map[string]string, len(flat.Columns))
	for _, c := range flat.Columns {
		name := c
		if dst, ok := m.rename[c]; ok {
			name = dst
		}
		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: columns %q and %q both become %q", domain.ErrColumnCollision, prev, c, name)
		}
		seen[name] = c
		names[c] = name
		out.Columns = append(out.Columns, name)
	}

	for i, r := range flat.Rows {
		nr := domain.Row{ID: r.ID, Cells: make(map[string]domain.Value, len(r.Cells))}
		for src, v := range r.Cells {
			if name, ok := names[src]; ok {
				nr.Cells[name] = v
			} else if present[src] {
				nr.Cells[src] = v
			}
		}
		out.Rows[i] = nr
	}

	for _, col := range m.moneyColumns {
		if !out.HasColumn(col) {
			continue
		}
		for i := range out.Rows {
			v, err := Money(out.Rows[i].Get(col))
			if err != nil {
				return nil, fmt.Errorf("row %s column %s: %w", out.Rows[i].ID, col, err)
			}
			out.Rows[i].Cells[col] = v
		}
	}

	if out.HasColumn(m.targetColumn) {
		for i := range out.Rows {
			out.Rows[i].Cells[m.targetColumn] = m.Target(out.Rows[i].Get(m.targetColumn))
		}
	}

	return out, nil
}

// Money coerces a charge-like cell: blank text is missing, numeric text
// becomes a number, numbers and nulls are unchanged.
func Money(v domain.Value) (domain.Value, error) {
	switch v.Kind() {
	case domain.KindNull, domain.KindNumber:
		return v, nil
	case domain.KindString:
		s, _ := v.Str()
		s = strings.TrimSpace(s)
		if s == "" {
			return domain.Null(), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return domain.Value{}, fmt.Errorf("%w: %q", domain.ErrNonNumeric, s)
		}
		return domain.Number(f), nil
	default:
		return domain.Value{}, fmt.Errorf("%w: %s value", domain.ErrNonNumeric, v.Kind())
	}
}

// Target maps the label domain onto {1, 0}. Already coerced 0/1 numbers
// are kept; anything else is undefined.
func (m *Mapper) Target(v domain.Value) domain.Value {
	switch v.Kind() {
	case domain.KindString:
		s, _ := v.Str()
		switch s {
		case m.positiveLabel:
			return domain.Number(1)
		case m.negativeLabel:
			return domain.Number(0)
		}
	case domain.KindNumber:
		if f, _ := v.Num(); f == 0 || f == 1 {
			return v
		}
	}
	return domain.Null()
}

// Trainable returns the rows of a canonical table with a defined target.
func Trainable(canonical *domain.Table) *domain.Table {
	return canonical.Where(domain.HasTarget)
}
