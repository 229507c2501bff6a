package domain

import "slices"

// Row is one table row. ID is a synthetic identifier assigned at load time
// and carried through every transformation; joins use it, never position.
type Row struct {
	ID    string           `json:"id"`
	Cells map[string]Value `json:"cells"`
}

// Get returns the cell for column, Null when absent.
func (r Row) Get(column string) Value {
	if r.Cells == nil {
		return Value{}
	}
	return r.Cells[column]
}

// Clone returns a row with its own cell map.
func (r Row) Clone() Row {
	cells := make(map[string]Value, len(r.Cells))
	for k, v := range r.Cells {
		cells[k] = v
	}
	return Row{ID: r.ID, Cells: cells}
}

// Table is an ordered set of columns over rows.
type Table struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Len returns the row count.
func (t *Table) Len() int { return len(t.Rows) }

// HasColumn reports whether column is part of the table.
func (t *Table) HasColumn(column string) bool {
	return slices.Contains(t.Columns, column)
}

// Column returns every value of column in row order.
func (t *Table) Column(column string) []Value {
	out := make([]Value, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Get(column)
	}
	return out
}

// Where returns a table sharing the columns of t with the rows accepted by keep.
func (t *Table) Where(keep func(Row) bool) *Table {
	out := &Table{Columns: slices.Clone(t.Columns)}
	for _, r := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Clone deep-copies the table structure; values are immutable and shared.
func (t *Table) Clone() *Table {
	out := &Table{Columns: slices.Clone(t.Columns), Rows: make([]Row, len(t.Rows))}
	for i, r := range t.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

// Equal reports whether two tables hold the same columns, row ids and cells.
func (t *Table) Equal(o *Table) bool {
	if !slices.Equal(t.Columns, o.Columns) || len(t.Rows) != len(o.Rows) {
		return false
	}
	for i := range t.Rows {
		a, b := t.Rows[i], o.Rows[i]
		if a.ID != b.ID {
			return false
		}
		for _, c := range t.Columns {
			if !a.Get(c).Equal(b.Get(c)) {
				return false
			}
		}
	}
	return true
}
