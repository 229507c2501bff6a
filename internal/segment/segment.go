package segment

import (
	"fmt"
	"slices"
	"sort"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

// MissingCategory labels rows whose grouping cell is null.
const MissingCategory = "(missing)"

// Segment returns the sub-table of rows accepted by pred.
func Segment(t *domain.Table, pred Predicate) *domain.Table {
	return t.Where(pred)
}

// Filter maps a column to its allowed display values. A column with no
// allowed values is not filtered.
type Filter map[string][]string

// Validate checks that every filtered column is one of allowed.
func (f Filter) Validate(allowed []string) error {
	for col := range f {
		if !slices.Contains(allowed, col) {
			return fmt.Errorf("%w: cannot filter on %q", domain.ErrUnknownColumn, col)
		}
	}
	return nil
}

// Apply keeps the rows whose value in every filtered column is allowed.
func (f Filter) Apply(t *domain.Table) *domain.Table {
	active := make(map[string]map[string]bool)
	for col, values := range f {
		if len(values) == 0 {
			continue
		}
		set := make(map[string]bool, len(values))
		for _, v := range values {
			set[v] = true
		}
		active[col] = set
	}
	if len(active) == 0 {
		return t
	}

	return t.Where(func(r domain.Row) bool {
		for col, set := range active {
			if !set[r.Get(col).Text()] {
				return false
			}
		}
		return true
	})
}

// CrosstabRow holds churn counts for one category. ChurnRate is nil when
// the category has no rows.
type CrosstabRow struct {
	Category  string   `json:"category"`
	Active    int      `json:"active"`
	Churned   int      `json:"churned"`
	Total     int      `json:"total"`
	ChurnRate *float64 `json:"churnRate"`
}

// ValidateGrouping checks column against the allowed grouping set.
func ValidateGrouping(column string) error {
	if !slices.Contains(domain.GroupingColumns, column) {
		return fmt.Errorf("%w: cannot group by %q", domain.ErrUnknownColumn, column)
	}
	return nil
}

// Crosstab counts retained and churned customers per value of column over
// the defined-target rows of t. Extra known categories are reported even
// when no row holds them. Rows are sorted by category.
func Crosstab(t *domain.Table, column string, known ...string) ([]CrosstabRow, error) {
	if !t.HasColumn(column) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownColumn, column)
	}

	counts := make(map[string]*CrosstabRow)
	get := func(cat string) *CrosstabRow {
		c, ok := counts[cat]
		if !ok {
			c = &CrosstabRow{Category: cat}
			counts[cat] = c
		}
		return c
	}
	for _, cat := range known {
		get(cat)
	}

	for _, r := range t.Rows {
		label, ok := domain.ChurnLabel(r)
		if !ok {
			continue
		}
		v := r.Get(column)
		cat := v.Text()
		if v.IsNull() {
			cat = MissingCategory
		}
		c := get(cat)
		if label == 1 {
			c.Churned++
		} else {
			c.Active++
		}
	}

	out := make([]CrosstabRow, 0, len(counts))
	for _, c := range counts {
		c.Total = c.Active + c.Churned
		if c.Total > 0 {
			rate := float64(c.Churned) / float64(c.Total)
			c.ChurnRate = &rate
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

// Groups is the three-way partition of the defined-target rows.
type Groups struct {
	Retained     *domain.Table
	OtherChurned *domain.Table
	Critical     *domain.Table
}

// Counts returns the group sizes keyed by group name.
func (g Groups) Counts() map[string]int {
	return map[string]int{
		domain.GroupRetained:     g.Retained.Len(),
		domain.GroupOtherChurned: g.OtherChurned.Len(),
		domain.GroupCritical:     g.Critical.Len(),
	}
}

// Group names the partition group of row, or "" when its target is undefined.
func Group(row domain.Row, critical Predicate) string {
	label, ok := domain.ChurnLabel(row)
	switch {
	case !ok:
		return ""
	case label == 0:
		return domain.GroupRetained
	case critical(row):
		return domain.GroupCritical
	default:
		return domain.GroupOtherChurned
	}
}

// Partition splits the defined-target rows of t into retained customers,
// churned customers inside the critical segment and the other churned.
func Partition(t *domain.Table, critical Predicate) Groups {
	g := Groups{
		Retained:     &domain.Table{Columns: slices.Clone(t.Columns)},
		OtherChurned: &domain.Table{Columns: slices.Clone(t.Columns)},
		Critical:     &domain.Table{Columns: slices.Clone(t.Columns)},
	}
	for _, r := range t.Rows {
		switch Group(r, critical) {
		case domain.GroupRetained:
			g.Retained.Rows = append(g.Retained.Rows, r)
		case domain.GroupCritical:
			g.Critical.Rows = append(g.Critical.Rows, r)
		case domain.GroupOtherChurned:
			g.OtherChurned.Rows = append(g.OtherChurned.Rows, r)
		}
	}
	return g
}
