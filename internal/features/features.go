// Package features builds the model matrix from the canonical table and
// produces the stratified holdout split.
package features

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

// ColumnKind tells the classifier how to split on a column.
type ColumnKind string

const (
	Numeric     ColumnKind = "numeric"
	Categorical ColumnKind = "categorical"
)

// Column describes one feature. Categorical columns are encoded as the
// index of their label in Categories; missing and unseen labels are NaN.
type Column struct {
	Name       string     `json:"name"`
	Kind       ColumnKind `json:"kind"`
	Categories []string   `json:"categories,omitempty"`
}

// Index returns the code of label, or -1.
func (c Column) Index(label string) int {
	i := sort.SearchStrings(c.Categories, label)
	if i < len(c.Categories) && c.Categories[i] == label {
		return i
	}
	return -1
}

// Matrix is a dense feature matrix with its label vector. IDs are entity
// identifiers, RowIDs the table row ids they came from.
// Labels are -1 for rows without a defined target.
type Matrix struct {
	IDs     []string    `json:"ids"`
	RowIDs  []string    `json:"rowIds"`
	Labels  []int       `json:"labels"`
	Columns []Column    `json:"columns"`
	X       [][]float64 `json:"-"`
}

// Len returns the number of rows.
func (m *Matrix) Len() int { return len(m.X) }

// Width returns the number of features.
func (m *Matrix) Width() int { return len(m.Columns) }

// Subset returns the rows at idx, in the given order. Rows share storage.
func (m *Matrix) Subset(idx []int) *Matrix {
	out := &Matrix{
		IDs:     make([]string, len(idx)),
		RowIDs:  make([]string, len(idx)),
		Labels:  make([]int, len(idx)),
		Columns: m.Columns,
		X:       make([][]float64, len(idx)),
	}
	for j, i := range idx {
		out.IDs[j] = m.IDs[i]
		out.RowIDs[j] = m.RowIDs[i]
		out.Labels[j] = m.Labels[i]
		out.X[j] = m.X[i]
	}
	return out
}

// ClassCounts returns how many rows carry label 0 and label 1.
func (m *Matrix) ClassCounts() [2]int {
	var c [2]int
	for _, l := range m.Labels {
		if l == 0 || l == 1 {
			c[l]++
		}
	}
	return c
}

// Builder selects and encodes a fixed feature set.
type Builder struct {
	Columns      []string
	TestFraction float64
	Seed         int64
}

// New creates a builder; empty fields fall back to the default feature
// set, a 25% holdout and seed 42.
func New(cfg domain.FeatureConfig) *Builder {
	b := &Builder{
		Columns:      append([]string(nil), cfg.Columns...),
		TestFraction: cfg.TestFraction,
		Seed:         cfg.Seed,
	}
	if len(b.Columns) == 0 {
		b.Columns = append([]string(nil), domain.DefaultFeatureColumns...)
	}
	if b.TestFraction == 0 {
		b.TestFraction = 0.25
	}
	if b.Seed == 0 {
		b.Seed = 42
	}
	return b
}

// Build encodes the defined-target rows of canonical.
func (b *Builder) Build(canonical *domain.Table) (*Matrix, error) {
	for _, c := range b.Columns {
		if !canonical.HasColumn(c) {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownFeature, c)
		}
	}

	rows := canonical.Where(domain.HasTarget)
	cols := make([]Column, len(b.Columns))
	for i, name := range b.Columns {
		cols[i] = describe(rows, name)
	}
	return Encode(rows, cols)
}

// describe decides the kind of a column from its observed values.
func describe(t *domain.Table, name string) Column {
	labels := make(map[string]bool)
	categorical := false
	for _, r := range t.Rows {
		v := r.Get(name)
		switch v.Kind() {
		case domain.KindString, domain.KindBool:
			categorical = true
		}
		if !v.IsNull() {
			labels[v.Text()] = true
		}
	}
	if !categorical {
		return Column{Name: name, Kind: Numeric}
	}

	cats := make([]string, 0, len(labels))
	for l := range labels {
		cats = append(cats, l)
	}
	sort.Strings(cats)
	return Column{Name: name, Kind: Categorical, Categories: cats}
}

// Encode turns every row of t into a feature row using the given column
// descriptions, typically those of a built matrix so that categories
// keep their codes.
func Encode(t *domain.Table, columns []Column) (*Matrix, error) {
	for _, c := range columns {
		if !t.HasColumn(c.Name) {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownFeature, c.Name)
		}
	}

	m := &Matrix{
		IDs:     make([]string, len(t.Rows)),
		RowIDs:  make([]string, len(t.Rows)),
		Labels:  make([]int, len(t.Rows)),
		Columns: columns,
		X:       make([][]float64, len(t.Rows)),
	}
	for i, r := range t.Rows {
		m.IDs[i] = EntityID(r)
		m.RowIDs[i] = r.ID
		if l, ok := domain.ChurnLabel(r); ok {
			m.Labels[i] = l
		} else {
			m.Labels[i] = -1
		}

		x := make([]float64, len(columns))
		for j, c := range columns {
			x[j] = encodeCell(c, r.Get(c.Name))
		}
		m.X[i] = x
	}
	return m, nil
}

func encodeCell(c Column, v domain.Value) float64 {
	if v.IsNull() {
		return math.NaN()
	}
	if c.Kind == Numeric {
		return v.Float()
	}
	idx := c.Index(v.Text())
	if idx < 0 {
		return math.NaN()
	}
	return float64(idx)
}

// EntityID returns the customer identifier of a row, falling back to the row id.
func EntityID(r domain.Row) string {
	if s := r.Get(domain.ColCustomerID).Text(); s != "" {
		return s
	}
	return r.ID
}

// Split partitions m into train and test, stratified by label. Each class
// sends round(n*f) rows to test, clamped so both sides get at least one.
func (b *Builder) Split(m *Matrix) (train, test *Matrix, err error) {
	if b.TestFraction <= 0 || b.TestFraction >= 1 {
		return nil, nil, fmt.Errorf("%w: test fraction %.3f must be in (0, 1)", domain.ErrConfig, b.TestFraction)
	}

	var byClass [2][]int
	for i, l := range m.Labels {
		if l == 0 || l == 1 {
			byClass[l] = append(byClass[l], i)
		}
	}

	rng := rand.New(rand.NewSource(b.Seed))
	var trainIdx, testIdx []int
	for class, idx := range byClass {
		n := len(idx)
		if n < 2 {
			return nil, nil, fmt.Errorf("%w: class %d has %d rows", domain.ErrInsufficientClass, class, n)
		}
		nTest := int(math.Round(float64(n) * b.TestFraction))
		nTest = max(1, min(nTest, n-1))

		shuffled := append([]int(nil), idx...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		testIdx = append(testIdx, shuffled[:nTest]...)
		trainIdx = append(trainIdx, shuffled[nTest:]...)
	}

	sort.Ints(trainIdx)
	sort.Ints(testIdx)
	return m.Subset(trainIdx), m.Subset(testIdx), nil
}
