// Package model implements a gradient-boosted decision tree classifier for
// the binary churn target.
//
// Trees are grown on histogram bins. Categorical features are split
// natively: the categories present at a node are ordered by their
// gradient statistics and the best prefix of that order goes left, so
// callers never one-hot encode. Missing values follow the side that
// scored better during training.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/features"
)

// Model is a trained classifier. The zero value is untrained.
type Model struct {
	Columns   []features.Column `json:"columns"`
	InitScore float64           `json:"initScore"`
	Trees     []Tree            `json:"trees"`
	Gain      []float64         `json:"gain"`
	Params    Params            `json:"params"`
}

// Fit trains a new model on m. Labels must be 0 or 1 and both classes
// must be present.
func Fit(params Params, m *features.Matrix) (*Model, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if m == nil || m.Width() == 0 {
		return nil, fmt.Errorf("%w: empty feature set", domain.ErrConfig)
	}
	for i, l := range m.Labels {
		if l != 0 && l != 1 {
			return nil, fmt.Errorf("%w: row %s has undefined label", domain.ErrConfig, m.IDs[i])
		}
	}
	counts := m.ClassCounts()
	if counts[0] == 0 || counts[1] == 0 {
		return nil, fmt.Errorf("%w: %d negatives, %d positives", domain.ErrSingleClass, counts[0], counts[1])
	}

	n := m.Len()
	prior := float64(counts[1]) / float64(n)
	model := &Model{
		Columns:   m.Columns,
		InitScore: math.Log(prior / (1 - prior)),
		Trees:     make([]Tree, 0, params.Trees),
		Gain:      make([]float64, m.Width()),
		Params:    params,
	}

	data := newBinned(m, params.MaxBins)
	rng := rand.New(rand.NewSource(params.Seed))

	raw := make([]float64, n)
	for i := range raw {
		raw[i] = model.InitScore
	}

	g := &grower{
		params: params,
		data:   data,
		grad:   make([]float64, n),
		hess:   make([]float64, n),
		gain:   model.Gain,
	}

	nFeatures := max(1, int(math.Round(params.ColSample*float64(m.Width()))))
	all := make([]int, m.Width())
	for f := range all {
		all[f] = f
	}
	rows := make([]int, 0, n)

	for t := 0; t < params.Trees; t++ {
		for i := range raw {
			p := sigmoid(raw[i])
			g.grad[i] = p - float64(m.Labels[i])
			g.hess[i] = math.Max(p*(1-p), 1e-16)
		}

		rows = rows[:0]
		for i := 0; i < n; i++ {
			if params.Subsample >= 1 || rng.Float64() < params.Subsample {
				rows = append(rows, i)
			}
		}
		if len(rows) == 0 {
			continue
		}

		rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
		g.features = append(g.features[:0], all[:nFeatures]...)
		sort.Ints(g.features)

		tree := g.grow(rows)
		model.Trees = append(model.Trees, tree)
		for i, x := range m.X {
			raw[i] += tree.predict(x)
		}
	}

	return model, nil
}

// Trained reports whether the model can predict.
func (m *Model) Trained() bool {
	return m != nil && len(m.Columns) > 0 && len(m.Trees) > 0
}

// PredictProba returns the churn probability of each row of x.
func (m *Model) PredictProba(x [][]float64) ([]float64, error) {
	if !m.Trained() {
		return nil, domain.ErrUntrained
	}
	out := make([]float64, len(x))
	for i, row := range x {
		if len(row) != len(m.Columns) {
			return nil, fmt.Errorf("%w: row %d has %d features, model expects %d", domain.ErrConfig, i, len(row), len(m.Columns))
		}
		s := m.InitScore
		for t := range m.Trees {
			s += m.Trees[t].predict(row)
		}
		out[i] = sigmoid(s)
	}
	return out, nil
}

// Importance is the total split gain attributed to one feature.
type Importance struct {
	Feature string  `json:"feature"`
	Gain    float64 `json:"gain"`
}

// Importances returns features by decreasing gain.
func (m *Model) Importances() []Importance {
	if !m.Trained() {
		return nil
	}
	out := make([]Importance, len(m.Columns))
	for i, c := range m.Columns {
		out[i] = Importance{Feature: c.Name, Gain: m.Gain[i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Gain > out[j].Gain })
	return out
}

// Marshal serializes the model for persistence.
func (m *Model) Marshal() ([]byte, error) {
	if !m.Trained() {
		return nil, domain.ErrUntrained
	}
	return json.Marshal(m)
}

// Unmarshal restores a model written by Marshal.
func Unmarshal(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if !m.Trained() {
		return nil, domain.ErrUntrained
	}
	if len(m.Gain) != len(m.Columns) {
		m.Gain = make([]float64, len(m.Columns))
	}
	return &m, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
