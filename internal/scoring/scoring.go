// Package scoring turns model probabilities into scored entities and
// applies the alert threshold that decides which customers are high risk.
package scoring

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/features"
)

// Threshold bounds accepted at the boundary.
const (
	MinThreshold     = 0.1
	MaxThreshold     = 0.9
	DefaultThreshold = 0.4
)

// ExportFilename is the suggested name of the high-risk export.
const ExportFilename = "alto_riesgo.csv"

// Predictor is anything that maps feature rows to churn probabilities.
type Predictor interface {
	PredictProba(x [][]float64) ([]float64, error)
}

// Processor flags entities whose churn probability exceeds AlertThreshold.
type Processor struct {
	// Threshold strictly above which an entity is flagged as high risk
	AlertThreshold float64
}

// ValidateThreshold enforces the operator range [0.1, 0.9].
func ValidateThreshold(threshold float64) error {
	if threshold < MinThreshold || threshold > MaxThreshold || math.IsNaN(threshold) {
		return fmt.Errorf("%w: %g not in [%.1f, %.1f]", domain.ErrThreshold, threshold, MinThreshold, MaxThreshold)
	}
	return nil
}

// Score predicts every row of m. Rows whose table row id is in training
// are marked InTraining: their probabilities are optimistic.
func (p *Processor) Score(model Predictor, m *features.Matrix, training map[string]bool) ([]domain.ScoredEntity, error) {
	if model == nil {
		return nil, domain.ErrUntrained
	}
	probs, err := model.PredictProba(m.X)
	if err != nil {
		return nil, fmt.Errorf("failed to score %d rows: %w", m.Len(), err)
	}

	out := make([]domain.ScoredEntity, len(probs))
	for i, prob := range probs {
		out[i] = domain.ScoredEntity{
			CustomerID:  m.IDs[i],
			Probability: prob,
			HighRisk:    prob > p.AlertThreshold,
			InTraining:  training[m.RowIDs[i]],
		}
	}
	return out, nil
}

// Apply re-flags entities under the processor threshold without predicting again.
func (p *Processor) Apply(entities []domain.ScoredEntity) []domain.ScoredEntity {
	out := make([]domain.ScoredEntity, len(entities))
	for i, e := range entities {
		e.HighRisk = e.Probability > p.AlertThreshold
		out[i] = e
	}
	return out
}

// Flagged returns the high-risk entities in their original order.
func Flagged(entities []domain.ScoredEntity) []domain.ScoredEntity {
	var out []domain.ScoredEntity
	for _, e := range entities {
		if e.HighRisk {
			out = append(out, e)
		}
	}
	return out
}

// ExportHighRisk writes the flagged entities as CSV with the header
// customer_id,churn_probability.
func ExportHighRisk(w io.Writer, entities []domain.ScoredEntity) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"customer_id", "churn_probability"}); err != nil {
		return err
	}
	for _, e := range entities {
		if !e.HighRisk {
			continue
		}
		if err := cw.Write([]string{e.CustomerID, strconv.FormatFloat(e.Probability, 'f', -1, 64)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
