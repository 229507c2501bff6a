package scoring

import (
	"bytes"
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/features"
)

// fixedModel returns the first feature of each row as its probability.
type fixedModel struct{}

func (fixedModel) PredictProba(x [][]float64) ([]float64, error) {
	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = row[0]
	}
	return out, nil
}

func testMatrix(probs ...float64) *features.Matrix {
	m := &features.Matrix{Columns: []features.Column{{Name: "P", Kind: features.Numeric}}}
	for i, p := range probs {
		m.IDs = append(m.IDs, string(rune('A'+i)))
		m.RowIDs = append(m.RowIDs, "r"+string(rune('0'+i)))
		m.Labels = append(m.Labels, 0)
		m.X = append(m.X, []float64{p})
	}
	return m
}

func TestProcessor(t *testing.T) {
	if DefaultThreshold != 0.4 {
		t.Errorf("expected default threshold 0.4, got %v", DefaultThreshold)
	}
	proc := &Processor{AlertThreshold: DefaultThreshold}

	t.Run("StrictComparison", func(t *testing.T) {
		scored, err := proc.Score(fixedModel{}, testMatrix(0.39, 0.4, 0.41), nil)
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		got := []bool{scored[0].HighRisk, scored[1].HighRisk, scored[2].HighRisk}
		if diff := cmp.Diff([]bool{false, false, true}, got); diff != "" {
			t.Errorf("flags mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("TrainingMembership", func(t *testing.T) {
		scored, err := proc.Score(fixedModel{}, testMatrix(0.1, 0.9), map[string]bool{"r1": true})
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if scored[0].InTraining || !scored[1].InTraining {
			t.Errorf("unexpected training flags %+v", scored)
		}
		if scored[1].CustomerID != "B" {
			t.Errorf("expected customer B, got %s", scored[1].CustomerID)
		}
	})

	t.Run("NilModel", func(t *testing.T) {
		if _, err := proc.Score(nil, testMatrix(0.5), nil); !errors.Is(err, domain.ErrUntrained) {
			t.Errorf("expected ErrUntrained, got %v", err)
		}
	})
}

func TestThresholdMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	entities := make([]domain.ScoredEntity, 500)
	for i := range entities {
		entities[i] = domain.ScoredEntity{CustomerID: strconv.Itoa(i), Probability: rng.Float64()}
	}

	prev := len(entities) + 1
	for thr := MinThreshold; thr <= MaxThreshold+1e-9; thr += 0.05 {
		n := len(Flagged((&Processor{AlertThreshold: thr}).Apply(entities)))
		if n > prev {
			t.Fatalf("raising threshold to %.2f increased flagged count from %d to %d", thr, prev, n)
		}
		prev = n
	}
}

func TestApplyReflags(t *testing.T) {
	entities := []domain.ScoredEntity{
		{CustomerID: "a", Probability: 0.5, HighRisk: true},
		{CustomerID: "b", Probability: 0.7, HighRisk: true},
	}

	proc := &Processor{AlertThreshold: 0.6}
	out := proc.Apply(entities)

	if out[0].HighRisk || !out[1].HighRisk {
		t.Errorf("unexpected flags %+v", out)
	}
	if !entities[0].HighRisk {
		t.Error("Apply must not modify its input")
	}
	if n := len(Flagged(out)); n != 1 {
		t.Errorf("expected 1 flagged entity, got %d", n)
	}
}

func TestValidateThreshold(t *testing.T) {
	for _, thr := range []float64{0.1, 0.4, 0.9} {
		if err := ValidateThreshold(thr); err != nil {
			t.Errorf("threshold %v should be valid: %v", thr, err)
		}
	}
	for _, thr := range []float64{0, 0.05, 0.95, 1} {
		err := ValidateThreshold(thr)
		if !errors.Is(err, domain.ErrThreshold) || !errors.Is(err, domain.ErrConfig) {
			t.Errorf("threshold %v should be rejected as a configuration error, got %v", thr, err)
		}
	}
}

func TestExportHighRisk(t *testing.T) {
	entities := []domain.ScoredEntity{
		{CustomerID: "0002-ORFBO", Probability: 0.12, HighRisk: false},
		{CustomerID: "0003-MKNFE", Probability: 0.875, HighRisk: true},
		{CustomerID: "0004-TLHLJ", Probability: 0.5, HighRisk: true},
	}

	var buf bytes.Buffer
	if err := ExportHighRisk(&buf, entities); err != nil {
		t.Fatalf("ExportHighRisk failed: %v", err)
	}

	want := "customer_id,churn_probability\n0003-MKNFE,0.875\n0004-TLHLJ,0.5\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("export mismatch (-want +got):\n%s", diff)
	}
}
