package model

import (
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

func TestAUC(t *testing.T) {
	tests := []struct {
		name   string
		labels []int
		probs  []float64
		want   float64
	}{
		{"Perfect", []int{0, 0, 1, 1}, []float64{0.1, 0.2, 0.8, 0.9}, 1},
		{"Reversed", []int{1, 1, 0, 0}, []float64{0.1, 0.2, 0.8, 0.9}, 0},
		{"AllTied", []int{0, 1, 0, 1}, []float64{0.5, 0.5, 0.5, 0.5}, 0.5},
		{"PartialTie", []int{0, 1, 0, 1}, []float64{0.2, 0.4, 0.4, 0.9}, 0.875},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AUC(tt.labels, tt.probs)
			if err != nil {
				t.Fatalf("AUC failed: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("expected %.4f, got %.4f", tt.want, got)
			}
		})
	}
}

func TestAUCSingleClass(t *testing.T) {
	if _, err := AUC([]int{1, 1}, []float64{0.2, 0.3}); !errors.Is(err, domain.ErrSingleClass) {
		t.Errorf("expected ErrSingleClass, got %v", err)
	}
}

func TestEvaluateConfusion(t *testing.T) {
	labels := []int{0, 0, 1, 1, 1, 0}
	probs := []float64{0.1, 0.4, 0.4, 0.7, 0.2, 0.9}

	eval, err := Evaluate(labels, probs, 0.4)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	// 0.4 is not above the threshold, so both 0.4 rows are predicted negative.
	want := domain.Confusion{TN: 2, FP: 1, FN: 2, TP: 1}
	if eval.Confusion != want {
		t.Errorf("expected %+v, got %+v", want, eval.Confusion)
	}
	if got := eval.Confusion.Matrix(); got != [2][2]int{{2, 1}, {2, 1}} {
		t.Errorf("unexpected matrix layout %v", got)
	}
}

func TestEvaluateRejectsBadInput(t *testing.T) {
	t.Run("LengthMismatch", func(t *testing.T) {
		if _, err := Evaluate([]int{0, 1}, []float64{0.5}, 0.5); !errors.Is(err, domain.ErrConfig) {
			t.Errorf("expected configuration error, got %v", err)
		}
	})

	t.Run("Threshold", func(t *testing.T) {
		if _, err := Evaluate([]int{0, 1}, []float64{0.1, 0.9}, 1.5); !errors.Is(err, domain.ErrThreshold) {
			t.Errorf("expected ErrThreshold, got %v", err)
		}
	})
}
