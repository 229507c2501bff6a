package model

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

// Evaluation holds holdout quality metrics.
type Evaluation struct {
	AUC       float64          `json:"auc"`
	Confusion domain.Confusion `json:"confusion"`
}

// Evaluate computes the ROC AUC and the confusion matrix of probs against
// labels. A row is predicted positive when its probability exceeds threshold.
// Call it on held-out rows only.
func Evaluate(labels []int, probs []float64, threshold float64) (Evaluation, error) {
	if len(labels) != len(probs) {
		return Evaluation{}, fmt.Errorf("%w: %d labels for %d probabilities", domain.ErrConfig, len(labels), len(probs))
	}
	if threshold < 0 || threshold > 1 {
		return Evaluation{}, fmt.Errorf("%w: %g", domain.ErrThreshold, threshold)
	}

	auc, err := AUC(labels, probs)
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{AUC: auc, Confusion: ConfusionAt(labels, probs, threshold)}, nil
}

// ConfusionAt cross-tabulates thresholded predictions against labels.
func ConfusionAt(labels []int, probs []float64, threshold float64) domain.Confusion {
	var c domain.Confusion
	for i, l := range labels {
		pred := probs[i] > threshold
		switch {
		case l == 1 && pred:
			c.TP++
		case l == 1:
			c.FN++
		case pred:
			c.FP++
		default:
			c.TN++
		}
	}
	return c
}

// AUC is the area under the ROC curve via the rank-sum statistic, with
// tied probabilities sharing their average rank.
func AUC(labels []int, probs []float64) (float64, error) {
	n := len(probs)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] < probs[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && probs[idx[j+1]] == probs[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}

	var pos, neg int
	var rankSum float64
	for i, l := range labels {
		switch l {
		case 1:
			pos++
			rankSum += ranks[i]
		case 0:
			neg++
		default:
			return 0, fmt.Errorf("%w: label %d at row %d", domain.ErrConfig, l, i)
		}
	}
	if pos == 0 || neg == 0 {
		return 0, fmt.Errorf("%w: AUC needs both classes, got %d positives and %d negatives", domain.ErrSingleClass, pos, neg)
	}

	u := rankSum - float64(pos)*float64(pos+1)/2
	return u / (float64(pos) * float64(neg)), nil
}
