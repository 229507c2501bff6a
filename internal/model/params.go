package model

import (
	"fmt"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

// Params holds the boosting hyperparameters.
type Params struct {
	Trees         int     `json:"trees"`
	LearningRate  float64 `json:"learningRate"`
	MaxDepth      int     `json:"maxDepth"`
	MinDataInLeaf int     `json:"minDataInLeaf"`
	Lambda        float64 `json:"lambda"`
	Subsample     float64 `json:"subsample"`
	ColSample     float64 `json:"colSample"`
	MaxBins       int     `json:"maxBins"`
	CatSmooth     float64 `json:"catSmooth"`
	Seed          int64   `json:"seed"`
}

// ParamsFromConfig converts the model section of the configuration.
func ParamsFromConfig(cfg domain.ModelConfig) Params {
	return Params{
		Trees:         cfg.Trees,
		LearningRate:  cfg.LearningRate,
		MaxDepth:      cfg.MaxDepth,
		MinDataInLeaf: cfg.MinDataInLeaf,
		Lambda:        cfg.Lambda,
		Subsample:     cfg.Subsample,
		ColSample:     cfg.ColSample,
		MaxBins:       cfg.MaxBins,
		CatSmooth:     cfg.CatSmooth,
		Seed:          cfg.Seed,
	}
}

// Validate checks that every parameter is usable.
func (p Params) Validate() error {
	switch {
	case p.Trees < 1:
		return fmt.Errorf("%w: trees must be at least 1, got %d", domain.ErrConfig, p.Trees)
	case p.LearningRate <= 0 || p.LearningRate > 1:
		return fmt.Errorf("%w: learning rate must be in (0, 1], got %g", domain.ErrConfig, p.LearningRate)
	case p.MaxDepth < 1:
		return fmt.Errorf("%w: max depth must be at least 1, got %d", domain.ErrConfig, p.MaxDepth)
	case p.MinDataInLeaf < 1:
		return fmt.Errorf("%w: min data in leaf must be at least 1, got %d", domain.ErrConfig, p.MinDataInLeaf)
	case p.Lambda < 0:
		return fmt.Errorf("%w: lambda must be non-negative, got %g", domain.ErrConfig, p.Lambda)
	case p.Subsample <= 0 || p.Subsample > 1:
		return fmt.Errorf("%w: subsample must be in (0, 1], got %g", domain.ErrConfig, p.Subsample)
	case p.ColSample <= 0 || p.ColSample > 1:
		return fmt.Errorf("%w: column sample must be in (0, 1], got %g", domain.ErrConfig, p.ColSample)
	case p.MaxBins < 2:
		return fmt.Errorf("%w: max bins must be at least 2, got %d", domain.ErrConfig, p.MaxBins)
	case p.CatSmooth < 0:
		return fmt.Errorf("%w: categorical smoothing must be non-negative, got %g", domain.ErrConfig, p.CatSmooth)
	}
	return nil
}
