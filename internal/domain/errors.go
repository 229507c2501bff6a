package domain

import (
	"errors"
	"fmt"
)

// Error classes. Every pipeline failure wraps exactly one of them so callers
// can tell a retryable source problem from data that needs fixing.
var (
	// ErrLoad marks source acquisition failures (unreachable, malformed payload).
	ErrLoad = errors.New("load error")

	// ErrConfig marks configuration and usage errors.
	ErrConfig = errors.New("configuration error")

	// ErrData marks input data that cannot be coerced into the canonical table.
	ErrData = errors.New("data error")
)

var (
	ErrNonConvergence    = fmt.Errorf("%w: flattening did not converge", ErrConfig)
	ErrColumnCollision   = fmt.Errorf("%w: flattened column name collision", ErrData)
	ErrNonNumeric        = fmt.Errorf("%w: non-numeric value in numeric column", ErrData)
	ErrUnknownFeature    = fmt.Errorf("%w: unknown feature column", ErrConfig)
	ErrUnknownColumn     = fmt.Errorf("%w: unknown column", ErrConfig)
	ErrInsufficientClass = fmt.Errorf("%w: insufficient class representation for stratified split", ErrConfig)
	ErrSingleClass       = fmt.Errorf("%w: labels contain fewer than two classes", ErrConfig)
	ErrUntrained         = fmt.Errorf("%w: model is not trained", ErrConfig)
	ErrThreshold         = fmt.Errorf("%w: threshold out of range", ErrConfig)
	ErrInvalidExpression = fmt.Errorf("%w: invalid segment expression", ErrConfig)
	ErrNoSnapshot        = fmt.Errorf("%w: no snapshot loaded", ErrConfig)
	ErrNoModel           = fmt.Errorf("%w: no trained model for the current snapshot", ErrConfig)
)

// IsRetryable reports whether err is a transient load error.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLoad)
}

// Class returns "load", "config", "data" or "internal".
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLoad):
		return "load"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrData):
		return "data"
	default:
		return "internal"
	}
}
