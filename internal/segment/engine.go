// Package segment evaluates segment predicates over canonical rows and
// computes crosstabs and the critical-segment partition.
package segment

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/churnwatch/internal/domain"
)

// ErrUnknownSegment is returned when matching against a segment that is not loaded.
var ErrUnknownSegment = fmt.Errorf("%w: unknown segment", domain.ErrConfig)

// Predicate selects rows of the canonical table.
type Predicate func(domain.Row) bool

// Engine is the CEL-based segment engine. Expressions see the canonical
// columns of one row as the map variable `row`; null cells are absent.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	segments map[string]*Compiled
}

// Compiled holds a pre-compiled segment predicate.
type Compiled struct {
	Segment *domain.Segment
	Program cel.Program
}

// NewEngine creates a segment engine.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		segments: make(map[string]*Compiled),
	}, nil
}

// Compile checks that expression is valid CEL returning bool and builds its program.
func (e *Engine) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidExpression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("%w: expression must return bool, got %s", domain.ErrInvalidExpression, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidExpression, err)
	}
	return program, nil
}

// Validate compiles a segment without loading it.
func (e *Engine) Validate(seg *domain.Segment) error {
	if seg == nil {
		return fmt.Errorf("%w: segment is required", domain.ErrConfig)
	}
	if seg.Expression == "" {
		return fmt.Errorf("%w: segment %s has no expression", domain.ErrInvalidExpression, seg.ID)
	}
	_, err := e.Compile(seg.Expression)
	return err
}

// Load compiles and loads a segment, replacing any segment with the same id.
func (e *Engine) Load(seg *domain.Segment) error {
	if err := e.Validate(seg); err != nil {
		return err
	}
	program, _ := e.Compile(seg.Expression)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.segments[seg.ID] = &Compiled{Segment: seg, Program: program}
	return nil
}

// Reload replaces every loaded segment with the enabled ones of segs.
// On error the previous set stays loaded.
func (e *Engine) Reload(segs []*domain.Segment) error {
	next := make(map[string]*Compiled, len(segs))
	for _, seg := range segs {
		if !seg.Enabled {
			continue
		}
		program, err := e.Compile(seg.Expression)
		if err != nil {
			return fmt.Errorf("segment %s: %w", seg.ID, err)
		}
		next[seg.ID] = &Compiled{Segment: seg, Program: program}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.segments = next
	return nil
}

// Remove unloads a segment.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.segments, id)
}

// Segments returns the loaded segment definitions sorted by id.
func (e *Engine) Segments() []*domain.Segment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.Segment, 0, len(e.segments))
	for _, c := range e.segments {
		out = append(out, c.Segment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of loaded segments.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.segments)
}

// Predicate returns the matcher of a loaded segment.
func (e *Engine) Predicate(id string) (Predicate, error) {
	e.mu.RLock()
	c, ok := e.segments[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSegment, id)
	}
	return c.Match, nil
}

// Match evaluates the predicate on row. Evaluation errors, such as a
// missing column, count as no match.
func (c *Compiled) Match(row domain.Row) bool {
	out, _, err := c.Program.Eval(map[string]any{"row": Activation(row)})
	if err != nil {
		return false
	}
	b, ok := out.(types.Bool)
	return ok && bool(b)
}

// Activation converts the non-null scalar cells of row into CEL inputs.
func Activation(row domain.Row) map[string]any {
	vars := make(map[string]any, len(row.Cells))
	for k, v := range row.Cells {
		if !v.IsNull() {
			vars[k] = v.Interface()
		}
	}
	return vars
}

// CriticalExpression builds the critical-segment rule from its labels.
func CriticalExpression(cfg domain.SegmentsConfig) string {
	return fmt.Sprintf("row.%s <= %d && row.%s == %s && row.%s == %s && row.%s == %s",
		domain.ColTenureMonths, cfg.CriticalMaxTenure,
		domain.ColContract, strconv.Quote(cfg.CriticalContract),
		domain.ColInternetService, strconv.Quote(cfg.CriticalInternet),
		domain.ColPaymentMethod, strconv.Quote(cfg.CriticalPaymentMethod),
	)
}

// Critical returns the fixed critical-segment definition.
func Critical(cfg domain.SegmentsConfig) *domain.Segment {
	return &domain.Segment{
		ID:          domain.SegmentCritical,
		Name:        "Critical segment",
		Description: "Short tenure, month-to-month contract, fiber internet, electronic check payment",
		Expression:  CriticalExpression(cfg),
		Enabled:     true,
	}
}
