// Package pipeline holds the derivation chain of the current snapshot:
// raw records, canonical table, trained model and the latest run.
// The whole chain is replaced as a unit when the snapshot changes.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/churnwatch/internal/bus"
	"github.com/opensource-finance/churnwatch/internal/cache"
	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/features"
	"github.com/opensource-finance/churnwatch/internal/flatten"
	"github.com/opensource-finance/churnwatch/internal/metrics"
	"github.com/opensource-finance/churnwatch/internal/model"
	"github.com/opensource-finance/churnwatch/internal/report"
	"github.com/opensource-finance/churnwatch/internal/schema"
	"github.com/opensource-finance/churnwatch/internal/scoring"
	"github.com/opensource-finance/churnwatch/internal/segment"
	"github.com/opensource-finance/churnwatch/internal/source"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EngineVersion is recorded on every run.
const EngineVersion = "churnwatch-1.0"

var tracer = otel.Tracer("churnwatch-pipeline")

// Snapshot refresh results, as recorded in metrics.
const (
	RefreshChanged   = "changed"
	RefreshUnchanged = "unchanged"
	RefreshFailed    = "failed"
)

// Deps are the optional collaborators of a pipeline. Any of them may be nil.
type Deps struct {
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Metrics *metrics.Metrics
}

// Pipeline owns the current snapshot and everything derived from it.
type Pipeline struct {
	src       source.Source
	flattener *flatten.Engine
	mapper    *schema.Mapper
	builder   *features.Builder
	params    model.Params
	threshold float64
	artifacts time.Duration

	// derivation fingerprints the settings that shape the canonical table.
	derivation string

	segments *segment.Engine
	critical segment.Predicate

	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	metrics *metrics.Metrics

	// runMu serializes refreshes and training; mu guards state.
	runMu sync.Mutex
	mu    sync.RWMutex
	state *state
}

type state struct {
	snapshotID string
	canonical  *domain.Table
	stats      flatten.Stats
	loadedAt   time.Time
	fromCache  bool

	trained *trained
}

type trained struct {
	model   *model.Model
	run     *domain.ModelRun
	scores  []domain.ScoredEntity
	holdout holdout
}

// holdout keeps the held-out labels and probabilities so a new threshold
// can be evaluated without refitting.
type holdout struct {
	labels []int
	probs  []float64
}

// Result is the outcome of a training or re-threshold run.
type Result struct {
	Run    *domain.ModelRun      `json:"run"`
	Scores []domain.ScoredEntity `json:"scores"`
}

// HighRisk returns the flagged entities of the result.
func (r *Result) HighRisk() []domain.ScoredEntity {
	return scoring.Flagged(r.Scores)
}

// SnapshotInfo describes the loaded snapshot.
type SnapshotInfo struct {
	ID        string        `json:"id"`
	Rows      int           `json:"rows"`
	Columns   int           `json:"columns"`
	Flatten   flatten.Stats `json:"flatten"`
	LoadedAt  time.Time     `json:"loadedAt"`
	FromCache bool          `json:"fromCache"`
	Trained   bool          `json:"trained"`
}

// New builds a pipeline from configuration. src is where raw batches come from.
func New(cfg *domain.Config, src source.Source, deps Deps) (*Pipeline, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: source is required", domain.ErrConfig)
	}
	mapper, err := schema.New(cfg.Schema)
	if err != nil {
		return nil, err
	}
	params := model.ParamsFromConfig(cfg.Model)
	if err := params.Validate(); err != nil {
		return nil, err
	}
	threshold := cfg.Scoring.AlertThreshold
	if threshold == 0 {
		threshold = scoring.DefaultThreshold
	}
	if err := scoring.ValidateThreshold(threshold); err != nil {
		return nil, err
	}

	derivation, err := derivationHash(cfg)
	if err != nil {
		return nil, err
	}

	segments, err := segment.NewEngine()
	if err != nil {
		return nil, err
	}
	if err := segments.Load(segment.Critical(cfg.Segments)); err != nil {
		return nil, fmt.Errorf("critical segment: %w", err)
	}
	critical, err := segments.Predicate(domain.SegmentCritical)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		src:        src,
		flattener:  flatten.New(cfg.Flatten),
		mapper:     mapper,
		builder:    features.New(cfg.Features),
		params:     params,
		threshold:  threshold,
		artifacts:  cfg.Cache.ArtifactTTL,
		derivation: derivation,
		segments:   segments,
		critical:   critical,
		repo:       deps.Repo,
		cache:      deps.Cache,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
	}, nil
}

// Threshold returns the configured default alert threshold.
func (p *Pipeline) Threshold() float64 { return p.threshold }

// Segments returns the segment engine. The critical segment is always loaded.
func (p *Pipeline) Segments() *segment.Engine { return p.segments }

// Critical returns the critical-segment predicate.
func (p *Pipeline) Critical() segment.Predicate { return p.critical }

// Refresh fetches the source and, when its content changed, derives a new
// canonical table and discards the model of the previous snapshot. It
// reports whether the snapshot changed. On failure the prior state is kept.
func (p *Pipeline) Refresh(ctx context.Context) (bool, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.refresh(ctx)
}

func (p *Pipeline) refresh(ctx context.Context) (changed bool, err error) {
	start := time.Now()
	defer func() {
		switch {
		case err != nil:
			p.metrics.RecordSnapshot(RefreshFailed, 0, 0)
		case !changed:
			p.metrics.RecordSnapshot(RefreshUnchanged, 0, 0)
		}
	}()

	raw, err := p.src.Fetch(ctx)
	if err != nil {
		return false, err
	}
	id := source.SnapshotID(raw)

	p.mu.RLock()
	prev := p.state
	p.mu.RUnlock()
	if prev != nil && prev.snapshotID == id {
		slog.Debug("snapshot unchanged", "snapshot_id", id)
		return false, nil
	}

	next := &state{snapshotID: id, loadedAt: time.Now().UTC()}
	if t, ok := p.cachedCanonical(ctx, id); ok {
		next.canonical = t
		next.fromCache = true
	} else {
		canonical, stats, err := p.derive(ctx, raw)
		if err != nil {
			return false, err
		}
		next.canonical = canonical
		next.stats = stats
		p.storeCanonical(ctx, id, canonical)
	}

	p.mu.Lock()
	p.state = next
	p.mu.Unlock()

	if prev != nil && p.cache != nil {
		if err := p.cache.Delete(ctx, p.canonicalKey(prev.snapshotID)); err != nil {
			slog.Warn("failed to evict previous canonical table", "snapshot_id", prev.snapshotID, "error", err)
		}
	}

	p.metrics.RecordSnapshot(RefreshChanged, next.stats.Passes, next.canonical.Len())
	p.publish(ctx, domain.TopicSnapshotLoaded, p.info(next))

	slog.Info("snapshot loaded",
		"snapshot_id", id,
		"source", p.src.String(),
		"rows", next.canonical.Len(),
		"columns", len(next.canonical.Columns),
		"flatten_passes", next.stats.Passes,
		"from_cache", next.fromCache,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true, nil
}

// derive runs decode, flatten and schema mapping over a raw batch.
func (p *Pipeline) derive(ctx context.Context, raw []byte) (*domain.Table, flatten.Stats, error) {
	records, err := source.Decode(raw)
	if err != nil {
		return nil, flatten.Stats{}, err
	}

	_, span := tracer.Start(ctx, "pipeline.flatten", trace.WithAttributes(
		attribute.Int("records", len(records)),
	))
	flat, stats, err := p.flattener.Flatten(flatten.FromRecords(records))
	span.SetAttributes(attribute.Int("passes", stats.Passes), attribute.Int("rows", stats.Rows))
	endSpan(span, err)
	if err != nil {
		return nil, stats, err
	}

	_, span = tracer.Start(ctx, "pipeline.map_schema")
	canonical, err := p.mapper.Map(flat)
	endSpan(span, err)
	if err != nil {
		return nil, stats, err
	}
	return canonical, stats, nil
}

// derivationHash fingerprints the flatten and schema settings, so a cached
// canonical table is only reused under the settings that produced it.
func derivationHash(cfg *domain.Config) (string, error) {
	data, err := json.Marshal(struct {
		Flatten domain.FlattenConfig `json:"flatten"`
		Schema  domain.SchemaConfig  `json:"schema"`
	}{cfg.Flatten, cfg.Schema})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

func (p *Pipeline) canonicalKey(snapshotID string) string {
	return cache.CanonicalKey(snapshotID, p.derivation)
}

func (p *Pipeline) cachedCanonical(ctx context.Context, snapshotID string) (*domain.Table, bool) {
	if p.cache == nil {
		return nil, false
	}
	var t domain.Table
	found, err := cache.GetJSON(ctx, p.cache, p.canonicalKey(snapshotID), &t)
	if err != nil {
		slog.Warn("canonical cache read failed", "snapshot_id", snapshotID, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	return &t, true
}

func (p *Pipeline) storeCanonical(ctx context.Context, snapshotID string, t *domain.Table) {
	if p.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, p.cache, p.canonicalKey(snapshotID), t, p.artifacts); err != nil {
		slog.Warn("canonical cache write failed", "snapshot_id", snapshotID, "error", err)
	}
}

// current returns the loaded state, refreshing first when nothing is loaded.
// Callers must hold runMu.
func (p *Pipeline) current(ctx context.Context) (*state, error) {
	p.mu.RLock()
	st := p.state
	p.mu.RUnlock()
	if st != nil {
		return st, nil
	}
	if _, err := p.refresh(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state, nil
}

// Canonical returns the canonical table of the current snapshot, loading it
// on first use. The table is shared and must not be modified.
func (p *Pipeline) Canonical(ctx context.Context) (*domain.Table, error) {
	p.mu.RLock()
	st := p.state
	p.mu.RUnlock()
	if st != nil {
		return st.canonical, nil
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()
	st, err := p.current(ctx)
	if err != nil {
		return nil, err
	}
	return st.canonical, nil
}

// Snapshot describes the loaded snapshot.
func (p *Pipeline) Snapshot() (*SnapshotInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state == nil {
		return nil, domain.ErrNoSnapshot
	}
	return p.info(p.state), nil
}

func (p *Pipeline) info(st *state) *SnapshotInfo {
	return &SnapshotInfo{
		ID:        st.snapshotID,
		Rows:      st.canonical.Len(),
		Columns:   len(st.canonical.Columns),
		Flatten:   st.stats,
		LoadedAt:  st.loadedAt,
		FromCache: st.fromCache,
		Trained:   st.trained != nil,
	}
}

// Train fits a new model on the current snapshot, scores every customer
// with a defined target under threshold and records the run.
func (p *Pipeline) Train(ctx context.Context, threshold float64) (res *Result, err error) {
	if err := scoring.ValidateThreshold(threshold); err != nil {
		return nil, err
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()

	start := time.Now()
	defer func() { p.metrics.ObserveRun(start, err) }()

	st, err := p.current(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "pipeline.train", trace.WithAttributes(
		attribute.String("snapshot_id", st.snapshotID),
		attribute.Float64("threshold", threshold),
	))
	defer func() { endSpan(span, err) }()

	full, err := p.builder.Build(st.canonical)
	if err != nil {
		return nil, err
	}
	train, test, err := p.builder.Split(full)
	if err != nil {
		return nil, err
	}
	featureMs := time.Since(start).Milliseconds()

	fitStart := time.Now()
	mdl, err := model.Fit(p.params, train)
	if err != nil {
		return nil, err
	}
	testProbs, err := mdl.PredictProba(test.X)
	if err != nil {
		return nil, err
	}
	eval, err := model.Evaluate(test.Labels, testProbs, threshold)
	if err != nil {
		return nil, err
	}
	trainMs := time.Since(fitStart).Milliseconds()

	scoreStart := time.Now()
	_, scoreSpan := tracer.Start(ctx, "pipeline.score", trace.WithAttributes(
		attribute.Int("rows", full.Len()),
	))
	proc := &scoring.Processor{AlertThreshold: threshold}
	scores, err := proc.Score(mdl, full, trainingSet(train))
	endSpan(scoreSpan, err)
	if err != nil {
		return nil, err
	}
	scoreMs := time.Since(scoreStart).Milliseconds()

	blob, err := mdl.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize model: %w", err)
	}

	run := &domain.ModelRun{
		ID:            uuid.New().String(),
		SnapshotID:    st.snapshotID,
		Threshold:     threshold,
		CreatedAt:     time.Now().UTC(),
		AUC:           eval.AUC,
		Confusion:     eval.Confusion,
		Features:      featureNames(full),
		TrainRows:     train.Len(),
		TestRows:      test.Len(),
		ScoredRows:    len(scores),
		HighRiskCount: len(scoring.Flagged(scores)),
		Model:         blob,
		Metadata: domain.RunMetadata{
			TraceID:       span.SpanContext().TraceID().String(),
			FeatureMs:     featureMs,
			TrainMs:       trainMs,
			ScoreMs:       scoreMs,
			TotalMs:       time.Since(start).Milliseconds(),
			Trees:         len(mdl.Trees),
			EngineVersion: EngineVersion,
		},
	}

	tr := &trained{
		model:   mdl,
		run:     run,
		scores:  scores,
		holdout: holdout{labels: test.Labels, probs: testProbs},
	}
	res = p.commit(ctx, st, tr)

	slog.Info("model trained",
		"run_id", run.ID,
		"snapshot_id", run.SnapshotID,
		"auc", run.AUC,
		"threshold", threshold,
		"train_rows", run.TrainRows,
		"test_rows", run.TestRows,
		"high_risk", run.HighRiskCount,
		"duration_ms", run.Metadata.TotalMs,
	)
	return res, nil
}

// Restore reattaches the latest persisted run to the current snapshot so
// that re-thresholding works after a restart. It reports whether a run was
// restored. Runs of another snapshot or feature layout are ignored.
func (p *Pipeline) Restore(ctx context.Context) (bool, error) {
	if p.repo == nil {
		return false, nil
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()

	st, err := p.current(ctx)
	if err != nil {
		return false, err
	}
	p.mu.RLock()
	done := st.trained != nil
	p.mu.RUnlock()
	if done {
		return false, nil
	}

	runs, err := p.repo.ListRuns(ctx, 1)
	if err != nil {
		return false, err
	}
	if len(runs) == 0 || runs[0].SnapshotID != st.snapshotID {
		return false, nil
	}
	run, err := p.repo.GetRun(ctx, runs[0].ID)
	if err != nil {
		return false, err
	}
	mdl, err := model.Unmarshal(run.Model)
	if err != nil {
		return false, err
	}

	full, err := p.builder.Build(st.canonical)
	if err != nil {
		return false, err
	}
	if names := featureNames(full); !slices.Equal(names, run.Features) {
		slog.Warn("stored run does not match current features", "run_id", run.ID)
		return false, nil
	}
	train, test, err := p.builder.Split(full)
	if err != nil {
		return false, err
	}
	testProbs, err := mdl.PredictProba(test.X)
	if err != nil {
		return false, err
	}
	proc := &scoring.Processor{AlertThreshold: run.Threshold}
	scores, err := proc.Score(mdl, full, trainingSet(train))
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	if p.state == st {
		st.trained = &trained{
			model:   mdl,
			run:     run,
			scores:  scores,
			holdout: holdout{labels: test.Labels, probs: testProbs},
		}
	}
	p.mu.Unlock()
	p.metrics.RecordModel(run.AUC, run.HighRiskCount)

	slog.Info("run restored", "run_id", run.ID, "snapshot_id", run.SnapshotID, "threshold", run.Threshold)
	return true, nil
}

// Rescore applies a new threshold to the probabilities of the current model
// without refitting. The confusion matrix is recomputed on the holdout.
func (p *Pipeline) Rescore(ctx context.Context, threshold float64) (res *Result, err error) {
	if err := scoring.ValidateThreshold(threshold); err != nil {
		return nil, err
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()

	start := time.Now()
	defer func() { p.metrics.ObserveRun(start, err) }()

	p.mu.RLock()
	st := p.state
	p.mu.RUnlock()
	if st == nil || st.trained == nil {
		return nil, domain.ErrNoModel
	}
	prev := st.trained

	proc := &scoring.Processor{AlertThreshold: threshold}
	scores := proc.Apply(prev.scores)

	run := *prev.run
	run.ID = uuid.New().String()
	run.Threshold = threshold
	run.CreatedAt = time.Now().UTC()
	run.Confusion = model.ConfusionAt(prev.holdout.labels, prev.holdout.probs, threshold)
	run.HighRiskCount = len(scoring.Flagged(scores))
	run.Metadata = domain.RunMetadata{
		TraceID:       trace.SpanFromContext(ctx).SpanContext().TraceID().String(),
		ParentRunID:   prev.run.ID,
		ScoreMs:       time.Since(start).Milliseconds(),
		TotalMs:       time.Since(start).Milliseconds(),
		Trees:         prev.run.Metadata.Trees,
		EngineVersion: EngineVersion,
	}

	res = p.commit(ctx, st, &trained{
		model:   prev.model,
		run:     &run,
		scores:  scores,
		holdout: prev.holdout,
	})

	slog.Info("run re-thresholded",
		"run_id", run.ID,
		"parent_run_id", prev.run.ID,
		"threshold", threshold,
		"high_risk", run.HighRiskCount,
	)
	return res, nil
}

// commit persists a run, attaches it to st and announces it.
// Persistence and publish failures are logged; the run stays current.
func (p *Pipeline) commit(ctx context.Context, st *state, tr *trained) *Result {
	run := tr.run

	if p.repo != nil {
		if err := p.repo.SaveRun(ctx, run); err != nil {
			slog.Error("failed to save run", "run_id", run.ID, "error", err)
		} else if err := p.repo.SaveScores(ctx, run.ID, tr.scores); err != nil {
			slog.Error("failed to save scores", "run_id", run.ID, "error", err)
		}
	}

	p.mu.Lock()
	if p.state == st {
		st.trained = tr
	}
	p.mu.Unlock()

	p.metrics.RecordModel(run.AUC, run.HighRiskCount)

	p.publish(ctx, domain.TopicRunCompleted, run.ToSummary())
	if flagged := scoring.Flagged(tr.scores); len(flagged) > 0 {
		p.publish(ctx, domain.TopicHighRiskAlert, domain.HighRiskAlert{
			RunID:      run.ID,
			SnapshotID: run.SnapshotID,
			Threshold:  run.Threshold,
			Count:      len(flagged),
			Entities:   flagged,
		})
	}

	return &Result{Run: run, Scores: tr.scores}
}

// Current returns the latest run of the current snapshot.
func (p *Pipeline) Current() (*Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state == nil || p.state.trained == nil {
		return nil, domain.ErrNoModel
	}
	tr := p.state.trained
	return &Result{Run: tr.run, Scores: tr.scores}, nil
}

// Model returns the trained model of the current snapshot.
func (p *Pipeline) Model() (*model.Model, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state == nil || p.state.trained == nil {
		return nil, domain.ErrNoModel
	}
	return p.state.trained.model, nil
}

// Report builds the descriptive report over the current canonical table.
func (p *Pipeline) Report(ctx context.Context, filter segment.Filter, groupBy string) (*report.Report, error) {
	t, err := p.Canonical(ctx)
	if err != nil {
		return nil, err
	}
	return report.Build(ctx, t, report.Options{
		Filter:   filter,
		GroupBy:  groupBy,
		Critical: p.critical,
	})
}

func (p *Pipeline) publish(ctx context.Context, topic string, v any) {
	if p.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, p.bus, topic, v); err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}

func featureNames(m *features.Matrix) []string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Name
	}
	return names
}

func trainingSet(train *features.Matrix) map[string]bool {
	in := make(map[string]bool, train.Len())
	for _, id := range train.RowIDs {
		in[id] = true
	}
	return in
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IsNotReady reports whether err means nothing has been loaded or trained yet.
func IsNotReady(err error) bool {
	return errors.Is(err, domain.ErrNoSnapshot) || errors.Is(err, domain.ErrNoModel)
}
