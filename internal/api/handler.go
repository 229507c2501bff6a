package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/churnwatch/internal/cache"
	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/metrics"
	"github.com/opensource-finance/churnwatch/internal/model"
	"github.com/opensource-finance/churnwatch/internal/pipeline"
	"github.com/opensource-finance/churnwatch/internal/report"
	"github.com/opensource-finance/churnwatch/internal/repository"
	"github.com/opensource-finance/churnwatch/internal/scoring"
	"github.com/opensource-finance/churnwatch/internal/segment"
)

// CurrentRunID addresses the latest run of the loaded snapshot.
const CurrentRunID = "current"

// ExportFilename is the attachment name of the high-risk CSV export.
const ExportFilename = scoring.ExportFilename

// runCacheTTL bounds how long a persisted run stays in the artifact cache.
const runCacheTTL = 10 * time.Minute

// filterParams maps report query parameters to the canonical columns they filter.
var filterParams = map[string]string{
	"gender":   domain.ColGender,
	"contract": domain.ColContract,
	"internet": domain.ColInternetService,
}

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *pipeline.Pipeline
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	metrics  *metrics.Metrics
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		pipeline: deps.Pipeline,
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		version:  deps.Version,
	}
}

// ThresholdRequest is the request body for POST /runs and POST /runs/current/threshold.
type ThresholdRequest struct {
	Threshold float64 `json:"threshold"`
}

// RefreshResponse is the response for POST /snapshot/refresh.
type RefreshResponse struct {
	Changed  bool                   `json:"changed"`
	Snapshot *pipeline.SnapshotInfo `json:"snapshot"`
}

// RunDetail is a run as returned by GET /runs/{id}.
type RunDetail struct {
	domain.ModelRun
	Importances []model.Importance `json:"importances,omitempty"`
}

// MembersResponse is the response for GET /segments/{id}/members.
type MembersResponse struct {
	SegmentID string      `json:"segmentId"`
	KPIs      report.KPIs `json:"kpis"`
	Customers []string    `json:"customers"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check event bus health
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"version":  h.version,
		"segments": h.pipeline.Segments().Count(),
	})
}

// Ready reports ready once a snapshot has been loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.pipeline.Snapshot(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ============================================================================
// SNAPSHOT HANDLERS
// ============================================================================

// GetSnapshot describes the loaded snapshot.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	info, err := h.pipeline.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// RefreshSnapshot re-reads the source and swaps in a new snapshot when it changed.
func (h *Handler) RefreshSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	changed, err := h.pipeline.Refresh(ctx)
	if err != nil {
		slog.Error("snapshot refresh failed",
			"trace_id", GetTraceID(ctx),
			"error_class", domain.Class(err),
			"error", err,
		)
		writeError(w, err)
		return
	}

	info, err := h.pipeline.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{Changed: changed, Snapshot: info})
}

// ============================================================================
// RUN HANDLERS
// ============================================================================

// CreateRun trains and scores a new model. The threshold defaults to the
// configured one when the body is empty or omits it.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := decodeThreshold(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Threshold == 0 {
		req.Threshold = h.pipeline.Threshold()
	}

	res, err := h.pipeline.Train(ctx, req.Threshold)
	if err != nil {
		slog.Error("training failed",
			"trace_id", GetTraceID(ctx),
			"threshold", req.Threshold,
			"error", err,
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, res.Run.ToSummary())
}

// Rethreshold re-applies a new threshold to the current model without refitting.
func (h *Handler) Rethreshold(w http.ResponseWriter, r *http.Request) {
	req, err := decodeThreshold(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Threshold == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "threshold is required",
		})
		return
	}

	res, err := h.pipeline.Rescore(r.Context(), req.Threshold)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res.Run.ToSummary())
}

// ListRuns returns persisted runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	runs, err := h.repo.ListRuns(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list runs", "error", err)
		writeError(w, err)
		return
	}

	out := make([]*domain.RunSummary, len(runs))
	for i, run := range runs {
		out[i] = run.ToSummary()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  out,
		"count": len(out),
	})
}

// GetRun returns the detail of a run with the feature importances of its
// model in place of the model blob.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.lookupRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	detail := RunDetail{ModelRun: *run}
	detail.Model = nil
	if len(run.Model) > 0 {
		if mdl, err := model.Unmarshal(run.Model); err != nil {
			slog.Warn("failed to decode stored model", "run_id", run.ID, "error", err)
		} else {
			detail.Importances = mdl.Importances()
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// HighRisk returns the flagged entities of a run.
func (h *Handler) HighRisk(w http.ResponseWriter, r *http.Request) {
	runID, scores, err := h.runScores(r.Context(), chi.URLParam(r, "id"), true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runId":    runID,
		"entities": scores,
		"count":    len(scores),
	})
}

// Export streams the flagged entities of a run as CSV.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	runID, scores, err := h.runScores(r.Context(), chi.URLParam(r, "id"), true)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ExportFilename))
	w.WriteHeader(http.StatusOK)
	if err := scoring.ExportHighRisk(w, scores); err != nil {
		slog.Error("failed to write export", "run_id", runID, "error", err)
	}
}

// lookupRun resolves a run from the pipeline, the artifact cache or the repository.
func (h *Handler) lookupRun(ctx context.Context, id string) (*domain.ModelRun, error) {
	if cur, err := h.pipeline.Current(); err == nil && (id == CurrentRunID || id == cur.Run.ID) {
		return cur.Run, nil
	} else if id == CurrentRunID {
		return nil, err
	}

	if h.cache != nil {
		var run domain.ModelRun
		found, err := cache.GetJSON(ctx, h.cache, cache.RunKey(id), &run)
		if err != nil {
			slog.Warn("run cache read failed", "run_id", id, "error", err)
		}
		if found {
			return &run, nil
		}
	}

	if h.repo == nil {
		return nil, fmt.Errorf("run %s: %w", id, repository.ErrNotFound)
	}
	run, err := h.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	if h.cache != nil {
		if err := cache.SetJSON(ctx, h.cache, cache.RunKey(id), run, runCacheTTL); err != nil {
			slog.Warn("run cache write failed", "run_id", id, "error", err)
		}
	}
	return run, nil
}

// runScores returns the scored entities of a run.
func (h *Handler) runScores(ctx context.Context, id string, onlyHighRisk bool) (string, []domain.ScoredEntity, error) {
	if cur, err := h.pipeline.Current(); err == nil && (id == CurrentRunID || id == cur.Run.ID) {
		if onlyHighRisk {
			return cur.Run.ID, cur.HighRisk(), nil
		}
		return cur.Run.ID, cur.Scores, nil
	} else if id == CurrentRunID {
		return "", nil, err
	}

	run, err := h.lookupRun(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if h.repo == nil {
		return "", nil, fmt.Errorf("scores of run %s: %w", id, repository.ErrNotFound)
	}
	scores, err := h.repo.ListScores(ctx, run.ID, onlyHighRisk)
	if err != nil {
		return "", nil, err
	}
	if scores == nil {
		scores = []domain.ScoredEntity{}
	}
	return run.ID, scores, nil
}

// ============================================================================
// REPORT HANDLERS
// ============================================================================

// Report returns every section of the descriptive view.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	rep, err := h.pipeline.Report(r.Context(), parseFilter(r), byParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// KPIs returns the headline numbers of the filtered view.
func (h *Handler) KPIs(w http.ResponseWriter, r *http.Request) {
	view, err := h.view(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.ComputeKPIs(view))
}

// Crosstab returns churn counts per category of the grouping column.
func (h *Handler) Crosstab(w http.ResponseWriter, r *http.Request) {
	by := byParam(r)
	if by == "" {
		by = domain.ColContract
	}
	if err := segment.ValidateGrouping(by); err != nil {
		writeError(w, err)
		return
	}

	view, err := h.view(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := segment.Crosstab(view, by)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"groupBy": by,
		"rows":    rows,
	})
}

// Tenure returns churn counts per tenure bucket.
func (h *Handler) Tenure(w http.ResponseWriter, r *http.Request) {
	view, err := h.view(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.TenureBuckets(view))
}

// Charges compares monthly and total charges of the critical segment against
// the other groups. It always covers the whole table.
func (h *Handler) Charges(w http.ResponseWriter, r *http.Request) {
	t, err := h.pipeline.Canonical(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.ChargeComparison(t, h.pipeline.Critical()))
}

// Distribution returns the stacked churn bars of a demographic column.
func (h *Handler) Distribution(w http.ResponseWriter, r *http.Request) {
	by := byParam(r)
	if by == "" {
		by = domain.ColGender
	}
	if err := report.ValidateDistribution(by); err != nil {
		writeError(w, err)
		return
	}

	view, err := h.view(r)
	if err != nil {
		writeError(w, err)
		return
	}
	bars, err := report.Distribution(view, by)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"column": by,
		"bars":   bars,
	})
}

// view returns the canonical table narrowed by the request filters.
func (h *Handler) view(r *http.Request) (*domain.Table, error) {
	filter := parseFilter(r)
	if err := filter.Validate(domain.FilterColumns); err != nil {
		return nil, err
	}
	t, err := h.pipeline.Canonical(r.Context())
	if err != nil {
		return nil, err
	}
	return filter.Apply(t), nil
}

func parseFilter(r *http.Request) segment.Filter {
	q := r.URL.Query()
	filter := segment.Filter{}
	for param, column := range filterParams {
		if values := q[param]; len(values) > 0 {
			filter[column] = values
		}
	}
	return filter
}

func byParam(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("by")))
}

// ============================================================================
// SEGMENT HANDLERS
// ============================================================================

// CreateSegmentRequest is the request body for creating a segment.
type CreateSegmentRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
}

// ListSegments returns all loaded segments.
func (h *Handler) ListSegments(w http.ResponseWriter, r *http.Request) {
	segs := h.pipeline.Segments().Segments()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"segments": segs,
		"count":    len(segs),
	})
}

// GetSegment returns a loaded segment.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, seg := range h.pipeline.Segments().Segments() {
		if seg.ID == id {
			writeJSON(w, http.StatusOK, seg)
			return
		}
	}
	writeError(w, fmt.Errorf("%w: %s", segment.ErrUnknownSegment, id))
}

// CreateSegment validates, persists and loads a segment.
// An existing segment with the same id is replaced.
func (h *Handler) CreateSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateSegmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.ID == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id and expression are required",
		})
		return
	}
	if req.ID == domain.SegmentCritical {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "the critical segment is configured, not created",
		})
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	seg := &domain.Segment{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Enabled:     true,
	}

	engine := h.pipeline.Segments()
	if err := engine.Validate(seg); err != nil {
		writeError(w, err)
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveSegment(ctx, seg); err != nil {
			slog.Error("failed to save segment", "id", seg.ID, "error", err)
			writeError(w, err)
			return
		}
	}

	if err := engine.Load(seg); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("segment created", "id", seg.ID, "expression", seg.Expression)
	writeJSON(w, http.StatusCreated, seg)
}

// DeleteSegment soft-deletes a segment and unloads it.
func (h *Handler) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == domain.SegmentCritical {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "the critical segment cannot be deleted",
		})
		return
	}

	engine := h.pipeline.Segments()
	if h.repo != nil {
		if err := h.repo.DeleteSegment(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	} else if _, err := engine.Predicate(id); err != nil {
		writeError(w, err)
		return
	}
	engine.Remove(id)

	slog.Info("segment deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "segment deleted",
	})
}

// SegmentMembers returns the KPIs and customer ids of a segment.
func (h *Handler) SegmentMembers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pred, err := h.pipeline.Segments().Predicate(id)
	if err != nil {
		writeError(w, err)
		return
	}

	t, err := h.pipeline.Canonical(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	sub := segment.Segment(t, pred)

	ids := make([]string, len(sub.Rows))
	for i, row := range sub.Rows {
		ids[i] = row.Get(domain.ColCustomerID).Text()
	}
	writeJSON(w, http.StatusOK, MembersResponse{
		SegmentID: id,
		KPIs:      report.ComputeKPIs(sub),
		Customers: ids,
	})
}

// LoadSegments replaces the loaded segments with the persisted ones,
// keeping the critical segment. Invalid definitions are logged and skipped.
func (h *Handler) LoadSegments(ctx context.Context) (int, error) {
	if h.repo == nil {
		return 0, nil
	}
	segs, err := h.repo.ListSegments(ctx)
	if err != nil {
		return 0, err
	}

	engine := h.pipeline.Segments()
	next := make([]*domain.Segment, 0, len(segs)+1)
	for _, seg := range engine.Segments() {
		if seg.ID == domain.SegmentCritical {
			next = append(next, seg)
		}
	}
	for _, seg := range segs {
		if seg.ID == domain.SegmentCritical || !seg.Enabled {
			continue
		}
		if err := engine.Validate(seg); err != nil {
			slog.Warn("skipping invalid segment", "id", seg.ID, "error", err)
			continue
		}
		next = append(next, seg)
	}
	if err := engine.Reload(next); err != nil {
		return 0, err
	}

	loaded := len(next) - 1
	slog.Info("segments loaded from database", "count", loaded)
	return loaded, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func decodeThreshold(r *http.Request) (ThresholdRequest, error) {
	var req ThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, segment.ErrUnknownSegment):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest
	case pipeline.IsNotReady(err):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLoad):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrConfig), errors.Is(err, domain.ErrData):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{
		"error": msg,
		"class": domain.Class(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
