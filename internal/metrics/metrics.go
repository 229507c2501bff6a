package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics provides observability for the scoring pipeline.
// Each instance owns its registry so tests and embedded servers never collide.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	FlattenPasses    prometheus.Gauge
	HighRiskEntities prometheus.Gauge
	LastAUC          prometheus.Gauge
	SnapshotRefresh  *prometheus.CounterVec
	CanonicalRows    prometheus.Gauge
}

// New creates a Metrics instance with all pipeline metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "churnwatch_runs_total",
			Help: "Total number of training runs by outcome",
		}, []string{"outcome"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "churnwatch_run_duration_seconds",
			Help:    "Duration of a full train and score run",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		FlattenPasses: f.NewGauge(prometheus.GaugeOpts{
			Name: "churnwatch_flatten_passes",
			Help: "Passes needed to flatten the current snapshot",
		}),
		HighRiskEntities: f.NewGauge(prometheus.GaugeOpts{
			Name: "churnwatch_high_risk_entities",
			Help: "Customers above the alert threshold in the latest run",
		}),
		LastAUC: f.NewGauge(prometheus.GaugeOpts{
			Name: "churnwatch_last_auc",
			Help: "Holdout ROC-AUC of the latest run",
		}),
		SnapshotRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Name: "churnwatch_snapshot_refresh_total",
			Help: "Snapshot refreshes by result (changed, unchanged, failed)",
		}, []string{"result"}),
		CanonicalRows: f.NewGauge(prometheus.GaugeOpts{
			Name: "churnwatch_canonical_rows",
			Help: "Rows in the current canonical table",
		}),
	}
}

// ObserveRun records a finished run. Call with time.Now() at the start of the run.
func (m *Metrics) ObserveRun(start time.Time, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RunsTotal.WithLabelValues(OutcomeFailure).Inc()
		return
	}
	m.RunsTotal.WithLabelValues(OutcomeSuccess).Inc()
	m.RunDuration.Observe(time.Since(start).Seconds())
}

// RecordModel records the quality and flagged count of the latest run.
func (m *Metrics) RecordModel(auc float64, highRisk int) {
	if m == nil {
		return
	}
	m.LastAUC.Set(auc)
	m.HighRiskEntities.Set(float64(highRisk))
}

// RecordSnapshot records a refresh result and, when a new table was derived,
// its size and flattening passes.
func (m *Metrics) RecordSnapshot(result string, passes, rows int) {
	if m == nil {
		return
	}
	m.SnapshotRefresh.WithLabelValues(result).Inc()
	if result == "changed" {
		m.FlattenPasses.Set(float64(passes))
		m.CanonicalRows.Set(float64(rows))
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GaugeFunc exposes fn as a gauge sampled on every scrape.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}
