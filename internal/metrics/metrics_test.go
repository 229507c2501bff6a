package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRun(t *testing.T) {
	m := New()
	m.ObserveRun(time.Now(), nil)
	m.ObserveRun(time.Now(), nil)
	m.ObserveRun(time.Now(), errors.New("boom"))

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomeSuccess)); got != 2 {
		t.Errorf("expected 2 successful runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomeFailure)); got != 1 {
		t.Errorf("expected 1 failed run, got %v", got)
	}
}

func TestRecordSnapshot(t *testing.T) {
	m := New()
	m.RecordSnapshot("changed", 3, 7043)
	m.RecordSnapshot("unchanged", 0, 0)

	if got := testutil.ToFloat64(m.FlattenPasses); got != 3 {
		t.Errorf("expected 3 passes, got %v", got)
	}
	if got := testutil.ToFloat64(m.CanonicalRows); got != 7043 {
		t.Errorf("unchanged refresh must not reset rows, got %v", got)
	}
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.RecordModel(0.84, 12)
	if got := testutil.ToFloat64(b.LastAUC); got != 0 {
		t.Errorf("registries leaked: %v", got)
	}
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRun(time.Now(), nil)
	m.RecordModel(0.5, 1)
	m.RecordSnapshot("changed", 1, 1)
	m.GaugeFunc("churnwatch_unused", "never registered", func() float64 { return 1 })
}

func TestGaugeFunc(t *testing.T) {
	m := New()
	depth := 3.0
	m.GaugeFunc("churnwatch_test_depth", "Sampled on scrape.", func() float64 { return depth })
	depth = 7

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "churnwatch_test_depth 7") {
		t.Errorf("expected sampled gauge in exposition:\n%s", body)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordModel(0.81, 5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{"churnwatch_last_auc 0.81", "churnwatch_high_risk_entities 5"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in exposition", want)
		}
	}
}
