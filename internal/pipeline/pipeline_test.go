package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/churnwatch/internal/bus"
	"github.com/opensource-finance/churnwatch/internal/cache"
	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/metrics"
	"github.com/opensource-finance/churnwatch/internal/repository"
	"github.com/opensource-finance/churnwatch/internal/segment"
	"github.com/opensource-finance/churnwatch/internal/synth"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	cfg.Model.Trees = 40
	cfg.Model.LearningRate = 0.1
	cfg.Model.MaxDepth = 3
	cfg.Model.MinDataInLeaf = 5
	cfg.Model.MaxBins = 32
	cfg.Model.Subsample = 1
	cfg.Model.ColSample = 1
	return cfg
}

func batch(t *testing.T, opts synth.Options) []byte {
	t.Helper()
	data, err := synth.JSON(opts)
	if err != nil {
		t.Fatalf("failed to generate batch: %v", err)
	}
	return data
}

func newTestPipeline(t *testing.T, src *synth.Source, deps Deps) *Pipeline {
	t.Helper()
	p, err := New(testConfig(), src, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	src := synth.NewSource(batch(t, synth.Options{Customers: 120, Seed: 1, SplitPhoneEvery: 10}))
	m := metrics.New()
	p := newTestPipeline(t, src, Deps{Metrics: m})

	t.Run("NothingLoaded", func(t *testing.T) {
		if _, err := p.Snapshot(); !errors.Is(err, domain.ErrNoSnapshot) {
			t.Errorf("expected ErrNoSnapshot, got %v", err)
		}
	})

	t.Run("FirstLoad", func(t *testing.T) {
		changed, err := p.Refresh(ctx)
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if !changed {
			t.Error("expected first refresh to change the snapshot")
		}

		tbl, err := p.Canonical(ctx)
		if err != nil {
			t.Fatalf("Canonical failed: %v", err)
		}
		// Every 10th customer has a two-element phone list and becomes two rows.
		if tbl.Len() != 132 {
			t.Errorf("expected 132 canonical rows, got %d", tbl.Len())
		}
		for _, col := range []string{domain.ColCustomerID, domain.ColChurn, domain.ColTenureMonths, domain.ColMonthlyCharges, domain.ColPhoneService} {
			if !tbl.HasColumn(col) {
				t.Errorf("expected canonical column %s", col)
			}
		}
	})

	t.Run("Unchanged", func(t *testing.T) {
		changed, err := p.Refresh(ctx)
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if changed {
			t.Error("expected identical batch to be a no-op")
		}
		if got := testutil.ToFloat64(m.SnapshotRefresh.WithLabelValues(RefreshUnchanged)); got != 1 {
			t.Errorf("expected 1 unchanged refresh, got %v", got)
		}
	})

	t.Run("FailureKeepsState", func(t *testing.T) {
		before, _ := p.Snapshot()
		src.Fail(fmt.Errorf("%w: connection refused", domain.ErrLoad))
		defer src.Fail(nil)

		_, err := p.Refresh(ctx)
		if !domain.IsRetryable(err) {
			t.Fatalf("expected retryable load error, got %v", err)
		}
		after, err := p.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if after.ID != before.ID {
			t.Errorf("expected snapshot %s to survive failure, got %s", before.ID, after.ID)
		}
	})

	t.Run("MalformedBatch", func(t *testing.T) {
		src.Set([]byte(`[{"customerID":`))
		_, err := p.Refresh(ctx)
		if !errors.Is(err, domain.ErrLoad) {
			t.Errorf("expected ErrLoad, got %v", err)
		}
	})

	t.Run("NewBatch", func(t *testing.T) {
		src.Set(batch(t, synth.Options{Customers: 80, Seed: 2}))
		changed, err := p.Refresh(ctx)
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if !changed {
			t.Error("expected new batch to change the snapshot")
		}
		info, _ := p.Snapshot()
		if info.Rows != 80 {
			t.Errorf("expected 80 rows, got %d", info.Rows)
		}
		if got := testutil.ToFloat64(m.CanonicalRows); got != 80 {
			t.Errorf("expected canonical rows gauge 80, got %v", got)
		}
	})
}

func TestCanonicalLoadsLazily(t *testing.T) {
	src := synth.NewSource(batch(t, synth.Options{Customers: 30, Seed: 3}))
	p := newTestPipeline(t, src, Deps{})

	tbl, err := p.Canonical(context.Background())
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if tbl.Len() != 30 {
		t.Errorf("expected 30 rows, got %d", tbl.Len())
	}
	if src.Hits() != 1 {
		t.Errorf("expected a single fetch, got %d", src.Hits())
	}
}

func TestCanonicalCache(t *testing.T) {
	ctx := context.Background()
	data := batch(t, synth.Options{Customers: 40, Seed: 4})
	artifacts := cache.NewLRUCache(8)

	first := newTestPipeline(t, synth.NewSource(data), Deps{Cache: artifacts})
	if _, err := first.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	second := newTestPipeline(t, synth.NewSource(data), Deps{Cache: artifacts})
	if _, err := second.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	info, _ := second.Snapshot()
	if !info.FromCache {
		t.Error("expected second pipeline to reuse the cached canonical table")
	}

	a, _ := first.Canonical(ctx)
	b, _ := second.Canonical(ctx)
	if !a.Equal(b) {
		t.Error("cached canonical table differs from the derived one")
	}

	// A new snapshot evicts the old key.
	src := synth.NewSource(batch(t, synth.Options{Customers: 10, Seed: 5}))
	third := newTestPipeline(t, src, Deps{Cache: artifacts})
	third.Refresh(ctx)
	old, _ := third.Snapshot()
	src.Set(batch(t, synth.Options{Customers: 11, Seed: 5}))
	third.Refresh(ctx)

	raw, _ := artifacts.Get(ctx, third.canonicalKey(old.ID))
	if raw != nil {
		t.Error("expected previous canonical table to be evicted")
	}
}

func TestCanonicalCacheKeyedBySettings(t *testing.T) {
	ctx := context.Background()
	data := batch(t, synth.Options{Customers: 40, Seed: 4})
	artifacts := cache.NewLRUCache(8)

	first := newTestPipeline(t, synth.NewSource(data), Deps{Cache: artifacts})
	if _, err := first.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// Same batch, opposite target vocabulary.
	cfg := testConfig()
	cfg.Schema.PositiveLabel = "No"
	cfg.Schema.NegativeLabel = "Yes"
	second, err := New(cfg, synth.NewSource(data), Deps{Cache: artifacts})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if second.derivation == first.derivation {
		t.Fatal("expected different settings to change the cache key")
	}
	if _, err := second.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	info, _ := second.Snapshot()
	if info.FromCache {
		t.Error("expected a table derived under other settings not to be reused")
	}
	a, _ := first.Canonical(ctx)
	b, _ := second.Canonical(ctx)
	if a.Equal(b) {
		t.Error("expected swapped labels to produce a different canonical table")
	}
}

func TestTrain(t *testing.T) {
	ctx := context.Background()
	src := synth.NewSource(batch(t, synth.Options{Customers: 400, Seed: 7, BlankChurnEvery: 25, BlankTotalEvery: 30}))

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "pipeline.db"),
	})
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	defer repo.Close()

	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	completed := make(chan domain.RunSummary, 8)
	alerts := make(chan domain.HighRiskAlert, 8)
	eventBus.Subscribe(ctx, domain.TopicRunCompleted, func(ctx context.Context, msg *domain.Message) error {
		var s domain.RunSummary
		if err := json.Unmarshal(msg.Payload, &s); err != nil {
			return err
		}
		completed <- s
		return nil
	})
	eventBus.Subscribe(ctx, domain.TopicHighRiskAlert, func(ctx context.Context, msg *domain.Message) error {
		var a domain.HighRiskAlert
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			return err
		}
		alerts <- a
		return nil
	})

	m := metrics.New()
	p := newTestPipeline(t, src, Deps{Repo: repo, Bus: eventBus, Metrics: m})

	res, err := p.Train(ctx, 0.4)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	run := res.Run

	t.Run("RunShape", func(t *testing.T) {
		// 16 of 400 labels are blank and excluded.
		if run.ScoredRows != 384 {
			t.Errorf("expected 384 scored rows, got %d", run.ScoredRows)
		}
		if run.TrainRows+run.TestRows != run.ScoredRows {
			t.Errorf("train %d + test %d != scored %d", run.TrainRows, run.TestRows, run.ScoredRows)
		}
		if run.AUC <= 0.5 || run.AUC > 1 {
			t.Errorf("expected a better-than-chance holdout AUC, got %.3f", run.AUC)
		}
		c := run.Confusion
		if c.TN+c.FP+c.FN+c.TP != run.TestRows {
			t.Errorf("confusion matrix covers %d rows, want %d", c.TN+c.FP+c.FN+c.TP, run.TestRows)
		}
		if len(run.Features) != len(domain.DefaultFeatureColumns) {
			t.Errorf("expected %d features, got %d", len(domain.DefaultFeatureColumns), len(run.Features))
		}
		if run.Metadata.EngineVersion != EngineVersion || run.Metadata.Trees == 0 {
			t.Errorf("unexpected metadata %+v", run.Metadata)
		}
	})

	t.Run("Scores", func(t *testing.T) {
		inTraining, flagged := 0, 0
		for _, s := range res.Scores {
			if s.Probability < 0 || s.Probability > 1 {
				t.Fatalf("probability out of range: %v", s.Probability)
			}
			if s.HighRisk != (s.Probability > 0.4) {
				t.Fatalf("entity %s flagged=%v with p=%v", s.CustomerID, s.HighRisk, s.Probability)
			}
			if s.InTraining {
				inTraining++
			}
			if s.HighRisk {
				flagged++
			}
		}
		if inTraining != run.TrainRows {
			t.Errorf("expected %d in-training entities, got %d", run.TrainRows, inTraining)
		}
		if flagged != run.HighRiskCount || flagged != len(res.HighRisk()) {
			t.Errorf("flagged %d, run says %d", flagged, run.HighRiskCount)
		}
	})

	t.Run("Persisted", func(t *testing.T) {
		stored, err := repo.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if stored.SnapshotID != run.SnapshotID || stored.HighRiskCount != run.HighRiskCount {
			t.Errorf("stored run differs: %+v", stored)
		}
		high, err := repo.ListScores(ctx, run.ID, true)
		if err != nil {
			t.Fatalf("ListScores failed: %v", err)
		}
		if len(high) != run.HighRiskCount {
			t.Errorf("expected %d stored high-risk scores, got %d", run.HighRiskCount, len(high))
		}
	})

	t.Run("Published", func(t *testing.T) {
		if run.HighRiskCount == 0 {
			t.Skip("no high-risk customers to alert on")
		}
		select {
		case s := <-completed:
			if s.ID != run.ID {
				t.Errorf("expected run.completed for %s, got %s", run.ID, s.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for run.completed")
		}
		select {
		case a := <-alerts:
			if a.Count != run.HighRiskCount || len(a.Entities) != run.HighRiskCount {
				t.Errorf("unexpected alert %+v", a)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for high-risk alert")
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues(metrics.OutcomeSuccess)); got != 1 {
			t.Errorf("expected 1 successful run, got %v", got)
		}
		if got := testutil.ToFloat64(m.LastAUC); got != run.AUC {
			t.Errorf("expected last AUC %v, got %v", run.AUC, got)
		}
	})

	t.Run("Rescore", func(t *testing.T) {
		higher, err := p.Rescore(ctx, 0.7)
		if err != nil {
			t.Fatalf("Rescore failed: %v", err)
		}
		if higher.Run.ID == run.ID {
			t.Error("expected a new run id")
		}
		if higher.Run.Metadata.ParentRunID != run.ID {
			t.Errorf("expected parent run %s, got %s", run.ID, higher.Run.Metadata.ParentRunID)
		}
		if higher.Run.HighRiskCount > run.HighRiskCount {
			t.Errorf("raising the threshold flagged more: %d > %d", higher.Run.HighRiskCount, run.HighRiskCount)
		}
		if higher.Run.AUC != run.AUC {
			t.Errorf("AUC must not change without refitting")
		}
		for i, s := range higher.Scores {
			if s.Probability != res.Scores[i].Probability {
				t.Fatalf("probability of %s changed on rescore", s.CustomerID)
			}
		}

		cur, err := p.Current()
		if err != nil {
			t.Fatalf("Current failed: %v", err)
		}
		if cur.Run.ID != higher.Run.ID {
			t.Errorf("expected current run %s, got %s", higher.Run.ID, cur.Run.ID)
		}
	})

	t.Run("NewSnapshotDiscardsModel", func(t *testing.T) {
		src.Set(batch(t, synth.Options{Customers: 60, Seed: 8}))
		if _, err := p.Refresh(ctx); err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if _, err := p.Current(); !errors.Is(err, domain.ErrNoModel) {
			t.Errorf("expected ErrNoModel after snapshot change, got %v", err)
		}
		if _, err := p.Rescore(ctx, 0.5); !errors.Is(err, domain.ErrNoModel) {
			t.Errorf("expected ErrNoModel, got %v", err)
		}
	})
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	data := batch(t, synth.Options{Customers: 200, Seed: 13})

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "restore.db"),
	})
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	defer repo.Close()

	first := newTestPipeline(t, synth.NewSource(data), Deps{Repo: repo})
	orig, err := first.Train(ctx, 0.35)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	t.Run("SameSnapshot", func(t *testing.T) {
		p := newTestPipeline(t, synth.NewSource(data), Deps{Repo: repo})
		ok, err := p.Restore(ctx)
		if err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if !ok {
			t.Fatal("expected the persisted run to be restored")
		}

		cur, err := p.Current()
		if err != nil {
			t.Fatalf("Current failed: %v", err)
		}
		if cur.Run.ID != orig.Run.ID {
			t.Errorf("expected run %s, got %s", orig.Run.ID, cur.Run.ID)
		}
		if len(cur.Scores) != len(orig.Scores) {
			t.Fatalf("expected %d scores, got %d", len(orig.Scores), len(cur.Scores))
		}
		if cur.Scores[0] != orig.Scores[0] {
			t.Errorf("restored score %+v differs from %+v", cur.Scores[0], orig.Scores[0])
		}

		res, err := p.Rescore(ctx, 0.6)
		if err != nil {
			t.Fatalf("Rescore after restore failed: %v", err)
		}
		want, err := first.Rescore(ctx, 0.6)
		if err != nil {
			t.Fatalf("Rescore failed: %v", err)
		}
		if res.Run.Confusion != want.Run.Confusion {
			t.Errorf("confusion %+v, want %+v", res.Run.Confusion, want.Run.Confusion)
		}
		if res.Run.Metadata.ParentRunID != orig.Run.ID {
			t.Errorf("expected parent %s, got %s", orig.Run.ID, res.Run.Metadata.ParentRunID)
		}

		again, err := p.Restore(ctx)
		if err != nil || again {
			t.Errorf("expected no second restore, got %v, %v", again, err)
		}
	})

	t.Run("OtherSnapshot", func(t *testing.T) {
		other := batch(t, synth.Options{Customers: 150, Seed: 14})
		p := newTestPipeline(t, synth.NewSource(other), Deps{Repo: repo})
		ok, err := p.Restore(ctx)
		if err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if ok {
			t.Error("expected a run of another snapshot to be ignored")
		}
		if _, err := p.Current(); !errors.Is(err, domain.ErrNoModel) {
			t.Errorf("expected ErrNoModel, got %v", err)
		}
	})

	t.Run("NoRepository", func(t *testing.T) {
		p := newTestPipeline(t, synth.NewSource(data), Deps{})
		if ok, err := p.Restore(ctx); ok || err != nil {
			t.Errorf("expected nothing restored, got %v, %v", ok, err)
		}
	})
}

func TestTrainRejectsThreshold(t *testing.T) {
	src := synth.NewSource(batch(t, synth.Options{Customers: 20, Seed: 9}))
	p := newTestPipeline(t, src, Deps{})

	for _, thr := range []float64{0, 0.05, 0.95} {
		if _, err := p.Train(context.Background(), thr); !errors.Is(err, domain.ErrThreshold) {
			t.Errorf("threshold %v: expected ErrThreshold, got %v", thr, err)
		}
	}
	if src.Hits() != 0 {
		t.Errorf("expected no fetch for an invalid threshold, got %d", src.Hits())
	}
}

func TestTrainSingleClass(t *testing.T) {
	data := []byte(`[
		{"customerID":"a","Churn":"No","customer":{"tenure":1},"account":{"Contract":"Two year","Charges":{"Monthly":10,"Total":"10"}}},
		{"customerID":"b","Churn":"No","customer":{"tenure":2},"account":{"Contract":"Two year","Charges":{"Monthly":20,"Total":"40"}}},
		{"customerID":"c","Churn":"No","customer":{"tenure":3},"account":{"Contract":"One year","Charges":{"Monthly":30,"Total":"90"}}}
	]`)
	cfg := testConfig()
	cfg.Features.Columns = []string{domain.ColContract, domain.ColTenureMonths}
	p, err := New(cfg, synth.NewSource(data), Deps{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = p.Train(context.Background(), 0.4)
	if !errors.Is(err, domain.ErrInsufficientClass) {
		t.Errorf("expected ErrInsufficientClass, got %v", err)
	}
}

func TestReport(t *testing.T) {
	src := synth.NewSource(batch(t, synth.Options{Customers: 200, Seed: 11}))
	p := newTestPipeline(t, src, Deps{})

	rep, err := p.Report(context.Background(), segment.Filter{domain.ColContract: {"Month-to-month"}}, domain.ColInternetService)
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if rep.GroupBy != domain.ColInternetService {
		t.Errorf("expected grouping %s, got %s", domain.ColInternetService, rep.GroupBy)
	}
	total := 0
	for _, row := range rep.Crosstab {
		total += row.Total
	}
	if total != rep.KPIs.Customers {
		t.Errorf("crosstab covers %d customers, KPIs say %d", total, rep.KPIs.Customers)
	}
	groups := 0
	for _, n := range rep.Groups {
		groups += n
	}
	if groups != 200 {
		t.Errorf("partition of the unfiltered table covers %d customers, want 200", groups)
	}

	if _, err := p.Report(context.Background(), nil, domain.ColGender); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("expected config error for grouping by gender, got %v", err)
	}
}
