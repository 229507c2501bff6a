package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opensource-finance/churnwatch/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "churnwatch-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testRun(id string, created time.Time) *domain.ModelRun {
	return &domain.ModelRun{
		ID:            id,
		SnapshotID:    "snap-" + id,
		Threshold:     0.4,
		CreatedAt:     created,
		AUC:           0.83,
		Confusion:     domain.Confusion{TN: 10, FP: 2, FN: 3, TP: 5},
		Features:      []string{"tenure", "MonthlyCharges", "Contract=Two year"},
		TrainRows:     80,
		TestRows:      20,
		ScoredRows:    100,
		HighRiskCount: 7,
		Model:         json.RawMessage(`{"trees":[]}`),
		Metadata:      domain.RunMetadata{TotalMs: 42},
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetRun", func(t *testing.T) {
		run := testRun("run-001", time.Now().UTC().Truncate(time.Second))
		if err := repo.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		got, err := repo.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if diff := cmp.Diff(run.Confusion, got.Confusion); diff != "" {
			t.Errorf("confusion mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(run.Features, got.Features); diff != "" {
			t.Errorf("features mismatch (-want +got):\n%s", diff)
		}
		if got.AUC != run.AUC || got.HighRiskCount != run.HighRiskCount {
			t.Errorf("unexpected run %+v", got)
		}
		if string(got.Model) != `{"trees":[]}` {
			t.Errorf("expected model to round trip, got %s", got.Model)
		}
		if got.Metadata.TotalMs != 42 {
			t.Errorf("expected metadata total 42, got %d", got.Metadata.TotalMs)
		}
		if !got.CreatedAt.Equal(run.CreatedAt) {
			t.Errorf("expected created %v, got %v", run.CreatedAt, got.CreatedAt)
		}
	})

	t.Run("DuplicateRunRejected", func(t *testing.T) {
		run := testRun("run-dup", time.Now().UTC())
		if err := repo.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
		if err := repo.SaveRun(ctx, run); err == nil {
			t.Error("expected error saving the same run twice")
		}
	})

	t.Run("GetRunNotFound", func(t *testing.T) {
		_, err := repo.GetRun(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveRunInvalid", func(t *testing.T) {
		if err := repo.SaveRun(ctx, &domain.ModelRun{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestListRuns(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		run := testRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Hour))
		if err := repo.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	runs, err := repo.ListRuns(ctx, 3)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}

	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
		if r.Model != nil {
			t.Errorf("run %s: expected model to be omitted from listing", r.ID)
		}
	}
	if diff := cmp.Diff([]string{"run-4", "run-3", "run-2"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestScores(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// Large enough to span more than one insert batch.
	scores := make([]domain.ScoredEntity, 450)
	for i := range scores {
		scores[i] = domain.ScoredEntity{
			CustomerID:  fmt.Sprintf("cust-%03d", i),
			Probability: float64(i) / 450,
			HighRisk:    i%10 == 0,
			InTraining:  i%2 == 0,
		}
	}

	if err := repo.SaveScores(ctx, "run-1", scores); err != nil {
		t.Fatalf("SaveScores failed: %v", err)
	}

	t.Run("All", func(t *testing.T) {
		got, err := repo.ListScores(ctx, "run-1", false)
		if err != nil {
			t.Fatalf("ListScores failed: %v", err)
		}
		if diff := cmp.Diff(scores, got); diff != "" {
			t.Errorf("scores mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("OnlyHighRisk", func(t *testing.T) {
		got, err := repo.ListScores(ctx, "run-1", true)
		if err != nil {
			t.Fatalf("ListScores failed: %v", err)
		}
		if len(got) != 45 {
			t.Fatalf("expected 45 high-risk entities, got %d", len(got))
		}
		if got[0].CustomerID != "cust-000" || got[1].CustomerID != "cust-010" {
			t.Errorf("expected entity order preserved, got %s, %s", got[0].CustomerID, got[1].CustomerID)
		}
	})

	t.Run("Replace", func(t *testing.T) {
		if err := repo.SaveScores(ctx, "run-1", scores[:2]); err != nil {
			t.Fatalf("SaveScores failed: %v", err)
		}
		got, _ := repo.ListScores(ctx, "run-1", false)
		if len(got) != 2 {
			t.Errorf("expected 2 scores after replace, got %d", len(got))
		}
	})

	t.Run("UnknownRun", func(t *testing.T) {
		got, err := repo.ListScores(ctx, "nope", false)
		if err != nil {
			t.Fatalf("ListScores failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected no scores, got %d", len(got))
		}
	})
}

func TestSegments(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seg := &domain.Segment{
		ID:         "seg-monthly",
		Name:       "Month-to-month",
		Expression: `row.Contract == "Month-to-month"`,
		Enabled:    true,
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		if err := repo.SaveSegment(ctx, seg); err != nil {
			t.Fatalf("SaveSegment failed: %v", err)
		}
		got, err := repo.GetSegment(ctx, seg.ID)
		if err != nil {
			t.Fatalf("GetSegment failed: %v", err)
		}
		if got.Expression != seg.Expression || !got.Enabled {
			t.Errorf("unexpected segment %+v", got)
		}
	})

	t.Run("Upsert", func(t *testing.T) {
		seg.Name = "Monthly contracts"
		if err := repo.SaveSegment(ctx, seg); err != nil {
			t.Fatalf("SaveSegment failed: %v", err)
		}
		segs, err := repo.ListSegments(ctx)
		if err != nil {
			t.Fatalf("ListSegments failed: %v", err)
		}
		if len(segs) != 1 || segs[0].Name != "Monthly contracts" {
			t.Errorf("expected one updated segment, got %+v", segs)
		}
	})

	t.Run("SoftDelete", func(t *testing.T) {
		if err := repo.DeleteSegment(ctx, seg.ID); err != nil {
			t.Fatalf("DeleteSegment failed: %v", err)
		}
		if _, err := repo.GetSegment(ctx, seg.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.DeleteSegment(ctx, seg.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
		segs, _ := repo.ListSegments(ctx)
		if len(segs) != 0 {
			t.Errorf("expected no enabled segments, got %d", len(segs))
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		err := repo.SaveSegment(ctx, &domain.Segment{ID: "x"})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "oracle"})
	if !errors.Is(err, domain.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("unexpected postgres rebind %q", got)
	}
	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("unexpected sqlite rebind %q", got)
	}
}

func TestDataSource(t *testing.T) {
	tests := []struct {
		name       string
		cfg        domain.RepositoryConfig
		wantDriver string
		wantDSN    string
	}{
		{
			name:       "sqlite default path",
			cfg:        domain.RepositoryConfig{Driver: "sqlite"},
			wantDriver: "sqlite",
			wantDSN:    "file:./churnwatch.db?_pragma=journal_mode%28WAL%29&_pragma=synchronous%28NORMAL%29&_pragma=busy_timeout%285000%29&_pragma=foreign_keys%28ON%29",
		},
		{
			name:       "postgres defaults",
			cfg:        domain.RepositoryConfig{Driver: "postgres"},
			wantDriver: "postgres",
			wantDSN:    "postgres://localhost:5432/churnwatch?sslmode=disable",
		},
		{
			name: "postgres credentials are escaped",
			cfg: domain.RepositoryConfig{
				Driver:           "postgres",
				PostgresHost:     "db",
				PostgresPort:     6543,
				PostgresUser:     "churn",
				PostgresPassword: "p@ss word",
				PostgresDB:       "analytics",
				PostgresSSLMode:  "require",
			},
			wantDriver: "postgres",
			wantDSN:    "postgres://churn:p%40ss%20word@db:6543/analytics?sslmode=require",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn, err := dataSource(tt.cfg)
			if err != nil {
				t.Fatalf("dataSource: %v", err)
			}
			if driver != tt.wantDriver {
				t.Errorf("driver = %q, want %q", driver, tt.wantDriver)
			}
			if dsn != tt.wantDSN {
				t.Errorf("dsn = %q, want %q", dsn, tt.wantDSN)
			}
		})
	}
}
