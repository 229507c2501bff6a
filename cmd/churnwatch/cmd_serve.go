package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/churnwatch/internal/api"
	"github.com/opensource-finance/churnwatch/internal/bus"
	"github.com/opensource-finance/churnwatch/internal/cache"
	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/metrics"
	"github.com/opensource-finance/churnwatch/internal/pipeline"
	"github.com/opensource-finance/churnwatch/internal/repository"
	"github.com/opensource-finance/churnwatch/internal/source"
	"github.com/opensource-finance/churnwatch/internal/worker"
)

var serveFlags struct {
	trainOnStart bool
	refreshEvery time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the refresh worker",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.BoolVar(&serveFlags.trainOnStart, "train-on-start", true, "load the snapshot and train a model before serving")
	f.DurationVar(&serveFlags.refreshEvery, "refresh-every", 0, "publish a refresh request at this interval (0 disables)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging, os.Stdout)

	slog.Info("starting churnwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"source", source.FromConfig(cfg.Source).String(),
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()
	watchBackends(m, cacheImpl, busImpl)

	p, err := pipeline.New(cfg, source.FromConfig(cfg.Source), pipeline.Deps{
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Pipeline: p,
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Metrics:  m,
		Version:  Version,
	})

	// Segments are configured via POST /segments; the critical one is always loaded.
	if _, err := srv.Handler().LoadSegments(ctx); err != nil {
		slog.Warn("failed to load segments from database", "error", err)
	}

	refreshWorker := worker.NewWorker(busImpl, p)
	if err := refreshWorker.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer refreshWorker.Stop()

	if serveFlags.trainOnStart {
		warmUp(ctx, p)
	}

	if serveFlags.refreshEvery > 0 {
		go scheduleRefresh(ctx, busImpl, serveFlags.refreshEvery)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("churnwatch is ready", "addr", srv.Addr())
	printBanner(cmd, cfg)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("churnwatch shutdown complete")
	return nil
}

// warmUp loads the snapshot and restores its last persisted run, training a
// first model when none matches. Failures are logged; the API stays up and
// reports not ready until a refresh succeeds.
func warmUp(ctx context.Context, p *pipeline.Pipeline) {
	if _, err := p.Refresh(ctx); err != nil {
		slog.Warn("initial snapshot load failed",
			"error_class", domain.Class(err),
			"retryable", domain.IsRetryable(err),
			"error", err,
		)
		return
	}
	restored, err := p.Restore(ctx)
	if err != nil {
		slog.Warn("failed to restore previous run", "error", err)
	}
	if restored {
		return
	}
	if _, err := p.Train(ctx, p.Threshold()); err != nil {
		slog.Warn("initial training failed", "error", err)
	}
}

// scheduleRefresh asks the worker to refresh on every tick.
func scheduleRefresh(ctx context.Context, b domain.EventBus, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req := domain.RefreshRequest{Retrain: true}
			if err := bus.PublishJSON(ctx, b, domain.TopicSnapshotRefresh, req); err != nil {
				slog.Error("failed to schedule refresh", "error", err)
			}
		}
	}
}

func printBanner(cmd *cobra.Command, cfg *domain.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  CHURNWATCH")
	fmt.Fprintln(out, "  Churn risk scoring for telecom customer exports")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Version:  %s\n", Version)
	fmt.Fprintf(out, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(out, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Endpoints:")
	fmt.Fprintln(out, "    POST /snapshot/refresh        - Reload the raw batch")
	fmt.Fprintln(out, "    POST /runs                    - Train and score a model")
	fmt.Fprintln(out, "    GET  /runs/{id}/high-risk     - Flagged customers of a run")
	fmt.Fprintln(out, "    GET  /runs/{id}/export        - Flagged customers as CSV")
	fmt.Fprintln(out, "    POST /runs/current/threshold  - Re-threshold the current model")
	fmt.Fprintln(out, "    GET  /report                  - Descriptive churn report")
	fmt.Fprintln(out, "    GET  /segments                - List segments")
	fmt.Fprintln(out, "    POST /segments                - Create a CEL segment")
	fmt.Fprintln(out, "    GET  /health                  - Health check")
	fmt.Fprintln(out, "    GET  /metrics                 - Prometheus metrics")
	fmt.Fprintln(out)
}

// watchBackends exports cache and bus health for backends that track it.
func watchBackends(m *metrics.Metrics, c domain.Cache, b domain.EventBus) {
	if s, ok := c.(interface{ Stats() cache.Stats }); ok {
		m.GaugeFunc("churnwatch_cache_entries", "Entries held by the local artifact cache.", func() float64 {
			return float64(s.Stats().Size)
		})
		m.GaugeFunc("churnwatch_cache_hit_ratio", "Hit ratio of the local artifact cache.", func() float64 {
			return s.Stats().HitRatio()
		})
	}
	if d, ok := b.(interface{ Dropped() uint64 }); ok {
		m.GaugeFunc("churnwatch_bus_dropped_messages", "Events lost to full subscriber inboxes.", func() float64 {
			return float64(d.Dropped())
		})
	}
	if n, ok := b.(*bus.NATSBus); ok {
		m.GaugeFunc("churnwatch_bus_reconnects", "NATS reconnects since start.", func() float64 {
			return float64(n.Stats().Reconnects)
		})
	}
}
