// Package worker executes snapshot refresh requests received over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/churnwatch/internal/bus"
	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/pipeline"
)

// Worker refreshes the snapshot and retrains on request.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline

	mu            sync.Mutex
	subscriptions []domain.Subscription
	processed     int
	failed        int
	ctx           context.Context
	cancel        context.CancelFunc
}

// Reply is the response sent back to a refresh request.
type Reply struct {
	SnapshotID string             `json:"snapshotId,omitempty"`
	Changed    bool               `json:"changed"`
	Run        *domain.RunSummary `json:"run,omitempty"`
	Error      string             `json:"error,omitempty"`
	ErrorClass string             `json:"errorClass,omitempty"`
	DurationMs int64              `json:"durationMs"`
}

// NewWorker creates a new worker.
func NewWorker(eventBus domain.EventBus, p *pipeline.Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		pipeline: p,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to refresh requests.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicSnapshotRefresh, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicSnapshotRefresh)
	return nil
}

// handleMessage runs one refresh request and replies when the sender waits.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	req := domain.RefreshRequest{Retrain: true}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			slog.Error("failed to parse refresh request",
				"message_id", msg.ID,
				"error", err,
			)
			return w.reply(ctx, msg, Reply{Error: err.Error(), ErrorClass: "config"}, err)
		}
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing refresh request",
		"message_id", msg.ID,
		"trace_id", traceID,
		"threshold", req.Threshold,
		"retrain", req.Retrain,
	)

	out, err := w.process(ctx, req)
	out.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		slog.Error("refresh request failed",
			"trace_id", traceID,
			"error_class", domain.Class(err),
			"retryable", domain.IsRetryable(err),
			"error", err,
		)
		out.Error = err.Error()
		out.ErrorClass = domain.Class(err)
		return w.reply(ctx, msg, out, err)
	}

	attrs := []any{
		"trace_id", traceID,
		"snapshot_id", out.SnapshotID,
		"changed", out.Changed,
		"duration_ms", out.DurationMs,
	}
	if out.Run != nil {
		attrs = append(attrs, "run_id", out.Run.ID, "high_risk", out.Run.HighRiskCount)
	}
	slog.Info("refresh request processed", attrs...)

	return w.reply(ctx, msg, out, nil)
}

func (w *Worker) process(ctx context.Context, req domain.RefreshRequest) (Reply, error) {
	var out Reply

	changed, err := w.pipeline.Refresh(ctx)
	if err != nil {
		return out, err
	}
	out.Changed = changed
	if info, err := w.pipeline.Snapshot(); err == nil {
		out.SnapshotID = info.ID
	}

	if !req.Retrain {
		return out, nil
	}

	// An unchanged snapshot keeps its model unless none was trained yet.
	// An explicit new threshold is applied to it without refitting.
	if cur, err := w.pipeline.Current(); err == nil && !changed {
		if req.Threshold == 0 || req.Threshold == cur.Run.Threshold {
			return out, nil
		}
		res, err := w.pipeline.Rescore(ctx, req.Threshold)
		if err != nil {
			return out, err
		}
		out.Run = res.Run.ToSummary()
		return out, nil
	}

	threshold := req.Threshold
	if threshold == 0 {
		threshold = w.pipeline.Threshold()
	}
	res, err := w.pipeline.Train(ctx, threshold)
	if err != nil {
		return out, err
	}
	out.Run = res.Run.ToSummary()
	return out, nil
}

func (w *Worker) reply(ctx context.Context, msg *domain.Message, out Reply, procErr error) error {
	w.mu.Lock()
	if procErr != nil {
		w.failed++
	} else {
		w.processed++
	}
	w.mu.Unlock()

	payload, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := bus.Reply(ctx, w.bus, msg, payload); err != nil {
		slog.Error("failed to send reply",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	return procErr
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int      `json:"processed"`
	Failed            int      `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed,
		Failed:            w.failed,
	}
}
