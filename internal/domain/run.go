package domain

import (
	"encoding/json"
	"time"
)

// ModelRun is the record of one training + scoring pass over a snapshot.
type ModelRun struct {
	ID         string    `json:"id"`
	SnapshotID string    `json:"snapshotId"`
	Threshold  float64   `json:"threshold"`
	CreatedAt  time.Time `json:"createdAt"`

	// Holdout metrics. AUC is computed on the held-out partition only.
	AUC       float64   `json:"auc"`
	Confusion Confusion `json:"confusion"`

	Features      []string `json:"features"`
	TrainRows     int      `json:"trainRows"`
	TestRows      int      `json:"testRows"`
	ScoredRows    int      `json:"scoredRows"`
	HighRiskCount int      `json:"highRiskCount"`

	// Model is the serialized classifier.
	Model json.RawMessage `json:"model,omitempty"`

	Metadata RunMetadata `json:"metadata"`
}

// Confusion is a binary confusion matrix over the held-out partition.
type Confusion struct {
	TN int `json:"tn"`
	FP int `json:"fp"`
	FN int `json:"fn"`
	TP int `json:"tp"`
}

// Matrix returns the sklearn-style layout [[TN FP] [FN TP]].
func (c Confusion) Matrix() [2][2]int {
	return [2][2]int{{c.TN, c.FP}, {c.FN, c.TP}}
}

// RunMetadata contains processing information.
type RunMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	ParentRunID   string `json:"parentRunId,omitempty"` // set when a run re-thresholds an earlier model
	FeatureMs     int64  `json:"featureMs"`
	TrainMs       int64  `json:"trainMs"`
	ScoreMs       int64  `json:"scoreMs"`
	TotalMs       int64  `json:"totalMs"`
	Trees         int    `json:"trees"`
	EngineVersion string `json:"engineVersion"`
}

// RunSummary is the API view of a run (without the model blob).
type RunSummary struct {
	ID            string    `json:"id"`
	SnapshotID    string    `json:"snapshotId"`
	Threshold     float64   `json:"threshold"`
	AUC           float64   `json:"auc"`
	Confusion     [2][2]int `json:"confusionMatrix"`
	TrainRows     int       `json:"trainRows"`
	TestRows      int       `json:"testRows"`
	ScoredRows    int       `json:"scoredRows"`
	HighRiskCount int       `json:"highRiskCount"`
	CreatedAt     time.Time `json:"createdAt"`
	TotalMs       int64     `json:"totalMs"`
}

// ToSummary converts a run into its API view.
func (r *ModelRun) ToSummary() *RunSummary {
	return &RunSummary{
		ID:            r.ID,
		SnapshotID:    r.SnapshotID,
		Threshold:     r.Threshold,
		AUC:           r.AUC,
		Confusion:     r.Confusion.Matrix(),
		TrainRows:     r.TrainRows,
		TestRows:      r.TestRows,
		ScoredRows:    r.ScoredRows,
		HighRiskCount: r.HighRiskCount,
		CreatedAt:     r.CreatedAt,
		TotalMs:       r.Metadata.TotalMs,
	}
}
