// Package repository persists runs, scored customers and segment
// definitions in SQLite or PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// scoreBatch bounds the rows of one multi-value INSERT.
const scoreBatch = 200

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and migrates the churnwatch schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
	if err != nil {
		if errors.Is(err, domain.ErrConfig) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun stores a model run. Runs are immutable once written.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.ModelRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	confusion, _ := json.Marshal(run.Confusion)
	features, _ := json.Marshal(run.Features)
	metadata, _ := json.Marshal(run.Metadata)

	query := `
		INSERT INTO model_runs (
			id, snapshot_id, threshold, auc, confusion, features,
			train_rows, test_rows, scored_rows, high_risk_count,
			model, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.ID, run.SnapshotID, run.Threshold, run.AUC,
		string(confusion), string(features),
		run.TrainRows, run.TestRows, run.ScoredRows, run.HighRiskCount,
		string(run.Model), string(metadata), run.CreatedAt,
	)
	return err
}

const runColumns = `id, snapshot_id, threshold, auc, confusion, features,
	train_rows, test_rows, scored_rows, high_risk_count, model, metadata, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*domain.ModelRun, error) {
	var run domain.ModelRun
	var confusion, features, metadata string
	var model sql.NullString

	err := s.Scan(
		&run.ID, &run.SnapshotID, &run.Threshold, &run.AUC,
		&confusion, &features,
		&run.TrainRows, &run.TestRows, &run.ScoredRows, &run.HighRiskCount,
		&model, &metadata, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(confusion), &run.Confusion); err != nil {
		return nil, fmt.Errorf("decode confusion of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(features), &run.Features); err != nil {
		return nil, fmt.Errorf("decode features of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &run.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of run %s: %w", run.ID, err)
	}
	if model.Valid && model.String != "" {
		run.Model = json.RawMessage(model.String)
	}
	return &run, nil
}

// GetRun retrieves a model run by ID.
func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*domain.ModelRun, error) {
	query := `SELECT ` + runColumns + ` FROM model_runs WHERE id = ?`

	run, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first. The serialized model is omitted.
func (r *SQLRepository) ListRuns(ctx context.Context, limit int) ([]*domain.ModelRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM model_runs ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.ModelRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		run.Model = nil
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveScores stores the scored entities of a run in entity order.
func (r *SQLRepository) SaveScores(ctx context.Context, runID string, scores []domain.ScoredEntity) error {
	if runID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM scored_entities WHERE run_id = ?`), runID); err != nil {
		return err
	}

	for start := 0; start < len(scores); start += scoreBatch {
		end := min(start+scoreBatch, len(scores))

		var sb strings.Builder
		sb.WriteString(`INSERT INTO scored_entities (run_id, position, customer_id, probability, high_risk, in_training) VALUES `)
		args := make([]any, 0, (end-start)*6)
		for i := start; i < end; i++ {
			if i > start {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?)")
			s := scores[i]
			args = append(args, runID, i, s.CustomerID, s.Probability, boolInt(s.HighRisk), boolInt(s.InTraining))
		}

		if _, err := tx.ExecContext(ctx, r.rebind(sb.String()), args...); err != nil {
			return fmt.Errorf("failed to insert scores %d-%d: %w", start, end, err)
		}
	}

	return tx.Commit()
}

// ListScores returns the scored entities of a run in entity order.
func (r *SQLRepository) ListScores(ctx context.Context, runID string, onlyHighRisk bool) ([]domain.ScoredEntity, error) {
	query := `
		SELECT customer_id, probability, high_risk, in_training
		FROM scored_entities
		WHERE run_id = ?
	`
	if onlyHighRisk {
		query += ` AND high_risk = 1`
	}
	query += ` ORDER BY position`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScoredEntity
	for rows.Next() {
		var e domain.ScoredEntity
		var highRisk, inTraining int
		if err := rows.Scan(&e.CustomerID, &e.Probability, &highRisk, &inTraining); err != nil {
			return nil, err
		}
		e.HighRisk = highRisk == 1
		e.InTraining = inTraining == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveSegment creates or updates a segment definition.
func (r *SQLRepository) SaveSegment(ctx context.Context, segment *domain.Segment) error {
	if segment == nil || segment.ID == "" {
		return fmt.Errorf("%w: segment id is required", ErrInvalidInput)
	}
	if segment.Expression == "" {
		return fmt.Errorf("%w: segment expression is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if segment.CreatedAt.IsZero() {
		segment.CreatedAt = now
	}
	segment.UpdatedAt = now

	query := `
		INSERT INTO segments (id, name, description, expression, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		segment.ID, segment.Name, segment.Description, segment.Expression,
		boolInt(segment.Enabled), segment.CreatedAt, segment.UpdatedAt,
	)
	return err
}

const segmentColumns = `id, name, description, expression, enabled, created_at, updated_at`

func scanSegment(s rowScanner) (*domain.Segment, error) {
	var seg domain.Segment
	var description sql.NullString
	var enabled int
	if err := s.Scan(&seg.ID, &seg.Name, &description, &seg.Expression, &enabled, &seg.CreatedAt, &seg.UpdatedAt); err != nil {
		return nil, err
	}
	seg.Description = description.String
	seg.Enabled = enabled == 1
	return &seg, nil
}

// GetSegment retrieves an enabled segment by ID.
func (r *SQLRepository) GetSegment(ctx context.Context, segmentID string) (*domain.Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments WHERE id = ? AND enabled = 1`

	seg, err := scanSegment(r.db.QueryRowContext(ctx, r.rebind(query), segmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return seg, nil
}

// ListSegments returns every enabled segment ordered by ID.
func (r *SQLRepository) ListSegments(ctx context.Context) ([]*domain.Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments WHERE enabled = 1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []*domain.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// DeleteSegment soft-deletes a segment by setting enabled = 0.
func (r *SQLRepository) DeleteSegment(ctx context.Context, segmentID string) error {
	query := `
		UPDATE segments
		SET enabled = 0, updated_at = ?
		WHERE id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), segmentID)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind rewrites ? placeholders as $1, $2, ... when talking to Postgres.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, part := range strings.Split(query, "?") {
		if n > 0 {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		}
		b.WriteString(part)
		n++
	}
	return b.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
