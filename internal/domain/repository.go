// Package domain defines the core interfaces and types for churnwatch.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Model runs
	SaveRun(ctx context.Context, run *ModelRun) error
	GetRun(ctx context.Context, runID string) (*ModelRun, error)
	ListRuns(ctx context.Context, limit int) ([]*ModelRun, error)

	// Scored entities of a run
	SaveScores(ctx context.Context, runID string, scores []ScoredEntity) error
	ListScores(ctx context.Context, runID string, onlyHighRisk bool) ([]ScoredEntity, error)

	// Segment definitions
	SaveSegment(ctx context.Context, segment *Segment) error
	GetSegment(ctx context.Context, segmentID string) (*Segment, error)
	ListSegments(ctx context.Context) ([]*Segment, error)
	DeleteSegment(ctx context.Context, segmentID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"-" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDB" yaml:"postgresDB"`
	PostgresSSLMode  string `json:"postgresSSLMode" yaml:"postgresSSLMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
