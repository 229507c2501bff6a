package repository

// Schema definitions for the churnwatch database.
// Compatible with both SQLite and PostgreSQL.

const schemaModelRuns = `
CREATE TABLE IF NOT EXISTS model_runs (
    id TEXT PRIMARY KEY,
    snapshot_id TEXT NOT NULL,
    threshold REAL NOT NULL,
    auc REAL NOT NULL,
    confusion TEXT NOT NULL,
    features TEXT NOT NULL,
    train_rows INTEGER NOT NULL,
    test_rows INTEGER NOT NULL,
    scored_rows INTEGER NOT NULL,
    high_risk_count INTEGER NOT NULL,
    model TEXT,
    metadata TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_model_runs_snapshot ON model_runs(snapshot_id);
CREATE INDEX IF NOT EXISTS idx_model_runs_created ON model_runs(created_at);
`

const schemaScoredEntities = `
CREATE TABLE IF NOT EXISTS scored_entities (
    run_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    customer_id TEXT NOT NULL,
    probability REAL NOT NULL,
    high_risk INTEGER NOT NULL DEFAULT 0,
    in_training INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, position)
);

CREATE INDEX IF NOT EXISTS idx_scored_entities_high_risk ON scored_entities(run_id, high_risk);
`

// schemaSegments defines the segments table.
// Segments are CEL predicates over canonical rows; deletion is soft.
const schemaSegments = `
CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_segments_enabled ON segments(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaModelRuns,
		schemaScoredEntities,
		schemaSegments,
	}
}
