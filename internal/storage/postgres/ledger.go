// Package postgres provides the Postgres-backed resolution ledger.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LedgerConfig controls the Postgres connection pool used for ledger rows.
type LedgerConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Ledger writes one row per resolution attempt into Table and one row per
// batch run into Table_runs.
type Ledger struct {
	pool      execCloser
	table     string
	runsTable string
}

var (
	_ article.AttemptStore = (*Ledger)(nil)
	_ article.RunStore     = (*Ledger)(nil)
)

// NewLedger creates a Postgres-backed Ledger using the provided config.
func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: pool, table: table, runsTable: table + "_runs"}, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(pool execCloser, table string) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Ledger{pool: pool, table: name, runsTable: name + "_runs"}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "resolutions"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// EnsureSchema creates the ledger tables when they do not exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	attempts := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            BIGSERIAL PRIMARY KEY,
	run_id        TEXT NOT NULL,
	guid          TEXT NOT NULL,
	viewer_url    TEXT NOT NULL,
	publisher_url TEXT,
	source        TEXT,
	outcome       TEXT NOT NULL,
	status_code   INTEGER,
	error_text    TEXT,
	attempted_at  TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT NOT NULL
)`, l.table)
	runs := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id        TEXT PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	input         INTEGER NOT NULL DEFAULT 0,
	resolved      INTEGER NOT NULL DEFAULT 0,
	sink_failures INTEGER NOT NULL DEFAULT 0,
	published     BOOLEAN NOT NULL DEFAULT FALSE,
	publish_error TEXT,
	dry_run       BOOLEAN NOT NULL DEFAULT FALSE,
	outcomes      JSONB
)`, l.runsTable)
	for _, stmt := range []string{attempts, runs} {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

// StoreAttempt inserts one attempt row.
func (l *Ledger) StoreAttempt(ctx context.Context, attempt article.Attempt) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("ledger is not configured")
	}
	if attempt.RunID == "" {
		return fmt.Errorf("attempt run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	guid,
	viewer_url,
	publisher_url,
	source,
	outcome,
	status_code,
	error_text,
	attempted_at,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, l.table)

	args := []any{
		attempt.RunID,
		attempt.GUID,
		attempt.ViewerURL,
		nullable(attempt.PublisherURL),
		nullable(attempt.Source),
		string(attempt.Outcome),
		attempt.StatusCode,
		nullable(attempt.ErrorText),
		attempt.AttemptedAt,
		attempt.DurationMs,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// StartRun records a run as running.
func (l *Ledger) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO NOTHING`, l.runsTable)
	if _, err := l.pool.Exec(ctx, query, runID, startedAt, article.RunRunning); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final counters of a run.
func (l *Ledger) FinishRun(ctx context.Context, report article.RunReport) error {
	outcomes, err := json.Marshal(report.Outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, input = $3, resolved = $4, sink_failures = $5,
	published = $6, publish_error = $7, dry_run = $8, outcomes = $9
WHERE run_id = $10`, l.runsTable)

	tag, err := l.pool.Exec(ctx, query,
		report.FinishedAt,
		article.RunStatus(report),
		report.Input,
		report.Resolved,
		report.SinkFailures,
		report.Published,
		nullable(report.PublishError),
		report.DryRun,
		outcomes,
		report.RunID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s was never started", report.RunID)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
