// Package postgres provides a Postgres-backed execution registry.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opencrawl/elastic-crawler-service/internal/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for execution rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Registry persists execution rows in Postgres.
type Registry struct {
	pool  pool
	table string
}

// NewRegistry creates a Postgres-backed Registry using the provided config.
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "crawl_executions"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Registry{pool: p, table: table}, nil
}

// NewRegistryWithPool constructs a Registry from an existing pool (primarily
// for testing).
func NewRegistryWithPool(p pool, table string) (*Registry, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_executions"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Registry{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (r *Registry) Close() {
	r.pool.Close()
}

// Create inserts a new pending execution row.
func (r *Registry) Create(ctx context.Context, exec crawl.Execution) error {
	request, err := json.Marshal(exec.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, status, submitted_at, request)
		VALUES ($1, $2, $3, $4);
	`, r.table)
	if _, err := r.pool.Exec(ctx, query, exec.ID, string(exec.Status), exec.Submitted, request); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// MarkRunning transitions an execution to running.
func (r *Registry) MarkRunning(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, started_at = COALESCE(started_at, $2)
		WHERE id = $3;
	`, r.table)
	tag, err := r.pool.Exec(ctx, query, string(crawl.ExecutionStatusRunning), at, id)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// Complete records the sanitized result and marks the execution completed.
func (r *Registry) Complete(ctx context.Context, id string, at time.Time, result crawl.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, finished_at = $2, result = $3, error_text = ''
		WHERE id = $4;
	`, r.table)
	tag, err := r.pool.Exec(ctx, query, string(crawl.ExecutionStatusCompleted), at, payload, id)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// Fail marks the execution failed with the wrapper-level error text.
func (r *Registry) Fail(ctx context.Context, id string, at time.Time, errText string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, finished_at = $2, error_text = $3
		WHERE id = $4;
	`, r.table)
	tag, err := r.pool.Exec(ctx, query, string(crawl.ExecutionStatusFailed), at, errText, id)
	if err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// Get fetches an execution by id.
func (r *Registry) Get(ctx context.Context, id string) (crawl.Execution, error) {
	query := fmt.Sprintf(`
		SELECT id, status, submitted_at, started_at, finished_at, request, result, error_text
		FROM %s
		WHERE id = $1;
	`, r.table)

	var (
		exec        crawl.Execution
		status      string
		requestData []byte
		resultData  []byte
	)
	row := r.pool.QueryRow(ctx, query, id)
	err := row.Scan(
		&exec.ID,
		&status,
		&exec.Submitted,
		&exec.Started,
		&exec.Finished,
		&requestData,
		&resultData,
		&exec.ErrorText,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Execution{}, crawl.ErrNotFound
		}
		return crawl.Execution{}, fmt.Errorf("select execution: %w", err)
	}
	exec.Status = crawl.ExecutionStatus(status)
	if len(requestData) > 0 {
		if err := json.Unmarshal(requestData, &exec.Request); err != nil {
			return crawl.Execution{}, fmt.Errorf("unmarshal request: %w", err)
		}
	}
	if len(resultData) > 0 {
		var result crawl.Result
		if err := json.Unmarshal(resultData, &result); err != nil {
			return crawl.Execution{}, fmt.Errorf("unmarshal result: %w", err)
		}
		exec.Result = &result
	}
	return exec, nil
}
