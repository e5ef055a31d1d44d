// Package pgstore is a PostgreSQL-backed issue store for multi-process
// deployments. Compare-and-swap is a conditional UPDATE on the version column.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// Config configures the connection pool.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Store implements pipeline.Store and pipeline.RunLog on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS issues (
    id          TEXT PRIMARY KEY,
    repository  TEXT NOT NULL DEFAULT '',
    state       TEXT NOT NULL,
    version     BIGINT NOT NULL,
    data        JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_issues_state ON issues(state);

CREATE TABLE IF NOT EXISTS workflow_runs (
    id              TEXT PRIMARY KEY,
    issue_id        TEXT NOT NULL,
    stage           TEXT NOT NULL,
    attempt_number  INTEGER NOT NULL,
    outcome         TEXT NOT NULL,
    error           TEXT,
    started_at      TIMESTAMPTZ NOT NULL,
    completed_at    TIMESTAMPTZ NOT NULL,
    UNIQUE (issue_id, stage, attempt_number)
);
CREATE INDEX IF NOT EXISTS idx_runs_issue ON workflow_runs(issue_id, started_at);
`

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing if it returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Get returns the issue with the given id.
func (s *Store) Get(ctx context.Context, id string) (*pipeline.Issue, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM issues WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return decode(data)
}

// Create inserts a new issue at version 1.
func (s *Store) Create(ctx context.Context, iss *pipeline.Issue) (*pipeline.Issue, error) {
	c, err := pipeline.PrepareNew(iss, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal issue: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO issues (id, repository, state, version, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Repository, string(c.State), c.Version, data, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("issue %s: %w", c.ID, pipeline.ErrExists)
		}
		return nil, fmt.Errorf("insert issue: %w", err)
	}
	return c, nil
}

// CompareAndSwap replaces an issue only if its stored version is expectedVersion.
func (s *Store) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, next *pipeline.Issue) (*pipeline.Issue, error) {
	var out *pipeline.Issue
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var createdAt time.Time
		var version int64
		err := tx.QueryRow(ctx, `SELECT created_at, version FROM issues WHERE id = $1 FOR UPDATE`, id).Scan(&createdAt, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("issue %s: %w", id, pipeline.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read issue: %w", err)
		}
		if version != expectedVersion {
			return fmt.Errorf("issue %s at version %d, expected %d: %w", id, version, expectedVersion, pipeline.ErrConflict)
		}

		c := next.Clone()
		c.ID = id
		c.CreatedAt = createdAt.UTC()
		c.Version = expectedVersion + 1
		c.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal issue: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE issues SET repository = $1, state = $2, version = $3, data = $4, updated_at = $5
			 WHERE id = $6 AND version = $7`,
			c.Repository, string(c.State), c.Version, data, c.UpdatedAt, id, expectedVersion)
		if err != nil {
			return fmt.Errorf("update issue: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("issue %s: %w", id, pipeline.ErrConflict)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns issues matching opts ordered by creation time.
func (s *Store) List(ctx context.Context, opts pipeline.ListOpts) ([]*pipeline.Issue, error) {
	query := `SELECT data FROM issues`
	var where []string
	var args []any
	if opts.Repository != "" {
		args = append(args, opts.Repository)
		where = append(where, fmt.Sprintf("repository = $%d", len(args)))
	}
	if len(opts.States) > 0 {
		states := make([]string, len(opts.States))
		for i, st := range opts.States {
			states[i] = string(st)
		}
		args = append(args, states)
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*pipeline.Issue, error) {
		var data []byte
		if err := row.Scan(&data); err != nil {
			return nil, err
		}
		return decode(data)
	})
	if err != nil {
		return nil, fmt.Errorf("scan issues: %w", err)
	}
	return list, nil
}

// Delete removes an issue. Its run history is kept.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM issues WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("issue %s: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

// AppendRun inserts a workflow run.
func (s *Store) AppendRun(ctx context.Context, run pipeline.WorkflowRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_runs (id, issue_id, stage, attempt_number, outcome, error, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
		run.ID, run.IssueID, string(run.Stage), run.AttemptNumber, string(run.Outcome), run.Error,
		run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

// ListRuns returns the runs for an issue ordered by start time.
func (s *Store) ListRuns(ctx context.Context, issueID string) ([]pipeline.WorkflowRun, error) {
	return s.queryRuns(ctx, `WHERE issue_id = $1`, issueID)
}

// AllRuns returns every recorded run, oldest first.
func (s *Store) AllRuns(ctx context.Context) ([]pipeline.WorkflowRun, error) {
	return s.queryRuns(ctx, "")
}

func (s *Store) queryRuns(ctx context.Context, where string, args ...any) ([]pipeline.WorkflowRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, issue_id, stage, attempt_number, outcome, COALESCE(error, ''), started_at, completed_at
		 FROM workflow_runs `+where+` ORDER BY started_at, attempt_number`, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.WorkflowRun, error) {
		var r pipeline.WorkflowRun
		var stage, outcome string
		err := row.Scan(&r.ID, &r.IssueID, &stage, &r.AttemptNumber, &outcome, &r.Error, &r.StartedAt, &r.CompletedAt)
		r.Stage = pipeline.Stage(stage)
		r.Outcome = pipeline.Outcome(outcome)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	return runs, nil
}

func decode(data []byte) (*pipeline.Issue, error) {
	var iss pipeline.Issue
	if err := json.Unmarshal(data, &iss); err != nil {
		return nil, fmt.Errorf("decode issue: %w", err)
	}
	return &iss, nil
}
