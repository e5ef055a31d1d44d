package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// tsLayout has fixed-width fractions so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Get returns the issue with the given id.
func (d *DB) Get(ctx context.Context, id string) (*pipeline.Issue, error) {
	var data string
	err := d.conn.QueryRowContext(ctx, `SELECT data FROM issues WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return decodeIssue(data)
}

// Create inserts a new issue at version 1.
func (d *DB) Create(ctx context.Context, iss *pipeline.Issue) (*pipeline.Issue, error) {
	c, err := pipeline.PrepareNew(iss, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal issue: %w", err)
	}
	_, err = d.conn.ExecContext(ctx,
		`INSERT INTO issues (id, repository, state, version, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Repository, string(c.State), c.Version, string(data),
		c.CreatedAt.Format(tsLayout), c.UpdatedAt.Format(tsLayout),
	)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return nil, fmt.Errorf("issue %s: %w", c.ID, pipeline.ErrExists)
		}
		return nil, fmt.Errorf("insert issue: %w", err)
	}
	return c, nil
}

// CompareAndSwap replaces an issue only if its stored version is expectedVersion.
func (d *DB) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, next *pipeline.Issue) (*pipeline.Issue, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data string
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT data, version FROM issues WHERE id = ?`, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read issue: %w", err)
	}
	if version != expectedVersion {
		return nil, fmt.Errorf("issue %s at version %d, expected %d: %w", id, version, expectedVersion, pipeline.ErrConflict)
	}
	cur, err := decodeIssue(data)
	if err != nil {
		return nil, err
	}

	c := next.Clone()
	c.ID = id
	c.CreatedAt = cur.CreatedAt
	c.Version = expectedVersion + 1
	c.UpdatedAt = time.Now().UTC()
	out, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal issue: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE issues SET repository = ?, state = ?, version = ?, data = ?, updated_at = ? WHERE id = ? AND version = ?`,
		c.Repository, string(c.State), c.Version, string(out), c.UpdatedAt.Format(tsLayout), id, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update issue: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("issue %s: %w", id, pipeline.ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// List returns issues matching opts ordered by creation time.
func (d *DB) List(ctx context.Context, opts pipeline.ListOpts) ([]*pipeline.Issue, error) {
	query := `SELECT data FROM issues`
	var where []string
	var args []any
	if opts.Repository != "" {
		where = append(where, "repository = ?")
		args = append(args, opts.Repository)
	}
	if len(opts.States) > 0 {
		marks := make([]string, len(opts.States))
		for i, s := range opts.States {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "state IN ("+strings.Join(marks, ",")+")")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.Issue
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		iss, err := decodeIssue(data)
		if err != nil {
			return nil, err
		}
		out = append(out, iss)
	}
	return out, rows.Err()
}

// Delete removes an issue. Its run history is kept.
func (d *DB) Delete(ctx context.Context, id string) error {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("issue %s: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

// AppendRun inserts a workflow run. Rows are never updated afterwards.
func (d *DB) AppendRun(ctx context.Context, run pipeline.WorkflowRun) error {
	var runErr sql.NullString
	if run.Error != "" {
		runErr = sql.NullString{String: run.Error, Valid: true}
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, issue_id, stage, attempt_number, outcome, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.IssueID, string(run.Stage), run.AttemptNumber, string(run.Outcome), runErr,
		run.StartedAt.UTC().Format(tsLayout), run.CompletedAt.UTC().Format(tsLayout), run.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

// ListRuns returns the runs for an issue ordered by start time.
func (d *DB) ListRuns(ctx context.Context, issueID string) ([]pipeline.WorkflowRun, error) {
	return d.queryRuns(ctx, `WHERE issue_id = ?`, issueID)
}

// AllRuns returns every recorded run, oldest first.
func (d *DB) AllRuns(ctx context.Context) ([]pipeline.WorkflowRun, error) {
	return d.queryRuns(ctx, "")
}

func (d *DB) queryRuns(ctx context.Context, where string, args ...any) ([]pipeline.WorkflowRun, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, issue_id, stage, attempt_number, outcome, error, started_at, completed_at
		 FROM workflow_runs `+where+` ORDER BY started_at ASC, attempt_number ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []pipeline.WorkflowRun
	for rows.Next() {
		var r pipeline.WorkflowRun
		var stage, outcome, started, completed string
		var runErr sql.NullString
		if err := rows.Scan(&r.ID, &r.IssueID, &stage, &r.AttemptNumber, &outcome, &runErr, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Stage = pipeline.Stage(stage)
		r.Outcome = pipeline.Outcome(outcome)
		r.Error = runErr.String
		r.StartedAt, _ = time.Parse(tsLayout, started)
		r.CompletedAt, _ = time.Parse(tsLayout, completed)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func decodeIssue(data string) (*pipeline.Issue, error) {
	var iss pipeline.Issue
	if err := json.Unmarshal([]byte(data), &iss); err != nil {
		return nil, fmt.Errorf("decode issue: %w", err)
	}
	return &iss, nil
}
