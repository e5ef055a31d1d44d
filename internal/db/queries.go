package db

import (
	"context"
	"database/sql"
	"fmt"
)

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int
	IssueID   string
	Event     string
	Stage     string
	Attempt   int
	Detail    string
	Timestamp string
}

// SessionEvent represents a row in the session_events table.
type SessionEvent struct {
	ID        int
	SessionID string
	IssueID   string
	Event     string
	Timestamp string
	Metadata  string
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, issueID string, event string, stage string, attempt int, detail string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO pipeline_events (issue_id, event, stage, attempt, detail) VALUES (?, ?, ?, ?, ?)`,
		issueID, event, stage, attempt, detail,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetPipelineHistory returns all events for an issue, newest first.
func (d *DB) GetPipelineHistory(ctx context.Context, issueID string) ([]PipelineEvent, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, issue_id, event, stage, attempt, detail, timestamp
		 FROM pipeline_events WHERE issue_id = ? ORDER BY timestamp DESC, id DESC`,
		issueID,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var stage, detail sql.NullString
		var attempt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.IssueID, &e.Event, &stage, &attempt, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Stage = stage.String
		e.Attempt = int(attempt.Int64)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// LogSessionEvent inserts a voice session event.
func (d *DB) LogSessionEvent(ctx context.Context, sessionID string, issueID string, event string, metadata string) error {
	var issue sql.NullString
	if issueID != "" {
		issue = sql.NullString{String: issueID, Valid: true}
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO session_events (session_id, issue_id, event, metadata) VALUES (?, ?, ?, ?)`,
		sessionID, issue, event, metadata,
	)
	if err != nil {
		return fmt.Errorf("log session event: %w", err)
	}
	return nil
}

// GetSessionEvents returns the events of one session in insertion order.
func (d *DB) GetSessionEvents(ctx context.Context, sessionID string) ([]SessionEvent, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, session_id, issue_id, event, timestamp, metadata
		 FROM session_events WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get session events: %w", err)
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var issue, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &issue, &e.Event, &e.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		e.IssueID = issue.String
		e.Metadata = metadata.String
		events = append(events, e)
	}
	return events, rows.Err()
}
