// Package store keeps an audit trail of investigation runs and their
// transcripts in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/martinemde/debugagent/agentloop"
	"github.com/martinemde/debugagent/llm"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// StatusRunning marks a run that has not finished.
const StatusRunning = "running"

// Fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	function_name TEXT NOT NULL,
	project_id    TEXT NOT NULL,
	repo          TEXT NOT NULL,
	note          TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	final_answer  TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	rounds        INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	started_at    TEXT NOT NULL,
	finished_at   TEXT
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);

CREATE TABLE IF NOT EXISTS messages (
	run_id       TEXT NOT NULL REFERENCES runs (id),
	seq          INTEGER NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	tool_calls   TEXT,
	tool_call_id TEXT NOT NULL DEFAULT '',
	is_error     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, seq)
);
`

// DB wraps *sql.DB for the audit tables.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database at path and applies the schema. The file
// is created if missing.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; concurrent runs queue on this connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &DB{db}, nil
}

// Run is one investigation as recorded in the audit store.
type Run struct {
	ID           string     `json:"id"`
	FunctionName string     `json:"function_name"`
	ProjectID    string     `json:"project_id"`
	Repo         string     `json:"repo"`
	Note         string     `json:"note,omitempty"`
	Status       string     `json:"status"`
	FinalAnswer  string     `json:"final_answer,omitempty"`
	Error        string     `json:"error,omitempty"`
	Rounds       int        `json:"rounds"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Message is one transcript entry of a run.
type Message struct {
	Seq        int             `json:"seq"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// CreateRun records a run as running. StartedAt defaults to now.
func (db *DB) CreateRun(ctx context.Context, r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (id, function_name, project_id, repo, note, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FunctionName, r.ProjectID, r.Repo, r.Note, StatusRunning, formatTime(r.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("creating run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun stores the outcome and its transcript in one transaction.
func (db *DB) FinishRun(ctx context.Context, out *agentloop.Outcome) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, final_answer = ?, error = ?, rounds = ?, input_tokens = ?, output_tokens = ?, finished_at = ? WHERE id = ?`,
		string(out.Status), out.FinalAnswer, out.ErrorMessage(), out.Rounds,
		out.Usage.InputTokens, out.Usage.OutputTokens, formatTime(time.Now()), out.RunID,
	)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", out.RunID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finishing run %s: %w", out.RunID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE run_id = ?`, out.RunID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (run_id, seq, role, content, tool_calls, tool_call_id, is_error) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, m := range out.Transcript {
		var calls sql.NullString
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encoding tool calls of message %d: %w", i, err)
			}
			calls = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, out.RunID, i, string(m.Role), m.Content, calls, m.ToolCallID, m.IsError); err != nil {
			return fmt.Errorf("inserting message %d: %w", i, err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, function_name, project_id, repo, note, status, final_answer, error, rounds, input_tokens, output_tokens, started_at, finished_at`

// GetRun returns the run with the given id.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRuns returns the most recently started runs first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Transcript returns a run's messages in conversation order.
func (db *DB) Transcript(ctx context.Context, runID string) ([]Message, error) {
	if _, err := db.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT seq, role, content, tool_calls, tool_call_id, is_error FROM messages WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		var calls sql.NullString
		if err := rows.Scan(&m.Seq, &m.Role, &m.Content, &calls, &m.ToolCallID, &m.IsError); err != nil {
			return nil, err
		}
		if calls.Valid {
			m.ToolCalls = json.RawMessage(calls.String)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LLMMessages converts stored messages back to conversation messages.
func LLMMessages(msgs []Message) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		lm := llm.Message{
			Role:       llm.Role(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			IsError:    m.IsError,
		}
		if len(m.ToolCalls) > 0 {
			if err := json.Unmarshal(m.ToolCalls, &lm.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls of message %d: %w", m.Seq, err)
			}
		}
		out = append(out, lm)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var started string
	var finished sql.NullString
	err := s.Scan(&r.ID, &r.FunctionName, &r.ProjectID, &r.Repo, &r.Note, &r.Status, &r.FinalAnswer, &r.Error,
		&r.Rounds, &r.InputTokens, &r.OutputTokens, &started, &finished)
	if err != nil {
		return nil, err
	}
	if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("parsing started_at of run %s: %w", r.ID, err)
	}
	if finished.Valid {
		t, err := time.Parse(timeLayout, finished.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at of run %s: %w", r.ID, err)
		}
		r.FinishedAt = &t
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
