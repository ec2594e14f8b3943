package trace

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists spans to a local SQLite file. It doubles as the
// verification learning sink: run verdicts land next to the spans they
// describe so deviations can be inspected per run.
type SQLiteStore struct {
	db *sql.DB
}

func OpenStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("missing db path")
	}
	p := filepath.Clean(strings.TrimSpace(path))
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS spans (
	span_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	started_at_unix_ms INTEGER NOT NULL,
	ended_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_spans_run ON spans(run_id, started_at_unix_ms);

CREATE TABLE IF NOT EXISTS verifications (
	run_id TEXT PRIMARY KEY,
	success INTEGER NOT NULL,
	score INTEGER NOT NULL,
	deviations_json TEXT NOT NULL DEFAULT '[]',
	created_at_unix_ms INTEGER NOT NULL
);
`)
	return err
}

func (s *SQLiteStore) SaveSpans(ctx context.Context, spans []Span) error {
	if s == nil || s.db == nil {
		return errors.New("store not open")
	}
	if len(spans) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO spans (span_id, run_id, name, status, detail, started_at_unix_ms, ended_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, span := range spans {
		if _, err := stmt.ExecContext(ctx,
			span.SpanID, span.RunID, span.Name, span.Status, span.Detail,
			span.StartedAtUnixMs, span.EndedAtUnixMs); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveVerification records one run verdict.
func (s *SQLiteStore) SaveVerification(ctx context.Context, runID string, success bool, score int, deviationsJSON string, atUnixMs int64) error {
	if s == nil || s.db == nil {
		return errors.New("store not open")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("missing run id")
	}
	successInt := 0
	if success {
		successInt = 1
	}
	if strings.TrimSpace(deviationsJSON) == "" {
		deviationsJSON = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO verifications (run_id, success, score, deviations_json, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?)`, runID, successInt, score, deviationsJSON, atUnixMs)
	return err
}

// SpansForRun returns the persisted spans of one run ordered by start time.
func (s *SQLiteStore) SpansForRun(ctx context.Context, runID string) ([]Span, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not open")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT span_id, run_id, name, status, detail, started_at_unix_ms, ended_at_unix_ms
FROM spans WHERE run_id = ? ORDER BY started_at_unix_ms ASC, span_id ASC`, strings.TrimSpace(runID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Span
	for rows.Next() {
		var span Span
		if err := rows.Scan(&span.SpanID, &span.RunID, &span.Name, &span.Status, &span.Detail,
			&span.StartedAtUnixMs, &span.EndedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, span)
	}
	return out, rows.Err()
}
