// Package runlog persists run history and status events in SQLite.
package runlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vibekit/vibekit/internal/status"
)

// Run is one orchestrated agent run.
type Run struct {
	LogID        string
	Repository   string
	Instructions string
	State        string
	ErrorMessage string
	PRURL        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event is one recorded status transition for a run.
type Event struct {
	ID        string
	LogID     string
	Status    string
	Detail    string
	CreatedAt time.Time
}

type Store struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	log_id TEXT PRIMARY KEY,
	repository TEXT NOT NULL,
	instructions TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'INITIALIZING',
	error_message TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_events (
	id TEXT PRIMARY KEY,
	log_id TEXT NOT NULL REFERENCES runs(log_id),
	status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_run_events_log_id ON run_events(log_id);
`

func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".vibekit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "vibekit.db"), nil
}

func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// StartRun records the beginning of a run. A re-run with the same log ID
// resets the row so the history reflects the latest attempt.
func (s *Store) StartRun(logID, repository, instructions string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.conn.Exec(`
		INSERT INTO runs (log_id, repository, instructions, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(log_id) DO UPDATE SET
			repository = excluded.repository,
			instructions = excluded.instructions,
			state = excluded.state,
			error_message = '',
			pr_url = '',
			updated_at = excluded.updated_at`,
		logID, repository, instructions, string(status.StatusInitializing), now, now,
	)
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// RecordEvent appends a status event and advances the run's state.
func (s *Store) RecordEvent(logID string, st status.RunStatus, detail string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.conn.Exec(`
		INSERT INTO run_events (id, log_id, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), logID, string(st), detail, now,
	); err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	if _, err := s.conn.Exec(`UPDATE runs SET state = ?, updated_at = ? WHERE log_id = ?`,
		string(st), now, logID,
	); err != nil {
		return fmt.Errorf("updating run state: %w", err)
	}
	return nil
}

// FinishRun records the run's terminal state.
func (s *Store) FinishRun(logID string, st status.RunStatus, errMsg, prURL string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.conn.Exec(`
		UPDATE runs SET state = ?, error_message = ?, pr_url = ?, updated_at = ?
		WHERE log_id = ?`,
		string(st), errMsg, prURL, now, logID,
	)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run not found: %s", logID)
	}
	return nil
}

func (s *Store) GetRun(logID string) (Run, error) {
	row := s.conn.QueryRow(`
		SELECT log_id, repository, instructions, state, error_message, pr_url, created_at, updated_at
		FROM runs WHERE log_id = ?`, logID)

	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Run{}, fmt.Errorf("run not found: %s: %w", logID, sql.ErrNoRows)
		}
		return Run{}, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	State  string
	States []string
}

func (s *Store) ListRuns(filter RunFilter) ([]Run, error) {
	query := `
		SELECT log_id, repository, instructions, state, error_message, pr_url, created_at, updated_at
		FROM runs`

	var conditions []string
	var args []any

	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, filter.State)
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st)
		}
		conditions = append(conditions, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var createdAt, updatedAt string
		if err := rows.Scan(&run.LogID, &run.Repository, &run.Instructions, &run.State,
			&run.ErrorMessage, &run.PRURL, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListEvents returns a run's events in the order they were recorded.
func (s *Store) ListEvents(logID string) ([]Event, error) {
	rows, err := s.conn.Query(`
		SELECT id, log_id, status, detail, created_at
		FROM run_events WHERE log_id = ?
		ORDER BY created_at ASC, rowid ASC`, logID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.LogID, &e.Status, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanRun(row *sql.Row) (Run, error) {
	var run Run
	var createdAt, updatedAt string
	err := row.Scan(&run.LogID, &run.Repository, &run.Instructions, &run.State,
		&run.ErrorMessage, &run.PRURL, &createdAt, &updatedAt)
	if err != nil {
		return Run{}, err
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return run, nil
}
