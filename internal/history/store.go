// Package history records the outcome of every backup run in a local
// SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/MacJediWizard/keldris-desktop/internal/config"
)

// ErrRunNotFound is returned when no run matches.
var ErrRunNotFound = errors.New("run not found")

// Status is the final state of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
	StatusCanceled  Status = "canceled"
)

// Run is one finished backup run.
type Run struct {
	ID           uuid.UUID       `json:"id"`
	ConfigID     config.ConfigID `json:"config_id"`
	DueKind      string          `json:"due_kind,omitempty"`
	Status       Status          `json:"status"`
	SnapshotID   string          `json:"snapshot_id,omitempty"`
	FilesNew     int             `json:"files_new"`
	FilesChanged int             `json:"files_changed"`
	SizeBytes    int64           `json:"size_bytes"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// SQLiteStore stores runs in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens the run history in dataDir, creating it if needed.
func NewSQLiteStore(dataDir string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "history.db")

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "history_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", dbPath).Msg("history database initialized")
	return store, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables.
func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS backup_runs (
			id TEXT PRIMARY KEY,
			config_id TEXT NOT NULL,
			due_kind TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			snapshot_id TEXT NOT NULL DEFAULT '',
			files_new INTEGER NOT NULL DEFAULT 0,
			files_changed INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_backup_runs_config_id ON backup_runs(config_id);
		CREATE INDEX IF NOT EXISTS idx_backup_runs_finished_at ON backup_runs(finished_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record stores a finished run. A zero ID is replaced by a new one.
func (s *SQLiteStore) Record(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	query := `
		INSERT INTO backup_runs (id, config_id, due_kind, status, snapshot_id, files_new, files_changed, size_bytes, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID.String(),
		string(run.ConfigID),
		run.DueKind,
		string(run.Status),
		run.SnapshotID,
		run.FilesNew,
		run.FilesChanged,
		run.SizeBytes,
		run.ErrorMessage,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	s.logger.Debug().
		Str("run_id", run.ID.String()).
		Str("config_id", string(run.ConfigID)).
		Str("status", string(run.Status)).
		Msg("run recorded")
	return nil
}

const selectRun = `
	SELECT id, config_id, due_kind, status, snapshot_id, files_new, files_changed, size_bytes, error_message, started_at, finished_at
	FROM backup_runs
`

// Get retrieves a run by ID.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.db.QueryRowContext(ctx, selectRun+" WHERE id = ?", id.String())
	return scanRun(row)
}

// Last retrieves the most recent run of a configuration.
func (s *SQLiteStore) Last(ctx context.Context, configID config.ConfigID) (*Run, error) {
	row := s.db.QueryRowContext(ctx, selectRun+" WHERE config_id = ? ORDER BY finished_at DESC, rowid DESC LIMIT 1", string(configID))
	return scanRun(row)
}

// Recent lists the most recent runs, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, selectRun+" ORDER BY finished_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// CountByStatus counts runs per status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM backup_runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                 Run
		id, configID        string
		status              string
		startedAt, finished string
	)
	err := row.Scan(&id, &configID, &run.DueKind, &status, &run.SnapshotID,
		&run.FilesNew, &run.FilesChanged, &run.SizeBytes, &run.ErrorMessage, &startedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	run.ConfigID = config.ConfigID(configID)
	run.Status = Status(status)
	return &run, nil
}
