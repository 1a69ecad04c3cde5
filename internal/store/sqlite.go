package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed run history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

const syncRunColumns = `id, run_id, trigger_source, start_time, end_time, status,
	COALESCE(error_kind, ''), COALESCE(error_message, ''), row_count, bytes_transferred`

type scanner interface {
	Scan(dest ...any) error
}

func scanSyncRun(row scanner, run *SyncRun) error {
	var end sql.NullTime
	err := row.Scan(
		&run.ID, &run.RunID, &run.Trigger, &run.StartTime, &end, &run.Status,
		&run.ErrorKind, &run.ErrorMessage, &run.Rows, &run.BytesTransferred,
	)
	if err != nil {
		return err
	}
	run.EndTime = end.Time
	return nil
}

func nullTime(r SyncRun) sql.NullTime {
	return sql.NullTime{Time: r.EndTime, Valid: !r.EndTime.IsZero()}
}

// CreateSyncRun inserts a new SyncRun and sets its ID
func (s *Store) CreateSyncRun(run *SyncRun) error {
	const query = `
		INSERT INTO sync_runs (
			run_id, trigger_source, start_time, end_time, status,
			error_kind, error_message, row_count, bytes_transferred
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.RunID, run.Trigger, run.StartTime, nullTime(*run), run.Status,
		run.ErrorKind, run.ErrorMessage, run.Rows, run.BytesTransferred,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateSyncRun updates an existing SyncRun by ID
func (s *Store) UpdateSyncRun(run *SyncRun) error {
	const query = `
		UPDATE sync_runs SET
			trigger_source = ?, start_time = ?, end_time = ?, status = ?,
			error_kind = ?, error_message = ?, row_count = ?, bytes_transferred = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Trigger, run.StartTime, nullTime(*run), run.Status,
		run.ErrorKind, run.ErrorMessage, run.Rows, run.BytesTransferred, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("sync run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

// GetSyncRun retrieves a SyncRun by ID
func (s *Store) GetSyncRun(id int64) (*SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs WHERE id = ?`

	run := &SyncRun{}
	if err := scanSyncRun(s.db.QueryRow(query, id), run); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sync run %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query sync run: %w", err)
	}

	return run, nil
}

// ListSyncRuns retrieves SyncRuns newest first, optionally filtered by trigger
func (s *Store) ListSyncRuns(trigger string, limit int) ([]SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs`
	var args []any

	if trigger != "" {
		query += " WHERE trigger_source = ?"
		args = append(args, trigger)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var run SyncRun
		if err := scanSyncRun(rows, &run); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}

	return runs, nil
}

// LastSuccessfulRun returns the most recent succeeded run, or ErrNotFound.
func (s *Store) LastSuccessfulRun() (*SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs
		WHERE status = ? ORDER BY start_time DESC, id DESC LIMIT 1`

	run := &SyncRun{}
	if err := scanSyncRun(s.db.QueryRow(query, RunSucceeded), run); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no successful run: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query last successful run: %w", err)
	}
	return run, nil
}

// PruneSyncRuns deletes all but the newest keep runs.
func (s *Store) PruneSyncRuns(keep int) (int64, error) {
	const query = `
		DELETE FROM sync_runs WHERE id NOT IN (
			SELECT id FROM sync_runs ORDER BY start_time DESC, id DESC LIMIT ?
		)
	`
	result, err := s.db.Exec(query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
