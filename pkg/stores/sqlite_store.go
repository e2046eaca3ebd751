package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a SQLite store at the given file path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: path}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies pending schema migrations from the embedded set.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (id, plan_id, policy, status, environments, started_at, total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.PlanID,
		run.Policy,
		run.Status,
		run.Environments,
		run.StartedAt,
		run.Total,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// CompleteRun records the final status and counters of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id, status string, succeeded, failed, skipped int, completedAt time.Time) error {
	query := `
		UPDATE runs
		SET status = ?, succeeded = ?, failed = ?, skipped = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		status, succeeded, failed, skipped, completedAt, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, plan_id, policy, status, environments, started_at, completed_at,
		       total, succeeded, failed, skipped, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run := &RunRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.PlanID,
		&run.Policy,
		&run.Status,
		&run.Environments,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Total,
		&run.Succeeded,
		&run.Failed,
		&run.Skipped,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs newest first with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, plan_id, policy, status, environments, started_at, completed_at,
		       total, succeeded, failed, skipped, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		err := rows.Scan(
			&run.ID,
			&run.PlanID,
			&run.Policy,
			&run.Status,
			&run.Environments,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Total,
			&run.Succeeded,
			&run.Failed,
			&run.Skipped,
			&run.CreatedAt,
			&run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

// SaveOutcome upserts a unit outcome for a run.
func (s *SQLiteStore) SaveOutcome(ctx context.Context, outcome *OutcomeRecord) error {
	query := `
		INSERT INTO outcomes (run_id, unit_id, kind, environment, status, attempts, last_error, verify_status, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, unit_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			verify_status = excluded.verify_status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`

	_, err := s.db.ExecContext(ctx, query,
		outcome.RunID,
		outcome.UnitID,
		outcome.Kind,
		outcome.Environment,
		outcome.Status,
		outcome.Attempts,
		outcome.LastError,
		outcome.VerifyStatus,
		outcome.StartedAt,
		outcome.FinishedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}

	return nil
}

// ListOutcomes lists the outcomes for a run in insertion order.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]*OutcomeRecord, error) {
	query := `
		SELECT id, run_id, unit_id, kind, environment, status, attempts, last_error, verify_status, started_at, finished_at, created_at
		FROM outcomes
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []*OutcomeRecord{}
	for rows.Next() {
		outcome := &OutcomeRecord{}
		err := rows.Scan(
			&outcome.ID,
			&outcome.RunID,
			&outcome.UnitID,
			&outcome.Kind,
			&outcome.Environment,
			&outcome.Status,
			&outcome.Attempts,
			&outcome.LastError,
			&outcome.VerifyStatus,
			&outcome.StartedAt,
			&outcome.FinishedAt,
			&outcome.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		outcomes = append(outcomes, outcome)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outcomes: %w", err)
	}

	return outcomes, nil
}

// AppendEvent appends a progress event to a run.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (run_id, unit_id, type, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.UnitID,
		event.Type,
		event.Message,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}
