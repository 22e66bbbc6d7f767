package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openrestore/openrestore/pkg/restore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists restore run state in SQLite. It implements
// restore.Journal: every forward step and its compensating action is durable
// before the next step runs, so an operator can inspect or clean up a run
// that died mid-restore.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance, filling defaults for
// unset connection-pool settings.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

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

// Migrate runs the embedded schema migrations.
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

// BeginRun records the run header. Part of restore.Journal.
func (s *SQLiteStore) BeginRun(ctx context.Context, run *restore.RunRecord) error {
	query := `
		INSERT INTO restore_runs (id, instance_id, kind, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.InstanceID,
		string(run.Kind),
		RunStatusInProgress,
		run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// AppendStep records a completed forward step with its undo, encoded as JSON.
// Part of restore.Journal.
func (s *SQLiteStore) AppendStep(ctx context.Context, step *restore.StepRecord) error {
	var undo *string
	if step.Undo != nil {
		data, err := json.Marshal(step.Undo)
		if err != nil {
			return fmt.Errorf("failed to encode compensating action: %w", err)
		}
		encoded := string(data)
		undo = &encoded
	}

	query := `
		INSERT INTO restore_steps (run_id, seq, name, device, resource, undo, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		step.RunID,
		step.Seq,
		step.Name,
		nullable(step.Device),
		nullable(step.Resource),
		undo,
		step.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	return nil
}

// MarkNonReversible flags the run as past the irreversibility boundary.
// Part of restore.Journal.
func (s *SQLiteStore) MarkNonReversible(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE restore_runs SET non_reversible = 1 WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to mark run non-reversible: %w", err)
	}
	return requireRow(result, runID)
}

// RecordRollback persists the executed compensating actions of an unwind.
// Part of restore.Journal.
func (s *SQLiteStore) RecordRollback(ctx context.Context, runID string, outcome *restore.RollbackOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO rollback_actions (run_id, position, kind, description, succeeded, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	for i, action := range outcome.Actions {
		_, err := tx.ExecContext(ctx, query,
			runID,
			i,
			string(action.Kind),
			action.Description,
			action.Succeeded,
			nullable(action.Error),
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to record rollback action: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback record: %w", err)
	}
	return nil
}

// EndRun records the terminal status, report location, and error of the run.
// Part of restore.Journal.
func (s *SQLiteStore) EndRun(ctx context.Context, runID string, status restore.RunStatus, reportPath string, runErr error) error {
	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}

	query := `
		UPDATE restore_runs
		SET status = ?, report_path = ?, error = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(status),
		nullable(reportPath),
		errMsg,
		time.Now().UTC(),
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to record run end: %w", err)
	}
	return requireRow(result, runID)
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRow, error) {
	query := `
		SELECT id, instance_id, kind, status, non_reversible, report_path, error, started_at, completed_at
		FROM restore_runs
		WHERE id = ?
	`
	run := &RunRow{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.InstanceID,
		&run.Kind,
		&run.Status,
		&run.NonReversible,
		&run.ReportPath,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs most recent first, with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRow, error) {
	query := `
		SELECT id, instance_id, kind, status, non_reversible, report_path, error, started_at, completed_at
		FROM restore_runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRow{}
	for rows.Next() {
		run := &RunRow{}
		err := rows.Scan(
			&run.ID,
			&run.InstanceID,
			&run.Kind,
			&run.Status,
			&run.NonReversible,
			&run.ReportPath,
			&run.Error,
			&run.StartedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListSteps lists the recorded steps of a run in completion order.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]*StepRow, error) {
	query := `
		SELECT run_id, seq, name, device, resource, undo, completed_at
		FROM restore_steps
		WHERE run_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []*StepRow{}
	for rows.Next() {
		step := &StepRow{}
		err := rows.Scan(
			&step.RunID,
			&step.Seq,
			&step.Name,
			&step.Device,
			&step.Resource,
			&step.Undo,
			&step.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return steps, nil
}

// ListRollbackActions lists the executed compensating actions of a run.
func (s *SQLiteStore) ListRollbackActions(ctx context.Context, runID string) ([]*RollbackActionRow, error) {
	query := `
		SELECT id, run_id, position, kind, description, succeeded, error, executed_at
		FROM rollback_actions
		WHERE run_id = ?
		ORDER BY position ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback actions: %w", err)
	}
	defer rows.Close()

	actions := []*RollbackActionRow{}
	for rows.Next() {
		action := &RollbackActionRow{}
		err := rows.Scan(
			&action.ID,
			&action.RunID,
			&action.Position,
			&action.Kind,
			&action.Description,
			&action.Succeeded,
			&action.Error,
			&action.ExecutedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollback action: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollback actions: %w", err)
	}
	return actions, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func requireRow(result sql.Result, runID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}
