// Package taskstore persists task lifecycle records in PostgreSQL. The store
// is the second line of defense for lifecycle monotonicity: even a buggy or
// replayed status consumer cannot move a task backwards.
package taskstore

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/euglena-ai/euglena/pkg/config"
	"github.com/euglena-ai/euglena/pkg/contract"
)

//go:embed migrations
var migrationsFS embed.FS

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no task exists for the correlation id.
	ErrNotFound = errors.New("taskstore: task not found")

	// ErrStale indicates a status update older than the stored state.
	// Callers treat it as a no-op, not a failure.
	ErrStale = errors.New("taskstore: stale status update")
)

// Task is one persisted task lifecycle record.
type Task struct {
	CorrelationID string               `json:"correlation_id"`
	Mandate       string               `json:"mandate"`
	MaxTicks      int                  `json:"max_ticks"`
	State         contract.TaskState   `json:"state"`
	Tick          int                  `json:"tick"`
	Seq           uint64               `json:"seq"`
	Result        *contract.TaskResult `json:"result,omitempty"`
	Error         string               `json:"error,omitempty"`
	WorkerID      string               `json:"worker_id,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Store wraps the PostgreSQL connection pool.
type Store struct {
	db  *stdsql.DB
	log *slog.Logger
}

// Open connects, configures the pool, and applies pending migrations.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return NewFromDB(db), nil
}

// NewFromDB wraps an existing connection; the caller owns migrations.
// Useful for tests running against a prepared schema.
func NewFromDB(db *stdsql.DB) *Store {
	return &Store{db: db, log: slog.With("component", "taskstore")}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *stdsql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies pending migrations on db. Exposed for test setups that
// open their own connection.
func Migrate(db *stdsql.DB, databaseName string) error {
	return runMigrations(db, databaseName)
}

func runMigrations(db *stdsql.DB, databaseName string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, databaseName, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	// Close only the source driver: m.Close() would also close the shared DB.
	return sourceDriver.Close()
}

// CreateTask inserts a submitted record for the envelope. Re-submitting the
// same correlation id is a no-op; created reports whether a row was added.
func (s *Store) CreateTask(ctx context.Context, env *contract.TaskEnvelope) (created bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (correlation_id, mandate, max_ticks, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (correlation_id) DO NOTHING`,
		env.CorrelationID, env.Mandate, env.MaxTicks, contract.TaskSubmitted)
	if err != nil {
		return false, fmt.Errorf("inserting task %s: %w", env.CorrelationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetTask fetches one task record.
func (s *Store) GetTask(ctx context.Context, correlationID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT correlation_id, mandate, max_ticks, state, tick, seq, result,
		       error, worker_id, created_at, updated_at
		FROM tasks WHERE correlation_id = $1`, correlationID)
	return scanTask(row)
}

// ListRecent returns the most recently updated tasks, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, mandate, max_ticks, state, tick, seq, result,
		       error, worker_id, created_at, updated_at
		FROM tasks ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Claim moves a submitted task to accepted under the worker's id. It reports
// false for tasks already claimed or terminal, which is how redelivered
// broker messages are deduplicated.
func (s *Store) Claim(ctx context.Context, correlationID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = $3, worker_id = $2, updated_at = now()
		WHERE correlation_id = $1 AND state = $4`,
		correlationID, workerID, contract.TaskAccepted, contract.TaskSubmitted)
	if err != nil {
		return false, fmt.Errorf("claiming task %s: %w", correlationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// Distinguish "already claimed" from "never submitted".
	if _, err := s.GetTask(ctx, correlationID); err != nil {
		return false, err
	}
	return false, nil
}

// ApplyStatus folds one status envelope into the record. Stale envelopes,
// whether by sequence number or by lifecycle regression, return ErrStale and
// leave the row untouched.
func (s *Store) ApplyStatus(ctx context.Context, env *contract.StatusEnvelope) error {
	next, err := contract.MapStatusToTaskState(env.Type)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning status transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur contract.TaskState
	var seq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT state, seq FROM tasks WHERE correlation_id = $1 FOR UPDATE`,
		env.CorrelationID).Scan(&cur, &seq)
	if errors.Is(err, stdsql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, env.CorrelationID)
	}
	if err != nil {
		return fmt.Errorf("reading task %s: %w", env.CorrelationID, err)
	}

	if env.Seq <= seq {
		return fmt.Errorf("%w: seq %d <= %d", ErrStale, env.Seq, seq)
	}
	if terr := cur.CanTransition(next); terr != nil {
		return fmt.Errorf("%w: %v", ErrStale, terr)
	}

	var resultJSON any
	if env.Result != nil {
		b, merr := json.Marshal(env.Result)
		if merr != nil {
			return fmt.Errorf("marshaling result: %w", merr)
		}
		resultJSON = b
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET state = $2, tick = $3, seq = $4, result = COALESCE($5, result),
		    error = $6, updated_at = now()
		WHERE correlation_id = $1`,
		env.CorrelationID, next, env.Tick, env.Seq, resultJSON, env.Error)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", env.CorrelationID, err)
	}
	return tx.Commit()
}

// Orphans returns non-terminal claimed tasks whose last update is older than
// the cutoff. The broker redelivers their unacked envelopes on its own; this
// surfaces records stuck by a worker that died mid-task.
func (s *Store) Orphans(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, mandate, max_ticks, state, tick, seq, result,
		       error, worker_id, created_at, updated_at
		FROM tasks
		WHERE state IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC`,
		contract.TaskAccepted, contract.TaskInProgress, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scanning orphans: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FailOrphan marks an orphaned task as error. Only non-terminal states
// qualify, so a racing completion wins.
func (s *Store) FailOrphan(ctx context.Context, correlationID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = $2, error = $3, updated_at = now()
		WHERE correlation_id = $1 AND state IN ($4, $5)`,
		correlationID, contract.TaskError, reason,
		contract.TaskAccepted, contract.TaskInProgress)
	if err != nil {
		return false, fmt.Errorf("failing orphan %s: %w", correlationID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var result stdsql.NullString
	err := row.Scan(&t.CorrelationID, &t.Mandate, &t.MaxTicks, &t.State,
		&t.Tick, &t.Seq, &result, &t.Error, &t.WorkerID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	if result.Valid && result.String != "" {
		var r contract.TaskResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decoding result for %s: %w", t.CorrelationID, err)
		}
		t.Result = &r
	}
	return &t, nil
}
