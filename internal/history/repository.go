package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for run journal persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Create inserts a new run in the starting state.
	// Returns ErrRunExists if a run with the same ID already exists.
	Create(ctx context.Context, run *Run) error

	// MarkStarted records the PID and start time once the OS process is up.
	// Returns ErrRunNotFound if the run does not exist.
	MarkStarted(ctx context.Context, id string, pid int, at time.Time) error

	// MarkExited records the final exit code and transition to terminated.
	// Returns ErrRunNotFound if the run does not exist.
	MarkExited(ctx context.Context, id string, exitCode int, at time.Time) error

	// MarkLaunchFailed records a run whose process never came up.
	// Returns ErrRunNotFound if the run does not exist.
	MarkLaunchFailed(ctx context.Context, id string, reason string, at time.Time) error

	// MarkAbandoned finalizes a run left active by a previous daemon
	// instance. The exit status was never observed, so the run
	// terminates without an exit code.
	// Returns ErrRunNotFound if the run does not exist.
	MarkAbandoned(ctx context.Context, id string, at time.Time) error

	// GetByID retrieves a run by its unique identifier.
	// Returns ErrRunNotFound if the run does not exist.
	GetByID(ctx context.Context, id string) (*Run, error)

	// List retrieves the most recent runs, newest first.
	// A limit of 0 means no limit.
	List(ctx context.Context, limit int) ([]Run, error)

	// ListActive retrieves runs that have not yet terminated.
	ListActive(ctx context.Context) ([]Run, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const runColumns = `id, name, command, dir, pid, state, exit_code, error,
		created_at, started_at, exited_at`

// Create inserts a new run in the starting state.
func (r *SQLiteRepository) Create(ctx context.Context, run *Run) error {
	commandJSON, err := json.Marshal(run.Command)
	if err != nil {
		return fmt.Errorf("marshalling command: %w", err)
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.State == "" {
		run.State = "starting"
	}

	query := `
		INSERT INTO process_runs (id, name, command, dir, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.Name,
		string(commandJSON),
		run.Dir,
		run.State,
		run.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRunExists
		}
		return fmt.Errorf("inserting run: %w", err)
	}

	return nil
}

// MarkStarted records the PID and start time once the OS process is up.
func (r *SQLiteRepository) MarkStarted(ctx context.Context, id string, pid int, at time.Time) error {
	query := `
		UPDATE process_runs
		SET pid = ?, state = 'running', started_at = ?
		WHERE id = ?`

	return r.exec(ctx, query, pid, at.UTC().Format(time.RFC3339), id)
}

// MarkExited records the final exit code and transition to terminated.
func (r *SQLiteRepository) MarkExited(ctx context.Context, id string, exitCode int, at time.Time) error {
	query := `
		UPDATE process_runs
		SET state = 'terminated', exit_code = ?, exited_at = ?
		WHERE id = ?`

	return r.exec(ctx, query, exitCode, at.UTC().Format(time.RFC3339), id)
}

// MarkLaunchFailed records a run whose process never came up.
func (r *SQLiteRepository) MarkLaunchFailed(ctx context.Context, id string, reason string, at time.Time) error {
	query := `
		UPDATE process_runs
		SET state = 'terminated', error = ?, exited_at = ?
		WHERE id = ?`

	return r.exec(ctx, query, reason, at.UTC().Format(time.RFC3339), id)
}

// MarkAbandoned finalizes a run left active by a previous daemon instance.
// The process is gone but its exit was never observed, so the run keeps a
// NULL exit code.
func (r *SQLiteRepository) MarkAbandoned(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE process_runs
		SET state = 'terminated', error = 'daemon stopped while run was active', exited_at = ?
		WHERE id = ?`

	return r.exec(ctx, query, at.UTC().Format(time.RFC3339), id)
}

// GetByID retrieves a run by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM process_runs WHERE id = ?`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("querying run by id: %w", err)
	}
	return run, nil
}

// List retrieves the most recent runs, newest first.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM process_runs ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryRuns(ctx, query, args...)
}

// ListActive retrieves runs that have not yet terminated.
func (r *SQLiteRepository) ListActive(ctx context.Context) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM process_runs
		WHERE state != 'terminated'
		ORDER BY created_at DESC, id DESC`
	return r.queryRuns(ctx, query)
}

// exec runs an UPDATE and maps zero affected rows to ErrRunNotFound.
func (r *SQLiteRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRunNotFound
	}

	return nil
}

// queryRuns executes a query and returns a slice of runs.
func (r *SQLiteRepository) queryRuns(ctx context.Context, query string, args ...any) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}

	return runs, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun scans a row or rows result into a Run.
func scanRun(scanner rowScanner) (*Run, error) {
	var run Run
	var commandJSON string
	var pid sql.NullInt64
	var exitCode sql.NullInt64
	var errMsg sql.NullString
	var createdAt string
	var startedAt, exitedAt sql.NullString

	err := scanner.Scan(
		&run.ID,
		&run.Name,
		&commandJSON,
		&run.Dir,
		&pid,
		&run.State,
		&exitCode,
		&errMsg,
		&createdAt,
		&startedAt,
		&exitedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(commandJSON), &run.Command); err != nil {
		return nil, fmt.Errorf("unmarshalling command: %w", err)
	}

	if pid.Valid {
		run.PID = int(pid.Int64)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}

	run.CreatedAt, err = parseTimestamp(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if startedAt.Valid {
		t, err := parseTimestamp(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		run.StartedAt = &t
	}
	if exitedAt.Valid {
		t, err := parseTimestamp(exitedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing exited_at: %w", err)
		}
		run.ExitedAt = &t
	}

	return &run, nil
}

// parseTimestamp accepts RFC3339 and SQLite's default datetime format.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
