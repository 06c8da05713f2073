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

	"github.com/droverops/drover/pkg/engine"
	"github.com/droverops/drover/pkg/facts"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultFactsTTL bounds how long cached facts stay valid.
const DefaultFactsTTL = 24 * time.Hour

// sqliteTime is the datetime format SQLite's datetime() understands.
const sqliteTime = "2006-01-02 15:04:05"

// SQLiteStore records runs, task results and cached facts. It
// satisfies engine.Store, so the runner persists as it goes, and it
// serves the read side of `drover runs` and the facts cache.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	factsTTL time.Duration
}

// Config holds SQLite store configuration.
type Config struct {
	Path     string
	FactsTTL time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.FactsTTL == 0 {
		cfg.FactsTTL = DefaultFactsTTL
	}
	return &SQLiteStore{
		path:     cfg.Path,
		factsTTL: cfg.FactsTTL,
	}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection and enables WAL mode. The
// _pragma form applies on every pooled connection, not just the first.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; one pooled connection keeps host
	// goroutines from fighting over the write lock.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
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

// Migrate runs database migrations.
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

// SaveRun inserts a run record or updates its terminal state. The
// runner calls it once when a run starts and once when it finishes.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	summary := []byte("{}")
	if run.Summary != nil {
		encoded, err := json.Marshal(run.Summary)
		if err != nil {
			return fmt.Errorf("failed to encode run summary: %w", err)
		}
		summary = encoded
	}

	query := `
		INSERT INTO runs (id, playbook, status, check_mode, host_limit, started_at, completed_at, duration_ms, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			summary = excluded.summary
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Playbook,
		run.Status,
		run.CheckMode,
		run.Limit,
		run.StartedAt,
		run.CompletedAt,
		run.Duration.Milliseconds(),
		string(summary),
	)

	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by id. A unique id prefix is enough, so
// `drover runs show 3f2a` works without pasting the whole UUID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `
		SELECT id, playbook, status, check_mode, host_limit, started_at, completed_at, duration_ms, summary
		FROM runs
		WHERE id = ? OR id LIKE ? || '%'
		ORDER BY started_at DESC
		LIMIT 2
	`

	rows, err := s.db.QueryContext(ctx, query, id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}

	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("run not found: %s", id)
	case 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("run id %q is ambiguous", id)
	}
}

// ListRuns lists runs newest first with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error) {
	query := `
		SELECT id, playbook, status, check_mode, host_limit, started_at, completed_at, duration_ms, summary
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// DeleteRun deletes a run; its task results go with it.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
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

// PruneRuns deletes all but the newest keep runs and returns how many
// went.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	return result.RowsAffected()
}

func scanRuns(rows *sql.Rows) ([]*engine.Run, error) {
	runs := []*engine.Run{}
	for rows.Next() {
		run := &engine.Run{}
		var durationMS int64
		var summary string
		err := rows.Scan(
			&run.ID,
			&run.Playbook,
			&run.Status,
			&run.CheckMode,
			&run.Limit,
			&run.StartedAt,
			&run.CompletedAt,
			&durationMS,
			&summary,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		if summary != "" && summary != "{}" {
			if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
				return nil, fmt.Errorf("failed to decode run summary: %w", err)
			}
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// SaveStep appends one task result to a run's history.
func (s *SQLiteStore) SaveStep(ctx context.Context, step *engine.StepResult) error {
	data := []byte("{}")
	if len(step.Data) > 0 {
		encoded, err := json.Marshal(step.Data)
		if err != nil {
			return fmt.Errorf("failed to encode step data: %w", err)
		}
		data = encoded
	}

	query := `
		INSERT INTO task_results (run_id, host, play, task, module, status, changed, msg, error, data, handler, delegated, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		step.RunID,
		step.Host,
		step.Play,
		step.Task,
		step.Module,
		step.Status,
		step.Changed(),
		step.Msg,
		step.Err,
		string(data),
		step.Handler,
		step.Delegated,
		step.StartedAt,
		step.Duration.Milliseconds(),
	)

	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}

	return nil
}

// ListSteps returns a run's task results in execution order.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]*engine.StepResult, error) {
	query := `
		SELECT run_id, host, play, task, module, status, msg, error, data, handler, delegated, started_at, duration_ms
		FROM task_results
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []*engine.StepResult{}
	for rows.Next() {
		step := &engine.StepResult{}
		var durationMS int64
		var data string
		err := rows.Scan(
			&step.RunID,
			&step.Host,
			&step.Play,
			&step.Task,
			&step.Module,
			&step.Status,
			&step.Msg,
			&step.Err,
			&data,
			&step.Handler,
			&step.Delegated,
			&step.StartedAt,
			&durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		step.Duration = time.Duration(durationMS) * time.Millisecond
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &step.Data); err != nil {
				return nil, fmt.Errorf("failed to decode step data: %w", err)
			}
		}
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

// SaveFacts caches a host's collected facts under the system
// namespace, each with the store's TTL.
func (s *SQLiteStore) SaveFacts(ctx context.Context, host string, collected *facts.Facts) error {
	now := time.Now().UTC()
	expires := now.Add(s.factsTTL)

	query := `
		INSERT INTO facts (host, namespace, key, value, ttl_seconds, expires_at, updated_at)
		VALUES (?, 'system', ?, ?, ?, ?, ?)
		ON CONFLICT(host, namespace, key) DO UPDATE SET
			value = excluded.value,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	for key, value := range collected.Map() {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode fact %s: %w", key, err)
		}
		_, err = s.db.ExecContext(ctx, query,
			host,
			key,
			string(encoded),
			int(s.factsTTL.Seconds()),
			expires.Format(sqliteTime),
			now.Format(sqliteTime),
		)
		if err != nil {
			return fmt.Errorf("failed to save fact %s: %w", key, err)
		}
	}

	return nil
}

// HostFacts returns a host's unexpired cached facts.
func (s *SQLiteStore) HostFacts(ctx context.Context, host string) (map[string]any, error) {
	query := `
		SELECT key, value
		FROM facts
		WHERE host = ?
		  AND (expires_at IS NULL OR datetime(expires_at) > datetime('now'))
		ORDER BY key
	`

	rows, err := s.db.QueryContext(ctx, query, host)
	if err != nil {
		return nil, fmt.Errorf("failed to get facts: %w", err)
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var key, encoded string
		if err := rows.Scan(&key, &encoded); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(encoded), &value); err != nil {
			return nil, fmt.Errorf("failed to decode fact %s: %w", key, err)
		}
		out[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating facts: %w", err)
	}

	return out, nil
}

// PruneExpiredFacts deletes all expired facts.
func (s *SQLiteStore) PruneExpiredFacts(ctx context.Context) (int64, error) {
	query := `DELETE FROM facts WHERE expires_at IS NOT NULL AND datetime(expires_at) <= datetime('now')`

	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prune facts: %w", err)
	}

	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
