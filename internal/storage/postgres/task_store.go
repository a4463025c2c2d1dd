// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const maxTxAttempts = 3

// TaskStoreConfig controls the Postgres connection pool used for task rows.
type TaskStoreConfig struct {
	DSN             string
	Table           string
	TTL             time.Duration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// TaskStore keeps adaptive crawl tasks in a single Postgres table. Frontier
// transactions lock the row with SELECT ... FOR UPDATE.
type TaskStore struct {
	pool  pool
	table string
	ttl   time.Duration
}

// NewTaskStore connects to Postgres using the provided config.
func NewTaskStore(ctx context.Context, cfg TaskStoreConfig) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("task_store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewTaskStoreWithPool(p, cfg.Table, cfg.TTL)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(p pool, table string, ttl time.Duration) (*TaskStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "adaptive_crawl_tasks"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TaskStore{pool: p, table: table, ttl: ttl}, nil
}

// EnsureSchema creates the task table when it does not exist.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	status_text TEXT NOT NULL DEFAULT '',
	meta        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	urls        JSONB NOT NULL DEFAULT '[]'::jsonb,
	processed   JSONB NOT NULL DEFAULT '{}'::jsonb,
	failed      JSONB NOT NULL DEFAULT '{}'::jsonb
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create task table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// GetTask loads a task by digest.
func (s *TaskStore) GetTask(ctx context.Context, id string) (crawler.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectColumns, s.table)
	task, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Task{}, fmt.Errorf("get task %s: %w", id, crawler.ErrTaskNotFound)
		}
		return crawler.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// CreateTask inserts the task, replacing an existing record only when it has outlived the TTL.
func (s *TaskStore) CreateTask(ctx context.Context, task crawler.Task) error {
	row, err := encodeTask(task)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, status, status_text, meta, created_at, updated_at, urls, processed, failed)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	status_text = EXCLUDED.status_text,
	meta = EXCLUDED.meta,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at,
	urls = EXCLUDED.urls,
	processed = EXCLUDED.processed,
	failed = EXCLUDED.failed
WHERE %[1]s.created_at <= $10`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		task.ID,
		string(task.Status),
		task.StatusText,
		row.meta,
		task.CreatedAt,
		task.UpdatedAt,
		row.urls,
		row.processed,
		row.failed,
		task.CreatedAt.Add(-s.ttl),
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create task %s: %w", task.ID, crawler.ErrTaskExists)
	}
	return nil
}

// UpdateTask applies a non-transactional patch. Nil fields keep their stored value.
func (s *TaskStore) UpdateTask(ctx context.Context, id string, patch crawler.TaskPatch) error {
	var (
		status *string
		meta   []byte
		urls   []byte
		err    error
	)
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}
	if patch.Meta != nil {
		if meta, err = json.Marshal(patch.Meta); err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
	}
	if patch.URLs != nil {
		if urls, err = json.Marshal(patch.URLs); err != nil {
			return fmt.Errorf("marshal urls: %w", err)
		}
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = COALESCE($2::text, status),
	status_text = COALESCE($3::text, status_text),
	meta = COALESCE($4::jsonb, meta),
	urls = COALESCE($5::jsonb, urls),
	updated_at = $6
WHERE id = $1`, s.table)

	tag, err := s.pool.Exec(ctx, query, id, status, patch.StatusText, meta, urls, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task %s: %w", id, crawler.ErrTaskNotFound)
	}
	return nil
}

// Transact runs fn against a row locked for update and writes the result back when fn commits.
// Serialization failures and deadlocks are retried a bounded number of times.
func (s *TaskStore) Transact(ctx context.Context, id string, fn func(task *crawler.Task) (bool, error)) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.transactOnce(ctx, id, fn)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func (s *TaskStore) transactOnce(ctx context.Context, id string, fn func(task *crawler.Task) (bool, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, selectColumns, s.table)
	task, err := scanTask(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("transact task %s: %w", id, crawler.ErrTaskNotFound)
		}
		return fmt.Errorf("lock task %s: %w", id, err)
	}

	commit, err := fn(&task)
	if err != nil {
		return err
	}
	if !commit {
		return nil
	}

	task.UpdatedAt = time.Now().UTC()
	row, err := encodeTask(task)
	if err != nil {
		return err
	}
	update := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	status_text = $3,
	meta = $4,
	updated_at = $5,
	urls = $6,
	processed = $7,
	failed = $8
WHERE id = $1`, s.table)
	if _, err := tx.Exec(ctx, update,
		id,
		string(task.Status),
		task.StatusText,
		row.meta,
		task.UpdatedAt,
		row.urls,
		row.processed,
		row.failed,
	); err != nil {
		return fmt.Errorf("write task %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit task %s: %w", id, err)
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

const selectColumns = `id, status, status_text, meta, created_at, updated_at, urls, processed, failed`

type encodedTask struct {
	meta      []byte
	urls      []byte
	processed []byte
	failed    []byte
}

func encodeTask(task crawler.Task) (encodedTask, error) {
	var (
		row encodedTask
		err error
	)
	if row.meta, err = json.Marshal(task.Meta); err != nil {
		return row, fmt.Errorf("marshal meta: %w", err)
	}
	urls := task.URLs
	if urls == nil {
		urls = []string{}
	}
	if row.urls, err = json.Marshal(urls); err != nil {
		return row, fmt.Errorf("marshal urls: %w", err)
	}
	if row.processed, err = marshalMap(task.Processed); err != nil {
		return row, fmt.Errorf("marshal processed: %w", err)
	}
	if row.failed, err = marshalMap(task.Failed); err != nil {
		return row, fmt.Errorf("marshal failed: %w", err)
	}
	return row, nil
}

func marshalMap(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func scanTask(row pgx.Row) (crawler.Task, error) {
	var (
		task                               crawler.Task
		status                             string
		meta, urls, processed, failedBytes []byte
	)
	if err := row.Scan(
		&task.ID,
		&status,
		&task.StatusText,
		&meta,
		&task.CreatedAt,
		&task.UpdatedAt,
		&urls,
		&processed,
		&failedBytes,
	); err != nil {
		return crawler.Task{}, err
	}
	task.Status = crawler.TaskStatus(status)
	if err := json.Unmarshal(meta, &task.Meta); err != nil {
		return crawler.Task{}, fmt.Errorf("decode meta: %w", err)
	}
	if err := json.Unmarshal(urls, &task.URLs); err != nil {
		return crawler.Task{}, fmt.Errorf("decode urls: %w", err)
	}
	if err := json.Unmarshal(processed, &task.Processed); err != nil {
		return crawler.Task{}, fmt.Errorf("decode processed: %w", err)
	}
	if err := json.Unmarshal(failedBytes, &task.Failed); err != nil {
		return crawler.Task{}, fmt.Errorf("decode failed: %w", err)
	}
	return task.Clone(), nil
}
