// Package sqlite persists adaptive crawl tasks in a single-file SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	status_text TEXT NOT NULL DEFAULT '',
	meta        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	urls        TEXT NOT NULL DEFAULT '[]',
	processed   TEXT NOT NULL DEFAULT '{}',
	failed      TEXT NOT NULL DEFAULT '{}'
)`

const selectColumns = `id, status, status_text, meta, created_at, updated_at, urls, processed, failed`

// TaskStore implements crawler.TaskStore on SQLite. A single connection plus a
// process-wide mutex serialize transactions.
type TaskStore struct {
	db  *sql.DB
	ttl time.Duration
	mu  sync.Mutex
}

// NewTaskStore opens (or creates) the database at path and initializes the schema.
func NewTaskStore(path string, ttl time.Duration) (*TaskStore, error) {
	if path == "" {
		return nil, fmt.Errorf("task_store.sqlite_path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection prevents lock conflicts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &TaskStore{db: db, ttl: ttl}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *TaskStore) initSchema() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

// GetTask loads a task by digest.
func (s *TaskStore) GetTask(ctx context.Context, id string) (crawler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawler.Task{}, fmt.Errorf("get task %s: %w", id, crawler.ErrTaskNotFound)
		}
		return crawler.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// CreateTask inserts the task, replacing an existing record only when it has outlived the TTL.
func (s *TaskStore) CreateTask(ctx context.Context, task crawler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := encodeTask(task)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, status_text, meta, created_at, updated_at, urls, processed, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			status_text = excluded.status_text,
			meta = excluded.meta,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			urls = excluded.urls,
			processed = excluded.processed,
			failed = excluded.failed
		WHERE tasks.created_at <= ?`,
		task.ID,
		string(task.Status),
		task.StatusText,
		enc.meta,
		task.CreatedAt.UnixNano(),
		task.UpdatedAt.UnixNano(),
		enc.urls,
		enc.processed,
		enc.failed,
		task.CreatedAt.Add(-s.ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("create task %s: %w", task.ID, crawler.ErrTaskExists)
	}
	return nil
}

// UpdateTask applies a non-transactional patch.
func (s *TaskStore) UpdateTask(ctx context.Context, id string, patch crawler.TaskPatch) error {
	return s.mutate(ctx, id, func(task *crawler.Task) (bool, error) {
		patch.Apply(task)
		return true, nil
	}, "update")
}

// Transact runs fn inside a write transaction and persists the mutated task when fn commits.
func (s *TaskStore) Transact(ctx context.Context, id string, fn func(task *crawler.Task) (bool, error)) error {
	return s.mutate(ctx, id, fn, "transact")
}

func (s *TaskStore) mutate(ctx context.Context, id string, fn func(task *crawler.Task) (bool, error), op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s task %s: %w", op, id, crawler.ErrTaskNotFound)
		}
		return fmt.Errorf("%s task %s: %w", op, id, err)
	}

	commit, err := fn(&task)
	if err != nil {
		return err
	}
	if !commit {
		return nil
	}
	task.UpdatedAt = time.Now().UTC()
	enc, err := encodeTask(task)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, status_text = ?, meta = ?, updated_at = ?, urls = ?, processed = ?, failed = ?
		WHERE id = ?`,
		string(task.Status),
		task.StatusText,
		enc.meta,
		task.UpdatedAt.UnixNano(),
		enc.urls,
		enc.processed,
		enc.failed,
		id,
	); err != nil {
		return fmt.Errorf("%s task %s: %w", op, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task %s: %w", id, err)
	}
	return nil
}

type encodedTask struct {
	meta      string
	urls      string
	processed string
	failed    string
}

func encodeTask(task crawler.Task) (encodedTask, error) {
	clone := task.Clone()
	meta, err := json.Marshal(clone.Meta)
	if err != nil {
		return encodedTask{}, fmt.Errorf("marshal meta: %w", err)
	}
	urls, err := json.Marshal(clone.URLs)
	if err != nil {
		return encodedTask{}, fmt.Errorf("marshal urls: %w", err)
	}
	processed, err := json.Marshal(clone.Processed)
	if err != nil {
		return encodedTask{}, fmt.Errorf("marshal processed: %w", err)
	}
	failed, err := json.Marshal(clone.Failed)
	if err != nil {
		return encodedTask{}, fmt.Errorf("marshal failed: %w", err)
	}
	return encodedTask{
		meta:      string(meta),
		urls:      string(urls),
		processed: string(processed),
		failed:    string(failed),
	}, nil
}

func scanTask(row *sql.Row) (crawler.Task, error) {
	var (
		task                             crawler.Task
		status                           string
		meta, urls, processed, failedRaw string
		created, updated                 int64
	)
	if err := row.Scan(&task.ID, &status, &task.StatusText, &meta, &created, &updated, &urls, &processed, &failedRaw); err != nil {
		return crawler.Task{}, err
	}
	task.Status = crawler.TaskStatus(status)
	task.CreatedAt = time.Unix(0, created).UTC()
	task.UpdatedAt = time.Unix(0, updated).UTC()
	if err := json.Unmarshal([]byte(meta), &task.Meta); err != nil {
		return crawler.Task{}, fmt.Errorf("decode meta: %w", err)
	}
	if err := json.Unmarshal([]byte(urls), &task.URLs); err != nil {
		return crawler.Task{}, fmt.Errorf("decode urls: %w", err)
	}
	if err := json.Unmarshal([]byte(processed), &task.Processed); err != nil {
		return crawler.Task{}, fmt.Errorf("decode processed: %w", err)
	}
	if err := json.Unmarshal([]byte(failedRaw), &task.Failed); err != nil {
		return crawler.Task{}, fmt.Errorf("decode failed: %w", err)
	}
	return task.Clone(), nil
}
