package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// TaskStore provides an in-memory implementation for development/testing.
// A single mutex serializes every read-modify-write, which makes Transact
// linearizable across goroutines.
type TaskStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	tasks map[string]crawler.Task
}

// NewTaskStore constructs a TaskStore. Records older than ttl may be overwritten by CreateTask.
func NewTaskStore(ttl time.Duration) *TaskStore {
	return &TaskStore{
		ttl:   ttl,
		tasks: make(map[string]crawler.Task),
	}
}

// GetTask fetches a copy of the task by ID.
func (s *TaskStore) GetTask(_ context.Context, id string) (crawler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return crawler.Task{}, fmt.Errorf("get task %s: %w", id, crawler.ErrTaskNotFound)
	}
	return task.Clone(), nil
}

// CreateTask stores a new task, replacing a stale record with the same ID.
func (s *TaskStore) CreateTask(_ context.Context, task crawler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, exists := s.tasks[task.ID]; exists && !existing.Stale(task.CreatedAt, s.ttl) {
		return fmt.Errorf("create task %s: %w", task.ID, crawler.ErrTaskExists)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// UpdateTask applies a partial update without transactional guarantees beyond the store lock.
func (s *TaskStore) UpdateTask(_ context.Context, id string, patch crawler.TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("update task %s: %w", id, crawler.ErrTaskNotFound)
	}
	patch.Apply(&task)
	task.UpdatedAt = time.Now().UTC()
	s.tasks[id] = task
	return nil
}

// Transact runs fn against a copy of the record while holding the store lock.
func (s *TaskStore) Transact(_ context.Context, id string, fn func(task *crawler.Task) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("transact task %s: %w", id, crawler.ErrTaskNotFound)
	}
	working := current.Clone()
	commit, err := fn(&working)
	if err != nil {
		return err
	}
	if !commit {
		return nil
	}
	working.ID = id
	working.UpdatedAt = time.Now().UTC()
	s.tasks[id] = working
	return nil
}
