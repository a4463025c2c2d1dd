package adaptive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/clock/system"
	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/digest"
	"github.com/JakeFAU/adaptive-crawler/internal/metrics"
	"github.com/JakeFAU/adaptive-crawler/internal/progress"
	"github.com/JakeFAU/adaptive-crawler/internal/telemetry"
)

// Enqueuer hands accepted runs to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// SubmitRequest is one crawl submission as received from a client.
type SubmitRequest struct {
	URL        string
	UseSitemap bool
	MaxPages   int
	// Token is passed through to the page fetch service as a bearer token.
	Token string
}

// SubmitResult identifies the task serving a submission.
type SubmitResult struct {
	TaskID string `json:"taskId"`
	// Cached is true when a fresh task already existed for the same request.
	Cached bool `json:"-"`
}

// ServiceDeps groups the collaborators of a Service.
type ServiceDeps struct {
	Store     crawler.TaskStore
	Blobs     crawler.BlobStore
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Seeder    *Seeder
	Executor  *Executor
	Queue     Enqueuer
	Publisher crawler.Publisher
	Emitter   progress.Emitter
}

// Service accepts crawl submissions, runs them through the worker pool and
// reports task status.
type Service struct {
	store     crawler.TaskStore
	blobs     crawler.BlobStore
	hasher    crawler.Hasher
	clock     crawler.Clock
	seeder    *Seeder
	executor  *Executor
	queue     Enqueuer
	publisher crawler.Publisher
	emitter   progress.Emitter
	cfg       Config
	logger    *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	submitted int64
	done      chan struct{}
	err       error
}

// NewService constructs a Service. CacheTTL must be positive.
func NewService(deps ServiceDeps, cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.CacheTTL <= 0 {
		return nil, errors.New("cache ttl must be positive")
	}
	if deps.Store == nil || deps.Seeder == nil || deps.Executor == nil || deps.Queue == nil {
		return nil, errors.New("store, seeder, executor and queue are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = progress.Nop{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = system.New()
	}
	return &Service{
		store:     deps.Store,
		blobs:     deps.Blobs,
		hasher:    deps.Hasher,
		clock:     clock,
		seeder:    deps.Seeder,
		executor:  deps.Executor,
		queue:     deps.Queue,
		publisher: deps.Publisher,
		emitter:   emitter,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		runs:      make(map[string]*run),
	}, nil
}

// Submit returns the id of the task serving req. A fresh task for the same
// request is reused; otherwise a new task is created, seeded and queued. The
// crawl itself proceeds in the background.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "adaptive.Submit")
	defer span.End()

	target, err := crawler.ParseTargetURL(req.URL)
	if err != nil {
		return SubmitResult{}, err
	}
	meta := crawler.CrawlRequestMeta{
		TargetURL:  target,
		UseSitemap: req.UseSitemap,
		MaxPages:   s.cfg.clampMaxPages(req.MaxPages),
	}
	id, err := digest.ForMeta(s.hasher, meta)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("digest: %w", err)
	}
	span.SetAttributes(attribute.String("task.id", id), attribute.String("task.target_url", target))

	// Stores keep microsecond precision at best; the run compares CreatedAt by value.
	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	existing, err := s.store.GetTask(ctx, id)
	switch {
	case err == nil && !existing.Stale(now, s.cfg.CacheTTL):
		return s.cacheHit(id, existing), nil
	case err == nil:
		metrics.ObserveCacheLookup("stale")
		s.logger.Info("cache expired", zap.String("task_id", id), zap.Time("created_at", existing.CreatedAt))
	case errors.Is(err, crawler.ErrTaskNotFound):
		metrics.ObserveCacheLookup("miss")
	default:
		return SubmitResult{}, fmt.Errorf("lookup task: %w", err)
	}

	task := crawler.NewTask(id, meta, now)
	if err := s.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, crawler.ErrTaskExists) {
			return s.cacheHit(id, task), nil
		}
		return SubmitResult{}, fmt.Errorf("create task: %w", err)
	}
	metrics.ObserveTask(string(crawler.TaskStatusPending))
	s.emitter.Emit(progress.Event{TaskID: id, Stage: progress.StageTaskSubmit})
	s.register(id, now.UnixNano())

	seededMeta, urls, err := s.seeder.Seed(ctx, task)
	if err != nil {
		s.abort(ctx, id, now, err)
		return SubmitResult{}, err
	}
	item := crawler.QueueItem{
		TaskID:    id,
		Meta:      seededMeta,
		URLs:      urls,
		Token:     req.Token,
		Submitted: now.UnixNano(),
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		err = fmt.Errorf("enqueue task %s: %w", id, err)
		s.abort(ctx, id, now, err)
		return SubmitResult{}, err
	}
	s.logger.Info("task accepted",
		zap.String("task_id", id),
		zap.String("url", target),
		zap.Int("max_pages", meta.MaxPages),
		zap.Int("urls", len(urls)),
	)
	return SubmitResult{TaskID: id}, nil
}

func (s *Service) cacheHit(id string, task crawler.Task) SubmitResult {
	metrics.ObserveCacheLookup("hit")
	s.emitter.Emit(progress.Event{TaskID: id, Stage: progress.StageTaskCached})
	s.logger.Info("cache hit", zap.String("task_id", id), zap.Time("created_at", task.CreatedAt))
	return SubmitResult{TaskID: id, Cached: true}
}

// abort closes a task whose submission could not be queued.
func (s *Service) abort(ctx context.Context, id string, createdAt time.Time, cause error) {
	s.markError(ctx, runState{taskID: id, createdAt: createdAt}, cause)
	s.finish(id, createdAt.UnixNano(), cause)
}

// Abandon closes a queued run that will never execute, typically because the
// worker pool is shutting down. The task is marked ERROR unless it was already
// closed or replaced, and Wait callers are released with cause.
func (s *Service) Abandon(ctx context.Context, item crawler.QueueItem, cause error) {
	s.logger.Warn("abandoning queued task", zap.String("task_id", item.TaskID), zap.Error(cause))
	if s.markError(ctx, newRunState(item), cause) {
		s.publishCompletion(context.WithoutCancel(ctx), item.TaskID)
	}
	s.finish(item.TaskID, item.Submitted, cause)
}

// markError moves the run's task to ERROR and reports whether it did. Writes
// outlive ctx so that shutdown cannot leave the task PROCESSING.
func (s *Service) markError(ctx context.Context, r runState, cause error) bool {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	marked := false
	err := s.store.Transact(writeCtx, r.taskID, func(task *crawler.Task) (bool, error) {
		if r.owns(task) != nil || task.Status.Terminal() {
			return false, nil
		}
		task.Status = crawler.TaskStatusError
		task.StatusText = cause.Error()
		marked = true
		return true, nil
	})
	if err != nil {
		s.logger.Error("mark task error failed", zap.String("task_id", r.taskID), zap.Error(err))
		return false
	}
	if marked {
		metrics.ObserveTask(string(crawler.TaskStatusError))
		s.emitter.Emit(progress.Event{TaskID: r.taskID, Stage: progress.StageTaskError, Note: cause.Error()})
	}
	return marked
}

// Execute runs one queued task to completion, publishes the completion
// notification and releases any Wait callers. Workers call it.
func (s *Service) Execute(ctx context.Context, item crawler.QueueItem) error {
	err := s.executor.Run(ctx, item)
	if errors.Is(err, ErrSuperseded) {
		s.finish(item.TaskID, item.Submitted, err)
		return nil
	}
	s.publishCompletion(context.WithoutCancel(ctx), item.TaskID)
	s.finish(item.TaskID, item.Submitted, err)
	return err
}

// Wait blocks until the current run of id finishes and returns the task record.
// Tasks without an active run in this process return immediately.
func (s *Service) Wait(ctx context.Context, id string) (crawler.Task, error) {
	s.mu.Lock()
	r := s.runs[id]
	s.mu.Unlock()

	var runErr error
	if r != nil {
		select {
		case <-ctx.Done():
			return crawler.Task{}, fmt.Errorf("wait for task %s: %w", id, ctx.Err())
		case <-r.done:
			runErr = r.err
		}
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return crawler.Task{}, err
	}
	if runErr != nil && !errors.Is(runErr, ErrSuperseded) {
		return task, runErr
	}
	return task, nil
}

// Status returns the recorded state of a task. Cached payloads are attached for
// every url in includeURLs that was processed.
func (s *Service) Status(ctx context.Context, id string, includeURLs []string) (crawler.StatusReport, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return crawler.StatusReport{}, err
	}
	report := crawler.StatusReport{
		TaskID:     task.ID,
		Status:     task.Status,
		StatusText: task.StatusText,
		Meta:       task.Meta,
		CreatedAt:  task.CreatedAt,
		URLs:       task.URLs,
		Processed:  task.Processed,
		Failed:     task.Failed,
	}
	if len(includeURLs) == 0 || s.blobs == nil {
		return report, nil
	}
	for _, url := range includeURLs {
		if _, ok := task.Processed[url]; !ok {
			continue
		}
		path, err := digest.CachePath(s.hasher, s.cfg.BlobPrefix, task.ID, url)
		if err != nil {
			return crawler.StatusReport{}, fmt.Errorf("cache path: %w", err)
		}
		payload, err := s.blobs.GetObject(ctx, path)
		if errors.Is(err, crawler.ErrObjectNotFound) {
			s.logger.Debug("cached result missing", zap.String("task_id", id), zap.String("url", url))
			continue
		}
		if err != nil {
			s.logger.Warn("cached result unavailable", zap.String("task_id", id), zap.String("url", url), zap.Error(err))
			continue
		}
		if report.Results == nil {
			report.Results = make(map[string]json.RawMessage, len(includeURLs))
		}
		report.Results[url] = payload
	}
	return report, nil
}

func (s *Service) publishCompletion(ctx context.Context, id string) {
	if s.publisher == nil || s.cfg.CompletionTopic == "" {
		return
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		s.logger.Warn("completion lookup failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	if !task.Status.Terminal() {
		return
	}
	payload := map[string]any{
		"task_id":     task.ID,
		"status":      task.Status,
		"status_text": task.StatusText,
		"urls":        task.URLs,
		"processed":   task.Processed,
		"failed":      task.Failed,
		"timestamp":   s.clock.Now().UTC().Format(time.RFC3339),
	}
	msgID, err := s.publisher.Publish(ctx, s.cfg.CompletionTopic, payload)
	if err != nil {
		s.logger.Warn("completion publish failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	s.logger.Info("completion published", zap.String("task_id", id), zap.String("message_id", msgID))
}

func (s *Service) register(id string, submitted int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[id]; ok {
		prev.err = fmt.Errorf("task %s: %w", id, ErrSuperseded)
		close(prev.done)
	}
	s.runs[id] = &run{submitted: submitted, done: make(chan struct{})}
}

func (s *Service) finish(id string, submitted int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.submitted != submitted {
		return
	}
	r.err = err
	close(r.done)
	delete(s.runs, id)
}
