package adaptive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/adaptive-crawler/internal/clock/system"
	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/digest"
	"github.com/JakeFAU/adaptive-crawler/internal/metrics"
	"github.com/JakeFAU/adaptive-crawler/internal/progress"
	"github.com/JakeFAU/adaptive-crawler/internal/telemetry"
)

// ErrSuperseded is returned when a task record was recreated or closed by
// someone else while a run was still draining its frontier.
var ErrSuperseded = errors.New("task superseded")

const cacheContentType = "application/json"

// runState identifies one generation of a task. Records are keyed by digest, so
// CreatedAt distinguishes a run from the run that replaces it after TTL expiry.
type runState struct {
	taskID    string
	token     string
	meta      crawler.CrawlRequestMeta
	createdAt time.Time
}

func newRunState(item crawler.QueueItem) runState {
	return runState{
		taskID:    item.TaskID,
		token:     item.Token,
		meta:      item.Meta,
		createdAt: time.Unix(0, item.Submitted).UTC(),
	}
}

func (r runState) owns(task *crawler.Task) error {
	if !task.CreatedAt.Equal(r.createdAt) {
		return fmt.Errorf("task %s: %w", r.taskID, ErrSuperseded)
	}
	return nil
}

// Executor drains a task's frontier in windows and records the outcome of each URL.
type Executor struct {
	store    crawler.TaskStore
	fetcher  crawler.PageFetcher
	blobs    crawler.BlobStore
	hasher   crawler.Hasher
	limiter  crawler.RateLimiter
	expander *Expander
	emitter  progress.Emitter
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// ExecutorDeps groups the collaborators of an Executor. Limiter, Expander and
// Emitter are optional.
type ExecutorDeps struct {
	Store    crawler.TaskStore
	Fetcher  crawler.PageFetcher
	Blobs    crawler.BlobStore
	Hasher   crawler.Hasher
	Limiter  crawler.RateLimiter
	Expander *Expander
	Emitter  progress.Emitter
	Clock    crawler.Clock
}

// NewExecutor constructs an Executor.
func NewExecutor(deps ExecutorDeps, cfg Config, logger *zap.Logger) *Executor {
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
	return &Executor{
		store:    deps.Store,
		fetcher:  deps.Fetcher,
		blobs:    deps.Blobs,
		hasher:   deps.Hasher,
		limiter:  deps.Limiter,
		expander: deps.Expander,
		emitter:  emitter,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Run processes the frontier of item until it is empty and marks the task
// COMPLETED. Fatal errors mark the task ERROR and are returned. A superseded run
// stops quietly and returns ErrSuperseded.
func (e *Executor) Run(ctx context.Context, item crawler.QueueItem) error {
	ctx, span := telemetry.Tracer().Start(ctx, "adaptive.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", item.TaskID),
		attribute.Int("task.max_pages", item.Meta.MaxPages),
		attribute.Bool("task.use_sitemap", item.Meta.UseSitemap),
	)

	r := newRunState(item)
	started := e.clock.Now()
	e.emitter.Emit(progress.Event{TaskID: r.taskID, Stage: progress.StageTaskSeeded, Total: len(item.URLs)})

	work := newWorkQueue(item.URLs)
	for {
		window := work.take(e.cfg.WindowSize)
		if len(window) == 0 {
			break
		}
		var g errgroup.Group
		for _, url := range window {
			g.Go(func() error {
				return e.crawlURL(ctx, r, url, work)
			})
		}
		if err := g.Wait(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return e.fail(ctx, r, started, err)
		}
	}
	if err := e.complete(ctx, r, started); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.fail(ctx, r, started, err)
	}
	return nil
}

// crawlURL fetches one frontier URL and settles it. Only store failures and
// cancellation are returned; everything else is recorded against the URL.
func (e *Executor) crawlURL(ctx context.Context, r runState, url string, work *workQueue) error {
	ctx, span := telemetry.Tracer().Start(ctx, "adaptive.crawlURL")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	started := e.clock.Now()
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, url); err != nil {
			return fmt.Errorf("rate limit %s: %w", url, err)
		}
	}

	recursive := r.meta.Recursive() && e.expander != nil
	page, err := e.fetcher.Fetch(ctx, crawler.FetchRequest{
		TaskID:       r.taskID,
		URL:          url,
		Token:        r.token,
		LinksSummary: recursive,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("fetch %s: %w", url, ctx.Err())
		}
		span.RecordError(err)
		return e.settleFailed(ctx, r, url, err.Error(), started)
	}

	uri, size, err := e.cache(ctx, r, url, page)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("cache %s: %w", url, ctx.Err())
		}
		e.logger.Error("cache write failed", zap.String("task_id", r.taskID), zap.String("url", url), zap.Error(err))
		return e.settleFailed(ctx, r, url, fmt.Sprintf("Failed to cache %s, %v", url, err), started)
	}
	if err := e.settleProcessed(ctx, r, url, uri, size, started); err != nil {
		return err
	}

	if !recursive {
		return nil
	}
	added, err := e.expander.Expand(ctx, r, page, work.push)
	switch {
	case errors.Is(err, ErrRerank):
		e.logger.Warn("expansion skipped", zap.String("task_id", r.taskID), zap.String("url", url), zap.Error(err))
		e.emitter.Emit(progress.Event{
			TaskID: r.taskID,
			Stage:  progress.StageRerankError,
			Site:   metrics.SanitizeSite(url),
			URL:    url,
			Note:   err.Error(),
		})
		return nil
	case err != nil:
		return fmt.Errorf("expand %s: %w", url, err)
	}
	if len(added) > 0 {
		e.emitter.Emit(progress.Event{
			TaskID: r.taskID,
			Stage:  progress.StageExpand,
			Site:   metrics.SanitizeSite(url),
			URL:    url,
			Count:  len(added),
		})
	}
	return nil
}

func (e *Executor) cache(ctx context.Context, r runState, url string, page crawler.Page) (string, int, error) {
	payload := []byte(page.Raw)
	if len(payload) == 0 {
		var err error
		payload, err = json.Marshal(map[string]crawler.Page{"data": page})
		if err != nil {
			return "", 0, fmt.Errorf("marshal page: %w", err)
		}
	}
	path, err := digest.CachePath(e.hasher, e.cfg.BlobPrefix, r.taskID, url)
	if err != nil {
		return "", 0, err
	}
	uri, err := e.blobs.PutObject(ctx, path, cacheContentType, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("put object: %w", err)
	}
	return uri, len(payload), nil
}

func (e *Executor) settleProcessed(
	ctx context.Context,
	r runState,
	url, uri string,
	size int,
	started time.Time,
) error {
	settled, total, err := e.settle(ctx, r, func(task *crawler.Task) {
		task.Processed[url] = uri
	})
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", url, err)
	}
	site := metrics.SanitizeSite(url)
	metrics.ObservePage(site, "processed", size)
	e.emitter.Emit(progress.Event{
		TaskID: r.taskID,
		Stage:  progress.StagePageDone,
		Site:   site,
		URL:    url,
		Bytes:  int64(size),
		Count:  settled,
		Total:  total,
		Dur:    e.clock.Now().Sub(started),
	})
	return nil
}

func (e *Executor) settleFailed(ctx context.Context, r runState, url, reason string, started time.Time) error {
	settled, total, err := e.settle(ctx, r, func(task *crawler.Task) {
		task.Failed[url] = reason
	})
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", url, err)
	}
	e.logger.Info("page failed", zap.String("task_id", r.taskID), zap.String("url", url), zap.String("reason", reason))
	site := metrics.SanitizeSite(url)
	metrics.ObservePage(site, "failed", 0)
	e.emitter.Emit(progress.Event{
		TaskID: r.taskID,
		Stage:  progress.StagePageFailed,
		Site:   site,
		URL:    url,
		Count:  settled,
		Total:  total,
		Dur:    e.clock.Now().Sub(started),
		Note:   reason,
	})
	return nil
}

// settle applies record inside a transaction and refreshes the progress text.
func (e *Executor) settle(ctx context.Context, r runState, record func(task *crawler.Task)) (int, int, error) {
	var settled, total int
	err := e.store.Transact(ctx, r.taskID, func(task *crawler.Task) (bool, error) {
		if err := r.owns(task); err != nil {
			return false, err
		}
		if task.Status.Terminal() {
			return false, fmt.Errorf("task %s is %s: %w", r.taskID, task.Status, ErrSuperseded)
		}
		if task.Processed == nil {
			task.Processed = map[string]string{}
		}
		if task.Failed == nil {
			task.Failed = map[string]string{}
		}
		record(task)
		settled, total = task.Settled(), len(task.URLs)
		task.StatusText = fmt.Sprintf("Processing %d/%d", settled, total)
		return true, nil
	})
	return settled, total, err
}

func (e *Executor) complete(ctx context.Context, r runState, started time.Time) error {
	var processed, total int
	err := e.store.Transact(ctx, r.taskID, func(task *crawler.Task) (bool, error) {
		if err := r.owns(task); err != nil {
			return false, err
		}
		if task.Status.Terminal() {
			return false, fmt.Errorf("task %s is %s: %w", r.taskID, task.Status, ErrSuperseded)
		}
		processed, total = len(task.Processed), len(task.URLs)
		task.Status = crawler.TaskStatusCompleted
		task.StatusText = fmt.Sprintf("Completed %d/%d", processed, total)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("complete task %s: %w", r.taskID, err)
	}
	metrics.ObserveTask(string(crawler.TaskStatusCompleted))
	e.emitter.Emit(progress.Event{
		TaskID: r.taskID,
		Stage:  progress.StageTaskDone,
		Count:  processed,
		Total:  total,
		Dur:    e.clock.Now().Sub(started),
	})
	e.logger.Info("task completed",
		zap.String("task_id", r.taskID),
		zap.Int("processed", processed),
		zap.Int("urls", total),
	)
	return nil
}

// fail moves the task to ERROR unless the run was superseded. The store write
// ignores cancellation of ctx so an interrupted run still leaves a terminal record.
func (e *Executor) fail(ctx context.Context, r runState, started time.Time, cause error) error {
	if errors.Is(cause, ErrSuperseded) {
		e.logger.Info("run superseded", zap.String("task_id", r.taskID), zap.Error(cause))
		return cause
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := e.store.Transact(writeCtx, r.taskID, func(task *crawler.Task) (bool, error) {
		if r.owns(task) != nil || task.Status.Terminal() {
			return false, nil
		}
		task.Status = crawler.TaskStatusError
		task.StatusText = cause.Error()
		return true, nil
	})
	if err != nil {
		e.logger.Error("mark task error failed", zap.String("task_id", r.taskID), zap.Error(err))
	}
	metrics.ObserveTask(string(crawler.TaskStatusError))
	e.emitter.Emit(progress.Event{
		TaskID: r.taskID,
		Stage:  progress.StageTaskError,
		Dur:    e.clock.Now().Sub(started),
		Note:   cause.Error(),
	})
	e.logger.Error("task failed", zap.String("task_id", r.taskID), zap.Error(cause))
	return cause
}

// workQueue is the FIFO of frontier URLs still to be fetched by a run.
type workQueue struct {
	mu    sync.Mutex
	items []string
}

func newWorkQueue(urls []string) *workQueue {
	return &workQueue{items: append([]string(nil), urls...)}
}

func (q *workQueue) push(url string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, url)
}

func (q *workQueue) take(n int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	n = min(n, len(q.items))
	window := append([]string(nil), q.items[:n]...)
	q.items = q.items[n:]
	return window
}
