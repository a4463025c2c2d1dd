// Package dispatcher manages worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/worker"
)

// ErrQueueFull is returned by Enqueue when the queue stays full for the whole enqueue timeout.
var ErrQueueFull = errors.New("task queue is full")

const (
	defaultEnqueueTimeout = 5 * time.Second
	drainPoll             = 50 * time.Millisecond
)

// Config sizes the worker pool.
type Config struct {
	Workers        int
	EnqueueTimeout time.Duration
}

// Dispatcher fans queued runs out to a pool of workers and bounds how long
// submitters wait for queue capacity.
type Dispatcher struct {
	queue  crawler.Queue
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher. At least one worker is always started.
func New(queue crawler.Queue, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: queue, cfg: cfg, logger: logger}
}

// Run starts the workers and blocks until every one of them has returned,
// which happens once ctx finishes or the queue is closed. Runs still queued
// when the workers stop are abandoned so no task is left waiting for a worker.
// Close the queue before cancelling ctx to make that drain complete.
func (d *Dispatcher) Run(ctx context.Context, runner worker.Runner) {
	var wg sync.WaitGroup
	for i := range d.cfg.Workers {
		w := worker.New(d.queue, runner, d.logger.Named("worker").With(zap.Int("index", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	d.logger.Info("workers started", zap.Int("workers", d.cfg.Workers))
	wg.Wait()
	d.logger.Info("workers stopped")
	d.drain(ctx, runner)
}

func (d *Dispatcher) drain(ctx context.Context, runner worker.Runner) {
	base := context.WithoutCancel(ctx)
	abandoned := 0
	for {
		pollCtx, cancel := context.WithTimeout(base, drainPoll)
		item, err := d.queue.Dequeue(pollCtx)
		cancel()
		if err != nil {
			break
		}
		runner.Abandon(base, item, worker.ErrShutdown)
		abandoned++
	}
	if abandoned > 0 {
		d.logger.Warn("abandoned queued tasks", zap.Int("tasks", abandoned))
	}
}

// Enqueue hands item to the queue, waiting at most the enqueue timeout for capacity.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	enqueueCtx, cancel := context.WithTimeout(ctx, d.cfg.EnqueueTimeout)
	defer cancel()
	err := d.queue.Enqueue(enqueueCtx, item)
	switch {
	case err == nil:
		return nil
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrQueueFull, d.cfg.EnqueueTimeout)
	default:
		return fmt.Errorf("queue enqueue: %w", err)
	}
}
