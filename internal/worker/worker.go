// Package worker implements the crawl run execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/metrics"
)

// ErrShutdown is the cause recorded for runs dequeued after the pool stopped.
var ErrShutdown = errors.New("crawler shut down before the task started")

// Runner executes one accepted crawl run, or closes it out when it will never run.
type Runner interface {
	Execute(ctx context.Context, item crawler.QueueItem) error
	Abandon(ctx context.Context, item crawler.QueueItem, cause error)
}

// Worker consumes queue items and hands them to the runner.
type Worker struct {
	queue  crawler.Queue
	runner Runner
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue crawler.Queue, runner Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		runner: runner,
		logger: logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				w.logger.Info("queue closed, worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			w.runner.Abandon(ctx, item, ErrShutdown)
			return
		}
		w.logger.Debug("dequeued task", zap.String("task_id", item.TaskID), zap.Int("urls", len(item.URLs)))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	started := time.Now()
	if err := w.runner.Execute(ctx, item); err != nil {
		w.logger.Error("task run failed",
			zap.String("task_id", item.TaskID),
			zap.Duration("dur", time.Since(started)),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("task run finished",
		zap.String("task_id", item.TaskID),
		zap.Duration("dur", time.Since(started)),
	)
}
