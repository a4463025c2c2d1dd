package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config sizes the Hub. Zero values take the defaults below.
type Config struct {
	// BufferSize bounds the events waiting for the delivery goroutine.
	BufferSize int
	// BatchMaxCount flushes a batch once it holds this many events.
	BatchMaxCount int
	// BatchMaxWait flushes a batch this long after its oldest event arrived.
	BatchMaxWait time.Duration
	// SinkTimeout bounds each Sink.Consume call.
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBufferSize    = 1024
	defaultBatchMaxCount = 256
	defaultBatchMaxWait  = 500 * time.Millisecond
	defaultSinkTimeout   = 10 * time.Second
	dropWarnInterval     = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.BatchMaxCount <= 0 {
		c.BatchMaxCount = defaultBatchMaxCount
	}
	if c.BatchMaxWait <= 0 {
		c.BatchMaxWait = defaultBatchMaxWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub batches task events and delivers them to sinks from one background
// goroutine. Emit never blocks: a full buffer drops the event. Events that end
// a task are delivered without waiting for the batch deadline.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	quit   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped  atomic.Int64
	dropWarn rate.Sometimes
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		events:   make(chan Event, cfg.BufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.Logger.Named("progress"),
		dropWarn: rate.Sometimes{Interval: dropWarnInterval},
	}
	for _, sink := range sinks {
		if sink != nil {
			h.sinks = append(h.sinks, sink)
		}
	}
	go h.loop()
	return h
}

// Emit stamps and validates evt, then queues it for delivery.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.String("task_id", evt.TaskID), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		total := h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.logger.Warn("progress buffer full, dropping events", zap.Int64("dropped_total", total))
		})
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops accepting events, delivers what is queued, closes the sinks and
// waits for the delivery goroutine or ctx, whichever comes first. It is safe
// to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	pending := make([]Event, 0, h.cfg.BatchMaxCount)
	// Stopped until the first event of a batch arrives.
	deadline := time.NewTimer(h.cfg.BatchMaxWait)
	deadline.Stop()

	flush := func() {
		deadline.Stop()
		h.deliver(pending)
		pending = pending[:0]
	}
	add := func(evt Event) {
		if len(pending) == 0 {
			deadline.Reset(h.cfg.BatchMaxWait)
		}
		pending = append(pending, evt)
		if len(pending) >= h.cfg.BatchMaxCount || evt.Terminal() {
			flush()
		}
	}

	for {
		select {
		case evt := <-h.events:
			add(evt)
		case <-deadline.C:
			flush()
		case <-h.quit:
		drain:
			for {
				select {
				case evt := <-h.events:
					add(evt)
				default:
					break drain
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	snapshot := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, snapshot); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(snapshot)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
