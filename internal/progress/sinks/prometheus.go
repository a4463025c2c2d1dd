package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/adaptive-crawler/internal/progress"
)

// PrometheusSink derives task and page metrics from progress events.
type PrometheusSink struct {
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskRuntime   *prometheus.HistogramVec
	cacheHits     prometheus.Counter

	pages         *prometheus.CounterVec
	pageBytes     *prometheus.CounterVec
	pageDuration  *prometheus.HistogramVec
	expandedLinks *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adaptive_tasks_started_total",
			Help: "Tasks that were seeded and started crawling.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptive_tasks_finished_total",
			Help: "Tasks that reached a terminal status, partitioned by result.",
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adaptive_tasks_running",
			Help: "Current number of running tasks.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adaptive_task_runtime_seconds",
			Help:    "Wall time per finished task.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adaptive_task_cache_hits_total",
			Help: "Submissions answered from a fresh cached task.",
		}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptive_pages_total",
			Help: "Settled frontier pages partitioned by site and result.",
		}, []string{"site", "result"}),
		pageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptive_page_bytes_total",
			Help: "Cached payload bytes per site.",
		}, []string{"site"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adaptive_page_duration_seconds",
			Help:    "Fetch-and-cache duration partitioned by site and result.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "result"}),
		expandedLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptive_expanded_links_total",
			Help: "Links admitted by recursive expansion per site.",
		}, []string{"site"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksFinished,
		s.tasksRunning,
		s.taskRuntime,
		s.cacheHits,
		s.pages,
		s.pageBytes,
		s.pageDuration,
		s.expandedLinks,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskSeeded:
		s.tasksStarted.Inc()
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.StageTaskDone, progress.StageTaskError:
		result := "success"
		if evt.Stage == progress.StageTaskError {
			result = "error"
		}
		s.tasksFinished.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.taskRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.TaskID) {
			s.tasksRunning.Dec()
		}
	case progress.StageTaskCached:
		s.cacheHits.Inc()
	case progress.StagePageDone, progress.StagePageFailed:
		s.handlePageEvent(evt)
	case progress.StageExpand:
		if evt.Count > 0 {
			s.expandedLinks.WithLabelValues(siteLabel(evt.Site)).Add(float64(evt.Count))
		}
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	site := siteLabel(evt.Site)
	result := "processed"
	if evt.Stage == progress.StagePageFailed {
		result = "failed"
	}
	s.pages.WithLabelValues(site, result).Inc()
	if evt.Bytes > 0 {
		s.pageBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(site, result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func siteLabel(site string) string {
	if site == "" {
		return "unknown"
	}
	return site
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
