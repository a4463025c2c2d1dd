package adaptive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/digest"
	"github.com/JakeFAU/adaptive-crawler/internal/hash/sha256"
	"github.com/JakeFAU/adaptive-crawler/internal/progress"
	"github.com/JakeFAU/adaptive-crawler/internal/storage/memory"
)

func waitTask(t *testing.T, svc *Service, id string) crawler.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	return task
}

func TestSubmitSinglePage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	res, err := h.service.Submit(context.Background(), SubmitRequest{URL: "https://example.com", MaxPages: 5, Token: "secret"})
	require.NoError(t, err)
	require.False(t, res.Cached)

	expected, err := digest.ForMeta(sha256.New(), crawler.CrawlRequestMeta{TargetURL: "https://example.com", MaxPages: 5})
	require.NoError(t, err)
	require.Equal(t, expected, res.TaskID)

	task := waitTask(t, h.service, res.TaskID)
	require.Equal(t, crawler.TaskStatusCompleted, task.Status)
	require.Equal(t, []string{"https://example.com"}, task.URLs)
	require.Equal(t, "Completed 1/1", task.StatusText)
	require.Equal(t, 1, h.fetcher.totalCalls())
	require.Equal(t, "secret", h.fetcher.requests[0].Token)
}

func TestSubmitCacheHit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	req := SubmitRequest{URL: "https://example.com", MaxPages: 5}
	first, err := h.service.Submit(context.Background(), req)
	require.NoError(t, err)
	waitTask(t, h.service, first.TaskID)

	h.clock.Advance(10 * time.Second)
	second, err := h.service.Submit(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.TaskID, second.TaskID)

	waitTask(t, h.service, second.TaskID)
	require.Equal(t, 1, h.fetcher.totalCalls())
	require.Contains(t, h.emitter.stages(), progress.StageTaskCached)
}

func TestSubmitCacheExpiry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.fetcher.setFailure("https://example.com", "Bad Gateway")
	req := SubmitRequest{URL: "https://example.com", MaxPages: 5}

	first, err := h.service.Submit(context.Background(), req)
	require.NoError(t, err)
	stale := waitTask(t, h.service, first.TaskID)
	require.Len(t, stale.Failed, 1)

	h.clock.Advance(2 * time.Hour)
	h.fetcher.setPage("https://example.com", crawler.Page{Title: "Example"})
	second, err := h.service.Submit(context.Background(), req)
	require.NoError(t, err)
	require.False(t, second.Cached)
	require.Equal(t, first.TaskID, second.TaskID)

	fresh := waitTask(t, h.service, second.TaskID)
	require.Equal(t, crawler.TaskStatusCompleted, fresh.Status)
	require.Empty(t, fresh.Failed)
	require.Len(t, fresh.Processed, 1)
	require.True(t, fresh.CreatedAt.After(stale.CreatedAt))
	require.Equal(t, 2, h.fetcher.totalCalls())
}

func TestSubmitSitemapFrontier(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *harness) {
		h.sitemap.urls = sitemapURLs(12)
	})
	res, err := h.service.Submit(context.Background(), SubmitRequest{URL: "https://example.com", UseSitemap: true, MaxPages: 5})
	require.NoError(t, err)

	task := waitTask(t, h.service, res.TaskID)
	require.Equal(t, sitemapURLs(5), task.URLs)
	require.True(t, task.Meta.UseSitemap)
	require.Equal(t, "Completed 5/5", task.StatusText)
	require.Equal(t, 5, h.fetcher.totalCalls())
	require.Zero(t, h.reranker.callCount())
}

func TestSubmitRecursiveRespectsBound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	for i := range 10 {
		var links []string
		for j := range 10 {
			links = append(links, fmt.Sprintf("https://example.com/%d", (i*3+j)%20))
		}
		h.fetcher.setPage(fmt.Sprintf("https://example.com/%d", i), linkPage(fmt.Sprint(i), links...))
	}
	h.fetcher.setPage("https://example.com", linkPage("root",
		"https://example.com/0", "https://example.com/1", "https://example.com/2", "https://example.com/3"))

	res, err := h.service.Submit(context.Background(), SubmitRequest{URL: "https://example.com", MaxPages: 7})
	require.NoError(t, err)

	task := waitTask(t, h.service, res.TaskID)
	require.Equal(t, crawler.TaskStatusCompleted, task.Status)
	require.Len(t, task.URLs, 7)
	require.Equal(t, 7, task.Settled())
	for _, u := range task.URLs {
		require.Equal(t, 1, h.fetcher.callCount(u), u)
	}
	h.store.requireClean(t)
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	for _, raw := range []string{"", "ftp://example.com", "not a url", "https://"} {
		_, err := h.service.Submit(context.Background(), SubmitRequest{URL: raw})
		require.ErrorIs(t, err, crawler.ErrInvalidRequest, raw)
	}
}

func TestSubmitClampsMaxPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *harness) {
		h.cfg.MaxPagesLimit = 20
	})
	for requested, expected := range map[int]int{0: DefaultMaxPages, -3: DefaultMaxPages, 500: 20, 7: 7} {
		res, err := h.service.Submit(context.Background(), SubmitRequest{URL: "https://example.com", MaxPages: requested})
		require.NoError(t, err)
		task := waitTask(t, h.service, res.TaskID)
		require.Equal(t, expected, task.Meta.MaxPages)
	}
}

func TestSubmitEnqueueFailureMarksError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *harness) {
		h.queue.err = errors.New("queue full")
	})
	_, err := h.service.Submit(context.Background(), SubmitRequest{URL: "https://example.com", MaxPages: 3})
	require.ErrorContains(t, err, "queue full")

	id, err := digest.ForMeta(sha256.New(), crawler.CrawlRequestMeta{TargetURL: "https://example.com", MaxPages: 3})
	require.NoError(t, err)
	task, err := h.service.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusError, task.Status)
	require.Zero(t, h.fetcher.totalCalls())
}

func TestStatusReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *harness) {
		h.sitemap.urls = []string{"https://example.com/ok", "https://example.com/missing"}
	})
	h.fetcher.setPage("https://example.com/ok", crawler.Page{Title: "OK"})
	h.fetcher.setFailure("https://example.com/missing", "Not Found")

	res, err := h.service.Submit(context.Background(), SubmitRequest{URL: "https://example.com", UseSitemap: true, MaxPages: 5})
	require.NoError(t, err)
	waitTask(t, h.service, res.TaskID)

	report, err := h.service.Status(context.Background(), res.TaskID, []string{
		"https://example.com/ok",
		"https://example.com/missing",
		"https://example.com/unknown",
	})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusCompleted, report.Status)
	require.Equal(t, "Completed 1/2", report.StatusText)
	require.Len(t, report.Processed, 1)
	require.Equal(t, "Failed to crawl https://example.com/missing, Not Found", report.Failed["https://example.com/missing"])
	require.Len(t, report.Results, 1)

	var body struct {
		Data crawler.Page `json:"data"`
	}
	require.NoError(t, json.Unmarshal(report.Results["https://example.com/ok"], &body))
	require.Equal(t, "OK", body.Data.Title)

	plain, err := h.service.Status(context.Background(), res.TaskID, nil)
	require.NoError(t, err)
	require.Nil(t, plain.Results)
}

func TestStatusNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.service.Status(context.Background(), "missing", nil)
	require.ErrorIs(t, err, crawler.ErrTaskNotFound)
}

func TestExecutePublishesCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *harness) {
		h.cfg.CompletionTopic = "crawl-complete"
	})
	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything, "crawl-complete", mock.MatchedBy(func(payload any) bool {
		body, ok := payload.(map[string]any)
		return ok && body["status"] == crawler.TaskStatusCompleted && body["task_id"] == "task"
	})).Return("msg-1", nil).Once()
	h.service.publisher = publisher

	item := h.seedTask(t, "task", 1, true, "https://a.test/")
	require.NoError(t, h.service.Execute(context.Background(), item))
	publisher.AssertExpectations(t)
}

func TestAbandonClosesQueuedTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *harness) {
		h.queue.hold = true
		h.cfg.CompletionTopic = "crawl-complete"
	})
	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything, "crawl-complete", mock.MatchedBy(func(payload any) bool {
		body, ok := payload.(map[string]any)
		return ok && body["status"] == crawler.TaskStatusError
	})).Return("msg-1", nil).Once()
	h.service.publisher = publisher

	res, err := h.service.Submit(context.Background(), SubmitRequest{URL: "https://example.com", MaxPages: 1})
	require.NoError(t, err)
	require.Len(t, h.queue.held, 1)
	item := h.queue.held[0]

	queued, err := h.service.Status(context.Background(), res.TaskID, nil)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusProcessing, queued.Status)

	h.service.mu.Lock()
	pending := h.service.runs[res.TaskID]
	h.service.mu.Unlock()
	require.NotNil(t, pending)

	cause := errors.New("crawler shut down before the task started")
	h.service.Abandon(context.Background(), item, cause)
	// A second drain of the same item must not write or publish again.
	h.service.Abandon(context.Background(), item, cause)

	select {
	case <-pending.done:
		require.ErrorIs(t, pending.err, cause)
	case <-time.After(5 * time.Second):
		t.Fatal("Abandon did not release Wait callers")
	}
	task := waitTask(t, h.service, res.TaskID)
	require.Equal(t, crawler.TaskStatusError, task.Status)
	require.Equal(t, cause.Error(), task.StatusText)
	require.Zero(t, h.fetcher.totalCalls())
	require.Contains(t, h.emitter.stages(), progress.StageTaskError)
	publisher.AssertExpectations(t)
	h.store.requireClean(t)
}

func TestAbandonIgnoresSupersededRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	item := h.seedTask(t, "task", 2, false, "https://a.test/")
	stale := item
	stale.Submitted = item.Submitted - int64(time.Hour)

	h.service.Abandon(context.Background(), stale, errors.New("shutdown"))

	task, err := h.store.GetTask(context.Background(), "task")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusProcessing, task.Status)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	item := h.seedTask(t, "task", 1, true, "https://a.test/")
	h.service.register(item.TaskID, item.Submitted)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.service.Wait(ctx, item.TaskID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, h.service.Execute(context.Background(), item))
	task := waitTask(t, h.service, item.TaskID)
	require.Equal(t, crawler.TaskStatusCompleted, task.Status)
}

func TestNewServiceRequiresTTL(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore(time.Hour)
	_, err := NewService(ServiceDeps{
		Store:    store,
		Seeder:   NewSeeder(store, nil, nil),
		Executor: &Executor{},
		Queue:    &backgroundQueue{},
	}, Config{}, nil)
	require.Error(t, err)
}
