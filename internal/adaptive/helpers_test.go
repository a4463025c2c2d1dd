package adaptive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/hash/sha256"
	"github.com/JakeFAU/adaptive-crawler/internal/progress"
	"github.com/JakeFAU/adaptive-crawler/internal/storage/memory"
)

// fetchFailure mirrors the reason format of the page fetch client.
type fetchFailure struct {
	url    string
	reason string
}

func (f fetchFailure) Error() string {
	return fmt.Sprintf("Failed to crawl %s, %s", f.url, f.reason)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeFetcher serves pages from a map and records every call.
type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]crawler.Page
	failures map[string]string
	calls    map[string]int
	requests []crawler.FetchRequest
	delay    time.Duration

	inFlight    int
	maxInFlight int
	log         []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages:    map[string]crawler.Page{},
		failures: map[string]string{},
		calls:    map[string]int{},
	}
}

func (f *fakeFetcher) setPage(url string, page crawler.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = page
	delete(f.failures, url)
}

func (f *fakeFetcher) setFailure(url, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[url] = reason
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.Page, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	f.requests = append(f.requests, req)
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.log = append(f.log, "start "+req.URL)
	page, ok := f.pages[req.URL]
	failure := f.failures[req.URL]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.log = append(f.log, "end "+req.URL)
	f.mu.Unlock()

	if failure != "" {
		return crawler.Page{}, fetchFailure{url: req.URL, reason: failure}
	}
	if !ok {
		page = crawler.Page{Title: req.URL}
	}
	raw, err := json.Marshal(map[string]any{"data": page})
	if err != nil {
		return crawler.Page{}, err
	}
	page.Raw = raw
	return page, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeFetcher) snapshot() (map[string]int, []string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make(map[string]int, len(f.calls))
	for k, v := range f.calls {
		calls[k] = v
	}
	return calls, append([]string(nil), f.log...), f.maxInFlight
}

// fakeReranker delegates to score, or fails when err is set.
type fakeReranker struct {
	mu    sync.Mutex
	score func(text string) float64
	err   error
	calls [][]string
}

func (r *fakeReranker) Rerank(_ context.Context, _ string, texts []string) ([]crawler.RerankResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), texts...))
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]crawler.RerankResult, 0, len(texts))
	for i, text := range texts {
		out = append(out, crawler.RerankResult{Index: i, Score: r.score(text), Text: text})
	}
	return out, nil
}

func (r *fakeReranker) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeSitemap struct {
	urls  []string
	err   error
	calls int
}

func (s *fakeSitemap) URLs(_ context.Context, _ string, limit int) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.urls[:min(limit, len(s.urls))], nil
}

// checkedStore wraps the memory store and records invariant violations on every commit.
type checkedStore struct {
	*memory.TaskStore
	mu         sync.Mutex
	violations []string
	failAt     map[int]error
	transacts  int
}

func newCheckedStore(ttl time.Duration) *checkedStore {
	return &checkedStore{TaskStore: memory.NewTaskStore(ttl), failAt: map[int]error{}}
}

func (s *checkedStore) Transact(ctx context.Context, id string, fn func(task *crawler.Task) (bool, error)) error {
	s.mu.Lock()
	s.transacts++
	injected := s.failAt[s.transacts]
	s.mu.Unlock()
	if injected != nil {
		return injected
	}
	return s.TaskStore.Transact(ctx, id, func(task *crawler.Task) (bool, error) {
		commit, err := fn(task)
		if commit && err == nil {
			s.check(*task)
		}
		return commit, err
	})
}

func (s *checkedStore) check(task crawler.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(task.URLs) > task.Meta.MaxPages {
		s.violations = append(s.violations, fmt.Sprintf("bound: %d > %d", len(task.URLs), task.Meta.MaxPages))
	}
	seen := map[string]bool{}
	for _, u := range task.URLs {
		if seen[u] {
			s.violations = append(s.violations, "duplicate: "+u)
		}
		seen[u] = true
	}
	for u := range task.Processed {
		if !seen[u] {
			s.violations = append(s.violations, "processed outside frontier: "+u)
		}
	}
	for u := range task.Failed {
		if !seen[u] {
			s.violations = append(s.violations, "failed outside frontier: "+u)
		}
	}
}

func (s *checkedStore) requireClean(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Empty(t, s.violations)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	args := m.Called(ctx, topic, payload)
	return args.String(0), args.Error(1)
}

// backgroundQueue runs every enqueued item on its own goroutine, like a worker pool with spare capacity.
// With hold set it keeps items instead, like a pool whose workers are all busy.
type backgroundQueue struct {
	svc  *Service
	err  error
	hold bool
	mu   sync.Mutex
	held []crawler.QueueItem
}

func (q *backgroundQueue) Enqueue(_ context.Context, item crawler.QueueItem) error {
	if q.err != nil {
		return q.err
	}
	if q.hold {
		q.mu.Lock()
		q.held = append(q.held, item)
		q.mu.Unlock()
		return nil
	}
	go func() {
		_ = q.svc.Execute(context.Background(), item)
	}()
	return nil
}

type harness struct {
	store    *checkedStore
	blobs    *memory.BlobStore
	fetcher  *fakeFetcher
	reranker *fakeReranker
	sitemap  *fakeSitemap
	clock    *fakeClock
	emitter  *recordingEmitter
	queue    *backgroundQueue
	cfg      Config
	executor *Executor
	service  *Service
}

func newHarness(t *testing.T, mutate func(h *harness)) *harness {
	t.Helper()
	h := &harness{
		store:    newCheckedStore(time.Hour),
		blobs:    memory.NewBlobStore(),
		fetcher:  newFakeFetcher(),
		reranker: &fakeReranker{score: func(string) float64 { return 0.9 }},
		sitemap:  &fakeSitemap{},
		clock:    newFakeClock(),
		emitter:  &recordingEmitter{},
		queue:    &backgroundQueue{},
		cfg:      Config{CacheTTL: time.Hour, BlobPrefix: "adaptive"},
	}
	if mutate != nil {
		mutate(h)
	}
	hasher := sha256.New()
	expander := NewExpander(h.store, h.reranker, h.cfg, nil)
	h.executor = NewExecutor(ExecutorDeps{
		Store:    h.store,
		Fetcher:  h.fetcher,
		Blobs:    h.blobs,
		Hasher:   hasher,
		Expander: expander,
		Emitter:  h.emitter,
		Clock:    h.clock,
	}, h.cfg, nil)
	svc, err := NewService(ServiceDeps{
		Store:    h.store,
		Blobs:    h.blobs,
		Hasher:   hasher,
		Clock:    h.clock,
		Seeder:   NewSeeder(h.store, h.sitemap, nil),
		Executor: h.executor,
		Queue:    h.queue,
		Emitter:  h.emitter,
	}, h.cfg, nil)
	require.NoError(t, err)
	h.queue.svc = svc
	h.service = svc
	return h
}

// seedTask stores a PROCESSING task with the given frontier and returns the matching queue item.
func (h *harness) seedTask(t *testing.T, id string, maxPages int, useSitemap bool, urls ...string) crawler.QueueItem {
	t.Helper()
	ctx := context.Background()
	meta := crawler.CrawlRequestMeta{TargetURL: urls[0], UseSitemap: useSitemap, MaxPages: maxPages}
	task := crawler.NewTask(id, meta, h.clock.Now())
	require.NoError(t, h.store.CreateTask(ctx, task))
	status := crawler.TaskStatusProcessing
	require.NoError(t, h.store.UpdateTask(ctx, id, crawler.TaskPatch{Status: &status, URLs: urls}))
	return crawler.QueueItem{
		TaskID:    id,
		Meta:      meta,
		URLs:      urls,
		Token:     "token",
		Submitted: task.CreatedAt.UnixNano(),
	}
}

func linkPage(title string, links ...string) crawler.Page {
	page := crawler.Page{Title: title, Description: title + " description"}
	for i, link := range links {
		page.Links = append(page.Links, crawler.Link{Text: fmt.Sprintf("link %02d", i), URL: link})
	}
	return page
}
