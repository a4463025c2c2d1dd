package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrTaskNotFound signals that no record exists for the requested digest.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists signals that a fresh record already occupies the digest.
	ErrTaskExists = errors.New("task already exists")
	// ErrInvalidRequest marks submissions that cannot be parsed or started.
	ErrInvalidRequest = errors.New("invalid crawl request")
	// ErrObjectNotFound is returned by BlobStore.GetObject for paths never written.
	ErrObjectNotFound = errors.New("object not found")
	// ErrQueueClosed is returned by Dequeue once a queue has been shut down.
	ErrQueueClosed = errors.New("queue closed")
)

// TaskStore persists adaptive crawl tasks. Transact is the only primitive that
// may be used for concurrent frontier mutation; implementations must serialize
// concurrent Transact calls on the same id.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (Task, error)
	CreateTask(ctx context.Context, task Task) error
	UpdateTask(ctx context.Context, id string, patch TaskPatch) error
	// Transact reads the current record, hands a copy to fn and commits the
	// mutated copy when fn returns true. Errors from fn abort the transaction.
	Transact(ctx context.Context, id string, fn func(task *Task) (bool, error)) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PageFetcher calls the Page Fetch Service for a single URL.
type PageFetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (Page, error)
}

// Reranker scores candidate texts against a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]RerankResult, error)
}

// SitemapSource lists page URLs advertised by a site, at most limit entries.
type SitemapSource interface {
	URLs(ctx context.Context, targetURL string, limit int) ([]string, error)
}

// RateLimiter throttles outbound fetches per target host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for task identifiers and cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Queue provides enqueue/dequeue semantics for accepted crawl runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// QueueItem wraps a seeded task ready to run.
type QueueItem struct {
	TaskID    string
	Meta      CrawlRequestMeta
	URLs      []string
	Token     string
	Submitted int64
}
