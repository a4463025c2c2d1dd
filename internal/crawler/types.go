// Package crawler defines core types shared across subsystems.
package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of an adaptive crawl task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusError      TaskStatus = "ERROR"
)

// Terminal reports whether no further frontier writes may occur.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError
}

// CrawlRequestMeta fully determines a task's digest. Field order is part of the
// canonical serialization and must not change.
type CrawlRequestMeta struct {
	TargetURL  string `json:"targetUrl" mapstructure:"target_url"`
	UseSitemap bool   `json:"useSitemap" mapstructure:"use_sitemap"`
	MaxPages   int    `json:"maxPages" mapstructure:"max_pages"`
}

// Recursive reports whether pages fetched for this request may grow the frontier.
func (m CrawlRequestMeta) Recursive() bool {
	return !m.UseSitemap
}

// Task is the persisted state machine for one crawl request, keyed by digest.
type Task struct {
	ID         string            `json:"id"`
	Status     TaskStatus        `json:"status"`
	StatusText string            `json:"statusText"`
	Meta       CrawlRequestMeta  `json:"meta"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	URLs       []string          `json:"urls"`
	Processed  map[string]string `json:"processed"`
	Failed     map[string]string `json:"failed"`
}

// NewTask returns a PENDING task with empty frontier collections.
func NewTask(id string, meta CrawlRequestMeta, now time.Time) Task {
	return Task{
		ID:         id,
		Status:     TaskStatusPending,
		StatusText: "Pending",
		Meta:       meta,
		CreatedAt:  now,
		UpdatedAt:  now,
		URLs:       []string{},
		Processed:  map[string]string{},
		Failed:     map[string]string{},
	}
}

// Clone returns a deep copy so callers never share slices or maps with a store.
func (t Task) Clone() Task {
	cp := t
	cp.URLs = append([]string(nil), t.URLs...)
	if cp.URLs == nil {
		cp.URLs = []string{}
	}
	cp.Processed = cloneMap(t.Processed)
	cp.Failed = cloneMap(t.Failed)
	return cp
}

// HasURL reports whether url is already part of the frontier.
func (t Task) HasURL(url string) bool {
	for _, existing := range t.URLs {
		if existing == url {
			return true
		}
	}
	return false
}

// Settled counts frontier URLs that have a processed or failed entry.
func (t Task) Settled() int {
	return len(t.Processed) + len(t.Failed)
}

// Stale reports whether the task was created before now-ttl.
func (t Task) Stale(now time.Time, ttl time.Duration) bool {
	return !t.CreatedAt.After(now.Add(-ttl))
}

// TaskPatch carries the fields of a non-transactional update. Nil fields are left untouched.
type TaskPatch struct {
	Status     *TaskStatus
	StatusText *string
	Meta       *CrawlRequestMeta
	URLs       []string
}

// Apply mutates task with the non-nil fields of the patch.
func (p TaskPatch) Apply(task *Task) {
	if p.Status != nil {
		task.Status = *p.Status
	}
	if p.StatusText != nil {
		task.StatusText = *p.StatusText
	}
	if p.Meta != nil {
		task.Meta = *p.Meta
	}
	if p.URLs != nil {
		task.URLs = append([]string(nil), p.URLs...)
	}
}

// Page is the payload returned by the Page Fetch Service.
type Page struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Links       Links  `json:"links"`
	// Raw holds the full response body as stored in the object cache.
	Raw json.RawMessage `json:"-"`
}

// Link is one anchor of a fetched page.
type Link struct {
	Text string
	URL  string
}

// Links holds a page's anchors in document order. On the wire it is a JSON
// object of anchor text to URL; decoding keeps the object's key order.
type Links []Link

// UnmarshalJSON decodes an anchor-text-to-URL object, keeping key order.
func (l *Links) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode links: %w", err)
	}
	if tok == nil {
		*l = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode links: expected object, got %v", tok)
	}
	var out Links
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode links: %w", err)
		}
		text, _ := key.(string)
		var url string
		if err := dec.Decode(&url); err != nil {
			return fmt.Errorf("decode link %q: %w", text, err)
		}
		out = append(out, Link{Text: text, URL: url})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode links: %w", err)
	}
	*l = out
	return nil
}

// MarshalJSON encodes the links as an object in their current order.
func (l Links) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, link := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(link.Text)
		if err != nil {
			return nil, fmt.Errorf("encode link text: %w", err)
		}
		val, err := json.Marshal(link.URL)
		if err != nil {
			return nil, fmt.Errorf("encode link url: %w", err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FetchRequest captures everything needed to call the Page Fetch Service.
type FetchRequest struct {
	TaskID       string
	URL          string
	Token        string
	LinksSummary bool
}

// RerankResult is one scored candidate returned by the relevance ranking service.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
}

// RerankRequest is the body sent to the relevance ranking service.
type RerankRequest struct {
	Query      string   `json:"query"`
	Texts      []string `json:"texts"`
	ReturnText bool     `json:"return_text"`
	Truncate   bool     `json:"truncate"`
}

// StatusReport is the read-only view returned to polling clients.
type StatusReport struct {
	TaskID     string                     `json:"taskId"`
	Status     TaskStatus                 `json:"status"`
	StatusText string                     `json:"statusText"`
	Meta       CrawlRequestMeta           `json:"meta"`
	CreatedAt  time.Time                  `json:"createdAt"`
	URLs       []string                   `json:"urls"`
	Processed  map[string]string          `json:"processed"`
	Failed     map[string]string          `json:"failed"`
	Results    map[string]json.RawMessage `json:"results,omitempty"`
}

func cloneMap(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
