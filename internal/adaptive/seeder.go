package adaptive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// Seeder builds the initial frontier of a freshly created task.
type Seeder struct {
	store   crawler.TaskStore
	sitemap crawler.SitemapSource
	logger  *zap.Logger
}

// NewSeeder constructs a Seeder. A nil sitemap source always falls back to the target URL.
func NewSeeder(store crawler.TaskStore, sitemap crawler.SitemapSource, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{store: store, sitemap: sitemap, logger: logger}
}

// Seed resolves the frontier for task and persists it with status PROCESSING in a
// single update. The returned meta reflects what actually happened: a sitemap
// request that produced no URLs comes back with UseSitemap cleared.
func (s *Seeder) Seed(ctx context.Context, task crawler.Task) (crawler.CrawlRequestMeta, []string, error) {
	meta := task.Meta
	var urls []string
	if meta.UseSitemap && s.sitemap != nil {
		found, err := s.sitemap.URLs(ctx, meta.TargetURL, meta.MaxPages)
		if err != nil {
			s.logger.Warn("sitemap discovery failed",
				zap.String("task_id", task.ID),
				zap.String("url", meta.TargetURL),
				zap.Error(err),
			)
		}
		urls = dedupe(found, meta.MaxPages)
	}
	if len(urls) == 0 {
		meta.UseSitemap = false
		urls = []string{meta.TargetURL}
	}

	status := crawler.TaskStatusProcessing
	statusText := fmt.Sprintf("Processing 0/%d", len(urls))
	patch := crawler.TaskPatch{
		Status:     &status,
		StatusText: &statusText,
		Meta:       &meta,
		URLs:       urls,
	}
	if err := s.store.UpdateTask(ctx, task.ID, patch); err != nil {
		return crawler.CrawlRequestMeta{}, nil, fmt.Errorf("seed task %s: %w", task.ID, err)
	}
	s.logger.Info("frontier seeded",
		zap.String("task_id", task.ID),
		zap.Int("urls", len(urls)),
		zap.Bool("use_sitemap", meta.UseSitemap),
	)
	return meta, urls, nil
}

// dedupe keeps the first occurrence of each URL, stopping at limit entries.
func dedupe(urls []string, limit int) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, min(len(urls), limit))
	for _, u := range urls {
		if len(out) >= limit {
			break
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
