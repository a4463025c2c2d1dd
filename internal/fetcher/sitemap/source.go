// Package sitemap discovers page URLs advertised by a site through robots.txt
// Sitemap directives and sitemap XML files (including sitemap indexes).
package sitemap

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/rotation"
)

const (
	defaultSitemapPath = "/sitemap.xml"
	maxSitemapFetches  = 50
)

// Config controls sitemap discovery.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Source implements crawler.SitemapSource using gocolly for fetch and XPath extraction.
type Source struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Source. When proxies holds entries every request is routed
// through the least recently used proxy.
func New(cfg Config, proxies *rotation.ProxyPool, logger *zap.Logger) *Source {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(&http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
	})
	c.SetRequestTimeout(cfg.Timeout)
	if proxies.Len() > 0 {
		c.SetProxyFunc(proxies.ProxyFunc())
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Source{cfg: cfg, baseCollector: c, logger: logger.Named("sitemap")}
}

var _ crawler.SitemapSource = (*Source)(nil)

// URLs returns at most limit page URLs in discovery order, without duplicates.
// Unreachable or malformed sitemaps contribute nothing; only a canceled context is an error.
func (s *Source) URLs(ctx context.Context, targetURL string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	root, err := url.Parse(targetURL)
	if err != nil || root.Host == "" {
		return nil, fmt.Errorf("parse target url %q: %w", targetURL, crawler.ErrInvalidRequest)
	}
	origin := root.Scheme + "://" + root.Host

	queue := s.discover(ctx, origin)
	visited := make(map[string]bool)
	seen := make(map[string]bool)
	pages := make([]string, 0, limit)

	for len(queue) > 0 && len(pages) < limit && len(visited) < maxSitemapFetches {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sitemap discovery: %w", err)
		}
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		locs, children, err := s.fetchSitemap(ctx, current)
		if err != nil {
			s.logger.Warn("failed to fetch sitemap, continuing", zap.String("url", current), zap.Error(err))
			continue
		}
		queue = append(queue, children...)
		for _, loc := range locs {
			if len(pages) >= limit {
				break
			}
			if !crawler.IsHTTP(loc) || seen[loc] {
				continue
			}
			seen[loc] = true
			pages = append(pages, loc)
		}
	}
	s.logger.Debug("sitemap discovery finished",
		zap.String("url", targetURL),
		zap.Int("sitemaps", len(visited)),
		zap.Int("urls", len(pages)),
	)
	return pages, nil
}

// discover lists the sitemap roots advertised in robots.txt, falling back to /sitemap.xml.
func (s *Source) discover(ctx context.Context, origin string) []string {
	body, status, err := s.get(ctx, origin+"/robots.txt")
	if err != nil {
		return []string{origin + defaultSitemapPath}
	}
	robots, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil || len(robots.Sitemaps) == 0 {
		return []string{origin + defaultSitemapPath}
	}
	roots := make([]string, 0, len(robots.Sitemaps))
	for _, sm := range robots.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			roots = append(roots, sm)
		}
	}
	return roots
}

func (s *Source) get(ctx context.Context, target string) ([]byte, int, error) {
	var (
		body   []byte
		status int
		cbErr  error
	)
	collector := s.baseCollector.Clone()
	collector.Context = ctx
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		cbErr = err
	})
	if err := collector.Visit(target); err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", target, err)
	}
	if cbErr != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", target, cbErr)
	}
	return body, status, nil
}

func (s *Source) fetchSitemap(ctx context.Context, target string) ([]string, []string, error) {
	var (
		mu       sync.Mutex
		locs     []string
		children []string
		cbErr    error
	)
	collector := s.baseCollector.Clone()
	collector.Context = ctx
	collector.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		mu.Lock()
		defer mu.Unlock()
		locs = append(locs, strings.TrimSpace(e.Text))
	})
	collector.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		mu.Lock()
		defer mu.Unlock()
		children = append(children, strings.TrimSpace(e.Text))
	})
	collector.OnError(func(_ *colly.Response, err error) {
		cbErr = err
	})
	if err := collector.Visit(target); err != nil {
		return nil, nil, fmt.Errorf("visit sitemap: %w", err)
	}
	if cbErr != nil {
		return nil, nil, fmt.Errorf("sitemap response: %w", cbErr)
	}
	return locs, children, nil
}
