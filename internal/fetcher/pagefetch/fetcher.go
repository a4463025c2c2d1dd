// Package pagefetch is the client of the Page Fetch Service, built on a gocolly collector.
package pagefetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// Config controls the Page Fetch Service client.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// FetchError is a per-URL failure. Its message is the reason recorded on the task.
type FetchError struct {
	URL        string
	StatusCode int
	Reason     string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("Failed to crawl %s, %s", e.URL, e.Reason)
}

// Fetcher implements crawler.PageFetcher.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("fetch base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger.Named("pagefetch"),
	}, nil
}

// Fetch calls the Page Fetch Service for one URL. Non-2xx answers and transport
// errors come back as *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.Page, error) {
	var (
		page       crawler.Page
		statusCode int
		fetchErr   error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	f.configureCollectorHooks(collector, request, &page, &statusCode, &fetchErr)

	target := f.cfg.BaseURL + "/" + request.URL
	if err := f.runCollector(ctx, collector, target); err != nil {
		return crawler.Page{}, f.failure(request.URL, statusCode, err)
	}
	if fetchErr != nil {
		return crawler.Page{}, f.failure(request.URL, statusCode, fetchErr)
	}
	return page, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	page *crawler.Page,
	statusCode *int,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Content-Type", "application/json")
		r.Headers.Set("Accept", "application/json")
		if request.Token != "" {
			r.Headers.Set("Authorization", "Bearer "+request.Token)
		}
		if request.LinksSummary {
			r.Headers.Set("X-With-Links-Summary", "true")
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*statusCode = r.StatusCode
		var envelope struct {
			Data crawler.Page `json:"data"`
		}
		if err := json.Unmarshal(r.Body, &envelope); err != nil {
			*fetchErr = fmt.Errorf("invalid response body: %w", err)
			return
		}
		*page = envelope.Data
		page.Raw = append(json.RawMessage(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*statusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// collector.Context aborts the request. Callbacks write Fetch's locals,
		// so Visit must return before Fetch does.
		<-done
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) failure(url string, statusCode int, err error) *FetchError {
	reason := err.Error()
	if statusCode >= 300 || (statusCode > 0 && statusCode < 200) {
		reason = http.StatusText(statusCode)
	}
	f.logger.Debug("page fetch failed",
		zap.String("url", url),
		zap.Int("status_code", statusCode),
		zap.Error(err),
	)
	return &FetchError{URL: url, StatusCode: statusCode, Reason: reason}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
