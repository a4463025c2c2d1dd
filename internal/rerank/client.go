// Package rerank is the client of the relevance ranking service.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/metrics"
	"github.com/JakeFAU/adaptive-crawler/internal/rotation"
)

// Config controls the reranker client.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Client implements crawler.Reranker.
type Client struct {
	cfg           Config
	keys          *rotation.KeyRing
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Client. keys may be nil when the service needs no credentials.
func New(cfg Config, keys *rotation.KeyRing, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("rerank endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(&http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	})
	c.SetRequestTimeout(cfg.Timeout)
	return &Client{cfg: cfg, keys: keys, baseCollector: c, logger: logger.Named("rerank")}, nil
}

var _ crawler.Reranker = (*Client)(nil)

// Rerank scores texts against query. Results come back in the service's order.
func (c *Client) Rerank(ctx context.Context, query string, texts []string) ([]crawler.RerankResult, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(crawler.RerankRequest{
		Query:      query,
		Texts:      texts,
		ReturnText: true,
		Truncate:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")
	if key := c.keys.Next(); key != "" {
		headers.Set("Authorization", "Bearer "+key)
	}

	var (
		results []crawler.RerankResult
		cbErr   error
	)
	collector := c.baseCollector.Clone()
	collector.Context = ctx
	collector.OnResponse(func(r *colly.Response) {
		if err := json.Unmarshal(r.Body, &results); err != nil {
			cbErr = fmt.Errorf("decode rerank response: %w", err)
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			cbErr = fmt.Errorf("rerank status %d: %w", r.StatusCode, err)
			return
		}
		cbErr = err
	})

	start := time.Now()
	err = collector.Request(http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload), nil, headers)
	if err == nil {
		err = cbErr
	} else if cbErr != nil {
		err = cbErr
	}
	if err != nil {
		metrics.ObserveRerank("error", time.Since(start))
		return nil, fmt.Errorf("rerank: %w", err)
	}
	metrics.ObserveRerank("ok", time.Since(start))
	c.logger.Debug("rerank finished", zap.Int("texts", len(texts)), zap.Int("results", len(results)))
	return results, nil
}
