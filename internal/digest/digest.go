// Package digest derives task identifiers and cache paths from crawl request meta.
package digest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// ForMeta hashes the canonical JSON serialization of meta. The same meta always
// yields the same digest, across processes and restarts.
func ForMeta(h crawler.Hasher, meta crawler.CrawlRequestMeta) (string, error) {
	payload, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal meta: %w", err)
	}
	sum, err := h.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("hash meta: %w", err)
	}
	return sum, nil
}

// CachePath names the object-cache artifact for one fetched page of a task.
func CachePath(h crawler.Hasher, prefix, taskDigest, url string) (string, error) {
	urlDigest, err := h.Hash([]byte(url))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", taskDigest, urlDigest), nil
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, taskDigest, urlDigest), nil
}
