package adaptive

import (
	"time"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// Config tunes task execution. Zero values fall back to the defaults below,
// except CacheTTL which callers must set.
type Config struct {
	CacheTTL         time.Duration
	WindowSize       int
	RerankBatchSize  int
	MaxRelevantLinks int
	ScoreRatio       float64
	MinScore         float64
	BlockedSuffixes  []string
	DefaultMaxPages  int
	MaxPagesLimit    int
	BlobPrefix       string
	CompletionTopic  string
}

// Defaults applied by withDefaults.
const (
	DefaultWindowSize       = 3
	DefaultRerankBatchSize  = 32
	DefaultMaxRelevantLinks = 15
	DefaultScoreRatio       = 0.6
	DefaultMinScore         = 0.1
	DefaultMaxPages         = 10
	DefaultMaxPagesLimit    = 100
)

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.RerankBatchSize <= 0 {
		c.RerankBatchSize = DefaultRerankBatchSize
	}
	if c.MaxRelevantLinks <= 0 {
		c.MaxRelevantLinks = DefaultMaxRelevantLinks
	}
	if c.ScoreRatio <= 0 {
		c.ScoreRatio = DefaultScoreRatio
	}
	if c.MinScore <= 0 {
		c.MinScore = DefaultMinScore
	}
	if c.BlockedSuffixes == nil {
		c.BlockedSuffixes = crawler.DefaultBlockedSuffixes
	}
	if c.DefaultMaxPages <= 0 {
		c.DefaultMaxPages = DefaultMaxPages
	}
	if c.MaxPagesLimit <= 0 {
		c.MaxPagesLimit = DefaultMaxPagesLimit
	}
	if c.DefaultMaxPages > c.MaxPagesLimit {
		c.DefaultMaxPages = c.MaxPagesLimit
	}
	return c
}

// clampMaxPages applies the default for unset values and caps the rest at the limit.
func (c Config) clampMaxPages(requested int) int {
	switch {
	case requested <= 0:
		return c.DefaultMaxPages
	case requested > c.MaxPagesLimit:
		return c.MaxPagesLimit
	default:
		return requested
	}
}
