package adaptive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/metrics"
)

// ErrRerank marks failures of the relevance ranking service. Expansion for the
// page is skipped; the page itself stays processed.
var ErrRerank = errors.New("rerank failed")

// ScoredLink is a candidate URL with the score the reranker assigned to it.
type ScoredLink struct {
	URL   string
	Score float64
}

type mergeOutcome int

const (
	mergeAdded mergeOutcome = iota
	mergeDuplicate
	mergeStop
)

// Expander grows a task's frontier with links relevant to a fetched page.
type Expander struct {
	store     crawler.TaskStore
	reranker  crawler.Reranker
	blocklist *crawler.SuffixBlocklist
	cfg       Config
	logger    *zap.Logger
}

// NewExpander constructs an Expander.
func NewExpander(store crawler.TaskStore, reranker crawler.Reranker, cfg Config, logger *zap.Logger) *Expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Expander{
		store:     store,
		reranker:  reranker,
		blocklist: crawler.NewSuffixBlocklist(cfg.BlockedSuffixes),
		cfg:       cfg,
		logger:    logger,
	}
}

// Expand scores the page's links and merges the relevant ones into the task's
// frontier, one transaction per link. enqueue is called for each link right
// after its merge commits. It returns the links that were added.
func (e *Expander) Expand(
	ctx context.Context,
	r runState,
	page crawler.Page,
	enqueue func(url string),
) ([]string, error) {
	candidates := e.Candidates(page.Links)
	if len(candidates) == 0 {
		return nil, nil
	}
	batches, err := e.score(ctx, BuildQuery(page.Title, page.Description), candidates)
	if err != nil {
		return nil, err
	}
	accepted := SelectRelevant(batches, e.cfg.ScoreRatio, e.cfg.MinScore, e.cfg.MaxRelevantLinks)
	if len(accepted) == 0 {
		return nil, nil
	}

	var added []string
merge:
	for _, link := range accepted {
		outcome, err := e.merge(ctx, r, link)
		if err != nil {
			return added, err
		}
		switch outcome {
		case mergeDuplicate:
			continue
		case mergeStop:
			break merge
		case mergeAdded:
			added = append(added, link)
			if enqueue != nil {
				enqueue(link)
			}
		}
	}
	metrics.AddExpandedLinks(len(added))
	e.logger.Debug("frontier expanded",
		zap.String("task_id", r.taskID),
		zap.Int("candidates", len(candidates)),
		zap.Int("accepted", len(accepted)),
		zap.Int("added", len(added)),
	)
	return added, nil
}

// Candidates keeps the http(s) links whose path is not blocklisted, in
// document order and without repeats. Order decides rerank batching and which
// links win ties at the cap.
func (e *Expander) Candidates(links crawler.Links) []string {
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, l := range links {
		link := l.URL
		if !crawler.IsHTTP(link) || e.blocklist.IsBlocked(link) {
			continue
		}
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out
}

// BuildQuery renders the relevance query for a page.
func BuildQuery(title, description string) string {
	if description == "" {
		return title
	}
	return fmt.Sprintf("TITLE: %s; DESCRIPTION: %s", title, description)
}

// SelectRelevant applies the threshold max(best*ratio, minScore) across all
// batches, keeps scores strictly above it, strips fragments, drops repeats and
// stops at limit. Batch order and in-batch result order decide precedence.
func SelectRelevant(batches [][]ScoredLink, ratio, minScore float64, limit int) []string {
	best := 0.0
	for _, batch := range batches {
		for _, link := range batch {
			best = max(best, link.Score)
		}
	}
	threshold := max(best*ratio, minScore)

	seen := make(map[string]struct{})
	var accepted []string
	for _, batch := range batches {
		for _, link := range batch {
			if link.Score <= threshold {
				continue
			}
			u := crawler.StripFragment(link.URL)
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			accepted = append(accepted, u)
			if len(accepted) >= limit {
				return accepted
			}
		}
	}
	return accepted
}

func (e *Expander) score(ctx context.Context, query string, candidates []string) ([][]ScoredLink, error) {
	if e.reranker == nil {
		return nil, fmt.Errorf("%w: no reranker configured", ErrRerank)
	}
	size := e.cfg.RerankBatchSize
	batches := make([][]ScoredLink, (len(candidates)+size-1)/size)

	g, gctx := errgroup.WithContext(ctx)
	for i := range batches {
		start := i * size
		batch := candidates[start:min(start+size, len(candidates))]
		g.Go(func() error {
			results, err := e.reranker.Rerank(gctx, query, batch)
			if err != nil {
				return err
			}
			scored := make([]ScoredLink, 0, len(results))
			for _, res := range results {
				link := res.Text
				if res.Index >= 0 && res.Index < len(batch) {
					link = batch[res.Index]
				}
				if link == "" {
					continue
				}
				scored = append(scored, ScoredLink{URL: link, Score: res.Score})
			}
			batches[i] = scored
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRerank, err)
	}
	return batches, nil
}

// merge admits one link inside a transaction so the duplicate and bound checks
// see the same record the append is committed against.
func (e *Expander) merge(ctx context.Context, r runState, link string) (mergeOutcome, error) {
	outcome := mergeStop
	started := time.Now()
	err := e.store.Transact(ctx, r.taskID, func(task *crawler.Task) (bool, error) {
		if err := r.owns(task); err != nil {
			return false, err
		}
		if task.HasURL(link) {
			outcome = mergeDuplicate
			return false, nil
		}
		if len(task.URLs)+1 > task.Meta.MaxPages || task.Status.Terminal() {
			outcome = mergeStop
			return false, nil
		}
		task.URLs = append(task.URLs, link)
		outcome = mergeAdded
		return true, nil
	})
	if err != nil {
		return mergeStop, fmt.Errorf("merge %s: %w", link, err)
	}
	e.logger.Debug("merge settled",
		zap.String("task_id", r.taskID),
		zap.String("url", link),
		zap.Int("outcome", int(outcome)),
		zap.Duration("dur", time.Since(started)),
	)
	return outcome, nil
}
