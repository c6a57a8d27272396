package gateway

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/budget"
	"github.com/stellarlinkco/memokeeper/internal/classify"
	"github.com/stellarlinkco/memokeeper/internal/config"
	"github.com/stellarlinkco/memokeeper/internal/dedup"
	"github.com/stellarlinkco/memokeeper/internal/extract"
	"github.com/stellarlinkco/memokeeper/internal/semantic"
	"github.com/stellarlinkco/memokeeper/internal/stream"
)

// NewSemantic builds the semantic classifier when enabled. With a Redis
// client the daily budget is enforced; without one spend is not tracked.
func NewSemantic(cfg *config.Config, client *redis.Client, logger zerolog.Logger) (semantic.Classifier, *budget.Tracker, error) {
	if !cfg.Semantic.Enabled {
		return nil, nil, nil
	}
	var (
		gate    semantic.Budget
		tracker *budget.Tracker
	)
	if client != nil {
		tracker = budget.NewTracker(client, cfg.Budget.Daily, logger)
		gate = tracker
	}
	c, err := semantic.NewOpenAI(cfg.Semantic, gate, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create semantic classifier: %w", err)
	}
	return c, tracker, nil
}

// NewExtractor loads the rule set and combines it with sem, which may be nil.
func NewExtractor(cfg *config.Config, sem semantic.Classifier, logger zerolog.Logger) (*extract.Extractor, error) {
	rules, err := classify.FromConfig(cfg.Extraction)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	timeout := config.Duration(cfg.Semantic.Timeout, 8*time.Second)
	return extract.New(cfg.Extraction, rules, sem, timeout, logger), nil
}

// NewDedup picks the dedup backend. The memory backend is returned too so
// the sweep job can reach it.
func NewDedup(cfg *config.Config, client *redis.Client, logger zerolog.Logger) (dedup.Deduplicator, *dedup.MemoryDeduplicator, error) {
	ttl := config.Duration(cfg.Dedup.TTL, dedup.DefaultTTL)
	switch cfg.Dedup.Backend {
	case config.DedupBackendMemory:
		m := dedup.NewMemory(ttl)
		return m, m, nil
	case config.DedupBackendRedis, "":
		if client == nil {
			return nil, nil, fmt.Errorf("redis dedup backend needs a redis client")
		}
		return dedup.NewRedis(client, ttl, logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown dedup backend %q", cfg.Dedup.Backend)
	}
}

// RetryConfig maps the pipeline settings onto the publish retry policy.
func RetryConfig(cfg *config.Config) stream.RetryConfig {
	return stream.RetryConfig{
		Attempts: cfg.Pipeline.PublishAttempts,
		Initial:  config.Duration(cfg.Pipeline.PublishBackoff, 200*time.Millisecond),
		Max:      config.Duration(cfg.Pipeline.PublishMaxWait, 5*time.Second),
	}
}
