// Package budget tracks daily spend on the semantic classifier in Redis and
// gates calls once the daily budget is used up.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/semantic"
)

const (
	keyPrefix = "openai:cost"
	keyTTL    = 90 * 24 * time.Hour
)

// Price is USD per 1K tokens.
type Price struct {
	Input  float64
	Output float64
}

// Pricing per 1K tokens. Unknown models are priced as DefaultModel.
var Pricing = map[string]Price{
	"gpt-4o":        {Input: 0.0025, Output: 0.010},
	"gpt-4o-mini":   {Input: 0.00015, Output: 0.0006},
	"gpt-4-turbo":   {Input: 0.010, Output: 0.030},
	"gpt-3.5-turbo": {Input: 0.0005, Output: 0.0015},
}

const DefaultModel = "gpt-4o-mini"

// Cost returns the USD cost of a call, rounded to 6 decimals.
func Cost(model string, inputTokens, outputTokens int64) float64 {
	p, ok := Pricing[model]
	if !ok {
		p = Pricing[DefaultModel]
	}
	c := float64(inputTokens)/1000*p.Input + float64(outputTokens)/1000*p.Output
	return math.Round(c*1e6) / 1e6
}

// DailyStats summarizes one UTC day.
type DailyStats struct {
	Date       string             `json:"date"`
	TotalCost  float64            `json:"totalCost"`
	TotalCalls int64              `json:"totalCalls"`
	ModelCost  map[string]float64 `json:"modelCost,omitempty"`
	ModelCalls map[string]int64   `json:"modelCalls,omitempty"`
}

// Tracker implements semantic.Budget.
type Tracker struct {
	client *redis.Client
	daily  float64
	now    func() time.Time
	log    zerolog.Logger
}

// NewTracker returns a tracker; daily <= 0 means unlimited.
func NewTracker(client *redis.Client, daily float64, logger zerolog.Logger) *Tracker {
	return &Tracker{
		client: client,
		daily:  daily,
		now:    time.Now,
		log:    logger.With().Str("component", "budget").Logger(),
	}
}

func summaryKey(day time.Time) string {
	return fmt.Sprintf("%s:daily:%s:summary", keyPrefix, day.UTC().Format(time.DateOnly))
}

// Allow implements semantic.Budget.
func (t *Tracker) Allow(ctx context.Context) error {
	if t.daily <= 0 {
		return nil
	}
	spent, err := t.Spent(ctx)
	if err != nil {
		return err
	}
	if spent >= t.daily {
		return fmt.Errorf("spent $%.4f of $%.2f today: %w", spent, t.daily, semantic.ErrBudgetExceeded)
	}
	return nil
}

// Record implements semantic.Budget.
func (t *Tracker) Record(ctx context.Context, model string, inputTokens, outputTokens int64) error {
	cost := Cost(model, inputTokens, outputTokens)
	key := summaryKey(t.now())

	pipe := t.client.TxPipeline()
	pipe.HIncrByFloat(ctx, key, "total_cost", cost)
	pipe.HIncrBy(ctx, key, "total_calls", 1)
	pipe.HIncrByFloat(ctx, key, "model:"+model+":cost", cost)
	pipe.HIncrBy(ctx, key, "model:"+model+":calls", 1)
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	t.log.Debug().
		Str("model", model).
		Int64("input_tokens", inputTokens).
		Int64("output_tokens", outputTokens).
		Float64("cost_usd", cost).
		Msg("usage recorded")
	return nil
}

// Spent returns today's total.
func (t *Tracker) Spent(ctx context.Context) (float64, error) {
	v, err := t.client.HGet(ctx, summaryKey(t.now()), "total_cost").Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read spend: %w", err)
	}
	return v, nil
}

// Remaining returns the unspent budget for today, or -1 when unlimited.
func (t *Tracker) Remaining(ctx context.Context) (float64, error) {
	if t.daily <= 0 {
		return -1, nil
	}
	spent, err := t.Spent(ctx)
	if err != nil {
		return 0, err
	}
	return math.Max(0, t.daily-spent), nil
}

// Stats returns the summary for the UTC day containing day.
func (t *Tracker) Stats(ctx context.Context, day time.Time) (DailyStats, error) {
	stats := DailyStats{Date: day.UTC().Format(time.DateOnly)}
	fields, err := t.client.HGetAll(ctx, summaryKey(day)).Result()
	if err != nil {
		return stats, fmt.Errorf("read stats: %w", err)
	}

	for field, raw := range fields {
		switch {
		case field == "total_cost":
			stats.TotalCost, _ = strconv.ParseFloat(raw, 64)
		case field == "total_calls":
			stats.TotalCalls, _ = strconv.ParseInt(raw, 10, 64)
		case strings.HasPrefix(field, "model:"):
			name, metric, ok := cutLast(strings.TrimPrefix(field, "model:"), ":")
			if !ok {
				continue
			}
			switch metric {
			case "cost":
				if stats.ModelCost == nil {
					stats.ModelCost = make(map[string]float64)
				}
				stats.ModelCost[name], _ = strconv.ParseFloat(raw, 64)
			case "calls":
				if stats.ModelCalls == nil {
					stats.ModelCalls = make(map[string]int64)
				}
				stats.ModelCalls[name], _ = strconv.ParseInt(raw, 10, 64)
			}
		}
	}
	return stats, nil
}

func cutLast(s, sep string) (string, string, bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
