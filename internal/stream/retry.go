package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/metrics"
)

// DeadLetterSink stores events that could not be published.
type DeadLetterSink interface {
	Put(ctx context.Context, ev Event, cause error) error
}

// RetryConfig bounds the exponential backoff for unavailable errors.
type RetryConfig struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.Initial <= 0 {
		c.Initial = 200 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 5 * time.Second
	}
	return c
}

// NewBackOff returns the exponential policy for c.
func (c RetryConfig) NewBackOff() *backoff.ExponentialBackOff {
	c = c.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Initial
	b.MaxInterval = c.Max
	return b
}

// Do runs op under the retry policy until it succeeds, returns a permanent
// error or runs out of attempts. onRetry may be nil.
func Do[T any](ctx context.Context, cfg RetryConfig, op func() (T, error), onRetry func(error, time.Duration)) (T, error) {
	cfg = cfg.withDefaults()
	opts := []backoff.RetryOption{
		backoff.WithBackOff(cfg.NewBackOff()),
		backoff.WithMaxTries(uint(cfg.Attempts)),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(onRetry))
	}
	return backoff.Retry(ctx, backoff.Operation[T](op), opts...)
}

// RetryingPublisher retries unavailable errors and dead-letters the event
// once attempts run out. Rejected errors are returned immediately.
type RetryingPublisher struct {
	next Publisher
	cfg  RetryConfig
	sink DeadLetterSink
	log  zerolog.Logger
}

func NewRetrying(next Publisher, cfg RetryConfig, sink DeadLetterSink, logger zerolog.Logger) *RetryingPublisher {
	return &RetryingPublisher{
		next: next,
		cfg:  cfg.withDefaults(),
		sink: sink,
		log:  logger.With().Str("component", "publisher").Logger(),
	}
}

func (p *RetryingPublisher) Publish(ctx context.Context, ev Event) (string, error) {
	op := func() (string, error) {
		offset, err := p.next.Publish(ctx, ev)
		if err != nil && errors.Is(err, ErrRejected) {
			return "", backoff.Permanent(err)
		}
		return offset, err
	}
	notify := func(err error, wait time.Duration) {
		metrics.PublishRetries.Inc()
		p.log.Warn().Err(err).Str("event_id", ev.ID()).Dur("wait", wait).Msg("publish failed, retrying")
	}

	offset, err := Do(ctx, p.cfg, op, notify)
	if err == nil {
		metrics.EventsPublished.WithLabelValues(ev.Kind()).Inc()
		return offset, nil
	}
	if errors.Is(err, ErrRejected) {
		return "", err
	}

	if !errors.Is(err, ErrUnavailable) {
		err = &PublishError{Kind: KindUnavailable, Err: err}
	}
	p.DeadLetter(context.WithoutCancel(ctx), ev, err)
	return "", err
}

// DeadLetter logs the full payload and hands the event to the sink.
func (p *RetryingPublisher) DeadLetter(ctx context.Context, ev Event, cause error) {
	kind := string(KindUnavailable)
	var pe *PublishError
	if errors.As(cause, &pe) {
		kind = string(pe.Kind)
	}
	metrics.DeadLetters.WithLabelValues(kind).Inc()

	payload, _ := Marshal(ev)
	p.log.Error().
		Err(cause).
		Str("event_id", ev.ID()).
		Str("event_type", ev.Kind()).
		RawJSON("payload", payload).
		Msg("event dead-lettered")

	if p.sink == nil {
		return
	}
	if err := p.sink.Put(ctx, ev, cause); err != nil {
		p.log.Error().Err(err).Str("event_id", ev.ID()).Msg("dead-letter store failed")
	}
}

// Replay republishes ev once through the wrapped publisher, without the
// retry loop or the dead-letter sink.
func (p *RetryingPublisher) Replay(ctx context.Context, ev Event) (string, error) {
	offset, err := p.next.Publish(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("replay %s: %w", ev.ID(), err)
	}
	metrics.EventsPublished.WithLabelValues(ev.Kind()).Inc()
	return offset, nil
}
