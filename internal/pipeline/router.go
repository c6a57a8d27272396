// Package pipeline runs inbound messages through filter, extraction, dedup
// and publish with one sequential worker per chat.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/bus"
	"github.com/stellarlinkco/memokeeper/internal/dedup"
	"github.com/stellarlinkco/memokeeper/internal/extract"
	"github.com/stellarlinkco/memokeeper/internal/filter"
	"github.com/stellarlinkco/memokeeper/internal/metrics"
	"github.com/stellarlinkco/memokeeper/internal/stream"
)

const (
	DefaultIdleTimeout   = 2 * time.Minute
	DefaultOpTimeout     = 30 * time.Second
	DefaultContextWindow = 5
)

var ErrClosed = errors.New("pipeline: router closed")

// DeadLetterer takes events the router gave up on.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, ev stream.Event, cause error)
}

// Options wires the stages. Publisher is expected to dead-letter its own
// unavailable failures, as stream.RetryingPublisher does.
type Options struct {
	Filter        *filter.Filter
	Extractor     *extract.Extractor
	Dedup         dedup.Deduplicator
	Publisher     stream.Publisher
	DeadLetters   DeadLetterer
	ContextWindow int
	IdleTimeout   time.Duration
	OpTimeout     time.Duration
	Retry         stream.RetryConfig
	// Strict panics on rejected events instead of dead-lettering them.
	Strict bool
	Logger zerolog.Logger
}

// Stats is a snapshot of router counters.
type Stats struct {
	Received   int64 `json:"received"`
	Filtered   int64 `json:"filtered"`
	Dropped    int64 `json:"dropped"`
	Duplicates int64 `json:"duplicates"`
	Published  int64 `json:"published"`
	Failed     int64 `json:"failed"`
	Workers    int   `json:"workers"`
	Queued     int   `json:"queued"`
}

type counters struct {
	received, filtered, dropped, duplicates, published, failed atomic.Int64
}

// Router fans messages out to per-chat workers. Messages of one chat are
// processed and published in arrival order; chats run in parallel.
type Router struct {
	opts   Options
	log    zerolog.Logger
	runCtx context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[int64]*worker
	recent  map[int64][]string // windows of reaped workers
	closed  bool
	wg      sync.WaitGroup

	stats counters
}

func NewRouter(opts Options) *Router {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = DefaultContextWindow
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "pipeline").Logger(),
		runCtx:  ctx,
		cancel:  cancel,
		workers: make(map[int64]*worker),
		recent:  make(map[int64][]string),
	}
}

// Submit queues msg on its chat's worker. It never blocks on processing.
func (r *Router) Submit(msg bus.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.stats.received.Add(1)
	metrics.MessagesReceived.Inc()

	w, ok := r.workers[msg.ChatID]
	if !ok {
		w = newWorker(msg.ChatID, r.opts.ContextWindow)
		for _, text := range r.recent[msg.ChatID] {
			w.remember(text)
		}
		delete(r.recent, msg.ChatID)
		r.workers[msg.ChatID] = w
		r.wg.Add(1)
		metrics.ActiveWorkers.Inc()
		go r.runWorker(w)
	}
	w.push(msg)
	return nil
}

// Run submits messages from b until ctx is done or the channel closes.
func (r *Router) Run(ctx context.Context, b *bus.MessageBus) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.Inbound:
			if !ok {
				return nil
			}
			if err := r.Submit(msg); err != nil {
				return err
			}
		}
	}
}

// Close stops intake, cancels in-flight semantic calls and waits for every
// queued message to be processed rule-only and published. It returns
// ctx.Err() if ctx ends first.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info().Msg("pipeline drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) Stats() Stats {
	s := Stats{
		Received:   r.stats.received.Load(),
		Filtered:   r.stats.filtered.Load(),
		Dropped:    r.stats.dropped.Load(),
		Duplicates: r.stats.duplicates.Load(),
		Published:  r.stats.published.Load(),
		Failed:     r.stats.failed.Load(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s.Workers = len(r.workers)
	for _, w := range r.workers {
		s.Queued += w.len()
	}
	return s
}

func (r *Router) runWorker(w *worker) {
	defer r.wg.Done()
	defer metrics.ActiveWorkers.Dec()

	idle := time.NewTimer(r.opts.IdleTimeout)
	defer idle.Stop()

	for {
		if msg, ok := w.pop(); ok {
			r.handle(w, msg)
			idle.Reset(r.opts.IdleTimeout)
			continue
		}
		select {
		case <-w.wake:
		case <-r.runCtx.Done():
			if r.retire(w) {
				return
			}
		case <-idle.C:
			if r.retire(w) {
				r.log.Debug().Int64("chat_id", w.chatID).Msg("idle worker reaped")
				return
			}
			idle.Reset(r.opts.IdleTimeout)
		}
	}
}

// retire removes w from the router if its queue is empty and keeps its
// recent window for the chat's next worker. Submit enqueues under r.mu, so
// holding both locks means no message can slip in.
func (r *Router) retire(w *worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.len() > 0 {
		return false
	}
	delete(r.workers, w.chatID)
	if texts := w.recentTexts(); len(texts) > 0 {
		r.recent[w.chatID] = texts
	}
	return true
}

func (r *Router) handle(w *worker, msg bus.InboundMessage) {
	log := r.log.With().
		Str("trace_id", uuid.NewString()).
		Int64("chat_id", msg.ChatID).
		Int64("message_id", msg.MessageID).
		Logger()

	if ok, reason := r.opts.Filter.Check(msg.Text); !ok {
		r.stats.filtered.Add(1)
		metrics.MessagesFiltered.WithLabelValues(string(reason)).Inc()
		log.Debug().Str("reason", string(reason)).Msg("filtered")
		return
	}
	msg.Text = r.opts.Filter.Clean(msg.Text)

	res := r.opts.Extractor.Extract(r.runCtx, msg, w.recentTexts())
	w.remember(msg.Text)
	if res.Dropped() {
		r.stats.dropped.Add(1)
		return
	}

	ev := stream.FromResult(msg, res)
	log = log.With().
		Str("content_type", string(res.Type)).
		Float64("confidence", res.Confidence).
		Str("event_id", ev.ID()).
		Logger()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.runCtx), r.opts.OpTimeout)
	defer cancel()

	admitted, err := stream.Do(ctx, r.opts.Retry, func() (bool, error) {
		return r.opts.Dedup.Admit(ctx, msg.ChatID, msg.MessageID, res.Type)
	}, func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("wait", wait).Msg("dedup failed, retrying")
	})
	if err != nil {
		metrics.DedupResults.WithLabelValues("error").Inc()
		r.stats.failed.Add(1)
		r.deadLetter(ctx, ev, &stream.PublishError{Kind: stream.KindDedupUnavailable, Err: err})
		return
	}
	if !admitted {
		metrics.DedupResults.WithLabelValues("duplicate").Inc()
		r.stats.duplicates.Add(1)
		log.Debug().Msg("duplicate")
		return
	}
	metrics.DedupResults.WithLabelValues("admitted").Inc()

	offset, err := r.opts.Publisher.Publish(ctx, ev)
	if err != nil {
		r.stats.failed.Add(1)
		if errors.Is(err, stream.ErrRejected) {
			if r.opts.Strict {
				panic(fmt.Sprintf("pipeline: rejected event %s: %v", ev.ID(), err))
			}
			log.Error().Err(err).Msg("event rejected")
			r.deadLetter(ctx, ev, err)
			return
		}
		log.Error().Err(err).Msg("publish failed")
		return
	}
	r.stats.published.Add(1)
	log.Info().Str("offset", offset).Bool("review", res.Review).Msg("published")
}

func (r *Router) deadLetter(ctx context.Context, ev stream.Event, cause error) {
	if r.opts.DeadLetters == nil {
		r.log.Error().Err(cause).Str("event_id", ev.ID()).Msg("event lost, no dead-letter sink")
		return
	}
	r.opts.DeadLetters.DeadLetter(ctx, ev, cause)
}
