// Package gateway wires channels, the extraction pipeline, the stream and
// the maintenance jobs into one running service.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/memokeeper/internal/budget"
	"github.com/stellarlinkco/memokeeper/internal/bus"
	"github.com/stellarlinkco/memokeeper/internal/channel"
	"github.com/stellarlinkco/memokeeper/internal/config"
	"github.com/stellarlinkco/memokeeper/internal/cron"
	"github.com/stellarlinkco/memokeeper/internal/deadletter"
	"github.com/stellarlinkco/memokeeper/internal/dedup"
	"github.com/stellarlinkco/memokeeper/internal/filter"
	"github.com/stellarlinkco/memokeeper/internal/pipeline"
	"github.com/stellarlinkco/memokeeper/internal/semantic"
	"github.com/stellarlinkco/memokeeper/internal/store"
	"github.com/stellarlinkco/memokeeper/internal/stream"
)

const (
	shutdownTimeout = 30 * time.Second
	replayBatch     = 100
)

// Options for creating a Gateway
type Options struct {
	// Redis replaces the client opened from cfg.Redis.URL.
	Redis *redis.Client
	// Semantic replaces the classifier built from cfg.Semantic.
	Semantic   semantic.Classifier
	SignalChan chan os.Signal // for testing signal handling
	Logger     zerolog.Logger
}

type Gateway struct {
	cfg        *config.Config
	log        zerolog.Logger
	bus        *bus.MessageBus
	redis      *redis.Client
	ownsRedis  bool
	dlq        *deadletter.Store
	stream     *stream.RedisPublisher
	publisher  *stream.RetryingPublisher
	dedup      dedup.Deduplicator
	memDedup   *dedup.MemoryDeduplicator
	budget     *budget.Tracker
	router     *pipeline.Router
	channels   *channel.ChannelManager
	cron       *cron.Service
	server     *http.Server
	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{Logger: logger})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (_ *Gateway, err error) {
	g := &Gateway{
		cfg:        cfg,
		log:        opts.Logger.With().Str("component", "gateway").Logger(),
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		signalChan: opts.SignalChan,
	}
	defer func() {
		if err != nil {
			g.closeStores()
		}
	}()

	g.redis = opts.Redis
	if g.redis == nil {
		g.redis, err = store.OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		g.ownsRedis = true
	}

	g.dlq, err = deadletter.Open(cfg.DeadLetterPath())
	if err != nil {
		return nil, fmt.Errorf("open dead-letter store: %w", err)
	}

	sem := opts.Semantic
	if sem == nil {
		sem, g.budget, err = NewSemantic(cfg, g.redis, opts.Logger)
		if err != nil {
			return nil, err
		}
	}
	extractor, err := NewExtractor(cfg, sem, opts.Logger)
	if err != nil {
		return nil, err
	}

	dd, mem, err := NewDedup(cfg, g.redis, opts.Logger)
	if err != nil {
		return nil, err
	}
	g.dedup, g.memDedup = dd, mem

	retry := RetryConfig(cfg)
	g.stream = stream.NewRedisPublisher(g.redis, cfg.Stream.Name, cfg.Stream.Partitions, opts.Logger)
	g.publisher = stream.NewRetrying(g.stream, retry, g.dlq, opts.Logger)

	g.router = pipeline.NewRouter(pipeline.Options{
		Filter:        filter.New(cfg.Filter),
		Extractor:     extractor,
		Dedup:         dd,
		Publisher:     g.publisher,
		DeadLetters:   g.publisher,
		ContextWindow: cfg.Extraction.ContextWindow,
		IdleTimeout:   config.Duration(cfg.Pipeline.IdleTimeout, pipeline.DefaultIdleTimeout),
		Retry:         retry,
		Strict:        cfg.Pipeline.StrictInvariants,
		Logger:        opts.Logger,
	})

	g.channels, err = channel.NewChannelManager(cfg.Telegram, g.bus, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}

	g.cron = cron.NewService(filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json"), opts.Logger)
	if err := g.registerJobs(); err != nil {
		return nil, err
	}

	g.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return g, nil
}

// registerJobs adds the maintenance jobs to the scheduler.
func (g *Gateway) registerJobs() error {
	if err := g.cron.AddJob("deadletter-replay", g.cfg.Maintenance.ReplaySchedule, g.replayJob); err != nil {
		return err
	}
	if g.memDedup != nil {
		if err := g.cron.AddJob("dedup-sweep", g.cfg.Maintenance.SweepSchedule, g.sweepJob); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) replayJob(ctx context.Context) (string, error) {
	n, err := deadletter.Replay(ctx, g.dlq, g.publisher, g.dedup, replayBatch, g.log)
	if err != nil {
		return fmt.Sprintf("replayed %d", n), err
	}
	return fmt.Sprintf("replayed %d", n), nil
}

func (g *Gateway) sweepJob(ctx context.Context) (string, error) {
	return fmt.Sprintf("swept %d", g.memDedup.Sweep()), nil
}

// Handler returns the ops HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.newRouter()
}

// Run starts channels, jobs and the HTTP server and blocks until a signal
// arrives, ctx ends or the server fails. It always shuts down before
// returning.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	g.log.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	if err := g.cron.Start(ctx); err != nil {
		g.log.Warn().Err(err).Msg("cron start failed")
	}

	g.server.Handler = g.newRouter()
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("listen %s: %w", g.server.Addr, err)
	}

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return g.server.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		if err := g.router.Run(egCtx, g.bus); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		select {
		case sig := <-sigCh:
			g.log.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-egCtx.Done():
		}
		return nil
	})

	g.log.Info().Str("addr", ln.Addr().String()).Str("stream", g.cfg.Stream.Name).Msg("running")
	err = eg.Wait()
	return errors.Join(err, g.Shutdown())
}

// Shutdown stops intake, drains the pipeline and closes the stores.
func (g *Gateway) Shutdown() error {
	_ = g.channels.StopAll()

	for drained := false; !drained; {
		select {
		case msg := <-g.bus.Inbound:
			if err := g.router.Submit(msg); err != nil {
				g.log.Warn().Err(err).Stringer("message", msg).Msg("dropped during shutdown")
			}
		default:
			drained = true
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := g.router.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain pipeline: %w", err))
	}
	g.cron.Stop()
	g.closeStores()
	g.log.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

func (g *Gateway) closeStores() {
	if g.dlq != nil {
		if err := g.dlq.Close(); err != nil {
			g.log.Warn().Err(err).Msg("close dead-letter store")
		}
		g.dlq = nil
	}
	if g.redis != nil && g.ownsRedis {
		_ = g.redis.Close()
		g.redis = nil
	}
}
