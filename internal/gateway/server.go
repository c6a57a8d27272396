package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/cron"
	"github.com/stellarlinkco/memokeeper/internal/metrics"
	"github.com/stellarlinkco/memokeeper/internal/pipeline"
)

const version = "0.3.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

type StatsResponse struct {
	Pipeline    pipeline.Stats `json:"pipeline"`
	StreamLen   int64          `json:"stream_len"`
	DeadLetters int            `json:"dead_letters"`
	Budget      *BudgetStats   `json:"budget,omitempty"`
	Jobs        []cron.Job     `json:"jobs"`
}

type BudgetStats struct {
	Spent     float64 `json:"spent"`
	Remaining float64 `json:"remaining"`
}

func (g *Gateway) newRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(requestMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(g.log))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", g.health)
	r.Get("/stats", g.stats)

	if h, ok := g.channels.Webhooks()["telegram"]; ok {
		r.Post("/webhook", h.ServeHTTP)
	}
	return r
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	check := func(name string, ping func(context.Context) error) {
		start := time.Now()
		if err := ping(ctx); err != nil {
			checks[name] = Check{Status: "fail", Message: err.Error()}
			allHealthy = false
			return
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}
	check("redis", func(ctx context.Context) error { return g.redis.Ping(ctx).Err() })
	check("deadletter", g.dlq.Ping)

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatsResponse{
		Pipeline: g.router.Stats(),
		Jobs:     g.cron.ListJobs(),
	}

	var err error
	if resp.StreamLen, err = g.stream.Len(ctx); err != nil {
		g.log.Warn().Err(err).Msg("stream length unavailable")
	}
	if resp.DeadLetters, err = g.dlq.Count(ctx); err != nil {
		g.log.Warn().Err(err).Msg("dead-letter count unavailable")
	}
	if g.budget != nil {
		spent, err1 := g.budget.Spent(ctx)
		remaining, err2 := g.budget.Remaining(ctx)
		if err1 == nil && err2 == nil {
			resp.Budget = &BudgetStats{Spent: spent, Remaining: remaining}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs each request once it completes.
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// requestMetrics counts requests by route pattern.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
	})
}
