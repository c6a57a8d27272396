package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/bus"
	"github.com/stellarlinkco/memokeeper/internal/config"
	"github.com/stellarlinkco/memokeeper/internal/semantic"
	"github.com/stellarlinkco/memokeeper/internal/stream"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfg := config.DefaultConfig()
	cfg.Telegram.Enabled = false
	cfg.Gateway = config.GatewayConfig{Host: "127.0.0.1", Port: 0}
	cfg.DeadLetter.DBPath = filepath.Join(tmpDir, "dl.db")
	cfg.Pipeline.PublishAttempts = 2
	cfg.Pipeline.PublishBackoff = "1ms"
	cfg.Pipeline.PublishMaxWait = "2ms"
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, opts Options) (*Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	opts.Redis = client
	opts.Logger = zerolog.Nop()
	g, err := NewWithOptions(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	return g, mr
}

func TestNewWithOptions_UnknownDedupBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dedup.Backend = "etcd"
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := NewWithOptions(context.Background(), cfg, Options{Redis: client, Logger: zerolog.Nop()})
	if err == nil || !strings.Contains(err.Error(), "etcd") {
		t.Fatalf("err = %v, want unknown backend", err)
	}
}

func TestNewWithOptions_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://127.0.0.1:1/0"
	if _, err := NewWithOptions(context.Background(), cfg, Options{Logger: zerolog.Nop()}); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestNewWithOptions_Jobs(t *testing.T) {
	cfg := testConfig(t)
	g, _ := newTestGateway(t, cfg, Options{})
	defer g.Shutdown()
	if jobs := g.cron.ListJobs(); len(jobs) != 1 || jobs[0].Name != "deadletter-replay" {
		t.Fatalf("jobs = %+v", jobs)
	}

	cfg = testConfig(t)
	cfg.Dedup.Backend = config.DedupBackendMemory
	g2, _ := newTestGateway(t, cfg, Options{})
	defer g2.Shutdown()
	if jobs := g2.cron.ListJobs(); len(jobs) != 2 || jobs[1].Name != "dedup-sweep" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestGateway_Health(t *testing.T) {
	g, mr := newTestGateway(t, testConfig(t), Options{})
	defer g.Shutdown()
	h := g.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" || resp.Checks["redis"].Status != "pass" || resp.Checks["deadletter"].Status != "pass" {
		t.Fatalf("resp = %+v", resp)
	}

	mr.Close()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestGateway_Stats(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), Options{})
	defer g.Shutdown()

	if err := g.router.Submit(bus.InboundMessage{ChatID: -100, MessageID: 1, SenderID: 7, Text: "Решили использовать PostgreSQL", Timestamp: 1734512345}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return g.router.Stats().Published == 1 })

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.StreamLen != 1 || resp.Pipeline.Published != 1 || resp.DeadLetters != 0 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Budget != nil {
		t.Errorf("budget should be absent when semantic is disabled")
	}
	if len(resp.Jobs) != 1 {
		t.Errorf("jobs = %+v", resp.Jobs)
	}
}

func TestGateway_Metrics(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), Options{})
	defer g.Shutdown()
	h := g.Handler()

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `memokeeper_http_requests_total{method="GET",path="/health",status="200"}`) {
		t.Errorf("metrics missing health request counter")
	}
}

func TestGateway_WebhookRoute(t *testing.T) {
	cfg := testConfig(t)
	g, _ := newTestGateway(t, cfg, Options{})
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}")))
	if rec.Code != http.StatusNotFound {
		t.Errorf("polling mode: status = %d, want 404", rec.Code)
	}
	g.Shutdown()

	cfg = testConfig(t)
	cfg.Telegram = config.TelegramConfig{Enabled: true, Token: "test-token", WebhookURL: "https://example.com/webhook"}
	g, _ = newTestGateway(t, cfg, Options{})
	defer g.Shutdown()
	h := g.Handler()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", rec.Code)
	}

	body := `{"update_id":1,"message":{"message_id":5,"date":1734512345,"chat":{"id":-100,"type":"supergroup"},"from":{"id":7},"text":"Решили использовать PostgreSQL"}}`
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d", rec.Code)
	}
	select {
	case msg := <-g.bus.Inbound:
		if msg.ChatID != -100 || msg.MessageID != 5 || msg.SenderID != 7 {
			t.Errorf("msg = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("update not delivered to bus")
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	g, _ := newTestGateway(t, testConfig(t), Options{SignalChan: sigCh})

	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background())
	}()

	g.bus.Inbound <- bus.InboundMessage{ChatID: -100, MessageID: 1, SenderID: 7, Text: "Решили использовать PostgreSQL", Timestamp: 1734512345}
	g.bus.Inbound <- bus.InboundMessage{ChatID: -100, MessageID: 2, SenderID: 7, Text: "ок", Timestamp: 1734512346}
	g.bus.Inbound <- bus.InboundMessage{ChatID: -200, MessageID: 3, SenderID: 8, Text: "Надо обновить документацию до пятницы", Timestamp: 1734512347}

	time.Sleep(50 * time.Millisecond)
	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after signal")
	}

	n, err := g.stream.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("stream entries = %d, want 2", n)
	}
	if s := g.router.Stats(); s.Filtered != 1 || s.Published != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestGateway_Run_ContextCancel(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), Options{SignalChan: make(chan os.Signal, 1)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}

func TestGateway_Run_ListenError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.Host = "256.0.0.1"
	g, _ := newTestGateway(t, cfg, Options{SignalChan: make(chan os.Signal, 1)})
	if err := g.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "listen") {
		t.Fatalf("err = %v, want listen error", err)
	}
}

func TestGateway_ReplayJob(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), Options{})
	defer g.Shutdown()
	ctx := context.Background()

	ev := &stream.MemoryEvent{
		EventType:       stream.TypeMemoryAdded,
		MemoryID:        "mem_-100_9_decision",
		ChatID:          -100,
		UserID:          7,
		SourceMessageID: 9,
		Content:         "Решили использовать PostgreSQL",
		ContentType:     "decision",
		Confidence:      0.85,
		Timestamp:       1734512345,
		Tags:            []string{"decision"},
		Scope:           stream.ScopeChat,
		Metadata:        `{"source":"rules"}`,
	}
	cause := &stream.PublishError{Kind: stream.KindUnavailable, Err: errors.New("connection refused")}
	if err := g.dlq.Put(ctx, ev, cause); err != nil {
		t.Fatal(err)
	}

	result, err := g.cron.RunNow(ctx, "deadletter-replay")
	if err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	if result != "replayed 1" {
		t.Errorf("result = %q", result)
	}
	if n, _ := g.dlq.Count(ctx); n != 0 {
		t.Errorf("pending dead letters = %d, want 0", n)
	}
	if n, _ := g.stream.Len(ctx); n != 1 {
		t.Fatalf("stream entries = %d, want 1", n)
	}
}

func TestGateway_ReplaySkipsRedeliveredEvent(t *testing.T) {
	g, mr := newTestGateway(t, testConfig(t), Options{})
	defer g.Shutdown()
	ctx := context.Background()
	msg := bus.InboundMessage{ChatID: 5, MessageID: 9, SenderID: 7, Text: "Решили использовать PostgreSQL", Timestamp: 1734512345}

	mr.SetError("ERR redis offline")
	if err := g.router.Submit(msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return g.router.Stats().Failed == 1 })
	mr.SetError("")
	if n, _ := g.dlq.Count(ctx); n != 1 {
		t.Fatalf("pending dead letters = %d, want 1", n)
	}

	if err := g.router.Submit(msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return g.router.Stats().Published == 1 })

	result, err := g.cron.RunNow(ctx, "deadletter-replay")
	if err != nil || result != "replayed 0" {
		t.Fatalf("RunNow = %q, %v", result, err)
	}
	if n, _ := g.dlq.Count(ctx); n != 0 {
		t.Errorf("pending dead letters = %d, want 0", n)
	}
	entries, err := g.redis.XRange(ctx, g.cfg.Stream.Name, "-", "+").Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Values["memory_id"] != "mem_5_9_decision" {
		t.Fatalf("stream entries = %+v, want one mem_5_9_decision", entries)
	}
}

func TestGateway_SweepJob(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dedup.Backend = config.DedupBackendMemory
	g, _ := newTestGateway(t, cfg, Options{})
	defer g.Shutdown()

	result, err := g.cron.RunNow(context.Background(), "dedup-sweep")
	if err != nil || result != "swept 0" {
		t.Fatalf("RunNow = %q, %v", result, err)
	}
}

func TestGateway_InjectedSemantic(t *testing.T) {
	cfg := testConfig(t)
	calls := make(chan string, 4)
	sem := semantic.Func(func(ctx context.Context, text string, recent []string) (semantic.Verdict, error) {
		calls <- text
		return semantic.Verdict{}, semantic.ErrUnavailable
	})
	g, _ := newTestGateway(t, cfg, Options{Semantic: sem})

	_ = g.router.Submit(bus.InboundMessage{ChatID: -100, MessageID: 1, SenderID: 7, Text: "кстати вчера обсуждали переезд офиса", Timestamp: 1734512345})
	select {
	case got := <-calls:
		if !strings.Contains(got, "переезд") {
			t.Errorf("semantic text = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("semantic classifier not consulted")
	}
	if err := g.Shutdown(); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
