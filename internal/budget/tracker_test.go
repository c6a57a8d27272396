package budget

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/semantic"
)

func newTestTracker(t *testing.T, daily float64) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tr := NewTracker(client, daily, zerolog.Nop())
	tr.now = func() time.Time { return time.Date(2024, 12, 25, 10, 0, 0, 0, time.UTC) }
	return tr, mr
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCost(t *testing.T) {
	tests := []struct {
		model   string
		in, out int64
		want    float64
	}{
		{"gpt-4o-mini", 1000, 1000, 0.00075},
		{"gpt-4o", 2000, 500, 0.01},
		{"gpt-3.5-turbo", 1000, 0, 0.0005},
		{"some-new-model", 1000, 1000, 0.00075},
	}
	for _, tt := range tests {
		if got := Cost(tt.model, tt.in, tt.out); !approx(got, tt.want) {
			t.Errorf("Cost(%s, %d, %d) = %v, want %v", tt.model, tt.in, tt.out, got, tt.want)
		}
	}
}

func TestRecordAndStats(t *testing.T) {
	tr, mr := newTestTracker(t, 0)
	ctx := context.Background()

	if err := tr.Record(ctx, "gpt-4o-mini", 1000, 1000); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := tr.Record(ctx, "gpt-4o", 2000, 500); err != nil {
		t.Fatalf("Record: %v", err)
	}

	spent, err := tr.Spent(ctx)
	if err != nil || !approx(spent, 0.01075) {
		t.Fatalf("Spent = %v, %v", spent, err)
	}

	stats, err := tr.Stats(ctx, tr.now())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Date != "2024-12-25" || stats.TotalCalls != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ModelCalls["gpt-4o"] != 1 || !approx(stats.ModelCost["gpt-4o-mini"], 0.00075) {
		t.Errorf("per-model = %v / %v", stats.ModelCalls, stats.ModelCost)
	}

	ttl := mr.TTL("openai:cost:daily:2024-12-25:summary")
	if ttl != keyTTL {
		t.Errorf("ttl = %v, want %v", ttl, keyTTL)
	}
}

func TestAllow(t *testing.T) {
	tr, _ := newTestTracker(t, 0.001)
	ctx := context.Background()

	if err := tr.Allow(ctx); err != nil {
		t.Fatalf("fresh day should be allowed: %v", err)
	}
	if err := tr.Record(ctx, "gpt-4o-mini", 1000, 1000); err != nil {
		t.Fatal(err)
	}
	if err := tr.Allow(ctx); err != nil {
		t.Fatalf("under budget should be allowed: %v", err)
	}
	if rem, _ := tr.Remaining(ctx); !approx(rem, 0.00025) {
		t.Errorf("remaining = %v", rem)
	}

	if err := tr.Record(ctx, "gpt-4o-mini", 1000, 1000); err != nil {
		t.Fatal(err)
	}
	err := tr.Allow(ctx)
	if !errors.Is(err, semantic.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want budget exceeded", err)
	}
	if semantic.KindOf(err) != semantic.KindBudgetExceeded {
		t.Fatalf("kind = %q", semantic.KindOf(err))
	}
	if rem, _ := tr.Remaining(ctx); rem != 0 {
		t.Errorf("remaining = %v, want 0", rem)
	}

	// A new UTC day resets the window.
	tr.now = func() time.Time { return time.Date(2024, 12, 26, 0, 0, 1, 0, time.UTC) }
	if err := tr.Allow(ctx); err != nil {
		t.Fatalf("next day should be allowed: %v", err)
	}
}

func TestAllow_Unlimited(t *testing.T) {
	tr, mr := newTestTracker(t, 0)
	mr.Close()

	if err := tr.Allow(context.Background()); err != nil {
		t.Fatalf("unlimited budget should not touch redis: %v", err)
	}
	if rem, err := tr.Remaining(context.Background()); err != nil || rem != -1 {
		t.Fatalf("remaining = %v, %v", rem, err)
	}
}

func TestAllow_StoreDown(t *testing.T) {
	tr, mr := newTestTracker(t, 1)
	mr.Close()

	err := tr.Allow(context.Background())
	if err == nil || errors.Is(err, semantic.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want a store error", err)
	}
}
