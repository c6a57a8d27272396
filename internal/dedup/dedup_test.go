package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/classify"
)

func newRedisDedup(t *testing.T, ttl time.Duration) (*RedisDeduplicator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, ttl, zerolog.Nop()), mr
}

func TestKey(t *testing.T) {
	if got := Key(-1001, 42, classify.TypeDecision); got != "mem:-1001:42:decision" {
		t.Fatalf("Key = %q", got)
	}
}

// admitTwice checks the basic contract shared by both backends.
func admitTwice(t *testing.T, d Deduplicator) {
	t.Helper()
	ctx := context.Background()

	ok, err := d.Admit(ctx, 1, 10, classify.TypeTask)
	if err != nil || !ok {
		t.Fatalf("first admit = %v, %v", ok, err)
	}
	ok, err = d.Admit(ctx, 1, 10, classify.TypeTask)
	if err != nil || ok {
		t.Fatalf("second admit = %v, %v", ok, err)
	}
	// Different type, message or chat is a different key.
	for _, k := range []struct {
		chat, msg int64
		typ       classify.ContentType
	}{
		{1, 10, classify.TypeDeadline},
		{1, 11, classify.TypeTask},
		{2, 10, classify.TypeTask},
	} {
		if ok, _ := d.Admit(ctx, k.chat, k.msg, k.typ); !ok {
			t.Errorf("admit %+v = false, want true", k)
		}
	}
}

func concurrentAdmit(t *testing.T, d Deduplicator) {
	t.Helper()
	const workers = 64
	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := d.Admit(context.Background(), 5, 500, classify.TypeDecision)
			if err != nil {
				t.Errorf("admit error: %v", err)
				return
			}
			if ok {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if n := admitted.Load(); n != 1 {
		t.Fatalf("admitted %d times, want exactly 1", n)
	}
}

func TestRedisDeduplicator(t *testing.T) {
	d, mr := newRedisDedup(t, 0)
	admitTwice(t, d)

	if ttl := mr.TTL("mem:1:10:task"); ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", ttl, DefaultTTL)
	}
}

func TestRedisDeduplicator_Concurrent(t *testing.T) {
	d, _ := newRedisDedup(t, time.Hour)
	concurrentAdmit(t, d)
}

func TestRedisDeduplicator_Expiry(t *testing.T) {
	d, mr := newRedisDedup(t, time.Hour)
	ctx := context.Background()

	if ok, _ := d.Admit(ctx, 1, 1, classify.TypeLink); !ok {
		t.Fatal("first admit should pass")
	}
	mr.FastForward(time.Hour + time.Second)
	if ok, _ := d.Admit(ctx, 1, 1, classify.TypeLink); !ok {
		t.Fatal("expired key should re-admit")
	}
}

func TestRedisDeduplicator_StoreDown(t *testing.T) {
	d, mr := newRedisDedup(t, time.Hour)
	mr.Close()

	ok, err := d.Admit(context.Background(), 1, 1, classify.TypeTask)
	if err == nil || ok {
		t.Fatalf("admit = %v, %v; want error", ok, err)
	}
}

func TestMemoryDeduplicator(t *testing.T) {
	admitTwice(t, NewMemory(0))
}

func TestMemoryDeduplicator_Concurrent(t *testing.T) {
	concurrentAdmit(t, NewMemory(time.Hour))
}

func TestMemoryDeduplicator_ExpiryAndSweep(t *testing.T) {
	d := NewMemory(time.Hour)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	for i := int64(0); i < 10; i++ {
		if ok, _ := d.Admit(ctx, 1, i, classify.TypeTask); !ok {
			t.Fatalf("admit %d failed", i)
		}
	}
	if d.Len() != 10 {
		t.Fatalf("Len = %d", d.Len())
	}

	now = now.Add(30 * time.Minute)
	if ok, _ := d.Admit(ctx, 1, 0, classify.TypeTask); ok {
		t.Fatal("key within ttl should stay a duplicate")
	}
	if removed := d.Sweep(); removed != 0 {
		t.Fatalf("swept %d live keys", removed)
	}

	now = now.Add(31 * time.Minute)
	if ok, _ := d.Admit(ctx, 1, 0, classify.TypeTask); !ok {
		t.Fatal("expired key should re-admit")
	}
	if removed := d.Sweep(); removed != 9 {
		t.Fatalf("swept %d, want 9", removed)
	}
	if d.Len() != 1 {
		t.Fatalf("Len = %d, want 1", d.Len())
	}
}

func TestMemoryDeduplicator_CancelledContext(t *testing.T) {
	d := NewMemory(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Admit(ctx, 1, 1, classify.TypeTask); err == nil {
		t.Fatal("expected context error")
	}
	if d.Len() != 0 {
		t.Fatal("cancelled admit must not store the key")
	}
}
