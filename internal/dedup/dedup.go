// Package dedup collapses repeated deliveries of the same (chat, message,
// content type) triple within a retention window.
package dedup

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/classify"
)

// DefaultTTL is the retention window for idempotency keys.
const DefaultTTL = 30 * 24 * time.Hour

// Deduplicator admits a key once per TTL. Admit must be an atomic
// check-and-set: of several concurrent callers for one key exactly one sees
// true.
type Deduplicator interface {
	Admit(ctx context.Context, chatID, messageID int64, t classify.ContentType) (bool, error)
}

// Key renders the idempotency key.
func Key(chatID, messageID int64, t classify.ContentType) string {
	return fmt.Sprintf("mem:%d:%d:%s", chatID, messageID, t)
}

// RedisDeduplicator keeps keys in Redis with SET NX EX.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisDeduplicator{
		client: client,
		ttl:    ttl,
		log:    logger.With().Str("component", "dedup").Str("backend", "redis").Logger(),
	}
}

func (d *RedisDeduplicator) Admit(ctx context.Context, chatID, messageID int64, t classify.ContentType) (bool, error) {
	key := Key(chatID, messageID, t)
	ok, err := d.client.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", key, err)
	}
	if !ok {
		d.log.Debug().Str("key", key).Msg("duplicate")
	}
	return ok, nil
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
}

// MemoryDeduplicator is an in-process set with per-entry expiry. Keys are
// spread over independently locked shards. Expired entries are re-admitted
// lazily; Sweep reclaims them.
type MemoryDeduplicator struct {
	shards [shardCount]shard
	ttl    time.Duration
	now    func() time.Time
}

func NewMemory(ttl time.Duration) *MemoryDeduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	d := &MemoryDeduplicator{ttl: ttl, now: time.Now}
	for i := range d.shards {
		d.shards[i].entries = make(map[string]time.Time)
	}
	return d
}

func (d *MemoryDeduplicator) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &d.shards[h.Sum32()%shardCount]
}

func (d *MemoryDeduplicator) Admit(ctx context.Context, chatID, messageID int64, t classify.ContentType) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := Key(chatID, messageID, t)
	s := d.shardFor(key)
	now := d.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[key] = now.Add(d.ttl)
	return true, nil
}

// Sweep removes expired entries and returns how many were dropped.
func (d *MemoryDeduplicator) Sweep() int {
	now := d.now()
	removed := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		for k, exp := range s.entries {
			if !now.Before(exp) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored keys, expired or not.
func (d *MemoryDeduplicator) Len() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
