// Package stream defines the memory.added and task.created records and
// appends them to an ordered log.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrorKind classifies publish failures.
type ErrorKind string

const (
	// KindUnavailable means the log could not be reached; retry.
	KindUnavailable ErrorKind = "unavailable"
	// KindRejected means the event is malformed. It is a programming error
	// upstream and is never retried.
	KindRejected ErrorKind = "rejected"
	// KindDedupUnavailable means the idempotency check could not run, so the
	// event was never admitted. Replay must admit it before publishing.
	KindDedupUnavailable ErrorKind = "dedup_unavailable"
)

type PublishError struct {
	Kind ErrorKind
	Err  error
}

var (
	ErrUnavailable      = &PublishError{Kind: KindUnavailable}
	ErrRejected         = &PublishError{Kind: KindRejected}
	ErrDedupUnavailable = &PublishError{Kind: KindDedupUnavailable}
)

func (e *PublishError) Error() string {
	if e.Err == nil {
		return "publish: " + string(e.Kind)
	}
	return fmt.Sprintf("publish: %s: %v", e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Is(target error) bool {
	t, ok := target.(*PublishError)
	return ok && t.Kind == e.Kind
}

// Validate wraps an event's own checks as a Rejected error.
func Validate(ev Event) error {
	if ev == nil {
		return &PublishError{Kind: KindRejected, Err: errors.New("nil event")}
	}
	if err := ev.Validate(); err != nil {
		return &PublishError{Kind: KindRejected, Err: fmt.Errorf("%s %s: %w", ev.Kind(), ev.ID(), err)}
	}
	return nil
}

// Publisher appends events and returns the entry offset. Events of one chat
// published sequentially get increasing offsets.
type Publisher interface {
	Publish(ctx context.Context, ev Event) (string, error)
}

// PartitionFor maps a chat onto one of n partitions of base. With n <= 1
// everything goes to base.
func PartitionFor(base string, chatID int64, n int) string {
	if n <= 1 {
		return base
	}
	p := chatID % int64(n)
	if p < 0 {
		p += int64(n)
	}
	return base + "." + strconv.FormatInt(p, 10)
}

// RedisPublisher appends to a Redis stream with XADD.
type RedisPublisher struct {
	client     *redis.Client
	stream     string
	partitions int
	log        zerolog.Logger
}

func NewRedisPublisher(client *redis.Client, stream string, partitions int, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client:     client,
		stream:     stream,
		partitions: partitions,
		log:        logger.With().Str("component", "stream").Str("stream", stream).Logger(),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) (string, error) {
	if err := Validate(ev); err != nil {
		return "", err
	}
	key := PartitionFor(p.stream, ev.PartitionKey(), p.partitions)
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: ev.Fields(),
	}).Result()
	if err != nil {
		return "", &PublishError{Kind: KindUnavailable, Err: err}
	}
	p.log.Debug().Str("partition", key).Str("event_id", ev.ID()).Str("offset", id).Msg("appended")
	return id, nil
}

// Len returns the number of entries across all partitions.
func (p *RedisPublisher) Len(ctx context.Context) (int64, error) {
	n := p.partitions
	if n < 1 {
		n = 1
	}
	var total int64
	for i := 0; i < n; i++ {
		key := p.stream
		if p.partitions > 1 {
			key = p.stream + "." + strconv.Itoa(i)
		}
		l, err := p.client.XLen(ctx, key).Result()
		if err != nil {
			return 0, err
		}
		total += l
	}
	return total, nil
}

// Entry is one record held by MemoryLog.
type Entry struct {
	Partition string
	Offset    string
	Seq       int64
	Event     Event
}

// MemoryLog is an in-process ordered log, one sequence per partition.
type MemoryLog struct {
	mu         sync.Mutex
	base       string
	partitions int
	seq        map[string]int64
	entries    []Entry
}

func NewMemoryLog(base string, partitions int) *MemoryLog {
	return &MemoryLog{base: base, partitions: partitions, seq: make(map[string]int64)}
}

func (l *MemoryLog) Publish(ctx context.Context, ev Event) (string, error) {
	if err := Validate(ev); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", &PublishError{Kind: KindUnavailable, Err: err}
	}
	part := PartitionFor(l.base, ev.PartitionKey(), l.partitions)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq[part]++
	seq := l.seq[part]
	offset := strconv.FormatInt(seq, 10) + "-0"
	l.entries = append(l.entries, Entry{Partition: part, Offset: offset, Seq: seq, Event: ev})
	return offset, nil
}

// Entries returns a snapshot in append order.
func (l *MemoryLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of appended events.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
