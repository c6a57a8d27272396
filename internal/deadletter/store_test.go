package deadletter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/classify"
	"github.com/stellarlinkco/memokeeper/internal/dedup"
	"github.com/stellarlinkco/memokeeper/internal/stream"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "deadletter.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(chat, msg int64) *stream.MemoryEvent {
	return &stream.MemoryEvent{
		EventType:       stream.TypeMemoryAdded,
		MemoryID:        stream.MemoryID(chat, msg, "decision"),
		ChatID:          chat,
		UserID:          1,
		SourceMessageID: msg,
		Content:         "[Решение] Берём PostgreSQL",
		ContentType:     "decision",
		Confidence:      0.85,
		Timestamp:       1734512345,
		Tags:            []string{"decision"},
		Scope:           stream.ScopeChat,
		Metadata:        `{"source":"rules"}`,
	}
}

var unavailable = &stream.PublishError{Kind: stream.KindUnavailable, Err: errors.New("connection refused")}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dl", "deadletter.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()

	var version int
	if err := s2.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Fatalf("user_version = %d, want %d", version, schemaVersion)
	}
}

func TestPutAndPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if err := s.Put(ctx, testEvent(-100, i), unavailable); err != nil {
			t.Fatalf("Put error: %v", err)
		}
	}
	letters, err := s.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending error: %v", err)
	}
	if len(letters) != 3 {
		t.Fatalf("pending = %d, want 3", len(letters))
	}
	first := letters[0]
	if first.EventID != "mem_-100_1_decision" || first.ChatID != -100 || first.Reason != "unavailable" || first.Attempts != 1 {
		t.Fatalf("letter = %+v", first)
	}
	ev, err := first.Event()
	if err != nil {
		t.Fatalf("Event error: %v", err)
	}
	if ev.ID() != first.EventID {
		t.Fatalf("decoded id = %s", ev.ID())
	}

	if n, _ := s.Count(ctx); n != 3 {
		t.Fatalf("Count = %d", n)
	}
}

func TestPut_SameEventBumpsAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ev := testEvent(1, 1)

	_ = s.Put(ctx, ev, unavailable)
	letters, _ := s.Pending(ctx, 10)
	if err := s.MarkReplayed(ctx, letters[0].ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Fatalf("Count after replay = %d", n)
	}

	_ = s.Put(ctx, ev, unavailable)
	letters, _ = s.Pending(ctx, 10)
	if len(letters) != 1 || letters[0].Attempts != 2 || letters[0].ReplayedAt != nil {
		t.Fatalf("letters = %+v", letters)
	}
}

func TestPending_SkipsRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, testEvent(1, 1), &stream.PublishError{Kind: stream.KindRejected, Err: errors.New("bad")})
	_ = s.Put(ctx, testEvent(1, 2), unavailable)

	letters, _ := s.Pending(ctx, 10)
	if len(letters) != 1 || letters[0].EventID != "mem_1_2_decision" {
		t.Fatalf("pending = %+v", letters)
	}
	all, _ := s.List(ctx, 10)
	if len(all) != 2 || all[0].EventID != "mem_1_2_decision" {
		t.Fatalf("list = %+v", all)
	}
}

func TestMarkReplayed_Unknown(t *testing.T) {
	s := openTestStore(t)
	if err := s.MarkReplayed(context.Background(), 999); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 12, 18, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_ = s.Put(ctx, testEvent(1, 1), unavailable)
	_ = s.Put(ctx, testEvent(1, 2), unavailable)
	letters, _ := s.Pending(ctx, 10)
	_ = s.MarkReplayed(ctx, letters[0].ID)

	n, err := s.Purge(ctx, now.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v", n, err)
	}
	all, _ := s.List(ctx, 10)
	if len(all) != 1 {
		t.Fatalf("remaining = %d", len(all))
	}
}

type fakeRepublisher struct {
	errs  map[string]error
	calls []string
}

func (f *fakeRepublisher) Replay(ctx context.Context, ev stream.Event) (string, error) {
	f.calls = append(f.calls, ev.ID())
	if err := f.errs[ev.ID()]; err != nil {
		return "", err
	}
	return "1-0", nil
}

func TestReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		_ = s.Put(ctx, testEvent(1, i), unavailable)
	}

	p := &fakeRepublisher{errs: map[string]error{"mem_1_2_decision": unavailable}}
	n, err := Replay(ctx, s, p, nil, 10, zerolog.Nop())
	if !errors.Is(err, stream.ErrUnavailable) {
		t.Fatalf("Replay error = %v", err)
	}
	if n != 1 || len(p.calls) != 2 {
		t.Fatalf("replayed %d after %d calls", n, len(p.calls))
	}
	if c, _ := s.Count(ctx); c != 2 {
		t.Fatalf("pending = %d, want 2", c)
	}

	p.errs = nil
	n, err = Replay(ctx, s, p, nil, 10, zerolog.Nop())
	if err != nil || n != 2 {
		t.Fatalf("second Replay = %d, %v", n, err)
	}
	if c, _ := s.Count(ctx); c != 0 {
		t.Fatalf("pending = %d, want 0", c)
	}
}

func TestReplay_RejectedStaysStored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, testEvent(1, 1), unavailable)

	p := &fakeRepublisher{errs: map[string]error{"mem_1_1_decision": &stream.PublishError{Kind: stream.KindRejected, Err: errors.New("bad")}}}
	n, err := Replay(ctx, s, p, nil, 10, zerolog.Nop())
	if err != nil || n != 0 {
		t.Fatalf("Replay = %d, %v", n, err)
	}
	if letters, _ := s.Pending(ctx, 10); len(letters) != 0 {
		t.Fatalf("rejected letter should leave the pending set, got %d", len(letters))
	}
	all, _ := s.List(ctx, 10)
	if len(all) != 1 || all[0].Reason != "rejected" || all[0].Attempts != 2 {
		t.Fatalf("list = %+v", all)
	}
}

func TestReplay_AdmitsDedupFailuresFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	dedupDown := &stream.PublishError{Kind: stream.KindDedupUnavailable, Err: errors.New("redis: connection refused")}
	_ = s.Put(ctx, testEvent(1, 1), dedupDown)
	_ = s.Put(ctx, testEvent(1, 2), dedupDown)

	// A redelivery of message 1 got through once dedup came back.
	d := dedup.NewMemory(time.Hour)
	if ok, _ := d.Admit(ctx, 1, 1, classify.TypeDecision); !ok {
		t.Fatal("first admit should pass")
	}

	p := &fakeRepublisher{}
	n, err := Replay(ctx, s, p, d, 10, zerolog.Nop())
	if err != nil || n != 1 {
		t.Fatalf("Replay = %d, %v", n, err)
	}
	if len(p.calls) != 1 || p.calls[0] != "mem_1_2_decision" {
		t.Fatalf("published %v, want only mem_1_2_decision", p.calls)
	}
	if c, _ := s.Count(ctx); c != 0 {
		t.Fatalf("pending = %d, want 0", c)
	}
}

func TestReplay_AdmittedLetterSurvivesPublishFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, testEvent(1, 1), &stream.PublishError{Kind: stream.KindDedupUnavailable, Err: errors.New("timeout")})
	d := dedup.NewMemory(time.Hour)

	p := &fakeRepublisher{errs: map[string]error{"mem_1_1_decision": unavailable}}
	if _, err := Replay(ctx, s, p, d, 10, zerolog.Nop()); !errors.Is(err, stream.ErrUnavailable) {
		t.Fatalf("Replay error = %v", err)
	}
	letters, _ := s.Pending(ctx, 10)
	if len(letters) != 1 || letters[0].Reason != string(stream.KindUnavailable) {
		t.Fatalf("pending = %+v", letters)
	}

	// The key is taken by the first attempt; the retry must still publish.
	p.errs = nil
	n, err := Replay(ctx, s, p, d, 10, zerolog.Nop())
	if err != nil || n != 1 {
		t.Fatalf("second Replay = %d, %v", n, err)
	}
}

func TestReplay_DedupFailureWithoutDeduplicator(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, testEvent(1, 1), &stream.PublishError{Kind: stream.KindDedupUnavailable, Err: errors.New("timeout")})

	p := &fakeRepublisher{}
	n, err := Replay(ctx, s, p, nil, 10, zerolog.Nop())
	if err != nil || n != 0 || len(p.calls) != 0 {
		t.Fatalf("Replay = %d, %v, calls %v", n, err, p.calls)
	}
	if c, _ := s.Count(ctx); c != 1 {
		t.Fatalf("pending = %d, want 1", c)
	}
}
