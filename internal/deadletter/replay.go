package deadletter

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/classify"
	"github.com/stellarlinkco/memokeeper/internal/dedup"
	"github.com/stellarlinkco/memokeeper/internal/stream"
)

// Republisher publishes one event without retrying.
type Republisher interface {
	Replay(ctx context.Context, ev stream.Event) (string, error)
}

// Replay republishes up to limit pending letters in order. It stops at the
// first unavailable error and returns the number replayed so far.
//
// Letters stored because dedup was down were never admitted. They go through
// d first, and a letter whose key is already taken is marked replayed
// without publishing.
func Replay(ctx context.Context, s *Store, p Republisher, d dedup.Deduplicator, limit int, logger zerolog.Logger) (int, error) {
	log := logger.With().Str("component", "deadletter").Logger()

	letters, err := s.Pending(ctx, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, l := range letters {
		ev, err := l.Event()
		if err != nil {
			log.Error().Err(err).Int64("id", l.ID).Str("event_id", l.EventID).Msg("undecodable dead letter")
			continue
		}

		if l.Reason == string(stream.KindDedupUnavailable) {
			if d == nil {
				log.Warn().Str("event_id", l.EventID).Msg("dead letter needs dedup, left pending")
				continue
			}
			fresh, err := admit(ctx, d, ev)
			if err != nil {
				return replayed, fmt.Errorf("admit %s: %w", l.EventID, err)
			}
			if !fresh {
				if err := s.MarkReplayed(ctx, l.ID); err != nil {
					return replayed, err
				}
				log.Info().Str("event_id", l.EventID).Msg("dead letter already published, skipped")
				continue
			}
			// Admitted now; a publish failure below must not re-run dedup.
			if err := s.SetReason(ctx, l.ID, stream.KindUnavailable); err != nil {
				return replayed, err
			}
		}

		offset, err := p.Replay(ctx, ev)
		if err != nil {
			if errors.Is(err, stream.ErrRejected) {
				if perr := s.Put(ctx, ev, err); perr != nil {
					log.Error().Err(perr).Str("event_id", l.EventID).Msg("mark dead letter rejected")
				}
				log.Error().Err(err).Str("event_id", l.EventID).Msg("dead letter rejected on replay")
				continue
			}
			return replayed, fmt.Errorf("replay %s: %w", l.EventID, err)
		}
		if err := s.MarkReplayed(ctx, l.ID); err != nil {
			return replayed, err
		}
		replayed++
		log.Info().Str("event_id", l.EventID).Str("offset", offset).Msg("dead letter replayed")
	}
	return replayed, nil
}

func admit(ctx context.Context, d dedup.Deduplicator, ev stream.Event) (bool, error) {
	switch e := ev.(type) {
	case *stream.MemoryEvent:
		return d.Admit(ctx, e.ChatID, e.SourceMessageID, classify.ContentType(e.ContentType))
	case *stream.TaskEvent:
		return d.Admit(ctx, e.ChatID, e.SourceMessageID, classify.TypeTask)
	default:
		return false, fmt.Errorf("no dedup key for %T", ev)
	}
}
