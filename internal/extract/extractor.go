// Package extract combines the rule classifier with the optional semantic
// classifier and applies the save policy.
package extract

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/bus"
	"github.com/stellarlinkco/memokeeper/internal/classify"
	"github.com/stellarlinkco/memokeeper/internal/config"
	"github.com/stellarlinkco/memokeeper/internal/metrics"
	"github.com/stellarlinkco/memokeeper/internal/semantic"
)

// Source names the classifier whose verdict was used.
type Source string

const (
	SourceRules    Source = "rules"
	SourceSemantic Source = "semantic"
)

// ReviewTag marks results saved below the auto-save threshold.
const ReviewTag = "review"

// Result is the extraction decision for one message. Type none means drop.
type Result struct {
	Type       classify.ContentType
	Confidence float64
	Summary    string
	Tags       []string
	DueDate    string
	Priority   classify.Priority
	Assignee   *int64
	Links      []string
	Source     Source
	Review     bool
}

// Dropped reports whether the message produces no event.
func (r Result) Dropped() bool { return r.Type == classify.TypeNone }

// Extractor is safe for concurrent use.
type Extractor struct {
	rules    *classify.Classifier
	semantic semantic.Classifier
	high     float64
	save     float64
	review   float64
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// New builds an extractor. sem may be nil to run rules only.
func New(cfg config.ExtractionConfig, rules *classify.Classifier, sem semantic.Classifier, timeout time.Duration, logger zerolog.Logger) *Extractor {
	e := &Extractor{
		rules:    rules,
		semantic: sem,
		high:     cfg.HighConfidence,
		save:     cfg.SaveThreshold,
		review:   cfg.ReviewThreshold,
		timeout:  timeout,
		now:      time.Now,
		log:      logger.With().Str("component", "extract").Logger(),
	}
	if e.high <= 0 {
		e.high = config.DefaultHighConfidence
	}
	if e.save <= 0 {
		e.save = config.DefaultSaveThreshold
	}
	if e.review <= 0 {
		e.review = config.DefaultReviewThreshold
	}
	if e.timeout <= 0 {
		e.timeout = config.Duration(config.DefaultSemanticTimeout, 8*time.Second)
	}
	return e
}

// SemanticEnabled reports whether a semantic classifier is configured.
func (e *Extractor) SemanticEnabled() bool { return e.semantic != nil }

type verdict struct {
	typ        classify.ContentType
	confidence float64
	source     Source
	sem        *semantic.Verdict
}

// Extract classifies msg.Text. recent holds earlier texts from the same chat,
// oldest first. A cancelled ctx skips the semantic path and keeps the rule
// verdict.
func (e *Extractor) Extract(ctx context.Context, msg bus.InboundMessage, recent []string) Result {
	log := e.log.With().Int64("chat_id", msg.ChatID).Int64("message_id", msg.MessageID).Logger()

	rc := e.rules.Classify(msg.Text)
	v := verdict{typ: rc.Type, confidence: rc.Confidence, source: SourceRules}

	if rc.Confidence < e.high && e.semantic != nil && ctx.Err() == nil {
		if sv, ok := e.classifySemantic(ctx, log, msg.Text, recent); ok && sv.Confidence >= rc.Confidence {
			v = verdict{typ: sv.Type, confidence: sv.Confidence, source: SourceSemantic, sem: &sv}
		}
	}

	res := e.finish(msg, v)
	metrics.Classifications.WithLabelValues(string(res.Source), string(res.Type)).Inc()
	log.Debug().
		Str("rule", rc.Rule).
		Str("source", string(res.Source)).
		Str("content_type", string(res.Type)).
		Float64("confidence", res.Confidence).
		Bool("review", res.Review).
		Msg("extracted")
	return res
}

// classifySemantic returns a clamped verdict, or ok=false on any failure.
func (e *Extractor) classifySemantic(ctx context.Context, log zerolog.Logger, text string, recent []string) (semantic.Verdict, bool) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	sv, err := e.semantic.Classify(cctx, text, recent)
	metrics.SemanticLatency.Observe(time.Since(start).Seconds())

	if err == nil && cctx.Err() != nil {
		// a late answer past the deadline is not trusted
		err = &semantic.Error{Kind: semantic.KindUnavailable, Err: cctx.Err()}
	}
	if err != nil {
		kind := semantic.KindOf(err)
		metrics.SemanticCalls.WithLabelValues(string(kind)).Inc()
		ev := log.Debug()
		if kind == semantic.KindMalformedResponse || (kind == semantic.KindUnavailable && !errors.Is(err, context.Canceled)) {
			ev = log.Warn()
		}
		ev.Err(err).Str("kind", string(kind)).Msg("semantic classifier failed, using rules")
		return semantic.Verdict{}, false
	}
	metrics.SemanticCalls.WithLabelValues("ok").Inc()

	if c := clamp(sv.Confidence); c != sv.Confidence {
		metrics.ConfidenceAnomalies.Inc()
		log.Warn().Float64("confidence", sv.Confidence).Float64("clamped", c).Msg("semantic confidence out of range")
		sv.Confidence = c
	}
	return sv, true
}

func clamp(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// finish applies the save policy and fills in extras.
func (e *Extractor) finish(msg bus.InboundMessage, v verdict) Result {
	res := Result{Type: v.typ, Confidence: v.confidence, Source: v.source}
	switch {
	case !v.typ.Valid() || v.confidence < e.review:
		res.Type = classify.TypeNone
		return res
	case v.confidence < e.save:
		res.Review = true
	}

	ref := e.now()
	if msg.Timestamp > 0 {
		ref = msg.Time()
	}

	res.Summary = classify.Summarize(msg.Text, res.Type)
	res.Links = classify.ExtractLinks(msg.Text)
	if res.Type == classify.TypeTask || res.Type == classify.TypeDeadline {
		res.DueDate = classify.ExtractDueDate(msg.Text, ref)
	}
	res.Priority = classify.DetectPriority(msg.Text, res.Confidence)
	if len(msg.MentionedUserIDs) > 0 {
		id := msg.MentionedUserIDs[0]
		res.Assignee = &id
	}

	var extraTags []string
	if sv := v.sem; sv != nil {
		if sv.Summary != "" {
			res.Summary = classify.Summarize(sv.Summary, res.Type)
		}
		if due := normalizeDate(sv.DueDate, ref); due != "" {
			res.DueDate = due
		}
		if sv.Assignee != nil {
			res.Assignee = sv.Assignee
		}
		res.Links = mergeUnique(res.Links, sv.Links)
		extraTags = sv.Tags
	}

	res.Tags = mergeUnique([]string{string(res.Type)}, extraTags)
	if res.Review {
		res.Tags = mergeUnique(res.Tags, []string{ReviewTag})
	}
	return res
}

// normalizeDate accepts an ISO date as is and otherwise resolves free text
// such as "к пятнице" against ref.
func normalizeDate(s string, ref time.Time) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if _, err := time.Parse(time.DateOnly, s); err == nil {
		return s
	}
	return classify.ExtractDueDate(s, ref)
}

func mergeUnique(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
