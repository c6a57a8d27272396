package classify

import (
	"fmt"
	"strings"
)

// ContentType labels an extracted fact.
type ContentType string

const (
	TypeNone        ContentType = "none"
	TypeDecision    ContentType = "decision"
	TypeTask        ContentType = "task"
	TypeDeadline    ContentType = "deadline"
	TypeLink        ContentType = "link"
	TypeContext     ContentType = "context"
	TypeRequirement ContentType = "requirement"
)

// Types lists every storable content type.
var Types = []ContentType{TypeDecision, TypeTask, TypeDeadline, TypeLink, TypeContext, TypeRequirement}

// Valid reports whether t is a storable type (not none).
func (t ContentType) Valid() bool {
	for _, v := range Types {
		if t == v {
			return true
		}
	}
	return false
}

// ParseType maps a label to a ContentType. "none", "" and "unknown" map to TypeNone.
func ParseType(s string) (ContentType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "none", "unknown", "null":
		return TypeNone, nil
	}
	t := ContentType(s)
	if !t.Valid() {
		return TypeNone, fmt.Errorf("unknown content type %q", s)
	}
	return t, nil
}

// Priority of a task.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Classification is the rule classifier verdict.
type Classification struct {
	Type       ContentType
	Confidence float64
	Rule       string // name of the matching rule, "fallback" or ""
}

// summaryPrefixes label normalized summaries per type.
var summaryPrefixes = map[ContentType]string{
	TypeDecision:    "[Решение] ",
	TypeTask:        "[Задача] ",
	TypeDeadline:    "[Срок] ",
	TypeLink:        "[Ссылка] ",
	TypeContext:     "[Контекст] ",
	TypeRequirement: "[Требование] ",
}

// Prefix returns the summary label for t.
func Prefix(t ContentType) string {
	return summaryPrefixes[t]
}

// StripPrefix removes a leading type label from a summary.
func StripPrefix(summary string) string {
	for _, p := range summaryPrefixes {
		if strings.HasPrefix(summary, p) {
			return strings.TrimPrefix(summary, p)
		}
	}
	return strings.TrimPrefix(summary, "[Task] ")
}
