package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/memokeeper/internal/bus"
	"github.com/stellarlinkco/memokeeper/internal/classify"
	"github.com/stellarlinkco/memokeeper/internal/extract"
)

const (
	TypeMemoryAdded = "memory.added"
	TypeTaskCreated = "task.created"
)

// Memory scopes.
const (
	ScopeChat    = "chat"
	ScopeUser    = "user"
	ScopeProject = "project"
)

// Event is one append-only stream record.
type Event interface {
	// Kind is the event_type field.
	Kind() string
	// ID is the globally unique derived record id.
	ID() string
	// PartitionKey is the chat the event belongs to.
	PartitionKey() int64
	// Fields renders the flat stream entry.
	Fields() map[string]any
	// Validate checks the record before it is written.
	Validate() error
}

// MemoryEvent is a memory.added record.
type MemoryEvent struct {
	EventType       string   `json:"event_type"`
	MemoryID        string   `json:"memory_id"`
	ChatID          int64    `json:"chat_id"`
	UserID          int64    `json:"user_id"`
	SourceMessageID int64    `json:"source_message_id"`
	Content         string   `json:"content"`
	ContentType     string   `json:"content_type"`
	Confidence      float64  `json:"confidence"`
	Timestamp       float64  `json:"timestamp"`
	Tags            []string `json:"tags"`
	Scope           string   `json:"scope"`
	Metadata        string   `json:"metadata"`
}

// TaskEvent is a task.created record.
type TaskEvent struct {
	EventType       string   `json:"event_type"`
	TaskID          string   `json:"task_id"`
	ChatID          int64    `json:"chat_id"`
	UserID          int64    `json:"user_id"`
	SourceMessageID int64    `json:"source_message_id"`
	Title           string   `json:"title"`
	Priority        string   `json:"priority"`
	DueAt           string   `json:"due_at,omitempty"`
	AssigneeUserID  *int64   `json:"assignee_user_id,omitempty"`
	Timestamp       float64  `json:"timestamp"`
	Confidence      float64  `json:"confidence"`
	Tags            []string `json:"tags"`
}

func MemoryID(chatID, messageID int64, t classify.ContentType) string {
	return fmt.Sprintf("mem_%d_%d_%s", chatID, messageID, t)
}

func TaskID(chatID, messageID int64) string {
	return fmt.Sprintf("task_%d_%d", chatID, messageID)
}

// FromResult builds the record for a kept extraction result: task results
// become a TaskEvent, every other type a MemoryEvent.
func FromResult(msg bus.InboundMessage, res extract.Result) Event {
	ts := msg.Timestamp
	if ts <= 0 {
		ts = float64(time.Now().UnixNano()) / 1e9
	}
	tags := eventTags(res)

	if res.Type == classify.TypeTask {
		return &TaskEvent{
			EventType:       TypeTaskCreated,
			TaskID:          TaskID(msg.ChatID, msg.MessageID),
			ChatID:          msg.ChatID,
			UserID:          msg.SenderID,
			SourceMessageID: msg.MessageID,
			Title:           classify.StripPrefix(res.Summary),
			Priority:        string(res.Priority),
			DueAt:           res.DueDate,
			AssigneeUserID:  res.Assignee,
			Timestamp:       ts,
			Confidence:      res.Confidence,
			Tags:            tags,
		}
	}

	meta := map[string]any{"source": string(res.Source)}
	if len(res.Links) > 0 {
		meta["links"] = res.Links
	}
	if res.DueDate != "" {
		meta["deadline"] = res.DueDate
	}
	if res.Review {
		meta["review"] = true
	}
	if msg.ForwardFromID != nil {
		meta["forward_from"] = *msg.ForwardFromID
	}
	raw, _ := json.Marshal(meta)

	return &MemoryEvent{
		EventType:       TypeMemoryAdded,
		MemoryID:        MemoryID(msg.ChatID, msg.MessageID, res.Type),
		ChatID:          msg.ChatID,
		UserID:          msg.SenderID,
		SourceMessageID: msg.MessageID,
		Content:         res.Summary,
		ContentType:     string(res.Type),
		Confidence:      res.Confidence,
		Timestamp:       ts,
		Tags:            tags,
		Scope:           ScopeChat,
		Metadata:        string(raw),
	}
}

// eventTags defaults to the content type and always carries the review tag
// for results in the review band.
func eventTags(res extract.Result) []string {
	tags := append([]string(nil), res.Tags...)
	if len(tags) == 0 {
		tags = []string{string(res.Type)}
	}
	if res.Review && !slices.Contains(tags, extract.ReviewTag) {
		tags = append(tags, extract.ReviewTag)
	}
	return tags
}

func (e *MemoryEvent) Kind() string        { return e.EventType }
func (e *MemoryEvent) ID() string          { return e.MemoryID }
func (e *MemoryEvent) PartitionKey() int64 { return e.ChatID }

func (e *MemoryEvent) Fields() map[string]any {
	tags, _ := json.Marshal(e.Tags)
	return map[string]any{
		"event_type":        e.EventType,
		"memory_id":         e.MemoryID,
		"chat_id":           strconv.FormatInt(e.ChatID, 10),
		"user_id":           strconv.FormatInt(e.UserID, 10),
		"source_message_id": strconv.FormatInt(e.SourceMessageID, 10),
		"content":           e.Content,
		"content_type":      e.ContentType,
		"confidence":        formatFloat(e.Confidence),
		"timestamp":         formatFloat(e.Timestamp),
		"tags":              string(tags),
		"scope":             e.Scope,
		"metadata":          e.Metadata,
	}
}

func (e *MemoryEvent) Validate() error {
	var errs []error
	if e.EventType != TypeMemoryAdded {
		errs = append(errs, fmt.Errorf("event_type %q", e.EventType))
	}
	t := classify.ContentType(e.ContentType)
	if !t.Valid() {
		errs = append(errs, fmt.Errorf("content_type %q", e.ContentType))
	} else if want := MemoryID(e.ChatID, e.SourceMessageID, t); e.MemoryID != want {
		errs = append(errs, fmt.Errorf("memory_id %q, want %q", e.MemoryID, want))
	}
	if strings.TrimSpace(e.Content) == "" {
		errs = append(errs, errors.New("empty content"))
	}
	if err := checkConfidence(e.Confidence); err != nil {
		errs = append(errs, err)
	}
	if e.Timestamp < 0 || math.IsNaN(e.Timestamp) {
		errs = append(errs, fmt.Errorf("timestamp %v", e.Timestamp))
	}
	switch e.Scope {
	case ScopeChat, ScopeUser, ScopeProject:
	default:
		errs = append(errs, fmt.Errorf("scope %q", e.Scope))
	}
	if e.Metadata != "" && !json.Valid([]byte(e.Metadata)) {
		errs = append(errs, errors.New("metadata is not valid JSON"))
	}
	return errors.Join(errs...)
}

func (e *TaskEvent) Kind() string        { return e.EventType }
func (e *TaskEvent) ID() string          { return e.TaskID }
func (e *TaskEvent) PartitionKey() int64 { return e.ChatID }

func (e *TaskEvent) Fields() map[string]any {
	assignee := ""
	if e.AssigneeUserID != nil {
		assignee = strconv.FormatInt(*e.AssigneeUserID, 10)
	}
	tags, _ := json.Marshal(e.Tags)
	return map[string]any{
		"event_type":        e.EventType,
		"task_id":           e.TaskID,
		"chat_id":           strconv.FormatInt(e.ChatID, 10),
		"user_id":           strconv.FormatInt(e.UserID, 10),
		"source_message_id": strconv.FormatInt(e.SourceMessageID, 10),
		"title":             e.Title,
		"priority":          e.Priority,
		"due_at":            e.DueAt,
		"assignee_user_id":  assignee,
		"timestamp":         formatFloat(e.Timestamp),
		"confidence":        formatFloat(e.Confidence),
		"tags":              string(tags),
	}
}

func (e *TaskEvent) Validate() error {
	var errs []error
	if e.EventType != TypeTaskCreated {
		errs = append(errs, fmt.Errorf("event_type %q", e.EventType))
	}
	if want := TaskID(e.ChatID, e.SourceMessageID); e.TaskID != want {
		errs = append(errs, fmt.Errorf("task_id %q, want %q", e.TaskID, want))
	}
	if strings.TrimSpace(e.Title) == "" {
		errs = append(errs, errors.New("empty title"))
	}
	switch classify.Priority(e.Priority) {
	case classify.PriorityHigh, classify.PriorityMedium, classify.PriorityLow:
	default:
		errs = append(errs, fmt.Errorf("priority %q", e.Priority))
	}
	if e.DueAt != "" {
		if _, err := time.Parse(time.DateOnly, e.DueAt); err != nil {
			errs = append(errs, fmt.Errorf("due_at %q is not an ISO date", e.DueAt))
		}
	}
	if err := checkConfidence(e.Confidence); err != nil {
		errs = append(errs, err)
	}
	if e.Timestamp < 0 || math.IsNaN(e.Timestamp) {
		errs = append(errs, fmt.Errorf("timestamp %v", e.Timestamp))
	}
	return errors.Join(errs...)
}

func checkConfidence(c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", c)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Marshal renders the event as JSON, used for dead letters and dry runs.
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Unmarshal decodes a JSON record of the given kind.
func Unmarshal(kind string, data []byte) (Event, error) {
	switch kind {
	case TypeMemoryAdded:
		var e MemoryEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	case TypeTaskCreated:
		var e TaskEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}
