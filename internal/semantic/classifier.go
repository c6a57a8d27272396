// Package semantic wraps a language-model chat completion API as a message
// classifier.
package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/classify"
	"github.com/stellarlinkco/memokeeper/internal/config"
)

// Verdict is the classifier's answer for one message. Confidence is passed
// through unclamped.
type Verdict struct {
	Type       classify.ContentType
	Confidence float64
	Summary    string
	DueDate    string
	Assignee   *int64
	Links      []string
	Tags       []string
}

// Classifier is the capability the extractor depends on.
type Classifier interface {
	Classify(ctx context.Context, text string, recent []string) (Verdict, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, text string, recent []string) (Verdict, error)

func (f Func) Classify(ctx context.Context, text string, recent []string) (Verdict, error) {
	return f(ctx, text, recent)
}

// Budget gates paid calls. Allow returns an error matching ErrBudgetExceeded
// once the spend window is exhausted.
type Budget interface {
	Allow(ctx context.Context) error
	Record(ctx context.Context, model string, inputTokens, outputTokens int64) error
}

const systemPrompt = `You are a message classifier for a team chat monitoring system.
Analyze the message and extract structured information.

Content types:
- decision: Team agreed on something ("решили", "договорились", "agreed", "decided")
- task: Action item assigned ("сделай", "надо", "todo", "need to", "should")
- deadline: Time constraint mentioned (date, "завтра", "к пятнице", "by Friday")
- link: Contains URL, repo, document reference
- context: Project description or status update
- requirement: Rule or constraint ("должно", "must", "required")
- none: No actionable content

Use the recent messages only to disambiguate the final message; classify the final message alone.

Respond in JSON format:
{
  "content_type": "decision|task|deadline|link|context|requirement|none",
  "confidence": 0.0-1.0,
  "summary": "1-2 sentence summary in Russian",
  "metadata": {
    "deadline": "YYYY-MM-DD or null",
    "links": ["urls found"],
    "assignee": "numeric user id or null",
    "tags": ["short topic tags"]
  }
}

Rules:
- confidence > 0.8: Clear actionable item
- confidence 0.5-0.8: Possibly relevant, needs review
- confidence < 0.5: Not relevant
- Be concise in summary
- Extract explicit deadlines even in tasks`

type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIClassifier calls an OpenAI-compatible chat completion endpoint.
type OpenAIClassifier struct {
	completions chatCompletions
	model       string
	maxTokens   int
	budget      Budget
	log         zerolog.Logger
}

// NewOpenAI builds the classifier. budget may be nil (unlimited).
func NewOpenAI(cfg config.SemanticConfig, budget Budget, logger zerolog.Logger) (*OpenAIClassifier, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("semantic: api key required")
	}

	// no SDK retries: the caller's timeout bounds the whole call
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return newOpenAIClassifier(&client.Chat.Completions, cfg, budget, logger), nil
}

func newOpenAIClassifier(completions chatCompletions, cfg config.SemanticConfig, budget Budget, logger zerolog.Logger) *OpenAIClassifier {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = config.DefaultSemanticModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultSemanticMaxTokens
	}
	return &OpenAIClassifier{
		completions: completions,
		model:       model,
		maxTokens:   maxTokens,
		budget:      budget,
		log:         logger.With().Str("component", "semantic").Str("model", model).Logger(),
	}
}

// Model returns the configured model name.
func (c *OpenAIClassifier) Model() string { return c.model }

// Classify implements Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, text string, recent []string) (Verdict, error) {
	if c.budget != nil {
		if err := c.budget.Allow(ctx); err != nil {
			if errors.Is(err, ErrBudgetExceeded) {
				return Verdict{}, err
			}
			return Verdict{}, unavailable(fmt.Errorf("budget check: %w", err))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildUserPrompt(text, recent)),
		},
		Temperature:         openai.Float(0.1),
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	completion, err := c.completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			c.log.Debug().Int("status", apiErr.StatusCode).Msg("completion rejected")
		}
		return Verdict{}, unavailable(err)
	}

	if c.budget != nil {
		if err := c.budget.Record(ctx, c.model, completion.Usage.PromptTokens, completion.Usage.CompletionTokens); err != nil {
			c.log.Warn().Err(err).Msg("record usage failed")
		}
	}

	if len(completion.Choices) == 0 {
		return Verdict{}, malformed(errors.New("no choices"))
	}
	return parseVerdict(completion.Choices[0].Message.Content)
}

func buildUserPrompt(text string, recent []string) string {
	if len(recent) == 0 {
		return "Message: " + text
	}
	var sb strings.Builder
	sb.WriteString("Recent messages:\n")
	for _, r := range recent {
		sb.WriteString("- ")
		sb.WriteString(r)
		sb.WriteString("\n")
	}
	sb.WriteString("\nMessage: ")
	sb.WriteString(text)
	return sb.String()
}

type verdictJSON struct {
	ContentType string   `json:"content_type"`
	Confidence  *float64 `json:"confidence"`
	Summary     string   `json:"summary"`
	Metadata    struct {
		Deadline *string         `json:"deadline"`
		Links    []string        `json:"links"`
		Assignee json.RawMessage `json:"assignee"`
		Tags     []string        `json:"tags"`
	} `json:"metadata"`
}

func parseVerdict(content string) (Verdict, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Verdict{}, malformed(errors.New("empty content"))
	}

	var raw verdictJSON
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Verdict{}, malformed(fmt.Errorf("decode: %w", err))
	}
	typ, err := classify.ParseType(raw.ContentType)
	if err != nil {
		return Verdict{}, malformed(err)
	}
	if raw.Confidence == nil {
		return Verdict{}, malformed(errors.New("missing confidence"))
	}

	v := Verdict{
		Type:       typ,
		Confidence: *raw.Confidence,
		Summary:    strings.TrimSpace(classify.StripPrefix(raw.Summary)),
		Links:      raw.Metadata.Links,
		Tags:       raw.Metadata.Tags,
		Assignee:   parseAssignee(raw.Metadata.Assignee),
	}
	if d := raw.Metadata.Deadline; d != nil && !strings.EqualFold(strings.TrimSpace(*d), "null") {
		v.DueDate = strings.TrimSpace(*d)
	}
	return v, nil
}

// parseAssignee accepts a JSON number or a numeric string. Names are ignored.
func parseAssignee(raw json.RawMessage) *int64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	s := strings.Trim(string(raw), `"`)
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil
	}
	return &id
}
