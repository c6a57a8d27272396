// Package classify assigns a content type and a fixed confidence to message
// text by matching trigger vocabulary.
package classify

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/memokeeper/internal/config"
)

// FallbackConfidence is assigned to unmatched text when falling back to context.
const FallbackConfidence = 0.3

// Go's \b only understands ASCII word characters, so boundaries are spelled
// out with Unicode classes.
const (
	boundaryStart = `(?:^|[^\p{L}\p{N}_])`
	boundaryEnd   = `(?:$|[^\p{L}\p{N}_])`
)

// Rule maps a set of triggers to a content type.
//
// Words are matched case-insensitively on word boundaries; a trailing "*"
// turns a word into a stem ("пятниц*" matches "пятницу"). Pattern is a raw
// regular expression used as is.
type Rule struct {
	Name       string      `yaml:"name"`
	Type       ContentType `yaml:"type"`
	Confidence float64     `yaml:"confidence"`
	Words      []string    `yaml:"words,omitempty"`
	Pattern    string      `yaml:"pattern,omitempty"`

	re *regexp.Regexp
}

func (r *Rule) compile() error {
	if r.Name == "" {
		return fmt.Errorf("rule without name")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("rule %s: invalid type %q", r.Name, r.Type)
	}
	if r.Confidence <= 0 || r.Confidence > 1 {
		return fmt.Errorf("rule %s: confidence %.2f out of (0,1]", r.Name, r.Confidence)
	}

	var expr string
	switch {
	case r.Pattern != "":
		expr = "(?i)" + r.Pattern
	case len(r.Words) > 0:
		expr = "(?i)" + boundaryStart + "(?:" + wordAlternation(r.Words) + ")" + boundaryEnd
	default:
		return fmt.Errorf("rule %s: needs words or pattern", r.Name)
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.Name, err)
	}
	r.re = re
	return nil
}

func wordAlternation(words []string) string {
	alts := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		stem := strings.HasSuffix(w, "*")
		w = regexp.QuoteMeta(strings.TrimSuffix(w, "*"))
		w = strings.ReplaceAll(w, " ", `\s+`)
		if stem {
			w += `\p{L}*`
		}
		alts = append(alts, w)
	}
	return strings.Join(alts, "|")
}

// Match reports whether the rule fires on text.
func (r *Rule) Match(text string) bool {
	return r.re != nil && r.re.MatchString(text)
}

var weekdayStems = []string{
	"понедельник*", "вторник*", "среда", "среду", "среды", "среде", "средам", "четверг*", "пятниц*", "суббот*", "воскресень*",
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
}

// DefaultRules returns the built-in table in evaluation order: deadline,
// decision, requirement, task, link, context.
func DefaultRules() []Rule {
	byTargets := append([]string{"завтр*", "послезавтр*", "tomorrow", "tonight", "eod",
		"конца", "концу", "вечера", "вечеру", "обеда", "обеду"}, weekdayStems...)

	return []Rule{
		{Name: "deadline-keyword", Type: TypeDeadline, Confidence: 0.85,
			Words: []string{"дедлайн*", "deadline*", "срок*", "due"}},
		{Name: "deadline-by", Type: TypeDeadline, Confidence: 0.75,
			Pattern: boundaryStart + `(?:до|к|ко|by|until|before|till)\s+(?:` + wordAlternation(byTargets) +
				`|\d{1,2}[./]\d{1,2}(?:[./]\d{2,4})?|\d{4}-\d{2}-\d{2})` + boundaryEnd},
		{Name: "deadline-date", Type: TypeDeadline, Confidence: 0.6,
			Pattern: `\d{1,2}[./]\d{1,2}[./]\d{2,4}|\d{4}-\d{2}-\d{2}`},
		{Name: "deadline-relative", Type: TypeDeadline, Confidence: 0.6,
			Words: []string{"завтра", "послезавтра", "tomorrow", "next week", "на следующей неделе"}},

		{Name: "decision-explicit", Type: TypeDecision, Confidence: 0.85,
			Words: []string{"решили", "решено", "приняли решение", "принято", "договорились", "условились",
				"оговорили", "decided", "agreed", "let's go with", "we'll go with"}},
		{Name: "decision-soft", Type: TypeDecision, Confidence: 0.65,
			Words: []string{"будем", "давайте", "let's", "let us"}},

		{Name: "requirement", Type: TypeRequirement, Confidence: 0.75,
			Words: []string{"требование", "требования", "requirement*", "must", "должн*", "обязательно",
				"нужно поддерживать", "правило", "rule"}},

		{Name: "task-marker", Type: TypeTask, Confidence: 0.8,
			Pattern: boundaryStart + `(?:todo|action item|задача\s*:|task\s*:)`},
		{Name: "task-need", Type: TypeTask, Confidence: 0.7,
			Words: []string{"надо", "нужно", "необходимо", "need to", "have to"}},
		{Name: "task-imperative", Type: TypeTask, Confidence: 0.65,
			Words: []string{"сделай", "сделайте", "добавь", "добавьте", "обнови", "обновите", "внедри", "прикрути",
				"почини", "исправь", "проверь", "fix", "implement", "add", "create", "update"}},

		{Name: "link-url", Type: TypeLink, Confidence: 0.8,
			Pattern: `https?://\S+`},
		{Name: "link-host", Type: TypeLink, Confidence: 0.7,
			Pattern: `github\.com|gitlab|notion\.so|figma\.com|docs\.google`},
		{Name: "link-word", Type: TypeLink, Confidence: 0.55,
			Words: []string{"ссылка", "ссылку", "репо", "документ", "таблица", "таблицу"}},

		{Name: "context", Type: TypeContext, Confidence: 0.6,
			Words: []string{"строим", "делаем", "проект*", "систем*", "продукт*", "building", "project", "system",
				"product", "we are"}},
	}
}

// Classifier is the rule classifier. It is safe for concurrent use.
type Classifier struct {
	rules    []Rule
	fallback bool
}

// New builds a classifier over the built-in table.
func New(fallbackToContext bool) *Classifier {
	c, err := NewWithRules(DefaultRules(), fallbackToContext)
	if err != nil {
		panic(fmt.Sprintf("classify: built-in rules: %v", err))
	}
	return c
}

// NewWithRules compiles rules, preserving their order.
func NewWithRules(rules []Rule, fallbackToContext bool) (*Classifier, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("no rules")
	}
	compiled := make([]Rule, len(rules))
	copy(compiled, rules)
	for i := range compiled {
		if err := compiled[i].compile(); err != nil {
			return nil, err
		}
	}
	return &Classifier{rules: compiled, fallback: fallbackToContext}, nil
}

// FromConfig uses the rules file when one is configured.
func FromConfig(cfg config.ExtractionConfig) (*Classifier, error) {
	if strings.TrimSpace(cfg.RulesFile) == "" {
		return New(cfg.FallbackToContext), nil
	}
	rules, err := LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	return NewWithRules(rules, cfg.FallbackToContext)
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads an ordered rule table from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s has no rules", path)
	}
	return f.Rules, nil
}

// Classify returns the first matching rule's verdict.
func (c *Classifier) Classify(text string) Classification {
	for i := range c.rules {
		if c.rules[i].Match(text) {
			return Classification{Type: c.rules[i].Type, Confidence: c.rules[i].Confidence, Rule: c.rules[i].Name}
		}
	}
	if c.fallback && strings.TrimSpace(text) != "" {
		return Classification{Type: TypeContext, Confidence: FallbackConfidence, Rule: "fallback"}
	}
	return Classification{Type: TypeNone}
}

// Rules returns a copy of the compiled table.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}
