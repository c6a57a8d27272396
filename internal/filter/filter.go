// Package filter drops chat messages that are unlikely to carry durable
// information before any classification work is spent on them.
package filter

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/stellarlinkco/memokeeper/internal/config"
)

// Reason explains why a message was dropped.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonEmpty    Reason = "empty"
	ReasonTooShort Reason = "too_short"
	ReasonTooLong  Reason = "too_long"
	ReasonAck      Reason = "ack"
	ReasonEmoji    Reason = "emoji"
	ReasonCommand  Reason = "command"
)

// ackPatterns match whole messages after trimming and lowercasing.
var ackPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[+✓✅✔️]+$`),
	regexp.MustCompile(`^(ok|okay|ок|окей|оке|k|кк)[.!]*$`),
	regexp.MustCompile(`^(лол|lol|кек|kek|lmao)[.!)]*$`),
	regexp.MustCompile(`^(ха)+а*[!)]*$`),
	regexp.MustCompile(`^(ha)+[!)]*$`),
	regexp.MustCompile(`^(спасибо|спс|пасиб|благодарю|thanks|thx|ty|thank you)[.!)]*$`),
	regexp.MustCompile(`^(пожалуйста|пжлст|np|you're welcome)[.!)]*$`),
	regexp.MustCompile(`^(ага|угу|yep|yup|понял|принял|got it)[.!)]*$`),
}

var (
	botMentionRe = regexp.MustCompile(`@\w+_bot\b`)
	commandRe    = regexp.MustCompile(`^/([A-Za-z0-9_]+)(?:@\w+)?(?:\s|$)`)
)

// Filter is a pure predicate over message text.
type Filter struct {
	minLength   int
	maxLength   int
	shortTokens map[string]struct{}
	commands    map[string]struct{}
}

// New builds a Filter from config. Zero MaxLength disables the length cap.
func New(cfg config.FilterConfig) *Filter {
	f := &Filter{
		minLength:   cfg.MinLength,
		maxLength:   cfg.MaxLength,
		shortTokens: make(map[string]struct{}),
		commands:    make(map[string]struct{}),
	}
	if f.minLength <= 0 {
		f.minLength = config.DefaultMinLength
	}

	tokens := cfg.ShortTokens
	if len(tokens) == 0 {
		tokens = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}
	}
	for _, tok := range tokens {
		f.shortTokens[strings.ToLower(strings.TrimSpace(tok))] = struct{}{}
	}
	for _, cmd := range cfg.CommandAllowlist {
		cmd = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cmd)), "/")
		if cmd != "" {
			f.commands[cmd] = struct{}{}
		}
	}
	return f
}

// ShouldProcess reports whether text is worth classifying.
func (f *Filter) ShouldProcess(text string) bool {
	ok, _ := f.Check(text)
	return ok
}

// Check is ShouldProcess with the drop reason.
func (f *Filter) Check(text string) (bool, Reason) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false, ReasonEmpty
	}
	lower := strings.ToLower(trimmed)

	if m := commandRe.FindStringSubmatch(trimmed); m != nil {
		if _, ok := f.commands[strings.ToLower(m[1])]; !ok {
			return false, ReasonCommand
		}
		return true, ReasonNone
	}

	n := utf8.RuneCountInString(trimmed)
	if n < f.minLength {
		if _, ok := f.shortTokens[lower]; !ok {
			return false, ReasonTooShort
		}
	}
	if f.maxLength > 0 && n > f.maxLength {
		return false, ReasonTooLong
	}

	for _, p := range ackPatterns {
		if p.MatchString(lower) {
			return false, ReasonAck
		}
	}
	if onlyEmoji(trimmed) {
		return false, ReasonEmoji
	}
	return true, ReasonNone
}

// Clean collapses whitespace and strips @..._bot mentions.
func (f *Filter) Clean(text string) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	cleaned = botMentionRe.ReplaceAllString(cleaned, "")
	return strings.Join(strings.Fields(cleaned), " ")
}

// onlyEmoji reports whether s carries no letters or digits at all: emoji,
// symbols, punctuation, joiners and variation selectors only.
func onlyEmoji(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
