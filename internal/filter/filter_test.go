package filter

import (
	"strings"
	"testing"

	"github.com/stellarlinkco/memokeeper/internal/config"
)

func newTestFilter() *Filter {
	return New(config.DefaultConfig().Filter)
}

func TestCheck(t *testing.T) {
	f := newTestFilter()

	tests := []struct {
		name   string
		text   string
		want   bool
		reason Reason
	}{
		{"empty", "", false, ReasonEmpty},
		{"whitespace", "  \n\t ", false, ReasonEmpty},
		{"single plus", "+", false, ReasonTooShort},
		{"checkmark", "✅", false, ReasonTooShort},
		{"double plus", "++", false, ReasonAck},
		{"ok cyrillic", "ок", false, ReasonAck},
		{"ok latin upper", "OK", false, ReasonAck},
		{"ok with punctuation", "Ок!", false, ReasonAck},
		{"lol", "лол", false, ReasonAck},
		{"laugh", "хахаха", false, ReasonAck},
		{"thanks", "Спасибо", false, ReasonAck},
		{"thumbs", "👍👍", false, ReasonEmoji},
		{"laughing emoji", "😂😂😂", false, ReasonEmoji},
		{"brackets", ")))", false, ReasonEmoji},
		{"command", "/start", false, ReasonCommand},
		{"command with bot", "/status@memo_bot", false, ReasonCommand},
		{"command with args", "/mem_last 5", false, ReasonCommand},
		{"short digit allowed", "5", true, ReasonNone},
		{"short letter", "x", false, ReasonTooShort},
		{"decision", "Решили использовать PostgreSQL для хранения данных", true, ReasonNone},
		{"task", "Нужно сделать деплой завтра", true, ReasonNone},
		{"too long", strings.Repeat("a", 2001), false, ReasonTooLong},
		{"max length exactly", strings.Repeat("a", 2000), true, ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := f.Check(tt.text)
			if got != tt.want || reason != tt.reason {
				t.Fatalf("Check(%q) = (%v, %q), want (%v, %q)", tt.text, got, reason, tt.want, tt.reason)
			}
			if f.ShouldProcess(tt.text) != tt.want {
				t.Fatalf("ShouldProcess(%q) disagrees with Check", tt.text)
			}
		})
	}
}

func TestCommandAllowlist(t *testing.T) {
	f := New(config.FilterConfig{MinLength: 2, CommandAllowlist: []string{"/decision"}})

	if !f.ShouldProcess("/decision переезжаем на k8s") {
		t.Fatal("allowlisted command should pass")
	}
	if !f.ShouldProcess("/Decision@memo_bot переезжаем") {
		t.Fatal("allowlisted command should match case-insensitively with bot suffix")
	}
	if f.ShouldProcess("/help") {
		t.Fatal("other commands should still be dropped")
	}
}

func TestCustomShortTokens(t *testing.T) {
	f := New(config.FilterConfig{MinLength: 3, ShortTokens: []string{"QA"}})

	if !f.ShouldProcess("qa") {
		t.Fatal("configured short token should pass")
	}
	if f.ShouldProcess("5") {
		t.Fatal("custom token list replaces the digit defaults")
	}
}

func TestZeroMaxLengthDisablesCap(t *testing.T) {
	f := New(config.FilterConfig{MinLength: 2, MaxLength: 0})
	if !f.ShouldProcess(strings.Repeat("слово ", 1000)) {
		t.Fatal("expected no length cap")
	}
}

func TestClean(t *testing.T) {
	f := newTestFilter()

	tests := []struct {
		in, want string
	}{
		{"  много   пробелов\n\nи строк ", "много пробелов и строк"},
		{"@memo_bot решили мигрировать", "решили мигрировать"},
		{"пишите @alice по вопросам", "пишите @alice по вопросам"},
	}
	for _, tt := range tests {
		if got := f.Clean(tt.in); got != tt.want {
			t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
