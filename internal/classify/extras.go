package classify

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const summaryLimit = 150

var (
	urlRe      = regexp.MustCompile("(?i)https?://[^\\s<>\"{}|\\\\^`\\[\\]]+")
	isoDateRe  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dottedRe   = regexp.MustCompile(`\b(\d{1,2})[./](\d{1,2})(?:[./](\d{2,4}))?\b`)
	urgentRe   = regexp.MustCompile(`(?i)` + boundaryStart + `(?:срочно|срочн\p{L}*|asap|urgent\p{L}*|критичн\p{L}*|critical|немедленно|горит|блокер\p{L}*|blocker)` + boundaryEnd)
	lowPriRe   = regexp.MustCompile(`(?i)` + boundaryStart + `(?:не\s+срочно|когда-нибудь|когда\s+будет\s+время|low\s+priority|someday|nice\s+to\s+have)` + boundaryEnd)
	relativeRe = regexp.MustCompile(`(?i)` + boundaryStart + `(послезавтра|завтра|сегодня|day\s+after\s+tomorrow|tomorrow|today|tonight)` + boundaryEnd)
)

var weekdayWords = []struct {
	re  *regexp.Regexp
	day time.Weekday
}{
	{stemRe("понедельник", "monday"), time.Monday},
	{stemRe("вторник", "tuesday"), time.Tuesday},
	{wordRe(`сред(?:а|у|ы|е|ам|ой)`, "wednesday"), time.Wednesday},
	{stemRe("четверг", "thursday"), time.Thursday},
	{stemRe("пятниц", "friday"), time.Friday},
	{stemRe("суббот", "saturday"), time.Saturday},
	{stemRe("воскресень", "sunday"), time.Sunday},
}

func stemRe(ru, en string) *regexp.Regexp {
	return wordRe(ru+`\p{L}*`, en)
}

func wordRe(ru, en string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + boundaryStart + `(?:` + ru + `|` + en + `)` + boundaryEnd)
}

// ExtractLinks returns the URLs found in text, trailing punctuation trimmed.
func ExtractLinks(text string) []string {
	found := urlRe.FindAllString(text, -1)
	if len(found) == 0 {
		return nil
	}
	links := make([]string, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, l := range found {
		l = strings.TrimRight(l, ".,;:!?)'")
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		links = append(links, l)
	}
	return links
}

// ExtractDueDate resolves the first date mention in text to an ISO date
// (YYYY-MM-DD) relative to now. Returns "" when nothing is found.
func ExtractDueDate(text string, now time.Time) string {
	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if s, ok := isoDate(y, mo, d, now.Location()); ok {
			return s
		}
	}
	if m := dottedRe.FindStringSubmatch(text); m != nil {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		// Day first unless that cannot be a month (12/25/2024).
		if mo > 12 && d <= 12 {
			d, mo = mo, d
		}
		y := now.Year()
		if m[3] != "" {
			y, _ = strconv.Atoi(m[3])
			if y < 100 {
				y += 2000
			}
		} else if time.Date(y, time.Month(mo), d, 0, 0, 0, 0, now.Location()).Before(startOfDay(now)) {
			y++
		}
		if s, ok := isoDate(y, mo, d, now.Location()); ok {
			return s
		}
	}
	if m := relativeRe.FindStringSubmatch(text); m != nil {
		switch word := strings.ToLower(strings.Join(strings.Fields(m[1]), " ")); word {
		case "сегодня", "today", "tonight":
			return now.Format(time.DateOnly)
		case "завтра", "tomorrow":
			return now.AddDate(0, 0, 1).Format(time.DateOnly)
		default:
			return now.AddDate(0, 0, 2).Format(time.DateOnly)
		}
	}
	for _, w := range weekdayWords {
		if w.re.MatchString(text) {
			days := (int(w.day) - int(now.Weekday()) + 7) % 7
			if days == 0 {
				days = 7
			}
			return now.AddDate(0, 0, days).Format(time.DateOnly)
		}
	}
	return ""
}

func isoDate(y, mo, d int, loc *time.Location) (string, bool) {
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, loc)
	if t.Year() != y || int(t.Month()) != mo || t.Day() != d {
		return "", false
	}
	return t.Format(time.DateOnly), true
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DetectPriority looks for urgency wording first and falls back to the
// classification confidence: above 0.9 is high, below 0.6 is low.
func DetectPriority(text string, confidence float64) Priority {
	switch {
	case lowPriRe.MatchString(text):
		return PriorityLow
	case urgentRe.MatchString(text):
		return PriorityHigh
	case confidence > 0.9:
		return PriorityHigh
	case confidence < 0.6:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Summarize normalizes text into a one-line summary with the type label.
func Summarize(text string, t ContentType) string {
	s := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(s) > summaryLimit {
		r := []rune(s)
		s = string(r[:summaryLimit-3]) + "..."
	}
	return Prefix(t) + s
}
