package advisor

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxTitleChars bounds generated thread titles.
const MaxTitleChars = 60

// DefaultTitle names threads before their first message.
const DefaultTitle = "New conversation"

var (
	titlePrefixRe   = regexp.MustCompile(`(?i)^(thread\s+)?title\s*:\s*`)
	wrappingQuoteRe = regexp.MustCompile("^[\"'`“”‘’]+|[\"'`“”‘’]+$")
	trailingPunctRe = regexp.MustCompile(`[.!?,;:…]+$`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// CleanTitle normalises a model-generated title: no wrapping quotes, no
// "Title:" prefix, no trailing punctuation, single spaces, at most MaxTitleChars.
func CleanTitle(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = wrappingQuoteRe.ReplaceAllString(strings.TrimSpace(s), "")
	s = titlePrefixRe.ReplaceAllString(s, "")
	s = wrappingQuoteRe.ReplaceAllString(strings.TrimSpace(s), "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = trailingPunctRe.ReplaceAllString(strings.TrimSpace(s), "")
	return truncateRunes(strings.TrimSpace(s), MaxTitleChars)
}

// FallbackTitle derives a title from the first words of a message.
func FallbackTitle(message string) string {
	words := strings.Fields(message)
	if len(words) == 0 {
		return DefaultTitle
	}
	if len(words) > 6 {
		words = words[:6]
	}
	title := CleanTitle(strings.Join(words, " "))
	if title == "" {
		return DefaultTitle
	}
	return title
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
