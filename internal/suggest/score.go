package suggest

import (
	"math"
	"strings"
	"unicode"
)

// Relevance tiers for a suggestion against the typed query.
const (
	scoreFullPrefix = 1.0
	scoreWordPrefix = 0.8
	scoreContains   = 0.6
	scoreFuzzy      = 0.2
)

// RelevanceScore grades how well text matches query, case-insensitively:
// whole-text prefix, word prefix, substring, and a floor for anything else
// the engine returned (fuzzy matches).
// Returns 0 when either side is empty.
func RelevanceScore(query, text string) float64 {
	if query == "" || text == "" {
		return 0
	}

	q := strings.ToLower(query)
	t := strings.ToLower(text)

	if strings.HasPrefix(t, q) {
		return scoreFullPrefix
	}

	words := strings.Fields(t)
	for _, w := range words {
		if strings.HasPrefix(w, q) {
			return scoreWordPrefix
		}
	}

	if strings.Contains(t, q) {
		return scoreContains
	}

	return scoreFuzzy
}

// PopularityScore maps a query's search count onto [5, 10].
func PopularityScore(count int) float64 {
	if count < 1 {
		count = 1
	}
	return math.Min(10, 5+math.Log(float64(count)))
}

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"clothing", []string{"shirt", "dress", "cotton"}},
	{"furniture", []string{"table", "chair", "sofa"}},
	{"electronics", []string{"phone", "laptop", "camera"}},
	{"eco-friendly", []string{"eco", "sustainable", "organic"}},
}

// CategoryFromQuery guesses a category from keywords in the query.
// Returns "" when nothing matches.
func CategoryFromQuery(query string) string {
	q := strings.ToLower(query)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(q, kw) {
				return c.category
			}
		}
	}
	return ""
}

// Highlight wraps the first case-insensitive occurrence of query in text
// with <strong> tags, preserving the original casing of text.
func Highlight(query, text string) string {
	if query == "" || text == "" {
		return text
	}
	start, end, ok := indexFold(text, query)
	if !ok {
		return text
	}
	return text[:start] + "<strong>" + text[start:end] + "</strong>" + text[end:]
}

// indexFold finds substr in s under Unicode case folding and returns byte
// offsets into s. Case variants can differ in byte length, so matching is
// done rune by rune rather than on lower-cased copies.
func indexFold(s, substr string) (int, int, bool) {
	sr := []rune(s)
	qr := []rune(substr)
	if len(qr) == 0 || len(qr) > len(sr) {
		return 0, 0, false
	}

	offset := 0
	for i := 0; i+len(qr) <= len(sr); i++ {
		if runesEqualFold(sr[i:i+len(qr)], qr) {
			end := offset + len(string(sr[i:i+len(qr)]))
			return offset, end, true
		}
		offset += len(string(sr[i]))
	}
	return 0, 0, false
}

func runesEqualFold(a, b []rune) bool {
	for i := range a {
		if a[i] == b[i] {
			continue
		}
		if unicode.ToLower(a[i]) != unicode.ToLower(b[i]) {
			return false
		}
	}
	return true
}
