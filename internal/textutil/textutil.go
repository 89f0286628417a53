// Package textutil provides the text normalisation and matching helpers
// used to key highlights and to locate quotes inside chapter text.
package textutil

import (
	"regexp"
	"strings"
)

var (
	wordRe = regexp.MustCompile(`\w+`)
	tagRe  = regexp.MustCompile(`(?s)<[^>]*>`)
)

var punctReplacer = strings.NewReplacer(
	"’", "'",
	"“", `"`,
	"”", `"`,
	"—", "-",
	"–", "-",
)

// Tokenize lowercases text, normalises typographic apostrophes, quotes, and
// dashes to ASCII, and splits it into word tokens. Punctuation is dropped so
// that device exports and chapter HTML tokenise identically.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	normalised := punctReplacer.Replace(strings.ToLower(text))
	return wordRe.FindAllString(normalised, -1)
}

// NormalizeQuote collapses a quoted passage into its canonical token form.
// Two quotes that differ only in whitespace, case, or typographic
// punctuation normalise to the same string.
func NormalizeQuote(text string) string {
	return strings.Join(Tokenize(text), " ")
}

// FindTokenSequence returns the start and end token indices of needle in
// haystack, or (-1, -1, false) when not present.
func FindTokenSequence(haystack, needle []string) (int, int, bool) {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1, -1, false
	}
outer:
	for i := 0; i <= len(haystack)-len(needle); i++ {
		for j, tok := range needle {
			if haystack[i+j] != tok {
				continue outer
			}
		}
		return i, i + len(needle) - 1, true
	}
	return -1, -1, false
}

// LocateQuote finds a quote in plain chapter text and returns approximate
// rune offsets of the matched region. Matching is token based, so HTML tag
// boundaries and whitespace differences in the source do not break it.
// Returns (-1, -1, false) when the quote does not occur in the text.
func LocateQuote(chapterText, quote string) (int, int, bool) {
	quoteTokens := Tokenize(quote)
	textTokens := Tokenize(chapterText)
	startTok, endTok, ok := FindTokenSequence(textTokens, quoteTokens)
	if !ok {
		return -1, -1, false
	}

	// Map token indices back to rune offsets by re-walking the text.
	normalised := punctReplacer.Replace(strings.ToLower(chapterText))
	matches := wordRe.FindAllStringIndex(normalised, -1)
	if endTok >= len(matches) {
		return -1, -1, false
	}
	start := len([]rune(normalised[:matches[startTok][0]]))
	end := len([]rune(normalised[:matches[endTok][1]]))
	return start, end, true
}

// StripHTML reduces an HTML fragment to plain text: tags removed, entities
// left alone, whitespace runs collapsed to single spaces.
func StripHTML(html string) string {
	plain := tagRe.ReplaceAllString(html, " ")
	return strings.Join(strings.Fields(plain), " ")
}
