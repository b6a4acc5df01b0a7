package indexer

import (
	"strings"
	"unicode"
)

// Preprocess normalizes text for indexing: trims, drops control characters,
// and collapses whitespace runs to one space.
func Preprocess(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	wasSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
			continue
		default:
			b.WriteRune(r)
			wasSpace = false
		}
	}
	return b.String()
}

// PreprocessLines applies Preprocess to each line and keeps line breaks, so
// table rows stay distinguishable.
func PreprocessLines(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = Preprocess(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
