package search

import "strings"

// Highlight returns a snippet of at most maxLen bytes centred on the first query
// term found in content, with "..." marking cut ends.
func Highlight(content, query string, maxLen int) string {
	if maxLen <= 0 || len(content) <= maxLen {
		return content
	}
	lower := strings.ToLower(content)
	pos := -1
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if i := strings.Index(lower, term); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}
	start := 0
	if pos > maxLen/3 {
		start = pos - maxLen/3
	}
	end := start + maxLen
	if end > len(content) {
		end = len(content)
		start = end - maxLen
	}
	// Do not cut inside a multi-byte rune.
	for start > 0 && !isRuneStart(content[start]) {
		start--
	}
	for end < len(content) && !isRuneStart(content[end]) {
		end--
	}
	snippet := content[start:end]
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(content) {
		snippet += "..."
	}
	return snippet
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
