package extract

import (
	"strings"
	"unicode/utf8"
)

// extractPlain returns content as string with a leading BOM removed. Invalid
// UTF-8 sequences are replaced with the replacement character. Markdown is kept
// as-is; its headings help the markdown chunking profile.
func extractPlain(content []byte) (string, error) {
	if !utf8.Valid(content) {
		content = []byte(strings.ToValidUTF8(string(content), "\ufffd"))
	}
	return strings.TrimPrefix(string(content), "\ufeff"), nil
}
