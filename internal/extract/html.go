package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "svg": true, "head": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "blockquote": true,
	"pre": true, "table": true, "ul": true, "ol": true, "header": true, "footer": true,
}

// extractHTML returns visible text, one block element per line. The <title> is
// kept as the first line.
func extractHTML(content []byte) (string, error) {
	z := html.NewTokenizer(bytes.NewReader(content))
	var b strings.Builder
	var title string
	skipDepth := 0
	inTitle := false
	newline := func() {
		s := b.String()
		if len(s) > 0 && !strings.HasSuffix(s, "\n") {
			b.WriteByte('\n')
		}
	}
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("parse HTML: %w", err)
			}
			text := strings.TrimSpace(collapseLines(b.String()))
			if title != "" && !strings.HasPrefix(text, title) {
				text = strings.TrimSpace(title + "\n" + text)
			}
			return text, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "title" {
				inTitle = true
				continue
			}
			if skippedElements[tag] && tt == html.StartTagToken {
				skipDepth++
				continue
			}
			if blockElements[tag] {
				newline()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "title" {
				inTitle = false
				continue
			}
			if skippedElements[tag] && skipDepth > 0 {
				skipDepth--
				continue
			}
			if blockElements[tag] {
				newline()
			}
		case html.TextToken:
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			if inTitle {
				title = text
				continue
			}
			if skipDepth > 0 {
				continue
			}
			s := b.String()
			if len(s) > 0 && !strings.HasSuffix(s, "\n") && !strings.HasSuffix(s, " ") {
				b.WriteByte(' ')
			}
			b.WriteString(text)
		}
	}
}

func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
