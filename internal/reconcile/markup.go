package reconcile

import (
	"regexp"
	"strings"
)

// The input text must never be interpreted as markup, so escaping runs before
// the markdown pass and the markdown pass only ever inserts tags around
// already-escaped content.
var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

var (
	boldRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe = regexp.MustCompile(`\*(.+?)\*`)
)

// EscapeHTML neutralizes markup-significant characters.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// MarkdownHTML renders the minimal inline markdown subset the backend emits:
// bold, italic and line breaks. Escaping happens first and is never undone.
func MarkdownHTML(s string) string {
	out := EscapeHTML(s)
	out = boldRe.ReplaceAllString(out, "<strong>$1</strong>")
	out = italicRe.ReplaceAllString(out, "<em>$1</em>")
	out = strings.ReplaceAll(out, "\n", "<br>")
	return out
}
