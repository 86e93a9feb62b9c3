package cmn

import (
	"html"
	"strings"
)

// SplitPath mirrors the teacher's restApiItems: split an unescaped URL path
// into non-empty components, HTML-escaping first (<, >, &, ' and ") so
// those characters are neutralized before they reach log lines or error
// messages.
func SplitPath(unescapedPath string) []string {
	escaped := html.EscapeString(unescapedPath)
	parts := strings.Split(escaped, "/")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			items = append(items, p)
		}
	}
	return items
}
