// Package render substitutes entry variables into notification templates.
package render

import (
	"strings"

	"github.com/maubot/rss/internal/model"
)

// Vars maps template variable names to their substitution values.
type Vars map[string]string

// EntryVars builds the variable bindings for one entry of a feed. Missing
// feed or entry fields substitute as empty strings.
func EntryVars(feed *model.Feed, e model.Entry) Vars {
	return Vars{
		"feed_url":      feed.URL,
		"feed_link":     feed.Link,
		"feed_title":    feed.Title,
		"feed_subtitle": feed.Subtitle,
		"id":            e.ID,
		"date":          e.Date.Format("2006-01-02 15:04:05"),
		"title":         e.Title,
		"summary":       e.Summary,
		"link":          e.Link,
	}
}

// Render replaces $name and ${name} tokens in tmpl with their bound values.
// Substitution is literal and single-pass: substituted text is never
// re-scanned, so $ sequences in feed-controlled values stay inert.
// Unrecognized tokens are left verbatim; $$ renders a literal $.
func Render(tmpl string, vars Vars) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		if c != '$' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(tmpl) {
			b.WriteByte('$')
			i++
			continue
		}
		switch next := tmpl[i+1]; {
		case next == '$':
			b.WriteByte('$')
			i += 2
		case next == '{':
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end >= 0 {
				if v, ok := vars[tmpl[i+2:i+2+end]]; ok {
					b.WriteString(v)
					i += end + 3
					continue
				}
			}
			b.WriteByte('$')
			i++
		default:
			j := i + 1
			for j < len(tmpl) && identByte(tmpl[j], j == i+1) {
				j++
			}
			if v, ok := vars[tmpl[i+1:j]]; ok && j > i+1 {
				b.WriteString(v)
				i = j
				continue
			}
			b.WriteByte('$')
			i++
		}
	}
	return b.String()
}

func identByte(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && c >= '0' && c <= '9'
}
