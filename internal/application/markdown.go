package application

import (
	"bytes"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	mdRenderer  goldmark.Markdown
	tagStripper *bluemonday.Policy
)

func init() {
	mdRenderer = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
	)

	tagStripper = bluemonday.StrictPolicy()
}

// plainExcerpt renders a Markdown issue body to plain text on a single line
// and truncates it to limit runes, appending "..." when anything was cut.
func plainExcerpt(src string, limit int) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}

	var buf bytes.Buffer
	rendered := src
	if err := mdRenderer.Convert([]byte(src), &buf); err == nil {
		rendered = buf.String()
	}

	text := html.UnescapeString(tagStripper.Sanitize(rendered))
	text = strings.Join(strings.Fields(text), " ")

	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return strings.TrimRight(string(runes[:limit]), " ") + "..."
}
