package models

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(highlighting.Highlighting),
)

// RenderMarkdown converts the display text of a message into HTML. User messages that embed an image
// are rendered as an <img> tag instead.
func RenderMarkdown(msg ChatMessage) (template.HTML, error) {
	if ref, ok := ImageReference(msg.Content); ok && safeImageRef(ref) {
		return template.HTML(fmt.Sprintf(`<img src="%s" alt="">`, template.HTMLEscapeString(ref))), nil
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(msg.Content), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return template.HTML(strings.TrimSpace(buf.String())), nil
}

func safeImageRef(ref string) bool {
	return strings.HasPrefix(ref, "data:image/") || strings.HasPrefix(ref, "https://")
}
