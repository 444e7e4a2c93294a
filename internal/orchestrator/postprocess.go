// ABOUTME: Post-processing of generated text: safety redaction and markdown render
// ABOUTME: Redaction runs always; HTML rendering only when enabled in config

package orchestrator

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
)

// Secret-looking substrings are masked before anything reaches the client.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(sk|pk|rk)-[a-zA-Z0-9_-]{16,}\b`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._\-]{16,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*\S{8,}`),
}

const redactedMarker = "[redacted]"

type postProcessor struct {
	renderMarkdown bool
	md             goldmark.Markdown
}

func newPostProcessor(renderMarkdown bool) *postProcessor {
	return &postProcessor{
		renderMarkdown: renderMarkdown,
		md:             goldmark.New(),
	}
}

// process applies redaction and, when enabled, converts markdown to HTML.
func (p *postProcessor) process(text string) string {
	text = redact(text)
	if !p.renderMarkdown {
		return text
	}

	var buf bytes.Buffer
	if err := p.md.Convert([]byte(text), &buf); err != nil {
		// Rendering is cosmetic; fall back to the plain text
		return text
	}
	return strings.TrimSpace(buf.String())
}

func redact(text string) string {
	for _, re := range redactPatterns {
		text = re.ReplaceAllString(text, redactedMarker)
	}
	return text
}
