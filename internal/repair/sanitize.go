package repair

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// sanitizePolicy keeps the markup vocabulary the presentation layer renders
// and nothing else. Disallowed tags are stripped while their text content is
// kept, except script/style/iframe whose content is dropped wholesale.
// Attributes are never allowed, which also removes every on* event handler.
var sanitizePolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br",
		"em", "i", "strong", "b", "u",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li",
		"table", "thead", "tbody", "tr", "th", "td",
		"sub", "sup", "span",
	)
	p.SkipElementsContent("script", "style", "iframe")
	return p
}()

var (
	imageTagRe = regexp.MustCompile(`(?is)<img[^>]*>`)
	linkTagRe  = regexp.MustCompile(`(?is)<link[^>]*>`)

	chapterHeadingRe = regexp.MustCompile(`(?i)^chapter\s+(\d+)[.:．：]?\s+(.+)$`)
	sectionHeadingRe = regexp.MustCompile(`(?i)^section\s+(\d+(?:\.\d+)+)[.:．：]?\s+(.+)$`)
	bareSubHeadingRe = regexp.MustCompile(`^(\d+(?:\.\d+)+)[.．]?\s+(\S.*)$`)
	bareTopHeadingRe = regexp.MustCompile(`^(\d+)[.．]\s+(\S.*)$`)

	headingLinePrefixRe = regexp.MustCompile(`^<h[1-6]>\s*(\d+(?:\.\d+)*)`)

	referencesLineRe = regexp.MustCompile(`(?i)^(?:<h[1-6]>\s*)?(?:\d+[.．]?\s*)?(references|bibliography|参考文献)\s*(?:</h[1-6]>)?\s*$`)
)

// Sanitize normalizes raw translate output into the fixed markup vocabulary
// stored on chapter results. It is pure and idempotent:
// Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(html string) string {
	text := unwrapJSONEnvelope(html)

	text = imageTagRe.ReplaceAllString(text, ImagePlaceholder)
	text = linkTagRe.ReplaceAllString(text, "")
	text = collapseReferences(text)
	text = normalizeHeadingLines(text)
	text = dedupeHeadings(text)
	text = wrapParagraphs(text)

	return strings.TrimSpace(sanitizePolicy.Sanitize(text))
}

// unwrapJSONEnvelope undoes a JSON string envelope: models sometimes return
// the whole payload as one quoted JSON string with escaped quotes,
// backslashes, and newlines.
func unwrapJSONEnvelope(s string) string {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 2 || trimmed[0] != '"' || trimmed[len(trimmed)-1] != '"' {
		return trimmed
	}
	if unquoted, err := strconv.Unquote(escapeNewlinesInStrings(trimmed)); err == nil {
		return strings.TrimSpace(unquoted)
	}
	return trimmed
}

// collapseReferences replaces a trailing reference list with the fixed
// placeholder block. Detection is by a references-style heading line;
// everything from that line on is dropped. Collapsing the placeholder block
// itself yields the same placeholder, keeping the operation idempotent.
func collapseReferences(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		candidate := strings.TrimSpace(line)
		if candidate == "" {
			continue
		}
		if referencesLineRe.MatchString(candidate) || strings.TrimSpace(candidate) == ReferencesPlaceholder {
			head := strings.TrimRight(strings.Join(lines[:i], "\n"), "\n")
			if head == "" {
				return ReferencesPlaceholder
			}
			return head + "\n" + ReferencesPlaceholder
		}
	}
	return text
}

// normalizeHeadingLines turns recognizable heading lines into heading markup:
// "Chapter N" and bare "N. Title" lines become <h2>, "Section N.M" and bare
// "N.M Title" lines become <h3>. Lines already inside markup are left alone.
func normalizeHeadingLines(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		// A line carrying any markup is never rewritten; a paragraph can span
		// multiple lines and its continuation must not become a heading.
		if trimmed == "" || strings.ContainsAny(trimmed, "<>") {
			continue
		}
		switch {
		case chapterHeadingRe.MatchString(trimmed):
			m := chapterHeadingRe.FindStringSubmatch(trimmed)
			lines[i] = "<h2>" + m[1] + ". " + m[2] + "</h2>"
		case sectionHeadingRe.MatchString(trimmed):
			m := sectionHeadingRe.FindStringSubmatch(trimmed)
			lines[i] = "<h3>" + m[1] + ". " + m[2] + "</h3>"
		case bareSubHeadingRe.MatchString(trimmed):
			m := bareSubHeadingRe.FindStringSubmatch(trimmed)
			lines[i] = "<h3>" + m[1] + ". " + m[2] + "</h3>"
		case bareTopHeadingRe.MatchString(trimmed):
			m := bareTopHeadingRe.FindStringSubmatch(trimmed)
			lines[i] = "<h2>" + m[1] + ". " + m[2] + "</h2>"
		}
	}
	return strings.Join(lines, "\n")
}

// dedupeHeadings drops a heading line that immediately follows another
// heading bearing the same numeric prefix; translation output frequently
// repeats the heading once in each language.
func dedupeHeadings(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	lastPrefix := ""
	sinceHeading := 2 // anything >1 means "not immediately after a heading"
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if m := headingLinePrefixRe.FindStringSubmatch(trimmed); m != nil {
			if sinceHeading <= 1 && m[1] == lastPrefix {
				continue
			}
			lastPrefix = m[1]
			sinceHeading = 0
			out = append(out, line)
			continue
		}
		if trimmed != "" {
			sinceHeading = 2
		} else {
			sinceHeading++
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// wrapParagraphs wraps every bare-text block (blank-line separated, not
// already starting with markup) in paragraph tags.
func wrapParagraphs(text string) string {
	blocks := strings.Split(text, "\n\n")
	for i, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" || strings.HasPrefix(trimmed, "<") {
			continue
		}
		blocks[i] = "<p>" + trimmed + "</p>"
	}
	return strings.Join(blocks, "\n\n")
}
