// Package repair recovers well-formed structured results from free-text
// model output. The model is asked for strict JSON but routinely wraps it in
// code fences, truncates it, or answers in prose; Parse applies an ordered
// cascade of salvage strategies so downstream stages always receive a usable
// structure. Only metadata extraction may fail outright, because a malformed
// chapter manifest cannot safely seed the fan-out.
package repair

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/Lllllllleong/paperflow/internal/apperr"
	"github.com/Lllllllleong/paperflow/internal/models"
)

// Fixed placeholder blocks used wherever content is deliberately dropped.
const (
	ReferencesPlaceholder = "<p>[参考文献は省略されました]</p>"
	ImagePlaceholder      = "[図は省略されました]"
)

var (
	fenceRe       = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	keyFragmentRe = regexp.MustCompile(`\{\s*"[A-Za-z_][A-Za-z0-9_]*"\s*:`)

	summaryShapeRe = regexp.MustCompile(`(?s)\{\s*"summary"\s*:\s*"(.*?)"\s*,\s*"required_knowledge"\s*:\s*"(.*?)"\s*\}`)

	leadingHeadingRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)[.．:：]?\s+(.+)$`)
)

// Parse coerces raw model output into the structured result expected for the
// given operation. It never returns an error for recoverable malformation;
// only metadata extraction can fail, and only when no partial structure at
// all could be salvaged.
func Parse(raw string, op models.Operation) (map[string]any, error) {
	text := stripFences(raw)

	// 1. Direct parse of the first balanced brace-delimited span.
	if start := strings.IndexByte(text, '{'); start >= 0 {
		if span, ok := balancedSpan(text, start); ok {
			if result, ok := tryUnmarshal(span); ok {
				return result, nil
			}
		}
	}

	// 2. Key-anchored scan with a string-aware brace counter, retried with
	// embedded literal newlines escaped.
	if loc := keyFragmentRe.FindStringIndex(text); loc != nil {
		if span, ok := balancedSpan(text, loc[0]); ok {
			if result, ok := tryUnmarshal(span); ok {
				return result, nil
			}
			if result, ok := tryUnmarshal(escapeNewlinesInStrings(span)); ok {
				return result, nil
			}
		}
	}

	switch op {
	case models.OpTranslate:
		return parseTranslateFallback(text), nil
	case models.OpSummarize:
		return parseSummarizeFallback(text), nil
	case models.OpExtractMetadata:
		return parseMetadataFallback(text)
	default:
		return nil, apperr.Errorf(apperr.Validation, "repair.Parse", "no repair strategy for operation %q", op)
	}
}

// ParseMetadata runs Parse for metadata extraction and decodes the result
// into the typed metadata plus chapter manifest, back-filling missing
// Japanese chapter titles.
func ParseMetadata(raw string) (*models.PaperMetadata, []models.ChapterSpec, error) {
	parsed, err := Parse(raw, models.OpExtractMetadata)
	if err != nil {
		return nil, nil, err
	}

	// The expected shape nests everything under "metadata"/"chapters", but a
	// model answering with the flat fields is still usable.
	metaSrc := parsed
	if nested, ok := parsed["metadata"].(map[string]any); ok {
		metaSrc = nested
	}

	var meta models.PaperMetadata
	if blob, err := json.Marshal(metaSrc); err == nil {
		_ = json.Unmarshal(blob, &meta)
	}

	var chapters []models.ChapterSpec
	if rawChapters, ok := parsed["chapters"]; ok {
		if blob, err := json.Marshal(rawChapters); err == nil {
			_ = json.Unmarshal(blob, &chapters)
		}
	}

	if meta.Title == "" && meta.Abstract == "" && len(meta.Authors) == 0 && len(chapters) == 0 {
		return nil, nil, apperr.Errorf(apperr.Decode, "repair.ParseMetadata", "no metadata or chapters could be recovered")
	}

	for i := range chapters {
		if chapters[i].TitleJa == "" {
			chapters[i].TitleJa = localizeChapterTitle(chapters[i].Title)
		}
		if chapters[i].EndPage < chapters[i].StartPage {
			chapters[i].EndPage = chapters[i].StartPage
		}
	}
	return &meta, chapters, nil
}

// TranslatedText pulls the translated_text field out of a Parse result,
// falling back to an empty string when the model returned something else.
func TranslatedText(parsed map[string]any) string {
	if s, ok := parsed["translated_text"].(string); ok {
		return s
	}
	return ""
}

// SummaryText pulls the summary (and optional required_knowledge) out of a
// Parse result as a single display fragment.
func SummaryText(parsed map[string]any) string {
	summary, _ := parsed["summary"].(string)
	required, _ := parsed["required_knowledge"].(string)
	if required == "" {
		return summary
	}
	if summary == "" {
		return required
	}
	return summary + "\n前提知識: " + required
}

// --- cascade steps ---

func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	// Unterminated fences still get their opening marker removed.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// balancedSpan scans forward from start (which must index a '{') and returns
// the span up to the matching closing brace. The scanner is string-aware and
// escape-aware: a quote toggles in-string state unless preceded by an odd
// number of backslashes, and braces are only counted outside strings.
func balancedSpan(s string, start int) (string, bool) {
	if start >= len(s) || s[start] != '{' {
		return "", false
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\\' {
				i++ // skip the escaped byte
				continue
			}
			if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func tryUnmarshal(span string) (map[string]any, bool) {
	var result map[string]any
	if err := json.Unmarshal([]byte(span), &result); err != nil {
		return nil, false
	}
	return result, true
}

// escapeNewlinesInStrings rewrites literal newlines occurring inside JSON
// string values as \n escapes, the single most common way the model breaks
// its own JSON.
func escapeNewlinesInStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				b.WriteByte(c)
				if i+1 < len(s) {
					i++
					b.WriteByte(s[i])
				}
				continue
			case '"':
				inString = false
			case '\n':
				b.WriteString(`\n`)
				continue
			case '\r':
				b.WriteString(`\r`)
				continue
			}
		} else if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}

// parseTranslateFallback rebuilds a translation result from prose output.
// A leading "N. Title" line becomes the chapter heading; the remaining text
// gets paragraph and reference normalization.
func parseTranslateFallback(text string) map[string]any {
	trimmed := strings.TrimSpace(text)
	lines := strings.Split(trimmed, "\n")

	headingIdx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if leadingHeadingRe.MatchString(strings.TrimSpace(line)) {
			headingIdx = i
		}
		break
	}

	var b strings.Builder
	body := trimmed
	if headingIdx >= 0 {
		heading := strings.TrimSpace(lines[headingIdx])
		b.WriteString("<h2>")
		b.WriteString(heading)
		b.WriteString("</h2>\n")
		body = strings.Join(lines[headingIdx+1:], "\n")
	}

	body = collapseReferences(body)
	body = normalizeHeadingLines(body)
	body = wrapParagraphs(body)
	b.WriteString(body)

	return map[string]any{"translated_text": strings.TrimSpace(b.String())}
}

func parseSummarizeFallback(text string) map[string]any {
	if m := summaryShapeRe.FindStringSubmatch(text); m != nil {
		return map[string]any{
			"summary":            unescapeLiteral(m[1]),
			"required_knowledge": unescapeLiteral(m[2]),
		}
	}
	return map[string]any{"summary": strings.TrimSpace(text)}
}

// unescapeLiteral undoes the JSON string escapes that survive a regex
// extraction of a quoted value.
func unescapeLiteral(s string) string {
	if unquoted, err := strconv.Unquote(`"` + strings.ReplaceAll(s, "\n", `\n`) + `"`); err == nil {
		return unquoted
	}
	r := strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`, `\\`, `\`)
	return r.Replace(s)
}

// --- metadata field salvage ---

var (
	metaTitleRe    = regexp.MustCompile(`"title"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	metaYearRe     = regexp.MustCompile(`"year"\s*:\s*"?(\d{4})"?`)
	metaJournalRe  = regexp.MustCompile(`"journal"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	metaDOIRe      = regexp.MustCompile(`"doi"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	metaAbstractRe = regexp.MustCompile(`"abstract"\s*:\s*"((?:[^"\\]|\\.)*)"`)

	authorsArrayRe  = regexp.MustCompile(`(?s)"authors"\s*:\s*\[(.*?)\]`)
	keywordsArrayRe = regexp.MustCompile(`(?s)"keywords"\s*:\s*\[(.*?)\]`)
	chaptersArrayRe = regexp.MustCompile(`(?s)"chapters"\s*:\s*\[(.*)\]`)

	objectRe      = regexp.MustCompile(`(?s)\{[^{}]*\}`)
	quotedValueRe = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)

	nameFieldRe        = regexp.MustCompile(`"name"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	affiliationFieldRe = regexp.MustCompile(`"affiliation"\s*:\s*"((?:[^"\\]|\\.)*)"`)

	chapterNumberRe = regexp.MustCompile(`"chapter_number"\s*:\s*"?(\d+)"?`)
	chapterTitleRe  = regexp.MustCompile(`"title"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	titleJaFieldRe  = regexp.MustCompile(`"title_ja"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	startPageRe     = regexp.MustCompile(`"start_page"\s*:\s*"?(\d+)"?`)
	endPageRe       = regexp.MustCompile(`"end_page"\s*:\s*"?(\d+)"?`)
)

// parseMetadataFallback reconstructs the extraction result field by field.
// This is the only branch of the cascade allowed to fail.
func parseMetadataFallback(text string) (map[string]any, error) {
	// Chapter objects carry their own "title" fields, so metadata fields are
	// only searched for ahead of the chapters array.
	metaPart := text
	var chaptersPart string
	if loc := chaptersArrayRe.FindStringSubmatchIndex(text); loc != nil {
		metaPart = text[:loc[0]]
		chaptersPart = text[loc[2]:loc[3]]
	}

	meta := map[string]any{}
	setIfMatch := func(key string, re *regexp.Regexp) {
		if m := re.FindStringSubmatch(metaPart); m != nil {
			meta[key] = unescapeLiteral(m[1])
		}
	}
	setIfMatch("title", metaTitleRe)
	setIfMatch("year", metaYearRe)
	setIfMatch("journal", metaJournalRe)
	setIfMatch("doi", metaDOIRe)
	setIfMatch("abstract", metaAbstractRe)

	if m := authorsArrayRe.FindStringSubmatch(metaPart); m != nil {
		var authors []any
		for _, obj := range objectRe.FindAllString(m[1], -1) {
			author := map[string]any{}
			if nm := nameFieldRe.FindStringSubmatch(obj); nm != nil {
				author["name"] = unescapeLiteral(nm[1])
			}
			if af := affiliationFieldRe.FindStringSubmatch(obj); af != nil {
				author["affiliation"] = unescapeLiteral(af[1])
			}
			if len(author) > 0 {
				authors = append(authors, author)
			}
		}
		if len(authors) > 0 {
			meta["authors"] = authors
		}
	}

	if m := keywordsArrayRe.FindStringSubmatch(metaPart); m != nil {
		var keywords []any
		for _, kw := range quotedValueRe.FindAllStringSubmatch(m[1], -1) {
			keywords = append(keywords, unescapeLiteral(kw[1]))
		}
		if len(keywords) > 0 {
			meta["keywords"] = keywords
		}
	}

	chapters := []any{}
	for _, obj := range objectRe.FindAllString(chaptersPart, -1) {
		chapter := map[string]any{}
		if m := chapterNumberRe.FindStringSubmatch(obj); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				chapter["chapter_number"] = n
			}
		}
		if m := chapterTitleRe.FindStringSubmatch(obj); m != nil {
			chapter["title"] = unescapeLiteral(m[1])
		}
		if m := titleJaFieldRe.FindStringSubmatch(obj); m != nil {
			chapter["title_ja"] = unescapeLiteral(m[1])
		}
		if m := startPageRe.FindStringSubmatch(obj); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				chapter["start_page"] = n
			}
		}
		if m := endPageRe.FindStringSubmatch(obj); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				chapter["end_page"] = n
			}
		}
		if len(chapter) > 0 {
			chapters = append(chapters, chapter)
		}
	}

	if len(meta) == 0 && len(chapters) == 0 {
		return nil, apperr.Errorf(apperr.Decode, "repair.Parse",
			"metadata extraction output yielded no recoverable fields (%d bytes)", len(text))
	}

	return map[string]any{"metadata": meta, "chapters": chapters}, nil
}

// chapterTitleJa maps common English section names to their Japanese
// equivalents, used when the model omits title_ja.
var chapterTitleJa = []struct {
	keyword string
	ja      string
}{
	{"introduction", "はじめに"},
	{"methods", "手法"},
	{"method", "手法"},
	{"results", "結果"},
	{"result", "結果"},
	{"discussion", "考察"},
	{"conclusions", "結論"},
	{"conclusion", "結論"},
	{"abstract", "要旨"},
	{"background", "背景"},
	{"references", "参考文献"},
	{"reference", "参考文献"},
	{"bibliography", "参考文献"},
}

func localizeChapterTitle(title string) string {
	lower := strings.ToLower(title)
	for _, entry := range chapterTitleJa {
		if strings.Contains(lower, entry.keyword) {
			return entry.ja
		}
	}
	// Unmatched titles pass through unchanged.
	return title
}
