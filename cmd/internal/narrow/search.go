package narrow

import (
	"html"
	"regexp"
	"sort"
	"strings"
)

// Tokenize splits a search query into needles: quoted phrases are kept literally (without the
// quotes), unquoted text splits on whitespace. An unterminated quote runs to the end.
func Tokenize(q string) []string {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range q {
		switch {
		case r == '"':
			flush()
			quoted = !quoted
		case !quoted && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

var tagRE = regexp.MustCompile(`<[^>]*>`)

// highlighter wraps case-insensitive needle matches in <span class="highlight">.
type highlighter struct {
	re *regexp.Regexp
}

func newHighlighter(needles []string) *highlighter {
	if len(needles) == 0 {
		return nil
	}
	// Longest first so overlapping needles prefer the longer match.
	sorted := append([]string(nil), needles...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	alts := make([]string, 0, len(sorted))
	for _, n := range sorted {
		alts = append(alts, regexp.QuoteMeta(n))
	}
	return &highlighter{re: regexp.MustCompile(`(?i)` + strings.Join(alts, "|"))}
}

// text highlights an escaped text node. Matching runs on the unescaped text so a match never
// starts or ends inside an entity.
func (h *highlighter) text(escaped string) string {
	raw := html.UnescapeString(escaped)
	locs := h.re.FindAllStringIndex(raw, -1)
	if len(locs) == 0 {
		return escaped
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		b.WriteString(html.EscapeString(raw[last:loc[0]]))
		b.WriteString(`<span class="highlight">`)
		b.WriteString(html.EscapeString(raw[loc[0]:loc[1]]))
		b.WriteString(`</span>`)
		last = loc[1]
	}
	b.WriteString(html.EscapeString(raw[last:]))
	return b.String()
}

// HTML highlights text nodes of rendered markup, leaving tags untouched.
func (h *highlighter) HTML(s string) string {
	if h == nil {
		return s
	}
	var b strings.Builder
	last := 0
	for _, loc := range tagRE.FindAllStringIndex(s, -1) {
		b.WriteString(h.text(s[last:loc[0]]))
		b.WriteString(s[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(h.text(s[last:]))
	return b.String()
}

// Plain escapes s and highlights it.
func (h *highlighter) Plain(s string) string {
	if h == nil {
		return html.EscapeString(s)
	}
	return h.text(html.EscapeString(s))
}
