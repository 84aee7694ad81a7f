// Package render converts message source text into the safe HTML stored on each message.
//
// Markdown is out of scope: the renderer escapes text, splits paragraphs and turns URLs and
// @**email** mentions into markup. Content it cannot represent fails closed.
package render

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"courier/cmd/internal/chat"
)

// Rendered is the output of one render pass.
type Rendered struct {
	HTML              string
	MentionedUserIDs  []int64
	WildcardMentioned bool
}

// Renderer renders message content for a realm.
type Renderer interface {
	Render(ctx context.Context, content string, realm chat.Realm) (Rendered, error)
}

// UserLookup resolves mention targets.
type UserLookup interface {
	UserByEmail(ctx context.Context, email string) (chat.User, error)
}

// MaxRenderedBytes bounds the rendered output; larger renders fail.
const MaxRenderedBytes = 128 * 1024

var wildcards = map[string]struct{}{
	"all":      {},
	"everyone": {},
	"stream":   {},
}

var tokenRE = regexp.MustCompile(`@\*\*([^*\n]+)\*\*|https?://[^\s<>"']+`)

// TextRenderer is the default Renderer.
type TextRenderer struct {
	users UserLookup
}

// NewTextRenderer constructs a TextRenderer. users may be nil, in which case mentions render as text.
func NewTextRenderer(users UserLookup) *TextRenderer {
	return &TextRenderer{users: users}
}

// Render implements Renderer.
func (r *TextRenderer) Render(ctx context.Context, content string, realm chat.Realm) (Rendered, error) {
	if !utf8.ValidString(content) {
		return Rendered{}, chat.ErrRenderingFailed.Withf("invalid utf-8")
	}
	if strings.ContainsRune(content, 0) {
		return Rendered{}, chat.ErrRenderingFailed.Withf("NUL byte in content")
	}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	paras := splitParagraphs(content)

	var (
		b   strings.Builder
		out Rendered
		ids = make(map[int64]struct{})
	)
	for _, p := range paras {
		b.WriteString("<p>")
		for i, line := range strings.Split(p, "\n") {
			if i > 0 {
				b.WriteString("<br>\n")
			}
			if err := r.renderLine(ctx, &b, line, realm, ids, &out); err != nil {
				return Rendered{}, err
			}
		}
		b.WriteString("</p>")
	}

	out.HTML = b.String()
	if len(out.HTML) > MaxRenderedBytes {
		return Rendered{}, chat.ErrRenderingFailed.Withf("rendered content exceeds %d bytes", MaxRenderedBytes)
	}
	for id := range ids {
		out.MentionedUserIDs = append(out.MentionedUserIDs, id)
	}
	out.MentionedUserIDs = chat.SortedUniqueIDs(out.MentionedUserIDs)
	return out, nil
}

func (r *TextRenderer) renderLine(ctx context.Context, b *strings.Builder, line string, realm chat.Realm, ids map[int64]struct{}, out *Rendered) error {
	last := 0
	for _, m := range tokenRE.FindAllStringSubmatchIndex(line, -1) {
		b.WriteString(html.EscapeString(line[last:m[0]]))
		last = m[1]

		tok := line[m[0]:m[1]]
		if m[2] < 0 {
			writeLink(b, tok)
			continue
		}

		target := strings.TrimSpace(line[m[2]:m[3]])
		if _, ok := wildcards[strings.ToLower(target)]; ok {
			out.WildcardMentioned = true
			fmt.Fprintf(b, `<span class="user-mention" data-user-id="*">@%s</span>`, html.EscapeString(target))
			continue
		}
		u, ok, err := r.lookup(ctx, target, realm)
		if err != nil {
			return chat.ErrRenderingFailed.Withf("mention lookup: %v", err)
		}
		if !ok {
			b.WriteString(html.EscapeString(tok))
			continue
		}
		ids[u.ID] = struct{}{}
		name := u.FullName
		if name == "" {
			name = u.Email
		}
		b.WriteString(`<span class="user-mention" data-user-id="` + strconv.FormatInt(u.ID, 10) + `">@` + html.EscapeString(name) + `</span>`)
	}
	b.WriteString(html.EscapeString(line[last:]))
	return nil
}

func (r *TextRenderer) lookup(ctx context.Context, email string, realm chat.Realm) (chat.User, bool, error) {
	if r.users == nil || !strings.Contains(email, "@") {
		return chat.User{}, false, nil
	}
	u, err := r.users.UserByEmail(ctx, email)
	if chat.IsNotFound(err) {
		return chat.User{}, false, nil
	}
	if err != nil {
		return chat.User{}, false, err
	}
	if u.RealmID != realm.ID {
		return chat.User{}, false, nil
	}
	return u, true, nil
}

func writeLink(b *strings.Builder, url string) {
	// Trailing punctuation belongs to the sentence, not the URL.
	trimmed := strings.TrimRight(url, ".,;:!?)")
	rest := url[len(trimmed):]
	esc := html.EscapeString(trimmed)
	b.WriteString(`<a href="` + esc + `" target="_blank" rel="noopener noreferrer">` + esc + `</a>`)
	b.WriteString(html.EscapeString(rest))
}

func splitParagraphs(s string) []string {
	raw := strings.Split(strings.TrimSpace(s), "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.Trim(p, "\n")
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
