package narrow

import (
	"context"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"courier/cmd/internal/chat"
)

// Window selects rows around an anchor message id. Before counts rows strictly older than
// Anchor; After counts rows newer than Anchor, and the anchor row itself is returned in
// addition when it matches. Anchor <= 0 means the newest message.
type Window struct {
	Anchor int64
	Before int
	After  int
}

// Match is one narrowed row. MatchContent and MatchTopic are set only for search narrows.
type Match struct {
	chat.MessageRow
	MatchContent string
	MatchTopic   string
}

// Narrower fetches message windows for narrows.
type Narrower struct {
	store   chat.Store
	builder *Builder
}

// NewNarrower constructs a Narrower.
func NewNarrower(store chat.Store, builder *Builder) *Narrower {
	if builder == nil {
		builder = NewBuilder(store, nil)
	}
	return &Narrower{store: store, builder: builder}
}

// Messages returns the rows of the window in ascending id order. The same inputs against the
// same data return the same rows.
func (n *Narrower) Messages(ctx context.Context, user chat.User, terms []Term, w Window) ([]Match, error) {
	ctx, span := otel.Tracer("courier/narrow").Start(ctx, "narrow.messages")
	defer span.End()
	span.SetAttributes(attribute.Int("narrow.terms", len(terms)), attribute.Int64("anchor", w.Anchor))

	q, err := n.builder.Build(ctx, user, terms)
	if err != nil {
		return nil, err
	}
	if w.Before < 0 || w.After < 0 {
		return nil, BadNarrowOperandError{Operator: "window", Reason: "negative count"}
	}

	anchor := w.Anchor
	for _, t := range terms {
		if near, ok := t.(NearTerm); ok {
			anchor = near.ID
		}
	}
	if anchor <= 0 {
		anchor = math.MaxInt64
	}

	var rows []chat.MessageRow
	if w.Before > 0 && anchor > 1 {
		bq := q
		bq.MaxID = anchor - 1
		bq.Descending = true
		bq.Limit = chat.ClampLimit(w.Before)
		older, err := n.store.QueryMessages(ctx, bq)
		if err != nil {
			return nil, err
		}
		for i := len(older) - 1; i >= 0; i-- {
			rows = append(rows, older[i])
		}
	}
	if anchor != math.MaxInt64 {
		aq := q
		aq.MinID = anchor
		aq.Limit = chat.ClampLimit(w.After + 1)
		newer, err := n.store.QueryMessages(ctx, aq)
		if err != nil {
			return nil, err
		}
		if len(newer) > 0 && newer[0].ID != anchor && len(newer) > w.After {
			newer = newer[:w.After]
		}
		rows = append(rows, newer...)
	}

	hl := newHighlighter(searchNeedles(terms))
	out := make([]Match, 0, len(rows))
	for _, r := range rows {
		m := Match{MessageRow: r}
		if hl != nil {
			m.MatchContent = hl.HTML(r.RenderedContent)
			m.MatchTopic = hl.Plain(r.Topic)
		}
		out = append(out, m)
	}
	span.SetAttributes(attribute.Int("narrow.rows", len(out)))
	return out, nil
}

func searchNeedles(terms []Term) []string {
	var out []string
	for _, t := range terms {
		if s, ok := t.(SearchTerm); ok {
			out = append(out, s.Needles...)
		}
	}
	return out
}
