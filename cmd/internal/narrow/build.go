package narrow

import (
	"context"
	"errors"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/recipient"
)

// Builder turns terms into a store query for one user.
type Builder struct {
	store    chat.Store
	resolver *recipient.Resolver
}

// NewBuilder constructs a Builder. Lookups go through resolver so narrows never create rows.
func NewBuilder(store chat.Store, resolver *recipient.Resolver) *Builder {
	if resolver == nil {
		resolver = recipient.NewResolver(store)
	}
	return &Builder{store: store, resolver: resolver}
}

// Build applies terms left to right as conjunctive conditions. Streams, users and conversations
// that do not exist yet match nothing rather than failing.
func (b *Builder) Build(ctx context.Context, user chat.User, terms []Term) (chat.Query, error) {
	q := chat.Query{UserID: user.ID}
	for _, t := range terms {
		c, err := b.cond(ctx, user, t)
		if err != nil {
			return chat.Query{}, err
		}
		if c != nil {
			q.Conds = append(q.Conds, c)
		}
	}
	return q, nil
}

func (b *Builder) cond(ctx context.Context, user chat.User, t Term) (chat.Cond, error) {
	switch t := t.(type) {
	case IsTerm:
		switch t.What {
		case IsPrivate:
			return chat.CondPrivate{}, nil
		case IsStarred:
			return chat.CondFlag{Flag: chat.FlagStarred, Set: true}, nil
		case IsMentioned:
			return chat.CondFlag{Flag: chat.FlagMentioned, Set: true}, nil
		case IsRead:
			return chat.CondFlag{Flag: chat.FlagRead, Set: true}, nil
		case IsUnread:
			return chat.CondFlag{Flag: chat.FlagRead, Set: false}, nil
		}
		return nil, BadNarrowOperandError{Operator: string(OpIs), Operand: string(t.What), Reason: "unsupported"}

	case StreamTerm:
		rcp, err := b.resolver.Lookup(ctx, user, recipient.Destination{Kind: recipient.KindStream, To: []string{t.Name}})
		return orNone(chat.CondRecipient{RecipientID: rcp.ID}, err)

	case TopicTerm:
		return chat.CondTopic{Topic: t.Topic}, nil

	case SenderTerm:
		u, err := b.store.UserByEmail(ctx, t.Email)
		if err == nil && u.RealmID != user.RealmID && !user.CanForward {
			return chat.CondNone{}, nil
		}
		return orNone(chat.CondSender{SenderID: u.ID}, err)

	case IDTerm:
		return chat.CondMessageID{ID: t.ID}, nil

	case PMWithTerm:
		return b.pmWith(ctx, user, t)

	case NearTerm:
		// near only moves the window anchor.
		return nil, nil

	case SearchTerm:
		return chat.CondSearch{Needles: t.Needles}, nil
	}
	return nil, BadNarrowOperatorError{Operator: string(t.Operator())}
}

func (b *Builder) pmWith(ctx context.Context, user chat.User, t PMWithTerm) (chat.Cond, error) {
	rcp, err := b.resolver.Lookup(ctx, user, recipient.Destination{Kind: recipient.KindPrivate, To: t.Emails})
	if err != nil {
		return orNone(nil, err)
	}
	if rcp.Type == chat.RecipientHuddle {
		return chat.CondRecipient{RecipientID: rcp.ID}, nil
	}

	self, err := b.store.RecipientFor(ctx, chat.RecipientPersonal, user.ID)
	if err != nil && !chat.IsNotFound(err) {
		return nil, err
	}
	return chat.CondConversation{
		SelfID:           user.ID,
		SelfRecipientID:  self.ID,
		OtherID:          rcp.TypeID,
		OtherRecipientID: rcp.ID,
	}, nil
}

// orNone maps lookups of rows that do not exist (yet) to a match-nothing condition.
// Validation failures (for example a malformed stream name) also match nothing: the narrow
// names something that cannot hold messages.
func orNone(c chat.Cond, err error) (chat.Cond, error) {
	if err == nil {
		return c, nil
	}
	var coded chat.Coded
	if chat.IsNotFound(err) || errors.As(err, &coded) {
		return chat.CondNone{}, nil
	}
	return nil, err
}
