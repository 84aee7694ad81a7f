package fanout

import (
	"context"
	"sort"

	"courier/cmd/internal/chat"
	v1 "courier/shared/contracts/courier/v1"
)

// Presenter turns stored messages into wire messages.
type Presenter struct {
	store chat.Store
}

// NewPresenter constructs a Presenter.
func NewPresenter(store chat.Store) *Presenter {
	return &Presenter{store: store}
}

// presentCache memoizes lookups across one batch.
type presentCache struct {
	users   map[int64]chat.User
	targets map[int64]recipientView
}

type recipientView struct {
	typ     string
	stream  string
	members []v1.UserRef
}

// Messages converts rows in order. Rows carry per-user flags.
func (p *Presenter) Messages(ctx context.Context, rows []chat.MessageRow) ([]v1.Message, error) {
	c := &presentCache{users: map[int64]chat.User{}, targets: map[int64]recipientView{}}
	out := make([]v1.Message, 0, len(rows))
	for _, r := range rows {
		m, err := p.message(ctx, c, r.Message, r.Flags)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Message converts one message with the given flags.
func (p *Presenter) Message(ctx context.Context, m chat.Message, flags chat.Flags) (v1.Message, error) {
	c := &presentCache{users: map[int64]chat.User{}, targets: map[int64]recipientView{}}
	return p.message(ctx, c, m, flags)
}

func (p *Presenter) message(ctx context.Context, c *presentCache, m chat.Message, flags chat.Flags) (v1.Message, error) {
	sender, err := p.user(ctx, c, m.SenderID)
	if err != nil {
		return v1.Message{}, err
	}
	target, err := p.target(ctx, c, m)
	if err != nil {
		return v1.Message{}, err
	}

	out := v1.Message{
		ID:               m.ID,
		Type:             target.typ,
		SenderID:         sender.ID,
		SenderEmail:      sender.Email,
		SenderFullName:   sender.FullName,
		RecipientID:      m.RecipientID,
		Stream:           target.stream,
		DisplayRecipient: target.members,
		Subject:          m.Topic,
		Content:          m.Content,
		RenderedContent:  m.RenderedContent,
		Client:           m.SendingClient,
		Timestamp:        m.Timestamp.Unix(),
		Flags:            flags.Names(),
	}
	if m.LastEditTime != nil {
		out.LastEditTimestamp = m.LastEditTime.Unix()
	}
	return out, nil
}

func (p *Presenter) user(ctx context.Context, c *presentCache, id int64) (chat.User, error) {
	if u, ok := c.users[id]; ok {
		return u, nil
	}
	u, err := p.store.UserByID(ctx, id)
	if err != nil {
		return chat.User{}, err
	}
	c.users[id] = u
	return u, nil
}

func (p *Presenter) target(ctx context.Context, c *presentCache, m chat.Message) (recipientView, error) {
	if v, ok := c.targets[m.RecipientID]; ok {
		return v, nil
	}
	rcp, err := p.store.RecipientByID(ctx, m.RecipientID)
	if err != nil {
		return recipientView{}, err
	}

	var v recipientView
	switch rcp.Type {
	case chat.RecipientStream:
		st, err := p.store.StreamByID(ctx, rcp.TypeID)
		if err != nil {
			return recipientView{}, err
		}
		v = recipientView{typ: v1.MessageTypeStream, stream: st.Name}
	case chat.RecipientPersonal:
		ids := chat.SortedUniqueIDs([]int64{m.SenderID, rcp.TypeID})
		members, err := p.refs(ctx, c, ids)
		if err != nil {
			return recipientView{}, err
		}
		v = recipientView{typ: v1.MessageTypePrivate, members: members}
	case chat.RecipientHuddle:
		ids, err := p.store.Subscribers(ctx, rcp.ID)
		if err != nil {
			return recipientView{}, err
		}
		members, err := p.refs(ctx, c, chat.SortedUniqueIDs(ids))
		if err != nil {
			return recipientView{}, err
		}
		v = recipientView{typ: v1.MessageTypePrivate, members: members}
	default:
		return recipientView{}, chat.ErrInvalidType.Withf("recipient type %d", rcp.Type)
	}
	c.targets[m.RecipientID] = v
	return v, nil
}

func (p *Presenter) refs(ctx context.Context, c *presentCache, ids []int64) ([]v1.UserRef, error) {
	out := make([]v1.UserRef, 0, len(ids))
	for _, id := range ids {
		u, err := p.user(ctx, c, id)
		if err != nil {
			return nil, err
		}
		out = append(out, v1.UserRef{ID: u.ID, Email: u.Email, FullName: u.FullName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}
