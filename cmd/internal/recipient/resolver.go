// Package recipient turns a destination (a stream name or a list of emails) into the canonical
// chat.Recipient a message is stored against.
package recipient

import (
	"context"
	"strings"

	"courier/cmd/internal/chat"
)

// Kind is the addressing mode of a destination.
type Kind string

const (
	KindStream  Kind = "stream"
	KindPrivate Kind = "private"
)

// ParseKind validates a wire message type.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindStream:
		return KindStream, nil
	case KindPrivate, "personal", "huddle":
		return KindPrivate, nil
	default:
		return "", chat.ErrInvalidType.Withf("%q", s)
	}
}

// Destination is what the sender addressed.
//
// For KindStream, To holds exactly one stream name. For KindPrivate, To holds emails.
// Forwarder is set when a mirroring agent relays on behalf of the sender.
type Destination struct {
	Kind      Kind
	To        []string
	Forwarder *chat.User
}

// Resolver maps destinations to recipients. It is safe for concurrent use.
type Resolver struct {
	store chat.Store
}

// NewResolver constructs a Resolver over store.
func NewResolver(store chat.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the recipient for d, creating streams, huddles, mirror users and recipient rows as needed.
func (r *Resolver) Resolve(ctx context.Context, sender chat.User, d Destination) (chat.Recipient, error) {
	switch d.Kind {
	case KindStream:
		return r.resolveStream(ctx, sender, d)
	case KindPrivate:
		ids, err := r.resolveEmails(ctx, sender, d, true)
		if err != nil {
			return chat.Recipient{}, err
		}
		if d.Forwarder != nil && d.Forwarder.ID != sender.ID && !containsID(ids, d.Forwarder.ID) {
			return chat.Recipient{}, chat.ErrNotAuthorized.Withf("forwarder is neither sender nor recipient")
		}
		return r.forIDs(ctx, sender.ID, ids)
	default:
		return chat.Recipient{}, chat.ErrInvalidType.Withf("%q", d.Kind)
	}
}

// Lookup is the read-only twin of Resolve. It never creates rows and returns chat.ErrNotFound
// when the addressed recipient does not exist yet.
func (r *Resolver) Lookup(ctx context.Context, user chat.User, d Destination) (chat.Recipient, error) {
	switch d.Kind {
	case KindStream:
		name, err := singleStream(d.To)
		if err != nil {
			return chat.Recipient{}, err
		}
		st, err := r.store.StreamByName(ctx, user.RealmID, name)
		if err != nil {
			return chat.Recipient{}, err
		}
		return r.store.RecipientFor(ctx, chat.RecipientStream, st.ID)
	case KindPrivate:
		ids, err := r.resolveEmails(ctx, user, d, false)
		if err != nil {
			return chat.Recipient{}, err
		}
		set := PrivateSet(user.ID, ids)
		if len(set) > 1 {
			h, err := r.store.HuddleByHash(ctx, chat.HuddleHash(set))
			if err != nil {
				return chat.Recipient{}, err
			}
			return r.store.RecipientFor(ctx, chat.RecipientHuddle, h.ID)
		}
		return r.store.RecipientFor(ctx, chat.RecipientPersonal, set[0])
	default:
		return chat.Recipient{}, chat.ErrInvalidType.Withf("%q", d.Kind)
	}
}

// PrivateSet applies the private addressing rule to the resolved ids:
// a two-member set containing the sender collapses to the other member; any set of two or
// more others gains the sender (a huddle); otherwise the single id is a personal target.
// The result is sorted; a length > 1 means huddle.
func PrivateSet(senderID int64, ids []int64) []int64 {
	set := chat.SortedUniqueIDs(ids)
	if len(set) == 2 && containsID(set, senderID) {
		set = removeID(set, senderID)
	}
	if len(set) > 1 {
		set = chat.SortedUniqueIDs(append(set, senderID))
	}
	if len(set) == 0 {
		set = []int64{senderID}
	}
	return set
}

func (r *Resolver) resolveStream(ctx context.Context, sender chat.User, d Destination) (chat.Recipient, error) {
	name, err := singleStream(d.To)
	if err != nil {
		return chat.Recipient{}, err
	}
	st, rcp, _, err := r.store.GetOrCreateStream(ctx, chat.StreamSpec{RealmID: sender.RealmID, Name: name})
	if err != nil {
		return chat.Recipient{}, err
	}
	if st.InviteOnly {
		sub, err := r.store.Subscription(ctx, sender.ID, rcp.ID)
		if err != nil && !chat.IsNotFound(err) {
			return chat.Recipient{}, err
		}
		if err != nil || !sub.Active {
			return chat.Recipient{}, chat.ErrNotSubscribed.Withf("%s", st.Name)
		}
	}
	return rcp, nil
}

func (r *Resolver) forIDs(ctx context.Context, senderID int64, ids []int64) (chat.Recipient, error) {
	set := PrivateSet(senderID, ids)
	if len(set) > 1 {
		_, rcp, _, err := r.store.GetOrCreateHuddle(ctx, set)
		return rcp, err
	}
	return r.store.PersonalRecipient(ctx, set[0])
}

// resolveEmails maps emails to user ids in the sender's realm. Trusted forwarders may address
// unknown emails (creating inactive mirror users when create is set) and users in other realms.
func (r *Resolver) resolveEmails(ctx context.Context, sender chat.User, d Destination, create bool) ([]int64, error) {
	trusted := sender.CanForward || (d.Forwarder != nil && d.Forwarder.CanForward)

	ids := make([]int64, 0, len(d.To))
	for _, raw := range d.To {
		email := chat.NormalizeEmail(raw)
		if email == "" {
			continue
		}
		u, err := r.store.UserByEmail(ctx, email)
		switch {
		case err == nil:
		case chat.IsNotFound(err) && !create:
			return nil, err
		case chat.IsNotFound(err) && trusted:
			if u, err = r.store.CreateMirrorUser(ctx, sender.RealmID, email); err != nil {
				return nil, err
			}
		case chat.IsNotFound(err):
			return nil, chat.ErrUnknownRecipient.Withf("%s", email)
		default:
			return nil, err
		}
		if u.RealmID != sender.RealmID && !trusted {
			if !create {
				return nil, chat.NotFoundError{Op: "recipient.Lookup", Resource: "user"}
			}
			return nil, chat.ErrCrossRealmForbidden.Withf("%s", email)
		}
		ids = append(ids, u.ID)
	}
	if len(ids) == 0 {
		return nil, chat.ErrEmptyRecipients
	}
	return ids, nil
}

func singleStream(to []string) (string, error) {
	names := make([]string, 0, 1)
	for _, s := range to {
		if strings.TrimSpace(s) != "" {
			names = append(names, s)
		}
	}
	if len(names) != 1 {
		return "", chat.ErrInvalidStreamName.Withf("expected exactly one stream, got %d", len(names))
	}
	return names[0], nil
}

func containsID(ids []int64, id int64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func removeID(ids []int64, id int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
