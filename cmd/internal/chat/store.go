package chat

import (
	"context"
	"time"
)

// Store is the persistence collaborator used by the resolver, the fan-out engine and narrows.
//
// Requirements:
//   - Get-or-create operations are race-safe: a lost unique-constraint race re-reads the winner
//   - Message ids are monotonic and not consumed by rolled-back transactions (memory store)
//   - Delivery rows are never deleted by subscription changes
type Store interface {
	CreateRealm(ctx context.Context, r Realm) (Realm, error)
	RealmByID(ctx context.Context, id int64) (Realm, error)
	RealmByDomain(ctx context.Context, domain string) (Realm, error)

	CreateUser(ctx context.Context, u User) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	UsersByIDs(ctx context.Context, ids []int64) ([]User, error)
	// CreateMirrorUser returns the user for email, creating an inactive mirror dummy if absent.
	CreateMirrorUser(ctx context.Context, realmID int64, email string) (User, error)

	StreamByName(ctx context.Context, realmID int64, name string) (Stream, error)
	StreamByID(ctx context.Context, id int64) (Stream, error)
	GetOrCreateStream(ctx context.Context, spec StreamSpec) (Stream, Recipient, bool, error)
	GetOrCreateHuddle(ctx context.Context, userIDs []int64) (Huddle, Recipient, bool, error)
	HuddleByHash(ctx context.Context, hash string) (Huddle, error)

	RecipientByID(ctx context.Context, id int64) (Recipient, error)
	// RecipientFor looks up the recipient row for (type, typeID) without creating it.
	RecipientFor(ctx context.Context, typ RecipientType, typeID int64) (Recipient, error)
	// PersonalRecipient returns the personal recipient of userID, creating it if needed.
	PersonalRecipient(ctx context.Context, userID int64) (Recipient, error)

	// SetSubscription upserts the subscription and reports whether the active flag changed.
	SetSubscription(ctx context.Context, userID, recipientID int64, active bool) (bool, error)
	Subscription(ctx context.Context, userID, recipientID int64) (Subscription, error)
	ActiveSubscribers(ctx context.Context, recipientID int64) ([]int64, error)
	// Subscribers lists every subscribed user regardless of active state (huddle membership).
	Subscribers(ctx context.Context, recipientID int64) ([]int64, error)

	// InTx runs fn inside one transaction. fn must only use tx; the store is not reentrant.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	MessageByID(ctx context.Context, id int64) (Message, error)
	DeliveryRows(ctx context.Context, messageID int64) ([]UserMessage, error)
	QueryMessages(ctx context.Context, q Query) ([]MessageRow, error)
	MaxMessageID(ctx context.Context) (int64, error)

	// UpdateFlags sets or clears flag on the user's delivery rows for messageIDs and returns the
	// ids of rows that exist for the user.
	UpdateFlags(ctx context.Context, userID int64, messageIDs []int64, flag Flags, set bool) ([]int64, error)
	// UpdatePointer moves the pointer forward only; it reports whether the value changed.
	UpdatePointer(ctx context.Context, userID, messageID int64) (bool, error)

	Close() error
}

// Tx is the transactional view used by send and edit.
type Tx interface {
	// FindDuplicate returns the id of an identical message within the query's window.
	FindDuplicate(ctx context.Context, q DuplicateQuery) (int64, bool, error)
	InsertMessage(ctx context.Context, m Message) (int64, error)
	ActiveSubscribers(ctx context.Context, recipientID int64) ([]int64, error)
	// ActiveUserIDs filters ids down to active users, preserving order.
	ActiveUserIDs(ctx context.Context, ids []int64) ([]int64, error)
	InsertDeliveryRows(ctx context.Context, rows []UserMessage) error

	// LockMessage loads a message for update.
	LockMessage(ctx context.Context, id int64) (Message, error)
	// UpdateMessage rewrites topic, content, rendering and edit history of an existing message.
	UpdateMessage(ctx context.Context, m Message) error
}

// DuplicateQuery identifies a candidate mirror duplicate.
type DuplicateQuery struct {
	SenderID      int64
	RecipientID   int64
	Content       string
	Topic         string
	SendingClient string
	Timestamp     time.Time
	Window        time.Duration
}

// Query selects messages visible to UserID (those with a delivery row) that satisfy every Cond.
//
// MinID and MaxID are inclusive bounds; zero means unbounded.
type Query struct {
	UserID     int64
	Conds      []Cond
	MinID      int64
	MaxID      int64
	Limit      int
	Descending bool
}

// Cond is one conjunctive query condition. The set of conditions is closed.
type Cond interface{ isCond() }

// CondRecipient matches messages sent to the recipient.
type CondRecipient struct{ RecipientID int64 }

// CondTopic matches the topic case-insensitively.
type CondTopic struct{ Topic string }

// CondSender matches the sender.
type CondSender struct{ SenderID int64 }

// CondMessageID matches one message id.
type CondMessageID struct{ ID int64 }

// CondPrivate matches personal and huddle messages.
type CondPrivate struct{}

// CondFlag matches rows whose flag is set (or clear when Set is false).
type CondFlag struct {
	Flag Flags
	Set  bool
}

// CondConversation matches the one-to-one conversation between Self and Other in either direction.
type CondConversation struct {
	SelfID           int64
	SelfRecipientID  int64
	OtherID          int64
	OtherRecipientID int64
}

// CondSearch matches when every needle occurs (case-insensitively) in the content or the topic.
type CondSearch struct{ Needles []string }

// CondNone matches nothing.
type CondNone struct{}

func (CondRecipient) isCond()    {}
func (CondTopic) isCond()        {}
func (CondSender) isCond()       {}
func (CondMessageID) isCond()    {}
func (CondPrivate) isCond()      {}
func (CondFlag) isCond()         {}
func (CondConversation) isCond() {}
func (CondSearch) isCond()       {}
func (CondNone) isCond()         {}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// ClampLimit normalizes a query limit.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultQueryLimit
	}
	if n > MaxQueryLimit {
		return MaxQueryLimit
	}
	return n
}
