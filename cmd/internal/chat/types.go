// Package chat holds the message data model and the persistence collaborator used by the
// fan-out engine: realms, users, streams, huddles, recipients, subscriptions, messages and
// per-user delivery rows.
//
// Two Store implementations are provided: InMemoryStore (dev, tests) and PostgresStore (pgx).
package chat

import (
	"time"
)

// RecipientType discriminates what a Recipient's TypeID points at.
type RecipientType int16

const (
	RecipientPersonal RecipientType = 1
	RecipientStream   RecipientType = 2
	RecipientHuddle   RecipientType = 3
)

func (t RecipientType) String() string {
	switch t {
	case RecipientPersonal:
		return "personal"
	case RecipientStream:
		return "stream"
	case RecipientHuddle:
		return "huddle"
	default:
		return "unknown"
	}
}

// Private reports whether messages to this recipient are private (personal or huddle).
func (t RecipientType) Private() bool {
	return t == RecipientPersonal || t == RecipientHuddle
}

// Realm is the tenant boundary.
type Realm struct {
	ID         int64
	Domain     string
	Name       string
	Restricted bool
}

// User is a realm member.
//
// CanForward marks trusted forwarding agents (mirror bots): they may address unknown
// emails (a mirror dummy is created) and users in other realms.
type User struct {
	ID          int64
	RealmID     int64
	Email       string
	FullName    string
	Active      bool
	MirrorDummy bool
	CanForward  bool
	APIKeyHash  string
	Pointer     int64
}

// Stream is a realm-scoped topic channel.
type Stream struct {
	ID         int64
	RealmID    int64
	Name       string
	InviteOnly bool
	Active     bool
}

// StreamSpec describes a stream for get-or-create. InviteOnly applies only on creation.
type StreamSpec struct {
	RealmID    int64
	Name       string
	InviteOnly bool
}

// Huddle is an ad hoc group identified by the hash of its member set.
type Huddle struct {
	ID   int64
	Hash string
}

// Recipient is the canonical addressable target of a message.
type Recipient struct {
	ID     int64
	Type   RecipientType
	TypeID int64
}

// Subscription links a user to a recipient.
type Subscription struct {
	UserID      int64
	RecipientID int64
	Active      bool
}

// Edit is one entry of a message's edit history (previous values).
type Edit struct {
	UserID       int64     `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`
	PrevContent  string    `json:"prev_content,omitempty"`
	PrevRendered string    `json:"prev_rendered_content,omitempty"`
	PrevTopic    string    `json:"prev_subject,omitempty"`
}

// Message is the canonical persisted message.
type Message struct {
	ID              int64
	SenderID        int64
	RecipientID     int64
	Topic           string
	Content         string
	RenderedContent string
	SendingClient   string
	Timestamp       time.Time
	LastEditTime    *time.Time
	EditHistory     []Edit
}

// UserMessage is a delivery row: one per (recipient user, message).
type UserMessage struct {
	UserID    int64
	MessageID int64
	Flags     Flags
}

// MessageRow is a message as seen by one user (with that user's flags).
type MessageRow struct {
	Message
	Flags Flags
}
