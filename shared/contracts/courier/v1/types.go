// Package v1 defines the courier wire contract: RPC request/response bodies, the event records
// delivered by long-poll and WebSocket, and the WebSocket envelope.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and courierctl to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version embedded into every WebSocket envelope.
const Version = 1

// Event types (wire-stable).
const (
	EventNewMessage         = "new_message"
	EventUpdateMessage      = "update_message"
	EventUpdateMessageFlags = "update_message_flags"
	EventSubscription       = "subscription"
	EventPointer            = "pointer"
)

// Operations carried by flag and subscription events.
const (
	OpAdd    = "add"
	OpRemove = "remove"
)

// Message types.
const (
	MessageTypeStream  = "stream"
	MessageTypePrivate = "private"
)

// UserRef identifies a user on the wire.
type UserRef struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// Message is a message as delivered to one user.
//
// Stream messages carry Stream; private messages carry DisplayRecipient (every member).
type Message struct {
	ID                int64     `json:"id"`
	Type              string    `json:"type"`
	SenderID          int64     `json:"sender_id"`
	SenderEmail       string    `json:"sender_email"`
	SenderFullName    string    `json:"sender_full_name"`
	RecipientID       int64     `json:"recipient_id"`
	Stream            string    `json:"stream,omitempty"`
	DisplayRecipient  []UserRef `json:"display_recipient,omitempty"`
	Subject           string    `json:"subject"`
	Content           string    `json:"content"`
	RenderedContent   string    `json:"rendered_content"`
	Client            string    `json:"client"`
	Timestamp         int64     `json:"timestamp"`
	LastEditTimestamp int64     `json:"last_edit_timestamp,omitempty"`
	Flags             []string  `json:"flags,omitempty"`
	MatchContent      string    `json:"match_content,omitempty"`
	MatchSubject      string    `json:"match_subject,omitempty"`
}

// MessageEdit describes an applied edit.
type MessageEdit struct {
	MessageID           int64  `json:"message_id"`
	UserID              int64  `json:"user_id"`
	EditTimestamp       int64  `json:"edit_timestamp"`
	Subject             string `json:"subject,omitempty"`
	OrigSubject         string `json:"orig_subject,omitempty"`
	Content             string `json:"content,omitempty"`
	OrigContent         string `json:"orig_content,omitempty"`
	RenderedContent     string `json:"rendered_content,omitempty"`
	OrigRenderedContent string `json:"orig_rendered_content,omitempty"`
}

// Subscription describes a stream subscription change.
type Subscription struct {
	Name        string `json:"name"`
	RecipientID int64  `json:"recipient_id"`
	InviteOnly  bool   `json:"invite_only"`
}

// Event is one record of a user's event queue. ID is per-user, starts at 1 and has no gaps.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	MessageID int64    `json:"message_id,omitempty"`
	Users     []int64  `json:"users,omitempty"`
	Message   *Message `json:"message,omitempty"`
	Flags     []string `json:"flags,omitempty"`

	Edit *MessageEdit `json:"edit,omitempty"`

	Op       string  `json:"op,omitempty"`
	Flag     string  `json:"flag,omitempty"`
	Messages []int64 `json:"messages,omitempty"`

	Subscription *Subscription `json:"subscription,omitempty"`

	Pointer int64 `json:"pointer,omitempty"`
}

// Recipients accepts either a JSON string ("a@x.com" or "a@x.com, b@x.com") or a JSON list.
type Recipients []string

// UnmarshalJSON implements json.Unmarshaler.
func (r *Recipients) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*r = list
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("to: expected string or list of strings")
	}
	out := make([]string, 0, 2)
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*r = out
	return nil
}

// SendMessageRequest is the body of POST /api/v1/messages.
//
// Forged and Timestamp are honoured only for mirror clients. Sender lets a forwarding agent
// relay on behalf of another (possibly unknown) email.
type SendMessageRequest struct {
	Type      string     `json:"type"`
	To        Recipients `json:"to"`
	Subject   string     `json:"subject,omitempty"`
	Content   string     `json:"content"`
	Client    string     `json:"client,omitempty"`
	Forged    bool       `json:"forged,omitempty"`
	Timestamp *int64     `json:"timestamp,omitempty"`
	Sender    string     `json:"sender,omitempty"`
}

// SendMessageResponse returns the canonical message id.
type SendMessageResponse struct {
	ID int64 `json:"id"`
}

// GetEventsResponse is the body of GET /api/v1/events. Events is empty on timeout.
type GetEventsResponse struct {
	Events      []Event `json:"events"`
	LastEventID int64   `json:"last_event_id"`
}

// MessagesResponse is the body of GET /api/v1/messages.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
	Anchor   int64     `json:"anchor"`
}

// EditMessageRequest is the body of PATCH /api/v1/messages/{id}.
type EditMessageRequest struct {
	Content *string `json:"content,omitempty"`
	Subject *string `json:"subject,omitempty"`
}

// UpdateFlagsRequest is the body of POST /api/v1/messages/flags.
type UpdateFlagsRequest struct {
	Messages []int64 `json:"messages"`
	Op       string  `json:"op"`
	Flag     string  `json:"flag"`
}

// UpdateFlagsResponse lists the messages whose rows were updated.
type UpdateFlagsResponse struct {
	Messages []int64 `json:"messages"`
}

// SubscriptionsRequest is the body of POST/DELETE /api/v1/subscriptions.
type SubscriptionsRequest struct {
	Streams []string `json:"streams"`
}

// SubscriptionsResponse reports which streams changed state.
type SubscriptionsResponse struct {
	Changed   []string `json:"changed"`
	Unchanged []string `json:"unchanged"`
}

// PointerRequest is the body of PUT /api/v1/pointer.
type PointerRequest struct {
	Pointer int64 `json:"pointer"`
}

// ErrorPayload is the structured error body.
type ErrorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
}

// ErrorResponse wraps ErrorPayload as {"error": {...}}. LastEventID is set on queue_trimmed:
// after re-syncing, the client polls with since_id=last_event_id.
type ErrorResponse struct {
	Error       ErrorPayload `json:"error"`
	LastEventID int64        `json:"last_event_id,omitempty"`
}

// ---- WebSocket envelope ----

// WebSocket envelope types.
const (
	TypeHello    = "hello"
	TypeHelloAck = "hello.ack"
	TypeEvents   = "events"
	TypeError    = "error"
)

var allowedTypes = map[string]struct{}{
	TypeHello:    {},
	TypeHelloAck: {},
	TypeEvents:   {},
	TypeError:    {},
}

// Envelope is the canonical WebSocket frame.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate performs strict structural validation.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := allowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// HelloPayload starts an event stream; events with id > SinceID are replayed first.
type HelloPayload struct {
	SinceID int64 `json:"since_id"`
}

// HelloAckPayload acknowledges the stream.
type HelloAckPayload struct {
	SessionID   string `json:"session_id"`
	LastEventID int64  `json:"last_event_id"`
}

// EventsPayload carries a batch of events.
type EventsPayload struct {
	Events []Event `json:"events"`
}
