package chat

import (
	"errors"
	"fmt"
)

// OpError is a typed store error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel kinds (ErrInvalidInput, ErrNotFound, ErrConflict).
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// NotFoundError reports a missing row.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// Category distinguishes caller-visible failures so clients can branch UI behavior.
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryAuthorization Category = "authorization"
	CategoryRendering     Category = "rendering"
)

// Coded is implemented by every caller-visible failure (domain errors and narrow parse errors).
type Coded interface {
	error
	Code() string
	Category() Category
}

// Error is a caller-visible domain failure. Two Errors match under errors.Is when their codes match,
// so detail added with Withf never breaks comparisons against the package sentinels.
type Error struct {
	code     string
	category Category
	msg      string
}

// NewError constructs a domain error.
func NewError(code string, category Category, msg string) *Error {
	return &Error{code: code, category: category, msg: msg}
}

func (e *Error) Error() string      { return e.msg }
func (e *Error) Code() string       { return e.code }
func (e *Error) Category() Category { return e.category }

// Is matches on code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

// Withf returns a copy of e carrying additional detail.
func (e *Error) Withf(format string, args ...any) *Error {
	return &Error{
		code:     e.code,
		category: e.category,
		msg:      e.msg + ": " + fmt.Sprintf(format, args...),
	}
}

// Validation errors.
var (
	ErrInvalidStreamName = NewError("invalid_stream_name", CategoryValidation, "invalid stream name")
	ErrStreamTooLong     = NewError("stream_name_too_long", CategoryValidation, "stream name too long")
	ErrUnknownRecipient  = NewError("unknown_recipient", CategoryValidation, "unknown recipient")
	ErrEmptyRecipients   = NewError("empty_recipients", CategoryValidation, "no recipients")
	ErrEmptyContent      = NewError("empty_content", CategoryValidation, "message content is empty")
	ErrContentTooLong    = NewError("content_too_long", CategoryValidation, "message content too long")
	ErrMissingTopic      = NewError("missing_topic", CategoryValidation, "missing topic")
	ErrTopicTooLong      = NewError("topic_too_long", CategoryValidation, "topic too long")
	ErrInvalidType       = NewError("invalid_message_type", CategoryValidation, "invalid message type")
	ErrInvalidFlag       = NewError("invalid_flag", CategoryValidation, "invalid flag")
	ErrNoSuchMessage     = NewError("no_such_message", CategoryValidation, "no such message")
)

// Authorization errors.
var (
	ErrCrossRealmForbidden = NewError("cross_realm_forbidden", CategoryAuthorization, "cannot send messages outside your organization")
	ErrNotSubscribed       = NewError("not_subscribed", CategoryAuthorization, "not subscribed to invite-only stream")
	ErrNotAuthorized       = NewError("not_authorized", CategoryAuthorization, "not authorized")
	ErrForgedNotAllowed    = NewError("forged_not_allowed", CategoryAuthorization, "only mirror clients may forge messages")
)

// ErrRenderingFailed rejects a send whose content cannot be rendered; nothing is persisted.
var ErrRenderingFailed = NewError("rendering_failed", CategoryRendering, "message could not be rendered")
