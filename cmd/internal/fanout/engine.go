// Package fanout records messages once and notifies every recipient.
//
// Every write follows the same discipline: validate, resolve and render outside the store,
// persist inside one transaction, then publish events after commit. Publishing never fails
// the write; errors are logged and counted.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/metrics"
	"courier/cmd/internal/recipient"
	"courier/cmd/internal/render"
	v1 "courier/shared/contracts/courier/v1"
)

// Limits on message bodies.
const (
	MaxContentRunes = 10000
	MaxTopicRunes   = 60

	// TruncationMarker ends internally generated content cut to MaxContentRunes.
	TruncationMarker = "\n[message truncated]"
)

// Mirror dedup windows. Huddle mirrors see the same message from several members' clients
// with slightly different timestamps; other mirrors report exact timestamps.
var (
	DedupWindowHuddle = 10 * time.Second
	DedupWindowOther  = time.Duration(0)
)

// interactiveClients are the clients whose sender has necessarily seen what they sent.
var interactiveClients = map[string]struct{}{
	"website":    {},
	"android":    {},
	"ios":        {},
	"desktop":    {},
	"courierctl": {},
}

// IsInteractive reports whether client is used by a person typing the message.
func IsInteractive(client string) bool {
	_, ok := interactiveClients[client]
	return ok
}

// Publisher is the producer side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, userIDs []int64, ev v1.Event) error
}

// Engine implements send, edit and the per-user state updates.
type Engine struct {
	store    chat.Store
	resolver *recipient.Resolver
	renderer render.Renderer
	events   Publisher
	present  *Presenter
	log      *slog.Logger
	now      func() time.Time

	// seq is held from message insert until new_message is published, so every
	// recipient's queue sees new messages in id order.
	seq sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine wires an Engine.
func NewEngine(store chat.Store, renderer render.Renderer, events Publisher, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		resolver: recipient.NewResolver(store),
		renderer: renderer,
		events:   events,
		present:  NewPresenter(store),
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Resolver exposes the engine's recipient resolver (narrows share it).
func (e *Engine) Resolver() *recipient.Resolver { return e.resolver }

// Presenter exposes the payload builder.
func (e *Engine) Presenter() *Presenter { return e.present }

// publish delivers ev to users and swallows failures.
func (e *Engine) publish(ctx context.Context, users []int64, ev v1.Event) {
	if len(users) == 0 {
		return
	}
	if err := e.events.Publish(ctx, users, ev); err != nil {
		metrics.IncDeliveryFailure("fanout")
		e.log.Warn("fanout.publish.fail", "type", ev.Type, "users", len(users), "err", err)
	}
}
