package events

import (
	"context"
	"errors"
	"sync"

	v1 "courier/shared/contracts/courier/v1"
)

// Envelope is what travels through a Broker: one event addressed to a set of users.
// Per-user ids are assigned on the consuming side, so Event.ID is zero in transit.
type Envelope struct {
	Users []int64  `json:"users"`
	Event v1.Event `json:"event"`
}

// Handler applies an envelope locally.
type Handler func(ctx context.Context, env Envelope)

// Broker moves envelopes from producers to every consuming process.
//
// Publish is the producer side; Subscribe starts consumption and returns once the
// subscription is established. Consumption stops when ctx is cancelled or the broker is closed.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// ErrNoSubscriber is returned by LocalBroker.Publish before any Subscribe.
var ErrNoSubscriber = errors.New("events: broker has no subscriber")

// LocalBroker applies envelopes synchronously in-process.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewLocalBroker constructs an in-process broker.
func NewLocalBroker() *LocalBroker { return &LocalBroker{} }

func (b *LocalBroker) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	hs := b.handlers
	b.mu.RUnlock()
	if len(hs) == 0 {
		return ErrNoSubscriber
	}
	for _, h := range hs {
		h(ctx, env)
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("events: nil handler")
	}
	b.mu.Lock()
	b.handlers = append(b.handlers[:len(b.handlers):len(b.handlers)], h)
	b.mu.Unlock()
	return nil
}

func (b *LocalBroker) Close() error { return nil }
