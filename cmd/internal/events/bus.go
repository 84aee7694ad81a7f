// Package events is the per-user event queue and callback registry.
//
// Producers call Bus.Publish; the configured Broker carries the envelope to every process,
// where Bus.apply appends it to each user's Log (assigning the per-user id) and then wakes
// the callbacks registered for that user. Callbacks are one-shot: Deliver removes them.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"courier/cmd/internal/metrics"
	v1 "courier/shared/contracts/courier/v1"
)

// ErrTooManyWaiters is returned by WaitSince when the per-user waiter cap is reached.
var ErrTooManyWaiters = errors.New("events: too many pending waiters for user")

// Callback receives the events that triggered it. It runs on the delivering goroutine and must not block.
type Callback func(userID int64, evs []v1.Event)

type waiter struct {
	id int64
	cb Callback
}

// Bus is the callback registry in front of a Log and a Broker.
type Bus struct {
	log    Log
	broker Broker
	logger *slog.Logger

	maxWaiters int

	mu      sync.Mutex
	waiters map[int64][]waiter
	nextID  int64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMaxWaiters caps pending callbacks per user (0 means unbounded).
func WithMaxWaiters(n int) BusOption {
	return func(b *Bus) {
		if n >= 0 {
			b.maxWaiters = n
		}
	}
}

// NewBus constructs a Bus. A nil broker means a LocalBroker.
func NewBus(log Log, broker Broker, opts ...BusOption) *Bus {
	if broker == nil {
		broker = NewLocalBroker()
	}
	b := &Bus{
		log:     log,
		broker:  broker,
		logger:  slog.Default(),
		waiters: make(map[int64][]waiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Start subscribes the bus to its broker. It must be called before Publish.
func (b *Bus) Start(ctx context.Context) error {
	return b.broker.Subscribe(ctx, b.apply)
}

// RegisterCallback adds a one-shot callback for userID. The returned cancel removes it if it
// has not fired yet; calling cancel after delivery is a no-op.
func (b *Bus) RegisterCallback(userID int64, cb Callback) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registerLocked(userID, cb)
}

func (b *Bus) registerLocked(userID int64, cb Callback) func() {
	b.nextID++
	id := b.nextID
	b.waiters[userID] = append(b.waiters[userID], waiter{id: id, cb: cb})
	return func() { b.remove(userID, id) }
}

func (b *Bus) remove(userID, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ws := b.waiters[userID]
	for i, w := range ws {
		if w.id != id {
			continue
		}
		ws = append(ws[:i:i], ws[i+1:]...)
		if len(ws) == 0 {
			delete(b.waiters, userID)
		} else {
			b.waiters[userID] = ws
		}
		return
	}
}

// Pending reports how many callbacks are registered for userID.
func (b *Bus) Pending(userID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters[userID])
}

// Deliver invokes and clears every callback registered for userID. Each callback runs at most once.
// With no callbacks registered the events stay only in the log.
func (b *Bus) Deliver(userID int64, evs []v1.Event) int {
	b.mu.Lock()
	ws := b.waiters[userID]
	delete(b.waiters, userID)
	b.mu.Unlock()

	for _, w := range ws {
		b.invoke(userID, w, evs)
	}
	return len(ws)
}

func (b *Bus) invoke(userID int64, w waiter, evs []v1.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncDeliveryFailure("callback")
			b.logger.Error("events.callback.panic", "user_id", userID, "panic", r)
		}
	}()
	w.cb(userID, evs)
}

// EventsSince returns the user's events with id > sinceID in ascending order.
func (b *Bus) EventsSince(ctx context.Context, userID, sinceID int64) ([]v1.Event, error) {
	return b.log.Since(ctx, userID, sinceID)
}

// LastEventID returns the newest id assigned to userID (0 when none).
func (b *Bus) LastEventID(ctx context.Context, userID int64) (int64, error) {
	return b.log.LastID(ctx, userID)
}

// Publish sends ev to every user in userIDs through the broker.
func (b *Bus) Publish(ctx context.Context, userIDs []int64, ev v1.Event) error {
	if len(userIDs) == 0 {
		return nil
	}
	ctx, span := otel.Tracer("courier/events").Start(ctx, "events.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", ev.Type),
		attribute.Int("event.users", len(userIDs)),
	)

	ev.ID = 0
	if err := b.broker.Publish(ctx, Envelope{Users: userIDs, Event: ev}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.IncDeliveryFailure("publish")
		return err
	}
	metrics.IncEventPublished(ev.Type)
	return nil
}

// apply is the broker handler: append per user, then wake that user's callbacks.
// A failure for one user is logged and does not stop the others.
func (b *Bus) apply(ctx context.Context, env Envelope) {
	ctx = context.WithoutCancel(ctx)
	for _, uid := range env.Users {
		ev, err := b.log.Append(ctx, uid, env.Event)
		if err != nil {
			metrics.IncDeliveryFailure("append")
			b.logger.Warn("events.append.fail", "user_id", uid, "type", env.Event.Type, "err", err)
			continue
		}
		b.Deliver(uid, []v1.Event{ev})
	}
}

// Wait is the outcome of WaitSince. Either Events is non-empty, or Ready fires once new events
// may be available. Cancel must be called when the caller stops waiting.
type Wait struct {
	Events []v1.Event
	Ready  <-chan struct{}
	Cancel func()
}

// WaitSince returns the events after sinceID, or registers a wakeup if there are none.
// The check and the registration happen under the registry lock, so an event appended
// concurrently is either returned or wakes the waiter.
func (b *Bus) WaitSince(ctx context.Context, userID, sinceID int64) (Wait, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	evs, err := b.log.Since(ctx, userID, sinceID)
	if err != nil {
		return Wait{}, err
	}
	if len(evs) > 0 {
		return Wait{Events: evs, Cancel: func() {}}, nil
	}
	if b.maxWaiters > 0 && len(b.waiters[userID]) >= b.maxWaiters {
		return Wait{}, ErrTooManyWaiters
	}

	ready := make(chan struct{}, 1)
	cancel := b.registerLocked(userID, func(int64, []v1.Event) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	return Wait{Ready: ready, Cancel: cancel}, nil
}

// Close releases the broker and the log.
func (b *Bus) Close() error {
	return errors.Join(b.broker.Close(), b.log.Close())
}
