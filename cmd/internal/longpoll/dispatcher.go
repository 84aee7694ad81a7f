// Package longpoll parks get_events requests until the user has new events, the timeout
// expires or the client goes away.
package longpoll

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"courier/cmd/internal/events"
	"courier/cmd/internal/metrics"
	v1 "courier/shared/contracts/courier/v1"
)

// State is where a poll ended up.
type State int

const (
	StateWaiting State = iota
	StateDelivering
	StateTimedOut
	StateClientDisconnected
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateDelivering:
		return "delivering"
	case StateTimedOut:
		return "timed_out"
	case StateClientDisconnected:
		return "client_disconnected"
	default:
		return "unknown"
	}
}

// Source is the part of events.Bus the dispatcher needs.
type Source interface {
	WaitSince(ctx context.Context, userID, sinceID int64) (events.Wait, error)
}

// Result is the outcome of one poll. LastEventID is the id of the newest returned event,
// or the caller's since id when nothing was returned.
type Result struct {
	Events      []v1.Event
	State       State
	LastEventID int64
}

// Dispatcher runs the long-poll loop; each request owns its goroutine.
type Dispatcher struct {
	src Source
	cfg Config
	log *slog.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(src Source, cfg Config, log *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MinTimeout <= 0 || cfg.MinTimeout > cfg.Timeout {
		cfg.MinTimeout = min(DefaultConfig().MinTimeout, cfg.Timeout)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{src: src, cfg: cfg, log: log}
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// Poll returns events with id > sinceID, waiting up to timeout for the first one.
//
// A wakeup only means new events may exist: the loop re-reads the log so that concurrent
// appends delivered out of order never produce a gap. The registered callback is always
// cancelled before Poll returns.
func (d *Dispatcher) Poll(ctx context.Context, userID, sinceID int64, timeout time.Duration) (Result, error) {
	timeout = d.cfg.Clamp(timeout)
	ctx, span := otel.Tracer("courier/longpoll").Start(ctx, "longpoll.poll")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int64("since_id", sinceID),
		attribute.String("timeout", timeout.String()),
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		w, err := d.src.WaitSince(ctx, userID, sinceID)
		if err != nil {
			if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				d.log.Debug("longpoll.client.gone", "user_id", userID, "since_id", sinceID)
				return d.finish(span, Result{State: StateClientDisconnected, LastEventID: sinceID}), nil
			}
			span.RecordError(err)
			return Result{State: StateWaiting, LastEventID: sinceID}, err
		}
		if len(w.Events) > 0 {
			return d.finish(span, Result{
				Events:      w.Events,
				State:       StateDelivering,
				LastEventID: w.Events[len(w.Events)-1].ID,
			}), nil
		}

		metrics.AddLongpollWaiters(1)
		select {
		case <-w.Ready:
			w.Cancel()
			metrics.AddLongpollWaiters(-1)
			continue
		case <-timer.C:
			w.Cancel()
			metrics.AddLongpollWaiters(-1)
			return d.finish(span, Result{State: StateTimedOut, LastEventID: sinceID}), nil
		case <-ctx.Done():
			w.Cancel()
			metrics.AddLongpollWaiters(-1)
			d.log.Debug("longpoll.client.gone", "user_id", userID, "since_id", sinceID)
			return d.finish(span, Result{State: StateClientDisconnected, LastEventID: sinceID}), nil
		}
	}
}

func (d *Dispatcher) finish(span trace.Span, res Result) Result {
	metrics.IncLongpollResult(res.State.String())
	span.SetAttributes(
		attribute.String("state", res.State.String()),
		attribute.Int("events", len(res.Events)),
	)
	return res
}
