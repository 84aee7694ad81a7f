package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	v1 "courier/shared/contracts/courier/v1"
)

// ErrQueueTrimmed is returned when retention removed events newer than the caller's since id;
// the client must re-sync its state before polling again.
var ErrQueueTrimmed = errors.New("events: queue trimmed past since_id")

// TrimmedError is the ErrQueueTrimmed returned by Since. LastID is the newest id in the queue:
// a client that has re-synced its state resumes polling from there.
type TrimmedError struct {
	SinceID int64
	LastID  int64
}

func (e *TrimmedError) Error() string {
	return fmt.Sprintf("events: queue trimmed past since_id %d (last_event_id %d)", e.SinceID, e.LastID)
}

// Is makes errors.Is(err, ErrQueueTrimmed) hold.
func (e *TrimmedError) Is(target error) bool { return target == ErrQueueTrimmed }

// Log is the durable per-user event queue.
//
// Requirements:
//   - Append assigns ids per user starting at 1, strictly increasing, no gaps
//   - Since is side-effect free and returns ids > sinceID in ascending order
//   - Trim never rewinds ids; it only records how far the queue was cut
type Log interface {
	Append(ctx context.Context, userID int64, ev v1.Event) (v1.Event, error)
	Since(ctx context.Context, userID, sinceID int64) ([]v1.Event, error)
	LastID(ctx context.Context, userID int64) (int64, error)
	// Trim keeps at most keep newest events (keep <= 0 means unbounded) and drops events
	// with a timestamp before olderThan (zero means no age bound). It returns the count removed.
	Trim(ctx context.Context, userID int64, keep int, olderThan time.Time) (int, error)
	Users(ctx context.Context) ([]int64, error)
	Close() error
}

// MemoryLog is the in-process Log.
type MemoryLog struct {
	mu     sync.Mutex
	queues map[int64]*memQueue
}

type memQueue struct {
	last    int64
	trimmed int64 // highest id removed by retention
	events  []v1.Event
}

// NewMemoryLog constructs an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{queues: make(map[int64]*memQueue)}
}

func (l *MemoryLog) queue(userID int64) *memQueue {
	q := l.queues[userID]
	if q == nil {
		q = &memQueue{}
		l.queues[userID] = q
	}
	return q
}

func (l *MemoryLog) Append(ctx context.Context, userID int64, ev v1.Event) (v1.Event, error) {
	if err := ctx.Err(); err != nil {
		return v1.Event{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queue(userID)
	q.last++
	ev.ID = q.last
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	q.events = append(q.events, ev)
	return ev, nil
}

func (l *MemoryLog) Since(ctx context.Context, userID, sinceID int64) ([]v1.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queues[userID]
	if q == nil {
		return nil, nil
	}
	if sinceID < q.trimmed {
		return nil, &TrimmedError{SinceID: sinceID, LastID: q.last}
	}
	i := sort.Search(len(q.events), func(i int) bool { return q.events[i].ID > sinceID })
	if i >= len(q.events) {
		return nil, nil
	}
	return append([]v1.Event(nil), q.events[i:]...), nil
}

func (l *MemoryLog) LastID(ctx context.Context, userID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if q := l.queues[userID]; q != nil {
		return q.last, nil
	}
	return 0, nil
}

func (l *MemoryLog) Trim(ctx context.Context, userID int64, keep int, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queues[userID]
	if q == nil {
		return 0, nil
	}
	cut := trimIndex(q.events, keep, olderThan)
	if cut == 0 {
		return 0, nil
	}
	q.trimmed = q.events[cut-1].ID
	q.events = append([]v1.Event(nil), q.events[cut:]...)
	return cut, nil
}

func (l *MemoryLog) Users(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, 0, len(l.queues))
	for uid := range l.queues {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Close is a noop for the in-memory log.
func (l *MemoryLog) Close() error { return nil }

// trimIndex returns how many leading events (oldest first) retention removes.
func trimIndex(evs []v1.Event, keep int, olderThan time.Time) int {
	cut := 0
	if keep > 0 && len(evs) > keep {
		cut = len(evs) - keep
	}
	if !olderThan.IsZero() {
		for cut < len(evs) && evs[cut].Timestamp.Before(olderThan) {
			cut++
		}
	}
	return cut
}
