package events

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	v1 "courier/shared/contracts/courier/v1"
)

// Key layout (big-endian so keys sort by user, then id):
//
//	ev/{user_be8}{id_be8} -> JSON event
//	ml/{user_be8}         -> last assigned id
//	mt/{user_be8}         -> highest id removed by retention
var (
	prefixEvent   = []byte("ev/")
	prefixLast    = []byte("ml/")
	prefixTrimmed = []byte("mt/")
)

// PebbleLog is a durable Log backed by Pebble. One process owns the directory.
type PebbleLog struct {
	db   *pebble.DB
	sync bool

	// mu serializes id allocation and trims; reads go straight to Pebble.
	mu sync.Mutex
}

// OpenPebbleLog opens (or creates) a Pebble-backed log in dir. When syncWrites is set every
// append waits for the WAL fsync.
func OpenPebbleLog(dir string, syncWrites bool) (*PebbleLog, error) {
	if dir == "" {
		return nil, errors.New("events: pebble dir is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleLog{db: db, sync: syncWrites}, nil
}

func (l *PebbleLog) writeOpts() *pebble.WriteOptions {
	if l.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func userKey(prefix []byte, userID int64) []byte {
	k := make([]byte, 0, len(prefix)+8)
	k = append(k, prefix...)
	return binary.BigEndian.AppendUint64(k, uint64(userID))
}

func eventKey(userID, id int64) []byte {
	return binary.BigEndian.AppendUint64(userKey(prefixEvent, userID), uint64(id))
}

// Upper bound for a user's event keys: ids are positive so their first byte is < 0xff.
func eventUpper(userID int64) []byte {
	return append(userKey(prefixEvent, userID), 0xff)
}

func (l *PebbleLog) getInt(key []byte) (int64, error) {
	return readInt(l.db, key)
}

func readInt(r pebble.Reader, key []byte) (int64, error) {
	v, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, fmt.Errorf("events: corrupt counter at %q", key)
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

func encodeInt(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v))
}

func (l *PebbleLog) Append(ctx context.Context, userID int64, ev v1.Event) (v1.Event, error) {
	if err := ctx.Err(); err != nil {
		return v1.Event{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := l.getInt(userKey(prefixLast, userID))
	if err != nil {
		return v1.Event{}, err
	}
	ev.ID = last + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	val, err := json.Marshal(ev)
	if err != nil {
		return v1.Event{}, fmt.Errorf("encode event: %w", err)
	}

	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(eventKey(userID, ev.ID), val, nil); err != nil {
		return v1.Event{}, err
	}
	if err := b.Set(userKey(prefixLast, userID), encodeInt(ev.ID), nil); err != nil {
		return v1.Event{}, err
	}
	if err := b.Commit(l.writeOpts()); err != nil {
		return v1.Event{}, fmt.Errorf("commit event: %w", err)
	}
	return ev, nil
}

// Since reads the trim watermark and the events from one snapshot, so a concurrent Trim
// either happened entirely before the read or not at all.
func (l *PebbleLog) Since(ctx context.Context, userID, sinceID int64) ([]v1.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := l.db.NewSnapshot()
	defer snap.Close()

	trimmed, err := readInt(snap, userKey(prefixTrimmed, userID))
	if err != nil {
		return nil, err
	}
	if sinceID < trimmed {
		last, err := readInt(snap, userKey(prefixLast, userID))
		if err != nil {
			return nil, err
		}
		return nil, &TrimmedError{SinceID: sinceID, LastID: last}
	}
	from := sinceID + 1
	if from < 1 {
		from = 1
	}

	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(userID, from),
		UpperBound: eventUpper(userID),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []v1.Event
	for iter.First(); iter.Valid(); iter.Next() {
		var ev v1.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

func (l *PebbleLog) LastID(ctx context.Context, userID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.getInt(userKey(prefixLast, userID))
}

func (l *PebbleLog) Trim(ctx context.Context, userID int64, keep int, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := l.getInt(userKey(prefixLast, userID))
	if err != nil {
		return 0, err
	}
	var keepFrom int64 // events with id < keepFrom fall outside the count bound
	if keep > 0 {
		keepFrom = last - int64(keep) + 1
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(userID, 1),
		UpperBound: eventUpper(userID),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := l.db.NewBatch()
	defer b.Close()

	removed := 0
	var highest int64
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		id := int64(binary.BigEndian.Uint64(key[len(key)-8:]))
		drop := id < keepFrom
		if !drop && !olderThan.IsZero() {
			var ev v1.Event
			if err := json.Unmarshal(iter.Value(), &ev); err != nil {
				return removed, fmt.Errorf("decode event: %w", err)
			}
			drop = ev.Timestamp.Before(olderThan)
		}
		if !drop {
			break
		}
		if err := b.Delete(append([]byte(nil), key...), nil); err != nil {
			return 0, err
		}
		removed++
		highest = id
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	if err := b.Set(userKey(prefixTrimmed, userID), encodeInt(highest), nil); err != nil {
		return 0, err
	}
	if err := b.Commit(l.writeOpts()); err != nil {
		return 0, fmt.Errorf("commit trim: %w", err)
	}
	return removed, nil
}

func (l *PebbleLog) Users(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixLast,
		UpperBound: []byte("ml0"), // '0' follows '/'
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []int64
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != len(prefixLast)+8 {
			continue
		}
		out = append(out, int64(binary.BigEndian.Uint64(key[len(prefixLast):])))
	}
	return out, iter.Error()
}

// Close flushes and closes the database.
func (l *PebbleLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
