package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/events"
	"courier/cmd/internal/recipient"
	"courier/cmd/internal/render"
	v1 "courier/shared/contracts/courier/v1"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *chat.InMemoryStore
	bus    *events.Bus
	engine *Engine
	realm  chat.Realm
	alice  chat.User
	bob    chat.User
	carol  chat.User
	dave   chat.User
}

func newFixture(t *testing.T, opts ...func(*fixtureOpts)) fixture {
	t.Helper()
	ctx := context.Background()

	o := fixtureOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	s := chat.NewInMemoryStore()
	realm, err := s.CreateRealm(ctx, chat.Realm{Domain: "x.com", Name: "X"})
	require.NoError(t, err)
	mk := func(email, name string) chat.User {
		u, err := s.CreateUser(ctx, chat.User{RealmID: realm.ID, Email: email, FullName: name, Active: true})
		require.NoError(t, err)
		return u
	}

	bus := events.NewBus(events.NewMemoryLog(), nil)
	require.NoError(t, bus.Start(ctx))

	var renderer render.Renderer = render.NewTextRenderer(s)
	if o.renderer != nil {
		renderer = o.renderer
	}
	var pub Publisher = bus
	if o.publisher != nil {
		pub = o.publisher
	}

	return fixture{
		store:  s,
		bus:    bus,
		engine: NewEngine(s, renderer, pub, WithClock(func() time.Time { return fixedNow })),
		realm:  realm,
		alice:  mk("alice@x.com", "Alice"),
		bob:    mk("bob@x.com", "Bob"),
		carol:  mk("carol@x.com", "Carol"),
		dave:   mk("dave@x.com", "Dave"),
	}
}

type fixtureOpts struct {
	renderer  render.Renderer
	publisher Publisher
}

func withRenderer(r render.Renderer) func(*fixtureOpts) {
	return func(o *fixtureOpts) { o.renderer = r }
}

func withPublisher(p Publisher) func(*fixtureOpts) {
	return func(o *fixtureOpts) { o.publisher = p }
}

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, string, chat.Realm) (render.Rendered, error) {
	return render.Rendered{}, errors.New("markdown engine exploded")
}

type failingPublisher struct {
	mu    sync.Mutex
	calls int
}

func (p *failingPublisher) Publish(context.Context, []int64, v1.Event) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return errors.New("broker down")
}

func (f fixture) subscribe(t *testing.T, stream string, users ...chat.User) {
	t.Helper()
	for _, u := range users {
		_, _, err := f.engine.Subscribe(context.Background(), u.ID, []string{stream})
		require.NoError(t, err)
	}
}

func (f fixture) rowsByUser(t *testing.T, messageID int64) map[int64]chat.Flags {
	t.Helper()
	rows, err := f.store.DeliveryRows(context.Background(), messageID)
	require.NoError(t, err)
	out := make(map[int64]chat.Flags, len(rows))
	for _, r := range rows {
		out[r.UserID] = r.Flags
	}
	return out
}

func (f fixture) lastEventID(t *testing.T, userID int64) int64 {
	t.Helper()
	id, err := f.bus.LastEventID(context.Background(), userID)
	require.NoError(t, err)
	return id
}

func TestSend_StreamMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "Verona", f.alice, f.bob, f.carol)
	_, _, err := f.engine.Unsubscribe(ctx, f.carol.ID, []string{"verona"})
	require.NoError(t, err)

	bobSince := f.lastEventID(t, f.bob.ID)
	res, err := f.engine.Send(ctx, Draft{
		SenderID: f.alice.ID,
		Kind:     recipient.KindStream,
		To:       []string{"Verona"},
		Topic:    "lunch",
		Content:  "noon?",
		Client:   Client{Name: "website"},
	})
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	rows := f.rowsByUser(t, res.MessageID)
	require.Len(t, rows, 2, "inactive subscribers get no row")
	assert.True(t, rows[f.alice.ID].Has(chat.FlagRead), "sender auto-read")
	assert.False(t, rows[f.bob.ID].Has(chat.FlagRead))

	evs, err := f.bus.EventsSince(ctx, f.bob.ID, bobSince)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, v1.EventNewMessage, ev.Type)
	assert.Equal(t, res.MessageID, ev.MessageID)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "Verona", ev.Message.Stream)
	assert.Equal(t, "lunch", ev.Message.Subject)
	assert.Equal(t, "alice@x.com", ev.Message.SenderEmail)
	assert.Equal(t, fixedNow.Unix(), ev.Message.Timestamp)
	assert.ElementsMatch(t, []int64{f.alice.ID, f.bob.ID}, ev.Users)
	assert.Empty(t, ev.Flags)

	aliceEvs, err := f.bus.EventsSince(ctx, f.alice.ID, 0)
	require.NoError(t, err)
	last := aliceEvs[len(aliceEvs)-1]
	assert.Equal(t, []string{"read"}, last.Flags)

	carolEvs, err := f.bus.EventsSince(ctx, f.carol.ID, 0)
	require.NoError(t, err)
	for _, e := range carolEvs {
		assert.NotEqual(t, v1.EventNewMessage, e.Type)
	}
}

func TestSend_ConcurrentSendsReachQueuesInIDOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "Verona", f.alice, f.bob, f.carol)

	since := f.lastEventID(t, f.bob.ID)

	const n = 200
	senders := []chat.User{f.alice, f.carol}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Send(ctx, Draft{
				SenderID: senders[i%len(senders)].ID,
				Kind:     recipient.KindStream,
				To:       []string{"Verona"},
				Topic:    "race",
				Content:  "message",
				Client:   Client{Name: "website"},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	evs, err := f.bus.EventsSince(ctx, f.bob.ID, since)
	require.NoError(t, err)
	require.Len(t, evs, n)
	for i := 1; i < len(evs); i++ {
		if evs[i].MessageID <= evs[i-1].MessageID {
			t.Fatalf("event %d carries message %d after event %d with message %d",
				evs[i].ID, evs[i].MessageID, evs[i-1].ID, evs[i-1].MessageID)
		}
	}
}

func TestSend_NonInteractiveClientLeavesSenderUnread(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.subscribe(t, "Verona", f.alice)

	res, err := f.engine.Send(context.Background(), Draft{
		SenderID: f.alice.ID, Kind: recipient.KindStream, To: []string{"Verona"},
		Topic: "bots", Content: "beep", Client: Client{Name: "API"},
	})
	require.NoError(t, err)
	assert.False(t, f.rowsByUser(t, res.MessageID)[f.alice.ID].Has(chat.FlagRead))
}

func TestSend_HuddleIsStableAndNotDeduped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	d := Draft{
		SenderID: f.bob.ID,
		Kind:     recipient.KindPrivate,
		To:       []string{"carol@x.com", "dave@x.com"},
		Content:  "hello both",
		Client:   Client{Name: "website"},
	}
	first, err := f.engine.Send(ctx, d)
	require.NoError(t, err)
	d.To = []string{"DAVE@x.com", "carol@x.com"}
	second, err := f.engine.Send(ctx, d)
	require.NoError(t, err)

	require.NotEqual(t, first.MessageID, second.MessageID)
	m1, err := f.store.MessageByID(ctx, first.MessageID)
	require.NoError(t, err)
	m2, err := f.store.MessageByID(ctx, second.MessageID)
	require.NoError(t, err)
	assert.Equal(t, m1.RecipientID, m2.RecipientID)

	for _, id := range []int64{first.MessageID, second.MessageID} {
		rows := f.rowsByUser(t, id)
		assert.Len(t, rows, 3)
		for _, u := range []chat.User{f.bob, f.carol, f.dave} {
			_, ok := rows[u.ID]
			assert.True(t, ok, "missing row for %s", u.Email)
		}
	}

	evs, err := f.bus.EventsSince(ctx, f.carol.ID, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, v1.MessageTypePrivate, evs[0].Message.Type)
	assert.Len(t, evs[0].Message.DisplayRecipient, 3)
}

func TestSend_PersonalToSelfAndOther(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.engine.Send(ctx, Draft{
		SenderID: f.alice.ID, Kind: recipient.KindPrivate,
		To: []string{"bob@x.com", "alice@x.com"}, Content: "hi bob", Client: Client{Name: "website"},
	})
	require.NoError(t, err)
	m, err := f.store.MessageByID(ctx, res.MessageID)
	require.NoError(t, err)
	rcp, err := f.store.RecipientByID(ctx, m.RecipientID)
	require.NoError(t, err)
	assert.Equal(t, chat.RecipientPersonal, rcp.Type)
	assert.Equal(t, f.bob.ID, rcp.TypeID)
	assert.Len(t, f.rowsByUser(t, res.MessageID), 2)
}

func TestSend_MirrorDedup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		to      []string
		offset  time.Duration
		wantDup bool
	}{
		{name: "huddle within window", to: []string{"carol@x.com", "dave@x.com"}, offset: 8 * time.Second, wantDup: true},
		{name: "huddle outside window", to: []string{"carol@x.com", "dave@x.com"}, offset: 11 * time.Second, wantDup: false},
		{name: "personal exact", to: []string{"carol@x.com"}, offset: 0, wantDup: true},
		{name: "personal off by one second", to: []string{"carol@x.com"}, offset: time.Second, wantDup: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			f := newFixture(t)

			base := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)
			d := Draft{
				SenderID:  f.bob.ID,
				Kind:      recipient.KindPrivate,
				To:        tc.to,
				Content:   "mirrored",
				Client:    Client{Name: "zephyr_mirror", Mirror: true},
				Forged:    true,
				Timestamp: base,
			}
			first, err := f.engine.Send(ctx, d)
			require.NoError(t, err)
			carolBefore := f.lastEventID(t, f.carol.ID)

			d.Timestamp = base.Add(tc.offset)
			second, err := f.engine.Send(ctx, d)
			require.NoError(t, err)

			assert.Equal(t, tc.wantDup, second.Duplicate)
			if tc.wantDup {
				assert.Equal(t, first.MessageID, second.MessageID)
				assert.Equal(t, carolBefore, f.lastEventID(t, f.carol.ID), "duplicates notify nobody")
			} else {
				assert.NotEqual(t, first.MessageID, second.MessageID)
			}

			m, err := f.store.MessageByID(ctx, first.MessageID)
			require.NoError(t, err)
			assert.True(t, m.Timestamp.Equal(base), "forged timestamp is honoured for mirrors")
		})
	}
}

func TestSend_ForgedRequiresMirrorClient(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.engine.Send(context.Background(), Draft{
		SenderID: f.bob.ID, Kind: recipient.KindPrivate, To: []string{"carol@x.com"},
		Content: "x", Client: Client{Name: "website"}, Forged: true, Timestamp: fixedNow.Add(-time.Hour),
	})
	assert.ErrorIs(t, err, chat.ErrForgedNotAllowed)
}

func TestSend_Validation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", MaxContentRunes+1)
	tests := []struct {
		name  string
		draft func(f fixture) Draft
		want  error
	}{
		{
			name: "empty content",
			draft: func(f fixture) Draft {
				return Draft{SenderID: f.alice.ID, Kind: recipient.KindPrivate, To: []string{"bob@x.com"}, Content: "  \n "}
			},
			want: chat.ErrEmptyContent,
		},
		{
			name: "content too long",
			draft: func(f fixture) Draft {
				return Draft{SenderID: f.alice.ID, Kind: recipient.KindPrivate, To: []string{"bob@x.com"}, Content: long}
			},
			want: chat.ErrContentTooLong,
		},
		{
			name: "missing topic",
			draft: func(f fixture) Draft {
				return Draft{SenderID: f.alice.ID, Kind: recipient.KindStream, To: []string{"Verona"}, Content: "x"}
			},
			want: chat.ErrMissingTopic,
		},
		{
			name: "topic too long",
			draft: func(f fixture) Draft {
				return Draft{SenderID: f.alice.ID, Kind: recipient.KindStream, To: []string{"Verona"}, Topic: strings.Repeat("t", MaxTopicRunes+1), Content: "x"}
			},
			want: chat.ErrTopicTooLong,
		},
		{
			name: "unknown recipient",
			draft: func(f fixture) Draft {
				return Draft{SenderID: f.alice.ID, Kind: recipient.KindPrivate, To: []string{"ghost@x.com"}, Content: "x"}
			},
			want: chat.ErrUnknownRecipient,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			_, err := f.engine.Send(context.Background(), tc.draft(f))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			max, err := f.store.MaxMessageID(context.Background())
			require.NoError(t, err)
			assert.Zero(t, max)
		})
	}
}

func TestSend_InternalContentIsTruncated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.engine.Send(ctx, Draft{
		SenderID: f.alice.ID, Kind: recipient.KindPrivate, To: []string{"bob@x.com"},
		Content: strings.Repeat("é", MaxContentRunes+50), Internal: true,
	})
	require.NoError(t, err)
	m, err := f.store.MessageByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(m.Content, TruncationMarker))
	assert.Equal(t, MaxContentRunes, utf8.RuneCountInString(m.Content))
}

func TestSend_RenderingFailurePersistsNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, withRenderer(failingRenderer{}))
	f.subscribe(t, "Verona", f.alice, f.bob)

	before, err := f.store.MaxMessageID(ctx)
	require.NoError(t, err)
	bobBefore := f.lastEventID(t, f.bob.ID)

	_, err = f.engine.Send(ctx, Draft{
		SenderID: f.alice.ID, Kind: recipient.KindStream, To: []string{"Verona"},
		Topic: "t", Content: "boom", Client: Client{Name: "website"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrRenderingFailed)

	var coded chat.Coded
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, chat.CategoryRendering, coded.Category())

	after, err := f.store.MaxMessageID(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, bobBefore, f.lastEventID(t, f.bob.ID))
}

func TestSend_MentionsSetFlags(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.subscribe(t, "Verona", f.alice, f.bob, f.carol)

	res, err := f.engine.Send(context.Background(), Draft{
		SenderID: f.alice.ID, Kind: recipient.KindStream, To: []string{"Verona"},
		Topic: "t", Content: "ping @**carol@x.com** and @**all**", Client: Client{Name: "website"},
	})
	require.NoError(t, err)

	rows := f.rowsByUser(t, res.MessageID)
	assert.True(t, rows[f.carol.ID].Has(chat.FlagMentioned))
	assert.False(t, rows[f.bob.ID].Has(chat.FlagMentioned))
	for uid, fl := range rows {
		assert.True(t, fl.Has(chat.FlagWildcardMentioned), "user %d", uid)
	}
}

func TestSend_InactiveRecipientGetsNoRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	fwd, err := f.store.CreateUser(ctx, chat.User{RealmID: f.realm.ID, Email: "mirror@x.com", Active: true, CanForward: true})
	require.NoError(t, err)

	res, err := f.engine.Send(ctx, Draft{
		SenderID: fwd.ID, Kind: recipient.KindPrivate, To: []string{"nobody@elsewhere.org"},
		Content: "relayed", Client: Client{Name: "zephyr_mirror", Mirror: true},
	})
	require.NoError(t, err)

	rows := f.rowsByUser(t, res.MessageID)
	assert.Len(t, rows, 1, "mirror dummies are inactive")
	_, ok := rows[fwd.ID]
	assert.True(t, ok)
}

func TestSend_PublishFailureDoesNotFailSend(t *testing.T) {
	t.Parallel()
	pub := &failingPublisher{}
	f := newFixture(t, withPublisher(pub))

	res, err := f.engine.Send(context.Background(), Draft{
		SenderID: f.alice.ID, Kind: recipient.KindPrivate, To: []string{"bob@x.com"},
		Content: "still stored", Client: Client{Name: "website"},
	})
	require.NoError(t, err)
	assert.NotZero(t, res.MessageID)
	assert.Positive(t, pub.calls)
}

func TestIsInteractive(t *testing.T) {
	t.Parallel()
	for client, want := range map[string]bool{
		"website": true, "android": true, "ios": true, "desktop": true, "courierctl": true,
		"API": false, "zephyr_mirror": false, "": false,
	} {
		if got := IsInteractive(client); got != want {
			t.Fatalf("IsInteractive(%q): got=%v want=%v", client, got, want)
		}
	}
}
