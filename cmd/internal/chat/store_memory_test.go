package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFixture struct {
	store *InMemoryStore
	realm Realm
	alice User
	bob   User
	carol User
}

func newMemFixture(t *testing.T) memFixture {
	t.Helper()

	ctx := context.Background()
	s := NewInMemoryStore()
	realm, err := s.CreateRealm(ctx, Realm{Domain: "example.com", Name: "Example"})
	require.NoError(t, err)

	mk := func(email string) User {
		u, err := s.CreateUser(ctx, User{RealmID: realm.ID, Email: email, FullName: email, Active: true})
		require.NoError(t, err)
		return u
	}
	return memFixture{
		store: s,
		realm: realm,
		alice: mk("alice@example.com"),
		bob:   mk("Bob@Example.com"),
		carol: mk("carol@example.com"),
	}
}

func TestInMemoryStore_UserEmailCaseInsensitive(t *testing.T) {
	t.Parallel()
	f := newMemFixture(t)
	ctx := context.Background()

	u, err := f.store.UserByEmail(ctx, "BOB@example.COM")
	require.NoError(t, err)
	assert.Equal(t, f.bob.ID, u.ID)

	_, err = f.store.CreateUser(ctx, User{RealmID: f.realm.ID, Email: "bob@example.com"})
	assert.True(t, IsConflict(err), "duplicate email must conflict, got %v", err)

	_, err = f.store.UserByEmail(ctx, "nobody@example.com")
	assert.True(t, IsNotFound(err))
}

func TestInMemoryStore_GetOrCreateStream_CaseInsensitive(t *testing.T) {
	t.Parallel()
	f := newMemFixture(t)
	ctx := context.Background()

	st1, r1, created, err := f.store.GetOrCreateStream(ctx, StreamSpec{RealmID: f.realm.ID, Name: "Denmark"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, RecipientStream, r1.Type)

	st2, r2, created, err := f.store.GetOrCreateStream(ctx, StreamSpec{RealmID: f.realm.ID, Name: "  denmark "})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, st1.ID, st2.ID)
	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, "Denmark", st2.Name)
}

func TestInMemoryStore_GetOrCreateStream_Concurrent(t *testing.T) {
	t.Parallel()
	f := newMemFixture(t)
	ctx := context.Background()

	const n = 16
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, r, _, err := f.store.GetOrCreateStream(ctx, StreamSpec{RealmID: f.realm.ID, Name: "race"})
			if err == nil {
				ids[i] = r.ID
			}
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		require.Equal(t, ids[0], ids[i])
	}
}

func TestInMemoryStore_GetOrCreateHuddle(t *testing.T) {
	t.Parallel()
	f := newMemFixture(t)
	ctx := context.Background()

	h1, r1, created, err := f.store.GetOrCreateHuddle(ctx, []int64{f.carol.ID, f.alice.ID, f.bob.ID})
	require.NoError(t, err)
	assert.True(t, created)

	h2, r2, created, err := f.store.GetOrCreateHuddle(ctx, []int64{f.bob.ID, f.carol.ID, f.alice.ID})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, h1.ID, h2.ID)
	assert.Equal(t, r1.ID, r2.ID)

	subs, err := f.store.ActiveSubscribers(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.alice.ID, f.bob.ID, f.carol.ID}, subs)

	_, _, _, err = f.store.GetOrCreateHuddle(ctx, []int64{f.alice.ID, f.alice.ID})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestInMemoryStore_SetSubscription_ReportsChanges(t *testing.T) {
	t.Parallel()
	f := newMemFixture(t)
	ctx := context.Background()

	_, rcp, _, err := f.store.GetOrCreateStream(ctx, StreamSpec{RealmID: f.realm.ID, Name: "general"})
	require.NoError(t, err)

	changed, err := f.store.SetSubscription(ctx, f.alice.ID, rcp.ID, true)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.store.SetSubscription(ctx, f.alice.ID, rcp.ID, true)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.store.SetSubscription(ctx, f.alice.ID, rcp.ID, false)
	require.NoError(t, err)
	assert.True(t, changed)

	active, err := f.store.ActiveSubscribers(ctx, rcp.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := f.store.Subscribers(ctx, rcp.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.alice.ID}, all)
}

func TestInMemoryStore_InTx_RollbackDoesNotConsumeIDs(t *testing.T) {
	t.Parallel()
	f := newMemFixture(t)
	ctx := context.Background()

	rcp, err := f.store.PersonalRecipient(ctx, f.bob.ID)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = f.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.InsertMessage(ctx, Message{SenderID: f.alice.ID, RecipientID: rcp.ID, Content: "x"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	maxID, err := f.store.MaxMessageID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), maxID)

	var id1, id2 int64
	err = f.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if id1, err = tx.InsertMessage(ctx, Message{SenderID: f.alice.ID, RecipientID: rcp.ID, Content: "a"}); err != nil {
			return err
		}
		if id2, err = tx.InsertMessage(ctx, Message{SenderID: f.alice.ID, RecipientID: rcp.ID, Content: "b"}); err != nil {
			return err
		}
		return tx.InsertDeliveryRows(ctx, []UserMessage{
			{UserID: f.bob.ID, MessageID: id1},
			{UserID: f.bob.ID, MessageID: id2},
		})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)

	maxID, err = f.store.MaxMessageID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), maxID)
}

func TestInMemoryStore_FindDuplicate_Window(t *testing.T) {
	t.Parallel()
	f := newMemFixture(t)
	ctx := context.Background()

	rcp, err := f.store.PersonalRecipient(ctx, f.bob.ID)
	require.NoError(t, err)
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	var first int64
	require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		first, err = tx.InsertMessage(ctx, Message{
			SenderID: f.alice.ID, RecipientID: rcp.ID, Content: "hi", SendingClient: "zephyr_mirror", Timestamp: ts,
		})
		return err
	}))

	q := DuplicateQuery{SenderID: f.alice.ID, RecipientID: rcp.ID, Content: "hi", SendingClient: "zephyr_mirror"}
	tests := []struct {
		name   string
		ts     time.Time
		window time.Duration
		want   bool
	}{
		{name: "exact", ts: ts, want: true},
		{name: "outside zero window", ts: ts.Add(time.Second), want: false},
		{name: "inside ten seconds", ts: ts.Add(9 * time.Second), window: 10 * time.Second, want: true},
		{name: "outside ten seconds", ts: ts.Add(11 * time.Second), window: 10 * time.Second, want: false},
	}
	for _, tt := range tests {
		q := q
		q.Timestamp, q.Window = tt.ts, tt.window
		require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			id, ok, err := tx.FindDuplicate(ctx, q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok, tt.name)
			if tt.want {
				assert.Equal(t, first, id, tt.name)
			}
			return nil
		}))
	}
}

func TestInMemoryStore_QueryMessages_Conditions(t *testing.T) {
	t.Parallel()
	f := newMemFixture(t)
	ctx := context.Background()

	_, stream, _, err := f.store.GetOrCreateStream(ctx, StreamSpec{RealmID: f.realm.ID, Name: "Denmark"})
	require.NoError(t, err)
	bobRcp, err := f.store.PersonalRecipient(ctx, f.bob.ID)
	require.NoError(t, err)
	aliceRcp, err := f.store.PersonalRecipient(ctx, f.alice.ID)
	require.NoError(t, err)

	insert := func(m Message, flagsForBob Flags) int64 {
		var id int64
		require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			if id, err = tx.InsertMessage(ctx, m); err != nil {
				return err
			}
			return tx.InsertDeliveryRows(ctx, []UserMessage{{UserID: f.bob.ID, MessageID: id, Flags: flagsForBob}})
		}))
		return id
	}

	s1 := insert(Message{SenderID: f.alice.ID, RecipientID: stream.ID, Topic: "Copenhagen", Content: "the harbour is lovely"}, 0)
	s2 := insert(Message{SenderID: f.carol.ID, RecipientID: stream.ID, Topic: "Aarhus", Content: "lovely weather"}, FlagStarred)
	p1 := insert(Message{SenderID: f.alice.ID, RecipientID: bobRcp.ID, Content: "private hello"}, FlagMentioned)
	p2 := insert(Message{SenderID: f.bob.ID, RecipientID: aliceRcp.ID, Content: "private reply"}, FlagRead)

	tests := []struct {
		name  string
		conds []Cond
		want  []int64
	}{
		{name: "all", want: []int64{s1, s2, p1, p2}},
		{name: "stream", conds: []Cond{CondRecipient{RecipientID: stream.ID}}, want: []int64{s1, s2}},
		{name: "topic case-insensitive", conds: []Cond{CondRecipient{RecipientID: stream.ID}, CondTopic{Topic: "copenhagen"}}, want: []int64{s1}},
		{name: "sender", conds: []Cond{CondSender{SenderID: f.carol.ID}}, want: []int64{s2}},
		{name: "private", conds: []Cond{CondPrivate{}}, want: []int64{p1, p2}},
		{name: "starred", conds: []Cond{CondFlag{Flag: FlagStarred, Set: true}}, want: []int64{s2}},
		{name: "unread", conds: []Cond{CondFlag{Flag: FlagRead, Set: false}}, want: []int64{s1, s2, p1}},
		{name: "conversation", conds: []Cond{CondConversation{SelfID: f.bob.ID, SelfRecipientID: bobRcp.ID, OtherID: f.alice.ID, OtherRecipientID: aliceRcp.ID}}, want: []int64{p1, p2}},
		{name: "search content or topic", conds: []Cond{CondSearch{Needles: []string{"LOVELY"}}}, want: []int64{s1, s2}},
		{name: "search conjunctive", conds: []Cond{CondSearch{Needles: []string{"lovely", "harbour"}}}, want: []int64{s1}},
		{name: "none", conds: []Cond{CondNone{}}, want: nil},
		{name: "id", conds: []Cond{CondMessageID{ID: p1}}, want: []int64{p1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := f.store.QueryMessages(ctx, Query{UserID: f.bob.ID, Conds: tt.conds})
			require.NoError(t, err)
			var got []int64
			for _, r := range rows {
				got = append(got, r.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	rows, err := f.store.QueryMessages(ctx, Query{UserID: f.bob.ID, MaxID: p1, Limit: 2, Descending: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, p1, rows[0].ID)
	assert.Equal(t, s2, rows[1].ID)

	rows, err = f.store.QueryMessages(ctx, Query{UserID: f.carol.ID})
	require.NoError(t, err)
	assert.Empty(t, rows, "carol holds no delivery rows")
}

func TestInMemoryStore_FlagsAndPointer(t *testing.T) {
	t.Parallel()
	f := newMemFixture(t)
	ctx := context.Background()

	rcp, err := f.store.PersonalRecipient(ctx, f.bob.ID)
	require.NoError(t, err)
	var id int64
	require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if id, err = tx.InsertMessage(ctx, Message{SenderID: f.alice.ID, RecipientID: rcp.ID, Content: "x"}); err != nil {
			return err
		}
		return tx.InsertDeliveryRows(ctx, []UserMessage{{UserID: f.bob.ID, MessageID: id}})
	}))

	updated, err := f.store.UpdateFlags(ctx, f.bob.ID, []int64{id, id + 100}, FlagStarred, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, updated)

	rows, err := f.store.DeliveryRows(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Flags.Has(FlagStarred))

	_, err = f.store.UpdateFlags(ctx, f.bob.ID, []int64{id}, FlagStarred, false)
	require.NoError(t, err)
	rows, err = f.store.DeliveryRows(ctx, id)
	require.NoError(t, err)
	assert.False(t, rows[0].Flags.Has(FlagStarred))

	changed, err := f.store.UpdatePointer(ctx, f.bob.ID, 5)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.store.UpdatePointer(ctx, f.bob.ID, 3)
	require.NoError(t, err)
	assert.False(t, changed, "pointer never moves backwards")

	u, err := f.store.UserByID(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), u.Pointer)
}

func TestInMemoryStore_CreateMirrorUser(t *testing.T) {
	t.Parallel()
	f := newMemFixture(t)
	ctx := context.Background()

	u, err := f.store.CreateMirrorUser(ctx, f.realm.ID, "Ghost@Example.com")
	require.NoError(t, err)
	assert.False(t, u.Active)
	assert.True(t, u.MirrorDummy)

	again, err := f.store.CreateMirrorUser(ctx, f.realm.ID, "ghost@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)

	existing, err := f.store.CreateMirrorUser(ctx, f.realm.ID, f.alice.Email)
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, existing.ID)
	assert.True(t, existing.Active)
}
