package fanout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/recipient"
	v1 "courier/shared/contracts/courier/v1"
)

func (f fixture) sendStream(t *testing.T, from chat.User, stream, topic, content string) int64 {
	t.Helper()
	res, err := f.engine.Send(context.Background(), Draft{
		SenderID: from.ID, Kind: recipient.KindStream, To: []string{stream},
		Topic: topic, Content: content, Client: Client{Name: "website"},
	})
	require.NoError(t, err)
	return res.MessageID
}

func TestEdit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "Verona", f.alice, f.bob)
	id := f.sendStream(t, f.alice, "Verona", "lunch", "noon?")

	content := "1pm?"
	_, err := f.engine.Edit(ctx, Edit{UserID: f.bob.ID, MessageID: id, Content: &content})
	assert.ErrorIs(t, err, chat.ErrNotAuthorized)

	_, err = f.engine.Edit(ctx, Edit{UserID: f.alice.ID, MessageID: id})
	assert.ErrorIs(t, err, chat.ErrInvalidInput)

	_, err = f.engine.Edit(ctx, Edit{UserID: f.alice.ID, MessageID: 999, Content: &content})
	assert.ErrorIs(t, err, chat.ErrNoSuchMessage)

	bobBefore := f.lastEventID(t, f.bob.ID)
	topic := "dinner"
	m, err := f.engine.Edit(ctx, Edit{UserID: f.alice.ID, MessageID: id, Content: &content, Topic: &topic})
	require.NoError(t, err)
	assert.Equal(t, "1pm?", m.Content)
	assert.Equal(t, "dinner", m.Topic)
	require.Len(t, m.EditHistory, 1)
	assert.Equal(t, "noon?", m.EditHistory[0].PrevContent)
	assert.Equal(t, "lunch", m.EditHistory[0].PrevTopic)
	require.NotNil(t, m.LastEditTime)

	evs, err := f.bus.EventsSince(ctx, f.bob.ID, bobBefore)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, v1.EventUpdateMessage, evs[0].Type)
	require.NotNil(t, evs[0].Edit)
	assert.Equal(t, "noon?", evs[0].Edit.OrigContent)
	assert.Equal(t, "dinner", evs[0].Edit.Subject)

	// Identical content is a no-op and publishes nothing.
	after := f.lastEventID(t, f.bob.ID)
	_, err = f.engine.Edit(ctx, Edit{UserID: f.alice.ID, MessageID: id, Content: &content})
	require.NoError(t, err)
	assert.Equal(t, after, f.lastEventID(t, f.bob.ID))
}

func TestEdit_TopicOnPrivateMessageRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.engine.Send(ctx, Draft{
		SenderID: f.alice.ID, Kind: recipient.KindPrivate, To: []string{"bob@x.com"}, Content: "hi",
	})
	require.NoError(t, err)

	topic := "nope"
	_, err = f.engine.Edit(ctx, Edit{UserID: f.alice.ID, MessageID: res.MessageID, Topic: &topic})
	assert.ErrorIs(t, err, chat.ErrInvalidInput)
}

func TestUpdateFlags(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "Verona", f.alice, f.bob)
	id := f.sendStream(t, f.alice, "Verona", "t", "x")

	tests := []struct {
		name string
		flag string
		op   string
		want error
	}{
		{name: "unknown flag", flag: "shiny", op: v1.OpAdd, want: chat.ErrInvalidFlag},
		{name: "server-owned flag", flag: "mentioned", op: v1.OpAdd, want: chat.ErrInvalidFlag},
		{name: "bad op", flag: "read", op: "toggle", want: chat.ErrInvalidInput},
	}
	for _, tc := range tests {
		_, err := f.engine.UpdateFlags(ctx, f.bob.ID, []int64{id}, tc.flag, tc.op)
		assert.ErrorIs(t, err, tc.want, tc.name)
	}

	before := f.lastEventID(t, f.bob.ID)
	ids, err := f.engine.UpdateFlags(ctx, f.bob.ID, []int64{id, 12345}, "starred", v1.OpAdd)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, ids)
	assert.True(t, f.rowsByUser(t, id)[f.bob.ID].Has(chat.FlagStarred))

	evs, err := f.bus.EventsSince(ctx, f.bob.ID, before)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, v1.EventUpdateMessageFlags, evs[0].Type)
	assert.Equal(t, "starred", evs[0].Flag)
	assert.Equal(t, v1.OpAdd, evs[0].Op)
	assert.Equal(t, []int64{id}, evs[0].Messages)

	_, err = f.engine.UpdateFlags(ctx, f.bob.ID, []int64{id}, "starred", v1.OpRemove)
	require.NoError(t, err)
	assert.False(t, f.rowsByUser(t, id)[f.bob.ID].Has(chat.FlagStarred))
}

func TestSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	changed, unchanged, err := f.engine.Subscribe(ctx, f.bob.ID, []string{"Verona", "Rome"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Verona", "Rome"}, changed)
	assert.Empty(t, unchanged)

	changed, unchanged, err = f.engine.Subscribe(ctx, f.bob.ID, []string{"verona"})
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, []string{"Verona"}, unchanged)

	id := f.sendStream(t, f.alice, "Verona", "t", "before leaving")

	changed, unchanged, err = f.engine.Unsubscribe(ctx, f.bob.ID, []string{"Verona", "Atlantis"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Verona"}, changed)
	assert.Equal(t, []string{"Atlantis"}, unchanged)

	_, ok := f.rowsByUser(t, id)[f.bob.ID]
	assert.True(t, ok, "unsubscribing keeps delivery rows")

	evs, err := f.bus.EventsSince(ctx, f.bob.ID, 0)
	require.NoError(t, err)
	var ops []string
	for _, e := range evs {
		if e.Type == v1.EventSubscription {
			ops = append(ops, e.Op+":"+e.Subscription.Name)
		}
	}
	assert.Equal(t, []string{"add:Verona", "add:Rome", "remove:Verona"}, ops)

	_, _, err = f.engine.Subscribe(ctx, f.bob.ID, []string{""})
	assert.ErrorIs(t, err, chat.ErrInvalidStreamName)
}

func TestSubscribe_InviteOnlyStream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, rcp, _, err := f.store.GetOrCreateStream(ctx, chat.StreamSpec{RealmID: f.realm.ID, Name: "secret", InviteOnly: true})
	require.NoError(t, err)
	_, err = f.store.SetSubscription(ctx, f.alice.ID, rcp.ID, true)
	require.NoError(t, err)

	_, _, err = f.engine.Subscribe(ctx, f.bob.ID, []string{"secret"})
	assert.ErrorIs(t, err, chat.ErrNotAuthorized)
}

func TestUpdatePointer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "Verona", f.alice, f.bob)
	first := f.sendStream(t, f.alice, "Verona", "t", "one")
	second := f.sendStream(t, f.alice, "Verona", "t", "two")

	moved, err := f.engine.UpdatePointer(ctx, f.bob.ID, second)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = f.engine.UpdatePointer(ctx, f.bob.ID, first)
	require.NoError(t, err)
	assert.False(t, moved, "pointer never moves backwards")

	_, err = f.engine.UpdatePointer(ctx, f.carol.ID, first)
	assert.ErrorIs(t, err, chat.ErrNoSuchMessage)

	u, err := f.store.UserByID(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, second, u.Pointer)

	evs, err := f.bus.EventsSince(ctx, f.bob.ID, 0)
	require.NoError(t, err)
	var pointers []int64
	for _, e := range evs {
		if e.Type == v1.EventPointer {
			pointers = append(pointers, e.Pointer)
		}
	}
	assert.Equal(t, []int64{second}, pointers)
}
