package fanout

import (
	"context"
	"strings"
	"unicode/utf8"

	"courier/cmd/internal/chat"
	v1 "courier/shared/contracts/courier/v1"
)

// Edit is a request to rewrite a message. Nil fields are left unchanged.
type Edit struct {
	UserID    int64
	MessageID int64
	Content   *string
	Topic     *string
}

// Edit applies e to the message, appends an edit history record and notifies every user
// holding a delivery row. Only the sender may edit.
func (e *Engine) Edit(ctx context.Context, ed Edit) (chat.Message, error) {
	if ed.Content == nil && ed.Topic == nil {
		return chat.Message{}, chat.OpError{Op: "fanout.Edit", Kind: chat.ErrInvalidInput, Msg: "nothing to change"}
	}

	current, err := e.store.MessageByID(ctx, ed.MessageID)
	if chat.IsNotFound(err) {
		return chat.Message{}, chat.ErrNoSuchMessage
	}
	if err != nil {
		return chat.Message{}, err
	}
	if current.SenderID != ed.UserID {
		return chat.Message{}, chat.ErrNotAuthorized.Withf("only the sender may edit a message")
	}
	rcp, err := e.store.RecipientByID(ctx, current.RecipientID)
	if err != nil {
		return chat.Message{}, err
	}

	var (
		newContent  string
		newRendered string
		newTopic    string
	)
	if ed.Content != nil {
		content, _, err := validateDraft(Draft{Content: *ed.Content})
		if err != nil {
			return chat.Message{}, err
		}
		editor, err := e.store.UserByID(ctx, ed.UserID)
		if err != nil {
			return chat.Message{}, err
		}
		realm, err := e.store.RealmByID(ctx, editor.RealmID)
		if err != nil {
			return chat.Message{}, err
		}
		r, err := e.renderer.Render(ctx, content, realm)
		if err != nil {
			return chat.Message{}, chat.ErrRenderingFailed.Withf("%v", err)
		}
		newContent, newRendered = content, r.HTML
	}
	if ed.Topic != nil {
		if rcp.Type != chat.RecipientStream {
			return chat.Message{}, chat.OpError{Op: "fanout.Edit", Kind: chat.ErrInvalidInput, Msg: "private messages have no topic"}
		}
		topic := strings.TrimSpace(*ed.Topic)
		if topic == "" {
			return chat.Message{}, chat.ErrMissingTopic
		}
		if utf8.RuneCountInString(topic) > MaxTopicRunes {
			return chat.Message{}, chat.ErrTopicTooLong.Withf("limit %d", MaxTopicRunes)
		}
		newTopic = topic
	}

	now := e.now().UTC()
	var (
		updated chat.Message
		rec     chat.Edit
	)
	err = e.store.InTx(ctx, func(ctx context.Context, tx chat.Tx) error {
		m, err := tx.LockMessage(ctx, ed.MessageID)
		if err != nil {
			return err
		}
		rec = chat.Edit{UserID: ed.UserID, Timestamp: now}
		if ed.Content != nil && newContent != m.Content {
			rec.PrevContent, rec.PrevRendered = m.Content, m.RenderedContent
			m.Content, m.RenderedContent = newContent, newRendered
		}
		if ed.Topic != nil && newTopic != m.Topic {
			rec.PrevTopic = m.Topic
			m.Topic = newTopic
		}
		if rec.PrevContent == "" && rec.PrevTopic == "" {
			updated = m
			return nil
		}
		m.EditHistory = append([]chat.Edit{rec}, m.EditHistory...)
		m.LastEditTime = &now
		updated = m
		return tx.UpdateMessage(ctx, m)
	})
	if err != nil {
		return chat.Message{}, err
	}
	if rec.PrevContent == "" && rec.PrevTopic == "" {
		return updated, nil
	}

	rows, err := e.store.DeliveryRows(ctx, updated.ID)
	if err != nil {
		e.log.Warn("fanout.edit.rows.fail", "message_id", updated.ID, "err", err)
		return updated, nil
	}
	users := make([]int64, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.UserID)
	}

	change := &v1.MessageEdit{
		MessageID:     updated.ID,
		UserID:        ed.UserID,
		EditTimestamp: now.Unix(),
	}
	if rec.PrevContent != "" {
		change.Content, change.RenderedContent = updated.Content, updated.RenderedContent
		change.OrigContent, change.OrigRenderedContent = rec.PrevContent, rec.PrevRendered
	}
	if rec.PrevTopic != "" {
		change.Subject, change.OrigSubject = updated.Topic, rec.PrevTopic
	}
	e.publish(ctx, users, v1.Event{
		Type:      v1.EventUpdateMessage,
		Timestamp: now,
		MessageID: updated.ID,
		Edit:      change,
	})
	e.log.Info("fanout.edit.ok", "message_id", updated.ID, "user_id", ed.UserID, "users", len(users))
	return updated, nil
}
