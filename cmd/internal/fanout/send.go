package fanout

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/metrics"
	"courier/cmd/internal/recipient"
	"courier/cmd/internal/render"
	v1 "courier/shared/contracts/courier/v1"
)

// Client identifies the sending client.
type Client struct {
	Name   string
	Mirror bool
}

// Draft is a message before it is recorded.
//
// Forged and Timestamp are only accepted from mirror clients. ForwarderID names the trusted
// agent relaying on behalf of SenderID, if any. Internal drafts come from the server itself and
// are truncated instead of rejected when too long.
type Draft struct {
	SenderID    int64
	ForwarderID int64
	Kind        recipient.Kind
	To          []string
	Topic       string
	Content     string
	Client      Client
	Forged      bool
	Timestamp   time.Time
	Internal    bool
}

// Result is the outcome of Send. Duplicate is set when a mirror dedup matched an existing message.
type Result struct {
	MessageID int64
	Duplicate bool
}

// Send validates, resolves, renders and records d, then notifies every recipient.
func (e *Engine) Send(ctx context.Context, d Draft) (Result, error) {
	ctx, span := otel.Tracer("courier/fanout").Start(ctx, "fanout.send")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("sender.id", d.SenderID),
		attribute.String("message.kind", string(d.Kind)),
		attribute.String("client", d.Client.Name),
	)

	res, rtype, err := e.send(ctx, d)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.IncMessageSent(string(d.Kind), "error")
		e.log.Info("fanout.send.fail", "sender_id", d.SenderID, "kind", d.Kind, "err", err)
	case res.Duplicate:
		metrics.IncMessageSent(rtype, "duplicate")
		e.log.Info("fanout.send.duplicate", "sender_id", d.SenderID, "message_id", res.MessageID)
	default:
		metrics.IncMessageSent(rtype, "ok")
		e.log.Debug("fanout.send.ok", "sender_id", d.SenderID, "message_id", res.MessageID)
	}
	return res, err
}

func (e *Engine) send(ctx context.Context, d Draft) (Result, string, error) {
	content, topic, err := validateDraft(d)
	if err != nil {
		return Result{}, "", err
	}
	if d.Forged && !d.Client.Mirror {
		return Result{}, "", chat.ErrForgedNotAllowed
	}
	ts := e.now().UTC()
	if d.Client.Mirror && !d.Timestamp.IsZero() {
		ts = d.Timestamp.UTC()
	}

	sender, err := e.store.UserByID(ctx, d.SenderID)
	if err != nil {
		return Result{}, "", err
	}
	dest := recipient.Destination{Kind: d.Kind, To: d.To}
	if d.ForwarderID != 0 && d.ForwarderID != sender.ID {
		fwd, err := e.store.UserByID(ctx, d.ForwarderID)
		if err != nil {
			return Result{}, "", err
		}
		dest.Forwarder = &fwd
	}

	rcp, err := e.resolver.Resolve(ctx, sender, dest)
	if err != nil {
		return Result{}, "", err
	}
	rtype := rcp.Type.String()

	realm, err := e.store.RealmByID(ctx, sender.RealmID)
	if err != nil {
		return Result{}, rtype, err
	}
	rendered, err := e.renderer.Render(ctx, content, realm)
	if err != nil {
		metrics.IncDeliveryFailure("render")
		if errors.Is(err, chat.ErrRenderingFailed) {
			return Result{}, rtype, err
		}
		return Result{}, rtype, chat.ErrRenderingFailed.Withf("%v", err)
	}

	msg := chat.Message{
		SenderID:        sender.ID,
		RecipientID:     rcp.ID,
		Topic:           topic,
		Content:         content,
		RenderedContent: rendered.HTML,
		SendingClient:   d.Client.Name,
		Timestamp:       ts,
	}

	var (
		res   Result
		rows  []chat.UserMessage
		users []int64
	)
	e.seq.Lock()
	defer e.seq.Unlock()
	err = e.store.InTx(ctx, func(ctx context.Context, tx chat.Tx) error {
		if d.Client.Mirror {
			window := DedupWindowOther
			if rcp.Type == chat.RecipientHuddle {
				window = DedupWindowHuddle
			}
			id, dup, err := tx.FindDuplicate(ctx, chat.DuplicateQuery{
				SenderID:      msg.SenderID,
				RecipientID:   msg.RecipientID,
				Content:       msg.Content,
				Topic:         msg.Topic,
				SendingClient: msg.SendingClient,
				Timestamp:     msg.Timestamp,
				Window:        window,
			})
			if err != nil {
				return err
			}
			if dup {
				res = Result{MessageID: id, Duplicate: true}
				return nil
			}
		}

		id, err := tx.InsertMessage(ctx, msg)
		if err != nil {
			return err
		}
		msg.ID = id

		var targets []int64
		if rcp.Type == chat.RecipientPersonal {
			targets = chat.SortedUniqueIDs([]int64{sender.ID, rcp.TypeID})
		} else if targets, err = tx.ActiveSubscribers(ctx, rcp.ID); err != nil {
			return err
		}
		if users, err = tx.ActiveUserIDs(ctx, targets); err != nil {
			return err
		}

		rows = deliveryRows(msg, users, rendered, IsInteractive(d.Client.Name))
		if err := tx.InsertDeliveryRows(ctx, rows); err != nil {
			return err
		}
		res = Result{MessageID: id}
		return nil
	})
	if err != nil || res.Duplicate {
		return res, rtype, err
	}

	e.notifyNew(ctx, msg, users, rows)
	return res, rtype, nil
}

// deliveryRows computes one row per active recipient with its initial flags.
func deliveryRows(msg chat.Message, users []int64, r render.Rendered, interactive bool) []chat.UserMessage {
	mentioned := make(map[int64]struct{}, len(r.MentionedUserIDs))
	for _, id := range r.MentionedUserIDs {
		mentioned[id] = struct{}{}
	}

	rows := make([]chat.UserMessage, 0, len(users))
	for _, uid := range users {
		var f chat.Flags
		if _, ok := mentioned[uid]; ok {
			f |= chat.FlagMentioned
		}
		if r.WildcardMentioned {
			f |= chat.FlagWildcardMentioned
		}
		if uid == msg.SenderID && interactive {
			f |= chat.FlagRead
		}
		rows = append(rows, chat.UserMessage{UserID: uid, MessageID: msg.ID, Flags: f})
	}
	return rows
}

// notifyNew publishes new_message to every recipient, one publish per distinct flag set.
func (e *Engine) notifyNew(ctx context.Context, msg chat.Message, users []int64, rows []chat.UserMessage) {
	if len(rows) == 0 {
		return
	}
	payload, err := e.present.Message(ctx, msg, 0)
	if err != nil {
		metrics.IncDeliveryFailure("payload")
		e.log.Error("fanout.payload.fail", "message_id", msg.ID, "err", err)
		return
	}

	groups := make(map[chat.Flags][]int64)
	order := make([]chat.Flags, 0, 2)
	for _, r := range rows {
		if _, ok := groups[r.Flags]; !ok {
			order = append(order, r.Flags)
		}
		groups[r.Flags] = append(groups[r.Flags], r.UserID)
	}

	for _, f := range order {
		m := payload
		m.Flags = f.Names()
		e.publish(ctx, groups[f], v1.Event{
			Type:      v1.EventNewMessage,
			Timestamp: e.now().UTC(),
			MessageID: msg.ID,
			Users:     users,
			Message:   &m,
			Flags:     f.Names(),
		})
	}
}

// validateDraft normalizes content and topic.
func validateDraft(d Draft) (content, topic string, err error) {
	content = strings.TrimRight(d.Content, " \t\r\n")
	if strings.TrimSpace(content) == "" {
		return "", "", chat.ErrEmptyContent
	}
	if n := utf8.RuneCountInString(content); n > MaxContentRunes {
		if !d.Internal {
			return "", "", chat.ErrContentTooLong.Withf("%d characters, limit %d", n, MaxContentRunes)
		}
		content = truncateRunes(content, MaxContentRunes-utf8.RuneCountInString(TruncationMarker)) + TruncationMarker
	}

	if d.Kind != recipient.KindStream {
		return content, "", nil
	}
	topic = strings.TrimSpace(d.Topic)
	if topic == "" {
		return "", "", chat.ErrMissingTopic
	}
	if utf8.RuneCountInString(topic) > MaxTopicRunes {
		return "", "", chat.ErrTopicTooLong.Withf("limit %d", MaxTopicRunes)
	}
	return content, topic, nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
