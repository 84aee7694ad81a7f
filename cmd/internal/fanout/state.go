package fanout

import (
	"context"

	"courier/cmd/internal/chat"
	v1 "courier/shared/contracts/courier/v1"
)

// UpdateFlags sets (op add) or clears (op remove) a user-mutable flag on the user's delivery
// rows and notifies the user. It returns the ids whose rows exist.
func (e *Engine) UpdateFlags(ctx context.Context, userID int64, messageIDs []int64, flagName, op string) ([]int64, error) {
	flag, err := chat.ParseFlag(flagName)
	if err != nil {
		return nil, err
	}
	if !chat.UserMutableFlag(flag) {
		return nil, chat.ErrInvalidFlag.Withf("%q cannot be changed", flagName)
	}
	var set bool
	switch op {
	case v1.OpAdd:
		set = true
	case v1.OpRemove:
	default:
		return nil, chat.OpError{Op: "fanout.UpdateFlags", Kind: chat.ErrInvalidInput, Msg: "op must be add or remove"}
	}

	ids, err := e.store.UpdateFlags(ctx, userID, messageIDs, flag, set)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		e.publish(ctx, []int64{userID}, v1.Event{
			Type:      v1.EventUpdateMessageFlags,
			Timestamp: e.now().UTC(),
			Op:        op,
			Flag:      flag.Names()[0],
			Messages:  ids,
		})
	}
	return ids, nil
}

// Subscribe activates the user's subscription to each stream, creating streams as needed.
// It returns the names whose state changed and those already subscribed.
func (e *Engine) Subscribe(ctx context.Context, userID int64, names []string) (changed, unchanged []string, err error) {
	user, err := e.store.UserByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range names {
		st, rcp, created, err := e.store.GetOrCreateStream(ctx, chat.StreamSpec{RealmID: user.RealmID, Name: name})
		if err != nil {
			return changed, unchanged, err
		}
		if st.InviteOnly && !created {
			if _, err := e.store.Subscription(ctx, userID, rcp.ID); err != nil {
				if chat.IsNotFound(err) {
					return changed, unchanged, chat.ErrNotAuthorized.Withf("%s is invite-only", st.Name)
				}
				return changed, unchanged, err
			}
		}
		ok, err := e.store.SetSubscription(ctx, userID, rcp.ID, true)
		if err != nil {
			return changed, unchanged, err
		}
		if !ok {
			unchanged = append(unchanged, st.Name)
			continue
		}
		changed = append(changed, st.Name)
		e.notifySubscription(ctx, userID, v1.OpAdd, st, rcp)
	}
	return changed, unchanged, nil
}

// Unsubscribe deactivates the user's subscriptions. Delivery rows are kept. Unknown streams and
// inactive subscriptions are reported as unchanged.
func (e *Engine) Unsubscribe(ctx context.Context, userID int64, names []string) (changed, unchanged []string, err error) {
	user, err := e.store.UserByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range names {
		norm, err := chat.NormalizeStreamName(name)
		if err != nil {
			return changed, unchanged, err
		}
		st, err := e.store.StreamByName(ctx, user.RealmID, norm)
		if chat.IsNotFound(err) {
			unchanged = append(unchanged, norm)
			continue
		}
		if err != nil {
			return changed, unchanged, err
		}
		rcp, err := e.store.RecipientFor(ctx, chat.RecipientStream, st.ID)
		if err != nil {
			return changed, unchanged, err
		}
		if _, err := e.store.Subscription(ctx, userID, rcp.ID); chat.IsNotFound(err) {
			unchanged = append(unchanged, st.Name)
			continue
		}
		ok, err := e.store.SetSubscription(ctx, userID, rcp.ID, false)
		if err != nil {
			return changed, unchanged, err
		}
		if !ok {
			unchanged = append(unchanged, st.Name)
			continue
		}
		changed = append(changed, st.Name)
		e.notifySubscription(ctx, userID, v1.OpRemove, st, rcp)
	}
	return changed, unchanged, nil
}

func (e *Engine) notifySubscription(ctx context.Context, userID int64, op string, st chat.Stream, rcp chat.Recipient) {
	e.publish(ctx, []int64{userID}, v1.Event{
		Type:      v1.EventSubscription,
		Timestamp: e.now().UTC(),
		Op:        op,
		Subscription: &v1.Subscription{
			Name:        st.Name,
			RecipientID: rcp.ID,
			InviteOnly:  st.InviteOnly,
		},
	})
}

// UpdatePointer moves the user's pointer forward to messageID, which must be a message the user
// received. It reports whether the pointer moved.
func (e *Engine) UpdatePointer(ctx context.Context, userID, messageID int64) (bool, error) {
	if messageID <= 0 {
		return false, chat.ErrNoSuchMessage
	}
	rows, err := e.store.QueryMessages(ctx, chat.Query{
		UserID: userID,
		Conds:  []chat.Cond{chat.CondMessageID{ID: messageID}},
		Limit:  1,
	})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, chat.ErrNoSuchMessage
	}

	moved, err := e.store.UpdatePointer(ctx, userID, messageID)
	if err != nil || !moved {
		return moved, err
	}
	e.publish(ctx, []int64{userID}, v1.Event{
		Type:      v1.EventPointer,
		Timestamp: e.now().UTC(),
		Pointer:   messageID,
	})
	return true, nil
}
