package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is the dev/test Store used when no database is configured.
//
// A single mutex guards all state. InTx holds it for the whole transaction and stages writes,
// allocating message ids only on commit so a failed transaction never consumes an id.
type InMemoryStore struct {
	mu sync.Mutex

	realms        map[int64]Realm
	realmByDomain map[string]int64

	users       map[int64]User
	userByEmail map[string]int64

	streams     map[int64]Stream
	streamByKey map[streamKey]int64

	huddles     map[int64]Huddle
	huddleByKey map[string]int64

	recipients     map[int64]Recipient
	recipientByKey map[recipientKey]int64

	subs map[int64]map[int64]bool // recipient_id -> user_id -> active

	msgs     []Message         // ordered by id
	msgIndex map[int64]int     // message_id -> index in msgs
	delivery map[int64][]int64 // message_id -> user ids (insertion order)
	flags    map[umKey]Flags

	seq struct {
		realm, user, stream, huddle, recipient, message int64
	}
}

type streamKey struct {
	realmID int64
	key     string
}

type recipientKey struct {
	typ    RecipientType
	typeID int64
}

type umKey struct {
	userID, messageID int64
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		realms:         make(map[int64]Realm),
		realmByDomain:  make(map[string]int64),
		users:          make(map[int64]User),
		userByEmail:    make(map[string]int64),
		streams:        make(map[int64]Stream),
		streamByKey:    make(map[streamKey]int64),
		huddles:        make(map[int64]Huddle),
		huddleByKey:    make(map[string]int64),
		recipients:     make(map[int64]Recipient),
		recipientByKey: make(map[recipientKey]int64),
		subs:           make(map[int64]map[int64]bool),
		msgIndex:       make(map[int64]int),
		delivery:       make(map[int64][]int64),
		flags:          make(map[umKey]Flags),
	}
}

// Close is a noop for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateRealm(ctx context.Context, r Realm) (Realm, error) {
	if err := ctx.Err(); err != nil {
		return Realm{}, err
	}
	domain := strings.ToLower(strings.TrimSpace(r.Domain))
	if domain == "" {
		return Realm{}, OpError{Op: "chat.CreateRealm", Kind: ErrInvalidInput, Msg: "empty domain"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.realmByDomain[domain]; ok {
		return Realm{}, OpError{Op: "chat.CreateRealm", Kind: ErrConflict, Msg: domain}
	}
	s.seq.realm++
	r.ID = s.seq.realm
	r.Domain = domain
	s.realms[r.ID] = r
	s.realmByDomain[domain] = r.ID
	return r, nil
}

func (s *InMemoryStore) RealmByID(ctx context.Context, id int64) (Realm, error) {
	if err := ctx.Err(); err != nil {
		return Realm{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realms[id]
	if !ok {
		return Realm{}, NotFoundError{Op: "chat.RealmByID", Resource: "realm"}
	}
	return r, nil
}

func (s *InMemoryStore) RealmByDomain(ctx context.Context, domain string) (Realm, error) {
	if err := ctx.Err(); err != nil {
		return Realm{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.realmByDomain[strings.ToLower(strings.TrimSpace(domain))]
	if !ok {
		return Realm{}, NotFoundError{Op: "chat.RealmByDomain", Resource: "realm"}
	}
	return s.realms[id], nil
}

func (s *InMemoryStore) CreateUser(ctx context.Context, u User) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUserLocked("chat.CreateUser", u)
}

func (s *InMemoryStore) createUserLocked(op string, u User) (User, error) {
	u.Email = NormalizeEmail(u.Email)
	if u.Email == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "empty email"}
	}
	if _, ok := s.realms[u.RealmID]; !ok {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "unknown realm"}
	}
	if _, ok := s.userByEmail[u.Email]; ok {
		return User{}, OpError{Op: op, Kind: ErrConflict, Msg: u.Email}
	}
	s.seq.user++
	u.ID = s.seq.user
	s.users[u.ID] = u
	s.userByEmail[u.Email] = u.ID
	return u, nil
}

func (s *InMemoryStore) UserByID(ctx context.Context, id int64) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, NotFoundError{Op: "chat.UserByID", Resource: "user"}
	}
	return u, nil
}

func (s *InMemoryStore) UserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.userByEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, NotFoundError{Op: "chat.UserByEmail", Resource: "user"}
	}
	return s.users[id], nil
}

func (s *InMemoryStore) UsersByIDs(ctx context.Context, ids []int64) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateMirrorUser(ctx context.Context, realmID int64, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.userByEmail[NormalizeEmail(email)]; ok {
		return s.users[id], nil
	}
	return s.createUserLocked("chat.CreateMirrorUser", User{
		RealmID:     realmID,
		Email:       email,
		FullName:    NormalizeEmail(email),
		Active:      false,
		MirrorDummy: true,
	})
}

func (s *InMemoryStore) StreamByName(ctx context.Context, realmID int64, name string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return Stream{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.streamByKey[streamKey{realmID: realmID, key: StreamNameKey(name)}]
	if !ok {
		return Stream{}, NotFoundError{Op: "chat.StreamByName", Resource: "stream"}
	}
	return s.streams[id], nil
}

func (s *InMemoryStore) StreamByID(ctx context.Context, id int64) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return Stream{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return Stream{}, NotFoundError{Op: "chat.StreamByID", Resource: "stream"}
	}
	return st, nil
}

func (s *InMemoryStore) GetOrCreateStream(ctx context.Context, spec StreamSpec) (Stream, Recipient, bool, error) {
	if err := ctx.Err(); err != nil {
		return Stream{}, Recipient{}, false, err
	}
	name, err := NormalizeStreamName(spec.Name)
	if err != nil {
		return Stream{}, Recipient{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.realms[spec.RealmID]; !ok {
		return Stream{}, Recipient{}, false, OpError{Op: "chat.GetOrCreateStream", Kind: ErrInvalidInput, Msg: "unknown realm"}
	}

	key := streamKey{realmID: spec.RealmID, key: StreamNameKey(name)}
	created := false
	id, ok := s.streamByKey[key]
	if !ok {
		s.seq.stream++
		id = s.seq.stream
		s.streams[id] = Stream{ID: id, RealmID: spec.RealmID, Name: name, InviteOnly: spec.InviteOnly, Active: true}
		s.streamByKey[key] = id
		created = true
	}
	rcp := s.getOrCreateRecipientLocked(RecipientStream, id)
	return s.streams[id], rcp, created, nil
}

func (s *InMemoryStore) GetOrCreateHuddle(ctx context.Context, userIDs []int64) (Huddle, Recipient, bool, error) {
	if err := ctx.Err(); err != nil {
		return Huddle{}, Recipient{}, false, err
	}
	members := SortedUniqueIDs(userIDs)
	if len(members) < 2 {
		return Huddle{}, Recipient{}, false, OpError{Op: "chat.GetOrCreateHuddle", Kind: ErrInvalidInput, Msg: "huddle needs at least two members"}
	}
	hash := HuddleHash(members)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.huddleByKey[hash]; ok {
		h := s.huddles[id]
		return h, s.getOrCreateRecipientLocked(RecipientHuddle, h.ID), false, nil
	}

	s.seq.huddle++
	h := Huddle{ID: s.seq.huddle, Hash: hash}
	s.huddles[h.ID] = h
	s.huddleByKey[hash] = h.ID
	rcp := s.getOrCreateRecipientLocked(RecipientHuddle, h.ID)
	for _, uid := range members {
		s.setSubscriptionLocked(uid, rcp.ID, true)
	}
	return h, rcp, true, nil
}

func (s *InMemoryStore) HuddleByHash(ctx context.Context, hash string) (Huddle, error) {
	if err := ctx.Err(); err != nil {
		return Huddle{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.huddleByKey[hash]
	if !ok {
		return Huddle{}, NotFoundError{Op: "chat.HuddleByHash", Resource: "huddle"}
	}
	return s.huddles[id], nil
}

func (s *InMemoryStore) getOrCreateRecipientLocked(typ RecipientType, typeID int64) Recipient {
	k := recipientKey{typ: typ, typeID: typeID}
	if id, ok := s.recipientByKey[k]; ok {
		return s.recipients[id]
	}
	s.seq.recipient++
	r := Recipient{ID: s.seq.recipient, Type: typ, TypeID: typeID}
	s.recipients[r.ID] = r
	s.recipientByKey[k] = r.ID
	return r
}

func (s *InMemoryStore) RecipientByID(ctx context.Context, id int64) (Recipient, error) {
	if err := ctx.Err(); err != nil {
		return Recipient{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok {
		return Recipient{}, NotFoundError{Op: "chat.RecipientByID", Resource: "recipient"}
	}
	return r, nil
}

func (s *InMemoryStore) RecipientFor(ctx context.Context, typ RecipientType, typeID int64) (Recipient, error) {
	if err := ctx.Err(); err != nil {
		return Recipient{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.recipientByKey[recipientKey{typ: typ, typeID: typeID}]
	if !ok {
		return Recipient{}, NotFoundError{Op: "chat.RecipientFor", Resource: "recipient"}
	}
	return s.recipients[id], nil
}

func (s *InMemoryStore) PersonalRecipient(ctx context.Context, userID int64) (Recipient, error) {
	if err := ctx.Err(); err != nil {
		return Recipient{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return Recipient{}, NotFoundError{Op: "chat.PersonalRecipient", Resource: "user"}
	}
	return s.getOrCreateRecipientLocked(RecipientPersonal, userID), nil
}

func (s *InMemoryStore) SetSubscription(ctx context.Context, userID, recipientID int64, active bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recipients[recipientID]; !ok {
		return false, NotFoundError{Op: "chat.SetSubscription", Resource: "recipient"}
	}
	return s.setSubscriptionLocked(userID, recipientID, active), nil
}

func (s *InMemoryStore) setSubscriptionLocked(userID, recipientID int64, active bool) bool {
	m := s.subs[recipientID]
	if m == nil {
		m = make(map[int64]bool)
		s.subs[recipientID] = m
	}
	prev, existed := m[userID]
	m[userID] = active
	if !existed {
		return active
	}
	return prev != active
}

func (s *InMemoryStore) Subscription(ctx context.Context, userID, recipientID int64) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return Subscription{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	active, ok := s.subs[recipientID][userID]
	if !ok {
		return Subscription{}, NotFoundError{Op: "chat.Subscription", Resource: "subscription"}
	}
	return Subscription{UserID: userID, RecipientID: recipientID, Active: active}, nil
}

func (s *InMemoryStore) ActiveSubscribers(ctx context.Context, recipientID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribersLocked(recipientID, true), nil
}

func (s *InMemoryStore) Subscribers(ctx context.Context, recipientID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribersLocked(recipientID, false), nil
}

func (s *InMemoryStore) subscribersLocked(recipientID int64, activeOnly bool) []int64 {
	out := make([]int64, 0, len(s.subs[recipientID]))
	for uid, active := range s.subs[recipientID] {
		if activeOnly && !active {
			continue
		}
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InTx runs fn with the store lock held; staged writes are applied only if fn returns nil.
func (s *InMemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s       *InMemoryStore
	inserts []Message
	rows    []UserMessage
	updates []Message
}

// Staged message ids are provisional offsets past the committed sequence.
func (t *memTx) nextID() int64 { return t.s.seq.message + int64(len(t.inserts)) + 1 }

func (t *memTx) commit() {
	s := t.s
	for _, m := range t.inserts {
		s.seq.message = m.ID
		s.msgIndex[m.ID] = len(s.msgs)
		s.msgs = append(s.msgs, m)
	}
	for _, m := range t.updates {
		if i, ok := s.msgIndex[m.ID]; ok {
			s.msgs[i] = m
		}
	}
	for _, r := range t.rows {
		k := umKey{userID: r.UserID, messageID: r.MessageID}
		if _, ok := s.flags[k]; !ok {
			s.delivery[r.MessageID] = append(s.delivery[r.MessageID], r.UserID)
		}
		s.flags[k] = r.Flags
	}
}

func (t *memTx) FindDuplicate(ctx context.Context, q DuplicateQuery) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	lo, hi := q.Timestamp.Add(-q.Window), q.Timestamp.Add(q.Window)
	for i := len(t.s.msgs) - 1; i >= 0; i-- {
		m := t.s.msgs[i]
		if m.SenderID != q.SenderID || m.RecipientID != q.RecipientID {
			continue
		}
		if m.Content != q.Content || m.Topic != q.Topic || m.SendingClient != q.SendingClient {
			continue
		}
		if m.Timestamp.Before(lo) || m.Timestamp.After(hi) {
			continue
		}
		return m.ID, true, nil
	}
	return 0, false, nil
}

func (t *memTx) InsertMessage(ctx context.Context, m Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, ok := t.s.recipients[m.RecipientID]; !ok {
		return 0, OpError{Op: "chat.InsertMessage", Kind: ErrInvalidInput, Msg: "unknown recipient"}
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	m.ID = t.nextID()
	t.inserts = append(t.inserts, m)
	return m.ID, nil
}

func (t *memTx) ActiveSubscribers(ctx context.Context, recipientID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.s.subscribersLocked(recipientID, true), nil
}

func (t *memTx) ActiveUserIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if u, ok := t.s.users[id]; ok && u.Active {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *memTx) InsertDeliveryRows(ctx context.Context, rows []UserMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.rows = append(t.rows, rows...)
	return nil
}

func (t *memTx) LockMessage(ctx context.Context, id int64) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	i, ok := t.s.msgIndex[id]
	if !ok {
		return Message{}, NotFoundError{Op: "chat.LockMessage", Resource: "message"}
	}
	return cloneMessage(t.s.msgs[i]), nil
}

func (t *memTx) UpdateMessage(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.s.msgIndex[m.ID]; !ok {
		return NotFoundError{Op: "chat.UpdateMessage", Resource: "message"}
	}
	t.updates = append(t.updates, cloneMessage(m))
	return nil
}

func (s *InMemoryStore) MessageByID(ctx context.Context, id int64) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.msgIndex[id]
	if !ok {
		return Message{}, NotFoundError{Op: "chat.MessageByID", Resource: "message"}
	}
	return cloneMessage(s.msgs[i]), nil
}

func (s *InMemoryStore) DeliveryRows(ctx context.Context, messageID int64) ([]UserMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	uids := s.delivery[messageID]
	out := make([]UserMessage, 0, len(uids))
	for _, uid := range uids {
		out = append(out, UserMessage{UserID: uid, MessageID: messageID, Flags: s.flags[umKey{userID: uid, messageID: messageID}]})
	}
	return out, nil
}

func (s *InMemoryStore) QueryMessages(ctx context.Context, q Query) ([]MessageRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := ClampLimit(q.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]MessageRow, 0, 16)
	visit := func(m Message) bool {
		if q.MinID > 0 && m.ID < q.MinID {
			return true
		}
		if q.MaxID > 0 && m.ID > q.MaxID {
			return true
		}
		f, ok := s.flags[umKey{userID: q.UserID, messageID: m.ID}]
		if !ok {
			return true
		}
		if !s.matchesAll(m, f, q.Conds) {
			return true
		}
		out = append(out, MessageRow{Message: cloneMessage(m), Flags: f})
		return len(out) < limit
	}

	if q.Descending {
		for i := len(s.msgs) - 1; i >= 0; i-- {
			if !visit(s.msgs[i]) {
				break
			}
		}
	} else {
		for i := range s.msgs {
			if !visit(s.msgs[i]) {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) matchesAll(m Message, f Flags, conds []Cond) bool {
	for _, c := range conds {
		if !s.matches(m, f, c) {
			return false
		}
	}
	return true
}

func (s *InMemoryStore) matches(m Message, f Flags, c Cond) bool {
	switch c := c.(type) {
	case CondRecipient:
		return m.RecipientID == c.RecipientID
	case CondTopic:
		return strings.EqualFold(m.Topic, c.Topic)
	case CondSender:
		return m.SenderID == c.SenderID
	case CondMessageID:
		return m.ID == c.ID
	case CondPrivate:
		return s.recipients[m.RecipientID].Type.Private()
	case CondFlag:
		return f.Has(c.Flag) == c.Set
	case CondConversation:
		if m.SenderID == c.SelfID && m.RecipientID == c.OtherRecipientID {
			return true
		}
		return m.SenderID == c.OtherID && m.RecipientID == c.SelfRecipientID
	case CondSearch:
		content, topic := strings.ToLower(m.Content), strings.ToLower(m.Topic)
		for _, n := range c.Needles {
			n = strings.ToLower(n)
			if !strings.Contains(content, n) && !strings.Contains(topic, n) {
				return false
			}
		}
		return true
	case CondNone:
		return false
	default:
		return false
	}
}

func (s *InMemoryStore) MaxMessageID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.message, nil
}

func (s *InMemoryStore) UpdateFlags(ctx context.Context, userID int64, messageIDs []int64, flag Flags, set bool) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(messageIDs))
	for _, id := range SortedUniqueIDs(messageIDs) {
		k := umKey{userID: userID, messageID: id}
		f, ok := s.flags[k]
		if !ok {
			continue
		}
		if set {
			f |= flag
		} else {
			f &^= flag
		}
		s.flags[k] = f
		out = append(out, id)
	}
	return out, nil
}

func (s *InMemoryStore) UpdatePointer(ctx context.Context, userID, messageID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, NotFoundError{Op: "chat.UpdatePointer", Resource: "user"}
	}
	if messageID <= u.Pointer {
		return false, nil
	}
	u.Pointer = messageID
	s.users[userID] = u
	return true, nil
}

func cloneMessage(m Message) Message {
	if m.EditHistory != nil {
		m.EditHistory = append([]Edit(nil), m.EditHistory...)
	}
	if m.LastEditTime != nil {
		t := *m.LastEditTime
		m.LastEditTime = &t
	}
	return m
}
