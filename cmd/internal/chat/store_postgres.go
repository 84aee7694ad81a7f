package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Get-or-create paths rely on unique constraints; a unique violation re-reads the winner
//   - Mirror dedup takes a transactional advisory lock per (sender, recipient) so two
//     identical mirrored sends cannot both miss each other
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "courier",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Schema returns the schema the store reads and writes.
func (s *PostgresStore) Schema() string { return s.schema }

const (
	maxConflictRetries = 3

	userCols    = `id, realm_id, email, full_name, active, mirror_dummy, can_forward, api_key_hash, pointer`
	messageCols = `m.id, m.sender_id, m.recipient_id, m.topic, m.content, m.rendered_content, m.sending_client, m.pub_date, m.last_edit_time, m.edit_history`
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) tbl(name string) string { return pgIdent(s.schema, name) }

func (s *PostgresStore) CreateRealm(ctx context.Context, r Realm) (Realm, error) {
	r.Domain = strings.ToLower(strings.TrimSpace(r.Domain))
	if r.Domain == "" {
		return Realm{}, OpError{Op: "chat.CreateRealm", Kind: ErrInvalidInput, Msg: "empty domain"}
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.tbl("realms")+` (domain, name, restricted) VALUES ($1, $2, $3) RETURNING id`,
		r.Domain, r.Name, r.Restricted,
	).Scan(&r.ID)
	if isUniqueViolation(err) {
		return Realm{}, OpError{Op: "chat.CreateRealm", Kind: ErrConflict, Msg: r.Domain}
	}
	if err != nil {
		return Realm{}, fmt.Errorf("insert realm: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) RealmByID(ctx context.Context, id int64) (Realm, error) {
	return s.realmWhere(ctx, "chat.RealmByID", `id = $1`, id)
}

func (s *PostgresStore) RealmByDomain(ctx context.Context, domain string) (Realm, error) {
	return s.realmWhere(ctx, "chat.RealmByDomain", `domain = $1`, strings.ToLower(strings.TrimSpace(domain)))
}

func (s *PostgresStore) realmWhere(ctx context.Context, op, where string, arg any) (Realm, error) {
	var r Realm
	err := s.pool.QueryRow(ctx,
		`SELECT id, domain, name, restricted FROM `+s.tbl("realms")+` WHERE `+where, arg,
	).Scan(&r.ID, &r.Domain, &r.Name, &r.Restricted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Realm{}, NotFoundError{Op: op, Resource: "realm"}
	}
	return r, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) (User, error) {
	return s.insertUser(ctx, "chat.CreateUser", u)
}

func (s *PostgresStore) insertUser(ctx context.Context, op string, u User) (User, error) {
	u.Email = NormalizeEmail(u.Email)
	if u.Email == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "empty email"}
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.tbl("users")+` (realm_id, email, full_name, active, mirror_dummy, can_forward, api_key_hash, pointer)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		u.RealmID, u.Email, u.FullName, u.Active, u.MirrorDummy, u.CanForward, u.APIKeyHash, u.Pointer,
	).Scan(&u.ID)
	switch {
	case isUniqueViolation(err):
		return User{}, OpError{Op: op, Kind: ErrConflict, Msg: u.Email}
	case isForeignKeyViolation(err):
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "unknown realm"}
	case err != nil:
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.RealmID, &u.Email, &u.FullName, &u.Active, &u.MirrorDummy, &u.CanForward, &u.APIKeyHash, &u.Pointer)
	return u, err
}

func (s *PostgresStore) UserByID(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM `+s.tbl("users")+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: "chat.UserByID", Resource: "user"}
	}
	return u, err
}

func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM `+s.tbl("users")+` WHERE email = $1`, NormalizeEmail(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: "chat.UserByEmail", Resource: "user"}
	}
	return u, err
}

func (s *PostgresStore) UsersByIDs(ctx context.Context, ids []int64) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userCols+` FROM `+s.tbl("users")+` WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]User, 0, len(ids))
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMirrorUser(ctx context.Context, realmID int64, email string) (User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return User{}, OpError{Op: "chat.CreateMirrorUser", Kind: ErrInvalidInput, Msg: "empty email"}
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.tbl("users")+` (realm_id, email, full_name, active, mirror_dummy)
		 VALUES ($1, $2, $2, false, true)
		 ON CONFLICT (email) DO NOTHING`,
		realmID, email,
	); err != nil {
		if isForeignKeyViolation(err) {
			return User{}, OpError{Op: "chat.CreateMirrorUser", Kind: ErrInvalidInput, Msg: "unknown realm"}
		}
		return User{}, fmt.Errorf("insert mirror user: %w", err)
	}
	return s.UserByEmail(ctx, email)
}

func scanStream(row pgx.Row) (Stream, error) {
	var st Stream
	err := row.Scan(&st.ID, &st.RealmID, &st.Name, &st.InviteOnly, &st.Active)
	return st, err
}

func (s *PostgresStore) StreamByName(ctx context.Context, realmID int64, name string) (Stream, error) {
	st, err := scanStream(s.pool.QueryRow(ctx,
		`SELECT id, realm_id, name, invite_only, active FROM `+s.tbl("streams")+` WHERE realm_id = $1 AND name_key = $2`,
		realmID, StreamNameKey(name),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Stream{}, NotFoundError{Op: "chat.StreamByName", Resource: "stream"}
	}
	return st, err
}

func (s *PostgresStore) StreamByID(ctx context.Context, id int64) (Stream, error) {
	st, err := scanStream(s.pool.QueryRow(ctx,
		`SELECT id, realm_id, name, invite_only, active FROM `+s.tbl("streams")+` WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Stream{}, NotFoundError{Op: "chat.StreamByID", Resource: "stream"}
	}
	return st, err
}

// GetOrCreateStream looks the stream up case-insensitively and creates it when missing.
// Losing a creation race to another writer re-reads the winning row.
func (s *PostgresStore) GetOrCreateStream(ctx context.Context, spec StreamSpec) (Stream, Recipient, bool, error) {
	name, err := NormalizeStreamName(spec.Name)
	if err != nil {
		return Stream{}, Recipient{}, false, err
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		st, err := s.StreamByName(ctx, spec.RealmID, name)
		if err == nil {
			rcp, err := getOrCreateRecipient(ctx, s.pool, s.tbl("recipients"), RecipientStream, st.ID)
			return st, rcp, false, err
		}
		if !IsNotFound(err) {
			return Stream{}, Recipient{}, false, err
		}

		st, rcp, err := s.createStream(ctx, spec.RealmID, name, spec.InviteOnly)
		if isUniqueViolation(err) {
			continue
		}
		if isForeignKeyViolation(err) {
			return Stream{}, Recipient{}, false, OpError{Op: "chat.GetOrCreateStream", Kind: ErrInvalidInput, Msg: "unknown realm"}
		}
		if err != nil {
			return Stream{}, Recipient{}, false, err
		}
		return st, rcp, true, nil
	}
	return Stream{}, Recipient{}, false, OpError{Op: "chat.GetOrCreateStream", Kind: ErrConflict, Msg: "retries exhausted"}
}

func (s *PostgresStore) createStream(ctx context.Context, realmID int64, name string, inviteOnly bool) (Stream, Recipient, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Stream{}, Recipient{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	st := Stream{RealmID: realmID, Name: name, InviteOnly: inviteOnly, Active: true}
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+s.tbl("streams")+` (realm_id, name, name_key, invite_only, active)
		 VALUES ($1, $2, $3, $4, true)
		 RETURNING id`,
		realmID, name, StreamNameKey(name), inviteOnly,
	).Scan(&st.ID); err != nil {
		return Stream{}, Recipient{}, err
	}
	rcp, err := getOrCreateRecipient(ctx, tx, s.tbl("recipients"), RecipientStream, st.ID)
	if err != nil {
		return Stream{}, Recipient{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Stream{}, Recipient{}, err
	}
	return st, rcp, nil
}

// GetOrCreateHuddle resolves the huddle for the member set; on first creation every member is subscribed.
func (s *PostgresStore) GetOrCreateHuddle(ctx context.Context, userIDs []int64) (Huddle, Recipient, bool, error) {
	members := SortedUniqueIDs(userIDs)
	if len(members) < 2 {
		return Huddle{}, Recipient{}, false, OpError{Op: "chat.GetOrCreateHuddle", Kind: ErrInvalidInput, Msg: "huddle needs at least two members"}
	}
	hash := HuddleHash(members)

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		h, err := s.HuddleByHash(ctx, hash)
		if err == nil {
			rcp, err := getOrCreateRecipient(ctx, s.pool, s.tbl("recipients"), RecipientHuddle, h.ID)
			return h, rcp, false, err
		}
		if !IsNotFound(err) {
			return Huddle{}, Recipient{}, false, err
		}

		h, rcp, err := s.createHuddle(ctx, hash, members)
		if isUniqueViolation(err) {
			continue
		}
		if err != nil {
			return Huddle{}, Recipient{}, false, err
		}
		return h, rcp, true, nil
	}
	return Huddle{}, Recipient{}, false, OpError{Op: "chat.GetOrCreateHuddle", Kind: ErrConflict, Msg: "retries exhausted"}
}

func (s *PostgresStore) createHuddle(ctx context.Context, hash string, members []int64) (Huddle, Recipient, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Huddle{}, Recipient{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	h := Huddle{Hash: hash}
	if err := tx.QueryRow(ctx, `INSERT INTO `+s.tbl("huddles")+` (hash) VALUES ($1) RETURNING id`, hash).Scan(&h.ID); err != nil {
		return Huddle{}, Recipient{}, err
	}
	rcp, err := getOrCreateRecipient(ctx, tx, s.tbl("recipients"), RecipientHuddle, h.ID)
	if err != nil {
		return Huddle{}, Recipient{}, err
	}
	for _, uid := range members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.tbl("subscriptions")+` (user_id, recipient_id, active) VALUES ($1, $2, true)
			 ON CONFLICT (recipient_id, user_id) DO UPDATE SET active = true`,
			uid, rcp.ID,
		); err != nil {
			return Huddle{}, Recipient{}, fmt.Errorf("subscribe huddle member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Huddle{}, Recipient{}, err
	}
	return h, rcp, nil
}

func (s *PostgresStore) HuddleByHash(ctx context.Context, hash string) (Huddle, error) {
	h := Huddle{Hash: hash}
	err := s.pool.QueryRow(ctx, `SELECT id FROM `+s.tbl("huddles")+` WHERE hash = $1`, hash).Scan(&h.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Huddle{}, NotFoundError{Op: "chat.HuddleByHash", Resource: "huddle"}
	}
	return h, err
}

func getOrCreateRecipient(ctx context.Context, q pgQuerier, table string, typ RecipientType, typeID int64) (Recipient, error) {
	if _, err := q.Exec(ctx,
		`INSERT INTO `+table+` (type, type_id) VALUES ($1, $2) ON CONFLICT (type, type_id) DO NOTHING`,
		int16(typ), typeID,
	); err != nil {
		return Recipient{}, fmt.Errorf("insert recipient: %w", err)
	}
	return scanRecipient(q.QueryRow(ctx, `SELECT id, type, type_id FROM `+table+` WHERE type = $1 AND type_id = $2`, int16(typ), typeID))
}

func scanRecipient(row pgx.Row) (Recipient, error) {
	var (
		r   Recipient
		typ int16
	)
	if err := row.Scan(&r.ID, &typ, &r.TypeID); err != nil {
		return Recipient{}, err
	}
	r.Type = RecipientType(typ)
	return r, nil
}

func (s *PostgresStore) RecipientByID(ctx context.Context, id int64) (Recipient, error) {
	r, err := scanRecipient(s.pool.QueryRow(ctx, `SELECT id, type, type_id FROM `+s.tbl("recipients")+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Recipient{}, NotFoundError{Op: "chat.RecipientByID", Resource: "recipient"}
	}
	return r, err
}

func (s *PostgresStore) RecipientFor(ctx context.Context, typ RecipientType, typeID int64) (Recipient, error) {
	r, err := scanRecipient(s.pool.QueryRow(ctx,
		`SELECT id, type, type_id FROM `+s.tbl("recipients")+` WHERE type = $1 AND type_id = $2`, int16(typ), typeID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Recipient{}, NotFoundError{Op: "chat.RecipientFor", Resource: "recipient"}
	}
	return r, err
}

func (s *PostgresStore) PersonalRecipient(ctx context.Context, userID int64) (Recipient, error) {
	if _, err := s.UserByID(ctx, userID); err != nil {
		return Recipient{}, err
	}
	return getOrCreateRecipient(ctx, s.pool, s.tbl("recipients"), RecipientPersonal, userID)
}

func (s *PostgresStore) SetSubscription(ctx context.Context, userID, recipientID int64, active bool) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	subs := s.tbl("subscriptions")
	tag, err := tx.Exec(ctx,
		`INSERT INTO `+subs+` (user_id, recipient_id, active) VALUES ($1, $2, $3)
		 ON CONFLICT (recipient_id, user_id) DO NOTHING`,
		userID, recipientID, active,
	)
	if isForeignKeyViolation(err) {
		return false, NotFoundError{Op: "chat.SetSubscription", Resource: "recipient"}
	}
	if err != nil {
		return false, err
	}

	changed := false
	if tag.RowsAffected() == 1 {
		changed = active
	} else {
		var prev bool
		if err := tx.QueryRow(ctx,
			`SELECT active FROM `+subs+` WHERE recipient_id = $1 AND user_id = $2 FOR UPDATE`,
			recipientID, userID,
		).Scan(&prev); err != nil {
			return false, err
		}
		if prev != active {
			if _, err := tx.Exec(ctx,
				`UPDATE `+subs+` SET active = $3 WHERE recipient_id = $1 AND user_id = $2`,
				recipientID, userID, active,
			); err != nil {
				return false, err
			}
			changed = true
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return changed, nil
}

func (s *PostgresStore) Subscription(ctx context.Context, userID, recipientID int64) (Subscription, error) {
	sub := Subscription{UserID: userID, RecipientID: recipientID}
	err := s.pool.QueryRow(ctx,
		`SELECT active FROM `+s.tbl("subscriptions")+` WHERE recipient_id = $1 AND user_id = $2`,
		recipientID, userID,
	).Scan(&sub.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, NotFoundError{Op: "chat.Subscription", Resource: "subscription"}
	}
	return sub, err
}

func (s *PostgresStore) ActiveSubscribers(ctx context.Context, recipientID int64) ([]int64, error) {
	return activeSubscribers(ctx, s.pool, s.tbl("subscriptions"), recipientID)
}

func (s *PostgresStore) Subscribers(ctx context.Context, recipientID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+s.tbl("subscriptions")+` WHERE recipient_id = $1 ORDER BY user_id`, recipientID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func activeSubscribers(ctx context.Context, q pgQuerier, table string, recipientID int64) ([]int64, error) {
	rows, err := q.Query(ctx,
		`SELECT user_id FROM `+table+` WHERE recipient_id = $1 AND active ORDER BY user_id`, recipientID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// InTx runs fn in a READ COMMITTED transaction; it is committed only when fn returns nil.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx, s: s}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx pgx.Tx
	s  *PostgresStore
}

func (t *pgTx) FindDuplicate(ctx context.Context, q DuplicateQuery) (int64, bool, error) {
	// Serialize mirrored sends per (sender, recipient) so concurrent duplicates see each other.
	lockKey := "courier:dedupe:" + strconv.FormatInt(q.SenderID, 10) + ":" + strconv.FormatInt(q.RecipientID, 10)
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return 0, false, fmt.Errorf("advisory lock: %w", err)
	}

	var id int64
	err := t.tx.QueryRow(ctx,
		`SELECT id FROM `+t.s.tbl("messages")+`
		  WHERE sender_id = $1 AND recipient_id = $2
		    AND content = $3 AND topic = $4 AND sending_client = $5
		    AND pub_date BETWEEN $6 AND $7
		  ORDER BY id DESC
		  LIMIT 1`,
		q.SenderID, q.RecipientID, q.Content, q.Topic, q.SendingClient,
		q.Timestamp.Add(-q.Window), q.Timestamp.Add(q.Window),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (t *pgTx) InsertMessage(ctx context.Context, m Message) (int64, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	history, err := encodeHistory(m.EditHistory)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO `+t.s.tbl("messages")+` (
		     sender_id, recipient_id, topic, content, rendered_content, sending_client, pub_date, last_edit_time, edit_history
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		m.SenderID, m.RecipientID, m.Topic, m.Content, m.RenderedContent, m.SendingClient, m.Timestamp, m.LastEditTime, history,
	).Scan(&id)
	if isForeignKeyViolation(err) {
		return 0, OpError{Op: "chat.InsertMessage", Kind: ErrInvalidInput, Msg: "unknown sender or recipient"}
	}
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

func (t *pgTx) ActiveSubscribers(ctx context.Context, recipientID int64) ([]int64, error) {
	return activeSubscribers(ctx, t.tx, t.s.tbl("subscriptions"), recipientID)
}

func (t *pgTx) ActiveUserIDs(ctx context.Context, ids []int64) ([]int64, error) {
	rows, err := t.tx.Query(ctx, `SELECT id FROM `+t.s.tbl("users")+` WHERE id = ANY($1) AND active`, ids)
	if err != nil {
		return nil, err
	}
	active, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(active))
	for _, id := range active {
		set[id] = struct{}{}
	}
	out := make([]int64, 0, len(active))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *pgTx) InsertDeliveryRows(ctx context.Context, rows []UserMessage) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{t.s.schema, "user_messages"},
		[]string{"user_id", "message_id", "flags"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return []any{rows[i].UserID, rows[i].MessageID, int64(rows[i].Flags)}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy delivery rows: %w", err)
	}
	return nil
}

func (t *pgTx) LockMessage(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(t.tx.QueryRow(ctx, `SELECT `+messageCols+` FROM `+t.s.tbl("messages")+` m WHERE m.id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, NotFoundError{Op: "chat.LockMessage", Resource: "message"}
	}
	return m, err
}

func (t *pgTx) UpdateMessage(ctx context.Context, m Message) error {
	history, err := encodeHistory(m.EditHistory)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.s.tbl("messages")+`
		    SET topic = $2, content = $3, rendered_content = $4, last_edit_time = $5, edit_history = $6
		  WHERE id = $1`,
		m.ID, m.Topic, m.Content, m.RenderedContent, m.LastEditTime, history,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: "chat.UpdateMessage", Resource: "message"}
	}
	return nil
}

func (s *PostgresStore) MessageByID(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM `+s.tbl("messages")+` m WHERE m.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, NotFoundError{Op: "chat.MessageByID", Resource: "message"}
	}
	return m, err
}

func (s *PostgresStore) DeliveryRows(ctx context.Context, messageID int64) ([]UserMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, message_id, flags FROM `+s.tbl("user_messages")+` WHERE message_id = $1 ORDER BY user_id`, messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserMessage
	for rows.Next() {
		var (
			um    UserMessage
			flags int64
		)
		if err := rows.Scan(&um.UserID, &um.MessageID, &flags); err != nil {
			return nil, err
		}
		um.Flags = Flags(flags)
		out = append(out, um)
	}
	return out, rows.Err()
}

// QueryMessages translates the typed conditions into one parameterized SELECT.
func (s *PostgresStore) QueryMessages(ctx context.Context, q Query) ([]MessageRow, error) {
	args := []any{q.UserID}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	where := make([]string, 0, len(q.Conds)+2)
	if q.MinID > 0 {
		where = append(where, "m.id >= "+arg(q.MinID))
	}
	if q.MaxID > 0 {
		where = append(where, "m.id <= "+arg(q.MaxID))
	}
	for _, c := range q.Conds {
		switch c := c.(type) {
		case CondRecipient:
			where = append(where, "m.recipient_id = "+arg(c.RecipientID))
		case CondTopic:
			where = append(where, "lower(m.topic) = lower("+arg(c.Topic)+")")
		case CondSender:
			where = append(where, "m.sender_id = "+arg(c.SenderID))
		case CondMessageID:
			where = append(where, "m.id = "+arg(c.ID))
		case CondPrivate:
			where = append(where, fmt.Sprintf("r.type IN (%d, %d)", RecipientPersonal, RecipientHuddle))
		case CondFlag:
			op := "<>"
			if !c.Set {
				op = "="
			}
			where = append(where, "(um.flags & "+arg(int64(c.Flag))+") "+op+" 0")
		case CondConversation:
			where = append(where, "((m.sender_id = "+arg(c.SelfID)+" AND m.recipient_id = "+arg(c.OtherRecipientID)+
				") OR (m.sender_id = "+arg(c.OtherID)+" AND m.recipient_id = "+arg(c.SelfRecipientID)+"))")
		case CondSearch:
			for _, n := range c.Needles {
				p := arg("%" + escapeLike(n) + "%")
				where = append(where, "(m.content ILIKE "+p+" OR m.topic ILIKE "+p+")")
			}
		case CondNone:
			where = append(where, "false")
		default:
			return nil, OpError{Op: "chat.QueryMessages", Kind: ErrInvalidInput, Msg: fmt.Sprintf("unsupported condition %T", c)}
		}
	}

	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	sql := `SELECT ` + messageCols + `, um.flags
	          FROM ` + s.tbl("messages") + ` m
	          JOIN ` + s.tbl("user_messages") + ` um ON um.message_id = m.id AND um.user_id = $1
	          JOIN ` + s.tbl("recipients") + ` r ON r.id = m.recipient_id`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY m.id ` + order + ` LIMIT ` + arg(ClampLimit(q.Limit))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]MessageRow, 0, 16)
	for rows.Next() {
		var (
			row     MessageRow
			flags   int64
			history []byte
		)
		if err := rows.Scan(
			&row.ID, &row.SenderID, &row.RecipientID, &row.Topic, &row.Content, &row.RenderedContent,
			&row.SendingClient, &row.Timestamp, &row.LastEditTime, &history, &flags,
		); err != nil {
			return nil, err
		}
		if row.EditHistory, err = decodeHistory(history); err != nil {
			return nil, err
		}
		row.Flags = Flags(flags)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MaxMessageID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM `+s.tbl("messages")).Scan(&id)
	return id, err
}

func (s *PostgresStore) UpdateFlags(ctx context.Context, userID int64, messageIDs []int64, flag Flags, set bool) ([]int64, error) {
	expr := `flags | $3`
	if !set {
		expr = `flags & ~$3::bigint`
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.tbl("user_messages")+` SET flags = `+expr+`
		  WHERE user_id = $1 AND message_id = ANY($2)
		 RETURNING message_id`,
		userID, SortedUniqueIDs(messageIDs), int64(flag),
	)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *PostgresStore) UpdatePointer(ctx context.Context, userID, messageID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.tbl("users")+` SET pointer = $2 WHERE id = $1 AND pointer < $2`, userID, messageID,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.UserByID(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m       Message
		history []byte
	)
	if err := row.Scan(
		&m.ID, &m.SenderID, &m.RecipientID, &m.Topic, &m.Content, &m.RenderedContent,
		&m.SendingClient, &m.Timestamp, &m.LastEditTime, &history,
	); err != nil {
		return Message{}, err
	}
	var err error
	m.EditHistory, err = decodeHistory(history)
	return m, err
}

func encodeHistory(h []Edit) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode edit history: %w", err)
	}
	return b, nil
}

func decodeHistory(b []byte) ([]Edit, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var h []Edit
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("decode edit history: %w", err)
	}
	return h, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func quoteIdent(s string) string { return pgx.Identifier{s}.Sanitize() }

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
