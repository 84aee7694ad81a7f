package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when COURIER_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_GetOrCreateStream_ConcurrentSingleRow(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	realm, err := store.CreateRealm(ctx, Realm{Domain: "it-" + randHex(4) + ".example"})
	if err != nil {
		t.Fatalf("create realm: %v", err)
	}

	const n = 8
	ids := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, rcp, _, err := store.GetOrCreateStream(ctx, StreamSpec{RealmID: realm.ID, Name: "Race"})
			ids[i], errs[i] = rcp.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("recipient mismatch: %d vs %d", ids[i], ids[0])
		}
	}

	var cnt int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+pgIdent(schema, "streams")).Scan(&cnt); err != nil {
		t.Fatalf("count streams: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("expected 1 stream row, got %d", cnt)
	}
}

func TestPostgresStore_Send_Query_Flags(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	realm, err := store.CreateRealm(ctx, Realm{Domain: "it-" + randHex(4) + ".example"})
	if err != nil {
		t.Fatalf("create realm: %v", err)
	}
	alice, err := store.CreateUser(ctx, User{RealmID: realm.ID, Email: "alice-" + randHex(4) + "@example.com", Active: true})
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := store.CreateUser(ctx, User{RealmID: realm.ID, Email: "bob-" + randHex(4) + "@example.com", Active: true})
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}

	_, hrcp, created, err := store.GetOrCreateHuddle(ctx, []int64{bob.ID, alice.ID})
	if err != nil || !created {
		t.Fatalf("create huddle: created=%v err=%v", created, err)
	}
	_, again, created, err := store.GetOrCreateHuddle(ctx, []int64{alice.ID, bob.ID})
	if err != nil || created || again.ID != hrcp.ID {
		t.Fatalf("huddle must be stable: created=%v id=%d want=%d err=%v", created, again.ID, hrcp.ID, err)
	}

	ts := time.Now().UTC().Truncate(time.Microsecond)
	var id int64
	err = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		id, err = tx.InsertMessage(ctx, Message{
			SenderID: alice.ID, RecipientID: hrcp.ID, Content: "hello 100%", RenderedContent: "<p>hello 100%</p>",
			SendingClient: "website", Timestamp: ts,
		})
		if err != nil {
			return err
		}
		users, err := tx.ActiveSubscribers(ctx, hrcp.ID)
		if err != nil {
			return err
		}
		rows := make([]UserMessage, 0, len(users))
		for _, uid := range users {
			rows = append(rows, UserMessage{UserID: uid, MessageID: id})
		}
		return tx.InsertDeliveryRows(ctx, rows)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	err = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		dup, ok, err := tx.FindDuplicate(ctx, DuplicateQuery{
			SenderID: alice.ID, RecipientID: hrcp.ID, Content: "hello 100%", SendingClient: "website",
			Timestamp: ts.Add(5 * time.Second), Window: 10 * time.Second,
		})
		if err != nil {
			return err
		}
		if !ok || dup != id {
			t.Fatalf("expected duplicate %d, got ok=%v id=%d", id, ok, dup)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("dedupe tx: %v", err)
	}

	rows, err := store.QueryMessages(ctx, Query{UserID: bob.ID, Conds: []Cond{CondPrivate{}, CondSearch{Needles: []string{"100%"}}}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != id {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	updated, err := store.UpdateFlags(ctx, bob.ID, []int64{id}, FlagRead, true)
	if err != nil || len(updated) != 1 {
		t.Fatalf("update flags: %v %v", updated, err)
	}
	rows, err = store.QueryMessages(ctx, Query{UserID: bob.ID, Conds: []Cond{CondFlag{Flag: FlagRead, Set: false}}})
	if err != nil {
		t.Fatalf("query unread: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no unread rows, got %d", len(rows))
	}

	maxID, err := store.MaxMessageID(ctx)
	if err != nil || maxID != id {
		t.Fatalf("max id: %d %v", maxID, err)
	}
}

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	if err := ApplySchema(ctx, pool, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("COURIER_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: COURIER_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "courier_it_" + randHex(8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
