package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coder/websocket"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"
	"courier/cmd/internal/events"
	"courier/cmd/security/apikey"
	v1 "courier/shared/contracts/courier/v1"
)

type wsFixture struct {
	srv   *httptest.Server
	bus   *events.Bus
	log   *events.MemoryLog
	alice chat.User
}

func newWSFixture(t *testing.T, cfg Config) *wsFixture {
	t.Helper()
	ctx := context.Background()

	store := chat.NewInMemoryStore()
	keys := apikey.NewHasher(nil)
	realm, err := store.CreateRealm(ctx, chat.Realm{Domain: "x.com"})
	if err != nil {
		t.Fatalf("CreateRealm: %v", err)
	}
	alice, err := store.CreateUser(ctx, chat.User{RealmID: realm.ID, Email: "alice@x.com", Active: true, APIKeyHash: keys.Hash("alice-key")})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	log := events.NewMemoryLog()
	bus := events.NewBus(log, nil)
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("bus.Start: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := NewWSGateway(logger, bus, auth.NewAuthenticator(store, keys, auth.DefaultConfig()), cfg)
	mux := http.NewServeMux()
	mux.Handle("/ws/events", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &wsFixture{srv: srv, bus: bus, log: log, alice: alice}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OriginRequired = false
	return cfg
}

func (f *wsFixture) dial(t *testing.T, origin, user, key string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u, err := url.Parse(f.srv.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws/events"

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	if user != "" {
		r := &http.Request{Header: http.Header{}}
		r.SetBasicAuth(user, key)
		h.Set("Authorization", r.Header.Get("Authorization"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
}

func (f *wsFixture) publish(t *testing.T, content string) {
	t.Helper()
	err := f.bus.Publish(context.Background(), []int64{f.alice.ID}, v1.Event{
		Type:    v1.EventNewMessage,
		Message: &v1.Message{Content: content},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func hello(t *testing.T, conn *websocket.Conn, since int64) {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      "hello-1",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.HelloPayload{SinceID: since}),
	})
}

func TestWSGateway_RejectsUnauthenticated(t *testing.T) {
	f := newWSFixture(t, testConfig())

	for _, key := range []string{"", "wrong"} {
		user := ""
		if key != "" {
			user = "alice@x.com"
		}
		_, resp, err := f.dial(t, "", user, key)
		if err == nil {
			t.Fatalf("expected dial failure (key=%q)", key)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %+v", resp)
		}
	}
}

func TestWSGateway_RejectsForeignOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.OriginRequired = true
	f := newWSFixture(t, cfg)

	_, resp, err := f.dial(t, "https://evil.example", "alice@x.com", "alice-key")
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestWSGateway_ReplaysThenStreams(t *testing.T) {
	f := newWSFixture(t, testConfig())
	f.publish(t, "one")
	f.publish(t, "two")

	conn, resp, err := f.dial(t, "", "alice@x.com", "alice-key")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	hello(t, conn, 1)

	ackEnv := readUntilType(t, conn, v1.TypeHelloAck, 2)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(ack.SessionID) != 26 {
		t.Fatalf("expected ULID session id, got %q", ack.SessionID)
	}
	if ack.LastEventID != 2 {
		t.Fatalf("last_event_id: got %d want 2", ack.LastEventID)
	}

	got := readEvents(t, conn)
	if len(got) != 1 || got[0].ID != 2 || got[0].Message.Content != "two" {
		t.Fatalf("unexpected replay: %+v", got)
	}

	f.publish(t, "three")
	got = readEvents(t, conn)
	if len(got) != 1 || got[0].ID != 3 || got[0].Message.Content != "three" {
		t.Fatalf("unexpected live batch: %+v", got)
	}

	hello(t, conn, 0)
	errEnv := readUntilType(t, conn, v1.TypeError, 2)
	var p v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if p.Code != "already_streaming" {
		t.Fatalf("error code: %q", p.Code)
	}
}

func TestWSGateway_TrimmedQueueClosesStream(t *testing.T) {
	f := newWSFixture(t, testConfig())
	for _, c := range []string{"a", "b", "c"} {
		f.publish(t, c)
	}
	if _, err := f.log.Trim(context.Background(), f.alice.ID, 1, time.Time{}); err != nil {
		t.Fatalf("Trim: %v", err)
	}

	conn, resp, err := f.dial(t, "", "alice@x.com", "alice-key")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	hello(t, conn, 0)
	_ = readUntilType(t, conn, v1.TypeHelloAck, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
				t.Fatalf("expected policy violation close, got %v", err)
			}
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == v1.TypeEvents {
			t.Fatalf("no events expected from a trimmed queue")
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost:3000", "https://App.example.com", "*", "localhost"})
	want := []string{"app.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("COURIER_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("COURIER_WS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("COURIER_WS_SEND_QUEUE", "4")
	t.Setenv("COURIER_WS_HEARTBEAT_INTERVAL", "10s")

	cfg := LoadConfigFromEnv()
	if cfg.OriginRequired {
		t.Fatalf("OriginRequired should be false")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins: %v", cfg.AllowedOrigins)
	}
	if cfg.SendQueueSize != wsMinSendQueueSize {
		t.Fatalf("SendQueueSize not clamped: %d", cfg.SendQueueSize)
	}
	if cfg.HeartbeatEvery != 10*time.Second {
		t.Fatalf("HeartbeatEvery: %v", cfg.HeartbeatEvery)
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Second)

	tests := []struct {
		at       time.Duration
		wantOK   bool
		wantWait time.Duration
	}{
		{at: 0, wantOK: true},
		{at: 100 * time.Millisecond, wantOK: true},
		{at: 200 * time.Millisecond, wantOK: false, wantWait: 800 * time.Millisecond},
		{at: 1100 * time.Millisecond, wantOK: true},
		{at: 1150 * time.Millisecond, wantOK: true},
		{at: 1200 * time.Millisecond, wantOK: false, wantWait: 900 * time.Millisecond},
	}
	for i, tc := range tests {
		ok, wait := rl.Allow(now.Add(tc.at))
		if ok != tc.wantOK {
			t.Fatalf("step %d at %s: ok=%v want=%v", i, tc.at, ok, tc.wantOK)
		}
		if !ok && wait != tc.wantWait {
			t.Fatalf("step %d at %s: wait=%s want=%s", i, tc.at, wait, tc.wantWait)
		}
	}
}

// ---- helpers ----

func readEvents(t *testing.T, conn *websocket.Conn) []v1.Event {
	t.Helper()
	env := readUntilType(t, conn, v1.TypeEvents, 4)
	var p v1.EventsPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	return p.Events
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}
