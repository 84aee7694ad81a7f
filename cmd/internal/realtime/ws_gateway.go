// Package realtime streams a user's event queue over WebSocket. It is the push twin of the
// long-poll endpoint: both read the same per-user queue through events.Bus.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"
	"courier/cmd/internal/events"
	"courier/cmd/internal/ids"
	"courier/cmd/internal/metrics"
	v1 "courier/shared/contracts/courier/v1"
)

const (
	wsSubprotocolV1 = "courier.events.v1"

	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

var errBackpressure = errors.New("realtime: send queue full")

// EventSource is the part of events.Bus the gateway streams from.
type EventSource interface {
	WaitSince(ctx context.Context, userID, sinceID int64) (events.Wait, error)
	LastEventID(ctx context.Context, userID int64) (int64, error)
}

// Authenticator resolves the caller of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (chat.User, error)
}

// WSGateway is the WebSocket entrypoint for event streaming.
//
// It enforces origin policy, authentication, subprotocol selection, rate limits and heartbeats.
// After hello{since_id} the session receives every event with a larger id, in order.
type WSGateway struct {
	log   *slog.Logger
	src   EventSource
	authn Authenticator
	cfg   Config

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, src EventSource, authn Authenticator, cfg Config) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()
	return &WSGateway{
		log:            log,
		src:            src,
		authn:          authn,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the event stream.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	user, err := g.authn.Authenticate(r)
	if err != nil {
		var te auth.ThrottledError
		if errors.As(err, &te) {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(te.RetryAfter.Seconds()), 10))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", `Basic realm="courier"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := ids.MustULID(time.Now().UTC())
	client := NewClient(user.ID, sessionID, g.cfg.SendQueueSize)
	metrics.AddWSConnections(1)
	defer metrics.AddWSConnections(-1)
	g.log.Info("ws.open", "session_id", sessionID, "user_id", user.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	var pumpDone chan struct{}

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if ok, wait := rl.Allow(time.Now().UTC()); !ok {
			g.trySendError(ctx, client, "rate_limited", fmt.Sprintf("too many frames; retry in %s", wait.Round(time.Millisecond)))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if pumpDone != nil {
				g.trySendError(ctx, client, "already_streaming", "hello already received")
				continue readLoop
			}
			since, err := g.onHello(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			pumpDone = make(chan struct{})
			go func() {
				defer close(pumpDone)
				if err := g.pump(ctx, client, since); err != nil && ctx.Err() == nil {
					code := streamErrorCode(err)
					g.log.Info("ws.stream.fail", "session_id", sessionID, "user_id", client.UserID, "code", code, "err", err)
					g.trySendError(ctx, client, code, err.Error())
					shutdown(websocket.StatusPolicyViolation, code)
				}
			}()

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	if pumpDone != nil {
		<-pumpDone
	}

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.close", "session_id", sessionID, "user_id", user.ID)
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) (int64, error) {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return 0, fmt.Errorf("invalid payload: %w", err)
	}
	if p.SinceID < 0 {
		return 0, errors.New("since_id must not be negative")
	}

	last, err := g.src.LastEventID(ctx, client.UserID)
	if err != nil {
		return 0, fmt.Errorf("last event id: %w", err)
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.SessionID, LastEventID: last})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, ack) {
		return 0, errors.New("backpressure: hello.ack")
	}
	return p.SinceID, nil
}

// pump forwards the user's events after since until the session ends. It re-reads the queue
// after every wakeup, exactly like the long-poll loop.
func (g *WSGateway) pump(ctx context.Context, client *Client, since int64) error {
	for {
		w, err := g.src.WaitSince(ctx, client.UserID, since)
		if err != nil {
			return err
		}
		if len(w.Events) > 0 {
			payload, err := json.Marshal(v1.EventsPayload{Events: w.Events})
			if err != nil {
				return err
			}
			if !g.enqueue(ctx, client, newEnvelope(v1.TypeEvents, payload, time.Now().UTC())) {
				if ctx.Err() != nil {
					return nil
				}
				return errBackpressure
			}
			since = w.Events[len(w.Events)-1].ID
			continue
		}

		select {
		case <-w.Ready:
			w.Cancel()
		case <-ctx.Done():
			w.Cancel()
			return nil
		case <-client.Done():
			w.Cancel()
			return nil
		}
	}
}

func streamErrorCode(err error) string {
	switch {
	case errors.Is(err, events.ErrQueueTrimmed):
		return "queue_trimmed"
	case errors.Is(err, events.ErrTooManyWaiters):
		return "too_many_waiters"
	case errors.Is(err, errBackpressure):
		return "slow_consumer"
	default:
		return "stream_failed"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, unique hosts of the allowlist.
// websocket.Accept matches OriginPatterns against the origin host.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
