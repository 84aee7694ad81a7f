// Package main provides a CI-friendly smoke test for a running courier server.
//
// It validates:
//   - WebSocket handshake with Basic credentials + subprotocol selection
//   - hello/ack stream establishment
//   - send over HTTP -> new_message event on the receiver's stream
//   - second hello rejected with already_streaming
//   - replay from an earlier since_id returns the same event id
//
// Both accounts must exist and be subscribed to -stream (see COURIER_SEED_FILE).
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "courier/shared/contracts/courier/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "courier.events.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	ackLastID int64
	lastID    int64 // last event id read; starts at the hello since_id

	inbox chan v1.Envelope
	errCh chan error
}

type account struct {
	email string
	key   string
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		sender  = flag.String("sender", "hamlet@zulip.test:hamlet-key", "Sending account as email:api_key")
		recv    = flag.String("receiver", "othello@zulip.test:othello-key", "Receiving account as email:api_key")
		stream  = flag.String("stream", "Verona", "Stream both accounts are subscribed to")
		text    = flag.String("text", "smoke test 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := eventsURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	a := mustAccount("sender", *sender)
	b := mustAccount("receiver", *recv)

	root := context.Background()

	rb := mustConnect(root, "B", wsURL, *origin, b, 0, *timeout)
	defer closeWS(rb.conn)
	if *verbose {
		fmt.Printf("connected: B=%s last_event_id=%d origin=%q\n", rb.sessionID, rb.ackLastID, *origin)
	}

	content := fmt.Sprintf("%s %d", *text, time.Now().UnixNano())
	msgID := mustSend(root, *baseURL, a, *stream, content, *timeout)
	if *verbose {
		fmt.Printf("sent: message_id=%d\n", msgID)
	}

	ev := rb.mustReadNewMessage(root, msgID, *timeout)
	if ev.Message == nil || ev.Message.Content != content {
		fatalf("new_message content mismatch: %+v", ev.Message)
	}
	if !strings.EqualFold(ev.Message.SenderEmail, a.email) {
		fatalf("new_message sender mismatch: got=%q want=%q", ev.Message.SenderEmail, a.email)
	}

	mustWriteWithTimeout(root, rb.conn, hello("B-again", 0), *timeout)
	errEnv := rb.mustReadUntilType(root, v1.TypeError, *timeout, map[string]struct{}{v1.TypeEvents: {}})
	var ep v1.ErrorPayload
	_ = json.Unmarshal(errEnv.Payload, &ep)
	if ep.Code != "already_streaming" {
		fatalf("second hello: got error code %q want already_streaming", ep.Code)
	}

	replay := mustConnect(root, "B2", wsURL, *origin, b, ev.ID-1, *timeout)
	defer closeWS(replay.conn)
	batch := replay.mustReadUntilType(root, v1.TypeEvents, *timeout, nil)
	var p v1.EventsPayload
	if err := json.Unmarshal(batch.Payload, &p); err != nil {
		fatalf("unmarshal events payload: %v", err)
	}
	if len(p.Events) == 0 || p.Events[0].ID != ev.ID {
		fatalf("replay from %d: want first event %d, got %+v", ev.ID-1, ev.ID, p.Events)
	}

	fmt.Printf("OK: B=%s B2=%s message_id=%d event_id=%d\n", rb.sessionID, replay.sessionID, msgID, ev.ID)
}

func mustAccount(flagName, raw string) account {
	email, key, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(email) == "" || key == "" {
		fatalf("invalid -%s: expected email:api_key", flagName)
	}
	return account{email: strings.TrimSpace(email), key: key}
}

func (a account) authHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(a.email+":"+a.key))
}

func eventsURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path += "/ws/events"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func hello(id string, since int64) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{SinceID: since}),
	}
}

func mustConnect(parent context.Context, name, wsURL, origin string, acct account, since int64, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", acct.authHeader())
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, hello(name+"-hello", since), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.ackLastID = p.LastEventID
	c.lastID = since
	return c
}

func mustSend(parent context.Context, base string, acct account, stream, content string, stepTimeout time.Duration) int64 {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body := mustJSON(v1.SendMessageRequest{
		Type:    v1.MessageTypeStream,
		To:      v1.Recipients{stream},
		Subject: "smoke",
		Content: content,
		Client:  "ws-smoke",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/api/v1/messages", bytes.NewReader(body))
	if err != nil {
		fatalf("build send request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", acct.authHeader())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("send: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var er v1.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		fatalf("send: status=%d code=%q msg=%q", resp.StatusCode, er.Error.Code, er.Error.Message)
	}
	var out v1.SendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("decode send response: %v", err)
	}
	if out.ID <= 0 {
		fatalf("send returned invalid id %d", out.ID)
	}
	return out.ID
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustReadNewMessage reads event batches until the new_message for messageID shows up.
// Event ids must increase by exactly one across batches.
func (c *smokeClient) mustReadNewMessage(parent context.Context, messageID int64, stepTimeout time.Duration) v1.Event {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, v1.TypeEvents, stepTimeout, nil)
		var p v1.EventsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal events payload (%s): %v", c.name, err)
		}
		for _, ev := range p.Events {
			if ev.ID != c.lastID+1 {
				fatalf("event id gap (%s): got=%d want=%d", c.name, ev.ID, c.lastID+1)
			}
			c.lastID = ev.ID
			if ev.Type == v1.EventNewMessage && ev.MessageID == messageID {
				return ev
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	return b
}

func closeWS(c *websocket.Conn) {
	if c == nil {
		return
	}
	_ = c.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
