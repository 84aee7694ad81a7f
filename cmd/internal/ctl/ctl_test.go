package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "courier/shared/contracts/courier/v1"
)

// fakeServer records requests and answers from canned handlers.
type fakeServer struct {
	mu   sync.Mutex
	reqs []*http.Request
	body map[string][]byte
}

func newFakeServer(t *testing.T, routes map[string]http.HandlerFunc) (*httptest.Server, *fakeServer) {
	t.Helper()
	fs := &fakeServer{body: map[string][]byte{}}
	mux := http.NewServeMux()
	for pattern, h := range routes {
		h := h
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			email, key, ok := r.BasicAuth()
			if !ok || email != "hamlet@zulip.test" || key != "k" {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(v1.ErrorResponse{Error: v1.ErrorPayload{Code: "unauthorized", Message: "bad credentials"}})
				return
			}
			var buf bytes.Buffer
			_, _ = buf.ReadFrom(r.Body)
			fs.mu.Lock()
			fs.reqs = append(fs.reqs, r)
			fs.body[r.Method+" "+r.URL.Path] = buf.Bytes()
			fs.mu.Unlock()
			h(w, r)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, fs
}

func runCmd(t *testing.T, srvURL string, args ...string) (string, error) {
	t.Helper()
	root := NewRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", srvURL, "--email", "hamlet@zulip.test", "--api-key", "k"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSendCommand_Stream(t *testing.T) {
	srv, fs := newFakeServer(t, map[string]http.HandlerFunc{
		"POST /api/v1/messages": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(v1.SendMessageResponse{ID: 42})
		},
	})

	out, err := runCmd(t, srv.URL, "send", "--stream", "Verona", "--subject", "greetings", "hello there")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": 42`)

	var req v1.SendMessageRequest
	require.NoError(t, json.Unmarshal(fs.body["POST /api/v1/messages"], &req))
	assert.Equal(t, v1.MessageTypeStream, req.Type)
	assert.Equal(t, []string{"Verona"}, []string(req.To))
	assert.Equal(t, "greetings", req.Subject)
	assert.Equal(t, "hello there", req.Content)
	assert.Equal(t, ClientName, req.Client)
}

func TestSendCommand_RequiresOneDestination(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"send", "hi"},
		{"send", "--stream", "Verona", "--to", "a@b.c", "hi"},
	} {
		_, err := runCmd(t, "http://127.0.0.1:1", args...)
		require.Error(t, err, "%v", args)
	}
}

func TestClient_APIError(t *testing.T) {
	t.Parallel()

	srv, _ := newFakeServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/events": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusGone)
			_ = json.NewEncoder(w).Encode(v1.ErrorResponse{Error: v1.ErrorPayload{Code: "queue_trimmed", Message: "gone"}, LastEventID: 42})
		},
	})

	c := NewClient(srv.URL, "hamlet@zulip.test", "k", time.Second)
	_, err := c.Events(context.Background(), 5, time.Second)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusGone))
	assert.Contains(t, err.Error(), "queue_trimmed")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, int64(42), ae.LastEventID)

	err = pollLoop(context.Background(), c, 5, time.Second, func([]v1.Event) (bool, error) { return true, nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--since 42")

	bad := NewClient(srv.URL, "hamlet@zulip.test", "nope", time.Second)
	_, err = bad.Pointer(context.Background(), 0)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}

func TestPollLoop_AdvancesSinceAndRetriesTimeouts(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		sinces []string
	)
	srv, _ := newFakeServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/events": func(w http.ResponseWriter, r *http.Request) {
			since := r.URL.Query().Get("since_id")
			mu.Lock()
			sinces = append(sinces, since)
			n := len(sinces)
			mu.Unlock()

			resp := v1.GetEventsResponse{Events: []v1.Event{}}
			switch n {
			case 1:
				resp.LastEventID = 0
			case 2:
				resp.Events = []v1.Event{{ID: 1, Type: v1.EventPointer}, {ID: 2, Type: v1.EventPointer}}
				resp.LastEventID = 2
			default:
				resp.Events = []v1.Event{{ID: 3, Type: v1.EventPointer}}
				resp.LastEventID = 3
			}
			_ = json.NewEncoder(w).Encode(resp)
		},
	})

	c := NewClient(srv.URL, "hamlet@zulip.test", "k", time.Second)
	var got []int64
	err := pollLoop(context.Background(), c, 0, time.Second, func(evs []v1.Event) (bool, error) {
		for _, ev := range evs {
			got = append(got, ev.ID)
		}
		return len(got) < 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, []string{"0", "0", "2"}, sinces)
}

func TestPollCommand_Max(t *testing.T) {
	srv, _ := newFakeServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/events": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(v1.GetEventsResponse{
				Events:      []v1.Event{{ID: 1, Type: v1.EventPointer, Pointer: 7}, {ID: 2, Type: v1.EventPointer, Pointer: 8}},
				LastEventID: 2,
			})
		},
	})

	out, err := runCmd(t, srv.URL, "poll", "--max", "1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"pointer":7`)
}

func TestMessagesCommand_Narrow(t *testing.T) {
	srv, fs := newFakeServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/messages": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(v1.MessagesResponse{Messages: []v1.Message{}, Anchor: 0})
		},
	})

	_, err := runCmd(t, srv.URL, "messages", "--narrow", "stream:Verona", "--narrow", "search:noon", "--before", "5")
	require.NoError(t, err)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.reqs, 1)
	q := fs.reqs[0].URL.Query()
	assert.Equal(t, `[["stream","Verona"],["search","noon"]]`, q.Get("narrow"))
	assert.Equal(t, "5", q.Get("num_before"))
	assert.Equal(t, "newest", q.Get("anchor"))
}

func TestParseNarrowFlags(t *testing.T) {
	t.Parallel()

	got, err := parseNarrowFlags([]string{"pm-with:a@x.com,b@x.com", "search:with:colon"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"pm-with", "a@x.com,b@x.com"}, {"search", "with:colon"}}, got)

	_, err = parseNarrowFlags([]string{"nocolon"})
	require.Error(t, err)
}

func TestMissingCredentials(t *testing.T) {
	t.Setenv(EnvEmail, "")
	t.Setenv(EnvAPIKey, "")

	root := NewRoot()
	root.SetArgs([]string{"pointer"})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	require.ErrorIs(t, err, errMissingCredentials)
}

func TestGenKeyCommand(t *testing.T) {
	t.Setenv("COURIER_APIKEY_HMAC_KEY", "")

	root := NewRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"genkey"})
	require.NoError(t, root.Execute())

	var got struct {
		APIKey string `json:"api_key"`
		Digest string `json:"digest"`
		HMAC   bool   `json:"hmac"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Len(t, got.APIKey, 32)
	assert.Len(t, got.Digest, 64)
	assert.False(t, got.HMAC)
}
