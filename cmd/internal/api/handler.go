// Package api serves the courier HTTP+JSON RPC surface: sending and editing messages,
// long-polling for events, narrowed message history, flags, subscriptions and the pointer.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"
	"courier/cmd/internal/fanout"
	"courier/cmd/internal/longpoll"
	"courier/cmd/internal/narrow"
	"courier/cmd/internal/recipient"
	v1 "courier/shared/contracts/courier/v1"
)

const defaultClient = "API"

// Handler wires HTTP endpoints to the fan-out engine, the long-poll dispatcher and narrows.
type Handler struct {
	log *slog.Logger
	cfg Config

	store    chat.Store
	engine   *fanout.Engine
	polls    *longpoll.Dispatcher
	narrower *narrow.Narrower
	authn    *auth.Authenticator
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if h == nil || l == nil {
			return
		}
		h.log = l
	}
}

// WithNarrower overrides the narrower built from the store and the engine's resolver.
func WithNarrower(n *narrow.Narrower) HandlerOption {
	return func(h *Handler) {
		if h == nil || n == nil {
			return
		}
		h.narrower = n
	}
}

// NewHandler constructs a Handler.
func NewHandler(store chat.Store, engine *fanout.Engine, polls *longpoll.Dispatcher, authn *auth.Authenticator, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if store == nil || engine == nil || polls == nil || authn == nil {
		return nil, errors.New("api: missing dependency")
	}
	h := &Handler{
		log:    slog.Default(),
		cfg:    cfg.normalized(),
		store:  store,
		engine: engine,
		polls:  polls,
		authn:  authn,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	if h.narrower == nil {
		h.narrower = narrow.NewNarrower(store, narrow.NewBuilder(store, engine.Resolver()))
	}
	return h, nil
}

// Register wires API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api/v1/messages", h.handleMessages)
	mux.HandleFunc("/api/v1/messages/", h.handleMessageByID)
	mux.HandleFunc("/api/v1/messages/flags", h.handleFlags)
	mux.HandleFunc("/api/v1/events", h.handleEvents)
	mux.HandleFunc("/api/v1/subscriptions", h.handleSubscriptions)
	mux.HandleFunc("/api/v1/pointer", h.handlePointer)
}

// ---- handlers ----

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleSend(w, r)
	case http.MethodGet:
		h.handleHistory(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req v1.SendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	kind, err := recipient.ParseKind(req.Type)
	if err != nil {
		h.writeFailure(w, "api.send", err)
		return
	}

	ctx := r.Context()
	sender, err := h.senderFor(ctx, caller, req.Sender)
	if err != nil {
		h.writeFailure(w, "api.send", err)
		return
	}

	client := strings.TrimSpace(req.Client)
	if client == "" {
		client = defaultClient
	}
	draft := fanout.Draft{
		SenderID: sender.ID,
		Kind:     kind,
		To:       req.To,
		Topic:    req.Subject,
		Content:  req.Content,
		Client:   fanout.Client{Name: client, Mirror: isMirrorClient(client) && caller.CanForward},
		Forged:   req.Forged,
	}
	if sender.ID != caller.ID {
		draft.ForwarderID = caller.ID
	}
	if req.Timestamp != nil {
		draft.Timestamp = time.Unix(*req.Timestamp, 0).UTC()
	}

	res, err := h.engine.Send(ctx, draft)
	if err != nil {
		h.writeFailure(w, "api.send", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.SendMessageResponse{ID: res.MessageID})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var terms []narrow.Term
	if raw := strings.TrimSpace(q.Get("narrow")); raw != "" {
		parsed, err := parseNarrow(raw)
		if err != nil {
			h.writeFailure(w, "api.messages", err)
			return
		}
		terms = parsed
	}

	win := narrow.Window{Before: h.cfg.DefaultBefore, After: h.cfg.DefaultAfter}
	var err error
	if win.Anchor, err = parseAnchor(q.Get("anchor"), caller.Pointer); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if win.Before, err = parseCount(q.Get("num_before"), win.Before); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "num_before: "+err.Error())
		return
	}
	if win.After, err = parseCount(q.Get("num_after"), win.After); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "num_after: "+err.Error())
		return
	}

	ctx := r.Context()
	matches, err := h.narrower.Messages(ctx, caller, terms, win)
	if err != nil {
		h.writeFailure(w, "api.messages", err)
		return
	}
	rows := make([]chat.MessageRow, len(matches))
	for i, m := range matches {
		rows[i] = m.MessageRow
	}
	msgs, err := h.engine.Presenter().Messages(ctx, rows)
	if err != nil {
		h.writeFailure(w, "api.messages", err)
		return
	}
	for i := range msgs {
		msgs[i].MatchContent = matches[i].MatchContent
		msgs[i].MatchSubject = matches[i].MatchTopic
	}
	writeJSON(w, http.StatusOK, v1.MessagesResponse{Messages: msgs, Anchor: win.Anchor})
}

func (h *Handler) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/v1/messages/"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	caller, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req v1.EditMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	ctx := r.Context()
	msg, err := h.engine.Edit(ctx, fanout.Edit{
		UserID:    caller.ID,
		MessageID: id,
		Content:   req.Content,
		Topic:     req.Subject,
	})
	if err != nil {
		h.writeFailure(w, "api.edit", err)
		return
	}

	rows, err := h.store.QueryMessages(ctx, chat.Query{
		UserID: caller.ID,
		Conds:  []chat.Cond{chat.CondMessageID{ID: msg.ID}},
		Limit:  1,
	})
	if err != nil {
		h.writeFailure(w, "api.edit", err)
		return
	}
	if len(rows) == 0 {
		rows = []chat.MessageRow{{Message: msg}}
	}
	out, err := h.engine.Presenter().Messages(ctx, rows)
	if err != nil {
		h.writeFailure(w, "api.edit", err)
		return
	}
	writeJSON(w, http.StatusOK, out[0])
}

func (h *Handler) handleFlags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req v1.UpdateFlagsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	updated, err := h.engine.UpdateFlags(r.Context(), caller.ID, req.Messages, req.Flag, req.Op)
	if err != nil {
		h.writeFailure(w, "api.flags", err)
		return
	}
	if updated == nil {
		updated = []int64{}
	}
	writeJSON(w, http.StatusOK, v1.UpdateFlagsResponse{Messages: updated})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	since, err := parseSinceID(q.Get("since_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "since_id: "+err.Error())
		return
	}
	timeout, err := parseTimeout(q.Get("timeout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "timeout: "+err.Error())
		return
	}

	res, err := h.polls.Poll(r.Context(), caller.ID, since, timeout)
	if err != nil {
		h.writeFailure(w, "api.events", err)
		return
	}
	if res.State == longpoll.StateClientDisconnected {
		return
	}
	evs := res.Events
	if evs == nil {
		evs = []v1.Event{}
	}
	writeJSON(w, http.StatusOK, v1.GetEventsResponse{Events: evs, LastEventID: res.LastEventID})
}

func (h *Handler) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req v1.SubscriptionsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if len(req.Streams) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "streams required")
		return
	}

	var (
		changed, unchanged []string
		err                error
	)
	if r.Method == http.MethodPost {
		changed, unchanged, err = h.engine.Subscribe(r.Context(), caller.ID, req.Streams)
	} else {
		changed, unchanged, err = h.engine.Unsubscribe(r.Context(), caller.ID, req.Streams)
	}
	if err != nil {
		h.writeFailure(w, "api.subscriptions", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.SubscriptionsResponse{Changed: nonNil(changed), Unchanged: nonNil(unchanged)})
}

func (h *Handler) handlePointer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, v1.PointerRequest{Pointer: caller.Pointer})
		return
	}

	var req v1.PointerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if _, err := h.engine.UpdatePointer(r.Context(), caller.ID, req.Pointer); err != nil {
		h.writeFailure(w, "api.pointer", err)
		return
	}
	u, err := h.store.UserByID(r.Context(), caller.ID)
	if err != nil {
		h.writeFailure(w, "api.pointer", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.PointerRequest{Pointer: u.Pointer})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (chat.User, bool) {
	u, err := h.authn.Authenticate(r)
	if err == nil {
		return u, true
	}
	var te auth.ThrottledError
	switch {
	case errors.As(err, &te):
		writeRateLimited(w, te.RetryAfter)
	case errors.Is(err, auth.ErrMissingCredentials), errors.Is(err, auth.ErrInvalidCredentials):
		w.Header().Set("WWW-Authenticate", `Basic realm="courier"`)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
	default:
		h.log.Error("api.auth.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
	return chat.User{}, false
}

// senderFor resolves who a message is sent as. Only forwarding agents may name another sender;
// an unknown sender email becomes an inactive mirror dummy in the realm its domain maps to.
func (h *Handler) senderFor(ctx context.Context, caller chat.User, email string) (chat.User, error) {
	email = chat.NormalizeEmail(email)
	if email == "" || email == caller.Email {
		return caller, nil
	}
	if !caller.CanForward {
		return chat.User{}, chat.ErrNotAuthorized.Withf("cannot send on behalf of %s", email)
	}
	u, err := h.store.UserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !chat.IsNotFound(err) {
		return chat.User{}, err
	}
	realmID := caller.RealmID
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		if realm, err := h.store.RealmByDomain(ctx, email[at+1:]); err == nil {
			realmID = realm.ID
		}
	}
	return h.store.CreateMirrorUser(ctx, realmID, email)
}

func isMirrorClient(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), "_mirror")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
