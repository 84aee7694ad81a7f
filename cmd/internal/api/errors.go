package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/events"
	v1 "courier/shared/contracts/courier/v1"
)

// statusForCategory maps domain error categories to HTTP statuses.
func statusForCategory(c chat.Category) int {
	switch c {
	case chat.CategoryAuthorization:
		return http.StatusForbidden
	case chat.CategoryRendering:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// writeFailure turns an operation error into the structured error body.
func (h *Handler) writeFailure(w http.ResponseWriter, op string, err error) {
	var coded chat.Coded
	var opErr chat.OpError
	var trimmed *events.TrimmedError
	switch {
	case errors.As(err, &coded):
		writeCategorized(w, statusForCategory(coded.Category()), coded.Code(), coded.Error(), string(coded.Category()))
	case errors.As(err, &trimmed):
		writeJSON(w, http.StatusGone, v1.ErrorResponse{
			Error:       v1.ErrorPayload{Code: "queue_trimmed", Message: "events were trimmed past since_id; reload state and poll from last_event_id"},
			LastEventID: trimmed.LastID,
		})
	case errors.Is(err, events.ErrQueueTrimmed):
		writeError(w, http.StatusGone, "queue_trimmed", "events were trimmed past since_id; reload state")
	case errors.Is(err, events.ErrTooManyWaiters):
		writeRateLimited(w, h.cfg.WaiterRetryAfter)
	case chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, chat.ErrInvalidInput):
		msg := "invalid input"
		if errors.As(err, &opErr) && opErr.Msg != "" {
			msg = opErr.Msg
		}
		writeError(w, http.StatusBadRequest, "invalid_input", msg)
	case errors.Is(err, chat.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not_authorized", "not authorized")
	case errors.Is(err, context.Canceled):
		h.log.Debug(op+".canceled", "err", err)
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}
