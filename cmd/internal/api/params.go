package api

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/narrow"
)

// parseNarrow accepts the wire form [["stream","Verona"],["search","noon"]].
func parseNarrow(raw string) ([]narrow.Term, error) {
	var lists [][]string
	if err := json.Unmarshal([]byte(raw), &lists); err != nil {
		return nil, narrow.BadNarrowOperandError{Operator: "narrow", Operand: raw, Reason: "expected a JSON list of [operator, operand] pairs"}
	}
	return narrow.ParseLists(lists)
}

// parseAnchor maps the anchor parameter to a message id. Absent means the caller's pointer
// (or the newest message when the pointer is unset); 0 always means newest.
func parseAnchor(raw string, pointer int64) (int64, error) {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "":
		if pointer > 0 {
			return pointer, nil
		}
		return 0, nil
	case "newest":
		return 0, nil
	case "oldest", "first_unread":
		if v == "first_unread" && pointer > 0 {
			return pointer, nil
		}
		return 1, nil
	default:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, errors.New("anchor: expected a message id, newest or oldest")
		}
		return n, nil
	}
}

func parseCount(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return min(def, chat.MaxQueryLimit), nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("expected a non-negative integer")
	}
	return min(n, chat.MaxQueryLimit), nil
}

func parseSinceID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("expected a non-negative integer")
	}
	return n, nil
}

// parseTimeout accepts whole seconds ("30") or a Go duration ("1m30s"). Zero means the server default.
func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 {
			return 0, errors.New("must not be negative")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, errors.New("expected seconds or a duration")
	}
	return d, nil
}
