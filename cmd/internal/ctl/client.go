// Package ctl contains the courierctl commands and the small HTTP client they share.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	v1 "courier/shared/contracts/courier/v1"
)

// ClientName is reported as the sending client for messages sent from the CLI.
const ClientName = "courierctl"

// APIError is a non-2xx response from the server. LastEventID is set on queue_trimmed.
type APIError struct {
	Status      int
	Code        string
	Message     string
	LastEventID int64
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("courier: http %d", e.Status)
	}
	return fmt.Sprintf("courier: %s (%d): %s", e.Code, e.Status, e.Message)
}

// Client calls the courier HTTP RPCs with Basic credentials.
type Client struct {
	BaseURL string
	Email   string
	APIKey  string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL. The HTTP timeout must exceed the longest poll.
func NewClient(baseURL, email, apiKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Email:   email,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Send posts a message and returns its id.
func (c *Client) Send(ctx context.Context, req v1.SendMessageRequest) (int64, error) {
	if req.Client == "" {
		req.Client = ClientName
	}
	var out v1.SendMessageResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages", nil, req, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// Events long-polls for events newer than sinceID.
func (c *Client) Events(ctx context.Context, sinceID int64, timeout time.Duration) (v1.GetEventsResponse, error) {
	q := url.Values{}
	q.Set("since_id", strconv.FormatInt(sinceID, 10))
	if timeout > 0 {
		q.Set("timeout", timeout.String())
	}
	var out v1.GetEventsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/events", q, nil, &out)
	return out, err
}

// HistoryQuery selects a window of narrowed messages.
type HistoryQuery struct {
	Narrow    [][]string
	Anchor    string
	NumBefore int
	NumAfter  int
}

// Messages fetches message history.
func (c *Client) Messages(ctx context.Context, hq HistoryQuery) (v1.MessagesResponse, error) {
	q := url.Values{}
	if len(hq.Narrow) > 0 {
		b, err := json.Marshal(hq.Narrow)
		if err != nil {
			return v1.MessagesResponse{}, err
		}
		q.Set("narrow", string(b))
	}
	if hq.Anchor != "" {
		q.Set("anchor", hq.Anchor)
	}
	q.Set("num_before", strconv.Itoa(hq.NumBefore))
	q.Set("num_after", strconv.Itoa(hq.NumAfter))

	var out v1.MessagesResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/messages", q, nil, &out)
	return out, err
}

// Subscribe activates (or with remove, deactivates) stream subscriptions.
func (c *Client) Subscribe(ctx context.Context, streams []string, remove bool) (v1.SubscriptionsResponse, error) {
	method := http.MethodPost
	if remove {
		method = http.MethodDelete
	}
	var out v1.SubscriptionsResponse
	err := c.do(ctx, method, "/api/v1/subscriptions", nil, v1.SubscriptionsRequest{Streams: streams}, &out)
	return out, err
}

// Pointer reads the pointer, or moves it forward when to > 0.
func (c *Client) Pointer(ctx context.Context, to int64) (int64, error) {
	var out v1.PointerRequest
	var err error
	if to > 0 {
		err = c.do(ctx, http.MethodPut, "/api/v1/pointer", nil, v1.PointerRequest{Pointer: to}, &out)
	} else {
		err = c.do(ctx, http.MethodGet, "/api/v1/pointer", nil, nil, &out)
	}
	return out.Pointer, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.Email, c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		var er v1.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&er); err == nil {
			apiErr.Code = er.Error.Code
			apiErr.Message = er.Error.Message
			apiErr.LastEventID = er.LastEventID
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == status
}
