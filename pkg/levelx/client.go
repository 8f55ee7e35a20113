// Package levelx is a Go client for the levelx-trader HTTP API.
package levelx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"levelx/internal/api"
	"levelx/internal/domain"
	"levelx/internal/engine"
	"levelx/internal/levels"
)

// Client talks to a running levelx-trader.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new levelx API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("levelx api: %d %s", e.StatusCode, e.Message)
}

// OrderFilter selects orders. Zero fields match everything.
type OrderFilter struct {
	AccountID int64
	State     domain.OrderState
	Open      bool
}

// EventFilter selects journal events. Zero fields match everything.
type EventFilter struct {
	Kind      domain.EventKind
	AccountID int64
	Contract  string
	Since     time.Time
	Limit     int
}

// Health returns component health. A degraded engine answers 503, which is
// reported through the response rather than as an error.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out, http.StatusServiceUnavailable)
	return out, err
}

// Status retrieves the pipeline status.
func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var out engine.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Positions retrieves ledger positions for every account.
func (c *Client) Positions(ctx context.Context) ([]domain.Position, error) {
	var out []domain.Position
	err := c.do(ctx, http.MethodGet, "/api/positions", nil, &out)
	return out, err
}

// Orders retrieves tracked orders, oldest first.
func (c *Client) Orders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	q := url.Values{}
	if f.AccountID != 0 {
		q.Set("account", strconv.FormatInt(f.AccountID, 10))
	}
	if f.State != "" {
		q.Set("state", string(f.State))
	}
	if f.Open {
		q.Set("open", "true")
	}
	var out []domain.Order
	err := c.do(ctx, http.MethodGet, "/api/orders", q, &out)
	return out, err
}

// Levels retrieves the current level set for contract.
func (c *Client) Levels(ctx context.Context, contract string) (*levels.Set, error) {
	var out levels.Set
	if err := c.do(ctx, http.MethodGet, "/api/levels/"+url.PathEscape(contract), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events queries the audit journal, newest first.
func (c *Client) Events(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	q := url.Values{}
	if f.Kind != "" {
		q.Set("kind", string(f.Kind))
	}
	if f.AccountID != 0 {
		q.Set("account", strconv.FormatInt(f.AccountID, 10))
	}
	if f.Contract != "" {
		q.Set("contract", f.Contract)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out []domain.Event
	err := c.do(ctx, http.MethodGet, "/api/events", q, &out)
	return out, err
}

// Resume re-authenticates the engine's session and lifts a trading halt.
func (c *Client) Resume(ctx context.Context) (engine.Status, error) {
	var out engine.Status
	err := c.do(ctx, http.MethodPost, "/api/resume", nil, &out)
	return out, err
}

// Unsubscribe stops trading contract. Open orders and positions in it stay
// tracked.
func (c *Client) Unsubscribe(ctx context.Context, contract string) error {
	var out api.UnsubscribeResponse
	return c.do(ctx, http.MethodDelete, "/api/contracts/"+url.PathEscape(contract), nil, &out)
}

// do performs a request and decodes the JSON body into out. Statuses in
// accept are decoded like a 200.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any, accept ...int) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range accept {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
