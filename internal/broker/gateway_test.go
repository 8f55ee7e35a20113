package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"levelx/internal/domain"
	"levelx/internal/session"
)

// rotatingTokens hands out tok-N and bumps N on Invalidate.
type rotatingTokens struct {
	mu          sync.Mutex
	n           int
	invalidated []string
}

func (r *rotatingTokens) CurrentToken(context.Context) (session.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return session.Token{Value: fmt.Sprintf("tok-%d", r.n), Remaining: time.Hour}, nil
}

func (r *rotatingTokens) Invalidate(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, token)
	r.n++
}

func newTestClient(t *testing.T, h http.HandlerFunc, tokens session.TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL, MaxRetries: 3, RetryBaseDelay: time.Millisecond}, tokens, nil)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestClientRetriesOnceAfterUnauthorized(t *testing.T) {
	tokens := &rotatingTokens{}
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/Account/search", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{
			"success":  true,
			"accounts": []map[string]any{{"id": 7, "name": "PRAC-1", "balance": 50000, "canTrade": true}},
		})
	}, tokens)

	accounts, err := c.SearchAccounts(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, int64(7), accounts[0].ID)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, []string{"tok-0"}, tokens.invalidated)
}

func TestClientSurfacesSecondUnauthorized(t *testing.T) {
	tokens := &rotatingTokens{}
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, tokens)

	_, err := c.PlaceOrder(context.Background(), domain.OrderIntent{AccountID: 1, Contract: "CON.F.US.EP.Z25", Size: 1, Type: domain.OrderTypeMarket})
	require.Error(t, err)
	assert.True(t, domain.IsAuth(err))
	assert.EqualValues(t, 2, calls.Load(), "retried exactly once with a renewed token")
}

func TestClientRetriesTransientReads(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{
			"success": true,
			"positions": []map[string]any{
				{"id": 1, "accountId": 7, "contractId": "CON.F.US.EP.Z25", "type": 2, "size": 3, "averagePrice": 5000.25},
			},
		})
	}, session.Static("tok"))

	positions, err := c.SearchOpenPositions(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -3, positions[0].Size, "short positions are negative")
	assert.Equal(t, 5000.25, positions[0].AvgPrice)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientReadNonSuccessIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": false, "errorCode": 1, "errorMessage": "busy"})
	}, session.Static("tok"))

	_, err := c.SearchOpenOrders(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestClientWriteRejectionNotRetried(t *testing.T) {
	var calls atomic.Int32
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeJSON(w, map[string]any{"success": false, "errorCode": 2, "errorMessage": "Invalid order size"})
	}, session.Static("tok"))

	limit := 5001.25
	_, err := c.PlaceOrder(context.Background(), domain.OrderIntent{
		AccountID:  7,
		Contract:   "CON.F.US.EP.Z25",
		Side:       domain.SideAsk,
		Size:       0,
		Type:       domain.OrderTypeLimit,
		LimitPrice: &limit,
		Tag:        "tag-1",
	})
	require.Error(t, err)
	assert.True(t, domain.IsRejection(err))
	assert.EqualValues(t, 1, calls.Load())

	assert.EqualValues(t, 1, body["type"])
	assert.EqualValues(t, 1, body["side"])
	assert.Equal(t, "tag-1", body["customTag"])
	assert.Equal(t, 5001.25, body["limitPrice"])
	_, hasLinked := body["linkedOrderId"]
	assert.False(t, hasLinked)
}

func TestRetrieveBarsSorted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req retrieveBarsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2, req.Unit)
		assert.Equal(t, "2025-03-03T14:30:00Z", req.StartTime)
		writeJSON(w, map[string]any{
			"success": true,
			"bars": []map[string]any{
				{"t": "2025-03-03T14:32:00+00:00", "o": 3, "h": 4, "l": 2, "c": 3.5, "v": 10},
				{"t": "2025-03-03T14:31:00+00:00", "o": 1, "h": 2, "l": 1, "c": 2, "v": 5},
			},
		})
	}, session.Static("tok"))

	bars, err := c.RetrieveBars(context.Background(), BarRequest{
		ContractID: "CON.F.US.EP.Z25",
		Start:      time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC),
		End:        time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Timestamp.Before(bars[1].Timestamp))
	assert.Equal(t, 2.0, bars[0].High)
}

func TestOrderStateFromStatus(t *testing.T) {
	assert.Equal(t, domain.OrderWorking, OrderStateFromStatus(1, 3, 0))
	assert.Equal(t, domain.OrderPartiallyFilled, OrderStateFromStatus(1, 3, 1))
	assert.Equal(t, domain.OrderFilled, OrderStateFromStatus(2, 3, 3))
	assert.Equal(t, domain.OrderCancelled, OrderStateFromStatus(3, 3, 1))
	assert.Equal(t, domain.OrderCancelled, OrderStateFromStatus(4, 3, 0))
	assert.Equal(t, domain.OrderRejected, OrderStateFromStatus(5, 3, 0))
	assert.Equal(t, domain.OrderPending, OrderStateFromStatus(6, 3, 0))
}

func TestAuthenticator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/Auth/loginKey":
			var req loginRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.APIKey != "secret" {
				writeJSON(w, map[string]any{"success": false, "errorCode": 3, "errorMessage": "invalid key"})
				return
			}
			writeJSON(w, map[string]any{"success": true, "token": "fresh"})
		case "/api/Auth/validate":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, map[string]any{"success": true, "newToken": "renewed"})
		}
	}))
	defer srv.Close()

	auth := NewAuthenticator(srv.URL, "trader", "secret", time.Second)
	tok, err := auth.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)

	renewed, err := auth.Validate(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "renewed", renewed)

	_, err = auth.Validate(context.Background(), "stale")
	assert.True(t, domain.IsAuth(err))

	bad := NewAuthenticator(srv.URL, "trader", "wrong", time.Second)
	_, err = bad.Login(context.Background())
	assert.True(t, domain.IsAuth(err))
}

func TestIsDuplicateTag(t *testing.T) {
	assert.True(t, IsDuplicateTag(&domain.BrokerRejection{Message: "custom tag already used"}))
	assert.False(t, IsDuplicateTag(&domain.BrokerRejection{Message: "invalid size"}))
	assert.False(t, IsDuplicateTag(&domain.TransientError{Err: fmt.Errorf("tag already used")}))
}
