package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"levelx/internal/domain"
	"levelx/internal/metrics"
	"levelx/internal/session"
	"levelx/internal/util"
)

// Compile-time interface checks.
var (
	_ Gateway               = (*Client)(nil)
	_ session.Authenticator = (*Authenticator)(nil)
)

// ClientConfig configures a gateway Client.
type ClientConfig struct {
	BaseURL         string
	Timeout         time.Duration
	RateLimitPerMin int
	MaxRetries      int
	RetryBaseDelay  time.Duration
}

// Client implements Gateway against the broker's REST API. Every call
// carries the current session token; a 401 invalidates the token and the
// call is retried once with a renewed one. Reads are retried on transient
// failures, writes never are.
type Client struct {
	baseURL    string
	http       *http.Client
	tokens     session.TokenSource
	limiter    *util.RateLimiter
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewClient creates a gateway client authenticated through tokens.
func NewClient(cfg ClientConfig, tokens session.TokenSource, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryBaseDelay,
		logger:     logger.With("component", "gateway"),
	}
	if cfg.RateLimitPerMin > 0 {
		c.limiter = util.NewRateLimiter(cfg.RateLimitPerMin)
	}
	return c
}

// Name returns "projectx".
func (c *Client) Name() string {
	return "projectx"
}

// call posts req to op and decodes into resp. Write operations surface
// non-success as BrokerRejection and are attempted at most twice (once more
// after a 401); reads surface TransientError and are retried.
func (c *Client) call(ctx context.Context, op string, write bool, req any, resp enveloped) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}

	attempt := func() error {
		token, err := c.do(ctx, op, write, body, resp)
		if !domain.IsAuth(err) {
			return err
		}
		c.logger.Warn("unauthorized, renewing token and retrying once", "op", op)
		c.tokens.Invalidate(token)
		_, err = c.do(ctx, op, write, body, resp)
		return err
	}

	if write {
		err = attempt()
	} else {
		err = util.RetryTransient(ctx, c.maxRetries, c.retryDelay, attempt)
	}

	result := "ok"
	switch {
	case err == nil:
	case domain.IsRejection(err):
		result = "rejected"
	case domain.IsAuth(err):
		result = "unauthorized"
	default:
		result = "error"
	}
	metrics.GatewayRequests.WithLabelValues(op, result).Inc()
	return err
}

// do performs one HTTP round trip and returns the token it used.
func (c *Client) do(ctx context.Context, op string, write bool, body []byte, resp enveloped) (string, error) {
	tok, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		return "", err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return tok.Value, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+op, bytes.NewReader(body))
	if err != nil {
		return tok.Value, fmt.Errorf("building %s request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+tok.Value)

	res, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return tok.Value, ctx.Err()
		}
		return tok.Value, &domain.TransientError{Op: op, Err: err}
	}
	defer res.Body.Close()

	if err := classifyStatus(op, write, res); err != nil {
		return tok.Value, err
	}

	if err := json.NewDecoder(res.Body).Decode(resp); err != nil {
		if errors.Is(err, io.EOF) && write {
			// Some writes answer 200 with an empty body.
			resp.status().Success = true
			return tok.Value, nil
		}
		return tok.Value, &domain.TransientError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}

	st := resp.status()
	if st.Success {
		return tok.Value, nil
	}
	if write {
		return tok.Value, &domain.BrokerRejection{Op: op, Code: st.ErrorCode, Message: st.message()}
	}
	return tok.Value, &domain.TransientError{Op: op, Code: st.ErrorCode, Err: errors.New(st.message())}
}

func classifyStatus(op string, write bool, res *http.Response) error {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusUnauthorized:
		return &domain.AuthError{Op: op}
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return &domain.TransientError{Op: op, Code: res.StatusCode, Err: errors.New(res.Status)}
	}
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	if write {
		return &domain.BrokerRejection{Op: op, Code: res.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return &domain.TransientError{Op: op, Code: res.StatusCode, Err: fmt.Errorf("%s: %s", res.Status, strings.TrimSpace(string(msg)))}
}

// ---------------------------------------------------------------------------
// Accounts and contracts
// ---------------------------------------------------------------------------

// SearchAccounts returns the user's accounts.
func (c *Client) SearchAccounts(ctx context.Context, onlyActive bool) ([]domain.Account, error) {
	var resp accountSearchResponse
	if err := c.call(ctx, "Account/search", false, accountSearchRequest{OnlyActiveAccounts: onlyActive}, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Account, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		out = append(out, domain.Account{ID: a.ID, Name: a.Name, Balance: a.Balance, CanTrade: a.CanTrade})
	}
	return out, nil
}

// SearchContracts finds contracts by free text.
func (c *Client) SearchContracts(ctx context.Context, text string, live bool) ([]domain.Contract, error) {
	var resp contractSearchResponse
	if err := c.call(ctx, "Contract/search", false, contractSearchRequest{Live: live, SearchText: text}, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Contract, 0, len(resp.Contracts))
	for _, ct := range resp.Contracts {
		out = append(out, ct.domain())
	}
	return out, nil
}

// ContractByID fetches one contract.
func (c *Client) ContractByID(ctx context.Context, id string) (domain.Contract, error) {
	var resp contractByIDResponse
	if err := c.call(ctx, "Contract/searchById", false, contractByIDRequest{ContractID: id}, &resp); err != nil {
		return domain.Contract{}, err
	}
	if resp.Contract == nil {
		return domain.Contract{}, fmt.Errorf("contract %s: not found", id)
	}
	return resp.Contract.domain(), nil
}

// RetrieveBars returns historical bars in ascending time order.
func (c *Client) RetrieveBars(ctx context.Context, req BarRequest) ([]domain.Bar, error) {
	unit := req.Unit
	if unit == 0 {
		unit = BarUnitMinute
	}
	unitNumber := req.UnitNumber
	if unitNumber <= 0 {
		unitNumber = 1
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20000
	}
	wire := retrieveBarsRequest{
		ContractID:        req.ContractID,
		Live:              req.Live,
		StartTime:         formatTime(req.Start),
		EndTime:           formatTime(req.End),
		Unit:              int(unit),
		UnitNumber:        unitNumber,
		Limit:             limit,
		IncludePartialBar: req.IncludePartialBar,
	}

	var resp retrieveBarsResponse
	if err := c.call(ctx, "History/retrieveBars", false, wire, &resp); err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(resp.Bars))
	for _, b := range resp.Bars {
		ts := parseTime(b.T)
		if ts.IsZero() {
			return nil, &domain.DataIntegrityError{Kind: "bad_bar", Contract: req.ContractID, Detail: "unparseable timestamp " + b.T}
		}
		bars = append(bars, domain.Bar{
			Contract:  req.ContractID,
			Timestamp: ts,
			Open:      b.O,
			High:      b.H,
			Low:       b.L,
			Close:     b.C,
			Volume:    b.V,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SearchOrders returns orders created in [start, end]. A zero end is open.
func (c *Client) SearchOrders(ctx context.Context, accountID int64, start, end time.Time) ([]domain.OrderReport, error) {
	req := orderSearchRequest{AccountID: accountID, StartTimestamp: formatTime(start)}
	if !end.IsZero() {
		e := formatTime(end)
		req.EndTimestamp = &e
	}
	var resp orderSearchResponse
	if err := c.call(ctx, "Order/search", false, req, &resp); err != nil {
		return nil, err
	}
	return reports(resp.Orders), nil
}

// SearchOpenOrders returns working orders.
func (c *Client) SearchOpenOrders(ctx context.Context, accountID int64) ([]domain.OrderReport, error) {
	var resp orderSearchResponse
	if err := c.call(ctx, "Order/searchOpen", false, accountRequest{AccountID: accountID}, &resp); err != nil {
		return nil, err
	}
	return reports(resp.Orders), nil
}

func reports(orders []wireOrder) []domain.OrderReport {
	out := make([]domain.OrderReport, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.report())
	}
	return out
}

// PlaceOrder submits intent and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, intent domain.OrderIntent) (int64, error) {
	var resp placeOrderResponse
	if err := c.call(ctx, "Order/place", true, newPlaceOrderRequest(intent), &resp); err != nil {
		return 0, err
	}
	if resp.OrderID == 0 {
		return 0, &domain.TransientError{Op: "Order/place", Err: errors.New("accepted without an order id")}
	}
	c.logger.Info("order placed",
		"order_id", resp.OrderID,
		"account", intent.AccountID,
		"contract", intent.Contract,
		"side", intent.Side.String(),
		"size", intent.Size,
		"type", intent.Type.String(),
		"tag", intent.Tag,
	)
	return resp.OrderID, nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID int64) error {
	var resp statusOnly
	return c.call(ctx, "Order/cancel", true, cancelOrderRequest{AccountID: accountID, OrderID: orderID}, &resp)
}

// ModifyOrder changes size or prices of a working order.
func (c *Client) ModifyOrder(ctx context.Context, req ModifyRequest) error {
	var resp statusOnly
	return c.call(ctx, "Order/modify", true, modifyOrderRequest{
		AccountID:  req.AccountID,
		OrderID:    req.OrderID,
		Size:       req.Size,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		TrailPrice: req.TrailPrice,
	}, &resp)
}

// ---------------------------------------------------------------------------
// Positions and trades
// ---------------------------------------------------------------------------

// SearchOpenPositions returns the broker's authoritative open positions.
func (c *Client) SearchOpenPositions(ctx context.Context, accountID int64) ([]domain.Position, error) {
	var resp positionSearchResponse
	if err := c.call(ctx, "Position/searchOpen", false, accountRequest{AccountID: accountID}, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, p.domain())
	}
	return out, nil
}

// CloseContract flattens the position in contractID.
func (c *Client) CloseContract(ctx context.Context, accountID int64, contractID string) error {
	var resp statusOnly
	return c.call(ctx, "Position/closeContract", true, closeContractRequest{AccountID: accountID, ContractID: contractID}, &resp)
}

// PartialCloseContract reduces the position in contractID by size.
func (c *Client) PartialCloseContract(ctx context.Context, accountID int64, contractID string, size int) error {
	var resp statusOnly
	return c.call(ctx, "Position/partialCloseContract", true, partialCloseRequest{AccountID: accountID, ContractID: contractID, Size: size}, &resp)
}

// SearchTrades returns executions in [start, end]. A zero end is open.
func (c *Client) SearchTrades(ctx context.Context, accountID int64, start, end time.Time) ([]domain.Fill, error) {
	req := orderSearchRequest{AccountID: accountID, StartTimestamp: formatTime(start)}
	if !end.IsZero() {
		e := formatTime(end)
		req.EndTimestamp = &e
	}
	var resp tradeSearchResponse
	if err := c.call(ctx, "Trade/search", false, req, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Fill, 0, len(resp.Trades))
	for _, t := range resp.Trades {
		out = append(out, t.domain())
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// Authenticator implements session.Authenticator with the gateway's
// loginKey and validate endpoints.
type Authenticator struct {
	baseURL  string
	username string
	apiKey   string
	http     *http.Client
}

// NewAuthenticator creates an Authenticator for username and apiKey.
func NewAuthenticator(baseURL, username, apiKey string, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Authenticator{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// Login exchanges credentials for a token.
func (a *Authenticator) Login(ctx context.Context) (string, error) {
	var resp loginResponse
	if err := a.post(ctx, "Auth/loginKey", "", loginRequest{UserName: a.username, APIKey: a.apiKey}, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.Token == "" {
		return "", &domain.AuthError{Op: "Auth/loginKey", Err: fmt.Errorf("code %d: %s", resp.ErrorCode, resp.message())}
	}
	return resp.Token, nil
}

// Validate exchanges a still-valid token for a renewed one.
func (a *Authenticator) Validate(ctx context.Context, token string) (string, error) {
	var resp validateResponse
	if err := a.post(ctx, "Auth/validate", token, struct{}{}, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.NewToken == "" {
		return "", &domain.AuthError{Op: "Auth/validate", Err: fmt.Errorf("code %d: %s", resp.ErrorCode, resp.message())}
	}
	return resp.NewToken, nil
}

func (a *Authenticator) post(ctx context.Context, op, token string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/"+op, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := a.http.Do(httpReq)
	if err != nil {
		return &domain.TransientError{Op: op, Err: err}
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return &domain.AuthError{Op: op, Err: errors.New(res.Status)}
	case res.StatusCode >= 300:
		return &domain.TransientError{Op: op, Code: res.StatusCode, Err: errors.New(res.Status)}
	}
	if err := json.NewDecoder(res.Body).Decode(resp); err != nil {
		return &domain.TransientError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}
