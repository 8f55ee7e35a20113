package broker

import (
	"encoding/json"
	"strings"
	"time"

	"levelx/internal/domain"
)

// Every gateway response carries this status envelope.
type apiStatus struct {
	Success      bool    `json:"success"`
	ErrorCode    int     `json:"errorCode"`
	ErrorMessage *string `json:"errorMessage"`
}

func (s *apiStatus) status() *apiStatus { return s }

func (s *apiStatus) message() string {
	if s.ErrorMessage == nil || *s.ErrorMessage == "" {
		return "no error message"
	}
	return *s.ErrorMessage
}

type enveloped interface {
	status() *apiStatus
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

type loginRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

type loginResponse struct {
	apiStatus
	Token string `json:"token"`
}

type validateResponse struct {
	apiStatus
	NewToken string `json:"newToken"`
}

// ---------------------------------------------------------------------------
// Accounts and contracts
// ---------------------------------------------------------------------------

type accountSearchRequest struct {
	OnlyActiveAccounts bool `json:"onlyActiveAccounts"`
}

type wireAccount struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Balance   float64 `json:"balance"`
	CanTrade  bool    `json:"canTrade"`
	IsVisible bool    `json:"isVisible"`
}

type accountSearchResponse struct {
	apiStatus
	Accounts []wireAccount `json:"accounts"`
}

type contractSearchRequest struct {
	Live       bool   `json:"live"`
	SearchText string `json:"searchText"`
}

type contractByIDRequest struct {
	ContractID string `json:"contractId"`
}

type wireContract struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	TickSize       float64 `json:"tickSize"`
	TickValue      float64 `json:"tickValue"`
	ActiveContract bool    `json:"activeContract"`
	SymbolID       string  `json:"symbolId"`
}

func (c wireContract) domain() domain.Contract {
	return domain.Contract{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		SymbolID:    c.SymbolID,
		TickSize:    c.TickSize,
		TickValue:   c.TickValue,
		Active:      c.ActiveContract,
	}
}

type contractSearchResponse struct {
	apiStatus
	Contracts []wireContract `json:"contracts"`
}

type contractByIDResponse struct {
	apiStatus
	Contract *wireContract `json:"contract"`
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

type retrieveBarsRequest struct {
	ContractID        string `json:"contractId"`
	Live              bool   `json:"live"`
	StartTime         string `json:"startTime"`
	EndTime           string `json:"endTime"`
	Unit              int    `json:"unit"`
	UnitNumber        int    `json:"unitNumber"`
	Limit             int    `json:"limit"`
	IncludePartialBar bool   `json:"includePartialBar"`
}

type wireBar struct {
	T string  `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

type retrieveBarsResponse struct {
	apiStatus
	Bars []wireBar `json:"bars"`
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

type orderSearchRequest struct {
	AccountID      int64   `json:"accountId"`
	StartTimestamp string  `json:"startTimestamp"`
	EndTimestamp   *string `json:"endTimestamp,omitempty"`
}

type accountRequest struct {
	AccountID int64 `json:"accountId"`
}

// Gateway order status codes.
const (
	wireOrderNone      = 0
	wireOrderOpen      = 1
	wireOrderFilled    = 2
	wireOrderCancelled = 3
	wireOrderExpired   = 4
	wireOrderRejected  = 5
	wireOrderPending   = 6
)

type wireOrder struct {
	ID                int64    `json:"id"`
	AccountID         int64    `json:"accountId"`
	ContractID        string   `json:"contractId"`
	CreationTimestamp string   `json:"creationTimestamp"`
	UpdateTimestamp   *string  `json:"updateTimestamp"`
	Status            int      `json:"status"`
	Type              int      `json:"type"`
	Side              int      `json:"side"`
	Size              int      `json:"size"`
	LimitPrice        *float64 `json:"limitPrice"`
	StopPrice         *float64 `json:"stopPrice"`
	FillVolume        int      `json:"fillVolume"`
	FilledPrice       *float64 `json:"filledPrice"`
	CustomTag         *string  `json:"customTag"`
}

// OrderStateFromStatus maps a gateway order status code to a local state.
// Open orders with fills are partially filled.
func OrderStateFromStatus(status, size, filled int) domain.OrderState {
	switch status {
	case wireOrderOpen:
		if filled > 0 && filled < size {
			return domain.OrderPartiallyFilled
		}
		return domain.OrderWorking
	case wireOrderFilled:
		return domain.OrderFilled
	case wireOrderCancelled, wireOrderExpired:
		if filled > 0 && filled >= size {
			return domain.OrderFilled
		}
		return domain.OrderCancelled
	case wireOrderRejected:
		return domain.OrderRejected
	default:
		return domain.OrderPending
	}
}

func (o wireOrder) report() domain.OrderReport {
	r := domain.OrderReport{
		BrokerID:   o.ID,
		AccountID:  o.AccountID,
		Contract:   o.ContractID,
		State:      OrderStateFromStatus(o.Status, o.Size, o.FillVolume),
		Side:       domain.Side(o.Side),
		Type:       domain.OrderType(o.Type),
		Size:       o.Size,
		FilledSize: o.FillVolume,
		UpdatedAt:  parseTime(o.CreationTimestamp),
	}
	if o.UpdateTimestamp != nil {
		if t := parseTime(*o.UpdateTimestamp); !t.IsZero() {
			r.UpdatedAt = t
		}
	}
	if o.FilledPrice != nil {
		r.FillPrice = *o.FilledPrice
	}
	if o.CustomTag != nil {
		r.Tag = *o.CustomTag
	}
	return r
}

type orderSearchResponse struct {
	apiStatus
	Orders []wireOrder `json:"orders"`
}

type placeOrderRequest struct {
	AccountID     int64    `json:"accountId"`
	ContractID    string   `json:"contractId"`
	Type          int      `json:"type"`
	Side          int      `json:"side"`
	Size          int      `json:"size"`
	LimitPrice    *float64 `json:"limitPrice,omitempty"`
	StopPrice     *float64 `json:"stopPrice,omitempty"`
	TrailPrice    *float64 `json:"trailPrice,omitempty"`
	CustomTag     *string  `json:"customTag,omitempty"`
	LinkedOrderID *int64   `json:"linkedOrderId,omitempty"`
}

func newPlaceOrderRequest(in domain.OrderIntent) placeOrderRequest {
	req := placeOrderRequest{
		AccountID:  in.AccountID,
		ContractID: in.Contract,
		Type:       int(in.Type),
		Side:       int(in.Side),
		Size:       in.Size,
		LimitPrice: in.LimitPrice,
		StopPrice:  in.StopPrice,
		TrailPrice: in.TrailPrice,
	}
	if in.Tag != "" {
		tag := in.Tag
		req.CustomTag = &tag
	}
	if in.LinkedOrderID != 0 {
		id := in.LinkedOrderID
		req.LinkedOrderID = &id
	}
	return req
}

type placeOrderResponse struct {
	apiStatus
	OrderID int64 `json:"orderId"`
}

type cancelOrderRequest struct {
	AccountID int64 `json:"accountId"`
	OrderID   int64 `json:"orderId"`
}

type modifyOrderRequest struct {
	AccountID  int64    `json:"accountId"`
	OrderID    int64    `json:"orderId"`
	Size       *int     `json:"size,omitempty"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
	TrailPrice *float64 `json:"trailPrice,omitempty"`
}

type statusOnly struct {
	apiStatus
}

// ---------------------------------------------------------------------------
// Positions and trades
// ---------------------------------------------------------------------------

// Gateway position type codes.
const (
	wirePositionLong  = 1
	wirePositionShort = 2
)

type wirePosition struct {
	ID                int64   `json:"id"`
	AccountID         int64   `json:"accountId"`
	ContractID        string  `json:"contractId"`
	CreationTimestamp string  `json:"creationTimestamp"`
	Type              int     `json:"type"`
	Size              int     `json:"size"`
	AveragePrice      float64 `json:"averagePrice"`
}

func (p wirePosition) domain() domain.Position {
	size := p.Size
	if p.Type == wirePositionShort {
		size = -size
	}
	return domain.Position{
		AccountID: p.AccountID,
		Contract:  p.ContractID,
		Size:      size,
		AvgPrice:  p.AveragePrice,
		UpdatedAt: parseTime(p.CreationTimestamp),
	}
}

type positionSearchResponse struct {
	apiStatus
	Positions []wirePosition `json:"positions"`
}

type closeContractRequest struct {
	AccountID  int64  `json:"accountId"`
	ContractID string `json:"contractId"`
}

type partialCloseRequest struct {
	AccountID  int64  `json:"accountId"`
	ContractID string `json:"contractId"`
	Size       int    `json:"size"`
}

type wireTrade struct {
	ID                int64    `json:"id"`
	AccountID         int64    `json:"accountId"`
	ContractID        string   `json:"contractId"`
	CreationTimestamp string   `json:"creationTimestamp"`
	Price             float64  `json:"price"`
	ProfitAndLoss     *float64 `json:"profitAndLoss"`
	Fees              float64  `json:"fees"`
	Side              int      `json:"side"`
	Size              int      `json:"size"`
	Voided            bool     `json:"voided"`
	OrderID           int64    `json:"orderId"`
}

func (t wireTrade) domain() domain.Fill {
	f := domain.Fill{
		TradeID:   t.ID,
		OrderID:   t.OrderID,
		AccountID: t.AccountID,
		Contract:  t.ContractID,
		Side:      domain.Side(t.Side),
		Price:     t.Price,
		Size:      t.Size,
		Timestamp: parseTime(t.CreationTimestamp),
		Fees:      t.Fees,
		Voided:    t.Voided,
	}
	if t.ProfitAndLoss != nil {
		f.RealizedPL = *t.ProfitAndLoss
	}
	return f
}

type tradeSearchResponse struct {
	apiStatus
	Trades []wireTrade `json:"trades"`
}

// ---------------------------------------------------------------------------
// Hub payloads
// ---------------------------------------------------------------------------

// The user hub pushes the same order, position, trade and account shapes
// the REST search endpoints return.

// DecodeOrder decodes a GatewayUserOrder payload.
func DecodeOrder(raw json.RawMessage) (domain.OrderReport, error) {
	var o wireOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		return domain.OrderReport{}, err
	}
	return o.report(), nil
}

// DecodePosition decodes a GatewayUserPosition payload.
func DecodePosition(raw json.RawMessage) (domain.Position, error) {
	var p wirePosition
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Position{}, err
	}
	return p.domain(), nil
}

// DecodeTrade decodes a GatewayUserTrade payload.
func DecodeTrade(raw json.RawMessage) (domain.Fill, error) {
	var t wireTrade
	if err := json.Unmarshal(raw, &t); err != nil {
		return domain.Fill{}, err
	}
	return t.domain(), nil
}

// DecodeAccount decodes a GatewayUserAccount payload.
func DecodeAccount(raw json.RawMessage) (domain.Account, error) {
	var a wireAccount
	if err := json.Unmarshal(raw, &a); err != nil {
		return domain.Account{}, err
	}
	return domain.Account{ID: a.ID, Name: a.Name, Balance: a.Balance, CanTrade: a.CanTrade}, nil
}

// ParseTime parses a gateway timestamp; see parseTime.
func ParseTime(s string) time.Time { return parseTime(s) }

// ---------------------------------------------------------------------------
// Timestamps
// ---------------------------------------------------------------------------

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
}

// parseTime accepts the gateway's ISO-8601 timestamps, with or without a
// zone. Zone-less timestamps are UTC.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
