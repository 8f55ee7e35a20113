// Package domain defines the core value types shared by every levelx
// component: sessions, contracts, levels, ticks, signals, orders, fills and
// positions.
package domain

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Session is an authenticated broker session. A Session value is never
// mutated after it is issued; renewal produces a new Session.
type Session struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Accounts  []int64
}

// Remaining returns how long the token stays valid at now.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}

// Expired reports whether the token is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// Account is a broker trading account.
type Account struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Balance  float64 `json:"balance"`
	CanTrade bool    `json:"canTrade"`
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is an OHLCV bar for a contract.
type Bar struct {
	Contract  string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Tick is a single trade print. Ticks are immutable and ephemeral.
type Tick struct {
	Contract  string
	Price     float64
	Size      float64
	Timestamp time.Time
	Sequence  int64
}

// Quote is a top-of-book update.
type Quote struct {
	Contract  string
	Bid       float64
	Ask       float64
	Last      float64
	Timestamp time.Time
	Sequence  int64
}

// DepthLevel is one price level of a depth update.
type DepthLevel struct {
	Price  float64
	Volume float64
	Side   Side
}

// ---------------------------------------------------------------------------
// Levels
// ---------------------------------------------------------------------------

// LevelKind names a reference price level.
type LevelKind string

// Level kinds.
const (
	PriorDayHigh  LevelKind = "PDH"
	PriorDayLow   LevelKind = "PDL"
	PreMarketHigh LevelKind = "PMH"
	PreMarketLow  LevelKind = "PML"
)

// LevelKinds lists every level kind in a stable order.
var LevelKinds = []LevelKind{PriorDayHigh, PriorDayLow, PreMarketHigh, PreMarketLow}

// Resistance reports whether price is expected to approach the level from
// below.
func (k LevelKind) Resistance() bool {
	return k == PriorDayHigh || k == PreMarketHigh
}

// Level is a reference price for a contract on one session date.
type Level struct {
	Contract    string    `json:"contract"`
	Kind        LevelKind `json:"kind"`
	Price       float64   `json:"price"`
	SessionDate string    `json:"sessionDate"` // YYYY-MM-DD, exchange-local
}

func (l Level) String() string {
	return fmt.Sprintf("%s %s@%.4f (%s)", l.Contract, l.Kind, l.Price, l.SessionDate)
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// Direction is the direction of a level break.
type Direction string

// Break directions.
const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionUp {
		return DirectionDown
	}
	return DirectionUp
}

// BreakCandidate tracks a potential break of one level.
type BreakCandidate struct {
	Contract      string
	Level         Level
	Direction     Direction
	FirstBreakAt  time.Time
	Confirmations int
	Volume        float64
}

// Touch is one visit of price to the retest zone.
type Touch struct {
	Start        time.Time
	End          time.Time
	Extreme      float64 // furthest price toward/through the level
	MaxAdverse   float64 // distance past the level, >= 0
	Qualified    bool
	Disqualified string
}

// RetestWindow is open while its BreakCandidate is Broken.
type RetestWindow struct {
	Break    BreakCandidate
	BrokenAt time.Time
	Deadline time.Time
	Touches  []Touch
}

// Signal is produced once per confirmed retest and consumed exactly once by
// the risk gate.
type Signal struct {
	ID         string    `json:"id"`
	Contract   string    `json:"contract"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Level      Level     `json:"level"`
	EntryPrice float64   `json:"entryPrice"`
	// TouchExtreme is the lowest (up) or highest (down) price seen during the
	// qualifying touch.
	TouchExtreme float64   `json:"touchExtreme"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the signal can no longer be acted on at now.
func (s Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Side is the broker order side.
type Side int

// Order sides, matching the gateway's wire codes.
const (
	SideBid Side = 0 // buy
	SideAsk Side = 1 // sell
)

func (s Side) String() string {
	if s == SideAsk {
		return "ask"
	}
	return "bid"
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideAsk {
		return -1
	}
	return 1
}

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideAsk {
		return SideBid
	}
	return SideAsk
}

// OrderType is the broker order type, matching the gateway's wire codes.
type OrderType int

// Order types.
const (
	OrderTypeLimit        OrderType = 1
	OrderTypeMarket       OrderType = 2
	OrderTypeStop         OrderType = 4
	OrderTypeTrailingStop OrderType = 5
	OrderTypeJoinBid      OrderType = 6
	OrderTypeJoinAsk      OrderType = 7
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	case OrderTypeStop:
		return "stop"
	case OrderTypeTrailingStop:
		return "trailing_stop"
	case OrderTypeJoinBid:
		return "join_bid"
	case OrderTypeJoinAsk:
		return "join_ask"
	default:
		return fmt.Sprintf("order_type(%d)", int(t))
	}
}

// OrderState is the local lifecycle state of an order.
type OrderState string

// Order states. Filled, Cancelled and Rejected are sinks.
const (
	OrderPending         OrderState = "pending"
	OrderWorking         OrderState = "working"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderRejected        OrderState = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Rank orders states along the lifecycle DAG.
func (s OrderState) Rank() int {
	switch s {
	case OrderPending:
		return 0
	case OrderWorking:
		return 1
	case OrderPartiallyFilled:
		return 2
	case OrderFilled, OrderCancelled, OrderRejected:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether from → to is an edge of the order DAG.
func CanTransition(from, to OrderState) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case OrderPending:
		return to == OrderWorking || to == OrderPartiallyFilled || to.Terminal()
	case OrderWorking:
		return to == OrderPartiallyFilled || to.Terminal()
	case OrderPartiallyFilled:
		return to == OrderPartiallyFilled || to == OrderFilled || to == OrderCancelled
	}
	return false
}

// Bracket describes protective child orders attached to an entry.
type Bracket struct {
	StopPrice       float64 `json:"stopPrice"`
	TakeProfitPrice float64 `json:"takeProfitPrice"`
}

// OrderIntent is an accepted, sized order request.
type OrderIntent struct {
	Contract      string    `json:"contract"`
	AccountID     int64     `json:"accountId"`
	Side          Side      `json:"side"`
	Size          int       `json:"size"`
	Type          OrderType `json:"type"`
	LimitPrice    *float64  `json:"limitPrice,omitempty"`
	StopPrice     *float64  `json:"stopPrice,omitempty"`
	TrailPrice    *float64  `json:"trailPrice,omitempty"`
	Tag           string    `json:"tag"`
	LinkedOrderID int64     `json:"linkedOrderId,omitempty"`
	SignalID      string    `json:"signalId,omitempty"`
	Bracket       *Bracket  `json:"bracket,omitempty"`
}

// Order is the locally tracked view of a broker order.
type Order struct {
	BrokerID      int64      `json:"brokerId"`
	Tag           string     `json:"tag"`
	AccountID     int64      `json:"accountId"`
	Contract      string     `json:"contract"`
	Side          Side       `json:"side"`
	Type          OrderType  `json:"type"`
	Size          int        `json:"size"`
	FilledSize    int        `json:"filledSize"`
	State         OrderState `json:"state"`
	LimitPrice    *float64   `json:"limitPrice,omitempty"`
	StopPrice     *float64   `json:"stopPrice,omitempty"`
	TrailPrice    *float64   `json:"trailPrice,omitempty"`
	LinkedOrderID int64      `json:"linkedOrderId,omitempty"`
	RejectReason  string     `json:"rejectReason,omitempty"`
	Fills         []Fill     `json:"fills,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Remaining returns the unfilled size.
func (o *Order) Remaining() int {
	return o.Size - o.FilledSize
}

// OrderReport is a broker-side view of an order, from a push or a poll.
type OrderReport struct {
	BrokerID   int64
	AccountID  int64
	Contract   string
	Tag        string
	State      OrderState
	Side       Side
	Type       OrderType
	Size       int
	FilledSize int
	FillPrice  float64
	UpdatedAt  time.Time
}

// ---------------------------------------------------------------------------
// Fills and positions
// ---------------------------------------------------------------------------

// Fill is an execution against an order.
type Fill struct {
	TradeID    int64     `json:"tradeId"`
	OrderID    int64     `json:"orderId"`
	AccountID  int64     `json:"accountId"`
	Contract   string    `json:"contract"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	Size       int       `json:"size"`
	Timestamp  time.Time `json:"timestamp"`
	RealizedPL float64   `json:"realizedPl"`
	Fees       float64   `json:"fees"`
	Voided     bool      `json:"voided"`
}

// Position is a net position in one contract.
type Position struct {
	AccountID   int64     `json:"accountId"`
	Contract    string    `json:"contract"`
	Size        int       `json:"size"` // signed: >0 long, <0 short
	AvgPrice    float64   `json:"avgPrice"`
	RealizedPnL float64   `json:"realizedPnl"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Flat reports whether the position holds no contracts.
func (p Position) Flat() bool {
	return p.Size == 0
}

// DailyPnL is the account's P&L for the current trading session.
type DailyPnL struct {
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
}

// Total returns realized plus unrealized P&L.
func (d DailyPnL) Total() float64 {
	return d.Realized + d.Unrealized
}

// AccountState is what the risk gate needs to know about an account.
type AccountState struct {
	AccountID int64
	Equity    float64
	Stale     bool
}

// AbsSize returns the unsigned position size.
func (p *Position) AbsSize() int {
	if p.Size < 0 {
		return -p.Size
	}
	return p.Size
}

// Apply folds a signed fill (positive buys, negative sells) into the
// position and returns the P&L it realizes. Adding to a position averages
// the entry price; reducing realizes P&L against it; reversing opens the
// remainder at price.
func (p *Position) Apply(signed int, price, pointValue float64) float64 {
	if signed == 0 {
		return 0
	}
	if p.Size == 0 || (p.Size > 0) == (signed > 0) {
		total := p.Size + signed
		p.AvgPrice = (p.AvgPrice*float64(p.AbsSize()) + price*float64(absInt(signed))) / float64(absInt(total))
		p.Size = total
		return 0
	}

	closing := min(absInt(signed), p.AbsSize())
	dir := 1.0
	if p.Size < 0 {
		dir = -1
	}
	realized := (price - p.AvgPrice) * float64(closing) * dir * pointValue
	p.Size += signed
	switch {
	case p.Size == 0:
		p.AvgPrice = 0
	case (p.Size > 0) == (signed > 0):
		p.AvgPrice = price
	}
	p.RealizedPnL += realized
	return realized
}

// Unrealized returns open P&L at mark.
func (p Position) Unrealized(mark, pointValue float64) float64 {
	if p.Size == 0 || mark == 0 {
		return 0
	}
	return (mark - p.AvgPrice) * float64(p.Size) * pointValue
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
