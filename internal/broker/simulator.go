package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"levelx/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*Simulator)(nil)

// Simulator implements Gateway in memory for paper trading and tests. Market
// orders fill at the last mark; limit and stop orders fill when a mark
// crosses their price. Faults can be injected to exercise the failure paths
// of callers.
type Simulator struct {
	mu        sync.Mutex
	now       func() time.Time
	accounts  map[int64]*domain.Account
	contracts map[string]domain.Contract
	bars      map[string][]domain.Bar
	marks     map[string]float64
	orders    map[int64]*simOrder
	tags      map[string]int64
	positions map[int64]map[string]*domain.Position
	trades    []domain.Fill
	nextOrder int64
	nextTrade int64

	placeCalls     int
	timeoutsToSend int
	rejectNext     string
}

type simOrder struct {
	intent  domain.OrderIntent
	id      int64
	state   domain.OrderState
	filled  int
	price   float64
	created time.Time
	updated time.Time
}

// NewSimulator creates a Simulator with no accounts.
func NewSimulator() *Simulator {
	return &Simulator{
		now:       time.Now,
		accounts:  make(map[int64]*domain.Account),
		contracts: make(map[string]domain.Contract),
		bars:      make(map[string][]domain.Bar),
		marks:     make(map[string]float64),
		orders:    make(map[int64]*simOrder),
		tags:      make(map[string]int64),
		positions: make(map[int64]map[string]*domain.Position),
		nextOrder: 1000,
		nextTrade: 5000,
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// SetClock replaces time.Now.
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// AddAccount registers an account.
func (s *Simulator) AddAccount(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := a
	s.accounts[a.ID] = &acct
}

// AddContract registers a contract.
func (s *Simulator) AddContract(c domain.Contract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[c.ID] = c
}

// AddBars appends historical bars for a contract.
func (s *Simulator) AddBars(contract string, bars ...domain.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[contract] = append(s.bars[contract], bars...)
	sort.Slice(s.bars[contract], func(i, j int) bool {
		return s.bars[contract][i].Timestamp.Before(s.bars[contract][j].Timestamp)
	})
}

// TimeoutAfterAccept makes the next n PlaceOrder calls accept the order and
// then report a transport timeout, as if the response had been lost.
func (s *Simulator) TimeoutAfterAccept(n int) {
	s.mu.Lock()
	s.timeoutsToSend = n
	s.mu.Unlock()
}

// RejectNext makes the next PlaceOrder call fail with reason.
func (s *Simulator) RejectNext(reason string) {
	s.mu.Lock()
	s.rejectNext = reason
	s.mu.Unlock()
}

// PlaceCalls returns how many PlaceOrder calls were made.
func (s *Simulator) PlaceCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeCalls
}

// OrderCount returns how many orders the simulated broker holds.
func (s *Simulator) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// SetPosition overwrites the broker-side position, simulating activity the
// local process never observed.
func (s *Simulator) SetPosition(p domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionLocked(p.AccountID, p.Contract)
	cp := p
	s.positions[p.AccountID][p.Contract] = &cp
}

func (s *Simulator) positionLocked(accountID int64, contract string) *domain.Position {
	byContract, ok := s.positions[accountID]
	if !ok {
		byContract = make(map[string]*domain.Position)
		s.positions[accountID] = byContract
	}
	p, ok := byContract[contract]
	if !ok {
		p = &domain.Position{AccountID: accountID, Contract: contract}
		byContract[contract] = p
	}
	return p
}

// SetMark records the last traded price for contract and fills any resting
// orders it crosses. It returns the fills produced.
func (s *Simulator) SetMark(contract string, price float64) []domain.Fill {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[contract] = price

	ids := make([]int64, 0)
	for id, o := range s.orders {
		if o.intent.Contract == contract && !o.state.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var fills []domain.Fill
	for _, id := range ids {
		o := s.orders[id]
		if o.state.Terminal() || !crosses(o.intent, price) {
			continue
		}
		fills = append(fills, s.fillLocked(o, o.intent.Size-o.filled, fillPrice(o.intent, price)))
	}
	return fills
}

func crosses(in domain.OrderIntent, mark float64) bool {
	switch in.Type {
	case domain.OrderTypeMarket:
		return true
	case domain.OrderTypeLimit, domain.OrderTypeJoinBid, domain.OrderTypeJoinAsk:
		if in.LimitPrice == nil {
			return true
		}
		if in.Side == domain.SideBid {
			return mark <= *in.LimitPrice
		}
		return mark >= *in.LimitPrice
	case domain.OrderTypeStop, domain.OrderTypeTrailingStop:
		if in.StopPrice == nil {
			return false
		}
		if in.Side == domain.SideBid {
			return mark >= *in.StopPrice
		}
		return mark <= *in.StopPrice
	}
	return false
}

func fillPrice(in domain.OrderIntent, mark float64) float64 {
	if in.Type == domain.OrderTypeLimit && in.LimitPrice != nil {
		return *in.LimitPrice
	}
	return mark
}

// Fill executes size of an order at price, regardless of marks.
func (s *Simulator) Fill(orderID int64, size int, price float64) (domain.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return domain.Fill{}, fmt.Errorf("order %d: not found", orderID)
	}
	if o.state.Terminal() {
		return domain.Fill{}, fmt.Errorf("order %d: already %s", orderID, o.state)
	}
	if size > o.intent.Size-o.filled {
		size = o.intent.Size - o.filled
	}
	return s.fillLocked(o, size, price), nil
}

func (s *Simulator) fillLocked(o *simOrder, size int, price float64) domain.Fill {
	now := s.now()
	o.filled += size
	o.price = price
	o.updated = now
	if o.filled >= o.intent.Size {
		o.state = domain.OrderFilled
	} else {
		o.state = domain.OrderPartiallyFilled
	}

	s.nextTrade++
	f := domain.Fill{
		TradeID:   s.nextTrade,
		OrderID:   o.id,
		AccountID: o.intent.AccountID,
		Contract:  o.intent.Contract,
		Side:      o.intent.Side,
		Price:     price,
		Size:      size,
		Timestamp: now,
	}

	p := s.positionLocked(o.intent.AccountID, o.intent.Contract)
	signed := size
	if o.intent.Side == domain.SideAsk {
		signed = -size
	}
	f.RealizedPL = p.Apply(signed, price, s.contracts[o.intent.Contract].PointValue())
	p.UpdatedAt = now
	s.trades = append(s.trades, f)

	if o.state == domain.OrderFilled && o.intent.LinkedOrderID != 0 {
		// One-cancels-other for bracket children.
		if sib, ok := s.orders[o.intent.LinkedOrderID]; ok && !sib.state.Terminal() {
			sib.state = domain.OrderCancelled
			sib.updated = now
		}
	}
	return f
}

// ---------------------------------------------------------------------------
// Gateway
// ---------------------------------------------------------------------------

// SearchAccounts returns registered accounts.
func (s *Simulator) SearchAccounts(_ context.Context, onlyActive bool) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if onlyActive && !a.CanTrade {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SearchContracts matches text against contract ids and names.
func (s *Simulator) SearchContracts(_ context.Context, text string, _ bool) ([]domain.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Contract
	for _, c := range s.contracts {
		if text == "" || c.ID == text || c.Name == text || c.SymbolID == text {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ContractByID returns a registered contract.
func (s *Simulator) ContractByID(_ context.Context, id string) (domain.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return domain.Contract{}, fmt.Errorf("contract %s: not found", id)
	}
	return c, nil
}

// RetrieveBars returns stored bars in [Start, End).
func (s *Simulator) RetrieveBars(_ context.Context, req BarRequest) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bar
	for _, b := range s.bars[req.ContractID] {
		if b.Timestamp.Before(req.Start) || !b.Timestamp.Before(req.End) {
			continue
		}
		out = append(out, b)
	}
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[len(out)-req.Limit:]
	}
	return out, nil
}

func (o *simOrder) report() domain.OrderReport {
	return domain.OrderReport{
		BrokerID:   o.id,
		AccountID:  o.intent.AccountID,
		Contract:   o.intent.Contract,
		Tag:        o.intent.Tag,
		State:      o.state,
		Side:       o.intent.Side,
		Type:       o.intent.Type,
		Size:       o.intent.Size,
		FilledSize: o.filled,
		FillPrice:  o.price,
		UpdatedAt:  o.updated,
	}
}

// SearchOrders returns orders created in [start, end].
func (s *Simulator) SearchOrders(_ context.Context, accountID int64, start, end time.Time) ([]domain.OrderReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderReport
	for _, o := range s.orders {
		if o.intent.AccountID != accountID || o.created.Before(start) {
			continue
		}
		if !end.IsZero() && o.created.After(end) {
			continue
		}
		out = append(out, o.report())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerID < out[j].BrokerID })
	return out, nil
}

// SearchOpenOrders returns non-terminal orders.
func (s *Simulator) SearchOpenOrders(_ context.Context, accountID int64) ([]domain.OrderReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderReport
	for _, o := range s.orders {
		if o.intent.AccountID == accountID && !o.state.Terminal() {
			out = append(out, o.report())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerID < out[j].BrokerID })
	return out, nil
}

// PlaceOrder accepts an order. Tags must be unique.
func (s *Simulator) PlaceOrder(_ context.Context, intent domain.OrderIntent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeCalls++

	if s.rejectNext != "" {
		reason := s.rejectNext
		s.rejectNext = ""
		return 0, &domain.BrokerRejection{Op: "Order/place", Code: 2, Message: reason}
	}
	if intent.Size <= 0 {
		return 0, &domain.BrokerRejection{Op: "Order/place", Code: 2, Message: "invalid order size"}
	}
	if _, ok := s.accounts[intent.AccountID]; !ok {
		return 0, &domain.BrokerRejection{Op: "Order/place", Code: 1, Message: "account not found"}
	}
	if intent.Tag != "" {
		if _, used := s.tags[intent.Tag]; used {
			return 0, &domain.BrokerRejection{Op: "Order/place", Code: 2, Message: "custom tag already used"}
		}
	}

	s.nextOrder++
	now := s.now()
	o := &simOrder{intent: intent, id: s.nextOrder, state: domain.OrderWorking, created: now, updated: now}
	s.orders[o.id] = o
	if intent.Tag != "" {
		s.tags[intent.Tag] = o.id
	}

	if intent.Type == domain.OrderTypeMarket {
		if mark, ok := s.marks[intent.Contract]; ok {
			s.fillLocked(o, intent.Size, mark)
		}
	}

	if s.timeoutsToSend > 0 {
		s.timeoutsToSend--
		return 0, &domain.TransientError{Op: "Order/place", Err: context.DeadlineExceeded}
	}
	return o.id, nil
}

// CancelOrder cancels a working order.
func (s *Simulator) CancelOrder(_ context.Context, accountID, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.intent.AccountID != accountID {
		return &domain.BrokerRejection{Op: "Order/cancel", Code: 1, Message: "order not found"}
	}
	if o.state.Terminal() {
		return &domain.BrokerRejection{Op: "Order/cancel", Code: 2, Message: "order is not open"}
	}
	o.state = domain.OrderCancelled
	o.updated = s.now()
	return nil
}

// ModifyOrder changes a working order.
func (s *Simulator) ModifyOrder(_ context.Context, req ModifyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[req.OrderID]
	if !ok || o.intent.AccountID != req.AccountID {
		return &domain.BrokerRejection{Op: "Order/modify", Code: 1, Message: "order not found"}
	}
	if o.state.Terminal() {
		return &domain.BrokerRejection{Op: "Order/modify", Code: 2, Message: "order is not open"}
	}
	if req.Size != nil {
		if *req.Size < o.filled {
			return &domain.BrokerRejection{Op: "Order/modify", Code: 2, Message: "size below filled quantity"}
		}
		o.intent.Size = *req.Size
	}
	if req.LimitPrice != nil {
		o.intent.LimitPrice = req.LimitPrice
	}
	if req.StopPrice != nil {
		o.intent.StopPrice = req.StopPrice
	}
	if req.TrailPrice != nil {
		o.intent.TrailPrice = req.TrailPrice
	}
	o.updated = s.now()
	return nil
}

// SearchOpenPositions returns non-flat positions.
func (s *Simulator) SearchOpenPositions(_ context.Context, accountID int64) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions[accountID] {
		if p.Size != 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out, nil
}

// CloseContract flattens a position at the last mark.
func (s *Simulator) CloseContract(ctx context.Context, accountID int64, contractID string) error {
	s.mu.Lock()
	size := 0
	if p, ok := s.positions[accountID][contractID]; ok {
		size = p.AbsSize()
	}
	s.mu.Unlock()
	if size == 0 {
		return &domain.BrokerRejection{Op: "Position/closeContract", Code: 1, Message: "no open position"}
	}
	return s.PartialCloseContract(ctx, accountID, contractID, size)
}

// PartialCloseContract reduces a position by size at the last mark.
func (s *Simulator) PartialCloseContract(_ context.Context, accountID int64, contractID string, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[accountID][contractID]
	if !ok || p.Size == 0 {
		return &domain.BrokerRejection{Op: "Position/partialCloseContract", Code: 1, Message: "no open position"}
	}
	if size <= 0 || size > p.AbsSize() {
		return &domain.BrokerRejection{Op: "Position/partialCloseContract", Code: 2, Message: "invalid size"}
	}
	mark, ok := s.marks[contractID]
	if !ok {
		return errors.New("simulator: no mark for " + contractID)
	}
	side := domain.SideAsk
	if p.Size < 0 {
		side = domain.SideBid
	}
	s.nextOrder++
	now := s.now()
	o := &simOrder{
		intent:  domain.OrderIntent{Contract: contractID, AccountID: accountID, Side: side, Size: size, Type: domain.OrderTypeMarket},
		id:      s.nextOrder,
		state:   domain.OrderWorking,
		created: now,
		updated: now,
	}
	s.orders[o.id] = o
	s.fillLocked(o, size, mark)
	return nil
}

// SearchTrades returns executions in [start, end].
func (s *Simulator) SearchTrades(_ context.Context, accountID int64, start, end time.Time) ([]domain.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Fill
	for _, f := range s.trades {
		if f.AccountID != accountID || f.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && f.Timestamp.After(end) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}
