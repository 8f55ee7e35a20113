package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"levelx/internal/broker"
	"levelx/internal/config"
	"levelx/internal/domain"
	"levelx/internal/metrics"
)

// ReportSource says where an order report came from.
type ReportSource int

// Report sources.
const (
	FromPush ReportSource = iota
	FromPoll
)

func (s ReportSource) String() string {
	if s == FromPoll {
		return "poll"
	}
	return "push"
}

// maxPlaceAttempts bounds resubmission after timeouts whose lookup found
// nothing.
const maxPlaceAttempts = 3

// OrderOption configures an OrderManager.
type OrderOption func(*OrderManager)

// WithOrderClock sets the clock.
func WithOrderClock(now func() time.Time) OrderOption {
	return func(m *OrderManager) { m.now = now }
}

// WithOrderLogger sets the logger.
func WithOrderLogger(l *slog.Logger) OrderOption {
	return func(m *OrderManager) { m.logger = l }
}

// OnOrder registers a callback for every local order change.
func OnOrder(fn func(domain.Order)) OrderOption {
	return func(m *OrderManager) { m.onOrder = fn }
}

// OnFill registers a callback for every new fill.
func OnFill(fn func(domain.Fill)) OrderOption {
	return func(m *OrderManager) { m.onFill = fn }
}

// OnOrdersHealth registers a callback for reconciliation health. It reports
// false once MaxFailures polls in a row have failed and true on the next
// success.
func OnOrdersHealth(fn func(healthy bool)) OrderOption {
	return func(m *OrderManager) { m.onHealth = fn }
}

// OrderManager tracks orders from submission to a terminal state. It
// reconciles push updates, which apply immediately, with periodic polls,
// which are the broker of record and win after a grace period.
type OrderManager struct {
	gw       broker.Gateway
	cfg      config.OrdersConfig
	now      func() time.Time
	logger   *slog.Logger
	onOrder  func(domain.Order)
	onFill   func(domain.Fill)
	onHealth func(bool)
	started  time.Time

	mu     sync.Mutex
	byTag  map[string]*tracked
	byID   map[int64]*tracked
	trades map[int64]bool
	// orphans holds fills whose order id is not bound yet.
	orphans map[int64][]domain.Fill
}

type tracked struct {
	order domain.Order
	// bracket is the protective pair to place once the entry fills.
	bracket  *domain.Bracket
	placed   bool // bracket children submitted
	inflight bool // PlaceOrder has not returned yet
	parent   string
	children []string
	// disputed holds a poll report that disagrees with local state.
	disputed *domain.OrderReport
	// touched is when a push or a broker acknowledgement last changed the
	// order. Polls older than that may not reflect it yet.
	touched    time.Time
	cancelling bool
}

// childOrder is a bracket leg reserved under the lock and placed after it
// is released.
type childOrder struct {
	t      *tracked
	intent domain.OrderIntent
}

type cancelRequest struct {
	t         *tracked
	accountID int64
	brokerID  int64
}

// notice is work deferred until the lock is released: callbacks and the
// broker calls a change triggers.
type notice struct {
	order    *domain.Order
	fill     *domain.Fill
	children []childOrder
	cancel   *cancelRequest
}

// NewOrderManager creates an OrderManager.
func NewOrderManager(gw broker.Gateway, cfg config.OrdersConfig, opts ...OrderOption) *OrderManager {
	m := &OrderManager{
		gw:      gw,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
		byTag:   make(map[string]*tracked),
		byID:    make(map[int64]*tracked),
		trades:  make(map[int64]bool),
		orphans: make(map[int64][]domain.Fill),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "orders")
	m.started = m.now()
	return m
}

// settle runs deferred notices in order. Broker calls they carry may queue
// more notices, which run after the ones already queued.
func (m *OrderManager) settle(ctx context.Context, ns []notice) {
	for len(ns) > 0 {
		n := ns[0]
		ns = ns[1:]
		if n.order != nil && m.onOrder != nil {
			m.onOrder(*n.order)
		}
		if n.fill != nil && m.onFill != nil {
			m.onFill(*n.fill)
		}
		if len(n.children) > 0 {
			ns = append(ns, m.placeChildren(ctx, n.children)...)
		}
		if n.cancel != nil {
			ns = append(ns, m.cancelSibling(ctx, *n.cancel)...)
		}
	}
}

func snapshot(t *tracked) notice {
	o := t.order
	o.Fills = append([]domain.Fill(nil), t.order.Fills...)
	return notice{order: &o}
}

// Submit places intent unless an order with its tag is already tracked, in
// which case the existing order is returned. A timeout is followed by a
// lookup by tag before any resubmission, and a broker "tag already used"
// rejection adopts the broker's order, so a tag never yields two broker
// orders.
func (m *OrderManager) Submit(ctx context.Context, intent domain.OrderIntent) (domain.Order, error) {
	if intent.Tag == "" {
		return domain.Order{}, errors.New("order intent has no tag")
	}

	m.mu.Lock()
	if t, ok := m.byTag[intent.Tag]; ok {
		o := t.order
		m.mu.Unlock()
		metrics.OrdersSubmitted.WithLabelValues("deduplicated").Inc()
		m.logger.Info("duplicate submission", "tag", intent.Tag, "broker_id", o.BrokerID, "state", o.State)
		return o, nil
	}
	now := m.now()
	t := &tracked{
		order: domain.Order{
			Tag:           intent.Tag,
			AccountID:     intent.AccountID,
			Contract:      intent.Contract,
			Side:          intent.Side,
			Type:          intent.Type,
			Size:          intent.Size,
			State:         domain.OrderPending,
			LimitPrice:    intent.LimitPrice,
			StopPrice:     intent.StopPrice,
			TrailPrice:    intent.TrailPrice,
			LinkedOrderID: intent.LinkedOrderID,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		bracket:  intent.Bracket,
		inflight: true,
	}
	m.byTag[intent.Tag] = t
	m.mu.Unlock()

	id, err := m.place(ctx, intent, now)

	m.mu.Lock()
	t.inflight = false
	var ns []notice
	switch {
	case err == nil:
		bns := m.bindLocked(t, id)
		t.touched = m.now()
		ns = append(ns, snapshot(t))
		ns = append(ns, bns...)
		metrics.OrdersSubmitted.WithLabelValues("placed").Inc()
	case domain.IsRejection(err):
		m.transitionLocked(t, domain.OrderRejected)
		t.order.RejectReason = err.Error()
		ns = append(ns, snapshot(t))
		metrics.OrdersSubmitted.WithLabelValues("rejected").Inc()
	default:
		// Outcome unknown: the order stays Pending until a poll finds it
		// by tag or the grace period passes without it.
		metrics.OrdersSubmitted.WithLabelValues("error").Inc()
	}
	o := t.order
	ns = append(ns, m.afterChangeLocked(t)...)
	m.mu.Unlock()
	m.settle(ctx, ns)

	if err != nil {
		m.logger.Warn("order submission failed", "tag", intent.Tag, "contract", intent.Contract, "error", err)
		return o, fmt.Errorf("submitting %s: %w", intent.Tag, err)
	}
	m.logger.Info("order placed",
		"tag", intent.Tag,
		"broker_id", o.BrokerID,
		"contract", o.Contract,
		"side", o.Side.String(),
		"size", o.Size,
		"type", o.Type.String(),
	)
	return o, nil
}

// place submits intent and resolves lost responses by tag.
func (m *OrderManager) place(ctx context.Context, intent domain.OrderIntent, since time.Time) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < maxPlaceAttempts; attempt++ {
		pctx, cancel := m.withTimeout(ctx)
		id, err := m.gw.PlaceOrder(pctx, intent)
		cancel()
		if err == nil {
			return id, nil
		}
		lastErr = err

		switch {
		case broker.IsDuplicateTag(err):
			if r, ok, lerr := m.lookupTag(ctx, intent.AccountID, intent.Tag, since); lerr == nil && ok {
				m.logger.Info("adopted order with reused tag", "tag", intent.Tag, "broker_id", r.BrokerID)
				return r.BrokerID, nil
			}
			return 0, err
		case domain.IsTransient(err):
			r, ok, lerr := m.lookupTag(ctx, intent.AccountID, intent.Tag, since)
			if lerr != nil {
				return 0, fmt.Errorf("%w (lookup by tag: %v)", err, lerr)
			}
			if ok {
				m.logger.Info("order found by tag after timeout", "tag", intent.Tag, "broker_id", r.BrokerID)
				return r.BrokerID, nil
			}
			m.logger.Warn("order not found after timeout, resubmitting", "tag", intent.Tag, "attempt", attempt+1)
		default:
			return 0, err
		}
	}
	return 0, lastErr
}

func (m *OrderManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.SubmitTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.SubmitTimeout)
	}
	return context.WithCancel(ctx)
}

// lookupTag searches the broker's orders created since since for tag.
func (m *OrderManager) lookupTag(ctx context.Context, accountID int64, tag string, since time.Time) (domain.OrderReport, bool, error) {
	reports, err := m.gw.SearchOrders(ctx, accountID, since.Add(-time.Minute), time.Time{})
	if err != nil {
		return domain.OrderReport{}, false, err
	}
	for _, r := range reports {
		if r.Tag == tag {
			return r, true, nil
		}
	}
	return domain.OrderReport{}, false, nil
}

// bindLocked records the broker id of t and attaches any fills that
// arrived for it first.
func (m *OrderManager) bindLocked(t *tracked, id int64) []notice {
	if t.order.BrokerID == id {
		return nil
	}
	t.order.BrokerID = id
	m.byID[id] = t
	if t.order.State == domain.OrderPending {
		m.transitionLocked(t, domain.OrderWorking)
	}
	return m.claimOrphansLocked(t)
}

func (m *OrderManager) claimOrphansLocked(t *tracked) []notice {
	fills, ok := m.orphans[t.order.BrokerID]
	if !ok {
		return nil
	}
	delete(m.orphans, t.order.BrokerID)
	var ns []notice
	for _, f := range fills {
		ns = append(ns, m.attachFillLocked(t, f)...)
	}
	return ns
}

// transitionLocked applies to if it is an edge of the order DAG.
func (m *OrderManager) transitionLocked(t *tracked, to domain.OrderState) bool {
	from := t.order.State
	if from == to && to != domain.OrderPartiallyFilled {
		return false
	}
	if !domain.CanTransition(from, to) {
		return false
	}
	t.order.State = to
	t.order.UpdatedAt = m.now()
	metrics.OrderTransitions.WithLabelValues(string(to)).Inc()
	m.logger.Info("order transition", "tag", t.order.Tag, "broker_id", t.order.BrokerID, "from", from, "to", to)
	return true
}

// ApplyReport folds a broker order report into local state.
func (m *OrderManager) ApplyReport(ctx context.Context, r domain.OrderReport, src ReportSource) {
	m.mu.Lock()
	ns := m.applyReportLocked(r, src)
	m.mu.Unlock()
	m.settle(ctx, ns)
}

func (m *OrderManager) find(r domain.OrderReport) *tracked {
	if t, ok := m.byID[r.BrokerID]; ok {
		return t
	}
	if r.Tag != "" {
		if t, ok := m.byTag[r.Tag]; ok && (t.order.BrokerID == 0 || t.order.BrokerID == r.BrokerID) {
			return t
		}
	}
	return nil
}

func (m *OrderManager) applyReportLocked(r domain.OrderReport, src ReportSource) []notice {
	t := m.find(r)
	if t == nil {
		// An order this process did not submit. Track it so it shows up
		// in status and reconciliation.
		t = &tracked{order: domain.Order{
			BrokerID:   r.BrokerID,
			Tag:        r.Tag,
			AccountID:  r.AccountID,
			Contract:   r.Contract,
			Side:       r.Side,
			Type:       r.Type,
			Size:       r.Size,
			FilledSize: r.FilledSize,
			State:      r.State,
			CreatedAt:  r.UpdatedAt,
			UpdatedAt:  r.UpdatedAt,
		}}
		m.byID[r.BrokerID] = t
		if _, taken := m.byTag[r.Tag]; r.Tag != "" && !taken {
			m.byTag[r.Tag] = t
		}
		m.logger.Info("tracking external order", "broker_id", r.BrokerID, "contract", r.Contract, "state", r.State)
		return append([]notice{snapshot(t)}, m.claimOrphansLocked(t)...)
	}
	var ns []notice
	if t.order.BrokerID == 0 {
		ns = m.bindLocked(t, r.BrokerID)
	}
	if src == FromPush {
		t.touched = m.now()
	}

	if agrees(t.order, r) {
		t.disputed = nil
		return ns
	}
	if src == FromPoll && m.cfg.GraceWindow > 0 && !t.touched.IsZero() {
		if m.now().Sub(t.touched) < m.cfg.GraceWindow {
			if t.disputed == nil || !agreesReport(*t.disputed, r) {
				cp := r
				t.disputed = &cp
				m.logger.Debug("poll disagrees with a recent push, holding", "tag", t.order.Tag, "local", t.order.State, "poll", r.State)
			}
			return ns
		}
	}
	return append(ns, m.adoptLocked(t, r, src)...)
}

// adoptLocked moves local state to r where the DAG allows it.
func (m *OrderManager) adoptLocked(t *tracked, r domain.OrderReport, src ReportSource) []notice {
	t.disputed = nil
	changed := false
	if r.FilledSize > t.order.FilledSize && !t.order.State.Terminal() {
		t.order.FilledSize = r.FilledSize
		changed = true
	}
	if r.Size > 0 && r.Size != t.order.Size && !t.order.State.Terminal() {
		t.order.Size = r.Size
		changed = true
	}
	if m.transitionLocked(t, r.State) {
		changed = true
	} else if r.State != t.order.State {
		m.logger.Warn("ignoring backward order report",
			"tag", t.order.Tag, "broker_id", t.order.BrokerID, "local", t.order.State, "reported", r.State, "source", src.String())
	}
	if !changed {
		return nil
	}
	t.order.UpdatedAt = m.now()
	return append([]notice{snapshot(t)}, m.afterChangeLocked(t)...)
}

func agrees(o domain.Order, r domain.OrderReport) bool {
	return o.State == r.State && o.FilledSize >= r.FilledSize
}

func agreesReport(a, b domain.OrderReport) bool {
	return a.State == b.State && a.FilledSize == b.FilledSize
}

// ApplyFill records a pushed execution once per trade id. It reports
// whether the fill was new.
func (m *OrderManager) ApplyFill(ctx context.Context, f domain.Fill) bool {
	m.mu.Lock()
	ok, ns := m.applyFillLocked(f, FromPush)
	m.mu.Unlock()
	m.settle(ctx, ns)
	return ok
}

func (m *OrderManager) applyFillLocked(f domain.Fill, src ReportSource) (bool, []notice) {
	if f.Voided || m.trades[f.TradeID] {
		return false, nil
	}
	m.trades[f.TradeID] = true
	cp := f
	ns := []notice{{fill: &cp}}

	t, ok := m.byID[f.OrderID]
	if !ok {
		// The order may be placed but not bound yet.
		m.orphans[f.OrderID] = append(m.orphans[f.OrderID], f)
		return true, ns
	}
	if src == FromPush {
		t.touched = m.now()
	}
	return true, append(ns, m.attachFillLocked(t, f)...)
}

func (m *OrderManager) attachFillLocked(t *tracked, f domain.Fill) []notice {
	t.order.Fills = append(t.order.Fills, f)
	filled := 0
	for _, x := range t.order.Fills {
		filled += x.Size
	}
	if filled > t.order.FilledSize {
		t.order.FilledSize = filled
	}
	next := domain.OrderPartiallyFilled
	if t.order.FilledSize >= t.order.Size {
		next = domain.OrderFilled
	}
	m.transitionLocked(t, next)
	t.order.UpdatedAt = m.now()
	return append([]notice{snapshot(t)}, m.afterChangeLocked(t)...)
}

// afterChangeLocked queues the bracket children once an entry is done
// filling and a cancel of a child's sibling once it fills. The broker calls
// run from settle, after the lock is released.
func (m *OrderManager) afterChangeLocked(t *tracked) []notice {
	var ns []notice
	done := t.order.State == domain.OrderFilled ||
		(t.order.State == domain.OrderCancelled && t.order.FilledSize > 0)
	if t.bracket != nil && !t.placed && done {
		t.placed = true
		if cs := m.reserveBracketLocked(t); len(cs) > 0 {
			ns = append(ns, notice{children: cs})
		}
	}
	if t.parent != "" && t.order.State == domain.OrderFilled {
		ns = append(ns, m.cancelSiblingsLocked(t)...)
	}
	return ns
}

func (m *OrderManager) cancelSiblingsLocked(t *tracked) []notice {
	p, ok := m.byTag[t.parent]
	if !ok {
		return nil
	}
	var ns []notice
	for _, tag := range p.children {
		sib := m.byTag[tag]
		if sib == nil || sib == t || sib.cancelling || sib.order.State.Terminal() || sib.order.BrokerID == 0 {
			continue
		}
		sib.cancelling = true
		ns = append(ns, notice{cancel: &cancelRequest{t: sib, accountID: sib.order.AccountID, brokerID: sib.order.BrokerID}})
	}
	return ns
}

// siblingFilledLocked reports whether another child of t's parent has
// filled.
func (m *OrderManager) siblingFilledLocked(t *tracked) bool {
	p, ok := m.byTag[t.parent]
	if !ok {
		return false
	}
	for _, tag := range p.children {
		if sib := m.byTag[tag]; sib != nil && sib != t && sib.order.State == domain.OrderFilled {
			return true
		}
	}
	return false
}

// reserveBracketLocked tracks the stop and target for the filled quantity
// as in-flight Pending orders, stop first.
func (m *OrderManager) reserveBracketLocked(t *tracked) []childOrder {
	br := t.bracket
	side := t.order.Side.Opposite()
	size := t.order.FilledSize

	var cs []childOrder
	if br.StopPrice > 0 {
		stop := br.StopPrice
		cs = append(cs, m.reserveChildLocked(t, domain.OrderIntent{
			Contract: t.order.Contract, AccountID: t.order.AccountID, Side: side, Size: size,
			Type: domain.OrderTypeStop, StopPrice: &stop, Tag: t.order.Tag + "-sl",
		}))
	}
	if br.TakeProfitPrice > 0 {
		target := br.TakeProfitPrice
		cs = append(cs, m.reserveChildLocked(t, domain.OrderIntent{
			Contract: t.order.Contract, AccountID: t.order.AccountID, Side: side, Size: size,
			Type: domain.OrderTypeLimit, LimitPrice: &target, Tag: t.order.Tag + "-tp",
		}))
	}
	return cs
}

func (m *OrderManager) reserveChildLocked(parent *tracked, in domain.OrderIntent) childOrder {
	now := m.now()
	c := &tracked{
		order: domain.Order{
			Tag: in.Tag, AccountID: in.AccountID, Contract: in.Contract, Side: in.Side, Type: in.Type,
			Size: in.Size, State: domain.OrderPending, LimitPrice: in.LimitPrice, StopPrice: in.StopPrice,
			CreatedAt: now, UpdatedAt: now,
		},
		parent:   parent.order.Tag,
		inflight: true,
	}
	m.byTag[in.Tag] = c
	parent.children = append(parent.children, in.Tag)
	return childOrder{t: c, intent: in}
}

// placeChildren submits reserved bracket legs in order. The target is
// linked to the stop placed before it.
func (m *OrderManager) placeChildren(ctx context.Context, cs []childOrder) []notice {
	var ns []notice
	var stopID int64
	for _, c := range cs {
		in := c.intent
		if in.Type != domain.OrderTypeStop {
			in.LinkedOrderID = stopID
		}
		id, err := m.place(ctx, in, c.t.order.CreatedAt)

		m.mu.Lock()
		c.t.inflight = false
		var bns []notice
		switch {
		case err == nil:
			if in.Type == domain.OrderTypeStop {
				stopID = id
			}
			c.t.order.LinkedOrderID = in.LinkedOrderID
			bns = m.bindLocked(c.t, id)
			c.t.touched = m.now()
			metrics.OrdersSubmitted.WithLabelValues("placed").Inc()
			m.logger.Info("bracket order placed", "tag", in.Tag, "broker_id", id, "type", in.Type.String())
		case domain.IsRejection(err):
			m.transitionLocked(c.t, domain.OrderRejected)
			c.t.order.RejectReason = err.Error()
			metrics.OrdersSubmitted.WithLabelValues("rejected").Inc()
			m.logger.Error("bracket order rejected", "tag", in.Tag, "error", err)
		default:
			metrics.OrdersSubmitted.WithLabelValues("error").Inc()
			m.logger.Error("bracket order failed", "tag", in.Tag, "error", err)
		}
		ns = append(ns, snapshot(c.t))
		ns = append(ns, bns...)
		// A sibling that filled while this leg was in flight could not
		// cancel it.
		if err == nil && !c.t.order.State.Terminal() && !c.t.cancelling && m.siblingFilledLocked(c.t) {
			c.t.cancelling = true
			ns = append(ns, notice{cancel: &cancelRequest{t: c.t, accountID: c.t.order.AccountID, brokerID: id}})
		}
		m.mu.Unlock()
	}
	return ns
}

// cancelSibling cancels the other leg of a filled bracket.
func (m *OrderManager) cancelSibling(ctx context.Context, req cancelRequest) []notice {
	err := m.gw.CancelOrder(ctx, req.accountID, req.brokerID)

	m.mu.Lock()
	defer m.mu.Unlock()
	req.t.cancelling = false
	if err != nil && !domain.IsRejection(err) {
		m.logger.Error("cancelling bracket sibling", "tag", req.t.order.Tag, "error", err)
		return nil
	}
	if !m.transitionLocked(req.t, domain.OrderCancelled) {
		return nil
	}
	req.t.touched = m.now()
	return append([]notice{snapshot(req.t)}, m.afterChangeLocked(req.t)...)
}

// Cancel cancels a working order and applies the acknowledgement.
func (m *OrderManager) Cancel(ctx context.Context, accountID, brokerID int64) error {
	if err := m.gw.CancelOrder(ctx, accountID, brokerID); err != nil {
		return fmt.Errorf("cancelling order %d: %w", brokerID, err)
	}
	m.mu.Lock()
	var ns []notice
	if t, ok := m.byID[brokerID]; ok && m.transitionLocked(t, domain.OrderCancelled) {
		t.touched = m.now()
		ns = append(ns, snapshot(t))
		ns = append(ns, m.afterChangeLocked(t)...)
	}
	m.mu.Unlock()
	m.settle(ctx, ns)
	return nil
}

// Modify changes a working order's size or prices.
func (m *OrderManager) Modify(ctx context.Context, req broker.ModifyRequest) error {
	if err := m.gw.ModifyOrder(ctx, req); err != nil {
		return fmt.Errorf("modifying order %d: %w", req.OrderID, err)
	}
	m.mu.Lock()
	var ns []notice
	if t, ok := m.byID[req.OrderID]; ok {
		if req.Size != nil {
			t.order.Size = *req.Size
		}
		if req.LimitPrice != nil {
			t.order.LimitPrice = req.LimitPrice
		}
		if req.StopPrice != nil {
			t.order.StopPrice = req.StopPrice
		}
		if req.TrailPrice != nil {
			t.order.TrailPrice = req.TrailPrice
		}
		t.order.UpdatedAt = m.now()
		t.touched = t.order.UpdatedAt
		ns = append(ns, snapshot(t))
	}
	m.mu.Unlock()
	m.settle(ctx, ns)
	return nil
}

// Reconcile polls the broker for an account's orders and trades and folds
// them in as broker of record.
func (m *OrderManager) Reconcile(ctx context.Context, accountID int64) error {
	open, err := m.gw.SearchOpenOrders(ctx, accountID)
	if err != nil {
		return fmt.Errorf("polling open orders: %w", err)
	}

	m.mu.Lock()
	openIDs := make(map[int64]bool, len(open))
	for _, r := range open {
		openIDs[r.BrokerID] = true
	}
	// Tracked live orders missing from the open set need their final
	// state from the full search.
	var since time.Time
	for _, t := range m.byTag {
		if t.order.AccountID != accountID || t.order.State.Terminal() || openIDs[t.order.BrokerID] {
			continue
		}
		if since.IsZero() || t.order.CreatedAt.Before(since) {
			since = t.order.CreatedAt
		}
	}
	m.mu.Unlock()

	var all []domain.OrderReport
	if !since.IsZero() {
		all, err = m.gw.SearchOrders(ctx, accountID, since.Add(-time.Minute), time.Time{})
		if err != nil {
			return fmt.Errorf("polling orders: %w", err)
		}
	}
	fills, err := m.gw.SearchTrades(ctx, accountID, m.started.Add(-time.Minute), time.Time{})
	if err != nil {
		return fmt.Errorf("polling trades: %w", err)
	}

	m.mu.Lock()
	var ns []notice
	seen := make(map[int64]bool)
	for _, r := range open {
		seen[r.BrokerID] = true
		ns = append(ns, m.applyReportLocked(r, FromPoll)...)
	}
	for _, r := range all {
		if seen[r.BrokerID] {
			continue
		}
		seen[r.BrokerID] = true
		if t := m.find(r); t == nil || t.order.State.Terminal() {
			continue
		}
		ns = append(ns, m.applyReportLocked(r, FromPoll)...)
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].TradeID < fills[j].TradeID })
	for _, f := range fills {
		_, fns := m.applyFillLocked(f, FromPoll)
		ns = append(ns, fns...)
	}
	ns = append(ns, m.expireUnboundLocked(accountID)...)
	m.mu.Unlock()

	m.settle(ctx, ns)
	return nil
}

// expireUnboundLocked rejects orders whose submission outcome was unknown
// and which the broker still does not know after the grace window.
func (m *OrderManager) expireUnboundLocked(accountID int64) []notice {
	var ns []notice
	now := m.now()
	for _, t := range m.byTag {
		if t.inflight || t.order.AccountID != accountID || t.order.BrokerID != 0 || t.order.State != domain.OrderPending {
			continue
		}
		if now.Sub(t.order.CreatedAt) < m.cfg.GraceWindow+m.cfg.SubmitTimeout {
			continue
		}
		if m.transitionLocked(t, domain.OrderRejected) {
			t.order.RejectReason = "not found at broker"
			ns = append(ns, snapshot(t))
		}
	}
	return ns
}

// Run reconciles every account on the poll interval until ctx ends.
func (m *OrderManager) Run(ctx context.Context, accounts ...int64) error {
	if m.cfg.PollInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	health := newFailureTracker("orders", m.cfg.MaxFailures, m.onHealth, m.logger)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var failed error
			for _, acct := range accounts {
				if err := m.Reconcile(ctx, acct); err != nil {
					m.logger.Warn("order reconciliation failed", "account", acct, "error", err)
					failed = err
				}
			}
			if ctx.Err() == nil {
				health.record(failed)
			}
		}
	}
}

// Order returns the order with tag.
func (m *OrderManager) Order(tag string) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byTag[tag]
	if !ok {
		return domain.Order{}, false
	}
	return *snapshot(t).order, true
}

// Orders returns every tracked order, oldest first.
func (m *OrderManager) Orders() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Order, 0, len(m.byTag)+len(m.byID))
	seen := make(map[*tracked]bool)
	add := func(t *tracked) {
		if seen[t] {
			return
		}
		seen[t] = true
		out = append(out, *snapshot(t).order)
	}
	for _, t := range m.byTag {
		add(t)
	}
	for _, t := range m.byID {
		add(t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}
