// Package engine turns confirmed signals into orders and keeps order and
// position state consistent with the broker: the risk gate, the order
// lifecycle manager, the per-account position ledger and the pipeline that
// connects them to the streams.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"levelx/internal/broker"
	"levelx/internal/config"
	"levelx/internal/domain"
	"levelx/internal/levels"
	"levelx/internal/session"
	"levelx/internal/store"
	"levelx/internal/strategy"
	"levelx/internal/stream"
	"levelx/internal/util"
)

// Config selects what the pipeline trades.
type Config struct {
	// AccountID is the account orders are placed in.
	AccountID int64
	// Accounts are tracked read-only in addition to AccountID.
	Accounts  []int64
	Contracts []string
	Risk      config.RiskConfig
	Orders    config.OrdersConfig
	Ledger    config.LedgerConfig
}

// Deps are the collaborators of the pipeline. Sink, Fills and Publish are
// optional.
type Deps struct {
	Gateway     broker.Gateway
	Levels      *levels.Engine
	Runner      *strategy.Runner
	Contracts   Contracts
	Sink        domain.AuditSink
	Fills       store.FillStore
	Publish     func(domain.Event)
	Logger      *slog.Logger
	Clock       func() time.Time
	SessionDate func(time.Time) string
}

// Engine is the trading pipeline. Market events drive level recomputation
// and the break/retest machines; signals pass the risk gate and become
// orders; user events reconcile orders and positions.
type Engine struct {
	cfg       Config
	gw        broker.Gateway
	levels    *levels.Engine
	runner    *strategy.Runner
	contracts Contracts
	sink      domain.AuditSink
	fills     store.FillStore
	publish   func(domain.Event)
	logger    *slog.Logger
	now       func() time.Time

	risk    *RiskGate
	orders  *OrderManager
	ledgers map[int64]*Ledger

	mu     sync.Mutex
	stale  map[int64]bool
	equity map[int64]float64
	active map[string]bool
	market MarketSubscriptions
	// health reports reconciliation health by component.
	health     func(component string, healthy bool)
	ledgerDown map[int64]bool
}

// ErrNotSubscribed is returned when unsubscribing a contract that is not
// traded.
var ErrNotSubscribed = errors.New("contract is not subscribed")

// MarketSubscriptions is the market stream's subscription control.
type MarketSubscriptions interface {
	Unsubscribe(contracts ...string)
}

// New wires the pipeline.
func New(cfg Config, deps Deps) *Engine {
	e := &Engine{
		cfg:       cfg,
		gw:        deps.Gateway,
		levels:    deps.Levels,
		runner:    deps.Runner,
		contracts: deps.Contracts,
		sink:      deps.Sink,
		fills:     deps.Fills,
		publish:   deps.Publish,
		logger:    deps.Logger,
		now:       deps.Clock,
		ledgers:   make(map[int64]*Ledger),
		stale:     make(map[int64]bool),
		equity:    make(map[int64]float64),
		active:    make(map[string]bool),

		ledgerDown: make(map[int64]bool),
	}
	for _, c := range cfg.Contracts {
		e.active[c] = true
	}
	if e.sink == nil {
		e.sink = domain.NopSink{}
	}
	if e.publish == nil {
		e.publish = func(domain.Event) {}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.contracts == nil {
		e.contracts = NewContractBook()
	}
	base := e.logger
	e.logger = util.Component(base, "engine")

	e.risk = NewRiskGate(cfg.Risk, e.contracts,
		WithRiskClock(e.now),
		WithRiskLogger(base),
		WithVolatility(e.priorRange),
	)
	e.orders = NewOrderManager(e.gw, cfg.Orders,
		WithOrderClock(e.now),
		WithOrderLogger(base),
		OnOrder(e.orderChanged),
		OnFill(e.filled),
		OnOrdersHealth(func(ok bool) { e.reportHealth("orders", ok) }),
	)
	lopts := []LedgerOption{WithLedgerClock(e.now), WithLedgerLogger(base), WithAuditSink(e.sink)}
	if deps.SessionDate != nil {
		lopts = append(lopts, WithSessionDate(deps.SessionDate))
	}
	for _, acct := range e.Accounts() {
		opts := append(lopts[:len(lopts):len(lopts)], OnLedgerHealth(func(ok bool) { e.ledgerHealth(acct, ok) }))
		e.ledgers[acct] = NewLedger(acct, e.gw, e.contracts, cfg.Ledger, opts...)
	}
	return e
}

// Accounts returns every tracked account, trading account first.
func (e *Engine) Accounts() []int64 {
	out := []int64{e.cfg.AccountID}
	for _, a := range e.cfg.Accounts {
		if a != e.cfg.AccountID {
			out = append(out, a)
		}
	}
	return out
}

// OrderManager returns the order manager.
func (e *Engine) OrderManager() *OrderManager { return e.orders }

// Orders returns every tracked order, oldest first.
func (e *Engine) Orders() []domain.Order { return e.orders.Orders() }

// Risk returns the risk gate.
func (e *Engine) Risk() *RiskGate { return e.risk }

// Ledger returns the ledger of an account.
func (e *Engine) Ledger(accountID int64) (*Ledger, bool) {
	l, ok := e.ledgers[accountID]
	return l, ok
}

// priorRange is the prior session's high-low range, used as the
// volatility estimate for sizing.
func (e *Engine) priorRange(contract string) (float64, bool) {
	if e.levels == nil {
		return 0, false
	}
	set, ok := e.levels.Current(contract)
	if !ok {
		return 0, false
	}
	hi, okh := set.Get(domain.PriorDayHigh)
	lo, okl := set.Get(domain.PriorDayLow)
	if !okh || !okl {
		return 0, false
	}
	return hi.Price - lo.Price, true
}

// emit publishes ev to the live feed and records it in the audit sink.
func (e *Engine) emit(ctx context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if ev.ID == "" {
		ev.ID = util.NewID(ev.At)
	}
	e.publish(ev)
	if err := e.sink.Record(ctx, ev); err != nil {
		e.logger.Error("recording event", "kind", ev.Kind, "error", err)
	}
}

// Prepare loads account balances, resynchronizes every account and
// installs the current levels of every contract.
func (e *Engine) Prepare(ctx context.Context) error {
	if err := e.refreshAccounts(ctx); err != nil {
		return err
	}
	for _, acct := range e.Accounts() {
		if err := e.Resync(ctx, acct); err != nil {
			return err
		}
	}
	now := e.now()
	for _, c := range e.cfg.Contracts {
		set, err := e.levels.LevelsFor(ctx, c, now)
		if errors.Is(err, levels.ErrLevelsNotReady) {
			e.logger.Warn("levels not ready", "contract", c, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("levels for %s: %w", c, err)
		}
		e.installLevels(ctx, set)
	}
	return nil
}

func (e *Engine) refreshAccounts(ctx context.Context) error {
	accts, err := e.gw.SearchAccounts(ctx, false)
	if err != nil {
		return fmt.Errorf("loading accounts: %w", err)
	}
	e.mu.Lock()
	for _, a := range accts {
		if _, tracked := e.ledgers[a.ID]; tracked {
			e.equity[a.ID] = a.Balance
		}
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) installLevels(ctx context.Context, set *levels.Set) {
	e.runner.SetLevels(set.Contract, set.Levels)
	fields := map[string]any{"session": set.SessionDate}
	for _, l := range set.Levels {
		fields[string(l.Kind)] = l.Price
	}
	e.emit(ctx, domain.Event{Kind: domain.EventLevels, Contract: set.Contract, Message: "levels installed", Fields: fields})
}

// Resync pulls authoritative order and position state for an account. It
// is the user stream's resync callback: orders first, so missed fills are
// folded before the position snapshot overwrites them.
func (e *Engine) Resync(ctx context.Context, accountID int64) error {
	e.setStale(accountID, true)
	if err := e.orders.Reconcile(ctx, accountID); err != nil {
		return fmt.Errorf("resync account %d: %w", accountID, err)
	}
	if l, ok := e.ledgers[accountID]; ok {
		if _, err := l.Snapshot(ctx); err != nil {
			return fmt.Errorf("resync account %d: %w", accountID, err)
		}
	}
	if err := e.refreshAccounts(ctx); err != nil {
		return fmt.Errorf("resync account %d: %w", accountID, err)
	}
	e.setStale(accountID, false)
	return nil
}

func (e *Engine) setStale(accountID int64, stale bool) {
	e.mu.Lock()
	e.stale[accountID] = stale
	e.mu.Unlock()
}

// SetMarket attaches the market stream whose subscriptions Unsubscribe
// removes.
func (e *Engine) SetMarket(m MarketSubscriptions) {
	e.mu.Lock()
	e.market = m
	e.mu.Unlock()
}

// OnComponentHealth registers where order polling and position snapshot
// health is reported, under the components "orders" and "ledger".
func (e *Engine) OnComponentHealth(fn func(component string, healthy bool)) {
	e.mu.Lock()
	e.health = fn
	e.mu.Unlock()
}

func (e *Engine) reportHealth(component string, healthy bool) {
	e.mu.Lock()
	fn := e.health
	e.mu.Unlock()
	if fn != nil {
		fn(component, healthy)
	}
}

// ledgerHealth reports "ledger" unhealthy while any account's snapshots
// are failing.
func (e *Engine) ledgerHealth(accountID int64, healthy bool) {
	e.mu.Lock()
	if healthy {
		delete(e.ledgerDown, accountID)
	} else {
		e.ledgerDown[accountID] = true
	}
	all := len(e.ledgerDown) == 0
	e.mu.Unlock()
	e.reportHealth("ledger", all)
}

// Subscribed reports whether contract is traded.
func (e *Engine) Subscribed(contract string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[contract]
}

// Unsubscribe stops trading contract. Its market data subscription is
// dropped, its break/retest machines are torn down without emitting a
// signal for any open retest window, and its levels are forgotten. Open
// orders and positions in the contract stay tracked.
func (e *Engine) Unsubscribe(ctx context.Context, contract string) error {
	e.mu.Lock()
	if !e.active[contract] {
		e.mu.Unlock()
		return fmt.Errorf("unsubscribe %s: %w", contract, ErrNotSubscribed)
	}
	delete(e.active, contract)
	market := e.market
	e.mu.Unlock()

	if market != nil {
		market.Unsubscribe(contract)
	}
	e.runner.Remove(contract)
	if e.levels != nil {
		e.levels.Remove(contract)
	}
	e.logger.Info("contract unsubscribed", "contract", contract)
	e.emit(ctx, domain.Event{Kind: domain.EventUnsubscribed, Contract: contract, Message: "contract unsubscribed"})
	return nil
}

// ResetContract discards in-flight break/retest cycles after a market
// data gap.
func (e *Engine) ResetContract(contract string) {
	e.runner.Reset(contract)
	e.emit(context.Background(), domain.Event{
		Kind:     domain.EventStale,
		Contract: contract,
		Message:  "market data gap: break/retest cycles reset",
	})
}

// Halt stops new order submission. Positions stay tracked.
func (e *Engine) Halt(ctx context.Context, reason string) {
	if r, halted := e.risk.Halted(); halted && r == reason {
		return
	}
	e.risk.Halt(reason)
	e.logger.Error("trading halted", "reason", reason)
	e.emit(ctx, domain.Event{Kind: domain.EventHalt, Message: reason})
}

// Resume lifts a halt.
func (e *Engine) Resume(ctx context.Context) {
	if _, halted := e.risk.Halted(); !halted {
		return
	}
	e.risk.Resume()
	e.logger.Info("trading resumed")
	e.emit(ctx, domain.Event{Kind: domain.EventResume, Message: "trading resumed"})
}

// HandleMarket processes one market event.
func (e *Engine) HandleMarket(ctx context.Context, ev stream.MarketEvent) {
	switch ev.Kind {
	case stream.MarketTrade:
		t := ev.Tick
		if !e.Subscribed(t.Contract) {
			return
		}
		set, changed, err := e.levels.Observe(ctx, t.Contract, t.Timestamp)
		switch {
		case errors.Is(err, levels.ErrLevelsNotReady):
			e.logger.Debug("levels not ready", "contract", t.Contract)
		case err != nil:
			e.logger.Warn("level recompute failed", "contract", t.Contract, "error", err)
		}
		if changed && set != nil {
			e.installLevels(ctx, set)
		}
		e.runner.Feed(t)
		e.mark(t.Contract, t.Price)
	case stream.MarketQuote:
		e.mark(ev.Contract, ev.Quote.Last)
	case stream.MarketStale:
		e.logger.Debug("market stale", "contract", ev.Contract, "reason", ev.Reason)
	}
}

func (e *Engine) mark(contract string, price float64) {
	for _, l := range e.ledgers {
		l.Mark(contract, price)
	}
}

// HandleUser processes one user event.
func (e *Engine) HandleUser(ctx context.Context, ev stream.UserEvent) {
	switch ev.Kind {
	case stream.UserOrder:
		e.orders.ApplyReport(ctx, *ev.Order, FromPush)
	case stream.UserTrade:
		e.orders.ApplyFill(ctx, *ev.Fill)
	case stream.UserPosition:
		p := *ev.Position
		e.emit(ctx, domain.Event{
			Kind: domain.EventPosition, AccountID: p.AccountID, Contract: p.Contract,
			Message: "broker position",
			Fields:  map[string]any{"size": p.Size, "avg_price": p.AvgPrice, "source": "broker"},
		})
	case stream.UserAccount:
		a := *ev.Account
		e.mu.Lock()
		if _, tracked := e.ledgers[a.ID]; tracked {
			e.equity[a.ID] = a.Balance
		}
		e.mu.Unlock()
		if a.ID == e.cfg.AccountID && !a.CanTrade {
			e.logger.Warn("trading account cannot trade", "account", a.ID)
		}
	case stream.UserStale:
		e.setStale(ev.AccountID, true)
		e.emit(ctx, domain.Event{Kind: domain.EventStale, AccountID: ev.AccountID, Message: ev.Reason})
	case stream.UserResynced:
		e.setStale(ev.AccountID, false)
		e.emit(ctx, domain.Event{Kind: domain.EventResynced, AccountID: ev.AccountID, Message: "account resynchronized"})
	}
}

// HandleSignal runs a signal through the risk gate and submits the
// resulting intent.
func (e *Engine) HandleSignal(ctx context.Context, sig domain.Signal) {
	e.emit(ctx, domain.Event{
		Kind: domain.EventSignal, At: sig.CreatedAt, Contract: sig.Contract,
		Message: fmt.Sprintf("%s retest of %s %.4f", sig.Direction, sig.Level.Kind, sig.Level.Price),
		Fields: map[string]any{
			"signal":     sig.ID,
			"direction":  string(sig.Direction),
			"confidence": sig.Confidence,
			"entry":      sig.EntryPrice,
			"extreme":    sig.TouchExtreme,
		},
	})

	acct := e.cfg.AccountID
	ledger := e.ledgers[acct]
	e.mu.Lock()
	state := domain.AccountState{AccountID: acct, Equity: e.equity[acct], Stale: e.stale[acct]}
	e.mu.Unlock()

	intent, err := e.risk.Evaluate(sig, ledger.Positions(), ledger.DailyPnL(), state)
	if err != nil {
		var rb *domain.RiskLimitBreach
		check := ""
		if errors.As(err, &rb) {
			check = rb.Check
		}
		e.emit(ctx, domain.Event{
			Kind: domain.EventRiskRejected, AccountID: acct, Contract: sig.Contract, Message: err.Error(),
			Fields: map[string]any{"signal": sig.ID, "check": check},
		})
		return
	}
	fields := map[string]any{"signal": sig.ID, "tag": intent.Tag, "side": intent.Side.String(), "size": intent.Size}
	if intent.Bracket != nil {
		fields["stop"] = intent.Bracket.StopPrice
		fields["target"] = intent.Bracket.TakeProfitPrice
	}
	e.emit(ctx, domain.Event{
		Kind: domain.EventRiskAccepted, AccountID: acct, Contract: sig.Contract,
		Message: "signal accepted", Fields: fields,
	})

	if _, err := e.orders.Submit(ctx, intent); err != nil {
		if domain.IsFatal(err) || domain.IsAuth(err) {
			e.Halt(ctx, fmt.Sprintf("order submission: %v", err))
		}
		if !domain.IsRejection(err) {
			e.logger.Error("order submission failed", "tag", intent.Tag, "error", err)
		}
	}
}

// HandleSession reacts to session status changes.
func (e *Engine) HandleSession(ctx context.Context, s session.Status) {
	e.emit(ctx, domain.Event{Kind: domain.EventSession, Message: "session " + s.String()})
	if s == session.StatusDegraded {
		e.Halt(ctx, "session degraded: re-authentication required")
	}
}

func (e *Engine) orderChanged(o domain.Order) {
	kind := domain.EventOrderUpdate
	if o.State == domain.OrderRejected {
		kind = domain.EventOrderRejected
	}
	e.emit(context.Background(), domain.Event{
		Kind: kind, AccountID: o.AccountID, Contract: o.Contract,
		Message: fmt.Sprintf("order %s %s", o.Tag, o.State),
		Fields: map[string]any{
			"tag":       o.Tag,
			"broker_id": o.BrokerID,
			"state":     string(o.State),
			"side":      o.Side.String(),
			"type":      o.Type.String(),
			"size":      o.Size,
			"filled":    o.FilledSize,
			"reason":    o.RejectReason,
		},
	})
}

func (e *Engine) filled(f domain.Fill) {
	ctx := context.Background()
	if e.fills != nil {
		if err := e.fills.WriteFills(ctx, []domain.Fill{f}); err != nil {
			e.logger.Error("storing fill", "trade", f.TradeID, "error", err)
		}
	}
	e.emit(ctx, domain.Event{
		Kind: domain.EventFill, At: f.Timestamp, AccountID: f.AccountID, Contract: f.Contract,
		Message: fmt.Sprintf("%s %d @ %g", f.Side, f.Size, f.Price),
		Fields:  map[string]any{"trade": f.TradeID, "order": f.OrderID, "price": f.Price, "size": f.Size},
	})
	l, ok := e.ledgers[f.AccountID]
	if !ok {
		return
	}
	p, applied := l.ApplyFill(f)
	if !applied {
		return
	}
	e.emit(ctx, domain.Event{
		Kind: domain.EventPosition, AccountID: p.AccountID, Contract: p.Contract,
		Message: "position updated",
		Fields:  map[string]any{"size": p.Size, "avg_price": p.AvgPrice, "realized": p.RealizedPnL, "source": "ledger"},
	})
}

// Run drives the pipeline until ctx ends. Market events, user events and
// signals are each consumed by their own goroutine so a slow order
// submission never stalls user event reconciliation.
func (e *Engine) Run(ctx context.Context, market <-chan stream.MarketEvent, user <-chan stream.UserEvent, sessions <-chan session.Status) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-market:
				e.HandleMarket(ctx, ev)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-user:
				e.HandleUser(ctx, ev)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sig := <-e.runner.Signals():
				e.HandleSignal(ctx, sig)
			case s := <-sessions:
				e.HandleSession(ctx, s)
			}
		}
	})
	return g.Wait()
}

// AccountStatus is the pipeline's view of one account.
type AccountStatus struct {
	AccountID int64             `json:"accountId"`
	Trading   bool              `json:"trading"`
	Equity    float64           `json:"equity"`
	Stale     bool              `json:"stale"`
	DailyPnL  domain.DailyPnL   `json:"dailyPnl"`
	Positions []domain.Position `json:"positions"`
	Snapshot  time.Time         `json:"lastSnapshot"`
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Halted     bool                     `json:"halted"`
	HaltReason string                   `json:"haltReason,omitempty"`
	Accounts   []AccountStatus          `json:"accounts"`
	Machines   []strategy.MachineStatus `json:"machines"`
	Levels     []*levels.Set            `json:"levels"`
}

// Status returns the current pipeline view.
func (e *Engine) Status() Status {
	reason, halted := e.risk.Halted()
	st := Status{Halted: halted, HaltReason: reason, Machines: e.runner.Status()}
	for _, acct := range e.Accounts() {
		l := e.ledgers[acct]
		e.mu.Lock()
		as := AccountStatus{
			AccountID: acct,
			Trading:   acct == e.cfg.AccountID,
			Equity:    e.equity[acct],
			Stale:     e.stale[acct],
		}
		e.mu.Unlock()
		as.DailyPnL = l.DailyPnL()
		as.Positions = l.Positions()
		as.Snapshot = l.LastSnapshot()
		st.Accounts = append(st.Accounts, as)
	}
	if e.levels != nil {
		st.Levels = e.levels.Snapshot()
		sort.Slice(st.Levels, func(i, j int) bool { return st.Levels[i].Contract < st.Levels[j].Contract })
	}
	return st
}

// Positions returns the open positions of every tracked account.
func (e *Engine) Positions() []domain.Position {
	var out []domain.Position
	for _, acct := range e.Accounts() {
		out = append(out, e.ledgers[acct].Positions()...)
	}
	return out
}

// Levels returns the current level set of contract.
func (e *Engine) Levels(contract string) (*levels.Set, bool) {
	if e.levels == nil {
		return nil, false
	}
	return e.levels.Current(contract)
}
