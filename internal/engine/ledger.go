package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"levelx/internal/broker"
	"levelx/internal/config"
	"levelx/internal/domain"
	"levelx/internal/metrics"
)

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock sets the clock.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithLedgerLogger sets the logger.
func WithLedgerLogger(lg *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = lg }
}

// WithAuditSink sets where divergences are reported.
func WithAuditSink(s domain.AuditSink) LedgerOption {
	return func(l *Ledger) { l.sink = s }
}

// WithSessionDate sets how timestamps map to trading sessions for the
// daily P&L rollover. The default is the UTC date.
func WithSessionDate(fn func(time.Time) string) LedgerOption {
	return func(l *Ledger) { l.sessionDate = fn }
}

// OnLedgerHealth registers a callback for snapshot health. It reports false
// once MaxFailures snapshots in a row have failed and true on the next
// success.
func OnLedgerHealth(fn func(healthy bool)) LedgerOption {
	return func(l *Ledger) { l.onHealth = fn }
}

// snapshotAttempts bounds how often a snapshot is retaken while trades
// keep landing during it.
const snapshotAttempts = 3

// Ledger is the position and P&L view of one account. Fills are folded as
// they arrive; broker snapshots overwrite local state when they diverge.
type Ledger struct {
	account     int64
	gw          broker.Gateway
	contracts   Contracts
	cfg         config.LedgerConfig
	sink        domain.AuditSink
	now         func() time.Time
	logger      *slog.Logger
	sessionDate func(time.Time) string
	onHealth    func(bool)
	started     time.Time

	mu        sync.Mutex
	positions map[string]*domain.Position
	marks     map[string]float64
	// applied holds the trade ids already folded.
	applied      map[int64]bool
	realized     float64
	day          string
	lastSnapshot time.Time
}

// NewLedger creates the ledger for accountID.
func NewLedger(accountID int64, gw broker.Gateway, contracts Contracts, cfg config.LedgerConfig, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		account:     accountID,
		gw:          gw,
		contracts:   contracts,
		cfg:         cfg,
		sink:        domain.NopSink{},
		now:         time.Now,
		logger:      slog.Default(),
		sessionDate: func(t time.Time) string { return t.UTC().Format("2006-01-02") },
		positions:   make(map[string]*domain.Position),
		marks:       make(map[string]float64),
		applied:     make(map[int64]bool),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("component", "ledger", "account", accountID)
	l.started = l.now()
	l.day = l.sessionDate(l.started)
	return l
}

// AccountID returns the ledger's account.
func (l *Ledger) AccountID() int64 { return l.account }

func (l *Ledger) positionLocked(contract string) *domain.Position {
	p, ok := l.positions[contract]
	if !ok {
		p = &domain.Position{AccountID: l.account, Contract: contract}
		l.positions[contract] = p
	}
	return p
}

// rolloverLocked resets daily P&L when at falls in a new session.
func (l *Ledger) rolloverLocked(at time.Time) {
	day := l.sessionDate(at)
	if day <= l.day {
		return
	}
	l.logger.Info("daily P&L rollover", "from", l.day, "to", day, "realized", l.realized)
	l.day = day
	l.realized = 0
	for _, p := range l.positions {
		p.RealizedPnL = 0
	}
}

// Rollover applies a session rollover at now, if one is due.
func (l *Ledger) Rollover() {
	l.mu.Lock()
	l.rolloverLocked(l.now())
	l.updateGaugeLocked()
	l.mu.Unlock()
}

// ApplyFill folds f into the position once per trade id. Fills for other
// accounts and voided fills are ignored.
func (l *Ledger) ApplyFill(f domain.Fill) (domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyFillLocked(f)
}

func (l *Ledger) applyFillLocked(f domain.Fill) (domain.Position, bool) {
	if f.AccountID != l.account || f.Voided || f.Size <= 0 {
		return domain.Position{}, false
	}
	if f.TradeID != 0 {
		if l.applied[f.TradeID] {
			return domain.Position{}, false
		}
		l.applied[f.TradeID] = true
	}

	at := f.Timestamp
	if at.IsZero() {
		at = l.now()
	}
	l.rolloverLocked(at)

	signed := f.Size
	if f.Side == domain.SideAsk {
		signed = -f.Size
	}
	p := l.positionLocked(f.Contract)
	realized := p.Apply(signed, f.Price, pointValue(l.contracts, f.Contract)) - f.Fees
	p.RealizedPnL -= f.Fees
	p.UpdatedAt = at
	l.realized += realized

	metrics.Fills.Inc()
	l.updateGaugeLocked()
	l.logger.Info("fill applied",
		"trade", f.TradeID,
		"contract", f.Contract,
		"side", f.Side.String(),
		"size", f.Size,
		"price", f.Price,
		"position", p.Size,
		"avg_price", p.AvgPrice,
		"realized", realized,
	)
	return *p, true
}

// Mark records the latest price of contract for unrealized P&L.
func (l *Ledger) Mark(contract string, price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	l.marks[contract] = price
	l.mu.Unlock()
}

// Position returns the position in contract.
func (l *Ledger) Position(contract string) domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[contract]; ok {
		return *p
	}
	return domain.Position{AccountID: l.account, Contract: contract}
}

// Positions returns the non-flat positions sorted by contract.
func (l *Ledger) Positions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		if !p.Flat() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out
}

// DailyPnL returns realized P&L for the current session plus unrealized
// P&L of open positions at the latest marks.
func (l *Ledger) DailyPnL() domain.DailyPnL {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(l.now())
	return l.pnlLocked()
}

func (l *Ledger) pnlLocked() domain.DailyPnL {
	d := domain.DailyPnL{Realized: l.realized}
	for c, p := range l.positions {
		d.Unrealized += p.Unrealized(l.marks[c], pointValue(l.contracts, c))
	}
	return d
}

func (l *Ledger) updateGaugeLocked() {
	metrics.DailyPnL.WithLabelValues(strconv.FormatInt(l.account, 10)).Set(l.pnlLocked().Total())
}

// LastSnapshot returns when the last broker snapshot was applied.
func (l *Ledger) LastSnapshot() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSnapshot
}

// Snapshot pulls the broker's open positions and compares them with the
// folded ones. Trades the positions already reflect are folded first, so a
// later push of the same trade is not counted twice. Each contract that
// still differs beyond tolerance is overwritten with the broker's view and
// reported as a DataIntegrityError.
func (l *Ledger) Snapshot(ctx context.Context) ([]*domain.DataIntegrityError, error) {
	remote, trades, err := l.positionView(ctx)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	sort.Slice(trades, func(i, j int) bool { return trades[i].TradeID < trades[j].TradeID })
	for _, f := range trades {
		if _, ok := l.applyFillLocked(f); ok {
			l.logger.Info("folded trade found by snapshot", "trade", f.TradeID)
		}
	}
	now := l.now()
	byContract := make(map[string]domain.Position, len(remote))
	for _, p := range remote {
		byContract[p.Contract] = p
	}
	var contracts []string
	for c := range byContract {
		contracts = append(contracts, c)
	}
	for c, p := range l.positions {
		if _, ok := byContract[c]; !ok && !p.Flat() {
			contracts = append(contracts, c)
		}
	}
	sort.Strings(contracts)

	var divs []*domain.DataIntegrityError
	for _, c := range contracts {
		local := l.positionLocked(c)
		rp := byContract[c]
		sizeDiff := abs(local.Size - rp.Size)
		priceDiff := 0.0
		if sizeDiff == 0 && rp.Size != 0 {
			priceDiff = math.Abs(local.AvgPrice - rp.AvgPrice)
		}
		if sizeDiff <= l.cfg.SizeTolerance && priceDiff <= l.cfg.PriceTolerance {
			continue
		}
		d := &domain.DataIntegrityError{
			Kind:      "position_divergence",
			AccountID: l.account,
			Contract:  c,
			Local:     float64(local.Size),
			Remote:    float64(rp.Size),
			At:        now,
		}
		if sizeDiff == 0 {
			d.Detail = fmt.Sprintf("average price local=%g remote=%g", local.AvgPrice, rp.AvgPrice)
		}
		divs = append(divs, d)
		local.Size = rp.Size
		local.AvgPrice = rp.AvgPrice
		local.UpdatedAt = now
	}
	l.lastSnapshot = now
	l.updateGaugeLocked()
	l.mu.Unlock()

	for _, d := range divs {
		metrics.LedgerDivergences.Inc()
		l.logger.Warn("position diverged from broker snapshot",
			"contract", d.Contract, "local", d.Local, "remote", d.Remote, "detail", d.Detail)
		ev := domain.Event{
			Kind:      domain.EventIntegrity,
			At:        d.At,
			AccountID: d.AccountID,
			Contract:  d.Contract,
			Message:   d.Error(),
			Fields: map[string]any{
				"kind":   d.Kind,
				"local":  d.Local,
				"remote": d.Remote,
			},
		}
		if err := l.sink.Record(ctx, ev); err != nil {
			l.logger.Error("recording divergence", "error", err)
		}
	}
	return divs, nil
}

// positionView reads open positions between two trade searches and retakes
// them until no trade landed in between, so every trade the positions
// reflect is in the returned set.
func (l *Ledger) positionView(ctx context.Context) ([]domain.Position, []domain.Fill, error) {
	since := l.started.Add(-time.Minute)
	before, err := l.gw.SearchTrades(ctx, l.account, since, time.Time{})
	if err != nil {
		return nil, nil, fmt.Errorf("position snapshot for account %d: trades: %w", l.account, err)
	}
	for attempt := 1; ; attempt++ {
		remote, err := l.gw.SearchOpenPositions(ctx, l.account)
		if err != nil {
			return nil, nil, fmt.Errorf("position snapshot for account %d: %w", l.account, err)
		}
		after, err := l.gw.SearchTrades(ctx, l.account, since, time.Time{})
		if err != nil {
			return nil, nil, fmt.Errorf("position snapshot for account %d: trades: %w", l.account, err)
		}
		if sameTrades(before, after) {
			return remote, after, nil
		}
		if attempt == snapshotAttempts {
			return nil, nil, fmt.Errorf("position snapshot for account %d: trades still arriving after %d attempts", l.account, attempt)
		}
		l.logger.Debug("trades landed during snapshot, retaking", "attempt", attempt)
		before = after
	}
}

func sameTrades(a, b []domain.Fill) bool {
	ids := func(fs []domain.Fill) map[int64]bool {
		m := make(map[int64]bool, len(fs))
		for _, f := range fs {
			if !f.Voided {
				m[f.TradeID] = true
			}
		}
		return m
	}
	x, y := ids(a), ids(b)
	if len(x) != len(y) {
		return false
	}
	for id := range x {
		if !y[id] {
			return false
		}
	}
	return true
}

// Run snapshots on the configured interval until ctx ends.
func (l *Ledger) Run(ctx context.Context) error {
	if l.cfg.SnapshotInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(l.cfg.SnapshotInterval)
	defer ticker.Stop()
	health := newFailureTracker("ledger", l.cfg.MaxFailures, l.onHealth, l.logger)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Rollover()
			_, err := l.Snapshot(ctx)
			if err != nil {
				l.logger.Warn("position snapshot failed", "error", err)
			}
			if ctx.Err() == nil {
				health.record(err)
			}
		}
	}
}
