package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"levelx/internal/config"
	"levelx/internal/domain"
	"levelx/internal/metrics"
)

// tagNamespace scopes idempotency tags to this engine.
var tagNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("levelx.order-tag"))

// IntentTag derives the idempotency tag of an order intent. Re-evaluating
// the same signal into the same order always yields the same tag.
func IntentTag(signalID, contract string, side domain.Side, size int) string {
	name := fmt.Sprintf("%s|%s|%d|%d", signalID, contract, side, size)
	return uuid.NewSHA1(tagNamespace, []byte(name)).String()
}

// RiskOption configures a RiskGate.
type RiskOption func(*RiskGate)

// WithRiskClock sets the clock used for signal expiry.
func WithRiskClock(now func() time.Time) RiskOption {
	return func(g *RiskGate) { g.now = now }
}

// WithRiskLogger sets the logger.
func WithRiskLogger(l *slog.Logger) RiskOption {
	return func(g *RiskGate) { g.logger = l }
}

// WithVolatility supplies a per-contract volatility estimate, in points,
// for volatility-adjusted sizing.
func WithVolatility(fn func(contract string) (float64, bool)) RiskOption {
	return func(g *RiskGate) { g.volatility = fn }
}

// RiskGate validates signals against hard limits and turns accepted ones
// into sized order intents. A rejection is final for its signal.
type RiskGate struct {
	cfg        config.RiskConfig
	contracts  Contracts
	now        func() time.Time
	logger     *slog.Logger
	volatility func(contract string) (float64, bool)

	mu     sync.RWMutex
	halted string
}

// NewRiskGate creates a RiskGate.
func NewRiskGate(cfg config.RiskConfig, contracts Contracts, opts ...RiskOption) *RiskGate {
	g := &RiskGate{
		cfg:        cfg,
		contracts:  contracts,
		now:        time.Now,
		logger:     slog.Default(),
		volatility: func(string) (float64, bool) { return 0, false },
	}
	for _, o := range opts {
		o(g)
	}
	g.logger = g.logger.With("component", "risk")
	return g
}

// Halt rejects every signal until Resume.
func (g *RiskGate) Halt(reason string) {
	if reason == "" {
		reason = "halted"
	}
	g.mu.Lock()
	g.halted = reason
	g.mu.Unlock()
	metrics.TradingHalted.Set(1)
}

// Resume lifts a halt.
func (g *RiskGate) Resume() {
	g.mu.Lock()
	g.halted = ""
	g.mu.Unlock()
	metrics.TradingHalted.Set(0)
}

// Halted returns the halt reason, if halted.
func (g *RiskGate) Halted() (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.halted, g.halted != ""
}

// Evaluate checks sig against the account's positions and daily P&L. It
// returns the sized intent, or a *domain.RiskLimitBreach naming the first
// check that failed.
func (g *RiskGate) Evaluate(sig domain.Signal, positions []domain.Position, pnl domain.DailyPnL, acct domain.AccountState) (domain.OrderIntent, error) {
	intent, err := g.evaluate(sig, positions, pnl, acct)
	if err != nil {
		check := "error"
		var rb *domain.RiskLimitBreach
		if errors.As(err, &rb) {
			check = rb.Check
		}
		metrics.RiskDecisions.WithLabelValues("rejected", check).Inc()
		g.logger.Info("signal rejected", "signal", sig.ID, "contract", sig.Contract, "check", check, "error", err)
		return domain.OrderIntent{}, err
	}
	metrics.RiskDecisions.WithLabelValues("accepted", "").Inc()
	g.logger.Info("signal accepted",
		"signal", sig.ID,
		"contract", sig.Contract,
		"side", intent.Side.String(),
		"size", intent.Size,
		"tag", intent.Tag,
	)
	return intent, nil
}

func (g *RiskGate) evaluate(sig domain.Signal, positions []domain.Position, pnl domain.DailyPnL, acct domain.AccountState) (domain.OrderIntent, error) {
	reject := func(check, format string, args ...any) error {
		return &domain.RiskLimitBreach{Check: check, SignalID: sig.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if sig.Expired(g.now()) {
		return domain.OrderIntent{}, reject("expired", "signal expired at %s", sig.ExpiresAt.Format(time.RFC3339))
	}
	if reason, halted := g.Halted(); halted {
		return domain.OrderIntent{}, reject("halted", "%s", reason)
	}
	if acct.Stale {
		return domain.OrderIntent{}, reject("stale_account", "account %d is resynchronizing", acct.AccountID)
	}
	if acct.Equity <= 0 {
		return domain.OrderIntent{}, reject("equity", "account %d has no equity", acct.AccountID)
	}
	c, ok := g.contracts.Contract(sig.Contract)
	if !ok {
		return domain.OrderIntent{}, reject("contract", "unknown contract %s", sig.Contract)
	}

	side, s := domain.SideBid, 1
	if sig.Direction == domain.DirectionDown {
		side, s = domain.SideAsk, -1
	}
	cur := 0
	for _, p := range positions {
		if p.Contract == sig.Contract {
			cur = p.Size
		}
	}
	if cur*s < 0 {
		// Against an open position: flatten only. Reducing risk is never
		// blocked by the exposure or loss limits.
		return g.intent(sig, c, acct, side, abs(cur), nil), nil
	}

	stop := g.stopPrice(c, sig)
	riskPts := (sig.EntryPrice - stop) * float64(s)
	if riskPts <= 0 {
		return domain.OrderIntent{}, reject("stop", "stop %.4f is not beyond entry %.4f", stop, sig.EntryPrice)
	}
	pv := c.PointValue()
	perContract := riskPts * pv
	held := abs(cur)
	capacity := math.MaxInt

	if limit := g.cfg.MaxPositionSize; limit > 0 {
		if held >= limit {
			return domain.OrderIntent{}, reject("max_position_size", "position %d in %s is at the limit of %d", held, sig.Contract, limit)
		}
		capacity = limit - held
	}

	notional := sig.EntryPrice * pv
	if limit := g.cfg.MaxConcentration; limit > 0 {
		share := float64(held+1) * notional / acct.Equity
		if share > limit {
			return domain.OrderIntent{}, reject("max_concentration", "%s position value would be %.2f%% of equity, above %.2f%%", sig.Contract, share*100, limit*100)
		}
		capacity = min(capacity, int(limit*acct.Equity/notional)-held)
	}

	if limit := g.cfg.MaxRiskConcentration; limit > 0 {
		share := float64(held+1) * perContract / acct.Equity
		if share > limit {
			return domain.OrderIntent{}, reject("max_risk_concentration", "%.2f%% of equity at risk in %s exceeds %.2f%%", share*100, sig.Contract, limit*100)
		}
		capacity = min(capacity, int(limit*acct.Equity/perContract)-held)
	}

	if limit := g.cfg.MaxLeverage; limit > 0 {
		gross := 0.0
		for _, p := range positions {
			gross += float64(p.AbsSize()) * p.AvgPrice * pointValue(g.contracts, p.Contract)
		}
		lev := (gross + notional) / acct.Equity
		if lev > limit {
			return domain.OrderIntent{}, reject("max_leverage", "leverage %.2fx exceeds %.2fx", lev, limit)
		}
		capacity = min(capacity, int((limit*acct.Equity-gross)/notional))
	}

	total := pnl.Total()
	if limit := g.cfg.MaxDailyLoss; limit > 0 {
		if total <= -limit {
			return domain.OrderIntent{}, reject("max_daily_loss", "daily P&L %.2f has breached -%.2f", total, limit)
		}
		if total-perContract < -limit {
			return domain.OrderIntent{}, reject("max_daily_loss", "risk of %.2f would take daily P&L %.2f below -%.2f", perContract, total, limit)
		}
		capacity = min(capacity, int((limit+total)/perContract))
	}
	if goal := g.cfg.DailyProfitGoal; goal > 0 && total >= goal {
		return domain.OrderIntent{}, reject("daily_profit_goal", "daily P&L %.2f reached the goal of %.2f", total, goal)
	}

	size := min(g.size(sig, c, acct.Equity, perContract), capacity)
	if size < 1 {
		return domain.OrderIntent{}, reject("sizing", "risk budget is below one contract at %.2f per contract", perContract)
	}

	br := &domain.Bracket{StopPrice: stop}
	if rr := g.cfg.TakeProfitRR; rr > 0 {
		br.TakeProfitPrice = c.RoundToTick(sig.EntryPrice + float64(s)*rr*riskPts)
	}
	return g.intent(sig, c, acct, side, size, br), nil
}

func (g *RiskGate) intent(sig domain.Signal, c domain.Contract, acct domain.AccountState, side domain.Side, size int, br *domain.Bracket) domain.OrderIntent {
	in := domain.OrderIntent{
		Contract:  sig.Contract,
		AccountID: acct.AccountID,
		Side:      side,
		Size:      size,
		Type:      domain.OrderTypeMarket,
		Tag:       IntentTag(sig.ID, sig.Contract, side, size),
		SignalID:  sig.ID,
		Bracket:   br,
	}
	if g.cfg.EntryType == "limit" {
		px := c.RoundToTick(sig.EntryPrice)
		in.Type = domain.OrderTypeLimit
		in.LimitPrice = &px
	}
	return in
}

// size applies the configured sizing model. The result is not yet clamped
// to the limits.
func (g *RiskGate) size(sig domain.Signal, c domain.Contract, equity, perContract float64) int {
	budget := g.cfg.RiskPerTrade
	if budget <= 0 {
		budget = equity * g.cfg.RiskPct
	}
	raw := budget / perContract

	switch g.cfg.Sizing {
	case "kelly":
		f := 0.0
		if r := g.cfg.KellyPayoff; r > 0 {
			w := g.cfg.KellyWinRate
			f = w - (1-w)/r
		}
		frac := g.cfg.KellyFraction
		if frac <= 0 {
			frac = 1
		}
		raw = equity * math.Max(0, f) * frac / perContract
	case "volatility":
		if vol, ok := g.volatility(sig.Contract); ok && vol > 0 && g.cfg.VolatilityTarget > 0 {
			raw = equity * g.cfg.VolatilityTarget / (vol * c.PointValue())
		}
	}

	if m, th := g.cfg.ConvictionMultiplier, g.cfg.ConvictionThreshold; m > 0 && th > 0 && sig.Confidence >= th {
		raw *= m
	}
	return int(math.Floor(raw + 1e-9))
}

// stopPrice places the protective stop beyond the touch extreme.
func (g *RiskGate) stopPrice(c domain.Contract, sig domain.Signal) float64 {
	ref := sig.TouchExtreme
	if ref == 0 {
		ref = sig.Level.Price
	}
	buf := g.stopBuffer(c)
	if sig.Direction == domain.DirectionDown {
		return c.CeilToTick(ref + buf)
	}
	return c.FloorToTick(ref - buf)
}

// stopBuffer looks the contract up by id, name, symbol id and symbol root
// (e.g. "MES" for "F.US.MES") before falling back to the tick buffer.
func (g *RiskGate) stopBuffer(c domain.Contract) float64 {
	keys := []string{c.ID, c.Name, c.SymbolID}
	if i := strings.LastIndexByte(c.SymbolID, '.'); i >= 0 {
		keys = append(keys, c.SymbolID[i+1:])
	}
	for _, k := range keys {
		if v, ok := g.cfg.StopBuffer[k]; ok && k != "" {
			return v
		}
	}
	return float64(g.cfg.StopBufferTicks) * c.TickSize
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
