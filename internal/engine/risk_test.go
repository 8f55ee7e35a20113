package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"levelx/internal/config"
	"levelx/internal/domain"
)

const esID = "CON.F.US.EP.M25"

var (
	t0 = time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	es = domain.Contract{ID: esID, Name: "ESM5", SymbolID: "F.US.EP", TickSize: 0.25, TickValue: 12.5, Active: true}
)

func baseRisk() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionSize: 5,
		MaxDailyLoss:    1000,
		RiskPerTrade:    500,
		TakeProfitRR:    2,
		StopBufferTicks: 2,
	}
}

func newGate(cfg config.RiskConfig, opts ...RiskOption) *RiskGate {
	opts = append([]RiskOption{WithRiskClock(func() time.Time { return t0 })}, opts...)
	return NewRiskGate(cfg, NewContractBook(es), opts...)
}

// upSignal is a PDH retest: entry 5000.50, touch low 4999.75. With a two
// tick buffer the stop is 4999.25, 1.25 points or $62.50 per contract.
func upSignal() domain.Signal {
	return domain.Signal{
		ID:           "sig-1",
		Contract:     esID,
		Direction:    domain.DirectionUp,
		Confidence:   0.5,
		Level:        domain.Level{Contract: esID, Kind: domain.PriorDayHigh, Price: 5000},
		EntryPrice:   5000.5,
		TouchExtreme: 4999.75,
		CreatedAt:    t0.Add(-10 * time.Second),
		ExpiresAt:    t0.Add(2 * time.Minute),
	}
}

var account = domain.AccountState{AccountID: 7, Equity: 50000}

func requireBreach(t *testing.T, err error, check string) {
	t.Helper()
	require.Error(t, err)
	var rb *domain.RiskLimitBreach
	require.True(t, errors.As(err, &rb), "want RiskLimitBreach, got %v", err)
	assert.Equal(t, check, rb.Check)
	assert.True(t, domain.IsRiskBreach(err))
}

func TestRiskAcceptsAndBuildsBracket(t *testing.T) {
	g := newGate(baseRisk())

	in, err := g.Evaluate(upSignal(), nil, domain.DailyPnL{}, account)
	require.NoError(t, err)
	assert.Equal(t, domain.SideBid, in.Side)
	assert.Equal(t, 5, in.Size, "8 by budget, clamped to the position limit")
	assert.Equal(t, domain.OrderTypeMarket, in.Type)
	assert.Equal(t, "sig-1", in.SignalID)
	require.NotNil(t, in.Bracket)
	assert.Equal(t, 4999.25, in.Bracket.StopPrice)
	assert.Equal(t, 5003.0, in.Bracket.TakeProfitPrice)
	assert.Equal(t, IntentTag("sig-1", esID, domain.SideBid, 5), in.Tag)
}

func TestIntentTagIsDeterministic(t *testing.T) {
	g := newGate(baseRisk())
	a, err := g.Evaluate(upSignal(), nil, domain.DailyPnL{}, account)
	require.NoError(t, err)
	b, err := g.Evaluate(upSignal(), nil, domain.DailyPnL{}, account)
	require.NoError(t, err)
	assert.Equal(t, a.Tag, b.Tag)

	other := upSignal()
	other.ID = "sig-2"
	c, err := g.Evaluate(other, nil, domain.DailyPnL{}, account)
	require.NoError(t, err)
	assert.NotEqual(t, a.Tag, c.Tag)
}

func TestRiskDailyLossRejectsRegardlessOfConfidence(t *testing.T) {
	cfg := baseRisk()
	cfg.ConvictionThreshold = 0.8
	cfg.ConvictionMultiplier = 2
	g := newGate(cfg)

	sig := upSignal()
	sig.Confidence = 1
	_, err := g.Evaluate(sig, nil, domain.DailyPnL{Realized: -1000}, account)
	requireBreach(t, err, "max_daily_loss")

	// One more contract of risk would cross the limit.
	_, err = g.Evaluate(sig, nil, domain.DailyPnL{Realized: -800, Unrealized: -150}, account)
	requireBreach(t, err, "max_daily_loss")
}

func TestRiskDailyLossClampsSize(t *testing.T) {
	g := newGate(baseRisk())
	in, err := g.Evaluate(upSignal(), nil, domain.DailyPnL{Realized: -900}, account)
	require.NoError(t, err)
	assert.Equal(t, 1, in.Size, "only $100 of loss budget remains")
}

func TestRiskRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.RiskConfig, *domain.Signal, *domain.AccountState, *[]domain.Position, *domain.DailyPnL)
		check  string
	}{
		{"expired", func(_ *config.RiskConfig, s *domain.Signal, _ *domain.AccountState, _ *[]domain.Position, _ *domain.DailyPnL) {
			s.ExpiresAt = t0
		}, "expired"},
		{"stale account", func(_ *config.RiskConfig, _ *domain.Signal, a *domain.AccountState, _ *[]domain.Position, _ *domain.DailyPnL) {
			a.Stale = true
		}, "stale_account"},
		{"no equity", func(_ *config.RiskConfig, _ *domain.Signal, a *domain.AccountState, _ *[]domain.Position, _ *domain.DailyPnL) {
			a.Equity = 0
		}, "equity"},
		{"unknown contract", func(_ *config.RiskConfig, s *domain.Signal, _ *domain.AccountState, _ *[]domain.Position, _ *domain.DailyPnL) {
			s.Contract = "CON.F.US.XX.M25"
		}, "contract"},
		{"stop not beyond entry", func(_ *config.RiskConfig, s *domain.Signal, _ *domain.AccountState, _ *[]domain.Position, _ *domain.DailyPnL) {
			s.EntryPrice = 4999
		}, "stop"},
		{"position at limit", func(_ *config.RiskConfig, _ *domain.Signal, _ *domain.AccountState, p *[]domain.Position, _ *domain.DailyPnL) {
			*p = []domain.Position{{AccountID: 7, Contract: esID, Size: 5, AvgPrice: 4990}}
		}, "max_position_size"},
		{"concentration", func(c *config.RiskConfig, _ *domain.Signal, _ *domain.AccountState, _ *[]domain.Position, _ *domain.DailyPnL) {
			// One contract is $250,025 of notional, five times equity.
			c.MaxConcentration = 4
		}, "max_concentration"},
		{"risk concentration", func(c *config.RiskConfig, _ *domain.Signal, _ *domain.AccountState, _ *[]domain.Position, _ *domain.DailyPnL) {
			c.MaxRiskConcentration = 0.001
		}, "max_risk_concentration"},
		{"leverage", func(c *config.RiskConfig, _ *domain.Signal, _ *domain.AccountState, _ *[]domain.Position, _ *domain.DailyPnL) {
			c.MaxLeverage = 1
		}, "max_leverage"},
		{"profit goal", func(c *config.RiskConfig, _ *domain.Signal, _ *domain.AccountState, _ *[]domain.Position, d *domain.DailyPnL) {
			c.DailyProfitGoal = 2000
			d.Realized = 2500
		}, "daily_profit_goal"},
		{"budget below one contract", func(c *config.RiskConfig, _ *domain.Signal, _ *domain.AccountState, _ *[]domain.Position, _ *domain.DailyPnL) {
			c.RiskPerTrade = 50
		}, "sizing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseRisk()
			sig := upSignal()
			acct := account
			var positions []domain.Position
			var pnl domain.DailyPnL
			tt.mutate(&cfg, &sig, &acct, &positions, &pnl)

			_, err := newGate(cfg).Evaluate(sig, positions, pnl, acct)
			requireBreach(t, err, tt.check)
		})
	}
}

func TestRiskHaltAndResume(t *testing.T) {
	g := newGate(baseRisk())
	g.Halt("session degraded")

	reason, halted := g.Halted()
	assert.True(t, halted)
	assert.Equal(t, "session degraded", reason)
	_, err := g.Evaluate(upSignal(), nil, domain.DailyPnL{}, account)
	requireBreach(t, err, "halted")

	g.Resume()
	_, err = g.Evaluate(upSignal(), nil, domain.DailyPnL{}, account)
	assert.NoError(t, err)
}

func TestRiskReducingSignalFlattensOnly(t *testing.T) {
	g := newGate(baseRisk())
	positions := []domain.Position{{AccountID: 7, Contract: esID, Size: -3, AvgPrice: 5010}}

	// Past the loss limit, a signal against the open short still closes it.
	in, err := g.Evaluate(upSignal(), positions, domain.DailyPnL{Realized: -5000}, account)
	require.NoError(t, err)
	assert.Equal(t, domain.SideBid, in.Side)
	assert.Equal(t, 3, in.Size)
	assert.Nil(t, in.Bracket)
}

func TestRiskConcentrationUsesPositionValue(t *testing.T) {
	cfg := baseRisk()
	cfg.MaxConcentration = 0.6
	rich := domain.AccountState{AccountID: 7, Equity: 1_000_000}

	// $62.50 at risk per contract is far inside any risk share, but two
	// contracts are already half the account's equity in notional.
	in, err := newGate(cfg).Evaluate(upSignal(), nil, domain.DailyPnL{}, rich)
	require.NoError(t, err)
	assert.Equal(t, 2, in.Size)

	held := []domain.Position{{AccountID: 7, Contract: esID, Size: 1, AvgPrice: 4990}}
	in, err = newGate(cfg).Evaluate(upSignal(), held, domain.DailyPnL{}, rich)
	require.NoError(t, err)
	assert.Equal(t, 1, in.Size, "the held contract counts toward the position value")

	held[0].Size = 2
	_, err = newGate(cfg).Evaluate(upSignal(), held, domain.DailyPnL{}, rich)
	requireBreach(t, err, "max_concentration")
}

func TestRiskLeverageClampsSize(t *testing.T) {
	cfg := baseRisk()
	cfg.MaxLeverage = 20
	in, err := newGate(cfg).Evaluate(upSignal(), nil, domain.DailyPnL{}, account)
	require.NoError(t, err)
	// $1,000,000 of notional at $250,025 per contract.
	assert.Equal(t, 3, in.Size)
}

func TestRiskSizingModels(t *testing.T) {
	t.Run("kelly", func(t *testing.T) {
		cfg := baseRisk()
		cfg.MaxPositionSize = 0
		cfg.MaxDailyLoss = 0
		cfg.Sizing = "kelly"
		cfg.KellyWinRate = 0.6
		cfg.KellyPayoff = 2
		cfg.KellyFraction = 0.25
		in, err := newGate(cfg).Evaluate(upSignal(), nil, domain.DailyPnL{}, domain.AccountState{AccountID: 7, Equity: 10000})
		require.NoError(t, err)
		// f = 0.6 - 0.4/2 = 0.4, quarter Kelly risks $1000.
		assert.Equal(t, 16, in.Size)
	})
	t.Run("volatility", func(t *testing.T) {
		cfg := baseRisk()
		cfg.MaxPositionSize = 0
		cfg.Sizing = "volatility"
		cfg.VolatilityTarget = 0.01
		g := newGate(cfg, WithVolatility(func(string) (float64, bool) { return 2, true }))
		in, err := g.Evaluate(upSignal(), nil, domain.DailyPnL{}, account)
		require.NoError(t, err)
		assert.Equal(t, 5, in.Size)
	})
	t.Run("conviction", func(t *testing.T) {
		cfg := baseRisk()
		cfg.MaxPositionSize = 0
		cfg.ConvictionThreshold = 0.8
		cfg.ConvictionMultiplier = 1.5
		g := newGate(cfg)

		in, err := g.Evaluate(upSignal(), nil, domain.DailyPnL{}, account)
		require.NoError(t, err)
		assert.Equal(t, 8, in.Size)

		sig := upSignal()
		sig.Confidence = 0.9
		in, err = g.Evaluate(sig, nil, domain.DailyPnL{}, account)
		require.NoError(t, err)
		assert.Equal(t, 12, in.Size)
	})
}

func TestRiskStopBufferBySymbolRoot(t *testing.T) {
	cfg := baseRisk()
	cfg.StopBuffer = map[string]float64{"EP": 1}
	in, err := newGate(cfg).Evaluate(upSignal(), nil, domain.DailyPnL{}, account)
	require.NoError(t, err)
	assert.Equal(t, 4998.75, in.Bracket.StopPrice)
}

func TestRiskShortBracket(t *testing.T) {
	sig := upSignal()
	sig.Direction = domain.DirectionDown
	sig.Level = domain.Level{Contract: esID, Kind: domain.PriorDayLow, Price: 4990}
	sig.EntryPrice = 4989.5
	sig.TouchExtreme = 4990.25

	in, err := newGate(baseRisk()).Evaluate(sig, nil, domain.DailyPnL{}, account)
	require.NoError(t, err)
	assert.Equal(t, domain.SideAsk, in.Side)
	assert.Equal(t, 4990.75, in.Bracket.StopPrice)
	assert.Equal(t, 4987.0, in.Bracket.TakeProfitPrice)
}

func TestRiskLimitEntry(t *testing.T) {
	cfg := baseRisk()
	cfg.EntryType = "limit"
	in, err := newGate(cfg).Evaluate(upSignal(), nil, domain.DailyPnL{}, account)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderTypeLimit, in.Type)
	require.NotNil(t, in.LimitPrice)
	assert.Equal(t, 5000.5, *in.LimitPrice)
}
