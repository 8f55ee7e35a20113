package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"levelx/internal/broker"
	"levelx/internal/config"
	"levelx/internal/domain"
	"levelx/internal/stream"
)

var es = domain.Contract{ID: "CON.F.US.EP.M25", Name: "ESM5", SymbolID: "F.US.EP", TickSize: 0.25, TickValue: 12.5, Active: true}

func TestParamsForAppliesOverrides(t *testing.T) {
	tol := 0.5
	noTrend := 0
	cfg := config.Default().Strategy
	cfg.Symbols = map[string]config.StrategyOverride{es.ID: {RetestTolerance: &tol, TrendEMA: &noTrend}}

	p := paramsFor(cfg)
	assert.Equal(t, 0.5, p(es.ID).Tolerance)
	assert.Equal(t, cfg.RetestTolerance, p("CON.F.US.ENQ.M25").Tolerance)
	assert.Equal(t, cfg.ConfirmSamples, p(es.ID).ConfirmSamples)
	assert.Equal(t, cfg.SignalTTL, p(es.ID).SignalTTL)
	assert.Equal(t, time.Minute, p(es.ID).BarInterval)
	assert.Zero(t, p(es.ID).TrendEMA)
	assert.Equal(t, 200, p("CON.F.US.ENQ.M25").TrendEMA)
}

func TestPaperGatewayFillsOnTrades(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := broker.NewSimulator()
	data.AddContract(es)
	p := newPaperGateway(data, 7, 50000)
	assert.Equal(t, "paper", p.Name())

	c, err := p.ContractByID(ctx, es.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.25, c.TickSize)

	accounts, err := p.SearchAccounts(ctx, true)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, 50000.0, accounts[0].Balance)

	limit := 4999.0
	_, err = p.PlaceOrder(ctx, domain.OrderIntent{
		Contract: es.ID, AccountID: 7, Side: domain.SideBid, Size: 1,
		Type: domain.OrderTypeLimit, LimitPrice: &limit, Tag: "t1",
	})
	require.NoError(t, err)

	in := make(chan stream.MarketEvent, 1)
	out := p.follow(ctx, in, 4)
	in <- stream.MarketEvent{Kind: stream.MarketTrade, Contract: es.ID, Tick: domain.Tick{Contract: es.ID, Price: 4998.75, Size: 1}}

	select {
	case ev := <-out:
		assert.Equal(t, 4998.75, ev.Tick.Price)
	case <-ctx.Done():
		t.Fatal("event not forwarded")
	}

	open, err := p.SearchOpenOrders(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, open)

	positions, err := p.SearchOpenPositions(ctx, 7)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 1, positions[0].Size)
	assert.Equal(t, 4999.0, positions[0].AvgPrice)
}
