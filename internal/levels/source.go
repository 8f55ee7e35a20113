package levels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"levelx/internal/broker"
	"levelx/internal/domain"
	"levelx/internal/store"
)

// GatewayBars reads bars from the broker gateway.
type GatewayBars struct {
	Gateway    broker.Gateway
	Unit       broker.BarUnit
	UnitNumber int
	Live       bool
}

// Bars implements BarSource.
func (g *GatewayBars) Bars(ctx context.Context, contract string, start, end time.Time) ([]domain.Bar, error) {
	unit, n := g.Unit, g.UnitNumber
	if unit == 0 {
		unit = broker.BarUnitMinute
	}
	if n <= 0 {
		n = 1
	}
	return g.Gateway.RetrieveBars(ctx, broker.BarRequest{
		ContractID: contract,
		Live:       g.Live,
		Start:      start,
		End:        end,
		Unit:       unit,
		UnitNumber: n,
	})
}

// BarCache is the storage CachedBars reads through.
type BarCache interface {
	store.BarStore
	HasBars(contract string, start, end time.Time) bool
}

// CachedBars is a read-through cache in front of another BarSource. Only
// whole UTC days that are already over are cached; anything touching the
// current day goes straight to the source.
type CachedBars struct {
	Source BarSource
	Cache  BarCache
	Now    func() time.Time
	Logger *slog.Logger
}

// Bars implements BarSource.
func (c *CachedBars) Bars(ctx context.Context, contract string, start, end time.Time) ([]domain.Bar, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	dayStart := utcDay(start)
	dayEnd := utcDay(end.Add(-time.Nanosecond)).AddDate(0, 0, 1)
	if dayEnd.After(now()) {
		return c.Source.Bars(ctx, contract, start, end)
	}

	if !c.Cache.HasBars(contract, dayStart, dayEnd) {
		bars, err := c.Source.Bars(ctx, contract, dayStart, dayEnd)
		if err != nil {
			return nil, err
		}
		if err := c.Cache.WriteBars(ctx, bars); err != nil {
			// The cache is an optimization; serve from the fetched bars.
			if c.Logger != nil {
				c.Logger.Warn("bar cache write failed", "contract", contract, "error", err)
			}
			return window(bars, start, end), nil
		}
	}

	bars, err := c.Cache.ReadBars(ctx, contract, start, end)
	if err != nil {
		return nil, fmt.Errorf("reading cached bars for %s: %w", contract, err)
	}
	return bars, nil
}

func window(bars []domain.Bar, start, end time.Time) []domain.Bar {
	var out []domain.Bar
	for _, b := range bars {
		if !b.Timestamp.Before(start) && b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	return out
}

func utcDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
