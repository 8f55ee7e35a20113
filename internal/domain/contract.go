package domain

import (
	"github.com/shopspring/decimal"
)

// Contract is a tradable futures contract. Contracts are immutable once
// fetched; the gateway refreshes them periodically.
type Contract struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	SymbolID    string  `json:"symbolId"`
	TickSize    float64 `json:"tickSize"`
	TickValue   float64 `json:"tickValue"`
	Active      bool    `json:"activeContract"`
}

// PointValue returns the dollar value of a one-point move for one contract.
func (c Contract) PointValue() float64 {
	if c.TickSize <= 0 {
		return 1
	}
	return c.TickValue / c.TickSize
}

// RoundToTick rounds price to the nearest tick increment.
func (c Contract) RoundToTick(price float64) float64 {
	if c.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(c.TickSize)
	p := decimal.NewFromFloat(price)
	f, _ := p.Div(tick).Round(0).Mul(tick).Float64()
	return f
}

// FloorToTick rounds price down to a tick increment.
func (c Contract) FloorToTick(price float64) float64 {
	if c.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(c.TickSize)
	f, _ := decimal.NewFromFloat(price).Div(tick).Floor().Mul(tick).Float64()
	return f
}

// CeilToTick rounds price up to a tick increment.
func (c Contract) CeilToTick(price float64) float64 {
	if c.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(c.TickSize)
	f, _ := decimal.NewFromFloat(price).Div(tick).Ceil().Mul(tick).Float64()
	return f
}
