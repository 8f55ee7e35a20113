package main

import (
	"context"

	"levelx/internal/broker"
	"levelx/internal/domain"
	"levelx/internal/stream"
)

// paperGateway places orders with an in-process simulator while contracts
// and bars come from the real gateway.
type paperGateway struct {
	*broker.Simulator
	data broker.Gateway
}

func newPaperGateway(data broker.Gateway, accountID int64, equity float64) *paperGateway {
	sim := broker.NewSimulator()
	sim.AddAccount(domain.Account{ID: accountID, Name: "paper", Balance: equity, CanTrade: true})
	return &paperGateway{Simulator: sim, data: data}
}

func (p *paperGateway) Name() string { return "paper" }

func (p *paperGateway) SearchContracts(ctx context.Context, text string, live bool) ([]domain.Contract, error) {
	return p.data.SearchContracts(ctx, text, live)
}

func (p *paperGateway) ContractByID(ctx context.Context, id string) (domain.Contract, error) {
	c, err := p.data.ContractByID(ctx, id)
	if err != nil {
		return c, err
	}
	p.AddContract(c)
	return c, nil
}

func (p *paperGateway) RetrieveBars(ctx context.Context, req broker.BarRequest) ([]domain.Bar, error) {
	return p.data.RetrieveBars(ctx, req)
}

// follow marks the simulator with every trade print so resting paper orders
// fill, then passes the event on.
func (p *paperGateway) follow(ctx context.Context, in <-chan stream.MarketEvent, buffer int) <-chan stream.MarketEvent {
	out := make(chan stream.MarketEvent, buffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				if ev.Kind == stream.MarketTrade {
					p.SetMark(ev.Contract, ev.Tick.Price)
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
