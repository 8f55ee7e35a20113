package engine

import (
	"context"
	"fmt"
	"sync"

	"levelx/internal/broker"
	"levelx/internal/domain"
)

// Contracts looks up contract specifications by id.
type Contracts interface {
	Contract(id string) (domain.Contract, bool)
}

// ContractBook caches contract specifications fetched from the gateway.
type ContractBook struct {
	mu        sync.RWMutex
	contracts map[string]domain.Contract
}

// NewContractBook creates a book holding cs.
func NewContractBook(cs ...domain.Contract) *ContractBook {
	b := &ContractBook{contracts: make(map[string]domain.Contract)}
	for _, c := range cs {
		b.contracts[c.ID] = c
	}
	return b
}

// Load fetches every id from gw, replacing cached entries.
func (b *ContractBook) Load(ctx context.Context, gw broker.Gateway, ids ...string) error {
	for _, id := range ids {
		c, err := gw.ContractByID(ctx, id)
		if err != nil {
			return fmt.Errorf("loading contract %s: %w", id, err)
		}
		b.Put(c)
	}
	return nil
}

// Put stores c.
func (b *ContractBook) Put(c domain.Contract) {
	b.mu.Lock()
	b.contracts[c.ID] = c
	b.mu.Unlock()
}

// Contract implements Contracts.
func (b *ContractBook) Contract(id string) (domain.Contract, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.contracts[id]
	return c, ok
}

// pointValue returns the contract's point value, or 1 when unknown.
func pointValue(cs Contracts, id string) float64 {
	if cs == nil {
		return 1
	}
	if c, ok := cs.Contract(id); ok {
		return c.PointValue()
	}
	return 1
}
