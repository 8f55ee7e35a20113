// Package levels computes per-contract reference price levels (prior-day
// high/low and pre-market high/low) for each trading-calendar session.
package levels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"levelx/internal/domain"
	"levelx/internal/metrics"
	"levelx/internal/util"
)

// ErrLevelsNotReady is returned until a full prior session is available.
var ErrLevelsNotReady = errors.New("levels not ready")

// BarSource supplies historical bars for [start, end).
type BarSource interface {
	Bars(ctx context.Context, contract string, start, end time.Time) ([]domain.Bar, error)
}

// Set is an immutable level set for one contract and session date. A new
// session produces a new Set; existing Sets are never modified.
type Set struct {
	Contract    string         `json:"contract"`
	SessionDate string         `json:"session_date"`
	ComputedAt  time.Time      `json:"computed_at"`
	Levels      []domain.Level `json:"levels"`
}

// Get returns the level of the given kind.
func (s *Set) Get(kind domain.LevelKind) (domain.Level, bool) {
	for _, l := range s.Levels {
		if l.Kind == kind {
			return l, true
		}
	}
	return domain.Level{}, false
}

// HasPreMarket reports whether PMH/PML are included.
func (s *Set) HasPreMarket() bool {
	_, ok := s.Get(domain.PreMarketHigh)
	return ok
}

// boundary identifies the part of a session a level set was computed for.
// A change in either field is a session-boundary crossing.
type boundary struct {
	date         string
	preMarketEnd bool
}

type entry struct {
	set     *Set
	at      boundary
	retryAt time.Time // set when the last computation failed
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithRetryInterval sets how long (in tick time) Observe waits before
// retrying a failed computation within the same boundary.
func WithRetryInterval(d time.Duration) Option { return func(e *Engine) { e.retryEvery = d } }

// OnChange registers a callback invoked with every newly computed Set.
func OnChange(fn func(*Set)) Option { return func(e *Engine) { e.onChange = fn } }

// Engine computes and caches level sets.
type Engine struct {
	source     BarSource
	cal        *util.TradingCalendar
	logger     *slog.Logger
	retryEvery time.Duration
	onChange   func(*Set)

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewEngine creates an Engine reading bars from source.
func NewEngine(source BarSource, cal *util.TradingCalendar, opts ...Option) *Engine {
	e := &Engine{
		source:     source,
		cal:        cal,
		logger:     slog.Default(),
		retryEvery: time.Minute,
		entries:    make(map[string]*entry),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = util.Component(e.logger, "levels")
	return e
}

func (e *Engine) boundaryAt(asOf time.Time) boundary {
	b := boundary{date: e.cal.SessionDate(asOf)}
	if e.cal.IsTradingDay(asOf) {
		_, pmEnd := e.cal.PreMarket(asOf)
		b.preMarketEnd = !asOf.Before(pmEnd)
	}
	return b
}

// LevelsFor returns the level set in effect for contract at asOf. PDH/PDL
// come from the prior completed regular session; PMH/PML are included once
// the pre-market window of asOf's session has ended.
func (e *Engine) LevelsFor(ctx context.Context, contract string, asOf time.Time) (*Set, error) {
	at := e.boundaryAt(asOf)

	e.mu.RLock()
	cur := e.entries[contract]
	e.mu.RUnlock()
	if cur != nil && cur.set != nil && cur.at == at {
		return cur.set, nil
	}

	set, err := e.compute(ctx, contract, asOf)
	if err != nil {
		return nil, err
	}
	e.install(contract, at, set)
	return set, nil
}

// Observe feeds a tick timestamp. When ts crosses a session boundary (a new
// session date or the end of pre-market) the contract's levels are
// recomputed and the new Set is returned with changed=true.
func (e *Engine) Observe(ctx context.Context, contract string, ts time.Time) (set *Set, changed bool, err error) {
	at := e.boundaryAt(ts)

	e.mu.RLock()
	cur := e.entries[contract]
	e.mu.RUnlock()
	if cur != nil && cur.at == at && (cur.set != nil || ts.Before(cur.retryAt)) {
		return cur.set, false, nil
	}

	set, err = e.compute(ctx, contract, ts)
	if err != nil {
		e.mu.Lock()
		prev := e.entries[contract]
		ne := &entry{at: at, retryAt: ts.Add(e.retryEvery)}
		if prev != nil && prev.at.date == at.date {
			// Keep serving the PDH/PDL set computed earlier this session.
			ne.set = prev.set
		}
		e.entries[contract] = ne
		e.mu.Unlock()
		return ne.set, false, err
	}
	e.install(contract, at, set)
	return set, true, nil
}

// Current returns the latest computed Set for contract.
func (e *Engine) Current(contract string) (*Set, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.entries[contract]
	if !ok || en.set == nil {
		return nil, false
	}
	return en.set, true
}

// Snapshot returns the latest Set of every contract.
func (e *Engine) Snapshot() []*Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Set, 0, len(e.entries))
	for _, en := range e.entries {
		if en.set != nil {
			out = append(out, en.set)
		}
	}
	return out
}

// Remove forgets contract.
func (e *Engine) Remove(contract string) {
	e.mu.Lock()
	delete(e.entries, contract)
	e.mu.Unlock()
}

func (e *Engine) install(contract string, at boundary, set *Set) {
	e.mu.Lock()
	e.entries[contract] = &entry{set: set, at: at}
	e.mu.Unlock()

	attrs := []any{"contract", contract, "session", set.SessionDate}
	for _, l := range set.Levels {
		attrs = append(attrs, string(l.Kind), l.Price)
	}
	e.logger.Info("levels computed", attrs...)
	metrics.LevelRecomputes.Inc()
	if e.onChange != nil {
		e.onChange(set)
	}
}

func (e *Engine) compute(ctx context.Context, contract string, asOf time.Time) (*Set, error) {
	prev := e.cal.PreviousTradingDay(asOf)
	open, closeAt := e.cal.RegularSession(prev)

	bars, err := e.source.Bars(ctx, contract, open, closeAt)
	if err != nil {
		return nil, fmt.Errorf("prior session bars for %s: %w", contract, err)
	}
	hi, lo, ok := extremes(bars)
	if !ok {
		return nil, fmt.Errorf("%w: no %s regular-session bars for %s", ErrLevelsNotReady, e.cal.SessionDate(prev), contract)
	}

	date := e.cal.SessionDate(asOf)
	set := &Set{
		Contract:    contract,
		SessionDate: date,
		ComputedAt:  asOf,
		Levels: []domain.Level{
			{Contract: contract, Kind: domain.PriorDayHigh, Price: hi, SessionDate: date},
			{Contract: contract, Kind: domain.PriorDayLow, Price: lo, SessionDate: date},
		},
	}

	if !e.cal.IsTradingDay(asOf) {
		return set, nil
	}
	pmStart, pmEnd := e.cal.PreMarket(asOf)
	if asOf.Before(pmEnd) {
		return set, nil
	}
	pre, err := e.source.Bars(ctx, contract, pmStart, pmEnd)
	if err != nil {
		return nil, fmt.Errorf("pre-market bars for %s: %w", contract, err)
	}
	if hi, lo, ok := extremes(pre); ok {
		set.Levels = append(set.Levels,
			domain.Level{Contract: contract, Kind: domain.PreMarketHigh, Price: hi, SessionDate: date},
			domain.Level{Contract: contract, Kind: domain.PreMarketLow, Price: lo, SessionDate: date},
		)
	} else {
		e.logger.Warn("no pre-market bars", "contract", contract, "session", date)
	}
	return set, nil
}

func extremes(bars []domain.Bar) (hi, lo float64, ok bool) {
	for i, b := range bars {
		if i == 0 || b.High > hi {
			hi = b.High
		}
		if i == 0 || b.Low < lo {
			lo = b.Low
		}
	}
	return hi, lo, len(bars) > 0
}
