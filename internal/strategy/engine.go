package strategy

import (
	"log/slog"
	"sort"
	"time"

	"levelx/internal/domain"
	"levelx/internal/metrics"
)

// Key identifies one machine.
type Key struct {
	Contract string
	Kind     domain.LevelKind
}

// MachineStatus is a read-only view of one machine.
type MachineStatus struct {
	Contract      string           `json:"contract"`
	Kind          domain.LevelKind `json:"kind"`
	Level         float64          `json:"level"`
	SessionDate   string           `json:"session_date"`
	State         string           `json:"state"`
	Direction     domain.Direction `json:"direction,omitempty"`
	Confirmations int              `json:"confirmations,omitempty"`
	Deadline      time.Time        `json:"deadline,omitempty"`
	Touches       int              `json:"touches,omitempty"`
	LastOutcome   string           `json:"last_outcome,omitempty"`
}

// Engine is the arena of machines, indexed by (contract, level kind). It is
// not safe for concurrent use; a Runner serializes access per contract.
type Engine struct {
	params   ParamsFunc
	logger   *slog.Logger
	machines map[Key]*machine
	series   map[string]*series
}

// NewEngine creates an empty engine.
func NewEngine(params ParamsFunc, logger *slog.Logger) *Engine {
	if params == nil {
		params = func(string) Params { return DefaultParams() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{params: params, logger: logger, machines: make(map[Key]*machine), series: make(map[string]*series)}
}

// SetLevels installs a contract's level set. A machine whose level is
// unchanged keeps its state; a changed level replaces its machine,
// discarding any in-flight cycle without a signal. Kinds missing from
// levels are torn down.
func (e *Engine) SetLevels(contract string, levels []domain.Level) {
	keep := make(map[Key]bool, len(levels))
	p := e.params(contract)
	for _, l := range levels {
		k := Key{Contract: contract, Kind: l.Kind}
		keep[k] = true
		if m, ok := e.machines[k]; ok && m.level == l {
			continue
		}
		e.machines[k] = newMachine(l, p)
		e.logger.Debug("machine created", "contract", contract, "kind", l.Kind, "level", l.Price)
	}
	for k := range e.machines {
		if k.Contract == contract && !keep[k] {
			delete(e.machines, k)
		}
	}
}

// Remove tears down every machine of a contract. Open retest windows are
// discarded without emitting a signal.
func (e *Engine) Remove(contract string) {
	for k := range e.machines {
		if k.Contract == contract {
			delete(e.machines, k)
		}
	}
	delete(e.series, contract)
}

// Reset returns a contract's machines to Watching, discarding in-flight
// cycles. Used when the contract's feed can no longer be trusted.
func (e *Engine) Reset(contract string) {
	for k, m := range e.machines {
		if k.Contract == contract {
			m.reset()
		}
	}
	if s, ok := e.series[contract]; ok {
		s.bars.drop()
	}
}

// keys returns the contract's machine keys in level-kind order so that
// one tick is applied to its machines deterministically.
func (e *Engine) keys(contract string) []Key {
	var keys []Key
	for _, kind := range domain.LevelKinds {
		k := Key{Contract: contract, Kind: kind}
		if _, ok := e.machines[k]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// Process feeds one tick to the contract's machines and returns the
// signals it confirmed. With a bar interval the tick only updates the open
// bar, and the machines step when a bar closes.
func (e *Engine) Process(t domain.Tick) []domain.Signal {
	s := e.seriesFor(t.Contract)
	if s.bars.interval <= 0 {
		return e.apply(t.Contract, t.Price, func(m *machine) *domain.Signal { return m.step(t) })
	}
	b, closed := s.bars.add(t)
	if !closed {
		return nil
	}
	return e.processBar(s, b)
}

func (e *Engine) seriesFor(contract string) *series {
	s, ok := e.series[contract]
	if !ok {
		p := e.params(contract)
		s = &series{bars: barBuilder{interval: p.BarInterval}, trend: ema{period: p.TrendEMA}}
		e.series[contract] = s
	}
	return s
}

func (e *Engine) processBar(s *series, b domain.Bar) []domain.Signal {
	s.trend.add(b)
	trend, warm := s.trend.current()
	end := s.bars.end(b)
	return e.apply(b.Contract, b.Close, func(m *machine) *domain.Signal {
		m.trend, m.hasTrend = trend, warm
		before := m.state
		sig := m.stepBar(b, end)
		if before == Watching && m.state == Watching && m.beyond(b.Close) {
			e.logger.Debug("break against trend ignored", "contract", b.Contract, "kind", m.level.Kind,
				"close", b.Close, "ema", trend)
		}
		return sig
	})
}

// Flush closes bars whose interval ended by now, for contracts that have
// gone quiet, and returns the signals they confirmed.
func (e *Engine) Flush(now time.Time) []domain.Signal {
	var out []domain.Signal
	for _, s := range e.series {
		if s.bars.interval <= 0 {
			continue
		}
		if b, ok := s.bars.flush(now); ok {
			out = append(out, e.processBar(s, b)...)
		}
	}
	return out
}

// apply runs step on each of the contract's machines in level-kind order.
func (e *Engine) apply(contract string, price float64, step func(*machine) *domain.Signal) []domain.Signal {
	var out []domain.Signal
	for _, k := range e.keys(contract) {
		m := e.machines[k]
		before := m.state
		sig := step(m)
		if m.state != before {
			e.logger.Debug("machine transition", "contract", k.Contract, "kind", k.Kind,
				"from", before.String(), "to", m.state.String(), "price", price)
		}
		if sig == nil {
			continue
		}
		metrics.Signals.WithLabelValues(string(sig.Direction)).Inc()
		e.logger.Info("retest confirmed",
			"signal", sig.ID,
			"contract", sig.Contract,
			"kind", k.Kind,
			"direction", sig.Direction,
			"level", sig.Level.Price,
			"entry", sig.EntryPrice,
			"confidence", sig.Confidence,
		)
		out = append(out, *sig)
	}
	return out
}

// Sweep expires retest windows whose deadline passed without ticks and
// returns how many expired.
func (e *Engine) Sweep(now time.Time) int {
	n := 0
	for k, m := range e.machines {
		if m.sweep(now) {
			n++
			e.logger.Info("retest window expired", "contract", k.Contract, "kind", k.Kind)
		}
	}
	return n
}

// Status returns a view of every machine, sorted by contract and kind.
func (e *Engine) Status() []MachineStatus {
	out := make([]MachineStatus, 0, len(e.machines))
	for k, m := range e.machines {
		s := MachineStatus{
			Contract:    k.Contract,
			Kind:        k.Kind,
			Level:       m.level.Price,
			SessionDate: m.level.SessionDate,
			State:       m.state.String(),
		}
		if m.cand != nil {
			s.Direction = m.cand.Direction
			s.Confirmations = m.cand.Confirmations
		}
		if m.window != nil {
			s.Deadline = m.window.Deadline
			s.Touches = len(m.window.Touches)
		}
		if !m.lastAt.IsZero() {
			s.LastOutcome = m.lastOutcome.String()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Contract != out[j].Contract {
			return out[i].Contract < out[j].Contract
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// state returns the machine state for a key, for tests.
func (e *Engine) state(k Key) (State, bool) {
	m, ok := e.machines[k]
	if !ok {
		return 0, false
	}
	return m.state, true
}
