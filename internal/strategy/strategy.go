// Package strategy implements the level break/retest state machine. One
// machine runs per (contract, level kind); an Engine is the arena holding a
// contract's machines and a Runner gives every contract its own goroutine.
package strategy

import (
	"math"
	"time"

	"levelx/internal/domain"
	"levelx/internal/util"
)

// Params configures break and retest detection.
type Params struct {
	// ConfirmSamples is the number of closes beyond the level that confirm
	// a break.
	ConfirmSamples int
	// MinBreakVolume is the minimum volume accumulated over the
	// confirming closes.
	MinBreakVolume float64
	// Tolerance is the half-width of the retest zone around the level.
	Tolerance float64
	// RetestTimeout bounds the retest window, measured from the break.
	RetestTimeout time.Duration
	// MinHold is how long a touch must stay in the zone to qualify.
	MinHold time.Duration
	// MaxAdverse is the largest allowed excursion past the level during a
	// touch. Zero means only the zone bounds it.
	MaxAdverse float64
	// SignalTTL is how long a signal stays actionable.
	SignalTTL time.Duration
	// BarInterval aggregates trades into bars of this length and steps the
	// machines once per closed bar. Zero steps them on every trade.
	BarInterval time.Duration
	// TrendEMA is the period of the bar EMA that filters breaks: an up
	// break closing below it and a down break closing above it are
	// ignored. Zero disables the filter, as does an EMA that has not seen
	// TrendEMA bars yet.
	TrendEMA int
}

// DefaultParams returns the defaults used when no configuration is given.
func DefaultParams() Params {
	return Params{
		ConfirmSamples: 2,
		Tolerance:      0.02,
		RetestTimeout:  30 * time.Minute,
		SignalTTL:      2 * time.Minute,
	}
}

// ParamsFunc returns the parameters for a contract.
type ParamsFunc func(contract string) Params

// State is a machine state.
type State int

// Machine states. Confirmed and Expired end a cycle and are reported as the
// outcome of the tick or sweep that caused them; the machine itself is
// back in Watching afterwards.
const (
	Watching State = iota
	BreakPending
	Broken
	RetestPending
	Confirmed
	Expired
)

func (s State) String() string {
	switch s {
	case BreakPending:
		return "break_pending"
	case Broken:
		return "broken"
	case RetestPending:
		return "retest_pending"
	case Confirmed:
		return "confirmed"
	case Expired:
		return "expired"
	default:
		return "watching"
	}
}

// machine is the state machine for one level.
type machine struct {
	level  domain.Level
	params Params
	state  State
	// side is where price sits relative to the level: -1 below, +1 above.
	side   int
	cand   *domain.BreakCandidate
	window *domain.RetestWindow
	touch  *domain.Touch
	// trend is the trend EMA at the current bar, when known.
	trend    float64
	hasTrend bool

	// lastOutcome records how the previous cycle ended.
	lastOutcome State
	lastAt      time.Time
}

func newMachine(level domain.Level, p Params) *machine {
	m := &machine{level: level, params: p}
	m.reset()
	return m
}

// reset returns to Watching, discarding any in-flight cycle. Price is
// assumed to approach resistance from below and support from above.
func (m *machine) reset() {
	m.state = Watching
	m.cand = nil
	m.window = nil
	m.touch = nil
	if m.level.Kind.Resistance() {
		m.side = -1
	} else {
		m.side = 1
	}
}

func dirSign(d domain.Direction) int {
	if d == domain.DirectionUp {
		return 1
	}
	return -1
}

// beyond reports whether price has closed through the level from m.side.
func (m *machine) beyond(price float64) bool {
	if m.side < 0 {
		return price > m.level.Price
	}
	return price < m.level.Price
}

// counterTrend reports whether a break in dir closing at price goes
// against the trend EMA.
func (m *machine) counterTrend(dir domain.Direction, price float64) bool {
	if !m.hasTrend {
		return false
	}
	if dir == domain.DirectionUp {
		return price < m.trend
	}
	return price > m.trend
}

// step feeds one tick and returns a signal when a retest confirms.
func (m *machine) step(t domain.Tick) *domain.Signal {
	switch m.state {
	case Watching:
		if !m.beyond(t.Price) {
			return nil
		}
		dir := domain.DirectionUp
		if m.side > 0 {
			dir = domain.DirectionDown
		}
		if m.counterTrend(dir, t.Price) {
			return nil
		}
		m.cand = &domain.BreakCandidate{
			Contract:     m.level.Contract,
			Level:        m.level,
			Direction:    dir,
			FirstBreakAt: t.Timestamp,
		}
		m.state = BreakPending
		m.confirm(t)
		return nil

	case BreakPending:
		if !m.beyond(t.Price) {
			m.state = Watching
			m.cand = nil
			return nil
		}
		m.confirm(t)
		return nil

	case Broken, RetestPending:
		if !t.Timestamp.Before(m.window.Deadline) {
			m.expire(t.Timestamp)
			return m.step(t)
		}
		return m.retest(t)
	}
	return nil
}

// confirm counts a close beyond the level and opens the retest window once
// enough confirming closes and volume have accumulated. The confirming
// tick itself is never a touch.
func (m *machine) confirm(t domain.Tick) {
	m.cand.Confirmations++
	m.cand.Volume += t.Size
	if m.cand.Confirmations < m.params.ConfirmSamples || m.cand.Volume < m.params.MinBreakVolume {
		return
	}
	m.state = Broken
	m.side = dirSign(m.cand.Direction)
	m.window = &domain.RetestWindow{
		Break:    *m.cand,
		BrokenAt: t.Timestamp,
		Deadline: t.Timestamp.Add(m.params.RetestTimeout),
	}
}

func (m *machine) retest(t domain.Tick) *domain.Signal {
	d := dirSign(m.cand.Direction)
	// dist > 0 is on the broken side of the level.
	dist := (t.Price - m.level.Price) * float64(d)
	tol := m.params.Tolerance

	switch {
	case dist < -tol:
		// Closed back through the level: an opposite-direction break
		// cancels this cycle and starts a new one from Watching.
		m.endTouch(t.Timestamp)
		m.finish(Watching, t.Timestamp)
		return m.step(t)

	case dist > tol:
		if m.touch != nil {
			m.endTouch(t.Timestamp)
			m.state = Broken
		}
		return nil
	}

	adverse := math.Max(0, -dist)
	if m.touch == nil {
		m.touch = &domain.Touch{Start: t.Timestamp, Extreme: t.Price}
		m.state = RetestPending
	}
	m.touch.End = t.Timestamp
	if (d > 0 && t.Price < m.touch.Extreme) || (d < 0 && t.Price > m.touch.Extreme) {
		m.touch.Extreme = t.Price
	}
	m.touch.MaxAdverse = math.Max(m.touch.MaxAdverse, adverse)

	if m.params.MaxAdverse > 0 && m.touch.MaxAdverse > m.params.MaxAdverse {
		m.touch.Disqualified = "adverse excursion"
		return nil
	}
	if m.touch.Disqualified != "" || t.Timestamp.Sub(m.touch.Start) < m.params.MinHold {
		return nil
	}

	m.touch.Qualified = true
	sig := m.signal(t)
	m.endTouch(t.Timestamp)
	m.finish(Confirmed, t.Timestamp)
	return sig
}

// stepBar feeds one closed bar ending at end. Breaks count bar closes; a
// retest is a bar whose wick reaches the zone and whose close rejects the
// level, finishing in the half of the bar away from it.
func (m *machine) stepBar(b domain.Bar, end time.Time) *domain.Signal {
	closeTick := domain.Tick{Contract: b.Contract, Price: b.Close, Size: b.Volume, Timestamp: end}
	switch m.state {
	case Watching, BreakPending:
		return m.step(closeTick)
	case Broken, RetestPending:
		if !end.Before(m.window.Deadline) {
			m.expire(end)
			return m.stepBar(b, end)
		}
		return m.retestBar(b, end, closeTick)
	}
	return nil
}

func (m *machine) retestBar(b domain.Bar, end time.Time, closeTick domain.Tick) *domain.Signal {
	d := dirSign(m.cand.Direction)
	tol := m.params.Tolerance
	wick := b.Low
	if d < 0 {
		wick = b.High
	}
	closeDist := (b.Close - m.level.Price) * float64(d)
	wickDist := (wick - m.level.Price) * float64(d)

	switch {
	case closeDist < -tol:
		m.endTouch(end)
		m.finish(Watching, end)
		return m.step(closeTick)

	case wickDist > tol:
		if m.touch != nil {
			m.endTouch(end)
			m.state = Broken
		}
		return nil
	}

	if m.touch == nil {
		m.touch = &domain.Touch{Start: b.Timestamp, Extreme: wick}
		m.state = RetestPending
	}
	m.touch.End = end
	if (d > 0 && wick < m.touch.Extreme) || (d < 0 && wick > m.touch.Extreme) {
		m.touch.Extreme = wick
	}
	m.touch.MaxAdverse = math.Max(m.touch.MaxAdverse, math.Max(0, -wickDist))

	switch {
	case wickDist < -tol:
		m.touch.Disqualified = "wick through zone"
	case m.params.MaxAdverse > 0 && m.touch.MaxAdverse > m.params.MaxAdverse:
		m.touch.Disqualified = "adverse excursion"
	}
	if m.touch.Disqualified != "" || end.Sub(m.touch.Start) < m.params.MinHold {
		return nil
	}
	mid := (b.High + b.Low) / 2
	if (d > 0 && b.Close < mid) || (d < 0 && b.Close > mid) {
		return nil
	}

	m.touch.Qualified = true
	sig := m.signal(closeTick)
	m.endTouch(end)
	m.finish(Confirmed, end)
	return sig
}

func (m *machine) endTouch(at time.Time) {
	if m.touch == nil {
		return
	}
	m.touch.End = at
	m.window.Touches = append(m.window.Touches, *m.touch)
	m.touch = nil
}

func (m *machine) expire(at time.Time) {
	m.endTouch(at)
	m.finish(Expired, at)
}

// finish ends the cycle. Price stays on the side it broke to.
func (m *machine) finish(outcome State, at time.Time) {
	side := m.side
	m.reset()
	m.side = side
	m.lastOutcome = outcome
	m.lastAt = at
}

// sweep expires an open retest window whose deadline has passed.
func (m *machine) sweep(now time.Time) bool {
	if (m.state == Broken || m.state == RetestPending) && !now.Before(m.window.Deadline) {
		m.expire(now)
		return true
	}
	return false
}

func (m *machine) signal(t domain.Tick) *domain.Signal {
	return &domain.Signal{
		ID:           util.NewID(t.Timestamp),
		Contract:     m.level.Contract,
		Direction:    m.cand.Direction,
		Confidence:   m.confidence(),
		Level:        m.level,
		EntryPrice:   t.Price,
		TouchExtreme: m.touch.Extreme,
		CreatedAt:    t.Timestamp,
		ExpiresAt:    t.Timestamp.Add(m.params.SignalTTL),
	}
}

// confidence scores a confirmed retest in [0, 1]: a touch that held close
// to the level, a heavy break and a quick retest score higher.
func (m *machine) confidence() float64 {
	precision := 1.0
	if m.params.Tolerance > 0 {
		precision = 1 - m.touch.MaxAdverse/m.params.Tolerance
	}
	volume := 0.5
	if m.params.MinBreakVolume > 0 {
		volume = math.Min(1, m.cand.Volume/(2*m.params.MinBreakVolume))
	}
	speed := 1.0
	if m.params.RetestTimeout > 0 {
		speed = 1 - float64(m.touch.Start.Sub(m.window.BrokenAt))/float64(m.params.RetestTimeout)
	}
	c := 0.5*clamp01(precision) + 0.3*clamp01(volume) + 0.2*clamp01(speed)
	return math.Round(c*1e4) / 1e4
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
