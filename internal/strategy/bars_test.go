package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"levelx/internal/domain"
)

func TestBarBuilderClosesOnNextBar(t *testing.T) {
	b := barBuilder{interval: time.Minute}
	at := func(s int) time.Time { return t0.Add(time.Duration(s) * time.Second) }

	for i, px := range []float64{100, 101, 99} {
		_, closed := b.add(domain.Tick{Contract: es, Price: px, Size: 2, Timestamp: at(5 + 20*i)})
		assert.False(t, closed)
	}
	bar, closed := b.add(domain.Tick{Contract: es, Price: 100.5, Size: 1, Timestamp: at(70)})
	require.True(t, closed)
	assert.Equal(t, domain.Bar{Contract: es, Timestamp: t0, Open: 100, High: 101, Low: 99, Close: 99, Volume: 6}, bar)

	_, closed = b.flush(t0.Add(119 * time.Second))
	assert.False(t, closed, "the second bar is still open")
	bar, closed = b.flush(t0.Add(2 * time.Minute))
	require.True(t, closed)
	assert.Equal(t, t0.Add(time.Minute), bar.Timestamp)
	assert.Equal(t, 100.5, bar.Close)

	_, closed = b.flush(t0.Add(time.Hour))
	assert.False(t, closed)
}

func TestEMASeedsWithAverage(t *testing.T) {
	e := ema{period: 3}
	flat := func(px float64) domain.Bar { return domain.Bar{Open: px, High: px, Low: px, Close: px} }

	e.add(flat(1))
	e.add(flat(2))
	_, ok := e.current()
	assert.False(t, ok)

	e.add(flat(3))
	v, ok := e.current()
	require.True(t, ok)
	assert.InDelta(t, 2, v, 1e-9)

	e.add(flat(6))
	v, _ = e.current()
	assert.InDelta(t, 4, v, 1e-9)

	off := ema{}
	off.add(flat(1))
	_, ok = off.current()
	assert.False(t, ok)
}

// barFeeder plays one bar per minute as four trades (open, high, low,
// close) and closes it with a flush at the bar's end.
type barFeeder struct {
	e      *Engine
	minute time.Time
}

func (f *barFeeder) bar(o, h, l, c float64) []domain.Signal {
	var out []domain.Signal
	for i, px := range []float64{o, h, l, c} {
		out = append(out, f.e.Process(domain.Tick{Contract: es, Price: px, Size: 1, Timestamp: f.minute.Add(time.Duration(i+1) * time.Second)})...)
	}
	f.minute = f.minute.Add(time.Minute)
	return append(out, f.e.Flush(f.minute)...)
}

func (f *barFeeder) state(kind domain.LevelKind) State {
	s, _ := f.e.state(Key{Contract: es, Kind: kind})
	return s
}

func barParams() Params {
	p := testParams()
	p.Tolerance = 0.25
	p.BarInterval = time.Minute
	return p
}

func TestBarRetestNeedsRejectionClose(t *testing.T) {
	f := &barFeeder{e: newTestEngine(barParams(), domain.PriorDayHigh, 100), minute: t0}

	assert.Empty(t, f.bar(99.5, 100.5, 99.5, 100.4))
	assert.Equal(t, BreakPending, f.state(domain.PriorDayHigh), "four trades make one bar")
	assert.Empty(t, f.bar(100.4, 101, 100.4, 100.9))
	assert.Equal(t, Broken, f.state(domain.PriorDayHigh))

	// Wick into the zone, but the close sits in the lower half.
	assert.Empty(t, f.bar(100.9, 101, 100.1, 100.2))
	assert.Equal(t, RetestPending, f.state(domain.PriorDayHigh))

	sigs := f.bar(100.2, 100.8, 100.05, 100.7)
	require.Len(t, sigs, 1)
	sig := sigs[0]
	assert.Equal(t, domain.DirectionUp, sig.Direction)
	assert.Equal(t, 100.7, sig.EntryPrice)
	assert.Equal(t, 100.05, sig.TouchExtreme)
	assert.Equal(t, t0.Add(4*time.Minute), sig.CreatedAt, "stamped at the bar's end")
	assert.Equal(t, Watching, f.state(domain.PriorDayHigh))
}

func TestBarWickThroughZoneDisqualifiesTouch(t *testing.T) {
	f := &barFeeder{e: newTestEngine(barParams(), domain.PriorDayHigh, 100), minute: t0}
	f.bar(99.5, 100.5, 99.5, 100.4)
	f.bar(100.4, 101, 100.4, 100.9)

	// The wick pierces the zone but the bar closes above the level.
	assert.Empty(t, f.bar(100.9, 101, 99.6, 100.8))
	assert.Equal(t, RetestPending, f.state(domain.PriorDayHigh))
	assert.Empty(t, f.bar(100.8, 100.9, 100.1, 100.8), "the touch stays disqualified")

	// Leaving the zone ends the touch; the next touch can confirm.
	assert.Empty(t, f.bar(100.8, 101.2, 100.5, 101))
	assert.Equal(t, Broken, f.state(domain.PriorDayHigh))
	assert.Len(t, f.bar(101, 101.1, 100.2, 100.9), 1)
}

func TestBarCloseBackThroughCancelsCycle(t *testing.T) {
	f := &barFeeder{e: newTestEngine(barParams(), domain.PriorDayHigh, 100), minute: t0}
	f.bar(99.5, 100.5, 99.5, 100.4)
	f.bar(100.4, 101, 100.4, 100.9)

	assert.Empty(t, f.bar(100.9, 100.9, 99.4, 99.5))
	assert.Equal(t, BreakPending, f.state(domain.PriorDayHigh), "a down break starts from the close")
}

func TestTrendFilterIgnoresCounterTrendBreak(t *testing.T) {
	// Spiking bars pull the OHLC4 average well above the level while every
	// close stays below it.
	warm := func(f *barFeeder) {
		for i := 0; i < 3; i++ {
			f.bar(99, 110, 99, 99.5)
		}
	}

	p := barParams()
	p.TrendEMA = 3
	f := &barFeeder{e: newTestEngine(p, domain.PriorDayHigh, 100), minute: t0}
	warm(f)
	assert.Empty(t, f.bar(99.5, 100.6, 99.5, 100.5))
	assert.Equal(t, Watching, f.state(domain.PriorDayHigh), "close is below the trend EMA")

	p.TrendEMA = 0
	f = &barFeeder{e: newTestEngine(p, domain.PriorDayHigh, 100), minute: t0}
	warm(f)
	f.bar(99.5, 100.6, 99.5, 100.5)
	assert.Equal(t, BreakPending, f.state(domain.PriorDayHigh))

	p.TrendEMA = 200
	f = &barFeeder{e: newTestEngine(p, domain.PriorDayHigh, 100), minute: t0}
	warm(f)
	f.bar(99.5, 100.6, 99.5, 100.5)
	assert.Equal(t, BreakPending, f.state(domain.PriorDayHigh), "a cold EMA does not filter")
}

func TestResetDropsOpenBar(t *testing.T) {
	e := newTestEngine(barParams(), domain.PriorDayHigh, 100)
	e.Process(domain.Tick{Contract: es, Price: 100.5, Size: 10, Timestamp: t0.Add(time.Second)})
	e.Reset(es)
	assert.Empty(t, e.Flush(t0.Add(time.Hour)))
	s, _ := e.state(Key{Contract: es, Kind: domain.PriorDayHigh})
	assert.Equal(t, Watching, s)
}

func TestRunnerFlushesQuietBar(t *testing.T) {
	now := t0.Add(time.Hour)
	r := NewRunner(func(string) Params { return barParams() },
		WithSweepInterval(time.Millisecond),
		WithRunnerClock(func() time.Time { return now }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.SetLevels(es, []domain.Level{{Contract: es, Kind: domain.PriorDayHigh, Price: 100, SessionDate: "2025-03-03"}})
	bars := [][4]float64{
		{99.5, 100.5, 99.5, 100.4},
		{100.4, 101, 100.4, 100.9},
		{100.9, 101, 100.1, 100.7},
	}
	for m, b := range bars {
		for i, px := range b {
			r.Feed(domain.Tick{Contract: es, Price: px, Size: 1, Timestamp: t0.Add(time.Duration(m)*time.Minute + time.Duration(i+1)*time.Second)})
		}
	}
	go func() { _ = r.Run(ctx) }()

	select {
	case sig := <-r.Signals():
		assert.Equal(t, 100.7, sig.EntryPrice)
	case <-time.After(2 * time.Second):
		t.Fatal("the last bar was never closed")
	}
}
