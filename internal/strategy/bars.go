package strategy

import (
	"time"

	"levelx/internal/domain"
)

// barBuilder aggregates a contract's trades into fixed-interval bars. A bar
// starts at its timestamp floored to the interval and closes when the
// first trade of a later bar arrives, or on flush once its end has passed.
type barBuilder struct {
	interval time.Duration
	cur      *domain.Bar
}

// add folds t into the open bar and returns the bar t closed, if any.
// Trades stamped before the open bar are folded into it.
func (b *barBuilder) add(t domain.Tick) (domain.Bar, bool) {
	start := t.Timestamp.Truncate(b.interval)
	if b.cur == nil || start.After(b.cur.Timestamp) {
		var closed domain.Bar
		ok := b.cur != nil
		if ok {
			closed = *b.cur
		}
		b.cur = &domain.Bar{
			Contract: t.Contract, Timestamp: start,
			Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price, Volume: t.Size,
		}
		return closed, ok
	}
	if t.Price > b.cur.High {
		b.cur.High = t.Price
	}
	if t.Price < b.cur.Low {
		b.cur.Low = t.Price
	}
	b.cur.Close = t.Price
	b.cur.Volume += t.Size
	return domain.Bar{}, false
}

// flush closes the open bar if its end is not after now.
func (b *barBuilder) flush(now time.Time) (domain.Bar, bool) {
	if b.cur == nil || now.Before(b.end(*b.cur)) {
		return domain.Bar{}, false
	}
	closed := *b.cur
	b.cur = nil
	return closed, true
}

func (b *barBuilder) end(bar domain.Bar) time.Time { return bar.Timestamp.Add(b.interval) }

// drop discards the open bar.
func (b *barBuilder) drop() { b.cur = nil }

// ema is an exponential moving average of bar OHLC4 prices, seeded with
// the simple average of the first period values. It has no value until
// period bars have been seen.
type ema struct {
	period int
	n      int
	sum    float64
	value  float64
}

func ohlc4(b domain.Bar) float64 { return (b.Open + b.High + b.Low + b.Close) / 4 }

func (e *ema) add(b domain.Bar) {
	if e.period <= 0 {
		return
	}
	x := ohlc4(b)
	e.n++
	switch {
	case e.n < e.period:
		e.sum += x
	case e.n == e.period:
		e.value = (e.sum + x) / float64(e.period)
	default:
		k := 2 / float64(e.period+1)
		e.value += k * (x - e.value)
	}
}

// current returns the average once warm.
func (e *ema) current() (float64, bool) {
	if e.period <= 0 || e.n < e.period {
		return 0, false
	}
	return e.value, true
}

// series is the bar state of one contract.
type series struct {
	bars  barBuilder
	trend ema
}
