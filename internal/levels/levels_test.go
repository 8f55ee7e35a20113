package levels

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"levelx/internal/domain"
	"levelx/internal/store"
	"levelx/internal/util"
)

const es = "CON.F.US.EP.M25"

type fakeBars struct {
	bars  []domain.Bar
	calls atomic.Int32
	err   error
}

func (f *fakeBars) Bars(_ context.Context, contract string, start, end time.Time) ([]domain.Bar, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Bar
	for _, b := range f.bars {
		if b.Contract == contract && !b.Timestamp.Before(start) && b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func newCalendar(t *testing.T, holidays, halfDays []string) *util.TradingCalendar {
	t.Helper()
	cfg := util.DefaultCalendarConfig()
	cfg.Holidays = holidays
	cfg.HalfDays = halfDays
	cal, err := util.NewTradingCalendar(cfg)
	require.NoError(t, err)
	return cal
}

// bar builds a one-minute bar at an exchange-local time.
func bar(cal *util.TradingCalendar, date, hhmm string, high, low float64) domain.Bar {
	ts, err := time.ParseInLocation("2006-01-02 15:04", date+" "+hhmm, cal.Location())
	if err != nil {
		panic(err)
	}
	return domain.Bar{Contract: es, Timestamp: ts.UTC(), Open: low, High: high, Low: low, Close: high, Volume: 10}
}

func at(cal *util.TradingCalendar, date, hhmm string) time.Time {
	ts, err := time.ParseInLocation("2006-01-02 15:04", date+" "+hhmm, cal.Location())
	if err != nil {
		panic(err)
	}
	return ts
}

func TestLevelsForMondayUsesFriday(t *testing.T) {
	cal := newCalendar(t, nil, nil)
	src := &fakeBars{bars: []domain.Bar{
		bar(cal, "2025-02-27", "10:00", 6100, 6000), // Thursday: ignored
		bar(cal, "2025-02-28", "09:30", 5950, 5940),
		bar(cal, "2025-02-28", "12:00", 5990, 5900),
		bar(cal, "2025-02-28", "15:59", 5960, 5920),
		bar(cal, "2025-02-28", "17:00", 6050, 5800), // after the close: ignored
		bar(cal, "2025-03-03", "05:00", 5975, 5955),
		bar(cal, "2025-03-03", "09:00", 5980, 5960),
		bar(cal, "2025-03-03", "09:31", 6000, 5900), // regular session: not pre-market
	}}
	eng := NewEngine(src, cal)

	set, err := eng.LevelsFor(context.Background(), es, at(cal, "2025-03-03", "09:45"))
	require.NoError(t, err)
	assert.Equal(t, "2025-03-03", set.SessionDate)

	pdh, ok := set.Get(domain.PriorDayHigh)
	require.True(t, ok)
	assert.Equal(t, 5990.0, pdh.Price)
	pdl, _ := set.Get(domain.PriorDayLow)
	assert.Equal(t, 5900.0, pdl.Price)

	require.True(t, set.HasPreMarket())
	pmh, _ := set.Get(domain.PreMarketHigh)
	pml, _ := set.Get(domain.PreMarketLow)
	assert.Equal(t, 5980.0, pmh.Price)
	assert.Equal(t, 5955.0, pml.Price)
}

func TestPreMarketLevelsWaitForRegularOpen(t *testing.T) {
	cal := newCalendar(t, nil, nil)
	src := &fakeBars{bars: []domain.Bar{
		bar(cal, "2025-03-03", "12:00", 5990, 5900),
		bar(cal, "2025-03-04", "05:00", 5975, 5955),
	}}
	eng := NewEngine(src, cal)

	set, err := eng.LevelsFor(context.Background(), es, at(cal, "2025-03-04", "08:00"))
	require.NoError(t, err)
	assert.False(t, set.HasPreMarket())
	assert.Len(t, set.Levels, 2)
}

func TestLevelsSkipHolidays(t *testing.T) {
	// 2025-01-20 is Martin Luther King Jr. Day.
	cal := newCalendar(t, []string{"2025-01-20"}, nil)
	src := &fakeBars{bars: []domain.Bar{
		bar(cal, "2025-01-17", "11:00", 6000, 5950),
	}}
	eng := NewEngine(src, cal)

	set, err := eng.LevelsFor(context.Background(), es, at(cal, "2025-01-21", "08:00"))
	require.NoError(t, err)
	pdh, _ := set.Get(domain.PriorDayHigh)
	assert.Equal(t, 6000.0, pdh.Price)
}

func TestHalfDayTruncatesPriorSession(t *testing.T) {
	cal := newCalendar(t, nil, []string{"2024-11-29"})
	src := &fakeBars{bars: []domain.Bar{
		bar(cal, "2024-11-29", "10:00", 6050, 6020),
		bar(cal, "2024-11-29", "14:00", 9999, 1), // after the early close
	}}
	eng := NewEngine(src, cal)

	set, err := eng.LevelsFor(context.Background(), es, at(cal, "2024-12-02", "08:00"))
	require.NoError(t, err)
	pdh, _ := set.Get(domain.PriorDayHigh)
	pdl, _ := set.Get(domain.PriorDayLow)
	assert.Equal(t, 6050.0, pdh.Price)
	assert.Equal(t, 6020.0, pdl.Price)
}

func TestLevelsNotReadyWithoutPriorSession(t *testing.T) {
	cal := newCalendar(t, nil, nil)
	eng := NewEngine(&fakeBars{}, cal)

	_, err := eng.LevelsFor(context.Background(), es, at(cal, "2025-03-04", "10:00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLevelsNotReady)
	_, ok := eng.Current(es)
	assert.False(t, ok)

	// Source failures are not reported as "not ready".
	boom := &domain.TransientError{Op: "History/retrieveBars", Err: errors.New("503")}
	eng = NewEngine(&fakeBars{err: boom}, cal)
	_, err = eng.LevelsFor(context.Background(), es, at(cal, "2025-03-04", "10:00"))
	assert.NotErrorIs(t, err, ErrLevelsNotReady)
	assert.True(t, domain.IsTransient(err))
}

func TestObserveRecomputesOnBoundaries(t *testing.T) {
	cal := newCalendar(t, nil, nil)
	src := &fakeBars{bars: []domain.Bar{
		bar(cal, "2025-03-03", "12:00", 5990, 5900),
		bar(cal, "2025-03-04", "05:00", 5975, 5955),
		bar(cal, "2025-03-04", "12:00", 6010, 5930),
	}}
	var published []*Set
	eng := NewEngine(src, cal, OnChange(func(s *Set) { published = append(published, s) }))
	ctx := context.Background()

	first, changed, err := eng.Observe(ctx, es, at(cal, "2025-03-04", "08:00"))
	require.NoError(t, err)
	assert.True(t, changed)
	calls := src.calls.Load()

	// Same boundary: nothing recomputed.
	same, changed, err := eng.Observe(ctx, es, at(cal, "2025-03-04", "08:30"))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, first, same)
	assert.Equal(t, calls, src.calls.Load())

	// Pre-market close adds PMH/PML in a new set; the old one is untouched.
	open, changed, err := eng.Observe(ctx, es, at(cal, "2025-03-04", "09:30"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotSame(t, first, open)
	assert.True(t, open.HasPreMarket())
	assert.False(t, first.HasPreMarket())

	// New session date.
	next, changed, err := eng.Observe(ctx, es, at(cal, "2025-03-05", "00:01"))
	require.NoError(t, err)
	assert.True(t, changed)
	pdh, _ := next.Get(domain.PriorDayHigh)
	assert.Equal(t, 6010.0, pdh.Price)
	assert.Equal(t, "2025-03-05", next.SessionDate)

	assert.Len(t, published, 3)
	cur, ok := eng.Current(es)
	require.True(t, ok)
	assert.Same(t, next, cur)
}

func TestObserveBacksOffAfterFailure(t *testing.T) {
	cal := newCalendar(t, nil, nil)
	src := &fakeBars{}
	eng := NewEngine(src, cal, WithRetryInterval(time.Minute))
	ctx := context.Background()

	_, _, err := eng.Observe(ctx, es, at(cal, "2025-03-04", "08:00"))
	require.ErrorIs(t, err, ErrLevelsNotReady)
	calls := src.calls.Load()

	_, changed, err := eng.Observe(ctx, es, at(cal, "2025-03-04", "08:00").Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, calls, src.calls.Load())

	src.bars = []domain.Bar{bar(cal, "2025-03-03", "12:00", 5990, 5900)}
	set, changed, err := eng.Observe(ctx, es, at(cal, "2025-03-04", "08:02"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotNil(t, set)
}

func TestCachedBarsReadThrough(t *testing.T) {
	cal := newCalendar(t, nil, nil)
	src := &fakeBars{bars: []domain.Bar{
		bar(cal, "2025-03-03", "10:00", 5990, 5900),
		bar(cal, "2025-03-03", "12:00", 5995, 5910),
		bar(cal, "2025-03-05", "10:00", 6000, 5990),
	}}
	now := at(cal, "2025-03-05", "10:30")
	cached := &CachedBars{Source: src, Cache: store.NewParquetStore(t.TempDir()), Now: func() time.Time { return now }}
	ctx := context.Background()

	start, end := at(cal, "2025-03-03", "09:30"), at(cal, "2025-03-03", "16:00")
	bars, err := cached.Bars(ctx, es, start, end)
	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.EqualValues(t, 1, src.calls.Load())

	bars, err = cached.Bars(ctx, es, start, end)
	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.EqualValues(t, 1, src.calls.Load(), "second read served from the cache")

	// Today is never cached.
	_, err = cached.Bars(ctx, es, at(cal, "2025-03-05", "09:30"), now)
	require.NoError(t, err)
	_, err = cached.Bars(ctx, es, at(cal, "2025-03-05", "09:30"), now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, src.calls.Load())
}

type fakeCalendarClient struct {
	days []alpaca.CalendarDay
}

func (f *fakeCalendarClient) GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	return f.days, nil
}

func TestLoadAlpacaCalendar(t *testing.T) {
	cal := newCalendar(t, []string{"2024-12-25"}, nil)
	client := &fakeCalendarClient{days: []alpaca.CalendarDay{
		{Date: "2024-11-25", Open: "09:30", Close: "16:00"},
		{Date: "2024-11-26", Open: "09:30", Close: "16:00"},
		{Date: "2024-11-27", Open: "09:30", Close: "16:00"},
		// 2024-11-28 Thanksgiving is missing.
		{Date: "2024-11-29", Open: "09:30", Close: "13:00"},
	}}

	start := at(cal, "2024-11-25", "00:00")
	end := at(cal, "2024-11-30", "00:00")
	require.NoError(t, LoadAlpacaCalendar(client, cal, start, end))

	assert.True(t, cal.IsHoliday(at(cal, "2024-11-28", "12:00")))
	assert.True(t, cal.IsHoliday(at(cal, "2024-12-25", "12:00")), "configured holidays are kept")
	assert.False(t, cal.IsHoliday(at(cal, "2024-11-30", "12:00")), "weekends are not holidays")
	assert.True(t, cal.IsHalfDay(at(cal, "2024-11-29", "12:00")))
	assert.False(t, cal.IsHalfDay(at(cal, "2024-11-27", "12:00")))

	_, closeAt := cal.RegularSession(at(cal, "2024-11-29", "12:00"))
	assert.Equal(t, 13, closeAt.Hour())
}
