package util

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DateLayout is the exchange-local session date format.
const DateLayout = "2006-01-02"

// SessionPhase is the part of the trading day a timestamp falls in.
type SessionPhase int

// Session phases.
const (
	PhaseClosed SessionPhase = iota
	PhasePreMarket
	PhaseRegular
	PhasePostMarket
)

func (p SessionPhase) String() string {
	switch p {
	case PhasePreMarket:
		return "pre_market"
	case PhaseRegular:
		return "regular"
	case PhasePostMarket:
		return "post_market"
	default:
		return "closed"
	}
}

// CalendarConfig configures an exchange calendar. Clock times are "HH:MM"
// in the calendar's timezone.
type CalendarConfig struct {
	Timezone      string
	PreMarketOpen string
	RegularOpen   string
	RegularClose  string
	HalfDayClose  string
	Holidays      []string // YYYY-MM-DD
	HalfDays      []string // YYYY-MM-DD
}

// DefaultCalendarConfig returns US equity-index session hours.
func DefaultCalendarConfig() CalendarConfig {
	return CalendarConfig{
		Timezone:      "America/New_York",
		PreMarketOpen: "04:00",
		RegularOpen:   "09:30",
		RegularClose:  "16:00",
		HalfDayClose:  "13:00",
	}
}

type clock struct{ hour, min int }

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return clock{}, fmt.Errorf("parsing clock time %q: %w", s, err)
	}
	return clock{hour: t.Hour(), min: t.Minute()}, nil
}

// TradingCalendar provides market-hours awareness: weekends, exchange
// holidays and half-day sessions. Holidays and half days may be replaced at
// runtime by a calendar source.
type TradingCalendar struct {
	loc          *time.Location
	preOpen      clock
	regularOpen  clock
	regularClose clock
	halfClose    clock

	mu       sync.RWMutex
	holidays map[string]bool
	halfDays map[string]bool
}

// NewTradingCalendar creates a TradingCalendar from cfg. Empty fields take
// the defaults from DefaultCalendarConfig.
func NewTradingCalendar(cfg CalendarConfig) (*TradingCalendar, error) {
	def := DefaultCalendarConfig()
	if cfg.Timezone == "" {
		cfg.Timezone = def.Timezone
	}
	if cfg.PreMarketOpen == "" {
		cfg.PreMarketOpen = def.PreMarketOpen
	}
	if cfg.RegularOpen == "" {
		cfg.RegularOpen = def.RegularOpen
	}
	if cfg.RegularClose == "" {
		cfg.RegularClose = def.RegularClose
	}
	if cfg.HalfDayClose == "" {
		cfg.HalfDayClose = def.HalfDayClose
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
	}

	tc := &TradingCalendar{loc: loc}
	for _, f := range []struct {
		dst *clock
		src string
	}{
		{&tc.preOpen, cfg.PreMarketOpen},
		{&tc.regularOpen, cfg.RegularOpen},
		{&tc.regularClose, cfg.RegularClose},
		{&tc.halfClose, cfg.HalfDayClose},
	} {
		c, err := parseClock(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = c
	}

	if err := tc.SetHolidays(cfg.Holidays); err != nil {
		return nil, err
	}
	if err := tc.SetHalfDays(cfg.HalfDays); err != nil {
		return nil, err
	}
	return tc, nil
}

// Location returns the exchange timezone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// SetHolidays replaces the holiday set.
func (tc *TradingCalendar) SetHolidays(days []string) error {
	set, err := dateSet(days)
	if err != nil {
		return fmt.Errorf("holidays: %w", err)
	}
	tc.mu.Lock()
	tc.holidays = set
	tc.mu.Unlock()
	return nil
}

// SetHalfDays replaces the half-day set.
func (tc *TradingCalendar) SetHalfDays(days []string) error {
	set, err := dateSet(days)
	if err != nil {
		return fmt.Errorf("half days: %w", err)
	}
	tc.mu.Lock()
	tc.halfDays = set
	tc.mu.Unlock()
	return nil
}

// Holidays returns the configured holidays in ascending order.
func (tc *TradingCalendar) Holidays() []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]string, 0, len(tc.holidays))
	for d := range tc.holidays {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// HalfDays returns the configured half days in ascending order.
func (tc *TradingCalendar) HalfDays() []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]string, 0, len(tc.halfDays))
	for d := range tc.halfDays {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ClosesEarly reports whether a regular session closing at hhmm ("HH:MM")
// ends before the calendar's normal close.
func (tc *TradingCalendar) ClosesEarly(hhmm string) (bool, error) {
	c, err := parseClock(hhmm)
	if err != nil {
		return false, err
	}
	return c.hour*60+c.min < tc.regularClose.hour*60+tc.regularClose.min, nil
}

func dateSet(days []string) (map[string]bool, error) {
	set := make(map[string]bool, len(days))
	for _, d := range days {
		if _, err := time.Parse(DateLayout, d); err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", d, err)
		}
		set[d] = true
	}
	return set, nil
}

// SessionDate returns the exchange-local calendar date of t as YYYY-MM-DD.
func (tc *TradingCalendar) SessionDate(t time.Time) string {
	return t.In(tc.loc).Format(DateLayout)
}

// Date returns local midnight of the exchange date containing t.
func (tc *TradingCalendar) Date(t time.Time) time.Time {
	l := t.In(tc.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, tc.loc)
}

// ParseDate parses a YYYY-MM-DD session date in the exchange timezone.
func (tc *TradingCalendar) ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, tc.loc)
}

// IsHoliday reports whether the date containing t is an exchange holiday.
func (tc *TradingCalendar) IsHoliday(t time.Time) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.holidays[tc.SessionDate(t)]
}

// IsHalfDay reports whether the date containing t closes early.
func (tc *TradingCalendar) IsHalfDay(t time.Time) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.halfDays[tc.SessionDate(t)]
}

// IsTradingDay reports whether the date containing t has a session.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	switch t.In(tc.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !tc.IsHoliday(t)
}

// PreviousTradingDay returns the most recent trading date strictly before
// the date containing t. Friday is the previous trading day for Monday.
func (tc *TradingCalendar) PreviousTradingDay(t time.Time) time.Time {
	d := tc.Date(t)
	for i := 0; i < 31; i++ {
		d = d.AddDate(0, 0, -1)
		if tc.IsTradingDay(d) {
			return d
		}
	}
	return d
}

// NextTradingDay returns the first trading date strictly after the date
// containing t.
func (tc *TradingCalendar) NextTradingDay(t time.Time) time.Time {
	d := tc.Date(t)
	for i := 0; i < 31; i++ {
		d = d.AddDate(0, 0, 1)
		if tc.IsTradingDay(d) {
			return d
		}
	}
	return d
}

func (tc *TradingCalendar) at(date time.Time, c clock) time.Time {
	l := date.In(tc.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), c.hour, c.min, 0, 0, tc.loc)
}

// RegularSession returns the open and close of the regular session on the
// date containing t. Half days close early.
func (tc *TradingCalendar) RegularSession(t time.Time) (open, closeAt time.Time) {
	open = tc.at(t, tc.regularOpen)
	if tc.IsHalfDay(t) {
		return open, tc.at(t, tc.halfClose)
	}
	return open, tc.at(t, tc.regularClose)
}

// PreMarket returns the pre-market window on the date containing t. It ends
// at the regular open.
func (tc *TradingCalendar) PreMarket(t time.Time) (start, end time.Time) {
	return tc.at(t, tc.preOpen), tc.at(t, tc.regularOpen)
}

// Phase returns which part of the trading day t falls in.
func (tc *TradingCalendar) Phase(t time.Time) SessionPhase {
	if !tc.IsTradingDay(t) {
		return PhaseClosed
	}
	preStart, preEnd := tc.PreMarket(t)
	_, closeAt := tc.RegularSession(t)
	switch {
	case t.Before(preStart):
		return PhaseClosed
	case t.Before(preEnd):
		return PhasePreMarket
	case t.Before(closeAt):
		return PhaseRegular
	default:
		return PhasePostMarket
	}
}

// IsMarketOpen returns whether the regular session is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	return tc.Phase(t) == PhaseRegular
}

// NextOpen returns the next regular-session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	if tc.IsTradingDay(t) {
		open, _ := tc.RegularSession(t)
		if !t.After(open) {
			return open
		}
	}
	open, _ := tc.RegularSession(tc.NextTradingDay(t))
	return open
}

// NextClose returns the next regular-session close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	if tc.IsTradingDay(t) {
		_, closeAt := tc.RegularSession(t)
		if !t.After(closeAt) {
			return closeAt
		}
	}
	_, closeAt := tc.RegularSession(tc.NextTradingDay(t))
	return closeAt
}
