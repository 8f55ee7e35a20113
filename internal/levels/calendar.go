package levels

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"levelx/internal/util"
)

// CalendarClient is the subset of the Alpaca trading client used to load
// exchange calendars.
type CalendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// NewAlpacaClient creates an Alpaca trading client for calendar lookups.
func NewAlpacaClient(apiKey, apiSecret, baseURL string) *alpaca.Client {
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
}

// LoadAlpacaCalendar fetches the exchange calendar for [start, end] and
// merges it into cal: weekdays missing from the calendar become holidays
// and days closing before the regular close become half days. Dates
// already configured on cal are kept.
func LoadAlpacaCalendar(client CalendarClient, cal *util.TradingCalendar, start, end time.Time) error {
	days, err := client.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
	if err != nil {
		return fmt.Errorf("GetCalendar: %w", err)
	}
	if len(days) == 0 {
		return fmt.Errorf("no trading days returned from calendar")
	}

	open := make(map[string]bool, len(days))
	halfDays := cal.HalfDays()
	for _, day := range days {
		open[day.Date] = true
		early, err := cal.ClosesEarly(day.Close)
		if err != nil {
			return fmt.Errorf("calendar day %s: %w", day.Date, err)
		}
		if early {
			halfDays = append(halfDays, day.Date)
		}
	}

	holidays := cal.Holidays()
	loc := cal.Location()
	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		date := d.Format(util.DateLayout)
		if !open[date] {
			holidays = append(holidays, date)
		}
	}

	if err := cal.SetHolidays(holidays); err != nil {
		return err
	}
	return cal.SetHalfDays(halfDays)
}
