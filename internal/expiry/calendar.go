// Package expiry computes monthly and weekly derivative expiry dates with
// exchange holiday adjustment.
package expiry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/sirupsen/logrus"
)

// Kind tags an expiry as the monthly or a weekly contract.
type Kind string

const (
	// Monthly is the last-Thursday-style monthly contract (third Thursday here)
	Monthly Kind = "MONTHLY"
	// Weekly is a weekly Thursday contract
	Weekly Kind = "WEEKLY"
)

// Date is a calendar date tagged with its expiry kind.
type Date struct {
	Date time.Time `json:"date"`
	Kind Kind      `json:"kind"`
}

func (d Date) String() string {
	return fmt.Sprintf("%s(%s)", d.Date.Format("2006-01-02"), d.Kind)
}

// FallbackHolidays is the static list used when the holiday master cannot be
// loaded.
var FallbackHolidays = []string{
	"2025-02-26", "2025-03-14", "2025-03-31", "2025-04-10", "2025-04-14",
	"2025-04-18", "2025-05-01", "2025-08-15", "2025-08-27", "2025-10-02",
	"2025-10-21", "2025-10-22", "2025-11-05", "2025-12-25",
}

// HolidaySource supplies the exchange's holiday list for a segment.
type HolidaySource interface {
	Holidays(ctx context.Context, segment string) ([]time.Time, error)
}

// Calendar resolves expiry dates against a holiday set.
type Calendar struct {
	holidays map[time.Time]struct{}
	loc      *time.Location
	loadErr  error
}

// NewCalendar builds a calendar over an explicit holiday list. Dates are
// interpreted in loc (UTC when nil).
func NewCalendar(holidays []time.Time, loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	c := &Calendar{holidays: make(map[time.Time]struct{}, len(holidays)), loc: loc}
	for _, h := range holidays {
		c.holidays[models.Day(h)] = struct{}{}
	}
	return c
}

// ParseDates parses YYYY-MM-DD strings.
func ParseDates(values []string) ([]time.Time, error) {
	out := make([]time.Time, 0, len(values))
	for _, v := range values {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", v, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// LoadCalendar fetches the holiday set from src. On failure it never errors:
// it falls back to the static list, logs a warning, and reports the
// condition through Degraded.
func LoadCalendar(
	ctx context.Context,
	src HolidaySource,
	segment string,
	fallback []string,
	loc *time.Location,
	logger logrus.FieldLogger,
) *Calendar {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	holidays, err := src.Holidays(ctx, segment)
	if err == nil && len(holidays) == 0 {
		err = fmt.Errorf("holiday master returned no dates for %s", segment)
	}
	if err == nil {
		logger.WithFields(logrus.Fields{"segment": segment, "count": len(holidays)}).Info("Loaded exchange holidays")
		return NewCalendar(holidays, loc)
	}

	if fallback == nil {
		fallback = FallbackHolidays
	}
	static, perr := ParseDates(fallback)
	if perr != nil {
		logger.WithError(perr).Error("Invalid static holiday list, continuing without holidays")
		static = nil
	}
	logger.WithError(err).WithField("segment", segment).
		Warn("Holiday calendar unavailable, using static fallback; expiry dates may be unadjusted")
	c := NewCalendar(static, loc)
	c.loadErr = err
	return c
}

// Degraded reports whether the calendar is running on the static fallback.
func (c *Calendar) Degraded() bool {
	return c.loadErr != nil
}

// LoadErr returns the error that forced the fallback, if any.
func (c *Calendar) LoadErr() error {
	return c.loadErr
}

// Location is the exchange time zone used to derive calendar dates.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Holidays returns the holiday set in ascending order.
func (c *Calendar) Holidays() []time.Time {
	out := make([]time.Time, 0, len(c.holidays))
	for d := range c.holidays {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// IsHoliday reports whether t's exchange-local date is a holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[c.day(t)]
	return ok
}

// IsTradingDay reports whether t's exchange-local date is a weekday and not a
// holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	d := c.day(t)
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	_, holiday := c.holidays[d]
	return !holiday
}

// day maps t onto an exchange-local calendar date. Values already normalized
// to UTC midnight are taken as dates as-is.
func (c *Calendar) day(t time.Time) time.Time {
	if t.Location() != time.UTC || t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0 {
		t = t.In(c.loc)
	}
	return models.Day(t)
}

// Today returns now's exchange-local calendar date.
func (c *Calendar) Today(now time.Time) time.Time {
	return c.day(now)
}

// adjust steps back one calendar day at a time until d is not a holiday.
func (c *Calendar) adjust(d time.Time) time.Time {
	for {
		if _, ok := c.holidays[d]; !ok {
			return d
		}
		d = d.AddDate(0, 0, -1)
	}
}

func daysUntilThursday(wd time.Weekday) int {
	return (int(time.Thursday) - int(wd) + 7) % 7
}

// MonthlyExpiry returns the third Thursday of ref's month, moved back past
// any holidays. The result is never after the naive third Thursday.
func (c *Calendar) MonthlyExpiry(ref time.Time) time.Time {
	d := c.day(ref)
	first := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	third := first.AddDate(0, 0, daysUntilThursday(first.Weekday())+14)
	if third.Month() != first.Month() {
		third = third.AddDate(0, 0, -7)
	}
	return c.adjust(third)
}

// NextWeeklyExpiry returns the Thursday on or after now, moved back past any
// holidays.
func (c *Calendar) NextWeeklyExpiry(now time.Time) time.Time {
	d := c.day(now)
	return c.adjust(d.AddDate(0, 0, daysUntilThursday(d.Weekday())))
}

// WeeklyExpiryAfter returns the first weekly expiry strictly after date.
func (c *Calendar) WeeklyExpiryAfter(date time.Time) time.Time {
	d := c.day(date)
	next := d.AddDate(0, 0, 1)
	for {
		candidate := c.adjust(next.AddDate(0, 0, daysUntilThursday(next.Weekday())))
		if candidate.After(d) {
			return candidate
		}
		next = next.AddDate(0, 0, 7)
	}
}

// IsExpiryDay reports whether date is the monthly expiry of its month or the
// weekly expiry of its week.
func (c *Calendar) IsExpiryDay(date time.Time) bool {
	d := c.day(date)
	return d.Equal(c.MonthlyExpiry(d)) || d.Equal(c.NextWeeklyExpiry(d))
}

// Classify tags an expiry date as monthly when it is its month's monthly
// expiry, weekly otherwise.
func (c *Calendar) Classify(date time.Time) Date {
	d := c.day(date)
	if d.Equal(c.MonthlyExpiry(d)) {
		return Date{Date: d, Kind: Monthly}
	}
	return Date{Date: d, Kind: Weekly}
}

// Current returns today's weekly and monthly expiries.
func (c *Calendar) Current(now time.Time) []Date {
	return []Date{
		{Date: c.NextWeeklyExpiry(now), Kind: Weekly},
		{Date: c.MonthlyExpiry(now), Kind: Monthly},
	}
}
