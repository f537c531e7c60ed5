/*
schedule.go - Collection schedule resolution

PURPOSE:
  Turns a group's collection-schedule configuration into concrete
  dates: when the current period's payment was due, how late a payment
  is, and when the next meeting falls.

DUE DATE SEMANTICS:
  The due date is the START of a collection window, not its end. A
  monthly period referenced on June 1st collects on the 5th of June;
  weekly cycles anchor on the most recent occurrence of the collection
  weekday at/before the reference date; fortnightly cycles resolve to
  the most recent boundary of a fixed 14-day grid, which never resets
  at month boundaries. Fines accrue from the due date forward.

DAYS LATE:
  Computed on UTC calendar-day boundaries, never wall-clock deltas, so
  a payment at 23:59 local time doesn't flip a day-late count by
  timezone accident.

ERRORS:
  Degenerate configuration (missing day-of-month, bad weekday, unknown
  frequency) fails with a ConfigurationError. There is no silent
  default-to-monthly here.
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// DUE DATE RESOLUTION
// =============================================================================

// DueDate computes the due date of the collection window containing
// referenceDate, per the group's schedule.
func DueDate(cfg ScheduleConfig, referenceDate time.Time) (time.Time, error) {
	ref := utcMidnight(referenceDate)

	switch cfg.Frequency {
	case Monthly:
		day, err := monthDay(cfg)
		if err != nil {
			return time.Time{}, err
		}
		// The collection day of the reference month. A period
		// referenced on June 1st with collection day 5 is due June
		// 5th; fines start counting only after that.
		return clampedMonthDay(ref.Year(), ref.Month(), day), nil

	case Yearly:
		day, err := monthDay(cfg)
		if err != nil {
			return time.Time{}, err
		}
		month := cfg.CollectionMonth
		if month == 0 {
			month = time.January
		}
		return clampedMonthDay(ref.Year(), month, day), nil

	case Weekly:
		if err := checkWeekday(cfg); err != nil {
			return time.Time{}, err
		}
		// Most recent occurrence of the collection weekday at/before
		// the reference date.
		delta := (int(ref.Weekday()) - int(cfg.Weekday) + 7) % 7
		return ref.AddDate(0, 0, -delta), nil

	case Fortnightly:
		if err := checkWeekday(cfg); err != nil {
			return time.Time{}, err
		}
		week := cfg.WeekOfMonth
		if week < 1 || week > 4 {
			return time.Time{}, &ConfigurationError{
				Field:  "week_of_month",
				Reason: fmt.Sprintf("must be 1-4 for fortnightly collection, got %d", week),
			}
		}
		// The cadence is a single 14-day grid anchored once, in a fixed
		// epoch month. Re-deriving the anchor from each reference month
		// would reset the grid at month boundaries: consecutive months'
		// nth-weekday occurrences are not 14-day-aligned, so the due
		// date could jump backward. WeekOfMonth selects which of the
		// two alternating weeks the group collects on.
		anchor := nthWeekday(2000, time.January, cfg.Weekday, week)
		days := int(ref.Sub(anchor).Hours() / 24)
		cycles := days / 14
		if days < 0 && days%14 != 0 {
			cycles--
		}
		return anchor.AddDate(0, 0, cycles*14), nil

	default:
		return time.Time{}, &ConfigurationError{
			Field:  "collection_frequency",
			Reason: fmt.Sprintf("unknown frequency %q", cfg.Frequency),
		}
	}
}

// NextMeetingDate returns the reference date of the period following
// one anchored at `from`.
func NextMeetingDate(cfg ScheduleConfig, from time.Time) (time.Time, error) {
	base := utcMidnight(from)
	switch cfg.Frequency {
	case Weekly:
		return base.AddDate(0, 0, 7), nil
	case Fortnightly:
		return base.AddDate(0, 0, 14), nil
	case Monthly:
		return base.AddDate(0, 1, 0), nil
	case Yearly:
		return base.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, &ConfigurationError{
			Field:  "collection_frequency",
			Reason: fmt.Sprintf("unknown frequency %q", cfg.Frequency),
		}
	}
}

// =============================================================================
// DAYS LATE
// =============================================================================

// DaysLate returns how many whole UTC calendar days evaluationDate
// falls after dueDate. Never negative; zero whenever evaluation is
// at/before due.
func DaysLate(dueDate, evaluationDate time.Time) int {
	due := utcMidnight(dueDate)
	eval := utcMidnight(evaluationDate)

	days := int(eval.Sub(due).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// =============================================================================
// CALENDAR HELPERS
// =============================================================================

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// clampedMonthDay resolves day-of-month within a month, pulling days
// past the month's end back to its last day (Feb 30 -> Feb 28/29).
func clampedMonthDay(year int, month time.Month, day int) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// nthWeekday returns the nth (1-based) occurrence of a weekday in the
// given month.
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(weekday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+7*(n-1))
}

func monthDay(cfg ScheduleConfig) (int, error) {
	if cfg.DayOfMonth < 1 || cfg.DayOfMonth > 31 {
		return 0, &ConfigurationError{
			Field:  "day_of_month",
			Reason: fmt.Sprintf("must be 1-31 for %s collection, got %d", cfg.Frequency, cfg.DayOfMonth),
		}
	}
	return cfg.DayOfMonth, nil
}

func checkWeekday(cfg ScheduleConfig) error {
	if cfg.Weekday < time.Sunday || cfg.Weekday > time.Saturday {
		return &ConfigurationError{
			Field:  "day_of_week",
			Reason: fmt.Sprintf("invalid weekday %d", cfg.Weekday),
		}
	}
	return nil
}
