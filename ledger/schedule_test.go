package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bachatgat/ledger-engine/ledger"
)

func monthlyOn(day int) ledger.ScheduleConfig {
	return ledger.ScheduleConfig{
		Frequency:  ledger.Monthly,
		DayOfMonth: day,
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// DUE DATE TESTS
// =============================================================================

func TestDueDate_MonthlyDayFive(t *testing.T) {
	// GIVEN: Monthly collection on the 5th
	// WHEN: A period is referenced on June 1st, evaluated June 12th
	// THEN: Due date is June 5th and the payment is 7 days late

	cfg := monthlyOn(5)

	due, err := ledger.DueDate(cfg, date(2025, time.June, 1))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 5), due)

	assert.Equal(t, 7, ledger.DaysLate(due, date(2025, time.June, 12)))
}

func TestDueDate_Monthly_ShortMonthClamps(t *testing.T) {
	// GIVEN: Monthly collection on the 31st
	// WHEN: The reference month is February
	// THEN: The due date is pulled back to the month's last day

	cfg := monthlyOn(31)

	due, err := ledger.DueDate(cfg, date(2025, time.February, 10))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.February, 28), due)

	due, err = ledger.DueDate(cfg, date(2024, time.February, 10))
	require.NoError(t, err)
	assert.Equal(t, date(2024, time.February, 29), due, "leap year keeps the 29th")
}

func TestDueDate_Weekly_MostRecentWeekday(t *testing.T) {
	// GIVEN: Weekly collection on Tuesdays
	// WHEN: Referenced mid-week and on the collection day itself
	// THEN: The most recent Tuesday at/before the reference wins

	cfg := ledger.ScheduleConfig{
		Frequency: ledger.Weekly,
		Weekday:   time.Tuesday,
	}

	// 2025-06-06 is a Friday; the preceding Tuesday is June 3rd.
	due, err := ledger.DueDate(cfg, date(2025, time.June, 6))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 3), due)

	// Referenced exactly on a Tuesday.
	due, err = ledger.DueDate(cfg, date(2025, time.June, 3))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 3), due)
}

func TestDueDate_Fortnightly_StepsFromAnchor(t *testing.T) {
	// GIVEN: Fortnightly collection anchored on the first Monday
	// WHEN: Referenced across a fortnight boundary
	// THEN: The due date advances in 14-day steps from the anchor

	cfg := ledger.ScheduleConfig{
		Frequency:   ledger.Fortnightly,
		Weekday:     time.Monday,
		WeekOfMonth: 1,
	}

	// First Monday of June 2025 is the 2nd.
	due, err := ledger.DueDate(cfg, date(2025, time.June, 10))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 2), due)

	// Past the mid-cycle boundary: June 2nd + 14 = June 16th.
	due, err = ledger.DueDate(cfg, date(2025, time.June, 17))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 16), due)
}

func TestDueDate_Fortnightly_HoldsAcrossMonthBoundary(t *testing.T) {
	// GIVEN: Fortnightly collection on the Monday cadence hitting
	//        June 30th 2025
	// WHEN: Referenced on June 30th and again on July 1st
	// THEN: The due date stays June 30th; the cadence doesn't reset to
	//       July's first-Monday occurrence

	cfg := ledger.ScheduleConfig{
		Frequency:   ledger.Fortnightly,
		Weekday:     time.Monday,
		WeekOfMonth: 1,
	}

	dueJun, err := ledger.DueDate(cfg, date(2025, time.June, 30))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 30), dueJun)

	dueJul, err := ledger.DueDate(cfg, date(2025, time.July, 1))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 30), dueJul)

	// A period opened the day after a cycle boundary is 1 day past
	// due, not a week-plus.
	assert.Equal(t, 1, ledger.DaysLate(dueJul, date(2025, time.July, 1)))

	// The next boundary is exactly 14 days on.
	due, err := ledger.DueDate(cfg, date(2025, time.July, 14))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.July, 14), due)
}

func TestDueDate_Yearly_PinsCollectionMonth(t *testing.T) {
	cfg := ledger.ScheduleConfig{
		Frequency:       ledger.Yearly,
		DayOfMonth:      15,
		CollectionMonth: time.March,
	}

	due, err := ledger.DueDate(cfg, date(2025, time.July, 1))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.March, 15), due)
}

func TestDueDate_Monotonic(t *testing.T) {
	// GIVEN: A fixed schedule of each frequency
	// WHEN: Reference dates strictly increase across several month
	//       boundaries
	// THEN: Due dates never decrease

	cases := []struct {
		name string
		cfg  ledger.ScheduleConfig
	}{
		{"monthly day 5", monthlyOn(5)},
		{"monthly day 31", monthlyOn(31)},
		{"weekly tuesday", ledger.ScheduleConfig{Frequency: ledger.Weekly, Weekday: time.Tuesday}},
		{"fortnightly monday week 1", ledger.ScheduleConfig{Frequency: ledger.Fortnightly, Weekday: time.Monday, WeekOfMonth: 1}},
		{"fortnightly friday week 2", ledger.ScheduleConfig{Frequency: ledger.Fortnightly, Weekday: time.Friday, WeekOfMonth: 2}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var prev time.Time
			ref := date(2025, time.January, 1)
			for i := 0; i < 200; i++ {
				due, err := ledger.DueDate(tc.cfg, ref)
				require.NoError(t, err)
				assert.False(t, due.Before(prev), "due date regressed at ref %s: %s -> %s",
					ref.Format("2006-01-02"), prev.Format("2006-01-02"), due.Format("2006-01-02"))
				prev = due
				ref = ref.AddDate(0, 0, 1)
			}
		})
	}
}

func TestDueDate_DegenerateConfiguration(t *testing.T) {
	cases := []struct {
		name string
		cfg  ledger.ScheduleConfig
	}{
		{"monthly without day of month", ledger.ScheduleConfig{Frequency: ledger.Monthly}},
		{"monthly with day 32", ledger.ScheduleConfig{Frequency: ledger.Monthly, DayOfMonth: 32}},
		{"fortnightly without week of month", ledger.ScheduleConfig{Frequency: ledger.Fortnightly, Weekday: time.Monday}},
		{"unknown frequency", ledger.ScheduleConfig{Frequency: "DAILY"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ledger.DueDate(tc.cfg, date(2025, time.June, 1))
			require.Error(t, err)
			assert.ErrorIs(t, err, ledger.ErrConfiguration)

			var cfgErr *ledger.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

// =============================================================================
// DAYS LATE TESTS
// =============================================================================

func TestDaysLate_NeverNegative(t *testing.T) {
	due := date(2025, time.June, 5)

	assert.Equal(t, 0, ledger.DaysLate(due, date(2025, time.June, 1)))
	assert.Equal(t, 0, ledger.DaysLate(due, due))
	assert.Equal(t, 1, ledger.DaysLate(due, date(2025, time.June, 6)))
}

func TestDaysLate_UTCCalendarBoundaries(t *testing.T) {
	// GIVEN: A payment at 23:30 IST on the due date
	// WHEN: Days late is computed
	// THEN: The local wall clock doesn't flip a day by timezone accident

	ist := time.FixedZone("IST", 5*3600+1800)
	due := date(2025, time.June, 5)

	// 23:30 IST on June 5 is 18:00 UTC June 5 - same UTC day.
	paidAt := time.Date(2025, time.June, 5, 23, 30, 0, 0, ist)
	assert.Equal(t, 0, ledger.DaysLate(due, paidAt))

	// 04:00 IST on June 6 is 22:30 UTC June 5 - still the due day.
	paidAt = time.Date(2025, time.June, 6, 4, 0, 0, 0, ist)
	assert.Equal(t, 0, ledger.DaysLate(due, paidAt))
}

// =============================================================================
// NEXT MEETING DATE TESTS
// =============================================================================

func TestNextMeetingDate(t *testing.T) {
	from := date(2025, time.June, 1)

	next, err := ledger.NextMeetingDate(ledger.ScheduleConfig{Frequency: ledger.Weekly, Weekday: time.Monday}, from)
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 8), next)

	next, err = ledger.NextMeetingDate(ledger.ScheduleConfig{Frequency: ledger.Fortnightly, Weekday: time.Monday, WeekOfMonth: 1}, from)
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 15), next)

	next, err = ledger.NextMeetingDate(monthlyOn(5), from)
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.July, 1), next)

	next, err = ledger.NextMeetingDate(ledger.ScheduleConfig{Frequency: ledger.Yearly, DayOfMonth: 1}, from)
	require.NoError(t, err)
	assert.Equal(t, date(2026, time.June, 1), next)

	_, err = ledger.NextMeetingDate(ledger.ScheduleConfig{Frequency: "DAILY"}, from)
	assert.ErrorIs(t, err, ledger.ErrConfiguration)
}
