/*
fines.go - Late fine and period interest calculation

PURPOSE:
  Pure money math: given a fine rule, days late, and an expected
  contribution, what is the fine; given a loan balance and an annual
  rate, what interest does one collection period accrue.

TIERED FINES:
  Tiers are day-indexed, not "whole amount at the final tier". Each
  late day accrues at the rate of whichever tier contains that day,
  then all days are summed. For the schedule
  [1,3]=15/day, [4,15]=25/day, [16,inf)=50/day, nine days late costs
  3*15 + 6*25 = 195.

TIER GAPS:
  A day no tier covers contributes zero. That is a configuration gap,
  not an error here - the engine logs it. ValidateTiers rejects gappy
  or overlapping schedules at configuration time.
*/
package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// =============================================================================
// LATE FINES
// =============================================================================

// LateFine computes the fine for a payment daysLate days overdue,
// against the member's expected contribution. uncoveredDays counts
// late days no tier covered (always zero for non-tiered rules); the
// caller is expected to flag a non-zero count as an incomplete tier
// schedule.
func LateFine(rule FineRule, daysLate int, expectedContribution decimal.Decimal) (fine decimal.Decimal, uncoveredDays int) {
	if !rule.Enabled || daysLate <= 0 {
		return decimal.Zero, 0
	}

	switch rule.Type {
	case FineFlatDaily:
		fine = rule.DailyAmount.Mul(decimal.NewFromInt(int64(daysLate)))

	case FineDailyPercentage:
		fine = expectedContribution.
			Mul(rule.DailyPercent).
			Div(hundred).
			Mul(decimal.NewFromInt(int64(daysLate)))

	case FineTiered:
		// Each day accrues at its own tier's rate; sum over all days.
		for day := 1; day <= daysLate; day++ {
			tier, ok := tierFor(rule.Tiers, day)
			if !ok {
				uncoveredDays++
				continue
			}
			if tier.IsPercentage {
				fine = fine.Add(expectedContribution.Mul(tier.Rate).Div(hundred))
			} else {
				fine = fine.Add(tier.Rate)
			}
		}

	default:
		return decimal.Zero, 0
	}

	return RoundMoney(fine), uncoveredDays
}

func tierFor(tiers []FineTier, day int) (FineTier, bool) {
	for _, t := range tiers {
		if t.Covers(day) {
			return t, true
		}
	}
	return FineTier{}, false
}

// ValidateTiers checks that a tier schedule partitions [1, inf)
// without gaps or overlaps: tiers must start at day 1, be contiguous,
// and only the last may be open-ended.
func ValidateTiers(tiers []FineTier) error {
	if len(tiers) == 0 {
		return &ConfigurationError{Field: "fine_tiers", Reason: "tiered rule has no tiers"}
	}

	sorted := make([]FineTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartDay < sorted[j].StartDay })

	if sorted[0].StartDay != 1 {
		return &ConfigurationError{
			Field:  "fine_tiers",
			Reason: fmt.Sprintf("first tier must start at day 1, starts at %d", sorted[0].StartDay),
		}
	}

	for i, t := range sorted {
		last := i == len(sorted)-1
		if t.EndDay == 0 && !last {
			return &ConfigurationError{
				Field:  "fine_tiers",
				Reason: fmt.Sprintf("tier starting at day %d is open-ended but not last", t.StartDay),
			}
		}
		if t.EndDay != 0 && t.EndDay < t.StartDay {
			return &ConfigurationError{
				Field:  "fine_tiers",
				Reason: fmt.Sprintf("tier [%d,%d] ends before it starts", t.StartDay, t.EndDay),
			}
		}
		if !last {
			next := sorted[i+1]
			if next.StartDay != t.EndDay+1 {
				return &ConfigurationError{
					Field: "fine_tiers",
					Reason: fmt.Sprintf("tiers [%d,%d] and [%d,...] do not partition days: expected next start %d",
						t.StartDay, t.EndDay, next.StartDay, t.EndDay+1),
				}
			}
		}
	}

	if sorted[len(sorted)-1].EndDay != 0 {
		return &ConfigurationError{
			Field:  "fine_tiers",
			Reason: fmt.Sprintf("last tier ends at day %d; schedule must be open-ended", sorted[len(sorted)-1].EndDay),
		}
	}

	return nil
}

// =============================================================================
// PERIOD INTEREST
// =============================================================================

// PeriodInterest converts an annual loan interest rate into one
// collection period's accrual on the given balance. Zero for
// non-positive balances or rates.
func PeriodInterest(loanBalance, annualRatePercent decimal.Decimal, f Frequency) decimal.Decimal {
	if loanBalance.LessThanOrEqual(decimal.Zero) || annualRatePercent.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	periods := f.PeriodsPerYear()
	if periods == 0 {
		return decimal.Zero
	}

	annual := loanBalance.Mul(annualRatePercent).Div(hundred)
	return RoundMoney(annual.Div(decimal.NewFromInt(int64(periods))))
}
