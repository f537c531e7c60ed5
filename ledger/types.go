/*
Package ledger implements the period ledger engine for self-help-group
(SHG) bookkeeping.

PURPOSE:
  A lending circle collects periodic contributions, charges interest on
  member loans, and fines late payers. This package owns the subsystem
  that makes those numbers consistent: schedule resolution (when was a
  payment due), fine/interest calculation, and the period lifecycle
  (open -> post payments -> close -> roll standing forward).

KEY CONCEPTS IN THIS FILE (types.go):
  - Group / MemberAccount: directory records the engine reads
  - ScheduleConfig: collection-frequency configuration (due dates)
  - FineRule / FineTier: late fine schedules
  - Period: one lending cycle's ledger snapshot, with explicit state
  - Contribution: one member's obligation+payment row within a period

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere money flows; two-decimal
     round-half-up at computation boundaries.
  2. Explicit state: a Period is Open or Closed via a tagged state plus
     a ClosingTotals struct. There is no null-vs-zero sentinel.
  3. Type safety: strong ID types prevent mixing group/member/period IDs.
  4. The ledger is the source of truth: everything a client might have
     computed (days late, fines) is recomputed server-side.

SEE ALSO:
  - schedule.go: due-date and days-late resolution
  - fines.go: fine and interest calculation
  - engine.go: the period lifecycle state machine
  - store.go: persistence and directory interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type GroupID string
type MemberID string
type PeriodID string
type ContributionID string

// =============================================================================
// MONEY
// =============================================================================

// RoundMoney rounds to two decimal places, half away from zero.
// Every derived amount (fines, interest, totals) passes through here
// before it is stored or compared.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Rupees builds an amount from a float literal. Test and fixture helper;
// production paths parse decimals from strings.
func Rupees(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fineTolerance is the rounding slack allowed before a client-supplied
// fine is treated as a discrepancy.
var fineTolerance = decimal.NewFromFloat(0.01)

// =============================================================================
// COLLECTION SCHEDULE
// =============================================================================

// Frequency is how often a group meets and collects.
type Frequency string

const (
	Weekly      Frequency = "WEEKLY"
	Fortnightly Frequency = "FORTNIGHTLY"
	Monthly     Frequency = "MONTHLY"
	Yearly      Frequency = "YEARLY"
)

// PeriodsPerYear returns how many collection periods a year holds.
// Used to convert an annual interest rate into a per-period rate.
func (f Frequency) PeriodsPerYear() int {
	switch f {
	case Weekly:
		return 52
	case Fortnightly:
		return 26
	case Monthly:
		return 12
	case Yearly:
		return 1
	default:
		return 0
	}
}

func (f Frequency) Valid() bool {
	return f.PeriodsPerYear() > 0
}

// ScheduleConfig is a group's collection-schedule configuration.
// Owned by the group directory; read-only to the engine.
type ScheduleConfig struct {
	Frequency Frequency

	// DayOfMonth is used for MONTHLY and YEARLY (1-31). Days past the
	// end of a short month resolve to the month's last day.
	DayOfMonth int

	// CollectionMonth pins the month for YEARLY collections.
	// Zero means January.
	CollectionMonth time.Month

	// Weekday and WeekOfMonth are used for WEEKLY and FORTNIGHTLY.
	// WeekOfMonth (1-4) anchors the fortnightly cadence.
	Weekday     time.Weekday
	WeekOfMonth int

	// ContributionAmount is the compulsory per-member contribution
	// for one period.
	ContributionAmount decimal.Decimal

	// AnnualInterestRatePercent applies to outstanding member loans,
	// e.g. 12 for 12% p.a.
	AnnualInterestRatePercent decimal.Decimal
}

// =============================================================================
// LATE FINE RULES
// =============================================================================

// FineRuleType selects the fine computation variant.
type FineRuleType string

const (
	FineFlatDaily       FineRuleType = "FLAT_DAILY_AMOUNT"
	FineDailyPercentage FineRuleType = "DAILY_PERCENTAGE"
	FineTiered          FineRuleType = "TIERED"
)

// FineTier is one band of a tiered fine schedule. Days are 1-indexed
// and inclusive at both ends; EndDay == 0 means open-ended.
type FineTier struct {
	StartDay     int             `json:"start_day"`
	EndDay       int             `json:"end_day"`
	Rate         decimal.Decimal `json:"rate"`
	IsPercentage bool            `json:"is_percentage"`
}

// Covers reports whether the given late day falls inside this tier.
func (t FineTier) Covers(day int) bool {
	if day < t.StartDay {
		return false
	}
	return t.EndDay == 0 || day <= t.EndDay
}

// FineRule is a group's late-fine configuration.
type FineRule struct {
	Enabled      bool            `json:"enabled"`
	Type         FineRuleType    `json:"type"`
	DailyAmount  decimal.Decimal `json:"daily_amount"`
	DailyPercent decimal.Decimal `json:"daily_percent"`
	Tiers        []FineTier      `json:"tiers,omitempty"`
}

// =============================================================================
// CASH ALLOCATION
// =============================================================================

// AllocationPolicy splits incoming cash between the cash box ("hand")
// and the bank account when a payment carries no explicit assignment.
type AllocationPolicy struct {
	// HandFraction is the share routed to cash in hand (0..1).
	HandFraction decimal.Decimal

	// PrincipalToBank routes loan-principal repayments entirely to
	// the bank rather than splitting them.
	PrincipalToBank bool
}

// DefaultAllocationPolicy is the conventional 30/70 hand/bank split.
func DefaultAllocationPolicy() AllocationPolicy {
	return AllocationPolicy{HandFraction: decimal.NewFromFloat(0.30)}
}

// =============================================================================
// DIRECTORY RECORDS
// =============================================================================

// Group is the directory record the engine consumes. Schedule, fine
// rule, and allocation policy are configuration; cash balances are the
// group's current hand/bank position, updated only at period close.
type Group struct {
	ID         GroupID
	Name       string
	CashInHand decimal.Decimal
	CashInBank decimal.Decimal
	Schedule   ScheduleConfig
	FineRule   FineRule
	Allocation AllocationPolicy
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MemberAccount is one member's standing within a group: roster entry
// plus current loan/share balances.
type MemberAccount struct {
	ID           MemberID
	GroupID      GroupID
	Name         string
	Active       bool
	LoanBalance  decimal.Decimal
	ShareBalance decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// PERIOD - One lending cycle's ledger snapshot
// =============================================================================

// PeriodState is the period lifecycle tag. Open periods accept payment
// postings; closed periods are immutable except via Reopen.
type PeriodState string

const (
	StateOpen   PeriodState = "OPEN"
	StateClosed PeriodState = "CLOSED"
)

// ClosingTotals are the aggregates fixed when a period closes.
// Present (possibly all-zero) on closed periods, nil on open ones.
type ClosingTotals struct {
	// TotalCollected = contributions + interest + fines + processing
	// fees. Loan-principal repayments are excluded: principal coming
	// back is an asset-composition shift, not new money.
	TotalCollected     decimal.Decimal
	NewContributions   decimal.Decimal
	InterestEarned     decimal.Decimal
	LateFinesCollected decimal.Decimal
	ProcessingFees     decimal.Decimal
	PrincipalRepaid    decimal.Decimal
	Expenses           decimal.Decimal
}

// Period is one lending cycle for a group.
//
// INVARIANTS (maintained by the engine):
//   - TotalStandingAtEnd == CashInHandAtEnd + CashInBankAtEnd +
//     sum of outstanding member loan balances.
//   - For consecutive periods N, N+1: period[N+1].StandingAtStart ==
//     period[N].TotalStandingAtEnd.
//   - At most one OPEN period per group at any time.
type Period struct {
	ID          PeriodID
	GroupID     GroupID
	Sequence    int // monotonic per group, starting at 1
	MeetingDate time.Time

	State  PeriodState
	Totals *ClosingTotals // nil while open

	StandingAtStart decimal.Decimal

	// Opening cash snapshot, captured when the period opens. Close
	// builds ending balances from this rather than re-reading group
	// cash, and Reopen restores the group to it.
	CashInHandAtStart decimal.Decimal
	CashInBankAtStart decimal.Decimal

	CashInHandAtEnd    decimal.Decimal
	CashInBankAtEnd    decimal.Decimal
	TotalStandingAtEnd decimal.Decimal

	// Version supports optimistic concurrency on the open/close/reopen
	// transitions.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open reports whether the period still accepts postings.
func (p *Period) Open() bool { return p.State == StateOpen }

// =============================================================================
// CONTRIBUTION - One member's row within a period
// =============================================================================

// ContributionStatus tracks payment progress on a contribution row.
type ContributionStatus string

const (
	StatusPending       ContributionStatus = "PENDING"
	StatusPartiallyPaid ContributionStatus = "PARTIALLY_PAID"
	StatusPaid          ContributionStatus = "PAID"
)

// Contribution is one member's obligation and payment record within a
// period. Created when the period opens, mutated by payment postings,
// frozen when the period closes.
type Contribution struct {
	ID       ContributionID
	PeriodID PeriodID
	MemberID MemberID

	ContributionDue  decimal.Decimal
	ContributionPaid decimal.Decimal
	InterestDue      decimal.Decimal
	InterestPaid     decimal.Decimal

	// FineDue is the last server-computed fine. It is advisory until
	// close, when it is recomputed and becomes authoritative.
	FineDue  decimal.Decimal
	FinePaid decimal.Decimal

	// PrincipalRepaid is loan principal returned this period. Tracked
	// separately from the revenue amounts above.
	PrincipalRepaid decimal.Decimal

	TotalPaid decimal.Decimal
	Remaining decimal.Decimal
	DaysLate  int
	Status    ContributionStatus

	// Running cash routing for this row's postings.
	CashToHand decimal.Decimal
	CashToBank decimal.Decimal

	// PaidAt is the latest posting date, used as the fine evaluation
	// date at close. Zero means no payment was posted.
	PaidAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DueTotal is what the member owes before fines: compulsory
// contribution plus loan interest.
func (c *Contribution) DueTotal() decimal.Decimal {
	return c.ContributionDue.Add(c.InterestDue)
}

// RevenuePaid is the portion of payments that counts as collection:
// everything except loan principal.
func (c *Contribution) RevenuePaid() decimal.Decimal {
	return c.ContributionPaid.Add(c.InterestPaid).Add(c.FinePaid)
}

// Recalculate refreshes TotalPaid, Remaining and Status from the paid
// amounts. Remaining is measured against dues plus the current fine.
func (c *Contribution) Recalculate() {
	c.TotalPaid = RoundMoney(c.RevenuePaid())
	c.Remaining = RoundMoney(c.DueTotal().Add(c.FineDue).Sub(c.TotalPaid))

	switch {
	case c.Remaining.LessThanOrEqual(decimal.Zero):
		c.Status = StatusPaid
	case c.TotalPaid.GreaterThan(decimal.Zero):
		c.Status = StatusPartiallyPaid
	default:
		c.Status = StatusPending
	}
}

// =============================================================================
// PAYMENT POSTING
// =============================================================================

// Payment is one posting against a member's contribution row. Amounts
// are additive; a second posting tops up the first.
type Payment struct {
	Contribution decimal.Decimal
	Interest     decimal.Decimal
	Fine         decimal.Decimal

	// Principal is a loan-principal repayment riding along with the
	// posting. It never counts toward TotalCollected.
	Principal decimal.Decimal

	// PaidAt is when the money actually changed hands. Zero means "now".
	PaidAt time.Time

	// ToHand/ToBank, when both set, explicitly route this posting's
	// cash. When nil the group's AllocationPolicy applies.
	ToHand *decimal.Decimal
	ToBank *decimal.Decimal
}

// Total is the full cash movement of the posting, principal included.
func (p Payment) Total() decimal.Decimal {
	return p.Contribution.Add(p.Interest).Add(p.Fine).Add(p.Principal)
}

// revenue is the collection portion of the posting.
func (p Payment) revenue() decimal.Decimal {
	return p.Contribution.Add(p.Interest).Add(p.Fine)
}
