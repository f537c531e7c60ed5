/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the internal domain model from the external API contract,
  allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts cross the wire as JSON numbers and are converted to
  shopspring decimals at the boundary. The engine never sees a float.

SEE ALSO:
  - handlers.go: Where these are parsed and produced
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bachatgat/ledger-engine/ledger"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// GROUPS
// =============================================================================

type ScheduleDTO struct {
	Frequency                 string  `json:"frequency"`
	DayOfMonth                int     `json:"day_of_month,omitempty"`
	CollectionMonth           int     `json:"collection_month,omitempty"`
	Weekday                   int     `json:"weekday,omitempty"`
	WeekOfMonth               int     `json:"week_of_month,omitempty"`
	ContributionAmount        float64 `json:"contribution_amount"`
	AnnualInterestRatePercent float64 `json:"annual_interest_rate_percent"`
}

type FineTierDTO struct {
	StartDay     int     `json:"start_day"`
	EndDay       int     `json:"end_day"`
	Rate         float64 `json:"rate"`
	IsPercentage bool    `json:"is_percentage,omitempty"`
}

type FineRuleDTO struct {
	Enabled      bool          `json:"enabled"`
	Type         string        `json:"type,omitempty"`
	DailyAmount  float64       `json:"daily_amount,omitempty"`
	DailyPercent float64       `json:"daily_percent,omitempty"`
	Tiers        []FineTierDTO `json:"tiers,omitempty"`
}

type AllocationDTO struct {
	HandFraction    float64 `json:"hand_fraction"`
	PrincipalToBank bool    `json:"principal_to_bank,omitempty"`
}

type CreateGroupRequest struct {
	Name       string         `json:"name"`
	CashInHand float64        `json:"cash_in_hand"`
	CashInBank float64        `json:"cash_in_bank"`
	Schedule   ScheduleDTO    `json:"schedule"`
	FineRule   FineRuleDTO    `json:"fine_rule"`
	Allocation *AllocationDTO `json:"allocation,omitempty"`
}

type GroupDTO struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	CashInHand float64     `json:"cash_in_hand"`
	CashInBank float64     `json:"cash_in_bank"`
	Schedule   ScheduleDTO `json:"schedule"`
	FineRule   FineRuleDTO `json:"fine_rule"`
	CreatedAt  string      `json:"created_at"`
}

// =============================================================================
// MEMBERS
// =============================================================================

type CreateMemberRequest struct {
	Name         string  `json:"name"`
	Active       *bool   `json:"active,omitempty"` // defaults to true
	LoanBalance  float64 `json:"loan_balance,omitempty"`
	ShareBalance float64 `json:"share_balance,omitempty"`
}

type MemberDTO struct {
	ID           string  `json:"id"`
	GroupID      string  `json:"group_id"`
	Name         string  `json:"name"`
	Active       bool    `json:"active"`
	LoanBalance  float64 `json:"loan_balance"`
	ShareBalance float64 `json:"share_balance"`
}

// =============================================================================
// PERIODS
// =============================================================================

type OpenPeriodRequest struct {
	// ReferenceDate is "2006-01-02" (or RFC3339); defaults to today.
	ReferenceDate string `json:"reference_date,omitempty"`
}

type ClosingTotalsDTO struct {
	TotalCollected     float64 `json:"total_collected"`
	NewContributions   float64 `json:"new_contributions"`
	InterestEarned     float64 `json:"interest_earned"`
	LateFinesCollected float64 `json:"late_fines_collected"`
	ProcessingFees     float64 `json:"processing_fees"`
	PrincipalRepaid    float64 `json:"principal_repaid"`
	Expenses           float64 `json:"expenses"`
}

type PeriodDTO struct {
	ID                 string            `json:"id"`
	GroupID            string            `json:"group_id"`
	Sequence           int               `json:"sequence"`
	MeetingDate        string            `json:"meeting_date"`
	State              string            `json:"state"`
	StandingAtStart    float64           `json:"standing_at_start"`
	CashInHandAtStart  float64           `json:"cash_in_hand_at_start"`
	CashInBankAtStart  float64           `json:"cash_in_bank_at_start"`
	CashInHandAtEnd    float64           `json:"cash_in_hand_at_end"`
	CashInBankAtEnd    float64           `json:"cash_in_bank_at_end"`
	TotalStandingAtEnd float64           `json:"total_standing_at_end"`
	Totals             *ClosingTotalsDTO `json:"totals,omitempty"`
	Version            int64             `json:"version"`
}

type ContributionDTO struct {
	ID               string  `json:"id"`
	PeriodID         string  `json:"period_id"`
	MemberID         string  `json:"member_id"`
	ContributionDue  float64 `json:"contribution_due"`
	ContributionPaid float64 `json:"contribution_paid"`
	InterestDue      float64 `json:"interest_due"`
	InterestPaid     float64 `json:"interest_paid"`
	FineDue          float64 `json:"fine_due"`
	FinePaid         float64 `json:"fine_paid"`
	PrincipalRepaid  float64 `json:"principal_repaid"`
	TotalPaid        float64 `json:"total_paid"`
	Remaining        float64 `json:"remaining"`
	DaysLate         int     `json:"days_late"`
	Status           string  `json:"status"`
	PaidAt           string  `json:"paid_at,omitempty"`
}

type PeriodDetailDTO struct {
	Period        PeriodDTO         `json:"period"`
	Contributions []ContributionDTO `json:"contributions"`
}

// =============================================================================
// PAYMENTS AND CLOSE
// =============================================================================

type PaymentRequest struct {
	MemberID     string   `json:"member_id"`
	Contribution float64  `json:"contribution,omitempty"`
	Interest     float64  `json:"interest,omitempty"`
	Fine         float64  `json:"fine,omitempty"`
	Principal    float64  `json:"principal,omitempty"`
	PaidAt       string   `json:"paid_at,omitempty"`
	ToHand       *float64 `json:"to_hand,omitempty"`
	ToBank       *float64 `json:"to_bank,omitempty"`
}

type CloseEntryDTO struct {
	MemberID         string   `json:"member_id"`
	ContributionPaid *float64 `json:"contribution_paid,omitempty"`
	InterestPaid     *float64 `json:"interest_paid,omitempty"`
	FinePaid         *float64 `json:"fine_paid,omitempty"`
	PrincipalRepaid  *float64 `json:"principal_repaid,omitempty"`
	PaidAt           string   `json:"paid_at,omitempty"`
	ClaimedFine      *float64 `json:"claimed_fine,omitempty"`
	ClaimedDaysLate  *int     `json:"claimed_days_late,omitempty"`
}

type ClosePeriodRequest struct {
	Entries        []CloseEntryDTO `json:"entries,omitempty"`
	Expenses       float64         `json:"expenses,omitempty"`
	ProcessingFees float64         `json:"processing_fees,omitempty"`
	OpenNext       bool            `json:"open_next,omitempty"`
}

type FineDiscrepancyDTO struct {
	MemberID         string  `json:"member_id"`
	ClaimedFine      float64 `json:"claimed_fine"`
	ComputedFine     float64 `json:"computed_fine"`
	ClaimedDaysLate  int     `json:"claimed_days_late"`
	ComputedDaysLate int     `json:"computed_days_late"`
}

type CloseResultDTO struct {
	Closed        PeriodDTO            `json:"closed"`
	Next          *PeriodDTO           `json:"next,omitempty"`
	Contributions []ContributionDTO    `json:"contributions"`
	Discrepancies []FineDiscrepancyDTO `json:"discrepancies,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func money(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func toScheduleDTO(cfg ledger.ScheduleConfig) ScheduleDTO {
	return ScheduleDTO{
		Frequency:                 string(cfg.Frequency),
		DayOfMonth:                cfg.DayOfMonth,
		CollectionMonth:           int(cfg.CollectionMonth),
		Weekday:                   int(cfg.Weekday),
		WeekOfMonth:               cfg.WeekOfMonth,
		ContributionAmount:        money(cfg.ContributionAmount),
		AnnualInterestRatePercent: money(cfg.AnnualInterestRatePercent),
	}
}

func toFineRuleDTO(rule ledger.FineRule) FineRuleDTO {
	dto := FineRuleDTO{
		Enabled:      rule.Enabled,
		Type:         string(rule.Type),
		DailyAmount:  money(rule.DailyAmount),
		DailyPercent: money(rule.DailyPercent),
	}
	for _, t := range rule.Tiers {
		dto.Tiers = append(dto.Tiers, FineTierDTO{
			StartDay:     t.StartDay,
			EndDay:       t.EndDay,
			Rate:         money(t.Rate),
			IsPercentage: t.IsPercentage,
		})
	}
	return dto
}

func toGroupDTO(g *ledger.Group) GroupDTO {
	return GroupDTO{
		ID:         string(g.ID),
		Name:       g.Name,
		CashInHand: money(g.CashInHand),
		CashInBank: money(g.CashInBank),
		Schedule:   toScheduleDTO(g.Schedule),
		FineRule:   toFineRuleDTO(g.FineRule),
		CreatedAt:  g.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toMemberDTO(m ledger.MemberAccount) MemberDTO {
	return MemberDTO{
		ID:           string(m.ID),
		GroupID:      string(m.GroupID),
		Name:         m.Name,
		Active:       m.Active,
		LoanBalance:  money(m.LoanBalance),
		ShareBalance: money(m.ShareBalance),
	}
}

func toPeriodDTO(p *ledger.Period) PeriodDTO {
	dto := PeriodDTO{
		ID:                 string(p.ID),
		GroupID:            string(p.GroupID),
		Sequence:           p.Sequence,
		MeetingDate:        p.MeetingDate.UTC().Format("2006-01-02"),
		State:              string(p.State),
		StandingAtStart:    money(p.StandingAtStart),
		CashInHandAtStart:  money(p.CashInHandAtStart),
		CashInBankAtStart:  money(p.CashInBankAtStart),
		CashInHandAtEnd:    money(p.CashInHandAtEnd),
		CashInBankAtEnd:    money(p.CashInBankAtEnd),
		TotalStandingAtEnd: money(p.TotalStandingAtEnd),
		Version:            p.Version,
	}
	if p.Totals != nil {
		dto.Totals = &ClosingTotalsDTO{
			TotalCollected:     money(p.Totals.TotalCollected),
			NewContributions:   money(p.Totals.NewContributions),
			InterestEarned:     money(p.Totals.InterestEarned),
			LateFinesCollected: money(p.Totals.LateFinesCollected),
			ProcessingFees:     money(p.Totals.ProcessingFees),
			PrincipalRepaid:    money(p.Totals.PrincipalRepaid),
			Expenses:           money(p.Totals.Expenses),
		}
	}
	return dto
}

func toContributionDTO(c ledger.Contribution) ContributionDTO {
	dto := ContributionDTO{
		ID:               string(c.ID),
		PeriodID:         string(c.PeriodID),
		MemberID:         string(c.MemberID),
		ContributionDue:  money(c.ContributionDue),
		ContributionPaid: money(c.ContributionPaid),
		InterestDue:      money(c.InterestDue),
		InterestPaid:     money(c.InterestPaid),
		FineDue:          money(c.FineDue),
		FinePaid:         money(c.FinePaid),
		PrincipalRepaid:  money(c.PrincipalRepaid),
		TotalPaid:        money(c.TotalPaid),
		Remaining:        money(c.Remaining),
		DaysLate:         c.DaysLate,
		Status:           string(c.Status),
	}
	if !c.PaidAt.IsZero() {
		dto.PaidAt = c.PaidAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func toContributionDTOs(rows []ledger.Contribution) []ContributionDTO {
	dtos := make([]ContributionDTO, 0, len(rows))
	for _, c := range rows {
		dtos = append(dtos, toContributionDTO(c))
	}
	return dtos
}
