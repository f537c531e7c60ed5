/*
engine.go - The period ledger state machine

PURPOSE:
  Owns the period lifecycle for a group:

    OpenPeriod   -> one OPEN period, one contribution row per active
                    member, dues computed up front
    PostPayment  -> additive postings against a row while the period
                    is open
    ClosePeriod  -> server-side recomputation of fines, aggregation,
                    standing roll-forward, optional successor
    ReopenPeriod -> un-finalize the most recently closed period

CRITICAL INVARIANTS:
  1. At most one OPEN period per group (transactional check-then-create
     backed by a storage unique constraint).
  2. totalStandingAtEnd == cash in hand + cash in bank + outstanding
     loan assets, recomputed from member state at close - never carried
     incrementally.
  3. period[N+1].standingAtStart == period[N].totalStandingAtEnd.
  4. Loan-principal repayments never inflate TotalCollected. Principal
     moves cash and shrinks loan assets by the same amount; standing is
     unchanged by a pure repayment.

THE LEDGER IS THE SOURCE OF TRUTH:
  Close recomputes days-late and fines from the group's schedule and
  rule. Client-supplied figures are accepted only as claims; when a
  claim disagrees beyond rounding tolerance the server value wins and
  the discrepancy is logged and reported.

CONCURRENCY:
  Every operation runs inside one store transaction. Period mutations
  are optimistic (version match); a conflicting writer gets
  ErrConcurrentModification and should re-fetch and retry once.

SEE ALSO:
  - schedule.go, fines.go: the pure calculators this engine drives
  - store.go: the transactional boundary
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine drives the period lifecycle against an injected store.
// Create once per process; safe for concurrent use.
type Engine struct {
	store TxStore
	log   *zap.Logger
	now   func() time.Time
}

type Option func(*Engine)

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the engine's time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// OPEN PERIOD
// =============================================================================

// OpenPeriod starts a new lending cycle for the group.
//
// The new period's opening standing is the previous period's ending
// standing, or for a group's first period, group cash plus outstanding
// loans. One contribution row is created per active member with dues
// (and any already-accrued late fine) computed up front - opening a
// period late means fines start accruing immediately.
func (e *Engine) OpenPeriod(ctx context.Context, groupID GroupID, referenceDate time.Time) (*Period, error) {
	var opened *Period

	err := e.store.WithTx(ctx, func(s Session) error {
		group, err := s.Group(ctx, groupID)
		if err != nil {
			return err
		}

		if existing, err := s.OpenPeriod(ctx, groupID); err != nil {
			return err
		} else if existing != nil {
			return fmt.Errorf("group %s: period %s: %w", groupID, existing.ID, ErrOpenPeriodExists)
		}

		roster, err := s.Roster(ctx, groupID)
		if err != nil {
			return err
		}

		latest, err := s.LatestPeriod(ctx, groupID)
		if err != nil {
			return err
		}

		sequence := 1
		standing := group.CashInHand.Add(group.CashInBank)
		if latest != nil {
			sequence = latest.Sequence + 1
			standing = latest.TotalStandingAtEnd
		} else {
			// First-ever period: standing is cash plus whatever is
			// already out on loan.
			for _, m := range roster {
				standing = standing.Add(m.LoanBalance)
			}
		}

		due, err := DueDate(group.Schedule, referenceDate)
		if err != nil {
			return err
		}
		late := DaysLate(due, e.now())

		now := e.now()
		p := &Period{
			ID:                PeriodID(uuid.NewString()),
			GroupID:           groupID,
			Sequence:          sequence,
			MeetingDate:       utcMidnight(referenceDate),
			State:             StateOpen,
			StandingAtStart:   RoundMoney(standing),
			CashInHandAtStart: group.CashInHand,
			CashInBankAtStart: group.CashInBank,
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.CreatePeriod(ctx, p); err != nil {
			return err
		}

		rows := e.buildContributions(p, group, roster, late)
		if err := s.CreateContributions(ctx, rows); err != nil {
			return err
		}

		opened = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return opened, nil
}

// buildContributions creates one row per active member with dues
// computed from group configuration and the member's loan balance.
func (e *Engine) buildContributions(p *Period, group *Group, roster []MemberAccount, daysLate int) []Contribution {
	now := e.now()
	var rows []Contribution
	for _, m := range roster {
		if !m.Active {
			continue
		}

		interest := PeriodInterest(m.LoanBalance, group.Schedule.AnnualInterestRatePercent, group.Schedule.Frequency)
		fine, uncovered := LateFine(group.FineRule, daysLate, group.Schedule.ContributionAmount)
		if uncovered > 0 {
			e.logTierGap(group.ID, m.ID, daysLate, uncovered)
		}

		row := Contribution{
			ID:              ContributionID(uuid.NewString()),
			PeriodID:        p.ID,
			MemberID:        m.ID,
			ContributionDue: group.Schedule.ContributionAmount,
			InterestDue:     interest,
			FineDue:         fine,
			DaysLate:        daysLate,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		row.Recalculate()
		rows = append(rows, row)
	}
	return rows
}

// =============================================================================
// POST PAYMENT
// =============================================================================

// PostPayment records a payment against a member's contribution row in
// an open period. Amounts are additive across postings. The posting
// touches only the row - group cash moves at close, never here, so a
// payment can't be double counted.
func (e *Engine) PostPayment(ctx context.Context, periodID PeriodID, memberID MemberID, pay Payment) (*Contribution, error) {
	var updated *Contribution

	err := e.store.WithTx(ctx, func(s Session) error {
		p, err := s.Period(ctx, periodID)
		if err != nil {
			return err
		}
		if !p.Open() {
			return &InvalidPeriodStateError{
				PeriodID: periodID, State: p.State, Op: "post payment",
				Reason: "payments can only be posted to an open period",
			}
		}

		group, err := s.Group(ctx, p.GroupID)
		if err != nil {
			return err
		}

		row, err := s.Contribution(ctx, periodID, memberID)
		if err != nil {
			return err
		}

		paidAt := pay.PaidAt
		if paidAt.IsZero() {
			paidAt = e.now()
		}

		row.ContributionPaid = row.ContributionPaid.Add(pay.Contribution)
		row.InterestPaid = row.InterestPaid.Add(pay.Interest)
		row.FinePaid = row.FinePaid.Add(pay.Fine)
		row.PrincipalRepaid = row.PrincipalRepaid.Add(pay.Principal)
		row.PaidAt = paidAt

		hand, bank := allocateCash(group.Allocation, pay)
		row.CashToHand = row.CashToHand.Add(hand)
		row.CashToBank = row.CashToBank.Add(bank)

		row.Recalculate()
		row.UpdatedAt = e.now()

		if err := s.UpdateContribution(ctx, row); err != nil {
			return err
		}
		updated = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// allocateCash resolves a posting's hand/bank routing: an explicit
// assignment wins; otherwise the group policy splits revenue and
// routes principal.
func allocateCash(policy AllocationPolicy, pay Payment) (hand, bank decimal.Decimal) {
	total := pay.Total()

	switch {
	case pay.ToHand != nil && pay.ToBank != nil:
		return *pay.ToHand, *pay.ToBank
	case pay.ToHand != nil:
		return *pay.ToHand, total.Sub(*pay.ToHand)
	case pay.ToBank != nil:
		return total.Sub(*pay.ToBank), *pay.ToBank
	}

	hand = pay.revenue().Mul(policy.HandFraction)
	bank = pay.revenue().Sub(hand)

	if policy.PrincipalToBank {
		bank = bank.Add(pay.Principal)
	} else {
		principalHand := pay.Principal.Mul(policy.HandFraction)
		hand = hand.Add(principalHand)
		bank = bank.Add(pay.Principal.Sub(principalHand))
	}
	return RoundMoney(hand), RoundMoney(bank)
}

// =============================================================================
// CLOSE PERIOD
// =============================================================================

// CloseEntry carries a caller's per-member figures into a close:
// overrides for paid amounts (for members whose payments were recorded
// offline) and the client's claimed fine figures, which are checked
// against the server's recomputation.
type CloseEntry struct {
	MemberID MemberID

	// Overrides; nil leaves the posted value untouched.
	ContributionPaid *decimal.Decimal
	InterestPaid     *decimal.Decimal
	FinePaid         *decimal.Decimal
	PrincipalRepaid  *decimal.Decimal

	// PaidAt overrides the row's fine evaluation date when set.
	PaidAt time.Time

	// Client-claimed figures, validated server-side.
	ClaimedFine     *decimal.Decimal
	ClaimedDaysLate *int
}

// CloseRequest describes a period close.
type CloseRequest struct {
	PeriodID PeriodID
	Entries  []CloseEntry

	Expenses       decimal.Decimal
	ProcessingFees decimal.Decimal

	// OpenNext immediately opens the successor period after closing.
	OpenNext bool
}

// FineDiscrepancy records a client fine claim the server overruled.
type FineDiscrepancy struct {
	MemberID         MemberID
	ClaimedFine      decimal.Decimal
	ComputedFine     decimal.Decimal
	ClaimedDaysLate  int
	ComputedDaysLate int
}

// CloseResult is the outcome of a close.
type CloseResult struct {
	Closed        *Period
	Next          *Period // nil unless OpenNext was requested
	Contributions []Contribution
	Discrepancies []FineDiscrepancy
}

// ClosePeriod finalizes an open period: recomputes fines server-side,
// aggregates collections, applies principal repayments to member loan
// balances, rolls cash and standing forward, and marks the period
// CLOSED. Closing an already-closed period fails with ErrPeriodClosed.
func (e *Engine) ClosePeriod(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	var result *CloseResult

	err := e.store.WithTx(ctx, func(s Session) error {
		p, err := s.Period(ctx, req.PeriodID)
		if err != nil {
			return err
		}
		if !p.Open() {
			return &InvalidPeriodStateError{
				PeriodID: req.PeriodID, State: p.State, Op: "close period",
				Reason: "period is already closed",
			}
		}

		group, err := s.Group(ctx, p.GroupID)
		if err != nil {
			return err
		}
		roster, err := s.Roster(ctx, p.GroupID)
		if err != nil {
			return err
		}
		rows, err := s.Contributions(ctx, p.ID)
		if err != nil {
			return err
		}

		// Keep the storage order (member creation) so the close result
		// and its discrepancies come back in a stable order.
		byMember := make(map[MemberID]*Contribution, len(rows))
		order := make([]MemberID, 0, len(rows))
		for i := range rows {
			byMember[rows[i].MemberID] = &rows[i]
			order = append(order, rows[i].MemberID)
		}
		accounts := make(map[MemberID]MemberAccount, len(roster))
		for _, m := range roster {
			accounts[m.ID] = m
		}

		// Fold caller entries into the rows, creating rows for members
		// who joined after the period opened.
		entryByMember := make(map[MemberID]*CloseEntry, len(req.Entries))
		for i := range req.Entries {
			entry := &req.Entries[i]
			entryByMember[entry.MemberID] = entry

			row, ok := byMember[entry.MemberID]
			if !ok {
				m, known := accounts[entry.MemberID]
				if !known {
					return fmt.Errorf("member %s: %w", entry.MemberID, ErrMemberNotFound)
				}
				fresh := e.newCloseRow(p, group, m)
				byMember[entry.MemberID] = fresh
				order = append(order, entry.MemberID)
				if err := s.CreateContributions(ctx, []Contribution{*fresh}); err != nil {
					return err
				}
				row = fresh
			}
			applyOverrides(row, entry)
		}

		// Every active member must be accounted for.
		for _, m := range roster {
			if !m.Active {
				continue
			}
			if _, ok := byMember[m.ID]; !ok {
				return fmt.Errorf("member %s has no contribution record and no override: %w",
					m.ID, ErrContributionNotFound)
			}
		}

		due, err := DueDate(group.Schedule, p.MeetingDate)
		if err != nil {
			return err
		}

		// Recompute fines server-side; the recomputation wins.
		var discrepancies []FineDiscrepancy
		totals := ClosingTotals{
			ProcessingFees: RoundMoney(req.ProcessingFees),
			Expenses:       RoundMoney(req.Expenses),
		}
		handIn := decimal.Zero
		bankIn := decimal.Zero

		for _, memberID := range order {
			row := byMember[memberID]
			evalAt := row.PaidAt
			if evalAt.IsZero() {
				evalAt = e.now()
			}

			late := DaysLate(due, evalAt)
			fine, uncovered := LateFine(group.FineRule, late, row.ContributionDue)
			if uncovered > 0 {
				e.logTierGap(group.ID, row.MemberID, late, uncovered)
			}

			if d := e.checkFineClaim(entryByMember[row.MemberID], row.MemberID, fine, late); d != nil {
				discrepancies = append(discrepancies, *d)
			}

			row.DaysLate = late
			row.FineDue = fine
			row.Recalculate()
			row.UpdatedAt = e.now()

			// Cash not allocated at posting time (override entries)
			// follows the group policy now.
			rowCash := row.RevenuePaid().Add(row.PrincipalRepaid)
			h, b := settleUnallocated(group.Allocation, row, rowCash)
			row.CashToHand, row.CashToBank = h, b

			if err := s.UpdateContribution(ctx, row); err != nil {
				return err
			}

			totals.NewContributions = totals.NewContributions.Add(row.ContributionPaid)
			totals.InterestEarned = totals.InterestEarned.Add(row.InterestPaid)
			totals.LateFinesCollected = totals.LateFinesCollected.Add(row.FinePaid)
			totals.PrincipalRepaid = totals.PrincipalRepaid.Add(row.PrincipalRepaid)
			handIn = handIn.Add(row.CashToHand)
			bankIn = bankIn.Add(row.CashToBank)

			// Principal comes off the member's loan balance. This is
			// the asset-composition shift: loan assets shrink exactly
			// as cash grows, leaving standing untouched.
			if row.PrincipalRepaid.GreaterThan(decimal.Zero) {
				if err := s.ApplyLoanDelta(ctx, p.GroupID, row.MemberID, row.PrincipalRepaid.Neg()); err != nil {
					return err
				}
			}
		}

		// Collections exclude loan principal by construction.
		totals.TotalCollected = RoundMoney(totals.NewContributions.
			Add(totals.InterestEarned).
			Add(totals.LateFinesCollected).
			Add(totals.ProcessingFees))
		totals.NewContributions = RoundMoney(totals.NewContributions)
		totals.InterestEarned = RoundMoney(totals.InterestEarned)
		totals.LateFinesCollected = RoundMoney(totals.LateFinesCollected)
		totals.PrincipalRepaid = RoundMoney(totals.PrincipalRepaid)

		// Fees and expenses carry no per-row assignment; both follow
		// the group's hand/bank split.
		feeHand := totals.ProcessingFees.Mul(group.Allocation.HandFraction)
		expHand := totals.Expenses.Mul(group.Allocation.HandFraction)
		handEnd := RoundMoney(p.CashInHandAtStart.Add(handIn).Add(feeHand).Sub(expHand))
		bankEnd := RoundMoney(p.CashInBankAtStart.Add(bankIn).
			Add(totals.ProcessingFees.Sub(feeHand)).
			Sub(totals.Expenses.Sub(expHand)))

		// Loan assets are recomputed from member state after the
		// principal deltas, not carried incrementally - drift dies here.
		loanAssets, err := e.outstandingLoans(ctx, s, p.GroupID)
		if err != nil {
			return err
		}

		p.State = StateClosed
		p.Totals = &totals
		p.CashInHandAtEnd = handEnd
		p.CashInBankAtEnd = bankEnd
		p.TotalStandingAtEnd = RoundMoney(handEnd.Add(bankEnd).Add(loanAssets))
		p.UpdatedAt = e.now()

		if err := s.UpdatePeriod(ctx, p); err != nil {
			return err
		}
		if err := s.UpdateGroupCash(ctx, p.GroupID, handEnd, bankEnd); err != nil {
			return err
		}

		var next *Period
		if req.OpenNext {
			next, err = e.openSuccessor(ctx, s, p, group)
			if err != nil {
				return err
			}
		}

		closedRows := make([]Contribution, 0, len(order))
		for _, memberID := range order {
			closedRows = append(closedRows, *byMember[memberID])
		}

		result = &CloseResult{
			Closed:        p,
			Next:          next,
			Contributions: closedRows,
			Discrepancies: discrepancies,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// newCloseRow builds a contribution row for a member who had none when
// the period opened (joined mid-period and is settled via override).
func (e *Engine) newCloseRow(p *Period, group *Group, m MemberAccount) *Contribution {
	now := e.now()
	row := &Contribution{
		ID:              ContributionID(uuid.NewString()),
		PeriodID:        p.ID,
		MemberID:        m.ID,
		ContributionDue: group.Schedule.ContributionAmount,
		InterestDue:     PeriodInterest(m.LoanBalance, group.Schedule.AnnualInterestRatePercent, group.Schedule.Frequency),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	row.Recalculate()
	return row
}

func applyOverrides(row *Contribution, entry *CloseEntry) {
	if entry.ContributionPaid != nil {
		row.ContributionPaid = *entry.ContributionPaid
	}
	if entry.InterestPaid != nil {
		row.InterestPaid = *entry.InterestPaid
	}
	if entry.FinePaid != nil {
		row.FinePaid = *entry.FinePaid
	}
	if entry.PrincipalRepaid != nil {
		row.PrincipalRepaid = *entry.PrincipalRepaid
	}
	if !entry.PaidAt.IsZero() {
		row.PaidAt = entry.PaidAt
	}
}

// checkFineClaim compares a client's claimed fine figures against the
// server recomputation. The server value always wins; a claim off by
// more than rounding tolerance is logged and reported.
func (e *Engine) checkFineClaim(entry *CloseEntry, memberID MemberID, fine decimal.Decimal, late int) *FineDiscrepancy {
	if entry == nil || (entry.ClaimedFine == nil && entry.ClaimedDaysLate == nil) {
		return nil
	}

	claimedFine := fine
	if entry.ClaimedFine != nil {
		claimedFine = *entry.ClaimedFine
	}
	claimedLate := late
	if entry.ClaimedDaysLate != nil {
		claimedLate = *entry.ClaimedDaysLate
	}

	if claimedFine.Sub(fine).Abs().LessThanOrEqual(fineTolerance) && claimedLate == late {
		return nil
	}

	e.log.Warn("late fine claim overruled by server recomputation",
		zap.String("member_id", string(memberID)),
		zap.String("claimed_fine", claimedFine.String()),
		zap.String("computed_fine", fine.String()),
		zap.Int("claimed_days_late", claimedLate),
		zap.Int("computed_days_late", late),
	)
	return &FineDiscrepancy{
		MemberID:         memberID,
		ClaimedFine:      claimedFine,
		ComputedFine:     fine,
		ClaimedDaysLate:  claimedLate,
		ComputedDaysLate: late,
	}
}

// settleUnallocated routes whatever cash a row has not already
// allocated (override entries bypass posting-time allocation).
func settleUnallocated(policy AllocationPolicy, row *Contribution, rowCash decimal.Decimal) (hand, bank decimal.Decimal) {
	allocated := row.CashToHand.Add(row.CashToBank)
	unalloc := rowCash.Sub(allocated)
	if unalloc.IsZero() {
		return row.CashToHand, row.CashToBank
	}
	if unalloc.IsNegative() {
		// An override reduced paid amounts below the cash already
		// allocated at posting time. Scale the allocation down so the
		// row never claims more cash than was actually paid.
		if rowCash.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, decimal.Zero
		}
		hand = RoundMoney(row.CashToHand.Mul(rowCash).Div(allocated))
		return hand, RoundMoney(rowCash.Sub(hand))
	}

	// Principal first, since its routing may differ.
	principal := row.PrincipalRepaid
	if principal.GreaterThan(unalloc) {
		principal = unalloc
	}
	revenue := unalloc.Sub(principal)

	hand = row.CashToHand.Add(revenue.Mul(policy.HandFraction))
	bank = row.CashToBank.Add(revenue.Sub(revenue.Mul(policy.HandFraction)))
	if policy.PrincipalToBank {
		bank = bank.Add(principal)
	} else {
		ph := principal.Mul(policy.HandFraction)
		hand = hand.Add(ph)
		bank = bank.Add(principal.Sub(ph))
	}
	return RoundMoney(hand), RoundMoney(bank)
}

// openSuccessor creates the follow-on period inside the closing
// transaction, seeded from the closed period's ending position.
func (e *Engine) openSuccessor(ctx context.Context, s Session, closed *Period, group *Group) (*Period, error) {
	nextDate, err := NextMeetingDate(group.Schedule, closed.MeetingDate)
	if err != nil {
		return nil, err
	}

	now := e.now()
	next := &Period{
		ID:                PeriodID(uuid.NewString()),
		GroupID:           closed.GroupID,
		Sequence:          closed.Sequence + 1,
		MeetingDate:       nextDate,
		State:             StateOpen,
		StandingAtStart:   closed.TotalStandingAtEnd,
		CashInHandAtStart: closed.CashInHandAtEnd,
		CashInBankAtStart: closed.CashInBankAtEnd,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.CreatePeriod(ctx, next); err != nil {
		return nil, err
	}

	// Dues for the next cycle use loan balances as reduced by this
	// close's principal repayments.
	roster, err := s.Roster(ctx, closed.GroupID)
	if err != nil {
		return nil, err
	}
	due, err := DueDate(group.Schedule, nextDate)
	if err != nil {
		return nil, err
	}
	rows := e.buildContributions(next, group, roster, DaysLate(due, e.now()))
	if err := s.CreateContributions(ctx, rows); err != nil {
		return nil, err
	}

	return next, nil
}

// outstandingLoans sums current loan balances across the roster.
func (e *Engine) outstandingLoans(ctx context.Context, s Session, groupID GroupID) (decimal.Decimal, error) {
	roster, err := s.Roster(ctx, groupID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	total := decimal.Zero
	for _, m := range roster {
		total = total.Add(m.LoanBalance)
	}
	return total, nil
}

// =============================================================================
// REOPEN PERIOD
// =============================================================================

// ReopenPeriod un-finalizes the most recently closed period of its
// group. An auto-created open successor (and its contribution rows) is
// deleted; principal repayments are put back on member loan balances
// and group cash is restored to the period's opening snapshot, so a
// subsequent close re-applies them exactly once. Posted payments are
// preserved.
func (e *Engine) ReopenPeriod(ctx context.Context, periodID PeriodID) (*Period, error) {
	var reopened *Period

	err := e.store.WithTx(ctx, func(s Session) error {
		p, err := s.Period(ctx, periodID)
		if err != nil {
			return err
		}
		if p.Open() {
			return &InvalidPeriodStateError{
				PeriodID: periodID, State: p.State, Op: "reopen period",
				Reason: "period is not closed",
			}
		}

		latest, err := s.LatestPeriod(ctx, p.GroupID)
		if err != nil {
			return err
		}

		if latest.ID != p.ID {
			// Only an open auto-created successor may sit between this
			// period and the head of the history.
			if latest.Sequence != p.Sequence+1 || !latest.Open() {
				return &InvalidPeriodStateError{
					PeriodID: periodID, State: p.State, Op: "reopen period",
					Reason: fmt.Sprintf("period %d is not the most recently closed (latest is %d)",
						p.Sequence, latest.Sequence),
				}
			}
			e.log.Info("reopen discarding auto-created successor",
				zap.String("group_id", string(p.GroupID)),
				zap.String("successor_id", string(latest.ID)),
				zap.Int("successor_sequence", latest.Sequence),
			)
			if err := s.DeletePeriod(ctx, latest.ID); err != nil {
				return err
			}
		}

		// Put repaid principal back on loan balances and restore the
		// group cash position; close will re-apply both.
		rows, err := s.Contributions(ctx, p.ID)
		if err != nil {
			return err
		}
		for i := range rows {
			row := &rows[i]
			if row.PrincipalRepaid.GreaterThan(decimal.Zero) {
				if err := s.ApplyLoanDelta(ctx, p.GroupID, row.MemberID, row.PrincipalRepaid); err != nil {
					return err
				}
			}
			row.UpdatedAt = e.now()
			if err := s.UpdateContribution(ctx, row); err != nil {
				return err
			}
		}
		if err := s.UpdateGroupCash(ctx, p.GroupID, p.CashInHandAtStart, p.CashInBankAtStart); err != nil {
			return err
		}

		p.State = StateOpen
		p.Totals = nil
		p.CashInHandAtEnd = decimal.Zero
		p.CashInBankAtEnd = decimal.Zero
		p.TotalStandingAtEnd = decimal.Zero
		p.UpdatedAt = e.now()

		if err := s.UpdatePeriod(ctx, p); err != nil {
			return err
		}
		reopened = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reopened, nil
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// CurrentPeriod returns the group's open period with its contribution
// rows, or ErrPeriodNotFound if no period is open.
func (e *Engine) CurrentPeriod(ctx context.Context, groupID GroupID) (*Period, []Contribution, error) {
	p, err := e.store.OpenPeriod(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, fmt.Errorf("group %s has no open period: %w", groupID, ErrPeriodNotFound)
	}
	rows, err := e.store.Contributions(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	return p, rows, nil
}

// PeriodDetail returns a period with its contribution rows.
func (e *Engine) PeriodDetail(ctx context.Context, periodID PeriodID) (*Period, []Contribution, error) {
	p, err := e.store.Period(ctx, periodID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := e.store.Contributions(ctx, periodID)
	if err != nil {
		return nil, nil, err
	}
	return p, rows, nil
}

// PeriodHistory returns the group's periods, ascending by sequence.
func (e *Engine) PeriodHistory(ctx context.Context, groupID GroupID) ([]Period, error) {
	return e.store.Periods(ctx, groupID)
}

func (e *Engine) logTierGap(groupID GroupID, memberID MemberID, daysLate, uncovered int) {
	e.log.Warn("fine tier schedule does not cover all late days",
		zap.String("group_id", string(groupID)),
		zap.String("member_id", string(memberID)),
		zap.Int("days_late", daysLate),
		zap.Int("uncovered_days", uncovered),
	)
}
