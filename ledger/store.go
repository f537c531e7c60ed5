/*
store.go - Persistence and directory interfaces

PURPOSE:
  Defines the boundary between the engine and its collaborators. The
  engine is constructed with a single injected TxStore (no per-call
  database clients); everything it touches goes through these
  interfaces inside a transaction.

TWO CONCERNS, ONE SESSION:
  Store:     periods and contribution rows - data the engine owns.
  Directory: groups and member accounts - data the engine reads, plus
             the narrow write-back contract for loan balances and
             group cash at close/reopen.

  A Session bundles both so a close can update a period, its rows,
  member loan balances, and group cash atomically.

CONCURRENCY CONTRACT:
  UpdatePeriod is optimistic: implementations must match on the
  period's Version, bump it on success, and return
  ErrConcurrentModification when the match fails. CreatePeriod must
  reject a second OPEN period for the same group (unique constraint or
  equivalent) with ErrOpenPeriodExists.

IMPLEMENTATIONS:
  - store/sqlite: production store, WAL mode
  - store/memory: in-memory store for tests and demos
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Periods and contribution rows
// =============================================================================

type Store interface {
	// CreatePeriod persists a new period. Fails with
	// ErrOpenPeriodExists if the group already has an open one.
	CreatePeriod(ctx context.Context, p *Period) error

	// UpdatePeriod persists changes with optimistic locking on
	// p.Version, bumping the version on success.
	UpdatePeriod(ctx context.Context, p *Period) error

	// DeletePeriod removes a period and its contribution rows. Used
	// only when a reopen discards an auto-created successor.
	DeletePeriod(ctx context.Context, id PeriodID) error

	// Period returns a period by ID, or ErrPeriodNotFound.
	Period(ctx context.Context, id PeriodID) (*Period, error)

	// OpenPeriod returns the group's open period, or nil if none.
	OpenPeriod(ctx context.Context, groupID GroupID) (*Period, error)

	// LatestPeriod returns the highest-sequence period for the group,
	// or nil if the group has no periods.
	LatestPeriod(ctx context.Context, groupID GroupID) (*Period, error)

	// Periods returns the group's full period history, ascending by
	// sequence.
	Periods(ctx context.Context, groupID GroupID) ([]Period, error)

	// CreateContributions inserts contribution rows in one batch.
	CreateContributions(ctx context.Context, rows []Contribution) error

	// UpdateContribution persists changes to a single row.
	UpdateContribution(ctx context.Context, c *Contribution) error

	// Contribution returns the row for (period, member), or
	// ErrContributionNotFound.
	Contribution(ctx context.Context, periodID PeriodID, memberID MemberID) (*Contribution, error)

	// Contributions returns all rows for a period.
	Contributions(ctx context.Context, periodID PeriodID) ([]Contribution, error)
}

// =============================================================================
// DIRECTORY - Group/member collaborator
// =============================================================================

// Directory supplies group configuration and the member roster, and
// accepts the engine's narrow writes: loan-balance deltas and the
// group cash position fixed at close.
type Directory interface {
	// Group returns a group with its schedule, fine rule, allocation
	// policy, and current cash position, or ErrGroupNotFound.
	Group(ctx context.Context, id GroupID) (*Group, error)

	// Roster returns the group's member accounts, active and inactive.
	Roster(ctx context.Context, groupID GroupID) ([]MemberAccount, error)

	// ApplyLoanDelta adjusts a member's outstanding loan balance.
	// Negative at close (principal repaid), positive at reopen
	// (repayment un-finalized).
	ApplyLoanDelta(ctx context.Context, groupID GroupID, memberID MemberID, delta decimal.Decimal) error

	// UpdateGroupCash sets the group's hand/bank position.
	UpdateGroupCash(ctx context.Context, groupID GroupID, hand, bank decimal.Decimal) error
}

// =============================================================================
// SESSION / TXSTORE
// =============================================================================

// Session is the view the engine works against inside a transaction.
type Session interface {
	Store
	Directory
}

// TxStore is a Session that can open transactions. If fn returns an
// error the transaction is rolled back; otherwise committed.
type TxStore interface {
	Session

	WithTx(ctx context.Context, fn func(Session) error) error
}
