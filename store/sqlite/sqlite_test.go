package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bachatgat/ledger-engine/ledger"
	"github.com/bachatgat/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedGroup(t *testing.T, store *sqlite.Store) ledger.GroupID {
	t.Helper()
	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	g := &ledger.Group{
		ID:         "grp-1",
		Name:       "bachat gat",
		CashInHand: ledger.Rupees(1000),
		CashInBank: ledger.Rupees(2000),
		Schedule: ledger.ScheduleConfig{
			Frequency:                 ledger.Monthly,
			DayOfMonth:                5,
			ContributionAmount:        ledger.Rupees(100),
			AnnualInterestRatePercent: decimal.NewFromInt(12),
		},
		FineRule: ledger.FineRule{
			Enabled: true,
			Type:    ledger.FineTiered,
			Tiers: []ledger.FineTier{
				{StartDay: 1, EndDay: 3, Rate: ledger.Rupees(15)},
				{StartDay: 4, EndDay: 0, Rate: ledger.Rupees(25)},
			},
		},
		Allocation: ledger.DefaultAllocationPolicy(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.CreateGroup(context.Background(), g))
	return g.ID
}

func testPeriod(groupID ledger.GroupID, id string, seq int, state ledger.PeriodState) *ledger.Period {
	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	return &ledger.Period{
		ID:          ledger.PeriodID(id),
		GroupID:     groupID,
		Sequence:    seq,
		MeetingDate: now,
		State:       state,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// =============================================================================
// GROUP ROUND-TRIP
// =============================================================================

func TestGroup_ConfigSurvivesRoundTrip(t *testing.T) {
	// GIVEN: A group with a tiered fine rule and schedule config
	// WHEN: It is stored and reloaded
	// THEN: Fine tiers, schedule, and decimal balances come back intact

	store := newTestStore(t)
	gid := seedGroup(t, store)

	g, err := store.Group(context.Background(), gid)
	require.NoError(t, err)

	assert.Equal(t, "bachat gat", g.Name)
	assert.True(t, ledger.Rupees(1000).Equal(g.CashInHand))
	assert.Equal(t, ledger.Monthly, g.Schedule.Frequency)
	assert.Equal(t, 5, g.Schedule.DayOfMonth)
	assert.True(t, ledger.Rupees(100).Equal(g.Schedule.ContributionAmount))

	require.True(t, g.FineRule.Enabled)
	require.Len(t, g.FineRule.Tiers, 2)
	assert.Equal(t, 3, g.FineRule.Tiers[0].EndDay)
	assert.True(t, ledger.Rupees(25).Equal(g.FineRule.Tiers[1].Rate))

	assert.True(t, decimal.NewFromFloat(0.30).Equal(g.Allocation.HandFraction))
}

func TestGroup_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Group(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrGroupNotFound)
}

// =============================================================================
// PERIOD INVARIANTS
// =============================================================================

func TestCreatePeriod_OneOpenPerGroup(t *testing.T) {
	// GIVEN: A group with an OPEN period
	// WHEN: A second OPEN period is inserted
	// THEN: The partial unique index rejects it

	store := newTestStore(t)
	gid := seedGroup(t, store)
	ctx := context.Background()

	require.NoError(t, store.CreatePeriod(ctx, testPeriod(gid, "p1", 1, ledger.StateOpen)))

	err := store.CreatePeriod(ctx, testPeriod(gid, "p2", 2, ledger.StateOpen))
	assert.ErrorIs(t, err, ledger.ErrOpenPeriodExists)

	assert.NoError(t, store.CreatePeriod(ctx, testPeriod(gid, "p0", 0, ledger.StateClosed)))
}

func TestUpdatePeriod_OptimisticVersioning(t *testing.T) {
	// GIVEN: Two readers holding the same period version
	// WHEN: Both write it back
	// THEN: The first wins and bumps the version; the second gets
	//       ErrConcurrentModification

	store := newTestStore(t)
	gid := seedGroup(t, store)
	ctx := context.Background()

	require.NoError(t, store.CreatePeriod(ctx, testPeriod(gid, "p1", 1, ledger.StateOpen)))

	fresh, err := store.Period(ctx, "p1")
	require.NoError(t, err)
	stale, err := store.Period(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, store.UpdatePeriod(ctx, fresh))
	assert.Equal(t, int64(2), fresh.Version)

	err = store.UpdatePeriod(ctx, stale)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.True(t, ledger.IsRetryable(err))
}

func TestPeriod_ClosingTotalsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	gid := seedGroup(t, store)
	ctx := context.Background()

	p := testPeriod(gid, "p1", 1, ledger.StateOpen)
	require.NoError(t, store.CreatePeriod(ctx, p))

	p.State = ledger.StateClosed
	p.Totals = &ledger.ClosingTotals{
		TotalCollected:  ledger.Rupees(210),
		InterestEarned:  ledger.Rupees(10),
		PrincipalRepaid: ledger.Rupees(200),
	}
	p.TotalStandingAtEnd = ledger.Rupees(4210)
	require.NoError(t, store.UpdatePeriod(ctx, p))

	got, err := store.Period(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got.Totals)
	assert.True(t, ledger.Rupees(210).Equal(got.Totals.TotalCollected))
	assert.True(t, ledger.Rupees(4210).Equal(got.TotalStandingAtEnd))

	// Reopening nulls the totals out again.
	got.State = ledger.StateOpen
	got.Totals = nil
	require.NoError(t, store.UpdatePeriod(ctx, got))

	reopened, err := store.Period(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, reopened.Totals)
}

func TestDeletePeriod_CascadesContributions(t *testing.T) {
	store := newTestStore(t)
	gid := seedGroup(t, store)
	ctx := context.Background()

	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateMember(ctx, &ledger.MemberAccount{
		ID: "mem-1", GroupID: gid, Name: "asha", Active: true,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.CreatePeriod(ctx, testPeriod(gid, "p1", 1, ledger.StateOpen)))
	require.NoError(t, store.CreateContributions(ctx, []ledger.Contribution{{
		ID: "c1", PeriodID: "p1", MemberID: "mem-1",
		Status: ledger.StatusPending, CreatedAt: now, UpdatedAt: now,
	}}))

	require.NoError(t, store.DeletePeriod(ctx, "p1"))

	_, err := store.Period(ctx, "p1")
	assert.ErrorIs(t, err, ledger.ErrPeriodNotFound)
	_, err = store.Contribution(ctx, "p1", "mem-1")
	assert.ErrorIs(t, err, ledger.ErrContributionNotFound)
}

// =============================================================================
// MEMBERS AND LOANS
// =============================================================================

func TestApplyLoanDelta(t *testing.T) {
	store := newTestStore(t)
	gid := seedGroup(t, store)
	ctx := context.Background()

	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateMember(ctx, &ledger.MemberAccount{
		ID: "mem-1", GroupID: gid, Name: "asha", Active: true,
		LoanBalance: ledger.Rupees(1000),
		CreatedAt:   now, UpdatedAt: now,
	}))

	require.NoError(t, store.ApplyLoanDelta(ctx, gid, "mem-1", ledger.Rupees(200).Neg()))

	roster, err := store.Roster(ctx, gid)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.True(t, ledger.Rupees(800).Equal(roster[0].LoanBalance))

	err = store.ApplyLoanDelta(ctx, gid, "missing", ledger.Rupees(1))
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	gid := seedGroup(t, store)
	ctx := context.Background()

	boom := assert.AnError
	err := store.WithTx(ctx, func(s ledger.Session) error {
		if err := s.CreatePeriod(ctx, testPeriod(gid, "p1", 1, ledger.StateOpen)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := store.OpenPeriod(ctx, gid)
	require.NoError(t, err)
	assert.Nil(t, p, "rolled-back period must not persist")
}

// =============================================================================
// ENGINE INTEGRATION
// =============================================================================

func TestEngine_LifecycleOnSQLite(t *testing.T) {
	// GIVEN: The real engine wired to a sqlite store
	// WHEN: A period opens, takes a payment, closes, and reopens
	// THEN: The whole lifecycle works against durable storage

	store := newTestStore(t)
	gid := seedGroup(t, store)
	ctx := context.Background()

	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateMember(ctx, &ledger.MemberAccount{
		ID: "mem-1", GroupID: gid, Name: "asha", Active: true,
		LoanBalance: ledger.Rupees(1000),
		CreatedAt:   now, UpdatedAt: now,
	}))

	eng := ledger.NewEngine(store, ledger.WithClock(func() time.Time { return now }))

	p, err := eng.OpenPeriod(ctx, gid, now)
	require.NoError(t, err)
	assert.True(t, ledger.Rupees(4000).Equal(p.StandingAtStart))

	_, err = eng.PostPayment(ctx, p.ID, "mem-1", ledger.Payment{
		Contribution: ledger.Rupees(100),
		Interest:     ledger.Rupees(10),
		Principal:    ledger.Rupees(200),
	})
	require.NoError(t, err)

	res, err := eng.ClosePeriod(ctx, ledger.CloseRequest{PeriodID: p.ID})
	require.NoError(t, err)
	assert.True(t, ledger.Rupees(4110).Equal(res.Closed.TotalStandingAtEnd),
		"4000 opening + 110 revenue, got %s", res.Closed.TotalStandingAtEnd)

	reopened, err := eng.ReopenPeriod(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateOpen, reopened.State)

	g, err := store.Group(ctx, gid)
	require.NoError(t, err)
	assert.True(t, ledger.Rupees(1000).Equal(g.CashInHand), "cash restored on reopen")
}
