package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bachatgat/ledger-engine/ledger"
	"github.com/bachatgat/ledger-engine/store/memory"
)

func seedGroup(t *testing.T, m *memory.Memory) ledger.GroupID {
	t.Helper()
	id := ledger.GroupID("grp-1")
	require.NoError(t, m.CreateGroup(context.Background(), &ledger.Group{ID: id, Name: "test"}))
	return id
}

func period(groupID ledger.GroupID, id string, seq int, state ledger.PeriodState) *ledger.Period {
	return &ledger.Period{
		ID:          ledger.PeriodID(id),
		GroupID:     groupID,
		Sequence:    seq,
		MeetingDate: time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
		State:       state,
		Version:     1,
	}
}

func TestMemory_SecondOpenPeriodRejected(t *testing.T) {
	m := memory.New()
	ctx := context.Background()
	gid := seedGroup(t, m)

	require.NoError(t, m.CreatePeriod(ctx, period(gid, "p1", 1, ledger.StateOpen)))

	err := m.CreatePeriod(ctx, period(gid, "p2", 2, ledger.StateOpen))
	assert.ErrorIs(t, err, ledger.ErrOpenPeriodExists)

	// A closed period slots in fine.
	assert.NoError(t, m.CreatePeriod(ctx, period(gid, "p0", 0, ledger.StateClosed)))
}

func TestMemory_OptimisticVersioning(t *testing.T) {
	m := memory.New()
	ctx := context.Background()
	gid := seedGroup(t, m)

	require.NoError(t, m.CreatePeriod(ctx, period(gid, "p1", 1, ledger.StateOpen)))

	fresh, err := m.Period(ctx, "p1")
	require.NoError(t, err)
	stale, err := m.Period(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, m.UpdatePeriod(ctx, fresh))
	assert.Equal(t, int64(2), fresh.Version, "successful update bumps the version")

	err = m.UpdatePeriod(ctx, stale)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.True(t, ledger.IsRetryable(err))
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	m := memory.New()
	ctx := context.Background()
	gid := seedGroup(t, m)

	boom := assert.AnError
	err := m.WithTx(ctx, func(s ledger.Session) error {
		if err := s.CreatePeriod(ctx, period(gid, "p1", 1, ledger.StateOpen)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := m.OpenPeriod(ctx, gid)
	require.NoError(t, err)
	assert.Nil(t, p, "rolled-back period must not persist")
}

func TestMemory_DeletePeriodCascades(t *testing.T) {
	m := memory.New()
	ctx := context.Background()
	gid := seedGroup(t, m)

	require.NoError(t, m.CreateMember(ctx, &ledger.MemberAccount{ID: "mem-1", GroupID: gid, Active: true}))
	require.NoError(t, m.CreatePeriod(ctx, period(gid, "p1", 1, ledger.StateOpen)))
	require.NoError(t, m.CreateContributions(ctx, []ledger.Contribution{
		{ID: "c1", PeriodID: "p1", MemberID: "mem-1"},
	}))

	require.NoError(t, m.DeletePeriod(ctx, "p1"))

	_, err := m.Period(ctx, "p1")
	assert.ErrorIs(t, err, ledger.ErrPeriodNotFound)
	_, err = m.Contribution(ctx, "p1", "mem-1")
	assert.ErrorIs(t, err, ledger.ErrContributionNotFound)
}
