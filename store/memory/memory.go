// Package memory provides an in-memory Store implementation
// (for testing/dev).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bachatgat/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	groups   map[ledger.GroupID]ledger.Group
	members  map[ledger.MemberID]ledger.MemberAccount
	periods  map[ledger.PeriodID]ledger.Period
	contribs map[ledger.PeriodID][]ledger.Contribution
}

func New() *Memory {
	return &Memory{
		groups:   make(map[ledger.GroupID]ledger.Group),
		members:  make(map[ledger.MemberID]ledger.MemberAccount),
		periods:  make(map[ledger.PeriodID]ledger.Period),
		contribs: make(map[ledger.PeriodID][]ledger.Contribution),
	}
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (m *Memory) CreateGroup(_ context.Context, g *ledger.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = copyGroup(*g)
	return nil
}

func (m *Memory) Group(_ context.Context, id ledger.GroupID) (*ledger.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groupLocked(id)
}

func (m *Memory) groupLocked(id ledger.GroupID) (*ledger.Group, error) {
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, ledger.ErrGroupNotFound)
	}
	out := copyGroup(g)
	return &out, nil
}

func (m *Memory) CreateMember(_ context.Context, acct *ledger.MemberAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[acct.GroupID]; !ok {
		return fmt.Errorf("group %s: %w", acct.GroupID, ledger.ErrGroupNotFound)
	}
	m.members[acct.ID] = *acct
	return nil
}

func (m *Memory) Roster(_ context.Context, groupID ledger.GroupID) ([]ledger.MemberAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rosterLocked(groupID)
}

func (m *Memory) rosterLocked(groupID ledger.GroupID) ([]ledger.MemberAccount, error) {
	var out []ledger.MemberAccount
	for _, acct := range m.members {
		if acct.GroupID == groupID {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ApplyLoanDelta(_ context.Context, groupID ledger.GroupID, memberID ledger.MemberID, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLoanDeltaLocked(groupID, memberID, delta)
}

func (m *Memory) applyLoanDeltaLocked(groupID ledger.GroupID, memberID ledger.MemberID, delta decimal.Decimal) error {
	acct, ok := m.members[memberID]
	if !ok || acct.GroupID != groupID {
		return fmt.Errorf("member %s in group %s: %w", memberID, groupID, ledger.ErrMemberNotFound)
	}
	acct.LoanBalance = ledger.RoundMoney(acct.LoanBalance.Add(delta))
	acct.UpdatedAt = time.Now()
	m.members[memberID] = acct
	return nil
}

func (m *Memory) UpdateGroupCash(_ context.Context, groupID ledger.GroupID, hand, bank decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateGroupCashLocked(groupID, hand, bank)
}

func (m *Memory) updateGroupCashLocked(groupID ledger.GroupID, hand, bank decimal.Decimal) error {
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, ledger.ErrGroupNotFound)
	}
	g.CashInHand = hand
	g.CashInBank = bank
	g.UpdatedAt = time.Now()
	m.groups[groupID] = g
	return nil
}

// =============================================================================
// PERIODS
// =============================================================================

func (m *Memory) CreatePeriod(_ context.Context, p *ledger.Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPeriodLocked(p)
}

func (m *Memory) createPeriodLocked(p *ledger.Period) error {
	if p.State == ledger.StateOpen {
		for _, existing := range m.periods {
			if existing.GroupID == p.GroupID && existing.State == ledger.StateOpen {
				return fmt.Errorf("group %s: period %s: %w", p.GroupID, existing.ID, ledger.ErrOpenPeriodExists)
			}
		}
	}
	m.periods[p.ID] = copyPeriod(*p)
	return nil
}

func (m *Memory) UpdatePeriod(_ context.Context, p *ledger.Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePeriodLocked(p)
}

func (m *Memory) updatePeriodLocked(p *ledger.Period) error {
	existing, ok := m.periods[p.ID]
	if !ok {
		return fmt.Errorf("period %s: %w", p.ID, ledger.ErrPeriodNotFound)
	}
	if existing.Version != p.Version {
		return fmt.Errorf("period %s: stored version %d, caller version %d: %w",
			p.ID, existing.Version, p.Version, ledger.ErrConcurrentModification)
	}
	p.Version++
	m.periods[p.ID] = copyPeriod(*p)
	return nil
}

func (m *Memory) DeletePeriod(_ context.Context, id ledger.PeriodID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletePeriodLocked(id)
}

func (m *Memory) deletePeriodLocked(id ledger.PeriodID) error {
	if _, ok := m.periods[id]; !ok {
		return fmt.Errorf("period %s: %w", id, ledger.ErrPeriodNotFound)
	}
	delete(m.periods, id)
	delete(m.contribs, id)
	return nil
}

func (m *Memory) Period(_ context.Context, id ledger.PeriodID) (*ledger.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.periodLocked(id)
}

func (m *Memory) periodLocked(id ledger.PeriodID) (*ledger.Period, error) {
	p, ok := m.periods[id]
	if !ok {
		return nil, fmt.Errorf("period %s: %w", id, ledger.ErrPeriodNotFound)
	}
	out := copyPeriod(p)
	return &out, nil
}

func (m *Memory) OpenPeriod(_ context.Context, groupID ledger.GroupID) (*ledger.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openPeriodLocked(groupID)
}

func (m *Memory) openPeriodLocked(groupID ledger.GroupID) (*ledger.Period, error) {
	for _, p := range m.periods {
		if p.GroupID == groupID && p.State == ledger.StateOpen {
			out := copyPeriod(p)
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) LatestPeriod(_ context.Context, groupID ledger.GroupID) (*ledger.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestPeriodLocked(groupID)
}

func (m *Memory) latestPeriodLocked(groupID ledger.GroupID) (*ledger.Period, error) {
	var latest *ledger.Period
	for _, p := range m.periods {
		if p.GroupID != groupID {
			continue
		}
		if latest == nil || p.Sequence > latest.Sequence {
			cp := copyPeriod(p)
			latest = &cp
		}
	}
	return latest, nil
}

func (m *Memory) Periods(_ context.Context, groupID ledger.GroupID) ([]ledger.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.periodsLocked(groupID)
}

func (m *Memory) periodsLocked(groupID ledger.GroupID) ([]ledger.Period, error) {
	var out []ledger.Period
	for _, p := range m.periods {
		if p.GroupID == groupID {
			out = append(out, copyPeriod(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

func (m *Memory) CreateContributions(_ context.Context, rows []ledger.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createContributionsLocked(rows)
}

func (m *Memory) createContributionsLocked(rows []ledger.Contribution) error {
	for _, row := range rows {
		m.contribs[row.PeriodID] = append(m.contribs[row.PeriodID], row)
	}
	return nil
}

func (m *Memory) UpdateContribution(_ context.Context, c *ledger.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateContributionLocked(c)
}

func (m *Memory) updateContributionLocked(c *ledger.Contribution) error {
	rows := m.contribs[c.PeriodID]
	for i := range rows {
		if rows[i].ID == c.ID {
			rows[i] = *c
			return nil
		}
	}
	return fmt.Errorf("contribution %s: %w", c.ID, ledger.ErrContributionNotFound)
}

func (m *Memory) Contribution(_ context.Context, periodID ledger.PeriodID, memberID ledger.MemberID) (*ledger.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contributionLocked(periodID, memberID)
}

func (m *Memory) contributionLocked(periodID ledger.PeriodID, memberID ledger.MemberID) (*ledger.Contribution, error) {
	for _, row := range m.contribs[periodID] {
		if row.MemberID == memberID {
			out := row
			return &out, nil
		}
	}
	return nil, fmt.Errorf("period %s member %s: %w", periodID, memberID, ledger.ErrContributionNotFound)
}

func (m *Memory) Contributions(_ context.Context, periodID ledger.PeriodID) ([]ledger.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contributionsLocked(periodID)
}

func (m *Memory) contributionsLocked(periodID ledger.PeriodID) ([]ledger.Contribution, error) {
	rows := m.contribs[periodID]
	out := make([]ledger.Contribution, len(rows))
	copy(out, rows)
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on
// error, holding the write lock for the whole transaction.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	groups   map[ledger.GroupID]ledger.Group
	members  map[ledger.MemberID]ledger.MemberAccount
	periods  map[ledger.PeriodID]ledger.Period
	contribs map[ledger.PeriodID][]ledger.Contribution
}

func (m *Memory) snapshot() snapshot {
	s := snapshot{
		groups:   make(map[ledger.GroupID]ledger.Group, len(m.groups)),
		members:  make(map[ledger.MemberID]ledger.MemberAccount, len(m.members)),
		periods:  make(map[ledger.PeriodID]ledger.Period, len(m.periods)),
		contribs: make(map[ledger.PeriodID][]ledger.Contribution, len(m.contribs)),
	}
	for k, v := range m.groups {
		s.groups[k] = copyGroup(v)
	}
	for k, v := range m.members {
		s.members[k] = v
	}
	for k, v := range m.periods {
		s.periods[k] = copyPeriod(v)
	}
	for k, v := range m.contribs {
		s.contribs[k] = append([]ledger.Contribution{}, v...)
	}
	return s
}

func (m *Memory) restore(s snapshot) {
	m.groups = s.groups
	m.members = s.members
	m.periods = s.periods
	m.contribs = s.contribs
}

// txView exposes the parent's locked methods to the transaction
// function; the parent's write lock is already held.
type txView struct {
	parent *Memory
}

func (tv *txView) CreatePeriod(_ context.Context, p *ledger.Period) error {
	return tv.parent.createPeriodLocked(p)
}

func (tv *txView) UpdatePeriod(_ context.Context, p *ledger.Period) error {
	return tv.parent.updatePeriodLocked(p)
}

func (tv *txView) DeletePeriod(_ context.Context, id ledger.PeriodID) error {
	return tv.parent.deletePeriodLocked(id)
}

func (tv *txView) Period(_ context.Context, id ledger.PeriodID) (*ledger.Period, error) {
	return tv.parent.periodLocked(id)
}

func (tv *txView) OpenPeriod(_ context.Context, groupID ledger.GroupID) (*ledger.Period, error) {
	return tv.parent.openPeriodLocked(groupID)
}

func (tv *txView) LatestPeriod(_ context.Context, groupID ledger.GroupID) (*ledger.Period, error) {
	return tv.parent.latestPeriodLocked(groupID)
}

func (tv *txView) Periods(_ context.Context, groupID ledger.GroupID) ([]ledger.Period, error) {
	return tv.parent.periodsLocked(groupID)
}

func (tv *txView) CreateContributions(_ context.Context, rows []ledger.Contribution) error {
	return tv.parent.createContributionsLocked(rows)
}

func (tv *txView) UpdateContribution(_ context.Context, c *ledger.Contribution) error {
	return tv.parent.updateContributionLocked(c)
}

func (tv *txView) Contribution(_ context.Context, periodID ledger.PeriodID, memberID ledger.MemberID) (*ledger.Contribution, error) {
	return tv.parent.contributionLocked(periodID, memberID)
}

func (tv *txView) Contributions(_ context.Context, periodID ledger.PeriodID) ([]ledger.Contribution, error) {
	return tv.parent.contributionsLocked(periodID)
}

func (tv *txView) Group(_ context.Context, id ledger.GroupID) (*ledger.Group, error) {
	return tv.parent.groupLocked(id)
}

func (tv *txView) Roster(_ context.Context, groupID ledger.GroupID) ([]ledger.MemberAccount, error) {
	return tv.parent.rosterLocked(groupID)
}

func (tv *txView) ApplyLoanDelta(_ context.Context, groupID ledger.GroupID, memberID ledger.MemberID, delta decimal.Decimal) error {
	return tv.parent.applyLoanDeltaLocked(groupID, memberID, delta)
}

func (tv *txView) UpdateGroupCash(_ context.Context, groupID ledger.GroupID, hand, bank decimal.Decimal) error {
	return tv.parent.updateGroupCashLocked(groupID, hand, bank)
}

// =============================================================================
// COPY HELPERS
// =============================================================================

func copyGroup(g ledger.Group) ledger.Group {
	tiers := make([]ledger.FineTier, len(g.FineRule.Tiers))
	copy(tiers, g.FineRule.Tiers)
	g.FineRule.Tiers = tiers
	return g
}

func copyPeriod(p ledger.Period) ledger.Period {
	if p.Totals != nil {
		t := *p.Totals
		p.Totals = &t
	}
	return p
}
