/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.Store and ledger.Directory using SQLite. In
  production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

KEY TABLES:
  groups:        Group directory records with schedule and fine-rule
                 configuration (fine rule stored as a JSON column)
  members:       Member accounts with loan/share balances
  periods:       Period lifecycle rows, versioned for optimistic
                 concurrency
  contributions: Per-member contribution rows for each period

INVARIANTS ENFORCED IN SCHEMA:
  - idx_periods_one_open: at most one OPEN period per group; a racing
    second insert fails the unique partial index and surfaces as
    ErrOpenPeriodExists
  - UNIQUE(group_id, sequence): no duplicate period numbering
  - UNIQUE(period_id, member_id): one contribution row per member per
    period
  - contributions cascade on period delete (reopen discards an
    auto-created successor this way)

OPTIMISTIC CONCURRENCY:
  UpdatePeriod matches on the caller's version and bumps it in the
  same statement. Zero rows affected on an existing period means a
  concurrent writer won; the caller gets ErrConcurrentModification.

MONEY:
  Decimal amounts are stored as TEXT and parsed back through
  shopspring/decimal. Never store money as REAL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. SQLite is opened with WAL
  (Write-Ahead Logging) so readers don't block each other.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/bachatgat/ledger-engine/ledger"
)

// Store implements ledger.Store and ledger.Directory using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cash_in_hand TEXT NOT NULL DEFAULT '0',
		cash_in_bank TEXT NOT NULL DEFAULT '0',
		frequency TEXT NOT NULL,
		day_of_month INTEGER NOT NULL DEFAULT 0,
		collection_month INTEGER NOT NULL DEFAULT 0,
		weekday INTEGER NOT NULL DEFAULT 0,
		week_of_month INTEGER NOT NULL DEFAULT 0,
		contribution_amount TEXT NOT NULL DEFAULT '0',
		annual_interest_rate TEXT NOT NULL DEFAULT '0',
		fine_rule_json TEXT NOT NULL DEFAULT '{}',
		hand_fraction TEXT NOT NULL DEFAULT '0.3',
		principal_to_bank INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL REFERENCES groups(id),
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		loan_balance TEXT NOT NULL DEFAULT '0',
		share_balance TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_members_group
		ON members(group_id);

	CREATE TABLE IF NOT EXISTS periods (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL REFERENCES groups(id),
		sequence INTEGER NOT NULL,
		meeting_date TEXT NOT NULL,
		state TEXT NOT NULL,
		totals_json TEXT,
		standing_at_start TEXT NOT NULL DEFAULT '0',
		cash_in_hand_at_start TEXT NOT NULL DEFAULT '0',
		cash_in_bank_at_start TEXT NOT NULL DEFAULT '0',
		cash_in_hand_at_end TEXT NOT NULL DEFAULT '0',
		cash_in_bank_at_end TEXT NOT NULL DEFAULT '0',
		total_standing_at_end TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(group_id, sequence)
	);

	-- At most one OPEN period per group, enforced at the storage
	-- layer so a racing second open loses even without the engine's
	-- check.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_periods_one_open
		ON periods(group_id) WHERE state = 'OPEN';

	CREATE INDEX IF NOT EXISTS idx_periods_group_sequence
		ON periods(group_id, sequence);

	CREATE TABLE IF NOT EXISTS contributions (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL REFERENCES periods(id) ON DELETE CASCADE,
		member_id TEXT NOT NULL REFERENCES members(id),
		contribution_due TEXT NOT NULL DEFAULT '0',
		contribution_paid TEXT NOT NULL DEFAULT '0',
		interest_due TEXT NOT NULL DEFAULT '0',
		interest_paid TEXT NOT NULL DEFAULT '0',
		fine_due TEXT NOT NULL DEFAULT '0',
		fine_paid TEXT NOT NULL DEFAULT '0',
		principal_repaid TEXT NOT NULL DEFAULT '0',
		total_paid TEXT NOT NULL DEFAULT '0',
		remaining TEXT NOT NULL DEFAULT '0',
		days_late INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		cash_to_hand TEXT NOT NULL DEFAULT '0',
		cash_to_bank TEXT NOT NULL DEFAULT '0',
		paid_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(period_id, member_id)
	);

	CREATE INDEX IF NOT EXISTS idx_contributions_period
		ON contributions(period_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is the subset of *sql.DB / *sql.Tx the store's inner methods
// need, so each works inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// GROUPS
// =============================================================================

// CreateGroup inserts a group directory record.
func (s *Store) CreateGroup(ctx context.Context, g *ledger.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createGroupTx(ctx, s.db, g)
}

func (s *Store) createGroupTx(ctx context.Context, db dbtx, g *ledger.Group) error {
	fineJSON, err := json.Marshal(g.FineRule)
	if err != nil {
		return ledger.NewStorageError("marshal fine rule", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO groups
		(id, name, cash_in_hand, cash_in_bank, frequency, day_of_month,
		 collection_month, weekday, week_of_month, contribution_amount,
		 annual_interest_rate, fine_rule_json, hand_fraction,
		 principal_to_bank, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID,
		g.Name,
		g.CashInHand.String(),
		g.CashInBank.String(),
		g.Schedule.Frequency,
		g.Schedule.DayOfMonth,
		int(g.Schedule.CollectionMonth),
		int(g.Schedule.Weekday),
		g.Schedule.WeekOfMonth,
		g.Schedule.ContributionAmount.String(),
		g.Schedule.AnnualInterestRatePercent.String(),
		string(fineJSON),
		g.Allocation.HandFraction.String(),
		boolToInt(g.Allocation.PrincipalToBank),
		formatTime(g.CreatedAt),
		formatTime(g.UpdatedAt),
	)
	if err != nil {
		return ledger.NewStorageError("create group", err)
	}
	return nil
}

const groupColumns = `id, name, cash_in_hand, cash_in_bank, frequency,
	day_of_month, collection_month, weekday, week_of_month,
	contribution_amount, annual_interest_rate, fine_rule_json,
	hand_fraction, principal_to_bank, created_at, updated_at`

// Group loads a group directory record.
func (s *Store) Group(ctx context.Context, id ledger.GroupID) (*ledger.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groupTx(ctx, s.db, id)
}

func (s *Store) groupTx(ctx context.Context, db dbtx, id ledger.GroupID) (*ledger.Group, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM groups WHERE id = ?`, id)

	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %s: %w", id, ledger.ErrGroupNotFound)
	}
	if err != nil {
		return nil, ledger.NewStorageError("load group", err)
	}
	return g, nil
}

func scanGroup(row rowScanner) (*ledger.Group, error) {
	var (
		g               ledger.Group
		hand, bank      string
		month, weekday  int
		contribution    string
		rate            string
		fineJSON        string
		handFraction    string
		principalToBank int
		createdAt       string
		updatedAt       string
	)
	err := row.Scan(
		&g.ID, &g.Name, &hand, &bank, &g.Schedule.Frequency,
		&g.Schedule.DayOfMonth, &month, &weekday, &g.Schedule.WeekOfMonth,
		&contribution, &rate, &fineJSON,
		&handFraction, &principalToBank, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	g.Schedule.CollectionMonth = time.Month(month)
	g.Schedule.Weekday = time.Weekday(weekday)
	g.Allocation.PrincipalToBank = principalToBank != 0

	if err := json.Unmarshal([]byte(fineJSON), &g.FineRule); err != nil {
		return nil, fmt.Errorf("corrupt fine rule config: %w", err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&g.CashInHand, hand},
		{&g.CashInBank, bank},
		{&g.Schedule.ContributionAmount, contribution},
		{&g.Schedule.AnnualInterestRatePercent, rate},
		{&g.Allocation.HandFraction, handFraction},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("corrupt decimal %q: %w", f.src, err)
		}
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// UpdateGroupCash replaces the group's hand/bank cash position.
func (s *Store) UpdateGroupCash(ctx context.Context, groupID ledger.GroupID, hand, bank decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateGroupCashTx(ctx, s.db, groupID, hand, bank)
}

func (s *Store) updateGroupCashTx(ctx context.Context, db dbtx, groupID ledger.GroupID, hand, bank decimal.Decimal) error {
	res, err := db.ExecContext(ctx, `
		UPDATE groups SET cash_in_hand = ?, cash_in_bank = ?, updated_at = ?
		WHERE id = ?`,
		hand.String(), bank.String(), formatTime(time.Now()), groupID)
	if err != nil {
		return ledger.NewStorageError("update group cash", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %s: %w", groupID, ledger.ErrGroupNotFound)
	}
	return nil
}

// =============================================================================
// MEMBERS
// =============================================================================

// CreateMember inserts a member account.
func (s *Store) CreateMember(ctx context.Context, m *ledger.MemberAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.groupTx(ctx, s.db, m.GroupID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members
		(id, group_id, name, active, loan_balance, share_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.GroupID, m.Name, boolToInt(m.Active),
		m.LoanBalance.String(), m.ShareBalance.String(),
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return ledger.NewStorageError("create member", err)
	}
	return nil
}

// Roster returns all member accounts of a group, oldest first.
func (s *Store) Roster(ctx context.Context, groupID ledger.GroupID) ([]ledger.MemberAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rosterTx(ctx, s.db, groupID)
}

func (s *Store) rosterTx(ctx context.Context, db dbtx, groupID ledger.GroupID) ([]ledger.MemberAccount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, group_id, name, active, loan_balance, share_balance, created_at, updated_at
		FROM members WHERE group_id = ? ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, ledger.NewStorageError("load roster", err)
	}
	defer rows.Close()

	var out []ledger.MemberAccount
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, ledger.NewStorageError("scan member", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMember(row rowScanner) (*ledger.MemberAccount, error) {
	var (
		m                    ledger.MemberAccount
		active               int
		loan, share          string
		createdAt, updatedAt string
	)
	if err := row.Scan(&m.ID, &m.GroupID, &m.Name, &active, &loan, &share, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	m.Active = active != 0
	var err error
	if m.LoanBalance, err = decimal.NewFromString(loan); err != nil {
		return nil, err
	}
	if m.ShareBalance, err = decimal.NewFromString(share); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// ApplyLoanDelta adjusts a member's loan balance by delta.
func (s *Store) ApplyLoanDelta(ctx context.Context, groupID ledger.GroupID, memberID ledger.MemberID, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLoanDeltaTx(ctx, s.db, groupID, memberID, delta)
}

func (s *Store) applyLoanDeltaTx(ctx context.Context, db dbtx, groupID ledger.GroupID, memberID ledger.MemberID, delta decimal.Decimal) error {
	// Read-modify-write keeps the arithmetic in decimal space; SQLite
	// would do it in floating point.
	var loan string
	err := db.QueryRowContext(ctx,
		`SELECT loan_balance FROM members WHERE id = ? AND group_id = ?`,
		memberID, groupID).Scan(&loan)
	if err == sql.ErrNoRows {
		return fmt.Errorf("member %s in group %s: %w", memberID, groupID, ledger.ErrMemberNotFound)
	}
	if err != nil {
		return ledger.NewStorageError("load loan balance", err)
	}

	balance, err := decimal.NewFromString(loan)
	if err != nil {
		return ledger.NewStorageError("parse loan balance", err)
	}
	balance = ledger.RoundMoney(balance.Add(delta))

	_, err = db.ExecContext(ctx,
		`UPDATE members SET loan_balance = ?, updated_at = ? WHERE id = ?`,
		balance.String(), formatTime(time.Now()), memberID)
	if err != nil {
		return ledger.NewStorageError("update loan balance", err)
	}
	return nil
}

// =============================================================================
// PERIODS
// =============================================================================

const periodColumns = `id, group_id, sequence, meeting_date, state,
	totals_json, standing_at_start, cash_in_hand_at_start,
	cash_in_bank_at_start, cash_in_hand_at_end, cash_in_bank_at_end,
	total_standing_at_end, version, created_at, updated_at`

// CreatePeriod inserts a period. A second OPEN period for the same
// group fails with ErrOpenPeriodExists.
func (s *Store) CreatePeriod(ctx context.Context, p *ledger.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPeriodTx(ctx, s.db, p)
}

func (s *Store) createPeriodTx(ctx context.Context, db dbtx, p *ledger.Period) error {
	totalsJSON, err := marshalTotals(p.Totals)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO periods
		(id, group_id, sequence, meeting_date, state, totals_json,
		 standing_at_start, cash_in_hand_at_start, cash_in_bank_at_start,
		 cash_in_hand_at_end, cash_in_bank_at_end, total_standing_at_end,
		 version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.GroupID, p.Sequence, formatTime(p.MeetingDate), p.State,
		totalsJSON,
		p.StandingAtStart.String(),
		p.CashInHandAtStart.String(), p.CashInBankAtStart.String(),
		p.CashInHandAtEnd.String(), p.CashInBankAtEnd.String(),
		p.TotalStandingAtEnd.String(),
		p.Version, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isOneOpenPeriodError(err) {
			return fmt.Errorf("group %s: %w", p.GroupID, ledger.ErrOpenPeriodExists)
		}
		return ledger.NewStorageError("create period", err)
	}
	return nil
}

// UpdatePeriod writes a period back, matching on the caller's version.
// A concurrent writer having bumped the version first surfaces as
// ErrConcurrentModification.
func (s *Store) UpdatePeriod(ctx context.Context, p *ledger.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePeriodTx(ctx, s.db, p)
}

func (s *Store) updatePeriodTx(ctx context.Context, db dbtx, p *ledger.Period) error {
	totalsJSON, err := marshalTotals(p.Totals)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
		UPDATE periods SET
			state = ?, totals_json = ?, standing_at_start = ?,
			cash_in_hand_at_start = ?, cash_in_bank_at_start = ?,
			cash_in_hand_at_end = ?, cash_in_bank_at_end = ?,
			total_standing_at_end = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		p.State, totalsJSON, p.StandingAtStart.String(),
		p.CashInHandAtStart.String(), p.CashInBankAtStart.String(),
		p.CashInHandAtEnd.String(), p.CashInBankAtEnd.String(),
		p.TotalStandingAtEnd.String(), formatTime(p.UpdatedAt),
		p.ID, p.Version,
	)
	if err != nil {
		if isOneOpenPeriodError(err) {
			return fmt.Errorf("group %s: %w", p.GroupID, ledger.ErrOpenPeriodExists)
		}
		return ledger.NewStorageError("update period", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return ledger.NewStorageError("update period", err)
	}
	if n == 0 {
		var stored int
		err := db.QueryRowContext(ctx, `SELECT version FROM periods WHERE id = ?`, p.ID).Scan(&stored)
		if err == sql.ErrNoRows {
			return fmt.Errorf("period %s: %w", p.ID, ledger.ErrPeriodNotFound)
		}
		if err != nil {
			return ledger.NewStorageError("update period", err)
		}
		return fmt.Errorf("period %s: stored version %d, caller version %d: %w",
			p.ID, stored, p.Version, ledger.ErrConcurrentModification)
	}

	p.Version++
	return nil
}

// DeletePeriod removes a period and (via cascade) its contributions.
func (s *Store) DeletePeriod(ctx context.Context, id ledger.PeriodID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletePeriodTx(ctx, s.db, id)
}

func (s *Store) deletePeriodTx(ctx context.Context, db dbtx, id ledger.PeriodID) error {
	res, err := db.ExecContext(ctx, `DELETE FROM periods WHERE id = ?`, id)
	if err != nil {
		return ledger.NewStorageError("delete period", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("period %s: %w", id, ledger.ErrPeriodNotFound)
	}
	return nil
}

// Period loads a period by id.
func (s *Store) Period(ctx context.Context, id ledger.PeriodID) (*ledger.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.periodTx(ctx, s.db, id)
}

func (s *Store) periodTx(ctx context.Context, db dbtx, id ledger.PeriodID) (*ledger.Period, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM periods WHERE id = ?`, id)

	p, err := scanPeriod(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("period %s: %w", id, ledger.ErrPeriodNotFound)
	}
	if err != nil {
		return nil, ledger.NewStorageError("load period", err)
	}
	return p, nil
}

// OpenPeriod returns the group's OPEN period, or nil if none exists.
func (s *Store) OpenPeriod(ctx context.Context, groupID ledger.GroupID) (*ledger.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openPeriodTx(ctx, s.db, groupID)
}

func (s *Store) openPeriodTx(ctx context.Context, db dbtx, groupID ledger.GroupID) (*ledger.Period, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM periods WHERE group_id = ? AND state = ?`,
		groupID, ledger.StateOpen)

	p, err := scanPeriod(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.NewStorageError("load open period", err)
	}
	return p, nil
}

// LatestPeriod returns the group's highest-sequence period, or nil.
func (s *Store) LatestPeriod(ctx context.Context, groupID ledger.GroupID) (*ledger.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestPeriodTx(ctx, s.db, groupID)
}

func (s *Store) latestPeriodTx(ctx context.Context, db dbtx, groupID ledger.GroupID) (*ledger.Period, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM periods
		 WHERE group_id = ? ORDER BY sequence DESC LIMIT 1`, groupID)

	p, err := scanPeriod(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.NewStorageError("load latest period", err)
	}
	return p, nil
}

// Periods returns the group's periods, ascending by sequence.
func (s *Store) Periods(ctx context.Context, groupID ledger.GroupID) ([]ledger.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.periodsTx(ctx, s.db, groupID)
}

func (s *Store) periodsTx(ctx context.Context, db dbtx, groupID ledger.GroupID) ([]ledger.Period, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+periodColumns+` FROM periods
		 WHERE group_id = ? ORDER BY sequence`, groupID)
	if err != nil {
		return nil, ledger.NewStorageError("load periods", err)
	}
	defer rows.Close()

	var out []ledger.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, ledger.NewStorageError("scan period", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPeriod(row rowScanner) (*ledger.Period, error) {
	var (
		p                    ledger.Period
		meetingDate          string
		totalsJSON           sql.NullString
		standing             string
		handStart, bankStart string
		handEnd, bankEnd     string
		standingEnd          string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&p.ID, &p.GroupID, &p.Sequence, &meetingDate, &p.State,
		&totalsJSON, &standing, &handStart, &bankStart,
		&handEnd, &bankEnd, &standingEnd,
		&p.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if totalsJSON.Valid && totalsJSON.String != "" {
		var totals ledger.ClosingTotals
		if err := json.Unmarshal([]byte(totalsJSON.String), &totals); err != nil {
			return nil, fmt.Errorf("corrupt closing totals: %w", err)
		}
		p.Totals = &totals
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.StandingAtStart, standing},
		{&p.CashInHandAtStart, handStart},
		{&p.CashInBankAtStart, bankStart},
		{&p.CashInHandAtEnd, handEnd},
		{&p.CashInBankAtEnd, bankEnd},
		{&p.TotalStandingAtEnd, standingEnd},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("corrupt decimal %q: %w", f.src, err)
		}
	}
	if p.MeetingDate, err = parseTime(meetingDate); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func marshalTotals(totals *ledger.ClosingTotals) (sql.NullString, error) {
	if totals == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(totals)
	if err != nil {
		return sql.NullString{}, ledger.NewStorageError("marshal closing totals", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

const contributionColumns = `id, period_id, member_id, contribution_due,
	contribution_paid, interest_due, interest_paid, fine_due, fine_paid,
	principal_repaid, total_paid, remaining, days_late, status,
	cash_to_hand, cash_to_bank, paid_at, created_at, updated_at`

// CreateContributions inserts contribution rows.
func (s *Store) CreateContributions(ctx context.Context, rows []ledger.Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createContributionsTx(ctx, s.db, rows)
}

func (s *Store) createContributionsTx(ctx context.Context, db dbtx, rows []ledger.Contribution) error {
	for _, c := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO contributions
			(id, period_id, member_id, contribution_due, contribution_paid,
			 interest_due, interest_paid, fine_due, fine_paid,
			 principal_repaid, total_paid, remaining, days_late, status,
			 cash_to_hand, cash_to_bank, paid_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.PeriodID, c.MemberID,
			c.ContributionDue.String(), c.ContributionPaid.String(),
			c.InterestDue.String(), c.InterestPaid.String(),
			c.FineDue.String(), c.FinePaid.String(),
			c.PrincipalRepaid.String(), c.TotalPaid.String(), c.Remaining.String(),
			c.DaysLate, c.Status,
			c.CashToHand.String(), c.CashToBank.String(),
			nullTime(c.PaidAt), formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		)
		if err != nil {
			return ledger.NewStorageError("create contribution", err)
		}
	}
	return nil
}

// UpdateContribution writes a contribution row back.
func (s *Store) UpdateContribution(ctx context.Context, c *ledger.Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateContributionTx(ctx, s.db, c)
}

func (s *Store) updateContributionTx(ctx context.Context, db dbtx, c *ledger.Contribution) error {
	res, err := db.ExecContext(ctx, `
		UPDATE contributions SET
			contribution_paid = ?, interest_paid = ?, fine_due = ?,
			fine_paid = ?, principal_repaid = ?, total_paid = ?,
			remaining = ?, days_late = ?, status = ?,
			cash_to_hand = ?, cash_to_bank = ?, paid_at = ?, updated_at = ?
		WHERE id = ?`,
		c.ContributionPaid.String(), c.InterestPaid.String(), c.FineDue.String(),
		c.FinePaid.String(), c.PrincipalRepaid.String(), c.TotalPaid.String(),
		c.Remaining.String(), c.DaysLate, c.Status,
		c.CashToHand.String(), c.CashToBank.String(),
		nullTime(c.PaidAt), formatTime(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		return ledger.NewStorageError("update contribution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contribution %s: %w", c.ID, ledger.ErrContributionNotFound)
	}
	return nil
}

// Contribution loads a member's row in a period.
func (s *Store) Contribution(ctx context.Context, periodID ledger.PeriodID, memberID ledger.MemberID) (*ledger.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contributionTx(ctx, s.db, periodID, memberID)
}

func (s *Store) contributionTx(ctx context.Context, db dbtx, periodID ledger.PeriodID, memberID ledger.MemberID) (*ledger.Contribution, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+contributionColumns+` FROM contributions
		 WHERE period_id = ? AND member_id = ?`, periodID, memberID)

	c, err := scanContribution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("period %s member %s: %w", periodID, memberID, ledger.ErrContributionNotFound)
	}
	if err != nil {
		return nil, ledger.NewStorageError("load contribution", err)
	}
	return c, nil
}

// Contributions returns a period's rows, oldest first.
func (s *Store) Contributions(ctx context.Context, periodID ledger.PeriodID) ([]ledger.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contributionsTx(ctx, s.db, periodID)
}

func (s *Store) contributionsTx(ctx context.Context, db dbtx, periodID ledger.PeriodID) ([]ledger.Contribution, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+contributionColumns+` FROM contributions
		 WHERE period_id = ? ORDER BY created_at, id`, periodID)
	if err != nil {
		return nil, ledger.NewStorageError("load contributions", err)
	}
	defer rows.Close()

	var out []ledger.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, ledger.NewStorageError("scan contribution", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanContribution(row rowScanner) (*ledger.Contribution, error) {
	var (
		c                    ledger.Contribution
		dec                  [11]string
		paidAt               sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&c.ID, &c.PeriodID, &c.MemberID,
		&dec[0], &dec[1], &dec[2], &dec[3], &dec[4], &dec[5],
		&dec[6], &dec[7], &dec[8],
		&c.DaysLate, &c.Status,
		&dec[9], &dec[10],
		&paidAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	for i, dst := range []*decimal.Decimal{
		&c.ContributionDue, &c.ContributionPaid,
		&c.InterestDue, &c.InterestPaid,
		&c.FineDue, &c.FinePaid,
		&c.PrincipalRepaid, &c.TotalPaid, &c.Remaining,
		&c.CashToHand, &c.CashToBank,
	} {
		if *dst, err = decimal.NewFromString(dec[i]); err != nil {
			return nil, fmt.Errorf("corrupt decimal %q: %w", dec[i], err)
		}
	}
	if paidAt.Valid && paidAt.String != "" {
		if c.PaidAt, err = parseTime(paidAt.String); err != nil {
			return nil, err
		}
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.NewStorageError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.NewStorageError("commit transaction", err)
	}
	return nil
}

// txStore routes every session call through the open transaction.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) CreatePeriod(ctx context.Context, p *ledger.Period) error {
	return ts.parent.createPeriodTx(ctx, ts.tx, p)
}

func (ts *txStore) UpdatePeriod(ctx context.Context, p *ledger.Period) error {
	return ts.parent.updatePeriodTx(ctx, ts.tx, p)
}

func (ts *txStore) DeletePeriod(ctx context.Context, id ledger.PeriodID) error {
	return ts.parent.deletePeriodTx(ctx, ts.tx, id)
}

func (ts *txStore) Period(ctx context.Context, id ledger.PeriodID) (*ledger.Period, error) {
	return ts.parent.periodTx(ctx, ts.tx, id)
}

func (ts *txStore) OpenPeriod(ctx context.Context, groupID ledger.GroupID) (*ledger.Period, error) {
	return ts.parent.openPeriodTx(ctx, ts.tx, groupID)
}

func (ts *txStore) LatestPeriod(ctx context.Context, groupID ledger.GroupID) (*ledger.Period, error) {
	return ts.parent.latestPeriodTx(ctx, ts.tx, groupID)
}

func (ts *txStore) Periods(ctx context.Context, groupID ledger.GroupID) ([]ledger.Period, error) {
	return ts.parent.periodsTx(ctx, ts.tx, groupID)
}

func (ts *txStore) CreateContributions(ctx context.Context, rows []ledger.Contribution) error {
	return ts.parent.createContributionsTx(ctx, ts.tx, rows)
}

func (ts *txStore) UpdateContribution(ctx context.Context, c *ledger.Contribution) error {
	return ts.parent.updateContributionTx(ctx, ts.tx, c)
}

func (ts *txStore) Contribution(ctx context.Context, periodID ledger.PeriodID, memberID ledger.MemberID) (*ledger.Contribution, error) {
	return ts.parent.contributionTx(ctx, ts.tx, periodID, memberID)
}

func (ts *txStore) Contributions(ctx context.Context, periodID ledger.PeriodID) ([]ledger.Contribution, error) {
	return ts.parent.contributionsTx(ctx, ts.tx, periodID)
}

func (ts *txStore) Group(ctx context.Context, id ledger.GroupID) (*ledger.Group, error) {
	return ts.parent.groupTx(ctx, ts.tx, id)
}

func (ts *txStore) Roster(ctx context.Context, groupID ledger.GroupID) ([]ledger.MemberAccount, error) {
	return ts.parent.rosterTx(ctx, ts.tx, groupID)
}

func (ts *txStore) ApplyLoanDelta(ctx context.Context, groupID ledger.GroupID, memberID ledger.MemberID, delta decimal.Decimal) error {
	return ts.parent.applyLoanDeltaTx(ctx, ts.tx, groupID, memberID, delta)
}

func (ts *txStore) UpdateGroupCash(ctx context.Context, groupID ledger.GroupID, hand, bank decimal.Decimal) error {
	return ts.parent.updateGroupCashTx(ctx, ts.tx, groupID, hand, bank)
}

// =============================================================================
// HELPERS
// =============================================================================

func isOneOpenPeriodError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "idx_periods_one_open")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}
