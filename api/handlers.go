/*
handlers.go - HTTP API handlers for the period ledger engine

PURPOSE:
  Exposes the period ledger engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Groups:
    POST   /api/groups                       Create group
    GET    /api/groups/{id}                  Get group details
    POST   /api/groups/{id}/members          Add member
    GET    /api/groups/{id}/members          List members

  Periods:
    POST   /api/groups/{id}/periods          Open a period
    GET    /api/groups/{id}/periods          Period history
    GET    /api/groups/{id}/periods/current  Open period with rows
    GET    /api/periods/{id}                 Period with rows
    POST   /api/periods/{id}/payments        Post a payment
    POST   /api/periods/{id}/close           Close the period
    POST   /api/periods/{id}/reopen          Reopen the period

ERROR HANDLING:
  Engine errors map onto HTTP status codes:
  - 400: Malformed request body or dates
  - 404: Unknown group/member/period
  - 409: State conflicts (period closed, open period exists)
  - 422: Configuration errors (bad schedule, gappy fine tiers)
  - 503: Concurrent-modification conflicts (retryable)
  - 500: Storage and other internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are
  public; put this behind a gateway in production.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bachatgat/ledger-engine/ledger"
)

// Store is the persistence surface the API needs: the engine's
// transactional store plus directory writes for group/member setup.
type Store interface {
	ledger.TxStore
	CreateGroup(ctx context.Context, g *ledger.Group) error
	CreateMember(ctx context.Context, m *ledger.MemberAccount) error
}

// Handler holds all API dependencies.
type Handler struct {
	Store  Store
	Engine *ledger.Engine
	Log    *zap.Logger
}

func NewHandler(store Store, engine *ledger.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Store: store, Engine: engine, Log: log}
}

// =============================================================================
// GROUP ENDPOINTS
// =============================================================================

// CreateGroup creates a group with its schedule and fine rule.
// POST /api/groups
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Group name is required", nil)
		return
	}

	schedule, err := parseSchedule(req.Schedule)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	rule, err := parseFineRule(req.FineRule)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	allocation := ledger.DefaultAllocationPolicy()
	if req.Allocation != nil {
		if req.Allocation.HandFraction < 0 || req.Allocation.HandFraction > 1 {
			writeError(w, http.StatusUnprocessableEntity, "hand_fraction must be between 0 and 1", nil)
			return
		}
		allocation = ledger.AllocationPolicy{
			HandFraction:    decimal.NewFromFloat(req.Allocation.HandFraction),
			PrincipalToBank: req.Allocation.PrincipalToBank,
		}
	}

	now := time.Now()
	g := &ledger.Group{
		ID:         ledger.GroupID(uuid.NewString()),
		Name:       req.Name,
		CashInHand: ledger.Rupees(req.CashInHand),
		CashInBank: ledger.Rupees(req.CashInBank),
		Schedule:   schedule,
		FineRule:   rule,
		Allocation: allocation,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.Store.CreateGroup(r.Context(), g); err != nil {
		writeEngineError(w, err)
		return
	}

	h.Log.Info("group created",
		zap.String("group_id", string(g.ID)),
		zap.String("frequency", string(g.Schedule.Frequency)),
	)
	writeJSON(w, http.StatusCreated, toGroupDTO(g))
}

// GetGroup returns a group's configuration and cash position.
// GET /api/groups/{id}
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	id := ledger.GroupID(chi.URLParam(r, "id"))

	g, err := h.Store.Group(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(g))
}

// CreateMember adds a member to a group's roster.
// POST /api/groups/{id}/members
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	groupID := ledger.GroupID(chi.URLParam(r, "id"))

	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Member name is required", nil)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := time.Now()
	m := &ledger.MemberAccount{
		ID:           ledger.MemberID(uuid.NewString()),
		GroupID:      groupID,
		Name:         req.Name,
		Active:       active,
		LoanBalance:  ledger.Rupees(req.LoanBalance),
		ShareBalance: ledger.Rupees(req.ShareBalance),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.Store.CreateMember(r.Context(), m); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(*m))
}

// ListMembers returns a group's roster.
// GET /api/groups/{id}/members
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	groupID := ledger.GroupID(chi.URLParam(r, "id"))

	roster, err := h.Store.Roster(r.Context(), groupID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]MemberDTO, 0, len(roster))
	for _, m := range roster {
		dtos = append(dtos, toMemberDTO(m))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PERIOD ENDPOINTS
// =============================================================================

// OpenPeriod opens a new period for the group.
// POST /api/groups/{id}/periods
func (h *Handler) OpenPeriod(w http.ResponseWriter, r *http.Request) {
	groupID := ledger.GroupID(chi.URLParam(r, "id"))

	var req OpenPeriodRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	refDate := time.Now()
	if req.ReferenceDate != "" {
		var err error
		if refDate, err = parseDate(req.ReferenceDate); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid reference_date", err)
			return
		}
	}

	p, err := h.Engine.OpenPeriod(r.Context(), groupID, refDate)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeriodDTO(p))
}

// ListPeriods returns the group's period history, oldest first.
// GET /api/groups/{id}/periods
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	groupID := ledger.GroupID(chi.URLParam(r, "id"))

	periods, err := h.Engine.PeriodHistory(r.Context(), groupID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]PeriodDTO, 0, len(periods))
	for i := range periods {
		dtos = append(dtos, toPeriodDTO(&periods[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CurrentPeriod returns the group's open period with its rows.
// GET /api/groups/{id}/periods/current
func (h *Handler) CurrentPeriod(w http.ResponseWriter, r *http.Request) {
	groupID := ledger.GroupID(chi.URLParam(r, "id"))

	p, rows, err := h.Engine.CurrentPeriod(r.Context(), groupID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PeriodDetailDTO{
		Period:        toPeriodDTO(p),
		Contributions: toContributionDTOs(rows),
	})
}

// GetPeriod returns any period with its rows.
// GET /api/periods/{id}
func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	id := ledger.PeriodID(chi.URLParam(r, "id"))

	p, rows, err := h.Engine.PeriodDetail(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PeriodDetailDTO{
		Period:        toPeriodDTO(p),
		Contributions: toContributionDTOs(rows),
	})
}

// PostPayment posts a member payment into an open period.
// POST /api/periods/{id}/payments
func (h *Handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	periodID := ledger.PeriodID(chi.URLParam(r, "id"))

	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MemberID == "" {
		writeError(w, http.StatusBadRequest, "member_id is required", nil)
		return
	}

	amounts := []fieldAmount{
		{"contribution", req.Contribution},
		{"interest", req.Interest},
		{"fine", req.Fine},
		{"principal", req.Principal},
	}
	if req.ToHand != nil {
		amounts = append(amounts, fieldAmount{"to_hand", *req.ToHand})
	}
	if req.ToBank != nil {
		amounts = append(amounts, fieldAmount{"to_bank", *req.ToBank})
	}
	if err := validateNonNegative(amounts); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	pay := ledger.Payment{
		Contribution: ledger.Rupees(req.Contribution),
		Interest:     ledger.Rupees(req.Interest),
		Fine:         ledger.Rupees(req.Fine),
		Principal:    ledger.Rupees(req.Principal),
	}
	if req.PaidAt != "" {
		paidAt, err := parseDate(req.PaidAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid_at", err)
			return
		}
		pay.PaidAt = paidAt
	}
	if req.ToHand != nil {
		v := ledger.Rupees(*req.ToHand)
		pay.ToHand = &v
	}
	if req.ToBank != nil {
		v := ledger.Rupees(*req.ToBank)
		pay.ToBank = &v
	}

	row, err := h.Engine.PostPayment(r.Context(), periodID, ledger.MemberID(req.MemberID), pay)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContributionDTO(*row))
}

// ClosePeriod finalizes an open period.
// POST /api/periods/{id}/close
func (h *Handler) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	periodID := ledger.PeriodID(chi.URLParam(r, "id"))

	var req ClosePeriodRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	amounts := []fieldAmount{
		{"expenses", req.Expenses},
		{"processing_fees", req.ProcessingFees},
	}
	for _, e := range req.Entries {
		if e.ContributionPaid != nil {
			amounts = append(amounts, fieldAmount{"contribution_paid", *e.ContributionPaid})
		}
		if e.InterestPaid != nil {
			amounts = append(amounts, fieldAmount{"interest_paid", *e.InterestPaid})
		}
		if e.FinePaid != nil {
			amounts = append(amounts, fieldAmount{"fine_paid", *e.FinePaid})
		}
		if e.PrincipalRepaid != nil {
			amounts = append(amounts, fieldAmount{"principal_repaid", *e.PrincipalRepaid})
		}
		if e.ClaimedFine != nil {
			amounts = append(amounts, fieldAmount{"claimed_fine", *e.ClaimedFine})
		}
	}
	if err := validateNonNegative(amounts); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	closeReq := ledger.CloseRequest{
		PeriodID:       periodID,
		Expenses:       ledger.Rupees(req.Expenses),
		ProcessingFees: ledger.Rupees(req.ProcessingFees),
		OpenNext:       req.OpenNext,
	}
	for _, e := range req.Entries {
		entry := ledger.CloseEntry{MemberID: ledger.MemberID(e.MemberID)}
		if e.ContributionPaid != nil {
			v := ledger.Rupees(*e.ContributionPaid)
			entry.ContributionPaid = &v
		}
		if e.InterestPaid != nil {
			v := ledger.Rupees(*e.InterestPaid)
			entry.InterestPaid = &v
		}
		if e.FinePaid != nil {
			v := ledger.Rupees(*e.FinePaid)
			entry.FinePaid = &v
		}
		if e.PrincipalRepaid != nil {
			v := ledger.Rupees(*e.PrincipalRepaid)
			entry.PrincipalRepaid = &v
		}
		if e.ClaimedFine != nil {
			v := ledger.Rupees(*e.ClaimedFine)
			entry.ClaimedFine = &v
		}
		entry.ClaimedDaysLate = e.ClaimedDaysLate
		if e.PaidAt != "" {
			paidAt, err := parseDate(e.PaidAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid paid_at", err)
				return
			}
			entry.PaidAt = paidAt
		}
		closeReq.Entries = append(closeReq.Entries, entry)
	}

	res, err := h.Engine.ClosePeriod(r.Context(), closeReq)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dto := CloseResultDTO{
		Closed:        toPeriodDTO(res.Closed),
		Contributions: toContributionDTOs(res.Contributions),
	}
	if res.Next != nil {
		next := toPeriodDTO(res.Next)
		dto.Next = &next
	}
	for _, d := range res.Discrepancies {
		dto.Discrepancies = append(dto.Discrepancies, FineDiscrepancyDTO{
			MemberID:         string(d.MemberID),
			ClaimedFine:      money(d.ClaimedFine),
			ComputedFine:     money(d.ComputedFine),
			ClaimedDaysLate:  d.ClaimedDaysLate,
			ComputedDaysLate: d.ComputedDaysLate,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// ReopenPeriod un-finalizes the most recently closed period.
// POST /api/periods/{id}/reopen
func (h *Handler) ReopenPeriod(w http.ResponseWriter, r *http.Request) {
	periodID := ledger.PeriodID(chi.URLParam(r, "id"))

	p, err := h.Engine.ReopenPeriod(r.Context(), periodID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

// =============================================================================
// PARSING
// =============================================================================

func parseSchedule(dto ScheduleDTO) (ledger.ScheduleConfig, error) {
	cfg := ledger.ScheduleConfig{
		Frequency:                 ledger.Frequency(dto.Frequency),
		DayOfMonth:                dto.DayOfMonth,
		CollectionMonth:           time.Month(dto.CollectionMonth),
		Weekday:                   time.Weekday(dto.Weekday),
		WeekOfMonth:               dto.WeekOfMonth,
		ContributionAmount:        ledger.Rupees(dto.ContributionAmount),
		AnnualInterestRatePercent: decimal.NewFromFloat(dto.AnnualInterestRatePercent),
	}
	if !cfg.Frequency.Valid() {
		return cfg, &ledger.ConfigurationError{
			Field:  "frequency",
			Reason: "must be WEEKLY, FORTNIGHTLY, MONTHLY, or YEARLY",
		}
	}
	// Fail bad calendar config now rather than at the first open.
	if _, err := ledger.DueDate(cfg, time.Now()); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseFineRule(dto FineRuleDTO) (ledger.FineRule, error) {
	rule := ledger.FineRule{
		Enabled:      dto.Enabled,
		Type:         ledger.FineRuleType(dto.Type),
		DailyAmount:  ledger.Rupees(dto.DailyAmount),
		DailyPercent: ledger.Rupees(dto.DailyPercent),
	}
	for _, t := range dto.Tiers {
		rule.Tiers = append(rule.Tiers, ledger.FineTier{
			StartDay:     t.StartDay,
			EndDay:       t.EndDay,
			Rate:         ledger.Rupees(t.Rate),
			IsPercentage: t.IsPercentage,
		})
	}
	if !rule.Enabled {
		return rule, nil
	}

	switch rule.Type {
	case ledger.FineFlatDaily, ledger.FineDailyPercentage:
		return rule, nil
	case ledger.FineTiered:
		return rule, ledger.ValidateTiers(rule.Tiers)
	default:
		return rule, &ledger.ConfigurationError{
			Field:  "fine_rule.type",
			Reason: "must be FLAT_DAILY_AMOUNT, DAILY_PERCENTAGE, or TIERED",
		}
	}
}

type fieldAmount struct {
	name  string
	value float64
}

// validateNonNegative rejects negative money amounts at the edge; a
// negative principal or override would otherwise flow through and
// inflate balances instead of reducing them.
func validateNonNegative(amounts []fieldAmount) error {
	for _, a := range amounts {
		if a.value < 0 {
			return fmt.Errorf("%s must not be negative", a.name)
		}
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps domain errors onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrConfiguration):
		writeError(w, http.StatusUnprocessableEntity, "Invalid configuration", err)
	case ledger.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "Conflicting update, retry", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusConflict, "Operation not allowed", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
