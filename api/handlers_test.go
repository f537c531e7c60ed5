/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Full group lifecycle over HTTP (create, roster, open, pay, close, reopen)
- Error-to-status mapping (404, 409, 422)
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bachatgat/ledger-engine/ledger"
	"github.com/bachatgat/ledger-engine/store/memory"
)

type testServer struct {
	router *chi.Mux
	clock  time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{clock: time.Date(2025, 6, 12, 10, 0, 0, 0, time.UTC)}
	store := memory.New()
	engine := ledger.NewEngine(store, ledger.WithClock(func() time.Time { return ts.clock }))
	ts.router = NewRouter(NewHandler(store, engine, nil))
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func (ts *testServer) createGroup(t *testing.T) GroupDTO {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/groups", CreateGroupRequest{
		Name:       "Asha Mahila Mandal",
		CashInHand: 1000,
		CashInBank: 2000,
		Schedule: ScheduleDTO{
			Frequency:                 "MONTHLY",
			DayOfMonth:                5,
			ContributionAmount:        100,
			AnnualInterestRatePercent: 12,
		},
		FineRule: FineRuleDTO{
			Enabled: true,
			Type:    "TIERED",
			Tiers: []FineTierDTO{
				{StartDay: 1, EndDay: 3, Rate: 15},
				{StartDay: 4, EndDay: 0, Rate: 25},
			},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	return decode[GroupDTO](t, rec)
}

func (ts *testServer) createMember(t *testing.T, groupID, name string, loan float64) MemberDTO {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/groups/"+groupID+"/members", CreateMemberRequest{
		Name:        name,
		LoanBalance: loan,
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	return decode[MemberDTO](t, rec)
}

func TestAPI_GroupLifecycle(t *testing.T) {
	// GIVEN: A group with two members, one carrying a 1000 loan
	ts := newTestServer(t)
	group := ts.createGroup(t)
	asha := ts.createMember(t, group.ID, "Asha", 1000)
	ts.createMember(t, group.ID, "Bina", 0)

	// WHEN: Opening a period for June 2025
	rec := ts.do(t, http.MethodPost, "/api/groups/"+group.ID+"/periods", OpenPeriodRequest{
		ReferenceDate: "2025-06-01",
	})

	// THEN: The period opens with the group's full standing
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	period := decode[PeriodDTO](t, rec)
	assert.Equal(t, 1, period.Sequence)
	assert.Equal(t, "OPEN", period.State)
	assert.InDelta(t, 4000.0, period.StandingAtStart, 0.001)

	// WHEN: Asha pays her dues plus a principal repayment
	rec = ts.do(t, http.MethodPost, "/api/periods/"+period.ID+"/payments", PaymentRequest{
		MemberID:     asha.ID,
		Contribution: 100,
		Interest:     10,
		Principal:    200,
		PaidAt:       "2025-06-03",
	})

	// THEN: The row reflects the posting
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	row := decode[ContributionDTO](t, rec)
	assert.InDelta(t, 100.0, row.ContributionPaid, 0.001)
	assert.InDelta(t, 200.0, row.PrincipalRepaid, 0.001)
	assert.Equal(t, "PAID", row.Status)

	// WHEN: Closing with Bina settled via an override entry
	rec = ts.do(t, http.MethodPost, "/api/periods/"+period.ID+"/close", ClosePeriodRequest{
		Entries: []CloseEntryDTO{{
			MemberID:         ts.memberID(t, group.ID, "Bina"),
			ContributionPaid: ptr(100.0),
			PaidAt:           "2025-06-05",
		}},
	})

	// THEN: The period closes and standing grows by revenue only
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	result := decode[CloseResultDTO](t, rec)
	assert.Equal(t, "CLOSED", result.Closed.State)
	require.NotNil(t, result.Closed.Totals)
	assert.InDelta(t, 210.0, result.Closed.Totals.TotalCollected, 0.001)
	assert.InDelta(t, 200.0, result.Closed.Totals.PrincipalRepaid, 0.001)
	assert.InDelta(t, 4210.0, result.Closed.TotalStandingAtEnd, 0.001)
	assert.Empty(t, result.Discrepancies)

	// WHEN: Reopening the closed period
	rec = ts.do(t, http.MethodPost, "/api/periods/"+period.ID+"/reopen", nil)

	// THEN: The period is open again and totals are cleared
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	reopened := decode[PeriodDTO](t, rec)
	assert.Equal(t, "OPEN", reopened.State)
	assert.Nil(t, reopened.Totals)
}

// memberID looks up a roster member by name.
func (ts *testServer) memberID(t *testing.T, groupID, name string) string {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/groups/"+groupID+"/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, m := range decode[[]MemberDTO](t, rec) {
		if m.Name == name {
			return m.ID
		}
	}
	t.Fatalf("member %q not found", name)
	return ""
}

func TestAPI_CurrentPeriodAndHistory(t *testing.T) {
	// GIVEN: A group with an open period
	ts := newTestServer(t)
	group := ts.createGroup(t)
	ts.createMember(t, group.ID, "Asha", 0)
	rec := ts.do(t, http.MethodPost, "/api/groups/"+group.ID+"/periods", OpenPeriodRequest{ReferenceDate: "2025-06-01"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: Fetching the current period
	rec = ts.do(t, http.MethodGet, "/api/groups/"+group.ID+"/periods/current", nil)

	// THEN: The open period and one row per member come back
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	detail := decode[PeriodDetailDTO](t, rec)
	assert.Equal(t, "OPEN", detail.Period.State)
	assert.Len(t, detail.Contributions, 1)

	// WHEN: Fetching period history
	rec = ts.do(t, http.MethodGet, "/api/groups/"+group.ID+"/periods", nil)

	// THEN: The single period appears
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PeriodDTO](t, rec), 1)
}

func TestAPI_ErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	group := ts.createGroup(t)
	ts.createMember(t, group.ID, "Asha", 0)

	t.Run("unknown group is 404", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/groups/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown period is 404", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/periods/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad frequency is 422", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/groups", CreateGroupRequest{
			Name:     "Broken",
			Schedule: ScheduleDTO{Frequency: "DAILY", ContributionAmount: 100},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("gappy fine tiers are 422", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/groups", CreateGroupRequest{
			Name: "Broken",
			Schedule: ScheduleDTO{
				Frequency: "MONTHLY", DayOfMonth: 5, ContributionAmount: 100,
			},
			FineRule: FineRuleDTO{
				Enabled: true,
				Type:    "TIERED",
				Tiers: []FineTierDTO{
					{StartDay: 1, EndDay: 3, Rate: 15},
					{StartDay: 6, EndDay: 0, Rate: 25},
				},
			},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("second open period is 409", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/groups/"+group.ID+"/periods", OpenPeriodRequest{ReferenceDate: "2025-06-01"})
		require.Equal(t, http.StatusCreated, rec.Code)
		rec = ts.do(t, http.MethodPost, "/api/groups/"+group.ID+"/periods", OpenPeriodRequest{ReferenceDate: "2025-06-01"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("double close is 409", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/groups/"+group.ID+"/periods/current", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		detail := decode[PeriodDetailDTO](t, rec)

		rec = ts.do(t, http.MethodPost, "/api/periods/"+detail.Period.ID+"/close", ClosePeriodRequest{})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
		rec = ts.do(t, http.MethodPost, "/api/periods/"+detail.Period.ID+"/close", ClosePeriodRequest{})
		assert.Equal(t, http.StatusConflict, rec.Code)

		var resp ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.NotEmpty(t, resp.Details)
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/groups", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPI_NegativeAmountsRejected(t *testing.T) {
	// GIVEN: An open period
	// WHEN: A payment or close override carries a negative amount
	// THEN: The request is rejected at the edge with a 400; a negative
	//       principal would otherwise inflate the member's loan balance

	ts := newTestServer(t)
	group := ts.createGroup(t)
	asha := ts.createMember(t, group.ID, "Asha", 1000)
	rec := ts.do(t, http.MethodPost, "/api/groups/"+group.ID+"/periods", OpenPeriodRequest{ReferenceDate: "2025-06-01"})
	require.Equal(t, http.StatusCreated, rec.Code)
	period := decode[PeriodDTO](t, rec)

	t.Run("negative payment principal", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/periods/"+period.ID+"/payments", PaymentRequest{
			MemberID:  asha.ID,
			Principal: -200,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("negative explicit allocation", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/periods/"+period.ID+"/payments", PaymentRequest{
			MemberID:     asha.ID,
			Contribution: 100,
			ToHand:       ptr(-30.0),
			ToBank:       ptr(130.0),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("negative close override", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/periods/"+period.ID+"/close", ClosePeriodRequest{
			Entries: []CloseEntryDTO{{
				MemberID:        asha.ID,
				PrincipalRepaid: ptr(-200.0),
			}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("negative expenses", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/periods/"+period.ID+"/close", ClosePeriodRequest{
			Expenses: -50,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	// The period is untouched by the rejected requests.
	rec = ts.do(t, http.MethodGet, "/api/periods/"+period.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[PeriodDetailDTO](t, rec)
	assert.Equal(t, "OPEN", detail.Period.State)
	for _, row := range detail.Contributions {
		assert.InDelta(t, 0.0, row.PrincipalRepaid, 0.001)
	}

	// The loan balance never moved.
	rec = ts.do(t, http.MethodGet, "/api/groups/"+group.ID+"/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, m := range decode[[]MemberDTO](t, rec) {
		if m.ID == asha.ID {
			assert.InDelta(t, 1000.0, m.LoanBalance, 0.001)
		}
	}
}

func TestAPI_FineDiscrepancySurfaced(t *testing.T) {
	// GIVEN: An open period and a member whose claimed fine is wrong
	ts := newTestServer(t)
	group := ts.createGroup(t)
	asha := ts.createMember(t, group.ID, "Asha", 0)
	rec := ts.do(t, http.MethodPost, "/api/groups/"+group.ID+"/periods", OpenPeriodRequest{ReferenceDate: "2025-06-01"})
	require.Equal(t, http.StatusCreated, rec.Code)
	period := decode[PeriodDTO](t, rec)

	// WHEN: Closing on June 12 with a fine claim of 10 (7 days late: 3x15 + 4x25 = 145)
	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/periods/%s/close", period.ID), ClosePeriodRequest{
		Entries: []CloseEntryDTO{{
			MemberID:         asha.ID,
			ContributionPaid: ptr(100.0),
			FinePaid:         ptr(10.0),
			ClaimedFine:      ptr(10.0),
		}},
	})

	// THEN: The close succeeds and reports the miscomputed fine
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	result := decode[CloseResultDTO](t, rec)
	require.Len(t, result.Discrepancies, 1)
	assert.InDelta(t, 10.0, result.Discrepancies[0].ClaimedFine, 0.001)
	assert.InDelta(t, 145.0, result.Discrepancies[0].ComputedFine, 0.001)
	assert.Equal(t, 7, result.Discrepancies[0].ComputedDaysLate)
}

func ptr[T any](v T) *T { return &v }
