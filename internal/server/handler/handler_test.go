package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alanyoungcy/binarysim/internal/domain"
	"github.com/alanyoungcy/binarysim/internal/server/middleware"
	"github.com/alanyoungcy/binarysim/internal/service"
)

var (
	alice = domain.Actor{ID: "u-alice", Username: "alice", Role: domain.RoleUser}
	root  = domain.Actor{ID: "u-root", Username: "root", Role: domain.RoleAdmin}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRequest(method, target, body string, as *domain.Actor) *http.Request {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, rd)
	if as != nil {
		r = r.WithContext(middleware.WithActor(r.Context(), *as))
	}
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{fmt.Errorf("trade_ledger: place: %w: stake 5 exceeds available 3", domain.ErrInsufficientFunds),
			http.StatusBadRequest, "insufficient_funds", "insufficient funds: stake 5 exceeds available 3"},
		{fmt.Errorf("x: %w", domain.ErrInvalidArgument), http.StatusBadRequest, "invalid_argument", "invalid argument"},
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound, "not_found", "not found"},
		{fmt.Errorf("x: %w", domain.ErrInvalidState), http.StatusConflict, "invalid_state", "invalid state"},
		{fmt.Errorf("x: %w", domain.ErrAlreadyExists), http.StatusConflict, "already_exists", "already exists"},
		{fmt.Errorf("x: %w", domain.ErrUnauthorized), http.StatusUnauthorized, "unauthorized", "unauthorized"},
		{fmt.Errorf("x: %w", domain.ErrForbidden), http.StatusForbidden, "forbidden", "forbidden"},
		{fmt.Errorf("x: %w", domain.ErrRateLimited), http.StatusTooManyRequests, "rate_limited", "rate limited"},
		{fmt.Errorf("x: %w", domain.ErrTransient), http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable"},
		{fmt.Errorf("x: %w: trade t1", domain.ErrIntegrity), http.StatusInternalServerError, "integrity", "internal server error"},
		{errors.New("boom"), http.StatusInternalServerError, "internal", "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, newRequest(http.MethodGet, "/", "", nil), discardLogger(), tt.err)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decodeBody(t, rec)
			if body["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", body["code"], tt.wantCode)
			}
			if body["error"] != tt.wantMsg {
				t.Errorf("error = %v, want %q", body["error"], tt.wantMsg)
			}
		})
	}
}

type fakeTrades struct {
	in     service.PlaceTradeInput
	err    error
	userID string
}

func (f *fakeTrades) PlaceTrade(_ context.Context, user domain.Actor, in service.PlaceTradeInput) (service.PlacedTrade, error) {
	f.in, f.userID = in, user.ID
	if f.err != nil {
		return service.PlacedTrade{}, f.err
	}
	return service.PlacedTrade{
		Trade:   domain.Trade{ID: "t1", UserID: user.ID, Amount: in.Amount, Direction: in.Direction},
		Balance: domain.Balance{Available: 0, Frozen: in.Amount},
	}, nil
}

func (f *fakeTrades) History(_ context.Context, userID string, page, limit int) ([]domain.Trade, error) {
	f.userID = userID
	return []domain.Trade{}, nil
}

func (f *fakeTrades) Get(_ context.Context, user domain.Actor, id string) (domain.Trade, error) {
	if id != "t1" {
		return domain.Trade{}, fmt.Errorf("trade_ledger: get %s: %w", id, domain.ErrNotFound)
	}
	return domain.Trade{ID: id, UserID: user.ID}, nil
}

func TestPlaceTrade(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		svcErr     error
		wantStatus int
		wantCode   string
	}{
		{"placed", `{"direction":"UP","amount":100000}`, nil, http.StatusCreated, ""},
		{"malformed json", `{"direction":`, nil, http.StatusBadRequest, "invalid_argument"},
		{"missing direction", `{"amount":100000}`, nil, http.StatusBadRequest, "invalid_argument"},
		{"bad session id", `{"sessionId":"2025","direction":"UP","amount":100000}`, nil, http.StatusBadRequest, "invalid_argument"},
		{"stake out of range", `{"direction":"UP","amount":5000000000000000000}`, nil, http.StatusBadRequest, "invalid_argument"},
		{"insufficient funds", `{"direction":"UP","amount":100000}`,
			fmt.Errorf("trade_ledger: place: %w", domain.ErrInsufficientFunds), http.StatusBadRequest, "insufficient_funds"},
		{"closed session", `{"direction":"DOWN","amount":100000}`,
			fmt.Errorf("trade_ledger: place: %w", domain.ErrInvalidState), http.StatusConflict, "invalid_state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeTrades{err: tt.svcErr}
			h := NewTradeHandler(svc, discardLogger())
			rec := httptest.NewRecorder()
			h.Place(rec, newRequest(http.MethodPost, "/api/trades/place", tt.body, &alice))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				if got := decodeBody(t, rec)["code"]; got != tt.wantCode {
					t.Errorf("code = %v, want %s", got, tt.wantCode)
				}
				return
			}
			if svc.userID != alice.ID || svc.in.Direction != domain.DirectionUp || svc.in.Amount != 100_000 {
				t.Errorf("service called with user %s input %+v", svc.userID, svc.in)
			}
		})
	}
}

func TestGetTradeNotFound(t *testing.T) {
	h := NewTradeHandler(&fakeTrades{}, discardLogger())
	r := newRequest(http.MethodGet, "/api/trades/nope", "", &alice)
	r.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()
	h.Get(rec, r)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

type fakeBalances struct {
	result  service.SyncResult
	gotWait bool
}

func (f *fakeBalances) Get(context.Context, string) (domain.Balance, error) {
	return f.result.Balance, nil
}

func (f *fakeBalances) SyncBalance(_ context.Context, _ string, wait bool) (service.SyncResult, error) {
	f.gotWait = wait
	return f.result, nil
}

func (f *fakeBalances) Entries(context.Context, string, int, int) ([]domain.BalanceEntry, error) {
	return []domain.BalanceEntry{}, nil
}

func TestBalanceSync(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		pending    int
		wantStatus int
		wantWait   bool
	}{
		{"settled", "", 0, http.StatusOK, true},
		{"still pending", "?waitForPending=true", 2, http.StatusAccepted, true},
		{"no wait", "?waitForPending=false", 0, http.StatusOK, false},
		{"bad flag", "?waitForPending=maybe", 0, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeBalances{result: service.SyncResult{
				Balance:       domain.Balance{Available: 1_450_000},
				PendingTrades: tt.pending,
			}}
			h := NewBalanceHandler(svc, discardLogger())
			rec := httptest.NewRecorder()
			h.Sync(rec, newRequest(http.MethodGet, "/api/user/balance/sync"+tt.query, "", &alice))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Code == http.StatusBadRequest {
				return
			}
			if svc.gotWait != tt.wantWait {
				t.Errorf("wait = %v, want %v", svc.gotWait, tt.wantWait)
			}
			body := decodeBody(t, rec)
			if got := body["pendingTrades"]; got != float64(tt.pending) {
				t.Errorf("pendingTrades = %v, want %d", got, tt.pending)
			}
		})
	}
}

type fakeOutcomes struct {
	called string
	ids    []string
}

func (f *fakeOutcomes) SetOutcome(_ context.Context, _ domain.Actor, id string, o domain.Outcome) (domain.Session, error) {
	f.called = "set"
	if !o.Valid() {
		return domain.Session{}, fmt.Errorf("outcome_service: %w", domain.ErrInvalidArgument)
	}
	return domain.Session{ID: id, Outcome: o, Status: domain.SessionCompleted}, nil
}

func (f *fakeOutcomes) BulkSetOutcomes(_ context.Context, _ domain.Actor, ids []string, _ []domain.Outcome) (service.BulkResult, error) {
	f.called, f.ids = "bulk", ids
	return service.BulkResult{}, nil
}

func (f *fakeOutcomes) BulkRandomBalanced(_ context.Context, _ domain.Actor, ids []string) (service.BulkResult, error) {
	f.called, f.ids = "random", ids
	return service.BulkResult{Stamped: []service.BulkEntry{}, Skipped: []service.BulkEntry{}}, nil
}

func (f *fakeOutcomes) GenerateFuture(context.Context, domain.Actor) (int, error) {
	f.called = "generate"
	return 30, nil
}

func TestFutureAction(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCall   string
	}{
		{"set", `{"action":"set_future_result","sessionId":"202501011201","result":"UP"}`, http.StatusOK, "set"},
		{"set missing id", `{"action":"set_future_result","result":"UP"}`, http.StatusBadRequest, ""},
		{"set bad outcome", `{"action":"set_future_result","sessionId":"202501011201","result":"SIDEWAYS"}`, http.StatusBadRequest, "set"},
		{"bulk", `{"action":"bulk_set_future_results","sessionIds":["a","b"],"results":["UP","DOWN"]}`, http.StatusOK, "bulk"},
		{"random", `{"action":"bulk_random_results","sessionIds":["a","b","c"]}`, http.StatusOK, "random"},
		{"random without ids", `{"action":"bulk_random_results"}`, http.StatusBadRequest, ""},
		{"generate", `{"action":"generate_future_sessions"}`, http.StatusOK, "generate"},
		{"unknown action", `{"action":"delete_everything"}`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeOutcomes{}
			h := NewAdminHandler(AdminDeps{Outcomes: svc}, discardLogger())
			rec := httptest.NewRecorder()
			h.FutureAction(rec, newRequest(http.MethodPost, "/api/admin/session-results/future", tt.body, &root))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if svc.called != tt.wantCall {
				t.Errorf("called = %q, want %q", svc.called, tt.wantCall)
			}
		})
	}
}

type fakeReviewer struct {
	resolved string
}

func (f *fakeReviewer) ListDeposits(context.Context, int, int) (service.DepositPage, error) {
	return service.DepositPage{Deposits: []domain.Deposit{}}, nil
}

func (f *fakeReviewer) Approve(_ context.Context, _ domain.Actor, id string) (domain.Deposit, error) {
	f.resolved = "approve"
	return domain.Deposit{ID: id, Status: domain.DepositCompleted}, nil
}

func (f *fakeReviewer) Reject(_ context.Context, _ domain.Actor, id string) (domain.Deposit, error) {
	f.resolved = "reject"
	return domain.Deposit{ID: id, Status: domain.DepositRejected}, nil
}

func (f *fakeReviewer) AdminDeposit(_ context.Context, _ domain.Actor, userID string, amount int64, _ string) (domain.Deposit, domain.Balance, error) {
	return domain.Deposit{UserID: userID, Amount: amount}, domain.Balance{Available: amount}, nil
}

func TestResolveDeposit(t *testing.T) {
	for _, action := range []string{"approve", "reject"} {
		t.Run(action, func(t *testing.T) {
			svc := &fakeReviewer{}
			h := NewAdminHandler(AdminDeps{Deposits: svc}, discardLogger())
			rec := httptest.NewRecorder()
			body := `{"depositId":"d1","action":"` + action + `"}`
			h.ResolveDeposit(rec, newRequest(http.MethodPatch, "/api/admin/deposits", body, &root))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if svc.resolved != action {
				t.Errorf("resolved = %q, want %q", svc.resolved, action)
			}
		})
	}
}

func TestAdminDepositRejectsOutOfRange(t *testing.T) {
	h := NewAdminHandler(AdminDeps{Deposits: &fakeReviewer{}}, discardLogger())
	for _, body := range []string{
		`{"userId":"u1","amount":0}`,
		`{"userId":"u1","amount":1000000000000000001}`,
	} {
		rec := httptest.NewRecorder()
		h.Deposit(rec, newRequest(http.MethodPost, "/api/admin/deposit", body, &root))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checks     map[string]HealthCheck
		wantStatus int
		wantState  string
	}{
		{"no checks", nil, http.StatusOK, "ok"},
		{"all up", map[string]HealthCheck{"postgres": ok, "redis": ok}, http.StatusOK, "ok"},
		{"redis down", map[string]HealthCheck{"postgres": ok, "redis": down}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checks, discardLogger())
			rec := httptest.NewRecorder()
			h.HealthCheck(rec, newRequest(http.MethodGet, "/api/health", "", nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeBody(t, rec)["status"]; got != tt.wantState {
				t.Errorf("status field = %v, want %s", got, tt.wantState)
			}
		})
	}
}

func TestArchiveTrigger(t *testing.T) {
	rec := httptest.NewRecorder()
	NewArchiveHandler(discardLogger()).Trigger(rec, newRequest(http.MethodPost, "/api/admin/archive/run", "", &root))
	if rec.Code != http.StatusConflict {
		t.Errorf("disabled status = %d, want 409", rec.Code)
	}

	ch := make(chan struct{}, 1)
	h := NewArchiveHandler(discardLogger()).WithTriggerChannel(ch)
	for i := 0; i < 2; i++ {
		rec = httptest.NewRecorder()
		h.Trigger(rec, newRequest(http.MethodPost, "/api/admin/archive/run", "", &root))
		if rec.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", rec.Code)
		}
	}
	if len(ch) != 1 {
		t.Errorf("queued triggers = %d, want 1", len(ch))
	}
}
