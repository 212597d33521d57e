package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/app"
	"github.com/serenityneo/corebanking-service/internal/config"
	"github.com/serenityneo/corebanking-service/internal/domain"
	"github.com/serenityneo/corebanking-service/internal/store"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore(decimal.NewFromInt(2800))
	catalog := config.NewCatalog(config.Product{
		Code:                   "TEST",
		Name:                   "Test credit",
		Currency:               domain.CurrencyUSD,
		Frequency:              domain.FrequencyOnce,
		Installments:           1,
		TermDays:               30,
		MinAmount:              decimal.NewFromInt(10),
		MaxAmount:              decimal.NewFromInt(1000),
		SavingsCoveragePercent: decimal.NewFromInt(50),
		CautionPercent:         decimal.NewFromInt(30),
		Regularity:             config.Regularity{Mode: config.RegularityNone},
		DefaultLookbackMonths:  6,
	})
	ledger := app.NewAccountLedger(st, logger)
	evaluator := app.NewEligibilityEvaluator(st, catalog)
	credits := app.NewCreditLifecycleEngine(st, catalog, ledger, evaluator, logger)
	approvals := app.NewApprovalWorkflow(st, 0, logger)
	app.RegisterDefaultAppliers(approvals, ledger, credits)

	handler := NewHandler(Services{
		Currency:    app.NewCurrencyConverter(st, nil, logger),
		Ledger:      ledger,
		Eligibility: evaluator,
		Credits:     credits,
		Allocation:  app.NewAllocationBufferManager(st, catalog, ledger, logger),
		Approvals:   approvals,
	}, logger)
	server := httptest.NewServer(NewRouter(handler, RouterConfig{JWTSecret: testSecret}))
	t.Cleanup(server.Close)
	return server
}

func signToken(t *testing.T, role domain.Role) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  uuid.NewString(),
		"role": string(role),
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, server *httptest.Server, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	server := newTestServer(t)
	resp := doRequest(t, server, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAuthMiddlewareRejectsMissingAndForeignTokens(t *testing.T) {
	server := newTestServer(t)

	resp := doRequest(t, server, http.MethodGet, "/v1/exchange-rate/", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": uuid.NewString(), "role": "ADMIN"})
	signed, err := foreign.SignedString([]byte("another-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	resp = doRequest(t, server, http.MethodGet, "/v1/exchange-rate/", signed, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with foreign token, got %d", resp.StatusCode)
	}
}

func TestSetRateRequiresAdmin(t *testing.T) {
	server := newTestServer(t)
	body := map[string]interface{}{"rate": "2900", "reason": "market update"}

	resp := doRequest(t, server, http.MethodPut, "/v1/exchange-rate/", signToken(t, domain.RoleManager), body)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for manager, got %d", resp.StatusCode)
	}
	var errResp errorResponse
	decodeResponse(t, resp, &errResp)
	if errResp.Error != "ROLE_INSUFFICIENT" {
		t.Fatalf("expected ROLE_INSUFFICIENT, got %q", errResp.Error)
	}

	resp = doRequest(t, server, http.MethodPut, "/v1/exchange-rate/", signToken(t, domain.RoleAdmin), body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", resp.StatusCode)
	}
	var quote domain.RateQuote
	decodeResponse(t, resp, &quote)
	if !quote.LocalPerUSD.Equal(decimal.NewFromInt(2900)) {
		t.Fatalf("expected rate 2900, got %s", quote.LocalPerUSD)
	}
}

func TestRegisterDepositAndWithdraw(t *testing.T) {
	server := newTestServer(t)
	token := signToken(t, domain.RoleAgent)

	resp := doRequest(t, server, http.MethodPost, "/v1/customers", token, map[string]string{"full_name": "Amani Kabila"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var registered struct {
		Customer domain.Customer  `json:"customer"`
		Accounts []domain.Account `json:"accounts"`
	}
	decodeResponse(t, resp, &registered)
	if len(registered.Accounts) != 12 {
		t.Fatalf("expected 12 accounts, got %d", len(registered.Accounts))
	}

	var standard domain.Account
	for _, account := range registered.Accounts {
		if account.Code == domain.SubAccountStandard && account.Currency == domain.CurrencyUSD {
			standard = account
		}
	}
	if standard.ID == uuid.Nil {
		t.Fatal("expected a USD S01 account")
	}

	path := "/v1/accounts/" + standard.ID.String()
	resp = doRequest(t, server, http.MethodPost, path+"/deposits", token, map[string]string{"amount": "50", "currency": "USD"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for deposit, got %d", resp.StatusCode)
	}

	resp = doRequest(t, server, http.MethodPost, path+"/withdrawals", token, map[string]string{"amount": "80", "currency": "USD"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for overdraft, got %d", resp.StatusCode)
	}
	var errResp errorResponse
	decodeResponse(t, resp, &errResp)
	if errResp.Error != "INSUFFICIENT_FUNDS" {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %q", errResp.Error)
	}

	resp = doRequest(t, server, http.MethodGet, path, token, nil)
	var account domain.Account
	decodeResponse(t, resp, &account)
	if !account.Balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected balance 50, got %s", account.Balance)
	}
}

func TestApplyCreditReturnsEligibilityReasons(t *testing.T) {
	server := newTestServer(t)
	token := signToken(t, domain.RoleAgent)

	resp := doRequest(t, server, http.MethodPost, "/v1/customers", token, map[string]string{"full_name": "Neema Mbuyi"})
	var registered struct {
		Customer domain.Customer `json:"customer"`
	}
	decodeResponse(t, resp, &registered)

	resp = doRequest(t, server, http.MethodPost, "/v1/credits", token, map[string]interface{}{
		"customer_id":  registered.Customer.ID,
		"product_code": "TEST",
		"amount":       "100",
		"currency":     "USD",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	var errResp errorResponse
	decodeResponse(t, resp, &errResp)
	if errResp.Error != "NOT_ELIGIBLE" {
		t.Fatalf("expected NOT_ELIGIBLE, got %q", errResp.Error)
	}
	if len(errResp.Reasons) == 0 {
		t.Fatal("expected eligibility reasons in the response")
	}
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	server := newTestServer(t)
	resp := doRequest(t, server, http.MethodPost, "/v1/customers", signToken(t, domain.RoleAgent), map[string]string{
		"full_name": "Jean Tshimanga",
		"nickname":  "JT",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAgentCannotSubmitApproval(t *testing.T) {
	server := newTestServer(t)
	resp := doRequest(t, server, http.MethodPost, "/v1/approvals", signToken(t, domain.RoleAgent), map[string]interface{}{
		"request_type": "CREDIT_APPROVAL",
		"reference_id": uuid.New(),
		"payload":      map[string]interface{}{"credit_id": uuid.New()},
		"reason":       "needs sign-off",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind string
		want int
	}{
		{kind: "VALIDATION_ERROR", want: http.StatusBadRequest},
		{kind: "NOT_ELIGIBLE", want: http.StatusUnprocessableEntity},
		{kind: "INSUFFICIENT_FUNDS", want: http.StatusUnprocessableEntity},
		{kind: "INVALID_STATE", want: http.StatusConflict},
		{kind: "ALREADY_DECIDED", want: http.StatusConflict},
		{kind: "ROLE_INSUFFICIENT", want: http.StatusForbidden},
		{kind: "NOT_FOUND", want: http.StatusNotFound},
		{kind: "RATE_LIMITED", want: http.StatusTooManyRequests},
		{kind: "INTERNAL", want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			if got := statusForKind(tt.kind); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
