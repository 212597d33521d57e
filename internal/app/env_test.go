package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/config"
	"github.com/serenityneo/corebanking-service/internal/domain"
	"github.com/serenityneo/corebanking-service/internal/store"
)

type testEnv struct {
	store      *store.MemoryStore
	catalog    *config.Catalog
	ledger     *AccountLedger
	evaluator  *EligibilityEvaluator
	credits    *CreditLifecycleEngine
	allocation *AllocationBufferManager
	approvals  *ApprovalWorkflow
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}

// testProduct is a fee-free USD product with no regularity rule.
func testProduct() config.Product {
	return config.Product{
		Code:                   "TEST",
		Name:                   "Test credit",
		Currency:               domain.CurrencyUSD,
		Frequency:              domain.FrequencyOnce,
		Installments:           1,
		TermDays:               30,
		MinAmount:              dec("10"),
		MaxAmount:              dec("1000"),
		SavingsCoveragePercent: dec("50"),
		CautionPercent:         dec("30"),
		Regularity:             config.Regularity{Mode: config.RegularityNone},
		DefaultLookbackMonths:  6,
		PenaltyFee:             dec("2"),
		PenaltyPercent:         dec("5"),
	}
}

func allocationProduct() config.Product {
	return config.Product{
		Code:                 "S04",
		Name:                 "Allocation line",
		Currency:             domain.CurrencyUSD,
		Frequency:            domain.FrequencyOnce,
		TermDays:             30,
		MinAmount:            dec("1"),
		MaxAmount:            dec("5000"),
		Regularity:           config.Regularity{Mode: config.RegularityNone},
		UsesAllocationBuffer: true,
		CommissionRate:       dec("0.1"),
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()
	st := store.NewMemoryStore(dec("2800"))
	catalog := config.NewCatalog(testProduct(), allocationProduct())
	ledger := NewAccountLedger(st, logger)
	evaluator := NewEligibilityEvaluator(st, catalog)
	credits := NewCreditLifecycleEngine(st, catalog, ledger, evaluator, logger)
	approvals := NewApprovalWorkflow(st, 0, logger)
	RegisterDefaultAppliers(approvals, ledger, credits)
	return &testEnv{
		store:      st,
		catalog:    catalog,
		ledger:     ledger,
		evaluator:  evaluator,
		credits:    credits,
		allocation: NewAllocationBufferManager(st, catalog, ledger, logger),
		approvals:  approvals,
	}
}

func (e *testEnv) registerCustomer(t *testing.T) uuid.UUID {
	t.Helper()
	customer, _, err := e.ledger.RegisterCustomer(context.Background(), RegisterCustomerRequest{FullName: "Test Member"})
	if err != nil {
		t.Fatalf("register customer: %v", err)
	}
	return customer.ID
}

func (e *testEnv) account(t *testing.T, customerID uuid.UUID, code domain.SubAccountCode, currency domain.Currency) domain.Account {
	t.Helper()
	account, err := e.store.FindAccount(context.Background(), customerID, code, currency)
	if err != nil {
		t.Fatalf("find %s %s: %v", code, currency, err)
	}
	return *account
}

func (e *testEnv) deposit(t *testing.T, customerID uuid.UUID, code domain.SubAccountCode, amount string) {
	t.Helper()
	account := e.account(t, customerID, code, domain.CurrencyUSD)
	if _, err := e.ledger.Credit(context.Background(), account.ID, dec(amount), domain.CurrencyUSD, "test deposit"); err != nil {
		t.Fatalf("deposit into %s: %v", code, err)
	}
}

func assertBalance(t *testing.T, e *testEnv, customerID uuid.UUID, code domain.SubAccountCode, want string) {
	t.Helper()
	got := e.account(t, customerID, code, domain.CurrencyUSD).Balance
	if !got.Equal(dec(want)) {
		t.Fatalf("expected %s balance %s, got %s", code, want, got)
	}
}
