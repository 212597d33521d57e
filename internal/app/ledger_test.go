package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/serenityneo/corebanking-service/internal/domain"
	"github.com/serenityneo/corebanking-service/internal/store"
)

func TestRegisterCustomerOpensEverySubAccount(t *testing.T) {
	env := newTestEnv(t)
	customerID := env.registerCustomer(t)

	accounts, err := env.ledger.GetAccounts(context.Background(), customerID)
	if err != nil {
		t.Fatalf("get accounts: %v", err)
	}
	if want := len(domain.SubAccountCodes()) * len(domain.Currencies()); len(accounts) != want {
		t.Fatalf("expected %d accounts, got %d", want, len(accounts))
	}
	for _, a := range accounts {
		if !a.Balance.IsZero() || a.Status != domain.AccountActive {
			t.Fatalf("expected empty active account, got %s %s balance=%s status=%s", a.Code, a.Currency, a.Balance, a.Status)
		}
	}

	again, err := env.ledger.OpenCustomerAccounts(context.Background(), customerID)
	if err != nil {
		t.Fatalf("reopen accounts: %v", err)
	}
	if len(again) != len(accounts) {
		t.Fatalf("expected opening to be idempotent, got %d accounts", len(again))
	}
}

func TestTransferConservesBalances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)
	env.deposit(t, customerID, domain.SubAccountStandard, "100")

	from := env.account(t, customerID, domain.SubAccountStandard, domain.CurrencyUSD)
	to := env.account(t, customerID, domain.SubAccountGoalSaving, domain.CurrencyUSD)
	result, err := env.ledger.Transfer(ctx, from.ID, to.ID, dec("40"), domain.CurrencyUSD, "goal")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	assertBalance(t, env, customerID, domain.SubAccountStandard, "60")
	assertBalance(t, env, customerID, domain.SubAccountGoalSaving, "40")
	if result.Debit.Reference == nil || result.Credit.Reference == nil || *result.Debit.Reference != *result.Credit.Reference {
		t.Fatal("expected both legs to share the transfer reference")
	}
	if result.Debit.Type != domain.TxTransfer || result.Credit.Type != domain.TxTransfer {
		t.Fatalf("expected TRANSFER entries, got %s and %s", result.Debit.Type, result.Credit.Type)
	}
}

func TestDebitRejectsOverdraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)
	env.deposit(t, customerID, domain.SubAccountStandard, "10")
	account := env.account(t, customerID, domain.SubAccountStandard, domain.CurrencyUSD)

	_, err := env.ledger.Debit(ctx, account.ID, dec("10.01"), domain.CurrencyUSD, "too much")
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	assertBalance(t, env, customerID, domain.SubAccountStandard, "10")

	entries, err := env.ledger.GetTransactions(ctx, account.ID, 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the deposit entry, got %d", len(entries))
	}
}

func TestLedgerRejectsInvalidMovements(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)
	account := env.account(t, customerID, domain.SubAccountStandard, domain.CurrencyUSD)

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{
			name: "zero amount",
			run: func() error {
				_, err := env.ledger.Credit(ctx, account.ID, dec("0"), domain.CurrencyUSD, "")
				return err
			},
			want: domain.ErrValidation,
		},
		{
			name: "negative amount",
			run: func() error {
				_, err := env.ledger.Credit(ctx, account.ID, dec("-5"), domain.CurrencyUSD, "")
				return err
			},
			want: domain.ErrValidation,
		},
		{
			name: "unknown currency",
			run: func() error {
				_, err := env.ledger.Credit(ctx, account.ID, dec("5"), domain.Currency("EUR"), "")
				return err
			},
			want: domain.ErrValidation,
		},
		{
			name: "transfer to same account",
			run: func() error {
				_, err := env.ledger.Transfer(ctx, account.ID, account.ID, dec("5"), domain.CurrencyUSD, "")
				return err
			},
			want: domain.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCreditConvertsForeignCurrency(t *testing.T) {
	env := newTestEnv(t)
	customerID := env.registerCustomer(t)
	account := env.account(t, customerID, domain.SubAccountStandard, domain.CurrencyCDF)

	entry, err := env.ledger.Credit(context.Background(), account.ID, dec("10"), domain.CurrencyUSD, "usd cash")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}

	updated := env.account(t, customerID, domain.SubAccountStandard, domain.CurrencyCDF)
	if !updated.Balance.Equal(dec("28000")) {
		t.Fatalf("expected 28000 CDF, got %s", updated.Balance)
	}
	if !entry.AmountUSD.Equal(dec("10")) || !entry.AmountCDF.Equal(dec("28000")) || !entry.ExchangeRate.Equal(dec("2800")) {
		t.Fatalf("unexpected entry amounts usd=%s cdf=%s rate=%s", entry.AmountUSD, entry.AmountCDF, entry.ExchangeRate)
	}
	if entry.Currency != domain.CurrencyUSD {
		t.Fatalf("expected entry currency USD, got %s", entry.Currency)
	}
}

func TestClosedAccountRejectsMovements(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)
	account := env.account(t, customerID, domain.SubAccountStandard, domain.CurrencyUSD)

	if err := env.store.InTx(ctx, func(tx store.Tx) error {
		return env.ledger.CloseCustomerAccounts(ctx, tx, customerID)
	}); err != nil {
		t.Fatalf("close accounts: %v", err)
	}

	_, err := env.ledger.Credit(ctx, account.ID, dec("5"), domain.CurrencyUSD, "")
	if !errors.Is(err, domain.ErrAccountNotActive) {
		t.Fatalf("expected ErrAccountNotActive, got %v", err)
	}
}

func TestTransferFailuresLeaveLedgerUntouched(t *testing.T) {
	tests := []struct {
		name         string
		amount       string
		targetStatus domain.AccountStatus
		want         error
	}{
		{name: "insufficient funds", amount: "100.01", targetStatus: domain.AccountActive, want: domain.ErrInsufficientFunds},
		{name: "closed target", amount: "20", targetStatus: domain.AccountClosed, want: domain.ErrAccountNotActive},
		{name: "inactive target", amount: "20", targetStatus: domain.AccountInactive, want: domain.ErrAccountNotActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			customerID := env.registerCustomer(t)
			env.deposit(t, customerID, domain.SubAccountStandard, "100")
			from := env.account(t, customerID, domain.SubAccountStandard, domain.CurrencyUSD)
			to := env.account(t, customerID, domain.SubAccountGoalSaving, domain.CurrencyUSD)
			if tt.targetStatus != domain.AccountActive {
				if err := env.store.InTx(ctx, func(tx store.Tx) error {
					return tx.UpdateAccountStatus(ctx, to.ID, tt.targetStatus, time.Now().UTC())
				}); err != nil {
					t.Fatalf("set target status: %v", err)
				}
			}

			_, err := env.ledger.Transfer(ctx, from.ID, to.ID, dec(tt.amount), domain.CurrencyUSD, "")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}

			assertBalance(t, env, customerID, domain.SubAccountStandard, "100")
			assertBalance(t, env, customerID, domain.SubAccountGoalSaving, "0")
			for id, want := range map[uuid.UUID]int{from.ID: 1, to.ID: 0} {
				entries, err := env.ledger.GetTransactions(ctx, id, 10)
				if err != nil {
					t.Fatalf("list transactions: %v", err)
				}
				if len(entries) != want {
					t.Fatalf("expected %d entries on %s, got %d", want, id, len(entries))
				}
			}
		})
	}
}

func TestCrossCurrencyTransferLogsRateOnBothLegs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)
	env.deposit(t, customerID, domain.SubAccountStandard, "50")
	from := env.account(t, customerID, domain.SubAccountStandard, domain.CurrencyUSD)
	to := env.account(t, customerID, domain.SubAccountStandard, domain.CurrencyCDF)

	result, err := env.ledger.Transfer(ctx, from.ID, to.ID, dec("10"), domain.CurrencyUSD, "to francs")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	for name, leg := range map[string]domain.Transaction{"debit": result.Debit, "credit": result.Credit} {
		if !leg.ExchangeRate.Equal(dec("2800")) {
			t.Fatalf("expected %s leg rate 2800, got %s", name, leg.ExchangeRate)
		}
		if !leg.AmountUSD.Equal(dec("10")) || !leg.AmountCDF.Equal(dec("28000")) {
			t.Fatalf("unexpected %s leg amounts usd=%s cdf=%s", name, leg.AmountUSD, leg.AmountCDF)
		}
	}
	assertBalance(t, env, customerID, domain.SubAccountStandard, "40")
	if got := env.account(t, customerID, domain.SubAccountStandard, domain.CurrencyCDF).Balance; !got.Equal(dec("28000")) {
		t.Fatalf("expected 28000 CDF, got %s", got)
	}
}

// lateFindTx misses the first FindAccount, as a transaction racing another opener would.
type lateFindTx struct {
	store.Tx
	misses int
}

func (tx *lateFindTx) FindAccount(ctx context.Context, customerID uuid.UUID, code domain.SubAccountCode, currency domain.Currency) (*domain.Account, error) {
	if tx.misses > 0 {
		tx.misses--
		return nil, domain.ErrNotFound
	}
	return tx.Tx.FindAccount(ctx, customerID, code, currency)
}

func TestAccountOpenedConcurrentlyIsReused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)
	existing := env.account(t, customerID, domain.SubAccountFines, domain.CurrencyUSD)

	var got uuid.UUID
	err := env.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		got, err = env.ledger.accountIDTx(ctx, &lateFindTx{Tx: tx, misses: 1}, customerID, domain.SubAccountFines, domain.CurrencyUSD)
		return err
	})
	if err != nil {
		t.Fatalf("resolve account: %v", err)
	}
	if got != existing.ID {
		t.Fatalf("expected existing account %s, got %s", existing.ID, got)
	}

	accounts, err := env.store.ListAccounts(ctx, customerID)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if want := len(domain.SubAccountCodes()) * len(domain.Currencies()); len(accounts) != want {
		t.Fatalf("expected %d accounts, got %d", want, len(accounts))
	}
}
