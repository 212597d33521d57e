/**
 * @description
 * AccountLedger moves money between a customer's typed sub-accounts. Each movement locks
 * the touched account rows, checks status and funds, updates the balance and appends a
 * COMPLETED transaction, all inside one store transaction.
 *
 * @notes
 * - Amounts in a currency other than the account currency are converted at the rate
 *   read inside the same transaction; the rate is logged on the entry.
 * - The *Tx helpers let the credit engine and the approval appliers compose ledger
 *   movements into their own transaction.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/domain"
	"github.com/serenityneo/corebanking-service/internal/store"
)

// RegisterCustomerRequest onboards a customer from the directory.
type RegisterCustomerRequest struct {
	ID           uuid.UUID
	FullName     string
	CustomerType string
}

// TransferResult groups the two legs of a transfer.
type TransferResult struct {
	Reference    uuid.UUID          `json:"reference"`
	Debit        domain.Transaction `json:"debit"`
	Credit       domain.Transaction `json:"credit"`
	ExchangeRate decimal.Decimal    `json:"exchange_rate"`
}

// posting describes the ledger entry written for a movement.
type posting struct {
	Type        domain.TransactionType
	CreditID    *uuid.UUID
	Reference   *uuid.UUID
	Description string
}

type AccountLedger struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewAccountLedger(st store.Store, logger *slog.Logger) *AccountLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountLedger{
		store:  st,
		logger: logger.With("component", "ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterCustomer records a customer and opens the full set of sub-accounts.
func (l *AccountLedger) RegisterCustomer(ctx context.Context, req RegisterCustomerRequest) (*domain.Customer, []domain.Account, error) {
	name := strings.TrimSpace(req.FullName)
	if name == "" {
		return nil, nil, domain.Validationf("full name is required")
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	customerType := strings.ToUpper(strings.TrimSpace(req.CustomerType))
	if customerType == "" {
		customerType = "MEMBER"
	}

	now := l.now()
	customer := domain.Customer{
		ID:        req.ID,
		FullName:  name,
		Type:      customerType,
		Status:    domain.CustomerActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var accounts []domain.Account
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetCustomer(ctx, customer.ID); err == nil {
			return domain.Validationf("customer %s already exists", customer.ID)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := tx.InsertCustomer(ctx, &customer); err != nil {
			return err
		}
		var err error
		accounts, err = l.openAccountsTx(ctx, tx, customer.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	l.logger.Info("customer registered", "customer_id", customer.ID, "accounts", len(accounts))
	return &customer, accounts, nil
}

// OpenCustomerAccounts creates whichever of the 12 sub-accounts the customer lacks.
func (l *AccountLedger) OpenCustomerAccounts(ctx context.Context, customerID uuid.UUID) ([]domain.Account, error) {
	var accounts []domain.Account
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		accounts, err = l.openAccountsTx(ctx, tx, customerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (l *AccountLedger) openAccountsTx(ctx context.Context, tx store.Tx, customerID uuid.UUID) ([]domain.Account, error) {
	customer, err := tx.LockCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if customer.Status == domain.CustomerClosed {
		return nil, fmt.Errorf("%w: customer %s is closed", domain.ErrInvalidState, customerID)
	}

	existing, err := tx.ListAccounts(ctx, customerID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, a := range existing {
		have[accountKey(a.Code, a.Currency)] = true
	}

	now := l.now()
	for _, code := range domain.SubAccountCodes() {
		for _, currency := range domain.Currencies() {
			if have[accountKey(code, currency)] {
				continue
			}
			account := newAccount(customerID, code, currency, now)
			if err := tx.InsertAccount(ctx, &account); err != nil {
				return nil, fmt.Errorf("failed to open %s %s: %w", code, currency, err)
			}
		}
	}

	all, err := tx.ListAccounts(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return dedupeAccounts(all), nil
}

// GetAccounts returns one account per (code, currency), oldest row first, sorted by code
// then currency.
func (l *AccountLedger) GetAccounts(ctx context.Context, customerID uuid.UUID) ([]domain.Account, error) {
	if _, err := l.store.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	accounts, err := l.store.ListAccounts(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return dedupeAccounts(accounts), nil
}

func (l *AccountLedger) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

// GetTransactions returns the newest entries of an account first.
func (l *AccountLedger) GetTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, accountID, limit)
}

// Credit adds amount to the account as a DEPOSIT.
func (l *AccountLedger) Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, currency domain.Currency, description string) (*domain.Transaction, error) {
	var entry *domain.Transaction
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = l.creditTx(ctx, tx, accountID, amount, currency, posting{Type: domain.TxDeposit, Description: description})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Debit removes amount from the account as a WITHDRAWAL.
func (l *AccountLedger) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, currency domain.Currency, description string) (*domain.Transaction, error) {
	var entry *domain.Transaction
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = l.debitTx(ctx, tx, accountID, amount, currency, posting{Type: domain.TxWithdrawal, Description: description})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Transfer debits one account and credits another in a single transaction.
func (l *AccountLedger) Transfer(ctx context.Context, fromID, toID uuid.UUID, amount decimal.Decimal, currency domain.Currency, description string) (*TransferResult, error) {
	var result *TransferResult
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		result, err = l.transferTx(ctx, tx, fromID, toID, amount, currency, posting{Type: domain.TxTransfer, Description: description})
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("transfer completed", "from_account_id", fromID, "to_account_id", toID, "amount", amount.String(), "currency", currency, "reference", result.Reference)
	return result, nil
}

// CloseCustomerAccounts soft-closes every open account of the customer inside tx.
func (l *AccountLedger) CloseCustomerAccounts(ctx context.Context, tx store.Tx, customerID uuid.UUID) error {
	accounts, err := tx.ListAccounts(ctx, customerID)
	if err != nil {
		return err
	}
	now := l.now()
	for _, a := range accounts {
		if a.Status == domain.AccountClosed {
			continue
		}
		if _, err := tx.LockAccount(ctx, a.ID); err != nil {
			return err
		}
		if err := tx.UpdateAccountStatus(ctx, a.ID, domain.AccountClosed, now); err != nil {
			return err
		}
	}
	return nil
}

func (l *AccountLedger) creditTx(ctx context.Context, tx store.Tx, accountID uuid.UUID, amount decimal.Decimal, currency domain.Currency, p posting) (*domain.Transaction, error) {
	account, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return l.moveTx(ctx, tx, account, amount, currency, p, false)
}

func (l *AccountLedger) debitTx(ctx context.Context, tx store.Tx, accountID uuid.UUID, amount decimal.Decimal, currency domain.Currency, p posting) (*domain.Transaction, error) {
	account, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return l.moveTx(ctx, tx, account, amount, currency, p, true)
}

func (l *AccountLedger) transferTx(ctx context.Context, tx store.Tx, fromID, toID uuid.UUID, amount decimal.Decimal, currency domain.Currency, p posting) (*TransferResult, error) {
	if fromID == toID {
		return nil, domain.Validationf("cannot transfer to the same account")
	}
	if err := domain.RequirePositive(amount); err != nil {
		return nil, err
	}
	if !currency.Valid() {
		return nil, domain.Validationf("unsupported currency %q", currency)
	}

	locked, err := tx.LockAccounts(ctx, fromID, toID)
	if err != nil {
		return nil, err
	}
	from, to := locked[fromID], locked[toID]
	if !from.IsActive() {
		return nil, fmt.Errorf("%w: account %s is %s", domain.ErrAccountNotActive, from.ID, from.Status)
	}
	if !to.IsActive() {
		return nil, fmt.Errorf("%w: account %s is %s", domain.ErrAccountNotActive, to.ID, to.Status)
	}

	reference := uuid.New()
	p.Reference = &reference
	debit, err := l.moveTx(ctx, tx, from, amount, currency, p, true)
	if err != nil {
		return nil, err
	}
	credit, err := l.moveTx(ctx, tx, to, amount, currency, p, false)
	if err != nil {
		return nil, err
	}
	return &TransferResult{
		Reference:    reference,
		Debit:        *debit,
		Credit:       *credit,
		ExchangeRate: debit.ExchangeRate,
	}, nil
}

// moveTx applies one signed movement to a locked account and appends its entry.
func (l *AccountLedger) moveTx(ctx context.Context, tx store.Tx, account *domain.Account, amount decimal.Decimal, currency domain.Currency, p posting, debit bool) (*domain.Transaction, error) {
	if err := domain.RequirePositive(amount); err != nil {
		return nil, err
	}
	if !currency.Valid() {
		return nil, domain.Validationf("unsupported currency %q", currency)
	}
	if !account.IsActive() {
		return nil, fmt.Errorf("%w: account %s is %s", domain.ErrAccountNotActive, account.ID, account.Status)
	}

	rate, err := tx.GetExchangeRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange rate: %w", err)
	}
	delta := convertAt(amount, currency, account.Currency, rate.LocalPerUSD)
	if !delta.IsPositive() {
		return nil, domain.Validationf("amount %s %s rounds to zero in %s", amount, currency, account.Currency)
	}

	balance := account.Balance.Add(delta)
	if debit {
		if account.Balance.LessThan(delta) {
			return nil, fmt.Errorf("%w: account %s holds %s %s, needs %s", domain.ErrInsufficientFunds,
				account.ID, account.Balance.StringFixed(domain.MinorUnits), account.Currency, delta.StringFixed(domain.MinorUnits))
		}
		balance = account.Balance.Sub(delta)
	}

	now := l.now()
	if err := tx.UpdateAccountBalance(ctx, account.ID, balance, now); err != nil {
		return nil, err
	}
	account.Balance = balance
	account.UpdatedAt = now

	return l.recordTx(ctx, tx, account.CustomerID, &account.ID, &balance, amount, currency, rate.LocalPerUSD, p)
}

// recordTx appends a COMPLETED entry. accountID is nil for account-less entries and
// balanceAfter is nil when no balance moved.
func (l *AccountLedger) recordTx(ctx context.Context, tx store.Tx, customerID uuid.UUID, accountID *uuid.UUID, balanceAfter *decimal.Decimal, amount decimal.Decimal, currency domain.Currency, localPerUSD decimal.Decimal, p posting) (*domain.Transaction, error) {
	now := l.now()
	cdf, usd := bothAmounts(amount, currency, localPerUSD)
	entry := domain.Transaction{
		ID:           uuid.New(),
		AccountID:    accountID,
		CreditID:     p.CreditID,
		CustomerID:   customerID,
		Type:         p.Type,
		Currency:     currency,
		AmountCDF:    cdf,
		AmountUSD:    usd,
		ExchangeRate: localPerUSD,
		BalanceAfter: balanceAfter,
		Status:       domain.TxCompleted,
		Reference:    p.Reference,
		Description:  strings.TrimSpace(p.Description),
		CreatedAt:    now,
		CompletedAt:  &now,
	}
	if err := tx.InsertTransaction(ctx, &entry); err != nil {
		return nil, fmt.Errorf("failed to record %s entry: %w", p.Type, err)
	}
	return &entry, nil
}

// accountTx locks the customer's account for code and currency, opening it when missing.
func (l *AccountLedger) accountTx(ctx context.Context, tx store.Tx, customerID uuid.UUID, code domain.SubAccountCode, currency domain.Currency) (*domain.Account, error) {
	id, err := l.accountIDTx(ctx, tx, customerID, code, currency)
	if err != nil {
		return nil, err
	}
	return tx.LockAccount(ctx, id)
}

// accountIDTx resolves the account id without locking the row, opening the account when
// the customer lacks it.
func (l *AccountLedger) accountIDTx(ctx context.Context, tx store.Tx, customerID uuid.UUID, code domain.SubAccountCode, currency domain.Currency) (uuid.UUID, error) {
	found, err := tx.FindAccount(ctx, customerID, code, currency)
	if err == nil {
		return found.ID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return uuid.Nil, err
	}

	account := newAccount(customerID, code, currency, l.now())
	if err := tx.InsertAccount(ctx, &account); err != nil {
		if !errors.Is(err, store.ErrAccountExists) {
			return uuid.Nil, fmt.Errorf("failed to open %s %s: %w", code, currency, err)
		}
		// A concurrent transaction opened it first.
		found, err := tx.FindAccount(ctx, customerID, code, currency)
		if err != nil {
			return uuid.Nil, err
		}
		return found.ID, nil
	}
	l.logger.Info("sub-account opened on first use", "customer_id", customerID, "code", code, "currency", currency)
	return account.ID, nil
}

// setStatusTx changes the status of a locked account when it differs.
func (l *AccountLedger) setStatusTx(ctx context.Context, tx store.Tx, account *domain.Account, status domain.AccountStatus) error {
	if account.Status == status {
		return nil
	}
	now := l.now()
	if err := tx.UpdateAccountStatus(ctx, account.ID, status, now); err != nil {
		return err
	}
	account.Status = status
	account.UpdatedAt = now
	account.ClosedAt = nil
	if status == domain.AccountClosed {
		account.ClosedAt = &now
	}
	return nil
}

func newAccount(customerID uuid.UUID, code domain.SubAccountCode, currency domain.Currency, now time.Time) domain.Account {
	return domain.Account{
		ID:         uuid.New(),
		CustomerID: customerID,
		Code:       code,
		Currency:   currency,
		Balance:    decimal.Zero,
		Status:     domain.AccountActive,
		OpenedAt:   now,
		UpdatedAt:  now,
	}
}

func accountKey(code domain.SubAccountCode, currency domain.Currency) string {
	return string(code) + "/" + string(currency)
}

// dedupeAccounts keeps the first row per (code, currency). Input must be oldest first.
func dedupeAccounts(accounts []domain.Account) []domain.Account {
	seen := make(map[string]bool, len(accounts))
	out := make([]domain.Account, 0, len(accounts))
	for _, a := range accounts {
		key := accountKey(a.Code, a.Currency)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}
