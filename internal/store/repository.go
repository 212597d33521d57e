/**
 * @description
 * Data access contracts of the corebanking service. Business services depend on these
 * interfaces only, so the ledger rules run unchanged against PostgreSQL in production
 * and against the in-memory store in tests and local runs.
 *
 * @notes
 * - Every ledger-affecting write happens through a Tx handed out by Store.InTx. When the
 *   callback returns an error nothing it wrote is kept.
 * - Lock* methods take row locks (SELECT ... FOR UPDATE) and are only available on Tx.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/domain"
)

// Queries are the reads available inside and outside a transaction.
type Queries interface {
	GetCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error)

	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	// FindAccount returns the oldest account of the customer with code and currency.
	FindAccount(ctx context.Context, customerID uuid.UUID, code domain.SubAccountCode, currency domain.Currency) (*domain.Account, error)
	// ListAccounts returns every account row of a customer, oldest first.
	ListAccounts(ctx context.Context, customerID uuid.UUID) ([]domain.Account, error)
	// ListTransactions returns the newest entries of an account first.
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error)
	CountDepositDays(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error)
	CountDeposits(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error)
	CountCompletedSavingsCycles(ctx context.Context, customerID uuid.UUID) (int, error)

	GetExchangeRate(ctx context.Context) (*domain.ExchangeRate, error)
	// ListRateChanges returns history rows newest first. A zero since returns all rows.
	ListRateChanges(ctx context.Context, since time.Time, limit int) ([]domain.ExchangeRateChange, error)

	GetCredit(ctx context.Context, id uuid.UUID) (*domain.Credit, error)
	ListCreditsByCustomer(ctx context.Context, customerID uuid.UUID) ([]domain.Credit, error)
	ListCreditEvents(ctx context.Context, creditID uuid.UUID) ([]domain.CreditEvent, error)
	HasDefaultSince(ctx context.Context, customerID uuid.UUID, since time.Time) (bool, error)
	// ListOverdueCreditIDs returns open credits whose maturity is before cutoff.
	ListOverdueCreditIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)

	GetAllocationBuffer(ctx context.Context, customerID uuid.UUID, currency domain.Currency) (*domain.AllocationBuffer, error)
	ListAllocationMovements(ctx context.Context, bufferID uuid.UUID, limit int) ([]domain.AllocationMovement, error)

	GetApproval(ctx context.Context, id uuid.UUID) (*domain.ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter domain.ApprovalFilter) ([]domain.ApprovalRequest, error)
	// ListExpiredApprovalIDs returns pending requests whose TTL elapsed at now.
	ListExpiredApprovalIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// ErrAccountExists reports a second account for the same (customer, code, currency).
var ErrAccountExists = errors.New("account already exists")

// Tx is one atomic unit of work.
type Tx interface {
	Queries

	LockCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error)
	InsertCustomer(ctx context.Context, customer *domain.Customer) error
	UpdateCustomer(ctx context.Context, customer *domain.Customer) error

	LockAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	// LockAccounts locks the given accounts in ascending id order.
	LockAccounts(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Account, error)
	// InsertAccount returns ErrAccountExists when the customer already holds the purse.
	InsertAccount(ctx context.Context, account *domain.Account) error
	UpdateAccountBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal, at time.Time) error
	UpdateAccountStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus, at time.Time) error
	InsertTransaction(ctx context.Context, entry *domain.Transaction) error

	LockExchangeRate(ctx context.Context) (*domain.ExchangeRate, error)
	SaveExchangeRate(ctx context.Context, rate domain.ExchangeRate) error
	InsertRateChange(ctx context.Context, change domain.ExchangeRateChange) error

	LockCredit(ctx context.Context, id uuid.UUID) (*domain.Credit, error)
	InsertCredit(ctx context.Context, credit *domain.Credit) error
	UpdateCredit(ctx context.Context, credit *domain.Credit) error
	InsertCreditEvent(ctx context.Context, event domain.CreditEvent) error

	LockAllocationBuffer(ctx context.Context, customerID uuid.UUID, currency domain.Currency) (*domain.AllocationBuffer, error)
	InsertAllocationBuffer(ctx context.Context, buffer *domain.AllocationBuffer) error
	UpdateAllocationBuffer(ctx context.Context, buffer *domain.AllocationBuffer) error
	InsertAllocationMovement(ctx context.Context, movement domain.AllocationMovement) error

	LockApproval(ctx context.Context, id uuid.UUID) (*domain.ApprovalRequest, error)
	InsertApproval(ctx context.Context, request *domain.ApprovalRequest) error
	UpdateApproval(ctx context.Context, request *domain.ApprovalRequest) error

	// EnqueueEvent writes an outbox row committed together with the transaction.
	EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// Outbox is the dispatcher side of the transactional outbox.
type Outbox interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Store is the full persistence surface.
type Store interface {
	Queries
	Outbox

	// InTx runs fn in one transaction, committing only when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// AwardLoyaltyPoints records an award once per reference. It reports whether a new
	// row was written.
	AwardLoyaltyPoints(ctx context.Context, award domain.LoyaltyAward) (bool, error)
	LoyaltyBalance(ctx context.Context, customerID uuid.UUID) (int, error)
}

func normalizeLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
