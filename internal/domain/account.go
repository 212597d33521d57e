/**
 * @description
 * Customer sub-accounts and the ledger entries that move their balances.
 *
 * @notes
 * - Each customer owns exactly one account per (sub-account code, currency): 6 codes
 *   times 2 currencies, opened together at onboarding.
 * - Balances are derived state. Transactions are the system of record.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubAccountCode identifies one of the typed purses a customer owns.
type SubAccountCode string

const (
	SubAccountStandard        SubAccountCode = "S01"
	SubAccountMandatorySaving SubAccountCode = "S02"
	SubAccountCaution         SubAccountCode = "S03"
	SubAccountCredit          SubAccountCode = "S04"
	SubAccountGoalSaving      SubAccountCode = "S05"
	SubAccountFines           SubAccountCode = "S06"
)

// SubAccountCodes lists every code in ledger order.
func SubAccountCodes() []SubAccountCode {
	return []SubAccountCode{
		SubAccountStandard,
		SubAccountMandatorySaving,
		SubAccountCaution,
		SubAccountCredit,
		SubAccountGoalSaving,
		SubAccountFines,
	}
}

func (c SubAccountCode) Valid() bool {
	switch c {
	case SubAccountStandard, SubAccountMandatorySaving, SubAccountCaution,
		SubAccountCredit, SubAccountGoalSaving, SubAccountFines:
		return true
	}
	return false
}

// Label is the human name of the purse.
func (c SubAccountCode) Label() string {
	switch c {
	case SubAccountStandard:
		return "standard"
	case SubAccountMandatorySaving:
		return "mandatory savings"
	case SubAccountCaution:
		return "caution"
	case SubAccountCredit:
		return "credit"
	case SubAccountGoalSaving:
		return "goal savings"
	case SubAccountFines:
		return "fines"
	}
	return string(c)
}

type AccountStatus string

const (
	AccountActive   AccountStatus = "ACTIVE"
	AccountInactive AccountStatus = "INACTIVE"
	AccountClosed   AccountStatus = "CLOSED"
)

// Account is one sub-account row, unique by (CustomerID, Code, Currency).
type Account struct {
	ID         uuid.UUID       `json:"id"`
	CustomerID uuid.UUID       `json:"customer_id"`
	Code       SubAccountCode  `json:"code"`
	Currency   Currency        `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	Status     AccountStatus   `json:"status"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// IsActive reports whether the account accepts movements.
func (a Account) IsActive() bool {
	return a.Status == AccountActive
}

type TransactionType string

const (
	TxDeposit            TransactionType = "DEPOSIT"
	TxWithdrawal         TransactionType = "WITHDRAWAL"
	TxTransfer           TransactionType = "TRANSFER"
	TxCreditDisbursement TransactionType = "CREDIT_DISBURSEMENT"
	TxRepayment          TransactionType = "REPAYMENT"
	TxPenalty            TransactionType = "PENALTY"
	TxFee                TransactionType = "FEE"
	TxInterest           TransactionType = "INTEREST"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
	TxCancelled TransactionStatus = "CANCELLED"
)

// Transaction is an append-only ledger entry. AccountID is nil for abstract entries
// such as a skimmed commission.
type Transaction struct {
	ID           uuid.UUID         `json:"id"`
	AccountID    *uuid.UUID        `json:"account_id,omitempty"`
	CreditID     *uuid.UUID        `json:"credit_id,omitempty"`
	CustomerID   uuid.UUID         `json:"customer_id"`
	Type         TransactionType   `json:"type"`
	Currency     Currency          `json:"currency"`
	AmountCDF    decimal.Decimal   `json:"amount_cdf"`
	AmountUSD    decimal.Decimal   `json:"amount_usd"`
	ExchangeRate decimal.Decimal   `json:"exchange_rate"`
	BalanceAfter *decimal.Decimal  `json:"balance_after,omitempty"`
	Status       TransactionStatus `json:"status"`
	Reference    *uuid.UUID        `json:"reference,omitempty"`
	Description  string            `json:"description"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Amount returns the entry amount in its own currency.
func (t Transaction) Amount() decimal.Decimal {
	if t.Currency == CurrencyUSD {
		return t.AmountUSD
	}
	return t.AmountCDF
}

type CustomerStatus string

const (
	CustomerActive    CustomerStatus = "ACTIVE"
	CustomerSuspended CustomerStatus = "SUSPENDED"
	CustomerClosed    CustomerStatus = "CLOSED"
)

// Customer is the read view of the customer directory the engine depends on.
type Customer struct {
	ID        uuid.UUID      `json:"id"`
	FullName  string         `json:"full_name"`
	Type      string         `json:"customer_type"`
	Status    CustomerStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SavingsCycle is a cycle of the separate savings program.
type SavingsCycle struct {
	ID          uuid.UUID  `json:"id"`
	CustomerID  uuid.UUID  `json:"customer_id"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
