package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreditStatus drives the credit state machine.
type CreditStatus string

const (
	CreditPending   CreditStatus = "PENDING"
	CreditApproved  CreditStatus = "APPROVED"
	CreditDisbursed CreditStatus = "DISBURSED"
	CreditActive    CreditStatus = "ACTIVE"
	CreditCompleted CreditStatus = "COMPLETED"
	CreditDefaulted CreditStatus = "DEFAULTED"
	CreditCancelled CreditStatus = "CANCELLED"
)

var creditTransitions = map[CreditStatus][]CreditStatus{
	CreditPending:   {CreditApproved, CreditCancelled},
	CreditApproved:  {CreditDisbursed, CreditActive, CreditCompleted, CreditDefaulted},
	CreditDisbursed: {CreditActive, CreditCompleted, CreditDefaulted},
	CreditActive:    {CreditCompleted, CreditDefaulted},
	CreditDefaulted: {CreditCompleted},
	CreditCompleted: nil,
	CreditCancelled: nil,
}

func (s CreditStatus) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s CreditStatus) Valid() bool {
	_, ok := creditTransitions[s]
	return ok
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s CreditStatus) CanTransition(next CreditStatus) bool {
	for _, allowed := range creditTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further state change is possible.
// DEFAULTED is not terminal: repayments can still complete it.
func (s CreditStatus) Terminal() bool {
	return s.Valid() && len(creditTransitions[s]) == 0
}

// AcceptsRepayment reports whether repayments can be booked in this status.
func (s CreditStatus) AcceptsRepayment() bool {
	switch s {
	case CreditApproved, CreditDisbursed, CreditActive, CreditDefaulted:
		return true
	}
	return false
}

// RepaymentFrequency is the installment cadence of a product.
type RepaymentFrequency string

const (
	FrequencyDaily   RepaymentFrequency = "DAILY"
	FrequencyWeekly  RepaymentFrequency = "WEEKLY"
	FrequencyMonthly RepaymentFrequency = "MONTHLY"
	FrequencyOnce    RepaymentFrequency = "ONCE"
)

// Credit is one credit application and its lifecycle state.
type Credit struct {
	ID               uuid.UUID          `json:"id"`
	CustomerID       uuid.UUID          `json:"customer_id"`
	ProductCode      string             `json:"product_code"`
	Currency         Currency           `json:"currency"`
	RequestedAmount  decimal.Decimal    `json:"requested_amount"`
	ApprovedAmount   decimal.Decimal    `json:"approved_amount"`
	Fee              decimal.Decimal    `json:"fee"`
	InterestRate     decimal.Decimal    `json:"interest_rate"`
	InterestAmount   decimal.Decimal    `json:"interest_amount"`
	TotalToRepay     decimal.Decimal    `json:"total_to_repay"`
	OutstandingDebt  decimal.Decimal    `json:"outstanding_debt"`
	AmountRepaid     decimal.Decimal    `json:"amount_repaid"`
	CautionAmount    decimal.Decimal    `json:"caution_amount"`
	PenaltiesAccrued decimal.Decimal    `json:"penalties_accrued"`
	Frequency        RepaymentFrequency `json:"repayment_frequency"`
	Installments     int                `json:"installments"`
	DurationMonths   int                `json:"duration_months"`
	Status           CreditStatus       `json:"status"`
	ApprovedBy       *uuid.UUID         `json:"approved_by,omitempty"`
	AppliedAt        time.Time          `json:"applied_at"`
	ApprovedAt       *time.Time         `json:"approved_at,omitempty"`
	DisbursedAt      *time.Time         `json:"disbursed_at,omitempty"`
	MaturityAt       *time.Time         `json:"maturity_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	DefaultedAt      *time.Time         `json:"defaulted_at,omitempty"`
	CancelledAt      *time.Time         `json:"cancelled_at,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// CreditEvent is the immutable audit trail entry written on every status change.
type CreditEvent struct {
	ID         uuid.UUID    `json:"id"`
	CreditID   uuid.UUID    `json:"credit_id"`
	FromStatus CreditStatus `json:"from_status,omitempty"`
	ToStatus   CreditStatus `json:"to_status"`
	ActorID    *uuid.UUID   `json:"actor_id,omitempty"`
	Note       string       `json:"note,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// EligibilityResult is the outcome of evaluating one product for one customer.
type EligibilityResult struct {
	ProductCode string   `json:"product_code"`
	Eligible    bool     `json:"eligible"`
	Reasons     []string `json:"reasons"`
}
