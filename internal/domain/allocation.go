package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AllocationBuffer tracks the credit line of the allocation product family for one
// customer and currency.
//
// AvailableBalance is always TotalAllocated - TotalDebt + NetRepaymentsAboveDebt.
type AllocationBuffer struct {
	ID                     uuid.UUID       `json:"id"`
	CustomerID             uuid.UUID       `json:"customer_id"`
	Currency               Currency        `json:"currency"`
	ProductCode            string          `json:"product_code"`
	TotalAllocated         decimal.Decimal `json:"total_allocated"`
	TotalDebt              decimal.Decimal `json:"total_debt"`
	AllocationDeficit      decimal.Decimal `json:"allocation_deficit"`
	NetRepaymentsAboveDebt decimal.Decimal `json:"net_repayments_above_debt"`
	AvailableBalance       decimal.Decimal `json:"available_balance"`
	CommissionRate         decimal.Decimal `json:"commission_rate"`
	CommissionCollected    decimal.Decimal `json:"commission_collected"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Recompute derives AvailableBalance from the buffer totals.
func (b *AllocationBuffer) Recompute() {
	b.AvailableBalance = b.TotalAllocated.Sub(b.TotalDebt).Add(b.NetRepaymentsAboveDebt)
}

// Consistent reports whether the stored available balance matches the totals.
func (b AllocationBuffer) Consistent() bool {
	return b.AvailableBalance.Equal(b.TotalAllocated.Sub(b.TotalDebt).Add(b.NetRepaymentsAboveDebt))
}

// Snapshot returns the audit view of the buffer totals.
func (b AllocationBuffer) Snapshot() AllocationSnapshot {
	return AllocationSnapshot{
		TotalAllocated:         b.TotalAllocated,
		TotalDebt:              b.TotalDebt,
		AllocationDeficit:      b.AllocationDeficit,
		NetRepaymentsAboveDebt: b.NetRepaymentsAboveDebt,
		AvailableBalance:       b.AvailableBalance,
		CommissionCollected:    b.CommissionCollected,
	}
}

// AllocationSnapshot is persisted as JSON before and after every movement.
type AllocationSnapshot struct {
	TotalAllocated         decimal.Decimal `json:"total_allocated"`
	TotalDebt              decimal.Decimal `json:"total_debt"`
	AllocationDeficit      decimal.Decimal `json:"allocation_deficit"`
	NetRepaymentsAboveDebt decimal.Decimal `json:"net_repayments_above_debt"`
	AvailableBalance       decimal.Decimal `json:"available_balance"`
	CommissionCollected    decimal.Decimal `json:"commission_collected"`
}

type AllocationMovementType string

const (
	AllocationDisbursement AllocationMovementType = "DISBURSEMENT"
	AllocationDraw         AllocationMovementType = "DRAW"
	AllocationRepayment    AllocationMovementType = "REPAYMENT"
)

// AllocationSplit is how one repayment was distributed.
type AllocationSplit struct {
	ToDebt       decimal.Decimal `json:"amount_to_debt"`
	ToAllocation decimal.Decimal `json:"amount_to_allocation"`
	ToBalance    decimal.Decimal `json:"amount_to_balance"`
}

// Total is the sum of the three parts.
func (s AllocationSplit) Total() decimal.Decimal {
	return s.ToDebt.Add(s.ToAllocation).Add(s.ToBalance)
}

// SplitRepayment distributes amount to outstanding debt first, then to the allocation
// deficit, then to the buffer balance.
func SplitRepayment(amount, debt, deficit decimal.Decimal) AllocationSplit {
	split := AllocationSplit{
		ToDebt:       decimal.Zero,
		ToAllocation: decimal.Zero,
		ToBalance:    decimal.Zero,
	}
	rest := amount
	if debt.IsPositive() {
		split.ToDebt = decimal.Min(rest, debt)
		rest = rest.Sub(split.ToDebt)
	}
	if rest.IsPositive() && deficit.IsPositive() {
		split.ToAllocation = decimal.Min(rest, deficit)
		rest = rest.Sub(split.ToAllocation)
	}
	split.ToBalance = rest
	return split
}

// AllocationMovement is the audit row for one buffer update.
type AllocationMovement struct {
	ID            uuid.UUID              `json:"id"`
	BufferID      uuid.UUID              `json:"buffer_id"`
	Type          AllocationMovementType `json:"type"`
	Amount        decimal.Decimal        `json:"amount"`
	Commission    decimal.Decimal        `json:"commission"`
	Split         AllocationSplit        `json:"split"`
	Before        AllocationSnapshot     `json:"before"`
	After         AllocationSnapshot     `json:"after"`
	TransactionID *uuid.UUID             `json:"transaction_id,omitempty"`
	ActorID       *uuid.UUID             `json:"actor_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}
