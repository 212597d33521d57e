/**
 * @description
 * Domain events committed to the transactional outbox together with the state change
 * they describe. The dispatcher publishes them to RabbitMQ; consumers (loyalty points,
 * notifications) apply best-effort side effects.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventsExchange is the topic exchange every engine event is published on.
const EventsExchange = "corebanking.events"

const (
	RoutingCreditApplied       = "credit.applied"
	RoutingCreditApproved      = "credit.approved"
	RoutingCreditRepaid        = "credit.repaid"
	RoutingCreditCompleted     = "credit.completed"
	RoutingCreditDefaulted     = "credit.defaulted"
	RoutingCreditCancelled     = "credit.cancelled"
	RoutingApprovalSubmitted   = "approval.submitted"
	RoutingApprovalDecided     = "approval.decided"
	RoutingExchangeRateUpdated = "exchange_rate.updated"
)

// CreditEventPayload is published on every credit lifecycle step.
type CreditEventPayload struct {
	CreditID        uuid.UUID       `json:"credit_id"`
	CustomerID      uuid.UUID       `json:"customer_id"`
	ProductCode     string          `json:"product_code"`
	Status          CreditStatus    `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        Currency        `json:"currency"`
	OutstandingDebt decimal.Decimal `json:"outstanding_debt"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

// ApprovalEventPayload is published on submission and decision.
type ApprovalEventPayload struct {
	RequestID    uuid.UUID      `json:"request_id"`
	Type         ApprovalType   `json:"request_type"`
	ReferenceID  uuid.UUID      `json:"reference_id"`
	Status       ApprovalStatus `json:"status"`
	RequestedBy  uuid.UUID      `json:"requested_by"`
	RequiredRole Role           `json:"required_approver_role"`
	DecidedBy    *uuid.UUID     `json:"decided_by,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// RateEventPayload is published when the exchange rate changes.
type RateEventPayload struct {
	OldRate    decimal.Decimal `json:"old_rate"`
	NewRate    decimal.Decimal `json:"new_rate"`
	ChangedBy  uuid.UUID       `json:"changed_by"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// OutboxMessage is a claimed row of the event outbox.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// LoyaltyAward is one loyalty point grant, unique by Reference.
type LoyaltyAward struct {
	CustomerID uuid.UUID `json:"customer_id"`
	Points     int       `json:"points"`
	Reason     string    `json:"reason"`
	Reference  string    `json:"reference"`
	AwardedAt  time.Time `json:"awarded_at"`
}
