/**
 * @description
 * Dual-control approval requests. A sensitive change proposed by one role is stored as a
 * pending request and only applied once a strictly higher role signs it off.
 */

package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role is the privilege level of an authenticated actor.
type Role string

const (
	RoleAgent      Role = "AGENT"
	RoleManager    Role = "MANAGER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

var roleRank = map[Role]int{
	RoleAgent:      1,
	RoleManager:    2,
	RoleAdmin:      3,
	RoleSuperAdmin: 4,
}

// escalation is the fixed requester -> required approver table.
var escalation = map[Role]Role{
	RoleManager: RoleAdmin,
	RoleAdmin:   RoleSuperAdmin,
}

// ParseRole normalises role strings such as "super admin" or "super_admin".
func ParseRole(raw string) (Role, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	r := Role(normalized)
	_, ok := roleRank[r]
	return r, ok
}

// AtLeast reports whether r ranks at or above other.
func (r Role) AtLeast(other Role) bool {
	rank, ok := roleRank[r]
	if !ok {
		return false
	}
	return rank >= roleRank[other]
}

// RequiredApprover returns the role that must sign off a request made by r.
func RequiredApprover(r Role) (Role, bool) {
	approver, ok := escalation[r]
	return approver, ok
}

// Actor is the authenticated identity handed over by the auth boundary.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

type ApprovalType string

const (
	ApprovalBalanceOverride      ApprovalType = "BALANCE_OVERRIDE"
	ApprovalAccountMigration     ApprovalType = "ACCOUNT_MIGRATION"
	ApprovalCustomerModification ApprovalType = "CUSTOMER_MODIFICATION"
	ApprovalCreditApproval       ApprovalType = "CREDIT_APPROVAL"
)

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalExpired   ApprovalStatus = "EXPIRED"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

func (s ApprovalStatus) String() string { return string(s) }

// ApprovalRequest is the envelope around a proposed sensitive mutation.
type ApprovalRequest struct {
	ID                   uuid.UUID       `json:"id"`
	Type                 ApprovalType    `json:"request_type"`
	ReferenceID          uuid.UUID       `json:"reference_id"`
	Payload              json.RawMessage `json:"payload"`
	Reason               string          `json:"reason"`
	RequestedBy          uuid.UUID       `json:"requested_by"`
	RequestedByRole      Role            `json:"requested_by_role"`
	RequiredApproverRole Role            `json:"required_approver_role"`
	Status               ApprovalStatus  `json:"status"`
	ExpiresAt            time.Time       `json:"expires_at"`
	DecidedBy            *uuid.UUID      `json:"decided_by,omitempty"`
	DecidedByRole        *Role           `json:"decided_by_role,omitempty"`
	DecisionReason       *string         `json:"decision_reason,omitempty"`
	DecidedAt            *time.Time      `json:"decided_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Expired reports whether a pending request passed its TTL at now.
func (r ApprovalRequest) Expired(now time.Time) bool {
	return r.Status == ApprovalPending && !now.Before(r.ExpiresAt)
}

// EffectiveStatus is the status an observer sees: pending rows past their TTL read as
// EXPIRED even before the sweep persists it.
func (r ApprovalRequest) EffectiveStatus(now time.Time) ApprovalStatus {
	if r.Expired(now) {
		return ApprovalExpired
	}
	return r.Status
}

// BalanceOverridePayload credits or debits one account by Amount.
type BalanceOverridePayload struct {
	AccountID   uuid.UUID       `json:"account_id"`
	Direction   string          `json:"direction"` // CREDIT or DEBIT
	Amount      decimal.Decimal `json:"amount"`
	Currency    Currency        `json:"currency"`
	Description string          `json:"description"`
}

// AccountMigrationPayload moves Amount between two accounts.
type AccountMigrationPayload struct {
	FromAccountID uuid.UUID       `json:"from_account_id"`
	ToAccountID   uuid.UUID       `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      Currency        `json:"currency"`
	Description   string          `json:"description"`
}

// CustomerModificationPayload changes customer directory fields the engine owns.
type CustomerModificationPayload struct {
	CustomerID uuid.UUID       `json:"customer_id"`
	Status     *CustomerStatus `json:"status,omitempty"`
	FullName   *string         `json:"full_name,omitempty"`
}

// CreditApprovalPayload approves a pending credit through dual control.
type CreditApprovalPayload struct {
	CreditID uuid.UUID `json:"credit_id"`
}

// ApprovalFilter narrows approval listings.
type ApprovalFilter struct {
	Status       *ApprovalStatus
	Type         *ApprovalType
	ApproverRole *Role
	Limit        int
}
