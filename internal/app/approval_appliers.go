package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/serenityneo/corebanking-service/internal/domain"
	"github.com/serenityneo/corebanking-service/internal/store"
)

// RegisterDefaultAppliers wires the four built-in request types to the ledger and the
// credit engine.
func RegisterDefaultAppliers(w *ApprovalWorkflow, ledger *AccountLedger, credits *CreditLifecycleEngine) {
	w.Register(domain.ApprovalBalanceOverride, validateBalanceOverride, func(ctx context.Context, tx store.Tx, r domain.ApprovalRequest, _ domain.Actor) error {
		var p domain.BalanceOverridePayload
		if err := decodePayload(r.Payload, &p); err != nil {
			return err
		}
		entry := posting{Reference: &r.ID, Description: overrideDescription(p.Description, r)}
		if strings.EqualFold(p.Direction, "DEBIT") {
			entry.Type = domain.TxWithdrawal
			_, err := ledger.debitTx(ctx, tx, p.AccountID, p.Amount, p.Currency, entry)
			return err
		}
		entry.Type = domain.TxDeposit
		_, err := ledger.creditTx(ctx, tx, p.AccountID, p.Amount, p.Currency, entry)
		return err
	})

	w.Register(domain.ApprovalAccountMigration, validateAccountMigration, func(ctx context.Context, tx store.Tx, r domain.ApprovalRequest, _ domain.Actor) error {
		var p domain.AccountMigrationPayload
		if err := decodePayload(r.Payload, &p); err != nil {
			return err
		}
		_, err := ledger.transferTx(ctx, tx, p.FromAccountID, p.ToAccountID, p.Amount, p.Currency, posting{
			Type:        domain.TxTransfer,
			Description: overrideDescription(p.Description, r),
		})
		return err
	})

	w.Register(domain.ApprovalCustomerModification, validateCustomerModification, func(ctx context.Context, tx store.Tx, r domain.ApprovalRequest, _ domain.Actor) error {
		var p domain.CustomerModificationPayload
		if err := decodePayload(r.Payload, &p); err != nil {
			return err
		}
		customer, err := tx.LockCustomer(ctx, p.CustomerID)
		if err != nil {
			return err
		}
		if p.FullName != nil {
			customer.FullName = strings.TrimSpace(*p.FullName)
		}
		closing := false
		if p.Status != nil {
			closing = *p.Status == domain.CustomerClosed && customer.Status != domain.CustomerClosed
			customer.Status = *p.Status
		}
		if closing {
			if err := ensureClosable(ctx, tx, customer.ID); err != nil {
				return err
			}
		}
		customer.UpdatedAt = w.now()
		if err := tx.UpdateCustomer(ctx, customer); err != nil {
			return err
		}
		if closing {
			return ledger.CloseCustomerAccounts(ctx, tx, customer.ID)
		}
		return nil
	})

	w.Register(domain.ApprovalCreditApproval, validateCreditApproval, func(ctx context.Context, tx store.Tx, r domain.ApprovalRequest, approver domain.Actor) error {
		var p domain.CreditApprovalPayload
		if err := decodePayload(r.Payload, &p); err != nil {
			return err
		}
		_, err := credits.approveTx(ctx, tx, p.CreditID, approver.ID)
		return err
	})
}

// ensureClosable refuses closure while a credit is still running or money sits in any
// sub-account, since both would be stranded behind closed accounts.
func ensureClosable(ctx context.Context, tx store.Tx, customerID uuid.UUID) error {
	credits, err := tx.ListCreditsByCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	for _, credit := range credits {
		if !credit.Status.Terminal() {
			return fmt.Errorf("%w: customer %s has credit %s in %s", domain.ErrInvalidState, customerID, credit.ID, credit.Status)
		}
	}
	accounts, err := tx.ListAccounts(ctx, customerID)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if !account.Balance.IsZero() {
			return fmt.Errorf("%w: customer %s still holds %s %s on %s", domain.ErrInvalidState,
				customerID, money(account.Balance), account.Currency, account.Code)
		}
	}
	return nil
}

func validateBalanceOverride(raw json.RawMessage) (uuid.UUID, error) {
	var p domain.BalanceOverridePayload
	if err := decodePayload(raw, &p); err != nil {
		return uuid.Nil, err
	}
	if p.AccountID == uuid.Nil {
		return uuid.Nil, domain.Validationf("account_id is required")
	}
	switch strings.ToUpper(p.Direction) {
	case "CREDIT", "DEBIT":
	default:
		return uuid.Nil, domain.Validationf("direction must be CREDIT or DEBIT, got %q", p.Direction)
	}
	if err := validateMovement(p.Amount, p.Currency); err != nil {
		return uuid.Nil, err
	}
	return p.AccountID, nil
}

func validateAccountMigration(raw json.RawMessage) (uuid.UUID, error) {
	var p domain.AccountMigrationPayload
	if err := decodePayload(raw, &p); err != nil {
		return uuid.Nil, err
	}
	if p.FromAccountID == uuid.Nil || p.ToAccountID == uuid.Nil {
		return uuid.Nil, domain.Validationf("from_account_id and to_account_id are required")
	}
	if p.FromAccountID == p.ToAccountID {
		return uuid.Nil, domain.Validationf("cannot migrate to the same account")
	}
	if err := validateMovement(p.Amount, p.Currency); err != nil {
		return uuid.Nil, err
	}
	return p.FromAccountID, nil
}

func validateCustomerModification(raw json.RawMessage) (uuid.UUID, error) {
	var p domain.CustomerModificationPayload
	if err := decodePayload(raw, &p); err != nil {
		return uuid.Nil, err
	}
	if p.CustomerID == uuid.Nil {
		return uuid.Nil, domain.Validationf("customer_id is required")
	}
	if p.Status == nil && p.FullName == nil {
		return uuid.Nil, domain.Validationf("nothing to modify")
	}
	if p.Status != nil {
		switch *p.Status {
		case domain.CustomerActive, domain.CustomerSuspended, domain.CustomerClosed:
		default:
			return uuid.Nil, domain.Validationf("unsupported customer status %q", *p.Status)
		}
	}
	if p.FullName != nil && strings.TrimSpace(*p.FullName) == "" {
		return uuid.Nil, domain.Validationf("full_name cannot be blank")
	}
	return p.CustomerID, nil
}

func validateCreditApproval(raw json.RawMessage) (uuid.UUID, error) {
	var p domain.CreditApprovalPayload
	if err := decodePayload(raw, &p); err != nil {
		return uuid.Nil, err
	}
	if p.CreditID == uuid.Nil {
		return uuid.Nil, domain.Validationf("credit_id is required")
	}
	return p.CreditID, nil
}

func decodePayload(raw json.RawMessage, out interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return domain.Validationf("invalid payload: %v", err)
	}
	return nil
}

func overrideDescription(description string, r domain.ApprovalRequest) string {
	if trimmed := strings.TrimSpace(description); trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("%s approved under request %s", strings.ToLower(string(r.Type)), r.ID)
}
