/**
 * @description
 * AllocationBufferManager runs the credit line of the allocation product family. One
 * buffer per customer and currency tracks what was allocated, drawn and repaid; the S04
 * account balance mirrors the buffer's available balance.
 *
 * @notes
 * - Disbursements skim the product commission, which opens an allocation deficit of the
 *   same size.
 * - Repayments settle debt first, then the deficit, and only then grow the balance.
 * - Every update writes a movement row with before/after snapshots.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/config"
	"github.com/serenityneo/corebanking-service/internal/domain"
	"github.com/serenityneo/corebanking-service/internal/store"
)

// AllocationResult is the buffer state after a movement and the movement itself.
type AllocationResult struct {
	Buffer   domain.AllocationBuffer   `json:"buffer"`
	Movement domain.AllocationMovement `json:"movement"`
}

type AllocationBufferManager struct {
	store   store.Store
	catalog *config.Catalog
	ledger  *AccountLedger
	logger  *slog.Logger
	now     func() time.Time
}

func NewAllocationBufferManager(st store.Store, catalog *config.Catalog, ledger *AccountLedger, logger *slog.Logger) *AllocationBufferManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &AllocationBufferManager{
		store:   st,
		catalog: catalog,
		ledger:  ledger,
		logger:  logger.With("component", "allocation"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Disburse allocates amount to the customer's credit line, creating the buffer on first use.
func (m *AllocationBufferManager) Disburse(ctx context.Context, customerID uuid.UUID, currency domain.Currency, amount decimal.Decimal, actorID uuid.UUID) (*AllocationResult, error) {
	product, ok := m.catalog.AllocationProduct()
	if !ok {
		return nil, domain.Validationf("no allocation product is configured")
	}
	if err := validateMovement(amount, currency); err != nil {
		return nil, err
	}
	amount = domain.RoundAmount(amount)
	if currency == product.Currency && !product.AmountAllowed(amount) {
		return nil, domain.Validationf("amount %s is outside the %s range %s to %s",
			money(amount), product.Code, money(product.MinAmount), money(product.MaxAmount))
	}

	var result AllocationResult
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		customer, err := tx.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		if customer.Status != domain.CustomerActive {
			return fmt.Errorf("%w: customer %s is %s", domain.ErrInvalidState, customerID, customer.Status)
		}

		buffer, err := m.lockOrCreateBuffer(ctx, tx, customerID, currency, product)
		if err != nil {
			return err
		}
		before := buffer.Snapshot()

		commission := domain.RoundAmount(amount.Mul(buffer.CommissionRate))
		net := amount.Sub(commission)
		buffer.TotalAllocated = buffer.TotalAllocated.Add(net)
		buffer.AllocationDeficit = buffer.AllocationDeficit.Add(commission)
		buffer.CommissionCollected = buffer.CommissionCollected.Add(commission)
		buffer.Recompute()

		var entryID *uuid.UUID
		if net.IsPositive() {
			account, err := m.ledger.accountTx(ctx, tx, customerID, domain.SubAccountCredit, currency)
			if err != nil {
				return err
			}
			entry, err := m.ledger.moveTx(ctx, tx, account, net, currency, posting{
				Type:        domain.TxCreditDisbursement,
				Description: fmt.Sprintf("%s allocation", product.Code),
			}, false)
			if err != nil {
				return err
			}
			entryID = &entry.ID
		}
		if commission.IsPositive() {
			rate, err := tx.GetExchangeRate(ctx)
			if err != nil {
				return err
			}
			if _, err := m.ledger.recordTx(ctx, tx, customerID, nil, nil, commission, currency, rate.LocalPerUSD, posting{
				Type:        domain.TxFee,
				Description: fmt.Sprintf("%s allocation commission", product.Code),
			}); err != nil {
				return err
			}
		}

		result, err = m.saveMovement(ctx, tx, buffer, before, domain.AllocationDisbursement, amount, commission, zeroSplit(), entryID, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("allocation disbursed", "customer_id", customerID, "currency", currency, "amount", money(amount), "commission", money(result.Movement.Commission))
	return &result, nil
}

// Draw consumes available balance of the credit line.
func (m *AllocationBufferManager) Draw(ctx context.Context, customerID uuid.UUID, currency domain.Currency, amount decimal.Decimal, actorID uuid.UUID) (*AllocationResult, error) {
	if err := validateMovement(amount, currency); err != nil {
		return nil, err
	}
	amount = domain.RoundAmount(amount)

	var result AllocationResult
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		buffer, err := tx.LockAllocationBuffer(ctx, customerID, currency)
		if err != nil {
			return err
		}
		if buffer.AvailableBalance.LessThan(amount) {
			return fmt.Errorf("%w: allocation available %s %s, requested %s", domain.ErrInsufficientFunds,
				money(buffer.AvailableBalance), currency, money(amount))
		}
		before := buffer.Snapshot()
		buffer.TotalDebt = buffer.TotalDebt.Add(amount)
		buffer.Recompute()

		account, err := m.ledger.accountTx(ctx, tx, customerID, domain.SubAccountCredit, currency)
		if err != nil {
			return err
		}
		entry, err := m.ledger.moveTx(ctx, tx, account, amount, currency, posting{
			Type:        domain.TxWithdrawal,
			Description: "allocation draw",
		}, true)
		if err != nil {
			return err
		}

		result, err = m.saveMovement(ctx, tx, buffer, before, domain.AllocationDraw, amount, decimal.Zero, zeroSplit(), &entry.ID, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Repay splits amount over debt, allocation deficit and balance, in that order.
func (m *AllocationBufferManager) Repay(ctx context.Context, customerID uuid.UUID, currency domain.Currency, amount decimal.Decimal, actorID uuid.UUID) (*AllocationResult, error) {
	if err := validateMovement(amount, currency); err != nil {
		return nil, err
	}
	amount = domain.RoundAmount(amount)

	var result AllocationResult
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		buffer, err := tx.LockAllocationBuffer(ctx, customerID, currency)
		if err != nil {
			return err
		}
		before := buffer.Snapshot()

		split := domain.SplitRepayment(amount, buffer.TotalDebt, buffer.AllocationDeficit)
		if !split.Total().Equal(amount) {
			return fmt.Errorf("repayment split %s does not add up to %s", split.Total(), amount)
		}
		buffer.TotalDebt = buffer.TotalDebt.Sub(split.ToDebt)
		buffer.AllocationDeficit = buffer.AllocationDeficit.Sub(split.ToAllocation)
		buffer.TotalAllocated = buffer.TotalAllocated.Add(split.ToAllocation)
		buffer.NetRepaymentsAboveDebt = buffer.NetRepaymentsAboveDebt.Add(split.ToBalance)
		buffer.Recompute()

		account, err := m.ledger.accountTx(ctx, tx, customerID, domain.SubAccountCredit, currency)
		if err != nil {
			return err
		}
		entry, err := m.ledger.moveTx(ctx, tx, account, amount, currency, posting{
			Type:        domain.TxRepayment,
			Description: "allocation repayment",
		}, false)
		if err != nil {
			return err
		}

		result, err = m.saveMovement(ctx, tx, buffer, before, domain.AllocationRepayment, amount, decimal.Zero, split, &entry.ID, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("allocation repayment booked", "customer_id", customerID, "currency", currency,
		"to_debt", money(result.Movement.Split.ToDebt),
		"to_allocation", money(result.Movement.Split.ToAllocation),
		"to_balance", money(result.Movement.Split.ToBalance))
	return &result, nil
}

func (m *AllocationBufferManager) Get(ctx context.Context, customerID uuid.UUID, currency domain.Currency) (*domain.AllocationBuffer, error) {
	return m.store.GetAllocationBuffer(ctx, customerID, currency)
}

// Movements returns the newest buffer movements first.
func (m *AllocationBufferManager) Movements(ctx context.Context, customerID uuid.UUID, currency domain.Currency, limit int) ([]domain.AllocationMovement, error) {
	buffer, err := m.store.GetAllocationBuffer(ctx, customerID, currency)
	if err != nil {
		return nil, err
	}
	return m.store.ListAllocationMovements(ctx, buffer.ID, limit)
}

func (m *AllocationBufferManager) lockOrCreateBuffer(ctx context.Context, tx store.Tx, customerID uuid.UUID, currency domain.Currency, product config.Product) (*domain.AllocationBuffer, error) {
	buffer, err := tx.LockAllocationBuffer(ctx, customerID, currency)
	if err == nil {
		return buffer, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := m.now()
	buffer = &domain.AllocationBuffer{
		ID:                     uuid.New(),
		CustomerID:             customerID,
		Currency:               currency,
		ProductCode:            product.Code,
		TotalAllocated:         decimal.Zero,
		TotalDebt:              decimal.Zero,
		AllocationDeficit:      decimal.Zero,
		NetRepaymentsAboveDebt: decimal.Zero,
		AvailableBalance:       decimal.Zero,
		CommissionRate:         product.CommissionRate,
		CommissionCollected:    decimal.Zero,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := tx.InsertAllocationBuffer(ctx, buffer); err != nil {
		return nil, err
	}
	return buffer, nil
}

func (m *AllocationBufferManager) saveMovement(ctx context.Context, tx store.Tx, buffer *domain.AllocationBuffer, before domain.AllocationSnapshot, kind domain.AllocationMovementType, amount, commission decimal.Decimal, split domain.AllocationSplit, entryID *uuid.UUID, actorID uuid.UUID) (AllocationResult, error) {
	now := m.now()
	buffer.UpdatedAt = now
	if !buffer.Consistent() {
		return AllocationResult{}, fmt.Errorf("allocation buffer %s is inconsistent after %s", buffer.ID, kind)
	}
	if err := tx.UpdateAllocationBuffer(ctx, buffer); err != nil {
		return AllocationResult{}, err
	}
	movement := domain.AllocationMovement{
		ID:            uuid.New(),
		BufferID:      buffer.ID,
		Type:          kind,
		Amount:        amount,
		Commission:    commission,
		Split:         split,
		Before:        before,
		After:         buffer.Snapshot(),
		TransactionID: entryID,
		ActorID:       &actorID,
		CreatedAt:     now,
	}
	if err := tx.InsertAllocationMovement(ctx, movement); err != nil {
		return AllocationResult{}, err
	}
	return AllocationResult{Buffer: *buffer, Movement: movement}, nil
}

func validateMovement(amount decimal.Decimal, currency domain.Currency) error {
	if err := domain.RequirePositive(amount); err != nil {
		return err
	}
	if !currency.Valid() {
		return domain.Validationf("unsupported currency %q", currency)
	}
	return nil
}

func zeroSplit() domain.AllocationSplit {
	return domain.AllocationSplit{ToDebt: decimal.Zero, ToAllocation: decimal.Zero, ToBalance: decimal.Zero}
}
