/**
 * @description
 * CreditLifecycleEngine drives a credit from application to completion, cancellation or
 * default. Every status change goes through the transition table in domain.CreditStatus,
 * appends a credit_events row and enqueues an outbox event in the same transaction as
 * the ledger movements it causes.
 *
 * @notes
 * - Repayments are clamped to the outstanding debt; the excess is reported, not booked.
 * - The loyalty point for an application is awarded by the points consumer from the
 *   credit.applied event, so its failure never reaches the credit.
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

const defaultTermDays = 30

// completionTolerance is the largest remaining debt that still completes a credit.
var completionTolerance = decimal.RequireFromString("0.01")

type ApplyCreditRequest struct {
	CustomerID     uuid.UUID
	ProductCode    string
	Amount         decimal.Decimal
	Currency       domain.Currency
	DurationMonths int
}

// RepaymentResult reports how a repayment was booked.
type RepaymentResult struct {
	Credit      domain.Credit       `json:"credit"`
	Applied     decimal.Decimal     `json:"applied"`
	Excess      decimal.Decimal     `json:"excess"`
	Completed   bool                `json:"completed"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

type CreditLifecycleEngine struct {
	store     store.Store
	catalog   *config.Catalog
	ledger    *AccountLedger
	evaluator *EligibilityEvaluator
	limiter   ApplyLimiter
	logger    *slog.Logger
	now       func() time.Time
}

func NewCreditLifecycleEngine(st store.Store, catalog *config.Catalog, ledger *AccountLedger, evaluator *EligibilityEvaluator, logger *slog.Logger) *CreditLifecycleEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditLifecycleEngine{
		store:     st,
		catalog:   catalog,
		ledger:    ledger,
		evaluator: evaluator,
		logger:    logger.With("component", "credit"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithApplyLimiter throttles applications. A limiter that errors for any reason other
// than domain.ErrRateLimited lets the application through.
func (c *CreditLifecycleEngine) WithApplyLimiter(limiter ApplyLimiter) *CreditLifecycleEngine {
	c.limiter = limiter
	return c
}

// Apply evaluates eligibility and records a PENDING credit.
func (c *CreditLifecycleEngine) Apply(ctx context.Context, req ApplyCreditRequest) (*domain.Credit, error) {
	product, ok := c.catalog.Get(req.ProductCode)
	if !ok {
		return nil, domain.Validationf("unknown product %q", req.ProductCode)
	}
	if product.UsesAllocationBuffer {
		return nil, domain.Validationf("product %s is served through the allocation buffer", product.Code)
	}
	if req.Currency == "" {
		req.Currency = product.Currency
	}
	if req.Currency != product.Currency {
		return nil, domain.Validationf("product %s is offered in %s, not %s", product.Code, product.Currency, req.Currency)
	}
	if err := domain.RequirePositive(req.Amount); err != nil {
		return nil, err
	}
	amount := domain.RoundAmount(req.Amount)

	interestRate := decimal.Zero
	if product.IsTerm() {
		if !product.DurationAllowed(req.DurationMonths) {
			return nil, domain.Validationf("product %s does not offer a %d month duration", product.Code, req.DurationMonths)
		}
		rate, ok := product.InterestRateFor(amount, req.DurationMonths)
		if !ok {
			return nil, domain.Validationf("product %s has no interest rate for %s over %d months", product.Code, money(amount), req.DurationMonths)
		}
		interestRate = rate
	} else {
		req.DurationMonths = 0
	}

	if err := c.checkApplyLimit(ctx, req.CustomerID, product.Code); err != nil {
		return nil, err
	}

	now := c.now()
	fee := domain.RoundAmount(product.FeeFor(amount))
	interest := domain.Percent(amount, interestRate)
	installments := product.Installments
	if product.IsTerm() {
		installments = req.DurationMonths
	}
	credit := domain.Credit{
		ID:               uuid.New(),
		CustomerID:       req.CustomerID,
		ProductCode:      product.Code,
		Currency:         product.Currency,
		RequestedAmount:  amount,
		ApprovedAmount:   decimal.Zero,
		Fee:              fee,
		InterestRate:     interestRate,
		InterestAmount:   interest,
		TotalToRepay:     amount.Add(fee).Add(interest),
		OutstandingDebt:  decimal.Zero,
		AmountRepaid:     decimal.Zero,
		CautionAmount:    decimal.Zero,
		PenaltiesAccrued: decimal.Zero,
		Frequency:        product.Frequency,
		Installments:     installments,
		DurationMonths:   req.DurationMonths,
		Status:           domain.CreditPending,
		AppliedAt:        now,
		UpdatedAt:        now,
	}

	err := c.store.InTx(ctx, func(tx store.Tx) error {
		result, err := c.evaluator.evaluate(ctx, tx, req.CustomerID, product, amount)
		if err != nil {
			return err
		}
		if !result.Eligible {
			return &domain.NotEligibleError{Reasons: result.Reasons}
		}
		if err := tx.InsertCredit(ctx, &credit); err != nil {
			return err
		}
		if err := tx.InsertCreditEvent(ctx, domain.CreditEvent{
			ID:        uuid.New(),
			CreditID:  credit.ID,
			ToStatus:  domain.CreditPending,
			ActorID:   &req.CustomerID,
			Note:      "application",
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return c.enqueue(ctx, tx, domain.RoutingCreditApplied, credit, credit.RequestedAmount)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("credit applied", "credit_id", credit.ID, "customer_id", credit.CustomerID, "product", credit.ProductCode, "amount", money(amount))
	return &credit, nil
}

func (c *CreditLifecycleEngine) checkApplyLimit(ctx context.Context, customerID uuid.UUID, productCode string) error {
	if c.limiter == nil {
		return nil
	}
	err := c.limiter.AllowApplication(ctx, customerID, productCode)
	if err == nil || errors.Is(err, domain.ErrRateLimited) {
		return err
	}
	c.logger.Warn("apply rate limiter unavailable; allowing request", "customer_id", customerID, "product", productCode, "error", err)
	return nil
}

// Approve holds the caution, disburses the principal and marks the credit APPROVED.
func (c *CreditLifecycleEngine) Approve(ctx context.Context, creditID, approverID uuid.UUID) (*domain.Credit, error) {
	var credit *domain.Credit
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		credit, err = c.approveTx(ctx, tx, creditID, approverID)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("credit approved", "credit_id", credit.ID, "approver_id", approverID, "caution", money(credit.CautionAmount))
	return credit, nil
}

func (c *CreditLifecycleEngine) approveTx(ctx context.Context, tx store.Tx, creditID, approverID uuid.UUID) (*domain.Credit, error) {
	credit, err := tx.LockCredit(ctx, creditID)
	if err != nil {
		return nil, err
	}
	if !credit.Status.CanTransition(domain.CreditApproved) {
		return nil, domain.InvalidTransition("credit", credit.Status, domain.CreditApproved)
	}
	product, ok := c.catalog.Get(credit.ProductCode)
	if !ok {
		return nil, domain.Validationf("product %s is no longer configured", credit.ProductCode)
	}

	principal := credit.RequestedAmount
	caution := domain.Percent(principal, product.CautionPercent)
	if caution.IsPositive() {
		if _, err := c.moveCaution(ctx, tx, credit, domain.SubAccountMandatorySaving, domain.SubAccountCaution, caution, "caution held"); err != nil {
			return nil, err
		}
	}

	creditAccount, err := c.ledger.accountTx(ctx, tx, credit.CustomerID, domain.SubAccountCredit, credit.Currency)
	if err != nil {
		return nil, err
	}
	if _, err := c.ledger.moveTx(ctx, tx, creditAccount, principal, credit.Currency, posting{
		Type:        domain.TxCreditDisbursement,
		CreditID:    &credit.ID,
		Description: fmt.Sprintf("%s credit disbursement", credit.ProductCode),
	}, false); err != nil {
		return nil, err
	}

	now := c.now()
	maturity := maturityOf(product, credit.DurationMonths, now)
	credit.ApprovedAmount = principal
	credit.CautionAmount = caution
	credit.OutstandingDebt = credit.TotalToRepay
	credit.ApprovedBy = &approverID
	credit.ApprovedAt = &now
	credit.DisbursedAt = &now
	credit.MaturityAt = &maturity
	if err := c.transitionTx(ctx, tx, credit, domain.CreditApproved, &approverID, "approved and disbursed"); err != nil {
		return nil, err
	}
	if err := c.enqueue(ctx, tx, domain.RoutingCreditApproved, *credit, principal); err != nil {
		return nil, err
	}
	return credit, nil
}

// Activate moves an approved or disbursed credit into repayment.
func (c *CreditLifecycleEngine) Activate(ctx context.Context, creditID, actorID uuid.UUID) (*domain.Credit, error) {
	var credit *domain.Credit
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if credit, err = tx.LockCredit(ctx, creditID); err != nil {
			return err
		}
		return c.transitionTx(ctx, tx, credit, domain.CreditActive, &actorID, "activated")
	})
	if err != nil {
		return nil, err
	}
	return credit, nil
}

// Repay books a repayment against the credit. Money is assumed collected, so the entry
// logs against S04 without moving its balance.
func (c *CreditLifecycleEngine) Repay(ctx context.Context, creditID uuid.UUID, amount decimal.Decimal, currency domain.Currency, actorID uuid.UUID) (*RepaymentResult, error) {
	if err := domain.RequirePositive(amount); err != nil {
		return nil, err
	}

	var result RepaymentResult
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		credit, err := tx.LockCredit(ctx, creditID)
		if err != nil {
			return err
		}
		if !credit.Status.AcceptsRepayment() {
			return fmt.Errorf("%w: credit %s is %s and accepts no repayment", domain.ErrInvalidState, credit.ID, credit.Status)
		}
		if currency == "" {
			currency = credit.Currency
		}
		if !currency.Valid() {
			return domain.Validationf("unsupported currency %q", currency)
		}

		rate, err := tx.GetExchangeRate(ctx)
		if err != nil {
			return err
		}
		inCreditCurrency := convertAt(amount, currency, credit.Currency, rate.LocalPerUSD)
		if !inCreditCurrency.IsPositive() {
			return domain.Validationf("amount %s %s rounds to zero in %s", amount, currency, credit.Currency)
		}
		applied := decimal.Min(inCreditCurrency, credit.OutstandingDebt)
		result.Excess = inCreditCurrency.Sub(applied)
		result.Applied = applied

		if applied.IsPositive() {
			var accountID *uuid.UUID
			if s04, err := tx.FindAccount(ctx, credit.CustomerID, domain.SubAccountCredit, credit.Currency); err == nil {
				accountID = &s04.ID
			}
			entry, err := c.ledger.recordTx(ctx, tx, credit.CustomerID, accountID, nil, applied, credit.Currency, rate.LocalPerUSD, posting{
				Type:        domain.TxRepayment,
				CreditID:    &credit.ID,
				Description: fmt.Sprintf("%s credit repayment", credit.ProductCode),
			})
			if err != nil {
				return err
			}
			result.Transaction = entry
		}

		credit.OutstandingDebt = credit.OutstandingDebt.Sub(applied)
		credit.AmountRepaid = credit.AmountRepaid.Add(applied)

		if credit.OutstandingDebt.LessThanOrEqual(completionTolerance) {
			credit.OutstandingDebt = decimal.Zero
			if err := c.completeTx(ctx, tx, credit, actorID); err != nil {
				return err
			}
			result.Completed = true
		} else {
			if credit.Status == domain.CreditApproved || credit.Status == domain.CreditDisbursed {
				if err := c.transitionTx(ctx, tx, credit, domain.CreditActive, &actorID, "first repayment"); err != nil {
					return err
				}
			} else {
				credit.UpdatedAt = c.now()
				if err := tx.UpdateCredit(ctx, credit); err != nil {
					return err
				}
			}
			if err := c.enqueue(ctx, tx, domain.RoutingCreditRepaid, *credit, applied); err != nil {
				return err
			}
		}
		result.Credit = *credit
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Excess.IsPositive() {
		c.logger.Warn("repayment exceeded outstanding debt", "credit_id", creditID, "excess", money(result.Excess))
	}
	c.logger.Info("credit repayment booked", "credit_id", creditID, "applied", money(result.Applied), "completed", result.Completed)
	return &result, nil
}

// completeTx marks the credit COMPLETED, returns the caution to savings and closes the
// caution account once it is empty.
func (c *CreditLifecycleEngine) completeTx(ctx context.Context, tx store.Tx, credit *domain.Credit, actorID uuid.UUID) error {
	now := c.now()
	credit.CompletedAt = &now
	if err := c.transitionTx(ctx, tx, credit, domain.CreditCompleted, &actorID, "fully repaid"); err != nil {
		return err
	}

	if credit.CautionAmount.IsPositive() {
		caution, err := c.moveCaution(ctx, tx, credit, domain.SubAccountCaution, domain.SubAccountMandatorySaving, credit.CautionAmount, "caution returned")
		if err != nil {
			return err
		}
		if caution.Balance.IsZero() {
			if err := c.ledger.setStatusTx(ctx, tx, caution, domain.AccountClosed); err != nil {
				return err
			}
		}
	}
	return c.enqueue(ctx, tx, domain.RoutingCreditCompleted, *credit, credit.AmountRepaid)
}

// moveCaution transfers amount between two sub-accounts of the credit's customer and
// returns the caution account. A closed caution account is reopened when it receives
// funds. Returning a caution moves at most what the caution account still holds.
func (c *CreditLifecycleEngine) moveCaution(ctx context.Context, tx store.Tx, credit *domain.Credit, fromCode, toCode domain.SubAccountCode, amount decimal.Decimal, description string) (*domain.Account, error) {
	fromID, err := c.ledger.accountIDTx(ctx, tx, credit.CustomerID, fromCode, credit.Currency)
	if err != nil {
		return nil, err
	}
	toID, err := c.ledger.accountIDTx(ctx, tx, credit.CustomerID, toCode, credit.Currency)
	if err != nil {
		return nil, err
	}
	locked, err := tx.LockAccounts(ctx, fromID, toID)
	if err != nil {
		return nil, err
	}
	from, to := locked[fromID], locked[toID]

	caution := from
	if toCode == domain.SubAccountCaution {
		caution = to
		if to.Status == domain.AccountClosed {
			if err := c.ledger.setStatusTx(ctx, tx, to, domain.AccountActive); err != nil {
				return nil, err
			}
		}
	} else if from.Balance.LessThan(amount) {
		c.logger.Warn("caution account holds less than the caution amount", "credit_id", credit.ID, "held", money(from.Balance), "caution", money(amount))
		amount = from.Balance
	}
	if !amount.IsPositive() {
		return caution, nil
	}

	reference := uuid.New()
	p := posting{Type: domain.TxTransfer, CreditID: &credit.ID, Reference: &reference, Description: description}
	if _, err := c.ledger.moveTx(ctx, tx, from, amount, credit.Currency, p, true); err != nil {
		return nil, err
	}
	if _, err := c.ledger.moveTx(ctx, tx, to, amount, credit.Currency, p, false); err != nil {
		return nil, err
	}
	return caution, nil
}

// MarkOverdue defaults the credit and books the product penalty on the fines account.
func (c *CreditLifecycleEngine) MarkOverdue(ctx context.Context, creditID, actorID uuid.UUID) (*domain.Credit, error) {
	var credit *domain.Credit
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if credit, err = tx.LockCredit(ctx, creditID); err != nil {
			return err
		}
		if !credit.Status.CanTransition(domain.CreditDefaulted) {
			return domain.InvalidTransition("credit", credit.Status, domain.CreditDefaulted)
		}

		penalty := decimal.Zero
		if product, ok := c.catalog.Get(credit.ProductCode); ok {
			penalty = domain.RoundAmount(product.PenaltyFee.Add(domain.Percent(credit.OutstandingDebt, product.PenaltyPercent)))
		}
		if penalty.IsPositive() {
			fines, err := c.ledger.accountTx(ctx, tx, credit.CustomerID, domain.SubAccountFines, credit.Currency)
			if err != nil {
				return err
			}
			if fines.Status == domain.AccountClosed {
				customer, err := tx.GetCustomer(ctx, credit.CustomerID)
				if err != nil {
					return err
				}
				if customer.Status == domain.CustomerClosed {
					return fmt.Errorf("%w: customer %s is closed, fines account stays closed", domain.ErrInvalidState, customer.ID)
				}
				if err := c.ledger.setStatusTx(ctx, tx, fines, domain.AccountActive); err != nil {
					return err
				}
			}
			if _, err := c.ledger.moveTx(ctx, tx, fines, penalty, credit.Currency, posting{
				Type:        domain.TxPenalty,
				CreditID:    &credit.ID,
				Description: fmt.Sprintf("%s late payment penalty", credit.ProductCode),
			}, false); err != nil {
				return err
			}
			credit.PenaltiesAccrued = credit.PenaltiesAccrued.Add(penalty)
		}

		now := c.now()
		credit.DefaultedAt = &now
		if err := c.transitionTx(ctx, tx, credit, domain.CreditDefaulted, &actorID, "overdue"); err != nil {
			return err
		}
		return c.enqueue(ctx, tx, domain.RoutingCreditDefaulted, *credit, penalty)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Warn("credit defaulted", "credit_id", credit.ID, "customer_id", credit.CustomerID, "penalty", money(credit.PenaltiesAccrued))
	return credit, nil
}

// Cancel withdraws a PENDING application.
func (c *CreditLifecycleEngine) Cancel(ctx context.Context, creditID, actorID uuid.UUID, reason string) (*domain.Credit, error) {
	var credit *domain.Credit
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if credit, err = tx.LockCredit(ctx, creditID); err != nil {
			return err
		}
		now := c.now()
		if credit.Status.CanTransition(domain.CreditCancelled) {
			credit.CancelledAt = &now
		}
		note := "cancelled"
		if reason != "" {
			note = reason
		}
		if err := c.transitionTx(ctx, tx, credit, domain.CreditCancelled, &actorID, note); err != nil {
			return err
		}
		return c.enqueue(ctx, tx, domain.RoutingCreditCancelled, *credit, credit.RequestedAmount)
	})
	if err != nil {
		return nil, err
	}
	return credit, nil
}

func (c *CreditLifecycleEngine) Get(ctx context.Context, creditID uuid.UUID) (*domain.Credit, error) {
	return c.store.GetCredit(ctx, creditID)
}

func (c *CreditLifecycleEngine) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]domain.Credit, error) {
	if _, err := c.store.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	return c.store.ListCreditsByCustomer(ctx, customerID)
}

// History returns the status changes of a credit, oldest first.
func (c *CreditLifecycleEngine) History(ctx context.Context, creditID uuid.UUID) ([]domain.CreditEvent, error) {
	if _, err := c.store.GetCredit(ctx, creditID); err != nil {
		return nil, err
	}
	return c.store.ListCreditEvents(ctx, creditID)
}

// ListOverdue returns open credits whose maturity passed before cutoff.
func (c *CreditLifecycleEngine) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	return c.store.ListOverdueCreditIDs(ctx, cutoff, limit)
}

func (c *CreditLifecycleEngine) transitionTx(ctx context.Context, tx store.Tx, credit *domain.Credit, to domain.CreditStatus, actorID *uuid.UUID, note string) error {
	if !credit.Status.CanTransition(to) {
		return domain.InvalidTransition("credit", credit.Status, to)
	}
	now := c.now()
	from := credit.Status
	credit.Status = to
	credit.UpdatedAt = now
	if err := tx.UpdateCredit(ctx, credit); err != nil {
		return err
	}
	return tx.InsertCreditEvent(ctx, domain.CreditEvent{
		ID:         uuid.New(),
		CreditID:   credit.ID,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		Note:       note,
		CreatedAt:  now,
	})
}

func (c *CreditLifecycleEngine) enqueue(ctx context.Context, tx store.Tx, routingKey string, credit domain.Credit, amount decimal.Decimal) error {
	return tx.EnqueueEvent(ctx, domain.EventsExchange, routingKey, domain.CreditEventPayload{
		CreditID:        credit.ID,
		CustomerID:      credit.CustomerID,
		ProductCode:     credit.ProductCode,
		Status:          credit.Status,
		Amount:          amount,
		Currency:        credit.Currency,
		OutstandingDebt: credit.OutstandingDebt,
		OccurredAt:      c.now(),
	})
}

func maturityOf(product config.Product, durationMonths int, from time.Time) time.Time {
	if durationMonths > 0 {
		return from.AddDate(0, durationMonths, 0)
	}
	days := product.TermDays
	if days <= 0 {
		days = defaultTermDays
	}
	return from.AddDate(0, 0, days)
}
