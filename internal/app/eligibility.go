package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/config"
	"github.com/serenityneo/corebanking-service/internal/domain"
	"github.com/serenityneo/corebanking-service/internal/store"
)

// EligibilityEvaluator checks a credit request against the product rules. It only reads.
// Every rule is evaluated so the caller gets the complete list of reasons.
type EligibilityEvaluator struct {
	store   store.Queries
	catalog *config.Catalog
	now     func() time.Time
}

func NewEligibilityEvaluator(q store.Queries, catalog *config.Catalog) *EligibilityEvaluator {
	return &EligibilityEvaluator{
		store:   q,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (e *EligibilityEvaluator) Evaluate(ctx context.Context, customerID uuid.UUID, productCode string, amount decimal.Decimal) (domain.EligibilityResult, error) {
	product, ok := e.catalog.Get(productCode)
	if !ok {
		return domain.EligibilityResult{}, domain.Validationf("unknown product %q", productCode)
	}
	return e.evaluate(ctx, e.store, customerID, product, amount)
}

func (e *EligibilityEvaluator) evaluate(ctx context.Context, q store.Queries, customerID uuid.UUID, product config.Product, amount decimal.Decimal) (domain.EligibilityResult, error) {
	if err := domain.RequirePositive(amount); err != nil {
		return domain.EligibilityResult{}, err
	}
	customer, err := q.GetCustomer(ctx, customerID)
	if err != nil {
		return domain.EligibilityResult{}, err
	}

	now := e.now()
	reasons := []string{}
	if customer.Status != domain.CustomerActive {
		reasons = append(reasons, fmt.Sprintf("customer is %s", customer.Status))
	}

	if !product.AmountAllowed(amount) {
		if len(product.AllowedAmounts) > 0 {
			reasons = append(reasons, fmt.Sprintf("amount %s is not one of the amounts offered by %s", money(amount), product.Code))
		} else {
			reasons = append(reasons, fmt.Sprintf("amount %s is outside the %s range %s to %s",
				money(amount), product.Code, money(product.MinAmount), money(product.MaxAmount)))
		}
	}

	savings, err := q.FindAccount(ctx, customerID, domain.SubAccountMandatorySaving, product.Currency)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.EligibilityResult{}, err
	}
	balance := decimal.Zero
	if savings != nil {
		balance = savings.Balance
	}

	required := domain.Percent(amount, product.SavingsCoveragePercent)
	if balance.LessThan(required) {
		reasons = append(reasons, fmt.Sprintf("insufficient savings: %s balance %s %s, required %s %s (%s%% of %s)",
			domain.SubAccountMandatorySaving, money(balance), product.Currency, money(required), product.Currency,
			product.SavingsCoveragePercent.String(), money(amount)))
	}

	if reason, err := e.checkRegularity(ctx, q, customerID, savings, product.Regularity, now); err != nil {
		return domain.EligibilityResult{}, err
	} else if reason != "" {
		reasons = append(reasons, reason)
	}

	lookback := product.DefaultLookbackMonths
	if lookback > 0 {
		defaulted, err := q.HasDefaultSince(ctx, customerID, now.AddDate(0, -lookback, 0))
		if err != nil {
			return domain.EligibilityResult{}, err
		}
		if defaulted {
			reasons = append(reasons, fmt.Sprintf("credit defaulted within the last %d months", lookback))
		}
	}

	return domain.EligibilityResult{
		ProductCode: product.Code,
		Eligible:    len(reasons) == 0,
		Reasons:     reasons,
	}, nil
}

func (e *EligibilityEvaluator) checkRegularity(ctx context.Context, q store.Queries, customerID uuid.UUID, savings *domain.Account, rule config.Regularity, now time.Time) (string, error) {
	since := now.AddDate(0, 0, -rule.WindowDays)
	switch rule.Mode {
	case config.RegularityDistinctDays:
		days := 0
		if savings != nil {
			var err error
			if days, err = q.CountDepositDays(ctx, savings.ID, since); err != nil {
				return "", err
			}
		}
		if days < rule.Required {
			return fmt.Sprintf("irregular savings: deposits on %d of the last %d days, required %d", days, rule.WindowDays, rule.Required), nil
		}
	case config.RegularityDepositCount:
		count := 0
		if savings != nil {
			var err error
			if count, err = q.CountDeposits(ctx, savings.ID, since); err != nil {
				return "", err
			}
		}
		if count < rule.Required {
			return fmt.Sprintf("irregular savings: %d deposits in the last %d days, required %d", count, rule.WindowDays, rule.Required), nil
		}
	case config.RegularitySavingsCycles:
		cycles, err := q.CountCompletedSavingsCycles(ctx, customerID)
		if err != nil {
			return "", err
		}
		if cycles < rule.Required {
			return fmt.Sprintf("insufficient savings history: %d completed savings cycles, required %d", cycles, rule.Required), nil
		}
	}
	return "", nil
}

func money(d decimal.Decimal) string {
	return d.StringFixed(domain.MinorUnits)
}
