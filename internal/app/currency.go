/**
 * @description
 * CurrencyConverter owns the single current CDF-per-USD rate. Conversions always use the
 * rate effective at execution time; there is no rate-as-of-transaction lookup.
 *
 * @notes
 * - Reads go through the Redis cache and fall back to the store. Cache failures are
 *   logged and never fail the call.
 * - Rate changes write the history row and the new current rate in one transaction.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/domain"
	"github.com/serenityneo/corebanking-service/internal/store"
)

const inverseRatePrecision = 8

// RateChangeMeta is the audit context of a rate change.
type RateChangeMeta struct {
	Reason    string
	IPAddress string
}

type CurrencyConverter struct {
	store  store.Store
	cache  RateCache
	logger *slog.Logger
	now    func() time.Time
}

func NewCurrencyConverter(st store.Store, cache RateCache, logger *slog.Logger) *CurrencyConverter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CurrencyConverter{
		store:  st,
		cache:  cache,
		logger: logger.With("component", "currency"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetCurrentRate returns the current rate in both directions.
func (c *CurrencyConverter) GetCurrentRate(ctx context.Context) (domain.RateQuote, error) {
	if c.cache != nil {
		cached, err := c.cache.Get(ctx)
		if err != nil {
			c.logger.Warn("rate cache read failed", "error", err)
		} else if cached != nil {
			return quoteOf(*cached), nil
		}
	}

	rate, err := c.store.GetExchangeRate(ctx)
	if err != nil {
		return domain.RateQuote{}, fmt.Errorf("failed to load exchange rate: %w", err)
	}
	c.refreshCache(ctx, *rate)
	return quoteOf(*rate), nil
}

// Convert converts amount between currencies at the current rate.
func (c *CurrencyConverter) Convert(ctx context.Context, amount decimal.Decimal, from, to domain.Currency) (decimal.Decimal, error) {
	if err := validateConversion(amount, from, to); err != nil {
		return decimal.Zero, err
	}
	if from == to {
		return domain.RoundAmount(amount), nil
	}
	quote, err := c.GetCurrentRate(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return convertAt(amount, from, to, quote.LocalPerUSD), nil
}

// SetRate replaces the current rate and appends a history row.
func (c *CurrencyConverter) SetRate(ctx context.Context, newRate decimal.Decimal, actorID uuid.UUID, meta RateChangeMeta) (domain.RateQuote, error) {
	newRate = domain.RoundRate(newRate)
	if !newRate.IsPositive() {
		return domain.RateQuote{}, fmt.Errorf("%w: rate must be greater than zero, got %s", domain.ErrInvalidRate, newRate)
	}

	now := c.now()
	updated := domain.ExchangeRate{LocalPerUSD: newRate, UpdatedAt: now, UpdatedBy: &actorID}
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockExchangeRate(ctx)
		if err != nil {
			return err
		}
		change := domain.ExchangeRateChange{
			ID:        uuid.New(),
			OldRate:   current.LocalPerUSD,
			NewRate:   newRate,
			ChangedBy: actorID,
			Reason:    optionalString(meta.Reason),
			IPAddress: optionalString(meta.IPAddress),
			ChangedAt: now,
		}
		if err := tx.InsertRateChange(ctx, change); err != nil {
			return err
		}
		if err := tx.SaveExchangeRate(ctx, updated); err != nil {
			return err
		}
		return tx.EnqueueEvent(ctx, domain.EventsExchange, domain.RoutingExchangeRateUpdated, domain.RateEventPayload{
			OldRate:    current.LocalPerUSD,
			NewRate:    newRate,
			ChangedBy:  actorID,
			OccurredAt: now,
		})
	})
	if err != nil {
		return domain.RateQuote{}, fmt.Errorf("failed to update exchange rate: %w", err)
	}

	c.logger.Info("exchange rate updated", "rate", newRate.String(), "actor_id", actorID)
	c.refreshCache(ctx, updated)
	return quoteOf(updated), nil
}

// GetHistory returns the newest rate changes first.
func (c *CurrencyConverter) GetHistory(ctx context.Context, limit int) ([]domain.ExchangeRateChange, error) {
	return c.store.ListRateChanges(ctx, time.Time{}, limit)
}

// GetStats summarises the rate changes of the last windowHours hours. FirstRate is the
// rate in force when the window opened.
func (c *CurrencyConverter) GetStats(ctx context.Context, windowHours int) (domain.RateStats, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	current, err := c.GetCurrentRate(ctx)
	if err != nil {
		return domain.RateStats{}, err
	}

	since := c.now().Add(-time.Duration(windowHours) * time.Hour)
	changes, err := c.store.ListRateChanges(ctx, since, 10000)
	if err != nil {
		return domain.RateStats{}, fmt.Errorf("failed to load rate history: %w", err)
	}

	stats := domain.RateStats{
		WindowHours:   windowHours,
		Changes:       len(changes),
		CurrentRate:   current.LocalPerUSD,
		MinRate:       current.LocalPerUSD,
		MaxRate:       current.LocalPerUSD,
		AverageRate:   current.LocalPerUSD,
		FirstRate:     current.LocalPerUSD,
		LastRate:      current.LocalPerUSD,
		Change:        decimal.Zero,
		ChangePercent: decimal.Zero,
	}
	if len(changes) == 0 {
		return stats, nil
	}

	sum := decimal.Zero
	stats.MinRate = changes[0].NewRate
	stats.MaxRate = changes[0].NewRate
	for _, change := range changes {
		sum = sum.Add(change.NewRate)
		stats.MinRate = decimal.Min(stats.MinRate, change.NewRate)
		stats.MaxRate = decimal.Max(stats.MaxRate, change.NewRate)
	}
	stats.AverageRate = domain.RoundAmount(sum.Div(decimal.NewFromInt(int64(len(changes)))))
	// changes are newest first
	stats.FirstRate = changes[len(changes)-1].OldRate
	stats.LastRate = changes[0].NewRate
	stats.Change = stats.LastRate.Sub(stats.FirstRate)
	if stats.FirstRate.IsPositive() {
		stats.ChangePercent = domain.RoundAmount(stats.Change.Div(stats.FirstRate).Mul(decimal.NewFromInt(100)))
	}
	return stats, nil
}

func (c *CurrencyConverter) refreshCache(ctx context.Context, rate domain.ExchangeRate) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, rate); err != nil {
		c.logger.Warn("rate cache write failed", "error", err)
	}
}

func validateConversion(amount decimal.Decimal, from, to domain.Currency) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative, got %s", domain.ErrInvalidAmount, amount)
	}
	if !from.Valid() {
		return domain.Validationf("unsupported currency %q", from)
	}
	if !to.Valid() {
		return domain.Validationf("unsupported currency %q", to)
	}
	return nil
}

// convertAt converts with an explicit local-per-USD rate.
func convertAt(amount decimal.Decimal, from, to domain.Currency, localPerUSD decimal.Decimal) decimal.Decimal {
	switch {
	case from == to:
		return domain.RoundAmount(amount)
	case from == domain.CurrencyUSD:
		return domain.RoundAmount(amount.Mul(localPerUSD))
	default:
		return domain.RoundAmount(amount.Div(localPerUSD))
	}
}

// bothAmounts returns amount expressed in CDF and USD.
func bothAmounts(amount decimal.Decimal, currency domain.Currency, localPerUSD decimal.Decimal) (cdf, usd decimal.Decimal) {
	amount = domain.RoundAmount(amount)
	if currency == domain.CurrencyUSD {
		return convertAt(amount, domain.CurrencyUSD, domain.CurrencyCDF, localPerUSD), amount
	}
	return amount, convertAt(amount, domain.CurrencyCDF, domain.CurrencyUSD, localPerUSD)
}

func quoteOf(rate domain.ExchangeRate) domain.RateQuote {
	inverse := decimal.Zero
	if rate.LocalPerUSD.IsPositive() {
		inverse = decimal.NewFromInt(1).DivRound(rate.LocalPerUSD, inverseRatePrecision)
	}
	return domain.RateQuote{
		LocalPerUSD: rate.LocalPerUSD,
		USDPerLocal: inverse,
		UpdatedAt:   rate.UpdatedAt,
		UpdatedBy:   rate.UpdatedBy,
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
