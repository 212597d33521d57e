package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExchangeRate is the single current local-per-USD rate.
type ExchangeRate struct {
	LocalPerUSD decimal.Decimal `json:"local_per_usd"`
	UpdatedAt   time.Time       `json:"updated_at"`
	UpdatedBy   *uuid.UUID      `json:"updated_by,omitempty"`
}

// RateQuote is the view returned to callers, carrying both directions.
type RateQuote struct {
	LocalPerUSD decimal.Decimal `json:"local_per_usd"`
	USDPerLocal decimal.Decimal `json:"usd_per_local"`
	UpdatedAt   time.Time       `json:"updated_at"`
	UpdatedBy   *uuid.UUID      `json:"updated_by,omitempty"`
}

// ExchangeRateChange is an append-only audit row of the rate history.
type ExchangeRateChange struct {
	ID        uuid.UUID       `json:"id"`
	OldRate   decimal.Decimal `json:"old_rate"`
	NewRate   decimal.Decimal `json:"new_rate"`
	ChangedBy uuid.UUID       `json:"changed_by"`
	Reason    *string         `json:"reason,omitempty"`
	IPAddress *string         `json:"ip_address,omitempty"`
	ChangedAt time.Time       `json:"changed_at"`
}

// RateStats summarises the rate history over a window.
type RateStats struct {
	WindowHours   int             `json:"window_hours"`
	Changes       int             `json:"changes"`
	CurrentRate   decimal.Decimal `json:"current_rate"`
	MinRate       decimal.Decimal `json:"min_rate"`
	MaxRate       decimal.Decimal `json:"max_rate"`
	AverageRate   decimal.Decimal `json:"average_rate"`
	FirstRate     decimal.Decimal `json:"first_rate"`
	LastRate      decimal.Decimal `json:"last_rate"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}
