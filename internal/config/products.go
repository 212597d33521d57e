/**
 * @description
 * Credit product table. Every product keeps its amount bounds, fee brackets, interest
 * table, caution and coverage percentages and deposit-regularity rule here so the
 * evaluator and the lifecycle engine stay free of per-product branches.
 *
 * @notes
 * - Built-in defaults are used when no products file exists. A products.yaml replaces
 *   the whole table; amounts are decimal strings.
 */

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/serenityneo/corebanking-service/internal/domain"
)

// Deposit regularity modes.
const (
	RegularityDistinctDays  = "distinct_days"
	RegularityDepositCount  = "deposit_count"
	RegularitySavingsCycles = "savings_cycles"
	RegularityNone          = "none"
)

// FeeBracket charges Fee on any amount up to and including Ceiling.
type FeeBracket struct {
	Ceiling decimal.Decimal
	Fee     decimal.Decimal
}

// InterestRate applies RatePercent to amounts >= MinAmount for a given duration.
type InterestRate struct {
	DurationMonths int
	MinAmount      decimal.Decimal
	RatePercent    decimal.Decimal
}

// Regularity is the deposit discipline a customer must show on the savings account.
type Regularity struct {
	Mode       string
	Required   int
	WindowDays int
}

// Product is one credit product's configuration.
type Product struct {
	Code                   string
	Name                   string
	Currency               domain.Currency
	Frequency              domain.RepaymentFrequency
	Installments           int
	TermDays               int
	DurationsMonths        []int
	MinAmount              decimal.Decimal
	MaxAmount              decimal.Decimal
	AllowedAmounts         []decimal.Decimal
	SavingsCoveragePercent decimal.Decimal
	CautionPercent         decimal.Decimal
	Regularity             Regularity
	DefaultLookbackMonths  int
	FeeBrackets            []FeeBracket
	InterestTable          []InterestRate
	PenaltyFee             decimal.Decimal
	PenaltyPercent         decimal.Decimal
	UsesAllocationBuffer   bool
	CommissionRate         decimal.Decimal
}

// AmountAllowed reports whether amount fits the product bounds.
func (p Product) AmountAllowed(amount decimal.Decimal) bool {
	if len(p.AllowedAmounts) > 0 {
		for _, allowed := range p.AllowedAmounts {
			if allowed.Equal(amount) {
				return true
			}
		}
		return false
	}
	return amount.GreaterThanOrEqual(p.MinAmount) && amount.LessThanOrEqual(p.MaxAmount)
}

// FeeFor returns the fee of the first bracket whose ceiling covers amount. Amounts above
// every ceiling use the last bracket.
func (p Product) FeeFor(amount decimal.Decimal) decimal.Decimal {
	if len(p.FeeBrackets) == 0 {
		return decimal.Zero
	}
	for _, bracket := range p.FeeBrackets {
		if amount.LessThanOrEqual(bracket.Ceiling) {
			return bracket.Fee
		}
	}
	return p.FeeBrackets[len(p.FeeBrackets)-1].Fee
}

// InterestRateFor picks the entry for durationMonths with the highest MinAmount <= amount.
func (p Product) InterestRateFor(amount decimal.Decimal, durationMonths int) (decimal.Decimal, bool) {
	var (
		best  *InterestRate
		found bool
	)
	for i := range p.InterestTable {
		entry := p.InterestTable[i]
		if entry.DurationMonths != durationMonths || entry.MinAmount.GreaterThan(amount) {
			continue
		}
		if !found || entry.MinAmount.GreaterThan(best.MinAmount) {
			best = &p.InterestTable[i]
			found = true
		}
	}
	if !found {
		return decimal.Zero, false
	}
	return best.RatePercent, true
}

// IsTerm reports whether the product is priced by duration.
func (p Product) IsTerm() bool {
	return len(p.DurationsMonths) > 0
}

// DurationAllowed reports whether months is one of the product durations.
func (p Product) DurationAllowed(months int) bool {
	for _, d := range p.DurationsMonths {
		if d == months {
			return true
		}
	}
	return false
}

// Catalog is the immutable product table keyed by code.
type Catalog struct {
	products map[string]Product
}

// NewCatalog indexes products by upper-cased code.
func NewCatalog(products ...Product) *Catalog {
	c := &Catalog{products: make(map[string]Product, len(products))}
	for _, p := range products {
		p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
		c.products[p.Code] = p
	}
	return c
}

// Get returns the product with code.
func (c *Catalog) Get(code string) (Product, bool) {
	p, ok := c.products[strings.ToUpper(strings.TrimSpace(code))]
	return p, ok
}

// List returns all products sorted by code.
func (c *Catalog) List() []Product {
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// AllocationProduct returns the product backing the allocation buffer.
func (c *Catalog) AllocationProduct() (Product, bool) {
	for _, p := range c.List() {
		if p.UsesAllocationBuffer {
			return p, true
		}
	}
	return Product{}, false
}

type productFile struct {
	Products []productEntry `mapstructure:"products"`
}

type productEntry struct {
	Code                   string          `mapstructure:"code"`
	Name                   string          `mapstructure:"name"`
	Currency               string          `mapstructure:"currency"`
	Frequency              string          `mapstructure:"frequency"`
	Installments           int             `mapstructure:"installments"`
	TermDays               int             `mapstructure:"term_days"`
	DurationsMonths        []int           `mapstructure:"durations_months"`
	MinAmount              string          `mapstructure:"min_amount"`
	MaxAmount              string          `mapstructure:"max_amount"`
	AllowedAmounts         []string        `mapstructure:"allowed_amounts"`
	SavingsCoveragePercent string          `mapstructure:"savings_coverage_percent"`
	CautionPercent         string          `mapstructure:"caution_percent"`
	Regularity             regularityEntry `mapstructure:"regularity"`
	DefaultLookbackMonths  int             `mapstructure:"default_lookback_months"`
	FeeBrackets            []feeEntry      `mapstructure:"fee_brackets"`
	InterestTable          []interestEntry `mapstructure:"interest_table"`
	PenaltyFee             string          `mapstructure:"penalty_fee"`
	PenaltyPercent         string          `mapstructure:"penalty_percent"`
	UsesAllocationBuffer   bool            `mapstructure:"uses_allocation_buffer"`
	CommissionRate         string          `mapstructure:"commission_rate"`
}

type regularityEntry struct {
	Mode       string `mapstructure:"mode"`
	Required   int    `mapstructure:"required"`
	WindowDays int    `mapstructure:"window_days"`
}

type feeEntry struct {
	Ceiling string `mapstructure:"ceiling"`
	Fee     string `mapstructure:"fee"`
}

type interestEntry struct {
	DurationMonths int    `mapstructure:"duration_months"`
	MinAmount      string `mapstructure:"min_amount"`
	RatePercent    string `mapstructure:"rate_percent"`
}

// LoadProducts reads the product table from path. A missing file yields the defaults.
func LoadProducts(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultCatalog(), nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("products file not found; using built-in products", "component", "config", "path", path)
			return DefaultCatalog(), nil
		}
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read products file: %w", err)
	}

	var file productFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode products file: %w", err)
	}
	if len(file.Products) == 0 {
		return nil, fmt.Errorf("products file %s defines no products", path)
	}

	products := make([]Product, 0, len(file.Products))
	for _, entry := range file.Products {
		p, err := entry.toProduct()
		if err != nil {
			return nil, fmt.Errorf("product %q: %w", entry.Code, err)
		}
		products = append(products, p)
	}
	return NewCatalog(products...), nil
}

func (e productEntry) toProduct() (Product, error) {
	p := Product{
		Code:                  strings.ToUpper(strings.TrimSpace(e.Code)),
		Name:                  strings.TrimSpace(e.Name),
		Frequency:             domain.RepaymentFrequency(strings.ToUpper(strings.TrimSpace(e.Frequency))),
		Installments:          e.Installments,
		TermDays:              e.TermDays,
		DurationsMonths:       e.DurationsMonths,
		DefaultLookbackMonths: e.DefaultLookbackMonths,
		UsesAllocationBuffer:  e.UsesAllocationBuffer,
		Regularity: Regularity{
			Mode:       strings.ToLower(strings.TrimSpace(e.Regularity.Mode)),
			Required:   e.Regularity.Required,
			WindowDays: e.Regularity.WindowDays,
		},
	}
	if p.Code == "" {
		return Product{}, errors.New("code is required")
	}

	currency, err := domain.ParseCurrency(e.Currency)
	if err != nil {
		return Product{}, err
	}
	p.Currency = currency

	if p.Frequency == "" {
		p.Frequency = domain.FrequencyOnce
	}
	if p.Regularity.Mode == "" {
		p.Regularity.Mode = RegularityNone
	}
	switch p.Regularity.Mode {
	case RegularityDistinctDays, RegularityDepositCount, RegularitySavingsCycles, RegularityNone:
	default:
		return Product{}, fmt.Errorf("unknown regularity mode %q", p.Regularity.Mode)
	}
	if p.DefaultLookbackMonths <= 0 {
		p.DefaultLookbackMonths = 6
	}

	if p.MinAmount, err = parseAmount(e.MinAmount); err != nil {
		return Product{}, fmt.Errorf("min_amount: %w", err)
	}
	if p.MaxAmount, err = parseAmount(e.MaxAmount); err != nil {
		return Product{}, fmt.Errorf("max_amount: %w", err)
	}
	for _, raw := range e.AllowedAmounts {
		amount, err := parseAmount(raw)
		if err != nil {
			return Product{}, fmt.Errorf("allowed_amounts: %w", err)
		}
		p.AllowedAmounts = append(p.AllowedAmounts, amount)
	}
	if len(p.AllowedAmounts) == 0 && p.MaxAmount.LessThan(p.MinAmount) {
		return Product{}, errors.New("max_amount is below min_amount")
	}
	if p.SavingsCoveragePercent, err = parseAmount(e.SavingsCoveragePercent); err != nil {
		return Product{}, fmt.Errorf("savings_coverage_percent: %w", err)
	}
	if p.CautionPercent, err = parseAmount(e.CautionPercent); err != nil {
		return Product{}, fmt.Errorf("caution_percent: %w", err)
	}
	if p.PenaltyFee, err = parseAmount(e.PenaltyFee); err != nil {
		return Product{}, fmt.Errorf("penalty_fee: %w", err)
	}
	if p.PenaltyPercent, err = parseAmount(e.PenaltyPercent); err != nil {
		return Product{}, fmt.Errorf("penalty_percent: %w", err)
	}
	if p.CommissionRate, err = parseAmount(e.CommissionRate); err != nil {
		return Product{}, fmt.Errorf("commission_rate: %w", err)
	}
	if p.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Product{}, errors.New("commission_rate must be below 1")
	}

	for _, fb := range e.FeeBrackets {
		ceiling, err := parseAmount(fb.Ceiling)
		if err != nil {
			return Product{}, fmt.Errorf("fee ceiling: %w", err)
		}
		fee, err := parseAmount(fb.Fee)
		if err != nil {
			return Product{}, fmt.Errorf("fee: %w", err)
		}
		p.FeeBrackets = append(p.FeeBrackets, FeeBracket{Ceiling: ceiling, Fee: fee})
	}
	sort.SliceStable(p.FeeBrackets, func(i, j int) bool {
		return p.FeeBrackets[i].Ceiling.LessThan(p.FeeBrackets[j].Ceiling)
	})

	for _, ir := range e.InterestTable {
		minAmount, err := parseAmount(ir.MinAmount)
		if err != nil {
			return Product{}, fmt.Errorf("interest min_amount: %w", err)
		}
		rate, err := parseAmount(ir.RatePercent)
		if err != nil {
			return Product{}, fmt.Errorf("interest rate_percent: %w", err)
		}
		p.InterestTable = append(p.InterestTable, InterestRate{DurationMonths: ir.DurationMonths, MinAmount: minAmount, RatePercent: rate})
	}
	return p, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative value %s", raw)
	}
	return d, nil
}

func mustDecimal(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}

// DefaultCatalog is the built-in product table.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Product{
			Code:                   "BOMBE",
			Name:                   "Bombe daily credit",
			Currency:               domain.CurrencyUSD,
			Frequency:              domain.FrequencyDaily,
			Installments:           26,
			TermDays:               30,
			MinAmount:              mustDecimal("10"),
			MaxAmount:              mustDecimal("100"),
			SavingsCoveragePercent: mustDecimal("30"),
			CautionPercent:         mustDecimal("30"),
			Regularity:             Regularity{Mode: RegularityDistinctDays, Required: 26, WindowDays: 35},
			DefaultLookbackMonths:  6,
			FeeBrackets: []FeeBracket{
				{Ceiling: mustDecimal("20"), Fee: mustDecimal("2")},
				{Ceiling: mustDecimal("50"), Fee: mustDecimal("4")},
				{Ceiling: mustDecimal("100"), Fee: mustDecimal("8")},
			},
			PenaltyFee:     mustDecimal("2"),
			PenaltyPercent: mustDecimal("5"),
		},
		Product{
			Code:                   "TELEMA",
			Name:                   "Telema term credit",
			Currency:               domain.CurrencyUSD,
			Frequency:              domain.FrequencyMonthly,
			DurationsMonths:        []int{6, 9, 12},
			MinAmount:              mustDecimal("200"),
			MaxAmount:              mustDecimal("1500"),
			SavingsCoveragePercent: mustDecimal("50"),
			CautionPercent:         mustDecimal("30"),
			Regularity:             Regularity{Mode: RegularityDepositCount, Required: 6, WindowDays: 45},
			DefaultLookbackMonths:  6,
			FeeBrackets: []FeeBracket{
				{Ceiling: mustDecimal("500"), Fee: mustDecimal("10")},
				{Ceiling: mustDecimal("1000"), Fee: mustDecimal("20")},
				{Ceiling: mustDecimal("1500"), Fee: mustDecimal("30")},
			},
			InterestTable: []InterestRate{
				{DurationMonths: 6, MinAmount: mustDecimal("200"), RatePercent: mustDecimal("5.5")},
				{DurationMonths: 6, MinAmount: mustDecimal("1000"), RatePercent: mustDecimal("5")},
				{DurationMonths: 9, MinAmount: mustDecimal("200"), RatePercent: mustDecimal("7.5")},
				{DurationMonths: 9, MinAmount: mustDecimal("1000"), RatePercent: mustDecimal("7")},
				{DurationMonths: 12, MinAmount: mustDecimal("200"), RatePercent: mustDecimal("10")},
				{DurationMonths: 12, MinAmount: mustDecimal("1000"), RatePercent: mustDecimal("9")},
			},
			PenaltyFee:     mustDecimal("10"),
			PenaltyPercent: mustDecimal("5"),
		},
		Product{
			Code:                   "MOPAO",
			Name:                   "Mopao fixed-fee credit",
			Currency:               domain.CurrencyUSD,
			Frequency:              domain.FrequencyOnce,
			Installments:           1,
			TermDays:               30,
			MinAmount:              mustDecimal("50"),
			MaxAmount:              mustDecimal("500"),
			SavingsCoveragePercent: mustDecimal("50"),
			CautionPercent:         mustDecimal("30"),
			Regularity:             Regularity{Mode: RegularityDistinctDays, Required: 26, WindowDays: 35},
			DefaultLookbackMonths:  6,
			FeeBrackets:            []FeeBracket{{Ceiling: mustDecimal("500"), Fee: mustDecimal("10")}},
			PenaltyFee:             mustDecimal("5"),
			PenaltyPercent:         mustDecimal("2"),
		},
		Product{
			Code:                   "VIMBISA",
			Name:                   "Vimbisa weekly credit",
			Currency:               domain.CurrencyCDF,
			Frequency:              domain.FrequencyWeekly,
			Installments:           8,
			TermDays:               56,
			AllowedAmounts:         []decimal.Decimal{mustDecimal("50000"), mustDecimal("100000"), mustDecimal("150000"), mustDecimal("200000")},
			SavingsCoveragePercent: mustDecimal("30"),
			CautionPercent:         mustDecimal("30"),
			Regularity:             Regularity{Mode: RegularityDepositCount, Required: 6, WindowDays: 45},
			DefaultLookbackMonths:  6,
			FeeBrackets: []FeeBracket{
				{Ceiling: mustDecimal("100000"), Fee: mustDecimal("5000")},
				{Ceiling: mustDecimal("200000"), Fee: mustDecimal("10000")},
			},
			PenaltyFee:     mustDecimal("2500"),
			PenaltyPercent: mustDecimal("5"),
		},
		Product{
			Code:                   "LIKELEMBA",
			Name:                   "Likelemba savings-group credit",
			Currency:               domain.CurrencyUSD,
			Frequency:              domain.FrequencyMonthly,
			DurationsMonths:        []int{3, 6},
			MinAmount:              mustDecimal("100"),
			MaxAmount:              mustDecimal("1000"),
			SavingsCoveragePercent: mustDecimal("50"),
			CautionPercent:         mustDecimal("20"),
			Regularity:             Regularity{Mode: RegularitySavingsCycles, Required: 3},
			DefaultLookbackMonths:  6,
			FeeBrackets:            []FeeBracket{{Ceiling: mustDecimal("1000"), Fee: mustDecimal("5")}},
			InterestTable: []InterestRate{
				{DurationMonths: 3, MinAmount: mustDecimal("100"), RatePercent: mustDecimal("3")},
				{DurationMonths: 6, MinAmount: mustDecimal("100"), RatePercent: mustDecimal("5")},
			},
			PenaltyFee:     mustDecimal("5"),
			PenaltyPercent: mustDecimal("3"),
		},
		Product{
			Code:                 "S04",
			Name:                 "S04 allocation credit line",
			Currency:             domain.CurrencyUSD,
			Frequency:            domain.FrequencyOnce,
			TermDays:             30,
			MinAmount:            mustDecimal("1"),
			MaxAmount:            mustDecimal("5000"),
			Regularity:           Regularity{Mode: RegularityNone},
			UsesAllocationBuffer: true,
			CommissionRate:       mustDecimal("0.1"),
		},
	)
}
