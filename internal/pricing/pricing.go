package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/utility"
)

// ErrPriceNotConfigured is returned when a utility has no positive unit price.
var ErrPriceNotConfigured = errors.New("unit price not configured")

const defaultCurrency = "USD"

// Service resolves and maintains unit prices.
type Service struct {
	store ledger.Store
}

// NewService constructs a price service over the ledger store.
func NewService(store ledger.Store) *Service {
	return &Service{store: store}
}

// Lookup returns the configured price for u. A missing or non-positive price
// is an error; purchases are never priced at zero.
func (s *Service) Lookup(ctx context.Context, u utility.Type) (ledger.UnitPrice, error) {
	p, err := s.store.Price(ctx, u)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.UnitPrice{}, fmt.Errorf("%w: %s", ErrPriceNotConfigured, u)
		}
		return ledger.UnitPrice{}, err
	}
	if !p.PricePerUnit.IsPositive() {
		return ledger.UnitPrice{}, fmt.Errorf("%w: %s", ErrPriceNotConfigured, u)
	}
	return p, nil
}

// List returns every configured price.
func (s *Service) List(ctx context.Context) ([]ledger.UnitPrice, error) {
	return s.store.Prices(ctx)
}

// Set validates and stores a price.
func (s *Service) Set(ctx context.Context, p ledger.UnitPrice) error {
	if !p.Utility.Valid() {
		return fmt.Errorf("unknown utility type %q", p.Utility)
	}
	if !p.PricePerUnit.IsPositive() {
		return fmt.Errorf("price for %s must be positive", p.Utility)
	}
	if p.Currency == "" {
		p.Currency = defaultCurrency
	}
	return s.store.SetPrice(ctx, p)
}

// Seed stores every price in prices.
func (s *Service) Seed(ctx context.Context, prices []ledger.UnitPrice) error {
	for _, p := range prices {
		if err := s.Set(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// SeedMissing stores the prices whose utility has no row yet and reports how
// many were written. Prices changed by an operator survive restarts.
func (s *Service) SeedMissing(ctx context.Context, prices []ledger.UnitPrice) (int, error) {
	seeded := 0
	for _, p := range prices {
		_, err := s.store.Price(ctx, p.Utility)
		if err == nil {
			continue
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return seeded, err
		}
		if err := s.Set(ctx, p); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

// Defaults is the price table used when no price file is configured.
func Defaults() []ledger.UnitPrice {
	return []ledger.UnitPrice{
		{Utility: utility.Water, PricePerUnit: decimal.RequireFromString("1.50"), Currency: defaultCurrency, UnitLabel: "cubic meters"},
		{Utility: utility.Gas, PricePerUnit: decimal.RequireFromString("2.00"), Currency: defaultCurrency, UnitLabel: "cubic meters"},
		{Utility: utility.Energy, PricePerUnit: decimal.RequireFromString("0.13"), Currency: defaultCurrency, UnitLabel: "kWh"},
	}
}
