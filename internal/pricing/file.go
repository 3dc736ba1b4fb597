package pricing

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/meter-pay/meter_pay/internal/ledger"
	"github.com/meter-pay/meter_pay/internal/utility"
)

type priceFile struct {
	Prices []priceEntry `yaml:"prices"`
}

type priceEntry struct {
	Utility      string `yaml:"utility"`
	PricePerUnit string `yaml:"price_per_unit"`
	Currency     string `yaml:"currency"`
	UnitLabel    string `yaml:"unit_label"`
}

// LoadFile reads a YAML price table from path.
func LoadFile(path string) ([]ledger.UnitPrice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML price table.
func Parse(data []byte) ([]ledger.UnitPrice, error) {
	var f priceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode price file: %w", err)
	}
	out := make([]ledger.UnitPrice, 0, len(f.Prices))
	seen := make(map[utility.Type]bool)
	for i, e := range f.Prices {
		u, err := utility.Parse(e.Utility)
		if err != nil {
			return nil, fmt.Errorf("price %d: %w", i, err)
		}
		if seen[u] {
			return nil, fmt.Errorf("price %d: duplicate entry for %s", i, u)
		}
		seen[u] = true
		price, err := decimal.NewFromString(e.PricePerUnit)
		if err != nil {
			return nil, fmt.Errorf("price %d: invalid price_per_unit %q: %w", i, e.PricePerUnit, err)
		}
		currency := e.Currency
		if currency == "" {
			currency = defaultCurrency
		}
		out = append(out, ledger.UnitPrice{Utility: u, PricePerUnit: price, Currency: currency, UnitLabel: e.UnitLabel})
	}
	return out, nil
}
