// Package oracle converts escrowed amounts into USD for reporting. Prices never
// influence escrow or dispute logic.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrUnknownAsset = errors.New("oracle: unknown asset")

// Price is the USD value of one whole unit of an asset. Decimals is the number
// of smallest units per whole unit, as a power of ten.
type Price struct {
	USD      decimal.Decimal
	Decimals int32
}

// Quoter supplies prices.
type Quoter interface {
	Quote(ctx context.Context, asset string) (Price, error)
}

// Valuation is an amount expressed in USD.
type Valuation struct {
	Asset  string          `json:"asset"`
	Amount uint64          `json:"amount"`
	Units  decimal.Decimal `json:"units"`
	Price  decimal.Decimal `json:"price_usd"`
	USD    decimal.Decimal `json:"value_usd"`
}

// Value prices amount smallest units of asset, rounded to cents.
func Value(ctx context.Context, q Quoter, asset string, amount uint64) (Valuation, error) {
	p, err := q.Quote(ctx, asset)
	if err != nil {
		return Valuation{}, err
	}
	units := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -p.Decimals)
	return Valuation{
		Asset:  asset,
		Amount: amount,
		Units:  units,
		Price:  p.USD,
		USD:    units.Mul(p.USD).Round(2),
	}, nil
}

// Static is a fixed price table.
type Static map[string]Price

func (s Static) Quote(_ context.Context, asset string) (Price, error) {
	p, ok := s[asset]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return p, nil
}

// ParseStatic reads a table in the form "USDC=1.00:6,SOL=142.10:9".
func ParseStatic(table string) (Static, error) {
	out := make(Static)
	for _, entry := range strings.Split(table, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		asset, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("oracle: entry %q: missing '='", entry)
		}
		price, dec, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("oracle: entry %q: missing decimals", entry)
		}
		usd, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("oracle: entry %q: %w", entry, err)
		}
		if usd.IsNegative() {
			return nil, fmt.Errorf("oracle: entry %q: negative price", entry)
		}
		d, err := strconv.ParseInt(dec, 10, 32)
		if err != nil || d < 0 || d > 18 {
			return nil, fmt.Errorf("oracle: entry %q: invalid decimals", entry)
		}
		out[strings.TrimSpace(asset)] = Price{USD: usd, Decimals: int32(d)}
	}
	return out, nil
}
