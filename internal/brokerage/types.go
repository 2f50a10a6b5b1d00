// Package brokerage provides the tastytrade API client. The rest of
// the system consumes it through the Client interface so tests can
// substitute a fake.
package brokerage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"options-trade-tracker/internal/position"
)

// ErrUnavailable wraps transient network or API failures. A pipeline
// run that hits it aborts cleanly without committing anything.
var ErrUnavailable = errors.New("brokerage unavailable")

// Client is the opaque brokerage capability the pipeline depends on.
type Client interface {
	// GetAccounts returns the customer's account numbers.
	GetAccounts(ctx context.Context) ([]string, error)

	// GetPositions returns current positions for an account.
	GetPositions(ctx context.Context, account string) ([]Position, error)

	// GetMarketMetrics returns IV metrics for a set of underlyings.
	GetMarketMetrics(ctx context.Context, symbols []string) ([]MarketMetric, error)

	// GetMark returns the current mark for an instrument symbol.
	GetMark(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Position is one leg of exposure as reported by the API.
type Position struct {
	Symbol            string          `json:"symbol"`
	InstrumentType    string          `json:"instrument-type"` // "Equity" or "Equity Option"
	UnderlyingSymbol  string          `json:"underlying-symbol"`
	Quantity          decimal.Decimal `json:"quantity"`
	QuantityDirection string          `json:"quantity-direction"` // "Long", "Short", "Zero"
	AverageOpenPrice  decimal.Decimal `json:"average-open-price"`
	ClosePrice        decimal.Decimal `json:"close-price"`
	Multiplier        decimal.Decimal `json:"multiplier"`
	ExpiresAt         string          `json:"expires-at,omitempty"`
}

// SignedQuantity returns the quantity with short positions negative.
func (p Position) SignedQuantity() decimal.Decimal {
	if p.QuantityDirection == "Short" {
		return p.Quantity.Abs().Neg()
	}
	return p.Quantity.Abs()
}

// ToRecord converts an API position into a position record. Option
// attributes are parsed from the OCC symbol.
func (p Position) ToRecord(observedAt time.Time) position.Record {
	rec := position.Record{
		Underlying:   p.UnderlyingSymbol,
		Kind:         position.KindEquity,
		Right:        position.RightNone,
		Quantity:     p.SignedQuantity(),
		AveragePrice: p.AverageOpenPrice,
		MarkPrice:    p.ClosePrice,
		ObservedAt:   observedAt,
	}

	if opt, ok := ParseOCCSymbol(p.Symbol); ok {
		rec.Kind = position.KindOption
		rec.Underlying = opt.Underlying
		rec.Expiration = &opt.Expiration
		rec.Strike = opt.Strike
		rec.Right = opt.Right
	}

	rec.IdentityKey = position.IdentityKey(rec)
	return rec
}

// MarketMetric carries the externally computed volatility metrics for
// one underlying.
type MarketMetric struct {
	Symbol          string  `json:"symbol"`
	IVRank          float64 `json:"implied-volatility-index-rank,string"`
	IVPercentile    float64 `json:"implied-volatility-percentile,string"`
	LiquidityRating int     `json:"liquidity-rating"`
}
