package brokerage

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"options-trade-tracker/internal/position"
)

// OCCOption is the decomposition of an OCC option symbol such as
// "SPY   260220P00565000": padded root, yymmdd expiration, C/P, and
// strike in thousandths.
type OCCOption struct {
	Underlying string
	Expiration time.Time
	Strike     decimal.Decimal
	Right      string
}

// ParseOCCSymbol parses an OCC-format option symbol. Returns false for
// anything that does not look like one (equities, malformed symbols).
func ParseOCCSymbol(symbol string) (OCCOption, bool) {
	// Root is space-padded to 6 characters; the tail is always 15:
	// 6 date digits, 1 right char, 8 strike digits.
	if len(symbol) < 16 {
		return OCCOption{}, false
	}

	tail := symbol[len(symbol)-15:]
	root := strings.TrimSpace(symbol[:len(symbol)-15])
	if root == "" {
		return OCCOption{}, false
	}

	expiration, err := time.Parse("060102", tail[:6])
	if err != nil {
		return OCCOption{}, false
	}

	var right string
	switch tail[6] {
	case 'C':
		right = position.RightCall
	case 'P':
		right = position.RightPut
	default:
		return OCCOption{}, false
	}

	strikeRaw, err := decimal.NewFromString(tail[7:])
	if err != nil {
		return OCCOption{}, false
	}

	return OCCOption{
		Underlying: root,
		Expiration: expiration,
		Strike:     strikeRaw.Div(decimal.NewFromInt(1000)),
		Right:      right,
	}, true
}
