package position

import (
	"fmt"
	"strings"
)

// IdentityKey derives the stable identity of a position from its
// instrument attributes. Quantity and price are deliberately excluded:
// they change over a position's life while its identity must not.
//
// The key is a delimited tuple rather than a hash so that distinct
// instruments can never collide:
//
//	SPY|OPTION|2026-02-20|565|PUT
//	AAPL|EQUITY|-|-|-
func IdentityKey(r Record) string {
	expiration := "-"
	if r.Expiration != nil {
		expiration = r.Expiration.Format("2006-01-02")
	}

	strike := "-"
	if r.Kind == KindOption {
		strike = r.Strike.String()
	}

	right := r.Right
	if right == "" || right == RightNone {
		right = "-"
	}

	return fmt.Sprintf("%s|%s|%s|%s|%s",
		strings.ToUpper(strings.TrimSpace(r.Underlying)),
		r.Kind,
		expiration,
		strike,
		right,
	)
}

// UnderlyingFromKey extracts the underlying symbol from an identity key.
func UnderlyingFromKey(key string) string {
	if i := strings.IndexByte(key, '|'); i > 0 {
		return key[:i]
	}
	return key
}

// KindFromKey extracts the instrument kind from an identity key.
// Malformed keys default to OPTION, the common case for this journal.
func KindFromKey(key string) string {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) < 2 {
		return KindOption
	}
	return parts[1]
}

// MultiplierForKey returns the contract multiplier for an identity key.
func MultiplierForKey(key string) int64 {
	if KindFromKey(key) == KindOption {
		return 100
	}
	return 1
}
