// Package position defines position records, identity keys, and the
// snapshot differ that turns two position lists into trade events.
package position

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Instrument kind constants
const (
	KindEquity = "EQUITY"
	KindOption = "OPTION"
)

// Option right constants
const (
	RightCall = "CALL"
	RightPut  = "PUT"
	RightNone = "NONE"
)

// Record represents one leg of brokerage exposure at a point in time.
// Quantity is signed: negative means short (credit) exposure.
type Record struct {
	IdentityKey  string          `json:"identity_key"`
	Underlying   string          `json:"underlying_symbol"`
	Kind         string          `json:"instrument_kind"` // EQUITY or OPTION
	Expiration   *time.Time      `json:"expiration,omitempty"`
	Strike       decimal.Decimal `json:"strike"`
	Right        string          `json:"option_right"` // CALL, PUT, or NONE
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	MarkPrice    decimal.Decimal `json:"mark_price"` // last quoted mark at observation time
	ObservedAt   time.Time       `json:"observed_at"`
}

// Multiplier returns the contract multiplier for the instrument.
func (r Record) Multiplier() decimal.Decimal {
	if r.Kind == KindOption {
		return decimal.NewFromInt(100)
	}
	return decimal.NewFromInt(1)
}

// IsShort reports whether the record is a short (credit) position.
func (r Record) IsShort() bool {
	return r.Quantity.IsNegative()
}

// Snapshot is an immutable set of position records for one account,
// captured by a single detector run. Identity keys are unique within
// a snapshot.
type Snapshot struct {
	ID      string    `json:"id"`
	Account string    `json:"account"`
	TakenAt time.Time `json:"taken_at"`
	Records []Record  `json:"records"`
}

// NewSnapshot builds a snapshot, deriving identity keys for every record.
func NewSnapshot(account string, takenAt time.Time, records []Record) Snapshot {
	for i := range records {
		records[i].IdentityKey = IdentityKey(records[i])
		records[i].ObservedAt = takenAt
	}
	return Snapshot{
		ID:      uuid.NewString(),
		Account: account,
		TakenAt: takenAt,
		Records: records,
	}
}

// ByKey returns an identity key -> record index of the snapshot.
// Zero-quantity records are skipped; they carry no economic exposure.
func (s Snapshot) ByKey() map[string]Record {
	m := make(map[string]Record, len(s.Records))
	for _, rec := range s.Records {
		if rec.Quantity.IsZero() {
			continue
		}
		m[rec.IdentityKey] = rec
	}
	return m
}
