package position

import (
	"github.com/shopspring/decimal"
)

// QuantityChange describes a position whose quantity changed between
// snapshots without the position disappearing or reversing direction.
type QuantityChange struct {
	Key   string
	Prev  Record
	Curr  Record
	Delta decimal.Decimal // Curr.Quantity - Prev.Quantity
}

// Reduced reports whether the change shrank the position's magnitude
// (a partial close). The opposite is an add.
func (c QuantityChange) Reduced() bool {
	return c.Curr.Quantity.Abs().LessThan(c.Prev.Quantity.Abs())
}

// DiffResult classifies every identity key across two snapshots.
// The four event sets are disjoint.
type DiffResult struct {
	// Baseline is true when there was no previous snapshot. No events
	// are emitted; the current snapshot only establishes the baseline.
	Baseline bool

	New       []Record         // in S1, absent or zero in S0
	Closed    []Record         // nonzero in S0, absent or zero in S1; carries S0 data
	Changed   []QuantityChange // present in both, different nonzero quantities, same direction
	Unchanged []string         // identity keys with equal quantities
}

// Counts returns the event counts for run reporting.
func (d DiffResult) Counts() (newN, closedN, changedN, unchangedN int) {
	return len(d.New), len(d.Closed), len(d.Changed), len(d.Unchanged)
}

// Diff compares two snapshots by identity key. prev may be nil on the
// first run ever, in which case only the baseline is established.
//
// A direction reversal (long -> short or short -> long on the same
// identity key) is split into one Closed and one New event: identity
// survives the reversal but economic exposure does not carry over.
func Diff(prev *Snapshot, curr Snapshot) DiffResult {
	if prev == nil {
		return DiffResult{Baseline: true}
	}

	prevByKey := prev.ByKey()
	currByKey := curr.ByKey()

	var result DiffResult

	for key, currRec := range currByKey {
		prevRec, existed := prevByKey[key]
		if !existed {
			result.New = append(result.New, currRec)
			continue
		}

		switch {
		case prevRec.Quantity.Equal(currRec.Quantity):
			result.Unchanged = append(result.Unchanged, key)
		case prevRec.Quantity.Sign() != currRec.Quantity.Sign():
			// Direction reversal: close out the old exposure, open the new.
			result.Closed = append(result.Closed, prevRec)
			result.New = append(result.New, currRec)
		default:
			result.Changed = append(result.Changed, QuantityChange{
				Key:   key,
				Prev:  prevRec,
				Curr:  currRec,
				Delta: currRec.Quantity.Sub(prevRec.Quantity),
			})
		}
	}

	for key, prevRec := range prevByKey {
		if _, stillOpen := currByKey[key]; !stillOpen {
			result.Closed = append(result.Closed, prevRec)
		}
	}

	return result
}
