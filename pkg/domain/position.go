package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// inTxScale is the decimal exponent used for the in-transaction suborder.
// A single push transaction may therefore carry at most 10000 events.
const inTxScale = 4

// Position orders events across the whole log. The ordinal is assigned
// once per push transaction from a monotonic counter, so ordinal order
// equals commit order. InTxOrder preserves the caller-supplied order of
// events committed by the same transaction.
type Position struct {
	Ordinal   int64
	InTxOrder uint32
}

// Compare returns -1, 0 or 1 depending on whether p orders before, equal
// to, or after other.
func (p Position) Compare(other Position) int {
	switch {
	case p.Ordinal < other.Ordinal:
		return -1
	case p.Ordinal > other.Ordinal:
		return 1
	case p.InTxOrder < other.InTxOrder:
		return -1
	case p.InTxOrder > other.InTxOrder:
		return 1
	}
	return 0
}

// Before reports whether p orders strictly before other.
func (p Position) Before(other Position) bool {
	return p.Compare(other) < 0
}

// IsZero reports whether p is the zero position, i.e. before every event.
func (p Position) IsZero() bool {
	return p.Ordinal == 0 && p.InTxOrder == 0
}

// Decimal returns the position as a single decimal value, the ordinal in
// the integer part and the in-transaction suborder in the fraction.
func (p Position) Decimal() decimal.Decimal {
	return decimal.NewFromInt(p.Ordinal).
		Add(decimal.New(int64(p.InTxOrder), -inTxScale))
}

// PositionFromDecimal reverses Decimal. It is used when positions travel
// through external surfaces as a single number.
func PositionFromDecimal(d decimal.Decimal) Position {
	ordinal := d.IntPart()
	frac := d.Sub(decimal.NewFromInt(ordinal)).Shift(inTxScale)
	return Position{Ordinal: ordinal, InTxOrder: uint32(frac.IntPart())}
}

func (p Position) String() string {
	return fmt.Sprintf("%d.%04d", p.Ordinal, p.InTxOrder)
}
