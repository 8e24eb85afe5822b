package circuits

import "math/bits"

// bit is a 0/1 value used in place of bool so that selects compile to
// arithmetic rather than branches.
type bit = uint64

// geq returns 1 when a >= b. The borrow of a-b is 1 exactly when a < b.
func geq(a, b uint64) bit {
	_, borrow := bits.Sub64(a, b, 0)
	return borrow ^ 1
}

// and returns a & b for 0/1 inputs.
func and(a, b bit) bit { return a & b }

// selectU64 returns ifTrue when cond is 1 and ifFalse when cond is 0.
// Both arms are always evaluated by the caller.
func selectU64(cond bit, ifTrue, ifFalse uint64) uint64 {
	mask := -cond
	return (ifTrue & mask) | (ifFalse &^ mask)
}

func toBool(b bit) bool { return b == 1 }

func fromBool(v bool) bit {
	var b bit
	if v {
		b = 1
	}
	return b
}
