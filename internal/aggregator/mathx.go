package aggregator

import "golang.org/x/exp/constraints"

// clamp limits v to [lo, hi], adapted from the teacher's x/mathx.Clamp
// (golang.org/x/exp/constraints generic helper) for the
// consumption-clamped-at-zero computations of spec.md §4.4.
func clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
