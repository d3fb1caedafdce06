// Package normalize scales raw sensor values into [0,1] and partitions the
// vertical axis between the sensor groups visible in a window.
package normalize

import (
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ConstantValue is the normalized value reported for a sensor whose observed
// minimum equals its maximum.
const ConstantValue = 0.5

// Value returns (raw-min)/(max-min) clamped to [0,1]. A constant signal
// (max == min) yields ConstantValue.
func Value(raw, min, max float64) float64 {
	if max == min {
		return ConstantValue
	}
	v := (raw - min) / (max - min)
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ObservedRange returns the minimum and maximum of values. ok is false when
// values is empty.
func ObservedRange(values []float64) (min, max float64, ok bool) {
	if len(values) == 0 {
		return 0, 0, false
	}
	return floats.Min(values), floats.Max(values), true
}

// Interval is a group's half-open slice [Min, Max) of the normalized axis.
type Interval struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Width returns Max - Min.
func (iv Interval) Width() float64 {
	return iv.Max - iv.Min
}

// Scale maps a normalized value in [0,1] into the interval.
func (iv Interval) Scale(v float64) float64 {
	return iv.Min + v*iv.Width()
}

// Groups returns the distinct names in sorted order.
func Groups(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Intervals assigns each distinct group the k-th of N equal-width intervals
// of [0,1), ordered by name. Boundaries are computed as k/N so the last
// interval ends at exactly 1.
func Intervals(names []string) map[string]Interval {
	groups := Groups(names)
	n := float64(len(groups))
	out := make(map[string]Interval, len(groups))
	for k, g := range groups {
		out[g] = Interval{
			Min: float64(k) / n,
			Max: float64(k+1) / n,
		}
	}
	return out
}
