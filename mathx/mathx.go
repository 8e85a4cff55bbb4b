// Package mathx holds small numeric helpers shared by the reduction code.
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// NaN and Inf pass through unchanged.
func Round(x, unit float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x/unit) * unit
}

// Mean returns the arithmetic mean of xs, or NaN for an empty slice
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Finite is true if x is neither NaN nor +/-Inf
func Finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
