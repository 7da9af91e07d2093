package models

import "math"

// IntervalZ returns the standard normal quantile bounding a two-sided
// interval of the given probability (1.645 for 0.9).
func IntervalZ(interval float64) float64 {
	return math.Sqrt2 * math.Erfinv(interval)
}

// QuantileZ returns the standard normal quantile of probability q.
func QuantileZ(q float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*q-1)
}

// normalBounds builds symmetric bounds around point. spread(h) scales sigma
// at step h (0-based) so uncertainty can grow with the horizon.
func normalBounds(point []float64, sigma, interval float64, spread func(h int) float64) (lower, upper []float64) {
	z := IntervalZ(interval)
	lower = make([]float64, len(point))
	upper = make([]float64, len(point))
	for h, v := range point {
		w := z * sigma
		if spread != nil {
			w *= spread(h)
		}
		lower[h] = v - w
		upper[h] = v + w
	}
	return lower, upper
}

// sqrtSpread grows uncertainty like a random walk.
func sqrtSpread(h int) float64 {
	return math.Sqrt(float64(h + 1))
}
