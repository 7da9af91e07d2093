package executor

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/HatiCode/evolvecast/pkg/models"
)

// ConstraintBounds returns [min - c*std, max + c*std] over the observed
// values of history. ok is false when nothing was observed.
func ConstraintBounds(history []float64, c float64) (lo, hi float64, ok bool) {
	var sum, sumSq float64
	n := 0
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range history {
		if math.IsNaN(v) {
			continue
		}
		n++
		sum += v
		sumSq += v * v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if n == 0 {
		return 0, 0, false
	}
	mean := sum / float64(n)
	std := math.Sqrt(math.Max(0, sumSq/float64(n)-mean*mean))
	return lo - c*std, hi + c*std, true
}

// Clip clamps every value of fc into [lo, hi]. Clamping is monotonic, so
// lower <= point <= upper still holds afterwards.
func Clip(fc models.Forecast, lo, hi float64) {
	for _, vs := range [][]float64{fc.Point, fc.Lower, fc.Upper} {
		for i, v := range vs {
			vs[i] = clamp(v, lo, hi)
		}
	}
}

func clamp(x, lo, hi float64) float64 {
	if x > hi {
		return hi
	}
	if x < lo {
		return lo
	}
	return x
}

// ParseInterval parses a prediction interval from either p-notation (p90)
// or decimal notation (0.9).
//
// Examples:
//   - "p80" → 0.80
//   - "p95" → 0.95
//   - "0.9" → 0.90
func ParseInterval(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), "p") {
		percentile, err := strconv.ParseFloat(s[1:], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid p-notation %q: %w", s, err)
		}
		s = strconv.FormatFloat(percentile/100, 'f', -1, 64)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid prediction interval %q: %w", s, err)
	}
	if v <= 0 || v >= 1 {
		return 0, fmt.Errorf("prediction interval %v out of range (0, 1)", v)
	}
	return v, nil
}

// FormatInterval formats an interval in p-notation for display.
func FormatInterval(v float64) string {
	percentile := v * 100
	if math.Abs(percentile-math.Round(percentile)) < 1e-9 {
		return fmt.Sprintf("p%d", int(math.Round(percentile)))
	}
	return fmt.Sprintf("p%.1f", percentile)
}
