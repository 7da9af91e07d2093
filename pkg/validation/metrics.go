package validation

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/HatiCode/evolvecast/pkg/models"
)

// Metric names, as used in weight configuration.
const (
	SMAPE       = "smape"
	MAE         = "mae"
	RMSE        = "rmse"
	MADE        = "made"
	SPL         = "spl"
	Contour     = "contour"
	Containment = "containment"
	Runtime     = "runtime"
)

// MetricNames lists every metric in a stable order.
var MetricNames = []string{SMAPE, MAE, RMSE, MADE, SPL, Contour, Containment, Runtime}

// Metrics are the accuracy measures of one series on one holdout. Values
// are already on a comparable scale: smape is a fraction, mae, rmse, made
// and spl are divided by the series' mean absolute one-step change over the
// training slice, contour and containment are in [0, 1] and runtime is in
// seconds.
type Metrics struct {
	SMAPE       float64 `json:"smape"`
	MAE         float64 `json:"mae"`
	RMSE        float64 `json:"rmse"`
	MADE        float64 `json:"made"`
	SPL         float64 `json:"spl"`
	Contour     float64 `json:"contour"`
	Containment float64 `json:"containment"`
	Runtime     float64 `json:"runtime"`
}

// Get returns the named metric.
func (m Metrics) Get(name string) float64 {
	switch name {
	case SMAPE:
		return m.SMAPE
	case MAE:
		return m.MAE
	case RMSE:
		return m.RMSE
	case MADE:
		return m.MADE
	case SPL:
		return m.SPL
	case Contour:
		return m.Contour
	case Containment:
		return m.Containment
	case Runtime:
		return m.Runtime
	}
	return math.NaN()
}

// Holdout is what metrics need to know about the truth: the holdout values
// (NaN where missing), the last observed training value and the error scale.
type Holdout struct {
	Actual []float64
	Last   float64
	Scale  float64
}

// NewHoldout builds a Holdout from the training slice and the actual values.
// The scale is the mean absolute one-step change of the training values,
// falling back to their mean absolute level and then to 1.
func NewHoldout(train, actual []float64) Holdout {
	h := Holdout{Actual: slices.Clone(actual), Last: math.NaN(), Scale: 1}
	var diffSum, levelSum float64
	var diffs, levels int
	prev := math.NaN()
	for _, v := range train {
		if math.IsNaN(v) {
			continue
		}
		levelSum += math.Abs(v)
		levels++
		if !math.IsNaN(prev) {
			diffSum += math.Abs(v - prev)
			diffs++
		}
		prev = v
	}
	h.Last = prev
	switch {
	case diffs > 0 && diffSum > 0:
		h.Scale = diffSum / float64(diffs)
	case levels > 0 && levelSum > 0:
		h.Scale = levelSum / float64(levels)
	}
	return h
}

// ComputeMetrics scores a forecast against a holdout. Steps with a missing
// actual value are skipped. It fails if the forecast does not cover the
// holdout or no step is observed.
func ComputeMetrics(h Holdout, fc models.Forecast, interval float64, runtime time.Duration) (Metrics, error) {
	n := len(h.Actual)
	if len(fc.Point) < n || len(fc.Lower) < n || len(fc.Upper) < n {
		return Metrics{}, fmt.Errorf("forecast has %d steps, holdout %d", len(fc.Point), n)
	}
	qLow := (1 - interval) / 2
	qHigh := 1 - qLow

	var (
		m                            Metrics
		observed, contained          int
		absSum, sqSum, smapeSum, spl float64
		diffErr                      float64
		diffs, agree                 int
	)
	prevActual, prevPoint := h.Last, h.Last
	for i := 0; i < n; i++ {
		a, p := h.Actual[i], fc.Point[i]
		if math.IsNaN(a) {
			prevPoint = p
			continue
		}
		observed++
		e := p - a
		absSum += math.Abs(e)
		sqSum += e * e
		if d := math.Abs(p) + math.Abs(a); d > 0 {
			smapeSum += 2 * math.Abs(e) / d
		}
		spl += pinball(a, fc.Lower[i], qLow) + pinball(a, fc.Upper[i], qHigh)
		if fc.Lower[i] <= a && a <= fc.Upper[i] {
			contained++
		}
		if !math.IsNaN(prevActual) {
			da, dp := a-prevActual, p-prevPoint
			diffErr += math.Abs(dp - da)
			diffs++
			if sign(da) == sign(dp) {
				agree++
			}
		}
		prevActual, prevPoint = a, p
	}
	if observed == 0 {
		return Metrics{}, fmt.Errorf("holdout has no observations")
	}

	k := float64(observed)
	m.SMAPE = smapeSum / k
	m.MAE = absSum / k / h.Scale
	m.RMSE = math.Sqrt(sqSum/k) / h.Scale
	m.SPL = spl / k / h.Scale
	m.Containment = math.Abs(float64(contained)/k - interval)
	if diffs > 0 {
		m.MADE = diffErr / float64(diffs) / h.Scale
		m.Contour = 1 - float64(agree)/float64(diffs)
	}
	m.Runtime = runtime.Seconds()
	return m, nil
}

// AbsErrors returns the scaled absolute error of every step, NaN where the
// actual value is missing.
func AbsErrors(h Holdout, point []float64) []float64 {
	out := make([]float64, len(h.Actual))
	for i, a := range h.Actual {
		if math.IsNaN(a) || i >= len(point) {
			out[i] = math.NaN()
			continue
		}
		out[i] = math.Abs(point[i]-a) / h.Scale
	}
	return out
}

func pinball(actual, quantile, q float64) float64 {
	if actual >= quantile {
		return q * (actual - quantile)
	}
	return (1 - q) * (quantile - actual)
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// Degenerate reports whether a series cannot be meaningfully scored on a
// split: the holdout is entirely missing, or train and holdout together
// have zero variance.
func Degenerate(train, actual []float64) bool {
	first := math.NaN()
	constant := true
	holdoutObserved := false
	for _, v := range actual {
		if math.IsNaN(v) {
			continue
		}
		holdoutObserved = true
		if math.IsNaN(first) {
			first = v
		} else if v != first {
			constant = false
		}
	}
	if !holdoutObserved {
		return true
	}
	for _, v := range train {
		if !math.IsNaN(v) && v != first {
			constant = false
			break
		}
	}
	return constant
}
