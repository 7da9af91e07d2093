package models

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// BaselineModel combines:
//   - Linear trend detection (slope from recent history)
//   - Momentum detection (acceleration/deceleration)
//   - A seasonal profile over a configurable period
//
// Algorithm:
//  1. Training: remove a global linear trend and learn per-phase statistics
//     of the residuals
//  2. Trend: slope via linear regression over the trailing window
//  3. Momentum: compare recent vs older slopes
//  4. Forecast: for each future step h:
//     a. Base = last + slope*h + 0.5*acceleration*h²  (h capped at the window)
//     b. Seasonal adjustment: shift from the last phase to the future phase,
//     scaled by seasonal_weight
//  5. Optionally clamp to non-negative values
type BaselineModel struct {
	trendWindow    int
	momentum       bool
	period         int
	seasonalWeight float64
	nonNegative    bool

	mu     sync.RWMutex
	fitted bool
	n      int
	last   float64
	slope  float64
	accel  float64
	phases map[int]*seasonalPattern
	stdDev float64
}

// seasonalPattern holds statistical summary for a recurring pattern
type seasonalPattern struct {
	mean   float64 // average value at this phase
	max    float64 // maximum observed value
	min    float64 // minimum observed value
	count  int     // number of observations
	stddev float64 // standard deviation of values
}

func baselineFamily() *Family {
	return &Family{
		Name: Baseline,
		Schema: []Param{
			{Name: "trend_window", Kind: KindInt, Min: 3, Max: 60, Default: 10},
			{Name: "momentum", Kind: KindBool, Default: true},
			{Name: "period", Kind: KindInt, Min: 0, Max: 366, Common: []float64{0, 7, 12, 24, 52}, Default: 0},
			{Name: "seasonal_weight", Kind: KindFloat, Min: 0, Max: 1, Default: 0.5},
			{Name: "nonnegative", Kind: KindBool, Default: false},
		},
		New: func(p Params) (Model, error) {
			return NewBaselineModel(p.Int("trend_window"), p.Bool("momentum"), p.Int("period"),
				p.Float("seasonal_weight"), p.Bool("nonnegative")), nil
		},
	}
}

// NewBaselineModel creates a new baseline forecasting model. A period below 2
// disables seasonality.
func NewBaselineModel(trendWindow int, momentum bool, period int, seasonalWeight float64, nonNegative bool) *BaselineModel {
	return &BaselineModel{
		trendWindow:    max(trendWindow, 2),
		momentum:       momentum,
		period:         period,
		seasonalWeight: seasonalWeight,
		nonNegative:    nonNegative,
	}
}

// Name returns the model identifier.
func (m *BaselineModel) Name() string {
	return fmt.Sprintf("baseline(w=%d,p=%d)", m.trendWindow, m.period)
}

// Fit learns trend, momentum and the seasonal profile.
//
// Each phase needs at least 2 observations to establish a pattern.
func (m *BaselineModel) Fit(ctx context.Context, s Series) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSeries(s, 2); err != nil {
		return err
	}
	values := s.Values

	phases := make(map[int]*seasonalPattern)
	if m.period > 1 && len(values) >= 2*m.period {
		intercept, slope := linearFit(values)
		byPhase := make(map[int][]float64)
		for t, v := range values {
			byPhase[t%m.period] = append(byPhase[t%m.period], v-(intercept+slope*float64(t)))
		}
		for phase, vals := range byPhase {
			if len(vals) >= 2 {
				phases[phase] = computeSeasonalPattern(vals)
			}
		}
	}

	// Estimate overall uncertainty from seasonal variation, falling back to
	// the spread of one-step changes.
	totalStdDev := 0.0
	patternCount := 0
	for _, pattern := range phases {
		if pattern.stddev > 0 {
			totalStdDev += pattern.stddev
			patternCount++
		}
	}
	stdDev := 0.0
	if patternCount > 0 {
		stdDev = totalStdDev / float64(patternCount)
	} else if pattern := computeSeasonalPattern(difference(values, 1)); pattern != nil {
		stdDev = pattern.stddev
	}

	accel := 0.0
	if m.momentum {
		accel = detectMomentum(values, m.trendWindow)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.n = len(values)
	m.last = values[len(values)-1]
	m.slope = detectTrend(values, m.trendWindow)
	m.accel = accel
	m.phases = phases
	m.stdDev = stdDev
	m.fitted = true
	return nil
}

// computeSeasonalPattern calculates statistical summary from a set of values
func computeSeasonalPattern(values []float64) *seasonalPattern {
	if len(values) == 0 {
		return nil
	}

	sum := 0.0
	lo := values[0]
	hi := values[0]

	for _, v := range values {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	stddev := 0.0
	if len(values) > 1 {
		stddev = math.Sqrt(variance / float64(len(values)-1))
	}

	return &seasonalPattern{
		mean:   mean,
		min:    lo,
		max:    hi,
		count:  len(values),
		stddev: stddev,
	}
}

// Predict extrapolates trend and momentum and adds the seasonal shift.
func (m *BaselineModel) Predict(ctx context.Context, req Request) (Forecast, error) {
	if err := ctx.Err(); err != nil {
		return Forecast{}, err
	}
	if err := validateRequest(req); err != nil {
		return Forecast{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.fitted {
		return Forecast{}, ErrNotFitted
	}

	lastPhase := m.phases[(m.n-1)%max(m.period, 1)]

	point := make([]float64, req.Horizon)
	for h := range point {
		t := float64(h + 1)
		tc := math.Min(t, float64(m.trendWindow))
		pred := m.last + m.slope*t + 0.5*m.accel*tc*tc

		if lastPhase != nil {
			if future, ok := m.phases[(m.n+h)%m.period]; ok {
				pred += m.seasonalWeight * (future.mean - lastPhase.mean)
			}
		}

		if m.nonNegative && pred < 0 {
			pred = 0
		}
		point[h] = pred
	}

	lower, upper := normalBounds(point, m.stdDev, req.Interval, sqrtSpread)
	if m.nonNegative {
		for i := range lower {
			lower[i] = math.Max(0, lower[i])
		}
	}
	return Forecast{Point: point, Lower: lower, Upper: upper}, nil
}

// detectTrend computes the slope per step over the trailing window using
// simple linear regression.
func detectTrend(values []float64, windowSize int) float64 {
	if len(values) < 2 {
		return 0
	}
	windowSize = min(windowSize, len(values))
	_, slope := linearFit(values[len(values)-windowSize:])
	return slope
}

// detectMomentum computes acceleration by comparing the trend of the most
// recent window to the trend of the window before it.
//
// Positive momentum = accelerating upward
// Negative momentum = decelerating or accelerating downward
func detectMomentum(values []float64, windowSize int) float64 {
	if len(values) < 6 {
		return 0
	}
	windowSize = min(windowSize, len(values)/2)
	recent := values[len(values)-windowSize:]
	older := values[len(values)-2*windowSize : len(values)-windowSize]

	return (detectTrend(recent, windowSize) - detectTrend(older, windowSize)) / float64(windowSize)
}

// linearFit returns the least-squares intercept and slope of y against 0..n-1.
func linearFit(y []float64) (intercept, slope float64) {
	n := float64(len(y))
	if n == 0 {
		return 0, 0
	}
	sumX, sumY, sumXY, sumX2 := 0.0, 0.0, 0.0, 0.0
	for i, v := range y {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumX2 += x * x
	}
	denominator := n*sumX2 - sumX*sumX
	if denominator == 0 {
		return sumY / n, 0
	}
	slope = (n*sumXY - sumX*sumY) / denominator
	intercept = (sumY - slope*sumX) / n
	return intercept, slope
}
