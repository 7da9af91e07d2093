package models

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
)

// LastValueModel repeats the last observation. Its interval grows like a
// random walk using the spread of one-step changes.
type LastValueModel struct {
	mu     sync.RWMutex
	fitted bool
	last   float64
	sigma  float64
}

func lastValueFamily() *Family {
	return &Family{
		Name: LastValue,
		New:  func(Params) (Model, error) { return &LastValueModel{}, nil },
	}
}

func (m *LastValueModel) Name() string { return LastValue }

func (m *LastValueModel) Fit(ctx context.Context, s Series) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSeries(s, 1); err != nil {
		return err
	}
	diffs := difference(s.Values, 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = s.Values[len(s.Values)-1]
	m.sigma = math.Sqrt(computeVariance(diffs))
	m.fitted = true
	return nil
}

func (m *LastValueModel) Predict(ctx context.Context, req Request) (Forecast, error) {
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
	point := make([]float64, req.Horizon)
	for i := range point {
		point[i] = m.last
	}
	lower, upper := normalBounds(point, m.sigma, req.Interval, sqrtSpread)
	return Forecast{Point: point, Lower: lower, Upper: upper}, nil
}

// AverageModel forecasts a flat line at the mean or median of a trailing window.
type AverageModel struct {
	method string
	window int

	mu     sync.RWMutex
	fitted bool
	level  float64
	sigma  float64
}

func averageFamily() *Family {
	return &Family{
		Name: Average,
		Schema: []Param{
			{Name: "method", Kind: KindChoice, Choices: []string{"mean", "median"}, Default: "mean"},
			{Name: "window", Kind: KindInt, Min: 0, Max: 365, Common: []float64{0, 7, 28, 90}, Default: 0},
		},
		New: func(p Params) (Model, error) {
			return &AverageModel{method: p.String("method"), window: p.Int("window")}, nil
		},
	}
}

func (m *AverageModel) Name() string {
	return fmt.Sprintf("average(%s,%d)", m.method, m.window)
}

func (m *AverageModel) Fit(ctx context.Context, s Series) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSeries(s, 1); err != nil {
		return err
	}
	window := s.Values
	if m.window > 0 && m.window < len(window) {
		window = window[len(window)-m.window:]
	}
	level := computeMean(window)
	if m.method == "median" {
		level = median(window)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = level
	m.sigma = math.Sqrt(computeVariance(window))
	m.fitted = true
	return nil
}

func (m *AverageModel) Predict(ctx context.Context, req Request) (Forecast, error) {
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
	point := make([]float64, req.Horizon)
	for i := range point {
		point[i] = m.level
	}
	lower, upper := normalBounds(point, m.sigma, req.Interval, nil)
	return Forecast{Point: point, Lower: lower, Upper: upper}, nil
}

// SeasonalNaiveModel repeats the last season, averaged over the last k seasons.
type SeasonalNaiveModel struct {
	lag, k int

	mu     sync.RWMutex
	fitted bool
	season []float64
	sigma  float64
}

func seasonalNaiveFamily() *Family {
	return &Family{
		Name: SeasonalNaive,
		Schema: []Param{
			{Name: "lag", Kind: KindInt, Min: 2, Max: 366, Common: []float64{7, 12, 24, 52, 364}, Default: 7},
			{Name: "k", Kind: KindInt, Min: 1, Max: 5, Default: 1},
		},
		New: func(p Params) (Model, error) {
			return &SeasonalNaiveModel{lag: p.Int("lag"), k: p.Int("k")}, nil
		},
	}
}

func (m *SeasonalNaiveModel) Name() string {
	return fmt.Sprintf("seasonal_naive(%d,%d)", m.lag, m.k)
}

func (m *SeasonalNaiveModel) Fit(ctx context.Context, s Series) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSeries(s, m.lag+1); err != nil {
		return err
	}
	n := len(s.Values)
	k := min(m.k, n/m.lag)

	// season[j] is the average value at phase j over the last k seasons.
	season := make([]float64, m.lag)
	for j := range season {
		sum := 0.0
		for c := 1; c <= k; c++ {
			sum += s.Values[n-c*m.lag+j]
		}
		season[j] = sum / float64(k)
	}

	residuals := make([]float64, 0, n-m.lag)
	for t := m.lag; t < n; t++ {
		residuals = append(residuals, s.Values[t]-s.Values[t-m.lag])
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.season = season
	m.sigma = residualStdDev(residuals)
	m.fitted = true
	return nil
}

func (m *SeasonalNaiveModel) Predict(ctx context.Context, req Request) (Forecast, error) {
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
	point := make([]float64, req.Horizon)
	for h := range point {
		point[h] = m.season[h%m.lag]
	}
	lag := m.lag
	lower, upper := normalBounds(point, m.sigma, req.Interval, func(h int) float64 {
		return math.Sqrt(float64(h/lag + 1))
	})
	return Forecast{Point: point, Lower: lower, Upper: upper}, nil
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := slices.Clone(values)
	slices.Sort(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
