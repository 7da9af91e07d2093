package models

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// ETSModel is additive exponential smoothing: simple, Holt (additive trend),
// damped trend, each optionally with an additive seasonal component
// (Holt-Winters).
type ETSModel struct {
	trend              string
	alpha, beta, gamma float64
	phi                float64
	season             int

	mu       sync.RWMutex
	fitted   bool
	level    float64
	slope    float64
	seasonal []float64
	n        int
	stdDev   float64
}

func etsFamily() *Family {
	return &Family{
		Name: ETS,
		Schema: []Param{
			{Name: "trend", Kind: KindChoice, Choices: []string{"none", "additive", "damped"}, Default: "additive"},
			{Name: "alpha", Kind: KindFloat, Min: 0.05, Max: 0.95, Default: 0.3},
			{Name: "beta", Kind: KindFloat, Min: 0.01, Max: 0.5, Default: 0.1},
			{Name: "phi", Kind: KindFloat, Min: 0.8, Max: 0.99, Default: 0.95},
			{Name: "season", Kind: KindInt, Min: 0, Max: 366, Common: []float64{0, 7, 12, 24, 52}, Default: 0},
			{Name: "gamma", Kind: KindFloat, Min: 0.01, Max: 0.5, Default: 0.1},
		},
		New: func(p Params) (Model, error) {
			return &ETSModel{
				trend:  p.String("trend"),
				alpha:  p.Float("alpha"),
				beta:   p.Float("beta"),
				gamma:  p.Float("gamma"),
				phi:    p.Float("phi"),
				season: p.Int("season"),
			}, nil
		},
	}
}

func (m *ETSModel) Name() string {
	return fmt.Sprintf("ets(%s,a=%g,s=%d)", m.trend, m.alpha, m.season)
}

func (m *ETSModel) damping() float64 {
	switch m.trend {
	case "additive":
		return 1
	case "damped":
		return m.phi
	default:
		return 0
	}
}

func (m *ETSModel) Fit(ctx context.Context, s Series) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	period := 0
	if m.season > 1 {
		period = m.season
	}
	if err := validateSeries(s, max(3, 2*period)); err != nil {
		return err
	}
	y := s.Values
	phi := m.damping()

	level := y[0]
	slope := 0.0
	seasonal := make([]float64, max(period, 1))
	if period > 0 {
		first := computeMean(y[:period])
		second := computeMean(y[period : 2*period])
		level = first
		if phi > 0 {
			slope = (second - first) / float64(period)
		}
		for i := range period {
			seasonal[i] = y[i] - first
		}
	} else if phi > 0 {
		slope = y[1] - y[0]
	}

	residuals := make([]float64, 0, len(y))
	for t, v := range y {
		si := 0.0
		if period > 0 {
			si = seasonal[t%period]
		}
		pred := level + phi*slope + si
		residuals = append(residuals, v-pred)

		prevLevel := level
		level = m.alpha*(v-si) + (1-m.alpha)*(prevLevel+phi*slope)
		if phi > 0 {
			slope = m.beta*(level-prevLevel) + (1-m.beta)*phi*slope
		}
		if period > 0 {
			seasonal[t%period] = m.gamma*(v-level) + (1-m.gamma)*si
		}
		if !isFinite(level) || !isFinite(slope) {
			return fmt.Errorf("smoothing diverged at step %d", t)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = level
	m.slope = slope
	m.seasonal = seasonal
	m.n = len(y)
	m.stdDev = residualStdDev(residuals)
	m.fitted = true
	return nil
}

func (m *ETSModel) Predict(ctx context.Context, req Request) (Forecast, error) {
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

	phi := m.damping()
	period := len(m.seasonal)
	point := make([]float64, req.Horizon)
	damp := 0.0
	factor := 1.0
	for h := range point {
		factor *= phi
		damp += factor
		v := m.level + damp*m.slope
		if period > 1 {
			v += m.seasonal[(m.n+h)%period]
		}
		point[h] = v
	}

	alpha := m.alpha
	lower, upper := normalBounds(point, m.stdDev, req.Interval, func(h int) float64 {
		return math.Sqrt(1 + float64(h)*alpha*alpha)
	})
	return Forecast{Point: point, Lower: lower, Upper: upper}, nil
}
