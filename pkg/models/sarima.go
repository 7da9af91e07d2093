package models

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// SARIMAModel implements Seasonal ARIMA.
//
// SARIMA(p,d,q)(P,D,Q,s) where:
//   - p: Non-seasonal AutoRegressive order
//   - d: Non-seasonal Differencing order
//   - q: Non-seasonal Moving Average order
//   - P: Seasonal AutoRegressive order
//   - D: Seasonal Differencing order
//   - Q: Seasonal Moving Average order
//   - s: Seasonal period (e.g., 7 for daily data with a weekly pattern, 12 for monthly)
//
// SARIMA extends ARIMA with seasonal components, suited to series with both
// trend and a repeating seasonal pattern.
type SARIMAModel struct {
	p, d, q    int
	P, D, Q, s int

	mu               sync.RWMutex
	fitted           bool
	arCoeffs         []float64
	maCoeffs         []float64
	seasonalARCoeffs []float64
	seasonalMACoeffs []float64
	mean             float64
	tails            []float64
	seasonTail       []float64
	lastValues       []float64
	lastErrors       []float64
	stdDev           float64
}

func sarimaFamily() *Family {
	return &Family{
		Name: SARIMA,
		Schema: []Param{
			{Name: "p", Kind: KindInt, Min: 0, Max: 3, Default: 1},
			{Name: "d", Kind: KindInt, Min: 0, Max: 2, Default: 1},
			{Name: "q", Kind: KindInt, Min: 0, Max: 2, Default: 1},
			{Name: "P", Kind: KindInt, Min: 0, Max: 2, Default: 1},
			{Name: "D", Kind: KindInt, Min: 0, Max: 1, Default: 1},
			{Name: "Q", Kind: KindInt, Min: 0, Max: 2, Default: 0},
			{Name: "s", Kind: KindInt, Min: 2, Max: 366, Common: []float64{7, 12, 24, 52}, Default: 7},
		},
		New: func(p Params) (Model, error) {
			return NewSARIMAModel(p.Int("p"), p.Int("d"), p.Int("q"), p.Int("P"), p.Int("D"), p.Int("Q"), p.Int("s"))
		},
	}
}

// NewSARIMAModel creates a new SARIMA model with the specified orders.
//
// Example: SARIMA(1,1,1)(1,1,1,7) for daily data with weekly seasonality
func NewSARIMAModel(p, d, q, P, D, Q, s int) (*SARIMAModel, error) {
	if d < 0 || d > 2 {
		return nil, fmt.Errorf("d must be in range [0, 2], got %d", d)
	}
	if D < 0 || D > 1 {
		return nil, fmt.Errorf("D must be in range [0, 1], got %d", D)
	}
	if p < 0 || q < 0 || P < 0 || Q < 0 {
		return nil, fmt.Errorf("AR and MA orders must be >= 0")
	}
	if (P > 0 || D > 0 || Q > 0) && s <= 1 {
		return nil, fmt.Errorf("s must be > 1 when using seasonal components, got %d", s)
	}
	return &SARIMAModel{p: p, d: d, q: q, P: P, D: D, Q: Q, s: s}, nil
}

func (m *SARIMAModel) Name() string {
	if m.P == 0 && m.D == 0 && m.Q == 0 {
		return fmt.Sprintf("sarima(%d,%d,%d)", m.p, m.d, m.q)
	}
	return fmt.Sprintf("sarima(%d,%d,%d)(%d,%d,%d,%d)", m.p, m.d, m.q, m.P, m.D, m.Q, m.s)
}

func (m *SARIMAModel) minPoints() int {
	nonSeasonalMin := max(m.p+m.d, m.q+m.d)
	seasonalMin := 0
	if m.P > 0 || m.D > 0 || m.Q > 0 {
		seasonalMin = max(m.s*(m.P+m.D), m.s*(m.Q+m.D), 2*m.s) + m.d
	}
	return max(max(nonSeasonalMin, seasonalMin), 20)
}

// Fit applies non-seasonal and seasonal differencing, fits AR and MA
// coefficients for both components, and stores the forecasting state.
//
// Minimum data requirements: max(p+d, q+d, s*(P+D)+d, s*(Q+D)+d, 2*s+d, 20) points
func (m *SARIMAModel) Fit(ctx context.Context, s Series) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSeries(s, m.minPoints()); err != nil {
		return fmt.Errorf("%s: %w", m.Name(), err)
	}

	levels, tails := differenceLevels(s.Values, m.d)
	stationary := levels[m.d]

	var seasonTail []float64
	if m.D > 0 {
		seasonTail = append([]float64(nil), stationary[len(stationary)-m.s:]...)
		stationary = seasonalDifference(stationary, m.D, m.s)
	}

	mean := computeMean(stationary)
	centered := make([]float64, len(stationary))
	for i, v := range stationary {
		centered[i] = v - mean
	}

	arCoeffs, err := fitAR(centered, m.p)
	if err != nil {
		return fmt.Errorf("failed to fit non-seasonal AR coefficients: %w", err)
	}

	seasonalARCoeffs, err := fitSeasonalAR(centered, m.P, m.s)
	if err != nil {
		return fmt.Errorf("failed to fit seasonal AR coefficients: %w", err)
	}

	residuals := computeSeasonalResiduals(centered, arCoeffs, seasonalARCoeffs, m.p, m.P, m.s)

	maCoeffs, err := fitMA(residuals, m.q)
	if err != nil {
		return fmt.Errorf("failed to fit non-seasonal MA coefficients: %w", err)
	}

	seasonalMACoeffs, err := fitSeasonalMA(residuals, m.Q, m.s)
	if err != nil {
		return fmt.Errorf("failed to fit seasonal MA coefficients: %w", err)
	}

	valuesNeeded := min(max(m.p, m.s*m.P), len(centered))
	errorsNeeded := min(max(m.q, m.s*m.Q), len(residuals))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.fitted = true
	m.arCoeffs = arCoeffs
	m.maCoeffs = maCoeffs
	m.seasonalARCoeffs = seasonalARCoeffs
	m.seasonalMACoeffs = seasonalMACoeffs
	m.mean = mean
	m.tails = tails
	m.seasonTail = seasonTail
	m.lastValues = append([]float64(nil), centered[len(centered)-valuesNeeded:]...)
	m.lastErrors = append([]float64(nil), residuals[len(residuals)-errorsNeeded:]...)
	m.stdDev = residualStdDev(residuals)

	return nil
}

// Predict combines non-seasonal and seasonal AR/MA terms recursively, then
// undoes seasonal and non-seasonal differencing.
func (m *SARIMAModel) Predict(ctx context.Context, req Request) (Forecast, error) {
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

	stationary := armaForecast(m.arCoeffs, m.maCoeffs, m.seasonalARCoeffs, m.seasonalMACoeffs, m.s,
		m.lastValues, m.lastErrors, req.Horizon)
	for i := range stationary {
		stationary[i] += m.mean
	}
	if m.D > 0 {
		stationary = integrateSeasonal(stationary, m.seasonTail, m.s)
	}
	point := integrate(stationary, m.tails)
	for i, v := range point {
		if !isFinite(v) {
			return Forecast{}, fmt.Errorf("non-finite forecast at step %d", i)
		}
	}

	var spread func(int) float64
	switch {
	case m.d > 0:
		spread = sqrtSpread
	case m.D > 0:
		s := m.s
		spread = func(h int) float64 { return math.Sqrt(float64(h/s + 1)) }
	}
	lower, upper := normalBounds(point, m.stdDev, req.Interval, spread)
	return Forecast{Point: point, Lower: lower, Upper: upper}, nil
}

// seasonalDifference applies D-order seasonal differencing at lag s
func seasonalDifference(series []float64, D int, s int) []float64 {
	if D == 0 || s <= 0 || len(series) <= s {
		result := make([]float64, len(series))
		copy(result, series)
		return result
	}

	result := make([]float64, len(series)-s)
	for i := 0; i < len(result); i++ {
		result[i] = series[i+s] - series[i]
	}

	if D > 1 {
		return seasonalDifference(result, D-1, s)
	}

	return result
}

// integrateSeasonal undoes one seasonal difference. tail holds the last s
// values before differencing.
func integrateSeasonal(forecast, tail []float64, s int) []float64 {
	out := make([]float64, len(forecast))
	for i, v := range forecast {
		if i < s {
			out[i] = v + tail[i]
		} else {
			out[i] = v + out[i-s]
		}
	}
	return out
}

// fitSeasonalAR estimates seasonal AR coefficients at lag s using autocorrelations
func fitSeasonalAR(centered []float64, P int, s int) ([]float64, error) {
	if P == 0 || s <= 0 {
		return []float64{}, nil
	}

	seasonalACF := make([]float64, P+1)
	for k := 0; k <= P; k++ {
		seasonalACF[k] = autocorr(centered, k*s)
	}

	coeffs, err := levinsonDurbin(seasonalACF, P)
	if err != nil {
		coeffs = make([]float64, P)
		coeffs[0] = 0.3
	}

	return coeffs, nil
}

// fitSeasonalMA estimates seasonal MA coefficients at lag s
func fitSeasonalMA(residuals []float64, Q int, s int) ([]float64, error) {
	if Q == 0 || s <= 0 || len(residuals) == 0 {
		return []float64{}, nil
	}

	coeffs := make([]float64, Q)
	for i := 0; i < Q && (i+1)*s < len(residuals); i++ {
		coeffs[i] = autocorr(residuals, (i+1)*s)

		if math.Abs(coeffs[i]) > 0.9 {
			coeffs[i] = math.Copysign(0.9, coeffs[i])
		}
	}

	return coeffs, nil
}

// computeSeasonalResiduals calculates prediction errors including seasonal components
func computeSeasonalResiduals(centered []float64, arCoeffs, seasonalARCoeffs []float64, p, P, s int) []float64 {
	startIdx := max(p, P*s)
	if len(centered) <= startIdx {
		return []float64{}
	}

	residuals := make([]float64, len(centered)-startIdx)

	for t := startIdx; t < len(centered); t++ {
		var arPred float64
		for i := 0; i < p && i < len(arCoeffs); i++ {
			arPred += arCoeffs[i] * centered[t-1-i]
		}

		var seasonalARPred float64
		for i := 0; i < P && i < len(seasonalARCoeffs); i++ {
			idx := t - (i+1)*s
			if idx >= 0 {
				seasonalARPred += seasonalARCoeffs[i] * centered[idx]
			}
		}

		residuals[t-startIdx] = centered[t] - arPred - seasonalARPred
	}

	return residuals
}
