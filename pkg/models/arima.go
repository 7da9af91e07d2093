package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// ARIMAModel implements AutoRegressive Integrated Moving Average.
//
// ARIMA(p,d,q) where:
//   - p: AutoRegressive order (how many past values to use)
//   - d: Differencing order (trend removal: 0=none, 1=linear, 2=quadratic)
//   - q: Moving Average order (how many past errors to use)
//
// It is safe for concurrent Predict calls after fitting.
type ARIMAModel struct {
	p, d, q int

	mu         sync.RWMutex
	fitted     bool
	arCoeffs   []float64 // AR coefficients (length p)
	maCoeffs   []float64 // MA coefficients (length q)
	mean       float64   // Mean of stationary series
	tails      []float64 // Last value of each differencing level 0..d-1
	lastValues []float64 // Last p centered stationary values
	lastErrors []float64 // Last q residuals
	stdDev     float64   // Standard deviation of residuals
}

func arimaFamily() *Family {
	return &Family{
		Name: ARIMA,
		Schema: []Param{
			{Name: "p", Kind: KindInt, Min: 0, Max: 5, Default: 1},
			{Name: "d", Kind: KindInt, Min: 0, Max: 2, Default: 1},
			{Name: "q", Kind: KindInt, Min: 0, Max: 3, Default: 1},
		},
		New: func(p Params) (Model, error) {
			return NewARIMAModel(p.Int("p"), p.Int("d"), p.Int("q"))
		},
	}
}

// NewARIMAModel creates a new ARIMA model with the specified orders.
func NewARIMAModel(p, d, q int) (*ARIMAModel, error) {
	if d < 0 || d > 2 {
		return nil, fmt.Errorf("d must be in range [0, 2], got %d", d)
	}
	if p < 0 || q < 0 {
		return nil, fmt.Errorf("p and q must be >= 0, got p=%d q=%d", p, q)
	}
	return &ARIMAModel{p: p, d: d, q: q}, nil
}

// Name returns the model name with ARIMA parameters.
func (m *ARIMAModel) Name() string {
	return fmt.Sprintf("arima(%d,%d,%d)", m.p, m.d, m.q)
}

// Fit estimates the model.
//
// The training process:
//  1. Applies differencing (d times) to achieve stationarity
//  2. Computes mean of stationary series
//  3. Fits AR coefficients using Yule-Walker equations
//  4. Fits MA coefficients from residual autocorrelations
//  5. Stores the state needed for recursive forecasting
//
// Minimum data requirements: max(p+d, q+d, 10) points.
func (m *ARIMAModel) Fit(ctx context.Context, s Series) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	minPoints := max(max(m.p+m.d, m.q+m.d), 10)
	if err := validateSeries(s, minPoints); err != nil {
		return fmt.Errorf("ARIMA(%d,%d,%d): %w", m.p, m.d, m.q, err)
	}

	levels, tails := differenceLevels(s.Values, m.d)
	stationary := levels[m.d]

	mean := computeMean(stationary)
	centered := make([]float64, len(stationary))
	for i, v := range stationary {
		centered[i] = v - mean
	}

	arCoeffs, err := fitAR(centered, m.p)
	if err != nil {
		return fmt.Errorf("failed to fit AR coefficients: %w", err)
	}

	residuals := computeResiduals(centered, arCoeffs, m.p)

	maCoeffs, err := fitMA(residuals, m.q)
	if err != nil {
		return fmt.Errorf("failed to fit MA coefficients: %w", err)
	}

	lastValues := make([]float64, m.p)
	copy(lastValues, centered[len(centered)-m.p:])

	lastErrors := make([]float64, m.q)
	if len(residuals) >= m.q {
		copy(lastErrors, residuals[len(residuals)-m.q:])
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.fitted = true
	m.arCoeffs = arCoeffs
	m.maCoeffs = maCoeffs
	m.mean = mean
	m.tails = tails
	m.lastValues = lastValues
	m.lastErrors = lastErrors
	m.stdDev = residualStdDev(residuals)

	return nil
}

// Predict forecasts the stationary series recursively (future errors are
// zero), then integrates back through the differencing levels.
func (m *ARIMAModel) Predict(ctx context.Context, req Request) (Forecast, error) {
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

	stationary := armaForecast(m.arCoeffs, m.maCoeffs, nil, nil, 0, m.lastValues, m.lastErrors, req.Horizon)
	for i := range stationary {
		stationary[i] += m.mean
	}
	point := integrate(stationary, m.tails)
	for i, v := range point {
		if !isFinite(v) {
			return Forecast{}, fmt.Errorf("non-finite forecast at step %d", i)
		}
	}

	var spread func(int) float64
	if m.d > 0 {
		spread = sqrtSpread
	}
	lower, upper := normalBounds(point, m.stdDev, req.Interval, spread)
	return Forecast{Point: point, Lower: lower, Upper: upper}, nil
}

// armaForecast runs the ARMA recursion h steps ahead. history holds the
// newest centered values last and errors the newest residuals last. Seasonal
// terms act at multiples of s.
func armaForecast(ar, ma, sar, sma []float64, s int, history, errs []float64, h int) []float64 {
	w := append([]float64(nil), history...)
	e := append([]float64(nil), errs...)
	out := make([]float64, h)
	for t := range out {
		pred := 0.0
		for i, phi := range ar {
			if idx := len(w) - 1 - i; idx >= 0 {
				pred += phi * w[idx]
			}
		}
		for i, phi := range sar {
			if idx := len(w) - (i+1)*s; idx >= 0 {
				pred += phi * w[idx]
			}
		}
		for j, theta := range ma {
			if idx := len(e) - 1 - j; idx >= 0 {
				pred += theta * e[idx]
			}
		}
		for j, theta := range sma {
			if idx := len(e) - (j+1)*s; idx >= 0 {
				pred += theta * e[idx]
			}
		}
		w = append(w, pred)
		e = append(e, 0)
		out[t] = pred
	}
	return out
}

// differenceLevels returns the series differenced 0..d times and the last
// value of levels 0..d-1, which integrate needs.
func differenceLevels(series []float64, d int) (levels [][]float64, tails []float64) {
	levels = [][]float64{series}
	for k := 0; k < d; k++ {
		prev := levels[k]
		tails = append(tails, prev[len(prev)-1])
		levels = append(levels, difference(prev, 1))
	}
	return levels, tails
}

// integrate undoes differenceLevels on a forecast of the most differenced level.
func integrate(forecast, tails []float64) []float64 {
	out := append([]float64(nil), forecast...)
	for k := len(tails) - 1; k >= 0; k-- {
		prev := tails[k]
		for i := range out {
			out[i] += prev
			prev = out[i]
		}
	}
	return out
}

// difference applies d-order differencing to make series stationary
func difference(series []float64, d int) []float64 {
	if d == 0 || len(series) == 0 {
		result := make([]float64, len(series))
		copy(result, series)
		return result
	}

	result := make([]float64, len(series)-1)
	for i := 0; i < len(series)-1; i++ {
		result[i] = series[i+1] - series[i]
	}

	if d > 1 {
		return difference(result, d-1)
	}

	return result
}

// fitAR estimates AR coefficients using Yule-Walker equations with Levinson-Durbin
func fitAR(centered []float64, p int) ([]float64, error) {
	if p == 0 {
		return []float64{}, nil
	}

	variance := computeVariance(centered)
	if variance < 1e-10 {
		return make([]float64, p), nil
	}

	acf := make([]float64, p+1)
	for k := 0; k <= p; k++ {
		acf[k] = autocorr(centered, k)
	}

	coeffs, err := levinsonDurbin(acf, p)
	if err != nil {
		coeffs = make([]float64, p)
		coeffs[0] = 0.5
	}

	return coeffs, nil
}

// autocorr computes autocorrelation at given lag
func autocorr(series []float64, lag int) float64 {
	if lag < 0 || lag >= len(series) {
		return 0
	}

	n := len(series)
	mean := computeMean(series)

	var c0, ck float64
	for i := range n {
		c0 += (series[i] - mean) * (series[i] - mean)
	}

	for i := 0; i < n-lag; i++ {
		ck += (series[i] - mean) * (series[i+lag] - mean)
	}

	if c0 == 0 {
		return 0
	}

	return ck / c0
}

// levinsonDurbin solves Yule-Walker equations efficiently
func levinsonDurbin(acf []float64, p int) ([]float64, error) {
	if p == 0 {
		return []float64{}, nil
	}

	phi := make([][]float64, p+1)
	for i := range phi {
		phi[i] = make([]float64, p+1)
	}

	v := acf[0]

	for k := 1; k <= p; k++ {
		num := acf[k]
		for j := 1; j < k; j++ {
			num -= phi[k-1][j] * acf[k-j]
		}

		if v == 0 {
			return nil, errors.New("numerical instability in Levinson-Durbin")
		}

		phi[k][k] = num / v

		for j := 1; j < k; j++ {
			phi[k][j] = phi[k-1][j] - phi[k][k]*phi[k-1][k-j]
		}

		v = v * (1 - phi[k][k]*phi[k][k])

		if v < 0 {
			return nil, errors.New("negative variance in Levinson-Durbin")
		}
	}

	coeffs := make([]float64, p)
	for i := range p {
		coeffs[i] = phi[p][i+1]
	}

	return coeffs, nil
}

// computeResiduals calculates one-step AR prediction errors for MA fitting
func computeResiduals(centered []float64, arCoeffs []float64, p int) []float64 {
	if len(centered) <= p {
		return []float64{}
	}

	residuals := make([]float64, len(centered)-p)

	for t := p; t < len(centered); t++ {
		var arPred float64
		for i := 0; i < p && i < len(arCoeffs); i++ {
			arPred += arCoeffs[i] * centered[t-1-i]
		}

		residuals[t-p] = centered[t] - arPred
	}

	return residuals
}

// fitMA estimates MA coefficients from residual autocorrelations, clamped
// inside the invertible region.
func fitMA(residuals []float64, q int) ([]float64, error) {
	if q == 0 {
		return []float64{}, nil
	}
	if len(residuals) <= q {
		return nil, fmt.Errorf("need more than %d residuals, got %d", q, len(residuals))
	}

	coeffs := make([]float64, q)
	for i := range coeffs {
		coeffs[i] = autocorr(residuals, i+1)
		if math.Abs(coeffs[i]) > 0.9 {
			coeffs[i] = math.Copysign(0.9, coeffs[i])
		}
	}

	return coeffs, nil
}
