package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// LinearRegressionModel is ridge regression of the series on a polynomial
// time trend, Fourier seasonal terms and standardized external regressors.
type LinearRegressionModel struct {
	lambda        float64
	trend         string
	fourierPeriod int
	fourierOrder  int
	useRegressors bool

	mu        sync.RWMutex
	fitted    bool
	n         int
	coef      []float64
	regMean   []float64
	regStd    []float64
	regressed bool
	stdDev    float64
}

func linearRegressionFamily() *Family {
	return &Family{
		Name:       LinearRegression,
		Regressors: true,
		Schema: []Param{
			{Name: "lambda", Kind: KindFloat, Min: 0, Max: 10, Default: 1.0},
			{Name: "trend", Kind: KindChoice, Choices: []string{"none", "linear", "quadratic"}, Default: "linear"},
			{Name: "fourier_period", Kind: KindInt, Min: 0, Max: 366, Common: []float64{0, 7, 12, 52, 365}, Default: 0},
			{Name: "fourier_order", Kind: KindInt, Min: 1, Max: 4, Default: 2},
			{Name: "regressors", Kind: KindBool, Default: true},
		},
		New: func(p Params) (Model, error) {
			return &LinearRegressionModel{
				lambda:        p.Float("lambda"),
				trend:         p.String("trend"),
				fourierPeriod: p.Int("fourier_period"),
				fourierOrder:  p.Int("fourier_order"),
				useRegressors: p.Bool("regressors"),
			}, nil
		},
	}
}

func (m *LinearRegressionModel) Name() string {
	return fmt.Sprintf("linear_regression(%s,l=%g)", m.trend, m.lambda)
}

// design builds the feature row for time index t. The first column is the
// unpenalized intercept.
func (m *LinearRegressionModel) design(t, n int, reg []float64, mean, std []float64) []float64 {
	x := float64(t) / float64(n)
	row := []float64{1}
	switch m.trend {
	case "linear":
		row = append(row, x)
	case "quadratic":
		row = append(row, x, x*x)
	}
	if m.fourierPeriod > 1 {
		for k := 1; k <= m.fourierOrder; k++ {
			w := 2 * math.Pi * float64(k) * float64(t) / float64(m.fourierPeriod)
			row = append(row, math.Sin(w), math.Cos(w))
		}
	}
	for j, v := range reg {
		row = append(row, (v-mean[j])/std[j])
	}
	return row
}

func (m *LinearRegressionModel) Fit(ctx context.Context, s Series) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSeries(s, 3); err != nil {
		return err
	}
	n := len(s.Values)
	regressed := m.useRegressors && len(s.Regressors) > 0 && len(s.Regressors[0]) > 0

	var mean, std []float64
	if regressed {
		width := len(s.Regressors[0])
		mean = make([]float64, width)
		std = make([]float64, width)
		for j := range width {
			col := make([]float64, n)
			for t, row := range s.Regressors {
				if len(row) != width {
					return fmt.Errorf("regressor row %d has %d columns, want %d", t, len(row), width)
				}
				if !isFinite(row[j]) {
					return fmt.Errorf("regressor %d is not finite at row %d", j, t)
				}
				col[t] = row[j]
			}
			mean[j] = computeMean(col)
			std[j] = math.Sqrt(computeVariance(col))
			if std[j] == 0 {
				std[j] = 1
			}
		}
	}

	rows := make([][]float64, n)
	for t := range rows {
		var reg []float64
		if regressed {
			reg = s.Regressors[t]
		}
		rows[t] = m.design(t, n, reg, mean, std)
	}
	coef, err := ridge(rows, s.Values, m.lambda)
	if err != nil {
		return err
	}

	residuals := make([]float64, n)
	for t, row := range rows {
		residuals[t] = s.Values[t] - dot(row, coef)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.n = n
	m.coef = coef
	m.regMean = mean
	m.regStd = std
	m.regressed = regressed
	m.stdDev = residualStdDev(residuals)
	m.fitted = true
	return nil
}

func (m *LinearRegressionModel) Predict(ctx context.Context, req Request) (Forecast, error) {
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
	if m.regressed && len(req.Future) < req.Horizon {
		return Forecast{}, fmt.Errorf("need %d future regressor rows, got %d", req.Horizon, len(req.Future))
	}

	point := make([]float64, req.Horizon)
	for h := range point {
		var reg []float64
		if m.regressed {
			reg = req.Future[h]
			if len(reg) != len(m.regMean) {
				return Forecast{}, fmt.Errorf("future regressor row %d has %d columns, want %d", h, len(reg), len(m.regMean))
			}
		}
		point[h] = dot(m.design(m.n+h, m.n, reg, m.regMean, m.regStd), m.coef)
	}
	lower, upper := normalBounds(point, m.stdDev, req.Interval, nil)
	return Forecast{Point: point, Lower: lower, Upper: upper}, nil
}

// ridge solves (XᵀX + λI)β = Xᵀy leaving the intercept (column 0) unpenalized.
func ridge(x [][]float64, y []float64, lambda float64) ([]float64, error) {
	k := len(x[0])
	a := make([][]float64, k)
	b := make([]float64, k)
	for i := range a {
		a[i] = make([]float64, k)
	}
	for r, row := range x {
		for i := range k {
			b[i] += row[i] * y[r]
			for j := range k {
				a[i][j] += row[i] * row[j]
			}
		}
	}
	for i := 1; i < k; i++ {
		a[i][i] += lambda + 1e-9
	}
	return solve(a, b)
}

// solve performs Gaussian elimination with partial pivoting. a and b are overwritten.
func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	for col := range n {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, errors.New("singular design matrix")
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]
		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}
	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}
	return x, nil
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
