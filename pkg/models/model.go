// Package models provides the forecasting model families searched by evolvecast.
//
// Every family is a constructor plus a parameter schema. A Model is fitted on a
// single gap-free series (optionally with row-aligned regressors) and then
// predicts a point forecast with lower and upper bounds for a horizon.
package models

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrNotFitted is returned by Predict before a successful Fit.
var ErrNotFitted = errors.New("model not fitted, call Fit() first")

// Model is a single-series forecaster.
type Model interface {
	Name() string
	Fit(ctx context.Context, s Series) error
	Predict(ctx context.Context, req Request) (Forecast, error)
}

// Series is the training input of a model. Values contain no missing entries.
// Regressors, when present, holds one row per value.
type Series struct {
	Values     []float64
	Regressors [][]float64
}

// Request describes a forecast. Future holds one regressor row per step and is
// required when the model was fitted with regressors.
type Request struct {
	Horizon  int
	Future   [][]float64
	Interval float64
}

// Forecast holds a point forecast and its prediction interval.
type Forecast struct {
	Point []float64
	Lower []float64
	Upper []float64
}

// Validate checks that all three slices have the requested length and finite values.
func (f Forecast) Validate(horizon int) error {
	if len(f.Point) != horizon || len(f.Lower) != horizon || len(f.Upper) != horizon {
		return fmt.Errorf("expected %d steps, got point=%d lower=%d upper=%d",
			horizon, len(f.Point), len(f.Lower), len(f.Upper))
	}
	for i := range f.Point {
		if !isFinite(f.Point[i]) || !isFinite(f.Lower[i]) || !isFinite(f.Upper[i]) {
			return fmt.Errorf("non-finite forecast at step %d", i)
		}
	}
	return nil
}

// FitError is a failure of one model on one series. It is absorbed by the
// caller and turned into an infinite-cost result.
type FitError struct {
	Family string
	Err    error
}

func (e *FitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Family, e.Err)
}

func (e *FitError) Unwrap() error { return e.Err }

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validateSeries(s Series, minPoints int) error {
	if len(s.Values) < minPoints {
		return fmt.Errorf("need at least %d points, got %d", minPoints, len(s.Values))
	}
	for i, v := range s.Values {
		if !isFinite(v) {
			return fmt.Errorf("value %d is not finite", i)
		}
	}
	if s.Regressors != nil && len(s.Regressors) != len(s.Values) {
		return fmt.Errorf("regressors have %d rows, values have %d", len(s.Regressors), len(s.Values))
	}
	return nil
}

func validateRequest(req Request) error {
	if req.Horizon <= 0 {
		return fmt.Errorf("horizon must be > 0, got %d", req.Horizon)
	}
	if req.Interval <= 0 || req.Interval >= 1 {
		return fmt.Errorf("interval must be in (0, 1), got %v", req.Interval)
	}
	return nil
}

// computeMean calculates the arithmetic mean of a series
func computeMean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series))
}

// computeVariance calculates the population variance of a series
func computeVariance(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}

	mean := computeMean(series)
	var sumSq float64
	for _, v := range series {
		diff := v - mean
		sumSq += diff * diff
	}
	return sumSq / float64(len(series))
}

// residualStdDev is the sample standard deviation of residuals around zero.
func residualStdDev(residuals []float64) float64 {
	if len(residuals) < 2 {
		return 0
	}
	sumSq := 0.0
	for _, r := range residuals {
		sumSq += r * r
	}
	return math.Sqrt(sumSq / float64(len(residuals)-1))
}
