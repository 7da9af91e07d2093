package transformers

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

type fillNA struct {
	method string
}

func (t *fillNA) FitTransform(values []float64) ([]float64, error) {
	observed := 0
	sum := 0.0
	for _, v := range values {
		if !math.IsNaN(v) {
			observed++
			sum += v
		}
	}
	if observed == 0 {
		return nil, errors.New("series has no observations")
	}

	out := slices.Clone(values)
	switch t.method {
	case "mean":
		mean := sum / float64(observed)
		for i, v := range out {
			if math.IsNaN(v) {
				out[i] = mean
			}
		}
	case "zero":
		for i, v := range out {
			if math.IsNaN(v) {
				out[i] = 0
			}
		}
	case "linear":
		prev := -1
		for i, v := range out {
			if math.IsNaN(v) {
				continue
			}
			if prev >= 0 && i-prev > 1 {
				step := (v - out[prev]) / float64(i-prev)
				for j := prev + 1; j < i; j++ {
					out[j] = out[prev] + step*float64(j-prev)
				}
			}
			prev = i
		}
	}
	return FillMissing(out), nil
}

func (t *fillNA) Inverse(forecast []float64) []float64 { return forecast }

// difference models one-step changes. The first row repeats the second
// change so the length is preserved.
type difference struct {
	last float64
}

func (t *difference) FitTransform(values []float64) ([]float64, error) {
	if len(values) < 2 {
		return nil, fmt.Errorf("difference needs at least 2 values, got %d", len(values))
	}
	out := make([]float64, len(values))
	for i := 1; i < len(values); i++ {
		out[i] = values[i] - values[i-1]
	}
	out[0] = out[1]
	t.last = values[len(values)-1]
	return out, nil
}

func (t *difference) Inverse(forecast []float64) []float64 {
	out := make([]float64, len(forecast))
	prev := t.last
	for i, v := range forecast {
		prev += v
		out[i] = prev
	}
	return out
}

type seasonalDifference struct {
	lag  int
	tail []float64
}

func (t *seasonalDifference) FitTransform(values []float64) ([]float64, error) {
	if len(values) < 2*t.lag {
		return nil, fmt.Errorf("seasonal_difference(%d) needs at least %d values, got %d", t.lag, 2*t.lag, len(values))
	}
	out := make([]float64, len(values))
	for i := t.lag; i < len(values); i++ {
		out[i] = values[i] - values[i-t.lag]
	}
	for i := 0; i < t.lag; i++ {
		out[i] = out[i+t.lag]
	}
	t.tail = slices.Clone(values[len(values)-t.lag:])
	return out, nil
}

func (t *seasonalDifference) Inverse(forecast []float64) []float64 {
	out := make([]float64, len(forecast))
	for i, v := range forecast {
		if i < t.lag {
			out[i] = v + t.tail[i]
		} else {
			out[i] = v + out[i-t.lag]
		}
	}
	return out
}

type detrend struct {
	intercept, slope float64
	n                int
}

func (t *detrend) FitTransform(values []float64) ([]float64, error) {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumX2 float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumX2 += x * x
	}
	t.slope = 0
	if d := n*sumX2 - sumX*sumX; d != 0 {
		t.slope = (n*sumXY - sumX*sumY) / d
	}
	t.intercept = (sumY - t.slope*sumX) / n
	t.n = len(values)

	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v - (t.intercept + t.slope*float64(i))
	}
	return out, nil
}

func (t *detrend) Inverse(forecast []float64) []float64 {
	out := make([]float64, len(forecast))
	for i, v := range forecast {
		out[i] = v + t.intercept + t.slope*float64(t.n+i)
	}
	return out
}

type standardScaler struct {
	mean, std float64
}

func (t *standardScaler) FitTransform(values []float64) ([]float64, error) {
	t.mean, t.std = meanStd(values)
	if t.std == 0 {
		t.std = 1
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - t.mean) / t.std
	}
	return out, nil
}

func (t *standardScaler) Inverse(forecast []float64) []float64 {
	out := make([]float64, len(forecast))
	for i, v := range forecast {
		out[i] = v*t.std + t.mean
	}
	return out
}

type minMaxScaler struct {
	min, span float64
}

func (t *minMaxScaler) FitTransform(values []float64) ([]float64, error) {
	lo, hi := slices.Min(values), slices.Max(values)
	t.min, t.span = lo, hi-lo
	if t.span == 0 {
		t.span = 1
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - t.min) / t.span
	}
	return out, nil
}

func (t *minMaxScaler) Inverse(forecast []float64) []float64 {
	out := make([]float64, len(forecast))
	for i, v := range forecast {
		out[i] = v*t.span + t.min
	}
	return out
}

// logTransform shifts the series so its minimum is 1 before taking logs.
type logTransform struct {
	shift float64
}

func (t *logTransform) FitTransform(values []float64) ([]float64, error) {
	t.shift = math.Max(0, 1-slices.Min(values))
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Log(v + t.shift)
	}
	return out, nil
}

func (t *logTransform) Inverse(forecast []float64) []float64 {
	out := make([]float64, len(forecast))
	for i, v := range forecast {
		out[i] = math.Exp(v) - t.shift
	}
	return out
}

// clipOutliers clips the history to mean ± threshold·std. The forecast is
// left untouched.
type clipOutliers struct {
	threshold float64
}

func (t *clipOutliers) FitTransform(values []float64) ([]float64, error) {
	mean, std := meanStd(values)
	lo, hi := mean-t.threshold*std, mean+t.threshold*std
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Max(lo, math.Min(hi, v))
	}
	return out, nil
}

func (t *clipOutliers) Inverse(forecast []float64) []float64 { return forecast }

// rollingMean smooths the history with a trailing window (shorter at the
// start). The forecast of the smoothed series is used as is.
type rollingMean struct {
	window int
}

func (t *rollingMean) FitTransform(values []float64) ([]float64, error) {
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= t.window {
			sum -= values[i-t.window]
		}
		out[i] = sum / float64(min(i+1, t.window))
	}
	return out, nil
}

func (t *rollingMean) Inverse(forecast []float64) []float64 { return forecast }

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(std / float64(len(values)))
}
