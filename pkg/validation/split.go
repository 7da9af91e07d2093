package validation

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/HatiCode/evolvecast/pkg/dataset"
	"github.com/HatiCode/evolvecast/pkg/transformers"
)

// Strategy selects how validation holdouts are placed in history.
type Strategy string

const (
	Backwards  Strategy = "backwards"
	Seasonal   Strategy = "seasonal"
	Similarity Strategy = "similarity"
)

// Split is one train/holdout cut. Train rows are [0, TrainEnd) and holdout
// rows are [TrainEnd, TrainEnd+Horizon). Split 0 is always the most recent
// holdout.
type Split struct {
	ID       int
	TrainEnd int
	Horizon  int
}

// HoldoutEnd returns the exclusive end row of the holdout.
func (s Split) HoldoutEnd() int { return s.TrainEnd + s.Horizon }

// SplitConfig controls split generation.
type SplitConfig struct {
	Strategy Strategy

	// Period is the seasonal step in rows for the seasonal strategy.
	Period int

	// NumValidations is the number of splits in addition to split 0.
	NumValidations int

	Horizon int

	// MinTrain is the minimum number of training rows a split must keep.
	MinTrain int
}

// ParseStrategy parses "backwards", "similarity", "seasonal" or
// "seasonal N" (or "seasonal:N").
func ParseStrategy(s string) (Strategy, int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", string(Backwards):
		return Backwards, 0, nil
	case string(Similarity):
		return Similarity, 0, nil
	case string(Seasonal):
		return Seasonal, 0, nil
	}
	rest, ok := strings.CutPrefix(s, string(Seasonal))
	if !ok {
		return "", 0, fmt.Errorf("unknown validation method %q", s)
	}
	rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ":"))
	period, err := strconv.Atoi(rest)
	if err != nil || period < 1 {
		return "", 0, fmt.Errorf("invalid seasonal period in %q", s)
	}
	return Seasonal, period, nil
}

// Splits returns the validation splits for a frame of n rows. Splits that
// would leave fewer than MinTrain training rows are skipped. It fails only
// when not even split 0 fits.
func Splits(f *dataset.Frame, cfg SplitConfig) ([]Split, error) {
	n, h := f.Len(), cfg.Horizon
	if h < 1 {
		return nil, fmt.Errorf("horizon must be >= 1, got %d", h)
	}
	minTrain := max(cfg.MinTrain, 2)
	if n-h < minTrain {
		return nil, fmt.Errorf("%d rows cannot hold a %d-row holdout and %d training rows", n, h, minTrain)
	}
	splits := []Split{{ID: 0, TrainEnd: n - h, Horizon: h}}
	if cfg.NumValidations <= 0 {
		return splits, nil
	}

	var anchors []int
	switch cfg.Strategy {
	case "", Backwards:
		for k := 1; k <= cfg.NumValidations; k++ {
			anchors = append(anchors, n-(k+1)*h)
		}
	case Seasonal:
		period := cfg.Period
		if period <= 0 {
			period = seasonalPeriod(f)
		}
		for k := 1; k <= cfg.NumValidations; k++ {
			anchors = append(anchors, n-h-k*period)
		}
	case Similarity:
		anchors = similarAnchors(f, cfg.NumValidations, h, minTrain)
	default:
		return nil, fmt.Errorf("unknown validation method %q", cfg.Strategy)
	}

	for _, a := range anchors {
		if a < minTrain || a+h > n {
			continue
		}
		splits = append(splits, Split{ID: len(splits), TrainEnd: a, Horizon: h})
	}
	return splits, nil
}

// seasonalPeriod guesses a season length in rows from the frame frequency:
// a week for daily data, a day for hourly data, a year for monthly data.
func seasonalPeriod(f *dataset.Frame) int {
	freq := f.Freq
	if freq <= 0 {
		freq = dataset.InferFreq(f.Index)
	}
	switch {
	case freq <= 0:
		return 7
	case freq <= 2*time.Hour:
		return 24
	case freq <= 48*time.Hour:
		return 7
	case freq <= 10*24*time.Hour:
		return 52
	default:
		return 12
	}
}

// similarAnchors ranks candidate holdout origins by how close the window of
// history before them is to the most recent window, on the standardized
// mean of all series. Holdouts never overlap each other or the final
// holdout.
func similarAnchors(f *dataset.Frame, count, h, minTrain int) []int {
	n := f.Len()
	series := crossSeriesMean(f)
	window := max(2*h, 10)
	ref := windowStats(series[max(0, n-window):])

	type candidate struct {
		anchor int
		dist   float64
	}
	var candidates []candidate
	for a := max(minTrain, window); a+h <= n-h; a++ {
		stats := windowStats(series[a-window : a])
		d := 0.0
		for i := range stats {
			d += (stats[i] - ref[i]) * (stats[i] - ref[i])
		}
		candidates = append(candidates, candidate{a, math.Sqrt(d)})
	}
	slices.SortStableFunc(candidates, func(x, y candidate) int {
		switch {
		case x.dist < y.dist:
			return -1
		case x.dist > y.dist:
			return 1
		}
		return y.anchor - x.anchor
	})

	chosen := []int{n - h}
	var out []int
	for _, c := range candidates {
		if len(out) == count {
			break
		}
		overlaps := false
		for _, a := range chosen {
			if c.anchor < a+h && a < c.anchor+h {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		chosen = append(chosen, c.anchor)
		out = append(out, c.anchor)
	}
	return out
}

func crossSeriesMean(f *dataset.Frame) []float64 {
	out := make([]float64, f.Len())
	if len(f.Columns) == 0 {
		return out
	}
	for c := range f.Columns {
		col := transformers.FillMissing(f.Values[c])
		mean, std := meanStd(col)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		for i, v := range col {
			if !math.IsNaN(v) {
				out[i] += (v - mean) / std
			}
		}
	}
	for i := range out {
		out[i] /= float64(len(f.Columns))
	}
	return out
}

// windowStats returns mean, standard deviation, slope and last value.
func windowStats(w []float64) []float64 {
	mean, std := meanStd(w)
	var num, den float64
	xm := float64(len(w)-1) / 2
	for i, v := range w {
		num += (float64(i) - xm) * (v - mean)
		den += (float64(i) - xm) * (float64(i) - xm)
	}
	slope := 0.0
	if den > 0 {
		slope = num / den
	}
	last := 0.0
	if len(w) > 0 {
		last = w[len(w)-1]
	}
	return []float64{mean, std, slope, last}
}

func meanStd(values []float64) (mean, std float64) {
	n := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			mean += v
			n++
		}
	}
	if n == 0 {
		return math.NaN(), math.NaN()
	}
	mean /= float64(n)
	for _, v := range values {
		if !math.IsNaN(v) {
			std += (v - mean) * (v - mean)
		}
	}
	return mean, math.Sqrt(std / float64(n))
}
