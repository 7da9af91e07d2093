package validation

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Weights map metric names to non-negative weights. A weight of zero
// excludes the metric from the composite score.
type Weights map[string]float64

// DefaultWeights favours absolute and differential error plus interval
// calibration.
func DefaultWeights() Weights {
	return Weights{
		SMAPE:       0,
		MAE:         3,
		RMSE:        0,
		MADE:        3,
		SPL:         1,
		Contour:     0,
		Containment: 0,
		Runtime:     0,
	}
}

// Validate checks metric names and signs. At least one weight must be positive.
func (w Weights) Validate() error {
	total := 0.0
	for name, v := range w {
		if !slices.Contains(MetricNames, name) {
			return fmt.Errorf("unknown metric %q", name)
		}
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("metric weight %s=%v must be a finite non-negative number", name, v)
		}
		total += v
	}
	if total == 0 {
		return fmt.Errorf("all metric weights are zero")
	}
	return nil
}

// Score returns the composite cost of m. Lower is better.
func (w Weights) Score(m Metrics) float64 {
	score := 0.0
	for _, name := range MetricNames {
		if v := w[name]; v > 0 {
			score += v * m.Get(name)
		}
	}
	if math.IsNaN(score) {
		return math.Inf(1)
	}
	return score
}

// Unscored reports whether every series of the result was degenerate on
// its split. Such a result carries no accuracy information and is not a
// failure.
func (r Result) Unscored() bool {
	return r.Err == nil && len(r.Series) == 0 && len(r.Excluded) > 0
}

// Score returns the composite cost of a result: the mean score of its
// series. It is +Inf when the result failed, any series failed, or no
// series could be scored.
func (r Result) Score(w Weights) float64 {
	if r.Err != nil || len(r.Series) == 0 {
		return math.Inf(1)
	}
	total := 0.0
	for _, name := range r.SeriesNames() {
		s := r.Series[name]
		if s.Err != nil {
			return math.Inf(1)
		}
		total += w.Score(s.Metrics)
	}
	return total / float64(len(r.Series))
}

// Summary aggregates the results of one template across splits.
type Summary struct {
	TemplateID string

	// Score is the mean of the scored splits; +Inf if any split failed and
	// zero when every split was unscored.
	Score float64

	// SeriesScores is the mean score of each series over the splits in
	// which it was scored; +Inf for a series that failed on any split.
	SeriesScores map[string]float64

	Runtime time.Duration
	Splits  int
	Failed  bool
}

// Summarize aggregates results with w. Results are combined by set, so
// their order does not matter.
func Summarize(templateID string, results []Result, w Weights) Summary {
	s := Summary{TemplateID: templateID, SeriesScores: map[string]float64{}}
	if len(results) == 0 {
		s.Score = math.Inf(1)
		s.Failed = true
		return s
	}
	// Sort a copy by split so floating point sums do not depend on arrival order.
	sorted := slices.Clone(results)
	slices.SortFunc(sorted, func(a, b Result) int { return a.SplitID - b.SplitID })

	sums := map[string]float64{}
	counts := map[string]int{}
	total, scored := 0.0, 0
	for _, r := range sorted {
		s.Runtime += r.Runtime
		s.Splits++
		if r.Unscored() {
			continue
		}
		scored++
		score := r.Score(w)
		if math.IsInf(score, 1) {
			s.Failed = true
		}
		total += score
		for name, sr := range r.Series {
			if sr.Err != nil {
				sums[name] = math.Inf(1)
			} else {
				sums[name] += w.Score(sr.Metrics)
			}
			counts[name]++
		}
	}
	if scored > 0 {
		s.Score = total / float64(scored)
	}
	for name, sum := range sums {
		s.SeriesScores[name] = sum / float64(counts[name])
	}
	return s
}
