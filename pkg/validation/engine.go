// Package validation evaluates templates on train/holdout splits of the
// history and turns the resulting accuracy metrics into composite scores.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"slices"
	"time"

	"github.com/HatiCode/evolvecast/pkg/dataset"
	"github.com/HatiCode/evolvecast/pkg/models"
	"github.com/HatiCode/evolvecast/pkg/template"
	"github.com/HatiCode/evolvecast/pkg/transformers"
)

// Data is the input shared by every evaluation of a run. It is read-only
// once built and safe for concurrent use.
type Data struct {
	History *dataset.Frame

	// Regressors holds one gap-filled row per history row, followed by the
	// future rows. Nil when the run has no regressors.
	Regressors [][]float64
}

// NewData checks that regressors cover the history plus horizon future rows
// and fills their gaps.
func NewData(history, regressors *dataset.Frame, horizon int) (*Data, error) {
	d := &Data{History: history}
	if regressors == nil || len(regressors.Columns) == 0 {
		return d, nil
	}
	need := history.Len() + horizon
	if regressors.Len() < need {
		return nil, fmt.Errorf("regressors have %d rows, need %d (history %d + horizon %d)",
			regressors.Len(), need, history.Len(), horizon)
	}
	if !regressors.Index[0].Equal(history.Index[0]) {
		return nil, fmt.Errorf("regressors start at %s, history at %s",
			regressors.Index[0].Format(time.RFC3339), history.Index[0].Format(time.RFC3339))
	}
	filled := regressors.Slice(0, need)
	for c := range filled.Values {
		filled.Values[c] = transformers.FillMissing(filled.Values[c])
	}
	d.Regressors = filled.Matrix()
	return d, nil
}

func (d *Data) regressorRows(start, end int) [][]float64 {
	if d.Regressors == nil {
		return nil
	}
	return d.Regressors[start:end]
}

// Result is the evaluation of one template on one split.
type Result struct {
	TemplateID string
	SplitID    int

	// Series holds the scored series. Degenerate series are listed in
	// Excluded instead.
	Series   map[string]SeriesResult
	Excluded []string

	Runtime time.Duration

	// Err is set when the evaluation as a whole failed: every series
	// failed, the run was interrupted, or the template panicked.
	Err error
}

// SeriesNames returns the scored series in sorted order.
func (r Result) SeriesNames() []string {
	names := make([]string, 0, len(r.Series))
	for name := range r.Series {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SeriesResult is the evaluation of one series. Forecast and Holdout are
// kept so ensembles can be scored from member forecasts without refitting.
type SeriesResult struct {
	Metrics  Metrics
	Forecast models.Forecast
	Holdout  Holdout
	AbsError []float64
	Runtime  time.Duration
	Err      error
}

// Engine evaluates templates. It holds no per-evaluation state.
type Engine struct {
	registry *models.Registry
	interval float64
	logger   *slog.Logger
}

// NewEngine returns an engine producing intervals at the given probability.
func NewEngine(reg *models.Registry, interval float64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: reg, interval: interval, logger: logger}
}

// Interval returns the prediction interval probability.
func (e *Engine) Interval() float64 { return e.interval }

// Evaluate fits t on the training rows of split for every series and
// scores the holdout forecast. Failures of single series are recorded in
// their SeriesResult; Evaluate itself never returns an error or panics.
func (e *Engine) Evaluate(ctx context.Context, data *Data, t template.Template, split Split) (res Result) {
	start := time.Now()
	res = Result{TemplateID: t.ID, SplitID: split.ID, Series: map[string]SeriesResult{}}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("template panicked", "template", t.String(), "split", split.ID, "panic", r, "stack", string(debug.Stack()))
			res.Err = &models.FitError{Family: t.Family, Err: fmt.Errorf("panic: %v", r)}
		}
		res.Runtime = time.Since(start)
	}()

	f := data.History
	if split.HoldoutEnd() > f.Len() {
		res.Err = fmt.Errorf("split %d ends at row %d beyond history of %d rows", split.ID, split.HoldoutEnd(), f.Len())
		return res
	}
	regTrain := data.regressorRows(0, split.TrainEnd)
	regFuture := data.regressorRows(split.TrainEnd, split.HoldoutEnd())

	var firstErr error
	for c, name := range f.Columns {
		if err := ctx.Err(); err != nil {
			res.Err = fmt.Errorf("evaluation interrupted: %w", err)
			return res
		}
		train := f.Values[c][:split.TrainEnd]
		actual := f.Values[c][split.TrainEnd:split.HoldoutEnd()]
		if Degenerate(train, actual) {
			res.Excluded = append(res.Excluded, name)
			continue
		}

		seriesStart := time.Now()
		fc, err := RunTemplate(ctx, e.registry, t, train, regTrain, regFuture, split.Horizon, e.interval)
		elapsed := time.Since(seriesStart)
		if err != nil {
			if ctx.Err() != nil {
				res.Err = fmt.Errorf("evaluation interrupted: %w", ctx.Err())
				return res
			}
			e.logger.Debug("series failed", "template", t.String(), "split", split.ID, "series", name, "error", err)
			res.Series[name] = SeriesResult{Err: err, Runtime: elapsed}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		holdout := NewHoldout(train, actual)
		m, err := ComputeMetrics(holdout, fc, e.interval, elapsed)
		if err != nil {
			res.Series[name] = SeriesResult{Err: err, Runtime: elapsed}
			continue
		}
		res.Series[name] = SeriesResult{
			Metrics:  m,
			Forecast: fc,
			Holdout:  holdout,
			AbsError: AbsErrors(holdout, fc.Point),
			Runtime:  elapsed,
		}
	}

	if firstErr != nil && !slices.ContainsFunc(res.SeriesNames(), func(n string) bool { return res.Series[n].Err == nil }) {
		res.Err = firstErr
	}
	return res
}

// RunTemplate fits t on one series and forecasts horizon steps on the
// original scale. values may contain gaps; the transformer chain fills them.
// regressors has one row per value and future one row per step; both are
// ignored by families that do not use regressors. The returned bounds are
// repaired so that lower <= point <= upper. Every error is a *models.FitError.
func RunTemplate(ctx context.Context, reg *models.Registry, t template.Template, values []float64,
	regressors, future [][]float64, horizon int, interval float64) (models.Forecast, error) {
	fitErr := func(err error) error {
		var fe *models.FitError
		if errors.As(err, &fe) {
			return err
		}
		return &models.FitError{Family: t.Family, Err: err}
	}

	fam, ok := reg.Get(t.Family)
	if !ok {
		return models.Forecast{}, fitErr(fmt.Errorf("unknown model family %q", t.Family))
	}
	chain, err := transformers.NewChain(t.Transformers)
	if err != nil {
		return models.Forecast{}, fitErr(err)
	}
	transformed, err := chain.FitTransform(values)
	if err != nil {
		return models.Forecast{}, fitErr(err)
	}
	model, err := fam.New(t.Params)
	if err != nil {
		return models.Forecast{}, fitErr(err)
	}

	series := models.Series{Values: transformed}
	req := models.Request{Horizon: horizon, Interval: interval}
	if fam.Regressors && len(regressors) > 0 {
		series.Regressors = regressors
		req.Future = future
	}
	if err := model.Fit(ctx, series); err != nil {
		return models.Forecast{}, fitErr(err)
	}
	fc, err := model.Predict(ctx, req)
	if err != nil {
		return models.Forecast{}, fitErr(err)
	}

	out := models.Forecast{
		Point: chain.Inverse(fc.Point),
		Lower: chain.Inverse(fc.Lower),
		Upper: chain.Inverse(fc.Upper),
	}
	for i, p := range out.Point {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return models.Forecast{}, fitErr(fmt.Errorf("non-finite forecast at step %d", i))
		}
	}
	RepairBounds(out)
	if err := out.Validate(horizon); err != nil {
		return models.Forecast{}, fitErr(err)
	}
	return out, nil
}

// RepairBounds replaces non-finite bounds with the point forecast and
// widens inverted bounds so that lower <= point <= upper.
func RepairBounds(fc models.Forecast) {
	for i, p := range fc.Point {
		if i >= len(fc.Lower) || i >= len(fc.Upper) {
			return
		}
		if math.IsNaN(fc.Lower[i]) || math.IsInf(fc.Lower[i], 0) {
			fc.Lower[i] = p
		}
		if math.IsNaN(fc.Upper[i]) || math.IsInf(fc.Upper[i], 0) {
			fc.Upper[i] = p
		}
		lo, hi := math.Min(fc.Lower[i], fc.Upper[i]), math.Max(fc.Lower[i], fc.Upper[i])
		fc.Lower[i] = math.Min(lo, p)
		fc.Upper[i] = math.Max(hi, p)
	}
}
