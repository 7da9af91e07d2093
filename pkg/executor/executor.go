// Package executor fits the chosen deployable unit on the full history and
// produces the final point, lower and upper forecasts.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/evolvecast/pkg/dataset"
	"github.com/HatiCode/evolvecast/pkg/ensemble"
	"github.com/HatiCode/evolvecast/pkg/models"
	"github.com/HatiCode/evolvecast/pkg/template"
	"github.com/HatiCode/evolvecast/pkg/validation"
)

// Config controls the final fit.
type Config struct {
	Horizon int

	// Interval is the prediction interval probability, e.g. 0.9.
	Interval float64

	// Constraint clips every output to [min - c*std, max + c*std] of the
	// series history. Zero disables clipping.
	Constraint float64

	// Workers bounds the number of series fitted concurrently. Zero uses
	// every CPU.
	Workers int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Horizon <= 0 {
		return fmt.Errorf("horizon must be > 0, got %d", c.Horizon)
	}
	if c.Interval <= 0 || c.Interval >= 1 {
		return fmt.Errorf("prediction interval must be in (0, 1), got %v", c.Interval)
	}
	if c.Constraint < 0 {
		return fmt.Errorf("constraint must be >= 0, got %v", c.Constraint)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	return nil
}

// Forecast is the output of a run. The three frames share the future index
// and hold only the series that could be forecast.
type Forecast struct {
	Point *dataset.Frame
	Lower *dataset.Frame
	Upper *dataset.Frame

	// Assignment describes the template serving each series.
	Assignment map[string]string
	Kind       ensemble.Kind
	SpecID     string
}

// Executor runs the final fit.
type Executor struct {
	registry *models.Registry
	cfg      Config
	logger   *slog.Logger
}

func New(reg *models.Registry, cfg Config, logger *slog.Logger) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: reg, cfg: cfg, logger: logger}, nil
}

type seriesOutput struct {
	fc models.Forecast
	ok bool
}

// Run fits the members of spec that each series can use on that series of
// data and combines the member forecasts. templates must hold every member of spec. Members that
// fail on a series are left out of that series; series without any usable
// forecast are omitted. When no series remains the error wraps
// ensemble.ErrEnsembleInfeasible.
func (e *Executor) Run(ctx context.Context, data *validation.Data, spec ensemble.Spec, templates map[string]template.Template) (*Forecast, error) {
	start := time.Now()
	history := data.History
	n, h := history.Len(), e.cfg.Horizon

	members := spec.Members()
	if len(members) == 0 {
		return nil, fmt.Errorf("ensemble %s has no members: %w", spec.ID, ensemble.ErrEnsembleInfeasible)
	}
	for _, id := range members {
		if _, ok := templates[id]; !ok {
			return nil, fmt.Errorf("ensemble %s references unknown template %s", spec.ID, id)
		}
	}

	var regressors, future [][]float64
	if data.Regressors != nil {
		if len(data.Regressors) < n+h {
			return nil, fmt.Errorf("regressors have %d rows, need %d", len(data.Regressors), n+h)
		}
		regressors, future = data.Regressors[:n], data.Regressors[n:n+h]
	}

	index, err := history.FutureIndex(h)
	if err != nil {
		return nil, fmt.Errorf("future index: %w", err)
	}

	outputs := make([]seriesOutput, len(history.Columns))
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for c, name := range history.Columns {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			needed := spec.SeriesMembers(name)
			forecasts := make(map[string]models.Forecast, len(needed))
			for _, id := range needed {
				fc, err := validation.RunTemplate(ctx, e.registry, templates[id], history.Values[c], regressors, future, h, e.cfg.Interval)
				if err != nil {
					e.logger.Debug("member failed on series", "series", name, "template", id, "error", err)
					continue
				}
				forecasts[id] = fc
			}
			fc, ok := spec.Combine(name, forecasts)
			if !ok || fc.Validate(h) != nil {
				e.logger.Warn("series omitted, no usable forecast", "series", name, "members", len(needed), "succeeded", len(forecasts))
				return nil
			}
			validation.RepairBounds(fc)
			if e.cfg.Constraint > 0 {
				lo, hi, ok := ConstraintBounds(history.Values[c], e.cfg.Constraint)
				if ok {
					Clip(fc, lo, hi)
				}
			}
			outputs[c] = seriesOutput{fc: fc, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("final fit interrupted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("final fit interrupted: %w", err)
	}

	var columns []string
	var kept []models.Forecast
	for c, out := range outputs {
		if out.ok {
			columns = append(columns, history.Columns[c])
			kept = append(kept, out.fc)
		}
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("no series could be forecast with %s: %w", spec.Kind, ensemble.ErrEnsembleInfeasible)
	}

	result := &Forecast{
		Point:      dataset.Empty(index, columns),
		Lower:      dataset.Empty(index, columns),
		Upper:      dataset.Empty(index, columns),
		Assignment: make(map[string]string, len(columns)),
		Kind:       spec.Kind,
		SpecID:     spec.ID,
	}
	for i, name := range columns {
		copy(result.Point.Values[i], kept[i].Point)
		copy(result.Lower.Values[i], kept[i].Lower)
		copy(result.Upper.Values[i], kept[i].Upper)
		result.Assignment[name] = spec.Assignment(name)
	}
	if history.Freq > 0 {
		result.Point.Freq, result.Lower.Freq, result.Upper.Freq = history.Freq, history.Freq, history.Freq
	}

	if omitted := len(history.Columns) - len(columns); omitted > 0 {
		e.logger.Warn("forecast omits series", "omitted", omitted, "kept", len(columns))
	}
	e.logger.Info("final forecast complete",
		"kind", spec.Kind,
		"members", len(members),
		"series", len(columns),
		"horizon", h,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}
