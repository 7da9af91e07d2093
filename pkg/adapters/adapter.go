// Package adapters pulls historical series from external systems and
// assembles them into a wide dataset.Frame for the search.
//
// Available adapters:
//   - PrometheusAdapter: Prometheus range queries
//   - VictoriaMetricsAdapter: VictoriaMetrics via its Prometheus-compatible API
//   - HTTPAdapter: any JSON API, values extracted with gjson paths
//
// Adapters only fetch and normalize points. Alignment, quality checks and
// forecasting happen in the upper layers.
package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/evolvecast/pkg/dataset"
)

// Point is a single observation.
type Point struct {
	TS    time.Time
	Value float64
}

// Adapter fetches one series from an external system.
//
// Collect returns the points observed in the last window, sorted by time.
// It must respect context cancellation and never panic.
type Adapter interface {
	Collect(ctx context.Context, window time.Duration) ([]Point, error)

	// Name returns a short identifier such as "prometheus" or "http".
	Name() string
}

// Source binds an adapter to the column it fills.
type Source struct {
	Series  string
	Adapter Adapter
}

// Assemble collects every source concurrently and builds one frame with a
// column per source, aligned onto step with agg. A failing source fails the
// whole frame; a source returning no points becomes an all-missing column
// that the quality checks drop later.
func Assemble(ctx context.Context, sources []Source, window, step time.Duration, agg string, logger *slog.Logger) (*dataset.Frame, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no data sources configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	points := make([][]Point, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			start := time.Now()
			pts, err := src.Adapter.Collect(gctx, window)
			if err != nil {
				return fmt.Errorf("collect %s from %s: %w", src.Series, src.Adapter.Name(), err)
			}
			logger.Debug("series collected", "series", src.Series, "adapter", src.Adapter.Name(),
				"points", len(pts), "duration_ms", time.Since(start).Milliseconds())
			points[i] = pts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var index []time.Time
	for _, pts := range points {
		for _, p := range pts {
			index = append(index, p.TS)
		}
	}
	columns := make([]string, len(sources))
	values := make([][]float64, len(sources))
	off := 0
	for c, src := range sources {
		columns[c] = src.Series
		values[c] = make([]float64, len(index))
		for i := range values[c] {
			values[c][i] = math.NaN()
		}
		for j, p := range points[c] {
			values[c][off+j] = p.Value
		}
		off += len(points[c])
	}
	if len(index) == 0 {
		return nil, fmt.Errorf("data sources returned no points")
	}

	f, err := dataset.New(index, columns, values)
	if err != nil {
		return nil, err
	}
	return dataset.Align(f, step, agg)
}

func sortPoints(pts []Point) {
	slices.SortStableFunc(pts, func(a, b Point) int { return a.TS.Compare(b.TS) })
}
