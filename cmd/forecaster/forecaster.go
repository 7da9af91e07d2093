// Package main implements the forecast loop orchestration.
//
// This file contains the Forecaster type which orchestrates one run:
//
//	load history → search and ensemble → write outputs → publish snapshot
//
// The Forecaster runs once, or continuously via Run() when an interval is
// configured, executing Tick() each time. Each tick performs one complete
// run and replaces the published snapshot served by the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HatiCode/evolvecast/cmd/forecaster/metrics"
	"github.com/HatiCode/evolvecast/pkg/archive"
	"github.com/HatiCode/evolvecast/pkg/autots"
	"github.com/HatiCode/evolvecast/pkg/ensemble"
	"github.com/HatiCode/evolvecast/pkg/executor"
	"github.com/HatiCode/evolvecast/pkg/storage"
)

// errNotPublished is reported by Ready until the first snapshot is stored.
var errNotPublished = errors.New("no forecast published yet")

// Forecaster orchestrates the forecast loop: load → run → output → publish.
type Forecaster struct {
	name     string
	runner   *autots.Runner
	source   HistorySource
	store    storage.Store
	outputs  Outputs
	interval float64
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	published time.Time
	onPublish func()

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a new Forecaster. interval is the prediction interval stored
// with each snapshot.
func New(
	name string,
	runner *autots.Runner,
	source HistorySource,
	store storage.Store,
	outputs Outputs,
	interval float64,
	logger *slog.Logger,
	metrics *metrics.Metrics,
) *Forecaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forecaster{
		name:     name,
		runner:   runner,
		source:   source,
		store:    store,
		outputs:  outputs,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		stop:     make(chan struct{}),
	}
}

// Stop ends Run after the current tick. Cancel the context passed to Run
// to abort the tick itself.
func (f *Forecaster) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
}

// OnPublish registers fn to run after every published snapshot.
func (f *Forecaster) OnPublish(fn func()) {
	f.mu.Lock()
	f.onPublish = fn
	f.mu.Unlock()
}

// Ready returns nil once a snapshot has been published.
func (f *Forecaster) Ready() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.published.IsZero() {
		return errNotPublished
	}
	return nil
}

// Run executes Tick every interval until ctx is canceled or Stop is called.
// A zero interval runs a single tick and returns its error.
func (f *Forecaster) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		return f.Tick(ctx)
	}
	f.logger.Info("starting forecast loop", "interval", every)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	age := time.NewTicker(15 * time.Second)
	defer age.Stop()

	if err := f.Tick(ctx); err != nil {
		f.logger.Error("initial forecast tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("forecast loop stopped")
			return ctx.Err()
		case <-f.stop:
			f.logger.Info("forecast loop stopped")
			return nil
		case <-age.C:
			f.updateAge()
		case <-ticker.C:
			if err := f.Tick(ctx); err != nil {
				f.logger.Error("forecast tick failed", "error", err)
			}
		}
	}
}

// Tick performs one forecast run.
func (f *Forecaster) Tick(ctx context.Context) error {
	history, regressors, err := f.source.Load(ctx)
	if err != nil {
		f.recordError("data", "load_failed")
		return fmt.Errorf("load history: %w", err)
	}

	res, err := f.runner.Run(ctx, history, regressors)
	if res == nil {
		f.recordError("run", runFailure(err))
		return fmt.Errorf("run: %w", err)
	}
	if err != nil {
		// The forecast is complete; only the template export failed.
		f.recordError("archive", "export_failed")
		f.logger.Error("template export failed", "run_id", res.RunID, "error", err)
	}

	if err := f.outputs.Write(res.Forecast); err != nil {
		f.recordError("output", "write_failed")
		return fmt.Errorf("write outputs: %w", err)
	}

	now := time.Now()
	snapshot, err := storage.NewSnapshot(f.name, res.RunID, res.Forecast, f.interval, now)
	if err != nil {
		f.recordError("store", "snapshot_failed")
		return fmt.Errorf("build snapshot: %w", err)
	}
	if err := f.store.Put(ctx, snapshot); err != nil {
		f.recordError("store", "put_failed")
		return fmt.Errorf("store: %w", err)
	}

	if err := f.outputs.RenderLeaderboard(res); err != nil {
		f.logger.Warn("failed to render leaderboard", "error", err)
	}

	if f.metrics != nil {
		f.metrics.RecordRun(res.Duration, len(res.Dropped), res.Interrupted)
		f.metrics.SetForecastAge(0)
	}

	f.mu.Lock()
	f.published = now
	onPublish := f.onPublish
	f.mu.Unlock()
	if onPublish != nil {
		onPublish()
	}

	f.logger.Info("forecast published",
		"name", f.name,
		"run_id", res.RunID,
		"mode", string(res.Plan.Mode),
		"kind", string(res.Deployed.Spec.Kind),
		"series", len(snapshot.Series),
		"horizon", len(snapshot.Index),
		"interval", executor.FormatInterval(f.interval),
		"exported", res.Exported,
		"archived", res.Archived,
		"interrupted", res.Interrupted,
		"total_ms", res.Duration.Milliseconds(),
	)
	return nil
}

func (f *Forecaster) updateAge() {
	f.mu.RLock()
	published := f.published
	f.mu.RUnlock()
	if f.metrics != nil && !published.IsZero() {
		f.metrics.SetForecastAge(time.Since(published).Seconds())
	}
}

func (f *Forecaster) recordError(component, reason string) {
	if f.metrics != nil {
		f.metrics.RecordError(component, reason)
	}
}

// runFailure maps a failed run to an error reason label.
func runFailure(err error) string {
	switch {
	case errors.Is(err, autots.ErrNoSeries):
		return "no_series"
	case errors.Is(err, ensemble.ErrEnsembleInfeasible):
		return "infeasible"
	case errors.Is(err, archive.ErrArchiveCorrupt):
		return "archive_corrupt"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "run_failed"
	}
}
