package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/HatiCode/evolvecast/cmd/forecaster/config"
	"github.com/HatiCode/evolvecast/pkg/adapters"
	"github.com/HatiCode/evolvecast/pkg/dataset"
)

// HistorySource loads the data of one run. regressors is nil when none are
// configured.
type HistorySource interface {
	Load(ctx context.Context) (history, regressors *dataset.Frame, err error)
}

// csvHistory reads a wide history CSV on every run.
type csvHistory struct {
	path       string
	regressors string
}

func (c *csvHistory) Load(context.Context) (*dataset.Frame, *dataset.Frame, error) {
	history, err := readCSV(c.path)
	if err != nil {
		return nil, nil, err
	}
	regressors, err := readRegressors(c.regressors)
	if err != nil {
		return nil, nil, err
	}
	return history, regressors, nil
}

// adapterHistory collects every configured source over the window.
type adapterHistory struct {
	sources    []adapters.Source
	window     time.Duration
	step       time.Duration
	agg        string
	regressors string
	logger     *slog.Logger
}

func (a *adapterHistory) Load(ctx context.Context) (*dataset.Frame, *dataset.Frame, error) {
	start := time.Now()
	history, err := adapters.Assemble(ctx, a.sources, a.window, a.step, a.agg, a.logger)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info("collected history",
		"sources", len(a.sources),
		"rows", history.Len(),
		"window", a.window,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	regressors, err := readRegressors(a.regressors)
	if err != nil {
		return nil, nil, err
	}
	return history, regressors, nil
}

// newHistorySource returns the CSV input when set and the configured data
// sources otherwise. step is the row frequency of assembled sources; zero
// means daily.
func newHistorySource(cfg *config.Config, step time.Duration, client *http.Client, logger *slog.Logger) (HistorySource, error) {
	if cfg.Input != "" {
		return &csvHistory{path: cfg.Input, regressors: cfg.Regressors}, nil
	}
	if cfg.File == nil || len(cfg.File.Sources) == 0 {
		return nil, fmt.Errorf("no history input or data sources configured")
	}
	if step <= 0 {
		step = 24 * time.Hour
	}

	sources := make([]adapters.Source, 0, len(cfg.File.Sources))
	for _, s := range cfg.File.Sources {
		a, err := adapters.New(s.Kind, s.Config, step)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", s.Series, err)
		}
		switch a := a.(type) {
		case *adapters.PrometheusAdapter:
			a.HTTPClient = client
		case *adapters.VictoriaMetricsAdapter:
			a.HTTPClient = client
		case *adapters.HTTPAdapter:
			a.HTTPClient = client
		}
		sources = append(sources, adapters.Source{Series: s.Series, Adapter: a})
	}
	return &adapterHistory{
		sources:    sources,
		window:     cfg.Window,
		step:       step,
		agg:        cfg.Aggregate,
		regressors: cfg.Regressors,
		logger:     logger,
	}, nil
}

func readCSV(path string) (*dataset.Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	f, err := dataset.ReadCSV(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return f, nil
}

func readRegressors(path string) (*dataset.Frame, error) {
	if path == "" {
		return nil, nil
	}
	return readCSV(path)
}
