// Package autots runs the whole forecasting pipeline once: data quality
// checks, archive import, the evolutionary search, ensemble selection, the
// final fit and the archive export.
//
//	filter → split → seed → evolve → ensemble → execute → export
package autots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/HatiCode/evolvecast/pkg/archive"
	"github.com/HatiCode/evolvecast/pkg/dataset"
	"github.com/HatiCode/evolvecast/pkg/ensemble"
	"github.com/HatiCode/evolvecast/pkg/evolve"
	"github.com/HatiCode/evolvecast/pkg/executor"
	"github.com/HatiCode/evolvecast/pkg/models"
	"github.com/HatiCode/evolvecast/pkg/template"
	"github.com/HatiCode/evolvecast/pkg/transformers"
	"github.com/HatiCode/evolvecast/pkg/validation"
)

// ErrNoSeries is returned when every series failed the data-quality checks.
var ErrNoSeries = errors.New("no series left after data-quality checks")

// Result is the outcome of a run.
type Result struct {
	RunID    string
	Plan     Plan
	Forecast *executor.Forecast

	// Deployed is the chosen template or ensemble; Ensembles holds every
	// scored alternative.
	Deployed  ensemble.Scored
	Ensembles []ensemble.Scored

	// Leaderboard ranks every evaluated template, best first.
	Leaderboard []evolve.Candidate
	History     []evolve.GenerationRecord
	Splits      []validation.Split
	Dropped     []*dataset.QualityError

	Interrupted bool
	Exported    int
	Archived    string
	Duration    time.Duration
}

// Runner executes runs. A Runner may be reused; runs must not overlap.
type Runner struct {
	cfg      Config
	registry *models.Registry
	store    *archive.Store
	observer evolve.Observer
	logger   *slog.Logger

	mu        sync.Mutex
	interrupt context.CancelFunc
}

// NewRunner returns a runner. store may be nil to run without an archive;
// observer may be nil.
func NewRunner(cfg Config, reg *models.Registry, store *archive.Store, observer evolve.Observer, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, registry: reg, store: store, observer: observer, logger: logger}, nil
}

// Interrupt stops the search of the current run. The run still selects,
// fits and exports from whatever was evaluated. It is safe to call from
// any goroutine and a no-op between runs.
func (r *Runner) Interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interrupt != nil {
		r.interrupt()
	}
}

func (r *Runner) setInterrupt(cancel context.CancelFunc) {
	r.mu.Lock()
	r.interrupt = cancel
	r.mu.Unlock()
}

// Run forecasts every usable series of history. regressors may be nil; when
// set it must start with history and extend Horizon rows past it. Cancelling
// ctx aborts the run; use Interrupt to stop only the search.
//
// A failed export is returned together with the otherwise complete result.
func (r *Runner) Run(ctx context.Context, history, regressors *dataset.Frame) (*Result, error) {
	start := time.Now()
	cfg := r.cfg

	frame, dropped, err := r.prepare(history)
	if err != nil {
		return nil, err
	}
	data, err := validation.NewData(frame, regressors, cfg.Horizon)
	if err != nil {
		return nil, fmt.Errorf("regressors: %w", err)
	}
	splits, err := validation.Splits(frame, cfg.splitConfig())
	if err != nil {
		return nil, fmt.Errorf("validation splits: %w", err)
	}

	var archived []template.Template
	if r.store != nil {
		archived, err = r.store.Import(ctx)
		if err != nil {
			return nil, fmt.Errorf("import templates: %w", err)
		}
	}
	plan := cfg.Resolve(len(archived) > 0)
	r.logger.Info("run planned",
		"mode", string(plan.Mode),
		"series", len(frame.Columns),
		"rows", frame.Len(),
		"dropped", len(dropped),
		"splits", len(splits),
		"archived", len(archived),
		"generations", plan.Generations,
	)

	manager, err := r.newManager(plan, data, splits)
	if err != nil {
		return nil, err
	}
	if plan.Seed == evolve.SeedNone {
		archived = nil
	}
	state, err := manager.Seed(archived, plan.Seed)
	if err != nil {
		return nil, fmt.Errorf("seed population: %w", err)
	}

	searchCtx, cancel := context.WithCancel(ctx)
	r.setInterrupt(cancel)
	err = manager.Evolve(searchCtx, state)
	r.setInterrupt(nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled: %w", err)
	}

	ranked := manager.Rank(state)
	ensCfg := cfg.Ensemble
	ensCfg.Kinds = plan.Ensembles
	ensCfg.Interval = cfg.Interval
	ensCfg.Weights = cfg.Search.Weights
	builder, err := ensemble.NewBuilder(ensCfg, splits, r.logger)
	if err != nil {
		return nil, err
	}
	candidates := make([]ensemble.Candidate, len(ranked))
	templates := make(map[string]template.Template, len(ranked))
	for i, c := range ranked {
		candidates[i] = ensemble.Candidate{
			Template:       c.Template,
			Summary:        c.Summary,
			FullyValidated: c.FullyValidated,
			Results:        state.Results(c.Template.ID),
		}
		templates[c.Template.ID] = c.Template
	}
	deployed, scored, err := builder.Choose(frame.Columns, candidates)
	if err != nil {
		return nil, fmt.Errorf("choose ensemble: %w", err)
	}
	r.logger.Info("deployable unit chosen",
		"kind", string(deployed.Spec.Kind),
		"id", deployed.Spec.ID,
		"members", len(deployed.Spec.Members()),
		"score", deployed.Summary.Score,
		"alternatives", len(scored),
	)

	exec, err := executor.New(r.registry, executor.Config{
		Horizon:    cfg.Horizon,
		Interval:   cfg.Interval,
		Constraint: cfg.Constraint,
		Workers:    cfg.Search.Workers,
	}, r.logger)
	if err != nil {
		return nil, err
	}
	forecast, err := exec.Run(ctx, data, deployed.Spec, templates)
	if err != nil {
		return nil, fmt.Errorf("final forecast: %w", err)
	}

	res := &Result{
		RunID:       state.RunID,
		Plan:        plan,
		Forecast:    forecast,
		Deployed:    deployed,
		Ensembles:   scored,
		Leaderboard: ranked,
		History:     state.History,
		Splits:      splits,
		Dropped:     dropped,
		Interrupted: state.Interrupted,
	}

	switch {
	case r.store == nil:
	case plan.Mode == ModeFixed:
		r.logger.Info("archive left unchanged in fixed mode", "archive", r.store.Name())
	default:
		entries := exportEntries(manager.Select(state, plan.ExportCount, cfg.MaxPerFamily), deployed.Spec, templates, ranked)
		if err := r.store.Export(ctx, entries); err != nil {
			res.Duration = time.Since(start)
			return res, fmt.Errorf("export templates: %w", err)
		}
		res.Exported = len(entries)
		if cfg.ArchiveTemplates {
			res.Archived = r.store.Archive(ctx, entries[0])
		}
	}

	res.Duration = time.Since(start)
	r.logger.Info("run complete",
		"run_id", res.RunID,
		"series", len(forecast.Point.Columns),
		"interrupted", res.Interrupted,
		"exported", res.Exported,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// prepare aligns the history and drops series failing the quality checks.
func (r *Runner) prepare(history *dataset.Frame) (*dataset.Frame, []*dataset.QualityError, error) {
	if history == nil || history.Len() == 0 {
		return nil, nil, errors.New("history is empty")
	}
	frame := history
	if r.cfg.Frequency > 0 {
		aligned, err := dataset.Align(frame, r.cfg.Frequency, r.cfg.Aggregation)
		if err != nil {
			return nil, nil, fmt.Errorf("align history: %w", err)
		}
		frame = aligned
	}
	frame, dropped := dataset.FilterQuality(frame, r.cfg.Quality)
	for _, q := range dropped {
		r.logger.Warn("series dropped", "series", q.Series, "reason", q.Reason)
	}
	if len(frame.Columns) == 0 {
		return nil, dropped, ErrNoSeries
	}
	return frame, dropped, nil
}

func (r *Runner) newManager(plan Plan, data *validation.Data, splits []validation.Split) (*evolve.Manager, error) {
	families, err := r.registry.Resolve(r.cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("model list: %w", err)
	}
	trans, err := transformers.Resolve(r.cfg.Transformers)
	if err != nil {
		return nil, fmt.Errorf("transformer list: %w", err)
	}
	gen, err := template.NewGenerator(r.registry, families, trans, r.cfg.TransformerMaxDepth)
	if err != nil {
		return nil, err
	}
	search := r.cfg.Search
	search.MaxGenerations = plan.Generations
	search.SurvivorFraction = plan.SurvivorFraction
	engine := validation.NewEngine(r.registry, r.cfg.Interval, r.logger)
	return evolve.NewManager(search, engine, gen, data, splits, r.observer, r.logger)
}

// exportEntries returns the members of the deployed spec in rank order,
// followed by the selection. Members are tagged with the spec kind.
func exportEntries(selected []evolve.Candidate, spec ensemble.Spec, templates map[string]template.Template, ranked []evolve.Candidate) []archive.Entry {
	members := spec.Members()
	var out []archive.Entry
	seen := map[string]bool{}
	for _, c := range ranked {
		if slices.Contains(members, c.Template.ID) && !seen[c.Template.ID] {
			seen[c.Template.ID] = true
			out = append(out, archive.Entry{Template: templates[c.Template.ID], Ensemble: string(spec.Kind)})
		}
	}
	for _, c := range selected {
		if !seen[c.Template.ID] {
			seen[c.Template.ID] = true
			out = append(out, archive.Entry{Template: c.Template})
		}
	}
	return out
}
