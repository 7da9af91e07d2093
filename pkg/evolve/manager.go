package evolve

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/evolvecast/pkg/template"
	"github.com/HatiCode/evolvecast/pkg/validation"
)

// SeedMode controls how an imported archive seeds the population.
type SeedMode string

const (
	// SeedNone ignores any archive: the population is random.
	SeedNone SeedMode = "none"
	// SeedAddon adds the archive to a random population.
	SeedAddon SeedMode = "addon"
	// SeedOnly uses the archive as the whole population and disables breeding.
	SeedOnly SeedMode = "only"
)

// ParseSeedMode parses a seed mode name.
func ParseSeedMode(s string) (SeedMode, error) {
	switch m := SeedMode(s); m {
	case SeedNone, SeedAddon, SeedOnly:
		return m, nil
	case "":
		return SeedNone, nil
	}
	return "", fmt.Errorf("unknown import method %q (want none, addon or only)", s)
}

// Config controls the search.
type Config struct {
	// MaxGenerations is the number of breeding rounds after the seeded
	// population is scored. Zero scores the seed only.
	MaxGenerations int

	// PopulationSize is the number of random templates seeded on a cold start
	// or added to an archive in addon mode.
	PopulationSize int

	// NewPerGeneration is the number of children bred per generation.
	NewPerGeneration int

	// SurvivorFraction of the scored population is validated on every split
	// and used as breeding parents.
	SurvivorFraction float64

	// FreshFraction of each generation's children are new random templates.
	FreshFraction float64

	// Workers bounds concurrent evaluations; zero uses every CPU.
	Workers int

	Seed    uint64
	Weights validation.Weights
}

// DefaultConfig returns the cold start settings.
func DefaultConfig() Config {
	return Config{
		MaxGenerations:   30,
		PopulationSize:   40,
		NewPerGeneration: 20,
		SurvivorFraction: 0.2,
		FreshFraction:    0.1,
		Seed:             2022,
		Weights:          validation.DefaultWeights(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxGenerations < 0 {
		return fmt.Errorf("max generations must be >= 0, got %d", c.MaxGenerations)
	}
	if c.PopulationSize < 0 {
		return fmt.Errorf("population size must be >= 0, got %d", c.PopulationSize)
	}
	if c.MaxGenerations > 0 && c.NewPerGeneration < 1 {
		return fmt.Errorf("new candidates per generation must be >= 1, got %d", c.NewPerGeneration)
	}
	if c.SurvivorFraction <= 0 || c.SurvivorFraction > 1 {
		return fmt.Errorf("survivor fraction must be in (0, 1], got %v", c.SurvivorFraction)
	}
	if c.FreshFraction < 0 || c.FreshFraction > 1 {
		return fmt.Errorf("fresh fraction must be in [0, 1], got %v", c.FreshFraction)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	return c.Weights.Validate()
}

// Observer receives search progress. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveEvaluation(family string, split int, d time.Duration, err error)
	ObserveGeneration(rec GenerationRecord)
}

// Candidate is a ranked template.
type Candidate struct {
	Template template.Template
	Summary  validation.Summary

	// FullyValidated is set when the template was evaluated on every split.
	FullyValidated bool
}

// Manager drives the search. A Manager is used for one run.
type Manager struct {
	cfg       Config
	engine    *validation.Engine
	generator *template.Generator
	data      *validation.Data
	splits    []validation.Split
	rng       *rand.Rand
	observer  Observer
	logger    *slog.Logger
}

// NewManager returns a manager evaluating on the given splits. Split 0
// must be the final holdout.
func NewManager(cfg Config, engine *validation.Engine, gen *template.Generator, data *validation.Data,
	splits []validation.Split, observer Observer, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(splits) == 0 || splits[0].ID != 0 {
		return nil, errors.New("splits must start with split 0")
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		engine:    engine,
		generator: gen,
		data:      data,
		splits:    splits,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		observer:  observer,
		logger:    logger,
	}, nil
}

// Splits returns the validation splits.
func (m *Manager) Splits() []validation.Split { return m.splits }

// Weights returns the metric weights used for scoring.
func (m *Manager) Weights() validation.Weights { return m.cfg.Weights }

// Seed builds the initial state from an optional archive.
func (m *Manager) Seed(archived []template.Template, mode SeedMode) (*SearchState, error) {
	state := NewSearchState()
	switch mode {
	case SeedOnly:
		if len(archived) == 0 {
			return nil, errors.New("import method only needs a non-empty archive")
		}
		for _, t := range archived {
			state.Add(t)
		}
		state.Fixed = true
	case SeedAddon:
		for _, t := range archived {
			state.Add(t)
		}
		fallthrough
	case SeedNone, "":
		initial, err := m.generator.Initial(m.rng, m.cfg.PopulationSize)
		if err != nil {
			return nil, fmt.Errorf("sample initial population: %w", err)
		}
		for _, t := range initial {
			state.Add(t)
		}
	default:
		return nil, fmt.Errorf("unknown import method %q", mode)
	}
	if len(state.Population) == 0 {
		return nil, errors.New("seeded population is empty")
	}
	m.logger.Info("population seeded", "run_id", state.RunID, "mode", string(mode),
		"archived", len(archived), "population", len(state.Population))
	return state, nil
}

// Evolve scores the seeded population and then breeds up to MaxGenerations
// further generations. Cancelling ctx interrupts the search: unfinished
// evaluations are recorded as failed and Evolve returns nil so the caller
// can proceed to selection.
func (m *Manager) Evolve(ctx context.Context, state *SearchState) error {
	generations := m.cfg.MaxGenerations
	if state.Fixed {
		generations = 0
	}
	candidates := slices.Clone(state.Population)
	for g := 0; ; g++ {
		state.Generation = g
		rec := m.runGeneration(ctx, state, candidates)
		state.History = append(state.History, rec)
		if m.observer != nil {
			m.observer.ObserveGeneration(rec)
		}
		m.logger.Info("generation complete", "run_id", state.RunID, "generation", g,
			"candidates", len(rec.Candidates), "failed", rec.Failed, "best", rec.BestID,
			"best_score", rec.BestScore, "duration", rec.Duration)

		if rec.Interrupted {
			state.Interrupted = true
			m.logger.Warn("search interrupted", "run_id", state.RunID, "generation", g)
			return nil
		}
		if g >= generations {
			return nil
		}
		candidates = m.breed(state)
		if len(candidates) == 0 {
			m.logger.Info("search space exhausted", "run_id", state.RunID, "generation", g)
			return nil
		}
	}
}

type task struct {
	tpl   template.Template
	split validation.Split
}

// runGeneration evaluates new candidates on split 0, then validates the top
// SurvivorFraction of the whole scored population on the remaining splits.
func (m *Manager) runGeneration(ctx context.Context, state *SearchState, candidates []template.Template) GenerationRecord {
	start := time.Now()
	rec := GenerationRecord{Generation: state.Generation, BestScore: math.Inf(1)}
	for _, t := range candidates {
		rec.Candidates = append(rec.Candidates, t.ID)
	}

	var first []task
	for _, t := range candidates {
		if !state.Evaluated(t.ID, 0) {
			first = append(first, task{t, m.splits[0]})
		}
	}
	rec.Evaluated, rec.Failed = m.run(ctx, state, first)

	if ctx.Err() == nil && len(m.splits) > 1 {
		var second []task
		for _, c := range m.topBySplit0(state) {
			for _, s := range m.splits[1:] {
				if !state.Evaluated(c.ID, s.ID) {
					second = append(second, task{c, s})
				}
			}
		}
		evaluated, failed := m.run(ctx, state, second)
		rec.Evaluated += evaluated
		rec.Failed += failed
	}
	rec.Interrupted = ctx.Err() != nil

	if ranked := m.Rank(state); len(ranked) > 0 && !ranked[0].Summary.Failed {
		rec.BestID = ranked[0].Template.ID
		rec.BestScore = ranked[0].Summary.Score
	}
	rec.Duration = time.Since(start)
	return rec
}

// run evaluates tasks on the worker pool and blocks until all have
// reported. Tasks not started before ctx is cancelled are recorded as
// failed without running.
func (m *Manager) run(ctx context.Context, state *SearchState, tasks []task) (evaluated, failed int) {
	var g errgroup.Group
	g.SetLimit(m.cfg.Workers)
	results := make([]validation.Result, len(tasks))
	for i, tk := range tasks {
		g.Go(func() error {
			var r validation.Result
			if err := ctx.Err(); err != nil {
				r = validation.Result{TemplateID: tk.tpl.ID, SplitID: tk.split.ID, Err: fmt.Errorf("not evaluated: %w", err)}
			} else {
				r = m.engine.Evaluate(ctx, m.data, tk.tpl, tk.split)
			}
			state.Submit(r)
			if m.observer != nil {
				m.observer.ObserveEvaluation(tk.tpl.Family, tk.split.ID, r.Runtime, r.Err)
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		evaluated++
		if !r.Unscored() && math.IsInf(r.Score(m.cfg.Weights), 1) {
			failed++
		}
	}
	return evaluated, failed
}

func (m *Manager) survivorCount(n int) int {
	if n == 0 {
		return 0
	}
	return max(1, int(math.Ceil(m.cfg.SurvivorFraction*float64(n)-1e-9)))
}

// topBySplit0 returns the best SurvivorFraction of the non-failed
// population ranked on split 0 alone.
func (m *Manager) topBySplit0(state *SearchState) []template.Template {
	var scored []Candidate
	for _, id := range state.EvaluatedIDs() {
		r, ok := state.Result(id, 0)
		if !ok {
			continue
		}
		s := validation.Summarize(id, []validation.Result{r}, m.cfg.Weights)
		if s.Failed {
			continue
		}
		t, _ := state.Template(id)
		scored = append(scored, Candidate{Template: t, Summary: s})
	}
	slices.SortFunc(scored, compareReplayable)
	scored = scored[:m.survivorCount(len(scored))]
	out := make([]template.Template, len(scored))
	for i, c := range scored {
		out[i] = c.Template
	}
	return out
}

// Rank returns every evaluated template, best first: fully validated
// templates before partially validated ones, then by score, runtime and id.
// Failed templates come last.
func (m *Manager) Rank(state *SearchState) []Candidate {
	return m.rank(state, compareCandidates)
}

func (m *Manager) rank(state *SearchState, compare func(a, b Candidate) int) []Candidate {
	var out []Candidate
	for _, id := range state.EvaluatedIDs() {
		results := state.Results(id)
		t, _ := state.Template(id)
		out = append(out, Candidate{
			Template:       t,
			Summary:        validation.Summarize(id, results, m.cfg.Weights),
			FullyValidated: len(results) == len(m.splits),
		})
	}
	slices.SortFunc(out, compare)
	return out
}

func compareCandidates(a, b Candidate) int {
	return cmp.Or(compareStatus(a, b),
		cmp.Compare(a.Summary.Score, b.Summary.Score),
		cmp.Compare(a.Summary.Runtime, b.Summary.Runtime),
		cmp.Compare(a.Template.ID, b.Template.ID),
	)
}

// compareReplayable orders like compareCandidates without the runtime
// tie-break, so breeding replays exactly under a fixed seed.
func compareReplayable(a, b Candidate) int {
	return cmp.Or(compareStatus(a, b),
		cmp.Compare(a.Summary.Score, b.Summary.Score),
		cmp.Compare(a.Template.ID, b.Template.ID),
	)
}

func compareStatus(a, b Candidate) int {
	if a.Summary.Failed != b.Summary.Failed {
		if a.Summary.Failed {
			return 1
		}
		return -1
	}
	if a.FullyValidated != b.FullyValidated {
		if a.FullyValidated {
			return -1
		}
		return 1
	}
	return 0
}

// Survivors returns the best SurvivorFraction of the non-failed templates,
// the parents of the next generation.
func (m *Manager) Survivors(state *SearchState) []Candidate {
	var ok []Candidate
	for _, c := range m.rank(state, compareReplayable) {
		if !c.Summary.Failed {
			ok = append(ok, c)
		}
	}
	return ok[:m.survivorCount(len(ok))]
}

// Select returns up to n of the best non-failed templates, at most
// maxPerFamily of any one model family. maxPerFamily <= 0 disables the cap.
func (m *Manager) Select(state *SearchState, n, maxPerFamily int) []Candidate {
	perFamily := map[string]int{}
	var out []Candidate
	for _, c := range m.Rank(state) {
		if len(out) == n {
			break
		}
		if c.Summary.Failed {
			break
		}
		if maxPerFamily > 0 && perFamily[c.Template.Family] >= maxPerFamily {
			continue
		}
		perFamily[c.Template.Family]++
		out = append(out, c)
	}
	return out
}

// breed produces the next generation: mutations and crossovers of the
// survivors plus FreshFraction random templates. Children already in the
// population are discarded, so a generation may be smaller than
// NewPerGeneration when the space is nearly exhausted.
func (m *Manager) breed(state *SearchState) []template.Template {
	survivors := m.Survivors(state)
	want := m.cfg.NewPerGeneration
	fresh := int(math.Round(m.cfg.FreshFraction * float64(want)))
	if len(survivors) == 0 {
		fresh = want
	}

	var children []template.Template
	for attempt := 0; len(children) < want && attempt < 20*want; attempt++ {
		var (
			child template.Template
			err   error
		)
		switch {
		case len(children) < fresh:
			child, err = m.generator.Random(m.rng)
		case len(survivors) > 1 && m.rng.IntN(2) == 0:
			i := m.rng.IntN(len(survivors))
			j := (i + 1 + m.rng.IntN(len(survivors)-1)) % len(survivors)
			child, err = m.generator.Crossover(m.rng, survivors[i].Template, survivors[j].Template)
		default:
			child, err = m.generator.Mutate(m.rng, survivors[m.rng.IntN(len(survivors))].Template)
		}
		if err != nil {
			m.logger.Debug("breeding failed", "error", err)
			continue
		}
		if state.Add(child) {
			children = append(children, child)
		}
	}
	return children
}
