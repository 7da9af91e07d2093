package ensemble

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/HatiCode/evolvecast/pkg/models"
	"github.com/HatiCode/evolvecast/pkg/template"
	"github.com/HatiCode/evolvecast/pkg/validation"
)

// Candidate is a validated template with all of its results.
type Candidate struct {
	Template       template.Template
	Summary        validation.Summary
	FullyValidated bool
	Results        []validation.Result
}

// Config controls which ensembles are built.
type Config struct {
	Kinds []Kind

	// Size is the number of members of simple and distance ensembles.
	Size int

	// HorizontalMinPool restricts horizontal-min to the globally best templates.
	HorizontalMinPool int

	// MosaicBucket is the number of forecast steps per mosaic bucket.
	MosaicBucket int

	Interval float64
	Weights  validation.Weights
}

// DefaultConfig returns the cold start ensemble settings.
func DefaultConfig() Config {
	return Config{
		Kinds:             []Kind{Simple, Distance, HorizontalMax, HorizontalMin},
		Size:              3,
		HorizontalMinPool: 5,
		MosaicBucket:      7,
		Interval:          0.9,
		Weights:           validation.DefaultWeights(),
	}
}

// Scored is a spec with its validation summary.
type Scored struct {
	Spec    Spec
	Summary validation.Summary
}

// Builder builds and scores ensembles for one run.
type Builder struct {
	cfg    Config
	splits []validation.Split
	logger *slog.Logger
}

// NewBuilder returns a builder for candidates validated on splits.
func NewBuilder(cfg Config, splits []validation.Split, logger *slog.Logger) (*Builder, error) {
	if cfg.Size < 1 {
		return nil, fmt.Errorf("ensemble size must be >= 1, got %d", cfg.Size)
	}
	if cfg.HorizontalMinPool < 1 {
		return nil, fmt.Errorf("horizontal-min pool must be >= 1, got %d", cfg.HorizontalMinPool)
	}
	if cfg.MosaicBucket < 1 {
		return nil, fmt.Errorf("mosaic bucket must be >= 1, got %d", cfg.MosaicBucket)
	}
	if len(splits) == 0 {
		return nil, errors.New("no validation splits")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{cfg: cfg, splits: splits, logger: logger}, nil
}

// Choose builds every allowed spec, scores each, and returns the lowest
// scoring one along with all scored specs. candidates must be in rank
// order, best first. Ties prefer the single best template, then the order
// of the allow-list.
func (b *Builder) Choose(series []string, candidates []Candidate) (Scored, []Scored, error) {
	specs, err := b.Build(series, candidates)
	if err != nil {
		return Scored{}, nil, err
	}
	var all []Scored
	for _, s := range specs {
		scored := b.Score(s, series, candidates)
		b.logger.Debug("ensemble scored", "kind", string(s.Kind), "id", s.ID, "members", len(s.Members()),
			"score", scored.Summary.Score, "splits", scored.Summary.Splits)
		all = append(all, scored)
	}
	best := all[0]
	for _, s := range all[1:] {
		if s.Summary.Failed {
			continue
		}
		if best.Summary.Failed || s.Summary.Score < best.Summary.Score {
			best = s
		}
	}
	if best.Summary.Failed && !hasFinite(best) {
		return Scored{}, all, ErrEnsembleInfeasible
	}
	return best, all, nil
}

func hasFinite(s Scored) bool {
	for _, v := range s.Summary.SeriesScores {
		if !math.IsInf(v, 1) {
			return true
		}
	}
	return false
}

// Build returns the single best template followed by one spec per allowed
// kind that can be built. When no template forecasts every series, the
// single template is omitted and a horizontal-max spec is always built.
func (b *Builder) Build(series []string, candidates []Candidate) ([]Spec, error) {
	usable := slices.ContainsFunc(candidates, func(c Candidate) bool {
		if !c.Summary.Failed {
			return true
		}
		for _, v := range c.Summary.SeriesScores {
			if !math.IsInf(v, 1) {
				return true
			}
		}
		return false
	})
	if !usable {
		return nil, ErrEnsembleInfeasible
	}

	fallback, complete := b.globalBest(candidates)
	var specs []Spec
	kinds := slices.Clone(b.cfg.Kinds)
	if complete {
		specs = append(specs, Single(fallback))
	} else if !slices.Contains(kinds, HorizontalMax) {
		kinds = append([]Kind{HorizontalMax}, kinds...)
	}

	for _, k := range kinds {
		var (
			spec Spec
			ok   bool
		)
		switch k {
		case Simple:
			spec, ok = b.simple(candidates)
		case Distance:
			spec, ok = b.distance(candidates)
		case HorizontalMax:
			spec, ok = b.horizontal(HorizontalMax, series, candidates, fallback)
		case HorizontalMin:
			pool := nonFailed(candidates)
			if len(pool) > b.cfg.HorizontalMinPool {
				pool = pool[:b.cfg.HorizontalMinPool]
			}
			spec, ok = b.horizontal(HorizontalMin, series, pool, fallback)
		case Mosaic:
			spec, ok = b.mosaic(series, candidates, fallback)
		}
		if ok {
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return nil, ErrEnsembleInfeasible
	}
	return specs, nil
}

// globalBest returns the best template forecasting every series, or the
// one with the lowest mean finite series score when none does. When every
// split was degenerate all scores tie and rank order (runtime, then id)
// decides.
func (b *Builder) globalBest(candidates []Candidate) (string, bool) {
	for _, c := range candidates {
		if !c.Summary.Failed {
			return c.Template.ID, true
		}
	}
	best, bestScore := "", math.Inf(1)
	for _, c := range candidates {
		sum, n := 0.0, 0
		for _, v := range c.Summary.SeriesScores {
			if !math.IsInf(v, 1) {
				sum += v
				n++
			}
		}
		if n == 0 {
			continue
		}
		if mean := sum / float64(n); mean < bestScore || (mean == bestScore && c.Template.ID < best) {
			best, bestScore = c.Template.ID, mean
		}
	}
	return best, false
}

func nonFailed(candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if !c.Summary.Failed {
			out = append(out, c)
		}
	}
	return out
}

// validatedPool returns the non-failed, fully validated candidates, or all
// non-failed candidates when none was fully validated.
func validatedPool(candidates []Candidate) []Candidate {
	ok := nonFailed(candidates)
	var full []Candidate
	for _, c := range ok {
		if c.FullyValidated {
			full = append(full, c)
		}
	}
	if len(full) > 0 {
		return full
	}
	return ok
}

func inverseWeights(ids []string, costs []float64) map[string]float64 {
	weights := make(map[string]float64, len(ids))
	total := 0.0
	for i, id := range ids {
		w := 1 / (costs[i] + 1e-9)
		weights[id] = w
		total += w
	}
	for id := range weights {
		weights[id] /= total
	}
	return weights
}

func (b *Builder) simple(candidates []Candidate) (Spec, bool) {
	pool := validatedPool(candidates)
	if len(pool) < 2 {
		return Spec{}, false
	}
	pool = pool[:min(b.cfg.Size, len(pool))]
	ids := make([]string, len(pool))
	costs := make([]float64, len(pool))
	for i, c := range pool {
		ids[i], costs[i] = c.Template.ID, c.Summary.Score
	}
	return Spec{Kind: Simple, Weights: inverseWeights(ids, costs), Fallback: ids[0]}.finalize(), true
}

// distance weights members by recency-decayed cost: the k-th most recent
// split counts 0.5^k.
func (b *Builder) distance(candidates []Candidate) (Spec, bool) {
	recency := b.recencyRank()
	type decayed struct {
		id   string
		cost float64
	}
	var ranked []decayed
	for _, c := range validatedPool(candidates) {
		var sum, norm float64
		for _, r := range c.Results {
			k, ok := recency[r.SplitID]
			if !ok || r.Unscored() {
				continue
			}
			w := math.Pow(0.5, float64(k))
			sum += w * r.Score(b.cfg.Weights)
			norm += w
		}
		if norm == 0 || math.IsInf(sum, 0) || math.IsNaN(sum) {
			continue
		}
		ranked = append(ranked, decayed{c.Template.ID, sum / norm})
	}
	if len(ranked) < 2 {
		return Spec{}, false
	}
	slices.SortStableFunc(ranked, func(x, y decayed) int {
		return cmp.Or(cmp.Compare(x.cost, y.cost), cmp.Compare(x.id, y.id))
	})
	ranked = ranked[:min(b.cfg.Size, len(ranked))]
	ids := make([]string, len(ranked))
	costs := make([]float64, len(ranked))
	for i, d := range ranked {
		ids[i], costs[i] = d.id, d.cost
	}
	return Spec{Kind: Distance, Weights: inverseWeights(ids, costs), Fallback: ids[0]}.finalize(), true
}

// recencyRank maps split ids to their recency order, 0 for the split with
// the latest holdout.
func (b *Builder) recencyRank() map[int]int {
	splits := slices.Clone(b.splits)
	slices.SortStableFunc(splits, func(x, y validation.Split) int { return y.TrainEnd - x.TrainEnd })
	out := make(map[int]int, len(splits))
	for k, s := range splits {
		out[s.ID] = k
	}
	return out
}

// seriesRanking returns the candidates that forecast a series, best first:
// fully validated before partial, then by series score and id.
func seriesRanking(name string, candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if v, ok := c.Summary.SeriesScores[name]; ok && !math.IsInf(v, 1) {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(x, y Candidate) int {
		if x.FullyValidated != y.FullyValidated {
			if x.FullyValidated {
				return -1
			}
			return 1
		}
		return cmp.Or(
			cmp.Compare(x.Summary.SeriesScores[name], y.Summary.SeriesScores[name]),
			cmp.Compare(x.Template.ID, y.Template.ID),
		)
	})
	return out
}

func (b *Builder) horizontal(kind Kind, series []string, candidates []Candidate, fallback string) (Spec, bool) {
	assign := map[string]string{}
	for _, name := range series {
		if ranked := seriesRanking(name, candidates); len(ranked) > 0 {
			assign[name] = ranked[0].Template.ID
		}
	}
	if len(assign) == 0 {
		return Spec{}, false
	}
	return Spec{Kind: kind, Series: assign, Fallback: fallback}.finalize(), true
}

func (b *Builder) mosaic(series []string, candidates []Candidate, fallback string) (Spec, bool) {
	base, ok := b.horizontal(HorizontalMax, series, candidates, fallback)
	if !ok {
		return Spec{}, false
	}
	horizon := b.splits[0].Horizon
	buckets := (horizon + b.cfg.MosaicBucket - 1) / b.cfg.MosaicBucket
	mosaic := map[string][]string{}
	for _, name := range series {
		ranked := seriesRanking(name, candidates)
		if len(ranked) == 0 {
			continue
		}
		ids := make([]string, buckets)
		for bk := range buckets {
			lo, hi := bk*b.cfg.MosaicBucket, min((bk+1)*b.cfg.MosaicBucket, horizon)
			bestID, bestErr := base.Series[name], math.Inf(1)
			for _, c := range ranked {
				if e := bucketError(c, name, lo, hi); e < bestErr {
					bestID, bestErr = c.Template.ID, e
				}
			}
			ids[bk] = bestID
		}
		mosaic[name] = ids
	}
	return Spec{Kind: Mosaic, Series: base.Series, Mosaic: mosaic, Bucket: b.cfg.MosaicBucket, Fallback: fallback}.finalize(), true
}

// bucketError is the mean scaled absolute error of a candidate on steps
// [lo, hi) of a series over all of its results.
func bucketError(c Candidate, name string, lo, hi int) float64 {
	sum, n := 0.0, 0
	for _, r := range c.Results {
		sr, ok := r.Series[name]
		if !ok || sr.Err != nil {
			continue
		}
		for i := lo; i < hi && i < len(sr.AbsError); i++ {
			if !math.IsNaN(sr.AbsError[i]) {
				sum += sr.AbsError[i]
				n++
			}
		}
	}
	if n == 0 {
		return math.Inf(1)
	}
	return sum / float64(n)
}

// Score evaluates spec on every split on which all of its members were
// validated, by combining member holdout forecasts.
func (b *Builder) Score(spec Spec, series []string, candidates []Candidate) Scored {
	byID := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.Template.ID] = c
	}
	members := spec.Members()

	var results []validation.Result
	for _, split := range b.splits {
		memberResults := make(map[string]validation.Result, len(members))
		for _, id := range members {
			c, ok := byID[id]
			if !ok {
				continue
			}
			for _, r := range c.Results {
				if r.SplitID == split.ID {
					memberResults[id] = r
				}
			}
		}
		if len(memberResults) != len(members) {
			continue
		}
		results = append(results, b.scoreSplit(spec, split, series, memberResults))
	}
	return Scored{Spec: spec, Summary: validation.Summarize(spec.ID, results, b.cfg.Weights)}
}

func (b *Builder) scoreSplit(spec Spec, split validation.Split, series []string, members map[string]validation.Result) validation.Result {
	res := validation.Result{TemplateID: spec.ID, SplitID: split.ID, Series: map[string]validation.SeriesResult{}}
	for _, name := range series {
		forecasts := map[string]models.Forecast{}
		var (
			holdout  validation.Holdout
			found    bool
			excluded bool
			runtime  time.Duration
		)
		for id, r := range members {
			if slices.Contains(r.Excluded, name) {
				excluded = true
			}
			sr, ok := r.Series[name]
			if !ok || sr.Err != nil || !isFinite(sr.Forecast) {
				continue
			}
			forecasts[id] = sr.Forecast
			holdout, found = sr.Holdout, true
			runtime += sr.Runtime
			res.Runtime += sr.Runtime
		}
		if excluded && !found {
			res.Excluded = append(res.Excluded, name)
			continue
		}
		fc, ok := spec.Combine(name, forecasts)
		if !found || !ok {
			res.Series[name] = validation.SeriesResult{Err: fmt.Errorf("no member forecast for series %s", name)}
			continue
		}
		m, err := validation.ComputeMetrics(holdout, fc, b.cfg.Interval, runtime)
		if err != nil {
			res.Series[name] = validation.SeriesResult{Err: err}
			continue
		}
		res.Series[name] = validation.SeriesResult{
			Metrics:  m,
			Forecast: fc,
			Holdout:  holdout,
			AbsError: validation.AbsErrors(holdout, fc.Point),
			Runtime:  runtime,
		}
	}
	slices.Sort(res.Excluded)
	return res
}
