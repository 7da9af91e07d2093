package autots

import (
	"fmt"
	"time"

	"github.com/HatiCode/evolvecast/pkg/dataset"
	"github.com/HatiCode/evolvecast/pkg/ensemble"
	"github.com/HatiCode/evolvecast/pkg/evolve"
	"github.com/HatiCode/evolvecast/pkg/validation"
)

// Mode selects how a run uses the template archive.
type Mode string

const (
	// ModeAuto starts cold when no archive exists and otherwise evolves
	// or reuses the archive depending on Config.Evolve.
	ModeAuto Mode = "auto"

	// ModeCold ignores any archive and searches from random templates.
	ModeCold Mode = "cold"

	// ModeEvolve adds the archive to a fresh population and keeps searching.
	ModeEvolve Mode = "evolve"

	// ModeFixed evaluates only the archived templates.
	ModeFixed Mode = "fixed"
)

// ParseMode parses a run mode. "true" and "false" are accepted for the
// cold start switch: true is cold, false is auto.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(ModeAuto), "false":
		return ModeAuto, nil
	case string(ModeCold), "true":
		return ModeCold, nil
	case string(ModeEvolve):
		return ModeEvolve, nil
	case string(ModeFixed):
		return ModeFixed, nil
	}
	return "", fmt.Errorf("unknown mode %q (want auto, cold, evolve or fixed)", s)
}

// Config is everything a run needs besides its data.
type Config struct {
	Horizon  int
	Interval float64

	// Frequency realigns the history onto a regular grid, combining rows
	// with Aggregation. Zero keeps the input index.
	Frequency   time.Duration
	Aggregation string

	Quality dataset.QualityOptions

	Strategy       validation.Strategy
	SeasonalPeriod int
	NumValidations int

	Models              string
	Transformers        string
	TransformerMaxDepth int

	Search   evolve.Config
	Ensemble ensemble.Config

	Mode   Mode
	Evolve bool

	// InitialGenerations and EvolveGenerations are the generation counts of
	// cold and evolving runs.
	InitialGenerations int
	EvolveGenerations  int

	// Ensembles overrides the mode's ensemble allow-list when non-nil. An
	// empty non-nil list deploys single templates only.
	Ensembles []ensemble.Kind

	// ExportCount is the number of templates exported; zero uses 30 when
	// evolving and 1 otherwise. MaxPerFamily caps each model family.
	ExportCount      int
	MaxPerFamily     int
	ArchiveTemplates bool

	Constraint float64
}

// DefaultConfig mirrors a daily production setup.
func DefaultConfig() Config {
	return Config{
		Horizon:             28,
		Interval:            0.9,
		Aggregation:         "sum",
		Quality:             dataset.QualityOptions{MinRecency: 180 * 24 * time.Hour, DropMostRecent: 1},
		Strategy:            validation.Similarity,
		NumValidations:      2,
		Models:              "default",
		Transformers:        "fast",
		TransformerMaxDepth: 2,
		Search:              evolve.DefaultConfig(),
		Ensemble:            ensemble.DefaultConfig(),
		Mode:                ModeAuto,
		Evolve:              true,
		InitialGenerations:  30,
		EvolveGenerations:   15,
		MaxPerFamily:        5,
		ArchiveTemplates:    true,
		Constraint:          2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Horizon <= 0 {
		return fmt.Errorf("horizon must be > 0, got %d", c.Horizon)
	}
	if c.Interval <= 0 || c.Interval >= 1 {
		return fmt.Errorf("prediction interval must be in (0, 1), got %v", c.Interval)
	}
	if c.NumValidations < 0 {
		return fmt.Errorf("num validations must be >= 0, got %d", c.NumValidations)
	}
	if c.TransformerMaxDepth < 0 {
		return fmt.Errorf("transformer max depth must be >= 0, got %d", c.TransformerMaxDepth)
	}
	if c.InitialGenerations < 0 || c.EvolveGenerations < 0 {
		return fmt.Errorf("generation counts must be >= 0, got %d and %d", c.InitialGenerations, c.EvolveGenerations)
	}
	if c.ExportCount < 0 || c.MaxPerFamily < 0 {
		return fmt.Errorf("export count and per-family cap must be >= 0")
	}
	if c.Constraint < 0 {
		return fmt.Errorf("constraint must be >= 0, got %v", c.Constraint)
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	return c.Search.Weights.Validate()
}

// Plan is a mode resolved against the archive: the search settings of one
// run.
type Plan struct {
	Mode             Mode
	Seed             evolve.SeedMode
	Generations      int
	SurvivorFraction float64
	Ensembles        []ensemble.Kind

	// ExportCount is the number of templates exported at the end of the run.
	// Fixed runs never export.
	ExportCount int
}

// Resolve turns the configured mode into a plan. archived reports whether
// an archive with at least one template exists.
func (c Config) Resolve(archived bool) Plan {
	mode := c.Mode
	if mode == ModeAuto || mode == "" {
		switch {
		case !archived:
			mode = ModeCold
		case c.Evolve:
			mode = ModeEvolve
		default:
			mode = ModeFixed
		}
	}

	var p Plan
	switch mode {
	case ModeCold:
		p = Plan{Mode: mode, Seed: evolve.SeedNone, Generations: c.InitialGenerations, SurvivorFraction: 0.2,
			Ensembles: []ensemble.Kind{ensemble.Simple, ensemble.Distance, ensemble.HorizontalMax, ensemble.HorizontalMin}}
	case ModeEvolve:
		p = Plan{Mode: mode, Seed: evolve.SeedAddon, Generations: c.EvolveGenerations, SurvivorFraction: 0.3,
			Ensembles: []ensemble.Kind{ensemble.HorizontalMax, ensemble.HorizontalMin}}
	default:
		p = Plan{Mode: ModeFixed, Seed: evolve.SeedOnly, Generations: 0, SurvivorFraction: 0.99,
			Ensembles: []ensemble.Kind{ensemble.HorizontalMax, ensemble.HorizontalMin}}
	}
	if c.Ensembles != nil {
		p.Ensembles = c.Ensembles
	}

	p.ExportCount = c.ExportCount
	if p.ExportCount == 0 {
		p.ExportCount = 1
		if c.Evolve {
			p.ExportCount = 30
		}
	}
	return p
}

// splitConfig returns the validation split settings.
func (c Config) splitConfig() validation.SplitConfig {
	return validation.SplitConfig{
		Strategy:       c.Strategy,
		Period:         c.SeasonalPeriod,
		NumValidations: c.NumValidations,
		Horizon:        c.Horizon,
	}
}
