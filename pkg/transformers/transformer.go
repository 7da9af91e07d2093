// Package transformers provides reversible preprocessing steps applied to a
// series before a model is fitted, and inverted on the model's forecast.
package transformers

import (
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/HatiCode/evolvecast/pkg/models"
)

// Transformer names.
const (
	FillNA             = "fill_na"
	Difference         = "difference"
	SeasonalDifference = "seasonal_difference"
	Detrend            = "detrend"
	StandardScaler     = "standard_scaler"
	MinMaxScaler       = "minmax_scaler"
	Log                = "log"
	ClipOutliers       = "clip_outliers"
	RollingMean        = "rolling_mean"
)

// Transformer is one fitted preprocessing step.
type Transformer interface {
	// FitTransform learns the step from the history and returns the
	// transformed history, which has the same length.
	FitTransform(values []float64) ([]float64, error)

	// Inverse maps a forecast of the transformed series, continuing right
	// after the fitted history, back to the original scale.
	Inverse(forecast []float64) []float64
}

// Spec names a transformer and its parameters. It is the serialized form
// stored in templates and archives.
type Spec struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Definition is a transformer kind and its parameter schema.
type Definition struct {
	Name   string
	Schema models.Schema
	New    func(p models.Params) Transformer
}

var definitions = map[string]*Definition{
	FillNA: {
		Name: FillNA,
		Schema: models.Schema{
			{Name: "method", Kind: models.KindChoice, Choices: []string{"ffill", "mean", "zero", "linear"}, Default: "ffill"},
		},
		New: func(p models.Params) Transformer { return &fillNA{method: p.String("method")} },
	},
	Difference: {
		Name: Difference,
		New:  func(models.Params) Transformer { return &difference{} },
	},
	SeasonalDifference: {
		Name: SeasonalDifference,
		Schema: models.Schema{
			{Name: "lag", Kind: models.KindInt, Min: 2, Max: 366, Common: []float64{7, 12, 24, 52, 364}, Default: 7},
		},
		New: func(p models.Params) Transformer { return &seasonalDifference{lag: p.Int("lag")} },
	},
	Detrend: {
		Name: Detrend,
		New:  func(models.Params) Transformer { return &detrend{} },
	},
	StandardScaler: {
		Name: StandardScaler,
		New:  func(models.Params) Transformer { return &standardScaler{} },
	},
	MinMaxScaler: {
		Name: MinMaxScaler,
		New:  func(models.Params) Transformer { return &minMaxScaler{} },
	},
	Log: {
		Name: Log,
		New:  func(models.Params) Transformer { return &logTransform{} },
	},
	ClipOutliers: {
		Name: ClipOutliers,
		Schema: models.Schema{
			{Name: "std_threshold", Kind: models.KindFloat, Min: 1, Max: 5, Default: 3.0},
		},
		New: func(p models.Params) Transformer { return &clipOutliers{threshold: p.Float("std_threshold")} },
	},
	RollingMean: {
		Name: RollingMean,
		Schema: models.Schema{
			{Name: "window", Kind: models.KindInt, Min: 2, Max: 30, Common: []float64{3, 7, 12}, Default: 3},
		},
		New: func(p models.Params) Transformer { return &rollingMean{window: p.Int("window")} },
	},
}

var presets = map[string][]string{
	"superfast": {FillNA, Difference, Detrend, ClipOutliers},
	"fast":      {FillNA, Difference, Detrend, StandardScaler, MinMaxScaler, ClipOutliers, RollingMean},
	"all": {FillNA, Difference, SeasonalDifference, Detrend, StandardScaler, MinMaxScaler,
		Log, ClipOutliers, RollingMean},
}

// Names returns every transformer name in sorted order.
func Names() []string {
	return slices.Sorted(maps.Keys(definitions))
}

// Lookup returns the named definition.
func Lookup(name string) (*Definition, bool) {
	d, ok := definitions[name]
	return d, ok
}

// Resolve expands a transformer list: a preset ("all", "fast", "superfast")
// or a comma-separated list of names.
func Resolve(list string) ([]string, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "default" {
		list = "all"
	}
	if names, ok := presets[list]; ok {
		return slices.Clone(names), nil
	}
	var out []string
	for _, n := range strings.Split(list, ",") {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := definitions[n]; !ok {
			return nil, fmt.Errorf("unknown transformer %q", n)
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("transformer list %q is empty", list)
	}
	return out, nil
}

// Normalize validates spec against its schema and fills defaults.
func Normalize(spec Spec) (Spec, error) {
	d, ok := definitions[spec.Name]
	if !ok {
		return Spec{}, fmt.Errorf("unknown transformer %q", spec.Name)
	}
	params, err := d.Schema.Normalize(spec.Name, spec.Params)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Name: spec.Name, Params: params}, nil
}

// Sample draws a random spec whose name is taken from allowed.
func Sample(rng *rand.Rand, allowed []string) Spec {
	name := allowed[rng.IntN(len(allowed))]
	return Spec{Name: name, Params: definitions[name].Schema.Sample(rng)}
}

// Mutate perturbs one parameter of spec. Specs without parameters are returned unchanged.
func Mutate(rng *rand.Rand, spec Spec) Spec {
	d, ok := definitions[spec.Name]
	if !ok {
		return spec
	}
	return Spec{Name: spec.Name, Params: d.Schema.Mutate(rng, spec.Params)}
}

// New builds an unfitted transformer from spec.
func New(spec Spec) (Transformer, error) {
	norm, err := Normalize(spec)
	if err != nil {
		return nil, err
	}
	return definitions[norm.Name].New(norm.Params), nil
}

// Chain is an ordered, fitted sequence of transformers. Missing values are
// always filled before the first non-fill step: by a leading fill_na step if
// the chain has one, otherwise by forward then backward fill.
type Chain struct {
	steps []Transformer
}

// NewChain builds an unfitted chain. A chain is fitted once, by FitTransform.
func NewChain(specs []Spec) (*Chain, error) {
	c := &Chain{}
	for i, s := range specs {
		if s.Name == FillNA && i > 0 {
			// Values are already gap-free after the first step.
			continue
		}
		t, err := New(s)
		if err != nil {
			return nil, fmt.Errorf("transformer %d: %w", i, err)
		}
		c.steps = append(c.steps, t)
	}
	if len(c.steps) == 0 || !isFill(c.steps[0]) {
		c.steps = append([]Transformer{&fillNA{method: "ffill"}}, c.steps...)
	}
	return c, nil
}

func isFill(t Transformer) bool {
	_, ok := t.(*fillNA)
	return ok
}

// FitTransform fits every step in order and returns the transformed history.
func (c *Chain) FitTransform(values []float64) ([]float64, error) {
	out := values
	for _, t := range c.steps {
		var err error
		out, err = t.FitTransform(out)
		if err != nil {
			return nil, err
		}
	}
	for i, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("transformed value %d is not finite", i)
		}
	}
	return out, nil
}

// Inverse undoes the chain on a forecast, last step first.
func (c *Chain) Inverse(forecast []float64) []float64 {
	out := forecast
	for i := len(c.steps) - 1; i >= 0; i-- {
		out = c.steps[i].Inverse(out)
	}
	return out
}

// FillMissing returns a copy of values with gaps forward filled and leading
// gaps backward filled. An all-missing input is returned as is.
func FillMissing(values []float64) []float64 {
	out := slices.Clone(values)
	last := math.NaN()
	for i, v := range out {
		if math.IsNaN(v) {
			out[i] = last
		} else {
			last = v
		}
	}
	next := math.NaN()
	for i := len(out) - 1; i >= 0; i-- {
		if math.IsNaN(out[i]) {
			out[i] = next
		} else {
			next = out[i]
		}
	}
	return out
}
