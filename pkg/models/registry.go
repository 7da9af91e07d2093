package models

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Model family names.
const (
	LastValue        = "last_value"
	Average          = "average"
	SeasonalNaive    = "seasonal_naive"
	Baseline         = "baseline"
	ETS              = "ets"
	ARIMA            = "arima"
	SARIMA           = "sarima"
	LinearRegression = "linear_regression"
	BYOM             = "byom"
)

var presets = map[string][]string{
	"superfast": {LastValue, Average, SeasonalNaive},
	"fast":      {LastValue, Average, SeasonalNaive, Baseline, ETS, LinearRegression},
	"default":   {LastValue, Average, SeasonalNaive, Baseline, ETS, ARIMA, SARIMA, LinearRegression, BYOM},
}

// Registry maps family names to families. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*Family
	order    []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*Family)}
}

// DefaultRegistry returns a registry with every built-in family except byom,
// which needs an endpoint (see RegisterBYOM).
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(lastValueFamily())
	r.Register(averageFamily())
	r.Register(seasonalNaiveFamily())
	r.Register(baselineFamily())
	r.Register(etsFamily())
	r.Register(arimaFamily())
	r.Register(sarimaFamily())
	r.Register(linearRegressionFamily())
	return r
}

// Register adds or replaces a family.
func (r *Registry) Register(f *Family) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.families[f.Name]; !ok {
		r.order = append(r.order, f.Name)
	}
	r.families[f.Name] = f
}

// Get returns the named family.
func (r *Registry) Get(name string) (*Family, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[name]
	return f, ok
}

// Names returns registered family names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Resolve expands a model list: a preset name ("default", "all", "fast",
// "superfast") or a comma-separated list of families. Families from a preset
// that are not registered are skipped; explicitly named unknown families are
// an error.
func (r *Registry) Resolve(list string) ([]string, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "all" {
		list = "default"
	}
	if names, ok := presets[list]; ok {
		var out []string
		for _, n := range names {
			if _, ok := r.Get(n); ok {
				out = append(out, n)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("preset %q has no registered families", list)
		}
		return out, nil
	}
	var out []string
	for _, n := range strings.Split(list, ",") {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := r.Get(n); !ok {
			return nil, fmt.Errorf("unknown model family %q", n)
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("model list %q is empty", list)
	}
	return out, nil
}

// New builds a model of the named family from raw parameters.
func (r *Registry) New(family string, raw map[string]any) (Model, error) {
	f, ok := r.Get(family)
	if !ok {
		return nil, fmt.Errorf("unknown model family %q", family)
	}
	params, err := f.Normalize(raw)
	if err != nil {
		return nil, err
	}
	return f.New(params)
}
