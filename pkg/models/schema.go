package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
)

// Kind is the type of a model parameter.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindChoice
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindChoice:
		return "choice"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Param declares one hyperparameter of a family.
type Param struct {
	Name string
	Kind Kind

	// Min and Max bound KindInt and KindFloat values (inclusive).
	Min, Max float64

	// Choices lists the allowed KindChoice values.
	Choices []string

	// Common values are sampled half of the time for wide numeric ranges,
	// such as seasonal lags.
	Common []float64

	Default any
}

// Params holds normalized parameter values: int, float64, string or bool.
type Params map[string]any

// Clone returns a shallow copy; values are immutable scalars.
func (p Params) Clone() Params {
	return maps.Clone(p)
}

// Int returns the named integer parameter or zero.
func (p Params) Int(name string) int {
	v, _ := p[name].(int)
	return v
}

// Float returns the named float parameter or zero.
func (p Params) Float(name string) float64 {
	v, _ := p[name].(float64)
	return v
}

// String returns the named choice parameter or "".
func (p Params) String(name string) string {
	v, _ := p[name].(string)
	return v
}

// Bool returns the named boolean parameter or false.
func (p Params) Bool(name string) bool {
	v, _ := p[name].(bool)
	return v
}

// Schema is an ordered list of parameters.
type Schema []Param

func (s Schema) param(name string) (Param, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Defaults returns the default parameter values.
func (s Schema) Defaults() Params {
	out := make(Params, len(s))
	for _, p := range s {
		out[p.Name] = p.Default
	}
	return out
}

// Normalize validates raw against the schema, converts numbers to their
// declared kind and fills defaults. It accepts the output of json.Unmarshal.
// owner prefixes error messages.
func (s Schema) Normalize(owner string, raw map[string]any) (Params, error) {
	for k := range raw {
		if _, ok := s.param(k); !ok {
			return nil, fmt.Errorf("%s: unknown parameter %q", owner, k)
		}
	}
	out := make(Params, len(s))
	for _, p := range s {
		v, ok := raw[p.Name]
		if !ok || v == nil {
			out[p.Name] = p.Default
			continue
		}
		nv, err := p.coerce(v)
		if err != nil {
			return nil, fmt.Errorf("%s: parameter %q: %w", owner, p.Name, err)
		}
		out[p.Name] = nv
	}
	return out, nil
}

func (p Param) coerce(v any) (any, error) {
	switch p.Kind {
	case KindInt:
		n, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		if n < p.Min || n > p.Max {
			return nil, fmt.Errorf("%v out of range [%v, %v]", n, p.Min, p.Max)
		}
		return int(n), nil
	case KindFloat:
		n, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(n) || n < p.Min || n > p.Max {
			return nil, fmt.Errorf("%v out of range [%v, %v]", n, p.Min, p.Max)
		}
		return n, nil
	case KindChoice:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		if !slices.Contains(p.Choices, s) {
			return nil, fmt.Errorf("%q not one of %v", s, p.Choices)
		}
		return s, nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unsupported kind %s", p.Kind)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// Sample draws a random parameter set.
func (s Schema) Sample(rng *rand.Rand) Params {
	out := make(Params, len(s))
	for _, p := range s {
		out[p.Name] = p.sample(rng)
	}
	return out
}

func (p Param) sample(rng *rand.Rand) any {
	switch p.Kind {
	case KindInt:
		if len(p.Common) > 0 && rng.IntN(2) == 0 {
			return int(p.Common[rng.IntN(len(p.Common))])
		}
		return int(p.Min) + rng.IntN(int(p.Max-p.Min)+1)
	case KindFloat:
		return roundParam(p.Min + rng.Float64()*(p.Max-p.Min))
	case KindChoice:
		return p.Choices[rng.IntN(len(p.Choices))]
	case KindBool:
		return rng.IntN(2) == 0
	}
	return p.Default
}

// Mutate returns a copy of params with one parameter perturbed. Numeric
// values move by a small step within bounds; choices and booleans flip to a
// different value. An empty schema returns an unchanged copy.
func (s Schema) Mutate(rng *rand.Rand, params Params) Params {
	out := params.Clone()
	if len(s) == 0 {
		return out
	}
	names := make([]string, 0, len(s))
	for _, p := range s {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	p, _ := s.param(names[rng.IntN(len(names))])

	switch p.Kind {
	case KindInt:
		cur := out.Int(p.Name)
		step := max(1, int((p.Max-p.Min)/10))
		next := cur + rng.IntN(2*step+1) - step
		if next == cur {
			next = cur + 1
		}
		if len(p.Common) > 0 && rng.IntN(4) == 0 {
			next = int(p.Common[rng.IntN(len(p.Common))])
		}
		out[p.Name] = int(math.Max(p.Min, math.Min(p.Max, float64(next))))
	case KindFloat:
		cur := out.Float(p.Name)
		next := cur + rng.NormFloat64()*(p.Max-p.Min)/10
		out[p.Name] = roundParam(math.Max(p.Min, math.Min(p.Max, next)))
	case KindChoice:
		if len(p.Choices) > 1 {
			cur := out.String(p.Name)
			for {
				next := p.Choices[rng.IntN(len(p.Choices))]
				if next != cur {
					out[p.Name] = next
					break
				}
			}
		}
	case KindBool:
		out[p.Name] = !out.Bool(p.Name)
	}
	return out
}

// Family is a model family: a constructor and its parameter schema.
type Family struct {
	Name   string
	Schema Schema

	// Regressors reports whether the family uses external regressors.
	Regressors bool

	New func(p Params) (Model, error)
}

// Defaults returns the default parameters of the family.
func (f *Family) Defaults() Params { return f.Schema.Defaults() }

// Normalize validates raw parameters against the family schema.
func (f *Family) Normalize(raw map[string]any) (Params, error) {
	return f.Schema.Normalize(f.Name, raw)
}

// Sample draws random parameters for the family.
func (f *Family) Sample(rng *rand.Rand) Params { return f.Schema.Sample(rng) }

// Mutate perturbs one parameter of params.
func (f *Family) Mutate(rng *rand.Rand, params Params) Params { return f.Schema.Mutate(rng, params) }

// roundParam keeps sampled floats short so archive rows stay readable.
func roundParam(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
