package template

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/HatiCode/evolvecast/pkg/models"
	"github.com/HatiCode/evolvecast/pkg/transformers"
)

// DefaultMaxDepth is the default maximum transformer chain length.
const DefaultMaxDepth = 3

// maxAttempts bounds retries when an operator keeps producing duplicates.
const maxAttempts = 20

// Generator produces random, mutated and crossed-over templates from a
// restricted model and transformer space. All randomness comes from the
// caller's rng so results are reproducible for a fixed seed.
type Generator struct {
	Registry     *models.Registry
	Families     []string
	Transformers []string
	MaxDepth     int
}

// NewGenerator returns a generator over the given families and transformers.
func NewGenerator(reg *models.Registry, families, transformerNames []string, maxDepth int) (*Generator, error) {
	if len(families) == 0 {
		return nil, fmt.Errorf("no model families to search")
	}
	for _, f := range families {
		if _, ok := reg.Get(f); !ok {
			return nil, fmt.Errorf("unknown model family %q", f)
		}
	}
	for _, n := range transformerNames {
		if _, ok := transformers.Lookup(n); !ok {
			return nil, fmt.Errorf("unknown transformer %q", n)
		}
	}
	if maxDepth < 0 {
		return nil, fmt.Errorf("transformer max depth must be >= 0, got %d", maxDepth)
	}
	return &Generator{
		Registry:     reg,
		Families:     slices.Clone(families),
		Transformers: slices.Clone(transformerNames),
		MaxDepth:     maxDepth,
	}, nil
}

func (g *Generator) family(name string) *models.Family {
	f, _ := g.Registry.Get(name)
	return f
}

func (g *Generator) randomChain(rng *rand.Rand) []transformers.Spec {
	if len(g.Transformers) == 0 || g.MaxDepth == 0 {
		return nil
	}
	n := rng.IntN(g.MaxDepth + 1)
	chain := make([]transformers.Spec, 0, n)
	for range n {
		chain = append(chain, transformers.Sample(rng, g.Transformers))
	}
	return chain
}

// Random draws a template with a random family, random parameters and a
// random chain of up to MaxDepth transformers.
func (g *Generator) Random(rng *rand.Rand) (Template, error) {
	name := g.Families[rng.IntN(len(g.Families))]
	return New(g.Registry, name, g.family(name).Sample(rng), g.randomChain(rng))
}

// Defaults returns one template per family with default parameters and no
// transformers.
func (g *Generator) Defaults() ([]Template, error) {
	out := make([]Template, 0, len(g.Families))
	for _, name := range g.Families {
		t, err := New(g.Registry, name, nil, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Initial returns n distinct templates for a cold start: the default
// template of every family first, then random templates. Fewer than n are
// returned when the space is too small.
func (g *Generator) Initial(rng *rand.Rand, n int) ([]Template, error) {
	defaults, err := g.Defaults()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, n)
	out := make([]Template, 0, n)
	for _, t := range defaults {
		if len(out) == n {
			return out, nil
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	for misses := 0; len(out) < n && misses < maxAttempts*n; {
		t, err := g.Random(rng)
		if err != nil {
			return nil, err
		}
		if seen[t.ID] {
			misses++
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out, nil
}

// Mutate returns a template that differs from t by one operation: a model
// parameter perturbation, a transformer parameter perturbation, or the
// insertion, removal or replacement of one transformer. It retries until
// the result has a different id; the last attempt is returned otherwise.
func (g *Generator) Mutate(rng *rand.Rand, t Template) (Template, error) {
	var child Template
	for range maxAttempts {
		var err error
		child, err = g.mutateOnce(rng, t)
		if err != nil {
			return Template{}, err
		}
		if child.ID != t.ID {
			return child, nil
		}
	}
	return child, nil
}

func (g *Generator) mutateOnce(rng *rand.Rand, t Template) (Template, error) {
	fam, ok := g.Registry.Get(t.Family)
	if !ok {
		return Template{}, fmt.Errorf("unknown model family %q", t.Family)
	}
	chain := t.Chain()

	type op int
	const (
		opParams op = iota
		opTransformerParams
		opAdd
		opRemove
		opReplace
	)
	var ops []op
	if len(fam.Schema) > 0 {
		ops = append(ops, opParams)
	}
	if len(g.Transformers) > 0 {
		if len(chain) > 0 {
			ops = append(ops, opTransformerParams, opRemove, opReplace)
		}
		if len(chain) < g.MaxDepth {
			ops = append(ops, opAdd)
		}
	}
	if len(ops) == 0 {
		return t, nil
	}

	switch ops[rng.IntN(len(ops))] {
	case opParams:
		return New(g.Registry, t.Family, fam.Mutate(rng, t.Params), chain)
	case opTransformerParams:
		i := rng.IntN(len(chain))
		chain[i] = transformers.Mutate(rng, chain[i])
	case opAdd:
		i := rng.IntN(len(chain) + 1)
		chain = slices.Insert(chain, i, transformers.Sample(rng, g.Transformers))
	case opRemove:
		i := rng.IntN(len(chain))
		chain = slices.Delete(chain, i, i+1)
	case opReplace:
		chain[rng.IntN(len(chain))] = transformers.Sample(rng, g.Transformers)
	}
	return New(g.Registry, t.Family, t.Params, chain)
}

// Crossover keeps the family and parameters of a and takes its transformer
// chain from b: either b's whole chain or a splice of a prefix of a's chain
// and a suffix of b's, truncated to MaxDepth.
func (g *Generator) Crossover(rng *rand.Rand, a, b Template) (Template, error) {
	var chain []transformers.Spec
	if rng.IntN(2) == 0 || len(a.Transformers) == 0 {
		chain = b.Chain()
	} else {
		i := rng.IntN(len(a.Transformers) + 1)
		j := rng.IntN(len(b.Transformers) + 1)
		chain = append(slices.Clone(a.Transformers[:i]), b.Transformers[j:]...)
	}
	if len(chain) > g.MaxDepth {
		chain = chain[:g.MaxDepth]
	}
	return New(g.Registry, a.Family, a.Params, chain)
}
