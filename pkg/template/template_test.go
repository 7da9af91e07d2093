package template

import (
	"math/rand/v2"
	"regexp"
	"testing"

	"github.com/HatiCode/evolvecast/pkg/models"
	"github.com/HatiCode/evolvecast/pkg/transformers"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

func TestNew_IDIsContentHash(t *testing.T) {
	reg := models.DefaultRegistry()

	a, err := New(reg, models.ARIMA, map[string]any{"p": 2}, []transformers.Spec{{Name: transformers.Detrend}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !idPattern.MatchString(a.ID) {
		t.Errorf("ID = %q, want 16 hex digits", a.ID)
	}

	// Same content spelled differently: JSON numbers and explicit defaults.
	b, err := New(reg, models.ARIMA, map[string]any{"p": float64(2), "d": 1, "q": 1}, []transformers.Spec{{Name: transformers.Detrend, Params: map[string]any{}}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("equivalent templates have ids %s and %s", a.ID, b.ID)
	}

	c, _ := New(reg, models.ARIMA, map[string]any{"p": 3}, a.Transformers)
	if c.ID == a.ID {
		t.Error("different params produced the same id")
	}
	d, _ := New(reg, models.ARIMA, map[string]any{"p": 2}, nil)
	if d.ID == a.ID {
		t.Error("different chains produced the same id")
	}
}

func TestNew_Errors(t *testing.T) {
	reg := models.DefaultRegistry()
	tests := []struct {
		name   string
		family string
		params map[string]any
		chain  []transformers.Spec
	}{
		{"unknown family", "prophet", nil, nil},
		{"unknown param", models.ARIMA, map[string]any{"r": 1}, nil},
		{"out of range", models.ARIMA, map[string]any{"p": 99}, nil},
		{"unknown transformer", models.LastValue, nil, []transformers.Spec{{Name: "box_cox"}}},
		{"bad transformer param", models.LastValue, nil, []transformers.Spec{{Name: transformers.RollingMean, Params: map[string]any{"window": 0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(reg, tt.family, tt.params, tt.chain); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestTemplate_IsImmutable(t *testing.T) {
	reg := models.DefaultRegistry()
	params := map[string]any{"window": 7}
	chain := []transformers.Spec{{Name: transformers.Log}}
	tpl, err := New(reg, models.Average, params, chain)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	params["window"] = 14
	chain[0].Name = transformers.Detrend
	if tpl.Params.Int("window") != 7 || tpl.Transformers[0].Name != transformers.Log {
		t.Errorf("template changed with its inputs: %v", tpl)
	}

	other, err := tpl.WithParams(reg, map[string]any{"window": 30})
	if err != nil {
		t.Fatalf("WithParams() error = %v", err)
	}
	if other.ID == tpl.ID || tpl.Params.Int("window") != 7 {
		t.Errorf("WithParams() = %v, original %v", other, tpl)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	reg := models.DefaultRegistry()
	tpl, err := New(reg, models.ETS, map[string]any{"trend": "damped", "alpha": 0.42},
		[]transformers.Spec{{Name: transformers.SeasonalDifference, Params: map[string]any{"lag": 12}}, {Name: transformers.StandardScaler}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := Parse(reg, tpl.Family, tpl.ParamsJSON(), tpl.TransformersJSON())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.ID != tpl.ID {
		t.Errorf("Parse() id = %s, want %s", got.ID, tpl.ID)
	}
	if got.String() != tpl.String() {
		t.Errorf("Parse() = %s, want %s", got, tpl)
	}

	if _, err := Parse(reg, models.ETS, "{not json", "[]"); err == nil {
		t.Error("Parse(bad params) error = nil, want error")
	}
	if _, err := Parse(reg, models.ETS, "{}", "{}"); err == nil {
		t.Error("Parse(bad chain) error = nil, want error")
	}
}

func TestString(t *testing.T) {
	reg := models.DefaultRegistry()
	tpl, _ := New(reg, models.ARIMA, map[string]any{"p": 2, "d": 0, "q": 1},
		[]transformers.Spec{{Name: transformers.Difference}, {Name: transformers.Detrend}})
	want := "arima{d=0,p=2,q=1} <- difference>detrend"
	if got := tpl.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func newTestGenerator(t *testing.T, depth int) *Generator {
	t.Helper()
	reg := models.DefaultRegistry()
	families, _ := reg.Resolve("default")
	names, _ := transformers.Resolve("all")
	g, err := NewGenerator(reg, families, names, depth)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	return g
}

func TestGenerator_Initial(t *testing.T) {
	g := newTestGenerator(t, DefaultMaxDepth)
	rng := rand.New(rand.NewPCG(1, 2))

	got, err := g.Initial(rng, 40)
	if err != nil {
		t.Fatalf("Initial() error = %v", err)
	}
	if len(got) != 40 {
		t.Fatalf("Initial() returned %d templates, want 40", len(got))
	}
	seen := map[string]bool{}
	families := map[string]bool{}
	for _, tpl := range got {
		if seen[tpl.ID] {
			t.Errorf("duplicate id %s", tpl.ID)
		}
		seen[tpl.ID] = true
		families[tpl.Family] = true
		if len(tpl.Transformers) > DefaultMaxDepth {
			t.Errorf("%s has %d transformers, want <= %d", tpl, len(tpl.Transformers), DefaultMaxDepth)
		}
	}
	for _, f := range g.Families {
		if !families[f] {
			t.Errorf("family %s not covered", f)
		}
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	g := newTestGenerator(t, DefaultMaxDepth)
	a, _ := g.Initial(rand.New(rand.NewPCG(7, 7)), 25)
	b, _ := g.Initial(rand.New(rand.NewPCG(7, 7)), 25)
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("template %d: %s != %s", i, a[i].ID, b[i].ID)
		}
	}
}

func TestGenerator_MutateAndCrossover(t *testing.T) {
	g := newTestGenerator(t, 2)
	rng := rand.New(rand.NewPCG(5, 6))

	changed := 0
	for i := 0; i < 200; i++ {
		parent, err := g.Random(rng)
		if err != nil {
			t.Fatalf("Random() error = %v", err)
		}
		child, err := g.Mutate(rng, parent)
		if err != nil {
			t.Fatalf("Mutate(%s) error = %v", parent, err)
		}
		if child.Family != parent.Family {
			t.Errorf("Mutate changed family %s -> %s", parent.Family, child.Family)
		}
		if len(child.Transformers) > 2 {
			t.Errorf("Mutate grew chain past max depth: %s", child)
		}
		if child.ID != parent.ID {
			changed++
		}

		other, _ := g.Random(rng)
		cross, err := g.Crossover(rng, parent, other)
		if err != nil {
			t.Fatalf("Crossover() error = %v", err)
		}
		if cross.Family != parent.Family || cross.ParamsJSON() != parent.ParamsJSON() {
			t.Errorf("Crossover() = %s, want model of %s", cross, parent)
		}
		if len(cross.Transformers) > 2 {
			t.Errorf("Crossover grew chain past max depth: %s", cross)
		}
	}
	if changed < 190 {
		t.Errorf("only %d/200 mutations changed the template", changed)
	}
}

func TestNewGenerator_Errors(t *testing.T) {
	reg := models.DefaultRegistry()
	if _, err := NewGenerator(reg, nil, nil, 1); err == nil {
		t.Error("NewGenerator(no families) error = nil, want error")
	}
	if _, err := NewGenerator(reg, []string{"prophet"}, nil, 1); err == nil {
		t.Error("NewGenerator(unknown family) error = nil, want error")
	}
	if _, err := NewGenerator(reg, []string{models.ETS}, []string{"wavelet"}, 1); err == nil {
		t.Error("NewGenerator(unknown transformer) error = nil, want error")
	}
}
