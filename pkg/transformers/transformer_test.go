package transformers

import (
	"math"
	"math/rand/v2"
	"testing"
)

func nan() float64 { return math.NaN() }

func assertClose(t *testing.T, name string, got, want []float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: len = %d, want %d", name, len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("%s[%d] = %v, want %v", name, i, got[i], want[i])
		}
	}
}

func TestFillMissing(t *testing.T) {
	got := FillMissing([]float64{nan(), 1, nan(), 3, nan()})
	assertClose(t, "filled", got, []float64{1, 1, 1, 3, 3})
}

func TestFillNA_Methods(t *testing.T) {
	in := []float64{nan(), 2, nan(), nan(), 8}
	tests := []struct {
		method string
		want   []float64
	}{
		{"ffill", []float64{2, 2, 2, 2, 8}},
		{"mean", []float64{5, 2, 5, 5, 8}},
		{"zero", []float64{0, 2, 0, 0, 8}},
		{"linear", []float64{2, 2, 4, 6, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			tr, err := New(Spec{Name: FillNA, Params: map[string]any{"method": tt.method}})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			got, err := tr.FitTransform(in)
			if err != nil {
				t.Fatalf("FitTransform() error = %v", err)
			}
			assertClose(t, "out", got, tt.want)
		})
	}
}

func TestTransformers_InverseContinuesHistory(t *testing.T) {
	history := []float64{2, 4, 6, 8, 10, 12, 14, 16}
	future := []float64{18, 20, 22}

	tests := []struct {
		spec Spec
		// forward maps the true future onto the transformed scale using the
		// fitted state.
		forward func(tr Transformer, v float64, i int) float64
	}{
		{Spec{Name: Difference}, func(Transformer, float64, int) float64 { return 2 }},
		{Spec{Name: SeasonalDifference, Params: map[string]any{"lag": 2}}, func(Transformer, float64, int) float64 { return 4 }},
		{Spec{Name: Detrend}, func(Transformer, float64, int) float64 { return 0 }},
		{Spec{Name: StandardScaler}, func(tr Transformer, v float64, _ int) float64 {
			s := tr.(*standardScaler)
			return (v - s.mean) / s.std
		}},
		{Spec{Name: MinMaxScaler}, func(tr Transformer, v float64, _ int) float64 {
			s := tr.(*minMaxScaler)
			return (v - s.min) / s.span
		}},
		{Spec{Name: Log}, func(tr Transformer, v float64, _ int) float64 {
			return math.Log(v + tr.(*logTransform).shift)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.spec.Name, func(t *testing.T) {
			tr, err := New(tt.spec)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if _, err := tr.FitTransform(history); err != nil {
				t.Fatalf("FitTransform() error = %v", err)
			}
			cont := make([]float64, len(future))
			for i, v := range future {
				cont[i] = tt.forward(tr, v, i)
			}
			assertClose(t, "inverse", tr.Inverse(cont), future)
		})
	}
}

func TestChain_FillsBeforeFirstStep(t *testing.T) {
	chain, err := NewChain([]Spec{{Name: Difference}})
	if err != nil {
		t.Fatalf("NewChain() error = %v", err)
	}
	out, err := chain.FitTransform([]float64{1, nan(), 3, 4})
	if err != nil {
		t.Fatalf("FitTransform() error = %v", err)
	}
	// ffill gives 1,1,3,4 → diffs 0,2,1 with the first repeated.
	assertClose(t, "out", out, []float64{0, 0, 2, 1})
	assertClose(t, "inverse", chain.Inverse([]float64{1, 1}), []float64{5, 6})
}

func TestChain_RoundTrip(t *testing.T) {
	specs := []Spec{
		{Name: FillNA, Params: map[string]any{"method": "linear"}},
		{Name: Log},
		{Name: Detrend},
		{Name: StandardScaler},
	}
	chain, err := NewChain(specs)
	if err != nil {
		t.Fatalf("NewChain() error = %v", err)
	}
	history := []float64{10, 12, nan(), 16, 18, 20}
	out, err := chain.FitTransform(history)
	if err != nil {
		t.Fatalf("FitTransform() error = %v", err)
	}
	if len(out) != len(history) {
		t.Fatalf("len = %d, want %d", len(out), len(history))
	}
	for i, v := range out {
		if math.IsNaN(v) {
			t.Errorf("out[%d] is NaN", i)
		}
	}
}

func TestChain_Errors(t *testing.T) {
	if _, err := NewChain([]Spec{{Name: "box_cox"}}); err == nil {
		t.Error("NewChain(unknown) error = nil, want error")
	}
	chain, _ := NewChain(nil)
	if _, err := chain.FitTransform([]float64{nan(), nan()}); err == nil {
		t.Error("FitTransform(all missing) error = nil, want error")
	}
	sd, _ := NewChain([]Spec{{Name: SeasonalDifference, Params: map[string]any{"lag": 7}}})
	if _, err := sd.FitTransform([]float64{1, 2, 3}); err == nil {
		t.Error("FitTransform(short) error = nil, want error")
	}
}

func TestClipOutliersAndRollingMean(t *testing.T) {
	clip, _ := New(Spec{Name: ClipOutliers, Params: map[string]any{"std_threshold": 1.0}})
	out, _ := clip.FitTransform([]float64{0, 0, 0, 0, 10})
	if out[4] >= 10 {
		t.Errorf("outlier not clipped: %v", out[4])
	}

	roll, _ := New(Spec{Name: RollingMean, Params: map[string]any{"window": 2}})
	out, _ = roll.FitTransform([]float64{2, 4, 6, 8})
	assertClose(t, "rolling", out, []float64{2, 3, 5, 7})
}

func TestResolve(t *testing.T) {
	tests := []struct {
		list    string
		wantLen int
		wantErr bool
	}{
		{"all", 9, false},
		{"", 9, false},
		{"fast", 7, false},
		{"superfast", 4, false},
		{"log, detrend", 2, false},
		{"wavelet", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.list, func(t *testing.T) {
			got, err := Resolve(tt.list)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve(%q) error = %v, wantErr %v", tt.list, err, tt.wantErr)
			}
			if len(got) != tt.wantLen {
				t.Errorf("Resolve(%q) = %v, want %d names", tt.list, got, tt.wantLen)
			}
		})
	}
	if len(Names()) != 9 {
		t.Errorf("Names() = %v, want 9", Names())
	}
}

func TestSampleAndMutate(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	names, _ := Resolve("all")
	for i := 0; i < 200; i++ {
		s := Sample(rng, names)
		if _, err := Normalize(s); err != nil {
			t.Fatalf("sampled %v invalid: %v", s, err)
		}
		m := Mutate(rng, s)
		if _, err := Normalize(m); err != nil {
			t.Fatalf("mutated %v invalid: %v", m, err)
		}
	}
}

func TestNormalize(t *testing.T) {
	s, err := Normalize(Spec{Name: RollingMean, Params: map[string]any{"window": float64(5)}})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if s.Params["window"] != 5 {
		t.Errorf("window = %v (%T), want int 5", s.Params["window"], s.Params["window"])
	}
	if _, err := Normalize(Spec{Name: RollingMean, Params: map[string]any{"window": 100}}); err == nil {
		t.Error("Normalize(window=100) error = nil, want error")
	}
}
