package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HatiCode/evolvecast/pkg/autots"
	"github.com/HatiCode/evolvecast/pkg/ensemble"
	"github.com/HatiCode/evolvecast/pkg/validation"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("forecaster", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return Parse(fs, args)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("EVC_TEST_STR", "from-env")
	t.Setenv("EVC_TEST_INT", "42")
	t.Setenv("EVC_TEST_BAD_INT", "not-a-number")
	t.Setenv("EVC_TEST_FLOAT", "3.5")
	t.Setenv("EVC_TEST_DUR", "5m")
	t.Setenv("EVC_TEST_BOOL", "1")

	if got := getEnv("EVC_TEST_STR", "default"); got != "from-env" {
		t.Errorf("getEnv() = %q, want from-env", got)
	}
	if got := getEnv("EVC_TEST_UNSET", "default"); got != "default" {
		t.Errorf("getEnv() = %q, want default", got)
	}
	if got := getEnvInt("EVC_TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("EVC_TEST_BAD_INT", 10); got != 10 {
		t.Errorf("getEnvInt() = %d, want fallback 10", got)
	}
	if got := getEnvFloat("EVC_TEST_FLOAT", 1); got != 3.5 {
		t.Errorf("getEnvFloat() = %v, want 3.5", got)
	}
	if got := getEnvDuration("EVC_TEST_DUR", time.Second); got != 5*time.Minute {
		t.Errorf("getEnvDuration() = %s, want 5m", got)
	}
	if got := getEnvBool("EVC_TEST_BOOL", false); !got {
		t.Error("getEnvBool() = false, want true")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := parse(t, "-input", "history.csv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Name != "forecast" || cfg.Storage != "memory" || cfg.Interval != 0 {
		t.Errorf("defaults = %+v", cfg)
	}

	run, err := cfg.AutoTS()
	if err != nil {
		t.Fatalf("AutoTS() error = %v", err)
	}
	d := autots.DefaultConfig()
	if run.Horizon != d.Horizon || run.Interval != 0.9 || run.Mode != autots.ModeAuto || run.Ensembles != nil {
		t.Errorf("AutoTS() = %+v", run)
	}
	if run.Strategy != validation.Similarity || run.Quality.MinRecency != d.Quality.MinRecency {
		t.Errorf("strategy %v recency %s", run.Strategy, run.Quality.MinRecency)
	}
}

func TestParse_EnvAndFlags(t *testing.T) {
	t.Setenv("HORIZON", "14")
	t.Setenv("MODE", "fixed")

	cfg, err := parse(t, "-input", "h.csv", "-mode", "cold", "-prediction-interval", "p80",
		"-validation", "seasonal 7", "-ensembles", "none", "-frequency", "D", "-seed", "7")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	run, err := cfg.AutoTS()
	if err != nil {
		t.Fatalf("AutoTS() error = %v", err)
	}
	if run.Horizon != 14 {
		t.Errorf("horizon = %d, want 14 from the environment", run.Horizon)
	}
	if run.Mode != autots.ModeCold {
		t.Errorf("mode = %v, want the flag to win", run.Mode)
	}
	if run.Interval != 0.8 || run.Ensemble.Interval != 0.8 {
		t.Errorf("interval = %v", run.Interval)
	}
	if run.Strategy != validation.Seasonal || run.SeasonalPeriod != 7 {
		t.Errorf("strategy = %v %d, want seasonal 7", run.Strategy, run.SeasonalPeriod)
	}
	if run.Ensembles == nil || len(run.Ensembles) != 0 {
		t.Errorf("ensembles = %#v, want empty non-nil", run.Ensembles)
	}
	if run.Frequency != 24*time.Hour || run.Search.Seed != 7 {
		t.Errorf("frequency %s seed %d", run.Frequency, run.Search.Seed)
	}

	cfg, _ = parse(t, "-input", "h.csv", "-ensembles", "horizontal,mosaic")
	run, err = cfg.AutoTS()
	if err != nil {
		t.Fatalf("AutoTS() error = %v", err)
	}
	if len(run.Ensembles) != 2 || run.Ensembles[1] != ensemble.Mosaic {
		t.Errorf("ensembles = %v", run.Ensembles)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no history", nil},
		{"bad name", []string{"-input", "x", "-name", "a b"}},
		{"bad storage", []string{"-input", "x", "-storage", "etcd"}},
		{"negative interval", []string{"-input", "x", "-interval", "-1s"}},
		{"missing config file", []string{"-config-file", "/nonexistent/evolvecast.yaml"}},
		{"unknown flag", []string{"-input", "x", "-replicas", "3"}},
		{"tls without files", []string{"-input", "x", "-tls-enabled"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parse(t, tt.args...); err == nil {
				t.Error("Parse() error = nil, want error")
			}
		})
	}
}

func TestAutoTS_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"interval", []string{"-prediction-interval", "p100"}},
		{"mode", []string{"-mode", "warm"}},
		{"validation", []string{"-validation", "random"}},
		{"ensemble", []string{"-ensembles", "stacked"}},
		{"frequency", []string{"-frequency", "fortnightly"}},
		{"horizon", []string{"-horizon", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parse(t, append([]string{"-input", "x"}, tt.args...)...)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if _, err := cfg.AutoTS(); err == nil {
				t.Error("AutoTS() error = nil, want error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evolvecast.yaml")
	yaml := `
metric_weights:
  mae: 1
  spl: 4
sources:
  - series: web
    kind: prometheus
    config:
      url: http://prometheus:9090
      query: sum(rate(http_requests_total[5m]))
  - series: orders
    kind: http
    config:
      url: https://api.example.com/orders
      valuePath: data.#.count
      timestampPath: data.#.day
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := parse(t, "-config-file", path)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(cfg.File.Sources) != 2 || cfg.File.Sources[1].Config["valuePath"] != "data.#.count" {
		t.Errorf("sources = %+v", cfg.File.Sources)
	}
	run, err := cfg.AutoTS()
	if err != nil {
		t.Fatalf("AutoTS() error = %v", err)
	}
	if run.Search.Weights[validation.SPL] != 4 || run.Search.Weights[validation.MADE] != 3 {
		t.Errorf("weights = %v, want overrides merged into defaults", run.Search.Weights)
	}

	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(bad, []byte("sources:\n  - kind: http\n"), 0o600)
	if _, err := LoadFile(bad); err == nil {
		t.Error("LoadFile() without series error = nil")
	}
	_ = os.WriteFile(bad, []byte("sources: [\n"), 0o600)
	if _, err := LoadFile(bad); err == nil {
		t.Error("LoadFile() on invalid YAML error = nil")
	}

	_ = os.WriteFile(bad, []byte("metric_weights:\n  accuracy: 1\n"), 0o600)
	cfg, err = parse(t, "-input", "x", "-config-file", bad)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, err := cfg.AutoTS(); err == nil {
		t.Error("AutoTS() with unknown metric error = nil")
	}
}
