// Package config parses the forecaster configuration.
//
// Settings come from command-line flags, with environment variables as
// fallbacks and built-in defaults last. An optional YAML file (-config-file)
// holds what does not fit on a command line: metric weights and the data
// sources assembled into the history.
//
// Example usage:
//
//	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
//	run, err := cfg.AutoTS()
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/evolvecast/pkg/autots"
	"github.com/HatiCode/evolvecast/pkg/dataset"
	"github.com/HatiCode/evolvecast/pkg/ensemble"
	"github.com/HatiCode/evolvecast/pkg/executor"
	"github.com/HatiCode/evolvecast/pkg/tls"
	"github.com/HatiCode/evolvecast/pkg/validation"
)

// Config holds all forecaster configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	TLS           tls.Config

	// Name keys the published snapshot.
	Name       string
	ConfigFile string
	Input      string
	Regressors string
	Window     time.Duration
	Frequency  string
	Aggregate  string

	// Interval repeats the run; zero runs once and exits.
	Interval time.Duration

	Horizon             int
	PredictionInterval  string
	Mode                string
	Evolve              bool
	InitialGenerations  int
	EvolveGenerations   int
	PopulationSize      int
	NewPerGeneration    int
	Workers             int
	Seed                uint64
	Models              string
	Transformers        string
	TransformerMaxDepth int
	Validation          string
	NumValidations      int
	Ensembles           string
	MinRecency          time.Duration
	MinObservations     int
	DropMostRecent      int
	Constraint          float64
	BYOMURL             string

	Archive          string
	ExportCount      int
	MaxPerFamily     int
	ArchiveTemplates bool

	OutputCSV     string
	OutputLower   string
	OutputUpper   string
	OutputParquet string
	Leaderboard   int

	File *File
}

// File is the optional YAML configuration file.
type File struct {
	// Weights overrides the metric weights of the composite score.
	Weights map[string]float64 `yaml:"metric_weights"`
	Sources []Source           `yaml:"sources"`
}

// Source configures one adapter; see adapters.New for the keys of Config.
type Source struct {
	Series string            `yaml:"series"`
	Kind   string            `yaml:"kind"`
	Config map[string]string `yaml:"config"`
}

// Parse registers the flags on fs, parses args and loads the config file.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8081"), "HTTP listen address (empty disables the API)")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ""), "gRPC health listen address (empty disables it)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Snapshot storage: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 48*time.Hour), "Redis snapshot TTL")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable mutual TLS for the API and adapters")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file")

	fs.StringVar(&cfg.Name, "name", getEnv("NAME", "forecast"), "Forecast name")
	fs.StringVar(&cfg.ConfigFile, "config-file", getEnv("CONFIG_FILE", ""), "YAML file with metric weights and data sources")
	fs.StringVar(&cfg.Input, "input", getEnv("INPUT", ""), "Wide history CSV (first column timestamp); overrides data sources")
	fs.StringVar(&cfg.Regressors, "regressors", getEnv("REGRESSORS", ""), "Regressor CSV covering history and the horizon")
	fs.DurationVar(&cfg.Window, "window", getEnvDuration("WINDOW", 3*365*24*time.Hour), "History window collected from data sources")
	fs.StringVar(&cfg.Frequency, "frequency", getEnv("FREQUENCY", ""), "Row frequency (D, H, W, min or a Go duration); empty keeps the input index")
	fs.StringVar(&cfg.Aggregate, "aggregate", getEnv("AGGREGATE", "sum"), "Aggregation when aligning: sum, mean or last")
	fs.DurationVar(&cfg.Interval, "interval", getEnvDuration("INTERVAL", 0), "Run every interval; 0 runs once")

	d := autots.DefaultConfig()
	fs.IntVar(&cfg.Horizon, "horizon", getEnvInt("HORIZON", d.Horizon), "Forecast length in rows")
	fs.StringVar(&cfg.PredictionInterval, "prediction-interval", getEnv("PREDICTION_INTERVAL", "0.9"), "Prediction interval (0.9 or p90)")
	fs.StringVar(&cfg.Mode, "mode", getEnv("MODE", string(d.Mode)), "Run mode: auto, cold, evolve or fixed")
	fs.BoolVar(&cfg.Evolve, "evolve", getEnvBool("EVOLVE", d.Evolve), "Keep evolving archived templates in auto mode")
	fs.IntVar(&cfg.InitialGenerations, "initial-generations", getEnvInt("INITIAL_GENERATIONS", d.InitialGenerations), "Generations of a cold start")
	fs.IntVar(&cfg.EvolveGenerations, "evolve-generations", getEnvInt("EVOLVE_GENERATIONS", d.EvolveGenerations), "Generations of an evolving run")
	fs.IntVar(&cfg.PopulationSize, "population", getEnvInt("POPULATION", d.Search.PopulationSize), "Initial random population")
	fs.IntVar(&cfg.NewPerGeneration, "new-per-generation", getEnvInt("NEW_PER_GENERATION", d.Search.NewPerGeneration), "Templates bred per generation")
	fs.IntVar(&cfg.Workers, "workers", getEnvInt("WORKERS", 0), "Parallel evaluations (0 uses all CPUs)")
	fs.Uint64Var(&cfg.Seed, "seed", uint64(getEnvInt("SEED", int(d.Search.Seed))), "Random seed")
	fs.StringVar(&cfg.Models, "models", getEnv("MODELS", d.Models), "Model list or preset: default, fast, superfast")
	fs.StringVar(&cfg.Transformers, "transformers", getEnv("TRANSFORMERS", d.Transformers), "Transformer list or preset: all, fast, superfast")
	fs.IntVar(&cfg.TransformerMaxDepth, "transformer-max-depth", getEnvInt("TRANSFORMER_MAX_DEPTH", d.TransformerMaxDepth), "Maximum transformer chain length")
	fs.StringVar(&cfg.Validation, "validation", getEnv("VALIDATION", string(d.Strategy)), "Validation method: backwards, similarity, seasonal N")
	fs.IntVar(&cfg.NumValidations, "num-validations", getEnvInt("NUM_VALIDATIONS", d.NumValidations), "Validation splits besides the first")
	fs.StringVar(&cfg.Ensembles, "ensembles", getEnv("ENSEMBLES", ""), "Ensemble allow-list; empty uses the mode default, none disables")
	fs.DurationVar(&cfg.MinRecency, "min-recency", getEnvDuration("MIN_RECENCY", d.Quality.MinRecency), "Drop series without observations this recent")
	fs.IntVar(&cfg.MinObservations, "min-observations", getEnvInt("MIN_OBSERVATIONS", 0), "Drop series with fewer observations")
	fs.IntVar(&cfg.DropMostRecent, "drop-most-recent", getEnvInt("DROP_MOST_RECENT", d.Quality.DropMostRecent), "Discard the newest rows")
	fs.Float64Var(&cfg.Constraint, "constraint", getEnvFloat("CONSTRAINT", d.Constraint), "Clip forecasts to history min/max +- constraint * std (0 disables)")
	fs.StringVar(&cfg.BYOMURL, "byom-url", getEnv("BYOM_URL", ""), "External model service URL; enables the byom family")

	fs.StringVar(&cfg.Archive, "archive", getEnv("ARCHIVE", ""), "Template archive location (path, s3://, redis://, sqlite://, postgres://, mysql://)")
	fs.IntVar(&cfg.ExportCount, "export-count", getEnvInt("EXPORT_COUNT", 0), "Templates exported (0 uses 30 when evolving, else 1)")
	fs.IntVar(&cfg.MaxPerFamily, "max-per-family", getEnvInt("MAX_PER_FAMILY", d.MaxPerFamily), "Exported templates per model family (0 is unlimited)")
	fs.BoolVar(&cfg.ArchiveTemplates, "archive-templates", getEnvBool("ARCHIVE_TEMPLATES", d.ArchiveTemplates), "Also write a timestamped copy of the best template")

	fs.StringVar(&cfg.OutputCSV, "forecast-csv", getEnv("FORECAST_CSV", ""), "Write the point forecast CSV here")
	fs.StringVar(&cfg.OutputLower, "lower-csv", getEnv("LOWER_CSV", ""), "Write the lower bound CSV here")
	fs.StringVar(&cfg.OutputUpper, "upper-csv", getEnv("UPPER_CSV", ""), "Write the upper bound CSV here")
	fs.StringVar(&cfg.OutputParquet, "forecast-parquet", getEnv("FORECAST_PARQUET", ""), "Write the long-format forecast Parquet here")
	fs.IntVar(&cfg.Leaderboard, "leaderboard", getEnvInt("LEADERBOARD", 10), "Print the top N templates after each run (0 disables)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		file, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.File = file
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads the YAML configuration file.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	for i, s := range f.Sources {
		if s.Series == "" || s.Kind == "" {
			return nil, fmt.Errorf("source[%d]: series and kind are required", i)
		}
	}
	return &f, nil
}

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]{0,251}[a-zA-Z0-9])?$`)

// Validate checks settings that do not belong to the run itself.
func (c *Config) Validate() error {
	if !nameRegex.MatchString(c.Name) {
		return fmt.Errorf("invalid name %q (must be alphanumeric with dash/underscore, 1-253 chars)", c.Name)
	}
	if c.Input == "" && (c.File == nil || len(c.File.Sources) == 0) {
		return errors.New("no history: set -input or sources in -config-file")
	}
	switch c.Storage {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid storage %q (must be memory or redis)", c.Storage)
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must be >= 0, got %s", c.Interval)
	}
	if c.Leaderboard < 0 {
		return fmt.Errorf("leaderboard must be >= 0, got %d", c.Leaderboard)
	}
	return c.TLS.Validate()
}

// AutoTS builds the run configuration.
func (c *Config) AutoTS() (autots.Config, error) {
	run := autots.DefaultConfig()
	run.Horizon = c.Horizon

	interval, err := executor.ParseInterval(c.PredictionInterval)
	if err != nil {
		return run, err
	}
	run.Interval = interval
	run.Ensemble.Interval = interval

	if c.Frequency != "" {
		if run.Frequency, err = dataset.ParseFreq(c.Frequency); err != nil {
			return run, err
		}
	}
	run.Aggregation = c.Aggregate
	run.Quality = dataset.QualityOptions{
		MinRecency:      c.MinRecency,
		MinObservations: c.MinObservations,
		DropMostRecent:  c.DropMostRecent,
	}

	if run.Strategy, run.SeasonalPeriod, err = validation.ParseStrategy(c.Validation); err != nil {
		return run, err
	}
	run.NumValidations = c.NumValidations
	run.Models = c.Models
	run.Transformers = c.Transformers
	run.TransformerMaxDepth = c.TransformerMaxDepth

	run.Search.PopulationSize = c.PopulationSize
	run.Search.NewPerGeneration = c.NewPerGeneration
	run.Search.Workers = c.Workers
	run.Search.Seed = c.Seed
	if c.File != nil && len(c.File.Weights) > 0 {
		w := validation.DefaultWeights()
		for k, v := range c.File.Weights {
			w[strings.ToLower(k)] = v
		}
		run.Search.Weights = w
	}
	run.Ensemble.Weights = run.Search.Weights

	if run.Mode, err = autots.ParseMode(c.Mode); err != nil {
		return run, err
	}
	run.Evolve = c.Evolve
	run.InitialGenerations = c.InitialGenerations
	run.EvolveGenerations = c.EvolveGenerations
	switch strings.TrimSpace(c.Ensembles) {
	case "":
	case "none":
		run.Ensembles = []ensemble.Kind{}
	default:
		if run.Ensembles, err = ensemble.ParseKinds(c.Ensembles); err != nil {
			return run, err
		}
	}

	run.ExportCount = c.ExportCount
	run.MaxPerFamily = c.MaxPerFamily
	run.ArchiveTemplates = c.ArchiveTemplates
	run.Constraint = c.Constraint
	return run, run.Validate()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
