package loregraph

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/dedup"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/similarity"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// EnvPrefix is prepended to environment overrides, e.g. LOREGRAPH_DB_PATH.
const EnvPrefix = "LOREGRAPH"

// Config holds configuration for the LoreGraph engine
type Config struct {
	// Path to the SQLite database file. Empty keeps the graph in memory.
	// ":memory:" selects an in-memory SQLite database.
	DBPath string `mapstructure:"db_path"`

	// database/sql driver name (default: "sqlite", the pure-Go driver).
	// "sqlite3" selects the cgo driver.
	Driver string `mapstructure:"driver"`

	// Similarity signal weights (default: similarity.DefaultWeights()).
	// They must sum to 1.
	Weights similarity.Weights `mapstructure:"weights"`

	// Minimum score for the dedup sweep to propose a merge (default: 0.6)
	SweepThreshold float64 `mapstructure:"sweep_threshold"`

	// Embedding neighbours considered per entity in large groups (default: 5)
	SweepTopK int `mapstructure:"sweep_top_k"`

	// Groups up to this size are compared pairwise (default: 200)
	SweepExhaustiveLimit int `mapstructure:"sweep_exhaustive_limit"`

	// Parallel scoring workers per sweep (default: 4)
	SweepConcurrency int `mapstructure:"sweep_concurrency"`

	// Enable Prometheus metrics collection (default: false)
	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	// Path of the JSON Lines trace file. Empty disables trace export.
	TracePath string `mapstructure:"trace_path"`

	// Trace file size that triggers rotation, in bytes (default: 10MB)
	TraceMaxSize int64 `mapstructure:"trace_max_size"`

	// Logger for diagnostics. Nil discards all output.
	Logger *slog.Logger `mapstructure:"-"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Driver == "" {
		c.Driver = store.DefaultDriver
	}
	if c.Weights == (similarity.Weights{}) {
		c.Weights = similarity.DefaultWeights()
	}
	if c.SweepThreshold == 0 {
		c.SweepThreshold = dedup.DefaultThreshold
	}
	if c.SweepTopK == 0 {
		c.SweepTopK = dedup.DefaultTopK
	}
	if c.SweepExhaustiveLimit == 0 {
		c.SweepExhaustiveLimit = dedup.DefaultExhaustiveLimit
	}
	if c.SweepConcurrency == 0 {
		c.SweepConcurrency = dedup.DefaultConcurrency
	}
	if c.TraceMaxSize == 0 {
		c.TraceMaxSize = 10 * 1024 * 1024
	}
}

// Validate checks a defaulted config.
func (c Config) Validate() error {
	var errs []error
	if err := c.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.SweepThreshold < 0 || c.SweepThreshold > 1 {
		errs = append(errs, fmt.Errorf("%w: sweep_threshold must be in [0,1], got %v", store.ErrValidation, c.SweepThreshold))
	}
	if c.SweepTopK < 0 {
		errs = append(errs, fmt.Errorf("%w: sweep_top_k must be positive", store.ErrValidation))
	}
	if c.SweepExhaustiveLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: sweep_exhaustive_limit must be positive", store.ErrValidation))
	}
	if c.SweepConcurrency < 0 {
		errs = append(errs, fmt.Errorf("%w: sweep_concurrency must be positive", store.ErrValidation))
	}
	if c.TraceMaxSize < 0 {
		errs = append(errs, fmt.Errorf("%w: trace_max_size must be positive", store.ErrValidation))
	}
	return errors.Join(errs...)
}

// LoadConfig reads configuration from an optional YAML file and from
// LOREGRAPH_* environment variables, environment taking precedence.
// Nested keys use underscores: LOREGRAPH_WEIGHTS_NAME overrides weights.name.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("driver", d.Driver)
	v.SetDefault("weights.name", d.Weights.Name)
	v.SetDefault("weights.alias", d.Weights.Alias)
	v.SetDefault("weights.embedding", d.Weights.Embedding)
	v.SetDefault("weights.co_occurrence", d.Weights.CoOccurrence)
	v.SetDefault("weights.shared_relationships", d.Weights.SharedRelationships)
	v.SetDefault("sweep_threshold", d.SweepThreshold)
	v.SetDefault("sweep_top_k", d.SweepTopK)
	v.SetDefault("sweep_exhaustive_limit", d.SweepExhaustiveLimit)
	v.SetDefault("sweep_concurrency", d.SweepConcurrency)
	v.SetDefault("metrics_enabled", d.MetricsEnabled)
	v.SetDefault("trace_path", d.TracePath)
	v.SetDefault("trace_max_size", d.TraceMaxSize)
}
