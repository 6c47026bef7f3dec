package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fwd-forge/internal/logging"
	"fwd-forge/internal/tensor"
	"fwd-forge/internal/wavelet"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "FWD_"

const maxDefaultWorkers = 16

// ErrInvalid marks a config that cannot be run.
var ErrInvalid = errors.New("invalid config")

// Config captures the runtime knobs for a statistics run.
type Config struct {
	BatchSize  int    `yaml:"batch_size"`
	NumWorkers int    `yaml:"num_workers"`
	Wavelet    string `yaml:"wavelet"`
	MaxLevel   int    `yaml:"max_level"`
	LogScale   bool   `yaml:"log_scale"`
	Precision  string `yaml:"precision"`
	Resize     int    `yaml:"resize"`
	LogEvery   int    `yaml:"log_every"`
	LogLevel   string `yaml:"log_level"`
	Ledger     string `yaml:"ledger"`
}

// Overrides captures CLI supplied values. Zero values leave the config alone.
type Overrides struct {
	BatchSize  int
	NumWorkers int
	Wavelet    string
	MaxLevel   int
	LogScale   *bool
	Precision  string
	Resize     int
	LogEvery   int
	LogLevel   string
	Ledger     string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BatchSize: 128,
		Wavelet:   "sym5",
		MaxLevel:  4,
		LogScale:  true,
		Precision: tensor.Float64.String(),
		LogEvery:  10,
		LogLevel:  "info",
	}
}

// Load reads and validates a Config from YAML. Keys missing from the file
// keep their defaults; an empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open config: %w", ErrInvalid, err)
	}
	defer f.Close()

	if err := parseYAML(f, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w: load env file %s: %w", ErrInvalid, path, err)
	}
	return nil
}

// ApplyEnv updates cfg from FWD_* environment variables.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"BATCH_SIZE", &c.BatchSize},
		{"NUM_WORKERS", &c.NumWorkers},
		{"MAX_LEVEL", &c.MaxLevel},
		{"RESIZE", &c.Resize},
		{"LOG_EVERY", &c.LogEvery},
	}
	for _, e := range ints {
		raw, ok := lookup(EnvPrefix + e.key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalid, EnvPrefix, e.key, err)
		}
		*e.dst = v
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"WAVELET", &c.Wavelet},
		{"PRECISION", &c.Precision},
		{"LOG_LEVEL", &c.LogLevel},
		{"LEDGER", &c.Ledger},
	}
	for _, e := range strs {
		if raw, ok := lookup(EnvPrefix + e.key); ok && raw != "" {
			*e.dst = raw
		}
	}

	if raw, ok := lookup(EnvPrefix + "LOG_SCALE"); ok && raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: %sLOG_SCALE: %v", ErrInvalid, EnvPrefix, err)
		}
		c.LogScale = v
	}
	return nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Wavelet != "" {
		c.Wavelet = o.Wavelet
	}
	if o.MaxLevel > 0 {
		c.MaxLevel = o.MaxLevel
	}
	if o.LogScale != nil {
		c.LogScale = *o.LogScale
	}
	if o.Precision != "" {
		c.Precision = o.Precision
	}
	if o.Resize > 0 {
		c.Resize = o.Resize
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.Ledger != "" {
		c.Ledger = o.Ledger
	}
}

// Validate verifies the config is runnable and fills derived defaults.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be > 0 (got %d)", ErrInvalid, c.BatchSize)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("%w: num_workers must be >= 0 (got %d)", ErrInvalid, c.NumWorkers)
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = min(runtime.NumCPU(), maxDefaultWorkers)
	}
	if _, err := wavelet.Lookup(c.Wavelet); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.MaxLevel < 1 {
		return fmt.Errorf("%w: max_level must be >= 1 (got %d)", ErrInvalid, c.MaxLevel)
	}
	if _, err := tensor.ParsePrecision(c.Precision); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Resize < 0 {
		return fmt.Errorf("%w: resize must be >= 0 (got %d)", ErrInvalid, c.Resize)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 10
	}
	return nil
}

// WaveletOptions converts the config into transformer options.
func (c *Config) WaveletOptions() (wavelet.Options, error) {
	prec, err := tensor.ParsePrecision(c.Precision)
	if err != nil {
		return wavelet.Options{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return wavelet.Options{
		Wavelet:   c.Wavelet,
		MaxLevel:  c.MaxLevel,
		LogScale:  c.LogScale,
		Precision: prec,
	}, nil
}
