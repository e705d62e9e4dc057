package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/danielpatrickdp/crtomo-controller/internal/inversion"
	"gopkg.in/yaml.v3"
)

// Oracle modes.
const (
	OracleGRPC             = "grpc"
	OracleFiniteDifference = "finite_difference"
)

// Config holds the runtime configuration of the controller tools. Physics
// and regularization parameters come from the deck.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Inversion InversionConfig `yaml:"inversion"`
	Bounds    BoundsConfig    `yaml:"bounds"`
	Logging   LoggingConfig   `yaml:"logging"`
	Export    ExportConfig    `yaml:"export"`
}

// StoreConfig configures the SQLite model store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// OracleConfig configures the forward oracle.
type OracleConfig struct {
	Addr    string `yaml:"addr"`
	Timeout string `yaml:"timeout"`
	// Mode "finite_difference" derives the Jacobian from forward calls.
	Mode    string  `yaml:"mode"`
	Delta   float64 `yaml:"delta"`
	Workers int     `yaml:"workers"`
}

// InversionConfig holds the search and solver knobs the deck lacks.
type InversionConfig struct {
	LambdaFactor      float64 `yaml:"lambda_factor"`
	LambdaSearchSteps int     `yaml:"lambda_search_steps"`
	MaxRejects        int     `yaml:"max_rejects"`
	LineSearch        bool    `yaml:"line_search"`
	MinStepLength     float64 `yaml:"min_step_length"`
	CGTolerance       float64 `yaml:"cg_tolerance"`
	RMSTolerance      float64 `yaml:"rms_tolerance"`
	MaxStepNorm       float64 `yaml:"max_step_norm"`
}

// BoundsConfig holds the model sanity bounds.
type BoundsConfig struct {
	MinLogRho   float64 `yaml:"min_log_rho"`
	MaxLogRho   float64 `yaml:"max_log_rho"`
	MaxAbsPhase float64 `yaml:"max_abs_phase"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// ExportConfig names optional export targets written after a run.
type ExportConfig struct {
	XLSX string `yaml:"xlsx,omitempty"`
	TSV  string `yaml:"tsv,omitempty"`
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() *Config {
	s := inversion.DefaultSettings()
	return &Config{
		Store: StoreConfig{Path: "crtomo.db"},
		Oracle: OracleConfig{
			Addr:    "localhost:50061",
			Timeout: "5m",
			Mode:    OracleGRPC,
			Delta:   1e-4,
		},
		Inversion: InversionConfig{
			LambdaFactor:      s.LambdaFactor,
			LambdaSearchSteps: s.LambdaSearchSteps,
			MaxRejects:        s.MaxRejects,
			LineSearch:        s.LineSearch,
			MinStepLength:     s.MinStepLength,
			CGTolerance:       s.Update.CGTolerance,
			RMSTolerance:      s.Gate.RMSTolerance,
			MaxStepNorm:       s.Gate.MaxStepNorm,
		},
		Bounds: BoundsConfig{
			MinLogRho:   s.Eval.MinLogRho,
			MaxLogRho:   s.Eval.MaxLogRho,
			MaxAbsPhase: s.Eval.MaxAbsPhase,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if path := os.Getenv("CRTOMO_DB"); path != "" {
		c.Store.Path = path
	}
	if addr := os.Getenv("CRTOMO_ORACLE_ADDR"); addr != "" {
		c.Oracle.Addr = addr
	}
	if level := os.Getenv("CRTOMO_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if workers := os.Getenv("CRTOMO_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("CRTOMO_WORKERS: %w", err)
		}
		c.Oracle.Workers = n
	}
	return nil
}

// OracleTimeout returns the per-call oracle timeout. Invalid values fall
// back to five minutes.
func (c *Config) OracleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Oracle.Timeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store path is empty"))
	}
	switch c.Oracle.Mode {
	case OracleGRPC, OracleFiniteDifference:
	default:
		errs = append(errs, fmt.Errorf("invalid oracle mode: %q (valid: %s, %s)", c.Oracle.Mode, OracleGRPC, OracleFiniteDifference))
	}
	if c.Oracle.Addr == "" {
		errs = append(errs, fmt.Errorf("oracle address is empty"))
	}
	if c.Oracle.Timeout != "" {
		if _, err := time.ParseDuration(c.Oracle.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("oracle timeout: %w", err))
		}
	}
	if c.Oracle.Workers < 0 {
		errs = append(errs, fmt.Errorf("oracle workers %d must not be negative", c.Oracle.Workers))
	}
	if c.Inversion.LambdaFactor <= 1 {
		errs = append(errs, fmt.Errorf("lambda factor %g must exceed 1", c.Inversion.LambdaFactor))
	}
	if c.Inversion.LambdaSearchSteps < 1 {
		errs = append(errs, fmt.Errorf("lambda search steps %d must be at least 1", c.Inversion.LambdaSearchSteps))
	}
	if c.Bounds.MinLogRho >= c.Bounds.MaxLogRho {
		errs = append(errs, fmt.Errorf("log rho bounds [%g, %g] are empty", c.Bounds.MinLogRho, c.Bounds.MaxLogRho))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid log format: %q (valid: json, console)", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Apply copies the runtime knobs into controller settings.
func (c *Config) Apply(s *inversion.Settings) {
	s.LambdaFactor = c.Inversion.LambdaFactor
	s.LambdaSearchSteps = c.Inversion.LambdaSearchSteps
	s.MaxRejects = c.Inversion.MaxRejects
	s.LineSearch = c.Inversion.LineSearch
	s.MinStepLength = c.Inversion.MinStepLength
	s.Update.CGTolerance = c.Inversion.CGTolerance
	s.Gate.RMSTolerance = c.Inversion.RMSTolerance
	s.Gate.MaxStepNorm = c.Inversion.MaxStepNorm
	s.Eval.MinLogRho = c.Bounds.MinLogRho
	s.Eval.MaxLogRho = c.Bounds.MaxLogRho
	s.Eval.MaxAbsPhase = c.Bounds.MaxAbsPhase
}
