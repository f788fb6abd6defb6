package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the alphatilt service.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	Backtest  Backtest  `yaml:"backtest"`
	Session   Session   `yaml:"session"`
	Redis     Redis     `yaml:"redis"`
	Breaker   Breaker   `yaml:"breaker"`
	RateLimit RateLimit `yaml:"ratelimit"`
}

// Storage selects and configures the panel store.
type Storage struct {
	// Driver is one of "postgres", "sqlite" or "parquet".
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	SQLitePath   string        `yaml:"sqlite_path"`
	DataDir      string        `yaml:"data_dir"`
	PanelTable   string        `yaml:"panel_table"`
	FactorTable  string        `yaml:"factor_table"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Backtest holds model and analytics policy values.
type Backtest struct {
	RidgeAlpha         float64       `yaml:"ridge_alpha"`
	LabelHorizonMonths int           `yaml:"label_horizon_months"`
	BetaWindow         int           `yaml:"beta_window"`
	Workers            int           `yaml:"workers"`
	RunTimeout         time.Duration `yaml:"run_timeout"`
	// Request limits.
	MaxLookback      int     `yaml:"max_lookback"`
	MaxOverlayWeight float64 `yaml:"max_overlay_weight"`
}

// Session configures the backtest session registry.
type Session struct {
	// Backend is "memory" or "redis".
	Backend     string        `yaml:"backend"`
	TTL         time.Duration `yaml:"ttl"`
	MaxSessions int           `yaml:"max_sessions"`
}

// Redis holds connection settings for the redis session backend.
type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Breaker configures the circuit breaker in front of the store.
type Breaker struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	Timeout             time.Duration `yaml:"timeout"`
}

// RateLimit caps the expensive POST endpoints per client.
type RateLimit struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and finally fills
// in defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Defaults returns a configuration populated with default values only.
func Defaults() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Storage.PanelTable == "" {
		c.Storage.PanelTable = "portfolio_data"
	}
	if c.Storage.FactorTable == "" {
		c.Storage.FactorTable = "factor_data"
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 10
	}
	if c.Storage.QueryTimeout == 0 {
		c.Storage.QueryTimeout = 30 * time.Second
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Backtest.RidgeAlpha == 0 {
		c.Backtest.RidgeAlpha = 1.0
	}
	if c.Backtest.LabelHorizonMonths == 0 {
		c.Backtest.LabelHorizonMonths = 3
	}
	if c.Backtest.BetaWindow == 0 {
		c.Backtest.BetaWindow = 12
	}
	if c.Backtest.Workers == 0 {
		c.Backtest.Workers = 4
	}
	if c.Backtest.MaxLookback == 0 {
		c.Backtest.MaxLookback = 240
	}
	if c.Backtest.MaxOverlayWeight == 0 {
		c.Backtest.MaxOverlayWeight = 2.0
	}
	if c.Session.Backend == "" {
		c.Session.Backend = "memory"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = 256
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "alphatilt:session:"
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 3
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = 30 * time.Second
	}
	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = 30
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 5
	}
}

// Addr returns the HTTP listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCAddr returns the gRPC listen address, or "" when gRPC is disabled.
func (s Server) GRPCAddr() string {
	if s.GRPCPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	// DB_URL is the name the provisioning scripts and .env files use.
	if v := os.Getenv("DB_URL"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("ALPHATILT_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SESSION_BACKEND"); v != "" {
		cfg.Session.Backend = v
	}
}
