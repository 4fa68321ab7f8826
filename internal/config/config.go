package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default targets and depot of the pakfetch CLI.
const (
	DefaultAppID   = 730
	DefaultDepotID = 2347770
)

// DefaultTargets are the files extracted when no targets are configured.
var DefaultTargets = []string{
	"resource/csgo_english.txt",
	"resource/csgo_schinese.txt",
	"scripts/items/items_game.txt",
}

// Config defines configuration for the pakfetch CLI.
type Config struct {
	AppID      uint32   `yaml:"app_id"`
	DepotID    uint32   `yaml:"depot_id"`
	ManifestID string   `yaml:"manifest_id"`
	Targets    []string `yaml:"targets"`
	Cache      string   `yaml:"cache"`
	Output     string   `yaml:"output"`
	Force      bool     `yaml:"force"`
	Progress   bool     `yaml:"progress"`

	CDN          string        `yaml:"cdn"`
	Auth         string        `yaml:"auth"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"-"`
	LoginTimeout time.Duration `yaml:"login_timeout"`

	Workers                int         `yaml:"workers"`
	Retry                  RetryConfig `yaml:"retry"`
	MaxConsecutiveFailures int         `yaml:"max_consecutive_failures"`
	RequestsPerSecond      float64     `yaml:"requests_per_second"`

	Resolve ResolveConfig `yaml:"resolve"`

	MetricsFile string `yaml:"metrics_file"`
	LogLevel    string `yaml:"log_level"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ResolveConfig tunes shard index discovery.
// MaxIterations 0 means the declared shard count plus one.
type ResolveConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	Strategy      string `yaml:"strategy"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		AppID:        DefaultAppID,
		DepotID:      DefaultDepotID,
		Targets:      append([]string(nil), DefaultTargets...),
		Cache:        "file://./.pakfetch/cache?create_dir=true&metadata=skip",
		Output:       "file://./output?create_dir=true&metadata=skip",
		LoginTimeout: 30 * time.Second,
		Workers:      4,
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
		MaxConsecutiveFailures: 10,
		Resolve: ResolveConfig{
			Strategy: "auto",
		},
		LogLevel: "info",
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	AppID      uint32   `yaml:"app_id"`
	DepotID    uint32   `yaml:"depot_id"`
	ManifestID string   `yaml:"manifest_id"`
	Targets    []string `yaml:"targets"`
	Cache      string   `yaml:"cache"`
	Output     string   `yaml:"output"`
	Force      bool     `yaml:"force"`
	Progress   bool     `yaml:"progress"`

	CDN          string `yaml:"cdn"`
	Auth         string `yaml:"auth"`
	Username     string `yaml:"username"`
	LoginTimeout string `yaml:"login_timeout"`

	Workers                int             `yaml:"workers"`
	Retry                  yamlRetryConfig `yaml:"retry"`
	MaxConsecutiveFailures int             `yaml:"max_consecutive_failures"`
	RequestsPerSecond      float64         `yaml:"requests_per_second"`

	Resolve ResolveConfig `yaml:"resolve"`

	MetricsFile string `yaml:"metrics_file"`
	LogLevel    string `yaml:"log_level"`
}

type yamlRetryConfig struct {
	Attempts   *int   `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.AppID != 0 {
		cfg.AppID = yc.AppID
	}
	if yc.DepotID != 0 {
		cfg.DepotID = yc.DepotID
	}
	cfg.ManifestID = yc.ManifestID
	if len(yc.Targets) > 0 {
		cfg.Targets = yc.Targets
	}
	if yc.Cache != "" {
		cfg.Cache = yc.Cache
	}
	if yc.Output != "" {
		cfg.Output = yc.Output
	}
	cfg.Force = yc.Force
	cfg.Progress = yc.Progress
	cfg.CDN = yc.CDN
	cfg.Auth = yc.Auth
	cfg.Username = yc.Username
	if yc.LoginTimeout != "" {
		d, err := time.ParseDuration(yc.LoginTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse login_timeout: %w", err)
		}
		cfg.LoginTimeout = d
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.Retry.Attempts != nil {
		cfg.Retry.Attempts = *yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}
	if yc.MaxConsecutiveFailures != 0 {
		cfg.MaxConsecutiveFailures = yc.MaxConsecutiveFailures
	}
	cfg.RequestsPerSecond = yc.RequestsPerSecond
	if yc.Resolve.MaxIterations != 0 {
		cfg.Resolve.MaxIterations = yc.Resolve.MaxIterations
	}
	if yc.Resolve.Strategy != "" {
		cfg.Resolve.Strategy = yc.Resolve.Strategy
	}
	cfg.MetricsFile = yc.MetricsFile
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the PAKFETCH_ prefix. PAKFETCH_PASSWORD is the
// only way to supply a password without a prompt.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("PAKFETCH_APP_ID"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("parse PAKFETCH_APP_ID: %w", err)
		}
		c.AppID = uint32(n)
	}
	if v := os.Getenv("PAKFETCH_DEPOT_ID"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("parse PAKFETCH_DEPOT_ID: %w", err)
		}
		c.DepotID = uint32(n)
	}
	if v := os.Getenv("PAKFETCH_MANIFEST_ID"); v != "" {
		c.ManifestID = v
	}
	if v := os.Getenv("PAKFETCH_TARGETS"); v != "" {
		c.Targets = splitList(v)
	}
	if v := os.Getenv("PAKFETCH_CACHE"); v != "" {
		c.Cache = v
	}
	if v := os.Getenv("PAKFETCH_OUTPUT"); v != "" {
		c.Output = v
	}
	if v := os.Getenv("PAKFETCH_FORCE"); v != "" {
		c.Force = v == "true" || v == "1"
	}
	if v := os.Getenv("PAKFETCH_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv("PAKFETCH_CDN"); v != "" {
		c.CDN = v
	}
	if v := os.Getenv("PAKFETCH_AUTH"); v != "" {
		c.Auth = v
	}
	if v := os.Getenv("PAKFETCH_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("PAKFETCH_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("PAKFETCH_LOGIN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse PAKFETCH_LOGIN_TIMEOUT: %w", err)
		}
		c.LoginTimeout = d
	}
	if v := os.Getenv("PAKFETCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PAKFETCH_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("PAKFETCH_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PAKFETCH_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("PAKFETCH_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse PAKFETCH_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("PAKFETCH_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse PAKFETCH_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Retry.MaxBackoff = d
	}
	if v := os.Getenv("PAKFETCH_MAX_CONSECUTIVE_FAILURES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PAKFETCH_MAX_CONSECUTIVE_FAILURES: %w", err)
		}
		c.MaxConsecutiveFailures = n
	}
	if v := os.Getenv("PAKFETCH_REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse PAKFETCH_REQUESTS_PER_SECOND: %w", err)
		}
		c.RequestsPerSecond = f
	}
	if v := os.Getenv("PAKFETCH_RESOLVE_MAX_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PAKFETCH_RESOLVE_MAX_ITERATIONS: %w", err)
		}
		c.Resolve.MaxIterations = n
	}
	if v := os.Getenv("PAKFETCH_RESOLVE_STRATEGY"); v != "" {
		c.Resolve.Strategy = v
	}
	if v := os.Getenv("PAKFETCH_METRICS_FILE"); v != "" {
		c.MetricsFile = v
	}
	if v := os.Getenv("PAKFETCH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.AppID == 0 {
		return errors.New("config: app_id is required")
	}
	if c.DepotID == 0 {
		return errors.New("config: depot_id is required")
	}
	if len(c.Targets) == 0 {
		return errors.New("config: at least one target is required")
	}
	for _, t := range c.Targets {
		if strings.TrimSpace(t) == "" {
			return errors.New("config: targets must not be empty")
		}
	}
	if c.Cache == "" {
		return errors.New("config: cache is required")
	}
	if c.Output == "" {
		return errors.New("config: output is required")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.Retry.Backoff < 0 || c.Retry.MaxBackoff < 0 {
		return errors.New("config: retry backoff must not be negative")
	}
	if c.MaxConsecutiveFailures < 0 {
		return errors.New("config: max_consecutive_failures must not be negative")
	}
	if c.Resolve.MaxIterations < 0 {
		return errors.New("config: resolve.max_iterations must not be negative")
	}
	switch c.Resolve.Strategy {
	case "", "auto", "tree", "probe":
	default:
		return fmt.Errorf("config: unknown resolve.strategy %q", c.Resolve.Strategy)
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("config: requests_per_second must not be negative")
	}
	return nil
}

// ValidateSession checks the settings needed to talk to the CDN.
func (c *Config) ValidateSession() error {
	if c.CDN == "" {
		return errors.New("config: cdn is required")
	}
	if c.Auth == "" {
		return errors.New("config: auth is required")
	}
	if c.Username == "" {
		return errors.New("config: username is required")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.AppID != 0 {
		c.AppID = override.AppID
	}
	if override.DepotID != 0 {
		c.DepotID = override.DepotID
	}
	if override.ManifestID != "" {
		c.ManifestID = override.ManifestID
	}
	if len(override.Targets) > 0 {
		c.Targets = override.Targets
	}
	if override.Cache != "" {
		c.Cache = override.Cache
	}
	if override.Output != "" {
		c.Output = override.Output
	}
	if override.Force {
		c.Force = override.Force
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.CDN != "" {
		c.CDN = override.CDN
	}
	if override.Auth != "" {
		c.Auth = override.Auth
	}
	if override.Username != "" {
		c.Username = override.Username
	}
	if override.Password != "" {
		c.Password = override.Password
	}
	if override.LoginTimeout != 0 {
		c.LoginTimeout = override.LoginTimeout
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	if override.MaxConsecutiveFailures != 0 {
		c.MaxConsecutiveFailures = override.MaxConsecutiveFailures
	}
	if override.RequestsPerSecond != 0 {
		c.RequestsPerSecond = override.RequestsPerSecond
	}
	if override.Resolve.MaxIterations != 0 {
		c.Resolve.MaxIterations = override.Resolve.MaxIterations
	}
	if override.Resolve.Strategy != "" {
		c.Resolve.Strategy = override.Resolve.Strategy
	}
	if override.MetricsFile != "" {
		c.MetricsFile = override.MetricsFile
	}
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	return c
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
