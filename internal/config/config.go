// Package config loads the engine configuration from the data directory
// (~/.autoshift/config.yaml by default) with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NakedTrashPanda/autoshift/keys"
)

// DefaultDataDir is the directory under the user's home for engine state:
// the config file, the session cache and anything else that must survive
// process restarts.
const DefaultDataDir = ".autoshift"

// DefaultConfigFile is the config file name within the data directory.
const DefaultConfigFile = "config.yaml"

// DefaultCodeFeedURL is the community-maintained SHiFT code listing.
const DefaultCodeFeedURL = "https://shift.orcicorn.com/shift-code/index.json"

// DefaultShiftURL is the redemption site.
const DefaultShiftURL = "https://shift.gearboxsoftware.com"

// Config is an explicit value handed to the engine constructors. There is no
// process-wide mutable settings singleton.
type Config struct {
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`

	Games     []keys.Game     `yaml:"games"`
	Platforms []keys.Platform `yaml:"platforms"`

	// Schedule is the periodic-run interval in minutes.
	Schedule int `yaml:"schedule"`
	// Limit caps the number of keys attempted per cycle.
	Limit int `yaml:"limit"`

	CodeFeedURL string `yaml:"code_feed_url"`
	ShiftURL    string `yaml:"shift_url"`

	DBSource string `yaml:"db_source"`
	DataDir  string `yaml:"data_dir"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	Verbose     bool   `yaml:"verbose"`

	// RequestTimeoutSeconds bounds every single network call.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// DelaySeconds is the politeness delay between redemption requests.
	DelaySeconds int `yaml:"delay_seconds"`

	// Rate-limit backoff tuning.
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`
	MaxRetries         int `yaml:"max_retries"`
}

func defaultConfig() *Config {
	return &Config{
		Games:                 append([]keys.Game(nil), keys.AllGames...),
		Platforms:             []keys.Platform{keys.PlatformSteam},
		Schedule:              120,
		Limit:                 255,
		CodeFeedURL:           DefaultCodeFeedURL,
		ShiftURL:              DefaultShiftURL,
		RequestTimeoutSeconds: 30,
		DelaySeconds:          2,
		BackoffBaseSeconds:    2,
		BackoffCapSeconds:     60,
		MaxRetries:            4,
	}
}

func dataDir() (string, error) {
	if dir := os.Getenv(dataDirEnvVar); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, DefaultDataDir), nil
}

func configPath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// Load reads the config file, falling back to defaults when it does not
// exist, then applies environment variable overrides.
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// first run, defaults apply
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir, err = dataDir()
		if err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the config back to the data directory.
func Save(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config can drive a redemption run.
func (c *Config) Validate() error {
	if c.User == "" {
		return fmt.Errorf("user is required (set %s or the user field)", userEnvVar)
	}
	if c.Password == "" {
		return fmt.Errorf("password is required (set %s or the password field)", passEnvVar)
	}
	if c.DBSource == "" {
		return fmt.Errorf("ledger database source is required (set %s or the db_source field)", dbSourceEnvVar)
	}
	if len(c.Platforms) == 0 {
		return fmt.Errorf("at least one platform is required")
	}
	if c.Limit <= 0 {
		return fmt.Errorf("limit must be positive")
	}
	return nil
}

// RequestTimeout returns the per-request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Delay returns the inter-request politeness delay.
func (c *Config) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

// Interval returns the periodic-run interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Schedule) * time.Minute
}

// BackoffBase returns the initial rate-limit backoff.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the maximum rate-limit backoff.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}
