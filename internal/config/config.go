package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the top-level process configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Fetch    FetchConfig    `yaml:"fetch"`
}

// ServerConfig holds server and storage locations
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
}

// AuthConfig holds the dashboard passwords.
// There are no built-in defaults: serve refuses to start without an admin password.
type AuthConfig struct {
	AdminPassword  string `yaml:"admin_password"`
	ViewerPassword string `yaml:"viewer_password"`
}

// ScheduleConfig holds scheduler settings
type ScheduleConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Time         string        `yaml:"time"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Staleness    time.Duration `yaml:"staleness"`
}

// FetchConfig bounds remote downloads
type FetchConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// Env lists the environment overrides. Unset variables leave the
// file/default values untouched.
type Env struct {
	EnableScheduler *bool   `envconfig:"ENABLE_SCHEDULER"`
	ScheduleTime    *string `envconfig:"UPDATE_SCHEDULE_TIME"`
	AdminPassword   *string `envconfig:"ADMIN_PASSWORD"`
	ViewerPassword  *string `envconfig:"VIEWER_PASSWORD"`
	Port            *int    `envconfig:"PORT"`
	DataDir         *string `envconfig:"STOCKDASH_DATA_DIR"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "0.0.0.0:8080",
			DataDir: "data",
			DBPath:  "",
		},
		Schedule: ScheduleConfig{
			Enabled:      false,
			Time:         "02:00",
			TickInterval: time.Minute,
			Staleness:    25 * time.Hour,
		},
		Fetch: FetchConfig{
			MaxBytes: 64 << 20,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg.
func (c *Config) ApplyEnv() error {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	if env.EnableScheduler != nil {
		c.Schedule.Enabled = *env.EnableScheduler
	}
	if env.ScheduleTime != nil {
		c.Schedule.Time = *env.ScheduleTime
	}
	if env.AdminPassword != nil {
		c.Auth.AdminPassword = *env.AdminPassword
	}
	if env.ViewerPassword != nil {
		c.Auth.ViewerPassword = *env.ViewerPassword
	}
	if env.Port != nil {
		c.Server.Listen = fmt.Sprintf("0.0.0.0:%d", *env.Port)
	}
	if env.DataDir != nil {
		c.Server.DataDir = *env.DataDir
	}
	return nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if _, err := ParseTimeOfDay(c.Schedule.Time); err != nil {
		return fmt.Errorf("schedule.time: %w", err)
	}
	if c.Schedule.TickInterval <= 0 {
		return fmt.Errorf("schedule.tick_interval must be positive")
	}
	if c.Schedule.Staleness <= 0 {
		return fmt.Errorf("schedule.staleness must be positive")
	}
	if c.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("fetch.max_bytes must be positive")
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"stockdash.yaml",
		"/etc/stockdash/stockdash.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "stockdash", "stockdash.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// DataPath returns the absolute-or-relative path of a file inside the data directory
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.Server.DataDir, name)
}

// DatabasePath returns the SQLite path, defaulting to a file in the data directory.
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return c.DataPath("stockdash.db")
}
