// Package config loads, validates and persists the portpilot configuration:
// global settings plus the list of service definitions.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/paveg/portpilot/internal/service"
)

// Static error variables to satisfy err113 linter
var (
	ErrUnsupportedVersion  = errors.New("unsupported config version")
	ErrHealthCheckTimeout  = errors.New("health check timeout must be positive")
	ErrHealthCheckInterval = errors.New("health check interval must be positive")
	ErrDuplicateServiceID  = errors.New("duplicate service id")
	ErrInvalidListen       = errors.New("invalid listen address")
)

const (
	// CurrentVersion is the config format written by Save.
	CurrentVersion = 1

	defaultHealthTimeoutSeconds  = 30
	defaultHealthIntervalSeconds = 1
	defaultListen                = "127.0.0.1:7788"
	defaultLogLevel              = "info"
	envPrefix                    = "PORTPILOT"
)

// Config is the persisted configuration file.
type Config struct {
	Version               int                  `json:"version" mapstructure:"version"`
	Shell                 string               `json:"shell,omitempty" mapstructure:"shell"`
	PathAdditions         []string             `json:"pathAdditions,omitempty" mapstructure:"pathAdditions"`
	HealthTimeoutSeconds  int                  `json:"healthTimeoutSeconds" mapstructure:"healthTimeoutSeconds"`
	HealthIntervalSeconds int                  `json:"healthIntervalSeconds" mapstructure:"healthIntervalSeconds"`
	LogDir                string               `json:"logDir,omitempty" mapstructure:"logDir"`
	LogLevel              string               `json:"logLevel,omitempty" mapstructure:"logLevel"`
	Listen                string               `json:"listen,omitempty" mapstructure:"listen"`
	Services              []service.Definition `json:"services" mapstructure:"-"`
}

// Settings are the global values the supervisor needs on every operation.
type Settings struct {
	Shell          string
	PathAdditions  []string
	HealthTimeout  time.Duration
	HealthInterval time.Duration
}

// WithDefaults fills unset durations with the defaults.
func (s Settings) WithDefaults() Settings {
	if s.HealthTimeout <= 0 {
		s.HealthTimeout = defaultHealthTimeoutSeconds * time.Second
	}
	if s.HealthInterval <= 0 {
		s.HealthInterval = defaultHealthIntervalSeconds * time.Second
	}
	return s
}

// DefaultDir returns ~/.portpilot.
func DefaultDir() string {
	homeDir, _ := os.UserHomeDir() //nolint:errcheck // Fallback to current dir if home unavailable
	return filepath.Join(homeDir, ".portpilot")
}

// DefaultPath returns the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.json")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Version:               CurrentVersion,
		HealthTimeoutSeconds:  defaultHealthTimeoutSeconds,
		HealthIntervalSeconds: defaultHealthIntervalSeconds,
		LogDir:                filepath.Join(DefaultDir(), "logs"),
		LogLevel:              defaultLogLevel,
		Listen:                defaultListen,
		Services:              []service.Definition{},
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("version", def.Version)
	v.SetDefault("shell", "")
	v.SetDefault("pathAdditions", []string{})
	v.SetDefault("healthTimeoutSeconds", def.HealthTimeoutSeconds)
	v.SetDefault("healthIntervalSeconds", def.HealthIntervalSeconds)
	v.SetDefault("logDir", def.LogDir)
	v.SetDefault("logLevel", def.LogLevel)
	v.SetDefault("listen", def.Listen)
}

// Load reads the config at path. A missing file yields the defaults with no
// services. Global settings can be overridden with PORTPILOT_* variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	data, err := os.ReadFile(path) //nolint:gosec // path is the user's own config file
	switch {
	case errors.Is(err, os.ErrNotExist):
		data = nil
	case err != nil:
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if len(bytes.TrimSpace(data)) > 0 {
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Services are decoded separately: viper lowercases map keys, which would
	// corrupt environment variable names.
	cfg.Services = []service.Definition{}
	if len(bytes.TrimSpace(data)) > 0 {
		var file struct {
			Services []service.Definition `json:"services"`
		}
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("unable to decode services: %w", err)
		}
		if file.Services != nil {
			cfg.Services = file.Services
		}
	}

	cfg.LogDir, err = expandPath(cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand log directory: %w", err)
	}
	cfg.PathAdditions = lo.Map(cfg.PathAdditions, func(p string, _ int) string {
		expanded, err := expandPath(p)
		if err != nil {
			return p
		}
		return expanded
	})

	return &cfg, nil
}

// expandPath expands ~ to home directory and resolves relative paths
func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return path, nil
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[1:])
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return abs, nil
}

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	data = append(data, '\n')

	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, c.Version)
	}
	if c.HealthTimeoutSeconds <= 0 {
		return ErrHealthCheckTimeout
	}
	if c.HealthIntervalSeconds <= 0 {
		return ErrHealthCheckInterval
	}
	if c.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidListen, c.Listen)
		}
	}

	seen := make(map[string]struct{}, len(c.Services))
	for i := range c.Services {
		def := &c.Services[i]
		if err := def.Validate(); err != nil {
			return err //nolint:wrapcheck // service errors already carry the id
		}
		if _, dup := seen[def.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateServiceID, def.ID)
		}
		seen[def.ID] = struct{}{}
	}
	return nil
}

// Settings returns the values handed to the supervisor.
func (c *Config) Settings() Settings {
	return Settings{
		Shell:          c.Shell,
		PathAdditions:  c.PathAdditions,
		HealthTimeout:  time.Duration(c.HealthTimeoutSeconds) * time.Second,
		HealthInterval: time.Duration(c.HealthIntervalSeconds) * time.Second,
	}.WithDefaults()
}

// Service returns the definition with id.
func (c *Config) Service(id string) (service.Definition, bool) {
	return lo.Find(c.Services, func(d service.Definition) bool {
		return d.ID == id
	})
}

// ServiceIDs returns the ids of every configured service, in file order.
func (c *Config) ServiceIDs() []string {
	return lo.Map(c.Services, func(d service.Definition, _ int) string {
		return d.ID
	})
}
