// ABOUTME: Configuration loading and parsing for the testcentric agency
// ABOUTME: Reads YAML or TOML by file extension, with env var expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/testcentric-engine/internal/logging"
)

// Defaults applied when a field is left empty.
const (
	DefaultAgentAddr        = "127.0.0.1:0"
	DefaultHTTPAddr         = "127.0.0.1:8480"
	DefaultLaunchTimeout    = 30 * time.Second
	DefaultStopTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultMetricsPath      = "/metrics"
)

// Config represents the complete agency configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Agents   AgentsConfig   `yaml:"agents" toml:"agents"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses. AgentAddr is where agents connect
// back to; GRPCAddr is optional and only serves the health service.
type ServerConfig struct {
	AgentAddr string `yaml:"agent_addr" toml:"agent_addr"`
	HTTPAddr  string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr  string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// AgentsConfig controls how agent processes are launched and stopped
type AgentsConfig struct {
	Executable string `yaml:"executable" toml:"executable"`
	Trace      string `yaml:"trace" toml:"trace"`
	WorkDir    string `yaml:"work_dir" toml:"work_dir"`

	LaunchTimeout    time.Duration `yaml:"-" toml:"-"`
	StopTimeout      time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	LaunchTimeoutRaw    string `yaml:"launch_timeout" toml:"launch_timeout"`
	StopTimeoutRaw      string `yaml:"stop_timeout" toml:"stop_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// DatabaseConfig holds the agent history database location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration usable without a file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.AgentAddr == "" {
		c.Server.AgentAddr = DefaultAgentAddr
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Agents.LaunchTimeout == 0 {
		c.Agents.LaunchTimeout = DefaultLaunchTimeout
	}
	if c.Agents.StopTimeout == 0 {
		c.Agents.StopTimeout = DefaultStopTimeout
	}
	if c.Agents.HandshakeTimeout == 0 {
		c.Agents.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Agents.Trace == "" {
		c.Agents.Trace = "Off"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all configuration fields are consistent.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.AgentAddr == "" {
		return fmt.Errorf("server.agent_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Agents.LaunchTimeout < 0 || c.Agents.StopTimeout < 0 || c.Agents.HandshakeTimeout < 0 {
		return fmt.Errorf("agents timeouts must not be negative")
	}
	if _, err := logging.ParseTraceLevel(c.Agents.Trace); err != nil {
		return fmt.Errorf("agents.trace: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"launch_timeout", cfg.Agents.LaunchTimeoutRaw, &cfg.Agents.LaunchTimeout},
		{"stop_timeout", cfg.Agents.StopTimeoutRaw, &cfg.Agents.StopTimeout},
		{"handshake_timeout", cfg.Agents.HandshakeTimeoutRaw, &cfg.Agents.HandshakeTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
