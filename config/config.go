package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Jail    JailConfig    `mapstructure:"jail"`
	API     APIConfig     `mapstructure:"api"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
	// MCPHostID is the host identity used for the stdio transport, which
	// has exactly one caller and no credentials.
	MCPHostID string `mapstructure:"mcp_host_id"`
	// ShutdownTimeoutSec bounds how long shutdown waits for live executions.
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`
}

// LimitsConfig mirrors one resource limit profile.
type LimitsConfig struct {
	CPUTimeSeconds   int   `mapstructure:"cpu_time_seconds"`
	MemoryBytes      int64 `mapstructure:"memory_bytes"`
	MaxOutputBytes   int64 `mapstructure:"max_output_bytes"`
	MaxProcesses     int   `mapstructure:"max_processes"`
	MaxOpenFiles     int   `mapstructure:"max_open_files"`
	WallClockSeconds int   `mapstructure:"wall_clock_seconds"`
}

// ConcurrencyConfig holds admission ceilings
type ConcurrencyConfig struct {
	MaxGlobal  int `mapstructure:"max_global"`
	MaxPerHost int `mapstructure:"max_per_host"`
}

// SandboxConfig holds engine configuration
type SandboxConfig struct {
	Defaults           LimitsConfig      `mapstructure:"defaults"`
	Maximums           LimitsConfig      `mapstructure:"maximums"`
	Concurrency        ConcurrencyConfig `mapstructure:"concurrency"`
	KillGraceMs        int               `mapstructure:"kill_grace_ms"`
	DrainTimeoutMs     int               `mapstructure:"drain_timeout_ms"`
	MemoryErrorMarkers []string          `mapstructure:"memory_error_markers"`
}

// JailConfig holds containment configuration
type JailConfig struct {
	HelperPath         string   `mapstructure:"helper_path"`
	RuntimeRoot        string   `mapstructure:"runtime_root"`
	RuntimeMounts      []string `mapstructure:"runtime_mounts"`
	Interpreter        string   `mapstructure:"interpreter"`
	InterpreterArgs    []string `mapstructure:"interpreter_args"`
	StateDir           string   `mapstructure:"state_dir"`
	ScratchBytes       int64    `mapstructure:"scratch_bytes"`
	UIDBase            int      `mapstructure:"uid_base"`
	SeccompPolicyFile  string   `mapstructure:"seccomp_policy_file"`
	AllowScratchWrites bool     `mapstructure:"allow_scratch_writes"`
}

// APIConfig holds settings for the HTTP API collaborator
type APIConfig struct {
	// Keys maps a host id to its API key. Hosts are the map keys because
	// viper lower-cases map keys and API keys are case-sensitive.
	Keys              map[string]string `mapstructure:"keys"`
	RatePerSecond     float64           `mapstructure:"rate_per_second"`
	RateBurst         int               `mapstructure:"rate_burst"`
	MaxCodeBytes      int64             `mapstructure:"max_code_bytes"`
	SelfTestHostID    string            `mapstructure:"self_test_host_id"`
	EnableMCPOverHTTP bool              `mapstructure:"enable_mcp_over_http"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode       string `mapstructure:"mode"`
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CODEJAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.mcp_host_id", "mcp-stdio")
	v.SetDefault("server.shutdown_timeout_sec", 30)

	v.SetDefault("sandbox.defaults.cpu_time_seconds", 2)
	v.SetDefault("sandbox.defaults.memory_bytes", 100*1024*1024)
	v.SetDefault("sandbox.defaults.max_output_bytes", 5*1024*1024)
	v.SetDefault("sandbox.defaults.max_processes", 16)
	v.SetDefault("sandbox.defaults.max_open_files", 64)
	v.SetDefault("sandbox.defaults.wall_clock_seconds", 5)

	v.SetDefault("sandbox.maximums.cpu_time_seconds", 10)
	v.SetDefault("sandbox.maximums.memory_bytes", 512*1024*1024)
	v.SetDefault("sandbox.maximums.max_output_bytes", 16*1024*1024)
	v.SetDefault("sandbox.maximums.max_processes", 64)
	v.SetDefault("sandbox.maximums.max_open_files", 256)
	v.SetDefault("sandbox.maximums.wall_clock_seconds", 30)

	v.SetDefault("sandbox.concurrency.max_global", 32)
	v.SetDefault("sandbox.concurrency.max_per_host", 4)
	v.SetDefault("sandbox.kill_grace_ms", 500)
	v.SetDefault("sandbox.drain_timeout_ms", 1000)
	v.SetDefault("sandbox.memory_error_markers", []string{"MemoryError"})

	v.SetDefault("jail.helper_path", "/usr/local/bin/codejail-init")
	v.SetDefault("jail.runtime_root", "/")
	v.SetDefault("jail.runtime_mounts", []string{"/usr", "/lib", "/lib64", "/bin"})
	v.SetDefault("jail.interpreter", "/usr/bin/python3")
	v.SetDefault("jail.interpreter_args", []string{"-I", "-B"})
	v.SetDefault("jail.state_dir", "/run/codejail")
	v.SetDefault("jail.scratch_bytes", 16*1024*1024)
	v.SetDefault("jail.uid_base", 200000)
	v.SetDefault("jail.seccomp_policy_file", "")
	v.SetDefault("jail.allow_scratch_writes", false)

	v.SetDefault("api.keys", map[string]string{})
	v.SetDefault("api.rate_per_second", 5.0)
	v.SetDefault("api.rate_burst", 10)
	v.SetDefault("api.max_code_bytes", 1024*1024)
	v.SetDefault("api.self_test_host_id", "selftest")
	v.SetDefault("api.enable_mcp_over_http", true)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output_path", "")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if err := c.Sandbox.Defaults.validate("sandbox.defaults"); err != nil {
		return err
	}

	if err := c.Sandbox.Maximums.validate("sandbox.maximums"); err != nil {
		return err
	}

	if err := c.Sandbox.Defaults.within(c.Sandbox.Maximums); err != nil {
		return err
	}

	if c.Sandbox.Concurrency.MaxGlobal <= 0 {
		return fmt.Errorf("sandbox.concurrency.max_global must be positive, got: %d", c.Sandbox.Concurrency.MaxGlobal)
	}

	if c.Sandbox.Concurrency.MaxPerHost <= 0 {
		return fmt.Errorf("sandbox.concurrency.max_per_host must be positive, got: %d", c.Sandbox.Concurrency.MaxPerHost)
	}

	if c.Sandbox.Concurrency.MaxPerHost > c.Sandbox.Concurrency.MaxGlobal {
		return fmt.Errorf("sandbox.concurrency.max_per_host (%d) exceeds max_global (%d)",
			c.Sandbox.Concurrency.MaxPerHost, c.Sandbox.Concurrency.MaxGlobal)
	}

	if c.Sandbox.KillGraceMs <= 0 {
		return fmt.Errorf("sandbox.kill_grace_ms must be positive, got: %d", c.Sandbox.KillGraceMs)
	}

	if c.Sandbox.DrainTimeoutMs <= 0 {
		return fmt.Errorf("sandbox.drain_timeout_ms must be positive, got: %d", c.Sandbox.DrainTimeoutMs)
	}

	if c.Jail.HelperPath == "" {
		return fmt.Errorf("jail.helper_path is required")
	}

	if !strings.HasPrefix(c.Jail.Interpreter, "/") {
		return fmt.Errorf("jail.interpreter must be an absolute path, got: %q", c.Jail.Interpreter)
	}

	if !strings.HasPrefix(c.Jail.RuntimeRoot, "/") {
		return fmt.Errorf("jail.runtime_root must be an absolute path, got: %q", c.Jail.RuntimeRoot)
	}

	for _, m := range c.Jail.RuntimeMounts {
		if !strings.HasPrefix(m, "/") || strings.Contains(m, "..") {
			return fmt.Errorf("invalid jail.runtime_mounts entry: %q", m)
		}
	}

	if c.Jail.StateDir == "" {
		return fmt.Errorf("jail.state_dir is required")
	}

	if c.Jail.ScratchBytes <= 0 {
		return fmt.Errorf("jail.scratch_bytes must be positive, got: %d", c.Jail.ScratchBytes)
	}

	if c.Jail.UIDBase < 0 {
		return fmt.Errorf("jail.uid_base must not be negative, got: %d", c.Jail.UIDBase)
	}

	if c.API.RatePerSecond < 0 {
		return fmt.Errorf("api.rate_per_second must not be negative, got: %v", c.API.RatePerSecond)
	}

	if c.API.MaxCodeBytes <= 0 {
		return fmt.Errorf("api.max_code_bytes must be positive, got: %d", c.API.MaxCodeBytes)
	}

	hosts := make([]string, 0, len(c.API.Keys))
	for host, key := range c.API.Keys {
		if key == "" || host == "" {
			return fmt.Errorf("api.keys entries must have a non-empty key and host id")
		}
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	owners := make(map[string]string, len(hosts))
	for _, host := range hosts {
		key := c.API.Keys[host]
		if owner, ok := owners[key]; ok {
			return fmt.Errorf("api.keys: hosts %q and %q share the same key", owner, host)
		}
		owners[key] = host
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

func (l LimitsConfig) validate(prefix string) error {
	checks := []struct {
		name  string
		value int64
	}{
		{"cpu_time_seconds", int64(l.CPUTimeSeconds)},
		{"memory_bytes", l.MemoryBytes},
		{"max_output_bytes", l.MaxOutputBytes},
		{"max_processes", int64(l.MaxProcesses)},
		{"max_open_files", int64(l.MaxOpenFiles)},
		{"wall_clock_seconds", int64(l.WallClockSeconds)},
	}
	for _, check := range checks {
		if check.value <= 0 {
			return fmt.Errorf("%s.%s must be positive, got: %d", prefix, check.name, check.value)
		}
	}
	return nil
}

func (l LimitsConfig) within(maxLimits LimitsConfig) error {
	if l.CPUTimeSeconds > maxLimits.CPUTimeSeconds ||
		l.MemoryBytes > maxLimits.MemoryBytes ||
		l.MaxOutputBytes > maxLimits.MaxOutputBytes ||
		l.MaxProcesses > maxLimits.MaxProcesses ||
		l.MaxOpenFiles > maxLimits.MaxOpenFiles ||
		l.WallClockSeconds > maxLimits.WallClockSeconds {
		return fmt.Errorf("sandbox.defaults must not exceed sandbox.maximums")
	}
	return nil
}

// GetShutdownTimeout returns the shutdown timeout as a duration
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}
