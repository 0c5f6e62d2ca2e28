// Package config loads server configuration from defaults, an optional
// yaml or toml file, and AXIOM_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Busy policies for a write that arrives while a session is busy.
const (
	BusyReject = "reject"
	BusyQueue  = "queue"
)

// Config holds server configuration.
type Config struct {
	Port      int    `yaml:"port" toml:"port"`
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`
	LogFile   string `yaml:"log_file" toml:"log_file"`

	// DangerouslyAllowAll lifts the command allow-list.
	DangerouslyAllowAll bool     `yaml:"dangerously_allow_all" toml:"dangerously_allow_all"`
	AllowedCommands     []string `yaml:"allowed_commands" toml:"allowed_commands"`

	StallThreshold time.Duration `yaml:"stall_threshold" toml:"stall_threshold"`
	LaunchTimeout  time.Duration `yaml:"launch_timeout" toml:"launch_timeout"`
	KillGrace      time.Duration `yaml:"kill_grace" toml:"kill_grace"`

	// MaxSessions is the global ceiling on concurrently reserved sessions.
	MaxSessions        int    `yaml:"max_sessions" toml:"max_sessions"`
	DefaultParallelism int    `yaml:"default_parallelism" toml:"default_parallelism"`
	OutputBufferCap    int    `yaml:"output_buffer_cap" toml:"output_buffer_cap"`
	BusyPolicy         string `yaml:"busy_policy" toml:"busy_policy"`

	StoreDir    string `yaml:"store_dir" toml:"store_dir"`
	ProfileFile string `yaml:"profile_file" toml:"profile_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:               8420,
		LogLevel:           "info",
		LogFormat:          "text",
		AllowedCommands:    []string{"claude"},
		StallThreshold:     30 * time.Second,
		LaunchTimeout:      30 * time.Second,
		KillGrace:          5 * time.Second,
		MaxSessions:        10,
		DefaultParallelism: 3,
		BusyPolicy:         BusyReject,
	}
}

// Load returns defaults overlaid with the file at path (if non-empty) and
// then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays settings from a .yaml, .yml or .toml file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", path)
	}
	return nil
}

// ApplyEnv overlays AXIOM_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("AXIOM_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AXIOM_PORT: %w", err)
		}
		c.Port = n
	}
	if v := os.Getenv("AXIOM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AXIOM_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("AXIOM_LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("AXIOM_DANGEROUSLY_ALLOW_ALL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AXIOM_DANGEROUSLY_ALLOW_ALL: %w", err)
		}
		c.DangerouslyAllowAll = b
	}
	if v := os.Getenv("AXIOM_ALLOWED_COMMANDS"); v != "" {
		c.AllowedCommands = splitList(v)
	}
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"AXIOM_STALL_THRESHOLD", &c.StallThreshold},
		{"AXIOM_LAUNCH_TIMEOUT", &c.LaunchTimeout},
		{"AXIOM_KILL_GRACE", &c.KillGrace},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.env, err)
			}
			*d.dst = parsed
		}
	}
	ints := []struct {
		env string
		dst *int
	}{
		{"AXIOM_MAX_SESSIONS", &c.MaxSessions},
		{"AXIOM_DEFAULT_PARALLELISM", &c.DefaultParallelism},
		{"AXIOM_OUTPUT_BUFFER_CAP", &c.OutputBufferCap},
	}
	for _, i := range ints {
		if v := os.Getenv(i.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", i.env, err)
			}
			*i.dst = n
		}
	}
	if v := os.Getenv("AXIOM_BUSY_POLICY"); v != "" {
		c.BusyPolicy = v
	}
	if v := os.Getenv("AXIOM_STORE_DIR"); v != "" {
		c.StoreDir = v
	}
	if v := os.Getenv("AXIOM_PROFILE_FILE"); v != "" {
		c.ProfileFile = v
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.StallThreshold <= 0 {
		return fmt.Errorf("stall_threshold must be positive")
	}
	if c.LaunchTimeout <= 0 {
		return fmt.Errorf("launch_timeout must be positive")
	}
	if c.KillGrace <= 0 {
		return fmt.Errorf("kill_grace must be positive")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1")
	}
	if c.DefaultParallelism < 1 {
		return fmt.Errorf("default_parallelism must be at least 1")
	}
	if c.OutputBufferCap < 0 {
		return fmt.Errorf("output_buffer_cap must not be negative")
	}
	switch c.BusyPolicy {
	case BusyReject, BusyQueue:
	default:
		return fmt.Errorf("unknown busy_policy %q", c.BusyPolicy)
	}
	if !c.DangerouslyAllowAll && len(c.AllowedCommands) == 0 {
		return fmt.Errorf("allowed_commands is empty and dangerously_allow_all is off")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
