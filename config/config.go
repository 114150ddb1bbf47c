// Package config defines the relay application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_SCHEDULER_MAX_CONCURRENT.
const EnvPrefix = "RELAY"

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Runner    RunnerConfig    `json:"runner" yaml:"runner"`
	Hub       HubConfig       `json:"hub" yaml:"hub"`
	Sessions  SessionsConfig  `json:"sessions" yaml:"sessions"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Agents    []AgentConfig   `json:"agents" yaml:"agents"`
	DataDir   string          `json:"data_dir" yaml:"data_dir" envconfig:"DATA_DIR"`
	LogLevel  string          `json:"log_level" yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr         string        `json:"addr" yaml:"addr" envconfig:"ADDR"` // listen address, e.g., ":9090"
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	AdminUser string        `json:"admin_user" yaml:"admin_user" envconfig:"ADMIN_USER"`
	AdminPass string        `json:"admin_pass" yaml:"admin_pass" envconfig:"ADMIN_PASS"` // bcrypt hash
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl" envconfig:"TOKEN_TTL"`
}

// SchedulerConfig controls task admission.
type SchedulerConfig struct {
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent" envconfig:"MAX_CONCURRENT"`
	QueuePolicy   string `json:"queue_policy" yaml:"queue_policy" envconfig:"QUEUE_POLICY"` // "fifo" or "round_robin"
}

// RunnerConfig controls agent execution.
type RunnerConfig struct {
	MaxIterations int `json:"max_iterations" yaml:"max_iterations" envconfig:"MAX_ITERATIONS"`
	// LoopLimit ends a task early when the same tool call repeats this many
	// times in a row. Zero disables the check.
	LoopLimit int `json:"loop_limit" yaml:"loop_limit" envconfig:"LOOP_LIMIT"`
}

// HubConfig controls push delivery.
type HubConfig struct {
	BufferSize        int           `json:"buffer_size" yaml:"buffer_size" envconfig:"BUFFER_SIZE"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL"`
	// AllowedOrigins are extra browser origins accepted on /ws, comma
	// separated in RELAY_HUB_ALLOWED_ORIGINS.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// SessionsConfig controls the session store.
type SessionsConfig struct {
	CacheSize int `json:"cache_size" yaml:"cache_size" envconfig:"CACHE_SIZE"`
}

// MemoryConfig controls best-effort memory capture.
type MemoryConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
}

// AgentConfig defines a single agent's configuration.
type AgentConfig struct {
	Name         string   `json:"name" yaml:"name"`
	Role         string   `json:"role" yaml:"role"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	Provider     string   `json:"provider" yaml:"provider"` // only "mock" ships with relay
	Responses    []string `json:"responses,omitempty" yaml:"responses"`
	Default      bool     `json:"default,omitempty" yaml:"default"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":9090",
			WriteTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 5,
			QueuePolicy:   "fifo",
		},
		Runner:   RunnerConfig{MaxIterations: 5, LoopLimit: 3},
		Hub:      HubConfig{BufferSize: 64, HeartbeatInterval: 30 * time.Second},
		Sessions: SessionsConfig{CacheSize: 256},
		Memory:   MemoryConfig{Enabled: true},
		DataDir:  "./data",
		LogLevel: "info",
		Agents: []AgentConfig{
			{
				Name:         "researcher",
				Role:         "research",
				SystemPrompt: "You answer questions by searching what you already know before replying.",
				Provider:     "mock",
				Responses: []string{
					`tool:memory_search {"query":"previous answers"}`,
					"sleep:1s Here is what I found.",
				},
				Default: true,
			},
			{
				Name:         "planner",
				Role:         "planning",
				SystemPrompt: "You break requests into short, ordered plans.",
				Provider:     "mock",
				Responses: []string{
					"sleep:500ms 1. Gather context. 2. Decide. 3. Act.",
				},
			},
		},
	}
}

// Load reads a YAML config file over the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays RELAY_* environment variables section by section.
func (c *Config) ApplyEnv() error {
	sections := []struct {
		prefix string
		spec   any
	}{
		{EnvPrefix + "_SERVER", &c.Server},
		{EnvPrefix + "_AUTH", &c.Auth},
		{EnvPrefix + "_SCHEDULER", &c.Scheduler},
		{EnvPrefix + "_RUNNER", &c.Runner},
		{EnvPrefix + "_HUB", &c.Hub},
		{EnvPrefix + "_SESSIONS", &c.Sessions},
		{EnvPrefix + "_MEMORY", &c.Memory},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return fmt.Errorf("env %s: %w", s.prefix, err)
		}
	}
	// Top-level scalars share the bare prefix.
	top := struct {
		DataDir  string `envconfig:"DATA_DIR"`
		LogLevel string `envconfig:"LOG_LEVEL"`
	}{c.DataDir, c.LogLevel}
	if err := envconfig.Process(EnvPrefix, &top); err != nil {
		return fmt.Errorf("env %s: %w", EnvPrefix, err)
	}
	c.DataDir, c.LogLevel = top.DataDir, top.LogLevel
	return nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent))
	}
	switch c.Scheduler.QueuePolicy {
	case "", "fifo", "round_robin":
	default:
		errs = append(errs, fmt.Errorf("scheduler.queue_policy %q is not fifo or round_robin", c.Scheduler.QueuePolicy))
	}
	if c.Runner.LoopLimit < 0 {
		errs = append(errs, fmt.Errorf("runner.loop_limit must not be negative, got %d", c.Runner.LoopLimit))
	}
	if c.Runner.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("runner.max_iterations must be positive, got %d", c.Runner.MaxIterations))
	}
	if c.Hub.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("hub.buffer_size must be positive, got %d", c.Hub.BufferSize))
	}
	if c.Hub.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("hub.heartbeat_interval must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.Enabled && (c.Auth.AdminUser == "" || c.Auth.AdminPass == "") {
		errs = append(errs, errors.New("auth.enabled requires admin_user and admin_pass"))
	}
	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("at least one agent is required"))
	}
	seen := make(map[string]bool, len(c.Agents))
	defaults := 0
	for i, a := range c.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: name is required", i))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate name %q", i, a.Name))
		}
		seen[a.Name] = true
		if a.Provider != "" && a.Provider != "mock" {
			errs = append(errs, fmt.Errorf("agent %s: unknown provider %q", a.Name, a.Provider))
		}
		if a.Default {
			defaults++
		}
	}
	if defaults > 1 {
		errs = append(errs, fmt.Errorf("%d agents are marked default", defaults))
	}
	return errors.Join(errs...)
}

// DBPath is the SQLite database file inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "relay.db")
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
}
