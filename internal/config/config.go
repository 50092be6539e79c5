package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for Hearth.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Router    RouterConfig    `yaml:"router"`
	Admission AdmissionConfig `yaml:"admission"`
	Heavy     HeavyConfig     `yaml:"heavy"`
	Light     LightConfig     `yaml:"light"`
	Loop      LoopConfig      `yaml:"loop"`
	Tools     ToolsConfig     `yaml:"tools"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type AuthConfig struct {
	// Token is the shared secret clients present during the connect handshake.
	Token string `yaml:"token"`
	// AllowedClients lists client ids permitted to connect. Empty means any.
	AllowedClients []string `yaml:"allowed_clients"`
	// HandshakeTimeout bounds how long a connection may stay unauthenticated.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxTurns      int           `yaml:"max_turns"`
}

type RouterConfig struct {
	// Threshold is the complexity score at or above which the heavy backend
	// is preferred when both backends are available.
	Threshold    float64       `yaml:"threshold"`
	ProbeTTL     time.Duration `yaml:"probe_ttl"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type AdmissionConfig struct {
	// MaxConcurrent caps simultaneous heavy-backend invocations.
	MaxConcurrent  int           `yaml:"max_concurrent"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

type HeavyConfig struct {
	Command         string        `yaml:"command"`
	Model           string        `yaml:"model"`
	MaxTurns        int           `yaml:"max_turns"`
	Timeout         time.Duration `yaml:"timeout"`
	Workdir         string        `yaml:"workdir"`
	AllowedTools    []string      `yaml:"allowed_tools"`
	DisallowedTools []string      `yaml:"disallowed_tools"`
}

type LightConfig struct {
	// Mode selects the local API dialect: "native" (Ollama-style /api/chat)
	// or "openai" (OpenAI-compatible chat completions).
	Mode    string        `yaml:"mode"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type LoopConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxToolCalls  int           `yaml:"max_tool_calls"`
	Deadline      time.Duration `yaml:"deadline"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	SystemPrompt  string        `yaml:"system_prompt"`
}

type ToolsConfig struct {
	// Workspace is the directory file and shell tools are rooted in.
	Workspace string `yaml:"workspace"`
	// MemoryFile is the JSONL file backing the memory_search/memory_store tools.
	MemoryFile string `yaml:"memory_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Validate checks invariants the rest of the system depends on.
func (c *Config) Validate() error {
	if c.Router.Threshold < 0 || c.Router.Threshold > 1 {
		return fmt.Errorf("router.threshold must be in [0,1], got %v", c.Router.Threshold)
	}
	if c.Admission.MaxConcurrent <= 0 {
		return fmt.Errorf("admission.max_concurrent must be positive, got %d", c.Admission.MaxConcurrent)
	}
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop.max_iterations must be positive, got %d", c.Loop.MaxIterations)
	}
	switch c.Light.Mode {
	case "native", "openai":
	default:
		return fmt.Errorf("light.mode must be %q or %q, got %q", "native", "openai", c.Light.Mode)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8765
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9465
	}
	if cfg.Auth.HandshakeTimeout == 0 {
		cfg.Auth.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 4 * time.Hour
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = 10 * time.Minute
	}
	if cfg.Session.MaxTurns == 0 {
		cfg.Session.MaxTurns = 200
	}
	if cfg.Router.Threshold == 0 {
		cfg.Router.Threshold = 0.5
	}
	if cfg.Router.ProbeTTL == 0 {
		cfg.Router.ProbeTTL = 30 * time.Second
	}
	if cfg.Router.ProbeTimeout == 0 {
		cfg.Router.ProbeTimeout = 3 * time.Second
	}
	if cfg.Admission.MaxConcurrent == 0 {
		cfg.Admission.MaxConcurrent = 2
	}
	if cfg.Admission.AcquireTimeout == 0 {
		cfg.Admission.AcquireTimeout = 2 * time.Minute
	}
	if cfg.Heavy.Command == "" {
		cfg.Heavy.Command = "claude"
	}
	if cfg.Heavy.MaxTurns == 0 {
		cfg.Heavy.MaxTurns = 25
	}
	if cfg.Heavy.Timeout == 0 {
		cfg.Heavy.Timeout = 5 * time.Minute
	}
	if cfg.Light.Mode == "" {
		cfg.Light.Mode = "native"
	}
	if cfg.Light.BaseURL == "" {
		cfg.Light.BaseURL = "http://localhost:11434"
	}
	if cfg.Light.Timeout == 0 {
		cfg.Light.Timeout = 2 * time.Minute
	}
	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = 8
	}
	if cfg.Loop.MaxToolCalls == 0 {
		cfg.Loop.MaxToolCalls = 16
	}
	if cfg.Loop.Deadline == 0 {
		cfg.Loop.Deadline = 3 * time.Minute
	}
	if cfg.Loop.ToolTimeout == 0 {
		cfg.Loop.ToolTimeout = 30 * time.Second
	}
	if cfg.Tools.Workspace == "" {
		cfg.Tools.Workspace = "."
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Default returns the built-in configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy of the configuration safe to return over the
// protocol: secrets are masked, everything else is preserved.
func (c *Config) Redacted() Config {
	out := *c
	if out.Auth.Token != "" {
		out.Auth.Token = redactedValue
	}
	if out.Light.APIKey != "" {
		out.Light.APIKey = redactedValue
	}
	out.Auth.AllowedClients = append([]string(nil), c.Auth.AllowedClients...)
	out.Heavy.AllowedTools = append([]string(nil), c.Heavy.AllowedTools...)
	out.Heavy.DisallowedTools = append([]string(nil), c.Heavy.DisallowedTools...)
	return out
}
