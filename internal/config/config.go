// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. It is populated by viper
// from config.yaml, WEBPILOT_* environment variables, and bound CLI flags,
// in ascending precedence.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`

	// File output with rotation. Empty LogFile disables it.
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Supported model providers.
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// LLMConfig selects and tunes the model inference backend.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// BrowserConfig controls the chromedp engine.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ViewportWidth   int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	ScreenshotDir   string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
	SelectorTimeout time.Duration `mapstructure:"selector_timeout" yaml:"selector_timeout"`
	Args            []string      `mapstructure:"args" yaml:"args"`
}

// AgentConfig bounds the execution loop: iteration and parse-failure limits,
// dispatch retry policy, inter-action pacing, and the conversation budget.
type AgentConfig struct {
	MaxIterations    int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	MaxParseFailures int           `mapstructure:"max_parse_failures" yaml:"max_parse_failures"`
	DispatchAttempts int           `mapstructure:"dispatch_attempts" yaml:"dispatch_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	ActionInterval   time.Duration `mapstructure:"action_interval" yaml:"action_interval"`
	TokenBudget      int           `mapstructure:"token_budget" yaml:"token_budget"`
	ProtectedTail    int           `mapstructure:"protected_tail" yaml:"protected_tail"`
}

// SessionConfig controls session idling and the background sweeper.
type SessionConfig struct {
	// IdleAfter marks an Active session Idle once it has seen no activity
	// for this long.
	IdleAfter time.Duration `mapstructure:"idle_after" yaml:"idle_after"`
	// MaxIdle closes any session that has seen no activity for this long.
	MaxIdle       time.Duration `mapstructure:"max_idle" yaml:"max_idle"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// DatabaseConfig points at the optional Postgres run store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// SetDefaults registers every default value with viper. Call before
// ReadInConfig so file/env values override them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("llm.provider", ProviderOllama)
	v.SetDefault("llm.model", "qwen3")
	v.SetDefault("llm.endpoint", "http://localhost:11434")
	v.SetDefault("llm.api_timeout", 90*time.Second)
	v.SetDefault("llm.temperature", 0.0)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 900)
	v.SetDefault("browser.viewport_height", 600)
	v.SetDefault("browser.screenshot_dir", ".")
	v.SetDefault("browser.nav_timeout", 30*time.Second)
	v.SetDefault("browser.selector_timeout", 5*time.Second)

	v.SetDefault("agent.max_iterations", 25)
	v.SetDefault("agent.max_parse_failures", 3)
	v.SetDefault("agent.dispatch_attempts", 3)
	v.SetDefault("agent.retry_backoff", 500*time.Millisecond)
	v.SetDefault("agent.action_interval", time.Second)
	v.SetDefault("agent.token_budget", 32000)
	v.SetDefault("agent.protected_tail", 4)

	v.SetDefault("session.idle_after", 2*time.Minute)
	v.SetDefault("session.max_idle", 5*time.Minute)
	v.SetDefault("session.sweep_interval", 30*time.Second)
}

// Validate rejects configurations the loop cannot run with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOllama, ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model must be set")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	if c.Agent.MaxParseFailures <= 0 {
		return fmt.Errorf("agent.max_parse_failures must be positive")
	}
	if c.Agent.DispatchAttempts <= 0 {
		return fmt.Errorf("agent.dispatch_attempts must be positive")
	}
	if c.Agent.TokenBudget <= 0 {
		return fmt.Errorf("agent.token_budget must be positive")
	}
	if c.Agent.ProtectedTail < 1 {
		return fmt.Errorf("agent.protected_tail must be at least 1")
	}
	if c.Session.MaxIdle < c.Session.IdleAfter {
		return fmt.Errorf("session.max_idle must not be shorter than session.idle_after")
	}
	return nil
}

// Load unmarshals the fully merged viper state into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
