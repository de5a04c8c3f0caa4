// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Operator kinds understood by the runtime. Exactly one is active per session.
const (
	OperatorComputer = "computer"
	OperatorBrowser  = "browser"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Agent     AgentConfig      `mapstructure:"agent" yaml:"agent"`
	Model     ModelConfig      `mapstructure:"model" yaml:"model"`
	Operator  OperatorConfig   `mapstructure:"operator" yaml:"operator"`
	Providers []ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Events    EventsConfig     `mapstructure:"events" yaml:"events"`
	Server    ServerConfig     `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig   `mapstructure:"database" yaml:"database"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// AgentConfig tunes the think-act-observe loop.
type AgentConfig struct {
	MaxLoops      int           `mapstructure:"max_loops" yaml:"max_loops"`
	LoopInterval  time.Duration `mapstructure:"loop_interval" yaml:"loop_interval"`
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	ToolTimeout   time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
	// RequirePermissions enables the screen capture / accessibility pre-run check.
	RequirePermissions bool `mapstructure:"require_permissions" yaml:"require_permissions"`
}

// ModelConfig identifies the vision-language model used for predictions.
type ModelConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	Name        string        `mapstructure:"name" yaml:"name"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retry       RetryConfig   `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig bounds the retries of transient model failures.
type RetryConfig struct {
	MaxRetries      uint64        `mapstructure:"max_retries" yaml:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
}

// OperatorConfig selects and configures the actuator family for new sessions.
type OperatorConfig struct {
	Kind     string         `mapstructure:"kind" yaml:"kind"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Humanoid HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
}

// BrowserConfig holds settings for the browser operator.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	StartURL          string         `mapstructure:"start_url" yaml:"start_url"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
}

// HumanoidConfig shapes the synthetic mouse motion of the computer operator.
type HumanoidConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	FittsA       float64       `mapstructure:"fitts_a" yaml:"fitts_a"`
	FittsB       float64       `mapstructure:"fitts_b" yaml:"fitts_b"`
	StepInterval time.Duration `mapstructure:"step_interval" yaml:"step_interval"`
	MaxSteps     int           `mapstructure:"max_steps" yaml:"max_steps"`
	Jitter       float64       `mapstructure:"jitter" yaml:"jitter"`
}

// ProviderConfig declares an external capability provider launched as a subprocess.
type ProviderConfig struct {
	Name         string            `mapstructure:"name" yaml:"name"`
	Command      string            `mapstructure:"command" yaml:"command"`
	Args         []string          `mapstructure:"args" yaml:"args"`
	Env          map[string]string `mapstructure:"env" yaml:"env"`
	Required     bool              `mapstructure:"required" yaml:"required"`
	StartTimeout time.Duration     `mapstructure:"start_timeout" yaml:"start_timeout"`
}

// EventsConfig tunes per-subscriber delivery queues.
type EventsConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
}

// ServerConfig holds the network socket server settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MessagesPerSec  float64       `mapstructure:"messages_per_sec" yaml:"messages_per_sec"`
	MessageBurst    int           `mapstructure:"message_burst" yaml:"message_burst"`
}

// DatabaseConfig holds the transcript database connection details. Empty URL disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "agentd")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Agent --
	v.SetDefault("agent.max_loops", 25)
	v.SetDefault("agent.loop_interval", "0s")
	v.SetDefault("agent.action_timeout", "30s")
	v.SetDefault("agent.tool_timeout", "60s")
	v.SetDefault("agent.require_permissions", false)

	// -- Model --
	v.SetDefault("model.provider", "gemini")
	v.SetDefault("model.name", "gemini-2.5-flash")
	v.SetDefault("model.temperature", 0.0)
	v.SetDefault("model.max_tokens", 2048)
	v.SetDefault("model.timeout", "2m")
	v.SetDefault("model.retry.max_retries", 3)
	v.SetDefault("model.retry.initial_interval", "500ms")
	v.SetDefault("model.retry.max_interval", "10s")
	v.SetDefault("model.retry.max_elapsed_time", "1m")

	// -- Operator --
	v.SetDefault("operator.kind", OperatorBrowser)
	v.SetDefault("operator.browser.headless", true)
	v.SetDefault("operator.browser.start_url", "about:blank")
	v.SetDefault("operator.browser.navigation_timeout", "45s")
	v.SetDefault("operator.browser.viewport", map[string]int{"width": 1280, "height": 800})
	v.SetDefault("operator.humanoid.enabled", true)
	v.SetDefault("operator.humanoid.fitts_a", 80.0)
	v.SetDefault("operator.humanoid.fitts_b", 120.0)
	v.SetDefault("operator.humanoid.step_interval", "8ms")
	v.SetDefault("operator.humanoid.max_steps", 60)
	v.SetDefault("operator.humanoid.jitter", 1.5)

	// -- Events --
	v.SetDefault("events.subscriber_buffer", 256)

	// -- Server --
	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.messages_per_sec", 20.0)
	v.SetDefault("server.message_burst", 40)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("model.api_key", "AGENTD_MODEL_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("database.url", "AGENTD_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// Model identity is not checked here. A missing model name is
// reported per run as a model configuration error.
func (c *Config) Validate() error {
	if c.Agent.MaxLoops <= 0 {
		return fmt.Errorf("agent.max_loops must be a positive integer")
	}
	if c.Agent.ActionTimeout < 0 || c.Agent.ToolTimeout < 0 {
		return fmt.Errorf("agent timeouts must not be negative")
	}
	if c.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("events.subscriber_buffer must be a positive integer")
	}
	if err := c.Operator.Validate(); err != nil {
		return fmt.Errorf("operator configuration invalid: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("providers[%d] invalid: %w", i, err)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// Validate checks the operator selection.
func (o *OperatorConfig) Validate() error {
	switch o.Kind {
	case OperatorComputer, OperatorBrowser:
	default:
		return fmt.Errorf("unknown operator kind %q (want %q or %q)", o.Kind, OperatorComputer, OperatorBrowser)
	}
	if o.Humanoid.Enabled && o.Humanoid.MaxSteps <= 0 {
		return fmt.Errorf("humanoid.max_steps must be positive when humanoid motion is enabled")
	}
	return nil
}

// Validate checks a single provider declaration.
func (p *ProviderConfig) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.Contains(p.Name, ".") {
		return fmt.Errorf("name %q must not contain '.'", p.Name)
	}
	if p.Command == "" {
		return fmt.Errorf("command is required for provider %q", p.Name)
	}
	if p.StartTimeout < 0 {
		return fmt.Errorf("start_timeout must not be negative")
	}
	return nil
}

// Check reports whether enough model identity is present to attempt a run.
// It mirrors the pre-run check performed before a session starts iterating.
func (m ModelConfig) Check() (missing []string) {
	if strings.TrimSpace(m.Provider) == "" && strings.TrimSpace(m.BaseURL) == "" {
		missing = append(missing, "provider or base_url")
	}
	if strings.TrimSpace(m.Name) == "" {
		missing = append(missing, "name")
	}
	return missing
}
