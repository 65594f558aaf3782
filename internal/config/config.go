// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Monitor() MonitorConfig
	Lock() LockConfig
	Admission() AdmissionConfig
	Reasoner() ReasonerConfig
	Validator() ValidatorConfig
	Bridge() BridgeConfig

	SetMonitorProjectRoot(string)
	SetMonitorCommand([]string)
	SetMonitorLogFile(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	MonitorCfg   MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`
	LockCfg      LockConfig      `mapstructure:"lock" yaml:"lock"`
	AdmissionCfg AdmissionConfig `mapstructure:"admission" yaml:"admission"`
	ReasonerCfg  ReasonerConfig  `mapstructure:"reasoner" yaml:"reasoner"`
	ValidatorCfg ValidatorConfig `mapstructure:"validator" yaml:"validator"`
	BridgeCfg    BridgeConfig    `mapstructure:"bridge" yaml:"bridge"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Monitor() MonitorConfig     { return c.MonitorCfg }
func (c *Config) Lock() LockConfig           { return c.LockCfg }
func (c *Config) Admission() AdmissionConfig { return c.AdmissionCfg }
func (c *Config) Reasoner() ReasonerConfig   { return c.ReasonerCfg }
func (c *Config) Validator() ValidatorConfig { return c.ValidatorCfg }
func (c *Config) Bridge() BridgeConfig       { return c.BridgeCfg }

// --- Interface Method Implementations (Setters, populated from CLI flags) ---

func (c *Config) SetMonitorProjectRoot(root string) { c.MonitorCfg.ProjectRoot = root }
func (c *Config) SetMonitorCommand(cmd []string)    { c.MonitorCfg.Command = cmd }
func (c *Config) SetMonitorLogFile(path string)     { c.MonitorCfg.LogFile = path }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// MonitorConfig describes the process (or log file) being watched.
type MonitorConfig struct {
	// ProjectRoot anchors path resolution and the sandbox copy.
	ProjectRoot string `mapstructure:"project_root" yaml:"project_root"`
	// Command spawns the monitored process (e.g. ["flutter", "run"]).
	// Mutually exclusive with LogFile.
	Command []string `mapstructure:"command" yaml:"command"`
	// LogFile tails an already-running process's log instead of spawning.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
	// RingBufferSize bounds the post-mortem line buffer.
	RingBufferSize int `mapstructure:"ring_buffer_size" yaml:"ring_buffer_size"`
	// EventQueueSize bounds the classified-event dispatch channel.
	EventQueueSize int `mapstructure:"event_queue_size" yaml:"event_queue_size"`
}

// LockConfig tunes the mutual-exclusion state machine.
type LockConfig struct {
	DedupeWindow   time.Duration `mapstructure:"dedupe_window" yaml:"dedupe_window"`
	CooldownWindow time.Duration `mapstructure:"cooldown_window" yaml:"cooldown_window"`
}

// AdmissionConfig tunes the resource-aware admission controller. The RAM and
// churn thresholds are deliberately configuration, not constants.
type AdmissionConfig struct {
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	RequestsPerMinute     int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	RAMCriticalPercent    float64       `mapstructure:"ram_critical_percent" yaml:"ram_critical_percent"`
	CircuitFailureLimit   int           `mapstructure:"circuit_failure_limit" yaml:"circuit_failure_limit"`
	CircuitFailureWindow  time.Duration `mapstructure:"circuit_failure_window" yaml:"circuit_failure_window"`
	CircuitCooldown       time.Duration `mapstructure:"circuit_cooldown" yaml:"circuit_cooldown"`
	SampleInterval        time.Duration `mapstructure:"sample_interval" yaml:"sample_interval"`
}

// ReasonerConfig configures the remote reasoning endpoint.
type ReasonerConfig struct {
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model          string        `mapstructure:"model" yaml:"model"`
	APIKey         string        `mapstructure:"api_key" yaml:"-"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Temperature    float64       `mapstructure:"temperature" yaml:"temperature"`
	ContextLines   int           `mapstructure:"context_lines" yaml:"context_lines"`
	RatePerMinute  float64       `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
}

// ValidatorConfig tunes the fix validation pipeline.
type ValidatorConfig struct {
	// MaxChurnRatio rejects edits replacing more than this share of the
	// original line's tokens.
	MaxChurnRatio float64 `mapstructure:"max_churn_ratio" yaml:"max_churn_ratio"`
	// AnalyzerCommand is the external static analyzer argv run inside the
	// sandbox copy (e.g. ["dart", "analyze"]).
	AnalyzerCommand []string `mapstructure:"analyzer_command" yaml:"analyzer_command"`
	// AnalyzerTimeout bounds a single sandbox analysis run.
	AnalyzerTimeout time.Duration `mapstructure:"analyzer_timeout" yaml:"analyzer_timeout"`
	// ExtraBlacklist adds project-specific forbidden API patterns.
	ExtraBlacklist []string `mapstructure:"extra_blacklist" yaml:"extra_blacklist"`
	// KeepSandboxOnFailure preserves the scratch copy for debugging.
	KeepSandboxOnFailure bool `mapstructure:"keep_sandbox_on_failure" yaml:"keep_sandbox_on_failure"`
}

// BridgeConfig configures the editor WebSocket endpoint.
type BridgeConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer" yaml:"send_buffer"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "mend")
	v.SetDefault("logger.log_file", "mend.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Monitor --
	v.SetDefault("monitor.project_root", ".")
	v.SetDefault("monitor.ring_buffer_size", 50)
	v.SetDefault("monitor.event_queue_size", 64)

	// -- Lock --
	v.SetDefault("lock.dedupe_window", "2s")
	v.SetDefault("lock.cooldown_window", "5s")

	// -- Admission --
	v.SetDefault("admission.max_concurrent_requests", 2)
	v.SetDefault("admission.requests_per_minute", 10)
	v.SetDefault("admission.ram_critical_percent", 85.0)
	v.SetDefault("admission.circuit_failure_limit", 3)
	v.SetDefault("admission.circuit_failure_window", "2m")
	v.SetDefault("admission.circuit_cooldown", "1m")
	v.SetDefault("admission.sample_interval", "5s")

	// -- Reasoner --
	v.SetDefault("reasoner.endpoint", "http://localhost:11434/v1/chat/completions")
	v.SetDefault("reasoner.model", "qwen2.5-coder")
	v.SetDefault("reasoner.timeout", "12s")
	v.SetDefault("reasoner.temperature", 0.1)
	v.SetDefault("reasoner.context_lines", 30)
	v.SetDefault("reasoner.rate_per_minute", 10.0)
	v.SetDefault("reasoner.max_elapsed_time", "30s")

	// -- Validator --
	v.SetDefault("validator.max_churn_ratio", 0.5)
	v.SetDefault("validator.analyzer_command", []string{"dart", "analyze"})
	v.SetDefault("validator.analyzer_timeout", "2m")
	v.SetDefault("validator.keep_sandbox_on_failure", false)

	// -- Bridge --
	v.SetDefault("bridge.listen_addr", "localhost:6544")
	v.SetDefault("bridge.write_timeout", "10s")
	v.SetDefault("bridge.pong_timeout", "60s")
	v.SetDefault("bridge.max_message_size", 1<<20)
	v.SetDefault("bridge.send_buffer", 256)
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("reasoner.api_key", "MEND_REASONER_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.ReasonerCfg.APIKey == "" {
		cfg.ReasonerCfg.APIKey = os.Getenv("MEND_REASONER_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.MonitorCfg.RingBufferSize <= 0 {
		return fmt.Errorf("monitor.ring_buffer_size must be a positive integer")
	}
	if c.MonitorCfg.EventQueueSize <= 0 {
		return fmt.Errorf("monitor.event_queue_size must be a positive integer")
	}
	if c.LockCfg.DedupeWindow <= 0 || c.LockCfg.CooldownWindow <= 0 {
		return fmt.Errorf("lock.dedupe_window and lock.cooldown_window must be positive durations")
	}
	if err := c.AdmissionCfg.Validate(); err != nil {
		return fmt.Errorf("admission configuration invalid: %w", err)
	}
	if err := c.ValidatorCfg.Validate(); err != nil {
		return fmt.Errorf("validator configuration invalid: %w", err)
	}
	if c.ReasonerCfg.Timeout <= 0 {
		return fmt.Errorf("reasoner.timeout must be a positive duration")
	}
	return nil
}

// Validate checks the admission controller settings.
func (a *AdmissionConfig) Validate() error {
	if a.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max_concurrent_requests must be a positive integer")
	}
	if a.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be a positive integer")
	}
	if a.RAMCriticalPercent <= 0 || a.RAMCriticalPercent > 100 {
		return fmt.Errorf("ram_critical_percent must be in (0, 100]")
	}
	if a.CircuitFailureLimit <= 0 {
		return fmt.Errorf("circuit_failure_limit must be a positive integer")
	}
	return nil
}

// Validate checks the validator settings.
func (v *ValidatorConfig) Validate() error {
	if v.MaxChurnRatio <= 0 || v.MaxChurnRatio > 1.0 {
		return fmt.Errorf("max_churn_ratio must be in (0, 1]")
	}
	if len(v.AnalyzerCommand) == 0 {
		return fmt.Errorf("analyzer_command must not be empty")
	}
	return nil
}
