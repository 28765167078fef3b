// Package config loads and validates cybercmd's top-level configuration:
// LLM gateway connection, executor resource caps, session retention, risk
// confirmation thresholds, and on-disk data paths.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Session    SessionConfig    `yaml:"session"`
	Risk       RiskConfig       `yaml:"risk"`
	Paths      PathsConfig      `yaml:"paths"`
	HTTPServer HTTPServerConfig `yaml:"http_server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LLMConfig holds LLM Gateway (C2) connection and call settings.
type LLMConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"-"` // populated from CYBERCMD_LLM_API_KEY, never from YAML
	Model             string  `yaml:"model"`
	TemperatureDefault float32 `yaml:"temperature_default"`
	DeadlineMs        int     `yaml:"deadline_ms"`
	RetryAttempts     int     `yaml:"retry_attempts"`
	CacheCapacity     int     `yaml:"cache_capacity"`
}

// ExecutorConfig holds Executor (C5) concurrency and resource-cap settings.
type ExecutorConfig struct {
	MaxGlobal        int   `yaml:"max_global"`
	MaxPerSession    int   `yaml:"max_per_session"`
	DefaultDeadlineS int   `yaml:"default_deadline_s"`
	CPUSeconds       int64 `yaml:"cpu_seconds"`
	MemBytes         int64 `yaml:"mem_bytes"`
	FsizeBytes       int64 `yaml:"fsize_bytes"`
	OutputCapBytes   int64 `yaml:"output_cap_bytes"`
}

// SessionConfig holds Session Store (C6) retention settings.
type SessionConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	ConvCap    int `yaml:"conv_cap"`
	CmdCap     int `yaml:"cmd_cap"`
}

// RiskConfig holds Risk Evaluator (C3) policy settings.
type RiskConfig struct {
	RequireConfirmationAt string `yaml:"require_confirmation_at"`
}

// PathsConfig holds the on-disk locations of the Registry Store's inputs.
type PathsConfig struct {
	ToolRegistry      string `yaml:"tool_registry"`
	RiskPatterns      string `yaml:"risk_patterns"`
	PerToolRegistries string `yaml:"per_tool_registries"`
	Prompts           string `yaml:"prompts"`
	Outputs           string `yaml:"outputs"`
}

// HTTPServerConfig holds HTTP/WS server listen settings.
type HTTPServerConfig struct {
	Port                   int    `yaml:"port"`
	Bind                   string `yaml:"bind"`
	ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds     int    `yaml:"idle_timeout_seconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	ErrorLogDir      string `yaml:"error_log_dir"`
	ErrorLogFilename string `yaml:"error_log_filename"`
}

// Load reads the YAML file at path, expands ${ENV_VAR} references in
// values, unmarshals into Config, applies environment variable overrides,
// sets defaults for any zero-value fields, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading file %q: %w", path, err)
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides overwrites specific Config fields when the corresponding
// environment variables are set.
func applyEnvOverrides(cfg *Config) {
	cfg.LLM.APIKey = os.Getenv("CYBERCMD_LLM_API_KEY")

	if v := os.Getenv("CYBERCMD_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CYBERCMD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTPServer.Port = port
		}
	}
	if v := os.Getenv("CYBERCMD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// applyDefaults sets zero-value fields to their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-oss-120b"
	}
	if cfg.LLM.TemperatureDefault == 0 {
		cfg.LLM.TemperatureDefault = 0.1
	}
	if cfg.LLM.DeadlineMs == 0 {
		cfg.LLM.DeadlineMs = 30_000
	}
	if cfg.LLM.RetryAttempts == 0 {
		cfg.LLM.RetryAttempts = 3
	}
	if cfg.LLM.CacheCapacity == 0 {
		cfg.LLM.CacheCapacity = 256
	}

	if cfg.Executor.MaxGlobal == 0 {
		cfg.Executor.MaxGlobal = 8
	}
	if cfg.Executor.MaxPerSession == 0 {
		cfg.Executor.MaxPerSession = 2
	}
	if cfg.Executor.DefaultDeadlineS == 0 {
		cfg.Executor.DefaultDeadlineS = 120
	}
	if cfg.Executor.CPUSeconds == 0 {
		cfg.Executor.CPUSeconds = 60
	}
	if cfg.Executor.MemBytes == 0 {
		cfg.Executor.MemBytes = 512 * 1024 * 1024
	}
	if cfg.Executor.FsizeBytes == 0 {
		cfg.Executor.FsizeBytes = 64 * 1024 * 1024
	}
	if cfg.Executor.OutputCapBytes == 0 {
		cfg.Executor.OutputCapBytes = 8 * 1024 * 1024
	}

	if cfg.Session.TTLSeconds == 0 {
		cfg.Session.TTLSeconds = 24 * 60 * 60
	}
	if cfg.Session.ConvCap == 0 {
		cfg.Session.ConvCap = 100
	}
	if cfg.Session.CmdCap == 0 {
		cfg.Session.CmdCap = 200
	}

	if cfg.Risk.RequireConfirmationAt == "" {
		cfg.Risk.RequireConfirmationAt = "high"
	}

	if cfg.Paths.ToolRegistry == "" {
		cfg.Paths.ToolRegistry = "registries/master.yaml"
	}
	if cfg.Paths.RiskPatterns == "" {
		cfg.Paths.RiskPatterns = "risk/patterns.yaml"
	}
	if cfg.Paths.PerToolRegistries == "" {
		cfg.Paths.PerToolRegistries = "registries/tools"
	}
	if cfg.Paths.Prompts == "" {
		cfg.Paths.Prompts = "prompts"
	}
	if cfg.Paths.Outputs == "" {
		cfg.Paths.Outputs = "sessions"
	}

	if cfg.HTTPServer.Port == 0 {
		cfg.HTTPServer.Port = 8080
	}
	if cfg.HTTPServer.Bind == "" {
		cfg.HTTPServer.Bind = "127.0.0.1"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.ErrorLogDir == "" {
		cfg.Logging.ErrorLogDir = "logs"
	}
	if cfg.Logging.ErrorLogFilename == "" {
		cfg.Logging.ErrorLogFilename = "YYYY-MM-DD-errors.md"
	}
}

// Validate returns an error if required fields are missing or values are
// out of range. It does not require an LLM API key: a gateway with an empty
// BaseURL is a valid "LLM disabled" configuration, but a non-empty BaseURL
// with no key is not (§6: absence is fatal when auth is required).
func (c *Config) Validate() error {
	if c.LLM.BaseURL != "" && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.base_url is set but CYBERCMD_LLM_API_KEY is not")
	}
	if c.Executor.MaxGlobal < 1 {
		return fmt.Errorf("executor.max_global must be >= 1, got %d", c.Executor.MaxGlobal)
	}
	if c.Executor.MaxPerSession < 1 {
		return fmt.Errorf("executor.max_per_session must be >= 1, got %d", c.Executor.MaxPerSession)
	}
	if c.Executor.MaxPerSession > c.Executor.MaxGlobal {
		return fmt.Errorf("executor.max_per_session (%d) must be <= executor.max_global (%d)", c.Executor.MaxPerSession, c.Executor.MaxGlobal)
	}
	switch c.Risk.RequireConfirmationAt {
	case "medium", "high", "critical":
	default:
		return fmt.Errorf("risk.require_confirmation_at must be one of medium|high|critical, got %q", c.Risk.RequireConfirmationAt)
	}
	if c.Paths.ToolRegistry == "" {
		return fmt.Errorf("paths.tool_registry is required")
	}
	return nil
}
