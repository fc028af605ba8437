package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the main configuration structure for Warden.
type Config struct {
	Version       int                 `yaml:"version"`
	Execution     ExecutionConfig     `yaml:"execution"`
	Agents        AgentsConfig        `yaml:"agents"`
	Storage       StorageConfig       `yaml:"storage"`
	LLM           LLMConfig           `yaml:"llm"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ExecutionConfig holds the sandbox defaults.
type ExecutionConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MemoryLimit  ByteSize      `yaml:"memory_limit"`
	WorkerBinary string        `yaml:"worker_binary"`
	WorkerArgs   []string      `yaml:"worker_args"`
	// MaxContextBytes bounds the serialized context sent to a worker.
	MaxContextBytes ByteSize `yaml:"max_context_bytes"`
	// TrustedFallback is the backend trusted agents fall back to when their
	// direct run fails: "realm" or "worker".
	TrustedFallback string `yaml:"trusted_fallback"`
}

type AgentsConfig struct {
	Dirs          []string      `yaml:"dirs"`
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

type StorageConfig struct {
	// Path is the SQLite database file. Empty means in-memory.
	Path string `yaml:"path"`
}

type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	MetricsAddr     string  `yaml:"metrics_addr"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	TracingInsecure bool    `yaml:"tracing_insecure"`
	SampleRate      float64 `yaml:"sample_rate"`
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Load reads, decodes, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Execution.Timeout == 0 {
		cfg.Execution.Timeout = 30 * time.Second
	}
	if cfg.Execution.MemoryLimit == 0 {
		cfg.Execution.MemoryLimit = 128 * MiB
	}
	if cfg.Execution.MaxContextBytes == 0 {
		cfg.Execution.MaxContextBytes = 64 * KiB
	}
	cfg.Execution.TrustedFallback = strings.ToLower(strings.TrimSpace(cfg.Execution.TrustedFallback))
	if cfg.Execution.TrustedFallback == "" {
		cfg.Execution.TrustedFallback = "realm"
	}
	if len(cfg.Agents.Dirs) == 0 {
		cfg.Agents.Dirs = []string{"agents"}
	}
	if cfg.Agents.WatchDebounce == 0 {
		cfg.Agents.WatchDebounce = 250 * time.Millisecond
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "llama3.2"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var problems []string
	if c.Execution.Timeout < 0 {
		problems = append(problems, "execution.timeout must be positive")
	}
	if c.Execution.MemoryLimit < 0 {
		problems = append(problems, "execution.memory_limit must be positive")
	} else if c.Execution.MemoryLimit > 0 && c.Execution.MemoryLimit < 8*MiB {
		problems = append(problems, "execution.memory_limit must be at least 8MiB")
	}
	switch strings.ToLower(c.Execution.TrustedFallback) {
	case "", "realm", "worker":
	default:
		problems = append(problems, fmt.Sprintf("execution.trusted_fallback %q must be realm or worker", c.Execution.TrustedFallback))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not recognised", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		problems = append(problems, "observability.sample_rate must be between 0 and 1")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		problems = append(problems, "llm.temperature must be between 0 and 2")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
