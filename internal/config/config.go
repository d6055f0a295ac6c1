// Package config loads, defaults, and validates the aide configuration.
// Files are YAML or JSON5, may pull in fragments through $include, and have
// environment variables expanded before parsing. Unknown fields are errors.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Execution modes. Desktop runs client-target tasks in-process; hosted
// forwards them to a connected desktop client over the gateway.
const (
	ModeDesktop = "desktop"
	ModeHosted  = "hosted"
)

// Config is the root configuration for aide.
type Config struct {
	Mode     string         `yaml:"mode"`
	LLM      LLMConfig      `yaml:"llm"`
	Engine   EngineConfig   `yaml:"engine"`
	Memory   MemoryConfig   `yaml:"memory"`
	Registry RegistryConfig `yaml:"registry"`
	Tools    ToolsConfig    `yaml:"tools"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// LLMConfig configures the provider fallback chain.
type LLMConfig struct {
	// FallbackChain lists provider names in the order they are tried.
	FallbackChain []string `yaml:"fallback_chain"`

	// Providers holds per-provider settings keyed by provider name.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// KeysPerCall caps how many API keys a single request may rotate
	// through within one provider.
	KeysPerCall int `yaml:"keys_per_call"`

	// BlackoutTTL is how long a quota-exhausted provider is skipped.
	BlackoutTTL Duration `yaml:"blackout_ttl"`

	// MaxRetries is the in-provider retry count for transient errors.
	MaxRetries int `yaml:"max_retries"`

	RetryBackoff    Duration `yaml:"retry_backoff"`
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"`
}

// ProviderConfig holds one backend's settings. APIKeys may be left empty
// and resolved from the environment instead (GEMINI_API_KEYS etc.).
type ProviderConfig struct {
	APIKeys      []string `yaml:"api_keys"`
	DefaultModel string   `yaml:"default_model"`
	BaseURL      string   `yaml:"base_url"`
	Temperature  float64  `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`
}

// EngineConfig tunes task scheduling and execution.
type EngineConfig struct {
	// MaxParallelTasks bounds concurrently running server-side tasks.
	// Zero, the default, leaves the fan-out unbounded.
	MaxParallelTasks int `yaml:"max_parallel_tasks"`

	// DefaultTaskTimeout applies to tasks without their own timeout_ms.
	DefaultTaskTimeout Duration `yaml:"default_task_timeout"`

	// RetryBackoff is the pause before re-dispatching a task whose
	// failure policy is retry.
	RetryBackoff Duration `yaml:"retry_backoff"`

	// ApprovalTimeout bounds how long a task waits for a human verdict
	// before it is treated as denied.
	ApprovalTimeout Duration `yaml:"approval_timeout"`
}

// MemoryConfig tunes conversation memory.
type MemoryConfig struct {
	// RecentLimit is how many latest messages the recency tier returns.
	RecentLimit int `yaml:"recent_limit"`

	// SemanticPoolSize caps how many messages the semantic tier scans.
	SemanticPoolSize int `yaml:"semantic_pool_size"`

	// SemanticTopK is how many semantic matches are retrieved.
	SemanticTopK int `yaml:"semantic_top_k"`

	// MinSimilarity drops semantic matches scoring below it.
	MinSimilarity float64 `yaml:"min_similarity"`

	// SemanticThreshold gates whether semantic recall runs at all for a
	// given utterance.
	SemanticThreshold float64 `yaml:"semantic_threshold"`

	// HistoryPath is the SQLite file for durable history. Empty keeps
	// history in memory only.
	HistoryPath string `yaml:"history_path"`

	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// EmbeddingsConfig selects the embedding backend for semantic recall.
// Provider "none" disables the semantic tier.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// RegistryConfig points at the tool registry document. Empty Path uses the
// embedded default registry.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// ToolsConfig configures locally executed client tools.
type ToolsConfig struct {
	// Workspace is the directory desktop-mode file tools operate in.
	// Paths outside it are rejected. Empty means the current directory.
	Workspace string `yaml:"workspace"`
}

// GatewayConfig tunes the websocket endpoint used in hosted mode.
type GatewayConfig struct {
	Addr            string   `yaml:"addr"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	PingInterval    Duration `yaml:"ping_interval"`
	PongTimeout     Duration `yaml:"pong_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig configures OTLP trace export. An empty endpoint leaves
// tracing as a no-op.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// Duration wraps time.Duration so YAML accepts both "30s" strings and
// bare integers (seconds).
type Duration time.Duration

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts "1h30m" style strings or integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Tag)
	}
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the canonical string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used when no file is given. API keys
// still come from the environment.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	resolveProviderKeys(cfg)
	return cfg
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	resolveProviderKeys(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeDesktop
	}

	if len(cfg.LLM.FallbackChain) == 0 {
		cfg.LLM.FallbackChain = []string{"gemini", "groq", "anthropic"}
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]ProviderConfig{}
	}
	for _, name := range cfg.LLM.FallbackChain {
		if _, ok := cfg.LLM.Providers[name]; !ok {
			cfg.LLM.Providers[name] = ProviderConfig{}
		}
	}
	if cfg.LLM.KeysPerCall == 0 {
		cfg.LLM.KeysPerCall = 3
	}
	if cfg.LLM.BlackoutTTL == 0 {
		cfg.LLM.BlackoutTTL = Duration(time.Hour)
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 2
	}
	if cfg.LLM.RetryBackoff == 0 {
		cfg.LLM.RetryBackoff = Duration(100 * time.Millisecond)
	}
	if cfg.LLM.MaxRetryBackoff == 0 {
		cfg.LLM.MaxRetryBackoff = Duration(5 * time.Second)
	}

	if cfg.Engine.DefaultTaskTimeout == 0 {
		cfg.Engine.DefaultTaskTimeout = Duration(30 * time.Second)
	}
	if cfg.Engine.RetryBackoff == 0 {
		cfg.Engine.RetryBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Engine.ApprovalTimeout == 0 {
		cfg.Engine.ApprovalTimeout = Duration(5 * time.Minute)
	}

	if cfg.Memory.RecentLimit == 0 {
		cfg.Memory.RecentLimit = 12
	}
	if cfg.Memory.SemanticPoolSize == 0 {
		cfg.Memory.SemanticPoolSize = 500
	}
	if cfg.Memory.SemanticTopK == 0 {
		cfg.Memory.SemanticTopK = 5
	}
	if cfg.Memory.MinSimilarity == 0 {
		cfg.Memory.MinSimilarity = 0.5
	}
	if cfg.Memory.SemanticThreshold == 0 {
		cfg.Memory.SemanticThreshold = 0.35
	}
	if cfg.Memory.Embeddings.Provider == "" {
		cfg.Memory.Embeddings.Provider = "none"
	}
	if cfg.Memory.Embeddings.Model == "" {
		cfg.Memory.Embeddings.Model = "text-embedding-3-small"
	}

	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = ":8765"
	}
	if cfg.Gateway.MaxMessageBytes == 0 {
		cfg.Gateway.MaxMessageBytes = 1 << 20
	}
	if cfg.Gateway.PingInterval == 0 {
		cfg.Gateway.PingInterval = Duration(15 * time.Second)
	}
	if cfg.Gateway.PongTimeout == 0 {
		cfg.Gateway.PongTimeout = Duration(45 * time.Second)
	}
	if cfg.Gateway.WriteTimeout == 0 {
		cfg.Gateway.WriteTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9091"
	}

	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Tracing.Environment == "" {
		cfg.Tracing.Environment = "development"
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Mode != ModeDesktop && c.Mode != ModeHosted {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeDesktop, ModeHosted, c.Mode)
	}

	if len(c.LLM.FallbackChain) == 0 {
		return fmt.Errorf("llm.fallback_chain must name at least one provider")
	}
	seen := map[string]bool{}
	for _, name := range c.LLM.FallbackChain {
		if seen[name] {
			return fmt.Errorf("llm.fallback_chain lists %q twice", name)
		}
		seen[name] = true
		if !knownProvider(name) {
			return fmt.Errorf("llm.fallback_chain: unknown provider %q", name)
		}
	}
	for name := range c.LLM.Providers {
		if !knownProvider(name) {
			return fmt.Errorf("llm.providers: unknown provider %q", name)
		}
	}
	if c.LLM.KeysPerCall < 1 {
		return fmt.Errorf("llm.keys_per_call must be at least 1")
	}

	if c.Engine.MaxParallelTasks < 0 {
		return fmt.Errorf("engine.max_parallel_tasks must not be negative")
	}
	if c.Engine.DefaultTaskTimeout <= 0 {
		return fmt.Errorf("engine.default_task_timeout must be positive")
	}

	if c.Memory.RecentLimit < 1 {
		return fmt.Errorf("memory.recent_limit must be at least 1")
	}
	if c.Memory.MinSimilarity < 0 || c.Memory.MinSimilarity > 1 {
		return fmt.Errorf("memory.min_similarity must be within [0, 1]")
	}
	if c.Memory.SemanticThreshold < 0 || c.Memory.SemanticThreshold > 1 {
		return fmt.Errorf("memory.semantic_threshold must be within [0, 1]")
	}
	switch c.Memory.Embeddings.Provider {
	case "none", "openai":
	default:
		return fmt.Errorf("memory.embeddings.provider must be \"openai\" or \"none\", got %q", c.Memory.Embeddings.Provider)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1]")
	}
	return nil
}

func knownProvider(name string) bool {
	switch name {
	case "gemini", "groq", "anthropic":
		return true
	default:
		return false
	}
}
