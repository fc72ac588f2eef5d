package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// maxConfigFileSize bounds how large a config file LoadConfig will accept,
// guarding against an accidentally-pointed-at-the-wrong-file mistake (or a
// hostile one) being parsed as YAML.
const maxConfigFileSize = 1 << 20 // 1 MiB

// Config represents the application configuration
type Config struct {
	// API Keys
	OpenAIKey      string `yaml:"openai_key"`
	AnthropicKey   string `yaml:"anthropic_key"`
	HuggingFaceKey string `yaml:"huggingface_key"`

	// GCP Configuration
	GCPProject     string `yaml:"gcp_project"`
	GCPCredentials string `yaml:"gcp_credentials"`

	// Model Configuration
	DefaultModel    string `yaml:"default_model"`
	EmbeddingModel  string `yaml:"embedding_model"`
	MaxTokens       int    `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`

	// Vector Store
	VectorProvider string            `yaml:"vector_provider"` // memory, firestore
	VectorConfig   map[string]string `yaml:"vector_config"`

	// Agents Configuration
	Agents map[string]AgentConfig `yaml:"agents"`

	// Runtime Configuration
	Runtime RuntimeConfig `yaml:"runtime"`

	// Engine Configuration
	Engine EngineConfig `yaml:"engine"`

	// Cache Configuration
	Cache CacheConfig `yaml:"cache"`

	// Synonyms is the on-disk lexicon the Synonym Expander is built from:
	// canonical term -> its surface forms.
	Synonyms map[string][]string `yaml:"synonyms"`

	// CORS allowlist for the HTTP query API (spec.md §6: "a configured
	// allowlist; reject * in production").
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// CacheConfig selects and configures the Multi-Stage Cache's backing store.
type CacheConfig struct {
	Backend       string `yaml:"backend"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SweepSpec     string `yaml:"sweep_spec"` // cron spec for the semantic-shard sweep, default "*/10 * * * *"
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "*/10 * * * *"
	}
	return c
}

// EngineConfig holds every recognized Query Engine option (spec.md §6's
// configuration table). KnownFields(true) in LoadConfig rejects any yaml key
// under `engine:` that isn't one of these, rather than silently ignoring a
// typo'd option.
type EngineConfig struct {
	FinalK                int     `yaml:"final_k"`
	RerankK               int     `yaml:"rerank_k"`
	InitialK              int     `yaml:"initial_k"`
	RRFK                  int     `yaml:"rrf_k"`
	SemanticThreshold     float64 `yaml:"semantic_threshold"`
	ValidationThreshold   float64 `yaml:"validation_threshold"`
	MaxSemanticCandidates int     `yaml:"max_semantic_candidates"`
	TTLExactSeconds       int     `yaml:"ttl_exact"`
	TTLSemanticSeconds    int     `yaml:"ttl_semantic"`
	MaxCharsPerDoc        int     `yaml:"max_chars_per_doc"`
	MaxQueryChars         int     `yaml:"max_query_chars"`
	MemoryWindow          int     `yaml:"memory_window"`
	SummarizeEvery        int     `yaml:"summarize_every"`
}

// withDefaults fills in the documented defaults (spec.md §4, §6) for every
// zero-valued field.
func (e EngineConfig) withDefaults() EngineConfig {
	if e.FinalK == 0 {
		e.FinalK = 8
	}
	if e.RerankK == 0 {
		e.RerankK = 30
	}
	if e.InitialK == 0 {
		e.InitialK = 100
	}
	if e.RRFK == 0 {
		e.RRFK = 60
	}
	if e.SemanticThreshold == 0 {
		e.SemanticThreshold = 0.98
	}
	if e.ValidationThreshold == 0 {
		e.ValidationThreshold = 0.80
	}
	if e.MaxSemanticCandidates == 0 {
		e.MaxSemanticCandidates = 3
	}
	if e.TTLExactSeconds == 0 {
		e.TTLExactSeconds = 3600
	}
	if e.TTLSemanticSeconds == 0 {
		e.TTLSemanticSeconds = 600
	}
	if e.MaxCharsPerDoc == 0 {
		e.MaxCharsPerDoc = 3200
	}
	if e.MaxQueryChars == 0 {
		e.MaxQueryChars = 10000
	}
	if e.MemoryWindow == 0 {
		e.MemoryWindow = 10
	}
	if e.SummarizeEvery == 0 {
		e.SummarizeEvery = 5
	}
	return e
}

// AgentConfig holds configuration for a single agent
type AgentConfig struct {
	Name     string                 `yaml:"name"`
	Role     string                 `yaml:"role"`
	Model    string                 `yaml:"model"`
	Prompt   string                 `yaml:"prompt"`
	Settings map[string]interface{} `yaml:"settings"`
}

// RuntimeConfig holds runtime configuration
type RuntimeConfig struct {
	ChannelBufferSize  int  `yaml:"channel_buffer_size"`
	MaxConcurrentCalls int  `yaml:"max_concurrent_calls"`
	EnableMetrics      bool `yaml:"enable_metrics"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is too large (%d bytes, max %d)", path, info.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.Runtime.ChannelBufferSize == 0 {
		cfg.Runtime.ChannelBufferSize = 100
	}
	cfg.Engine = cfg.Engine.withDefaults()
	cfg.Cache = cfg.Cache.withDefaults()

	// Load API keys from environment if not in config
	if cfg.OpenAIKey == "" {
		cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.AnthropicKey == "" {
		cfg.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.HuggingFaceKey == "" {
		cfg.HuggingFaceKey = os.Getenv("HUGGINGFACE_API_KEY")
	}
	if cfg.GCPProject == "" {
		cfg.GCPProject = os.Getenv("GCP_PROJECT")
	}
	if cfg.GCPCredentials == "" {
		cfg.GCPCredentials = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}

	return &cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DefaultModel == "" {
		return fmt.Errorf("default_model is required")
	}

	if c.OpenAIKey == "" && c.AnthropicKey == "" && c.HuggingFaceKey == "" {
		return fmt.Errorf("at least one API key must be configured")
	}

	return nil
}
