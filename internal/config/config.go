// Package config loads service configuration from environment variables and
// an optional groundline.yaml file. Environment values win over the file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/groundline-ai/groundline/internal/tracing"
)

// Config is the fully resolved service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	VectorDB  VectorDBConfig  `mapstructure:"vectordb"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Guardrail GuardrailConfig `mapstructure:"guardrail"`
	Packing   PackingConfig   `mapstructure:"packing"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json|console
}

type LLMConfig struct {
	Provider  string        `mapstructure:"provider"` // openai|anthropic|vllm
	Model     string        `mapstructure:"model"`
	Endpoint  string        `mapstructure:"endpoint"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Streaming bool          `mapstructure:"streaming"`
}

type EmbeddingConfig struct {
	Provider         string  `mapstructure:"provider"`
	Model            string  `mapstructure:"model"`
	URL              string  `mapstructure:"url"`
	MaxTokens        int     `mapstructure:"max_tokens"`
	SafetyMargin     float64 `mapstructure:"safety_margin"`
	ChunkingStrategy string  `mapstructure:"chunking_strategy"`
	OverlapTokens    int     `mapstructure:"overlap_tokens"`
	VectorDim        int     `mapstructure:"vector_dim"`
	BatchSize        int     `mapstructure:"batch_size"`
}

type VectorDBConfig struct {
	URL         string `mapstructure:"url"`
	APIKey      string `mapstructure:"api_key"`
	Collection  string `mapstructure:"collection"`
	EfBase      int    `mapstructure:"ef_base"`
	EfMin       int    `mapstructure:"ef_min"`
	EfMax       int    `mapstructure:"ef_max"`
	RerankerURL string `mapstructure:"reranker_url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type GuardrailConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ConfigPath string `mapstructure:"config_path"`
}

type PackingConfig struct {
	TokenBudget          int     `mapstructure:"token_budget"`
	PerDocCap            int     `mapstructure:"per_doc_cap"`
	PerSectionCap        int     `mapstructure:"per_section_cap"`
	NoveltyAlpha         float64 `mapstructure:"novelty_alpha"`
	AnswerabilityBonus   float64 `mapstructure:"answerability_bonus"`
	SectionReunification bool    `mapstructure:"section_reunification"`
}

type RateLimitConfig struct {
	PerIP     int           `mapstructure:"per_ip"`
	PerUser   int           `mapstructure:"per_user"`
	PerTenant int           `mapstructure:"per_tenant"`
	Window    time.Duration `mapstructure:"window"`
}

type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	IngestToken string `mapstructure:"ingest_token"`
}

// Load reads configuration from the environment and, when present, from
// groundline.yaml in the working directory or /etc/groundline.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("groundline")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/groundline")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.streaming", true)

	v.SetDefault("embedding.provider", "bge")
	v.SetDefault("embedding.model", "bge-m3")
	v.SetDefault("embedding.url", "http://localhost:8090")
	v.SetDefault("embedding.max_tokens", 512)
	v.SetDefault("embedding.safety_margin", 0.1)
	v.SetDefault("embedding.chunking_strategy", "token-aware")
	v.SetDefault("embedding.overlap_tokens", 0)
	v.SetDefault("embedding.vector_dim", 1024)
	v.SetDefault("embedding.batch_size", 32)

	v.SetDefault("vectordb.url", "http://localhost:6333")
	v.SetDefault("vectordb.collection", "groundline_chunks")
	v.SetDefault("vectordb.ef_base", 128)
	v.SetDefault("vectordb.ef_min", 64)
	v.SetDefault("vectordb.ef_max", 512)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("guardrail.enabled", true)

	v.SetDefault("packing.token_budget", 8000)
	v.SetDefault("packing.per_doc_cap", 2)
	v.SetDefault("packing.per_section_cap", 2)
	v.SetDefault("packing.novelty_alpha", 0.5)
	v.SetDefault("packing.answerability_bonus", 0.15)
	v.SetDefault("packing.section_reunification", false)

	v.SetDefault("rate_limit.per_ip", 30)
	v.SetDefault("rate_limit.per_user", 60)
	v.SetDefault("rate_limit.per_tenant", 600)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "groundline")
}

// bindEnvs maps the flat, historically named environment variables onto the
// nested config keys so both spellings work.
func bindEnvs(v *viper.Viper) {
	aliases := map[string]string{
		"server.port":                   "PORT",
		"log.level":                     "LOG_LEVEL",
		"log.format":                    "LOG_FORMAT",
		"llm.provider":                  "LLM_PROVIDER",
		"llm.model":                     "LLM_MODEL",
		"llm.endpoint":                  "LLM_ENDPOINT",
		"llm.api_key":                   "LLM_API_KEY",
		"llm.streaming":                 "LLM_STREAMING",
		"embedding.provider":            "EMBEDDING_PROVIDER",
		"embedding.model":               "EMBEDDING_MODEL",
		"embedding.url":                 "EMBEDDING_URL",
		"embedding.max_tokens":          "EMBEDDING_MAX_TOKENS",
		"embedding.safety_margin":       "EMBEDDING_SAFETY_MARGIN",
		"embedding.chunking_strategy":   "EMBEDDING_CHUNKING_STRATEGY",
		"embedding.overlap_tokens":      "EMBEDDING_OVERLAP_TOKENS",
		"embedding.vector_dim":          "VECTOR_DIM",
		"vectordb.url":                  "QDRANT_URL",
		"vectordb.api_key":              "QDRANT_API_KEY",
		"vectordb.collection":           "QDRANT_COLLECTION",
		"vectordb.reranker_url":         "RERANKER_URL",
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"postgres.dsn":                  "DATABASE_URL",
		"guardrail.enabled":             "GUARDRAIL_ENABLED",
		"guardrail.config_path":         "GUARDRAIL_CONFIG_PATH",
		"packing.token_budget":          "CONTEXT_TOKEN_BUDGET",
		"packing.per_doc_cap":           "PACKING_PER_DOC_CAP",
		"packing.per_section_cap":       "PACKING_PER_SECTION_CAP",
		"packing.novelty_alpha":         "PACKING_NOVELTY_ALPHA",
		"packing.answerability_bonus":   "PACKING_ANSWERABILITY_BONUS",
		"packing.section_reunification": "SECTION_REUNIFICATION",
		"rate_limit.per_ip":             "RATE_LIMIT_PER_IP",
		"rate_limit.per_user":           "RATE_LIMIT_PER_USER",
		"rate_limit.per_tenant":         "RATE_LIMIT_PER_TENANT",
		"auth.jwt_secret":               "AUTH_JWT_SECRET",
		"auth.ingest_token":             "INGEST_TOKEN",
		"tracing.enabled":               "TRACING_ENABLED",
		"tracing.otlp_endpoint":         "OTEL_EXPORTER_OTLP_ENDPOINT",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
	// Durations expressed in milliseconds by the historical names.
	if ms := v.GetInt("LLM_TIMEOUT_MS"); ms > 0 {
		v.Set("llm.timeout", time.Duration(ms)*time.Millisecond)
	}
	if min := v.GetInt("RATE_LIMIT_WINDOW_MINUTES"); min > 0 {
		v.Set("rate_limit.window", time.Duration(min)*time.Minute)
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "vllm":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}
	if c.Embedding.SafetyMargin < 0 || c.Embedding.SafetyMargin >= 1 {
		return fmt.Errorf("embedding safety margin must be in [0,1): %f", c.Embedding.SafetyMargin)
	}
	if c.Embedding.VectorDim <= 0 {
		return fmt.Errorf("vector dim must be positive: %d", c.Embedding.VectorDim)
	}
	if c.Packing.TokenBudget <= 0 {
		return fmt.Errorf("context token budget must be positive: %d", c.Packing.TokenBudget)
	}
	return nil
}
