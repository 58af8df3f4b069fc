// Package config loads and validates application configuration from
// files, environment variables and defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration problems callers may want to
// distinguish.
var (
	ErrConfigNotFound   = errors.New("config file not found")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrMissingGroqKey   = errors.New("groq api key not set")
	ErrMissingOpenAIKey = errors.New("openai api key not set")
	ErrMissingDatabase  = errors.New("database url not set")
)

// Config holds all runtime settings. Secrets are masked when the
// struct is serialized or printed.
type Config struct {
	// Generation (Groq, OpenAI-compatible endpoint).
	GroqAPIKey  string  `mapstructure:"groq_api_key"`
	GroqBaseURL string  `mapstructure:"groq_base_url"`
	ModelName   string  `mapstructure:"model_name"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`

	// Embeddings (OpenAI).
	OpenAIAPIKey        string `mapstructure:"openai_api_key"`
	OpenAIBaseURL       string `mapstructure:"openai_base_url"`
	EmbedderModel       string `mapstructure:"embedder_model"`
	EmbeddingDimensions int    `mapstructure:"embedding_dimensions"`

	// Retrieval.
	DatabaseURL string `mapstructure:"database_url"`
	TopK        int    `mapstructure:"top_k"`

	// National Archives catalog.
	ArchivesBaseURL string `mapstructure:"archives_base_url"`

	// Server.
	Addr string `mapstructure:"addr"`

	// Logging.
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// Load reads configuration with precedence: environment variables,
// then config file, then built-in defaults. A missing config file is
// not an error; defaults and environment take over.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".archivum"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("ARCHIVUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("groq_base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("model_name", "llama-3.1-70b-versatile")
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 1000)

	v.SetDefault("embedder_model", "text-embedding-3-small")
	v.SetDefault("embedding_dimensions", 1536)

	v.SetDefault("top_k", 3)

	v.SetDefault("archives_base_url", "https://catalog.archives.gov/api/v1")

	v.SetDefault("addr", ":8080")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// bindEnvVariables maps the conventional provider variable names onto
// config keys so users do not need the ARCHIVUM_ prefix for secrets.
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("groq_api_key", "GROQ_API_KEY", "ARCHIVUM_GROQ_API_KEY")
	v.BindEnv("openai_api_key", "OPENAI_API_KEY", "ARCHIVUM_OPENAI_API_KEY")
	v.BindEnv("database_url", "NEON_DATABASE_URL", "DATABASE_URL", "ARCHIVUM_DATABASE_URL")
}

// Validate checks bounds on settings that have them. Missing credentials
// are not validation errors; components that need them report
// not-configured at use time.
func (c *Config) Validate() error {
	if c.TopK < 1 {
		return fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidConfig, c.TopK)
	}
	if c.EmbeddingDimensions < 1 {
		return fmt.Errorf("%w: embedding_dimensions must be positive, got %d", ErrInvalidConfig, c.EmbeddingDimensions)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0, 2], got %g", ErrInvalidConfig, c.Temperature)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("%w: max_tokens must be positive, got %d", ErrInvalidConfig, c.MaxTokens)
	}
	return nil
}

// RetrievalConfigured reports whether both the embedding provider and
// the vector store have credentials.
func (c *Config) RetrievalConfigured() bool {
	return c.OpenAIAPIKey != "" && c.DatabaseURL != ""
}

// GenerationConfigured reports whether the generation provider has
// credentials.
func (c *Config) GenerationConfigured() bool {
	return c.GroqAPIKey != ""
}

// maskSecret keeps the first and last two characters of a secret for
// troubleshooting and hides the rest.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// MarshalJSON masks secrets so the config can be logged safely.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := alias(c)
	masked.GroqAPIKey = maskSecret(c.GroqAPIKey)
	masked.OpenAIAPIKey = maskSecret(c.OpenAIAPIKey)
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	return json.Marshal(masked)
}

func (c Config) String() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(b)
}
