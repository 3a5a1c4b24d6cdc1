package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	SQLite       SQLiteConfig
	Redis        RedisConfig
	Vector       VectorConfig
	Embedding    EmbeddingConfig
	LLM          LLMConfig
	Illustration IllustrationConfig
	Pages        PagesConfig
	Ingestion    IngestionConfig
	Chat         ChatConfig
	Auth         AuthConfig
	RateLimit    RateLimitConfig
	Logging      LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLHours int
}

type VectorConfig struct {
	Backend  string
	Dir      string
	MinScore float64
	TopK     int
	Milvus   MilvusConfig
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
}

type EmbeddingConfig struct {
	Provider   string
	Model      string
	Dimension  int
	BatchSize  int
	TimeoutSec int
}

type LLMConfig struct {
	APIKey      string
	BaseURL     string
	TextModel   string
	VisionModel string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type IllustrationConfig struct {
	Enabled          bool
	Provider         string
	ImageModel       string
	Size             string
	HuggingFaceToken string
	HuggingFaceURL   string
	FallbackURL      string
	Dir              string
	PublicPrefix     string
	TimeoutSec       int
}

type PagesConfig struct {
	Command string
	DPI     int
	// DocumentsDir is the root that document file paths are resolved against.
	DocumentsDir string
	TimeoutSec   int
}

type IngestionConfig struct {
	ChunkWords int
	// ValidateContent checks uploads against their claimed subject and grade.
	ValidateContent bool
	ValidationModel string
}

type ChatConfig struct {
	HistoryLimit           int
	MaxQuestionLength      int
	RejectInactiveSessions bool
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	Issuer    string
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/textbook-tutor")

	v.SetEnvPrefix("TUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Vector.Backend {
	case "file", "milvus":
	default:
		return fmt.Errorf("unknown vector backend %q", c.Vector.Backend)
	}

	switch c.Embedding.Provider {
	case "openai", "hash":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}

	if c.Embedding.Provider == "openai" && c.LLM.APIKey == "" {
		return errors.New("llm.apiKey is required for the openai embedding provider")
	}

	if c.Illustration.Enabled {
		switch c.Illustration.Provider {
		case "openai", "huggingface":
		default:
			return fmt.Errorf("unknown illustration provider %q", c.Illustration.Provider)
		}
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret is required when auth is enabled")
	}

	return nil
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c IllustrationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c PagesConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 52428800)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/tutor.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttlHours", 168)

	v.SetDefault("vector.backend", "file")
	v.SetDefault("vector.dir", "./data/indexes")
	v.SetDefault("vector.minScore", 0.3)
	v.SetDefault("vector.topK", 3)
	v.SetDefault("vector.milvus.endpoint", "localhost:19530")
	v.SetDefault("vector.milvus.apiKey", "")
	v.SetDefault("vector.milvus.collectionName", "textbook_chunks")

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.batchSize", 100)
	v.SetDefault("embedding.timeoutSec", 30)

	// Secrets carry empty defaults so AutomaticEnv can populate them during Unmarshal.
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.textModel", "gpt-3.5-turbo")
	v.SetDefault("llm.visionModel", "gpt-4o")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.maxTokens", 350)
	v.SetDefault("llm.timeoutSec", 45)

	v.SetDefault("illustration.enabled", true)
	v.SetDefault("illustration.provider", "openai")
	v.SetDefault("illustration.imageModel", "dall-e-3")
	v.SetDefault("illustration.size", "1024x1024")
	v.SetDefault("illustration.huggingFaceToken", "")
	v.SetDefault("illustration.huggingFaceURL", "https://router.huggingface.co/hf-inference/models/black-forest-labs/FLUX.1-schnell")
	v.SetDefault("illustration.fallbackURL", "https://api-inference.huggingface.co/models/runwayml/stable-diffusion-v1-5")
	v.SetDefault("illustration.dir", "./data/educational_images")
	v.SetDefault("illustration.publicPrefix", "/api/v1/images")
	v.SetDefault("illustration.timeoutSec", 60)

	v.SetDefault("pages.command", "pdftoppm")
	v.SetDefault("pages.dpi", 144)
	v.SetDefault("pages.documentsDir", "./data/documents")
	v.SetDefault("pages.timeoutSec", 20)

	v.SetDefault("ingestion.chunkWords", 1000)
	v.SetDefault("ingestion.validateContent", true)
	v.SetDefault("ingestion.validationModel", "gpt-4o-mini")

	v.SetDefault("chat.historyLimit", 10)
	v.SetDefault("chat.maxQuestionLength", 1000)
	v.SetDefault("chat.rejectInactiveSessions", false)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("rateLimit.requestsPerMinute", 60)
	v.SetDefault("rateLimit.burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
