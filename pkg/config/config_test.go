package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("TUTOR_AUTH_JWTSECRET", "secret")
	t.Setenv("TUTOR_LLM_APIKEY", "sk-test")
	t.Setenv("TUTOR_VECTOR_TOPK", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "file", cfg.Vector.Backend)
	assert.Equal(t, 5, cfg.Vector.TopK)
	assert.Equal(t, "secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "gpt-4o", cfg.LLM.VisionModel)
	assert.Equal(t, 10, cfg.Chat.HistoryLimit)
	assert.Equal(t, 1000, cfg.Chat.MaxQuestionLength)
	assert.Equal(t, 1000, cfg.Ingestion.ChunkWords)
	assert.True(t, cfg.Ingestion.ValidateContent)
	assert.Equal(t, float32(0.7), cfg.LLM.Temperature)
	assert.Equal(t, 350, cfg.LLM.MaxTokens)
	assert.Equal(t, "/api/v1/images", cfg.Illustration.PublicPrefix)
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout())
	assert.Equal(t, 168*time.Hour, cfg.Redis.TTL())
}

func TestLoad_RejectsMissingSecret(t *testing.T) {
	t.Setenv("TUTOR_LLM_APIKEY", "sk-test")

	_, err := Load()
	assert.ErrorContains(t, err, "auth.jwtSecret")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Vector:       VectorConfig{Backend: "file"},
			Embedding:    EmbeddingConfig{Provider: "hash"},
			Illustration: IllustrationConfig{Enabled: true, Provider: "huggingface"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Vector.Backend = "faiss" }, "unknown vector backend"},
		{"unknown embedder", func(c *Config) { c.Embedding.Provider = "bert" }, "unknown embedding provider"},
		{"openai without key", func(c *Config) { c.Embedding.Provider = "openai" }, "llm.apiKey"},
		{"unknown image provider", func(c *Config) { c.Illustration.Provider = "midjourney" }, "unknown illustration provider"},
		{"disabled illustration ignores provider", func(c *Config) {
			c.Illustration.Enabled = false
			c.Illustration.Provider = "midjourney"
		}, ""},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, "auth.jwtSecret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
