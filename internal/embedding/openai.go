package embedding

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/pkg/circuitbreaker"
	"github.com/textbook-tutor/backend/pkg/logger"
)

type OpenAIEmbedder struct {
	client  *openai.Client
	model   string
	dim     int
	timeout time.Duration
	cb      *circuitbreaker.CircuitBreaker
}

func NewOpenAIEmbedder(apiKey, baseURL, model string, dim, timeoutSec int) *OpenAIEmbedder {
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	if timeoutSec <= 0 {
		timeoutSec = 30
	}

	cb := circuitbreaker.New("embedding", circuitbreaker.Config{
		HalfOpenRequests: 2,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Logger:           logger.GetLogger(),
	})

	logger.Info("Embedding client initialized",
		zap.String("model", model),
		zap.Int("dimension", dim),
	)

	return &OpenAIEmbedder{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		dim:     dim,
		timeout: time.Duration(timeoutSec) * time.Second,
		cb:      cb,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var embeddings [][]float32

	err := e.cb.Execute(ctx, func(ctx context.Context) error {
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return err
		}
		if len(resp.Data) != len(texts) {
			return fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
		}

		embeddings = make([][]float32, len(texts))
		for _, data := range resp.Data {
			if data.Index < 0 || data.Index >= len(texts) {
				return fmt.Errorf("embedding index %d out of range", data.Index)
			}
			vec := make([]float32, len(data.Embedding))
			copy(vec, data.Embedding)
			embeddings[data.Index] = vec
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate embeddings: %v", ErrEmbeddingUnavailable, err)
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

func (e *OpenAIEmbedder) Dimension() int { return e.dim }

func (e *OpenAIEmbedder) Model() string { return e.model }
