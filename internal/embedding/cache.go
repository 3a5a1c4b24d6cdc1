package embedding

import (
	"context"

	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/metrics"
	"github.com/textbook-tutor/backend/pkg/logger"
	"github.com/textbook-tutor/backend/pkg/utils"
)

// Cache is the subset of the Redis client the cached embedder needs.
type Cache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32) error
}

// CachedEmbedder serves repeated texts from a cache. Cache errors are logged
// and treated as misses.
type CachedEmbedder struct {
	inner Embedder
	cache Cache
}

func NewCachedEmbedder(inner Embedder, cache Cache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

func (c *CachedEmbedder) key(text string) string {
	return utils.HashString(c.inner.Model() + "\x00" + text)
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing    []string
		missingIdx []int
	)

	for i, text := range texts {
		vec, ok, err := c.cache.GetEmbedding(ctx, c.key(text))
		if err != nil {
			logger.Warn("Embedding cache lookup failed", zap.Error(err))
		}
		if ok && len(vec) > 0 {
			metrics.EmbeddingCache.WithLabelValues("hit").Inc()
			out[i] = vec
			continue
		}
		metrics.EmbeddingCache.WithLabelValues("miss").Inc()
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}

	for j, vec := range fresh {
		out[missingIdx[j]] = vec
		if err := c.cache.SetEmbedding(ctx, c.key(missing[j]), vec); err != nil {
			logger.Warn("Failed to cache embedding", zap.Error(err))
		}
	}
	return out, nil
}

func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

func (c *CachedEmbedder) Model() string { return c.inner.Model() }
