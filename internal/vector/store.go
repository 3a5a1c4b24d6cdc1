package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/embedding"
	"github.com/textbook-tutor/backend/pkg/logger"
	"github.com/textbook-tutor/backend/pkg/retry"
)

// ErrDimensionMismatch is returned when a stored index was built with a
// different embedding dimension than the current embedder produces.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type Chunk struct {
	Number     int
	Text       string
	PageNumber int
}

type Result struct {
	ChunkNumber int     `json:"chunk_number"`
	Text        string  `json:"text"`
	PageNumber  int     `json:"page_number,omitempty"`
	Score       float64 `json:"score"`
}

// Store persists one similarity index per (owner, document).
type Store interface {
	// BuildIndex embeds every chunk and replaces any existing index for the key.
	BuildIndex(ctx context.Context, owner, documentID string, chunks []Chunk) error
	// Search returns an empty slice, not an error, when no index exists.
	// Embedding failures wrap embedding.ErrEmbeddingUnavailable.
	Search(ctx context.Context, owner, documentID, query string, topK int) ([]Result, error)
	DeleteIndex(ctx context.Context, owner, documentID string) error
}

// EmbedChunks embeds texts in batches, retrying each batch on transient failure.
func EmbedChunks(ctx context.Context, embedder embedding.Embedder, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = 64
	}

	retryCfg := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		embedded, err := retry.DoWithResult(ctx, retryCfg, func(ctx context.Context) ([][]float32, error) {
			return embedder.Embed(ctx, batch)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(embedded) != len(batch) {
			return nil, fmt.Errorf("%w: expected %d vectors, got %d", embedding.ErrEmbeddingUnavailable, len(batch), len(embedded))
		}

		for _, v := range embedded {
			vectors = append(vectors, embedding.Normalize(v))
		}

		logger.Debug("Embedded chunk batch",
			zap.Int("start", start),
			zap.Int("size", len(batch)),
		)
	}

	return vectors, nil
}

// EmbedQuery embeds a single query without retrying.
func EmbedQuery(ctx context.Context, embedder embedding.Embedder, query string) ([]float32, error) {
	vecs, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: expected 1 query vector, got %d", embedding.ErrEmbeddingUnavailable, len(vecs))
	}
	return embedding.Normalize(vecs[0]), nil
}

// Rank clamps scores to [-1, 1], drops anything at or below minScore and
// returns the best topK in descending order. Equal scores keep their input order.
func Rank(results []Result, minScore float64, topK int) []Result {
	kept := make([]Result, 0, len(results))
	for _, r := range results {
		r.Score = clamp(r.Score)
		if r.Score > minScore {
			kept = append(kept, r)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})

	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}

func clamp(score float64) float64 {
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}

// MaxScore returns the best score in results, or 0 for none.
func MaxScore(results []Result) float64 {
	best := 0.0
	for i, r := range results {
		if i == 0 || r.Score > best {
			best = r.Score
		}
	}
	return best
}
