package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/textbook-tutor/backend/pkg/config"
)

// ErrEmbeddingUnavailable marks failures of the embedding model itself, as
// opposed to storage or missing-index conditions.
var ErrEmbeddingUnavailable = errors.New("embedding model unavailable")

type Embedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
}

// New builds the embedder selected by cfg.Provider.
func New(cfg config.EmbeddingConfig, llmCfg config.LLMConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(llmCfg.APIKey, llmCfg.BaseURL, cfg.Model, cfg.Dimension, cfg.TimeoutSec), nil
	case "hash":
		return NewHashEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Lazy defers construction of an Embedder until first use. Concurrent first
// callers block on a single initialisation.
type Lazy struct {
	once    sync.Once
	factory func() (Embedder, error)
	inner   Embedder
	err     error
	dim     int
	model   string
}

func NewLazy(model string, dim int, factory func() (Embedder, error)) *Lazy {
	return &Lazy{factory: factory, dim: dim, model: model}
}

func (l *Lazy) get() (Embedder, error) {
	l.once.Do(func() {
		l.inner, l.err = l.factory()
		if l.err != nil {
			l.err = fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, l.err)
		}
	})
	return l.inner, l.err
}

func (l *Lazy) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	inner, err := l.get()
	if err != nil {
		return nil, err
	}
	return inner.Embed(ctx, texts)
}

func (l *Lazy) Dimension() int { return l.dim }

func (l *Lazy) Model() string { return l.model }

// Normalize scales v to unit L2 length in place. Zero vectors are left alone.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Dot is the inner product of two equal-length vectors.
func Dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
