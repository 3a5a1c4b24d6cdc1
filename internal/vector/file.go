package vector

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/embedding"
	"github.com/textbook-tutor/backend/pkg/logger"
	"github.com/textbook-tutor/backend/pkg/utils"
)

const indexFormatVersion = 1

// fileIndex is the on-disk layout of one document's index. Vectors, Texts
// and Pages are parallel arrays indexed by chunk number.
type fileIndex struct {
	Version int
	Model   string
	Dim     int
	Vectors [][]float32
	Texts   []string
	Pages   []int
	Numbers []int
}

// FileStore keeps a flat inner-product index per document in a gob file.
// Loaded indexes are cached in memory; a rebuild swaps the cached entry, so a
// concurrent search sees either the old or the new index, never a mix.
type FileStore struct {
	dir       string
	embedder  embedding.Embedder
	minScore  float64
	batchSize int

	mu    sync.RWMutex
	cache map[string]*fileIndex
}

const indexPrefixRunes = 24

func NewFileStore(dir string, embedder embedding.Embedder, minScore float64, batchSize int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	logger.Info("File vector store initialized",
		zap.String("dir", dir),
		zap.String("model", embedder.Model()),
		zap.Float64("min_score", minScore),
	)

	return &FileStore{
		dir:       dir,
		embedder:  embedder,
		minScore:  minScore,
		batchSize: batchSize,
		cache:     make(map[string]*fileIndex),
	}, nil
}

// indexKey keeps a readable owner prefix for operators; the hash of the
// exact (owner, document) pair is what keeps keys apart.
func indexKey(owner, documentID string) string {
	return utils.SafeName(owner, indexPrefixRunes) + "_" + utils.HashString(owner+"\x00"+documentID)
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".idx")
}

func (s *FileStore) BuildIndex(ctx context.Context, owner, documentID string, chunks []Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := EmbedChunks(ctx, s.embedder, texts, s.batchSize)
	if err != nil {
		return err
	}

	idx := &fileIndex{
		Version: indexFormatVersion,
		Model:   s.embedder.Model(),
		Dim:     s.embedder.Dimension(),
		Vectors: vectors,
		Texts:   texts,
		Pages:   make([]int, len(chunks)),
		Numbers: make([]int, len(chunks)),
	}
	for i, c := range chunks {
		idx.Pages[i] = c.PageNumber
		idx.Numbers[i] = c.Number
	}
	if len(vectors) > 0 {
		idx.Dim = len(vectors[0])
	}

	key := indexKey(owner, documentID)
	if err := s.write(key, idx); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[key] = idx
	s.mu.Unlock()

	logger.Info("Vector index built",
		zap.String("document_id", documentID),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// write publishes the index by renaming a fully written temp file over the target.
func (s *FileStore) write(key string, idx *fileIndex) error {
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := gob.NewEncoder(tmp).Encode(idx); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close index file: %w", err)
	}

	if err := os.Rename(tmpName, s.path(key)); err != nil {
		return fmt.Errorf("failed to publish index file: %w", err)
	}
	return nil
}

func (s *FileStore) load(key string) (*fileIndex, error) {
	s.mu.RLock()
	idx, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return idx, nil
	}

	f, err := os.Open(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	defer f.Close()

	idx = &fileIndex{}
	if err := gob.NewDecoder(f).Decode(idx); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	if len(idx.Vectors) != len(idx.Texts) {
		return nil, fmt.Errorf("corrupt index %s: %d vectors for %d texts", key, len(idx.Vectors), len(idx.Texts))
	}

	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		idx = cached
	} else {
		s.cache[key] = idx
	}
	s.mu.Unlock()

	return idx, nil
}

func (s *FileStore) Search(ctx context.Context, owner, documentID, query string, topK int) ([]Result, error) {
	idx, err := s.load(indexKey(owner, documentID))
	if err != nil {
		return nil, err
	}
	if idx == nil || len(idx.Vectors) == 0 {
		logger.Debug("No vector index for document", zap.String("document_id", documentID))
		return []Result{}, nil
	}

	queryVec, err := EmbedQuery(ctx, s.embedder, query)
	if err != nil {
		return nil, err
	}
	if len(queryVec) != idx.Dim {
		return nil, fmt.Errorf("%w: index has %d, query has %d", ErrDimensionMismatch, idx.Dim, len(queryVec))
	}

	scored := make([]Result, len(idx.Vectors))
	for i, vec := range idx.Vectors {
		scored[i] = Result{
			ChunkNumber: idx.Numbers[i],
			Text:        idx.Texts[i],
			PageNumber:  idx.Pages[i],
			Score:       embedding.Dot(queryVec, vec),
		}
	}

	results := Rank(scored, s.minScore, topK)

	logger.Debug("Vector search completed",
		zap.String("document_id", documentID),
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)
	return results, nil
}

func (s *FileStore) DeleteIndex(_ context.Context, owner, documentID string) error {
	key := indexKey(owner, documentID)

	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	return nil
}
