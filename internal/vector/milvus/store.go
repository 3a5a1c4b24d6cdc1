package milvus

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/embedding"
	"github.com/textbook-tutor/backend/internal/vector"
	"github.com/textbook-tutor/backend/pkg/logger"
)

const (
	fieldID          = "id"
	fieldOwner       = "owner"
	fieldDocumentID  = "document_id"
	fieldChunkNumber = "chunk_number"
	fieldPageNumber  = "page_number"
	fieldText        = "text"
	fieldEmbedding   = "embedding"
)

// Store keeps every document's chunks in one Milvus collection, tagged with
// owner and document id, and searched by inner product.
type Store struct {
	client         client.Client
	collectionName string
	embedder       embedding.Embedder
	minScore       float64
	batchSize      int
}

func NewStore(ctx context.Context, endpoint, apiKey, collectionName string, embedder embedding.Embedder, minScore float64, batchSize int) (*Store, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	s := &Store{
		client:         c,
		collectionName: collectionName,
		embedder:       embedder,
		minScore:       minScore,
		batchSize:      batchSize,
	}
	if err := s.ensureCollection(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) ensureCollection(ctx context.Context) error {
	has, err := s.client.HasCollection(ctx, s.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", s.collectionName))
		return s.load(ctx)
	}

	schema := &entity.Schema{
		CollectionName: s.collectionName,
		Description:    "Textbook chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeInt64,
				PrimaryKey: true,
				AutoID:     true,
			},
			{
				Name:       fieldOwner,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "256"},
			},
			{
				Name:       fieldDocumentID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:     fieldChunkNumber,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     fieldPageNumber,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       fieldText,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", s.embedder.Dimension()),
				},
			},
		},
	}

	if err := s.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexFlat(entity.IP)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := s.client.CreateIndex(ctx, s.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	logger.Info("Collection created", zap.String("collection", s.collectionName))
	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) error {
	if err := s.client.LoadCollection(ctx, s.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

func keyExpr(owner, documentID string) string {
	return fmt.Sprintf("%s == %s && %s == %s", fieldOwner, quote(owner), fieldDocumentID, quote(documentID))
}

func (s *Store) BuildIndex(ctx context.Context, owner, documentID string, chunks []vector.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	// Embed before touching existing rows so an embedding outage leaves the old index intact.
	vectors, err := vector.EmbedChunks(ctx, s.embedder, texts, s.batchSize)
	if err != nil {
		return err
	}

	if err := s.DeleteIndex(ctx, owner, documentID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	owners := make([]string, len(chunks))
	documents := make([]string, len(chunks))
	numbers := make([]int64, len(chunks))
	pages := make([]int64, len(chunks))
	for i, c := range chunks {
		owners[i] = owner
		documents[i] = documentID
		numbers[i] = int64(c.Number)
		pages[i] = int64(c.PageNumber)
	}

	_, err = s.client.Insert(
		ctx,
		s.collectionName,
		"",
		entity.NewColumnVarChar(fieldOwner, owners),
		entity.NewColumnVarChar(fieldDocumentID, documents),
		entity.NewColumnInt64(fieldChunkNumber, numbers),
		entity.NewColumnInt64(fieldPageNumber, pages),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnFloatVector(fieldEmbedding, len(vectors[0]), vectors),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := s.client.Flush(ctx, s.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks inserted into vector DB",
		zap.String("document_id", documentID),
		zap.Int("count", len(chunks)),
	)
	return nil
}

func (s *Store) Search(ctx context.Context, owner, documentID, query string, topK int) ([]vector.Result, error) {
	queryVec, err := vector.EmbedQuery(ctx, s.embedder, query)
	if err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexFlatSearchParam()
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := s.client.Search(
		ctx,
		s.collectionName,
		[]string{},
		keyExpr(owner, documentID),
		[]string{fieldChunkNumber, fieldPageNumber, fieldText},
		[]entity.Vector{entity.FloatVector(queryVec)},
		fieldEmbedding,
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	scored := make([]vector.Result, 0)
	for _, sr := range searchResult {
		numberCol := sr.Fields.GetColumn(fieldChunkNumber)
		pageCol := sr.Fields.GetColumn(fieldPageNumber)
		textCol := sr.Fields.GetColumn(fieldText)
		if numberCol == nil || pageCol == nil || textCol == nil {
			continue
		}

		for i := 0; i < sr.ResultCount; i++ {
			numberVal, _ := numberCol.Get(i)
			pageVal, _ := pageCol.Get(i)
			textVal, _ := textCol.Get(i)

			number, _ := numberVal.(int64)
			page, _ := pageVal.(int64)
			text, _ := textVal.(string)

			scored = append(scored, vector.Result{
				ChunkNumber: int(number),
				Text:        text,
				PageNumber:  int(page),
				Score:       float64(sr.Scores[i]),
			})
		}
	}

	results := vector.Rank(scored, s.minScore, topK)

	logger.Debug("Vector search completed",
		zap.String("document_id", documentID),
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)
	return results, nil
}

func (s *Store) DeleteIndex(ctx context.Context, owner, documentID string) error {
	if err := s.client.Delete(ctx, s.collectionName, "", keyExpr(owner, documentID)); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}
