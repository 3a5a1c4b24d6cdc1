package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/metrics"
	"github.com/textbook-tutor/backend/internal/storage/models"
	"github.com/textbook-tutor/backend/internal/vector"
	"github.com/textbook-tutor/backend/pkg/logger"
)

var ErrNoContent = errors.New("no text content to ingest")

type DocumentStore interface {
	InsertDocument(ctx context.Context, doc *models.Document) error
	InsertChunks(ctx context.Context, chunks []*models.DocumentChunk) error
	CompleteProcessing(ctx context.Context, id string, chunkCount, totalWords int, status models.ProcessingStatus) error
}

type Request struct {
	Owner            string
	Name             string
	Subject          string
	Grade            string
	Description      string
	FilePath         string
	OriginalFilename string
	// Text is extracted text, optionally with "=== Page N ===" markers.
	Text string
	// HTML is used instead of Text when Text is empty.
	HTML string
}

type ContentValidator interface {
	Validate(ctx context.Context, text, subject, grade string) *Validation
}

type Processor struct {
	db         DocumentStore
	index      vector.Store
	validator  ContentValidator
	chunkWords int
}

func NewProcessor(db DocumentStore, index vector.Store, chunkWords int) *Processor {
	if chunkWords <= 0 {
		chunkWords = DefaultChunkWords
	}
	return &Processor{db: db, index: index, chunkWords: chunkWords}
}

// WithValidator makes Ingest check documents that declare a subject against
// their content before anything is stored.
func (p *Processor) WithValidator(v ContentValidator) *Processor {
	p.validator = v
	return p
}

// Ingest stores the document and its chunks, then builds the vector index.
// An index build failure is recorded on the document rather than returned.
// A content mismatch is returned as *RejectedError and nothing is stored.
func (p *Processor) Ingest(ctx context.Context, req Request) (*models.Document, error) {
	text := req.Text
	if strings.TrimSpace(text) == "" && req.HTML != "" {
		var err error
		text, err = HTMLToText(req.HTML)
		if err != nil {
			return nil, fmt.Errorf("failed to parse HTML: %w", err)
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoContent
	}

	chunks := ChunkText(text, p.chunkWords)
	if len(chunks) == 0 {
		return nil, ErrNoContent
	}

	grade := req.Grade
	if grade == "" {
		grade = "1"
	}

	if p.validator != nil && req.Subject != "" {
		v := p.validator.Validate(ctx, text, req.Subject, grade)
		if !v.Valid {
			logger.Info("Document rejected by content validation",
				zap.String("name", req.Name),
				zap.String("detected_subject", v.DetectedSubject),
				zap.String("detected_grade", v.DetectedGrade),
				zap.Float64("confidence", v.Confidence),
			)
			return nil, &RejectedError{Validation: v}
		}
	}

	doc := &models.Document{
		ID:               uuid.New().String(),
		Owner:            req.Owner,
		Name:             req.Name,
		Subject:          req.Subject,
		Grade:            grade,
		Description:      req.Description,
		FilePath:         req.FilePath,
		OriginalFilename: req.OriginalFilename,
		Status:           models.ProcessingPending,
	}

	logger.Info("Processing document",
		zap.String("document_id", doc.ID),
		zap.String("name", doc.Name),
	)

	if err := p.db.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}

	rows := make([]*models.DocumentChunk, len(chunks))
	indexChunks := make([]vector.Chunk, len(chunks))
	totalWords := 0
	for i, c := range chunks {
		rows[i] = &models.DocumentChunk{
			ID:          fmt.Sprintf("%s_chunk_%d", doc.ID, c.Number),
			DocumentID:  doc.ID,
			Owner:       doc.Owner,
			ChunkNumber: c.Number,
			Content:     c.Content,
			PageNumber:  c.PageNumber,
			WordCount:   c.WordCount,
		}
		indexChunks[i] = vector.Chunk{Number: c.Number, Text: c.Content, PageNumber: c.PageNumber}
		totalWords += c.WordCount
	}

	if err := p.db.InsertChunks(ctx, rows); err != nil {
		return nil, err
	}
	logger.Info("Document chunked", zap.Int("chunks", len(chunks)), zap.Int("words", totalWords))

	doc.Status = models.ProcessingCompleted
	if err := p.index.BuildIndex(ctx, doc.Owner, doc.ID, indexChunks); err != nil {
		logger.Error("Failed to build vector index",
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
		doc.Status = models.ProcessingVectorsFailed
	}

	doc.ChunkCount = len(chunks)
	doc.TotalWords = totalWords
	if err := p.db.CompleteProcessing(ctx, doc.ID, doc.ChunkCount, doc.TotalWords, doc.Status); err != nil {
		logger.Warn("Failed to record processing status",
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
	}

	metrics.DocumentsIngested.Inc()
	logger.Info("Document processed",
		zap.String("document_id", doc.ID),
		zap.String("status", string(doc.Status)),
	)
	return doc, nil
}
