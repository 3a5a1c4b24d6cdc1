package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/storage/models"
	"github.com/textbook-tutor/backend/pkg/logger"
)

func (c *Client) InsertDocument(ctx context.Context, doc *models.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = c.now().UTC()
	}
	if doc.Status == "" {
		doc.Status = models.ProcessingPending
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner, name, subject, grade, description, file_path,
			original_filename, chunk_count, total_words, processing_status, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Owner, doc.Name, doc.Subject, doc.Grade, doc.Description, doc.FilePath,
		doc.OriginalFilename, doc.ChunkCount, doc.TotalWords, string(doc.Status),
		toUnix(doc.CreatedAt), nullableUnix(doc.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// InsertChunks stores a document's chunks atomically.
func (c *Client) InsertChunks(ctx context.Context, chunks []*models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	return c.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO document_chunks (id, document_id, owner, chunk_number, content, page_number, word_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare chunk insert: %w", err)
		}
		defer stmt.Close()

		now := c.now().UTC()
		for _, chunk := range chunks {
			if chunk.CreatedAt.IsZero() {
				chunk.CreatedAt = now
			}
			if _, err := stmt.ExecContext(ctx, chunk.ID, chunk.DocumentID, chunk.Owner, chunk.ChunkNumber,
				chunk.Content, chunk.PageNumber, chunk.WordCount, toUnix(chunk.CreatedAt)); err != nil {
				return fmt.Errorf("failed to insert chunk %d: %w", chunk.ChunkNumber, err)
			}
		}
		return nil
	})
}

// CompleteProcessing records chunk statistics and the final processing status.
func (c *Client) CompleteProcessing(ctx context.Context, id string, chunkCount, totalWords int, status models.ProcessingStatus) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE documents SET chunk_count = ?, total_words = ?, processing_status = ?, processed_at = ?
		WHERE id = ?`,
		chunkCount, totalWords, string(status), toUnix(c.now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update document processing status: %w", err)
	}
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id, owner string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, owner, name, COALESCE(subject, ''), COALESCE(grade, ''), COALESCE(description, ''),
			COALESCE(file_path, ''), COALESCE(original_filename, ''), chunk_count, total_words,
			processing_status, created_at, processed_at
		FROM documents WHERE id = ? AND owner = ?`, id, owner)

	var (
		doc         models.Document
		status      string
		createdAt   int64
		processedAt sql.NullInt64
	)
	err := row.Scan(&doc.ID, &doc.Owner, &doc.Name, &doc.Subject, &doc.Grade, &doc.Description,
		&doc.FilePath, &doc.OriginalFilename, &doc.ChunkCount, &doc.TotalWords,
		&status, &createdAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.Status = models.ProcessingStatus(status)
	doc.CreatedAt = fromUnix(createdAt)
	if processedAt.Valid {
		t := fromUnix(processedAt.Int64)
		doc.ProcessedAt = &t
	}
	return &doc, nil
}

// DocumentInfo returns the prompting metadata for a document. Grade defaults to "1".
func (c *Client) DocumentInfo(ctx context.Context, owner, documentID string) (*models.DocumentInfo, error) {
	doc, err := c.GetDocument(ctx, documentID, owner)
	if err != nil {
		return nil, err
	}

	info := &models.DocumentInfo{
		Name:     doc.Name,
		Subject:  doc.Subject,
		Grade:    doc.Grade,
		FilePath: doc.FilePath,
	}
	if info.Grade == "" {
		info.Grade = "1"
	}
	return info, nil
}

// ChunkPages maps chunk number to page number for a document.
func (c *Client) ChunkPages(ctx context.Context, documentID, owner string) (map[int]int, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT chunk_number, page_number FROM document_chunks WHERE document_id = ? AND owner = ?`,
		documentID, owner,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk pages: %w", err)
	}
	defer rows.Close()

	pages := make(map[int]int)
	for rows.Next() {
		var chunk, page int
		if err := rows.Scan(&chunk, &page); err != nil {
			return nil, fmt.Errorf("failed to scan chunk page: %w", err)
		}
		pages[chunk] = page
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk pages: %w", err)
	}
	return pages, nil
}

// DeleteDocument removes a document, its chunks and every session opened on it.
func (c *Client) DeleteDocument(ctx context.Context, id, owner string) (models.DeletionSummary, error) {
	var summary models.DeletionSummary

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM document_chunks WHERE document_id = ?`, id,
		).Scan(&summary.Chunks); err != nil {
			return fmt.Errorf("failed to count chunks: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM chat_messages WHERE session_id IN (
				SELECT id FROM chat_sessions WHERE document_id = ? AND owner = ?)`, id, owner,
		).Scan(&summary.Messages); err != nil {
			return fmt.Errorf("failed to count messages: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND owner = ?`, id, owner)
		if err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDocumentNotFound
		}

		res, err = tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE document_id = ? AND owner = ?`, id, owner)
		if err != nil {
			return fmt.Errorf("failed to delete document sessions: %w", err)
		}
		summary.Sessions, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return models.DeletionSummary{}, err
	}

	logger.Info("Deleted document",
		zap.String("document_id", id),
		zap.Int64("chunks", summary.Chunks),
		zap.Int64("sessions", summary.Sessions),
	)
	return summary, nil
}

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnix(*t), Valid: true}
}
