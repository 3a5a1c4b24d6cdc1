package handlers

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/ingestion"
	"github.com/textbook-tutor/backend/internal/middleware/auth"
	"github.com/textbook-tutor/backend/internal/storage/models"
	"github.com/textbook-tutor/backend/internal/storage/sqlite"
	"github.com/textbook-tutor/backend/pkg/logger"
)

type Ingester interface {
	Ingest(ctx context.Context, req ingestion.Request) (*models.Document, error)
}

type DocumentStore interface {
	GetDocument(ctx context.Context, id, owner string) (*models.Document, error)
	DeleteDocument(ctx context.Context, id, owner string) (models.DeletionSummary, error)
}

type IndexDeleter interface {
	DeleteIndex(ctx context.Context, owner, documentID string) error
}

type DocumentHandler struct {
	processor    Ingester
	store        DocumentStore
	index        IndexDeleter
	documentsDir string
}

// NewDocumentHandler serves document uploads. File paths in requests are
// resolved inside documentsDir.
func NewDocumentHandler(processor Ingester, store DocumentStore, index IndexDeleter, documentsDir string) *DocumentHandler {
	return &DocumentHandler{
		processor:    processor,
		store:        store,
		index:        index,
		documentsDir: documentsDir,
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		Name             string `json:"name"`
		Subject          string `json:"subject"`
		Grade            string `json:"grade"`
		Description      string `json:"description"`
		FilePath         string `json:"file_path"`
		OriginalFilename string `json:"original_filename"`
		Text             string `json:"text"`
		HTML             string `json:"html"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "name is required",
		})
	}

	doc, err := h.processor.Ingest(c.UserContext(), ingestion.Request{
		Owner:            auth.Identity(c),
		Name:             req.Name,
		Subject:          strings.TrimSpace(req.Subject),
		Grade:            strings.TrimSpace(req.Grade),
		Description:      req.Description,
		FilePath:         h.resolvePath(req.FilePath),
		OriginalFilename: req.OriginalFilename,
		Text:             req.Text,
		HTML:             req.HTML,
	})
	var rejected *ingestion.RejectedError
	if errors.As(err, &rejected) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":      rejected.Validation.Message,
			"validation": rejected.Validation,
		})
	}
	if errors.Is(err, ingestion.ErrNoContent) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Document has no text content",
		})
	}
	if err != nil {
		logger.Error("Failed to process document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(doc)
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	doc, err := h.store.GetDocument(c.UserContext(), c.Params("id"), auth.Identity(c))
	if err != nil {
		return documentError(c, err)
	}
	return c.JSON(doc)
}

// DeleteDocument removes the document with its chunks, conversations and
// vector index.
func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	ctx, id, owner := c.UserContext(), c.Params("id"), auth.Identity(c)

	summary, err := h.store.DeleteDocument(ctx, id, owner)
	if err != nil {
		return documentError(c, err)
	}

	indexDeleted := true
	if err := h.index.DeleteIndex(ctx, owner, id); err != nil {
		indexDeleted = false
		logger.Warn("Failed to delete vector index",
			zap.String("document_id", id),
			zap.Error(err),
		)
	}

	return c.JSON(fiber.Map{
		"deleted":          true,
		"chunks_deleted":   summary.Chunks,
		"sessions_deleted": summary.Sessions,
		"messages_deleted": summary.Messages,
		"index_deleted":    indexDeleted,
	})
}

// resolvePath keeps client-supplied paths inside the documents root.
func (h *DocumentHandler) resolvePath(p string) string {
	if strings.TrimSpace(p) == "" || h.documentsDir == "" {
		return ""
	}
	return filepath.Join(h.documentsDir, filepath.Clean("/"+p))
}

func documentError(c *fiber.Ctx, err error) error {
	if errors.Is(err, sqlite.ErrDocumentNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}
	logger.Error("Document operation failed", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to load document",
	})
}
