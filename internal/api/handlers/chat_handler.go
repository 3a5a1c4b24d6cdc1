package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/middleware/auth"
	"github.com/textbook-tutor/backend/internal/middleware/validation"
	"github.com/textbook-tutor/backend/internal/query"
	"github.com/textbook-tutor/backend/internal/storage/models"
	"github.com/textbook-tutor/backend/internal/storage/sqlite"
	"github.com/textbook-tutor/backend/pkg/logger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Asker interface {
	Ask(ctx context.Context, req query.AskRequest) *query.AskResponse
}

type SessionStore interface {
	CreateSession(ctx context.Context, owner, documentID, name string) (*models.Session, error)
	GetSession(ctx context.Context, id, owner string) (*models.Session, error)
	ListSessions(ctx context.Context, owner, documentID string, limit int) ([]*models.Session, error)
	Messages(ctx context.Context, sessionID, owner string, limit, offset int) ([]*models.Message, error)
	CountMessages(ctx context.Context, sessionID, owner string) (int, error)
	UpdateSessionStatus(ctx context.Context, id, owner string, status models.SessionStatus) error
	DeleteSession(ctx context.Context, id, owner string) (models.DeletionSummary, error)
}

type ChatHandler struct {
	engine   Asker
	sessions SessionStore
}

func NewChatHandler(engine Asker, sessions SessionStore) *ChatHandler {
	return &ChatHandler{
		engine:   engine,
		sessions: sessions,
	}
}

// Ask answers a question. Failed turns still return 200; the body carries
// success=false with the error.
func (h *ChatHandler) Ask(c *fiber.Ctx) error {
	body, ok := validation.AskRequest(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resp := h.engine.Ask(c.UserContext(), query.AskRequest{
		Owner:      auth.Identity(c),
		DocumentID: body.DocumentID,
		Question:   body.Question,
		SessionID:  body.SessionID,
	})
	return c.JSON(resp)
}

func (h *ChatHandler) ListSessions(c *fiber.Ctx) error {
	limit := clampLimit(c.QueryInt("limit", defaultPageSize))

	sessions, err := h.sessions.ListSessions(c.UserContext(), auth.Identity(c), c.Query("document_id"), limit)
	if err != nil {
		logger.Error("Failed to list sessions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sessions",
		})
	}

	return c.JSON(fiber.Map{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *ChatHandler) CreateSession(c *fiber.Ctx) error {
	var req struct {
		DocumentID  string `json:"document_id"`
		SessionName string `json:"session_name"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.DocumentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "document_id is required",
		})
	}

	session, err := h.sessions.CreateSession(c.UserContext(), auth.Identity(c), req.DocumentID, validation.Sanitize(req.SessionName))
	if err != nil {
		logger.Error("Failed to create session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create session",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(session)
}

func (h *ChatHandler) Messages(c *fiber.Ctx) error {
	ctx, owner, id := c.UserContext(), auth.Identity(c), c.Params("id")

	session, err := h.sessions.GetSession(ctx, id, owner)
	if err != nil {
		return sessionError(c, err)
	}

	limit := clampLimit(c.QueryInt("limit", defaultPageSize))
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	messages, err := h.sessions.Messages(ctx, id, owner, limit, offset)
	if err != nil {
		logger.Error("Failed to load messages", zap.String("session_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load messages",
		})
	}

	total, err := h.sessions.CountMessages(ctx, id, owner)
	if err != nil {
		logger.Warn("Failed to count messages", zap.String("session_id", id), zap.Error(err))
		total = len(messages)
	}

	return c.JSON(fiber.Map{
		"session":  session,
		"messages": messages,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (h *ChatHandler) UpdateStatus(c *fiber.Ctx) error {
	var req struct {
		Status models.SessionStatus `json:"status"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	switch req.Status {
	case models.SessionActive, models.SessionArchived, models.SessionEnded:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "status must be one of active, archived, ended",
		})
	}

	id := c.Params("id")
	if err := h.sessions.UpdateSessionStatus(c.UserContext(), id, auth.Identity(c), req.Status); err != nil {
		return sessionError(c, err)
	}

	return c.JSON(fiber.Map{
		"id":     id,
		"status": req.Status,
	})
}

func (h *ChatHandler) DeleteSession(c *fiber.Ctx) error {
	summary, err := h.sessions.DeleteSession(c.UserContext(), c.Params("id"), auth.Identity(c))
	if err != nil {
		return sessionError(c, err)
	}

	return c.JSON(fiber.Map{
		"deleted":          true,
		"messages_deleted": summary.Messages,
	})
}

func sessionError(c *fiber.Ctx, err error) error {
	if errors.Is(err, sqlite.ErrSessionNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}
	logger.Error("Session lookup failed", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to load session",
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
