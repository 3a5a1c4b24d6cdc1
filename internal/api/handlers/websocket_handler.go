package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/middleware/auth"
	"github.com/textbook-tutor/backend/internal/realtime"
	"github.com/textbook-tutor/backend/pkg/logger"
)

const wsIdentityKey = "ws_identity"

type WebSocketHandler struct {
	hub  *realtime.Hub
	auth auth.Config
}

func NewWebSocketHandler(hub *realtime.Hub, authCfg auth.Config) *WebSocketHandler {
	return &WebSocketHandler{
		hub:  hub,
		auth: authCfg,
	}
}

// Upgrade authenticates the handshake. Browsers cannot set headers on
// WebSocket requests, so the token comes from the "token" query parameter.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	fallbackUser := c.Get(auth.UserHeader)
	if fallbackUser == "" {
		fallbackUser = c.Query("user_id")
	}

	identity, err := auth.Resolve(h.auth, c.Query("token"), fallbackUser)
	if err != nil {
		logger.Warn("Rejected WebSocket connection", zap.String("ip", c.IP()), zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	c.Locals(wsIdentityKey, identity)
	return c.Next()
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	identity, _ := c.Locals(wsIdentityKey).(string)
	client := h.hub.Registry.Add(identity, c)
	defer h.hub.Registry.Remove(client.ID)

	log := logger.With(zap.String("client_id", client.ID))
	ctx := context.Background()
	for {
		messageType, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		h.hub.Handle(ctx, client, raw)
	}
}
