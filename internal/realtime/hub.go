package realtime

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/middleware/validation"
	"github.com/textbook-tutor/backend/internal/query"
	"github.com/textbook-tutor/backend/pkg/logger"
)

const (
	EventChatMessage = "chat_message"
	EventBotTyping   = "bot_typing"
	EventBotResponse = "bot_response"
	EventError       = "error"
)

type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ChatMessage is a question sent over the realtime channel. ConversationID is
// the session id; empty starts a new conversation.
type ChatMessage struct {
	DocumentID     string `json:"document_id"`
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id"`
}

type BotTyping struct {
	Typing bool `json:"typing"`
}

type BotResponse struct {
	Success          bool   `json:"success"`
	Answer           string `json:"answer"`
	AnswerType       string `json:"answer_type"`
	DocumentID       string `json:"document_id"`
	ConversationID   string `json:"conversation_id"`
	EducationalImage string `json:"educational_image,omitempty"`
}

type ErrorEvent struct {
	Error string `json:"error"`
}

type Asker interface {
	Ask(ctx context.Context, req query.AskRequest) *query.AskResponse
}

// Limiter is consulted once per chat message.
type Limiter interface {
	Allow(key string) bool
}

type Hub struct {
	Registry          *Registry
	asker             Asker
	limiter           Limiter
	maxQuestionLength int
}

func NewHub(registry *Registry, asker Asker, limiter Limiter, maxQuestionLength int) *Hub {
	if maxQuestionLength <= 0 {
		maxQuestionLength = 1000
	}
	return &Hub{Registry: registry, asker: asker, limiter: limiter, maxQuestionLength: maxQuestionLength}
}

// Handle processes one raw frame from client. Delivery failures are logged
// and not retried.
func (h *Hub) Handle(ctx context.Context, client *Client, raw []byte) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		h.send(client, EventError, ErrorEvent{Error: "invalid message format"})
		return
	}

	switch in.Type {
	case EventChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(in.Data, &msg); err != nil {
			h.send(client, EventError, ErrorEvent{Error: "invalid chat message"})
			return
		}
		h.chat(ctx, client, msg)
	default:
		logger.Debug("Ignoring realtime event", zap.String("type", in.Type))
	}
}

func (h *Hub) chat(ctx context.Context, client *Client, msg ChatMessage) {
	msg.Question = validation.Sanitize(msg.Question)
	if problem := validation.CheckQuestion(msg.Question, h.maxQuestionLength); problem != "" {
		h.send(client, EventError, ErrorEvent{Error: problem})
		return
	}
	if msg.DocumentID == "" {
		h.send(client, EventError, ErrorEvent{Error: "document_id is required"})
		return
	}
	if h.limiter != nil && !h.limiter.Allow(client.Identity) {
		h.send(client, EventError, ErrorEvent{Error: "Rate limit exceeded. Please try again later."})
		return
	}

	h.send(client, EventBotTyping, BotTyping{Typing: true})

	resp := h.asker.Ask(ctx, query.AskRequest{
		Owner:      client.Identity,
		DocumentID: msg.DocumentID,
		Question:   msg.Question,
		SessionID:  msg.ConversationID,
	})

	conversationID := resp.SessionID
	if conversationID == "" {
		conversationID = msg.ConversationID
	}
	h.send(client, EventBotResponse, BotResponse{
		Success:          resp.Success,
		Answer:           resp.Answer,
		AnswerType:       string(resp.AnswerType),
		DocumentID:       msg.DocumentID,
		ConversationID:   conversationID,
		EducationalImage: resp.EducationalImage,
	})
}

func (h *Hub) send(client *Client, eventType string, data interface{}) {
	if err := client.Send(eventType, data); err != nil {
		logger.Warn("Failed to deliver realtime event",
			zap.String("client_id", client.ID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}
