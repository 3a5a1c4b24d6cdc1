package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

const askKey = "ask_request"

// AskBody is the validated body of an ask request.
type AskBody struct {
	DocumentID string `json:"document_id"`
	Question   string `json:"question"`
	SessionID  string `json:"session_id,omitempty"`
}

type Config struct {
	MaxQuestionLength int
	MaxDocumentSize   int
	Logger            *zap.Logger
}

func (cfg *Config) defaults() {
	if cfg.MaxQuestionLength == 0 {
		cfg.MaxQuestionLength = 1000
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 20 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// AskMiddleware rejects malformed ask requests and stores the cleaned body
// for AskRequest.
func AskMiddleware(cfg Config) fiber.Handler {
	cfg.defaults()

	return func(c *fiber.Ctx) error {
		var body AskBody
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		body.DocumentID = strings.TrimSpace(body.DocumentID)
		body.SessionID = strings.TrimSpace(body.SessionID)
		body.Question = Sanitize(body.Question)

		if msg := CheckQuestion(body.Question, cfg.MaxQuestionLength); msg != "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
		}
		if body.DocumentID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "document_id is required",
			})
		}
		if xssPattern.MatchString(body.Question) {
			cfg.Logger.Warn("Potential XSS attempt",
				zap.String("ip", c.IP()),
				zap.String("question", body.Question),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid question content",
			})
		}

		c.Locals(askKey, &body)
		return c.Next()
	}
}

// AskRequest returns the body stored by AskMiddleware.
func AskRequest(c *fiber.Ctx) (*AskBody, bool) {
	body, ok := c.Locals(askKey).(*AskBody)
	return body, ok
}

// DocumentMiddleware bounds the size of document uploads.
func DocumentMiddleware(cfg Config) fiber.Handler {
	cfg.defaults()

	return func(c *fiber.Ctx) error {
		if !strings.Contains(c.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}
		if len(c.Body()) > cfg.MaxDocumentSize {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error": "Document content exceeds maximum size",
			})
		}
		return c.Next()
	}
}

// CheckQuestion returns a user-facing problem with the question, or "".
func CheckQuestion(question string, maxLength int) string {
	if question == "" {
		return "question is required"
	}
	if utf8.RuneCountInString(question) > maxLength {
		return "question exceeds maximum length"
	}
	return ""
}

func Sanitize(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
