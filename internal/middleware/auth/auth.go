package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/pkg/auth"
	"github.com/textbook-tutor/backend/pkg/logger"
)

const identityKey = "identity"

// UserHeader carries the identity when token checks are disabled.
const UserHeader = "X-User-ID"

type Config struct {
	Enabled  bool
	Verifier *auth.Verifier
}

// Middleware resolves the caller's identity from a bearer token, or from
// UserHeader when auth is disabled, and rejects anonymous requests.
func Middleware(cfg Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity, err := Resolve(cfg, bearerToken(c.Get(fiber.HeaderAuthorization)), c.Get(UserHeader))
		if err != nil {
			logger.Debug("Rejected unauthenticated request",
				zap.String("path", c.Path()),
				zap.String("ip", c.IP()),
				zap.Error(err),
			)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		c.Locals(identityKey, identity)
		return c.Next()
	}
}

// Resolve returns the identity for a token or, with auth disabled, the
// fallback user id.
func Resolve(cfg Config, token, fallbackUser string) (string, error) {
	if !cfg.Enabled {
		if user := strings.TrimSpace(fallbackUser); user != "" {
			return user, nil
		}
		return "", auth.ErrMissingToken
	}
	return cfg.Verifier.Identity(token)
}

// Identity returns the identity stored by Middleware.
func Identity(c *fiber.Ctx) string {
	identity, _ := c.Locals(identityKey).(string)
	return identity
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
