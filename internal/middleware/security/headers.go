package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	AllowedOrigins []string
	IsDevelopment  bool
}

func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	csp := buildCSP(cfg.AllowedOrigins)

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Set("Content-Security-Policy", csp)

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		// Answers and conversations are per learner.
		if !strings.HasPrefix(c.Path(), "/api/v1/images/") {
			c.Set("Cache-Control", "no-store")
		}

		return c.Next()
	}
}

func buildCSP(origins []string) string {
	connect := []string{"'self'"}
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" && origin != "*" {
			connect = append(connect, origin)
		}
	}

	return "default-src 'self'; " +
		"img-src 'self' data:; " +
		"connect-src " + strings.Join(connect, " ") + "; " +
		"frame-ancestors 'none'; " +
		"base-uri 'self'; " +
		"form-action 'self'"
}
