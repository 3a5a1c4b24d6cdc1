package security

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(HeadersMiddleware(HeadersConfig{AllowedOrigins: []string{"https://tutor.example", "*"}}))
	app.Get("/*", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/chat/sessions", nil))
	require.NoError(t, err)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "connect-src 'self' https://tutor.example;")
	assert.NotEmpty(t, resp.Header.Get("Strict-Transport-Security"))

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/images/a.png", nil))
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("Cache-Control"))
}
