package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func askApp() *fiber.App {
	app := fiber.New()
	app.Post("/ask", AskMiddleware(Config{MaxQuestionLength: 20}), func(c *fiber.Ctx) error {
		body, ok := AskRequest(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.JSON(body)
	})
	return app
}

func post(t *testing.T, app *fiber.App, body string) int {
	t.Helper()
	req := httptest.NewRequest("POST", "/ask", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestAskMiddleware(t *testing.T) {
	app := askApp()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"document_id":"d1","question":"What is a cube?"}`, fiber.StatusOK},
		{"missing question", `{"document_id":"d1","question":"   "}`, fiber.StatusBadRequest},
		{"missing document", `{"question":"What is a cube?"}`, fiber.StatusBadRequest},
		{"too long", `{"document_id":"d1","question":"` + strings.Repeat("a", 21) + `"}`, fiber.StatusBadRequest},
		{"script", `{"document_id":"d1","question":"<script>x</script>"}`, fiber.StatusBadRequest},
		{"broken json", `{"document_id":`, fiber.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, post(t, app, tt.body))
		})
	}
}

func TestCheckQuestion(t *testing.T) {
	assert.Equal(t, "", CheckQuestion("Which shape do I select?", 100))
	assert.Equal(t, "question is required", CheckQuestion("", 100))
	assert.Equal(t, "", CheckQuestion("éééé", 4))
	assert.Equal(t, "question exceeds maximum length", CheckQuestion("ééééé", 4))
}
