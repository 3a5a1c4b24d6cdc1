package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textbook-tutor/backend/internal/embedding"
	"github.com/textbook-tutor/backend/internal/ingestion"
	"github.com/textbook-tutor/backend/internal/middleware/auth"
	"github.com/textbook-tutor/backend/internal/middleware/validation"
	"github.com/textbook-tutor/backend/internal/query"
	"github.com/textbook-tutor/backend/internal/storage/models"
	"github.com/textbook-tutor/backend/internal/storage/sqlite"
	"github.com/textbook-tutor/backend/internal/vector"
)

const user = "kid@example.com"

type fakeAsker struct {
	got query.AskRequest
}

func (f *fakeAsker) Ask(_ context.Context, req query.AskRequest) *query.AskResponse {
	f.got = req
	return &query.AskResponse{
		Success:        true,
		SessionID:      "s-1",
		Question:       req.Question,
		Answer:         "Four.",
		AnswerType:     query.AnswerTextOnly,
		ReferencePages: []int{},
	}
}

type testServer struct {
	app      *fiber.App
	store    *sqlite.Client
	asker    *fakeAsker
	index    *vector.FileStore
	imageDir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.NewClient(filepath.Join(dir, "tutor.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })

	index, err := vector.NewFileStore(filepath.Join(dir, "indexes"), embedding.NewHashEmbedder(64), 0, 16)
	require.NoError(t, err)

	imageDir := filepath.Join(dir, "images")
	require.NoError(t, os.MkdirAll(imageDir, 0o755))

	s := &testServer{store: store, asker: &fakeAsker{}, index: index, imageDir: imageDir}

	chat := NewChatHandler(s.asker, store)
	documents := NewDocumentHandler(ingestion.NewProcessor(store, index, 0), store, index, filepath.Join(dir, "docs"))
	images := NewImageHandler(imageDir)
	health := NewHealthHandler(map[string]Check{"sqlite": store.Ping})

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Get("/health", health.Health)
	api.Get("/ready", health.Ready)
	api.Get("/images/:filename", images.ServeImage)

	protected := api.Group("", auth.Middleware(auth.Config{Enabled: false}))
	protected.Post("/chat/ask", validation.AskMiddleware(validation.Config{}), chat.Ask)
	protected.Get("/chat/sessions", chat.ListSessions)
	protected.Post("/chat/sessions", chat.CreateSession)
	protected.Get("/chat/sessions/:id/messages", chat.Messages)
	protected.Patch("/chat/sessions/:id", chat.UpdateStatus)
	protected.Delete("/chat/sessions/:id", chat.DeleteSession)
	protected.Post("/documents", validation.DocumentMiddleware(validation.Config{}), documents.UploadDocument)
	protected.Get("/documents/:id", documents.GetDocument)
	protected.Delete("/documents/:id", documents.DeleteDocument)

	s.app = app
	return s
}

func (s *testServer) do(t *testing.T, method, path, body string, out interface{}) int {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(auth.UserHeader, user)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAsk(t *testing.T) {
	s := newTestServer(t)

	var resp query.AskResponse
	status := s.do(t, http.MethodPost, "/api/v1/chat/ask", `{"document_id":"d1","question":" What is 2+2? ","session_id":"abc"}`, &resp)

	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Equal(t, "Four.", resp.Answer)
	assert.Equal(t, query.AskRequest{Owner: user, DocumentID: "d1", Question: "What is 2+2?", SessionID: "abc"}, s.asker.got)

	status = s.do(t, http.MethodPost, "/api/v1/chat/ask", `{"document_id":"d1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAsk_RequiresIdentity(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/ask", strings.NewReader(`{"document_id":"d1","question":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessions(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	var created models.Session
	status := s.do(t, http.MethodPost, "/api/v1/chat/sessions", `{"document_id":"d1","session_name":"Shapes"}`, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "Shapes", created.Name)

	require.NoError(t, s.store.SaveMessage(ctx, &models.Message{SessionID: created.ID, Owner: user, Type: models.MessageTypeUser, Content: "What is a cube?"}))
	require.NoError(t, s.store.SaveMessage(ctx, &models.Message{SessionID: created.ID, Owner: user, Type: models.MessageTypeBot, Content: "A box shape."}))

	var list struct {
		Sessions []models.Session `json:"sessions"`
		Count    int              `json:"count"`
	}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/chat/sessions?document_id=d1", "", &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "What is a cube?", list.Sessions[0].PreviewMessage)

	var conv struct {
		Messages []models.Message `json:"messages"`
		Total    int              `json:"total"`
	}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/chat/sessions/"+created.ID+"/messages?limit=1&offset=1", "", &conv))
	assert.Equal(t, 2, conv.Total)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "A box shape.", conv.Messages[0].Content)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPatch, "/api/v1/chat/sessions/"+created.ID, `{"status":"paused"}`, nil))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPatch, "/api/v1/chat/sessions/"+created.ID, `{"status":"archived"}`, nil))
	archived, err := s.store.GetSession(ctx, created.ID, user)
	require.NoError(t, err)
	assert.Equal(t, models.SessionArchived, archived.Status)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPatch, "/api/v1/chat/sessions/missing", `{"status":"ended"}`, nil))

	var deleted map[string]interface{}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/api/v1/chat/sessions/"+created.ID, "", &deleted))
	assert.Equal(t, float64(2), deleted["messages_deleted"])

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/chat/sessions/"+created.ID+"/messages", "", nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/v1/chat/sessions/"+created.ID, "", nil))
}

func TestDocuments(t *testing.T) {
	s := newTestServer(t)

	var doc models.Document
	status := s.do(t, http.MethodPost, "/api/v1/documents",
		`{"name":"Shapes","grade":"2","file_path":"../../etc/shapes.pdf","text":"=== Page 1 ===\nA square has four sides.\n\n=== Page 2 ===\nA circle is round."}`, &doc)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 2, doc.ChunkCount)
	assert.Equal(t, models.ProcessingCompleted, doc.Status)

	stored, err := s.store.GetDocument(context.Background(), doc.ID, user)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(stored.FilePath, filepath.Join("docs", "etc", "shapes.pdf")))

	results, err := s.index.Search(context.Background(), user, doc.ID, "A circle is round.", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].PageNumber)

	var got models.Document
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/documents/"+doc.ID, "", &got))
	assert.Equal(t, "Shapes", got.Name)

	var deleted map[string]interface{}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/api/v1/documents/"+doc.ID, "", &deleted))
	assert.Equal(t, float64(2), deleted["chunks_deleted"])
	assert.Equal(t, true, deleted["index_deleted"])

	results, err = s.index.Search(context.Background(), user, doc.ID, "circle", 1)
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/documents/"+doc.ID, "", nil))
}

func TestDocuments_Validation(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/documents", `{"text":"hello"}`, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/documents", `{"name":"Empty","text":"  "}`, nil))
}

type rejectingIngester struct{}

func (rejectingIngester) Ingest(context.Context, ingestion.Request) (*models.Document, error) {
	return nil, &ingestion.RejectedError{Validation: &ingestion.Validation{
		Message:         "Mismatch: expected Mathematics Grade 3, but detected Science Grade 3",
		DetectedSubject: "Science",
	}}
}

func TestDocuments_ContentMismatch(t *testing.T) {
	documents := NewDocumentHandler(rejectingIngester{}, nil, nil, t.TempDir())
	app := fiber.New()
	app.Post("/documents", auth.Middleware(auth.Config{Enabled: false}), documents.UploadDocument)

	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader(`{"name":"Fractions","subject":"Mathematics","grade":"3","text":"Rain falls."}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.UserHeader, user)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body struct {
		Error      string               `json:"error"`
		Validation ingestion.Validation `json:"validation"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "Mismatch")
	assert.Equal(t, "Science", body.Validation.DetectedSubject)
}

func TestServeImage(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.imageDir, "cube_1.png"), []byte("\x89PNG"), 0o644))

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/images/cube_1.png", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, []byte("\x89PNG"), data)

	resp, err = s.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/images/missing.png", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = s.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/images/tutor.db", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidImageName(t *testing.T) {
	assert.True(t, validImageName("What_is_a_cube_1700000000.png"))
	assert.False(t, validImageName("../tutor.db"))
	assert.False(t, validImageName("notes.txt"))
	assert.False(t, validImageName(`..\x.png`))
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = s.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	failing := NewHealthHandler(map[string]Check{"redis": func(context.Context) error { return errors.New("down") }})
	app := fiber.New()
	app.Get("/ready", failing.Ready)
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
