package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textbook-tutor/backend/pkg/circuitbreaker"
	"github.com/textbook-tutor/backend/pkg/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.LLMConfig{
		APIKey:      "test",
		BaseURL:     srv.URL + "/v1",
		TextModel:   "text-model",
		VisionModel: "vision-model",
		TimeoutSec:  5,
	}, "image-model", "1024x1024")
}

func writeChat(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      "cmpl-1",
		"object":  "chat.completion",
		"choices": []map[string]interface{}{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}}},
		"usage":   map[string]int{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
	})
}

func TestComplete(t *testing.T) {
	var body map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeChat(w, "  Four apples.  ")
	})

	got, err := c.Complete(context.Background(), "How many?", 200, 0.7)
	require.NoError(t, err)
	assert.Equal(t, "Four apples.", got)
	assert.Equal(t, "text-model", body["model"])
	assert.EqualValues(t, 200, body["max_tokens"])
}

func TestCompleteWithImage_SendsDataURL(t *testing.T) {
	var raw map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		writeChat(w, "I can see a triangle.")
	})

	got, err := c.CompleteWithImage(context.Background(), "What shape?", []byte{0x89, 'P', 'N', 'G'}, 350, 0.7)
	require.NoError(t, err)
	assert.Equal(t, "I can see a triangle.", got)
	assert.Equal(t, "vision-model", raw["model"])

	messages := raw["messages"].([]interface{})
	parts := messages[0].(map[string]interface{})["content"].([]interface{})
	require.Len(t, parts, 2)
	imagePart := parts[1].(map[string]interface{})["image_url"].(map[string]interface{})
	assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'}), imagePart["url"])
}

func TestComplete_EmptyChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	_, err := c.Complete(context.Background(), "hi", 10, 0)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestComplete_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})

	_, err := c.Complete(context.Background(), "hi", 10, 0)
	assert.Error(t, err)
}

func TestGenerateImage_DecodesB64(t *testing.T) {
	png := []byte("fake-png-bytes")
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"created": 1,
			"data":    []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	})

	got, err := c.GenerateImage(context.Background(), "a red triangle")
	require.NoError(t, err)
	assert.Equal(t, png, got)
}

func TestGenerateImage_FailuresDoNotBlockCompletions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/images/generations" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"rejected","type":"invalid_request_error","code":"content_policy_violation"}}`))
			return
		}
		writeChat(w, "Still answering.")
	})

	for i := 0; i < 8; i++ {
		_, err := c.GenerateImage(context.Background(), "a big dinosaur")
		require.Error(t, err)
	}

	_, err := c.GenerateImage(context.Background(), "a big dinosaur")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	got, err := c.Complete(context.Background(), "How big?", 200, 0.7)
	require.NoError(t, err)
	assert.Equal(t, "Still answering.", got)

	got, err = c.CompleteWithImage(context.Background(), "What shape?", []byte("png"), 350, 0.7)
	require.NoError(t, err)
	assert.Equal(t, "Still answering.", got)
}
