package illustration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubText struct {
	out string
	err error
}

func (s stubText) Complete(context.Context, string, int, float32) (string, error) {
	return s.out, s.err
}

type stubImages struct {
	data   []byte
	err    error
	prompt string
}

func (s *stubImages) GenerateImage(_ context.Context, prompt string) ([]byte, error) {
	s.prompt = prompt
	return s.data, s.err
}

func TestShouldIllustrate(t *testing.T) {
	tests := []struct {
		question, answer string
		want             bool
	}{
		{"Which block is at the bottom?", "", true},
		{"What do plants need?", "Water.", true},
		{"Can you show me?", "", true},
		{"Think of a pizza", "", true},
		{"What is 2+2?", "Four.", false},
		{"Name the days of the week", "Monday comes first.", false},
		{"Who wrote it?", "Supper was served.", false},
	}

	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldIllustrate(tt.question, tt.answer, ""))
		})
	}
}

func TestMakePrompt(t *testing.T) {
	p := &Pipeline{text: stubText{out: "  A pot with a flower.  "}}
	got := p.MakePrompt(context.Background(), "What is a pot?", "A container.", "2")
	assert.True(t, strings.HasPrefix(got, "A pot with a flower.\n\nStyle: Bright, colorful, simple cartoon illustration for Grade 2 children."))

	p.text = stubText{err: errors.New("quota")}
	got = p.MakePrompt(context.Background(), "What is a pot?", "A container.", "")
	assert.Equal(t, FallbackPrompt("What is a pot?", "1"), got)
	assert.Contains(t, got, "for Grade 1 children that explains: What is a pot?.")
}

func TestFileName(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	assert.Equal(t, "What_is_a_trian_1700000000.png", FileName("What is a triangle?", at))
	assert.Equal(t, "Hi__1700000000.png", FileName("Hi!", at))
}

func newPipeline(t *testing.T, images ImageGenerator) *Pipeline {
	t.Helper()
	p, err := NewPipeline(stubText{out: "draw"}, images, t.TempDir(), "/api/v1/images/", time.Second)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return p
}

func TestRender_SavesImage(t *testing.T) {
	images := &stubImages{data: []byte("png")}
	p := newPipeline(t, images)

	ref := p.Render(context.Background(), "draw a square", "What is a square?")
	assert.Equal(t, "/api/v1/images/What_is_a_squar_1700000000.png", ref)

	data, err := os.ReadFile(filepath.Join(p.dir, "What_is_a_squar_1700000000.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
}

func TestRender_FailureYieldsNone(t *testing.T) {
	p := newPipeline(t, &stubImages{err: errors.New("no credentials")})
	assert.Equal(t, "", p.Render(context.Background(), "prompt", "q"))

	p = newPipeline(t, &stubImages{})
	assert.Equal(t, "", p.Render(context.Background(), "prompt", "q"))
}

func TestIllustrate_SkipsNonVisual(t *testing.T) {
	images := &stubImages{data: []byte("png")}
	p := newPipeline(t, images)

	assert.Equal(t, "", p.Illustrate(context.Background(), "What is 2+2?", "Four.", "", "1"))
	assert.Empty(t, images.prompt)

	ref := p.Illustrate(context.Background(), "Which is bigger?", "The elephant.", "", "1")
	assert.NotEmpty(t, ref)
	assert.Contains(t, images.prompt, "Grade 1")
}

func TestHuggingFace_FallsBackToSecondModel(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32
	var fallbackBody hfRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/primary":
			primaryCalls.Add(1)
			http.Error(w, "model loading", http.StatusServiceUnavailable)
		case "/fallback":
			fallbackCalls.Add(1)
			_ = json.NewDecoder(r.Body).Decode(&fallbackBody)
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nrest"))
		}
	}))
	defer srv.Close()

	g := NewHuggingFaceGenerator("token", srv.URL+"/primary", srv.URL+"/fallback", srv.Client())
	image, err := g.GenerateImage(context.Background(), "a cartoon apple")
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\nrest"), image)
	assert.Equal(t, int32(1), primaryCalls.Load())
	assert.Equal(t, int32(1), fallbackCalls.Load())
	assert.Equal(t, "a cartoon apple", fallbackBody.Inputs)
	assert.Equal(t, 20, fallbackBody.Parameters.NumInferenceSteps)
}

func TestHuggingFace_RequiresToken(t *testing.T) {
	_, err := NewHuggingFaceGenerator("", "http://unused", "", nil).GenerateImage(context.Background(), "p")
	assert.Error(t, err)
}

func TestHuggingFace_RejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"estimated_time"}`))
	}))
	defer srv.Close()

	_, err := NewHuggingFaceGenerator("token", srv.URL, "", srv.Client()).GenerateImage(context.Background(), "p")
	assert.Error(t, err)
}
