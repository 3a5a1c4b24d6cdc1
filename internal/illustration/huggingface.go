package illustration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/pkg/circuitbreaker"
	"github.com/textbook-tutor/backend/pkg/logger"
)

const maxImageBytes = 20 << 20

type hfParameters struct {
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	Width             int     `json:"width,omitempty"`
	Height            int     `json:"height,omitempty"`
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

type hfEndpoint struct {
	url    string
	params hfParameters
}

// HuggingFaceGenerator calls the Hugging Face inference API, trying the
// primary model first and the fallback model when it fails.
type HuggingFaceGenerator struct {
	token     string
	endpoints []hfEndpoint
	client    *http.Client
	cb        *circuitbreaker.CircuitBreaker
}

func NewHuggingFaceGenerator(token, primaryURL, fallbackURL string, client *http.Client) *HuggingFaceGenerator {
	if client == nil {
		client = &http.Client{}
	}

	endpoints := []hfEndpoint{{
		url:    primaryURL,
		params: hfParameters{NumInferenceSteps: 4, GuidanceScale: 1.0, Width: 1024, Height: 1024},
	}}
	if fallbackURL != "" {
		endpoints = append(endpoints, hfEndpoint{
			url:    fallbackURL,
			params: hfParameters{NumInferenceSteps: 20, GuidanceScale: 7.0},
		})
	}

	return &HuggingFaceGenerator{
		token:     token,
		endpoints: endpoints,
		client:    client,
		cb: circuitbreaker.New("huggingface", circuitbreaker.Config{
			FailureThreshold: 3,
			Logger:           logger.GetLogger(),
		}),
	}
}

func (g *HuggingFaceGenerator) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	if g.token == "" {
		return nil, fmt.Errorf("hugging face token is not configured")
	}

	var errs []string
	for _, ep := range g.endpoints {
		var image []byte
		err := g.cb.Execute(ctx, func(ctx context.Context) error {
			var err error
			image, err = g.call(ctx, ep, prompt)
			return err
		})
		if err == nil {
			return image, nil
		}

		logger.Warn("Hugging Face image request failed",
			zap.String("url", ep.url),
			zap.Error(err),
		)
		errs = append(errs, err.Error())
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("failed to generate image: %s", strings.Join(errs, "; "))
}

func (g *HuggingFaceGenerator) call(ctx context.Context, ep hfEndpoint, prompt string) ([]byte, error) {
	body, err := json.Marshal(hfRequest{Inputs: prompt, Parameters: ep.params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "image/") &&
		!strings.HasPrefix(http.DetectContentType(data), "image/") {
		return nil, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	return data, nil
}
