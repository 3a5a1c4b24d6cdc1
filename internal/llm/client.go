package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/pkg/circuitbreaker"
	"github.com/textbook-tutor/backend/pkg/config"
	"github.com/textbook-tutor/backend/pkg/logger"
)

// ErrEmptyResponse is returned when the model answers with no choices or no content.
var ErrEmptyResponse = errors.New("empty response from model")

// Client wraps the OpenAI API for text, vision and image generation. Calls
// are bounded by a timeout and never retried: callers substitute a fallback
// instead. Image generation trips its own breaker so failed illustrations
// cannot take answers down with them.
type Client struct {
	client      *openai.Client
	textModel   string
	visionModel string
	imageModel  string
	imageSize   string
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	imageCB     *circuitbreaker.CircuitBreaker
}

func NewClient(cfg config.LLMConfig, imageModel, imageSize string) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	breakerCfg := circuitbreaker.Config{
		HalfOpenRequests: 5,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("text_model", cfg.TextModel),
		zap.String("vision_model", cfg.VisionModel),
		zap.String("image_model", imageModel),
	)

	return &Client{
		client:      openai.NewClientWithConfig(clientCfg),
		textModel:   cfg.TextModel,
		visionModel: cfg.VisionModel,
		imageModel:  imageModel,
		imageSize:   imageSize,
		timeout:     timeout,
		cb:          circuitbreaker.New("llm", breakerCfg),
		imageCB:     circuitbreaker.New("image", breakerCfg),
	}
}

func (c *Client) chat(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var content string
	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return ErrEmptyResponse
		}

		logger.Debug("LLM completion generated",
			zap.String("model", req.Model),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)

		content = strings.TrimSpace(resp.Choices[0].Message.Content)
		if content == "" {
			return ErrEmptyResponse
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create completion: %w", err)
	}
	return content, nil
}

// Complete sends a single user prompt to the text model.
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	return c.chat(ctx, openai.ChatCompletionRequest{
		Model: c.textModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
}

// CompleteWithImage sends a prompt together with a PNG image to the vision model.
func (c *Client) CompleteWithImage(ctx context.Context, prompt string, image []byte, maxTokens int, temperature float32) (string, error) {
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(image)

	return c.chat(ctx, openai.ChatCompletionRequest{
		Model: c.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
}

// GenerateImage returns PNG bytes for prompt.
func (c *Client) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var image []byte
	err := c.imageCB.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateImage(ctx, openai.ImageRequest{
			Prompt:         prompt,
			Model:          c.imageModel,
			Size:           c.imageSize,
			Quality:        openai.CreateImageQualityStandard,
			N:              1,
			ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
			return ErrEmptyResponse
		}

		image, err = base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
		if err != nil {
			return fmt.Errorf("failed to decode image: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate image: %w", err)
	}

	logger.Debug("Image generated", zap.Int("bytes", len(image)))
	return image, nil
}
