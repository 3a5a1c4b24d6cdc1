package illustration

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/metrics"
	"github.com/textbook-tutor/backend/pkg/logger"
	"github.com/textbook-tutor/backend/pkg/utils"
)

const fileNameQuestionRunes = 15

var visualVocabulary = regexp.MustCompile(`\b(` + strings.Join([]string{
	// spatial
	"bottom", "top", "up", "down", "left", "right", "inside", "outside",
	"over", "under", "above", "below", "beside", "between",
	// size
	"big", "small", "large", "tiny", "bigger", "smaller", "tall", "short",
	// shapes and objects
	"circle", "square", "triangle", "rectangle", "round", "straight",
	"pot", "block", "stack", "pile", "flower", "plant",
	// visual requests
	"see", "look", "show", "picture", "image", "diagram", "example",
	"imagine", `think\s+of`, `like\s+this`, `for\s+instance`,
}, "|") + `)s?\b`)

// ShouldIllustrate reports whether the exchange talks about something a
// picture would help with.
func ShouldIllustrate(question, answer, context string) bool {
	combined := strings.ToLower(question + " " + answer + " " + context)
	return visualVocabulary.MatchString(combined)
}

type TextGenerator interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

type Pipeline struct {
	text         TextGenerator
	images       ImageGenerator
	dir          string
	publicPrefix string
	timeout      time.Duration
	now          func() time.Time
}

func NewPipeline(text TextGenerator, images ImageGenerator, dir, publicPrefix string, timeout time.Duration) (*Pipeline, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Pipeline{
		text:         text,
		images:       images,
		dir:          dir,
		publicPrefix: strings.TrimRight(publicPrefix, "/"),
		timeout:      timeout,
		now:          time.Now,
	}, nil
}

// Illustrate returns a reference to a new illustration, or "" when none is
// warranted or generation fails.
func (p *Pipeline) Illustrate(ctx context.Context, question, answer, context, grade string) string {
	if !ShouldIllustrate(question, answer, context) {
		metrics.Illustrations.WithLabelValues("skipped").Inc()
		return ""
	}

	prompt := p.MakePrompt(ctx, question, answer, grade)
	ref := p.Render(ctx, prompt, question)
	if ref == "" {
		metrics.Illustrations.WithLabelValues("failed").Inc()
	} else {
		metrics.Illustrations.WithLabelValues("generated").Inc()
	}
	return ref
}

// MakePrompt asks the text model for an illustration prompt and appends the
// house style. A templated prompt is used if the model call fails.
func (p *Pipeline) MakePrompt(ctx context.Context, question, answer, grade string) string {
	if grade == "" {
		grade = "1"
	}

	generated, err := p.text.Complete(ctx, promptRequest(question, answer, grade), 200, 0.7)
	if err != nil || strings.TrimSpace(generated) == "" {
		if err != nil {
			metrics.GenerationFailures.WithLabelValues("image_prompt").Inc()
			logger.Warn("Image prompt generation failed, using template", zap.Error(err))
		}
		return FallbackPrompt(question, grade)
	}

	return fmt.Sprintf("%s\n\nStyle: Bright, colorful, simple cartoon illustration for Grade %s children. "+
		"Clean background, large clear objects, no text overlays. Educational and age-appropriate.",
		strings.TrimSpace(generated), grade)
}

func FallbackPrompt(question, grade string) string {
	return fmt.Sprintf("Create a simple, bright, colorful cartoon illustration for Grade %s children that explains: %s. "+
		"Use large, clear objects and bright colors. No text.", grade, question)
}

func promptRequest(question, answer, grade string) string {
	return fmt.Sprintf(`You are an expert at creating image prompts for educational illustrations.

Create a detailed image prompt for an educational picture that will help a Grade %[1]s child understand this concept.

Question: "%[2]s"
Answer given: "%[3]s"

The image should:
1. Visually demonstrate the key concepts mentioned in the answer
2. Be appropriate for Grade %[1]s children
3. Use bright, colorful, cartoon-style illustrations
4. Include specific visual elements that match the answer's examples
5. Be simple, clear, and educational
6. Have no text, purely visual

Return ONLY the image prompt, nothing else.`, grade, question, answer)
}

// Render generates the image and stores it. Every failure is logged and
// reported as "".
func (p *Pipeline) Render(ctx context.Context, prompt, question string) string {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	image, err := p.images.GenerateImage(ctx, prompt)
	if err != nil {
		metrics.GenerationFailures.WithLabelValues("image").Inc()
		logger.Warn("Educational image generation failed", zap.Error(err))
		return ""
	}
	if len(image) == 0 {
		logger.Warn("Educational image generation returned no bytes")
		return ""
	}

	name := FileName(question, p.now())
	if err := writeFileAtomic(filepath.Join(p.dir, name), image); err != nil {
		logger.Warn("Failed to save educational image", zap.Error(err))
		return ""
	}

	logger.Info("Educational image saved", zap.String("file", name), zap.Int("bytes", len(image)))
	return path.Join(p.publicPrefix, name)
}

// FileName is "<sanitized first 15 characters of question>_<unix seconds>.png".
func FileName(question string, at time.Time) string {
	return fmt.Sprintf("%s_%d.png", utils.SafeName(question, fileNameQuestionRunes), at.Unix())
}

func writeFileAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".image-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
