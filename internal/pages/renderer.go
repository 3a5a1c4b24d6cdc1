package pages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/pkg/logger"
)

var (
	ErrFileMissing = errors.New("document file not found")
	ErrInvalidPage = errors.New("invalid page number")
)

// Renderer rasterises single PDF pages to PNG with the poppler pdftoppm tool.
type Renderer struct {
	command string
	dpi     int
	timeout time.Duration
}

func NewRenderer(command string, dpi int, timeout time.Duration) *Renderer {
	if command == "" {
		command = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 144
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Renderer{command: command, dpi: dpi, timeout: timeout}
}

// RenderPage returns the PNG bytes of a 1-based page.
func (r *Renderer) RenderPage(ctx context.Context, documentPath string, page int) ([]byte, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}
	if documentPath == "" {
		return nil, ErrFileMissing
	}
	if _, err := os.Stat(documentPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileMissing, documentPath)
		}
		return nil, fmt.Errorf("failed to stat document: %w", err)
	}

	dir, err := os.MkdirTemp("", "page-render-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create render dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prefix := filepath.Join(dir, "page")
	pageArg := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, r.command,
		"-f", pageArg, "-l", pageArg,
		"-r", strconv.Itoa(r.dpi),
		"-png", "-singlefile",
		documentPath, prefix,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w: %s", page, err, bytes.TrimSpace(stderr.Bytes()))
	}

	image, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("failed to read rendered page: %w", err)
	}

	logger.Debug("Page rendered",
		zap.String("path", documentPath),
		zap.Int("page", page),
		zap.Int("bytes", len(image)),
	)
	return image, nil
}
