package handlers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/pkg/logger"
)

type ImageHandler struct {
	dir string
}

func NewImageHandler(dir string) *ImageHandler {
	return &ImageHandler{dir: dir}
}

// ServeImage returns a generated illustration by file name.
func (h *ImageHandler) ServeImage(c *fiber.Ctx) error {
	name := c.Params("filename")
	if !validImageName(name) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid image name",
		})
	}

	path := filepath.Join(h.dir, name)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.IsDir()) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Image not found",
		})
	}
	if err != nil {
		logger.Error("Failed to stat image", zap.String("path", path), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load image",
		})
	}

	c.Set(fiber.HeaderCacheControl, "public, max-age=86400")
	return c.SendFile(path)
}

func validImageName(name string) bool {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".png")
}
