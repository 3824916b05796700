package processor

import (
	"context"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/dkarimov/fileproc/internal/domain"
)

// imageMaxFileSize is the per-type size limit for image tasks.
const imageMaxFileSize = 50 << 20

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp"}

// ImageProcessor handles image files: content hash plus dimensions for the
// formats the standard decoders understand.
type ImageProcessor struct{}

// NewImageProcessor creates an image processor with the default size limit.
func NewImageProcessor() *ImageProcessor {
	return &ImageProcessor{}
}

func (p *ImageProcessor) TaskType() domain.TaskType { return domain.TaskTypeImage }

func (p *ImageProcessor) SupportedExtensions() []string { return imageExtensions }

func (p *ImageProcessor) MaxFileSize() int64 { return imageMaxFileSize }

// Run implements Processor.
func (p *ImageProcessor) Run(ctx context.Context, filePath string, report ReportFn) (json.RawMessage, error) {
	return runPipeline(ctx, p, filePath, report, p.describe)
}

func (p *ImageProcessor) describe(_ context.Context, filePath string) (map[string]any, error) {
	details := map[string]any{
		"format": strings.TrimPrefix(strings.ToLower(filepath.Ext(filePath)), "."),
	}

	// Dimensions are best-effort: webp and bmp have no standard decoder,
	// and a corrupt header is not a processing failure.
	f, err := os.Open(filePath)
	if err != nil {
		return details, nil
	}
	defer f.Close()
	if cfg, format, err := image.DecodeConfig(f); err == nil {
		details["format"] = format
		details["width"] = cfg.Width
		details["height"] = cfg.Height
	}
	return details, nil
}
