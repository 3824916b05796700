package processor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/dkarimov/fileproc/internal/domain"
)

// videoMaxFileSize is the per-type size limit for video tasks.
const videoMaxFileSize = 500 << 20

var videoExtensions = []string{".mp4", ".avi", ".mkv", ".mov", ".webm"}

// VideoProcessor handles video files. Stream inspection needs an external
// toolchain, so the descriptor carries only the container format.
type VideoProcessor struct{}

// NewVideoProcessor creates a video processor with the default size limit.
func NewVideoProcessor() *VideoProcessor {
	return &VideoProcessor{}
}

func (p *VideoProcessor) TaskType() domain.TaskType { return domain.TaskTypeVideo }

func (p *VideoProcessor) SupportedExtensions() []string { return videoExtensions }

func (p *VideoProcessor) MaxFileSize() int64 { return videoMaxFileSize }

// Run implements Processor.
func (p *VideoProcessor) Run(ctx context.Context, filePath string, report ReportFn) (json.RawMessage, error) {
	return runPipeline(ctx, p, filePath, report, p.describe)
}

func (p *VideoProcessor) describe(_ context.Context, filePath string) (map[string]any, error) {
	return map[string]any{
		"container": strings.TrimPrefix(strings.ToLower(filepath.Ext(filePath)), "."),
	}, nil
}
