package processor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/dkarimov/fileproc/internal/domain"
)

// documentMaxFileSize is the per-type size limit for document tasks.
const documentMaxFileSize = 100 << 20

var documentExtensions = []string{".pdf", ".doc", ".docx", ".txt", ".md"}

// textExtensions are the document formats cheap enough to line-count.
var textExtensions = map[string]bool{".txt": true, ".md": true}

// DocumentProcessor handles document files: content hash plus a line count
// for plain-text formats.
type DocumentProcessor struct{}

// NewDocumentProcessor creates a document processor with the default size
// limit.
func NewDocumentProcessor() *DocumentProcessor {
	return &DocumentProcessor{}
}

func (p *DocumentProcessor) TaskType() domain.TaskType { return domain.TaskTypeDocument }

func (p *DocumentProcessor) SupportedExtensions() []string { return documentExtensions }

func (p *DocumentProcessor) MaxFileSize() int64 { return documentMaxFileSize }

// Run implements Processor.
func (p *DocumentProcessor) Run(ctx context.Context, filePath string, report ReportFn) (json.RawMessage, error) {
	return runPipeline(ctx, p, filePath, report, p.describe)
}

func (p *DocumentProcessor) describe(_ context.Context, filePath string) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	details := map[string]any{
		"format": strings.TrimPrefix(ext, "."),
	}
	if textExtensions[ext] {
		lines, err := countLines(filePath)
		if err != nil {
			return nil, NewFailure(domain.ErrorCodeStorageError, "count lines", err)
		}
		details["line_count"] = lines
	}
	return details, nil
}
