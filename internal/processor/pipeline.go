package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dkarimov/fileproc/internal/domain"
)

// chunkSize is the read granularity for content hashing. Files are never
// loaded whole.
const chunkSize = 1 << 20

// Result is the common shape of a processor's output document. Details
// holds the per-type fields.
type Result struct {
	FileName  string         `json:"file_name"`
	FileSize  int64          `json:"file_size"`
	Extension string         `json:"extension"`
	Checksum  string         `json:"checksum_sha256"`
	Details   map[string]any `json:"details,omitempty"`
}

// detailFn extracts the per-type descriptor fields. It runs during the
// finalizing stage, after the content hash.
type detailFn func(ctx context.Context, filePath string) (map[string]any, error)

// runPipeline is the shared processing sequence: validate, hash, extract
// details, each stage behind its checkpoint.
func runPipeline(ctx context.Context, p Processor, filePath string, report ReportFn, details detailFn) (json.RawMessage, error) {
	if err := report(ctx, CheckpointInitializing, MessageInitializing); err != nil {
		return nil, err
	}

	if err := report(ctx, CheckpointValidating, MessageValidating); err != nil {
		return nil, err
	}
	info, err := validateFile(p, filePath)
	if err != nil {
		return nil, err
	}

	if err := report(ctx, CheckpointProcessing, MessageProcessing); err != nil {
		return nil, err
	}
	checksum, err := hashFile(ctx, filePath)
	if err != nil {
		return nil, err
	}

	if err := report(ctx, CheckpointFinalizing, MessageFinalizing); err != nil {
		return nil, err
	}
	result := Result{
		FileName:  filepath.Base(filePath),
		FileSize:  info.Size(),
		Extension: strings.ToLower(filepath.Ext(filePath)),
		Checksum:  checksum,
	}
	if details != nil {
		result.Details, err = details(ctx, filePath)
		if err != nil {
			return nil, err
		}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, NewFailure(domain.ErrorCodeProcessingError, "encode result", err)
	}
	return encoded, nil
}

// validateFile checks existence, type, extension and size limit, returning
// a classified Failure on any violation.
func validateFile(p Processor, filePath string) (fs.FileInfo, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, NewFailure(domain.ErrorCodeFileNotFound,
				fmt.Sprintf("file not found: %s", filePath), err)
		case errors.Is(err, fs.ErrPermission):
			return nil, NewFailure(domain.ErrorCodePermissionDenied,
				fmt.Sprintf("permission denied: %s", filePath), err)
		default:
			return nil, NewFailure(domain.ErrorCodeStorageError,
				fmt.Sprintf("stat failed: %s", filePath), err)
		}
	}
	if !info.Mode().IsRegular() {
		return nil, NewFailure(domain.ErrorCodeInvalidFormat,
			fmt.Sprintf("not a regular file: %s", filePath), nil)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	supported := false
	for _, s := range p.SupportedExtensions() {
		if ext == s {
			supported = true
			break
		}
	}
	if !supported {
		return nil, NewFailure(domain.ErrorCodeInvalidFormat,
			fmt.Sprintf("unsupported %s format: %q", p.TaskType(), ext), nil)
	}

	if max := p.MaxFileSize(); max > 0 && info.Size() > max {
		return nil, NewFailure(domain.ErrorCodeProcessingError,
			fmt.Sprintf("file exceeds %d byte limit for %s tasks", max, p.TaskType()), nil)
	}
	return info, nil
}

// hashFile computes the SHA-256 of the file content, reading in fixed-size
// chunks and honoring context cancellation between chunks.
func hashFile(ctx context.Context, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return "", NewFailure(domain.ErrorCodePermissionDenied,
				fmt.Sprintf("permission denied: %s", filePath), err)
		}
		return "", NewFailure(domain.ErrorCodeStorageError,
			fmt.Sprintf("open failed: %s", filePath), err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", ErrCancelled
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", NewFailure(domain.ErrorCodeStorageError,
				fmt.Sprintf("read failed: %s", filePath), err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// countLines counts newline-terminated lines reading in fixed-size chunks.
func countLines(filePath string) (int, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	lines := 0
	lastByte := byte('\n')
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' {
				lines++
			}
		}
		if n > 0 {
			lastByte = buf[n-1]
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if lastByte != '\n' {
		lines++
	}
	return lines, nil
}
