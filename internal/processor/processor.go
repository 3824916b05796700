// Package processor contains the per-type file processors executed by
// workers. Processors report progress at fixed checkpoints; the report
// callback doubles as the cooperative cancellation point.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkarimov/fileproc/internal/domain"
)

// Progress checkpoints reported by every processor, in order. The final
// 100% sample is written by the worker together with the completion.
const (
	CheckpointInitializing = 10
	CheckpointValidating   = 25
	CheckpointProcessing   = 50
	CheckpointFinalizing   = 90
)

// Checkpoint messages, stable because clients display them verbatim.
const (
	MessageInitializing = "Initializing"
	MessageValidating   = "Validating file"
	MessageProcessing   = "Processing file"
	MessageFinalizing   = "Finalizing"
)

// ErrCancelled is returned by a ReportFn when a cancel request was observed
// at the checkpoint. Processors abandon the file and return it unchanged.
var ErrCancelled = errors.New("processing cancelled")

// ReportFn records a progress checkpoint. A non-nil return aborts the run;
// ErrCancelled specifically means a cancel request won.
type ReportFn func(ctx context.Context, progress int, message string) error

// Failure is a processing error carrying one of the stable error codes
// recorded on failed tasks.
type Failure struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap returns the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure builds a Failure with the given stable code.
func NewFailure(code, message string, err error) *Failure {
	return &Failure{Code: code, Message: message, Err: err}
}

// FailureCode extracts the stable error code from an error chain, falling
// back to PROCESSING_ERROR for untyped failures.
func FailureCode(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return domain.ErrorCodeProcessingError
}

// Processor runs one task type's pipeline against a file on disk.
type Processor interface {
	// TaskType names the type this processor serves.
	TaskType() domain.TaskType

	// SupportedExtensions lists the accepted file extensions, lowercase
	// with leading dot.
	SupportedExtensions() []string

	// MaxFileSize is the per-type size limit in bytes.
	MaxFileSize() int64

	// Run processes the file and returns the result document. Errors are
	// *Failure for classified problems, ErrCancelled when a checkpoint
	// observed a cancel request.
	Run(ctx context.Context, filePath string, report ReportFn) (json.RawMessage, error)
}

// Registry resolves processors by task type.
type Registry struct {
	procs map[domain.TaskType]Processor
}

// NewRegistry builds a registry from the given processors. A duplicate task
// type panics: registration is a wiring error, not a runtime condition.
func NewRegistry(procs ...Processor) *Registry {
	r := &Registry{procs: make(map[domain.TaskType]Processor, len(procs))}
	for _, p := range procs {
		if _, dup := r.procs[p.TaskType()]; dup {
			panic(fmt.Sprintf("duplicate processor for task type %q", p.TaskType()))
		}
		r.procs[p.TaskType()] = p
	}
	return r
}

// DefaultRegistry returns a registry with the standard image, document and
// video processors.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewImageProcessor(),
		NewDocumentProcessor(),
		NewVideoProcessor(),
	)
}

// For returns the processor serving the given task type.
func (r *Registry) For(taskType domain.TaskType) (Processor, error) {
	p, ok := r.procs[taskType]
	if !ok {
		return nil, fmt.Errorf("no processor registered for task type %q", taskType)
	}
	return p, nil
}
