// Package detector is the boundary to the external corruption-detection tools.
// The engine only depends on the Detector interface; CmdDetector is the
// production implementation backed by ffprobe/ffmpeg and ImageMagick.
package detector

import (
	"context"
	"errors"
	"fmt"

	"github.com/mescon/pixelarr/internal/domain"
)

// Detector evaluates one file. A returned error means no verdict could be
// reached (timeout, missing tool, unreadable file); callers record it as an
// error status for that file only.
type Detector interface {
	Evaluate(ctx context.Context, path string, kind domain.MediaKind) (domain.Verdict, error)
}

// ErrorType classifies why a detector call produced no verdict.
type ErrorType string

const (
	ErrorTimeout      ErrorType = "Timeout"     // per-file deadline exceeded
	ErrorUnavailable  ErrorType = "Unavailable" // tool missing or circuit open
	ErrorAccessDenied ErrorType = "AccessDenied"
	ErrorPathNotFound ErrorType = "PathNotFound"
	ErrorMountLost    ErrorType = "MountLost"
	ErrorIO           ErrorType = "IOError"
	ErrorInvalidPath  ErrorType = "InvalidPath"
	ErrorCrashed      ErrorType = "Crashed" // tool or adapter panicked or was killed
)

// Error is returned by detectors when no verdict could be reached.
type Error struct {
	Type    ErrorType
	Tool    string
	Message string
}

func (e *Error) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Tool, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Transient reports whether retrying later may succeed without the file
// changing (mounts coming back, tools being installed).
func (e *Error) Transient() bool {
	switch e.Type {
	case ErrorTimeout, ErrorUnavailable, ErrorMountLost, ErrorIO, ErrorAccessDenied:
		return true
	}
	return false
}

// AsError extracts a *Error from err, wrapping foreign errors as Crashed.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: ErrorTimeout, Message: err.Error()}
	}
	return &Error{Type: ErrorCrashed, Message: err.Error()}
}
