package types

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
)

// Sentinel errors for update failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrNetwork indicates a transient transport failure. Retried by the updater.
	ErrNetwork = errors.New("network error")

	// ErrProtocol indicates a malformed or incomplete server response.
	ErrProtocol = errors.New("protocol error")

	// ErrNotFound indicates the channel or artifact is unknown to the service.
	ErrNotFound = errors.New("not found")

	// ErrDigestMismatch indicates downloaded bytes do not match the manifest digest.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrSizeMismatch indicates the artifact length disagrees with the manifest.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrExtraction indicates a corrupt or unsafe archive.
	ErrExtraction = errors.New("extraction error")

	// ErrFilesystem indicates a local disk or permission failure.
	ErrFilesystem = errors.New("filesystem error")

	// ErrCanceled indicates the session was canceled cooperatively.
	ErrCanceled = errors.New("canceled")
)

// ErrorKind is the stable string form of a sentinel, used in events and CLI output.
type ErrorKind string

// Error kinds, one per sentinel.
const (
	KindNetwork        ErrorKind = "network"
	KindProtocol       ErrorKind = "protocol"
	KindNotFound       ErrorKind = "not_found"
	KindDigestMismatch ErrorKind = "digest_mismatch"
	KindSizeMismatch   ErrorKind = "size_mismatch"
	KindExtraction     ErrorKind = "extraction"
	KindFilesystem     ErrorKind = "filesystem"
	KindCanceled       ErrorKind = "canceled"
	KindUnknown        ErrorKind = "unknown"
)

var kindSentinels = []struct {
	kind     ErrorKind
	sentinel error
}{
	{KindCanceled, ErrCanceled},
	{KindNetwork, ErrNetwork},
	{KindProtocol, ErrProtocol},
	{KindNotFound, ErrNotFound},
	{KindDigestMismatch, ErrDigestMismatch},
	{KindSizeMismatch, ErrSizeMismatch},
	{KindExtraction, ErrExtraction},
	{KindFilesystem, ErrFilesystem},
}

// UpdateError wraps an underlying error with update classification.
// It preserves the original error in the chain for inspection via errors.As.
type UpdateError struct {
	// Kind is the sentinel error for classification (e.g. ErrNetwork).
	Kind error
	// Op is the operation that failed (e.g. "fetch_manifest", "extract").
	Op string
	// Path is the file path or URL involved, if any.
	Path string
	// Err is the underlying error.
	Err error
}

func (e *UpdateError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	fmt.Fprintf(&b, ": %v", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *UpdateError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *UpdateError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewError creates a classified update error.
func NewError(kind error, op, path string, err error) *UpdateError {
	return &UpdateError{Kind: kind, Op: op, Path: path, Err: err}
}

// Errorf creates a classified update error with a formatted cause.
func Errorf(kind error, op, format string, args ...any) *UpdateError {
	return &UpdateError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or KindUnknown.
// Context cancellation is reported as KindCanceled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.sentinel) {
			return ks.kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindUnknown
}

// Retryable reports whether the updater may retry after err.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// ClassifyFS wraps a local filesystem failure as a FilesystemError.
// Returns nil if err is nil. Errors that are already classified pass through.
func ClassifyFS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpdateError
	if errors.As(err, &ue) {
		return err
	}
	return NewError(ErrFilesystem, op, path, fsCause(err))
}

// fsCause annotates common disk failures so the surfaced message is actionable.
func fsCause(err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC), strings.Contains(strings.ToLower(err.Error()), "no space left"):
		return fmt.Errorf("disk full: %w", err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("permission denied: %w", err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("missing: %w", err)
	default:
		return err
	}
}
