// Package store provides the release service's storage: artifact stores
// backed by a local directory or S3, and the lode publish ledger.
//
// Storage failures are returned as *StorageError classified against the
// sentinel errors below, so callers use errors.Is rather than string matching.
package store

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/smithy-go"
)

// Sentinel errors for storage failure classification.
var (
	// ErrPermissionDenied indicates a local permission failure (EACCES).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound indicates the key does not exist (ENOENT, 404, NoSuchKey).
	ErrNotFound = errors.New("not found")

	// ErrDiskFull indicates storage is out of space (ENOSPC).
	ErrDiskFull = errors.New("no space left on device")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrThrottled indicates rate limiting (429, SlowDown).
	ErrThrottled = errors.New("rate limited")

	// ErrAuth indicates missing or invalid credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrAccessDenied indicates valid credentials without permission (403).
	ErrAccessDenied = errors.New("access denied")

	// ErrNetwork indicates a connection-level failure.
	ErrNetwork = errors.New("network error")

	// ErrInvalidKey indicates an artifact key that escapes the store.
	ErrInvalidKey = errors.New("invalid artifact key")

	errUnclassified = errors.New("storage error")
)

// StorageError wraps an underlying error with storage classification.
type StorageError struct {
	// Kind is the sentinel error for classification.
	Kind error
	// Op is the operation that failed ("stat", "open", "append", "restore").
	Op string
	// Path is the key or dataset involved, if any.
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *StorageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewStorageError creates a classified storage error.
func NewStorageError(kind error, op, path string, err error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Path: path, Err: err}
}

// wrap classifies err for op. Returns nil if err is nil.
func wrap(err error, op, path string) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return NewStorageError(classifyError(err), op, path, err)
}

// classifyError maps err to a sentinel: typed errors first, then S3 API
// error codes, then message patterns.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, os.ErrPermission):
		return ErrPermissionDenied
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return ErrNotFound
		case "AccessDenied", "Forbidden":
			return ErrAccessDenied
		case "SlowDown", "Throttling", "TooManyRequests":
			return ErrThrottled
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return ErrAuth
		}
	}

	msg := err.Error()
	switch {
	case containsAny(msg, "permission denied", "EACCES", "access denied"):
		if containsAny(msg, "AccessDenied", "Forbidden", "403") {
			return ErrAccessDenied
		}
		return ErrPermissionDenied
	case containsAny(msg, "no such file", "does not exist", "not found", "ENOENT", "404", "NoSuchKey"):
		return ErrNotFound
	case containsAny(msg, "no space left", "disk full", "ENOSPC", "quota exceeded"):
		return ErrDiskFull
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ErrTimeout
	case containsAny(msg, "SlowDown", "rate exceeded", "throttl", "429", "TooManyRequests"):
		return ErrThrottled
	case containsAny(msg, "NoCredentialProviders", "credentials", "InvalidAccessKeyId",
		"SignatureDoesNotMatch", "ExpiredToken", "401", "Unauthorized"):
		return ErrAuth
	case containsAny(msg, "AccessDenied", "Forbidden", "403"):
		return ErrAccessDenied
	case containsAny(msg, "connection refused", "no route to host", "network unreachable",
		"DNS", "dial tcp", "i/o timeout"):
		return ErrNetwork
	default:
		return errUnclassified
	}
}

// containsAny reports whether s contains any of the substrings, ignoring case.
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
