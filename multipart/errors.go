package multipart

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrEmptyFile is returned when planning parts of an empty file. Empty files use the single upload path.
	ErrEmptyFile = errors.New("file is empty")
	// ErrInvalidPartSize is returned when the part size is zero or negative.
	ErrInvalidPartSize = errors.New("part size must be positive")
	// ErrTooManyParts is returned when the file would need more parts than the store accepts.
	ErrTooManyParts = errors.New("too many parts")
	// ErrInvalidPartSet is returned when the part results are not exactly 1..N in ascending order.
	ErrInvalidPartSet = errors.New("invalid part set")
	// ErrSessionTerminal is returned when a completed or aborted session is used again.
	ErrSessionTerminal = errors.New("upload session is no longer active")
	// ErrUploadStopped is returned when a part upload gives up because another part of its session failed.
	ErrUploadStopped = errors.New("upload stopped")
)

// TransientIOError is a retryable failure: a network error, a 5xx or a throttled response.
type TransientIOError struct {
	PartNumber int
	Err        error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("part %d: transient failure: %s", e.PartNumber, e.Err)
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

// IntegrityMissingError means the store accepted the part but returned no ETag.
// It signals a protocol mismatch and is never retried.
type IntegrityMissingError struct {
	PartNumber int
}

func (e *IntegrityMissingError) Error() string {
	return fmt.Sprintf("part %d: no ETag in response", e.PartNumber)
}

// HTTPStatusError is an unexpected non-2xx response to a part upload.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upload failed with status %d: %s", e.StatusCode, e.Body)
}

// Expired reports whether the store rejected the request because the presigned URL expired.
func (e *HTTPStatusError) Expired() bool {
	return e.StatusCode == http.StatusForbidden && strings.Contains(e.Body, "Request has expired")
}

// AuthorizationError is a failure to obtain an upload URL for a part.
type AuthorizationError struct {
	PartNumber int
	Err        error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorize part %d: %s", e.PartNumber, e.Err)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// SessionFinalizeError means the store rejected the completion of a session.
type SessionFinalizeError struct {
	UploadID string
	Err      error
}

func (e *SessionFinalizeError) Error() string {
	return fmt.Sprintf("complete upload %s: %s", e.UploadID, e.Err)
}

func (e *SessionFinalizeError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a part attempt that failed with err may be tried again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var transientErr *TransientIOError
	if errors.As(err, &transientErr) {
		return true
	}
	var authErr *AuthorizationError
	if errors.As(err, &authErr) {
		return true
	}
	return urlExpired(err)
}

func urlExpired(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.Expired()
}
