// Package multipart uploads files to object storage through presigned part URLs.
// It plans the parts, uploads them in parallel with retries and hung detection,
// then completes the upload session or aborts it when any part fails.
package multipart

import (
	"context"
	"time"
)

// PartURL is a time-limited URL for uploading a single part (or a whole object).
type PartURL struct {
	Method  string
	URL     string
	Headers map[string]string
	// Expires is the end of the validity window. Zero means unknown.
	Expires time.Time
}

func (u PartURL) expiredAt(now time.Time) bool {
	return !u.Expires.IsZero() && !now.Before(u.Expires)
}

// PartTask is one planned part: a 1-based part number and the byte range [Start, End) it covers.
type PartTask struct {
	Number int
	Start  int64
	End    int64
}

// Size returns the number of bytes covered by the part.
func (t PartTask) Size() int64 {
	return t.End - t.Start
}

// PartResult is the outcome of a successful part upload.
type PartResult struct {
	Number int
	// ETag is the integrity token reported by the store, without quotes.
	ETag string
}

// FileMetadata describes a file about to be uploaded.
type FileMetadata struct {
	Filename      string
	ContentType   string
	Size          int64
	WebhookID     string
	CustomMessage string
}

// SessionInfo identifies an upload session on the store side.
type SessionInfo struct {
	UploadID string
	FileID   string
	Key      string
}

// SingleUpload is an upload target for files below the multipart threshold.
type SingleUpload struct {
	FileID string
	Key    string
	URL    PartURL
}

// Receipt identifies a successfully uploaded file.
type Receipt struct {
	FileID string
	Key    string
	Parts  int
}

// SessionStore is the blob store side of a multipart upload.
type SessionStore interface {
	// CreateSession initiates a multipart upload for the file.
	CreateSession(ctx context.Context, meta FileMetadata) (SessionInfo, error)
	// AuthorizePart returns a short-lived URL for uploading one part of the session.
	AuthorizePart(ctx context.Context, session SessionInfo, partNumber int) (PartURL, error)
	// CompleteSession commits the parts, which are sorted by part number, into one object.
	CompleteSession(ctx context.Context, session SessionInfo, parts []PartResult) error
	// AbortSession releases the server-side resources of the session.
	AbortSession(ctx context.Context, session SessionInfo) error
}

// SingleUploader provides upload targets for the non-multipart path.
type SingleUploader interface {
	CreateSingleUpload(ctx context.Context, meta FileMetadata) (SingleUpload, error)
}

// Store is everything a Transfer needs from the storage side.
type Store interface {
	SessionStore
	SingleUploader
}

// ProgressFunc receives the completed fraction of an upload, between 0 and 1.
type ProgressFunc func(fraction float64)
