// Package broker implements the file and webhook operations of the upload API
// over the blob store, the metadata store and the notification sink.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/bitrise-io/go-uploadkit/metadata"
	"github.com/bitrise-io/go-uploadkit/multipart"
	"github.com/bitrise-io/go-uploadkit/notify"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	ErrWebhookNotFound = errors.New("webhook not found")
	ErrFileNotFound    = errors.New("file not found")
	// ErrInvalidRequest is returned when a required field of a request is missing.
	ErrInvalidRequest = errors.New("invalid request")
)

const uploadsPrefix = "uploads"

var unsafeFilenameChars = regexp.MustCompile(`[^\w\-.]`)

// Blobs is the object storage behind the service.
type Blobs interface {
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	PresignPart(ctx context.Context, key, uploadID string, partNumber int) (multipart.PartURL, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []multipart.PartResult) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	PresignPut(ctx context.Context, key, contentType string) (multipart.PartURL, error)
	PutObject(ctx context.Context, key, contentType string, body io.Reader, partSize int64) error
	DeleteObject(ctx context.Context, key string) error
}

// Records is the metadata storage behind the service.
type Records interface {
	PutFile(ctx context.Context, file metadata.FileRecord) error
	GetFile(ctx context.Context, userID, fileID string) (*metadata.FileRecord, error)
	QueryFiles(ctx context.Context, userID, webhookID string) ([]metadata.FileRecord, error)
	DeleteFile(ctx context.Context, userID, fileID string) error

	PutWebhook(ctx context.Context, webhook metadata.Webhook) error
	GetWebhook(ctx context.Context, userID, webhookID string) (*metadata.Webhook, error)
	QueryWebhooks(ctx context.Context, userID string) ([]metadata.Webhook, error)
	DeleteWebhook(ctx context.Context, userID, webhookID string) error
}

// Service ...
type Service struct {
	blobs            Blobs
	records          Records
	sink             notify.Sink
	cloudFrontDomain string
	logger           log.Logger

	newID func() string
	now   func() time.Time
}

// New creates a Service. Uploaded files are served from the given CloudFront domain.
func New(blobs Blobs, records Records, sink notify.Sink, cloudFrontDomain string, logger log.Logger) *Service {
	return &Service{
		blobs:            blobs,
		records:          records,
		sink:             sink,
		cloudFrontDomain: cloudFrontDomain,
		logger:           logger,
		newID:            uuid.NewString,
		now:              time.Now,
	}
}

// InitiateUpload records a new file in uploading state and starts a multipart upload for it.
func (s *Service) InitiateUpload(ctx context.Context, userID string, req InitiateRequest) (InitiateResponse, error) {
	if req.Filename == "" || req.WebhookID == "" || req.ContentType == "" || req.Size == 0 {
		return InitiateResponse{}, fmt.Errorf("%w: filename, webhookId, contentType, and size are required", ErrInvalidRequest)
	}

	file, err := s.createFileRecord(ctx, userID, UploadURLRequest(req))
	if err != nil {
		return InitiateResponse{}, err
	}

	uploadID, err := s.blobs.CreateMultipartUpload(ctx, file.S3Key, req.ContentType)
	if err != nil {
		return InitiateResponse{}, fmt.Errorf("initiate multipart upload: %w", err)
	}

	s.logger.Infof("Initiated multipart upload of %s (file: %s, upload: %s)", req.Filename, file.FileID, uploadID)
	return InitiateResponse{UploadID: uploadID, FileID: file.FileID, S3Key: file.S3Key}, nil
}

// PartURL presigns the upload of one part of a file of the user.
func (s *Service) PartURL(ctx context.Context, userID string, req PartURLRequest) (PartURLResponse, error) {
	if req.UploadID == "" || req.S3Key == "" || req.PartNumber == 0 {
		return PartURLResponse{}, fmt.Errorf("%w: uploadId, s3Key, and partNumber are required", ErrInvalidRequest)
	}
	if _, err := s.fileOfKey(ctx, userID, req.S3Key); err != nil {
		return PartURLResponse{}, err
	}

	url, err := s.blobs.PresignPart(ctx, req.S3Key, req.UploadID, req.PartNumber)
	if err != nil {
		return PartURLResponse{}, err
	}

	return PartURLResponse{
		URL:        url.URL,
		PartNumber: req.PartNumber,
		Method:     url.Method,
		Headers:    url.Headers,
		ExpiresAt:  url.Expires,
	}, nil
}

// CompleteUpload assembles the uploaded parts into the final object.
func (s *Service) CompleteUpload(ctx context.Context, userID string, req CompleteRequest) error {
	if req.UploadID == "" || req.S3Key == "" || req.FileID == "" || len(req.Parts) == 0 {
		return fmt.Errorf("%w: uploadId, s3Key, fileId, and parts are required", ErrInvalidRequest)
	}
	file, err := s.fileOfKey(ctx, userID, req.S3Key)
	if err != nil {
		return err
	}
	if file.FileID != req.FileID {
		return ErrFileNotFound
	}

	parts := lo.Map(req.Parts, func(p UploadPart, _ int) multipart.PartResult {
		return multipart.PartResult{Number: p.PartNumber, ETag: p.ETag}
	})
	if err := s.blobs.CompleteMultipartUpload(ctx, req.S3Key, req.UploadID, parts); err != nil {
		return err
	}

	s.logger.Infof("Completed upload %s of file %s with %d parts", req.UploadID, req.FileID, len(parts))
	return nil
}

// AbortUpload discards a multipart upload.
func (s *Service) AbortUpload(ctx context.Context, userID string, req AbortRequest) error {
	if req.UploadID == "" || req.S3Key == "" {
		return fmt.Errorf("%w: uploadId and s3Key are required", ErrInvalidRequest)
	}
	if _, err := s.fileOfKey(ctx, userID, req.S3Key); err != nil {
		return err
	}

	if err := s.blobs.AbortMultipartUpload(ctx, req.S3Key, req.UploadID); err != nil {
		return err
	}

	s.logger.Warnf("Aborted upload %s (key: %s)", req.UploadID, req.S3Key)
	return nil
}

// CreateUploadURL records a new file and presigns a single-request upload for it.
func (s *Service) CreateUploadURL(ctx context.Context, userID string, req UploadURLRequest) (UploadURLResponse, error) {
	if req.Filename == "" || req.WebhookID == "" || req.ContentType == "" {
		return UploadURLResponse{}, fmt.Errorf("%w: filename, webhookId, and contentType are required", ErrInvalidRequest)
	}

	file, err := s.createFileRecord(ctx, userID, req)
	if err != nil {
		return UploadURLResponse{}, err
	}

	url, err := s.blobs.PresignPut(ctx, file.S3Key, req.ContentType)
	if err != nil {
		return UploadURLResponse{}, err
	}

	return UploadURLResponse{
		UploadURL: url.URL,
		FileID:    file.FileID,
		S3Key:     file.S3Key,
		Headers:   url.Headers,
		ExpiresAt: url.Expires,
	}, nil
}

// UploadObject records a new file and stores the body directly, without presigned URLs.
func (s *Service) UploadObject(ctx context.Context, userID string, req UploadURLRequest, body io.Reader, partSize int64) (*FileRecord, error) {
	if req.Filename == "" || req.WebhookID == "" || req.ContentType == "" {
		return nil, fmt.Errorf("%w: filename, webhookId, and contentType are required", ErrInvalidRequest)
	}

	file, err := s.createFileRecord(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	if err := s.blobs.PutObject(ctx, file.S3Key, req.ContentType, body, partSize); err != nil {
		return nil, err
	}
	return file, nil
}

// ListFiles returns the files of the user, newest first, optionally limited to one webhook.
func (s *Service) ListFiles(ctx context.Context, userID, webhookID string) ([]FileRecord, error) {
	return s.records.QueryFiles(ctx, userID, webhookID)
}

// GetFile ...
func (s *Service) GetFile(ctx context.Context, userID, fileID string) (*FileRecord, error) {
	file, err := s.records.GetFile(ctx, userID, fileID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, ErrFileNotFound
	}
	return file, err
}

// DeleteFile removes the object, the posted message, if any, and the file record.
// A failure to delete the message is logged and does not stop the deletion.
func (s *Service) DeleteFile(ctx context.Context, userID, fileID string) error {
	file, err := s.GetFile(ctx, userID, fileID)
	if err != nil {
		return err
	}

	if err := s.blobs.DeleteObject(ctx, file.S3Key); err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}

	if file.DiscordMessageID != "" {
		webhook, err := s.records.GetWebhook(ctx, userID, file.WebhookID)
		switch {
		case errors.Is(err, metadata.ErrNotFound):
			s.logger.Debugf("Webhook %s of file %s no longer exists", file.WebhookID, fileID)
		case err != nil:
			s.logger.Warnf("Failed to get webhook %s: %s", file.WebhookID, err)
		default:
			if err := s.sink.Delete(ctx, webhook.WebhookURL, file.DiscordMessageID); err != nil {
				s.logger.Warnf("Failed to delete message %s: %s", file.DiscordMessageID, err)
			}
		}
	}

	if err := s.records.DeleteFile(ctx, userID, fileID); err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}

	s.logger.Infof("Deleted file %s", fileID)
	return nil
}

// ListWebhooks ...
func (s *Service) ListWebhooks(ctx context.Context, userID string) ([]Webhook, error) {
	return s.records.QueryWebhooks(ctx, userID)
}

// CreateWebhook registers a new webhook for the user.
func (s *Service) CreateWebhook(ctx context.Context, userID string, req CreateWebhookRequest) (*Webhook, error) {
	if req.Name == "" || req.WebhookURL == "" {
		return nil, fmt.Errorf("%w: name and webhookUrl are required", ErrInvalidRequest)
	}

	webhook := metadata.Webhook{
		UserID:      userID,
		WebhookID:   s.newID(),
		Name:        req.Name,
		WebhookURL:  req.WebhookURL,
		ServerName:  req.ServerName,
		ChannelName: req.ChannelName,
		CreatedAt:   s.timestamp(),
	}
	if err := s.records.PutWebhook(ctx, webhook); err != nil {
		return nil, err
	}
	return &webhook, nil
}

// GetWebhook ...
func (s *Service) GetWebhook(ctx context.Context, userID, webhookID string) (*Webhook, error) {
	webhook, err := s.records.GetWebhook(ctx, userID, webhookID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, ErrWebhookNotFound
	}
	return webhook, err
}

// DeleteWebhook ...
func (s *Service) DeleteWebhook(ctx context.Context, userID, webhookID string) error {
	err := s.records.DeleteWebhook(ctx, userID, webhookID)
	if errors.Is(err, metadata.ErrNotFound) {
		return ErrWebhookNotFound
	}
	return err
}

func (s *Service) createFileRecord(ctx context.Context, userID string, req UploadURLRequest) (*FileRecord, error) {
	if _, err := s.GetWebhook(ctx, userID, req.WebhookID); err != nil {
		return nil, err
	}

	fileID := s.newID()
	key := ObjectKey(fileID, req.Filename)
	file := metadata.FileRecord{
		UserID:        userID,
		FileID:        fileID,
		Filename:      req.Filename,
		S3Key:         key,
		WebhookID:     req.WebhookID,
		Status:        metadata.StatusUploading,
		ContentType:   req.ContentType,
		Size:          req.Size,
		CreatedAt:     s.timestamp(),
		CloudFrontURL: fmt.Sprintf("https://%s/%s", s.cloudFrontDomain, key),
		CustomMessage: req.CustomMessage,
	}
	if err := s.records.PutFile(ctx, file); err != nil {
		return nil, err
	}
	return &file, nil
}

// fileOfKey returns the file record of the user stored under key. Keys of other users' files are reported as not found.
func (s *Service) fileOfKey(ctx context.Context, userID, key string) (*FileRecord, error) {
	fileID, ok := FileIDFromKey(key)
	if !ok {
		return nil, ErrFileNotFound
	}
	file, err := s.GetFile(ctx, userID, fileID)
	if err != nil {
		return nil, err
	}
	if file.S3Key != key {
		return nil, ErrFileNotFound
	}
	return file, nil
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// ObjectKey returns the storage key of a file: uploads/{fileId}/{sanitized filename}.
func ObjectKey(fileID, filename string) string {
	return fmt.Sprintf("%s/%s/%s", uploadsPrefix, fileID, SanitizeFilename(filename))
}

// FileIDFromKey returns the file id of an object key built by ObjectKey.
func FileIDFromKey(key string) (string, bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 3 || parts[0] != uploadsPrefix || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}

// SanitizeFilename replaces every character outside [A-Za-z0-9_.-] with an underscore.
func SanitizeFilename(filename string) string {
	return unsafeFilenameChars.ReplaceAllString(filename, "_")
}
