package broker

import (
	"context"

	"github.com/bitrise-io/go-uploadkit/multipart"
	"github.com/samber/lo"
)

// Uploads is the multipart.Store of one user, served in-process by the Service.
type Uploads struct {
	service   *Service
	userID    string
	webhookID string
}

// Uploads returns the upload sessions of the user. Files are posted to the given webhook.
func (s *Service) Uploads(userID, webhookID string) *Uploads {
	return &Uploads{service: s, userID: userID, webhookID: webhookID}
}

func (u *Uploads) CreateSession(ctx context.Context, meta multipart.FileMetadata) (multipart.SessionInfo, error) {
	resp, err := u.service.InitiateUpload(ctx, u.userID, InitiateRequest{
		Filename:      meta.Filename,
		WebhookID:     u.webhookFor(meta),
		ContentType:   contentTypeOrDefault(meta.ContentType),
		Size:          meta.Size,
		CustomMessage: meta.CustomMessage,
	})
	if err != nil {
		return multipart.SessionInfo{}, err
	}
	return multipart.SessionInfo{UploadID: resp.UploadID, FileID: resp.FileID, Key: resp.S3Key}, nil
}

func (u *Uploads) AuthorizePart(ctx context.Context, session multipart.SessionInfo, partNumber int) (multipart.PartURL, error) {
	resp, err := u.service.PartURL(ctx, u.userID, PartURLRequest{
		UploadID:   session.UploadID,
		S3Key:      session.Key,
		PartNumber: partNumber,
	})
	if err != nil {
		return multipart.PartURL{}, err
	}
	return resp.PartURL(), nil
}

func (u *Uploads) CompleteSession(ctx context.Context, session multipart.SessionInfo, parts []multipart.PartResult) error {
	return u.service.CompleteUpload(ctx, u.userID, CompleteRequest{
		UploadID: session.UploadID,
		S3Key:    session.Key,
		FileID:   session.FileID,
		Parts:    ToUploadParts(parts),
	})
}

func (u *Uploads) AbortSession(ctx context.Context, session multipart.SessionInfo) error {
	return u.service.AbortUpload(ctx, u.userID, AbortRequest{UploadID: session.UploadID, S3Key: session.Key})
}

func (u *Uploads) CreateSingleUpload(ctx context.Context, meta multipart.FileMetadata) (multipart.SingleUpload, error) {
	resp, err := u.service.CreateUploadURL(ctx, u.userID, UploadURLRequest{
		Filename:      meta.Filename,
		WebhookID:     u.webhookFor(meta),
		ContentType:   contentTypeOrDefault(meta.ContentType),
		Size:          meta.Size,
		CustomMessage: meta.CustomMessage,
	})
	if err != nil {
		return multipart.SingleUpload{}, err
	}
	return resp.SingleUpload(), nil
}

func (u *Uploads) webhookFor(meta multipart.FileMetadata) string {
	if meta.WebhookID != "" {
		return meta.WebhookID
	}
	return u.webhookID
}

// ToUploadParts converts part results to their wire form.
func ToUploadParts(parts []multipart.PartResult) []UploadPart {
	return lo.Map(parts, func(p multipart.PartResult, _ int) UploadPart {
		return UploadPart{PartNumber: p.Number, ETag: p.ETag}
	})
}

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}
