package apiclient

import (
	"context"

	"github.com/bitrise-io/go-uploadkit/broker"
	"github.com/bitrise-io/go-uploadkit/multipart"
)

// Uploads is a multipart.Store backed by the upload API.
type Uploads struct {
	client    *Client
	webhookID string
}

// Uploads returns a multipart.Store posting files to the given webhook, unless the file names another one.
func (c *Client) Uploads(webhookID string) *Uploads {
	return &Uploads{client: c, webhookID: webhookID}
}

func (u *Uploads) CreateSession(ctx context.Context, meta multipart.FileMetadata) (multipart.SessionInfo, error) {
	resp, err := u.client.InitiateUpload(ctx, broker.InitiateRequest{
		Filename:      meta.Filename,
		WebhookID:     u.webhookFor(meta),
		ContentType:   contentType(meta),
		Size:          meta.Size,
		CustomMessage: meta.CustomMessage,
	})
	if err != nil {
		return multipart.SessionInfo{}, err
	}
	return multipart.SessionInfo{UploadID: resp.UploadID, FileID: resp.FileID, Key: resp.S3Key}, nil
}

func (u *Uploads) AuthorizePart(ctx context.Context, session multipart.SessionInfo, partNumber int) (multipart.PartURL, error) {
	resp, err := u.client.PartURL(ctx, broker.PartURLRequest{
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
	return u.client.CompleteUpload(ctx, broker.CompleteRequest{
		UploadID: session.UploadID,
		S3Key:    session.Key,
		FileID:   session.FileID,
		Parts:    broker.ToUploadParts(parts),
	})
}

func (u *Uploads) AbortSession(ctx context.Context, session multipart.SessionInfo) error {
	return u.client.AbortUpload(ctx, broker.AbortRequest{UploadID: session.UploadID, S3Key: session.Key})
}

func (u *Uploads) CreateSingleUpload(ctx context.Context, meta multipart.FileMetadata) (multipart.SingleUpload, error) {
	resp, err := u.client.CreateUploadURL(ctx, broker.UploadURLRequest{
		Filename:      meta.Filename,
		WebhookID:     u.webhookFor(meta),
		ContentType:   contentType(meta),
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

func contentType(meta multipart.FileMetadata) string {
	if meta.ContentType == "" {
		return "application/octet-stream"
	}
	return meta.ContentType
}
