package broker

import (
	"net/http"
	"time"

	"github.com/bitrise-io/go-uploadkit/metadata"
	"github.com/bitrise-io/go-uploadkit/multipart"
)

// InitiateRequest starts a multipart upload.
type InitiateRequest struct {
	Filename      string `json:"filename"`
	WebhookID     string `json:"webhookId"`
	ContentType   string `json:"contentType"`
	Size          int64  `json:"size"`
	CustomMessage string `json:"customMessage,omitempty"`
}

type InitiateResponse struct {
	UploadID string `json:"uploadId"`
	FileID   string `json:"fileId"`
	S3Key    string `json:"s3Key"`
}

type PartURLRequest struct {
	UploadID   string `json:"uploadId"`
	S3Key      string `json:"s3Key"`
	PartNumber int    `json:"partNumber"`
}

type PartURLResponse struct {
	URL        string            `json:"url"`
	PartNumber int               `json:"partNumber"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ExpiresAt  time.Time         `json:"expiresAt,omitempty"`
}

// PartURL returns the upload target of the part. The method defaults to PUT.
func (r PartURLResponse) PartURL() multipart.PartURL {
	method := r.Method
	if method == "" {
		method = http.MethodPut
	}
	return multipart.PartURL{
		Method:  method,
		URL:     r.URL,
		Headers: r.Headers,
		Expires: r.ExpiresAt,
	}
}

// UploadPart is a part of a multipart upload, as reported by the uploader.
type UploadPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

type CompleteRequest struct {
	UploadID string       `json:"uploadId"`
	S3Key    string       `json:"s3Key"`
	FileID   string       `json:"fileId"`
	Parts    []UploadPart `json:"parts"`
}

type AbortRequest struct {
	UploadID string `json:"uploadId"`
	S3Key    string `json:"s3Key"`
}

// UploadURLRequest asks for a presigned URL to upload a small file in one request.
type UploadURLRequest struct {
	Filename      string `json:"filename"`
	WebhookID     string `json:"webhookId"`
	ContentType   string `json:"contentType"`
	Size          int64  `json:"size"`
	CustomMessage string `json:"customMessage,omitempty"`
}

type UploadURLResponse struct {
	UploadURL string            `json:"uploadUrl"`
	FileID    string            `json:"fileId"`
	S3Key     string            `json:"s3Key"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt,omitempty"`
}

func (r UploadURLResponse) SingleUpload() multipart.SingleUpload {
	return multipart.SingleUpload{
		FileID: r.FileID,
		Key:    r.S3Key,
		URL: multipart.PartURL{
			Method:  http.MethodPut,
			URL:     r.UploadURL,
			Headers: r.Headers,
			Expires: r.ExpiresAt,
		},
	}
}

type CreateWebhookRequest struct {
	Name        string `json:"name"`
	WebhookURL  string `json:"webhookUrl"`
	ServerName  string `json:"serverName,omitempty"`
	ChannelName string `json:"channelName,omitempty"`
}

// FileRecord and Webhook are the records returned by the service.
type (
	FileRecord = metadata.FileRecord
	Webhook    = metadata.Webhook
)
