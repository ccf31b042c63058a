// Package metadata stores file and webhook records in DynamoDB.
package metadata

import "errors"

// ErrNotFound is returned when the requested item does not exist.
var ErrNotFound = errors.New("item not found")

// FileStatus is the post-processing state of an uploaded file.
type FileStatus string

const (
	StatusUploading FileStatus = "uploading"
	StatusPosted    FileStatus = "posted"
	StatusError     FileStatus = "error"
)

// FileRecord is an item of the files table, keyed by userId and fileId.
type FileRecord struct {
	UserID        string     `dynamodbav:"userId" json:"userId"`
	FileID        string     `dynamodbav:"fileId" json:"fileId"`
	Filename      string     `dynamodbav:"filename" json:"filename"`
	S3Key         string     `dynamodbav:"s3Key" json:"s3Key"`
	WebhookID     string     `dynamodbav:"webhookId" json:"webhookId"`
	Status        FileStatus `dynamodbav:"status" json:"status"`
	ContentType   string     `dynamodbav:"contentType" json:"contentType"`
	Size          int64      `dynamodbav:"size" json:"size"`
	CreatedAt     string     `dynamodbav:"createdAt" json:"createdAt"`
	CloudFrontURL string     `dynamodbav:"cloudFrontUrl" json:"cloudFrontUrl"`
	CustomMessage string     `dynamodbav:"customMessage,omitempty" json:"customMessage,omitempty"`

	DiscordMessageID string `dynamodbav:"discordMessageId,omitempty" json:"discordMessageId,omitempty"`
	PostedAt         string `dynamodbav:"postedAt,omitempty" json:"postedAt,omitempty"`
	ErrorMessage     string `dynamodbav:"errorMessage,omitempty" json:"errorMessage,omitempty"`
}

// Webhook is an item of the webhooks table, keyed by userId and webhookId.
type Webhook struct {
	UserID      string `dynamodbav:"userId" json:"userId"`
	WebhookID   string `dynamodbav:"webhookId" json:"webhookId"`
	Name        string `dynamodbav:"name" json:"name"`
	WebhookURL  string `dynamodbav:"webhookUrl" json:"webhookUrl"`
	ServerName  string `dynamodbav:"serverName,omitempty" json:"serverName,omitempty"`
	ChannelName string `dynamodbav:"channelName,omitempty" json:"channelName,omitempty"`
	CreatedAt   string `dynamodbav:"createdAt" json:"createdAt"`
}

// StatusUpdate is the post-processing outcome written to a FileRecord.
type StatusUpdate struct {
	Status           FileStatus
	DiscordMessageID string
	PostedAt         string
	ErrorMessage     string
}
