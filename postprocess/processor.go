// Package postprocess posts uploaded files to their webhook once the object lands in the bucket.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/bitrise-io/go-uploadkit/broker"
	"github.com/bitrise-io/go-uploadkit/metadata"
	"github.com/bitrise-io/go-uploadkit/notify"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numStatusRetries  = 2
	msgWebhookMissing = "Webhook not found"
	msgPostFailed     = "Failed to post to Discord"
)

// Records is the part of the metadata store the processor reads and updates.
type Records interface {
	FindFileByID(ctx context.Context, fileID string) (*metadata.FileRecord, error)
	GetWebhook(ctx context.Context, userID, webhookID string) (*metadata.Webhook, error)
	UpdateFileStatus(ctx context.Context, userID, fileID string, update metadata.StatusUpdate) error
}

// Processor handles object-created events of the upload bucket.
type Processor struct {
	records          Records
	sink             notify.Sink
	cloudFrontDomain string
	logger           log.Logger

	now       func() time.Time
	retryWait time.Duration
}

// NewProcessor ...
func NewProcessor(records Records, sink notify.Sink, cloudFrontDomain string, logger log.Logger) *Processor {
	return &Processor{
		records:          records,
		sink:             sink,
		cloudFrontDomain: cloudFrontDomain,
		logger:           logger,
		now:              time.Now,
		retryWait:        time.Second,
	}
}

// HandleEvent processes every record of the event. A failing record is logged and does not stop the others,
// so that a redelivered event does not post the already processed files again.
func (p *Processor) HandleEvent(ctx context.Context, event events.S3Event) error {
	for _, record := range event.Records {
		if err := ctx.Err(); err != nil {
			return err
		}

		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			p.logger.Errorf("Invalid object key %q: %s", record.S3.Object.Key, err)
			continue
		}

		p.logger.Infof("Processing %s from bucket %s", key, record.S3.Bucket.Name)
		if err := p.processObject(ctx, key); err != nil {
			p.logger.Errorf("Failed to process %s: %s", key, err)
		}
	}
	return nil
}

func (p *Processor) processObject(ctx context.Context, key string) error {
	fileID, ok := broker.FileIDFromKey(key)
	if !ok {
		p.logger.Debugf("Skipping non-upload object: %s", key)
		return nil
	}

	file, err := p.records.FindFileByID(ctx, fileID)
	if errors.Is(err, metadata.ErrNotFound) {
		p.logger.Warnf("File record not found for file %s", fileID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find file %s: %w", fileID, err)
	}

	webhook, err := p.records.GetWebhook(ctx, file.UserID, file.WebhookID)
	if errors.Is(err, metadata.ErrNotFound) {
		p.logger.Warnf("Webhook %s of file %s not found", file.WebhookID, fileID)
		return p.updateStatus(ctx, file, metadata.StatusUpdate{Status: metadata.StatusError, ErrorMessage: msgWebhookMissing})
	}
	if err != nil {
		return fmt.Errorf("get webhook %s: %w", file.WebhookID, err)
	}

	messageID, err := p.sink.Post(ctx, webhook.WebhookURL, notify.Message{Content: p.content(file, key)})
	if err != nil {
		p.logger.Warnf("Failed to post file %s to webhook %s: %s", fileID, webhook.Name, err)
		return p.updateStatus(ctx, file, metadata.StatusUpdate{Status: metadata.StatusError, ErrorMessage: msgPostFailed})
	}

	if err := p.updateStatus(ctx, file, metadata.StatusUpdate{
		Status:           metadata.StatusPosted,
		DiscordMessageID: messageID,
		PostedAt:         p.now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}

	p.logger.Donef("Posted %s to %s (message: %s)", file.Filename, webhook.Name, messageID)
	return nil
}

// content is the public URL of the object, preceded by the custom message of the file.
func (p *Processor) content(file *metadata.FileRecord, key string) string {
	fileURL := fmt.Sprintf("https://%s/%s", p.cloudFrontDomain, key)
	if file.CustomMessage == "" {
		return fileURL
	}
	return file.CustomMessage + "\n" + fileURL
}

func (p *Processor) updateStatus(ctx context.Context, file *metadata.FileRecord, update metadata.StatusUpdate) error {
	return retry.Times(numStatusRetries).Wait(p.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			p.logger.Debugf("Retrying status update of file %s... (attempt %d)", file.FileID, attempt+1)
		}

		err := p.records.UpdateFileStatus(ctx, file.UserID, file.FileID, update)
		if errors.Is(err, metadata.ErrNotFound) || ctx.Err() != nil {
			return err, true
		}
		return err, false
	})
}

