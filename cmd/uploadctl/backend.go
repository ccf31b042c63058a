package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-uploadkit/apiclient"
	"github.com/bitrise-io/go-uploadkit/blobstore"
	"github.com/bitrise-io/go-uploadkit/broker"
	"github.com/bitrise-io/go-uploadkit/config"
	"github.com/bitrise-io/go-uploadkit/metadata"
	"github.com/bitrise-io/go-uploadkit/multipart"
	"github.com/bitrise-io/go-uploadkit/notify"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
)

// backend is what the commands operate on: the remote API, or the AWS resources directly.
type backend interface {
	Uploads(webhookID string) multipart.Store
	ListFiles(ctx context.Context, webhookID string) ([]broker.FileRecord, error)
	DeleteFile(ctx context.Context, fileID string) error
	ListWebhooks(ctx context.Context) ([]broker.Webhook, error)
	CreateWebhook(ctx context.Context, req broker.CreateWebhookRequest) (*broker.Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
}

type apiBackend struct {
	client *apiclient.Client
}

func (b apiBackend) Uploads(webhookID string) multipart.Store {
	return b.client.Uploads(webhookID)
}

func (b apiBackend) ListFiles(ctx context.Context, webhookID string) ([]broker.FileRecord, error) {
	return b.client.ListFiles(ctx, webhookID)
}

func (b apiBackend) DeleteFile(ctx context.Context, fileID string) error {
	return b.client.DeleteFile(ctx, fileID)
}

func (b apiBackend) ListWebhooks(ctx context.Context) ([]broker.Webhook, error) {
	return b.client.ListWebhooks(ctx)
}

func (b apiBackend) CreateWebhook(ctx context.Context, req broker.CreateWebhookRequest) (*broker.Webhook, error) {
	return b.client.CreateWebhook(ctx, req)
}

func (b apiBackend) DeleteWebhook(ctx context.Context, webhookID string) error {
	return b.client.DeleteWebhook(ctx, webhookID)
}

// directBackend runs the broker in-process on behalf of one user.
type directBackend struct {
	service *broker.Service
	userID  string
}

func (b directBackend) Uploads(webhookID string) multipart.Store {
	return b.service.Uploads(b.userID, webhookID)
}

func (b directBackend) ListFiles(ctx context.Context, webhookID string) ([]broker.FileRecord, error) {
	return b.service.ListFiles(ctx, b.userID, webhookID)
}

func (b directBackend) DeleteFile(ctx context.Context, fileID string) error {
	return b.service.DeleteFile(ctx, b.userID, fileID)
}

func (b directBackend) ListWebhooks(ctx context.Context) ([]broker.Webhook, error) {
	return b.service.ListWebhooks(ctx, b.userID)
}

func (b directBackend) CreateWebhook(ctx context.Context, req broker.CreateWebhookRequest) (*broker.Webhook, error) {
	return b.service.CreateWebhook(ctx, b.userID, req)
}

func (b directBackend) DeleteWebhook(ctx context.Context, webhookID string) error {
	return b.service.DeleteWebhook(ctx, b.userID, webhookID)
}

func newBackend(ctx context.Context, cfg config.Config, direct bool, userID string, logger log.Logger) (backend, error) {
	if !direct {
		if err := cfg.ValidateAPI(); err != nil {
			return nil, err
		}
		client := apiclient.New(retryhttp.NewClient(logger), cfg.APIURL, string(cfg.APIToken), logger)
		return apiBackend{client: client}, nil
	}

	if userID == "" {
		return nil, fmt.Errorf("--user is required in direct mode")
	}
	service, err := newService(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return directBackend{service: service, userID: userID}, nil
}

// newService wires the broker to the bucket, the tables and Discord.
func newService(ctx context.Context, cfg config.Config, logger log.Logger) (*broker.Service, error) {
	if err := cfg.ValidateAWS(); err != nil {
		return nil, err
	}

	awsCfg, err := cfg.LoadAWS(ctx, logger)
	if err != nil {
		return nil, err
	}

	blobs := blobstore.New(s3.NewFromConfig(awsCfg), cfg.Bucket, logger)
	records := metadata.New(dynamodb.NewFromConfig(awsCfg), cfg.FilesTable, cfg.WebhooksTable, logger)
	sink := notify.NewDiscord(retryhttp.NewClient(logger), logger)
	return broker.New(blobs, records, sink, cfg.CloudFrontDomain, logger), nil
}
