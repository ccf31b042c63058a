// Command webhook-executor is the Lambda function that posts uploaded files to their Discord webhook.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/bitrise-io/go-uploadkit/config"
	"github.com/bitrise-io/go-uploadkit/metadata"
	"github.com/bitrise-io/go-uploadkit/notify"
	"github.com/bitrise-io/go-uploadkit/postprocess"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
)

func main() {
	logger := log.NewLogger()

	processor, err := newProcessor(context.Background(), logger)
	if err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}

	lambda.Start(processor.HandleEvent)
}

func newProcessor(ctx context.Context, logger log.Logger) (*postprocess.Processor, error) {
	cfg, err := config.Load(env.NewRepository())
	if err != nil {
		return nil, err
	}
	logger.EnableDebugLog(cfg.Verbose)

	if cfg.CloudFrontDomain == "" {
		return nil, fmt.Errorf("CLOUDFRONT_DOMAIN is not defined")
	}

	awsCfg, err := cfg.LoadAWS(ctx, logger)
	if err != nil {
		return nil, err
	}

	records := metadata.New(dynamodb.NewFromConfig(awsCfg), cfg.FilesTable, cfg.WebhooksTable, logger)
	sink := notify.NewDiscord(retryhttp.NewClient(logger), logger)
	return postprocess.NewProcessor(records, sink, cfg.CloudFrontDomain, logger), nil
}
