// Package config reads the settings of the upload tools from the environment.
package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/bitrise-io/go-uploadkit/multipart"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	defaultFilesTable    = "Files"
	defaultWebhooksTable = "Webhooks"
	defaultPartSize      = "10MB"
)

// Secret is a string value that is never printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return strings.Repeat("*", 5)
}

// Config holds the environment settings shared by the CLI, the API and the webhook executor.
type Config struct {
	APIURL   string
	APIToken Secret

	Region          string
	AccessKeyID     string
	SecretAccessKey Secret
	Bucket          string
	FilesTable      string
	WebhooksTable   string

	CloudFrontDomain string

	Concurrency int
	PartSize    int64
	Verbose     bool
}

// Load reads the configuration. Values that are not set fall back to their defaults.
func Load(envRepo env.Repository) (Config, error) {
	cfg := Config{
		APIURL:           strings.TrimSuffix(envRepo.Get("UPLOADKIT_API_URL"), "/"),
		APIToken:         Secret(envRepo.Get("UPLOADKIT_API_TOKEN")),
		Region:           envRepo.Get("AWS_REGION"),
		AccessKeyID:      envRepo.Get("AWS_ACCESS_KEY_ID"),
		SecretAccessKey:  Secret(envRepo.Get("AWS_SECRET_ACCESS_KEY")),
		Bucket:           envRepo.Get("UPLOAD_BUCKET_NAME"),
		FilesTable:       valueOrDefault(envRepo.Get("FILES_TABLE_NAME"), defaultFilesTable),
		WebhooksTable:    valueOrDefault(envRepo.Get("WEBHOOKS_TABLE_NAME"), defaultWebhooksTable),
		CloudFrontDomain: envRepo.Get("CLOUDFRONT_DOMAIN"),
		Concurrency:      multipart.DefaultConcurrency,
	}

	if value := envRepo.Get("UPLOADKIT_CONCURRENCY"); value != "" {
		concurrency, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid UPLOADKIT_CONCURRENCY %q: %w", value, err)
		}
		cfg.Concurrency = concurrency
	}

	partSize, err := ParseSize(valueOrDefault(envRepo.Get("UPLOADKIT_PART_SIZE"), defaultPartSize))
	if err != nil {
		return Config{}, fmt.Errorf("invalid UPLOADKIT_PART_SIZE: %w", err)
	}
	cfg.PartSize = partSize

	if value := envRepo.Get("UPLOADKIT_VERBOSE"); value != "" {
		verbose, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid UPLOADKIT_VERBOSE %q: %w", value, err)
		}
		cfg.Verbose = verbose
	}

	if cfg.Concurrency < 1 {
		return Config{}, fmt.Errorf("UPLOADKIT_CONCURRENCY must be at least 1, got %d", cfg.Concurrency)
	}
	return cfg, nil
}

// ParseSize parses a human readable size, like 10MB or 64MiB, into bytes.
// Both SI and binary suffixes are read as powers of 1024.
func ParseSize(value string) (int64, error) {
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, fmt.Errorf("size must be positive, got %s", value)
	}
	return size, nil
}

// ValidateAPI checks the settings needed to call the upload API.
func (c Config) ValidateAPI() error {
	if c.APIURL == "" {
		return fmt.Errorf("the secret 'UPLOADKIT_API_URL' is not defined")
	}
	if c.APIToken == "" {
		return fmt.Errorf("the secret 'UPLOADKIT_API_TOKEN' is not defined")
	}
	return nil
}

// ValidateAWS checks the settings needed to talk to S3 and DynamoDB directly.
func (c Config) ValidateAWS() error {
	if c.Region == "" {
		return fmt.Errorf("AWS_REGION is not defined")
	}
	if c.Bucket == "" {
		return fmt.Errorf("UPLOAD_BUCKET_NAME is not defined")
	}
	if c.CloudFrontDomain == "" {
		return fmt.Errorf("CLOUDFRONT_DOMAIN is not defined")
	}
	return nil
}

// MultipartConfig returns the transfer settings of the configuration.
func (c Config) MultipartConfig() multipart.Config {
	cfg := multipart.DefaultConfig()
	cfg.Concurrency = c.Concurrency
	cfg.PartSize = c.PartSize
	return cfg
}

// LoadAWS loads the AWS configuration of the region. Static credentials are used when both keys are set,
// the default credential chain otherwise.
func (c Config) LoadAWS(ctx context.Context, logger log.Logger) (aws.Config, error) {
	if c.Region == "" {
		return aws.Config{}, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
	}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessKeyID, string(c.SecretAccessKey), "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// Print logs the configuration. Secrets are masked.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	logger.Printf("- API URL: %s", c.APIURL)
	logger.Printf("- API token: %s", c.APIToken)
	logger.Printf("- Region: %s", c.Region)
	logger.Printf("- Bucket: %s", c.Bucket)
	logger.Printf("- Tables: %s, %s", c.FilesTable, c.WebhooksTable)
	logger.Printf("- Concurrency: %d", c.Concurrency)
	logger.Printf("- Part size: %s", units.BytesSize(float64(c.PartSize)))
}

func valueOrDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
