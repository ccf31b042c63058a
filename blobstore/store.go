// Package blobstore wraps the S3 operations behind a multipart upload session.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-uploadkit/multipart"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/samber/lo"
)

const (
	// PartURLExpiry is the validity of a presigned part upload URL.
	PartURLExpiry = time.Hour
	// PutURLExpiry is the validity of a presigned single object upload URL.
	PutURLExpiry = 15 * time.Minute

	numRetries = 3
)

// Client is the subset of the S3 API used by Store.
type Client interface {
	manager.UploadAPIClient
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner creates presigned S3 requests.
type Presigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store is an S3 bucket holding the uploaded files.
type Store struct {
	client    Client
	presigner Presigner
	bucket    string
	logger    log.Logger

	now       func() time.Time
	retryWait time.Duration
}

// New creates a Store over an S3 client.
func New(client *s3.Client, bucket string, logger log.Logger) *Store {
	return NewWithClients(client, s3.NewPresignClient(client), bucket, logger)
}

// NewWithClients ...
func NewWithClients(client Client, presigner Presigner, bucket string, logger log.Logger) *Store {
	return &Store{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		logger:    logger,
		now:       time.Now,
		retryWait: 2 * time.Second,
	}
}

// Bucket returns the name of the bucket.
func (s *Store) Bucket() string {
	return s.bucket
}

// CreateMultipartUpload starts a multipart upload for the key and returns its upload ID.
func (s *Store) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	output, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: optionalString(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	if output.UploadId == nil || *output.UploadId == "" {
		return "", fmt.Errorf("create multipart upload: no upload ID in response")
	}

	s.logger.Debugf("Created multipart upload %s for %s", *output.UploadId, key)
	return *output.UploadId, nil
}

// PresignPart returns a URL for uploading one part of a multipart upload.
func (s *Store) PresignPart(ctx context.Context, key, uploadID string, partNumber int) (multipart.PartURL, error) {
	req, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, s3.WithPresignExpires(PartURLExpiry))
	if err != nil {
		return multipart.PartURL{}, fmt.Errorf("presign part %d: %w", partNumber, err)
	}

	return s.partURL(req, PartURLExpiry), nil
}

// PresignPut returns a URL for uploading a whole object in a single request.
func (s *Store) PresignPut(ctx context.Context, key, contentType string) (multipart.PartURL, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: optionalString(contentType),
	}, s3.WithPresignExpires(PutURLExpiry))
	if err != nil {
		return multipart.PartURL{}, fmt.Errorf("presign put: %w", err)
	}

	url := s.partURL(req, PutURLExpiry)
	if contentType != "" {
		url.Headers["Content-Type"] = contentType
	}
	return url, nil
}

// CompleteMultipartUpload assembles the uploaded parts, in part number order, into the object.
func (s *Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []multipart.PartResult) error {
	sorted := append([]multipart.PartResult(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Number < sorted[j].Number
	})
	completed := lo.Map(sorted, func(p multipart.PartResult, _ int) types.CompletedPart {
		return types.CompletedPart{
			PartNumber: aws.Int32(int32(p.Number)),
			ETag:       aws.String(p.ETag),
		}
	})

	return retry.Times(numRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			s.logger.Debugf("Complete multipart upload %s (attempt %d): %s", uploadID, attempt+1, err)
			return fmt.Errorf("complete multipart upload: %w", err), isClientFault(err)
		}
		return nil, true
	})
}

// AbortMultipartUpload discards a multipart upload and its parts. An upload that no longer exists is not an error.
func (s *Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload" {
			s.logger.Debugf("Multipart upload %s is already gone", uploadID)
			return nil
		}
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// PutObject uploads the body under key. Large bodies are split into parts by the S3 transfer manager.
func (s *Store) PutObject(ctx context.Context, key, contentType string, body io.Reader, partSize int64) error {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		if partSize >= manager.MinUploadPartSize {
			u.PartSize = partSize
		}
	})

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: optionalString(contentType),
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// DeleteObject removes the object stored under key.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	return retry.Times(numRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("delete object: %w", err), isClientFault(err)
		}
		return nil, true
	})
}

func (s *Store) partURL(req *v4.PresignedHTTPRequest, expiry time.Duration) multipart.PartURL {
	headers := map[string]string{}
	for name, values := range req.SignedHeader {
		if http.CanonicalHeaderKey(name) == "Host" || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}

	return multipart.PartURL{
		Method:  req.Method,
		URL:     req.URL,
		Headers: headers,
		Expires: s.now().Add(expiry),
	}
}

func isClientFault(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
