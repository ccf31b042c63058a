package multipart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// AuthorizeFunc obtains an upload URL for the given part number.
type AuthorizeFunc func(ctx context.Context, partNumber int) (PartURL, error)

// PartUploader uploads single parts with retry, backoff and hung detection.
type PartUploader struct {
	config     Config
	httpClient *http.Client
	logger     log.Logger
	stats      *Stats

	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	hungCheck time.Duration
}

// UploadOption configures a single Upload call.
type UploadOption func(*uploadOptions)

type uploadOptions struct {
	stopped  func() bool
	fixedURL bool
}

// WithStopCheck makes Upload give up before a new attempt once stopped reports true.
func WithStopCheck(stopped func() bool) UploadOption {
	return func(o *uploadOptions) {
		o.stopped = stopped
	}
}

// WithFixedURL marks the authorized URL as not renewable: an expired URL fails the upload.
func WithFixedURL() UploadOption {
	return func(o *uploadOptions) {
		o.fixedURL = true
	}
}

// NewPartUploader ...
func NewPartUploader(config Config, logger log.Logger) *PartUploader {
	config = config.withDefaults()
	return &PartUploader{
		config:     config,
		httpClient: config.HTTPClient,
		logger:     logger,
		stats:      &Stats{},
		now:        time.Now,
		sleep:      sleepContext,
		hungCheck:  time.Second,
	}
}

// Stats returns the upload statistics.
func (u *PartUploader) Stats() *Stats {
	return u.stats
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *PartUploader) CloseIdleConnections() {
	if transport, ok := u.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// Upload uploads one part, authorizing it on the first attempt and retrying failed attempts
// with exponential backoff. The URL is reused across attempts until it expires.
func (u *PartUploader) Upload(ctx context.Context, task PartTask, totalParts int, data []byte, authorize AuthorizeFunc, opts ...UploadOption) (PartResult, error) {
	var options uploadOptions
	for _, opt := range opts {
		opt(&options)
	}
	stopped := func() bool {
		return options.stopped != nil && options.stopped()
	}

	maxAttempts := u.config.MaxRetryPerPart
	var url PartURL
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return PartResult{}, fmt.Errorf("part %d upload cancelled: %w", task.Number, err)
		}

		if attempt > 1 {
			if stopped() {
				return PartResult{}, fmt.Errorf("part %d: %w", task.Number, ErrUploadStopped)
			}
			backoff := u.backoff(attempt - 1)
			u.logger.Debugf("Retrying part %d after %v", task.Number, backoff)
			if err := u.sleep(ctx, backoff); err != nil {
				return PartResult{}, fmt.Errorf("part %d upload cancelled: %w", task.Number, err)
			}
			if stopped() {
				return PartResult{}, fmt.Errorf("part %d: %w", task.Number, ErrUploadStopped)
			}
		}

		if url.URL == "" || url.expiredAt(u.now()) {
			authorized, err := u.authorize(ctx, task.Number, authorize)
			if err != nil {
				lastErr = err
				if !IsRetryable(err) {
					return PartResult{}, err
				}
				u.logger.Warnf("Part %d attempt %d/%d: %v", task.Number, attempt, maxAttempts, err)
				continue
			}
			url = authorized
		}

		finished := u.stats.Snapshot()
		u.logger.Debugf("Uploading part %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			task.Number, totalParts, attempt, maxAttempts,
			finished.Parts, finished.Average().Round(time.Second))

		start := time.Now()
		partCtx, cancelPart := context.WithCancel(ctx)

		// The last attempt runs without hung detection.
		if attempt < maxAttempts && u.config.HungThreshold > 0 {
			go u.detectHungUpload(partCtx, cancelPart, start, task.Number)
		}

		etag, err := u.UploadPart(partCtx, task.Number, url, data)
		hung := partCtx.Err() != nil && ctx.Err() == nil
		cancelPart()

		if err == nil {
			took := time.Since(start)
			u.stats.Record(int64(len(data)), took)
			u.logger.Debugf("Part %d uploaded in %v, ETag: %s", task.Number, took.Round(time.Millisecond), etag)
			return PartResult{Number: task.Number, ETag: etag}, nil
		}

		if ctx.Err() != nil {
			return PartResult{}, fmt.Errorf("part %d upload cancelled: %w", task.Number, ctx.Err())
		}

		if hung {
			err = &TransientIOError{PartNumber: task.Number, Err: fmt.Errorf("hung upload cancelled: %v", err)}
		}
		lastErr = err

		if urlExpired(err) {
			if options.fixedURL {
				return PartResult{}, fmt.Errorf("part %d upload URL expired: %w", task.Number, err)
			}
			u.logger.Warnf("Upload URL of part %d expired, authorizing again", task.Number)
			url = PartURL{}
		}
		if !IsRetryable(err) {
			return PartResult{}, err
		}
		u.logger.Warnf("Part %d attempt %d/%d failed: %v", task.Number, attempt, maxAttempts, err)
	}

	return PartResult{}, fmt.Errorf("part %d failed after %d attempts: %w", task.Number, maxAttempts, lastErr)
}

// UploadPart makes a single PUT attempt and returns the ETag of the stored part without quotes.
func (u *PartUploader) UploadPart(ctx context.Context, partNumber int, url PartURL, data []byte) (string, error) {
	method := url.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, url.URL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	for k, v := range url.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("part upload cancelled: %w", ctx.Err())
		}
		return "", &TransientIOError{PartNumber: partNumber, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Warnf("Failed to close response body: %s", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(errorBody[:n])}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", &TransientIOError{PartNumber: partNumber, Err: statusErr}
		}
		return "", statusErr
	}

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return "", &IntegrityMissingError{PartNumber: partNumber}
	}
	return etag, nil
}

func (u *PartUploader) authorize(ctx context.Context, partNumber int, authorize AuthorizeFunc) (PartURL, error) {
	url, err := authorize(ctx, partNumber)
	if err != nil {
		return PartURL{}, &AuthorizationError{PartNumber: partNumber, Err: err}
	}
	if url.URL == "" {
		return PartURL{}, &AuthorizationError{PartNumber: partNumber, Err: errors.New("empty upload URL")}
	}
	return url, nil
}

// backoff returns the delay after the given failed attempt: BaseRetryDelay * 2^(failed-1).
func (u *PartUploader) backoff(failed int) time.Duration {
	return u.config.BaseRetryDelay * time.Duration(1<<(failed-1))
}

func (u *PartUploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, partNumber int) {
	ticker := time.NewTicker(u.hungCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if finished := u.stats.Snapshot(); finished.Parts > 0 {
				elapsed := time.Since(start)
				avg := finished.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung part upload (part %d); canceling request after %s (avg: %s)",
						partNumber, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
