package multipart

import (
	"net/http"
	"time"
)

const (
	// DefaultPartSize is the size of every part except the last one.
	DefaultPartSize = 10 * 1024 * 1024
	// DefaultMultipartThreshold is the file size from which multipart uploads are used.
	// Smaller files go through a single presigned PUT.
	DefaultMultipartThreshold = 50 * 1024 * 1024
	// DefaultConcurrency is the number of parts uploaded in parallel.
	DefaultConcurrency = 4
	// DefaultMaxRetryPerPart is the number of attempts made for a single part.
	DefaultMaxRetryPerPart = 3
	// DefaultBaseRetryDelay is the delay before the second attempt, doubled on every further attempt.
	DefaultBaseRetryDelay = time.Second

	// maxParts is the S3 limit on the number of parts in one multipart upload.
	maxParts = 10000
)

// Config holds configuration for multipart transfers.
type Config struct {
	// Concurrency is the maximum number of parts uploaded in parallel.
	// Default: 4
	Concurrency int

	// PartSize is the fixed size of a part in bytes.
	// Default: 10 MiB
	PartSize int64

	// MultipartThreshold is the minimum file size for a multipart upload.
	// Default: 50 MiB
	MultipartThreshold int64

	// MaxRetryPerPart is the maximum number of attempts per part.
	// Default: 3
	MaxRetryPerPart int

	// BaseRetryDelay is the backoff before the second attempt of a part.
	// The n-th retry waits BaseRetryDelay * 2^(n-1).
	// Default: 1 second
	BaseRetryDelay time.Duration

	// HungThreshold is the duration after which a part upload is considered hung
	// if it exceeds the average part upload time by this amount. Zero disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// HTTPClient is the HTTP client used for the part PUT requests.
	// If nil, DefaultHTTPClient is used.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:        DefaultConcurrency,
		PartSize:           DefaultPartSize,
		MultipartThreshold: DefaultMultipartThreshold,
		MaxRetryPerPart:    DefaultMaxRetryPerPart,
		BaseRetryDelay:     DefaultBaseRetryDelay,
		HungThreshold:      30 * time.Second,
	}
}

// withDefaults fills every unset field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PartSize <= 0 {
		c.PartSize = d.PartSize
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = d.MultipartThreshold
	}
	if c.MaxRetryPerPart <= 0 {
		c.MaxRetryPerPart = d.MaxRetryPerPart
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.HungThreshold < 0 {
		c.HungThreshold = 0
	}
	if c.HTTPClient == nil {
		c.HTTPClient = DefaultHTTPClient()
	}
	return c
}

// DefaultHTTPClient creates an HTTP client tuned for part uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - part attempts are bounded via context and hung detection
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
