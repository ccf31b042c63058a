// Package apiclient is the HTTP client of the upload API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bitrise-io/go-uploadkit/broker"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

type errorResponse struct {
	Error string `json:"error"`
}

// Client calls the upload API with a bearer token.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// New creates a Client. baseURL is the address of the API, without the /api prefix.
func New(client *retryablehttp.Client, baseURL, accessToken string, logger log.Logger) *Client {
	return &Client{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

func (c *Client) InitiateUpload(ctx context.Context, req broker.InitiateRequest) (broker.InitiateResponse, error) {
	var resp broker.InitiateResponse
	err := c.do(ctx, http.MethodPost, "/api/files/upload/initiate", req, http.StatusOK, &resp)
	return resp, err
}

func (c *Client) PartURL(ctx context.Context, req broker.PartURLRequest) (broker.PartURLResponse, error) {
	var resp broker.PartURLResponse
	err := c.do(ctx, http.MethodPost, "/api/files/upload/part-url", req, http.StatusOK, &resp)
	return resp, err
}

func (c *Client) CompleteUpload(ctx context.Context, req broker.CompleteRequest) error {
	return c.do(ctx, http.MethodPost, "/api/files/upload/complete", req, http.StatusOK, nil)
}

func (c *Client) AbortUpload(ctx context.Context, req broker.AbortRequest) error {
	return c.do(ctx, http.MethodPost, "/api/files/upload/abort", req, http.StatusOK, nil)
}

func (c *Client) CreateUploadURL(ctx context.Context, req broker.UploadURLRequest) (broker.UploadURLResponse, error) {
	var resp broker.UploadURLResponse
	err := c.do(ctx, http.MethodPost, "/api/files/upload-url", req, http.StatusOK, &resp)
	return resp, err
}

// ListFiles returns the files of the caller. An empty webhookID lists all of them.
func (c *Client) ListFiles(ctx context.Context, webhookID string) ([]broker.FileRecord, error) {
	path := "/api/files"
	if webhookID != "" {
		path += "?webhookId=" + url.QueryEscape(webhookID)
	}

	var files []broker.FileRecord
	err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &files)
	return files, err
}

func (c *Client) GetFile(ctx context.Context, fileID string) (*broker.FileRecord, error) {
	var file broker.FileRecord
	if err := c.do(ctx, http.MethodGet, "/api/files/"+url.PathEscape(fileID), nil, http.StatusOK, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	return c.do(ctx, http.MethodDelete, "/api/files/"+url.PathEscape(fileID), nil, http.StatusNoContent, nil)
}

func (c *Client) ListWebhooks(ctx context.Context) ([]broker.Webhook, error) {
	var webhooks []broker.Webhook
	err := c.do(ctx, http.MethodGet, "/api/webhooks", nil, http.StatusOK, &webhooks)
	return webhooks, err
}

func (c *Client) CreateWebhook(ctx context.Context, req broker.CreateWebhookRequest) (*broker.Webhook, error) {
	var webhook broker.Webhook
	if err := c.do(ctx, http.MethodPost, "/api/webhooks", req, http.StatusCreated, &webhook); err != nil {
		return nil, err
	}
	return &webhook, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, webhookID string) error {
	return c.do(ctx, http.MethodDelete, "/api/webhooks/"+url.PathEscape(webhookID), nil, http.StatusNoContent, nil)
}

// do sends a JSON request and decodes the response into out, if it is not nil.
func (c *Client) do(ctx context.Context, method, path string, in interface{}, wantStatus int, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}

	var reqBody interface{}
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	if body != nil {
		req.Header.Set("Content-type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf("close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode != wantStatus {
		return unwrapError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// unwrapError maps the API error responses back to the broker errors.
func unwrapError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", broker.ErrInvalidRequest, errResp.Error)
	case resp.StatusCode == http.StatusNotFound && errResp.Error == "Webhook not found":
		return broker.ErrWebhookNotFound
	case resp.StatusCode == http.StatusNotFound && errResp.Error == "File not found":
		return broker.ErrFileNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.Join(broker.ErrUnauthorized, fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error))
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
}
