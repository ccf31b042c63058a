// Package notify posts messages to chat webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// Message is the payload of a webhook post.
type Message struct {
	Content string `json:"content"`
}

// Sink delivers messages to a webhook and can take them back.
type Sink interface {
	// Post sends the message and returns the id of the created message.
	Post(ctx context.Context, webhookURL string, msg Message) (string, error)
	// Delete removes a previously posted message. A message that no longer exists is not an error.
	Delete(ctx context.Context, webhookURL, messageID string) error
}

type postResponse struct {
	ID string `json:"id"`
}

// Discord is a Sink for Discord channel webhooks.
type Discord struct {
	httpClient *retryablehttp.Client
	logger     log.Logger
}

// NewDiscord ...
func NewDiscord(client *retryablehttp.Client, logger log.Logger) *Discord {
	return &Discord{
		httpClient: client,
		logger:     logger,
	}
}

// Post sends the message with wait=true, so Discord answers with the created message.
func (d *Discord) Post(ctx context.Context, webhookURL string, msg Message) (string, error) {
	postURL, err := url.Parse(webhookURL)
	if err != nil {
		return "", fmt.Errorf("parse webhook URL: %w", err)
	}
	query := postURL.Query()
	query.Set("wait", "true")
	postURL.RawQuery = query.Encode()

	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, postURL.String(), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	defer d.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", unwrapError(resp)
	}

	var response postResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decode message: %w", err)
	}
	if response.ID == "" {
		return "", fmt.Errorf("no message id in response")
	}

	d.logger.Debugf("Posted message %s", response.ID)
	return response.ID, nil
}

// Delete removes the message from the channel of the webhook.
func (d *Discord) Delete(ctx context.Context, webhookURL, messageID string) error {
	deleteURL := fmt.Sprintf("%s/messages/%s", strings.TrimSuffix(webhookURL, "/"), url.PathEscape(messageID))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, nil)
	if err != nil {
		return err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	defer d.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		d.logger.Debugf("Message %s is already deleted", messageID)
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}
	return nil
}

func (d *Discord) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		d.logger.Printf("close response body: %s", err)
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(errorResp))
}
