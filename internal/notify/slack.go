// Package notify pushes operator alerts for runs that end in error.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gojektech/heimdall/v6/httpclient"
	"github.com/pquerna/ffjson/ffjson"
)

// SlackWebhook posts plain text messages to an incoming webhook.
type SlackWebhook struct {
	httpClient *httpclient.Client
	url        string
}

type slackWebhookRQ struct {
	Text string `json:"text"`
}

func NewSlackWebhook(url string, timeout time.Duration) *SlackWebhook {
	return &SlackWebhook{
		httpClient: httpclient.NewClient(httpclient.WithHTTPTimeout(timeout)),
		url:        url,
	}
}

// Alert sends text. It is a no-op when no webhook is configured.
func (s *SlackWebhook) Alert(ctx context.Context, text string) error {
	if s == nil || s.url == "" {
		return nil
	}
	payload, err := ffjson.Marshal(&slackWebhookRQ{Text: text})
	if err != nil {
		return fmt.Errorf("encode slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}
