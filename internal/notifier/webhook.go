package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultWebhookTimeout = 30 * time.Second

// webhook posts JSON payloads to a chat incoming-webhook endpoint.
type webhook struct {
	channel string
	url     string
	client  *http.Client
}

func newWebhook(channel, rawURL string, timeout time.Duration) (*webhook, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", channel, err)
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &webhook{
		channel: channel,
		url:     rawURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func validateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("webhook URL is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("webhook URL %q is not absolute", rawURL)
	}
	if u.Scheme != "https" {
		return errors.New("webhook URL must use HTTPS")
	}
	return nil
}

// post sends payload and treats any 2xx reply as delivered. Power Automate
// flows answer 202, classic connectors 200.
func (w *webhook) post(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", w.channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s request: %w", w.channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", w.channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s webhook: status %d, body: %s", w.channel, resp.StatusCode, body)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
