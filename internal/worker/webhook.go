package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/good-yellow-bee/sentinel/internal/models"
)

// WebhookConfig configures the webhook remediator.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// Validate validates the webhook configuration.
func (c *WebhookConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("webhook URL must be http or https")
	}
	return nil
}

// WebhookRemediator posts the ticket as JSON and expects an Outcome back.
type WebhookRemediator struct {
	config     WebhookConfig
	httpClient *http.Client
}

// NewWebhookRemediator creates a webhook remediator.
func NewWebhookRemediator(config WebhookConfig) (*WebhookRemediator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid webhook config: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	return &WebhookRemediator{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Name returns "webhook".
func (r *WebhookRemediator) Name() string {
	return "webhook"
}

// Remediate sends the ticket and decodes {"status", "note"}.
func (r *WebhookRemediator) Remediate(ctx context.Context, ticket *models.Ticket) (Outcome, error) {
	body, err := json.Marshal(ticket)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal ticket: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range r.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Outcome{}, fmt.Errorf("webhook error: status %d, body: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Outcome
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return out, nil
}

// NoopRemediator leaves claimed tickets blocked for a human. It does not
// take violation tickets: those stay pending so the monitor keeps finding
// them open and does not file duplicates.
type NoopRemediator struct{}

// Name returns "noop".
func (NoopRemediator) Name() string { return "noop" }

// Sources lists the ticket sources the noop remediator claims.
func (NoopRemediator) Sources() []models.SourceType {
	return []models.SourceType{
		models.SourceHuman,
		models.SourceAnomaly,
		models.SourceScheduled,
		models.SourceWebhook,
	}
}

// Remediate marks the ticket blocked.
func (NoopRemediator) Remediate(ctx context.Context, ticket *models.Ticket) (Outcome, error) {
	return Outcome{Status: models.StatusBlocked, Note: "no remediator configured; waiting for manual action"}, nil
}
