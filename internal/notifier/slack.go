package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/sentinel/internal/models"
)

// SlackConfig holds Slack incoming-webhook settings.
type SlackConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Validate checks the webhook URL.
func (c *SlackConfig) Validate() error {
	return validateWebhookURL(c.WebhookURL)
}

// SlackNotifier posts ticket notifications as Block Kit messages.
type SlackNotifier struct {
	hook *webhook
}

// NewSlackNotifier creates a Slack notifier.
func NewSlackNotifier(config SlackConfig) (*SlackNotifier, error) {
	hook, err := newWebhook("slack", config.WebhookURL, config.Timeout)
	if err != nil {
		return nil, err
	}
	return &SlackNotifier{hook: hook}, nil
}

func (s *SlackNotifier) Name() string { return "slack" }

// Send posts a notification to Slack.
func (s *SlackNotifier) Send(ctx context.Context, n *Notification) error {
	return s.hook.post(ctx, s.buildPayload(n))
}

func (s *SlackNotifier) Close() error { return nil }

// slackMessage represents the Slack webhook payload.
type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

// slackBlock represents a Slack Block Kit block.
type slackBlock struct {
	Type     string           `json:"type"`
	Text     *slackText       `json:"text,omitempty"`
	Fields   []slackText      `json:"fields,omitempty"`
	Elements []slackText      `json:"elements,omitempty"`
}

// slackText represents text in Slack Block Kit.
type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// buildPayload builds the Slack Block Kit message payload.
func (s *SlackNotifier) buildPayload(n *Notification) slackMessage {
	emoji := priorityEmoji(n.Priority)
	timestamp := n.Timestamp.Format("2006-01-02 15:04:05 MST")

	blocks := []slackBlock{
		{
			Type: "header",
			Text: &slackText{
				Type:  "plain_text",
				Text:  fmt.Sprintf("%s Sentinel ticket #%d", emoji, n.TicketID),
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []slackText{
				{
					Type: "mrkdwn",
					Text: fmt.Sprintf("*Priority:*\n%s %s", emoji, strings.ToUpper(string(n.Priority))),
				},
				{
					Type: "mrkdwn",
					Text: fmt.Sprintf("*Detected:*\n%s", timestamp),
				},
			},
		},
		{
			Type: "section",
			Text: &slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*Objective:*\n%s", truncate(n.Title, 500)),
			},
		},
	}

	if len(n.Facts) > 0 {
		fields := make([]slackText, 0, len(n.Facts))
		for _, k := range n.FactKeys() {
			fields = append(fields, slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*%s:*\n%s", k, n.Facts[k]),
			})
		}
		// Slack allows at most 10 fields per section.
		for len(fields) > 0 {
			chunk := fields[:min(10, len(fields))]
			fields = fields[len(chunk):]
			blocks = append(blocks, slackBlock{Type: "section", Fields: chunk})
		}
	}

	blocks = append(blocks, slackBlock{
		Type: "context",
		Elements: []slackText{
			{
				Type: "mrkdwn",
				Text: fmt.Sprintf("Source: `%s` %s", n.Source, n.Subject),
			},
		},
	})

	return slackMessage{Blocks: blocks}
}

// priorityEmoji returns an emoji for the ticket priority.
func priorityEmoji(p models.Priority) string {
	switch p {
	case models.PriorityCritical:
		return "\U0001F534" // red circle
	case models.PriorityHigh:
		return "\U0001F7E0" // orange circle
	case models.PriorityMedium:
		return "\U0001F7E1" // yellow circle
	case models.PriorityLow:
		return "\U0001F7E2" // green circle
	default:
		return "\u26AA" // white circle
	}
}

// truncate truncates a string to max length with ellipsis.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
