package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/sentinel/internal/models"
)

// TeamsConfig holds Microsoft Teams incoming-webhook settings.
type TeamsConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Validate checks the webhook URL.
func (c *TeamsConfig) Validate() error {
	return validateWebhookURL(c.WebhookURL)
}

// TeamsNotifier posts ticket notifications as Adaptive Cards.
type TeamsNotifier struct {
	hook *webhook
}

// NewTeamsNotifier creates a Teams notifier.
func NewTeamsNotifier(config TeamsConfig) (*TeamsNotifier, error) {
	hook, err := newWebhook("teams", config.WebhookURL, config.Timeout)
	if err != nil {
		return nil, err
	}
	return &TeamsNotifier{hook: hook}, nil
}

func (t *TeamsNotifier) Name() string { return "teams" }

// Send posts a notification to Teams.
func (t *TeamsNotifier) Send(ctx context.Context, n *Notification) error {
	return t.hook.post(ctx, t.buildPayload(n))
}

func (t *TeamsNotifier) Close() error { return nil }

const (
	adaptiveCardContentType = "application/vnd.microsoft.card.adaptive"
	adaptiveCardSchema      = "http://adaptivecards.io/schemas/adaptive-card.json"
	adaptiveCardVersion     = "1.4"
)

// cardElement is one Adaptive Card body element. Cards are loosely typed,
// so elements are built as maps rather than one struct per element kind.
type cardElement map[string]any

type teamsMessage struct {
	Type        string            `json:"type"`
	Attachments []teamsAttachment `json:"attachments"`
}

type teamsAttachment struct {
	ContentType string       `json:"contentType"`
	Content     adaptiveCard `json:"content"`
}

type adaptiveCard struct {
	Schema  string        `json:"$schema"`
	Type    string        `json:"type"`
	Version string        `json:"version"`
	Body    []cardElement `json:"body"`
}

func textElement(text string, opts ...func(cardElement)) cardElement {
	e := cardElement{"type": "TextBlock", "text": text, "wrap": true}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func large(e cardElement) {
	e["size"] = "Large"
	e["weight"] = "Bolder"
}

func factsElement(pairs [][2]string) cardElement {
	facts := make([]map[string]string, 0, len(pairs))
	for _, p := range pairs {
		facts = append(facts, map[string]string{"title": p[0], "value": p[1]})
	}
	return cardElement{"type": "FactSet", "facts": facts}
}

func (t *TeamsNotifier) buildPayload(n *Notification) teamsMessage {
	emoji := priorityEmoji(n.Priority)

	header := cardElement{
		"type":  "Container",
		"style": teamsPriorityStyle(n.Priority),
		"items": []cardElement{
			textElement(fmt.Sprintf("%s Sentinel ticket #%d", emoji, n.TicketID), large),
		},
	}

	facts := [][2]string{
		{"Priority", emoji + " " + strings.ToUpper(string(n.Priority))},
		{"Detected", n.Timestamp.Format("2006-01-02 15:04:05 MST")},
		{"Source", string(n.Source)},
	}
	if n.Subject != "" {
		facts = append(facts, [2]string{"Subject", n.Subject})
	}
	for _, k := range n.FactKeys() {
		facts = append(facts, [2]string{k, n.Facts[k]})
	}

	return teamsMessage{
		Type: "message",
		Attachments: []teamsAttachment{{
			ContentType: adaptiveCardContentType,
			Content: adaptiveCard{
				Schema:  adaptiveCardSchema,
				Type:    "AdaptiveCard",
				Version: adaptiveCardVersion,
				Body: []cardElement{
					header,
					textElement("**Objective:** " + truncate(n.Title, 500)),
					factsElement(facts),
				},
			},
		}},
	}
}

// teamsPriorityStyle maps a priority to an Adaptive Card container style.
func teamsPriorityStyle(p models.Priority) string {
	switch p {
	case models.PriorityCritical:
		return "attention"
	case models.PriorityHigh:
		return "warning"
	case models.PriorityMedium:
		return "accent"
	case models.PriorityLow:
		return "good"
	default:
		return "default"
	}
}
