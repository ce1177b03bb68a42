package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/smartprice/price-watcher/internal/models"
)

// WebhookChannel posts a MessageCard-style JSON payload to a chat webhook
// (Teams, Slack-compatible endpoints, and similar).
type WebhookChannel struct {
	client *resty.Client
}

var _ Channel = (*WebhookChannel)(nil)

// webhookMessage is the card payload posted to the endpoint.
type webhookMessage struct {
	Type    string        `json:"@type"`
	Context string        `json:"@context"`
	Title   string        `json:"title"`
	Text    string        `json:"text"`
	Facts   []webhookFact `json:"facts,omitempty"`
}

type webhookFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewWebhookChannel creates a webhook channel with the given request timeout.
func NewWebhookChannel(timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{client: resty.New().SetTimeout(timeout)}
}

func (c *WebhookChannel) Kind() models.ChannelKind { return models.ChannelWebhook }

// Send posts the card to the webhook URL in cfg. 4xx responses mean the
// endpoint rejects us for good (invalid or revoked webhook) and are
// permanent; 5xx and transport errors are transient.
func (c *WebhookChannel) Send(ctx context.Context, cfg models.ChannelConfig, n Notification) error {
	message := webhookMessage{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
		Title:   n.Subject(),
		Text:    n.Body(),
		Facts: []webhookFact{
			{Name: "Target", Value: n.TargetID},
			{Name: "Change", Value: string(n.Kind)},
			{Name: "Observed", Value: n.ObservedAt.Format(time.RFC3339)},
		},
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(message).
		Post(cfg.Address)

	if err != nil {
		return deliveryError(n.TargetID, false, fmt.Errorf("failed to post webhook: %w", err))
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500:
		return deliveryError(n.TargetID, true,
			fmt.Errorf("webhook returned status %d: %s", status, string(resp.Body())))
	default:
		return deliveryError(n.TargetID, false,
			fmt.Errorf("webhook returned status %d: %s", status, string(resp.Body())))
	}
}
