package alerts

import (
	"context"

	"github.com/mbd888/quietguard/internal/realtime"
	"github.com/mbd888/quietguard/internal/webhooks"
)

// EventRiskAlert is the webhook event type for risk alerts.
const EventRiskAlert = "alert.risk"

// WebhookNotifier posts alerts to a push-delivery service as signed JSON.
type WebhookNotifier struct {
	sender *webhooks.Sender
}

// NewWebhookNotifier creates a notifier posting to url, signing with secret.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{sender: webhooks.NewSender(url, secret, "alert")}
}

// WithSender replaces the underlying sender.
func (n *WebhookNotifier) WithSender(s *webhooks.Sender) *WebhookNotifier {
	n.sender = s
	return n
}

type webhookPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Alert
}

// Send implements Notifier.
func (n *WebhookNotifier) Send(ctx context.Context, title, body string, payload Alert) error {
	return n.sender.Send(ctx, EventRiskAlert, webhookPayload{Title: title, Body: body, Alert: payload})
}

// Publisher is the slice of realtime.Hub used by HubNotifier.
type Publisher interface {
	Publish(userID string, eventType realtime.EventType, data any)
}

// HubNotifier streams alerts to the user's connected WebSocket clients.
type HubNotifier struct {
	hub Publisher
}

// NewHubNotifier creates a realtime notifier.
func NewHubNotifier(hub Publisher) *HubNotifier {
	return &HubNotifier{hub: hub}
}

// Send implements Notifier.
func (n *HubNotifier) Send(ctx context.Context, title, body string, payload Alert) error {
	n.hub.Publish(payload.UserID, realtime.EventAlert, map[string]any{
		"title": title,
		"body":  body,
		"alert": payload,
	})
	return nil
}
