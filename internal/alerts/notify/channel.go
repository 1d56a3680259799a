package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	alerts "coldchain-cloud/internal/alerts/domain"
)

// Message is one rendered notification.
type Message struct {
	Subject string              `json:"subject"`
	Body    string              `json:"body"`
	Outcome alerts.AlertOutcome `json:"outcome"`
}

// Channel delivers rendered content.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

type webhookPayload struct {
	MsgType string       `json:"msgtype"`
	Text    webhookText  `json:"text"`
	Alert   webhookAlert `json:"alert"`
	Event   string       `json:"event"`
	SentAt  time.Time    `json:"sent_at"`
}

type webhookText struct {
	Content string `json:"content"`
}

type webhookAlert struct {
	ID              string `json:"id"`
	UnitID          string `json:"unit_id"`
	SiteID          string `json:"site_id"`
	OrganizationID  string `json:"organization_id"`
	Type            string `json:"type"`
	Severity        string `json:"severity"`
	Status          string `json:"status"`
	EscalationLevel int    `json:"escalation_level"`
}

// WebhookChannel posts notifications to an HTTP endpoint.
type WebhookChannel struct {
	url     string
	client  *http.Client
	headers map[string]string
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// WithHeader adds a static request header, e.g. an API key.
func WithHeader(key, value string) WebhookOption {
	return func(ch *WebhookChannel) {
		if key != "" {
			ch.headers[key] = value
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	channel := &WebhookChannel{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Name implements Channel.
func (w *WebhookChannel) Name() string { return "webhook" }

// Send posts a chat-compatible text payload carrying the alert summary.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if w == nil || w.url == "" {
		return errors.New("webhook channel: empty url")
	}
	alert := msg.Outcome.Alert
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: msg.Body},
		Event:   string(msg.Outcome.Action),
		SentAt:  time.Now().UTC(),
		Alert: webhookAlert{
			ID:              alert.ID,
			UnitID:          alert.UnitID,
			SiteID:          alert.SiteID,
			OrganizationID:  alert.OrganizationID,
			Type:            string(alert.Type),
			Severity:        string(alert.Severity),
			Status:          string(alert.Status),
			EscalationLevel: alert.EscalationLevel,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: non-2xx response %d", resp.StatusCode)
	}
	return nil
}

// LogChannel writes notifications to the service log. It is the fallback
// when no webhook is configured.
type LogChannel struct {
	logf func(msg Message)
}

// NewLogChannel constructs a channel that hands messages to logf.
func NewLogChannel(logf func(msg Message)) *LogChannel {
	return &LogChannel{logf: logf}
}

// Name implements Channel.
func (l *LogChannel) Name() string { return "log" }

// Send implements Channel.
func (l *LogChannel) Send(_ context.Context, msg Message) error {
	if l != nil && l.logf != nil {
		l.logf(msg)
	}
	return nil
}

// MultiChannel sends to every channel and joins their errors.
type MultiChannel struct {
	channels []Channel
}

// NewMultiChannel constructs a fan-out channel. Nil channels are skipped.
func NewMultiChannel(channels ...Channel) *MultiChannel {
	kept := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if ch != nil {
			kept = append(kept, ch)
		}
	}
	return &MultiChannel{channels: kept}
}

// Name implements Channel.
func (m *MultiChannel) Name() string { return "multi" }

// Send implements Channel.
func (m *MultiChannel) Send(ctx context.Context, msg Message) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, ch := range m.channels {
		if err := ch.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}
