package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/go-resty/resty/v2"
)

// SlogChannel escribe las alertas en el logger.
type SlogChannel struct {
	logger *slog.Logger
}

// NewSlogChannel crea un canal sobre logger (nil = slog.Default()).
func NewSlogChannel(logger *slog.Logger) *SlogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogChannel{logger: logger}
}

func (c *SlogChannel) Name() string { return "log" }

func (c *SlogChannel) Send(ctx context.Context, a domain.Alert) error {
	level := slog.LevelInfo
	switch a.Level {
	case domain.AlertWarning:
		level = slog.LevelWarn
	case domain.AlertCritical:
		level = slog.LevelError
	}
	attrs := []any{"kind", a.Kind, "market", a.MarketID, "ack", a.RequiresAck}
	for k, v := range a.Fields {
		attrs = append(attrs, k, v)
	}
	c.logger.Log(ctx, level, "ALERT: "+a.Message, attrs...)
	return nil
}

// WebhookChannel publica las alertas como JSON en un webhook.
type WebhookChannel struct {
	url    string
	client *resty.Client
}

type webhookPayload struct {
	Kind        string         `json:"kind"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	Market      string         `json:"market,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	RequiresAck bool           `json:"requires_ack"`
	At          time.Time      `json:"at"`
}

// NewWebhookChannel crea el canal con reintentos cortos.
func NewWebhookChannel(url string) *WebhookChannel {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &WebhookChannel{url: url, client: client}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, a domain.Alert) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(webhookPayload{
			Kind:        string(a.Kind),
			Level:       string(a.Level),
			Message:     a.Message,
			Market:      a.MarketID,
			Fields:      a.Fields,
			RequiresAck: a.RequiresAck,
			At:          a.At.UTC(),
		}).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
