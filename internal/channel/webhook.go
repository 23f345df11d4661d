package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type WebhookConfig struct {
	// Target is the delivery target the webhook stands in for. Defaults to push.
	Target  string
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// WebhookChannel relays notifications as JSON to an HTTP endpoint, typically
// a web-push gateway.
type WebhookChannel struct {
	client *http.Client
	config WebhookConfig
	logger *zap.Logger
}

func NewWebhookChannel(cfg WebhookConfig, logger *zap.Logger) *WebhookChannel {
	if cfg.Target == "" {
		cfg.Target = TargetPush
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &WebhookChannel{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger.Named("channel.webhook"),
	}
}

func (c *WebhookChannel) Name() string { return c.config.Target }

func (c *WebhookChannel) Permission(ctx context.Context, to Contact) (Permission, error) {
	return addressPermission(c.config.URL), nil
}

func (c *WebhookChannel) RequestPermission(ctx context.Context, to Contact) (Permission, error) {
	return c.Permission(ctx, to)
}

type webhookBody struct {
	ID     string         `json:"id"`
	UserID string         `json:"user_id"`
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
	Silent bool           `json:"silent"`
	// Endpoint is the device subscription the gateway should push to.
	Endpoint string `json:"endpoint,omitempty"`
}

func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if c.config.URL == "" {
		return fmt.Errorf("webhook url not configured")
	}

	payload, err := json.Marshal(webhookBody{
		ID:       msg.ID,
		UserID:   msg.UserID,
		Type:     msg.Type,
		Title:    msg.Title,
		Body:     msg.Body,
		Data:     msg.Data,
		Silent:   msg.Silent,
		Endpoint: msg.To.PushEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Compass/1.0.0")
	req.Header.Set("X-Compass-Notification-ID", msg.ID)
	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	c.logger.Info("webhook delivered successfully",
		zap.String("id", msg.ID),
		zap.String("url", c.config.URL),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}
