// Package notify delivers user-facing notifications over a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/clientpilot/clientpilot/internal/core"
)

const defaultTimeout = 15 * time.Second

// WebhookSenderOptions configure a WebhookSender.
type WebhookSenderOptions struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// WebhookSender posts notification envelopes to a configured endpoint.
type WebhookSender struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookSender creates a WebhookSender.
func NewWebhookSender(opts WebhookSenderOptions) (*WebhookSender, error) {
	if opts.URL == "" {
		return nil, errors.New("webhook URL is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &WebhookSender{
		url:        opts.URL,
		httpClient: httpClient,
		logger:     logger.With("component", "notify"),
	}, nil
}

var _ core.NotificationSender = (*WebhookSender)(nil)

type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// Send posts one notification. Any non-2xx response is an error so the job
// queue retries delivery.
func (s *WebhookSender) Send(ctx context.Context, kind string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(envelope{Kind: kind, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}

	s.logger.DebugContext(ctx, "notification delivered", "kind", kind)
	return nil
}

// LogSender writes notifications to the log. It stands in when no webhook is
// configured so notification jobs still complete.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "notify")}
}

var _ core.NotificationSender = (*LogSender)(nil)

// Send logs the notification and succeeds.
func (s *LogSender) Send(ctx context.Context, kind string, payload json.RawMessage) error {
	s.logger.InfoContext(ctx, "notification", "kind", kind, "payload", string(payload))
	return nil
}
