// SPDX-License-Identifier: MIT

// Package alert delivers best-effort operator notifications. Failures are
// logged and never surfaced to callers.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Severity classifies a notification for the operator channel.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is the payload delivered to the operator webhook.
type Notification struct {
	ID        string         `json:"id"`
	Severity  Severity       `json:"severity"`
	Event     string         `json:"event"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers notifications. Implementations must be best-effort and
// must never block longer than their per-attempt deadline.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier silently discards every notification. Used when no webhook URL
// is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// WebhookNotifier POSTs notifications as JSON to a configured URL.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewWebhook creates a webhook notifier. Sends beyond the rate limit are
// dropped rather than queued; operator channels do not need a backlog of
// stale alerts.
func NewWebhook(url string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
		logger:  logger.With().Str("component", "alert").Logger(),
	}
}

// Notify delivers a single notification. Always returns nil after logging
// delivery problems; alerting must never fail an operation.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if !w.limiter.Allow() {
		w.logger.Warn().Str("event", "alert.dropped").Str("alert_event", n.Event).
			Msg("notification dropped by rate limiter")
		return nil
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(n)
	if err != nil {
		w.logger.Error().Err(err).Str("alert_event", n.Event).Msg("failed to encode notification")
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error().Err(err).Str("alert_event", n.Event).Msg("failed to build webhook request")
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn().Err(err).Str("event", "alert.send_failed").Str("alert_event", n.Event).
			Msg("webhook delivery failed")
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		w.logger.Warn().Str("event", "alert.send_failed").Str("alert_event", n.Event).
			Int("status", resp.StatusCode).
			Msg(fmt.Sprintf("webhook returned %d", resp.StatusCode))
		return nil
	}

	w.logger.Debug().Str("event", "alert.sent").Str("alert_event", n.Event).
		Str("severity", string(n.Severity)).Msg("notification delivered")
	return nil
}
