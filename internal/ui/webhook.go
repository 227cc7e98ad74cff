package ui

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookPayload is the body posted for each notification.
type WebhookPayload struct {
	EventType      string    `json:"event_type"`
	Timestamp      time.Time `json:"timestamp"`
	NotificationID string    `json:"notification_id,omitempty"`
	Title          string    `json:"title"`
	Body           string    `json:"body,omitempty"`
}

// WebhookNotifier posts notifications to a URL with HMAC signing and retry.
type WebhookNotifier struct {
	url        string
	secret     string
	client     *http.Client
	logger     zerolog.Logger
	maxRetries int
	backoff    time.Duration
}

// NewWebhookNotifier creates a webhook notifier. An empty secret disables signing.
func NewWebhookNotifier(url, secret string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		secret:     secret,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "webhook_notifier").Logger(),
		maxRetries: 3,
		backoff:    time.Second,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(WebhookPayload{
		EventType:      "desktop_notification",
		Timestamp:      time.Now().UTC(),
		NotificationID: n.ID,
		Title:          n.Title,
		Body:           n.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * w.backoff
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			w.logger.Debug().
				Int("attempt", attempt+1).
				Msg("retrying webhook")
		}

		lastErr = w.doSend(ctx, body)
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", w.maxRetries, lastErr)
}

// doSend performs a single webhook HTTP request.
func (w *WebhookNotifier) doSend(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if w.secret != "" {
		req.Header.Set("X-Keldris-Signature", computeHMAC(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.logger.Info().
			Int("status", resp.StatusCode).
			Msg("webhook notification sent")
		return nil
	}

	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

// computeHMAC computes an HMAC-SHA256 signature for the given payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
