package sideeffects

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/outbox"
)

const (
	// WebhookChannel is the side-effect channel delivered over HTTP.
	WebhookChannel = "webhook"

	// HeaderIdempotencyKey carries the delivery key so receivers can drop
	// repeated deliveries.
	HeaderIdempotencyKey = "Idempotency-Key"

	DefaultWebhookTimeout = 30 * time.Second
)

var ErrMissingWebhookURL = errors.New("webhook side effect has no url")

// HTTPError is a non-2xx webhook response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// WebhookSender POSTs side effects as JSON. The target is the payload "url"
// when present, otherwise the default URL. Responses of 5xx, 408 and 429 and
// transport errors are retried; other 4xx responses are final.
type WebhookSender struct {
	client     *http.Client
	defaultURL string
}

func NewWebhookSender(defaultURL string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}

	return &WebhookSender{
		client:     &http.Client{Timeout: timeout},
		defaultURL: defaultURL,
	}
}

type webhookBody struct {
	DeliveryKey string         `json:"delivery_key"`
	Channel     string         `json:"channel"`
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload"`
}

func (s *WebhookSender) Deliver(ctx context.Context, effect models.SideEffect) error {
	url, _ := effect.Payload["url"].(string)
	if url == "" {
		url = s.defaultURL
	}

	if url == "" {
		return outbox.Fatal(ErrMissingWebhookURL)
	}

	body, err := json.Marshal(webhookBody{
		DeliveryKey: effect.DeliveryKey,
		Channel:     effect.Channel,
		Name:        effect.Name,
		Payload:     effect.Payload,
	})
	if err != nil {
		return outbox.Fatal(fmt.Errorf("failed to encode webhook body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return outbox.Fatal(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, effect.DeliveryKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return outbox.Retryable(fmt.Errorf("request failed: %w", err))
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: string(msg)}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return outbox.Retryable(httpErr)
	default:
		return outbox.Fatal(httpErr)
	}
}
