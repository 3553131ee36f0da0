package sideeffects

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/outbox"
)

func TestWebhookSender_Deliver(t *testing.T) {
	var (
		gotKey  string
		gotBody webhookBody
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(HeaderIdempotencyKey)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewWebhookSender(server.URL, 0)

	err := sender.Deliver(context.Background(), models.SideEffect{
		Channel:     WebhookChannel,
		Name:        "post_ledger",
		DeliveryKey: "wi-1:post:2:post_ledger",
		Payload:     map[string]any{"amount": 12.5},
	})
	require.NoError(t, err)

	assert.Equal(t, "wi-1:post:2:post_ledger", gotKey)
	assert.Equal(t, "post_ledger", gotBody.Name)
	assert.InDelta(t, 12.5, gotBody.Payload["amount"], 0)
}

func TestWebhookSender_Classification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "server error", status: http.StatusBadGateway, retryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "bad request", status: http.StatusBadRequest, retryable: false},
		{name: "not found", status: http.StatusNotFound, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			err := NewWebhookSender("", 0).Deliver(context.Background(), models.SideEffect{
				Channel:     WebhookChannel,
				DeliveryKey: "k",
				Payload:     map[string]any{"url": server.URL},
			})
			require.Error(t, err)

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Equal(t, tt.retryable, outbox.IsRetryable(err))
			assert.Equal(t, !tt.retryable, outbox.IsFatal(err))
		})
	}
}

func TestWebhookSender_NoURL(t *testing.T) {
	err := NewWebhookSender("", 0).Deliver(context.Background(), models.SideEffect{Channel: WebhookChannel})
	require.ErrorIs(t, err, ErrMissingWebhookURL)
	assert.True(t, outbox.IsFatal(err))
}

func TestWebhookSender_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := NewWebhookSender(url, 0).Deliver(context.Background(), models.SideEffect{Channel: WebhookChannel, DeliveryKey: "k"})
	require.Error(t, err)
	assert.True(t, outbox.IsRetryable(err))
}
