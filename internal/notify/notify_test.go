package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSender_Send(t *testing.T) {
	var got envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	s, err := NewWebhookSender(WebhookSenderOptions{URL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), "budget_alert", json.RawMessage(`{"threshold":90}`)))
	assert.Equal(t, "budget_alert", got.Kind)
	assert.JSONEq(t, `{"threshold":90}`, string(got.Payload))
	assert.False(t, got.SentAt.IsZero())
}

func TestWebhookSender_NonSuccessStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	s, err := NewWebhookSender(WebhookSenderOptions{URL: srv.URL})
	require.NoError(t, err)

	err = s.Send(context.Background(), "budget_alert", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestLogSender_AlwaysSucceeds(t *testing.T) {
	s := NewLogSender(nil)
	assert.NoError(t, s.Send(context.Background(), "progress", json.RawMessage(`{}`)))
}
