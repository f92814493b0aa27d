package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewHTTPProvider(HTTPProviderOptions{BaseURL: srv.URL, APIKey: "test-key"})
	require.NoError(t, err)
	return p
}

func TestHTTPProvider_Complete(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.Equal(t, "month one plan", req.Prompt)

		_ = json.NewEncoder(w).Encode(completionResponse{
			Response:   "the plan",
			TokensUsed: 640,
			Cost:       0.032,
		})
	})

	result, err := p.Complete(context.Background(), model.GenerationRequest{
		Prompt: "month one plan",
		Model:  "gpt-4o",
	})
	require.NoError(t, err)
	assert.Equal(t, "the plan", result.Response)
	assert.EqualValues(t, 640, result.TokensUsed)
	assert.InDelta(t, 0.032, result.Cost, 0.0001)
	assert.False(t, result.Cached)
}

func TestHTTPProvider_ComputesCostWhenMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(completionResponse{Response: "r", TokensUsed: 2000})
	}))
	t.Cleanup(srv.Close)

	p, err := NewHTTPProvider(HTTPProviderOptions{BaseURL: srv.URL, CostPerThousandTokens: 0.01})
	require.NoError(t, err)

	result, err := p.Complete(context.Background(), model.GenerationRequest{Prompt: "p", Model: "m"})
	require.NoError(t, err)
	assert.InDelta(t, 0.02, result.Cost, 0.0001)
}

func TestHTTPProvider_ClientErrorIsPermanent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "prompt too long", http.StatusBadRequest)
	})

	_, err := p.Complete(context.Background(), model.GenerationRequest{Prompt: "p", Model: "m"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.True(t, apperrors.Permanent(err))
	assert.Contains(t, err.Error(), "prompt too long")
}

func TestHTTPProvider_RateLimitAndServerErrorsAreRetryable(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway} {
		p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		})

		_, err := p.Complete(context.Background(), model.GenerationRequest{Prompt: "p", Model: "m"})
		require.Error(t, err)
		assert.False(t, apperrors.Permanent(err), "status %d must be retryable", status)
	}
}
