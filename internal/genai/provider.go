// Package genai implements the generation provider client.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
)

const (
	defaultTimeout   = 2 * time.Minute
	maxResponseBytes = 4 << 20
)

// HTTPProviderOptions configure an HTTPProvider.
type HTTPProviderOptions struct {
	// BaseURL of the provider API, without a trailing slash.
	BaseURL string
	APIKey  string
	// CostPerThousandTokens prices responses from providers that do not
	// report cost themselves.
	CostPerThousandTokens float64
	Timeout               time.Duration
	HTTPClient            *http.Client
	Logger                *slog.Logger
}

// HTTPProvider calls a language model over its HTTP completion endpoint.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	costPer1K  float64
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(opts HTTPProviderOptions) (*HTTPProvider, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("provider base URL is required")
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

	return &HTTPProvider{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		costPer1K:  opts.CostPerThousandTokens,
		httpClient: httpClient,
		logger:     logger.With("component", "genai"),
	}, nil
}

var _ core.GenerationProvider = (*HTTPProvider)(nil)

type completionRequest struct {
	Model        string  `json:"model"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Response   string  `json:"response"`
	TokensUsed int64   `json:"tokens_used"`
	Cost       float64 `json:"cost"`
}

// Complete runs one completion call against the provider.
func (p *HTTPProvider) Complete(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error) {
	body, err := json.Marshal(completionRequest{
		Model:        req.Model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp.StatusCode, raw)
	}

	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}

	cost := out.Cost
	if cost == 0 && p.costPer1K > 0 {
		cost = float64(out.TokensUsed) / 1000 * p.costPer1K
	}

	p.logger.DebugContext(ctx, "completion finished",
		"model", req.Model,
		"tokens_used", out.TokensUsed,
		"duration", time.Since(start),
	)

	return &model.GenerationResult{
		Response:   out.Response,
		TokensUsed: out.TokensUsed,
		Cost:       cost,
	}, nil
}

// statusError maps a provider failure onto the error taxonomy: client errors
// other than rate limits are permanent, everything else is retryable.
func (p *HTTPProvider) statusError(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}

	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.Internalf("provider rate limited: %s", detail)
	case status >= 400 && status < 500:
		return apperrors.Validationf("provider rejected request (%d): %s", status, detail)
	default:
		return apperrors.Internalf("provider error (%d): %s", status, detail)
	}
}
