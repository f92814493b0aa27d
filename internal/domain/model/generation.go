package model

import "errors"

// GenerationRequest is one call to the language model provider.
type GenerationRequest struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

// Validate checks the request fields.
func (r *GenerationRequest) Validate() error {
	if r.Prompt == "" {
		return errors.New("prompt is required")
	}
	if r.Model == "" {
		return errors.New("model is required")
	}
	if r.MaxTokens < 0 {
		return errors.New("max_tokens must not be negative")
	}
	return nil
}

// GenerationResult is the provider response plus accounting fields.
type GenerationResult struct {
	Response   string  `json:"response"`
	TokensUsed int64   `json:"tokens_used"`
	Cost       float64 `json:"cost"`
	Cached     bool    `json:"cached"`
}
