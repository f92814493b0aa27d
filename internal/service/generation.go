package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
)

// GenerationOptions configure a GenerationService.
type GenerationOptions struct {
	Provider core.GenerationProvider
	Cache    *ResponseCacheService
	Budget   *BudgetService
	Logger   *slog.Logger
}

// GenerationService is the single path to the language model: budget
// admission first, then the response cache, then the provider, with usage
// accounting and caching on the way out.
type GenerationService struct {
	provider core.GenerationProvider
	cache    *ResponseCacheService
	budget   *BudgetService
	logger   *slog.Logger
}

// NewGenerationService creates a GenerationService.
func NewGenerationService(opts GenerationOptions) (*GenerationService, error) {
	if opts.Provider == nil {
		return nil, errors.New("generation provider is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("response cache is required")
	}
	if opts.Budget == nil {
		return nil, errors.New("budget service is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GenerationService{
		provider: opts.Provider,
		cache:    opts.Cache,
		budget:   opts.Budget,
		logger:   logger.With("component", "generation"),
	}, nil
}

// Generate runs one generation request. A budget denial returns a
// budget_exceeded error before any provider call; a cache hit returns without
// consuming budget. Usage accounting failures never discard a paid-for
// response.
func (s *GenerationService) Generate(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid generation request")
	}

	if err := s.budget.CheckAdmission(ctx); err != nil {
		return nil, err
	}

	if cached := s.cache.Lookup(ctx, req); cached != nil {
		s.logger.InfoContext(ctx, "generation served from cache",
			"model", req.Model,
			"tokens_saved", cached.TokensUsed,
		)
		// Hits count tokens at zero cost so token budgets still see demand.
		if usageErr := s.budget.RecordUsage(ctx, cached.TokensUsed, 0); usageErr != nil {
			s.logger.ErrorContext(ctx, "usage accounting failed on cache hit", "error", usageErr)
		}
		return cached, nil
	}

	start := time.Now()
	result, err := s.provider.Complete(ctx, req)
	if err != nil {
		// The provider classifies its own failures; the code must reach the
		// dispatcher intact so permanent rejections are not retried.
		if apperrors.GetCode(err) != "" {
			return nil, err
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "generation provider call failed")
	}

	s.logger.InfoContext(ctx, "generation completed",
		"model", req.Model,
		"tokens_used", result.TokensUsed,
		"cost", result.Cost,
		"duration", time.Since(start),
	)

	if usageErr := s.budget.RecordUsage(ctx, result.TokensUsed, result.Cost); usageErr != nil {
		s.logger.ErrorContext(ctx, "usage accounting failed, returning result anyway", "error", usageErr)
	}
	s.cache.Store(ctx, req, result)

	return result, nil
}
