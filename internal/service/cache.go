package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/data"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	"github.com/clientpilot/clientpilot/internal/observability/metrics"
	"github.com/clientpilot/clientpilot/internal/observability/statsd"
)

// DefaultCacheTTL is how long a cached response stays servable.
const DefaultCacheTTL = 24 * time.Hour

// stopWords are dropped during prompt normalization so trivially reworded
// prompts ("write the plan" vs "please write a plan") share a cache key.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "for": true, "in": true,
	"of": true, "on": true, "or": true, "please": true, "the": true,
	"to": true, "with": true,
}

// CacheOptions configure a ResponseCacheService.
type CacheOptions struct {
	Repo         core.ResponseCacheRepository
	Logger       *slog.Logger
	Sink         statsd.Sink
	TimeProvider data.TimeProvider
	// TTL for new entries. Defaults to DefaultCacheTTL.
	TTL time.Duration
	// MaxEntries caps the cache; least-recently-used entries beyond it are
	// evicted after every store. Defaults to model.DefaultCacheMaxEntries.
	MaxEntries int
	// StripStopwords removes common filler words during normalization.
	StripStopwords bool
}

// ResponseCacheService caches generation responses keyed by a hash of the
// normalized request. Lookups never fail a generation: every cache error
// degrades to a miss.
type ResponseCacheService struct {
	repo           core.ResponseCacheRepository
	logger         *slog.Logger
	sink           statsd.Sink
	timeProvider   data.TimeProvider
	ttl            time.Duration
	maxEntries     int
	stripStopwords bool
}

// NewResponseCacheService creates a ResponseCacheService.
func NewResponseCacheService(opts CacheOptions) (*ResponseCacheService, error) {
	if opts.Repo == nil {
		return nil, errors.New("cache repository is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = data.RealTimeProvider{}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = model.DefaultCacheMaxEntries
	}

	return &ResponseCacheService{
		repo:           opts.Repo,
		logger:         logger.With("component", "response_cache"),
		sink:           opts.Sink,
		timeProvider:   tp,
		ttl:            ttl,
		maxEntries:     maxEntries,
		stripStopwords: opts.StripStopwords,
	}, nil
}

// Key derives the cache key for a request: xxhash64 over the normalized
// prompt and every parameter that changes the response.
func (s *ResponseCacheService) Key(req model.GenerationRequest) string {
	h := xxhash.New()
	_, _ = h.WriteString(s.normalize(req.Prompt))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(s.normalize(req.SystemPrompt))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(req.Model)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(strconv.FormatFloat(req.Temperature, 'f', -1, 64))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(strconv.Itoa(req.MaxTokens))
	return fmt.Sprintf("%016x", h.Sum64())
}

// normalize lowercases, collapses whitespace, and optionally strips stop
// words so equivalent prompts hash identically.
func (s *ResponseCacheService) normalize(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	if !s.stripStopwords {
		return strings.Join(fields, " ")
	}

	kept := fields[:0]
	for _, w := range fields {
		if !stopWords[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// Lookup returns the cached result for a request, or nil on a miss. An
// expired entry is deleted lazily and reported as a miss.
func (s *ResponseCacheService) Lookup(ctx context.Context, req model.GenerationRequest) *model.GenerationResult {
	key := s.Key(req)
	now := s.timeProvider.Now()

	entry, err := s.repo.Get(ctx, key)
	switch {
	case errors.Is(err, data.ErrCacheEntryNotFound):
		metrics.EmitCacheLookup(s.sink, req.Model, false, 0)
		return nil
	case err != nil:
		s.logger.WarnContext(ctx, "cache lookup failed, treating as miss", "key", key, "error", err)
		metrics.EmitCacheLookup(s.sink, req.Model, false, 0)
		return nil
	}

	if entry.Expired(now) {
		if delErr := s.repo.Delete(ctx, key); delErr != nil {
			s.logger.WarnContext(ctx, "expired cache entry delete failed", "key", key, "error", delErr)
		}
		metrics.EmitCacheLookup(s.sink, req.Model, false, 0)
		return nil
	}

	if touchErr := s.repo.Touch(ctx, key, entry.TokenCount, now); touchErr != nil {
		s.logger.WarnContext(ctx, "cache hit accounting failed", "key", key, "error", touchErr)
	}
	metrics.EmitCacheLookup(s.sink, req.Model, true, entry.TokenCount)

	return &model.GenerationResult{
		Response:   entry.Response,
		TokensUsed: entry.TokenCount,
		Cost:       0,
		Cached:     true,
	}
}

// Store caches a fresh provider result and enforces the LRU cap. Failures are
// logged and swallowed; caching is best effort.
func (s *ResponseCacheService) Store(ctx context.Context, req model.GenerationRequest, result *model.GenerationResult) {
	if result == nil || result.Cached {
		return
	}

	key := s.Key(req)
	now := s.timeProvider.Now()
	entry := &model.CacheEntry{
		Key:        key,
		Model:      req.Model,
		Response:   result.Response,
		TokenCount: result.TokensUsed,
		ExpiresAt:  now.Add(s.ttl),
		LastUsedAt: now,
		CreatedAt:  now,
	}
	if err := s.repo.Put(ctx, entry); err != nil {
		s.logger.WarnContext(ctx, "cache store failed", "key", key, "error", err)
		return
	}

	evicted, err := s.repo.EvictLRU(ctx, s.maxEntries)
	if err != nil {
		s.logger.WarnContext(ctx, "cache eviction failed", "error", err)
		return
	}
	if evicted > 0 {
		s.logger.InfoContext(ctx, "evicted least-recently-used cache entries", "count", evicted)
	}
}

// Invalidate removes one entry by request.
func (s *ResponseCacheService) Invalidate(ctx context.Context, req model.GenerationRequest) error {
	return s.repo.Delete(ctx, s.Key(req))
}

// SweepExpired removes entries past their TTL and returns how many went.
func (s *ResponseCacheService) SweepExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.timeProvider.Now())
}

// Size returns the current number of cached entries.
func (s *ResponseCacheService) Size(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
