package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clientpilot/clientpilot/internal/data"
	"github.com/clientpilot/clientpilot/internal/domain/model"
)

func newCacheFixture(t *testing.T, clock *data.FixedTimeProvider, opts CacheOptions) (*ResponseCacheService, *data.MemoryGenCacheRepo) {
	t.Helper()
	repo := data.NewMemoryGenCacheRepo(clock)
	opts.Repo = repo
	opts.TimeProvider = clock
	svc, err := NewResponseCacheService(opts)
	require.NoError(t, err)
	return svc, repo
}

func testClock() *data.FixedTimeProvider {
	return &data.FixedTimeProvider{T: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)}
}

func TestResponseCache_KeyNormalization(t *testing.T) {
	svc, _ := newCacheFixture(t, testClock(), CacheOptions{StripStopwords: true})

	base := model.GenerationRequest{Prompt: "Write a monthly plan", Model: "gpt-4o", Temperature: 0.7, MaxTokens: 512}

	reworded := base
	reworded.Prompt = "please   write THE monthly plan"
	assert.Equal(t, svc.Key(base), svc.Key(reworded), "case, whitespace, and stop words are normalized away")

	different := base
	different.Prompt = "Write a weekly plan"
	assert.NotEqual(t, svc.Key(base), svc.Key(different))

	otherModel := base
	otherModel.Model = "gpt-4o-mini"
	assert.NotEqual(t, svc.Key(base), svc.Key(otherModel), "model is part of the key")

	hotter := base
	hotter.Temperature = 0.9
	assert.NotEqual(t, svc.Key(base), svc.Key(hotter), "temperature is part of the key")
}

func TestResponseCache_StopwordStrippingIsOptional(t *testing.T) {
	strict, _ := newCacheFixture(t, testClock(), CacheOptions{StripStopwords: false})

	a := model.GenerationRequest{Prompt: "write the plan", Model: "gpt-4o"}
	b := model.GenerationRequest{Prompt: "write plan", Model: "gpt-4o"}
	assert.NotEqual(t, strict.Key(a), strict.Key(b))
}

func TestResponseCache_StoreThenLookupHit(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	svc, repo := newCacheFixture(t, clock, CacheOptions{})

	req := model.GenerationRequest{Prompt: "month two plan for c1", Model: "gpt-4o"}
	svc.Store(ctx, req, &model.GenerationResult{Response: "plan body", TokensUsed: 420, Cost: 0.02})

	hit := svc.Lookup(ctx, req)
	require.NotNil(t, hit)
	assert.True(t, hit.Cached)
	assert.Equal(t, "plan body", hit.Response)
	assert.Equal(t, int64(420), hit.TokensUsed)
	assert.Zero(t, hit.Cost, "a hit costs nothing")

	entry, err := repo.Get(ctx, svc.Key(req))
	require.NoError(t, err)
	assert.EqualValues(t, 1, entry.HitCount)
	assert.EqualValues(t, 420, entry.TokensSaved)
}

func TestResponseCache_ExpiredEntryIsAMissAndDeleted(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	svc, repo := newCacheFixture(t, clock, CacheOptions{TTL: time.Hour})

	req := model.GenerationRequest{Prompt: "expiring prompt", Model: "gpt-4o"}
	svc.Store(ctx, req, &model.GenerationResult{Response: "stale", TokensUsed: 10})

	clock.T = clock.T.Add(2 * time.Hour)
	assert.Nil(t, svc.Lookup(ctx, req))

	_, err := repo.Get(ctx, svc.Key(req))
	assert.ErrorIs(t, err, data.ErrCacheEntryNotFound)
}

func TestResponseCache_StoreEnforcesLRUCap(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	svc, repo := newCacheFixture(t, clock, CacheOptions{MaxEntries: 3})

	var reqs []model.GenerationRequest
	for i := 0; i < 3; i++ {
		req := model.GenerationRequest{Prompt: fmt.Sprintf("prompt %d", i), Model: "gpt-4o"}
		reqs = append(reqs, req)
		svc.Store(ctx, req, &model.GenerationResult{Response: "r", TokensUsed: 1})
		clock.T = clock.T.Add(time.Minute)
	}

	// Touch the oldest so it is no longer the eviction candidate.
	require.NotNil(t, svc.Lookup(ctx, reqs[0]))
	clock.T = clock.T.Add(time.Minute)

	overflow := model.GenerationRequest{Prompt: "prompt 3", Model: "gpt-4o"}
	svc.Store(ctx, overflow, &model.GenerationResult{Response: "r", TokensUsed: 1})

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = repo.Get(ctx, svc.Key(reqs[1]))
	assert.ErrorIs(t, err, data.ErrCacheEntryNotFound, "least recently used entry was evicted")
	assert.NotNil(t, svc.Lookup(ctx, reqs[0]))
}

func TestResponseCache_CachedResultsAreNotReStored(t *testing.T) {
	ctx := context.Background()
	svc, repo := newCacheFixture(t, testClock(), CacheOptions{})

	req := model.GenerationRequest{Prompt: "hit", Model: "gpt-4o"}
	svc.Store(ctx, req, &model.GenerationResult{Response: "r", TokensUsed: 1, Cached: true})

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResponseCache_SweepExpired(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	svc, _ := newCacheFixture(t, clock, CacheOptions{TTL: time.Hour})

	svc.Store(ctx, model.GenerationRequest{Prompt: "a", Model: "m"}, &model.GenerationResult{Response: "r"})
	clock.T = clock.T.Add(30 * time.Minute)
	svc.Store(ctx, model.GenerationRequest{Prompt: "b", Model: "m"}, &model.GenerationResult{Response: "r"})

	clock.T = clock.T.Add(45 * time.Minute)
	removed, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	n, err := svc.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
