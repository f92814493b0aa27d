package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// GenCacheRepo provides database operations for the generation response cache.
type GenCacheRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewGenCacheRepo creates a new GenCacheRepo.
func NewGenCacheRepo(db *sql.DB, cfg RepoConfig) *GenCacheRepo {
	return &GenCacheRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const cacheColumns = `
  key,
  model,
  response,
  token_count,
  hit_count,
  tokens_saved,
  expires_at,
  last_used_at,
  created_at
`

func scanCacheEntry(scanner interface{ Scan(...any) error }) (*model.CacheEntry, error) {
	var e model.CacheEntry
	if err := scanner.Scan(
		&e.Key,
		&e.Model,
		&e.Response,
		&e.TokenCount,
		&e.HitCount,
		&e.TokensSaved,
		&e.ExpiresAt,
		&e.LastUsedAt,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

// Get fetches an entry by key. Expiry is the caller's concern.
func (r *GenCacheRepo) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+cacheColumns+`
		FROM gen_cache
		WHERE key = $1
	`, key)

	e, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	return e, nil
}

// Put inserts or replaces an entry.
func (r *GenCacheRepo) Put(ctx context.Context, entry *model.CacheEntry) error {
	if entry == nil {
		return errors.New("cache entry is required")
	}

	currentTime := r.timeProvider.Now().UTC()
	lastUsed := entry.LastUsedAt
	if lastUsed.IsZero() {
		lastUsed = currentTime
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO gen_cache (key, model, response, token_count, hit_count, tokens_saved, expires_at, last_used_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $6)
		ON CONFLICT (key) DO UPDATE
		SET model = EXCLUDED.model,
		    response = EXCLUDED.response,
		    token_count = EXCLUDED.token_count,
		    expires_at = EXCLUDED.expires_at,
		    last_used_at = EXCLUDED.last_used_at
	`, entry.Key, entry.Model, entry.Response, entry.TokenCount, entry.ExpiresAt.UTC(), lastUsed.UTC())
	if err != nil {
		return mapPgError(fmt.Errorf("put cache entry: %w", err))
	}
	return nil
}

// Delete removes an entry by key. Missing keys are not an error.
func (r *GenCacheRepo) Delete(ctx context.Context, key string) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM gen_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Touch bumps hit accounting on a cache hit.
func (r *GenCacheRepo) Touch(ctx context.Context, key string, tokensSaved int64, usedAt time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE gen_cache
		SET hit_count = hit_count + 1,
		    tokens_saved = tokens_saved + $2,
		    last_used_at = $3
		WHERE key = $1
	`, key, tokensSaved, usedAt.UTC())
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	ra, raErr := res.RowsAffected()
	if raErr != nil {
		return fmt.Errorf("rows affected: %w", raErr)
	}
	if ra == 0 {
		return ErrCacheEntryNotFound
	}
	return nil
}

// EvictLRU removes least-recently-used entries beyond maxEntries.
func (r *GenCacheRepo) EvictLRU(ctx context.Context, maxEntries int) (int64, error) {
	if maxEntries <= 0 {
		maxEntries = model.DefaultCacheMaxEntries
	}

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM gen_cache
		WHERE key IN (
		  SELECT key FROM gen_cache
		  ORDER BY last_used_at DESC
		  OFFSET $1
		)
	`, maxEntries)
	if err != nil {
		return 0, fmt.Errorf("evict cache lru: %w", err)
	}
	ra, raErr := res.RowsAffected()
	if raErr != nil {
		return 0, fmt.Errorf("rows affected: %w", raErr)
	}
	return ra, nil
}

// DeleteExpired removes entries past their TTL.
func (r *GenCacheRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM gen_cache WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	ra, raErr := res.RowsAffected()
	if raErr != nil {
		return 0, fmt.Errorf("rows affected: %w", raErr)
	}
	return ra, nil
}

// Count returns the number of entries currently cached.
func (r *GenCacheRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM gen_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}
