package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// CachedAdvice is one stored advisory text
type CachedAdvice struct {
	Key       string `db:"cache_key"`
	Provider  string `db:"provider"`
	Model     string `db:"model"`
	Advice    string `db:"advice"`
	CreatedAt int64  `db:"created_at"`
	HitCount  int    `db:"hit_count"`
}

// CacheStats summarises the cache table
type CacheStats struct {
	Entries int   `db:"entries" json:"entries"`
	Hits    int64 `db:"hits" json:"hits"`
}

// AdvisoryCache stores generated advice keyed by model and prompt.
// Only successful advice is stored; student records are never persisted.
type AdvisoryCache struct {
	db     *sqlx.DB
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// CacheConfig locates the cache database
type CacheConfig struct {
	Driver string
	DSN    string
	TTL    time.Duration
}

// OpenAdvisoryCache connects, migrates and returns the cache
func OpenAdvisoryCache(cfg CacheConfig, logger *zap.Logger) (*AdvisoryCache, error) {
	db, err := Connect(cfg.Driver, cfg.DSN, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, cfg.Driver, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Advisory cache initialized",
		zap.String("driver", cfg.Driver),
		zap.Duration("ttl", cfg.TTL))

	return NewAdvisoryCache(db, cfg.TTL, logger), nil
}

// NewAdvisoryCache wraps an already migrated database
func NewAdvisoryCache(db *sqlx.DB, ttl time.Duration, logger *zap.Logger) *AdvisoryCache {
	return &AdvisoryCache{
		db:     db,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// CacheKey is the SHA-256 of model and prompt
func CacheKey(model, prompt string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + prompt))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached advice for key. Expired entries are misses.
func (r *AdvisoryCache) Get(ctx context.Context, key string) (*CachedAdvice, bool, error) {
	var entry CachedAdvice
	err := r.db.GetContext(ctx, &entry, r.db.Rebind(`
		SELECT cache_key, provider, model, advice, created_at, hit_count
		FROM advisory_cache
		WHERE cache_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read advisory cache: %w", err)
	}

	if r.ttl > 0 && r.now().Sub(time.Unix(entry.CreatedAt, 0)) > r.ttl {
		return nil, false, nil
	}

	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE advisory_cache SET hit_count = hit_count + 1 WHERE cache_key = ?`), key); err != nil {
		r.logger.Warn("Failed to bump advisory cache hit count", zap.Error(err))
	}
	entry.HitCount++

	return &entry, true, nil
}

// Put stores or replaces advice for entry.Key
func (r *AdvisoryCache) Put(ctx context.Context, entry CachedAdvice) error {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = r.now().Unix()
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO advisory_cache (cache_key, provider, model, advice, created_at, hit_count)
		VALUES (:cache_key, :provider, :model, :advice, :created_at, 0)
		ON CONFLICT (cache_key) DO UPDATE SET
			provider = excluded.provider,
			model = excluded.model,
			advice = excluded.advice,
			created_at = excluded.created_at,
			hit_count = 0`, entry)
	if err != nil {
		return fmt.Errorf("failed to write advisory cache: %w", err)
	}
	return nil
}

// Purge deletes entries created before cutoff
func (r *AdvisoryCache) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM advisory_cache WHERE created_at < ?`), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge advisory cache: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts entries and total hits
func (r *AdvisoryCache) Stats(ctx context.Context) (CacheStats, error) {
	var stats CacheStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT COUNT(*) AS entries, COALESCE(SUM(hit_count), 0) AS hits
		FROM advisory_cache`)
	if err != nil {
		return CacheStats{}, fmt.Errorf("failed to read advisory cache stats: %w", err)
	}
	return stats, nil
}

// Ping checks the database connection
func (r *AdvisoryCache) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database
func (r *AdvisoryCache) Close() error {
	return r.db.Close()
}
