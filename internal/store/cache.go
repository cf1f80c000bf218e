package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coldpot-sec/coldpot/internal/errs"
)

// CacheEntry is one (service, key) -> value row in enrichment_cache, the
// Tier 2 (Postgres) layer of the cache hierarchy described in spec.md §4.E.
type CacheEntry struct {
	Service   string
	Key       string
	Value     json.RawMessage
	ExpiresAt time.Time
}

// GetCacheEntry reads a Tier 2 entry. A missing or expired row is reported
// as (nil, nil): Tier 2 misses fall through to Tier 3/source lookup the
// same way a nil L1 hit does.
func (s *Store) GetCacheEntry(ctx context.Context, service, key string) (*CacheEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT service, key, value, expires_at FROM enrichment_cache
		WHERE service = $1 AND key = $2 AND expires_at > now()
	`, service, key)

	var e CacheEntry
	if err := row.Scan(&e.Service, &e.Key, &e.Value, &e.ExpiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get cache entry: %v", errs.ErrStorageIntegrity, err)
	}
	return &e, nil
}

// PutCacheEntry writes/refreshes a Tier 2 entry, backfilling whatever
// source produced the lookup into the shared cache for the next miss
// (spec.md §4.E "write-through with backfill").
func (s *Store) PutCacheEntry(ctx context.Context, e CacheEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrichment_cache (service, key, value, expires_at, updated_at)
		VALUES ($1,$2,$3,$4, now())
		ON CONFLICT (service, key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
	`, e.Service, e.Key, e.Value, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%w: put cache entry: %v", errs.ErrStorageIntegrity, err)
	}
	return nil
}

// PurgeExpiredCache deletes expired Tier 2 rows. It is not called on the
// lookup path (GetCacheEntry already ignores expired rows), and no command
// in this repository runs it.
func (s *Store) PurgeExpiredCache(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM enrichment_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("%w: purge expired cache: %v", errs.ErrStorageIntegrity, err)
	}
	return tag.RowsAffected(), nil
}
