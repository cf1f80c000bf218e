// Package cache implements the three-tier Cache Hierarchy (E): an
// in-memory L1, a Postgres-backed L2 row cache, and a sharded-disk L3,
// with graceful tier degradation and write-through backfill (spec.md
// §4.E).
package cache

import (
	"context"
	"time"

	"github.com/coldpot-sec/coldpot/internal/metrics"
)

// Entry is one cached value, already scoped to a (service, key) pair.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
}

// Tier is implemented by each of L1/L2/L3. A tier that's unavailable
// (e.g. L3 disk root missing) is simply omitted from the Cache's tier
// list rather than modeled as an error state — graceful degradation per
// spec.md §4.E.
type Tier interface {
	Name() string
	Get(ctx context.Context, service, key string) (*Entry, error)
	Put(ctx context.Context, service, key string, e Entry) error
}

// TTLPolicy returns the per-service TTL for a given tier, per the table
// in spec.md §4.E. Each tier clamps to its own maximum.
type TTLPolicy func(service string) time.Duration

// Cache is the unified get/put surface the Cascade Enricher (H) uses; it
// never knows which concrete tiers are wired in.
type Cache struct {
	tiers []Tier
}

func New(tiers ...Tier) *Cache {
	return &Cache{tiers: tiers}
}

// Get reads through L1 -> L2 -> L3 in order, stopping at the first hit
// and backfilling every higher tier it skipped past. A total miss across
// all tiers returns (nil, "", nil) — not an error.
func (c *Cache) Get(ctx context.Context, service, key string) (*Entry, string, error) {
	for i, t := range c.tiers {
		e, err := t.Get(ctx, service, key)
		if err != nil {
			continue // tier failure degrades to the next tier, not an error
		}
		if e == nil {
			continue
		}
		metrics.CacheHits.WithLabelValues(service, t.Name()).Inc()
		for j := 0; j < i; j++ {
			_ = c.tiers[j].Put(ctx, service, key, *e)
		}
		return e, t.Name(), nil
	}
	metrics.CacheMisses.WithLabelValues(service).Inc()
	return nil, "", nil
}

// Put writes through to every available tier, clamping ttl to each
// tier's own maximum is the tier implementation's job, not this layer's.
func (c *Cache) Put(ctx context.Context, service, key string, e Entry) error {
	var firstErr error
	for _, t := range c.tiers {
		if err := t.Put(ctx, service, key, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Service TTL families, per spec.md §4.E.
const (
	ServiceOfflineDB   = "offline_db"
	ServiceBulkASN     = "bulk_asn"
	ServiceScanner     = "scanner"
	ServicePasswordBreach = "password_breach"
)

// L1TTL, L2TTL, L3TTL implement the per-service/per-tier TTL table from
// spec.md §4.E.
func L1TTL(service string) time.Duration { return time.Hour }

func L2TTL(service string) time.Duration {
	switch service {
	case ServiceOfflineDB:
		return 30 * 24 * time.Hour
	case ServiceBulkASN:
		return 90 * 24 * time.Hour
	case ServiceScanner:
		return 7 * 24 * time.Hour
	case ServicePasswordBreach:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func L3TTL(service string) time.Duration {
	switch service {
	case ServiceOfflineDB:
		return 30 * 24 * time.Hour
	case ServiceBulkASN:
		return 90 * 24 * time.Hour
	case ServiceScanner:
		return 7 * 24 * time.Hour
	case ServicePasswordBreach:
		return 60 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}
