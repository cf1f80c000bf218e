package store

import (
	"context"

	"github.com/coldpot-sec/coldpot/internal/cache"
)

// CacheBackend adapts *Store to cache.StoreBackend, the L2 tier's view of
// the store, the same way LoaderAdapter adapts it to ingest.CommitStore.
type CacheBackend struct{ *Store }

func (b CacheBackend) GetCacheEntry(ctx context.Context, service, key string) (*cache.StoreEntry, error) {
	e, err := b.Store.GetCacheEntry(ctx, service, key)
	if err != nil || e == nil {
		return nil, err
	}
	return &cache.StoreEntry{Service: e.Service, Key: e.Key, Value: e.Value, ExpiresAt: e.ExpiresAt}, nil
}

func (b CacheBackend) PutCacheEntry(ctx context.Context, e cache.StoreEntry) error {
	return b.Store.PutCacheEntry(ctx, CacheEntry{
		Service: e.Service, Key: e.Key, Value: e.Value, ExpiresAt: e.ExpiresAt,
	})
}
