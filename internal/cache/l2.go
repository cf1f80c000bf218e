package cache

import (
	"context"
	"time"
)

// StoreBackend is the narrow surface L2 needs from *store.Store, kept
// local to avoid an import cycle (store imports cache for its
// CacheBackend adapter, so cache cannot import store).
type StoreBackend interface {
	GetCacheEntry(ctx context.Context, service, key string) (*StoreEntry, error)
	PutCacheEntry(ctx context.Context, e StoreEntry) error
}

// StoreEntry mirrors store.CacheEntry structurally; store.CacheBackend
// adapts *store.Store into a StoreBackend, and cmd/coldpot-enrich passes
// that adapter to NewL2.
type StoreEntry struct {
	Service   string
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// L2 is the Postgres-backed row-cache tier.
type L2 struct {
	backend StoreBackend
}

func NewL2(backend StoreBackend) *L2 {
	return &L2{backend: backend}
}

func (l *L2) Name() string { return "L2" }

func (l *L2) Get(ctx context.Context, service, key string) (*Entry, error) {
	e, err := l.backend.GetCacheEntry(ctx, service, key)
	if err != nil || e == nil {
		return nil, err
	}
	return &Entry{Value: e.Value, ExpiresAt: e.ExpiresAt}, nil
}

func (l *L2) Put(ctx context.Context, service, key string, e Entry) error {
	expires := e.ExpiresAt
	if max := time.Now().Add(L2TTL(service)); expires.IsZero() || expires.After(max) {
		expires = max
	}
	return l.backend.PutCacheEntry(ctx, StoreEntry{
		Service: service, Key: key, Value: e.Value, ExpiresAt: expires,
	})
}
