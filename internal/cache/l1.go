package cache

import (
	"context"

	"github.com/jellydator/ttlcache/v3"
)

// L1 is the in-memory tier, backed by jellydator/ttlcache/v3. Its TTL
// comes from L1TTL regardless of which service is asked — the table in
// spec.md §4.E gives every service family the same 1h L1 TTL.
type L1 struct {
	tc *ttlcache.Cache[string, Entry]
}

func NewL1() *L1 {
	tc := ttlcache.New[string, Entry]()
	go tc.Start()
	return &L1{tc: tc}
}

func (l *L1) Name() string { return "L1" }

func (l *L1) Get(_ context.Context, service, key string) (*Entry, error) {
	item := l.tc.Get(tierKey(service, key))
	if item == nil {
		return nil, nil
	}
	v := item.Value()
	return &v, nil
}

func (l *L1) Put(_ context.Context, service, key string, e Entry) error {
	l.tc.Set(tierKey(service, key), e, L1TTL(service))
	return nil
}

// Stop releases the background TTL-eviction goroutine.
func (l *L1) Stop() { l.tc.Stop() }

func tierKey(service, key string) string { return service + "\x00" + key }
