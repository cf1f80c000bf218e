package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTier is an in-memory stand-in used to exercise Cache's
// backfill-on-hit behavior without pulling in ttlcache or the disk tier.
type fakeTier struct {
	name string
	data map[string]Entry
	gets int
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{name: name, data: make(map[string]Entry)}
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Get(_ context.Context, service, key string) (*Entry, error) {
	f.gets++
	e, ok := f.data[service+"/"+key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeTier) Put(_ context.Context, service, key string, e Entry) error {
	f.data[service+"/"+key] = e
	return nil
}

func TestCache_BackfillsHigherTiersOnLowerTierHit(t *testing.T) {
	l1 := newFakeTier("L1")
	l2 := newFakeTier("L2")
	l3 := newFakeTier("L3")
	c := New(l1, l2, l3)

	// Seed only L3.
	l3.data["scanner/1.2.3.4"] = Entry{Value: []byte(`{"ip_type":"TOR"}`), ExpiresAt: time.Now().Add(time.Hour)}

	e, tier, err := c.Get(context.Background(), ServiceScanner, "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, "L3", tier)
	require.NotNil(t, e)

	// L1 and L2 should now be backfilled.
	_, ok := l1.data["scanner/1.2.3.4"]
	require.True(t, ok)
	_, ok = l2.data["scanner/1.2.3.4"]
	require.True(t, ok)
}

func TestCache_TotalMiss(t *testing.T) {
	c := New(newFakeTier("L1"), newFakeTier("L2"))
	e, tier, err := c.Get(context.Background(), ServiceOfflineDB, "nowhere")
	require.NoError(t, err)
	require.Nil(t, e)
	require.Equal(t, "", tier)
}

func TestCache_DegradesWhenATierIsMissing(t *testing.T) {
	// Only L3 configured: simulates L1/L2 unavailable.
	l3 := newFakeTier("L3")
	c := New(l3)
	require.NoError(t, c.Put(context.Background(), ServiceBulkASN, "k", Entry{Value: []byte("v")}))

	e, tier, err := c.Get(context.Background(), ServiceBulkASN, "k")
	require.NoError(t, err)
	require.Equal(t, "L3", tier)
	require.NotNil(t, e)
}

func TestL3_RoundTripAndExpiry(t *testing.T) {
	l3 := NewL3(t.TempDir())
	ctx := context.Background()

	require.NoError(t, l3.Put(ctx, ServiceScanner, "1.2.3.4", Entry{
		Value:     []byte(`{"ip_type":"VPN"}`),
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	e, err := l3.Get(ctx, ServiceScanner, "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, e)

	require.NoError(t, l3.Put(ctx, ServiceScanner, "5.6.7.8", Entry{
		Value:     []byte(`{}`),
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	e, err = l3.Get(ctx, ServiceScanner, "5.6.7.8")
	require.NoError(t, err)
	require.Nil(t, e, "expired L3 entries must be reported as a miss")
}

func TestL1_PutThenGet(t *testing.T) {
	l1 := NewL1()
	defer l1.Stop()
	ctx := context.Background()

	require.NoError(t, l1.Put(ctx, ServiceOfflineDB, "k", Entry{Value: []byte("v")}))
	e, err := l1.Get(ctx, ServiceOfflineDB, "k")
	require.NoError(t, err)
	require.NotNil(t, e)
}
