package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	rows map[string]InventoryLookup
}

func (f *fakeBackend) LookupInventoryBatch(_ context.Context, ips []string) (map[string]InventoryLookup, error) {
	out := make(map[string]InventoryLookup)
	for _, ip := range ips {
		if r, ok := f.rows[ip]; ok {
			out[ip] = r
		}
	}
	return out, nil
}

func TestSnapshotFor_KnownIPResolvesAllFields(t *testing.T) {
	asn := int64(15169)
	country := "US"
	enrichedAt := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	backend := &fakeBackend{rows: map[string]InventoryLookup{
		"8.8.8.8": {
			IPAddress:           "8.8.8.8",
			CurrentASN:          &asn,
			GeoCountry:          &country,
			IPTypes:             []string{"DATACENTER", "RESIDENTIAL"},
			EnrichmentUpdatedAt: &enrichedAt,
		},
	}}
	w := New(backend)

	out, err := w.SnapshotFor(context.Background(), []string{"8.8.8.8"})
	require.NoError(t, err)

	snap := out["8.8.8.8"]
	require.NotNil(t, snap.SourceIP)
	require.Equal(t, "8.8.8.8", *snap.SourceIP)
	require.Equal(t, asn, *snap.SnapshotASN)
	require.Equal(t, "US", *snap.SnapshotCountry)
	require.Equal(t, "DATACENTER", *snap.SnapshotIPType, "DATACENTER outranks RESIDENTIAL in the fixed priority order")
	require.Equal(t, enrichedAt, *snap.EnrichmentAt)
}

func TestSnapshotFor_UnknownIPYieldsAllNilFields(t *testing.T) {
	w := New(&fakeBackend{rows: map[string]InventoryLookup{}})

	out, err := w.SnapshotFor(context.Background(), []string{"1.2.3.4"})
	require.NoError(t, err)

	snap := out["1.2.3.4"]
	require.Nil(t, snap.SourceIP)
	require.Nil(t, snap.SnapshotASN)
	require.Nil(t, snap.SnapshotCountry)
	require.Nil(t, snap.SnapshotIPType)
	require.Nil(t, snap.EnrichmentAt)
}

func TestSnapshotFor_EmptyIPTypesYieldsNilIPType(t *testing.T) {
	backend := &fakeBackend{rows: map[string]InventoryLookup{
		"5.6.7.8": {IPAddress: "5.6.7.8"},
	}}
	w := New(backend)

	out, err := w.SnapshotFor(context.Background(), []string{"5.6.7.8"})
	require.NoError(t, err)
	require.Nil(t, out["5.6.7.8"].SnapshotIPType)
}

func TestSnapshotFor_EmptyInputReturnsEmptyMap(t *testing.T) {
	w := New(&fakeBackend{})
	out, err := w.SnapshotFor(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, out)
}
