package store

import (
	"context"

	"github.com/coldpot-sec/coldpot/internal/snapshot"
)

// SnapshotBackend adapts *Store to snapshot.InventoryBackend, the same
// adapter pattern as LoaderAdapter and CacheBackend.
type SnapshotBackend struct{ *Store }

func (b SnapshotBackend) LookupInventoryBatch(ctx context.Context, ips []string) (map[string]snapshot.InventoryLookup, error) {
	rows, err := b.Store.LookupInventoryBatch(ctx, ips)
	if err != nil {
		return nil, err
	}
	out := make(map[string]snapshot.InventoryLookup, len(rows))
	for ip, r := range rows {
		out[ip] = snapshot.InventoryLookup{
			IPAddress:           r.IPAddress,
			CurrentASN:          r.CurrentASN,
			GeoCountry:          r.GeoCountry,
			IPTypes:             r.IPTypes,
			EnrichmentUpdatedAt: r.EnrichmentUpdatedAt,
		}
	}
	return out, nil
}
