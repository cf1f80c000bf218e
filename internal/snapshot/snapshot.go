// Package snapshot implements the Snapshot Writer (I / C4): resolving the
// write-once source_ip/snapshot_* fields a session summary carries at
// first-seen time (spec.md §4.I).
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/coldpot-sec/coldpot/internal/classify"
	"github.com/coldpot-sec/coldpot/internal/ingest"
)

// InventoryLookup is the narrow view of ip_inventory this package needs;
// kept local so snapshot never imports store directly.
type InventoryLookup struct {
	IPAddress           string
	CurrentASN          *int64
	GeoCountry          *string
	IPTypes             []string
	EnrichmentUpdatedAt *time.Time
}

// InventoryBackend is implemented by store.Store (via an adapter) to give
// the Writer batched inventory reads.
type InventoryBackend interface {
	LookupInventoryBatch(ctx context.Context, ips []string) (map[string]InventoryLookup, error)
}

// Writer implements ingest.SnapshotLookup against an InventoryBackend.
type Writer struct {
	backend InventoryBackend
}

func New(backend InventoryBackend) *Writer {
	return &Writer{backend: backend}
}

// SnapshotFor resolves the write-once snapshot fields for each canonical
// IP, per spec.md §4.I steps 2-4:
//   - source_ip is set only if the IP exists in ip_inventory (FK policy).
//   - snapshot_asn/snapshot_country come straight from the inventory row.
//   - snapshot_ip_type picks one value out of ip_types using the fixed
//     VPN > TOR > PROXY > DATACENTER > RESIDENTIAL > MOBILE priority.
//   - enrichment_at mirrors the inventory row's enrichment_updated_at.
//
// An IP absent from inventory (never enriched, or enrichment still
// pending) simply yields a Snapshot with every field nil; the caller's
// COALESCE(existing, incoming) upsert then leaves any already-written
// session_summaries row untouched (write-once).
func (w *Writer) SnapshotFor(ctx context.Context, canonicalIPs []string) (map[string]ingest.Snapshot, error) {
	if len(canonicalIPs) == 0 {
		return map[string]ingest.Snapshot{}, nil
	}
	rows, err := w.backend.LookupInventoryBatch(ctx, canonicalIPs)
	if err != nil {
		return nil, fmt.Errorf("lookup inventory batch: %w", err)
	}

	out := make(map[string]ingest.Snapshot, len(canonicalIPs))
	for _, ip := range canonicalIPs {
		row, ok := rows[ip]
		if !ok {
			out[ip] = ingest.Snapshot{}
			continue
		}
		s := ingest.Snapshot{SourceIP: &row.IPAddress}
		s.SnapshotASN = row.CurrentASN
		s.SnapshotCountry = row.GeoCountry
		if ipType := classify.FirstByPriority(row.IPTypes); ipType != "" {
			s.SnapshotIPType = &ipType
		}
		s.EnrichmentAt = row.EnrichmentUpdatedAt
		out[ip] = s
	}
	return out, nil
}
