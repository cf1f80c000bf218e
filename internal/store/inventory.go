package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coldpot-sec/coldpot/internal/errs"
)

// IPInventoryRow is the current-state enrichment record for one IP
// (IPInventory is Cascade Enricher-owned; Tier 2 of the cache hierarchy
// is the separate enrichment_cache table, see cache.go).
type IPInventoryRow struct {
	IPAddress           string
	CurrentASN          *int64
	ASName              *string
	Enrichment          json.RawMessage
	EnrichmentUpdatedAt time.Time
	IPTypes             []string
	GeoCountry          *string
	IPType              *string
}

// UpsertIPInventory writes the Cascade Enricher's result for one IP. Only
// the enricher owns this table; the snapshot writer only reads it.
func (s *Store) UpsertIPInventory(ctx context.Context, row IPInventoryRow) error {
	ipTypes, _ := json.Marshal(row.IPTypes)
	enrichment := row.Enrichment
	if len(enrichment) == 0 {
		enrichment = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ip_inventory (ip_address, current_asn, as_name, enrichment, enrichment_updated_at, ip_types, geo_country, ip_type)
		VALUES ($1::inet,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (ip_address) DO UPDATE SET
			current_asn = EXCLUDED.current_asn,
			as_name = EXCLUDED.as_name,
			enrichment = EXCLUDED.enrichment,
			enrichment_updated_at = EXCLUDED.enrichment_updated_at,
			ip_types = EXCLUDED.ip_types,
			geo_country = EXCLUDED.geo_country,
			ip_type = EXCLUDED.ip_type
	`, row.IPAddress, row.CurrentASN, row.ASName, enrichment, row.EnrichmentUpdatedAt, ipTypes, row.GeoCountry, row.IPType)
	if err != nil {
		return fmt.Errorf("%w: upsert ip inventory: %v", errs.ErrStorageIntegrity, err)
	}
	return s.recordASNTransition(ctx, row.IPAddress, row.CurrentASN)
}

// recordASNTransition appends an IPASNHistory row when the current ASN
// for an IP changes, closing out the previous open interval. Intervals
// are non-overlapping [observed_from, observed_to) per IP (spec.md §3).
func (s *Store) recordASNTransition(ctx context.Context, ip string, asn *int64) error {
	if asn == nil {
		return nil
	}
	var lastASN *int64
	err := s.pool.QueryRow(ctx, `
		SELECT asn FROM ip_asn_history WHERE ip_address = $1::inet AND observed_to IS NULL
		ORDER BY observed_from DESC LIMIT 1
	`, ip).Scan(&lastASN)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("%w: read last asn transition: %v", errs.ErrStorageIntegrity, err)
	}
	if lastASN != nil && *lastASN == *asn {
		return nil // no change
	}

	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin asn transition tx: %v", errs.ErrStorageIntegrity, err)
	}
	defer tx.Rollback(ctx)

	if lastASN != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE ip_asn_history SET observed_to = $2
			WHERE ip_address = $1::inet AND observed_to IS NULL
		`, ip, now); err != nil {
			return fmt.Errorf("%w: close asn interval: %v", errs.ErrStorageIntegrity, err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ip_asn_history (ip_address, asn, observed_from) VALUES ($1::inet, $2, $3)
	`, ip, *asn, now); err != nil {
		return fmt.Errorf("%w: open asn interval: %v", errs.ErrStorageIntegrity, err)
	}
	return tx.Commit(ctx)
}

// InventoryLookup is the projection the Snapshot Writer reads: exactly the
// fields spec.md §4.I step 2 names.
type InventoryLookup struct {
	IPAddress           string
	CurrentASN          *int64
	GeoCountry          *string
	IPTypes             []string
	EnrichmentUpdatedAt *time.Time
}

// LookupInventoryBatch reads current enrichment for a set of IPs in one
// query; IPs absent from inventory simply don't appear in the result map
// (spec.md §4.I step 2).
func (s *Store) LookupInventoryBatch(ctx context.Context, ips []string) (map[string]InventoryLookup, error) {
	out := make(map[string]InventoryLookup, len(ips))
	if len(ips) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ip_address::text, current_asn, geo_country, ip_types, enrichment_updated_at
		FROM ip_inventory WHERE ip_address = ANY($1::inet[])
	`, ips)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup inventory batch: %v", errs.ErrStorageIntegrity, err)
	}
	defer rows.Close()
	for rows.Next() {
		var l InventoryLookup
		var ipTypes []byte
		if err := rows.Scan(&l.IPAddress, &l.CurrentASN, &l.GeoCountry, &ipTypes, &l.EnrichmentUpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan inventory row: %v", errs.ErrStorageIntegrity, err)
		}
		_ = json.Unmarshal(ipTypes, &l.IPTypes)
		out[l.IPAddress] = l
	}
	return out, rows.Err()
}

// RollupASNInventory recomputes asn_inventory from the current IPInventory
// contents: a periodic background rollup, not invoked per-enrichment, per
// the "ASN aggregates derived by a periodic rollup" design note (spec.md
// §9).
func (s *Store) RollupASNInventory(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO asn_inventory (asn, as_name, first_seen, last_seen, ip_count)
		SELECT current_asn, max(as_name), min(enrichment_updated_at), max(enrichment_updated_at), count(*)
		FROM ip_inventory
		WHERE current_asn IS NOT NULL
		GROUP BY current_asn
		ON CONFLICT (asn) DO UPDATE SET
			as_name = EXCLUDED.as_name,
			first_seen = LEAST(asn_inventory.first_seen, EXCLUDED.first_seen),
			last_seen = GREATEST(asn_inventory.last_seen, EXCLUDED.last_seen),
			ip_count = EXCLUDED.ip_count
	`)
	if err != nil {
		return fmt.Errorf("%w: rollup asn inventory: %v", errs.ErrStorageIntegrity, err)
	}
	return nil
}

// PendingEnrichmentIP is one canonical IP awaiting (re-)enrichment, plus
// the strongest session activity observed for it across every session
// that surfaced it — the Cascade Enricher's F3 activity filter (spec.md
// §4.F) needs this alongside the IP itself, not as a separate lookup.
type PendingEnrichmentIP struct {
	IP              string
	CommandCount    int64
	FileDownloads   int64
	VTFlagged       bool
	DurationSeconds float64
}

// PendingEnrichmentIPs returns up to limit distinct canonical IPs observed
// in session_summaries.source_ips that either have no ip_inventory row yet,
// or whose enrichment is older than staleAfter.
//
// This deliberately reads source_ips (every canonical IP a session ever
// saw), not the write-once source_ip FK column: per the Snapshot Writer's
// FK policy (spec.md §4.I step 4, internal/snapshot/snapshot.go),
// source_ip is only populated once the IP already exists in ip_inventory,
// so a never-enriched IP always has source_ip = NULL. Deriving the
// worklist from that column would make the "no inventory row yet" branch
// unreachable and the enricher could never bootstrap a brand-new IP.
// Feeds the Cascade Enricher's batch driver (spec.md §4.H staleness
// policy).
func (s *Store) PendingEnrichmentIPs(ctx context.Context, staleAfter time.Duration, limit int) ([]PendingEnrichmentIP, error) {
	rows, err := s.pool.Query(ctx, `
		WITH seen AS (
			SELECT ss.session_id, jsonb_array_elements_text(ss.source_ips) AS ip,
			       ss.command_count, ss.file_downloads, ss.vt_flagged,
			       EXTRACT(EPOCH FROM (ss.last_event_at - ss.first_event_at)) AS duration_seconds
			FROM session_summaries ss
		)
		SELECT seen.ip::text,
		       MAX(seen.command_count), MAX(seen.file_downloads),
		       BOOL_OR(seen.vt_flagged), MAX(COALESCE(seen.duration_seconds, 0))
		FROM seen
		LEFT JOIN ip_inventory inv ON inv.ip_address = seen.ip::inet
		WHERE inv.ip_address IS NULL OR inv.enrichment_updated_at < now() - $1::interval
		GROUP BY seen.ip
		LIMIT $2
	`, staleAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: pending enrichment ips: %v", errs.ErrStorageIntegrity, err)
	}
	defer rows.Close()
	var out []PendingEnrichmentIP
	for rows.Next() {
		var p PendingEnrichmentIP
		if err := rows.Scan(&p.IP, &p.CommandCount, &p.FileDownloads, &p.VTFlagged, &p.DurationSeconds); err != nil {
			return nil, fmt.Errorf("%w: scan pending enrichment ip: %v", errs.ErrStorageIntegrity, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
