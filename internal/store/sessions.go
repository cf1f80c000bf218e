package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coldpot-sec/coldpot/internal/errs"
	"github.com/coldpot-sec/coldpot/internal/ingest"
)

// Snapshot is the immutable point-in-time projection the Snapshot Writer
// (component I) computes for a session's canonical IP. A nil field means
// "not known yet"; COALESCE keeps whatever was already written.
type Snapshot struct {
	SourceIP        *string
	SnapshotASN     *int64
	SnapshotCountry *string
	SnapshotIPType  *string
	EnrichmentAt    *time.Time
}

// SessionUpsert pairs one batch's aggregate with the snapshot computed for
// its canonical IP (possibly empty, if the IP isn't in inventory yet).
type SessionUpsert struct {
	Aggregate *ingest.Aggregate
	Snapshot  Snapshot
}

// UpsertSessionSummaries additively upserts counters and write-once
// snapshot columns for a batch of sessions, per spec.md §4.D step 3d and
// §4.I step 5. On conflict: counters add, min/max timestamps widen,
// sticky flags OR together, set-valued columns union+dedup, and the
// snapshot columns (+ source_ip) apply COALESCE(existing, incoming) so
// they are settable exactly once (P3, P10).
func (s *Store) UpsertSessionSummaries(ctx context.Context, tx pgx.Tx, ups []SessionUpsert) error {
	if len(ups) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range ups {
		a := u.Aggregate
		sourceIPs, _ := json.Marshal(setKeys(a.SourceIPs))
		sourceFiles, _ := json.Marshal(setKeys(a.SourceFiles))
		enrichment := a.EnrichmentPayload
		if len(enrichment) == 0 {
			enrichment = json.RawMessage(`{}`)
		}

		batch.Queue(`
			INSERT INTO session_summaries (
				session_id, sensor, event_count, command_count, file_downloads,
				login_attempts, ssh_key_injects, first_event_at, last_event_at,
				highest_risk, vt_flagged, dshield_flagged, source_ips, source_files,
				enrichment, source_ip, snapshot_asn, snapshot_country, snapshot_ip_type,
				enrichment_at, updated_at
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16::inet,$17,$18,$19,$20, now()
			)
			ON CONFLICT (session_id) DO UPDATE SET
				event_count     = session_summaries.event_count + EXCLUDED.event_count,
				command_count   = session_summaries.command_count + EXCLUDED.command_count,
				file_downloads  = session_summaries.file_downloads + EXCLUDED.file_downloads,
				login_attempts  = session_summaries.login_attempts + EXCLUDED.login_attempts,
				ssh_key_injects = session_summaries.ssh_key_injects + EXCLUDED.ssh_key_injects,
				first_event_at  = LEAST(session_summaries.first_event_at, EXCLUDED.first_event_at),
				last_event_at   = GREATEST(session_summaries.last_event_at, EXCLUDED.last_event_at),
				highest_risk    = GREATEST(session_summaries.highest_risk, EXCLUDED.highest_risk),
				vt_flagged      = session_summaries.vt_flagged OR EXCLUDED.vt_flagged,
				dshield_flagged = session_summaries.dshield_flagged OR EXCLUDED.dshield_flagged,
				source_ips      = (SELECT COALESCE(jsonb_agg(DISTINCT elem), '[]'::jsonb)
				                   FROM jsonb_array_elements_text(session_summaries.source_ips || EXCLUDED.source_ips) elem),
				source_files    = (SELECT COALESCE(jsonb_agg(DISTINCT elem), '[]'::jsonb)
				                   FROM jsonb_array_elements_text(session_summaries.source_files || EXCLUDED.source_files) elem),
				enrichment      = CASE WHEN EXCLUDED.enrichment = '{}'::jsonb THEN session_summaries.enrichment ELSE EXCLUDED.enrichment END,
				source_ip       = COALESCE(session_summaries.source_ip, EXCLUDED.source_ip),
				snapshot_asn    = COALESCE(session_summaries.snapshot_asn, EXCLUDED.snapshot_asn),
				snapshot_country= COALESCE(session_summaries.snapshot_country, EXCLUDED.snapshot_country),
				snapshot_ip_type= COALESCE(session_summaries.snapshot_ip_type, EXCLUDED.snapshot_ip_type),
				enrichment_at   = COALESCE(session_summaries.enrichment_at, EXCLUDED.enrichment_at),
				updated_at      = now()
		`,
			a.SessionID, a.Sensor, a.EventCount, a.CommandCount, a.FileDownloads,
			a.LoginAttempts, a.SSHKeyInjects, timeOrNil(a.FirstEventAt), timeOrNil(a.LastEventAt),
			a.HighestRisk, a.VTFlagged, a.DShieldFlagged, sourceIPs, sourceFiles,
			enrichment, u.Snapshot.SourceIP, u.Snapshot.SnapshotASN, u.Snapshot.SnapshotCountry,
			u.Snapshot.SnapshotIPType, u.Snapshot.EnrichmentAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range ups {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("%w: upsert session summary: %v", errs.ErrStorageIntegrity, err)
		}
	}
	return nil
}

// PasswordObservationRow is one hashed cleartext password seen on a
// login-attempt event (SPEC_FULL.md §5 PasswordObservation supplement).
type PasswordObservationRow struct {
	SessionID        string
	PasswordHashSHA1 string
	ObservedAt       time.Time
}

// InsertPasswordObservations appends a batch of password observations.
// This table exists purely to avoid dropping data the input stream
// already carries; no breach/novelty classification is computed over it
// (the Non-goal the supplement preserves).
func (s *Store) InsertPasswordObservations(ctx context.Context, tx pgx.Tx, rows []PasswordObservationRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		observedAt := r.ObservedAt
		if observedAt.IsZero() {
			observedAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO password_observations (session_id, password_hash_sha1, observed_at)
			VALUES ($1,$2,$3)
		`, r.SessionID, r.PasswordHashSHA1, observedAt)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("%w: insert password observation: %v", errs.ErrStorageIntegrity, err)
		}
	}
	return nil
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func setKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// SessionSummaryRow mirrors a session_summaries row for read paths (tests,
// reporting).
type SessionSummaryRow struct {
	SessionID       string
	EventCount      int64
	CommandCount    int64
	FileDownloads   int64
	LoginAttempts   int64
	SourceIPs       []string
	CanonicalIP     *string
	SnapshotASN     *int64
	SnapshotCountry *string
	SnapshotIPType  *string
	EnrichmentAt    *time.Time
}

// GetSessionSummary reads a single session summary by ID, mainly for
// tests asserting on P3/P10.
func (s *Store) GetSessionSummary(ctx context.Context, sessionID string) (*SessionSummaryRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, event_count, command_count, file_downloads, login_attempts,
		       source_ips, source_ip::text, snapshot_asn, snapshot_country, snapshot_ip_type, enrichment_at
		FROM session_summaries WHERE session_id = $1
	`, sessionID)

	var out SessionSummaryRow
	var sourceIPs []byte
	var canonicalIP *string
	err := row.Scan(&out.SessionID, &out.EventCount, &out.CommandCount, &out.FileDownloads,
		&out.LoginAttempts, &sourceIPs, &canonicalIP, &out.SnapshotASN, &out.SnapshotCountry,
		&out.SnapshotIPType, &out.EnrichmentAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(sourceIPs, &out.SourceIPs)
	out.CanonicalIP = canonicalIP
	return &out, nil
}
