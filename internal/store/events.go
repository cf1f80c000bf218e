package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coldpot-sec/coldpot/internal/errs"
	"github.com/coldpot-sec/coldpot/internal/ingest"
)

// RawEventRow is one row to append to raw_events. Quarantined rows carry
// Payload == nil and a matching DeadLetterRow with the same
// (SourcePath, SourceOffset).
type RawEventRow struct {
	IngestID     uuid.UUID
	SourcePath   string
	SourceOffset int64
	SessionID    string
	EventType    string
	Timestamp    time.Time
	Payload      json.RawMessage // nil when Quarantined
	Quarantined  bool
	RiskScore    float64
}

// InsertRawEvents appends a batch of raw events using insert-or-ignore on
// (source_path, source_offset), making re-delivery of an already
// committed batch a no-op (spec.md §4.D, P1/P2).
func (s *Store) InsertRawEvents(ctx context.Context, tx pgx.Tx, rows []RawEventRow) (inserted int64, err error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO raw_events
				(ingest_id, source_path, source_offset, session_id, event_type, event_ts, payload, quarantined, risk_score)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (source_path, source_offset) DO NOTHING
		`, r.IngestID, r.SourcePath, r.SourceOffset, r.SessionID, r.EventType, r.Timestamp, nullableJSON(r.Payload), r.Quarantined, r.RiskScore)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		tag, execErr := br.Exec()
		if execErr != nil {
			return inserted, fmt.Errorf("%w: insert raw event: %v", errs.ErrStorageIntegrity, execErr)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// DeadLetterRow is one row to append to dead_letter_events.
type DeadLetterRow struct {
	IngestID     uuid.UUID
	SourcePath   string
	SourceOffset int64
	Reason       errs.Reason
	RawPayload   []byte
	Priority     int
}

// IdempotencyKey computes the unique key for a dead-letter row: a hash of
// (source_path, source_offset, reason), as spec.md §4.D requires — a fresh
// key per batch attempt would defeat the uniqueness constraint, so the
// key is *derived*, not randomly generated, making redelivery idempotent.
func IdempotencyKey(sourcePath string, sourceOffset int64, reason errs.Reason) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s", sourcePath, sourceOffset, reason)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadChecksum is advisory integrity metadata over the raw bytes; per
// spec.md §9 Open Questions, idempotency_key (not this checksum) is the
// authoritative uniqueness key.
func PayloadChecksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// InsertDeadLetters appends a batch of dead-letter rows, deduplicating on
// idempotency_key the same way raw events dedup on (source_path, offset).
func (s *Store) InsertDeadLetters(ctx context.Context, tx pgx.Tx, rows []DeadLetterRow) (inserted int64, err error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		key := IdempotencyKey(r.SourcePath, r.SourceOffset, r.Reason)
		checksum := PayloadChecksum(r.RawPayload)
		batch.Queue(`
			INSERT INTO dead_letter_events
				(ingest_id, source_path, source_offset, reason, raw_payload, priority, idempotency_key, payload_checksum)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, r.IngestID, r.SourcePath, r.SourceOffset, string(r.Reason), r.RawPayload, r.Priority, key, checksum)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		tag, execErr := br.Exec()
		if execErr != nil {
			return inserted, fmt.Errorf("%w: insert dead letter: %v", errs.ErrStorageIntegrity, execErr)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// ReasonFromInvalid maps a validator Invalid into a DeadLetterRow reason,
// keeping the two packages decoupled from each other's internals.
func ReasonFromInvalid(inv *ingest.Invalid) errs.Reason {
	if inv == nil {
		return errs.ReasonOther
	}
	return inv.Reason
}
