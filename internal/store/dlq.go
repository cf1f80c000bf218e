package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coldpot-sec/coldpot/internal/errs"
)

// DLQRow is a dead_letter_events row as read back by the DLQ processor.
type DLQRow struct {
	ID              int64
	IngestID        string
	SourcePath      string
	SourceOffset    int64
	Reason          string
	RawPayload      []byte
	RetryCount      int
	ErrorHistory    []string
	Priority        int
	ProcessingLock  *string
	LockExpiresAt   *time.Time
	IdempotencyKey  string
	PayloadChecksum string
}

// ClaimDLQBatch selects up to limit unresolved, unlocked (or
// lock-expired) rows ordered by (priority ASC, created_at ASC) and marks
// them locked under lockID for leaseFor, in one transaction — the usual
// "claim via UPDATE ... RETURNING" pattern so two DLQ processor instances
// never double-work a row.
func (s *Store) ClaimDLQBatch(ctx context.Context, lockID string, leaseFor time.Duration, limit int) ([]DLQRow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin dlq claim: %v", errs.ErrStorageIntegrity, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, ingest_id, source_path, source_offset, reason, raw_payload,
		       retry_count, error_history, priority, idempotency_key, payload_checksum
		FROM dead_letter_events
		WHERE NOT resolved AND (processing_lock IS NULL OR lock_expires_at < now())
		ORDER BY priority ASC, created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query dlq batch: %v", errs.ErrStorageIntegrity, err)
	}

	var claimed []DLQRow
	var ids []int64
	for rows.Next() {
		var r DLQRow
		var history []byte
		if err := rows.Scan(&r.ID, &r.IngestID, &r.SourcePath, &r.SourceOffset, &r.Reason,
			&r.RawPayload, &r.RetryCount, &history, &r.Priority, &r.IdempotencyKey, &r.PayloadChecksum); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan dlq row: %v", errs.ErrStorageIntegrity, err)
		}
		_ = json.Unmarshal(history, &r.ErrorHistory)
		claimed = append(claimed, r)
		ids = append(ids, r.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate dlq batch: %v", errs.ErrStorageIntegrity, err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	expires := time.Now().Add(leaseFor)
	if _, err := tx.Exec(ctx, `
		UPDATE dead_letter_events SET processing_lock = $1, lock_expires_at = $2, updated_at = now()
		WHERE id = ANY($3)
	`, lockID, expires, ids); err != nil {
		return nil, fmt.Errorf("%w: lock dlq batch: %v", errs.ErrStorageIntegrity, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit dlq claim: %v", errs.ErrStorageIntegrity, err)
	}
	return claimed, nil
}

// ResolveDLQRow marks a row resolved after its redelivered event has been
// committed.
func (s *Store) ResolveDLQRow(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_events SET resolved = TRUE, processing_lock = NULL, lock_expires_at = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("%w: resolve dlq row: %v", errs.ErrStorageIntegrity, err)
	}
	return nil
}

// ReleaseDLQRow records a failed redelivery attempt: bumps retry_count,
// appends to error_history, and releases the lock so another claim can
// retry it later (or a human can inspect it once retry_count gets high).
func (s *Store) ReleaseDLQRow(ctx context.Context, id int64, failure string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_events SET
			retry_count = retry_count + 1,
			error_history = error_history || to_jsonb($2::text),
			processing_lock = NULL,
			lock_expires_at = NULL,
			updated_at = now()
		WHERE id = $1
	`, id, failure)
	if err != nil {
		return fmt.Errorf("%w: release dlq row: %v", errs.ErrStorageIntegrity, err)
	}
	return nil
}

// DLQDepth reports the count of unresolved rows, for the DLQDepth gauge.
func (s *Store) DLQDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM dead_letter_events WHERE NOT resolved`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: dlq depth: %v", errs.ErrStorageIntegrity, err)
	}
	return n, nil
}

// DLQOldestAge reports the age of the oldest unresolved row, or zero if
// the queue is empty.
func (s *Store) DLQOldestAge(ctx context.Context) (time.Duration, error) {
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `SELECT min(created_at) FROM dead_letter_events WHERE NOT resolved`).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("%w: dlq oldest age: %v", errs.ErrStorageIntegrity, err)
	}
	if oldest == nil {
		return 0, nil
	}
	return time.Since(*oldest), nil
}
