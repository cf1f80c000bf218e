package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coldpot-sec/coldpot/internal/errs"
)

// Cursor records how far the loader has consumed one (source, inode) pair,
// per spec.md §4.D step 3e. Resuming a source matches on inode first; a
// mismatched inode means the file rotated and the cursor does not apply.
type Cursor struct {
	Source     string
	Inode      string
	LastOffset int64
	IngestID   uuid.UUID
	BatchIndex int64
	Sessions   []string
}

// GetCursor reads the current cursor for a source, or nil if none exists
// yet (a cold start).
func (s *Store) GetCursor(ctx context.Context, source string) (*Cursor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT source, inode, last_offset, ingest_id, batch_index, sessions
		FROM ingest_cursors WHERE source = $1
		ORDER BY updated_at DESC LIMIT 1
	`, source)

	var c Cursor
	var sessions []byte
	err := row.Scan(&c.Source, &c.Inode, &c.LastOffset, &c.IngestID, &c.BatchIndex, &sessions)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get cursor: %v", errs.ErrStorageIntegrity, err)
	}
	_ = json.Unmarshal(sessions, &c.Sessions)
	return &c, nil
}

// UpsertCursor advances the cursor for (source, inode) within the loader's
// commit transaction. last_offset only moves forward: a cursor write with
// a lower offset than what's stored is a caller bug, not a valid rewind,
// so it's enforced with GREATEST rather than silently accepted.
func (s *Store) UpsertCursor(ctx context.Context, tx pgx.Tx, c Cursor) error {
	sessions, _ := json.Marshal(c.Sessions)
	_, err := tx.Exec(ctx, `
		INSERT INTO ingest_cursors (source, inode, last_offset, ingest_id, batch_index, sessions, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6, now())
		ON CONFLICT (source, inode) DO UPDATE SET
			last_offset = GREATEST(ingest_cursors.last_offset, EXCLUDED.last_offset),
			ingest_id   = EXCLUDED.ingest_id,
			batch_index = EXCLUDED.batch_index,
			sessions    = EXCLUDED.sessions,
			updated_at  = now()
	`, c.Source, c.Inode, c.LastOffset, c.IngestID, c.BatchIndex, sessions)
	if err != nil {
		return fmt.Errorf("%w: upsert cursor: %v", errs.ErrStorageIntegrity, err)
	}
	return nil
}
