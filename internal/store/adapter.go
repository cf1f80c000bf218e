package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/coldpot-sec/coldpot/internal/ingest"
)

// The loader (internal/ingest) depends only on its own narrow
// ingest.CommitStore interface, not on this package, to keep the
// dependency direction store -> ingest (for Aggregate/Invalid) one-way.
// This file adapts *Store to that interface.

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

func (s *Store) InsertRawEventsFromLoader(ctx context.Context, tx pgx.Tx, rows []ingest.RawEventRow) (int64, error) {
	converted := make([]RawEventRow, len(rows))
	for i, r := range rows {
		converted[i] = RawEventRow{
			IngestID:     r.IngestID,
			SourcePath:   r.SourcePath,
			SourceOffset: r.SourceOffset,
			SessionID:    r.SessionID,
			EventType:    r.EventType,
			Timestamp:    r.Timestamp,
			Payload:      json.RawMessage(r.Payload),
			Quarantined:  r.Quarantined,
			RiskScore:    r.RiskScore,
		}
	}
	return s.InsertRawEvents(ctx, tx, converted)
}

func (s *Store) InsertDeadLettersFromLoader(ctx context.Context, tx pgx.Tx, rows []ingest.DeadLetterRow) (int64, error) {
	converted := make([]DeadLetterRow, len(rows))
	for i, r := range rows {
		converted[i] = DeadLetterRow{
			IngestID:     r.IngestID,
			SourcePath:   r.SourcePath,
			SourceOffset: r.SourceOffset,
			Reason:       r.Reason,
			RawPayload:   r.RawPayload,
			Priority:     r.Priority,
		}
	}
	return s.InsertDeadLetters(ctx, tx, converted)
}

func (s *Store) UpsertSessionSummariesFromLoader(ctx context.Context, tx pgx.Tx, ups []ingest.SessionUpsert) error {
	converted := make([]SessionUpsert, len(ups))
	for i, u := range ups {
		converted[i] = SessionUpsert{
			Aggregate: u.Aggregate,
			Snapshot: Snapshot{
				SourceIP:        u.Snapshot.SourceIP,
				SnapshotASN:     u.Snapshot.SnapshotASN,
				SnapshotCountry: u.Snapshot.SnapshotCountry,
				SnapshotIPType:  u.Snapshot.SnapshotIPType,
				EnrichmentAt:    u.Snapshot.EnrichmentAt,
			},
		}
	}
	return s.UpsertSessionSummaries(ctx, tx, converted)
}

func (s *Store) InsertPasswordObservationsFromLoader(ctx context.Context, tx pgx.Tx, rows []ingest.PasswordObservationRow) error {
	converted := make([]PasswordObservationRow, len(rows))
	for i, r := range rows {
		converted[i] = PasswordObservationRow{
			SessionID:        r.SessionID,
			PasswordHashSHA1: r.PasswordHashSHA1,
			ObservedAt:       r.ObservedAt,
		}
	}
	return s.InsertPasswordObservations(ctx, tx, converted)
}

func (s *Store) UpsertCursorFromLoader(ctx context.Context, tx pgx.Tx, c ingest.Cursor) error {
	return s.UpsertCursor(ctx, tx, Cursor{
		Source:     c.Source,
		Inode:      c.Inode,
		LastOffset: c.LastOffset,
		IngestID:   c.IngestID,
		BatchIndex: c.BatchIndex,
		Sessions:   c.Sessions,
	})
}

func (s *Store) GetCursorForLoader(ctx context.Context, source string) (*ingest.Cursor, error) {
	c, err := s.GetCursor(ctx, source)
	if err != nil || c == nil {
		return nil, err
	}
	return &ingest.Cursor{
		Source:     c.Source,
		Inode:      c.Inode,
		LastOffset: c.LastOffset,
		IngestID:   c.IngestID,
		BatchIndex: c.BatchIndex,
		Sessions:   c.Sessions,
	}, nil
}

// LoaderAdapter exposes *Store through the ingest.CommitStore interface
// using the From/For-suffixed conversion methods above, since the method
// names the interface wants (InsertRawEvents etc.) are already taken by
// this package's native-type methods.
type LoaderAdapter struct{ *Store }

func (a LoaderAdapter) InsertRawEvents(ctx context.Context, tx pgx.Tx, rows []ingest.RawEventRow) (int64, error) {
	return a.Store.InsertRawEventsFromLoader(ctx, tx, rows)
}

func (a LoaderAdapter) InsertDeadLetters(ctx context.Context, tx pgx.Tx, rows []ingest.DeadLetterRow) (int64, error) {
	return a.Store.InsertDeadLettersFromLoader(ctx, tx, rows)
}

func (a LoaderAdapter) UpsertSessionSummaries(ctx context.Context, tx pgx.Tx, ups []ingest.SessionUpsert) error {
	return a.Store.UpsertSessionSummariesFromLoader(ctx, tx, ups)
}

func (a LoaderAdapter) InsertPasswordObservations(ctx context.Context, tx pgx.Tx, rows []ingest.PasswordObservationRow) error {
	return a.Store.InsertPasswordObservationsFromLoader(ctx, tx, rows)
}

func (a LoaderAdapter) UpsertCursor(ctx context.Context, tx pgx.Tx, c ingest.Cursor) error {
	return a.Store.UpsertCursorFromLoader(ctx, tx, c)
}

func (a LoaderAdapter) GetCursor(ctx context.Context, source string) (*ingest.Cursor, error) {
	return a.Store.GetCursorForLoader(ctx, source)
}
