package store

import (
	"context"
	"time"

	"github.com/coldpot-sec/coldpot/internal/dlq"
)

// DLQBackend adapts *Store to dlq.Backend.
type DLQBackend struct{ *Store }

func (b DLQBackend) ClaimBatch(ctx context.Context, lockID string, leaseFor time.Duration, limit int) ([]dlq.Row, error) {
	rows, err := b.Store.ClaimDLQBatch(ctx, lockID, leaseFor, limit)
	if err != nil {
		return nil, err
	}
	out := make([]dlq.Row, len(rows))
	for i, r := range rows {
		out[i] = dlq.Row{
			ID:           r.ID,
			IngestID:     r.IngestID,
			SourcePath:   r.SourcePath,
			SourceOffset: r.SourceOffset,
			Reason:       r.Reason,
			RawPayload:   r.RawPayload,
			RetryCount:   r.RetryCount,
		}
	}
	return out, nil
}

func (b DLQBackend) Resolve(ctx context.Context, id int64) error {
	return b.Store.ResolveDLQRow(ctx, id)
}

func (b DLQBackend) Release(ctx context.Context, id int64, failure string) error {
	return b.Store.ReleaseDLQRow(ctx, id, failure)
}

func (b DLQBackend) Depth(ctx context.Context) (int64, error) {
	return b.Store.DLQDepth(ctx)
}
